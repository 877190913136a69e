package cli

import (
	"errors"
	"flag"
	"fmt"
	"strings"

	"depot-packer/internal/config"
)

func runSettings(args []string) error {
	if len(args) == 0 {
		printSettingsUsage()
		return nil
	}
	switch args[0] {
	case "show":
		return runSettingsShow(args[1:])
	case "set":
		return runSettingsSet(args[1:])
	case "help", "-h", "--help":
		printSettingsUsage()
		return nil
	default:
		printSettingsUsage()
		return fmt.Errorf("unknown settings subcommand %q", args[0])
	}
}

func runSettingsShow(args []string) error {
	fs := flag.NewFlagSet("settings show", flag.ContinueOnError)
	configPath := fs.String("config", config.DefaultConfigPath(), "settings file path")
	jsonOut := fs.Bool("json", false, "print JSON output")
	fs.SetOutput(flag.CommandLine.Output())
	if err := fs.Parse(args); err != nil {
		return err
	}

	path := strings.TrimSpace(*configPath)
	s, err := config.Load(path)
	if err != nil {
		return err
	}
	if *jsonOut {
		return printJSON(map[string]any{
			"config_path": path,
			"settings":    s,
		})
	}

	fmt.Printf("config: %s\n", path)
	for _, key := range config.Keys() {
		fmt.Printf("%s: %s\n", key, displaySetting(s, key))
	}
	return nil
}

// runSettingsSet takes key=value pairs, e.g. `settings set default_os=Linux compress=true`.
func runSettingsSet(args []string) error {
	fs := flag.NewFlagSet("settings set", flag.ContinueOnError)
	configPath := fs.String("config", config.DefaultConfigPath(), "settings file path")
	jsonOut := fs.Bool("json", false, "print JSON output")
	fs.SetOutput(flag.CommandLine.Output())
	if err := fs.Parse(args); err != nil {
		return err
	}
	pairs := fs.Args()
	if len(pairs) == 0 {
		return errors.New("settings set needs at least one key=value pair")
	}

	path := strings.TrimSpace(*configPath)
	s, err := config.Load(path)
	if err != nil {
		return err
	}
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok {
			return fmt.Errorf("invalid setting %q (expected key=value)", pair)
		}
		if s, err = config.Set(s, key, value); err != nil {
			return err
		}
	}
	if err := config.Save(path, s); err != nil {
		return err
	}
	if *jsonOut {
		return printJSON(map[string]any{
			"config_path": path,
			"settings":    s,
		})
	}

	fmt.Printf("updated settings in %s\n", path)
	for _, pair := range pairs {
		key, _, _ := strings.Cut(pair, "=")
		key = strings.ToLower(strings.TrimSpace(key))
		fmt.Printf("%s: %s\n", key, displaySetting(s, key))
	}
	return nil
}

func displaySetting(s config.Settings, key string) string {
	var v string
	switch key {
	case "downloads_dir":
		v = s.DownloadsDir
	case "depotdownloader_path":
		v = s.DepotDownloaderPath
	case "sevenzip_path":
		v = s.SevenZipPath
	case "shared_depots_file":
		v = s.SharedDepotsFile
	case "catalog_url":
		v = s.CatalogURL
	case "feed_url":
		v = s.FeedURL
	case "http_timeout_seconds":
		v = fmt.Sprintf("%d", s.HTTPTimeoutSeconds)
	case "log_level":
		v = s.LogLevel
	case "log_format":
		v = s.LogFormat
	case "compress":
		v = fmt.Sprintf("%t", s.Compress)
	case "default_os":
		v = s.DefaultOS
	case "default_branch":
		v = s.DefaultBranch
	}
	if v == "" {
		return "(default)"
	}
	return v
}

func printSettingsUsage() {
	fmt.Println("settings commands:")
	fmt.Println("  settings show [--config <path>] [--json]")
	fmt.Println("  settings set [--config <path>] key=value [key=value ...]")
	fmt.Println()
	fmt.Println("keys: " + strings.Join(config.Keys(), ", "))
}
