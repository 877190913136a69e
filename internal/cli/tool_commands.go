package cli

import (
	"errors"
	"flag"
	"fmt"
	"strings"

	"depot-packer/internal/config"
	"depot-packer/internal/depotdl"
	"depot-packer/internal/runstore"
)

func runDoctor(args []string) error {
	fs := flag.NewFlagSet("doctor", flag.ContinueOnError)
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
	res := config.Doctor(s, path)
	if *jsonOut {
		if err := printJSON(res); err != nil {
			return err
		}
		if !res.OK {
			return errors.New("doctor checks failed")
		}
		return nil
	}

	for _, c := range res.Checks {
		status := "ok"
		if !c.OK {
			status = "fail"
			if !c.Required {
				status = "warn"
			}
		}
		fmt.Printf("%s: %s (%s)\n", c.Name, status, c.Message)
	}
	if !res.OK {
		return errors.New("doctor checks failed")
	}
	fmt.Println("doctor: all checks passed")
	return nil
}

type argsResult struct {
	Download  []string `json:"download"`
	Preflight []string `json:"preflight,omitempty"`
}

func runArgs(args []string) error {
	fs := flag.NewFlagSet("args", flag.ContinueOnError)
	configPath := fs.String("config", config.DefaultConfigPath(), "settings file path")
	jsonOut := fs.Bool("json", false, "print JSON output")
	rf := bindRequestFlags(fs)
	fs.SetOutput(flag.CommandLine.Output())
	if err := fs.Parse(args); err != nil {
		return err
	}

	s, err := config.Load(strings.TrimSpace(*configPath))
	if err != nil {
		return err
	}
	req := rf.request(fs, s)
	if err := req.Validate(); err != nil {
		return err
	}

	res := argsResult{Download: depotdl.RedactArgs(depotdl.BuildArgs(req))}
	if !req.UseQR {
		res.Preflight = depotdl.RedactArgs(depotdl.PreflightArgs(req))
	}
	if *jsonOut {
		return printJSON(res)
	}
	if res.Preflight != nil {
		fmt.Println("preflight: DepotDownloader " + strings.Join(res.Preflight, " "))
	} else {
		fmt.Println("preflight: skipped (QR login)")
	}
	fmt.Println("download:  DepotDownloader " + strings.Join(res.Download, " "))
	return nil
}

func runCleanup(args []string) error {
	fs := flag.NewFlagSet("cleanup", flag.ContinueOnError)
	configPath := fs.String("config", config.DefaultConfigPath(), "settings file path")
	downloadsDir := fs.String("downloads-dir", "", "downloads root (empty uses settings)")
	yes := fs.Bool("yes", false, "skip the confirmation prompt")
	jsonOut := fs.Bool("json", false, "print JSON output")
	fs.SetOutput(flag.CommandLine.Output())
	if err := fs.Parse(args); err != nil {
		return err
	}

	s, err := config.Load(strings.TrimSpace(*configPath))
	if err != nil {
		return err
	}
	layout := s.Layout()
	if d := strings.TrimSpace(*downloadsDir); d != "" {
		layout = runstore.Layout{Root: d}
	}

	if !*yes {
		ok, err := promptConfirm(fmt.Sprintf("remove everything under %s? [y/N] ", layout.StagingRoot()))
		if err != nil {
			return err
		}
		if !ok {
			fmt.Println("cleanup: aborted")
			return nil
		}
	}

	// A running job holds the same lock; its staging directory is not orphaned.
	lock, err := runstore.AcquireJobLock(layout.Root, "cleanup")
	if err != nil {
		return err
	}
	defer func() { _ = lock.Release() }()

	removed, err := layout.CleanupOrphanedStaging()
	if err != nil {
		return err
	}
	if *jsonOut {
		return printJSON(map[string]any{
			"staging_root": layout.StagingRoot(),
			"removed":      removed,
		})
	}
	fmt.Printf("cleanup: removed %d staging entries from %s\n", removed, layout.StagingRoot())
	return nil
}
