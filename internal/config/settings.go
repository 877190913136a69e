package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"depot-packer/internal/depotdl"
	"depot-packer/internal/remote"
	"depot-packer/internal/runstore"
)

const (
	EnvPrefix = "DEPOTPACK"

	DefaultLogLevel           = "info"
	DefaultLogFormat          = "console"
	DefaultOS                 = "Windows x64"
	DefaultHTTPTimeoutSeconds = int(remote.DefaultTimeout / time.Second)

	keyDownloadsDir       = "downloads_dir"
	keyDepotDownloader    = "depotdownloader_path"
	keySevenZip           = "sevenzip_path"
	keySharedDepotsFile   = "shared_depots_file"
	keyCatalogURL         = "catalog_url"
	keyFeedURL            = "feed_url"
	keyHTTPTimeoutSeconds = "http_timeout_seconds"
	keyLogLevel           = "log_level"
	keyLogFormat          = "log_format"
	keyCompress           = "compress"
	keyDefaultOS          = "default_os"
	keyDefaultBranch      = "default_branch"
)

type Settings struct {
	DownloadsDir        string `json:"downloads_dir"`
	DepotDownloaderPath string `json:"depotdownloader_path,omitempty"`
	SevenZipPath        string `json:"sevenzip_path,omitempty"`
	SharedDepotsFile    string `json:"shared_depots_file,omitempty"`
	CatalogURL          string `json:"catalog_url"`
	FeedURL             string `json:"feed_url"`
	HTTPTimeoutSeconds  int    `json:"http_timeout_seconds"`
	LogLevel            string `json:"log_level"`
	LogFormat           string `json:"log_format"`
	Compress            bool   `json:"compress"`
	DefaultOS           string `json:"default_os"`
	DefaultBranch       string `json:"default_branch,omitempty"`
}

func (s Settings) HTTPTimeout() time.Duration {
	return time.Duration(s.HTTPTimeoutSeconds) * time.Second
}

func (s Settings) Layout() runstore.Layout {
	return runstore.Layout{Root: s.DownloadsDir}
}

func DefaultConfigPath() string {
	dir, err := os.UserConfigDir()
	if err != nil || strings.TrimSpace(dir) == "" {
		home, homeErr := os.UserHomeDir()
		if homeErr != nil {
			return filepath.Join(".depot-packer", "config.json")
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "depot-packer", "config.json")
}

func DefaultDownloadsDir() string {
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return "depot-packer-downloads"
	}
	return filepath.Join(home, "DepotPacker")
}

func defaultSettings() Settings {
	return Settings{
		DownloadsDir:       DefaultDownloadsDir(),
		CatalogURL:         remote.DefaultCatalogURL,
		FeedURL:            remote.DefaultFeedURL,
		HTTPTimeoutSeconds: DefaultHTTPTimeoutSeconds,
		LogLevel:           DefaultLogLevel,
		LogFormat:          DefaultLogFormat,
		DefaultOS:          DefaultOS,
	}
}

func newViper(path string) *viper.Viper {
	d := defaultSettings()
	v := viper.New()
	v.SetConfigType("json")
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()
	v.SetDefault(keyDownloadsDir, d.DownloadsDir)
	v.SetDefault(keyDepotDownloader, "")
	v.SetDefault(keySevenZip, "")
	v.SetDefault(keySharedDepotsFile, "")
	v.SetDefault(keyCatalogURL, d.CatalogURL)
	v.SetDefault(keyFeedURL, d.FeedURL)
	v.SetDefault(keyHTTPTimeoutSeconds, d.HTTPTimeoutSeconds)
	v.SetDefault(keyLogLevel, d.LogLevel)
	v.SetDefault(keyLogFormat, d.LogFormat)
	v.SetDefault(keyCompress, false)
	v.SetDefault(keyDefaultOS, d.DefaultOS)
	v.SetDefault(keyDefaultBranch, "")
	if path != "" {
		v.SetConfigFile(path)
	}
	return v
}

// Load reads the JSON config file (a missing file is not an error), applies
// DEPOTPACK_* environment overrides, and normalizes the result.
func Load(path string) (Settings, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		path = DefaultConfigPath()
	}
	v := newViper(path)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return Settings{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	s := Settings{
		DownloadsDir:        v.GetString(keyDownloadsDir),
		DepotDownloaderPath: v.GetString(keyDepotDownloader),
		SevenZipPath:        v.GetString(keySevenZip),
		SharedDepotsFile:    v.GetString(keySharedDepotsFile),
		CatalogURL:          v.GetString(keyCatalogURL),
		FeedURL:             v.GetString(keyFeedURL),
		HTTPTimeoutSeconds:  v.GetInt(keyHTTPTimeoutSeconds),
		LogLevel:            v.GetString(keyLogLevel),
		LogFormat:           v.GetString(keyLogFormat),
		Compress:            v.GetBool(keyCompress),
		DefaultOS:           v.GetString(keyDefaultOS),
		DefaultBranch:       v.GetString(keyDefaultBranch),
	}
	return Normalize(s), nil
}

func Save(path string, s Settings) error {
	path = strings.TrimSpace(path)
	if path == "" {
		path = DefaultConfigPath()
	}
	return runstore.WriteJSON(path, Normalize(s))
}

func Normalize(raw Settings) Settings {
	d := defaultSettings()
	s := raw
	s.DownloadsDir = strings.TrimSpace(s.DownloadsDir)
	if s.DownloadsDir == "" {
		s.DownloadsDir = d.DownloadsDir
	}
	s.DepotDownloaderPath = strings.TrimSpace(s.DepotDownloaderPath)
	s.SevenZipPath = strings.TrimSpace(s.SevenZipPath)
	s.SharedDepotsFile = strings.TrimSpace(s.SharedDepotsFile)
	s.CatalogURL = strings.TrimSpace(s.CatalogURL)
	if s.CatalogURL == "" {
		s.CatalogURL = d.CatalogURL
	}
	s.FeedURL = strings.TrimSpace(s.FeedURL)
	if s.FeedURL == "" {
		s.FeedURL = d.FeedURL
	}
	if s.HTTPTimeoutSeconds <= 0 {
		s.HTTPTimeoutSeconds = d.HTTPTimeoutSeconds
	}
	s.LogLevel = normalizeLogLevel(s.LogLevel)
	s.LogFormat = normalizeLogFormat(s.LogFormat)
	s.DefaultOS = strings.TrimSpace(s.DefaultOS)
	if !depotdl.KnownPlatform(s.DefaultOS) {
		s.DefaultOS = d.DefaultOS
	}
	s.DefaultBranch = strings.TrimSpace(s.DefaultBranch)
	return s
}

func normalizeLogLevel(raw string) string {
	switch v := strings.ToLower(strings.TrimSpace(raw)); v {
	case "debug", "info", "warn", "error":
		return v
	default:
		return DefaultLogLevel
	}
}

func normalizeLogFormat(raw string) string {
	switch v := strings.ToLower(strings.TrimSpace(raw)); v {
	case "json", "console":
		return v
	default:
		return DefaultLogFormat
	}
}

// Keys lists the settable keys in display order.
func Keys() []string {
	keys := []string{
		keyDownloadsDir, keyDepotDownloader, keySevenZip, keySharedDepotsFile,
		keyCatalogURL, keyFeedURL, keyHTTPTimeoutSeconds, keyLogLevel, keyLogFormat,
		keyCompress, keyDefaultOS, keyDefaultBranch,
	}
	sort.Strings(keys)
	return keys
}

// Set updates one key from its string form.
func Set(s Settings, key, value string) (Settings, error) {
	value = strings.TrimSpace(value)
	switch strings.ToLower(strings.TrimSpace(key)) {
	case keyDownloadsDir:
		s.DownloadsDir = value
	case keyDepotDownloader:
		s.DepotDownloaderPath = value
	case keySevenZip:
		s.SevenZipPath = value
	case keySharedDepotsFile:
		s.SharedDepotsFile = value
	case keyCatalogURL:
		s.CatalogURL = value
	case keyFeedURL:
		s.FeedURL = value
	case keyHTTPTimeoutSeconds:
		n, err := strconv.Atoi(value)
		if err != nil || n <= 0 {
			return s, fmt.Errorf("invalid %s %q (expected positive integer)", keyHTTPTimeoutSeconds, value)
		}
		s.HTTPTimeoutSeconds = n
	case keyLogLevel:
		if normalizeLogLevel(value) != strings.ToLower(value) {
			return s, fmt.Errorf("invalid %s %q (expected debug, info, warn, or error)", keyLogLevel, value)
		}
		s.LogLevel = value
	case keyLogFormat:
		if normalizeLogFormat(value) != strings.ToLower(value) {
			return s, fmt.Errorf("invalid %s %q (expected console or json)", keyLogFormat, value)
		}
		s.LogFormat = value
	case keyCompress:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return s, fmt.Errorf("invalid %s %q (expected true or false)", keyCompress, value)
		}
		s.Compress = b
	case keyDefaultOS:
		if !depotdl.KnownPlatform(value) {
			return s, fmt.Errorf("invalid %s %q (expected one of: %s)", keyDefaultOS, value, strings.Join(depotdl.PlatformNames(), ", "))
		}
		s.DefaultOS = value
	case keyDefaultBranch:
		s.DefaultBranch = value
	default:
		return s, fmt.Errorf("unknown setting %q (expected one of: %s)", key, strings.Join(Keys(), ", "))
	}
	return Normalize(s), nil
}
