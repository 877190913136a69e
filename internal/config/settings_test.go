package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"depot-packer/internal/remote"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	s, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, remote.DefaultCatalogURL, s.CatalogURL)
	assert.Equal(t, remote.DefaultFeedURL, s.FeedURL)
	assert.Equal(t, DefaultHTTPTimeoutSeconds, s.HTTPTimeoutSeconds)
	assert.Equal(t, DefaultOS, s.DefaultOS)
	assert.Equal(t, "info", s.LogLevel)
	assert.NotEmpty(t, s.DownloadsDir)
}

func TestSaveLoadRoundTripWithEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	in := Settings{
		DownloadsDir:       filepath.Join(dir, "dl"),
		Compress:           true,
		LogLevel:           "DEBUG",
		LogFormat:          "json",
		DefaultOS:          "Linux",
		HTTPTimeoutSeconds: 3,
	}
	require.NoError(t, Save(path, in))

	t.Setenv("DEPOTPACK_LOG_LEVEL", "error")
	s, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "dl"), s.DownloadsDir)
	assert.True(t, s.Compress)
	assert.Equal(t, "error", s.LogLevel)
	assert.Equal(t, "json", s.LogFormat)
	assert.Equal(t, "Linux", s.DefaultOS)
	assert.Equal(t, 3, s.HTTPTimeoutSeconds)
}

func TestLoadRejectsMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))
	_, err := Load(path)
	assert.Error(t, err)
}

func TestNormalizeFallsBack(t *testing.T) {
	s := Normalize(Settings{DefaultOS: "Amiga", LogFormat: "xml", HTTPTimeoutSeconds: -1})
	assert.Equal(t, DefaultOS, s.DefaultOS)
	assert.Equal(t, DefaultLogFormat, s.LogFormat)
	assert.Equal(t, DefaultHTTPTimeoutSeconds, s.HTTPTimeoutSeconds)
}

func TestSet(t *testing.T) {
	s := Normalize(Settings{})
	s, err := Set(s, "compress", "true")
	require.NoError(t, err)
	assert.True(t, s.Compress)

	s, err = Set(s, "default_os", "macOS arm64")
	require.NoError(t, err)
	assert.Equal(t, "macOS arm64", s.DefaultOS)

	_, err = Set(s, "default_os", "Amiga")
	assert.ErrorContains(t, err, "expected one of")
	_, err = Set(s, "http_timeout_seconds", "0")
	assert.Error(t, err)
	_, err = Set(s, "log_level", "loud")
	assert.Error(t, err)
	_, err = Set(s, "nope", "1")
	assert.ErrorContains(t, err, "unknown setting")
}

func TestDoctorReportsMissingTool(t *testing.T) {
	t.Setenv("PATH", t.TempDir())
	dir := t.TempDir()
	res := Doctor(Settings{DownloadsDir: filepath.Join(dir, "dl")}, filepath.Join(dir, "cfg", "config.json"))
	assert.False(t, res.OK)

	byName := map[string]DoctorCheck{}
	for _, c := range res.Checks {
		byName[c.Name] = c
	}
	assert.False(t, byName["dependency:DepotDownloader"].OK)
	assert.False(t, byName["dependency:7-zip"].Required)
	assert.True(t, byName["directory:downloads"].OK)
	assert.True(t, byName["config:shared_depots"].OK)
}

func TestDoctorPassesWithFakeTool(t *testing.T) {
	fakeBin := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(fakeBin, "DepotDownloader"), []byte("#!/usr/bin/env bash\nexit 0\n"), 0o755))
	t.Setenv("PATH", fakeBin)
	dir := t.TempDir()
	res := Doctor(Settings{DownloadsDir: filepath.Join(dir, "dl")}, filepath.Join(dir, "config.json"))
	assert.True(t, res.OK)
}
