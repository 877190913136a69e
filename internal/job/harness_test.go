package job

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"depot-packer/internal/conflict"
	"depot-packer/internal/depotdl"
	"depot-packer/internal/model"
	"depot-packer/internal/observability"
	"depot-packer/internal/remote"
	"depot-packer/internal/runstore"
)

const (
	primaryManifest = "5502012005433434829"
	sharedManifest  = "3514306556860204959"
	stanleyOutput   = "The.Stanley.Parable.Build." + primaryManifest + ".Linux64.Public"
)

// fakeDepotDownloader answers -manifest-only with depot/manifest pairs and
// otherwise stages two depots in its working directory.
const fakeDepotDownloader = `echo "$PWD|$*" >> "$FAKE_DD_LOG"
if [[ " $* " == *" -manifest-only "* ]]; then
  echo "Depot 47411 - Manifest ` + primaryManifest + `"
  echo "Manifest ` + primaryManifest + ` (2/24/2025 10:02:36 PM)" >&2
  echo "Depot 228989 - Manifest ` + sharedManifest + `"
  exit 0
fi
mkdir -p depots/47411/` + primaryManifest + `/bin depots/47411/` + primaryManifest + `/.DepotDownloader
mkdir -p depots/228989/` + sharedManifest + `/.DepotDownloader
printf 'game' > depots/47411/` + primaryManifest + `/bin/stanley
printf 'm' > depots/47411/` + primaryManifest + `/.DepotDownloader/` + primaryManifest + `.manifest
printf 'redist' > depots/228989/` + sharedManifest + `/vcredist.bin
printf 'm' > depots/228989/` + sharedManifest + `/.DepotDownloader/` + sharedManifest + `.manifest
echo "Downloading depot 47411 - Manifest ` + primaryManifest + `"
echo "Got depot key for 228989" >&2
printf 'Total downloaded: 10 bytes'
`

type recordingSink struct {
	mu       sync.Mutex
	statuses []model.StatusEvent
	lines    []model.LogEvent
}

func (s *recordingSink) Status(ev model.StatusEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses = append(s.statuses, ev)
}

func (s *recordingSink) Log(ev model.LogEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines = append(s.lines, ev)
}

func (s *recordingSink) statusNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.statuses))
	for _, ev := range s.statuses {
		out = append(out, ev.Status)
	}
	return out
}

func (s *recordingSink) hasLine(stream, substr string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range s.lines {
		if ev.Stream == stream && strings.Contains(ev.Line, substr) {
			return true
		}
	}
	return false
}

type harness struct {
	root     string
	tool     string
	logPath  string
	sink     *recordingSink
	registry *conflict.Registry
	runner   *Runner
}

func newHarness(t *testing.T, script string, notify conflict.Notifier) *harness {
	t.Helper()
	tmp := t.TempDir()
	fakeBin := filepath.Join(tmp, "bin")
	require.NoError(t, os.MkdirAll(fakeBin, 0o755))
	tool := filepath.Join(fakeBin, "DepotDownloader")
	require.NoError(t, os.WriteFile(tool, []byte("#!/usr/bin/env bash\nset -euo pipefail\n"+script), 0o755))

	logPath := filepath.Join(tmp, "dd.log")
	t.Setenv("FAKE_DD_LOG", logPath)

	store := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"%s":{"success":true,"data":{"name":"The Stanley Parable"}}}`, r.URL.Query().Get("appids"))
	}))
	t.Cleanup(store.Close)
	feed := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	t.Cleanup(feed.Close)

	h := &harness{
		root:     filepath.Join(tmp, "downloads"),
		tool:     tool,
		logPath:  logPath,
		sink:     &recordingSink{},
		registry: conflict.NewRegistry(notify),
	}
	h.runner = New(Options{
		Layout:    runstore.Layout{Root: h.root},
		ToolPath:  tool,
		Catalog:   remote.NewCatalog(remote.Options{BaseURL: store.URL}),
		Feed:      remote.NewFeed(remote.Options{BaseURL: feed.URL}),
		Conflicts: h.registry,
		Sink:      h.sink,
		Metrics:   observability.NewMetrics(prometheus.NewRegistry()),
		Decoder:   depotdl.UTF8Decoder{},
	})
	return h
}

func (h *harness) wait(t *testing.T) Outcome {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	out, err := h.runner.Wait(ctx)
	require.NoError(t, err)
	return out
}

func (h *harness) invocations(t *testing.T) []string {
	t.Helper()
	raw, err := os.ReadFile(h.logPath)
	require.NoError(t, err)
	return strings.Split(strings.TrimSpace(string(raw)), "\n")
}

func linuxRequest() model.JobRequest {
	return model.JobRequest{AppID: "47410", OS: "Linux", Branch: "public"}
}

func acfSection(t *testing.T, acf, name string) string {
	t.Helper()
	start := strings.Index(acf, "\t\""+name+"\"\n")
	require.GreaterOrEqual(t, start, 0, "missing section %s", name)
	rest := acf[start:]
	end := strings.Index(rest, "\n\t}\n")
	require.Greater(t, end, 0)
	return rest[:end]
}

func TestHarnessAnonymousLinuxJobEndToEnd(t *testing.T) {
	h := newHarness(t, fakeDepotDownloader, nil)

	jobID, err := h.runner.Start(context.Background(), linuxRequest())
	require.NoError(t, err)
	out := h.wait(t)

	require.NoError(t, out.Err)
	assert.Equal(t, jobID, out.JobID)
	assert.Equal(t, model.StatusCompleted, out.Status)
	require.NotNil(t, out.Code)
	assert.Equal(t, 0, *out.Code)
	assert.Equal(t, []string{model.StatusStarting, model.StatusRunning, model.StatusFinalizing, model.StatusCompleted}, h.sink.statusNames())

	require.NotNil(t, out.Metadata)
	meta := *out.Metadata
	assert.Equal(t, "47411", meta.PrimaryDepotID)
	require.Len(t, meta.Depots, 2)
	assert.Equal(t, "47411", meta.Depots[0].DepotID)
	assert.Equal(t, "228989", meta.Depots[1].DepotID)
	assert.Equal(t, "The Stanley Parable", meta.GameName)
	assert.Equal(t, model.BuildIDSourcePrimaryManifestID, meta.BuildIDSource)
	require.NotNil(t, meta.BuildDatetimeUTC)
	assert.Equal(t, time.Date(2025, 2, 24, 22, 2, 36, 0, time.UTC), *meta.BuildDatetimeUTC)

	output := filepath.Join(h.root, "outputs", stanleyOutput)
	assert.Equal(t, output, out.OutputPath)
	assert.FileExists(t, filepath.Join(output, "steamapps", "common", "The Stanley Parable", "bin", "stanley"))
	assert.FileExists(t, filepath.Join(output, "steamapps", "common", "Steamworks Shared", "vcredist.bin"))
	assert.FileExists(t, filepath.Join(output, "depotcache", primaryManifest+".manifest"))

	raw, err := os.ReadFile(filepath.Join(output, "steamapps", "appmanifest_47410.acf"))
	require.NoError(t, err)
	acf := string(raw)
	assert.Contains(t, acf, "\"LastOwner\"\t\t\"0\"")
	installed := acfSection(t, acf, "InstalledDepots")
	assert.Contains(t, installed, "\"47411\"")
	assert.NotContains(t, installed, "228989")
	assert.Contains(t, acfSection(t, acf, "SharedDepots"), "\"228989\"")
	mounted := acfSection(t, acf, "MountedDepots")
	assert.Contains(t, mounted, "\"228989\"\t\t\""+sharedManifest+"\"")
	assert.Contains(t, mounted, "\"47411\"\t\t\""+primaryManifest+"\"")

	assert.NoDirExists(t, filepath.Join(h.root, "staging", jobID))
	assert.NoDirExists(t, filepath.Join(h.root, ".job.lock"))

	calls := h.invocations(t)
	require.Len(t, calls, 2)
	assert.Contains(t, calls[0], filepath.Join(jobID, ".preflight")+"|")
	assert.Contains(t, calls[0], "-manifest-only")
	assert.Contains(t, calls[1], "-app 47410 -branch public -os linux -osarch 64")
	assert.NotContains(t, calls[1], "-manifest-only")

	assert.True(t, h.sink.hasLine(model.StreamStdout, "Total downloaded: 10 bytes"), "unterminated last line is flushed")
	assert.True(t, h.sink.hasLine(model.StreamStderr, "Got depot key for 228989"))
	assert.True(t, h.sink.hasLine(model.StreamSystem, "Finalization complete"))

	_, running := h.runner.Running()
	assert.False(t, running)
}

func TestHarnessQRJobSkipsPreflightAndScansStaging(t *testing.T) {
	h := newHarness(t, fakeDepotDownloader, nil)

	req := linuxRequest()
	req.UseQR = true
	_, err := h.runner.Start(context.Background(), req)
	require.NoError(t, err)
	out := h.wait(t)

	require.Equal(t, model.StatusCompleted, out.Status, "err=%v", out.Err)
	calls := h.invocations(t)
	require.Len(t, calls, 1)
	assert.Contains(t, calls[0], "-qr")
	assert.Equal(t, "47411", out.Metadata.PrimaryDepotID)
	assert.Nil(t, out.Metadata.BuildDatetimeUTC)
}

func TestHarnessPreflightFailureIsSoft(t *testing.T) {
	script := `if [[ " $* " == *" -manifest-only "* ]]; then
  echo "Error: login failed" >&2
  exit 5
fi
` + fakeDepotDownloader
	h := newHarness(t, script, nil)

	_, err := h.runner.Start(context.Background(), linuxRequest())
	require.NoError(t, err)
	out := h.wait(t)

	require.Equal(t, model.StatusCompleted, out.Status, "err=%v", out.Err)
	assert.True(t, h.sink.hasLine(model.StreamSystem, "Continuing without preflight"))
	assert.Equal(t, []string{"47411", "228989"}, []string{out.Metadata.Depots[0].DepotID, out.Metadata.Depots[1].DepotID})
}

func TestHarnessDownloadFailureExitsWithCode(t *testing.T) {
	script := `if [[ " $* " == *" -manifest-only "* ]]; then
  exit 0
fi
mkdir -p depots/47411/1
echo "Connection lost" >&2
exit 3
`
	h := newHarness(t, script, nil)

	jobID, err := h.runner.Start(context.Background(), linuxRequest())
	require.NoError(t, err)
	out := h.wait(t)

	assert.Equal(t, model.StatusExited, out.Status)
	require.NotNil(t, out.Code)
	assert.Equal(t, 3, *out.Code)
	assert.NoDirExists(t, filepath.Join(h.root, "staging", jobID))
	assert.NoDirExists(t, filepath.Join(h.root, "outputs"))
	assert.Equal(t, []string{model.StatusStarting, model.StatusRunning, model.StatusExited}, h.sink.statusNames())
}

func TestHarnessMissingToolReportsError(t *testing.T) {
	h := newHarness(t, fakeDepotDownloader, nil)
	h.runner.opts.ToolPath = filepath.Join(t.TempDir(), "missing")

	_, err := h.runner.Start(context.Background(), linuxRequest())
	require.NoError(t, err)
	out := h.wait(t)

	assert.Equal(t, model.StatusError, out.Status)
	assert.Error(t, out.Err)
	assert.Equal(t, []string{model.StatusStarting, model.StatusError}, h.sink.statusNames())
}

func TestHarnessOutputConflictCancelKeepsExistingOutput(t *testing.T) {
	var h *harness
	h = newHarness(t, fakeDepotDownloader, conflict.NotifierFunc(func(p model.OutputConflictPrompt) error {
		go func() { _ = h.runner.ResolveConflict(p.JobID, model.ConflictCancel) }()
		return nil
	}))
	existing := filepath.Join(h.root, "outputs", stanleyOutput)
	require.NoError(t, os.MkdirAll(existing, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(existing, "keep.txt"), []byte("old"), 0o644))

	_, err := h.runner.Start(context.Background(), linuxRequest())
	require.NoError(t, err)
	out := h.wait(t)

	assert.Equal(t, model.StatusExited, out.Status)
	require.Error(t, out.Err)
	assert.Equal(t, "Output already exists: "+existing+". Job cancelled by user.", out.Err.Error())
	assert.FileExists(t, filepath.Join(existing, "keep.txt"))
	assert.True(t, h.sink.hasLine(model.StreamSystem, "Job cancelled by user."))
}

func TestHarnessOutputConflictCopy(t *testing.T) {
	var h *harness
	h = newHarness(t, fakeDepotDownloader, conflict.NotifierFunc(func(p model.OutputConflictPrompt) error {
		go func() { _ = h.runner.ResolveConflict(p.JobID, model.ConflictCopy) }()
		return nil
	}))
	existing := filepath.Join(h.root, "outputs", stanleyOutput)
	require.NoError(t, os.MkdirAll(existing, 0o755))

	_, err := h.runner.Start(context.Background(), linuxRequest())
	require.NoError(t, err)
	out := h.wait(t)

	require.Equal(t, model.StatusCompleted, out.Status, "err=%v", out.Err)
	assert.Equal(t, existing+" (1)", out.OutputPath)
}
