package cli

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"depot-packer/internal/config"
	"depot-packer/internal/conflict"
	"depot-packer/internal/depotdl"
	"depot-packer/internal/depots"
	"depot-packer/internal/job"
	"depot-packer/internal/model"
	"depot-packer/internal/observability"
	"depot-packer/internal/remote"
	"depot-packer/internal/runstore"
)

const logFileName = "depot-packer.log"

type downloadResult struct {
	JobID       string             `json:"job_id"`
	Status      string             `json:"status"`
	Code        *int               `json:"code,omitempty"`
	OutputPath  string             `json:"output_path,omitempty"`
	ArchivePath string             `json:"archive_path,omitempty"`
	Metadata    *model.JobMetadata `json:"metadata,omitempty"`
	Error       string             `json:"error,omitempty"`
}

// downloadSession carries everything a job needs that does not depend on how
// its events are shown.
type downloadSession struct {
	settings config.Settings
	layout   runstore.Layout
	req      model.JobRequest
	preset   model.OutputConflictChoice
	logger   *slog.Logger
	metrics  *observability.Metrics
	table    *depots.Table
	catalog  *remote.Catalog
	feed     *remote.Feed
}

func runDownload(args []string) error {
	fs := flag.NewFlagSet("download", flag.ContinueOnError)
	configPath := fs.String("config", config.DefaultConfigPath(), "settings file path")
	downloadsDir := fs.String("downloads-dir", "", "downloads root (empty uses settings)")
	onConflict := fs.String("on-conflict", "", "answer when the output folder exists: overwrite|copy|cancel (default: ask, or cancel without a terminal)")
	plain := fs.Bool("plain", false, "print a status line instead of the interactive view")
	metricsAddr := fs.String("metrics-addr", "", "serve Prometheus metrics on this address while the job runs, e.g. :9090")
	jsonOut := fs.Bool("json", false, "print events as JSON lines and the result as JSON")
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
	if req.OS != "" && !depotdl.KnownPlatform(req.OS) {
		return fmt.Errorf("invalid --os %q (expected one of: %s)", req.OS, strings.Join(depotdl.PlatformNames(), ", "))
	}

	var preset model.OutputConflictChoice
	if v := strings.TrimSpace(*onConflict); v != "" {
		if preset, err = model.ParseConflictChoice(v); err != nil {
			return err
		}
	}

	layout := s.Layout()
	if d := strings.TrimSpace(*downloadsDir); d != "" {
		layout = runstore.Layout{Root: d}
	}
	if err := runstore.EnsureWritableDir(layout.Root); err != nil {
		return err
	}
	table, err := depots.LoadTable(s.SharedDepotsFile)
	if err != nil {
		return err
	}

	interactive := !*jsonOut && !*plain && stdinIsTTY() && stdoutIsTTY()

	logOut := io.Writer(os.Stderr)
	if interactive {
		f, err := os.OpenFile(filepath.Join(layout.Root, logFileName), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		defer f.Close()
		logOut = f
	}
	logger := observability.NewLogger(s.LogLevel, s.LogFormat, logOut)

	metrics := observability.NewMetrics(nil)
	if addr := strings.TrimSpace(*metricsAddr); addr != "" {
		stop := serveMetrics(addr, observability.Component(logger, "metrics"))
		defer stop()
	}

	remoteOpts := func(base string) remote.Options {
		return remote.Options{BaseURL: base, Timeout: s.HTTPTimeout()}
	}
	sess := downloadSession{
		settings: s,
		layout:   layout,
		req:      req,
		preset:   preset,
		logger:   logger,
		metrics:  metrics,
		table:    table,
		catalog:  remote.NewCatalog(remoteOpts(s.CatalogURL)),
		feed:     remote.NewFeed(remoteOpts(s.FeedURL)),
	}

	var out job.Outcome
	if interactive {
		out, err = sess.runInteractive()
	} else {
		out, err = sess.runPlain(*jsonOut)
	}
	if err != nil {
		return err
	}
	return reportOutcome(out, *jsonOut)
}

func (d downloadSession) newRunner(sink job.Sink, conflicts *conflict.Registry) *job.Runner {
	return job.New(job.Options{
		Layout:       d.layout,
		ToolPath:     d.settings.DepotDownloaderPath,
		SevenZipPath: d.settings.SevenZipPath,
		Table:        d.table,
		Catalog:      d.catalog,
		Feed:         d.feed,
		Conflicts:    conflicts,
		Sink:         sink,
		Logger:       d.logger,
		Metrics:      d.metrics,
	})
}

// conflictRegistry answers conflicts with the preset choice when there is one
// and otherwise hands them to ask.
func (d downloadSession) conflictRegistry(ask func(reg *conflict.Registry, p model.OutputConflictPrompt) error) *conflict.Registry {
	var reg *conflict.Registry
	reg = conflict.NewRegistry(conflict.NotifierFunc(func(p model.OutputConflictPrompt) error {
		if d.preset != "" {
			return reg.Resolve(p.JobID, d.preset)
		}
		return ask(reg, p)
	}))
	return reg
}

// runPlain drives a job with line output. Interrupts cancel the child; auth
// codes are read from stdin when DepotDownloader asks for one.
func (d downloadSession) runPlain(jsonOut bool) (job.Outcome, error) {
	tracker := &statusTracker{}
	live := newLiveStatus(!jsonOut && stdoutIsTTY(), os.Stdout, tracker)
	sink := &plainSink{tracker: tracker, live: live, json: jsonOut, out: os.Stdout}

	reg := d.conflictRegistry(func(reg *conflict.Registry, p model.OutputConflictPrompt) error {
		sink.note(fmt.Sprintf("Output folder exists: %s. Cancelling; rerun with --on-conflict overwrite|copy.", p.OutputPath))
		return reg.Resolve(p.JobID, model.ConflictCancel)
	})
	runner := d.newRunner(sink, reg)

	stdin := bufio.NewReader(os.Stdin)
	sink.onPrompt = func() {
		go func() {
			if stdinIsTTY() && !jsonOut {
				live.Println("Enter auth code:")
			}
			line, err := stdin.ReadString('\n')
			if err != nil && strings.TrimSpace(line) == "" {
				sink.note("Auth code required but stdin is closed; press Ctrl+C to cancel.")
				return
			}
			if err := runner.SubmitCode(line); err != nil {
				sink.note("Submit auth code: " + err.Error())
			}
		}()
	}

	jobID, err := runner.Start(context.Background(), d.req)
	if err != nil {
		return job.Outcome{}, err
	}
	live.Start()

	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, os.Interrupt)
	defer signal.Stop(interrupts)
	waitDone := make(chan struct{})
	defer close(waitDone)
	go func() {
		for {
			select {
			case <-waitDone:
				return
			case <-interrupts:
				if err := runner.Cancel(); err != nil {
					sink.note("Cancel: " + err.Error())
				}
			}
		}
	}()

	out, err := runner.Wait(context.Background())
	if err != nil {
		live.Stop("")
		return job.Outcome{}, err
	}
	final := ""
	if !jsonOut {
		final = fmt.Sprintf("job %s: %s", jobID, out.Status)
	}
	live.Stop(final)
	return out, nil
}

// plainSink prints events as they arrive. With the live line enabled only
// system lines are printed; child output just updates the tracker.
type plainSink struct {
	tracker  *statusTracker
	live     *liveStatus
	json     bool
	out      io.Writer
	onPrompt func()

	mu sync.Mutex
}

type jsonEvent struct {
	Type   string `json:"type"`
	JobID  string `json:"job_id"`
	Status string `json:"status,omitempty"`
	Code   *int   `json:"code,omitempty"`
	Stream string `json:"stream,omitempty"`
	Line   string `json:"line,omitempty"`
}

func (s *plainSink) Status(ev model.StatusEvent) {
	s.tracker.Status(ev)
	if s.json {
		s.emit(jsonEvent{Type: "status", JobID: ev.JobID, Status: ev.Status, Code: ev.Code})
		return
	}
	line := "status: " + ev.Status
	if ev.Code != nil {
		line += fmt.Sprintf(" (code %d)", *ev.Code)
	}
	s.live.Println(line)
}

func (s *plainSink) Log(ev model.LogEvent) {
	s.tracker.Log(ev)
	if depotdl.IsAuthPrompt(ev.Line) && s.onPrompt != nil {
		defer s.onPrompt()
	}
	if s.json {
		s.emit(jsonEvent{Type: "log", JobID: ev.JobID, Stream: ev.Stream, Line: ev.Line})
		return
	}
	if s.live.enabled && ev.Stream != model.StreamSystem && !depotdl.IsAuthPrompt(ev.Line) {
		return
	}
	s.live.Println(fmt.Sprintf("[%s] %s", ev.Stream, ev.Line))
}

func (s *plainSink) note(line string) {
	if s.json {
		s.emit(jsonEvent{Type: "log", Stream: model.StreamSystem, Line: line})
		return
	}
	s.live.Println(line)
}

func (s *plainSink) emit(ev jsonEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = printJSONLine(s.out, ev)
}

// runInteractive shows the job in a bubbletea view. The view answers auth and
// conflict prompts; quitting it early cancels the job.
func (d downloadSession) runInteractive() (job.Outcome, error) {
	queue := newEventQueue()
	reg := d.conflictRegistry(func(_ *conflict.Registry, p model.OutputConflictPrompt) error {
		return queue.NotifyConflict(p)
	})
	runner := d.newRunner(queue, reg)

	jobID, err := runner.Start(context.Background(), d.req)
	if err != nil {
		return job.Outcome{}, err
	}

	p := tea.NewProgram(newDownloadModel(runner, jobID, d.req), tea.WithAltScreen())
	go queue.pump(p.Send)
	defer queue.close()
	go func() {
		if out, err := runner.Wait(context.Background()); err == nil {
			queue.push(jobDoneMsg{outcome: out})
		}
	}()

	finalModel, runErr := p.Run()
	if fm, ok := finalModel.(downloadModel); ok && fm.outcome != nil {
		return *fm.outcome, nil
	}
	if err := runner.Cancel(); err != nil && !errors.Is(err, job.ErrNotRunning) {
		d.logger.Warn("cancel after view exit failed", "error", err)
	}
	out, err := runner.Wait(context.Background())
	if err != nil {
		return job.Outcome{}, err
	}
	if runErr != nil {
		return out, fmt.Errorf("interactive view: %w", runErr)
	}
	return out, nil
}

func reportOutcome(out job.Outcome, jsonOut bool) error {
	res := downloadResult{
		JobID:       out.JobID,
		Status:      out.Status,
		Code:        out.Code,
		OutputPath:  out.OutputPath,
		ArchivePath: out.ArchivePath,
		Metadata:    out.Metadata,
	}
	if out.Err != nil {
		res.Error = out.Err.Error()
	}
	if jsonOut {
		if err := printJSON(res); err != nil {
			return err
		}
	} else {
		if out.Metadata != nil {
			fmt.Printf("game: %s (app %s)\n", out.Metadata.GameName, out.Metadata.AppID)
			fmt.Printf("build: %s (%s)\n", out.Metadata.BuildID, out.Metadata.BuildIDSource)
		}
		if out.OutputPath != "" {
			fmt.Printf("output: %s\n", out.OutputPath)
		}
		if out.ArchivePath != "" {
			fmt.Printf("archive: %s\n", out.ArchivePath)
		}
	}
	if out.Status == model.StatusCompleted {
		return nil
	}
	if out.Err != nil {
		return fmt.Errorf("job %s ended with status %s: %w", out.JobID, out.Status, out.Err)
	}
	return fmt.Errorf("job %s ended with status %s", out.JobID, out.Status)
}

// serveMetrics exposes /metrics until the returned stop func is called.
func serveMetrics(addr string, logger *slog.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.MetricsHandler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server stopped", "addr", addr, "error", err)
		}
	}()
	logger.Info("serving metrics", "addr", addr)
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}
