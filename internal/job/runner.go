package job

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"depot-packer/internal/authcache"
	"depot-packer/internal/conflict"
	"depot-packer/internal/depotdl"
	"depot-packer/internal/depots"
	"depot-packer/internal/extract"
	"depot-packer/internal/finalize"
	"depot-packer/internal/model"
	"depot-packer/internal/observability"
	"depot-packer/internal/resolve"
	"depot-packer/internal/runstore"
)

var (
	ErrJobRunning = errors.New("a job is already running")
	ErrNoJob      = errors.New("no job has been started")
	ErrNotRunning = errors.New("DepotDownloader is not running")
	ErrEmptyCode  = errors.New("auth code is empty")
	ErrNoStdin    = errors.New("DepotDownloader stdin is unavailable")
)

// Sink receives job events. Implementations must not block.
type Sink interface {
	Status(ev model.StatusEvent)
	Log(ev model.LogEvent)
}

type discardSink struct{}

func (discardSink) Status(model.StatusEvent) {}
func (discardSink) Log(model.LogEvent)       {}

type Options struct {
	Layout       runstore.Layout
	ToolPath     string
	SevenZipPath string
	Table        *depots.Table
	Catalog      resolve.NameLookup
	Feed         resolve.DateLookup
	Conflicts    *conflict.Registry
	Sink         Sink
	Logger       *slog.Logger
	Metrics      *observability.Metrics
	Decoder      depotdl.Decoder
	Now          func() time.Time
}

// Outcome is the terminal record of one job.
type Outcome struct {
	JobID       string
	Status      string
	Code        *int
	OutputPath  string
	ArchivePath string
	Metadata    *model.JobMetadata
	Err         error
}

// Runner drives one job at a time: preflight, download, metadata resolution,
// finalization and optional compression.
type Runner struct {
	opts      Options
	log       *slog.Logger
	auth      authcache.Cache
	resolver  *resolve.Resolver
	finalizer *finalize.Finalizer

	mu    sync.Mutex
	state *jobState
	last  *jobState
}

// jobState is the single mutable record of the running job. Fields above the
// blank line are guarded by Runner.mu.
type jobState struct {
	proc      *depotdl.Process
	stdin     io.WriteCloser
	workDir   string
	acc       *extract.Accumulator
	preflight *extract.Result

	id         string
	req        model.JobRequest
	authUser   string
	stagingDir string
	lock       runstore.JobLock
	log        *slog.Logger

	statusMu sync.Mutex
	status   string

	done    chan struct{}
	outcome Outcome
}

func New(opts Options) *Runner {
	if opts.Table == nil {
		opts.Table = depots.DefaultTable()
	}
	if opts.Sink == nil {
		opts.Sink = discardSink{}
	}
	if opts.Logger == nil {
		opts.Logger = observability.Discard()
	}
	if opts.Decoder == nil {
		opts.Decoder = depotdl.PlatformDecoder()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Conflicts == nil {
		opts.Conflicts = conflict.NewRegistry(nil)
	}
	log := observability.Component(opts.Logger, "job")
	metrics := opts.Metrics
	return &Runner{
		opts: opts,
		log:  log,
		auth: authcache.Cache{Root: opts.Layout.AuthDir()},
		resolver: resolve.New(resolve.Options{
			Catalog: opts.Catalog,
			Feed:    opts.Feed,
			Table:   opts.Table,
			Logger:  observability.Component(opts.Logger, "resolve"),
			Metrics: metrics,
			Now:     opts.Now,
		}),
		finalizer: finalize.New(finalize.Options{
			OutputsDir: opts.Layout.OutputsDir(),
			Table:      opts.Table,
			Conflicts:  opts.Conflicts,
			Logger:     observability.Component(opts.Logger, "finalize"),
			Now:        opts.Now,
			OnState: func(_ string, s finalize.State) {
				metrics.IncFinalizeState(string(s))
			},
		}),
	}
}

// Start validates the request, claims the downloads root and runs the job in
// the background. It returns the new job id.
func (r *Runner) Start(ctx context.Context, req model.JobRequest) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}
	req.AppID = strings.TrimSpace(req.AppID)
	req.Username = strings.TrimSpace(req.Username)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != nil {
		return "", ErrJobRunning
	}

	jobID, err := runstore.NewJobID(r.opts.Now())
	if err != nil {
		return "", err
	}
	lock, err := runstore.AcquireJobLock(r.opts.Layout.Root, jobID)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrJobRunning, err)
	}
	if n, err := r.opts.Layout.CleanupOrphanedStaging(); err != nil {
		r.log.Warn("orphaned staging cleanup incomplete", "error", err)
	} else if n > 0 {
		r.log.Info("removed orphaned staging entries", "count", n)
	}

	js := &jobState{
		id:       jobID,
		req:      req,
		authUser: authcache.UsernameFromArgs(depotdl.BuildArgs(req)),
		acc:      extract.NewAccumulator(),
		lock:     lock,
		log:      observability.WithJob(r.log, jobID),
		done:     make(chan struct{}),
	}
	r.state = js
	r.last = js

	r.emitStatus(js, model.StatusStarting, nil)
	go r.run(ctx, js)
	return jobID, nil
}

// Cancel kills the running DepotDownloader child, waits for it to exit and
// discards the job.
func (r *Runner) Cancel() error {
	r.mu.Lock()
	js := r.state
	if js == nil {
		r.mu.Unlock()
		return ErrNotRunning
	}
	proc := js.proc
	if proc == nil {
		r.mu.Unlock()
		return ErrNotRunning
	}
	if err := proc.Kill(); err != nil {
		r.mu.Unlock()
		return fmt.Errorf("terminate DepotDownloader: %w", err)
	}
	<-proc.Done()
	workDir := js.workDir
	js.proc = nil
	js.stdin = nil
	r.state = nil
	r.mu.Unlock()

	code := proc.ExitCode()
	r.emitStatus(js, model.StatusExited, &code)
	r.system(js, "Job cancelled. Cleaning up staging directory.")
	r.persistAuth(js, workDir)
	r.cleanupStaging(js)
	r.finish(js, Outcome{Status: model.StatusExited, Code: &code, Err: errors.New("job cancelled")})
	return nil
}

// SubmitCode writes an interactive auth code to the child's stdin.
func (r *Runner) SubmitCode(code string) error {
	code = strings.TrimSpace(code)
	if code == "" {
		return ErrEmptyCode
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == nil || r.state.proc == nil {
		return ErrNotRunning
	}
	if r.state.stdin == nil {
		return ErrNoStdin
	}
	if _, err := io.WriteString(r.state.stdin, code+"\n"); err != nil {
		return fmt.Errorf("write auth code: %w", err)
	}
	return nil
}

// ResolveConflict answers the pending output conflict of jobID.
func (r *Runner) ResolveConflict(jobID string, choice model.OutputConflictChoice) error {
	return r.opts.Conflicts.Resolve(jobID, choice)
}

// Wait blocks until the most recently started job reaches a terminal status.
func (r *Runner) Wait(ctx context.Context) (Outcome, error) {
	r.mu.Lock()
	js := r.last
	r.mu.Unlock()
	if js == nil {
		return Outcome{}, ErrNoJob
	}
	select {
	case <-js.done:
		return js.outcome, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

// Running reports the id of the active job, if any.
func (r *Runner) Running() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == nil {
		return "", false
	}
	return r.state.id, true
}

// owns reports whether js is still the active job. Callers hold r.mu.
func (r *Runner) owns(js *jobState) bool {
	return r.state == js
}

func (r *Runner) emitStatus(js *jobState, status string, code *int) {
	js.statusMu.Lock()
	err := model.TransitionStatus(&js.status, js.id, status)
	js.statusMu.Unlock()
	if err != nil {
		js.log.Debug("status dropped", "status", status, "error", err)
		return
	}
	r.opts.Metrics.IncStatus(status)
	js.log.Info("job status", "status", status)
	r.opts.Sink.Status(model.StatusEvent{JobID: js.id, Status: status, Code: code})
}

func (r *Runner) system(js *jobState, line string) {
	r.opts.Sink.Log(model.LogEvent{JobID: js.id, Stream: model.StreamSystem, Line: line})
}

// fail ends a job that never reached a successful download.
func (r *Runner) fail(js *jobState, kind string, err error) {
	r.opts.Metrics.IncFailure(kind)
	js.log.Error("job failed", "kind", kind, "error", err)
	r.system(js, err.Error())
	r.emitStatus(js, model.StatusError, nil)
	r.cleanupStaging(js)
	r.release(js)
	r.finish(js, Outcome{Status: model.StatusError, Err: err})
}

// release clears the active job if js still owns it.
func (r *Runner) release(js *jobState) {
	r.mu.Lock()
	if r.owns(js) {
		r.state = nil
	}
	r.mu.Unlock()
}

func (r *Runner) finish(js *jobState, out Outcome) {
	out.JobID = js.id
	if err := js.lock.Release(); err != nil {
		js.log.Warn("release job lock failed", "error", err)
	}
	js.outcome = out
	close(js.done)
}

func (r *Runner) cleanupStaging(js *jobState) {
	if err := r.opts.Layout.CleanupStagingDir(js.id); err != nil {
		js.log.Warn("staging cleanup failed", "error", err)
	}
}

func (r *Runner) restoreAuth(js *jobState, dir string) {
	n, err := r.auth.Restore(js.authUser, dir)
	if err != nil {
		r.system(js, fmt.Sprintf("Failed to restore auth cache: %v", err))
		return
	}
	if n > 0 {
		js.log.Debug("auth cache restored", "files", n, "dir", dir)
	}
}

func (r *Runner) persistAuth(js *jobState, dir string) {
	if dir == "" {
		return
	}
	n, err := r.auth.Persist(js.authUser, dir)
	if err != nil {
		r.system(js, fmt.Sprintf("Failed to persist auth cache: %v", err))
		return
	}
	if n > 0 {
		js.log.Debug("auth cache persisted", "files", n, "dir", dir)
	}
}
