package job

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"depot-packer/internal/depotdl"
	"depot-packer/internal/extract"
	"depot-packer/internal/model"
)

const preflightDirName = ".preflight"

var errCancelled = errors.New("job cancelled")

// lineBuffer keeps the lines of both streams in arrival order.
type lineBuffer struct {
	mu    sync.Mutex
	lines []string
}

func (b *lineBuffer) add(line string) {
	b.mu.Lock()
	b.lines = append(b.lines, line)
	b.mu.Unlock()
}

func (b *lineBuffer) snapshot() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.lines...)
}

// runPreflight runs DepotDownloader with -manifest-only in a scratch directory
// and returns what it revealed. A nil result with a nil error means the
// preflight was skipped or failed softly. errCancelled means the job is gone.
func (r *Runner) runPreflight(js *jobState, tool string) (res *extract.Result, err error) {
	if js.req.AuthMode() == model.AuthModeQR {
		r.system(js, "Preflight skipped for QR login; metadata comes from the download run.")
		return nil, nil
	}

	dir := filepath.Join(js.stagingDir, preflightDirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		r.system(js, fmt.Sprintf("Preflight skipped: %v", err))
		return nil, nil
	}
	// After a cancel the directory belongs to Cancel, which persists auth
	// from it before removing the whole staging tree.
	defer func() {
		if errors.Is(err, errCancelled) {
			return
		}
		if rmErr := os.RemoveAll(dir); rmErr != nil {
			js.log.Warn("remove preflight directory failed", "dir", dir, "error", rmErr)
		}
	}()
	r.restoreAuth(js, dir)

	args := depotdl.PreflightArgs(js.req)
	r.system(js, "Running preflight to resolve depot metadata...")
	js.log.Info("starting preflight", "args", depotdl.RedactArgs(args))

	proc, err := depotdl.Start(depotdl.StartOptions{Path: tool, Args: args, Dir: dir})
	if err != nil {
		return nil, fmt.Errorf("start DepotDownloader preflight: %w", err)
	}

	r.mu.Lock()
	if !r.owns(js) {
		r.mu.Unlock()
		_ = proc.Kill()
		return nil, errCancelled
	}
	js.proc = proc
	js.stdin = proc.Stdin
	js.workDir = dir
	r.mu.Unlock()
	js.log.Debug("preflight started", "pid", proc.Pid())

	var buf lineBuffer
	var wg sync.WaitGroup
	collect := func(stream depotdl.OutputStream, rc io.ReadCloser) {
		defer wg.Done()
		defer rc.Close()
		d := depotdl.NewDemuxer(r.opts.Decoder, func(line string) {
			buf.add(line)
			r.opts.Metrics.IncLine(string(stream))
			r.opts.Sink.Log(model.LogEvent{JobID: js.id, Stream: string(stream), Line: line})
		})
		if err := d.Run(rc); err != nil {
			js.log.Debug("preflight stream closed with error", "stream", string(stream), "error", err)
		}
	}
	wg.Add(2)
	go collect(depotdl.StreamStdout, proc.Stdout)
	go collect(depotdl.StreamStderr, proc.Stderr)

	<-proc.Done()
	r.mu.Lock()
	if !r.owns(js) || js.proc != proc {
		r.mu.Unlock()
		return nil, errCancelled
	}
	js.proc = nil
	js.stdin = nil
	js.workDir = ""
	r.mu.Unlock()
	wg.Wait()

	code := proc.ExitCode()
	acc := extract.NewAccumulator()
	var ex extract.Extractor
	for _, line := range buf.snapshot() {
		ex.Feed(acc, line)
	}
	snap := acc.Snapshot(r.opts.Table)

	if code != 0 && !snap.HasDepots() {
		r.opts.Metrics.IncFailure("preflight")
		r.system(js, fmt.Sprintf("Preflight failed with exit code %d. Continuing without preflight.", code))
		return nil, nil
	}
	r.persistAuth(js, dir)
	js.log.Info("preflight finished", "exit_code", code, "depots", len(snap.Depots), "primary", snap.PrimaryDepotID, "build_id", snap.BuildID)
	return &snap, nil
}
