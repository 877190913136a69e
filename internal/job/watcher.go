package job

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"depot-packer/internal/compress"
	"depot-packer/internal/depotdl"
	"depot-packer/internal/extract"
	"depot-packer/internal/finalize"
	"depot-packer/internal/model"
	"depot-packer/internal/resolve"
)

// run is the job's worker: it prepares staging, runs the preflight, spawns the
// download and hands the child over to the watcher.
func (r *Runner) run(ctx context.Context, js *jobState) {
	tool, err := depotdl.ResolveTool(r.opts.ToolPath)
	if err != nil {
		r.fail(js, "spawn", err)
		return
	}
	staging, err := r.opts.Layout.CreateStagingDir(js.id)
	if err != nil {
		r.fail(js, "staging", fmt.Errorf("create staging directory: %w", err))
		return
	}
	js.stagingDir = staging
	r.system(js, "Job ID: "+js.id)
	r.system(js, "Staging directory: "+staging)

	pre, err := r.runPreflight(js, tool)
	if errors.Is(err, errCancelled) {
		return
	}
	if err != nil {
		r.fail(js, "spawn", err)
		return
	}

	r.mu.Lock()
	if !r.owns(js) {
		r.mu.Unlock()
		return
	}
	js.preflight = pre
	if pre != nil {
		js.acc.Seed(*pre)
	}
	r.mu.Unlock()

	r.restoreAuth(js, staging)
	args := depotdl.BuildArgs(js.req)
	r.system(js, "Starting DepotDownloader...")
	r.system(js, "DepotDownloader args: "+strings.Join(depotdl.RedactArgs(args), " "))

	proc, err := depotdl.Start(depotdl.StartOptions{Path: tool, Args: args, Dir: staging})
	if err != nil {
		r.fail(js, "spawn", fmt.Errorf("spawn DepotDownloader: %w", err))
		return
	}

	r.mu.Lock()
	if !r.owns(js) {
		r.mu.Unlock()
		_ = proc.Kill()
		return
	}
	js.proc = proc
	js.stdin = proc.Stdin
	js.workDir = staging
	r.mu.Unlock()
	js.log.Info("DepotDownloader started", "pid", proc.Pid())
	r.emitStatus(js, model.StatusRunning, nil)

	var readers sync.WaitGroup
	readers.Add(2)
	go r.read(js, depotdl.StreamStdout, proc.Stdout, &readers)
	go r.read(js, depotdl.StreamStderr, proc.Stderr, &readers)
	go r.watch(ctx, js, proc, &readers)
}

// read demultiplexes one output stream. Each stream has its own extractor
// cursor; both feed the job's accumulator under the runner lock.
func (r *Runner) read(js *jobState, stream depotdl.OutputStream, rc io.ReadCloser, wg *sync.WaitGroup) {
	defer wg.Done()
	defer rc.Close()
	var ex extract.Extractor
	d := depotdl.NewDemuxer(r.opts.Decoder, func(line string) {
		r.mu.Lock()
		ex.Feed(js.acc, line)
		r.mu.Unlock()
		r.opts.Metrics.IncLine(string(stream))
		r.opts.Sink.Log(model.LogEvent{JobID: js.id, Stream: string(stream), Line: line})
	})
	if err := d.Run(rc); err != nil {
		js.log.Debug("stream closed with error", "stream", string(stream), "error", err)
	}
}

// watch is the only path out of running. It waits for the child, joins both
// readers outside the lock and then resolves, finalizes and compresses.
func (r *Runner) watch(ctx context.Context, js *jobState, proc *depotdl.Process, readers *sync.WaitGroup) {
	<-proc.Done()
	r.mu.Lock()
	if !r.owns(js) || js.proc != proc {
		r.mu.Unlock()
		return
	}
	js.proc = nil
	js.stdin = nil
	r.mu.Unlock()

	code := proc.ExitCode()
	if code == 0 {
		r.system(js, "Waiting for log processing to complete...")
	}
	readers.Wait()
	r.persistAuth(js, js.stagingDir)

	if code != 0 {
		r.opts.Metrics.IncFailure("download")
		r.emitStatus(js, model.StatusExited, &code)
		r.system(js, fmt.Sprintf("DepotDownloader exited with code %d. Cleaning up staging directory.", code))
		r.end(js, Outcome{Status: model.StatusExited, Code: &code, Err: fmt.Errorf("DepotDownloader exited with code %d", code)})
		return
	}

	r.mu.Lock()
	download := js.acc.Snapshot(r.opts.Table)
	pre := js.preflight
	r.mu.Unlock()

	r.system(js, "Deriving metadata from download output...")
	meta, err := r.resolver.Resolve(ctx, resolve.Input{
		JobID:      js.id,
		StagingDir: js.stagingDir,
		Request:    js.req,
		Preflight:  pre,
		Download:   download,
	})
	if err != nil {
		r.opts.Metrics.IncFailure("resolve")
		r.system(js, fmt.Sprintf("Failed to derive metadata: %v", err))
		r.emitStatus(js, model.StatusError, nil)
		r.end(js, Outcome{Status: model.StatusError, Err: err})
		return
	}

	r.system(js, "Download completed successfully. Finalizing output...")
	r.emitStatus(js, model.StatusFinalizing, nil)
	res, err := r.finalizer.Finalize(ctx, js.stagingDir)
	if err != nil {
		if errors.Is(err, finalize.ErrCancelledByUser) {
			r.system(js, err.Error())
			r.emitStatus(js, model.StatusExited, nil)
			r.end(js, Outcome{Status: model.StatusExited, Metadata: &meta, Err: err})
			return
		}
		r.opts.Metrics.IncFailure("finalize")
		r.system(js, fmt.Sprintf("Finalization failed: %v", err))
		r.emitStatus(js, model.StatusFinalizationFailed, nil)
		r.end(js, Outcome{Status: model.StatusFinalizationFailed, Metadata: &meta, Err: err})
		return
	}
	r.system(js, "Finalization complete. Output: "+res.OutputPath)

	out := Outcome{Status: model.StatusCompleted, OutputPath: res.OutputPath, Metadata: &meta}
	if js.req.Compress {
		r.emitStatus(js, model.StatusCompressing, nil)
		out.ArchivePath = r.compress(ctx, js, res.OutputPath)
	}
	zero := 0
	out.Code = &zero
	r.emitStatus(js, model.StatusCompleted, &zero)
	r.end(js, out)
}

// compress archives the finalized output. Failure keeps the folder and is not
// fatal to the job.
func (r *Runner) compress(ctx context.Context, js *jobState, outputPath string) string {
	bin, err := compress.ResolveBinary(r.opts.SevenZipPath)
	if err != nil {
		r.opts.Metrics.IncFailure("compress")
		r.system(js, fmt.Sprintf("Compression failed: %v. Uncompressed output available.", err))
		return ""
	}
	archive := finalize.ArchivePath(outputPath)
	plan := compress.PlanFor(compress.ProbeResources())
	r.system(js, fmt.Sprintf("Starting compression with 7-Zip (%d threads, %s dictionary)...", plan.Threads, plan.Dict))

	var progressMu sync.Mutex
	lastStep := -1
	err = compress.Run(ctx, compress.Options{
		Binary:   bin,
		Source:   outputPath,
		Archive:  archive,
		Password: strings.TrimSpace(js.req.ArchivePassword),
		Plan:     plan,
		Logger:   js.log,
		OnProgress: func(pct int) {
			progressMu.Lock()
			defer progressMu.Unlock()
			if step := pct / 10; step != lastStep {
				lastStep = step
				r.system(js, fmt.Sprintf("Compressing: %d%%", pct))
			}
		},
	})
	if err != nil {
		r.opts.Metrics.IncFailure("compress")
		r.system(js, fmt.Sprintf("Compression failed: %v. Uncompressed output available.", err))
		return ""
	}
	r.system(js, "Compression complete: "+archive)
	return archive
}

// end is the watcher's terminal step: staging goes, the job slot is freed.
func (r *Runner) end(js *jobState, out Outcome) {
	r.cleanupStaging(js)
	r.release(js)
	r.finish(js, out)
}
