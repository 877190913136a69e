package compress

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"depot-packer/internal/depotdl"
)

var binaryCandidates = []string{"7zz", "7z", "7za"}

// ResolveBinary returns the configured archiver or the first of 7zz, 7z, 7za on PATH.
func ResolveBinary(configured string) (string, error) {
	if p := strings.TrimSpace(configured); p != "" {
		if _, err := os.Stat(p); err != nil {
			return "", fmt.Errorf("7-zip binary %s: %w", p, err)
		}
		return p, nil
	}
	for _, bin := range binaryCandidates {
		if path, err := exec.LookPath(bin); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("missing dependency: 7-Zip (7zz, 7z or 7za) is not installed or not on PATH")
}

type Options struct {
	Binary   string
	Source   string
	Archive  string
	Password string
	Plan     Plan
	Logger   *slog.Logger
	// OnLine receives every output line; OnProgress every parsed percentage.
	OnLine     func(stream depotdl.OutputStream, line string)
	OnProgress func(percent int)
}

// Run archives Source into Archive. A failed run removes the partial archive and
// keeps Source; a successful run removes Source (best effort).
func Run(ctx context.Context, opts Options) error {
	log := opts.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Plan.Dict == "" {
		opts.Plan = PlanFor(ProbeResources())
	}
	args := Args(opts.Source, opts.Archive, opts.Password, opts.Plan)
	log.Info("starting 7-zip", "binary", opts.Binary, "args", strings.Join(RedactArgs(args), " "))

	if err := os.MkdirAll(filepath.Dir(opts.Archive), 0o755); err != nil {
		return fmt.Errorf("create archive directory: %w", err)
	}
	proc, err := depotdl.Start(depotdl.StartOptions{Path: opts.Binary, Args: args, Dir: filepath.Dir(opts.Source)})
	if err != nil {
		return fmt.Errorf("start 7-zip: %w", err)
	}
	_ = proc.Stdin.Close()

	var wg sync.WaitGroup
	read := func(stream depotdl.OutputStream, r io.ReadCloser) {
		defer wg.Done()
		defer r.Close()
		d := depotdl.NewDemuxer(depotdl.UTF8Decoder{}, func(line string) {
			line = strings.TrimSpace(line)
			if line == "" {
				return
			}
			if opts.OnProgress != nil {
				if pct, ok := ExtractPercent(line); ok {
					opts.OnProgress(pct)
				}
			}
			if opts.OnLine != nil {
				opts.OnLine(stream, line)
			}
		})
		_ = d.Run(progressReader{r})
	}
	wg.Add(2)
	go read(depotdl.StreamStdout, proc.Stdout)
	go read(depotdl.StreamStderr, proc.Stderr)

	select {
	case <-proc.Done():
	case <-ctx.Done():
		_ = proc.Kill()
		<-proc.Done()
	}
	wg.Wait()

	code := proc.ExitCode()
	if ctx.Err() != nil || code != 0 {
		if rmErr := os.Remove(opts.Archive); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			log.Warn("remove partial archive failed", "path", opts.Archive, "error", rmErr)
		}
		if ctx.Err() != nil {
			return fmt.Errorf("7-zip cancelled: %w", ctx.Err())
		}
		return fmt.Errorf("7-zip exited with code %d", code)
	}

	if err := os.RemoveAll(opts.Source); err != nil {
		log.Warn("remove uncompressed folder failed; archive was created", "path", opts.Source, "error", err)
	} else {
		log.Info("uncompressed folder removed", "path", opts.Source)
	}
	return nil
}

// progressReader turns the carriage returns and backspaces 7-Zip uses to
// redraw its progress into line breaks.
type progressReader struct {
	r io.Reader
}

func (p progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	for i := 0; i < n; i++ {
		if b[i] == '\r' || b[i] == '\b' {
			b[i] = '\n'
		}
	}
	return n, err
}

// ExtractPercent finds the last "<n>%" token with n in 0..100.
func ExtractPercent(line string) (int, bool) {
	for idx := strings.LastIndexByte(line, '%'); idx >= 0; idx = strings.LastIndexByte(line[:idx], '%') {
		start := idx
		for start > 0 && line[start-1] >= '0' && line[start-1] <= '9' {
			start--
		}
		if start < idx {
			if v, err := strconv.Atoi(line[start:idx]); err == nil && v <= 100 {
				return v, true
			}
		}
	}
	return 0, false
}
