package depotdl

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
)

var toolCandidates = []string{"DepotDownloader", "depotdownloader"}

type OutputStream string

const (
	StreamStdout OutputStream = "stdout"
	StreamStderr OutputStream = "stderr"
)

type DependencyReport struct {
	DepotDownloaderFound bool   `json:"depotdownloader_found"`
	DepotDownloaderPath  string `json:"depotdownloader_path,omitempty"`
}

// ResolveTool returns the configured DepotDownloader path, or the first candidate on PATH.
func ResolveTool(configured string) (string, error) {
	if p := strings.TrimSpace(configured); p != "" {
		if _, err := os.Stat(p); err != nil {
			return "", fmt.Errorf("depotdownloader binary %s: %w", p, err)
		}
		return p, nil
	}
	for _, bin := range toolCandidates {
		if path, err := exec.LookPath(bin); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("missing dependency: DepotDownloader is not installed or not on PATH")
}

func DependencyStatus(configured string) DependencyReport {
	report := DependencyReport{}
	if path, err := ResolveTool(configured); err == nil {
		report.DepotDownloaderFound = true
		report.DepotDownloaderPath = path
	}
	return report
}

type StartOptions struct {
	Path string
	Args []string
	Dir  string
}

// Process is a started child with its three standard streams piped. Stdout and
// Stderr are independent of Wait, so readers may drain them after the child exits.
type Process struct {
	cmd    *exec.Cmd
	Stdin  io.WriteCloser
	Stdout io.ReadCloser
	Stderr io.ReadCloser

	done     chan struct{}
	exitCode int
	waitErr  error
}

func Start(opts StartOptions) (*Process, error) {
	if strings.TrimSpace(opts.Path) == "" {
		return nil, fmt.Errorf("tool path is required")
	}
	cmd := exec.Command(opts.Path, opts.Args...)
	cmd.Dir = opts.Dir
	configureCmd(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("setup stdin pipe: %w", err)
	}
	outR, outW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("setup stdout pipe: %w", err)
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		_ = outR.Close()
		_ = outW.Close()
		return nil, fmt.Errorf("setup stderr pipe: %w", err)
	}
	cmd.Stdout = outW
	cmd.Stderr = errW

	if err := cmd.Start(); err != nil {
		for _, f := range []*os.File{outR, outW, errR, errW} {
			_ = f.Close()
		}
		return nil, fmt.Errorf("start %s: %w", opts.Path, err)
	}
	_ = outW.Close()
	_ = errW.Close()

	p := &Process{
		cmd:    cmd,
		Stdin:  stdin,
		Stdout: outR,
		Stderr: errR,
		done:   make(chan struct{}),
	}
	go func() {
		p.waitErr = cmd.Wait()
		p.exitCode = exitCode(cmd, p.waitErr)
		close(p.done)
	}()
	return p, nil
}

func (p *Process) Done() <-chan struct{} {
	return p.done
}

// ExitCode is valid once Done is closed; -1 means the child did not exit normally.
func (p *Process) ExitCode() int {
	<-p.done
	return p.exitCode
}

func (p *Process) Kill() error {
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("terminate process: %w", err)
	}
	return nil
}

func (p *Process) Pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func exitCode(cmd *exec.Cmd, waitErr error) int {
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
