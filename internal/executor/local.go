package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"syscall"
	"time"
)

// LocalRunner runs commands through the local shell.
type LocalRunner struct {
	Shell   string
	WorkDir string
	Env     map[string]string
	// KillGrace is how long a cancelled command has between SIGTERM and
	// SIGKILL.
	KillGrace time.Duration
}

// Start runs command via "sh -c". Cancelling ctx sends SIGTERM, then SIGKILL
// after KillGrace.
func (r *LocalRunner) Start(ctx context.Context, _ Target, command string) (Process, error) {
	shell := r.Shell
	if shell == "" {
		shell = "/bin/sh"
	}
	grace := r.KillGrace
	if grace <= 0 {
		grace = 10 * time.Second
	}

	cmd := exec.CommandContext(ctx, shell, "-c", command)
	cmd.Dir = r.WorkDir
	cmd.Env = os.Environ()
	for k, v := range r.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = grace

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: starting shell: %w", ErrSession, err)
	}

	slog.Debug("local command started", "pid", cmd.Process.Pid)

	return &localProcess{cmd: cmd, stdin: stdin, stdout: stdout, stderr: stderr}, nil
}

type localProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.Reader
	stderr io.Reader
}

func (p *localProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *localProcess) Stdout() io.Reader     { return p.stdout }
func (p *localProcess) Stderr() io.Reader     { return p.stderr }

func (p *localProcess) Wait() (int, error) {
	err := p.cmd.Wait()
	if err == nil {
		return 0, nil
	}
	if exitErr, ok := errors.AsType[*exec.ExitError](err); ok {
		return exitErr.ExitCode(), nil
	}
	if errors.Is(err, exec.ErrWaitDelay) {
		return p.cmd.ProcessState.ExitCode(), nil
	}
	return -1, fmt.Errorf("waiting for command: %w", err)
}

func (p *localProcess) Kill() error {
	return p.cmd.Process.Kill()
}
