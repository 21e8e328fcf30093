package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btouchard/nethopper/internal/event"
	"github.com/btouchard/nethopper/internal/store"
)

const (
	defaultChunkSize     = 8 * 1024
	defaultMaxOutputSize = 1024 * 1024
)

// Publisher emits task events. Defined at the consumer side per Go conventions.
type Publisher interface {
	Publish(e event.Event)
}

// HostResolver looks up a stored host by name or id.
type HostResolver interface {
	ResolveHost(ref string) (*store.Host, error)
}

// Options tune the executor.
type Options struct {
	ChunkSize     int
	MaxOutputSize int
	AllowLocal    bool
}

// job is one running task in the registry.
type job struct {
	id        string
	target    Target
	cancel    context.CancelFunc
	cancelled atomic.Bool

	// inMu is held for the duration of a stdin write.
	inMu    sync.Mutex
	stdin   io.WriteCloser
	inReady chan struct{} // closed once the process started or failed to
	inOnce  sync.Once
}

// setStdin publishes the process input; nil means the command never started.
func (j *job) setStdin(w io.WriteCloser) {
	j.inOnce.Do(func() {
		j.inMu.Lock()
		j.stdin = w
		j.inMu.Unlock()
		close(j.inReady)
	})
}

func (j *job) writeInput(ctx context.Context, data []byte) error {
	select {
	case <-j.inReady:
	case <-ctx.Done():
		return ctx.Err()
	}

	j.inMu.Lock()
	if j.stdin == nil {
		j.inMu.Unlock()
		return ErrNoInput
	}
	w := j.stdin

	// A command that stops reading would block the write; the lock is
	// released once the write returns, not when ctx gives up on it.
	done := make(chan error, 1)
	go func() {
		defer j.inMu.Unlock()
		_, err := w.Write(data)
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("writing input: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (j *job) closeInput(ctx context.Context) error {
	select {
	case <-j.inReady:
	case <-ctx.Done():
		return ctx.Err()
	}

	j.inMu.Lock()
	defer j.inMu.Unlock()

	if j.stdin == nil {
		return nil
	}
	err := j.stdin.Close()
	j.stdin = nil
	if err != nil {
		return fmt.Errorf("closing input: %w", err)
	}
	return nil
}

// Executor is the execution backend. It runs commands through a Runner and
// reports their progress, output and exit on the event bus.
type Executor struct {
	pub   Publisher
	hosts HostResolver
	ssh   Runner
	local Runner
	opts  Options

	mu   sync.Mutex
	jobs map[string]*job
	wg   sync.WaitGroup
}

// New creates an Executor. local may be nil when local execution is disabled.
func New(pub Publisher, hosts HostResolver, ssh, local Runner, opts Options) *Executor {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = defaultChunkSize
	}
	if opts.MaxOutputSize <= 0 {
		opts.MaxOutputSize = defaultMaxOutputSize
	}
	return &Executor{
		pub:   pub,
		hosts: hosts,
		ssh:   ssh,
		local: local,
		opts:  opts,
		jobs:  make(map[string]*job),
	}
}

// StartTask resolves target and launches command in the background. Events
// for taskID are published as the command runs. Only resolution and
// registration errors are returned; connection problems are reported as a
// progress error event.
func (e *Executor) StartTask(_ context.Context, taskID, target, command string) error {
	t, runner, err := e.resolve(target)
	if err != nil {
		return err
	}

	// The job outlives the start request.
	ctx, cancel := context.WithCancel(context.Background())
	j := &job{id: taskID, target: t, cancel: cancel, inReady: make(chan struct{})}

	e.mu.Lock()
	if _, exists := e.jobs[taskID]; exists {
		e.mu.Unlock()
		cancel()
		return fmt.Errorf("task %q already running", taskID)
	}
	e.jobs[taskID] = j
	e.wg.Add(1)
	e.mu.Unlock()

	slog.Info("starting command",
		"task_id", taskID,
		"target", t.String())

	go e.work(ctx, j, runner, command)
	return nil
}

// CancelTask asks a running task to stop. Unknown or finished tasks are
// ignored.
func (e *Executor) CancelTask(_ context.Context, taskID string) error {
	e.mu.Lock()
	j, ok := e.jobs[taskID]
	e.mu.Unlock()

	if !ok {
		slog.Debug("cancel for unknown task", "task_id", taskID)
		return nil
	}
	if j.cancelled.CompareAndSwap(false, true) {
		slog.Info("cancelling command", "task_id", taskID)
		j.cancel()
	}
	return nil
}

// SendInput writes data to the standard input of a running task.
func (e *Executor) SendInput(ctx context.Context, taskID string, data []byte) error {
	j, ok := e.lookup(taskID)
	if !ok {
		return fmt.Errorf("task %q: %w", taskID, ErrNoInput)
	}
	if err := j.writeInput(ctx, data); err != nil {
		if errors.Is(err, ErrNoInput) {
			return fmt.Errorf("task %q: %w", taskID, err)
		}
		return err
	}
	slog.Debug("input sent", "task_id", taskID, "bytes", len(data))
	return nil
}

// CloseInput closes the standard input of a running task, so commands
// reading it see end of file. Closing twice is a no-op.
func (e *Executor) CloseInput(ctx context.Context, taskID string) error {
	j, ok := e.lookup(taskID)
	if !ok {
		return fmt.Errorf("task %q: %w", taskID, ErrNoInput)
	}
	return j.closeInput(ctx)
}

func (e *Executor) lookup(taskID string) (*job, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	j, ok := e.jobs[taskID]
	return j, ok
}

// Running returns the number of jobs in the registry.
func (e *Executor) Running() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.jobs)
}

// Shutdown cancels every running job and waits for the workers to report
// their terminal events, or for ctx to end.
func (e *Executor) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	for _, j := range e.jobs {
		if j.cancelled.CompareAndSwap(false, true) {
			j.cancel()
		}
	}
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for running commands: %w", ctx.Err())
	}
}

func (e *Executor) resolve(ref string) (Target, Runner, error) {
	if ref == LocalTarget {
		if !e.opts.AllowLocal || e.local == nil {
			return Target{}, nil, fmt.Errorf("local execution is disabled")
		}
		return Target{Name: LocalTarget, Local: true}, e.local, nil
	}
	if e.hosts == nil {
		return Target{}, nil, fmt.Errorf("no host inventory configured")
	}
	h, err := e.hosts.ResolveHost(ref)
	if err != nil {
		return Target{}, nil, fmt.Errorf("resolving target: %w", err)
	}
	t := TargetFromHost(h)
	if err := checkCredentials(t); err != nil {
		return Target{}, nil, err
	}
	return t, e.ssh, nil
}

func checkCredentials(t Target) error {
	switch {
	case t.AuthType == store.AuthKey && t.KeyPath == "":
		return fmt.Errorf("%w: host %s has no key path", ErrAuth, t.Name)
	case t.AuthType != store.AuthKey && t.Password == "":
		return fmt.Errorf("%w: host %s has no password", ErrAuth, t.Name)
	}
	return nil
}

func (e *Executor) work(ctx context.Context, j *job, runner Runner, command string) {
	defer e.wg.Done()
	defer j.cancel()
	defer e.remove(j.id)

	start := time.Now()
	e.pub.Publish(event.Progress{TaskID: j.id, Status: event.StatusRunning})

	proc, err := runner.Start(ctx, j.target, command)
	if err != nil {
		j.setStdin(nil)
		if j.cancelled.Load() {
			e.emitCancelled(j.id)
			return
		}
		slog.Warn("command start failed",
			"task_id", j.id,
			"target", j.target.String(),
			"error", err)
		e.pub.Publish(event.Progress{TaskID: j.id, Status: event.StatusError})
		return
	}

	j.setStdin(proc.Stdin())
	go captureStderr(j.id, proc.Stderr())

	streamErr := e.stream(j.id, proc)
	if errors.Is(streamErr, ErrOutputLimit) {
		_ = proc.Kill()
	}
	exitCode, waitErr := proc.Wait()

	switch {
	case j.cancelled.Load():
		e.emitCancelled(j.id)
	case streamErr != nil:
		slog.Warn("command output failed",
			"task_id", j.id,
			"error", streamErr)
		e.pub.Publish(event.Progress{TaskID: j.id, Status: event.StatusError})
	case waitErr != nil:
		slog.Warn("command transport failed",
			"task_id", j.id,
			"error", waitErr)
		e.pub.Publish(event.Progress{TaskID: j.id, Status: event.StatusError})
	default:
		slog.Info("command exited",
			"task_id", j.id,
			"exit_code", exitCode,
			"duration", time.Since(start))
		e.pub.Publish(event.Done{TaskID: j.id, ExitCode: exitCode})
	}
}

// stream publishes stdout in chunks until EOF. It stops with ErrOutputLimit
// once more than MaxOutputSize bytes were read.
func (e *Executor) stream(taskID string, proc Process) error {
	buf := make([]byte, e.opts.ChunkSize)
	total := 0
	for {
		n, err := proc.Stdout().Read(buf)
		if n > 0 {
			total += n
			if total > e.opts.MaxOutputSize {
				return fmt.Errorf("%w (%d bytes)", ErrOutputLimit, e.opts.MaxOutputSize)
			}
			e.pub.Publish(event.Stdout{TaskID: taskID, Chunk: string(buf[:n])})
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading stdout: %w", err)
		}
	}
}

func (e *Executor) emitCancelled(taskID string) {
	slog.Info("command cancelled", "task_id", taskID)
	e.pub.Publish(event.Progress{TaskID: taskID, Status: event.StatusCancelled})
	e.pub.Publish(event.Done{TaskID: taskID, ExitCode: -1})
}

func (e *Executor) remove(taskID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.jobs, taskID)
}

func captureStderr(taskID string, r io.Reader) {
	if r == nil {
		return
	}
	data, err := io.ReadAll(r)
	if err != nil {
		slog.Debug("stderr read error", "task_id", taskID, "error", err)
		return
	}
	if len(data) > 0 {
		slog.Debug("command stderr", "task_id", taskID, "stderr", truncateStr(string(data), 500))
	}
}

// ExecResult is the outcome of a synchronous Exec.
type ExecResult struct {
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr,omitempty"`
}

// Success reports whether the command exited with status 0.
func (r ExecResult) Success() bool {
	return r.ExitCode == 0
}

// Exec runs command on target and waits for it, bypassing the event bus.
// Errors are *ExecError values carrying a Kind.
func (e *Executor) Exec(ctx context.Context, target, command string) (*ExecResult, error) {
	t, runner, err := e.resolve(target)
	if err != nil {
		return nil, classify(ctx, err)
	}

	proc, err := runner.Start(ctx, t, command)
	if err != nil {
		return nil, classify(ctx, err)
	}
	// One-shot commands get no input.
	if w := proc.Stdin(); w != nil {
		_ = w.Close()
	}

	var stderr bytes.Buffer
	stderrDone := make(chan struct{})
	go func() {
		defer close(stderrDone)
		if r := proc.Stderr(); r != nil {
			_, _ = io.Copy(&limitedWriter{w: &stderr, n: e.opts.MaxOutputSize}, r)
		}
	}()

	var stdout bytes.Buffer
	_, copyErr := io.Copy(&stdout, io.LimitReader(proc.Stdout(), int64(e.opts.MaxOutputSize)+1))
	if copyErr == nil && stdout.Len() > e.opts.MaxOutputSize {
		copyErr = fmt.Errorf("%w (%d bytes)", ErrOutputLimit, e.opts.MaxOutputSize)
		_ = proc.Kill()
	}

	exitCode, waitErr := proc.Wait()
	<-stderrDone

	if copyErr != nil {
		return nil, classify(ctx, copyErr)
	}
	if waitErr != nil {
		return nil, classify(ctx, waitErr)
	}
	if ctx.Err() != nil {
		return nil, classify(ctx, ctx.Err())
	}
	return &ExecResult{
		ExitCode: exitCode,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	}, nil
}

// limitedWriter discards everything past n bytes.
type limitedWriter struct {
	w io.Writer
	n int
}

func (l *limitedWriter) Write(p []byte) (int, error) {
	if l.n <= 0 {
		return len(p), nil
	}
	q := p
	if len(q) > l.n {
		q = q[:l.n]
	}
	n, err := l.w.Write(q)
	l.n -= n
	if err != nil {
		return n, err
	}
	return len(p), nil
}

func truncateStr(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
