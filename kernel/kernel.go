// Package kernel executes notebook code cells on the local machine.
//
// A Kernel runs submitted cells one at a time, in submission order, on a
// single worker goroutine. When its queue drains it notifies idle
// subscribers, which is the signal the generation loop continues on.
//
// Every cell runs in a fresh interpreter process ("python3 -c" or "sh -c").
// Variables, imports and working-directory changes made by one cell are not
// visible to the next; generated code has to be self-contained per cell.
package kernel

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"

	"github.com/Desarso/nbassist/models"
	"go.uber.org/zap"
)

// Language selects the interpreter for a cell.
type Language string

const (
	Python Language = "python"
	Shell  Language = "shell"
)

// Result holds the raw outcome of running one cell.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Runner executes code in the given language. A non-nil error means the
// interpreter could not be run at all; a failing program is reported through
// Result.ExitCode.
type Runner func(ctx context.Context, lang Language, code string) (*Result, error)

// Job is one cell execution request. Done is called on the worker goroutine
// with the cell's outputs and its execution count.
type Job struct {
	CellID string
	Source string
	Done   func(outputs []*models.Output, executionCount int)
}

// Option configures a Kernel.
type Option func(*Kernel)

// WithRunner replaces the interpreter runner.
func WithRunner(r Runner) Option {
	return func(k *Kernel) { k.runner = r }
}

// WithInterpreters sets the python and shell executables.
func WithInterpreters(python, shell string) Option {
	return func(k *Kernel) {
		if python != "" {
			k.python = python
		}
		if shell != "" {
			k.shell = shell
		}
	}
}

// Kernel is a sequential local code executor.
type Kernel struct {
	logger *zap.Logger
	runner Runner
	python string
	shell  string

	jobs   chan Job
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	pending int
	count   int
	closed  bool
	subs    map[int]func()
	nextSub int
}

// New starts a kernel worker. Close must be called to stop it.
func New(logger *zap.Logger, opts ...Option) *Kernel {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	k := &Kernel{
		logger: logger.Named("kernel"),
		python: "python3",
		shell:  "sh",
		jobs:   make(chan Job, 64),
		ctx:    ctx,
		cancel: cancel,
		subs:   make(map[int]func()),
	}
	k.runner = k.execRunner
	for _, opt := range opts {
		opt(k)
	}

	k.wg.Add(1)
	go k.loop()
	return k
}

// Submit queues a cell for execution.
func (k *Kernel) Submit(job Job) error {
	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		return errors.New("kernel is shut down")
	}
	k.pending++
	k.mu.Unlock()

	select {
	case k.jobs <- job:
		return nil
	case <-k.ctx.Done():
		k.mu.Lock()
		k.pending--
		k.mu.Unlock()
		return errors.New("kernel is shut down")
	}
}

// Busy reports whether any submitted cell has not finished.
func (k *Kernel) Busy() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.pending > 0
}

// OnIdle registers fn to be called each time the queue drains.
func (k *Kernel) OnIdle(fn func()) (unsubscribe func()) {
	k.mu.Lock()
	id := k.nextSub
	k.nextSub++
	k.subs[id] = fn
	k.mu.Unlock()

	return func() {
		k.mu.Lock()
		delete(k.subs, id)
		k.mu.Unlock()
	}
}

// Close interrupts the running cell, drops queued cells and stops the worker.
func (k *Kernel) Close() error {
	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		return nil
	}
	k.closed = true
	k.mu.Unlock()

	k.cancel()
	k.wg.Wait()
	return nil
}

func (k *Kernel) loop() {
	defer k.wg.Done()
	for {
		select {
		case <-k.ctx.Done():
			return
		case job := <-k.jobs:
			k.run(job)
		}
	}
}

func (k *Kernel) run(job Job) {
	k.mu.Lock()
	k.count++
	count := k.count
	k.mu.Unlock()

	lang, code := DetectLanguage(job.Source)
	k.logger.Debug("executing cell",
		zap.String("cell_id", job.CellID),
		zap.String("language", string(lang)),
		zap.Int("execution_count", count))

	result, err := k.runner(k.ctx, lang, code)
	outputs := formatResult(result, err)

	if job.Done != nil {
		job.Done(outputs, count)
	}

	k.mu.Lock()
	k.pending--
	idle := k.pending == 0 && !k.closed
	var subs []func()
	if idle {
		for _, fn := range k.subs {
			subs = append(subs, fn)
		}
	}
	k.mu.Unlock()

	if idle {
		k.logger.Debug("kernel idle", zap.Int("subscribers", len(subs)))
		for _, fn := range subs {
			fn()
		}
	}
}

// DetectLanguage inspects a leading cell magic. "%%sh" and "%%bash" select
// the shell and are stripped from the returned code.
func DetectLanguage(source string) (Language, string) {
	first, rest, _ := strings.Cut(source, "\n")
	switch strings.TrimSpace(first) {
	case "%%sh", "%%bash":
		return Shell, rest
	}
	return Python, source
}

func (k *Kernel) execRunner(ctx context.Context, lang Language, code string) (*Result, error) {
	var cmd *exec.Cmd
	switch lang {
	case Shell:
		cmd = exec.CommandContext(ctx, k.shell, "-c", code)
	default:
		cmd = exec.CommandContext(ctx, k.python, "-c", code)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := &Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		return nil, fmt.Errorf("start %s: %w", lang, err)
	}
	return result, nil
}

func formatResult(r *Result, err error) []*models.Output {
	if err != nil {
		return []*models.Output{models.ErrorOutput("KernelError", err.Error())}
	}
	var outputs []*models.Output
	if r.Stdout != "" {
		outputs = append(outputs, models.StreamOutput("stdout", r.Stdout))
	}
	if r.Stderr != "" {
		outputs = append(outputs, models.StreamOutput("stderr", r.Stderr))
	}
	if r.ExitCode != 0 {
		outputs = append(outputs, models.ErrorOutput("ExecutionError", fmt.Sprintf("exit code %d", r.ExitCode)))
	}
	return outputs
}
