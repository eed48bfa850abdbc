// Package scheduler runs named tasks after a delay.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Scheduler enqueues a named task to run once after delay. It is
// fire-and-forget: there is no way to cancel a scheduled task.
type Scheduler interface {
	Schedule(ctx context.Context, delay time.Duration, task string, args any) error
}

// HandlerFunc runs one task invocation with its JSON-encoded arguments.
type HandlerFunc func(ctx context.Context, args json.RawMessage) error

var (
	ErrClosed        = errors.New("scheduler closed")
	ErrUnknownTask   = errors.New("unknown task")
	ErrAlreadyActive = errors.New("scheduler already started")
)

// Options configures a Local scheduler.
type Options struct {
	// Workers bounds concurrent task execution; zero means 4.
	Workers int
	// QueueSize is the number of due tasks buffered ahead of the workers;
	// zero means 1024.
	QueueSize int
	Logger    *slog.Logger
}

type job struct {
	task string
	args json.RawMessage
}

// Local is an in-process Scheduler backed by timers and a worker pool.
// Scheduled tasks live only as long as the process.
type Local struct {
	opts     Options
	logger   *slog.Logger
	queue    chan job
	quit     chan struct{}
	workers  sync.WaitGroup
	mu       sync.Mutex
	handlers map[string]HandlerFunc
	timers   map[*time.Timer]struct{}
	pending  int
	idle     chan struct{}
	started  bool
	closed   bool
}

// NewLocal creates a Local scheduler. Register handlers, then Start it.
func NewLocal(opts Options) *Local {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	idle := make(chan struct{})
	close(idle)
	return &Local{
		opts:     opts,
		logger:   opts.Logger,
		queue:    make(chan job, opts.QueueSize),
		quit:     make(chan struct{}),
		handlers: make(map[string]HandlerFunc),
		timers:   make(map[*time.Timer]struct{}),
		idle:     idle,
	}
}

// Handle registers fn for task, replacing any previous handler.
func (l *Local) Handle(task string, fn HandlerFunc) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers[task] = fn
}

// Schedule encodes args as JSON and runs task after delay.
func (l *Local) Schedule(_ context.Context, delay time.Duration, task string, args any) error {
	data, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("schedule %s: encode args: %w", task, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrClosed
	}
	if _, ok := l.handlers[task]; !ok {
		return fmt.Errorf("schedule %s: %w", task, ErrUnknownTask)
	}

	if l.pending == 0 {
		l.idle = make(chan struct{})
	}
	l.pending++

	j := job{task: task, args: data}
	if delay <= 0 {
		go l.enqueue(j)
		return nil
	}

	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		l.mu.Lock()
		delete(l.timers, t)
		l.mu.Unlock()
		l.enqueue(j)
	})
	l.timers[t] = struct{}{}
	return nil
}

func (l *Local) enqueue(j job) {
	select {
	case l.queue <- j:
	case <-l.quit:
		l.done()
	}
}

// done marks one scheduled task finished.
func (l *Local) done() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.pending == 0 {
		// Close already released everything.
		return
	}
	l.pending--
	if l.pending == 0 {
		close(l.idle)
	}
}

// Pending returns the number of tasks scheduled but not yet finished.
func (l *Local) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pending
}

// Start launches the workers. Tasks run with ctx.
func (l *Local) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	if l.started {
		return ErrAlreadyActive
	}
	l.started = true

	for i := 0; i < l.opts.Workers; i++ {
		l.workers.Add(1)
		go func() {
			defer l.workers.Done()
			l.worker(ctx)
		}()
	}
	return nil
}

// Run starts the workers and blocks until ctx is done, then closes.
func (l *Local) Run(ctx context.Context) error {
	if err := l.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return l.Close()
}

// Wait blocks until no task is pending or ctx is done.
func (l *Local) Wait(ctx context.Context) error {
	l.mu.Lock()
	idle := l.idle
	l.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops timers, lets running tasks finish and drops the rest.
func (l *Local) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	dropped := 0
	for t := range l.timers {
		if t.Stop() {
			dropped++
		}
	}
	l.timers = nil
	close(l.quit)
	l.mu.Unlock()

	l.workers.Wait()

	l.mu.Lock()
	dropped += len(l.queue)
	if l.pending > 0 {
		l.pending = 0
		close(l.idle)
	}
	l.mu.Unlock()
	if dropped > 0 {
		l.logger.Warn("scheduler closed with pending tasks", "dropped", dropped)
	}
	return nil
}

func (l *Local) worker(ctx context.Context) {
	for {
		select {
		case <-l.quit:
			return
		case j := <-l.queue:
			l.run(ctx, j)
			l.done()
		}
	}
}

func (l *Local) run(ctx context.Context, j job) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("task panicked", "task", j.task, "panic", r)
		}
	}()

	l.mu.Lock()
	fn := l.handlers[j.task]
	l.mu.Unlock()
	if fn == nil {
		l.logger.Error("no handler for task", "task", j.task)
		return
	}

	if err := fn(ctx, j.args); err != nil {
		l.logger.Error("task failed", "task", j.task, "err", err)
	}
}
