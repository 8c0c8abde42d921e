package regionctl

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Runnable is a unit of work executed by an Executor.
type Runnable interface {
	Run(ctx context.Context) error
}

// RunnableFunc adapts a function to Runnable.
type RunnableFunc func(ctx context.Context) error

func (f RunnableFunc) Run(ctx context.Context) error { return f(ctx) }

// Executor runs submitted tasks one at a time in submission order on a
// single goroutine. The queue is unbounded.
type Executor struct {
	name   string
	logger *zap.Logger

	mu        sync.Mutex
	cond      *sync.Cond
	queue     []Runnable
	available bool
	stopping  bool

	done chan struct{}
}

// NewExecutor creates a stopped executor.
func NewExecutor(name string, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Executor{
		name:   name,
		logger: logger.With(zap.String("executor", name)),
	}
	e.cond = sync.NewCond(&e.mu)
	return e
}

// Name identifies the executor in logs and debug listings.
func (e *Executor) Name() string { return e.name }

// Start launches the worker goroutine. Starting twice is an error.
func (e *Executor) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.done != nil {
		return fmt.Errorf("executor %s already started", e.name)
	}
	e.available = true
	e.done = make(chan struct{})
	go e.loop(e.done)
	return nil
}

// Execute enqueues task. It fails with ErrExecutorUnavailable before Start
// and after Stop.
func (e *Executor) Execute(task Runnable) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.available {
		return fmt.Errorf("%w: %s", ErrExecutorUnavailable, e.name)
	}
	e.queue = append(e.queue, task)
	e.cond.Signal()
	return nil
}

// Pending reports how many tasks are queued but not yet started.
func (e *Executor) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue)
}

// Stop rejects further submissions, runs every task already queued and
// blocks until the worker exits.
func (e *Executor) Stop() {
	e.mu.Lock()
	e.available = false
	e.stopping = true
	done := e.done
	e.cond.Broadcast()
	e.mu.Unlock()
	if done != nil {
		<-done
	}
}

func (e *Executor) loop(done chan struct{}) {
	defer close(done)
	for {
		e.mu.Lock()
		for len(e.queue) == 0 && !e.stopping {
			e.cond.Wait()
		}
		if len(e.queue) == 0 {
			e.mu.Unlock()
			return
		}
		task := e.queue[0]
		e.queue[0] = nil
		e.queue = e.queue[1:]
		e.mu.Unlock()

		if err := e.runOne(task); err != nil {
			e.logger.Error("task failed", zap.Error(err))
		}
	}
}

func (e *Executor) runOne(task Runnable) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return task.Run(context.Background())
}
