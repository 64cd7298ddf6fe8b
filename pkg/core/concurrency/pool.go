package concurrency

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fluxorio/threadpool/pkg/core"
	"github.com/fluxorio/threadpool/pkg/core/failfast"
)

var (
	// ErrInvalidSize is returned (or panicked with) for a pool size < 1.
	ErrInvalidSize = errors.New("pool size is invalid, pool size must be >= 1")

	// ErrPoolClosed is returned by Execute/Submit once shutdown has begun.
	ErrPoolClosed = errors.New("pool is closed")

	// ErrNilJob is returned when submitting a nil job or task.
	ErrNilJob = errors.New("job cannot be nil")

	// ErrJobExited is reported as JobResult.Panic (and to the PanicHandler)
	// for a job that ended its goroutine with runtime.Goexit.
	ErrJobExited = errors.New("job exited its goroutine")
)

// PoolState is the pool lifecycle: Running -> Draining -> Stopped.
type PoolState int32

const (
	PoolRunning PoolState = iota
	PoolDraining
	PoolStopped
)

func (s PoolState) String() string {
	switch s {
	case PoolRunning:
		return "running"
	case PoolDraining:
		return "draining"
	case PoolStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Config configures a Pool.
type Config struct {
	// Name labels logs and metrics. Default: "pool".
	Name string

	// Workers is the fixed number of workers. Must be >= 1.
	Workers int

	// Logger defaults to core.NewDefaultLogger().
	Logger core.Logger

	// Observer receives lifecycle callbacks. Optional.
	Observer Observer

	// PanicHandler is called on the worker after a job panic was
	// recovered, or with ErrJobExited after a job called runtime.Goexit.
	// Optional.
	PanicHandler func(info JobInfo, recovered interface{})

	// Context is the parent of the context handed to Task.Execute.
	// Default: context.Background(). Cancelling it does not stop workers.
	Context context.Context
}

// DefaultConfig returns a config with one worker per CPU.
func DefaultConfig() Config {
	return Config{
		Name:    "pool",
		Workers: runtime.NumCPU(),
	}
}

// Pool is a fixed set of workers sharing one FIFO mailbox.
type Pool struct {
	name    string
	workers []*Worker
	mailbox Mailbox[dispatchMessage]

	ctx          context.Context
	logger       core.Logger
	observer     Observer
	panicHandler func(JobInfo, interface{})

	// mu orders submissions against the Running -> Draining transition:
	// Execute sends under RLock, shutdown flips state and seals under Lock.
	mu    sync.RWMutex
	state atomic.Int32

	// joinMu serializes the join phase across concurrent Shutdown calls.
	joinMu sync.Mutex

	submitted atomic.Int64
	started   atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	panicked  atomic.Int64
	busy      atomic.Int64
}

// New creates a pool of size workers.
// Panics if size < 1: a pool without workers would drop every job.
func New(size int) *Pool {
	failfast.Positive(size, "pool size", ErrInvalidSize)

	cfg := DefaultConfig()
	cfg.Workers = size
	p, err := NewWithConfig(cfg)
	failfast.Err(err)
	return p
}

// NewWithConfig creates and starts a pool.
// Returns ErrInvalidSize if cfg.Workers < 1, before any worker exists.
func NewWithConfig(cfg Config) (*Pool, error) {
	if cfg.Workers < 1 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidSize, cfg.Workers)
	}
	if cfg.Name == "" {
		cfg.Name = "pool"
	}
	if cfg.Logger == nil {
		cfg.Logger = core.NewDefaultLogger()
	}
	if cfg.Observer == nil {
		cfg.Observer = NopObserver{}
	}
	if cfg.Context == nil {
		cfg.Context = context.Background()
	}

	p := &Pool{
		name:         cfg.Name,
		workers:      make([]*Worker, cfg.Workers),
		mailbox:      NewMailbox[dispatchMessage](),
		ctx:          cfg.Context,
		logger:       cfg.Logger,
		observer:     guardObserver(cfg.Observer, cfg.Name, cfg.Logger),
		panicHandler: cfg.PanicHandler,
	}
	p.state.Store(int32(PoolRunning))

	for id := range p.workers {
		p.workers[id] = newWorker(id)
	}
	for _, w := range p.workers {
		w.start(p)
	}

	p.logger.Infof("pool %s started with %d workers", p.name, len(p.workers))
	return p, nil
}

// Execute queues job for exactly one worker and returns immediately.
// Jobs are dequeued in the order their Execute calls were linearized.
func (p *Pool) Execute(job Job) error {
	if job == nil {
		return ErrNilJob
	}
	return p.dispatch("job", func(context.Context) error {
		job()
		return nil
	})
}

// Submit is Execute for a named Task. A returned error is logged by the
// worker and reported to observers.
func (p *Pool) Submit(task Task) error {
	if task == nil {
		return ErrNilJob
	}
	return p.dispatch(task.Name(), task.Execute)
}

func (p *Pool) dispatch(name string, run func(context.Context) error) error {
	job := &envelope{
		info: JobInfo{
			ID:          core.NewJobID(),
			Name:        name,
			SubmittedAt: time.Now(),
		},
		run: run,
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.State() != PoolRunning {
		return ErrPoolClosed
	}

	p.submitted.Add(1)
	p.observer.JobSubmitted(job.info)
	if err := p.mailbox.Send(workMessage(job)); err != nil {
		// Unreachable: the mailbox is sealed only after the state left
		// Running, under the write lock.
		p.submitted.Add(-1)
		return fmt.Errorf("pool %s: dispatch %s: %w", p.name, job.info.ID, err)
	}
	return nil
}

// Shutdown stops the pool in order:
//  1. reject new submissions with ErrPoolClosed;
//  2. enqueue exactly one Shutdown message per worker, behind every
//     accepted job, then seal the mailbox;
//  3. join each worker in id order.
//
// Shutdown is a bounded variant of Close and does NOT guarantee a complete
// teardown: if ctx ends during step 3 it returns the wrapped ctx error and
// the pool is left partially shut down (Draining, some workers still
// running). Only Close, or a later Shutdown that returns nil, guarantees
// that every accepted job has run and every worker has exited. Each worker
// is joined exactly once. Calls after the pool has stopped return nil.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.beginShutdown()

	p.joinMu.Lock()
	defer p.joinMu.Unlock()

	for _, w := range p.workers {
		if w.done == nil {
			continue
		}
		p.logger.Debugf("pool %s: shutting down worker %d", p.name, w.id)
		select {
		case <-w.done:
			w.done = nil
			w.joins.Add(1)
		case <-ctx.Done():
			return fmt.Errorf("pool %s shutdown: %w", p.name, ctx.Err())
		}
	}

	if p.state.CompareAndSwap(int32(PoolDraining), int32(PoolStopped)) {
		p.logger.Infof("pool %s stopped", p.name)
	}
	return nil
}

// Close shuts the pool down and blocks until every accepted job has run and
// every worker has exited. It never returns with the pool partially shut
// down.
func (p *Pool) Close() error {
	return p.Shutdown(context.Background())
}

func (p *Pool) beginShutdown() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.State() != PoolRunning {
		return
	}
	p.state.Store(int32(PoolDraining))

	p.logger.Infof("pool %s: sending terminate message to all %d workers", p.name, len(p.workers))
	for range p.workers {
		failfast.Err(p.mailbox.Send(shutdownMessage))
	}
	p.mailbox.Close()
}

func (p *Pool) notifyPanic(info JobInfo, recovered interface{}) {
	if p.panicHandler == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			p.logger.Errorf("pool %s: panic handler panicked: %v", p.name, r)
		}
	}()
	p.panicHandler(info, recovered)
}

// Name returns the pool name.
func (p *Pool) Name() string {
	return p.name
}

// Size returns the fixed number of workers.
func (p *Pool) Size() int {
	return len(p.workers)
}

// State returns the lifecycle state.
func (p *Pool) State() PoolState {
	return PoolState(p.state.Load())
}

// QueueSize returns the number of messages waiting in the mailbox,
// including pending shutdown messages while draining.
func (p *Pool) QueueSize() int {
	return p.mailbox.Size()
}

// Workers returns a snapshot of every worker, in id order.
func (p *Pool) Workers() []WorkerInfo {
	out := make([]WorkerInfo, len(p.workers))
	for i, w := range p.workers {
		out[i] = w.info()
	}
	return out
}

// Stats returns current pool statistics.
func (p *Pool) Stats() PoolStats {
	submitted := p.submitted.Load()
	started := p.started.Load()
	return PoolStats{
		Name:      p.name,
		State:     p.State().String(),
		Workers:   len(p.workers),
		Busy:      int(p.busy.Load()),
		Queued:    submitted - started,
		Submitted: submitted,
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Panicked:  p.panicked.Load(),
	}
}
