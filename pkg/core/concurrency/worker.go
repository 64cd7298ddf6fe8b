package concurrency

import (
	"context"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/fluxorio/threadpool/pkg/core"
)

// WorkerState is the position of a worker in its state machine:
// Idle -> Executing -> Idle, and Idle -> Terminated.
type WorkerState int32

const (
	WorkerIdle WorkerState = iota
	WorkerExecuting
	WorkerTerminated
)

func (s WorkerState) String() string {
	switch s {
	case WorkerIdle:
		return "idle"
	case WorkerExecuting:
		return "executing"
	case WorkerTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// WorkerInfo is a snapshot of one worker.
type WorkerInfo struct {
	ID       int         `json:"id"`
	State    WorkerState `json:"-"`
	Status   string      `json:"state"`
	JobsRun  int64       `json:"jobs_run"`
	Panics   int64       `json:"panics"`
	Restarts int64       `json:"restarts"`
	Joins    int32       `json:"joins"`
}

// Worker is one logical worker consuming the pool's mailbox. It normally
// lives on a single goroutine; a job that exits its goroutine with
// runtime.Goexit gets the worker moved to a fresh one.
type Worker struct {
	id    int
	state atomic.Int32

	jobsRun  atomic.Int64
	panics   atomic.Int64
	restarts atomic.Int64
	joins    atomic.Int32

	// done is the join handle. It is closed when the worker has consumed
	// its Shutdown message and is set to nil by the pool once joined; only
	// touched under Pool.joinMu.
	done chan struct{}
}

func newWorker(id int) *Worker {
	return &Worker{id: id}
}

// ID returns the worker id, 0..N-1.
func (w *Worker) ID() int {
	return w.id
}

// State returns the current state.
func (w *Worker) State() WorkerState {
	return WorkerState(w.state.Load())
}

func (w *Worker) info() WorkerInfo {
	state := w.State()
	return WorkerInfo{
		ID:       w.id,
		State:    state,
		Status:   state.String(),
		JobsRun:  w.jobsRun.Load(),
		Panics:   w.panics.Load(),
		Restarts: w.restarts.Load(),
		Joins:    w.joins.Load(),
	}
}

// start launches the worker. Called once, from the pool constructor.
func (w *Worker) start(p *Pool) {
	done := make(chan struct{})
	w.done = done
	w.spawn(p, done)
}

// spawn runs the receive loop on a new goroutine. If the goroutine ends
// without the loop returning, a job called runtime.Goexit: the worker
// continues on a new goroutine so pool capacity stays N.
func (w *Worker) spawn(p *Pool, done chan struct{}) {
	go func() {
		stopped := false
		defer func() {
			if !stopped {
				w.restarts.Add(1)
				p.logger.Warnf("pool %s: worker %d restarted on a new goroutine", p.name, w.id)
				w.spawn(p, done)
				return
			}
			close(done)
		}()

		w.loop(p)
		w.state.Store(int32(WorkerTerminated))
		p.observer.WorkerExited(w.id)
		stopped = true
	}()
}

func (w *Worker) loop(p *Pool) {
	for {
		// Workers leave only on a Shutdown message, never on cancellation.
		msg, err := p.mailbox.Receive(context.Background())
		if err != nil {
			// Unreachable: every worker's Shutdown is queued before the
			// mailbox is sealed.
			p.logger.Errorf("pool %s: worker %d: receive failed: %v", p.name, w.id, err)
			return
		}

		switch msg.kind {
		case msgShutdown:
			p.logger.Debugf("pool %s: worker %d was told to terminate", p.name, w.id)
			return
		case msgWork:
			w.execute(p, msg.job)
		}
	}
}

// execute runs one job. The bookkeeping is deferred so that it also runs
// when the job exits its goroutine.
func (w *Worker) execute(p *Pool, job *envelope) {
	w.state.Store(int32(WorkerExecuting))
	p.started.Add(1)
	p.busy.Add(1)
	p.logger.Debugf("pool %s: worker %d got job %s (%s)", p.name, w.id, job.info.ID, job.info.Name)
	p.observer.JobStarted(job.info, w.id)

	result := JobResult{WorkerID: w.id}
	start := time.Now()
	defer func() {
		result.Elapsed = time.Since(start)
		w.jobsRun.Add(1)
		p.busy.Add(-1)
		p.completed.Add(1)
		p.observer.JobFinished(job.info, result)
		w.state.Store(int32(WorkerIdle))
	}()

	w.invoke(p, job, &result)
}

// invoke runs the job with fault isolation: a panic or a runtime.Goexit
// ends the job, not the worker.
func (w *Worker) invoke(p *Pool, job *envelope, result *JobResult) {
	returned := false
	defer func() {
		r := recover()
		switch {
		case r != nil:
			result.Panic = r
			p.logger.Errorf("pool %s: worker %d: job %s (%s) panicked (isolated): %v\n%s",
				p.name, w.id, job.info.ID, job.info.Name, r, debug.Stack())
		case !returned:
			result.Panic = ErrJobExited
			p.logger.Errorf("pool %s: worker %d: job %s (%s) exited its goroutine (isolated)",
				p.name, w.id, job.info.ID, job.info.Name)
		default:
			return
		}
		w.panics.Add(1)
		p.panicked.Add(1)
		p.notifyPanic(job.info, result.Panic)
	}()

	ctx := core.WithJobID(p.ctx, job.info.ID)
	if err := job.run(ctx); err != nil {
		result.Err = err
		p.failed.Add(1)
		p.logger.Errorf("pool %s: worker %d: task %s failed: %v", p.name, w.id, job.info.Name, err)
	}
	returned = true
}
