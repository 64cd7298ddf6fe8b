package concurrency

import (
	"github.com/fluxorio/threadpool/pkg/core"
)

// Observer receives pool lifecycle callbacks.
//
// JobSubmitted runs on the submitting goroutine; the other callbacks run on
// the worker goroutine, so implementations must be safe for concurrent use
// and must not block for long. A callback that panics is recovered and
// logged by the pool; the job and the worker are unaffected.
type Observer interface {
	JobSubmitted(info JobInfo)
	JobStarted(info JobInfo, workerID int)
	JobFinished(info JobInfo, result JobResult)
	WorkerExited(workerID int)
}

// NopObserver ignores every callback. Embed it to implement a subset.
type NopObserver struct{}

func (NopObserver) JobSubmitted(JobInfo)           {}
func (NopObserver) JobStarted(JobInfo, int)        {}
func (NopObserver) JobFinished(JobInfo, JobResult) {}
func (NopObserver) WorkerExited(int)               {}

type multiObserver []Observer

// Observers fans callbacks out to every non-nil observer, in order.
func Observers(obs ...Observer) Observer {
	out := make(multiObserver, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			out = append(out, o)
		}
	}
	switch len(out) {
	case 0:
		return NopObserver{}
	case 1:
		return out[0]
	}
	return out
}

func (m multiObserver) JobSubmitted(info JobInfo) {
	for _, o := range m {
		o.JobSubmitted(info)
	}
}

func (m multiObserver) JobStarted(info JobInfo, workerID int) {
	for _, o := range m {
		o.JobStarted(info, workerID)
	}
}

func (m multiObserver) JobFinished(info JobInfo, result JobResult) {
	for _, o := range m {
		o.JobFinished(info, result)
	}
}

func (m multiObserver) WorkerExited(workerID int) {
	for _, o := range m {
		o.WorkerExited(workerID)
	}
}

// guardedObserver recovers panics from one observer so they reach neither
// the submitting goroutine nor the worker.
type guardedObserver struct {
	next   Observer
	pool   string
	logger core.Logger
}

// guardObserver wraps obs, and each member of a fan-out separately so one
// failing observer does not starve the others.
func guardObserver(obs Observer, pool string, logger core.Logger) Observer {
	switch o := obs.(type) {
	case NopObserver:
		return o
	case multiObserver:
		out := make(multiObserver, len(o))
		for i, member := range o {
			out[i] = guardedObserver{next: member, pool: pool, logger: logger}
		}
		return out
	default:
		return guardedObserver{next: obs, pool: pool, logger: logger}
	}
}

func (g guardedObserver) call(callback string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.Errorf("pool %s: observer %T %s panicked (ignored): %v", g.pool, g.next, callback, r)
		}
	}()
	fn()
}

func (g guardedObserver) JobSubmitted(info JobInfo) {
	g.call("JobSubmitted", func() { g.next.JobSubmitted(info) })
}

func (g guardedObserver) JobStarted(info JobInfo, workerID int) {
	g.call("JobStarted", func() { g.next.JobStarted(info, workerID) })
}

func (g guardedObserver) JobFinished(info JobInfo, result JobResult) {
	g.call("JobFinished", func() { g.next.JobFinished(info, result) })
}

func (g guardedObserver) WorkerExited(workerID int) {
	g.call("WorkerExited", func() { g.next.WorkerExited(workerID) })
}
