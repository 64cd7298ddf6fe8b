package concurrency

import (
	"context"
	"time"
)

// Job is a call-once unit of work. It captures whatever state it needs.
type Job func()

// Task is a unit of work that has a name and can fail.
//
// The worker calls Execute with the pool's base context (Config.Context)
// carrying the job id, which core.JobIDFrom reads back; logs and the audit
// trail use the same id. The context is not cancelled by Shutdown: an
// accepted task always runs to completion.
//
// A non-nil error is logged, counted as failed, and reported to observers
// with outcome "error". It is never retried. A panic or runtime.Goexit
// inside Execute is isolated like one in a plain Job.
type Task interface {
	Execute(ctx context.Context) error

	// Name labels the task in logs, metrics and events. It need not be
	// unique.
	Name() string
}

// defaultTaskName labels tasks that carry no name of their own.
const defaultTaskName = "task"

// TaskFunc adapts a function to Task. Every TaskFunc is named "task".
type TaskFunc func(ctx context.Context) error

func (f TaskFunc) Execute(ctx context.Context) error { return f(ctx) }

func (TaskFunc) Name() string { return defaultTaskName }

// NamedTask is a TaskFunc with its own name.
type NamedTask struct {
	name string
	fn   TaskFunc
}

// NewNamedTask labels fn with name. An empty name falls back to "task".
func NewNamedTask(name string, fn TaskFunc) NamedTask {
	if name == "" {
		name = defaultTaskName
	}
	return NamedTask{name: name, fn: fn}
}

func (t NamedTask) Execute(ctx context.Context) error { return t.fn(ctx) }

func (t NamedTask) Name() string { return t.name }

// JobInfo identifies a submitted job to observers and logs.
type JobInfo struct {
	ID          string
	Name        string
	SubmittedAt time.Time
}

// JobResult describes how a job ended on a worker.
type JobResult struct {
	WorkerID int
	Elapsed  time.Duration
	Err      error       // returned by a Task
	Panic    interface{} // recovered value, nil if the job did not panic
}

// Outcome is "panic", "error" or "ok".
func (r JobResult) Outcome() string {
	switch {
	case r.Panic != nil:
		return "panic"
	case r.Err != nil:
		return "error"
	default:
		return "ok"
	}
}

// envelope is what travels through the mailbox for a Work message.
type envelope struct {
	info JobInfo
	run  func(ctx context.Context) error
}
