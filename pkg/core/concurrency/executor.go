package concurrency

import (
	"context"
)

// Executor is the submission side of a pool as seen by collaborators such
// as the TCP accept loop.
type Executor interface {
	// Execute queues job for exactly one worker and returns immediately.
	// Returns ErrPoolClosed once shutdown has begun.
	Execute(job Job) error

	// Submit is Execute for a named Task.
	Submit(task Task) error

	// Shutdown stops accepting jobs and waits until every accepted job has
	// run and every worker has exited, or ctx is done.
	Shutdown(ctx context.Context) error
}

var _ Executor = (*Pool)(nil)
