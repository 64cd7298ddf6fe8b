// Package concurrency provides a fixed-size worker pool with an ordered,
// deterministic shutdown.
//
// A Pool owns N worker goroutines that share one unbounded FIFO mailbox. Each
// message in the mailbox is either a unit of work or a shutdown signal, and
// exactly one worker receives any given message.
//
//	pool := concurrency.New(4)
//	defer pool.Close()
//
//	if err := pool.Execute(func() { handle(conn) }); err != nil {
//	    // concurrency.ErrPoolClosed once shutdown has begun
//	}
//
// Execute never waits for a free worker. Close enqueues one shutdown message
// per worker behind every job already accepted, then joins the workers in id
// order, so it returns only after all accepted jobs have run.
//
// A job that panics is recovered at the worker boundary and logged; the
// worker keeps serving the mailbox and pool capacity never shrinks. The same
// holds for a job that calls runtime.Goexit, which is reported as
// ErrJobExited while the worker carries on from a new goroutine.
package concurrency
