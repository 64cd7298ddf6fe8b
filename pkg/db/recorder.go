package db

import (
	"context"
	"fmt"
	"time"

	"github.com/fluxorio/threadpool/pkg/core"
	"github.com/fluxorio/threadpool/pkg/core/concurrency"
)

// Recorder is a concurrency.Observer that writes every finished job to a
// Store. Inserts run on a dedicated single-worker pool, so observed workers
// never wait on the database and rows are written in completion order.
type Recorder struct {
	concurrency.NopObserver

	store  *Store
	writer *concurrency.Pool
	logger core.Logger
}

// NewRecorder creates a Recorder writing to store.
func NewRecorder(store *Store, logger core.Logger) (*Recorder, error) {
	if logger == nil {
		logger = core.NewDefaultLogger()
	}
	writer, err := concurrency.NewWithConfig(concurrency.Config{
		Name:    "audit-writer",
		Workers: 1,
		Logger:  logger,
	})
	if err != nil {
		return nil, fmt.Errorf("audit: writer pool: %w", err)
	}
	return &Recorder{store: store, writer: writer, logger: logger}, nil
}

// JobFinished implements concurrency.Observer
func (r *Recorder) JobFinished(info concurrency.JobInfo, result concurrency.JobResult) {
	run := Run{
		ID:         info.ID,
		Name:       info.Name,
		WorkerID:   result.WorkerID,
		Duration:   result.Elapsed,
		Outcome:    result.Outcome(),
		FinishedAt: time.Now(),
	}
	switch {
	case result.Panic != nil:
		run.Error = fmt.Sprint(result.Panic)
	case result.Err != nil:
		run.Error = result.Err.Error()
	}

	err := r.writer.Submit(concurrency.NewNamedTask("audit-insert", func(ctx context.Context) error {
		return r.store.Insert(ctx, run)
	}))
	if err != nil {
		r.logger.Warnf("audit: dropped run %s: %v", run.ID, err)
	}
}

// Close waits for pending inserts. It does not close the Store.
func (r *Recorder) Close() error {
	return r.writer.Close()
}
