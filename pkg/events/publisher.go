// Package events turns notable pool events (job panics, task failures,
// worker exits) into JSON messages, published to NATS or streamed to
// websocket clients.
package events

import (
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/fluxorio/threadpool/pkg/core"
	"github.com/fluxorio/threadpool/pkg/core/concurrency"
)

// Event types, appended to the subject prefix.
const (
	TypeJobPanicked  = "job.panicked"
	TypeJobFailed    = "job.failed"
	TypeWorkerExited = "worker.exited"
)

// HeaderJobID carries the job id on job events.
const HeaderJobID = "X-Job-ID"

// Event is the JSON body of every published message.
type Event struct {
	Type     string    `json:"type"`
	Pool     string    `json:"pool"`
	WorkerID int       `json:"worker_id"`
	JobID    string    `json:"job_id,omitempty"`
	JobName  string    `json:"job_name,omitempty"`
	Error    string    `json:"error,omitempty"`
	At       time.Time `json:"at"`
}

// Config configures a Publisher.
type Config struct {
	// URL is the NATS server URL. Default: nats.DefaultURL.
	URL string

	// Subject is the subject prefix. Default: "threadpool".
	Subject string

	// Name is an optional NATS connection name.
	Name string

	// Pool labels every event.
	Pool string

	Logger core.Logger
}

// Publisher is a concurrency.Observer that turns pool callbacks into NATS
// messages on <subject>.<type>.
type Publisher struct {
	concurrency.NopObserver

	nc      *nats.Conn
	subject string
	pool    string
	logger  core.Logger
}

// NewPublisher connects to NATS.
func NewPublisher(cfg Config) (*Publisher, error) {
	url := cfg.URL
	if url == "" {
		url = nats.DefaultURL
	}
	subject := cfg.Subject
	if subject == "" {
		subject = "threadpool"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = core.NewDefaultLogger()
	}

	nc, err := nats.Connect(url, func(o *nats.Options) error {
		if cfg.Name != "" {
			o.Name = cfg.Name
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("events: connect %s: %w", url, err)
	}

	return &Publisher{
		nc:      nc,
		subject: subject,
		pool:    cfg.Pool,
		logger:  logger,
	}, nil
}

// JobFinished implements concurrency.Observer. Only failed and panicked jobs
// are published.
func (p *Publisher) JobFinished(info concurrency.JobInfo, result concurrency.JobResult) {
	if ev, ok := jobEvent(p.pool, info, result); ok {
		p.publish(ev)
	}
}

// WorkerExited implements concurrency.Observer
func (p *Publisher) WorkerExited(workerID int) {
	p.publish(workerExitedEvent(p.pool, workerID))
}

// jobEvent reports false for jobs that completed normally.
func jobEvent(pool string, info concurrency.JobInfo, result concurrency.JobResult) (Event, bool) {
	ev := Event{
		Pool:     pool,
		WorkerID: result.WorkerID,
		JobID:    info.ID,
		JobName:  info.Name,
		At:       time.Now().UTC(),
	}
	switch {
	case result.Panic != nil:
		ev.Type = TypeJobPanicked
		ev.Error = fmt.Sprint(result.Panic)
	case result.Err != nil:
		ev.Type = TypeJobFailed
		ev.Error = result.Err.Error()
	default:
		return Event{}, false
	}
	return ev, true
}

func workerExitedEvent(pool string, workerID int) Event {
	return Event{
		Type:     TypeWorkerExited,
		Pool:     pool,
		WorkerID: workerID,
		At:       time.Now().UTC(),
	}
}

// publish hands the event to the client's outbound buffer; it does not wait
// for the server.
func (p *Publisher) publish(ev Event) {
	data, err := core.JSONEncode(ev)
	if err != nil {
		p.logger.Errorf("events: encode %s: %v", ev.Type, err)
		return
	}

	msg := &nats.Msg{
		Subject: p.subject + "." + ev.Type,
		Data:    data,
		Header:  nats.Header{},
	}
	if ev.JobID != "" {
		msg.Header.Set(HeaderJobID, ev.JobID)
	}
	if err := p.nc.PublishMsg(msg); err != nil {
		p.logger.Warnf("events: publish %s: %v", msg.Subject, err)
	}
}

// Close flushes buffered events and drains the connection.
func (p *Publisher) Close() error {
	if err := p.nc.FlushTimeout(5 * time.Second); err != nil {
		p.logger.Warnf("events: flush: %v", err)
	}
	if err := p.nc.Drain(); err != nil {
		return fmt.Errorf("events: drain: %w", err)
	}
	return nil
}
