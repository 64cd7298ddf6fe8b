package events

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fluxorio/threadpool/pkg/core"
	"github.com/fluxorio/threadpool/pkg/core/concurrency"
)

const (
	streamWriteWait = 5 * time.Second
	streamReadLimit = 512
)

// StreamConfig configures a Stream.
type StreamConfig struct {
	// Pool labels every event.
	Pool string

	// Buffer is the number of events queued per client before new events
	// are dropped for it. Default: 64.
	Buffer int

	// CheckOrigin is passed to the websocket upgrader. Default: the
	// upgrader's same-origin check.
	CheckOrigin func(r *http.Request) bool

	Logger core.Logger
}

// Stream is a concurrency.Observer that fans the same events the Publisher
// sends to NATS out to websocket clients, one JSON text message per event.
//
// Stream is an http.Handler; every request is upgraded to a websocket.
// Broadcasting never blocks a worker: a client whose queue is full misses
// the event.
type Stream struct {
	concurrency.NopObserver

	pool     string
	buffer   int
	upgrader websocket.Upgrader
	logger   core.Logger

	mu      sync.RWMutex
	clients map[*websocket.Conn]*streamClient
	closed  bool

	dropped atomic.Int64
}

type streamClient struct {
	conn *websocket.Conn
	send chan []byte
}

// NewStream creates a Stream with no clients.
func NewStream(cfg StreamConfig) *Stream {
	if cfg.Buffer <= 0 {
		cfg.Buffer = 64
	}
	if cfg.Logger == nil {
		cfg.Logger = core.NewDefaultLogger()
	}
	return &Stream{
		pool:     cfg.Pool,
		buffer:   cfg.Buffer,
		upgrader: websocket.Upgrader{CheckOrigin: cfg.CheckOrigin},
		logger:   cfg.Logger,
		clients:  make(map[*websocket.Conn]*streamClient),
	}
}

// ServeHTTP upgrades the request and registers the client.
func (s *Stream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		http.Error(w, "event stream closed", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already answered the request.
		s.logger.Warnf("events: websocket upgrade from %s: %v", r.RemoteAddr, err)
		return
	}
	conn.SetReadLimit(streamReadLimit)

	c := &streamClient{conn: conn, send: make(chan []byte, s.buffer)}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "event stream closed"),
			time.Now().Add(streamWriteWait))
		_ = conn.Close()
		return
	}
	s.clients[conn] = c
	s.mu.Unlock()

	s.logger.Debugf("events: websocket client %s connected", conn.RemoteAddr())
	go s.writeLoop(c)
	go s.readLoop(c)
}

// writeLoop is the only writer of data frames on c.conn. It ends when the
// client is removed.
func (s *Stream) writeLoop(c *streamClient) {
	defer c.conn.Close()

	for msg := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			s.logger.Debugf("events: write to %s: %v", c.conn.RemoteAddr(), err)
			s.removeClient(c)
			return
		}
	}
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, "event stream closed"),
		time.Now().Add(streamWriteWait))
}

// readLoop discards client frames; it exists to process control frames and
// to notice the client going away.
func (s *Stream) readLoop(c *streamClient) {
	defer s.removeClient(c)

	for {
		if _, _, err := c.conn.NextReader(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Warnf("events: websocket read from %s: %v", c.conn.RemoteAddr(), err)
			}
			return
		}
	}
}

// removeClient is idempotent. Closing send ends writeLoop, which closes the
// connection.
func (s *Stream) removeClient(c *streamClient) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[c.conn]; !ok {
		return
	}
	delete(s.clients, c.conn)
	close(c.send)
}

// JobFinished implements concurrency.Observer. Only failed and panicked jobs
// are streamed.
func (s *Stream) JobFinished(info concurrency.JobInfo, result concurrency.JobResult) {
	if ev, ok := jobEvent(s.pool, info, result); ok {
		s.broadcast(ev)
	}
}

// WorkerExited implements concurrency.Observer
func (s *Stream) WorkerExited(workerID int) {
	s.broadcast(workerExitedEvent(s.pool, workerID))
}

func (s *Stream) broadcast(ev Event) {
	data, err := core.JSONEncode(ev)
	if err != nil {
		s.logger.Errorf("events: encode %s: %v", ev.Type, err)
		return
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.clients {
		select {
		case c.send <- data:
		default:
			s.dropped.Add(1)
		}
	}
}

// Clients returns the number of connected clients.
func (s *Stream) Clients() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// Dropped returns how many per-client deliveries were skipped because the
// client's queue was full.
func (s *Stream) Dropped() int64 {
	return s.dropped.Load()
}

// Close disconnects every client after its queued events are written and
// refuses new ones. Safe to call more than once.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for conn, c := range s.clients {
		delete(s.clients, conn)
		close(c.send)
	}
	return nil
}
