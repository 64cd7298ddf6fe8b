package tcp

import (
	"context"
	"net"
)

// ConnectionHandler handles a single TCP connection on a pool worker.
// The server closes the connection after the handler returns or panics.
// ctx carries the job id of the connection (core.JobIDFrom).
type ConnectionHandler func(ctx context.Context, conn net.Conn) error

// ServerMetrics provides TCP server counters. Rejected connections were
// closed at accept time, by backpressure or because the executor was shut
// down. Active connections are queued on the executor or being handled.
type ServerMetrics struct {
	TotalAccepted       int64 `json:"total_accepted"`
	RejectedConnections int64 `json:"rejected"`
	ActiveConnections   int64 `json:"active"`
	HandledConnections  int64 `json:"handled"`
	ErrorConnections    int64 `json:"errors"`
	MaxConnections      int   `json:"max_connections"`
	MaxActive           int   `json:"max_active"`
}
