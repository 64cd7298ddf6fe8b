// Package static serves the two pages of the demo web server over a raw
// connection: one HTTP request in, one response out, then the connection is
// closed.
package static

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/fluxorio/threadpool/pkg/core"
)

const (
	pageHello    = "hello.html"
	pageNotFound = "404.html"
)

// Config configures a Handler.
type Config struct {
	// Root is the directory holding hello.html and 404.html.
	Root string

	// SleepDelay is how long GET /sleep waits before answering. Default: 5s.
	SleepDelay time.Duration

	Logger core.Logger
}

// Handler answers GET / and GET /sleep with hello.html and everything else
// with 404.html.
type Handler struct {
	root   string
	sleep  time.Duration
	logger core.Logger
}

// NewHandler creates a Handler.
func NewHandler(cfg Config) *Handler {
	if cfg.Root == "" {
		cfg.Root = "public"
	}
	if cfg.SleepDelay <= 0 {
		cfg.SleepDelay = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = core.NewDefaultLogger()
	}
	return &Handler{root: cfg.Root, sleep: cfg.SleepDelay, logger: cfg.Logger}
}

// ServeConn reads one request from conn and writes the response. It matches
// the tcp.ConnectionHandler signature.
func (h *Handler) ServeConn(ctx context.Context, conn net.Conn) error {
	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(resp)

	if err := req.Read(bufio.NewReader(conn)); err != nil {
		return fmt.Errorf("read request: %w", err)
	}

	status, page := h.route(ctx, req)
	h.render(resp, status, page)
	h.logger.Debugf("%s %s -> %d (job %s)", req.Header.Method(), req.URI().Path(), resp.StatusCode(), core.JobIDFrom(ctx))

	bw := bufio.NewWriter(conn)
	if err := resp.Write(bw); err != nil {
		return fmt.Errorf("write response: %w", err)
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("write response: %w", err)
	}
	return nil
}

func (h *Handler) route(ctx context.Context, req *fasthttp.Request) (int, string) {
	if !req.Header.IsGet() {
		return fasthttp.StatusNotFound, pageNotFound
	}

	switch string(req.URI().Path()) {
	case "/":
		return fasthttp.StatusOK, pageHello
	case "/sleep":
		select {
		case <-time.After(h.sleep):
		case <-ctx.Done():
		}
		return fasthttp.StatusOK, pageHello
	default:
		return fasthttp.StatusNotFound, pageNotFound
	}
}

func (h *Handler) render(resp *fasthttp.Response, status int, page string) {
	resp.SetConnectionClose()

	// #nosec G304 -- page is one of two constants joined to the configured root.
	body, err := os.ReadFile(filepath.Join(h.root, page))
	if err != nil {
		h.logger.Errorf("static: %v", err)
		resp.SetStatusCode(fasthttp.StatusInternalServerError)
		resp.Header.SetContentType("text/plain; charset=utf-8")
		resp.SetBodyString(fasthttp.StatusMessage(fasthttp.StatusInternalServerError))
		return
	}

	resp.SetStatusCode(status)
	resp.Header.SetContentType("text/html; charset=utf-8")
	resp.SetBody(body)
}
