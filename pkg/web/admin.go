package web

import (
	"context"
	"fmt"
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"

	"github.com/fluxorio/threadpool/pkg/core"
	"github.com/fluxorio/threadpool/pkg/core/concurrency"
	"github.com/fluxorio/threadpool/pkg/db"
	promexp "github.com/fluxorio/threadpool/pkg/observability/prometheus"
)

// PoolSource is the read side of a pool.
type PoolSource interface {
	State() concurrency.PoolState
	Stats() concurrency.PoolStats
	Workers() []concurrency.WorkerInfo
}

// RunLister reads the audit trail.
type RunLister interface {
	Recent(ctx context.Context, limit int) ([]db.Run, error)
}

// AdminConfig configures an AdminServer.
type AdminConfig struct {
	Pool PoolSource

	// Gatherer backs /metrics. Default: the prometheus package's DefaultRegistry.
	Gatherer prometheus.Gatherer

	// Runs backs /runs. Optional; /runs answers 404 without it.
	Runs RunLister

	// Extra values merged into /stats, keyed by section name. Each func is
	// called per request.
	Extra map[string]func() interface{}

	// Events backs /events, a websocket stream of pool events. Optional.
	Events http.Handler

	// APIKeyHash is a bcrypt hash. When set, every route but /healthz
	// requires a matching X-API-Key header or, if JWTSecret is also set, a
	// valid bearer token.
	APIKeyHash string

	// JWTSecret enables HS256 bearer tokens on every route but /healthz.
	JWTSecret []byte

	// RateLimit caps requests per second per client IP. 0 disables it.
	RateLimit float64

	Logger core.Logger
}

// AdminServer exposes /metrics, /stats, /runs, /events and /healthz.
type AdminServer struct {
	cfg    AdminConfig
	router *Router
	server *fasthttp.Server
	logger core.Logger
}

// NewAdminServer builds the routes. cfg.Pool is required.
func NewAdminServer(cfg AdminConfig) *AdminServer {
	if cfg.Logger == nil {
		cfg.Logger = core.NewDefaultLogger()
	}

	s := &AdminServer{cfg: cfg, router: NewRouter(), logger: cfg.Logger}
	s.router.Use(Recovery(cfg.Logger), Logging(cfg.Logger), SecurityHeaders())
	if cfg.RateLimit > 0 {
		s.router.Use(RateLimit(cfg.RateLimit, int(cfg.RateLimit)+1))
	}
	var creds []Credential
	if cfg.APIKeyHash != "" {
		creds = append(creds, APIKeyCredential(cfg.APIKeyHash))
	}
	if len(cfg.JWTSecret) > 0 {
		creds = append(creds, BearerCredential(cfg.JWTSecret))
	}
	if len(creds) > 0 {
		s.router.Use(RequireCredential([]string{"/healthz"}, creds...))
	}
	s.router.GET("/metrics", promexp.FastHTTPHandler(cfg.Gatherer))
	s.router.GET("/stats", s.handleStats)
	s.router.GET("/healthz", s.handleHealth)
	if cfg.Runs != nil {
		s.router.GET("/runs", s.handleRuns)
	}
	if cfg.Events != nil {
		s.router.GET("/events", fasthttpadaptor.NewFastHTTPHandler(cfg.Events))
	}

	s.server = &fasthttp.Server{
		Name:                  "threadpool-admin",
		Handler:               s.router.Handler(),
		NoDefaultServerHeader: true,
		ReduceMemoryUsage:     true,
	}
	return s
}

// Handler returns the routed handler, for tests and embedding.
func (s *AdminServer) Handler() fasthttp.RequestHandler {
	return s.server.Handler
}

// ListenAndServe serves on addr until Shutdown.
func (s *AdminServer) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("admin: listen %s: %w", addr, err)
	}
	return s.Serve(ln)
}

// Serve serves on ln until Shutdown.
func (s *AdminServer) Serve(ln net.Listener) error {
	s.logger.Infof("admin server listening on %s", ln.Addr())
	return s.server.Serve(ln)
}

// Shutdown stops the listener and waits for open requests.
func (s *AdminServer) Shutdown() error {
	return s.server.Shutdown()
}

type statsResponse struct {
	Pool    concurrency.PoolStats    `json:"pool"`
	Workers []concurrency.WorkerInfo `json:"workers"`
	Extra   map[string]interface{}   `json:"extra,omitempty"`
}

func (s *AdminServer) handleStats(ctx *fasthttp.RequestCtx) {
	resp := statsResponse{
		Pool:    s.cfg.Pool.Stats(),
		Workers: s.cfg.Pool.Workers(),
	}
	if len(s.cfg.Extra) > 0 {
		resp.Extra = make(map[string]interface{}, len(s.cfg.Extra))
		for name, fn := range s.cfg.Extra {
			resp.Extra[name] = fn()
		}
	}
	writeJSON(ctx, fasthttp.StatusOK, resp)
}

func (s *AdminServer) handleHealth(ctx *fasthttp.RequestCtx) {
	state := s.cfg.Pool.State()
	status := fasthttp.StatusOK
	if state != concurrency.PoolRunning {
		status = fasthttp.StatusServiceUnavailable
	}
	writeJSON(ctx, status, map[string]string{"state": state.String()})
}

func (s *AdminServer) handleRuns(ctx *fasthttp.RequestCtx) {
	limit := ctx.QueryArgs().GetUintOrZero("limit")
	if limit == 0 {
		limit = 50
	}
	if limit > 1000 {
		limit = 1000
	}

	runs, err := s.cfg.Runs.Recent(ctx, limit)
	if err != nil {
		s.logger.Errorf("admin: recent runs: %v", err)
		writeJSON(ctx, fasthttp.StatusInternalServerError, map[string]string{"error": "audit store unavailable"})
		return
	}
	if runs == nil {
		runs = []db.Run{}
	}
	writeJSON(ctx, fasthttp.StatusOK, runs)
}

func writeJSON(ctx *fasthttp.RequestCtx, status int, v interface{}) {
	body, err := core.JSONEncode(v)
	if err != nil {
		ctx.Error(`{"error":"encode"}`, fasthttp.StatusInternalServerError)
		return
	}
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}
