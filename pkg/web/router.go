// Package web serves the admin HTTP surface of a worker pool over fasthttp:
// Prometheus metrics, JSON statistics, recent job runs and a health check.
package web

import (
	"sync"

	"github.com/valyala/fasthttp"
)

// FastMiddleware wraps a fasthttp handler.
type FastMiddleware func(next fasthttp.RequestHandler) fasthttp.RequestHandler

type routeKey struct {
	method string
	path   string
}

// Router dispatches on exact method and path.
type Router struct {
	mu         sync.RWMutex
	routes     map[routeKey]fasthttp.RequestHandler
	middleware []FastMiddleware
}

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{routes: make(map[routeKey]fasthttp.RequestHandler)}
}

// Use appends middleware. Middleware added first runs outermost.
func (r *Router) Use(mw ...FastMiddleware) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.middleware = append(r.middleware, mw...)
}

// GET registers handler for GET and HEAD on path.
func (r *Router) GET(path string, handler fasthttp.RequestHandler) {
	r.Route(fasthttp.MethodGet, path, handler)
	r.Route(fasthttp.MethodHead, path, handler)
}

// Route registers handler for method and path.
func (r *Router) Route(method, path string, handler fasthttp.RequestHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[routeKey{method, path}] = handler
}

// Handler returns the router with its middleware applied.
func (r *Router) Handler() fasthttp.RequestHandler {
	r.mu.RLock()
	h := fasthttp.RequestHandler(r.dispatch)
	for i := len(r.middleware) - 1; i >= 0; i-- {
		h = r.middleware[i](h)
	}
	r.mu.RUnlock()
	return h
}

func (r *Router) dispatch(ctx *fasthttp.RequestCtx) {
	r.mu.RLock()
	h, ok := r.routes[routeKey{string(ctx.Method()), string(ctx.Path())}]
	r.mu.RUnlock()

	if !ok {
		ctx.Error("Not Found", fasthttp.StatusNotFound)
		return
	}
	h(ctx)
}
