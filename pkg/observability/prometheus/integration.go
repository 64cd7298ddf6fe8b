package prometheus

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// Handler returns the exposition handler for gatherer.
// A nil gatherer means DefaultRegistry.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	if gatherer == nil {
		gatherer = DefaultRegistry
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// FastHTTPHandler is Handler adapted to fasthttp.
func FastHTTPHandler(gatherer prometheus.Gatherer) fasthttp.RequestHandler {
	return fasthttpadaptor.NewFastHTTPHandler(Handler(gatherer))
}
