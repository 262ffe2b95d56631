package main

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/linnemanlabs/go-core/httpmw"
	"github.com/linnemanlabs/go-core/log"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/linnemanlabs/ticketwarden/internal/postgres"
	"github.com/linnemanlabs/ticketwarden/internal/ticketapi"
)

const (
	healthyPath = "/-/healthy"
	readyPath   = "/-/ready"

	maxRequestBody = 256 * 1024
)

type apiHandlerOpts struct {
	logger           log.Logger
	api              *ticketapi.API
	healthz          http.HandlerFunc
	readyz           http.HandlerFunc
	metrics          func(http.Handler) http.Handler
	trustedProxyHops int
}

// newAPIHandler builds the router and wraps it, innermost first, so the
// outermost wrapper sees the raw request.
func newAPIHandler(o apiHandlerOpts) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Compress(5, "application/json"))

	// names the span and log fields after the chi route pattern
	r.Use(httpmw.AnnotateHTTPRoute)

	// method label for the db query histogram plus per-request query totals
	r.Use(postgres.RequestStats)

	r.Use(httpmw.AccessLog())
	r.Use(httpmw.MaxBody(maxRequestBody))

	r.Get(healthyPath, o.healthz)
	r.Get(readyPath, o.readyz)

	o.api.RegisterRoutes(r)

	var h http.Handler = r
	h = httpmw.WithLogger(o.logger)(h)
	h = httpmw.TraceResponseHeaders("X-Trace-Id", "X-Span-Id")(h)
	h = otelhttp.NewHandler(h, "http.server",
		otelhttp.WithFilter(func(r *http.Request) bool {
			return r.URL.Path != healthyPath && r.URL.Path != readyPath
		}),
		// renamed to the route pattern by AnnotateHTTPRoute
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
		otelhttp.WithPublicEndpointFn(func(_ *http.Request) bool { return true }),
	)
	if o.metrics != nil {
		h = o.metrics(h)
	}
	h = httpmw.ClientIPWithOptions(httpmw.ClientIPOptions{
		TrustedHops: o.trustedProxyHops,
	})(h)
	h = httpmw.RequestID("X-Request-Id")(h)
	h = httpmw.Recover(o.logger, nil)(h)
	h = httpmw.SecurityHeaders(h)
	return h
}

type stopFn struct {
	name string
	fn   func(context.Context) error
}

// shutdown runs each stop function in order with an equal slice of budget.
// Nil functions are skipped.
func shutdown(L log.Logger, budget time.Duration, fns []stopFn) {
	if len(fns) == 0 {
		return
	}
	perComponent := budget / time.Duration(len(fns))
	ctx, cancel := context.WithTimeout(context.Background(), budget)
	defer cancel()

	for _, s := range fns {
		if s.fn == nil {
			continue
		}
		cctx, ccancel := context.WithTimeout(ctx, perComponent)
		if err := s.fn(cctx); err != nil {
			L.Error(context.Background(), err, s.name+" shutdown")
		}
		ccancel()
	}
}
