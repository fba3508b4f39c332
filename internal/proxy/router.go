package proxy

import (
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"
)

// RouteHandler is a fasthttp handler function.
type RouteHandler = fasthttp.RequestHandler

// ManagementRoutes holds optional management API handler functions
// that are registered alongside the dispatch route.
type ManagementRoutes struct {
	Metrics RouteHandler
}

// Start starts the HTTP server on addr (e.g. ":80") without a /metrics
// route; StartWithRoutes takes the management routes.
func (g *Gateway) Start(addr string) error {
	return g.StartWithRoutes(addr, nil)
}

// StartWithRoutes starts the HTTP server with optional management routes.
// GET /powerproxy/health/liveness answers the liveness probe; GET /metrics
// (if configured) serves Prometheus exposition; every other GET/POST path
// is handed to the dispatch engine regardless of its shape.
func (g *Gateway) StartWithRoutes(addr string, mgmt *ManagementRoutes) error {
	r := router.New()

	r.GET("/powerproxy/health/liveness", handleLiveness)
	if mgmt != nil && mgmt.Metrics != nil {
		r.GET("/metrics", mgmt.Metrics)
	}
	r.NotFound = g.Handle
	r.GET("/{path:*}", g.Handle)
	r.POST("/{path:*}", g.Handle)

	handler := applyMiddleware(r.Handler,
		recovery,
		requestID,
		timing,
		corsHandler(nil),
		securityHeaders,
	)

	srv := &fasthttp.Server{
		Handler:      handler,
		ReadTimeout:  120 * time.Second,
		WriteTimeout: 120 * time.Second,
	}

	return srv.ListenAndServe(addr)
}

// handleLiveness answers the Kubernetes-style liveness probe with 204 No
// Content.
func handleLiveness(ctx *fasthttp.RequestCtx) {
	ctx.SetStatusCode(fasthttp.StatusNoContent)
}
