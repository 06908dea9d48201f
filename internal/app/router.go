// Package app wires the HTTP edge together and hosts the background loops
// that keep the system healthy.
package app

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	httpserver "github.com/flowtrade/order-engine/internal/adapter/httpserver"
	"github.com/flowtrade/order-engine/internal/observability"
)

// BuildRouter constructs the HTTP handler with all middlewares and routes.
// The stream endpoint shares the /orders/execute path with submission: a GET
// with an upgrade header opens the WebSocket, a POST submits.
func BuildRouter(srv *httpserver.Server) http.Handler {
	r := chi.NewRouter()
	r.Use(httpserver.Recoverer())
	r.Use(func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, "http.server")
	})
	r.Use(httpserver.RequestID())
	r.Use(httpserver.AccessLog())
	r.Use(observability.HTTPMetricsMiddleware)

	r.Post("/orders/execute", srv.ExecuteOrder())
	if srv.Stream != nil {
		r.Get("/orders/execute", srv.Stream.ServeHTTP)
	}
	r.Get("/orders/{id}", srv.GetOrder())

	r.Get("/health", srv.Health())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Get("/readyz", srv.Health())
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) { promhttp.Handler().ServeHTTP(w, r) })

	return httpserver.SecurityHeaders(r)
}
