// Package server wires the chi router, probes and metrics endpoint and runs
// the HTTP listener until the context is cancelled.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mohammed-shakir/listing-overlay/internal/core/health"
	middleware "github.com/mohammed-shakir/listing-overlay/internal/core/middleware"
	"github.com/mohammed-shakir/listing-overlay/internal/core/router"
)

type Deps struct {
	Overlay  router.Overlay
	Renderer router.Renderer
	// Consumer is optional; nil when invalidation is disabled.
	Consumer health.ReadinessReporter
	Checks   map[string]health.Check
	Metrics  http.Handler
}

func Handler(logger *slog.Logger, d Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recover(logger))
	r.Use(middleware.AccessLog(logger))
	r.Use(middleware.CORS())

	metrics := d.Metrics
	if metrics == nil {
		metrics = promhttp.Handler()
	}
	r.Get("/healthz", health.Liveness())
	r.Get("/readyz", health.Readiness(d.Consumer, d.Checks))
	r.Method(http.MethodGet, "/metrics", metrics)
	router.Mount(r, logger, d.Overlay, d.Renderer)
	return r
}

// Run serves on addr until ctx is done, then shuts down gracefully.
func Run(ctx context.Context, addr string, logger *slog.Logger, h http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http listen", "addr", addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
