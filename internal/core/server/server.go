package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mohammed-shakir/grid-select/internal/core/config"
	"github.com/mohammed-shakir/grid-select/internal/core/health"
	middleware "github.com/mohammed-shakir/grid-select/internal/core/middleware"
	"github.com/mohammed-shakir/grid-select/internal/core/router"
)

// Deps are the collaborators the HTTP surface serves.
type Deps struct {
	Registry router.Registry
	Builder  router.Builder
	// Metrics defaults to the default prometheus gatherer.
	Metrics http.Handler
	Ready   []health.ReadinessReporter
}

// NewHandler builds the chi router with every route mounted.
func NewHandler(cfg config.Config, logger *slog.Logger, deps Deps) http.Handler {
	metrics := deps.Metrics
	if metrics == nil {
		metrics = promhttp.Handler()
	}

	r := chi.NewRouter()
	r.Use(middleware.Recover())
	r.Use(middleware.Logging(logger))
	r.Use(middleware.Metrics())
	r.Use(middleware.CORS())

	r.Get("/healthz", health.Liveness())
	r.Get("/readyz", health.Readiness(deps.Ready...))
	r.Method(http.MethodGet, "/metrics", metrics)
	router.Mount(r, logger, cfg, deps.Registry, deps.Builder)
	return r
}

// sets up http and starts serving
func Run(ctx context.Context, cfg config.Config, logger *slog.Logger, deps Deps) error {
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           NewHandler(cfg, logger, deps),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http listen", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		return err
	}
}
