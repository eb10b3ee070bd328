// Package server exposes the HTTP API: health and readiness probes,
// Prometheus metrics, live race-room status, the upcoming schedule and a
// staff endpoint for closing rooms. Every request gets a correlation id
// for consistent logging.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Options configure the middleware around the routes.
type Options struct {
	AdminToken    string
	AdminUsername string
	AdminPassword string

	RateLimitDisabled bool
	// RateLimitRequests per RateLimitWindow per client IP on admin routes.
	RateLimitRequests int
	RateLimitWindow   time.Duration

	CORSPermissive bool
	CORSOrigins    []string
}

// NewMux returns the HTTP handler with all routes. ctx bounds the rate
// limiter's cleanup goroutine.
func NewMux(ctx context.Context, h *Handlers, opts Options) http.Handler {
	limiter := newIPRateLimiter(ctx, newRateLimiterConfig(opts))
	auth := newAuthConfig(opts)
	admin := func(fn http.HandlerFunc) http.Handler {
		return adminAuth(rateLimitMiddleware(fn, limiter), auth)
	}

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", h.HandleHealthz)
	mux.HandleFunc("GET /readyz", h.HandleReadyz)
	mux.HandleFunc("GET /status", h.HandleStatus)
	mux.HandleFunc("GET /schedule", h.HandleSchedule)
	mux.Handle("POST /admin/rooms/{channel}/close", admin(h.HandleCloseRoom))

	return withCORSConfig(withObservability(mux), newCORSConfig(opts))
}

// Start serves handler on addr and shuts down gracefully when ctx is
// cancelled.
func Start(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("http server shutdown error", slog.Any("err", err), slog.String("component", "http"))
		}
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("http server error", slog.Any("err", err), slog.String("component", "http"))
		return err
	}
	return nil
}
