// Package metrics exposes optional Prometheus instrumentation. When the
// registry is never initialized every constructor returns nil and the
// nil-safe recorder methods cost a single pointer check, so runs without
// --metrics carry no overhead.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cubist-backup/cubist/internal/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	mu       sync.RWMutex
	registry *prometheus.Registry
)

// InitRegistry enables metrics collection. Call once, before building
// stores or engines, when the metrics server is configured on.
func InitRegistry() {
	mu.Lock()
	defer mu.Unlock()
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
}

// IsEnabled reports whether InitRegistry has been called.
func IsEnabled() bool {
	mu.RLock()
	defer mu.RUnlock()
	return registry != nil
}

// GetRegistry returns the shared registry. Panics if metrics are not
// enabled; gate calls with IsEnabled.
func GetRegistry() *prometheus.Registry {
	mu.RLock()
	defer mu.RUnlock()
	if registry == nil {
		panic("metrics: registry not initialized")
	}
	return registry
}

// Serve runs a /metrics HTTP endpoint until ctx is cancelled. Intended
// for long backup runs where an operator wants to watch progress; the
// server dies with the process, nothing persists.
func Serve(ctx context.Context, port int) error {
	if !IsEnabled() {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(GetRegistry(), promhttp.HandlerOpts{}))

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Info("metrics server listening", "port", port)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}
