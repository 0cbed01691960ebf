package metric

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/HomoYouDidnt/kloros-sub004/errors"
)

// Handler returns the scrape handler for a registry, for host processes
// that mount it on their own mux instead of running a dedicated Server.
func Handler(registry *Registry) http.Handler {
	return promhttp.HandlerFor(registry.Gatherer(), promhttp.HandlerOpts{})
}

// Server exposes a registry's metrics over HTTP for scraping.
type Server struct {
	addr     string
	path     string
	registry *Registry
	log      *slog.Logger

	mu     sync.Mutex
	server *http.Server
}

// NewServer creates a metrics server. An empty path defaults to
// /metrics.
func NewServer(addr, path string, registry *Registry, log *slog.Logger) *Server {
	if path == "" {
		path = "/metrics"
	}
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		addr:     addr,
		path:     path,
		registry: registry,
		log:      log,
	}
}

// Start serves the metrics endpoint. It blocks until Stop or a listener
// failure.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.server != nil {
		s.mu.Unlock()
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Server", "Start", "start metrics server")
	}
	if s.registry == nil {
		s.mu.Unlock()
		return errors.WrapFatal(errors.ErrMissingConfig, "Server", "Start", "nil registry")
	}

	mux := http.NewServeMux()
	mux.Handle(s.path, Handler(s.registry))
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"healthy","timestamp":%q}`, time.Now().UTC().Format(time.RFC3339))
	})

	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	server := s.server
	s.mu.Unlock()

	s.log.Info("metrics server listening", "component", "metric.Server", "addr", s.addr, "path", s.path)

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return errors.WrapFatal(err, "Server", "Start", "serve "+s.addr)
	}
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	server := s.server
	s.server = nil
	s.mu.Unlock()

	if server == nil {
		return nil
	}
	if err := server.Shutdown(ctx); err != nil {
		return errors.WrapTransient(err, "Server", "Stop", "shutdown")
	}
	return nil
}
