package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"diarist/internal/logging"
)

// diagnosticsServer serves Prometheus metrics and a health probe. A nil
// server is valid and does nothing.
type diagnosticsServer struct {
	bind   string
	logger *slog.Logger
	daemon *Daemon

	mu       sync.Mutex
	listener net.Listener
	server   *http.Server
}

func newDiagnosticsServer(bind string, d *Daemon, logger *slog.Logger) *diagnosticsServer {
	if bind == "" || d == nil || d.metrics == nil {
		return nil
	}
	return &diagnosticsServer{bind: bind, logger: logger, daemon: d}
}

func (s *diagnosticsServer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", s.daemon.metrics.Handler())
	mux.HandleFunc("/healthz", s.handleHealth)
	return mux
}

func (s *diagnosticsServer) start(ctx context.Context) error {
	if s == nil {
		return nil
	}
	listener, err := net.Listen("tcp", s.bind)
	if err != nil {
		return fmt.Errorf("metrics listen: %w", err)
	}
	server := &http.Server{
		Handler:           s.handler(),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	s.mu.Lock()
	s.listener = listener
	s.server = server
	s.mu.Unlock()

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("metrics server error",
				logging.Error(err),
				logging.String(logging.FieldEventType, "metrics_server_failed"),
			)
		}
	}()
	s.logger.Info("metrics listening", logging.String("address", listener.Addr().String()))
	return nil
}

func (s *diagnosticsServer) stop() {
	if s == nil {
		return
	}
	s.mu.Lock()
	server := s.server
	s.server = nil
	s.listener = nil
	s.mu.Unlock()
	if server == nil {
		return
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
}

func (s *diagnosticsServer) addr() string {
	if s == nil {
		return ""
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *diagnosticsServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
		return
	}
	status := s.daemon.Status(r.Context())
	code := http.StatusOK
	if !status.Running || status.Engine.ScanError != "" {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(status); err != nil {
		s.logger.Debug("health response write failed", logging.Error(err))
	}
}
