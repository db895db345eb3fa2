// Package api is the HTTP face of the relay: the single-request endpoint,
// the fan-out streaming endpoint, health, and metrics. It owns no
// correlation state; everything routes through the mux bridge.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"jsonrpc-relay/daemon/internal/config"
	"jsonrpc-relay/daemon/internal/engine"
	"jsonrpc-relay/daemon/internal/mux"
	"jsonrpc-relay/daemon/internal/platform/metrics"
)

type Server struct {
	cfg    config.Config
	node   *engine.Node
	bridge *mux.Bridge
	log    zerolog.Logger

	limiter *rateLimiter
	streams *streamLimiter

	httpServer *http.Server
}

func NewServer(cfg config.Config, node *engine.Node, bridge *mux.Bridge, log zerolog.Logger) *Server {
	s := &Server{
		cfg:     cfg,
		node:    node,
		bridge:  bridge,
		log:     log,
		limiter: newRateLimiter(cfg.HTTP.RateLimit),
		streams: newStreamLimiter(cfg.HTTP.Streams),
	}
	s.httpServer = &http.Server{
		Addr:              cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) Handler() http.Handler {
	router := http.NewServeMux()
	router.HandleFunc("/healthz", s.instrument("healthz", s.handleHealth))
	router.HandleFunc("/rpc", s.instrument("rpc", s.handleRPC))
	router.HandleFunc("/rpc/stream", s.handleRPCStream)
	router.Handle("/metrics", promhttp.Handler())
	return router
}

// Run serves until ctx is cancelled, then drains with a 5s grace.
func (s *Server) Run(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return nil
	default:
	}

	errCh := make(chan error, 1)
	go func() {
		err := s.httpServer.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			errCh <- nil
			return
		}
		errCh <- err
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return <-errCh
	case err := <-errCh:
		return err
	}
}

// instrument records request count and duration per route. The stream route
// is excluded: wrapping its ResponseWriter would hide the flusher the SSE
// upgrade needs.
func (s *Server) instrument(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r)
		metrics.RecordHTTPRequest(route, rec.status, time.Since(start))
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !s.applyCORS(w, r) {
		return
	}
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	status := s.node.Status()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":  "ok",
		"engine":  status.State,
		"pending": s.bridge.Router().PendingCount(),
	})
}

// applyCORS admits localhost origins only. The relay fronts a local engine;
// it is not meant to be reachable cross-origin.
func (s *Server) applyCORS(w http.ResponseWriter, r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin != "" && !s.isAllowedOrigin(origin) {
		http.Error(w, "origin is not allowed", http.StatusForbidden)
		return false
	}
	if origin != "" {
		w.Header().Set("Access-Control-Allow-Origin", origin)
	}
	w.Header().Set("Vary", "Origin")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Accept")
	return true
}

func (s *Server) isAllowedOrigin(raw string) bool {
	if raw == "null" {
		return s.cfg.HTTP.AllowNullOrigin
	}
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	switch strings.TrimSpace(u.Hostname()) {
	case "localhost", "127.0.0.1", "::1":
		return true
	default:
		return false
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
