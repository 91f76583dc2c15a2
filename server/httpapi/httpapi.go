// Package httpapi serves the operational HTTP endpoints: liveness and
// readiness probes plus the Prometheus metrics exposition.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/migadu/quotastatus/logger"
	"github.com/migadu/quotastatus/pkg/resilient"
)

type Server struct {
	addr       string
	rdb        *resilient.ResilientDatabase
	httpServer *http.Server
}

func New(addr string, rdb *resilient.ResilientDatabase) *Server {
	s := &Server{
		addr: addr,
		rdb:  rdb,
	}

	router := mux.NewRouter()
	router.HandleFunc("/healthz", s.handleHealthz).Methods("GET")
	router.HandleFunc("/readyz", s.handleReadyz).Methods("GET")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return s
}

func (s *Server) Start(errChan chan error) {
	logger.Info("HTTP server listening", "addr", s.addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		errChan <- err
	}
}

func (s *Server) Close() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP server shutdown failed", "error", err)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReadyz reports ready only when the backend answers a ping, so
// load balancers stop routing probes at a daemon that can only defer.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := s.rdb.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Debug("Failed to encode HTTP response", "error", err)
	}
}
