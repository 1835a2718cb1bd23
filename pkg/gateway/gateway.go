// Package gateway serves the HTTP side of a node: prometheus metrics,
// health probes and read-only JSON views that proxy to the gRPC API.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/hashicorp/go-hclog"
	pb "github.com/pixperk/tessera/api/v1"
	"github.com/pixperk/tessera/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const requestTimeout = 5 * time.Second

type Server struct {
	httpServer *http.Server
	coord      *pb.CoordinatorClient
	log        hclog.Logger
}

// coord is usually a loopback client to this node's own gRPC listener
func NewServer(httpAddr string, coord *pb.CoordinatorClient, gatherer prometheus.Gatherer, logger hclog.Logger) *Server {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	s := &Server{coord: coord, log: logger}

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /healthz", s.healthz)
	mux.HandleFunc("GET /status", s.status)
	mux.HandleFunc("GET /v1/locks/{tier}/{resource}", s.getLock)
	mux.HandleFunc("GET /v1/kv/{tier}/{key}", s.getKeyValue)

	s.httpServer = &http.Server{
		Addr:              httpAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// blocks until Stop, returns nil on a clean shutdown
func (s *Server) Start(ctx context.Context) error {
	s.log.Info("http gateway listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start HTTP gateway: %w", err)
	}
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	if _, err := s.coord.GetStatus(ctx, &pb.GetStatusRequest{}); err != nil {
		s.writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	resp, err := s.coord.GetStatus(ctx, &pb.GetStatusRequest{})
	if err != nil {
		s.writeError(w, http.StatusBadGateway, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) getLock(w http.ResponseWriter, r *http.Request) {
	tier, err := types.ParseTier(r.PathValue("tier"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	resp, err := s.coord.GetLock(ctx, &pb.GetLockRequest{Resource: r.PathValue("resource"), Tier: tier})
	if err != nil {
		s.writeError(w, http.StatusBadGateway, err)
		return
	}

	code := http.StatusOK
	switch resp.Type {
	case types.LockResponseDoesNotExist:
		code = http.StatusNotFound
	case types.LockResponseMustRetry:
		code = http.StatusServiceUnavailable
	case types.LockResponseErrored:
		code = http.StatusBadGateway
	}
	s.writeJSON(w, code, resp)
}

func (s *Server) getKeyValue(w http.ResponseWriter, r *http.Request) {
	tier, err := types.ParseTier(r.PathValue("tier"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	resp, err := s.coord.TryGetKeyValue(ctx, &pb.TryGetKeyValueRequest{Key: r.PathValue("key"), Tier: tier})
	if err != nil {
		s.writeError(w, http.StatusBadGateway, err)
		return
	}

	code := http.StatusOK
	switch resp.Type {
	case types.KeyValueResponseDoesNotExist:
		code = http.StatusNotFound
	case types.KeyValueResponseMustRetry:
		code = http.StatusServiceUnavailable
	case types.KeyValueResponseErrored:
		code = http.StatusBadGateway
	}
	s.writeJSON(w, code, resp)
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn("failed to write response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, code int, err error) {
	s.writeJSON(w, code, map[string]string{"error": err.Error()})
}
