// Package httpmetrics provides HTTP-based metrics exposition for monitoring.
// This package implements HTTP endpoints for metrics in JSON and Prometheus
// formats plus a health endpoint backed by the swarm health monitor.
package httpmetrics

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/opd-ai/torswarm/pkg/health"
	"github.com/opd-ai/torswarm/pkg/logger"
	"github.com/opd-ai/torswarm/pkg/metrics"
)

// MetricsProvider interface for getting metrics
type MetricsProvider interface {
	Snapshot() *metrics.Snapshot
}

// HealthProvider interface for getting health status
type HealthProvider interface {
	Check(ctx context.Context) health.OverallHealth
}

// Server provides HTTP-based metrics exposition
type Server struct {
	address         string
	metricsProvider MetricsProvider
	healthProvider  HealthProvider
	logger          *logger.Logger
	server          *http.Server
	listener        net.Listener
	mux             *http.ServeMux

	wg sync.WaitGroup
}

// NewServer creates a new HTTP metrics server
func NewServer(address string, metricsProvider MetricsProvider, healthProvider HealthProvider, log *logger.Logger) *Server {
	mux := http.NewServeMux()

	s := &Server{
		address:         address,
		metricsProvider: metricsProvider,
		healthProvider:  healthProvider,
		logger:          log.Component("httpmetrics"),
		mux:             mux,
	}

	mux.HandleFunc("/metrics", s.handlePrometheusMetrics)
	mux.HandleFunc("/metrics/json", s.handleJSONMetrics)
	mux.HandleFunc("/health", s.handleHealth)

	s.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Start starts the HTTP metrics server
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.address, err)
	}

	s.listener = listener
	s.logger.Info("HTTP metrics server listening", "address", listener.Addr().String())

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.server.Serve(s.listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", "error", err)
		}
	}()

	return nil
}

// Stop gracefully stops the HTTP metrics server
func (s *Server) Stop() error {
	s.logger.Info("Stopping HTTP metrics server")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Warn("HTTP server shutdown error", "error", err)
		return err
	}

	s.wg.Wait()
	return nil
}

// GetAddress returns the actual listening address
func (s *Server) GetAddress() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.address
}

// handlePrometheusMetrics serves metrics in Prometheus text format
func (s *Server) handlePrometheusMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	snapshot := s.metricsProvider.Snapshot()

	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)

	fmt.Fprintf(w, "# HELP torswarm_circuit_starts_total Total number of circuits reaching readiness\n")
	fmt.Fprintf(w, "# TYPE torswarm_circuit_starts_total counter\n")
	fmt.Fprintf(w, "torswarm_circuit_starts_total %d\n", snapshot.CircuitStarts)

	fmt.Fprintf(w, "# HELP torswarm_circuit_restarts_total Total number of circuit restarts\n")
	fmt.Fprintf(w, "# TYPE torswarm_circuit_restarts_total counter\n")
	fmt.Fprintf(w, "torswarm_circuit_restarts_total %d\n", snapshot.CircuitRestarts)

	fmt.Fprintf(w, "# HELP torswarm_circuit_resurrections_total Total number of restarts after unexpected child exits\n")
	fmt.Fprintf(w, "# TYPE torswarm_circuit_resurrections_total counter\n")
	fmt.Fprintf(w, "torswarm_circuit_resurrections_total %d\n", snapshot.CircuitResurrections)

	fmt.Fprintf(w, "# HELP torswarm_circuit_terminations_total Total number of permanently terminated circuits\n")
	fmt.Fprintf(w, "# TYPE torswarm_circuit_terminations_total counter\n")
	fmt.Fprintf(w, "torswarm_circuit_terminations_total %d\n", snapshot.CircuitTerminations)

	fmt.Fprintf(w, "# HELP torswarm_circuit_boot_seconds_avg Average time to readiness in seconds\n")
	fmt.Fprintf(w, "# TYPE torswarm_circuit_boot_seconds_avg gauge\n")
	fmt.Fprintf(w, "torswarm_circuit_boot_seconds_avg %.3f\n", snapshot.CircuitBootTimeAvg.Seconds())

	fmt.Fprintf(w, "# HELP torswarm_connected_circuits Current number of connected circuits\n")
	fmt.Fprintf(w, "# TYPE torswarm_connected_circuits gauge\n")
	fmt.Fprintf(w, "torswarm_connected_circuits %d\n", snapshot.ConnectedCircuits)

	fmt.Fprintf(w, "# HELP torswarm_dialers_issued_total Total number of dialers handed out\n")
	fmt.Fprintf(w, "# TYPE torswarm_dialers_issued_total counter\n")
	fmt.Fprintf(w, "torswarm_dialers_issued_total %d\n", snapshot.DialersIssued)

	fmt.Fprintf(w, "# HELP torswarm_dialer_refusals_total Total number of dialer requests refused mid-restart or over the socket budget\n")
	fmt.Fprintf(w, "# TYPE torswarm_dialer_refusals_total counter\n")
	fmt.Fprintf(w, "torswarm_dialer_refusals_total %d\n", snapshot.DialerRefusals)

	fmt.Fprintf(w, "# HELP torswarm_dialer_errors_total Total number of dialer I/O errors\n")
	fmt.Fprintf(w, "# TYPE torswarm_dialer_errors_total counter\n")
	fmt.Fprintf(w, "torswarm_dialer_errors_total %d\n", snapshot.DialerErrors)

	fmt.Fprintf(w, "# HELP torswarm_dialer_seconds_avg Average dialer lifetime spent in timed calls\n")
	fmt.Fprintf(w, "# TYPE torswarm_dialer_seconds_avg gauge\n")
	fmt.Fprintf(w, "torswarm_dialer_seconds_avg %.3f\n", snapshot.DialerTimeAvg.Seconds())

	fmt.Fprintf(w, "# HELP torswarm_active_dialers Current number of outstanding dialers\n")
	fmt.Fprintf(w, "# TYPE torswarm_active_dialers gauge\n")
	fmt.Fprintf(w, "torswarm_active_dialers %d\n", snapshot.ActiveDialers)

	fmt.Fprintf(w, "# HELP torswarm_drains_total Total number of restart drains\n")
	fmt.Fprintf(w, "# TYPE torswarm_drains_total counter\n")
	fmt.Fprintf(w, "torswarm_drains_total %d\n", snapshot.Drains)

	fmt.Fprintf(w, "# HELP torswarm_drain_timeouts_total Total number of drains that forced the reference count\n")
	fmt.Fprintf(w, "# TYPE torswarm_drain_timeouts_total counter\n")
	fmt.Fprintf(w, "torswarm_drain_timeouts_total %d\n", snapshot.DrainTimeouts)

	fmt.Fprintf(w, "# HELP torswarm_proxy_requests_total Total number of proxied requests\n")
	fmt.Fprintf(w, "# TYPE torswarm_proxy_requests_total counter\n")
	fmt.Fprintf(w, "torswarm_proxy_requests_total %d\n", snapshot.ProxyRequests)

	fmt.Fprintf(w, "# HELP torswarm_proxy_tunnels_total Total number of CONNECT tunnels\n")
	fmt.Fprintf(w, "# TYPE torswarm_proxy_tunnels_total counter\n")
	fmt.Fprintf(w, "torswarm_proxy_tunnels_total %d\n", snapshot.ProxyTunnels)

	fmt.Fprintf(w, "# HELP torswarm_proxy_errors_total Total number of proxy dispatch errors\n")
	fmt.Fprintf(w, "# TYPE torswarm_proxy_errors_total counter\n")
	fmt.Fprintf(w, "torswarm_proxy_errors_total %d\n", snapshot.ProxyErrors)

	fmt.Fprintf(w, "# HELP torswarm_proxy_data_bytes_total Total bytes piped between clients and circuits\n")
	fmt.Fprintf(w, "# TYPE torswarm_proxy_data_bytes_total counter\n")
	fmt.Fprintf(w, "torswarm_proxy_data_bytes_total %d\n", snapshot.ProxyData)

	fmt.Fprintf(w, "# HELP torswarm_uptime_seconds Proxy uptime in seconds\n")
	fmt.Fprintf(w, "# TYPE torswarm_uptime_seconds gauge\n")
	fmt.Fprintf(w, "torswarm_uptime_seconds %d\n", snapshot.UptimeSeconds)
}

// handleJSONMetrics serves metrics in JSON format
func (s *Server) handleJSONMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	snapshot := s.metricsProvider.Snapshot()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(snapshot); err != nil {
		s.logger.Error("failed to encode metrics", "error", err)
	}
}

// handleHealth serves the health check result
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	result := s.healthProvider.Check(r.Context())

	w.Header().Set("Content-Type", "application/json")
	if result.Status == health.StatusUnhealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}

	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(result); err != nil {
		s.logger.Error("failed to encode health result", "error", err)
	}
}
