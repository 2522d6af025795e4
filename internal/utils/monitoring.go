package utils

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HealthCheck reports an error when a dependency of the node is unusable
type HealthCheck func(ctx context.Context) error

type MonitoringServer struct {
	server    *http.Server
	listener  net.Listener
	port      string
	startTime time.Time
	logger    *LogsManager
	config    *ConfigManager
	metrics   *Metrics

	checksMu sync.RWMutex
	checks   map[string]HealthCheck
}

type HealthStatus struct {
	Status     string            `json:"status"`
	Uptime     string            `json:"uptime"`
	Goroutines int               `json:"goroutines"`
	HeapAlloc  uint64            `json:"heap_alloc_bytes"`
	Checks     map[string]string `json:"checks,omitempty"`
	Timestamp  string            `json:"timestamp"`
}

func NewMonitoringServer(config *ConfigManager, logger *LogsManager, metrics *Metrics) *MonitoringServer {
	return &MonitoringServer{
		startTime: time.Now(),
		logger:    logger,
		config:    config,
		metrics:   metrics,
		checks:    make(map[string]HealthCheck),
	}
}

// AddCheck registers a named health check evaluated on every /health request
func (ms *MonitoringServer) AddCheck(name string, check HealthCheck) {
	ms.checksMu.Lock()
	defer ms.checksMu.Unlock()
	ms.checks[name] = check
}

// Handler exposes /health, /metrics and /debug/pprof/
func (ms *MonitoringServer) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	mux.HandleFunc("/health", ms.handleHealth)

	if ms.metrics != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(ms.metrics.Registry, promhttp.HandlerOpts{
			ErrorHandling: promhttp.ContinueOnError,
		}))
	}

	return mux
}

// Start binds the configured port and serves in the background. A port of 0 disables monitoring.
func (ms *MonitoringServer) Start() error {
	port := ms.config.GetConfigWithDefault("monitoring_port", "9090")
	if port == "0" {
		ms.logger.Info("Monitoring server disabled", "monitoring")
		return nil
	}

	listener, err := net.Listen("tcp", ":"+port)
	if err != nil {
		ms.logger.Error(fmt.Sprintf("Failed to bind monitoring port %s: %v", port, err), "monitoring")
		return fmt.Errorf("failed to bind monitoring port %s: %w", port, err)
	}
	ms.listener = listener
	ms.port = port

	ms.server = &http.Server{
		Handler:      ms.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  30 * time.Second,
	}

	go func() {
		if err := ms.server.Serve(ms.listener); err != nil && err != http.ErrServerClosed {
			ms.logger.Error(fmt.Sprintf("Monitoring server error: %v", err), "monitoring")
		}
	}()

	ms.logger.Info(fmt.Sprintf("Monitoring server started on port %s (/health, /metrics, /debug/pprof/)", port), "monitoring")
	return nil
}

func (ms *MonitoringServer) Stop() error {
	if ms.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := ms.server.Shutdown(ctx); err != nil {
		ms.logger.Warn(fmt.Sprintf("Error shutting down monitoring server: %v", err), "monitoring")
		return err
	}

	ms.logger.Info("Monitoring server stopped", "monitoring")
	return nil
}

func (ms *MonitoringServer) GetPort() string {
	return ms.port
}

func (ms *MonitoringServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	health := HealthStatus{
		Status:     "ok",
		Uptime:     time.Since(ms.startTime).Round(time.Second).String(),
		Goroutines: runtime.NumGoroutine(),
		HeapAlloc:  memStats.HeapAlloc,
		Checks:     map[string]string{},
		Timestamp:  time.Now().Format(time.RFC3339),
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	ms.checksMu.RLock()
	for name, check := range ms.checks {
		if err := check(ctx); err != nil {
			health.Status = "degraded"
			health.Checks[name] = err.Error()
			continue
		}
		health.Checks[name] = "ok"
	}
	ms.checksMu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	if health.Status != "ok" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(health); err != nil {
		ms.logger.Error(fmt.Sprintf("Failed to encode health status: %v", err), "monitoring")
	}
}
