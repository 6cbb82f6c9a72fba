package core

import (
	"context"
	"errors"
	"net/http"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// metrics.go exposes node health: gauges track block-graph clique count,
// the execution scheduler's slot cursors and how far behind them the VM
// worker's command queue sits.

// HealthSnapshot is a point-in-time read of node health.
type HealthSnapshot struct {
	LastFinalSlot   Slot   `json:"last_final_slot"`
	LastActiveSlot  Slot   `json:"last_active_slot"`
	CliqueCount     int    `json:"clique_count"`
	PeerCount       int    `json:"peer_count"`
	VMQueueDepth    int    `json:"vm_queue_depth"`
	MemAlloc        uint64 `json:"mem_alloc"`
	NumGoroutines   int    `json:"goroutines"`
	Timestamp       int64  `json:"timestamp"`
}

// HealthLogger wires block graph, execution scheduler, VM driver and peer
// state to a set of Prometheus gauges plus a JSON-structured logrus sink.
type HealthLogger struct {
	graph  *BlockGraph
	sched  *ExecutionScheduler
	driver *VMDriver
	pm     PeerManager

	log  *logrus.Logger
	file *os.File
	mu   sync.Mutex

	registry          *prometheus.Registry
	cliqueCountGauge  prometheus.Gauge
	finalSlotGauge    prometheus.Gauge
	activeSlotGauge   prometheus.Gauge
	peerCountGauge    prometheus.Gauge
	vmQueueGauge      prometheus.Gauge
	memAllocGauge     prometheus.Gauge
	goroutinesGauge   prometheus.Gauge
	errorCounter      prometheus.Counter
}

// NewHealthLogger configures a HealthLogger writing JSON logs to path. Any
// of graph/sched/driver/pm may be nil; MetricsSnapshot skips fields it can't
// read.
func NewHealthLogger(graph *BlockGraph, sched *ExecutionScheduler, driver *VMDriver, pm PeerManager, path string) (*HealthLogger, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	lg := logrus.New()
	lg.SetFormatter(&logrus.JSONFormatter{})
	lg.SetOutput(f)
	reg := prometheus.NewRegistry()

	h := &HealthLogger{graph: graph, sched: sched, driver: driver, pm: pm, log: lg, file: f, registry: reg}

	h.cliqueCountGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "corenode_clique_count",
		Help: "Number of cliques currently tracked by the block graph",
	})
	h.finalSlotGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "corenode_last_final_period",
		Help: "Period of the last slot processed by the execution scheduler as final",
	})
	h.activeSlotGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "corenode_last_active_period",
		Help: "Period of the last slot processed by the execution scheduler as active",
	})
	h.peerCountGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "corenode_peer_count",
		Help: "Number of connected peers",
	})
	h.vmQueueGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "corenode_vm_queue_depth",
		Help: "Number of commands queued for the VM worker goroutine",
	})
	h.memAllocGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "corenode_mem_alloc_bytes",
		Help: "Current memory allocation in bytes",
	})
	h.goroutinesGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "corenode_goroutines",
		Help: "Number of running goroutines",
	})
	h.errorCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "corenode_log_errors_total",
		Help: "Total number of error events logged",
	})

	reg.MustRegister(
		h.cliqueCountGauge,
		h.finalSlotGauge,
		h.activeSlotGauge,
		h.peerCountGauge,
		h.vmQueueGauge,
		h.memAllocGauge,
		h.goroutinesGauge,
		h.errorCounter,
	)

	return h, nil
}

// Close releases the underlying log file.
func (h *HealthLogger) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.file.Close()
}

// Rotate switches logging to a new file path.
func (h *HealthLogger) Rotate(path string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.file.Close(); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	h.log.SetOutput(f)
	h.file = f
	return nil
}

// LogEvent records an arbitrary message with the specified log level.
func (h *HealthLogger) LogEvent(level logrus.Level, msg string) {
	h.mu.Lock()
	if level >= logrus.ErrorLevel {
		h.errorCounter.Inc()
	}
	h.log.Log(level, msg)
	h.mu.Unlock()
}

// MetricsSnapshot gathers current health metrics from the block graph,
// execution scheduler, VM driver, peer manager and Go runtime.
func (h *HealthLogger) MetricsSnapshot() HealthSnapshot {
	m := HealthSnapshot{Timestamp: time.Now().Unix(), NumGoroutines: runtime.NumGoroutine()}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	m.MemAlloc = mem.Alloc

	if h.graph != nil {
		m.CliqueCount = len(h.graph.Cliques())
	}
	if h.sched != nil {
		m.LastFinalSlot = h.sched.LastFinalSlot()
		m.LastActiveSlot = h.sched.LastActiveSlot()
	}
	if h.driver != nil {
		m.VMQueueDepth = len(h.driver.cmds)
	}
	if h.pm != nil {
		m.PeerCount = len(h.pm.Peers())
	}
	return m
}

// RecordMetrics captures the current snapshot and updates Prometheus gauges.
func (h *HealthLogger) RecordMetrics() {
	m := h.MetricsSnapshot()
	h.cliqueCountGauge.Set(float64(m.CliqueCount))
	h.finalSlotGauge.Set(float64(m.LastFinalSlot.Period))
	h.activeSlotGauge.Set(float64(m.LastActiveSlot.Period))
	h.peerCountGauge.Set(float64(m.PeerCount))
	h.vmQueueGauge.Set(float64(m.VMQueueDepth))
	h.memAllocGauge.Set(float64(m.MemAlloc))
	h.goroutinesGauge.Set(float64(m.NumGoroutines))
	h.LogEvent(logrus.InfoLevel, "metrics recorded")
}

// RunMetricsCollector periodically records metrics until ctx is canceled.
func (h *HealthLogger) RunMetricsCollector(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			h.RecordMetrics()
		case <-ctx.Done():
			return
		}
	}
}

// StartMetricsServer exposes a Prometheus metrics endpoint on addr. It
// returns the underlying http.Server so callers may manage its lifecycle.
func (h *HealthLogger) StartMetricsServer(addr string) (*http.Server, error) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(h.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.LogEvent(logrus.ErrorLevel, err.Error())
		}
	}()
	return srv, nil
}

// ShutdownMetricsServer gracefully stops the metrics HTTP server.
func (h *HealthLogger) ShutdownMetricsServer(ctx context.Context, srv *http.Server) error {
	return srv.Shutdown(ctx)
}
