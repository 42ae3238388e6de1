package monitoring

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/23skdu/longbow-featex/internal/logger"
)

// Run phases.
const (
	PhaseStarting   = "starting"
	PhaseRunning    = "running"
	PhaseFinalizing = "finalizing"
	PhaseDone       = "done"
	PhaseFailed     = "failed"
)

// HealthStatus is served on /status.
type HealthStatus struct {
	Status      string          `json:"status"`
	Phase       string          `json:"phase"`
	Timestamp   time.Time       `json:"timestamp"`
	Uptime      time.Duration   `json:"uptime"`
	System      SystemInfo      `json:"system"`
	Run         RunInfo         `json:"run"`
	Performance PerformanceInfo `json:"performance"`
	Alerts      []Alert         `json:"alerts"`
}

type SystemInfo struct {
	GoVersion    string `json:"go_version"`
	OS           string `json:"os"`
	Arch         string `json:"arch"`
	NumCPU       int    `json:"num_cpu"`
	MemoryMB     int    `json:"memory_mb"`
	MemoryUsedMB int    `json:"memory_used_mb"`
}

type RunInfo struct {
	Layers    []string `json:"layers"`
	Rows      int      `json:"rows"`
	Total     int      `json:"total"`
	Groups    int      `json:"groups"`
	Error     string   `json:"error,omitempty"`
	NaNAlerts int      `json:"nan_alerts"`
}

type PerformanceInfo struct {
	RowsPerSecond float64   `json:"rows_per_second"`
	AvgLatencyMs  float64   `json:"avg_latency_ms"`
	P95LatencyMs  float64   `json:"p95_latency_ms"`
	LastRow       time.Time `json:"last_row"`
}

type Alert struct {
	Level     string    `json:"level"`     // info, warning, error, critical
	Component string    `json:"component"` // engine, output, input
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	maxHistory = 1000
	maxAlerts  = 100

	slowRow = 5 * time.Second
)

// HealthMonitor tracks the progress of an extraction run and serves it over
// HTTP next to the Prometheus metrics.
type HealthMonitor struct {
	startTime time.Time
	server    *http.Server
	listener  net.Listener

	mu      sync.RWMutex
	phase   string
	run     RunInfo
	history []time.Duration
	lastRow time.Time
	alerts  []Alert
}

func NewHealthMonitor() *HealthMonitor {
	return &HealthMonitor{
		startTime: time.Now(),
		phase:     PhaseStarting,
	}
}

// Handler serves /health, /healthz, /status, /alerts and /metrics.
func (hm *HealthMonitor) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", hm.handleHealth)
	mux.HandleFunc("/healthz", hm.handleHealth)
	mux.HandleFunc("/status", hm.handleStatus)
	mux.HandleFunc("/alerts", hm.handleAlerts)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// Start listens on addr and serves in the background until Stop.
func (hm *HealthMonitor) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	hm.listener = ln
	hm.server = &http.Server{
		Handler:      hm.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	logger.Log.Info("health monitor starting", "addr", ln.Addr().String())
	go func() {
		if err := hm.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Log.Err(err, "health monitor stopped")
		}
	}()
	return nil
}

// Addr is the bound address once started.
func (hm *HealthMonitor) Addr() string {
	if hm.listener == nil {
		return ""
	}
	return hm.listener.Addr().String()
}

func (hm *HealthMonitor) Stop(ctx context.Context) error {
	if hm.server != nil {
		return hm.server.Shutdown(ctx)
	}
	return nil
}

// Begin marks the run as started.
func (hm *HealthMonitor) Begin(total int, layers []string) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.phase = PhaseRunning
	hm.run.Total = total
	hm.run.Layers = append([]string(nil), layers...)
}

// Row records one finished input and its end-to-end latency.
func (hm *HealthMonitor) Row(row int, d time.Duration) {
	hm.mu.Lock()
	hm.run.Rows = row + 1
	hm.lastRow = time.Now()
	hm.history = append(hm.history, d)
	if len(hm.history) > maxHistory {
		hm.history = hm.history[1:]
	}
	hm.mu.Unlock()

	if d > slowRow {
		hm.AddAlert("warning", "engine", fmt.Sprintf("slow row %d: %s", row, d))
	}
}

func (hm *HealthMonitor) Groups(n int) {
	hm.mu.Lock()
	hm.run.Groups = n
	hm.mu.Unlock()
}

// Instability records NaN/Inf values in a layer's activations.
func (hm *HealthMonitor) Instability(layer string, row, nans, infs int) {
	hm.mu.Lock()
	hm.run.NaNAlerts++
	hm.mu.Unlock()
	hm.AddAlert("warning", "engine",
		fmt.Sprintf("layer %s row %d: %d NaN, %d Inf", layer, row, nans, infs))
}

// Finalizing marks the start of output finalization.
func (hm *HealthMonitor) Finalizing() {
	hm.mu.Lock()
	hm.phase = PhaseFinalizing
	hm.mu.Unlock()
}

// Finish records the outcome of the run.
func (hm *HealthMonitor) Finish(err error) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	if err != nil {
		hm.phase = PhaseFailed
		hm.run.Error = err.Error()
		return
	}
	hm.phase = PhaseDone
}

func (hm *HealthMonitor) AddAlert(level, component, message string) {
	hm.mu.Lock()
	hm.alerts = append(hm.alerts, Alert{
		Level:     level,
		Component: component,
		Message:   message,
		Timestamp: time.Now(),
	})
	if len(hm.alerts) > maxAlerts {
		hm.alerts = hm.alerts[1:]
	}
	hm.mu.Unlock()
}

func (hm *HealthMonitor) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := hm.Status()
	w.Header().Set("Content-Type", "application/json")
	if status.Status == "healthy" {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(map[string]string{
		"status":    status.Status,
		"phase":     status.Phase,
		"timestamp": status.Timestamp.Format(time.RFC3339),
	})
}

func (hm *HealthMonitor) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(hm.Status())
}

func (hm *HealthMonitor) handleAlerts(w http.ResponseWriter, r *http.Request) {
	hm.mu.RLock()
	alerts := make([]Alert, len(hm.alerts))
	copy(alerts, hm.alerts)
	hm.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(alerts)
}

// Status snapshots the current state. A failed run is critical and unresolved
// error alerts degrade it.
func (hm *HealthMonitor) Status() HealthStatus {
	hm.mu.RLock()
	defer hm.mu.RUnlock()

	status := "healthy"
	for _, a := range hm.alerts {
		if a.Level == "error" {
			status = "degraded"
		}
	}
	if hm.phase == PhaseFailed {
		status = "critical"
	}

	run := hm.run
	run.Layers = append([]string(nil), hm.run.Layers...)
	return HealthStatus{
		Status:      status,
		Phase:       hm.phase,
		Timestamp:   time.Now(),
		Uptime:      time.Since(hm.startTime),
		System:      systemInfo(),
		Run:         run,
		Performance: hm.performance(),
		Alerts:      append([]Alert(nil), hm.alerts...),
	}
}

func systemInfo() SystemInfo {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return SystemInfo{
		GoVersion:    runtime.Version(),
		OS:           runtime.GOOS,
		Arch:         runtime.GOARCH,
		NumCPU:       runtime.NumCPU(),
		MemoryMB:     int(m.Sys / 1024 / 1024),
		MemoryUsedMB: int(m.Alloc / 1024 / 1024),
	}
}

func (hm *HealthMonitor) performance() PerformanceInfo {
	info := PerformanceInfo{LastRow: hm.lastRow}
	if len(hm.history) == 0 {
		return info
	}

	var total time.Duration
	latencies := make([]float64, len(hm.history))
	for i, d := range hm.history {
		total += d
		latencies[i] = float64(d.Nanoseconds()) / 1e6
	}
	sort.Float64s(latencies)

	p95 := int(float64(len(latencies)) * 0.95)
	if p95 >= len(latencies) {
		p95 = len(latencies) - 1
	}
	info.AvgLatencyMs = float64(total.Nanoseconds()) / float64(len(hm.history)) / 1e6
	info.P95LatencyMs = latencies[p95]
	if total > 0 {
		info.RowsPerSecond = float64(len(hm.history)) / total.Seconds()
	}
	return info
}
