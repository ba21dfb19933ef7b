package monitoring

import (
	"context"
	"fmt"
	"net/http"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/23skdu/longbow-thneed/internal/logger"
)

// HealthStatus represents the health status of the process
type HealthStatus struct {
	Status      string          `json:"status"`
	Timestamp   time.Time       `json:"timestamp"`
	Uptime      time.Duration   `json:"uptime"`
	System      SystemInfo      `json:"system"`
	Session     SessionInfo     `json:"session"`
	Performance PerformanceInfo `json:"performance"`
	Alerts      []Alert         `json:"alerts"`
}

// SystemInfo contains system-level information
type SystemInfo struct {
	GoVersion    string `json:"go_version"`
	OS           string `json:"os"`
	Arch         string `json:"arch"`
	NumCPU       int    `json:"num_cpu"`
	MemoryMB     int    `json:"memory_mb"`
	MemoryUsedMB int    `json:"memory_used_mb"`
}

// SessionInfo describes the loaded package and its ledger
type SessionInfo struct {
	Loaded        bool   `json:"loaded"`
	PackagePath   string `json:"package_path"`
	Fingerprint   string `json:"fingerprint,omitempty"`
	Kernels       int    `json:"kernels"`
	LedgerEntries int    `json:"ledger_entries"`
	ArenaUsed     int    `json:"arena_used_bytes"`
	ArenaSize     int    `json:"arena_size_bytes"`
}

// PerformanceInfo contains replay latency figures
type PerformanceInfo struct {
	Replays      int       `json:"replays"`
	Failures     int       `json:"failures"`
	AvgLatencyMs float64   `json:"avg_latency_ms"`
	P95LatencyMs float64   `json:"p95_latency_ms"`
	LastReplay   time.Time `json:"last_replay"`
}

// Alert represents a health alert
type Alert struct {
	Level      string     `json:"level"`     // info, warning, error, critical
	Component  string     `json:"component"` // session, replay, arena
	Message    string     `json:"message"`
	Timestamp  time.Time  `json:"timestamp"`
	Resolved   bool       `json:"resolved"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

const (
	maxHistory = 1000
	maxAlerts  = 100

	// SlowReplay raises a warning for a single replay.
	SlowReplay = 100 * time.Millisecond
	// ArenaHighWater raises a warning once this fraction of the arena is used.
	ArenaHighWater = 0.9
)

// HealthMonitor tracks the session and its replays and serves them over HTTP
type HealthMonitor struct {
	startTime time.Time
	server    *http.Server

	mu          sync.RWMutex
	session     SessionInfo
	alerts      []Alert
	replays     int
	failures    int
	lastReplay  time.Time
	perfHistory []time.Duration
}

func NewHealthMonitor() *HealthMonitor {
	return &HealthMonitor{startTime: time.Now()}
}

// Handler returns the monitor's HTTP routes.
func (hm *HealthMonitor) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", hm.handleHealth)
	mux.HandleFunc("/healthz", hm.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/status", hm.handleDetailedStatus)
	mux.HandleFunc("/admin/alerts", hm.handleAlerts)
	mux.HandleFunc("/admin/clear-alerts", hm.handleClearAlerts)
	return mux
}

// Start serves the monitor on addr until Stop.
func (hm *HealthMonitor) Start(addr string) error {
	hm.mu.Lock()
	hm.server = &http.Server{
		Addr:         addr,
		Handler:      hm.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	srv := hm.server
	hm.mu.Unlock()

	logger.Log.Info("health monitor starting", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (hm *HealthMonitor) Stop(ctx context.Context) error {
	hm.mu.RLock()
	srv := hm.server
	hm.mu.RUnlock()
	if srv != nil {
		return srv.Shutdown(ctx)
	}
	return nil
}

// SetSession replaces the session description.
func (hm *HealthMonitor) SetSession(info SessionInfo) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.session = info
	if info.ArenaSize > 0 && float64(info.ArenaUsed) >= ArenaHighWater*float64(info.ArenaSize) {
		hm.addAlert("warning", "arena",
			fmt.Sprintf("arena %d of %d bytes used", info.ArenaUsed, info.ArenaSize))
	}
}

// RecordReplay records one completed replay.
func (hm *HealthMonitor) RecordReplay(duration time.Duration) {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	hm.replays++
	hm.lastReplay = time.Now()
	hm.perfHistory = append(hm.perfHistory, duration)
	if len(hm.perfHistory) > maxHistory {
		hm.perfHistory = hm.perfHistory[1:]
	}

	if duration > SlowReplay {
		hm.addAlert("warning", "replay",
			fmt.Sprintf("slow replay: %.2f ms", float64(duration.Nanoseconds())/1e6))
	}
}

// RecordFailure records a replay that returned err.
func (hm *HealthMonitor) RecordFailure(err error) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.failures++
	hm.addAlert("error", "replay", err.Error())
}

func (hm *HealthMonitor) AddAlert(level, component, message string) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.addAlert(level, component, message)
}

func (hm *HealthMonitor) addAlert(level, component, message string) {
	hm.alerts = append(hm.alerts, Alert{
		Level:     level,
		Component: component,
		Message:   message,
		Timestamp: time.Now(),
	})
	if len(hm.alerts) > maxAlerts {
		hm.alerts = hm.alerts[1:]
	}
	logger.Log.Warn("alert", "level", level, "component", component, "message", message)
}

func (hm *HealthMonitor) ResolveAlert(index int) {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	if index >= 0 && index < len(hm.alerts) {
		now := time.Now()
		hm.alerts[index].Resolved = true
		hm.alerts[index].ResolvedAt = &now
	}
}

// HTTP Handlers

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Log.Error("encoding health response", "error", err)
	}
}

func (hm *HealthMonitor) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := hm.Status()

	code := http.StatusOK
	if status.Status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":         status.Status,
		"timestamp":      status.Timestamp.Format(time.RFC3339),
		"package":        status.Session.PackagePath,
		"ledger_entries": status.Session.LedgerEntries,
		"replays":        status.Performance.Replays,
	})
}

func (hm *HealthMonitor) handleDetailedStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, hm.Status())
}

func (hm *HealthMonitor) handleAlerts(w http.ResponseWriter, r *http.Request) {
	hm.mu.RLock()
	alerts := make([]Alert, len(hm.alerts))
	copy(alerts, hm.alerts)
	hm.mu.RUnlock()

	writeJSON(w, http.StatusOK, alerts)
}

func (hm *HealthMonitor) handleClearAlerts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	hm.mu.Lock()
	hm.alerts = hm.alerts[:0]
	hm.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]string{"message": "alerts cleared"})
}

// Status computes the current health. A session that never loaded, or an
// unresolved error alert, is degraded; an unresolved critical alert is
// critical.
func (hm *HealthMonitor) Status() HealthStatus {
	hm.mu.RLock()
	defer hm.mu.RUnlock()

	status := "healthy"
	if !hm.session.Loaded {
		status = "degraded"
	}
	for _, alert := range hm.alerts {
		if alert.Resolved {
			continue
		}
		if alert.Level == "critical" {
			status = "critical"
			break
		}
		if alert.Level == "error" {
			status = "degraded"
		}
	}

	alerts := make([]Alert, len(hm.alerts))
	copy(alerts, hm.alerts)

	return HealthStatus{
		Status:      status,
		Timestamp:   time.Now(),
		Uptime:      time.Since(hm.startTime),
		System:      systemInfo(),
		Session:     hm.session,
		Performance: hm.performanceInfo(),
		Alerts:      alerts,
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

func (hm *HealthMonitor) performanceInfo() PerformanceInfo {
	info := PerformanceInfo{
		Replays:    hm.replays,
		Failures:   hm.failures,
		LastReplay: hm.lastReplay,
	}
	if len(hm.perfHistory) == 0 {
		return info
	}

	latencies := make([]float64, len(hm.perfHistory))
	var total time.Duration
	for i, d := range hm.perfHistory {
		total += d
		latencies[i] = float64(d.Nanoseconds()) / 1e6
	}
	sort.Float64s(latencies)

	p95 := int(float64(len(latencies)) * 0.95)
	if p95 >= len(latencies) {
		p95 = len(latencies) - 1
	}
	info.AvgLatencyMs = float64(total.Nanoseconds()) / float64(len(latencies)) / 1e6
	info.P95LatencyMs = latencies[p95]
	return info
}
