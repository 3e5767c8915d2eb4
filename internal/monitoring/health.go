package monitoring

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"slices"
	"sync"
	"time"

	"github.com/23skdu/plantvit/internal/logger"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	maxPerfHistory = 1000
	maxAlerts      = 100

	slowInferenceMs = 5000
)

// HealthStatus represents the health status of the service
type HealthStatus struct {
	Status      string          `json:"status"`
	Timestamp   time.Time       `json:"timestamp"`
	Version     string          `json:"version"`
	Uptime      time.Duration   `json:"uptime"`
	System      SystemInfo      `json:"system"`
	Engine      EngineInfo      `json:"engine"`
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

// EngineInfo describes the loaded classifier.
type EngineInfo struct {
	ModelLoaded bool   `json:"model_loaded"`
	ModelPath   string `json:"model_path"`
	Variant     string `json:"variant"`
	AblationID  string `json:"ablation_id"`
	NumClasses  int    `json:"num_classes"`
	NumParams   int    `json:"num_params"`
	ImgSize     int    `json:"img_size"`
}

type PerformanceInfo struct {
	ImagesPerSecond float64   `json:"images_per_second"`
	AvgLatencyMs    float64   `json:"avg_latency_ms"`
	P95LatencyMs    float64   `json:"p95_latency_ms"`
	ErrorRate       float64   `json:"error_rate"`
	LastInference   time.Time `json:"last_inference"`
}

type Alert struct {
	Level      string     `json:"level"`     // info, warning, error, critical
	Component  string     `json:"component"` // engine, checkpoint, system
	Message    string     `json:"message"`
	Timestamp  time.Time  `json:"timestamp"`
	Resolved   bool       `json:"resolved"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// EngineStatus reports the current engine state; it must be safe for
// concurrent use.
type EngineStatus func() EngineInfo

type PerfPoint struct {
	Timestamp time.Time
	Images    int
	Duration  time.Duration
	Failed    bool
}

// HealthMonitor serves /health, /status and /metrics and keeps a short
// latency history for the status report.
type HealthMonitor struct {
	version   string
	engine    EngineStatus
	startTime time.Time
	server    *http.Server

	mu            sync.RWMutex
	alerts        []Alert
	lastInference time.Time
	perfHistory   []PerfPoint
}

func NewHealthMonitor(version string, engine EngineStatus) *HealthMonitor {
	if engine == nil {
		engine = func() EngineInfo { return EngineInfo{} }
	}
	return &HealthMonitor{
		version:   version,
		engine:    engine,
		startTime: time.Now(),
	}
}

// Handler returns the monitor's routes.
func (hm *HealthMonitor) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", hm.handleHealth)
	mux.HandleFunc("/healthz", hm.handleHealth)
	mux.HandleFunc("/ready", hm.handleReady)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/status", hm.handleDetailedStatus)
	mux.HandleFunc("/admin/alerts", hm.handleAlerts)
	mux.HandleFunc("/admin/clear-alerts", hm.handleClearAlerts)
	return mux
}

// Start serves until Stop is called. It returns nil after a clean shutdown.
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
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
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

// RecordInference tracks a completed forward pass over images inputs for
// the status and alert endpoints. Prometheus counters are left to the engine.
func (hm *HealthMonitor) RecordInference(images int, duration time.Duration, err error) {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	now := time.Now()
	hm.lastInference = now
	point := PerfPoint{Timestamp: now, Images: images, Duration: duration, Failed: err != nil}
	hm.perfHistory = append(hm.perfHistory, point)
	if len(hm.perfHistory) > maxPerfHistory {
		hm.perfHistory = hm.perfHistory[1:]
	}

	if err != nil {
		hm.addAlertLocked("error", "engine", fmt.Sprintf("inference failed: %v", err))
		return
	}
	if ms := float64(duration.Nanoseconds()) / 1e6; ms > slowInferenceMs {
		hm.addAlertLocked("warning", "engine", fmt.Sprintf("High latency: %.2f ms for %d images", ms, images))
	}
}

func (hm *HealthMonitor) AddAlert(level, component, message string) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.addAlertLocked(level, component, message)
}

func (hm *HealthMonitor) addAlertLocked(level, component, message string) {
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

func (hm *HealthMonitor) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := hm.Status()

	w.Header().Set("Content-Type", "application/json")
	if status.Status == "healthy" {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(map[string]string{
		"status":    status.Status,
		"timestamp": status.Timestamp.Format(time.RFC3339),
	})
}

func (hm *HealthMonitor) handleReady(w http.ResponseWriter, r *http.Request) {
	if !hm.engine().ModelLoaded {
		http.Error(w, "model not loaded", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "ready")
}

func (hm *HealthMonitor) handleDetailedStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(hm.Status())
}

func (hm *HealthMonitor) handleAlerts(w http.ResponseWriter, r *http.Request) {
	hm.mu.RLock()
	alerts := slices.Clone(hm.alerts)
	hm.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(alerts)
}

func (hm *HealthMonitor) handleClearAlerts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	hm.mu.Lock()
	hm.alerts = hm.alerts[:0]
	hm.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"message": "alerts cleared"})
}

// Status computes the current health report. The service is "starting"
// until the engine reports a loaded model, "degraded" with unresolved error
// alerts and "critical" with unresolved critical alerts.
func (hm *HealthMonitor) Status() HealthStatus {
	engine := hm.engine()

	hm.mu.RLock()
	defer hm.mu.RUnlock()

	status := "healthy"
	if !engine.ModelLoaded {
		status = "starting"
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

	return HealthStatus{
		Status:      status,
		Timestamp:   time.Now(),
		Version:     hm.version,
		Uptime:      time.Since(hm.startTime),
		System:      systemInfo(),
		Engine:      engine,
		Performance: hm.performanceLocked(),
		Alerts:      slices.Clone(hm.alerts),
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

func (hm *HealthMonitor) performanceLocked() PerformanceInfo {
	info := PerformanceInfo{LastInference: hm.lastInference}
	if len(hm.perfHistory) == 0 {
		return info
	}

	var images, failed int
	var total time.Duration
	latencies := make([]float64, 0, len(hm.perfHistory))
	for _, p := range hm.perfHistory {
		if p.Failed {
			failed++
			continue
		}
		images += p.Images
		total += p.Duration
		latencies = append(latencies, float64(p.Duration.Nanoseconds())/1e6)
	}
	info.ErrorRate = float64(failed) / float64(len(hm.perfHistory))
	if len(latencies) == 0 {
		return info
	}

	slices.Sort(latencies)
	p95 := int(float64(len(latencies)) * 0.95)
	if p95 >= len(latencies) {
		p95 = len(latencies) - 1
	}
	info.AvgLatencyMs = float64(total.Nanoseconds()) / float64(len(latencies)) / 1e6
	info.P95LatencyMs = latencies[p95]
	if total > 0 {
		info.ImagesPerSecond = float64(images) / total.Seconds()
	}
	return info
}
