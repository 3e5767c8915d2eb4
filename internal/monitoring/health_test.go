package monitoring

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func newTestMonitor(loaded *atomic.Bool) *HealthMonitor {
	return NewHealthMonitor("test", func() EngineInfo {
		return EngineInfo{ModelLoaded: loaded.Load(), NumClasses: 38, Variant: "base"}
	})
}

func TestHealthTransitions(t *testing.T) {
	var loaded atomic.Bool
	hm := newTestMonitor(&loaded)
	srv := httptest.NewServer(hm.Handler())
	defer srv.Close()

	tests := []struct {
		name   string
		setup  func()
		path   string
		status int
	}{
		{"starting health", func() {}, "/health", http.StatusServiceUnavailable},
		{"starting ready", func() {}, "/ready", http.StatusServiceUnavailable},
		{"loaded health", func() { loaded.Store(true) }, "/healthz", http.StatusOK},
		{"loaded ready", func() {}, "/ready", http.StatusOK},
		{"degraded", func() { hm.AddAlert("error", "engine", "boom") }, "/health", http.StatusServiceUnavailable},
		{"resolved", func() { hm.ResolveAlert(0) }, "/health", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.setup()
			resp, err := http.Get(srv.URL + tt.path)
			if err != nil {
				t.Fatal(err)
			}
			resp.Body.Close()
			if resp.StatusCode != tt.status {
				t.Errorf("GET %s = %d, want %d", tt.path, resp.StatusCode, tt.status)
			}
		})
	}
}

func TestStatusPerformance(t *testing.T) {
	var loaded atomic.Bool
	loaded.Store(true)
	hm := newTestMonitor(&loaded)

	hm.RecordInference(2, 100*time.Millisecond, nil)
	hm.RecordInference(2, 300*time.Millisecond, nil)
	hm.RecordInference(1, 0, errors.New("shape"))

	rec := httptest.NewRecorder()
	hm.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status code = %d", rec.Code)
	}
	var got HealthStatus
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if got.Status != "degraded" {
		t.Errorf("Status = %q, want degraded after a failure", got.Status)
	}
	if got.Engine.NumClasses != 38 {
		t.Errorf("engine info not propagated: %+v", got.Engine)
	}
	if got.Performance.AvgLatencyMs != 200 {
		t.Errorf("AvgLatencyMs = %v, want 200", got.Performance.AvgLatencyMs)
	}
	if got.Performance.P95LatencyMs != 300 {
		t.Errorf("P95LatencyMs = %v, want 300", got.Performance.P95LatencyMs)
	}
	if got.Performance.ErrorRate < 0.33 || got.Performance.ErrorRate > 0.34 {
		t.Errorf("ErrorRate = %v", got.Performance.ErrorRate)
	}
}

func TestClearAlerts(t *testing.T) {
	var loaded atomic.Bool
	hm := newTestMonitor(&loaded)
	hm.AddAlert("critical", "checkpoint", "missing weights")
	h := hm.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/clear-alerts", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET clear-alerts = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/admin/clear-alerts", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("POST clear-alerts = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/alerts", nil))
	var alerts []Alert
	if err := json.NewDecoder(rec.Body).Decode(&alerts); err != nil {
		t.Fatal(err)
	}
	if len(alerts) != 0 {
		t.Errorf("alerts not cleared: %v", alerts)
	}
}
