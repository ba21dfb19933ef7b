package monitoring

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goccy/go-json"
)

func get(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	hm := NewHealthMonitor()
	h := hm.Handler()

	if rec := get(t, h, http.MethodGet, "/health"); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("health before load: %d", rec.Code)
	}

	hm.SetSession(SessionInfo{Loaded: true, PackagePath: "model.thneed", Kernels: 3, LedgerEntries: 4, ArenaSize: 1024})
	hm.RecordReplay(2 * time.Millisecond)

	rec := get(t, h, http.MethodGet, "/healthz")
	if rec.Code != http.StatusOK {
		t.Fatalf("health after load: %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "healthy" || body["package"] != "model.thneed" {
		t.Errorf("body %v", body)
	}
	if body["ledger_entries"].(float64) != 4 || body["replays"].(float64) != 1 {
		t.Errorf("counts %v", body)
	}
}

func TestStatusTransitions(t *testing.T) {
	tests := []struct {
		name  string
		setup func(hm *HealthMonitor)
		want  string
	}{
		{"not loaded", func(hm *HealthMonitor) {}, "degraded"},
		{"loaded", func(hm *HealthMonitor) { hm.SetSession(SessionInfo{Loaded: true}) }, "healthy"},
		{"slow replay only warns", func(hm *HealthMonitor) {
			hm.SetSession(SessionInfo{Loaded: true})
			hm.RecordReplay(2 * SlowReplay)
		}, "healthy"},
		{"replay failure", func(hm *HealthMonitor) {
			hm.SetSession(SessionInfo{Loaded: true})
			hm.RecordFailure(errors.New("GPU_COMMAND timestamp 7: invalid argument"))
		}, "degraded"},
		{"resolved failure", func(hm *HealthMonitor) {
			hm.SetSession(SessionInfo{Loaded: true})
			hm.RecordFailure(errors.New("boom"))
			hm.ResolveAlert(0)
		}, "healthy"},
		{"critical", func(hm *HealthMonitor) {
			hm.SetSession(SessionInfo{Loaded: true})
			hm.AddAlert("error", "replay", "x")
			hm.AddAlert("critical", "session", "y")
		}, "critical"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hm := NewHealthMonitor()
			tt.setup(hm)
			if got := hm.Status().Status; got != tt.want {
				t.Errorf("status %q, want %q", got, tt.want)
			}
		})
	}
}

func TestArenaHighWaterAlert(t *testing.T) {
	hm := NewHealthMonitor()
	hm.SetSession(SessionInfo{Loaded: true, ArenaUsed: 950, ArenaSize: 1000})
	alerts := hm.Status().Alerts
	if len(alerts) != 1 || alerts[0].Component != "arena" || alerts[0].Level != "warning" {
		t.Errorf("alerts %+v", alerts)
	}
}

func TestPerformanceInfo(t *testing.T) {
	hm := NewHealthMonitor()
	for i := 1; i <= 20; i++ {
		hm.RecordReplay(time.Duration(i) * time.Millisecond)
	}
	perf := hm.Status().Performance
	if perf.Replays != 20 {
		t.Errorf("replays %d", perf.Replays)
	}
	if perf.AvgLatencyMs != 10.5 {
		t.Errorf("avg %v", perf.AvgLatencyMs)
	}
	if perf.P95LatencyMs != 20 {
		t.Errorf("p95 %v", perf.P95LatencyMs)
	}
}

func TestAlertEndpoints(t *testing.T) {
	hm := NewHealthMonitor()
	h := hm.Handler()
	hm.AddAlert("warning", "replay", "first")
	hm.AddAlert("error", "replay", "second")

	rec := get(t, h, http.MethodGet, "/admin/alerts")
	var alerts []Alert
	if err := json.Unmarshal(rec.Body.Bytes(), &alerts); err != nil {
		t.Fatal(err)
	}
	if len(alerts) != 2 || alerts[1].Message != "second" {
		t.Errorf("alerts %+v", alerts)
	}

	if rec := get(t, h, http.MethodGet, "/admin/clear-alerts"); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET clear-alerts: %d", rec.Code)
	}
	if rec := get(t, h, http.MethodPost, "/admin/clear-alerts"); rec.Code != http.StatusOK {
		t.Errorf("POST clear-alerts: %d", rec.Code)
	}
	if n := len(hm.Status().Alerts); n != 0 {
		t.Errorf("%d alerts after clear", n)
	}

	for i := 0; i < maxAlerts+5; i++ {
		hm.AddAlert("info", "session", "x")
	}
	if n := len(hm.Status().Alerts); n != maxAlerts {
		t.Errorf("%d alerts kept, want %d", n, maxAlerts)
	}
}

func TestStatusEndpoint(t *testing.T) {
	hm := NewHealthMonitor()
	hm.SetSession(SessionInfo{Loaded: true, Fingerprint: "abc"})
	rec := get(t, hm.Handler(), http.MethodGet, "/status")
	var status HealthStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatal(err)
	}
	if status.Session.Fingerprint != "abc" || status.System.NumCPU == 0 {
		t.Errorf("status %+v", status)
	}
}
