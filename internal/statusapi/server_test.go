package statusapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/unitlab-ai/unitlab-agent/internal/metrics"
)

func testLogger() zerolog.Logger {
	return zerolog.New(os.Stderr).Level(zerolog.Disabled)
}

func testSnapshot() Snapshot {
	return Snapshot{
		DeviceID:      "host-1a2b3c4d",
		AgentState:    "running",
		TunnelState:   "established",
		NotebookState: "ready",
		Sample: metrics.Sample{
			Timestamp:     time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
			CPUPct:        42.5,
			CPUCount:      8,
			MemUsedBytes:  2 << 30,
			MemTotalBytes: 8 << 30,
		},
		QueueDepth: 3,
	}
}

func TestServer_Status(t *testing.T) {
	s := NewServer(testSnapshot, testLogger())

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api-agent/", nil)
	s.engine.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}

	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if got := body["device_id"]; got != "host-1a2b3c4d" {
		t.Errorf("device_id = %v, want host-1a2b3c4d", got)
	}
	if got := body["state"]; got != "running" {
		t.Errorf("state = %v, want running", got)
	}
	if got := body["cpu_percentage"]; got != 42.5 {
		t.Errorf("cpu_percentage = %v, want 42.5", got)
	}
	if got := body["cpu_count"]; got != float64(8) {
		t.Errorf("cpu_count = %v, want 8", got)
	}
	if got := body["notebook_state"]; got != "ready" {
		t.Errorf("notebook_state = %v, want ready", got)
	}
}

func TestServer_Health(t *testing.T) {
	s := NewServer(testSnapshot, testLogger())

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	s.engine.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if !strings.Contains(w.Body.String(), `"status":"ok"`) {
		t.Errorf("body = %s, want status ok", w.Body.String())
	}
}

func TestServer_MetricsExposition(t *testing.T) {
	s := NewServer(testSnapshot, testLogger())
	s.ObserveSample(metrics.Sample{
		CPUPct:        55.5,
		MemUsedBytes:  1024,
		MemTotalBytes: 4096,
	}, 7, 2)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	s.engine.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	body := w.Body.String()
	for _, want := range []string{
		"unitlab_agent_cpu_percent 55.5",
		"unitlab_agent_memory_used_bytes 1024",
		"unitlab_agent_metrics_queue_depth 7",
		"unitlab_agent_metrics_dropped_total 2",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("exposition missing %q", want)
		}
	}
}

func TestServer_StartServesAndShutsDown(t *testing.T) {
	s := NewServer(testSnapshot, testLogger())
	if err := s.Start("127.0.0.1:0"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if s.Port() == 0 {
		t.Fatal("Port() = 0 after Start")
	}

	resp, err := http.Get(fmt.Sprintf("http://%s/health", s.Addr()))
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, body = %s", resp.StatusCode, body)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown: %v", err)
	}

	// A second shutdown is a no-op.
	if err := s.Shutdown(ctx); err != nil {
		t.Errorf("second Shutdown: %v", err)
	}
}
