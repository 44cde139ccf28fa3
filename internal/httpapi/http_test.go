package httpapi

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/collabrelay/roomrelay/internal/metrics"
	"github.com/collabrelay/roomrelay/internal/room"
	"github.com/collabrelay/roomrelay/internal/wsserver"
)

func TestHealthReportsStatusInstanceAndTimestamp(t *testing.T) {
	reg := metrics.New()
	reg.SetActiveRooms(3)
	reg.AddConnectedClients(5)
	manager := room.NewManager(room.Config{Metrics: reg, Logger: slog.Default(), InstanceID: "instance-a"})
	ws := wsserver.New(manager, reg, slog.Default(), 16)
	router := NewRouter(manager, reg, ws, slog.Default(), "instance-a")

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `"status":"ok"`) {
		t.Fatalf("body missing status: %s", body)
	}
	if !strings.Contains(string(body), `"instanceId":"instance-a"`) {
		t.Fatalf("body missing instanceId: %s", body)
	}
	if !strings.Contains(string(body), `"timestamp":"`) {
		t.Fatalf("body missing timestamp: %s", body)
	}
}

func TestMetricsExposesPrometheusText(t *testing.T) {
	reg := metrics.New()
	manager := room.NewManager(room.Config{Metrics: reg, Logger: slog.Default(), InstanceID: "instance-a"})
	ws := wsserver.New(manager, reg, slog.Default(), 16)
	router := NewRouter(manager, reg, ws, slog.Default(), "instance-a")

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "collab_active_rooms") {
		t.Fatalf("body missing expected series: %s", body)
	}
}

func TestGraphHandlerReturns404ForUnknownRoom(t *testing.T) {
	reg := metrics.New()
	manager := room.NewManager(room.Config{Metrics: reg, Logger: slog.Default(), InstanceID: "instance-a"})
	ws := wsserver.New(manager, reg, slog.Default(), 16)
	router := NewRouter(manager, reg, ws, slog.Default(), "instance-a")

	req := httptest.NewRequest(http.MethodGet, "/debug/rooms/does-not-exist/graph.svg", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}
