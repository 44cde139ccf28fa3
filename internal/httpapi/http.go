// Package httpapi wires the engine's HTTP surface: health, Prometheus
// exposition, the debug causal-graph endpoint, and the /ws upgrade route,
// all behind a gorilla/mux router with an httpsnoop logging middleware,
// the same combination the reference server in this family uses.
package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"

	"github.com/collabrelay/roomrelay/internal/metrics"
	"github.com/collabrelay/roomrelay/internal/room"
	"github.com/collabrelay/roomrelay/internal/wsserver"
)

// NewRouter builds the full HTTP surface for the service. instanceID is
// reported on /health so operators can tell which process answered.
func NewRouter(manager *room.Manager, reg *metrics.Registry, ws *wsserver.Handler, logger *slog.Logger, instanceID string) http.Handler {
	r := mux.NewRouter()
	r.Use(loggingMiddleware(logger))

	r.Methods(http.MethodGet).Path("/health").HandlerFunc(healthHandler(instanceID))
	r.Methods(http.MethodGet).Path("/metrics").HandlerFunc(metricsHandler(reg))
	r.Methods(http.MethodGet).Path("/debug/rooms/{room}/graph.svg").HandlerFunc(graphHandler(manager))
	r.Methods(http.MethodGet).Path("/ws").Handler(ws)

	return r
}

func loggingMiddleware(logger *slog.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			m := httpsnoop.CaptureMetrics(next, w, r)
			logger.Info("handled request", "method", r.Method, "url", r.URL.String(), "status", m.Code, "duration", m.Duration)
		})
	}
}

func healthHandler(instanceID string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status":     "ok",
			"instanceId": instanceID,
			"timestamp":  time.Now().UTC().Format(time.RFC3339),
		})
	}
}

func metricsHandler(reg *metrics.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		if err := reg.WriteProm(w); err != nil {
			w.WriteHeader(http.StatusInternalServerError)
		}
	}
}

func graphHandler(manager *room.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		roomID := mux.Vars(r)["room"]
		svg, found, err := manager.RenderGraph(roomID)
		if !found {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "image/svg+xml")
		w.Write(svg)
	}
}
