package main

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/devicehub/hubevents/internal/connection"
	"github.com/devicehub/hubevents/internal/events"
	"github.com/devicehub/hubevents/internal/recorder"
	"github.com/devicehub/hubevents/internal/version"
)

// maxSendBody caps the frame size accepted by the stream send endpoint.
const maxSendBody = 1 << 20

// newRouter creates the health and debug routes. rec may be nil.
func newRouter(mx *events.Multiplexer, pool *connection.Pool, rec *recorder.Recorder, logger *slog.Logger) *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		stats := mx.Stats()

		health := struct {
			Status     string         `json:"status"`
			Error      string         `json:"error,omitempty"`
			Build      version.Info   `json:"build"`
			Components map[string]any `json:"components"`
		}{
			Status:     "healthy",
			Build:      version.Get(),
			Components: make(map[string]any),
		}

		health.Components["events"] = stats
		switch {
		case stats.GaveUp:
			health.Status = "unhealthy"
			health.Error = events.ErrReconnectExhausted.Error()
		case stats.State != events.StateOpen.String():
			health.Status = "degraded"
		}

		streams := pool.Stats()
		open := 0
		for _, s := range streams {
			if s.State == connection.StateOpen.String() {
				open++
			}
		}
		health.Components["streams"] = map[string]int{
			"total": len(streams),
			"open":  open,
		}

		if rec != nil {
			health.Components["recorder"] = rec.Stats()
		}

		status := http.StatusOK
		if health.Status == "unhealthy" {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, health)
	}).Methods(http.MethodGet)

	r.HandleFunc("/debug/subscriptions", func(w http.ResponseWriter, _ *http.Request) {
		subs := mx.Subscriptions()
		writeJSON(w, http.StatusOK, map[string]any{
			"state":         mx.State().String(),
			"count":         len(subs),
			"subscriptions": subs,
		})
	}).Methods(http.MethodGet)

	r.HandleFunc("/debug/streams", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"streams": pool.Stats(),
		})
	}).Methods(http.MethodGet)

	r.HandleFunc("/debug/recorder", func(w http.ResponseWriter, _ *http.Request) {
		if rec == nil {
			writeError(w, http.StatusNotFound, "recorder disabled")
			return
		}
		writeJSON(w, http.StatusOK, rec.Stats())
	}).Methods(http.MethodGet)

	r.HandleFunc("/streams/{name}/send", func(w http.ResponseWriter, req *http.Request) {
		name := mux.Vars(req)["name"]

		body, err := io.ReadAll(io.LimitReader(req.Body, maxSendBody))
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if len(body) == 0 {
			writeError(w, http.StatusBadRequest, "empty body")
			return
		}

		if err := pool.Send(req.Context(), name, body); err != nil {
			logger.Warn("stream send failed", "stream", name, "error", err)
			switch {
			case errors.Is(err, connection.ErrUnknownClient):
				writeError(w, http.StatusNotFound, err.Error())
			case errors.Is(err, connection.ErrNotConnected):
				writeError(w, http.StatusConflict, err.Error())
			default:
				writeError(w, http.StatusInternalServerError, err.Error())
			}
			return
		}

		w.WriteHeader(http.StatusAccepted)
	}).Methods(http.MethodPost)

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
