package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"anomaly-monitor/internal/analytics"
	"anomaly-monitor/internal/incident"
	"anomaly-monitor/internal/models"
	"anomaly-monitor/internal/store"
	"anomaly-monitor/internal/telemetry"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

const (
	version               = "1.0.0"
	maxIngestBytes        = 1 << 20
	defaultRecentLimit    = 10
	defaultTelemetryCount = 100
)

type Publisher interface {
	Publish(record models.TelemetryRecord) error
}

type TelemetryReader interface {
	RecentTelemetry(ctx context.Context, count int64) ([]models.TelemetryRecord, error)
}

type Anomalies interface {
	Get(ctx context.Context, id string) (models.Anomaly, error)
	Resolve(ctx context.Context, id string) (models.Anomaly, error)
	ListActive(ctx context.Context, deviceID string) ([]models.Anomaly, error)
	ListResolved(ctx context.Context, deviceID string) ([]models.Anomaly, error)
}

type Incidents interface {
	Get(ctx context.Context, id string) (models.IncidentResponse, error)
	List(ctx context.Context, filter store.IncidentFilter) ([]models.IncidentResponse, error)
	Complete(ctx context.Context, id string) (models.IncidentResponse, error)
	Fail(ctx context.Context, id string) (models.IncidentResponse, error)
}

// Handler serves the operator API. Publisher and Alerts are optional: the
// ingest route exists only with the HTTP telemetry source and /ws/alerts only
// when websocket alerting is enabled.
type Handler struct {
	Publisher Publisher
	Telemetry TelemetryReader
	Tracker   *analytics.Tracker
	Anomalies Anomalies
	Incidents Incidents
	Alerts    http.Handler
	Log       *zap.Logger
}

func (h *Handler) logger() *zap.Logger {
	if h.Log == nil {
		return zap.NewNop()
	}
	return h.Log
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"version":   version,
	})
}

func (h *Handler) ingest(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxIngestBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	record, err := telemetry.Decode(body, time.Now())
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	switch err := h.Publisher.Publish(record); {
	case err == nil:
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
	case errors.Is(err, telemetry.ErrQueueFull), errors.Is(err, telemetry.ErrClosed):
		h.logger().Warn("telemetry rejected", zap.String("device_id", record.DeviceID), zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

func (h *Handler) recentTelemetry(w http.ResponseWriter, r *http.Request) {
	count, err := intParam(r, "count", defaultTelemetryCount)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	records, err := h.Telemetry.RecentTelemetry(r.Context(), int64(count))
	if err != nil {
		h.internalError(w, "failed to read telemetry", err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (h *Handler) currentStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Tracker.GetCurrentStats())
}

func (h *Handler) recentAnomalies(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit", defaultRecentLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, h.Tracker.GetRecentAnomalies(limit))
}

func (h *Handler) listAnomalies(w http.ResponseWriter, r *http.Request) {
	deviceID := r.URL.Query().Get("deviceId")

	var (
		list []models.Anomaly
		err  error
	)
	switch state := r.URL.Query().Get("state"); state {
	case "", "active":
		list, err = h.Anomalies.ListActive(r.Context(), deviceID)
	case "resolved":
		list, err = h.Anomalies.ListResolved(r.Context(), deviceID)
	default:
		writeError(w, http.StatusBadRequest, errors.New("state must be active or resolved"))
		return
	}
	if err != nil {
		h.internalError(w, "failed to list anomalies", err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *Handler) getAnomaly(w http.ResponseWriter, r *http.Request) {
	a, err := h.Anomalies.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.storeError(w, "failed to get anomaly", err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (h *Handler) resolveAnomaly(w http.ResponseWriter, r *http.Request) {
	a, err := h.Anomalies.Resolve(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.storeError(w, "failed to resolve anomaly", err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (h *Handler) listIncidents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.IncidentFilter{DeviceID: q.Get("deviceId")}

	var err error
	if filter.From, err = timeParam(q.Get("from")); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if filter.To, err = timeParam(q.Get("to")); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	list, err := h.Incidents.List(r.Context(), filter)
	if err != nil {
		h.internalError(w, "failed to list incidents", err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *Handler) getIncident(w http.ResponseWriter, r *http.Request) {
	resp, err := h.Incidents.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.storeError(w, "failed to get incident", err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) completeIncident(w http.ResponseWriter, r *http.Request) {
	h.transitionIncident(w, r, h.Incidents.Complete)
}

func (h *Handler) failIncident(w http.ResponseWriter, r *http.Request) {
	h.transitionIncident(w, r, h.Incidents.Fail)
}

func (h *Handler) transitionIncident(w http.ResponseWriter, r *http.Request, fn func(context.Context, string) (models.IncidentResponse, error)) {
	resp, err := fn(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.storeError(w, "failed to update incident", err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) storeError(w http.ResponseWriter, msg string, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, incident.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err)
	default:
		h.internalError(w, msg, err)
	}
}

func (h *Handler) internalError(w http.ResponseWriter, msg string, err error) {
	h.logger().Error(msg, zap.Error(err))
	writeError(w, http.StatusInternalServerError, errors.New(msg))
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func intParam(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.New(name + " must be a non-negative integer")
	}
	return n, nil
}

func timeParam(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, errors.New("timestamps must be RFC3339")
	}
	return t, nil
}
