package api

import (
	"net/http"

	"anomaly-monitor/internal/metrics"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func NewRouter(h *Handler) *mux.Router {
	r := mux.NewRouter()
	r.Use(metrics.Middleware)

	r.HandleFunc("/health", h.health).Methods(http.MethodGet)

	if h.Publisher != nil {
		r.HandleFunc("/telemetry/ingest", h.ingest).Methods(http.MethodPost)
	}
	r.HandleFunc("/telemetry/recent", h.recentTelemetry).Methods(http.MethodGet)

	r.HandleFunc("/analytics/current", h.currentStats).Methods(http.MethodGet)
	r.HandleFunc("/analytics/anomalies", h.recentAnomalies).Methods(http.MethodGet)

	r.HandleFunc("/anomalies", h.listAnomalies).Methods(http.MethodGet)
	r.HandleFunc("/anomalies/{id}", h.getAnomaly).Methods(http.MethodGet)
	r.HandleFunc("/anomalies/{id}/resolve", h.resolveAnomaly).Methods(http.MethodPost)

	r.HandleFunc("/incidents", h.listIncidents).Methods(http.MethodGet)
	r.HandleFunc("/incidents/{id}", h.getIncident).Methods(http.MethodGet)
	r.HandleFunc("/incidents/{id}/complete", h.completeIncident).Methods(http.MethodPost)
	r.HandleFunc("/incidents/{id}/fail", h.failIncident).Methods(http.MethodPost)

	if h.Alerts != nil {
		r.Handle("/ws/alerts", h.Alerts).Methods(http.MethodGet)
	}

	r.Handle("/metrics/prometheus", promhttp.Handler())
	return r
}
