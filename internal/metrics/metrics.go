package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "endpoint", "status"})

	RequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "Duration of HTTP requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "endpoint"})

	RecordsProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "telemetry_records_processed_total",
		Help: "Total number of telemetry records processed by the monitoring loop",
	})

	AnomaliesDetected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "anomalies_detected_total",
		Help: "Total number of anomalies recorded",
	}, []string{"kind"})

	AnomaliesResolved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "anomalies_resolved_total",
		Help: "Total number of anomalies moved to the archive",
	})

	IncidentResponses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "incident_responses_total",
		Help: "Incident responses by status they entered",
	}, []string{"status"})

	PipelineFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_failures_total",
		Help: "Storage failures that aborted a record's pipeline, by stage",
	}, []string{"stage"})

	DispatchFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "alert_dispatch_failures_total",
		Help: "Alert notifications that could not be delivered",
	}, []string{"notifier"})

	TelemetryQueueSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "telemetry_queue_size",
		Help: "Records waiting in the ingest queue",
	})
)

// Middleware records request count and latency per route template.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rw, r)

		endpoint := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tpl, err := route.GetPathTemplate(); err == nil {
				endpoint = tpl
			}
		}

		RequestDuration.WithLabelValues(r.Method, endpoint).Observe(time.Since(start).Seconds())
		HTTPRequestsTotal.WithLabelValues(r.Method, endpoint, strconv.Itoa(rw.status)).Inc()
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack lets websocket upgrades pass through the middleware.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return h.Hijack()
}
