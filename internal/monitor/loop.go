package monitor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"anomaly-monitor/internal/analytics"
	"anomaly-monitor/internal/detector"
	"anomaly-monitor/internal/metrics"
	"anomaly-monitor/internal/models"
	"anomaly-monitor/internal/telemetry"

	"go.uber.org/zap"
)

const receiveBackoff = time.Second

type Recorder interface {
	Record(ctx context.Context, d models.Draft) (models.Anomaly, error)
}

type Dispatcher interface {
	Dispatch(ctx context.Context, a models.Anomaly)
}

type Responder interface {
	Respond(ctx context.Context, a models.Anomaly) (models.IncidentResponse, error)
}

type TelemetryCache interface {
	StoreTelemetry(ctx context.Context, record models.TelemetryRecord) error
}

// Components are the collaborators a Loop drives. Cache and Tracker are optional.
type Components struct {
	Detectors  *detector.Set
	Recorder   Recorder
	Dispatcher Dispatcher
	Responder  Responder
	Cache      TelemetryCache
	Tracker    *analytics.Tracker
}

// Finding is one anomaly and the incident response opened for it.
type Finding struct {
	Anomaly  models.Anomaly
	Response models.IncidentResponse
}

type Result struct {
	Record   models.TelemetryRecord
	Findings []Finding
}

// Loop consumes a telemetry subscription one record at a time.
type Loop struct {
	source telemetry.Source
	c      Components
	log    *zap.Logger
}

var errMissingComponent = errors.New("monitor: missing component")

// NewLoop requires a source, detectors, recorder, dispatcher and responder.
func NewLoop(source telemetry.Source, c Components, log *zap.Logger) (*Loop, error) {
	switch {
	case source == nil:
		return nil, fmt.Errorf("%w: source", errMissingComponent)
	case c.Detectors == nil:
		return nil, fmt.Errorf("%w: detectors", errMissingComponent)
	case c.Recorder == nil:
		return nil, fmt.Errorf("%w: recorder", errMissingComponent)
	case c.Dispatcher == nil:
		return nil, fmt.Errorf("%w: dispatcher", errMissingComponent)
	case c.Responder == nil:
		return nil, fmt.Errorf("%w: responder", errMissingComponent)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Loop{source: source, c: c, log: log}, nil
}

// Run processes records until the stream closes (nil) or ctx is cancelled
// (ctx.Err()). A record whose processing fails is logged and skipped.
func (l *Loop) Run(ctx context.Context) error {
	sub, err := l.source.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("subscribe to telemetry: %w", err)
	}
	defer sub.Close()

	l.log.Info("monitoring telemetry for anomalies")

	for {
		record, err := sub.Next(ctx)
		switch {
		case errors.Is(err, telemetry.ErrClosed):
			l.log.Info("telemetry stream closed")
			return nil
		case ctx.Err() != nil:
			return ctx.Err()
		case err != nil:
			l.log.Warn("failed to receive telemetry", zap.Error(err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(receiveBackoff):
			}
			continue
		}

		if _, err := l.Process(ctx, record); err != nil {
			l.log.Error("record processing aborted",
				zap.String("device_id", record.DeviceID),
				zap.Error(err))
		}
	}
}

// Process runs every detector over record and, for each finding, records the
// anomaly, dispatches the alert and opens the incident response, in that
// order. A storage failure stops the remaining findings of this record.
// Cancelling ctx does not interrupt a record already being processed.
func (l *Loop) Process(ctx context.Context, record models.TelemetryRecord) (Result, error) {
	ctx = context.WithoutCancel(ctx)
	result := Result{Record: record}

	if l.c.Cache != nil {
		if err := l.c.Cache.StoreTelemetry(ctx, record); err != nil {
			l.log.Warn("failed to cache telemetry", zap.String("device_id", record.DeviceID), zap.Error(err))
		}
	}

	err := l.handle(ctx, record, &result)

	metrics.RecordsProcessed.Inc()
	if l.c.Tracker != nil {
		l.c.Tracker.Observe(record, result.anomalies())
		if err != nil {
			l.c.Tracker.ObserveFailure()
		}
	}
	return result, err
}

func (l *Loop) handle(ctx context.Context, record models.TelemetryRecord, result *Result) error {
	for _, draft := range l.c.Detectors.Run(record) {
		a, err := l.c.Recorder.Record(ctx, draft)
		if err != nil {
			metrics.PipelineFailures.WithLabelValues("record").Inc()
			return err
		}

		l.c.Dispatcher.Dispatch(ctx, a)

		resp, err := l.c.Responder.Respond(ctx, a)
		if err != nil {
			metrics.PipelineFailures.WithLabelValues("respond").Inc()
			result.Findings = append(result.Findings, Finding{Anomaly: a})
			return err
		}

		result.Findings = append(result.Findings, Finding{Anomaly: a, Response: resp})
	}
	return nil
}

func (r Result) anomalies() []models.Anomaly {
	out := make([]models.Anomaly, 0, len(r.Findings))
	for _, f := range r.Findings {
		out = append(out, f.Anomaly)
	}
	return out
}
