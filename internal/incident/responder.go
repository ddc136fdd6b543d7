package incident

import (
	"context"
	"errors"
	"fmt"
	"time"

	"anomaly-monitor/internal/metrics"
	"anomaly-monitor/internal/models"
	"anomaly-monitor/internal/store"

	"go.uber.org/zap"
)

const initiatedMessage = "Incident response initiated."

// ErrInvalidTransition is returned when a response is not in progress.
// Completed and failed responses are terminal.
var ErrInvalidTransition = errors.New("invalid incident status transition")

type Store interface {
	InsertIncident(ctx context.Context, r models.IncidentResponse) error
	GetIncident(ctx context.Context, id string) (models.IncidentResponse, error)
	UpdateIncident(ctx context.Context, id string, fn func(*models.IncidentResponse) error) (models.IncidentResponse, error)
	ListIncidents(ctx context.Context, filter store.IncidentFilter) ([]models.IncidentResponse, error)
}

// Responder opens one incident response per anomaly and lets an operator
// close it. It never looks at the anomaly's own resolution state.
type Responder struct {
	store Store
	log   *zap.Logger
	now   func() time.Time
}

func NewResponder(s Store, log *zap.Logger) *Responder {
	if log == nil {
		log = zap.NewNop()
	}
	return &Responder{
		store: s,
		log:   log,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (r *Responder) Respond(ctx context.Context, a models.Anomaly) (models.IncidentResponse, error) {
	resp := models.IncidentResponse{
		IncidentID: a.ID,
		DeviceID:   a.DeviceID,
		Timestamp:  r.now(),
		Response:   initiatedMessage,
		Status:     models.ResponseInProgress,
	}

	if err := r.store.InsertIncident(ctx, resp); err != nil {
		return models.IncidentResponse{}, fmt.Errorf("respond to anomaly %s: %w", a.ID, err)
	}

	metrics.IncidentResponses.WithLabelValues(string(resp.Status)).Inc()
	r.log.Info("incident response initiated",
		zap.String("incident_id", resp.IncidentID),
		zap.String("device_id", resp.DeviceID))
	return resp, nil
}

func (r *Responder) Get(ctx context.Context, id string) (models.IncidentResponse, error) {
	return r.store.GetIncident(ctx, id)
}

func (r *Responder) List(ctx context.Context, filter store.IncidentFilter) ([]models.IncidentResponse, error) {
	return r.store.ListIncidents(ctx, filter)
}

func (r *Responder) Complete(ctx context.Context, id string) (models.IncidentResponse, error) {
	return r.transition(ctx, id, models.ResponseCompleted)
}

func (r *Responder) Fail(ctx context.Context, id string) (models.IncidentResponse, error) {
	return r.transition(ctx, id, models.ResponseFailed)
}

func (r *Responder) transition(ctx context.Context, id string, to models.ResponseStatus) (models.IncidentResponse, error) {
	at := r.now()
	resp, err := r.store.UpdateIncident(ctx, id, func(cur *models.IncidentResponse) error {
		if cur.Status != models.ResponseInProgress {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur.Status, to)
		}
		cur.Status = to
		cur.UpdatedAt = &at
		return nil
	})
	if err != nil {
		return models.IncidentResponse{}, fmt.Errorf("update incident %s: %w", id, err)
	}

	metrics.IncidentResponses.WithLabelValues(string(to)).Inc()
	r.log.Info("incident response updated",
		zap.String("incident_id", id),
		zap.String("status", string(to)))
	return resp, nil
}
