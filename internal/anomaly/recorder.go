package anomaly

import (
	"context"
	"errors"
	"fmt"
	"time"

	"anomaly-monitor/internal/metrics"
	"anomaly-monitor/internal/models"
	"anomaly-monitor/internal/store"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Store is the persistence the recorder needs: an active collection and an
// append-only archive of resolved anomalies.
type Store interface {
	InsertAnomaly(ctx context.Context, a models.Anomaly) error
	GetAnomaly(ctx context.Context, id string) (models.Anomaly, error)
	GetResolvedAnomaly(ctx context.Context, id string) (models.Anomaly, error)
	ResolveAnomaly(ctx context.Context, id string, at time.Time) (models.Anomaly, error)
	ListActiveAnomalies(ctx context.Context, deviceID string) ([]models.Anomaly, error)
	ListResolvedAnomalies(ctx context.Context, deviceID string) ([]models.Anomaly, error)
}

type Recorder struct {
	store Store
	log   *zap.Logger
	now   func() time.Time
	newID func() string
}

func NewRecorder(s Store, log *zap.Logger) *Recorder {
	if log == nil {
		log = zap.NewNop()
	}
	return &Recorder{
		store: s,
		log:   log,
		now:   func() time.Time { return time.Now().UTC() },
		newID: uuid.NewString,
	}
}

// Record assigns an id and creation time to the draft and stores it as an
// unresolved anomaly.
func (r *Recorder) Record(ctx context.Context, d models.Draft) (models.Anomaly, error) {
	a := models.Anomaly{
		ID:          r.newID(),
		DeviceID:    d.DeviceID,
		Timestamp:   r.now(),
		Kind:        d.Kind,
		Description: d.Description,
		Status:      models.AnomalyUnresolved,
	}

	if err := r.store.InsertAnomaly(ctx, a); err != nil {
		return models.Anomaly{}, fmt.Errorf("record anomaly for %s: %w", d.DeviceID, err)
	}

	metrics.AnomaliesDetected.WithLabelValues(string(a.Kind)).Inc()
	r.log.Debug("anomaly recorded",
		zap.String("id", a.ID),
		zap.String("device_id", a.DeviceID),
		zap.String("type", string(a.Kind)))
	return a, nil
}

// Resolve moves an active anomaly into the archive. Resolving an id that is
// not active, including one already resolved, returns store.ErrNotFound.
func (r *Recorder) Resolve(ctx context.Context, id string) (models.Anomaly, error) {
	a, err := r.store.ResolveAnomaly(ctx, id, r.now())
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			r.log.Info("anomaly not found", zap.String("id", id))
		}
		return models.Anomaly{}, fmt.Errorf("resolve anomaly: %w", err)
	}

	metrics.AnomaliesResolved.Inc()
	r.log.Info("anomaly resolved", zap.String("id", id), zap.String("device_id", a.DeviceID))
	return a, nil
}

// Get looks the id up in the active set first, then in the archive.
func (r *Recorder) Get(ctx context.Context, id string) (models.Anomaly, error) {
	a, err := r.store.GetAnomaly(ctx, id)
	if err == nil || !errors.Is(err, store.ErrNotFound) {
		return a, err
	}
	return r.store.GetResolvedAnomaly(ctx, id)
}

func (r *Recorder) ListActive(ctx context.Context, deviceID string) ([]models.Anomaly, error) {
	return r.store.ListActiveAnomalies(ctx, deviceID)
}

func (r *Recorder) ListResolved(ctx context.Context, deviceID string) ([]models.Anomaly, error) {
	return r.store.ListResolvedAnomalies(ctx, deviceID)
}
