package store

import (
	"context"
	"errors"
	"sort"
	"time"

	"anomaly-monitor/internal/models"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("already exists")
)

// IncidentFilter narrows ListIncidents. Zero values match everything;
// From and To are inclusive.
type IncidentFilter struct {
	DeviceID string
	From     time.Time
	To       time.Time
}

func (f IncidentFilter) matches(r models.IncidentResponse) bool {
	if f.DeviceID != "" && r.DeviceID != f.DeviceID {
		return false
	}
	if !f.From.IsZero() && r.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && r.Timestamp.After(f.To) {
		return false
	}
	return true
}

// Store is the document store behind the recorder, the responder and the
// telemetry cache. Active and resolved anomalies are separate collections.
type Store interface {
	InsertAnomaly(ctx context.Context, a models.Anomaly) error
	GetAnomaly(ctx context.Context, id string) (models.Anomaly, error)
	GetResolvedAnomaly(ctx context.Context, id string) (models.Anomaly, error)
	ResolveAnomaly(ctx context.Context, id string, at time.Time) (models.Anomaly, error)
	ListActiveAnomalies(ctx context.Context, deviceID string) ([]models.Anomaly, error)
	ListResolvedAnomalies(ctx context.Context, deviceID string) ([]models.Anomaly, error)

	InsertIncident(ctx context.Context, r models.IncidentResponse) error
	GetIncident(ctx context.Context, id string) (models.IncidentResponse, error)
	UpdateIncident(ctx context.Context, id string, fn func(*models.IncidentResponse) error) (models.IncidentResponse, error)
	ListIncidents(ctx context.Context, filter IncidentFilter) ([]models.IncidentResponse, error)

	StoreTelemetry(ctx context.Context, record models.TelemetryRecord) error
	RecentTelemetry(ctx context.Context, count int64) ([]models.TelemetryRecord, error)

	Close() error
}

func sortAnomalies(list []models.Anomaly) {
	sort.Slice(list, func(i, j int) bool {
		if list[i].Timestamp.Equal(list[j].Timestamp) {
			return list[i].ID < list[j].ID
		}
		return list[i].Timestamp.Before(list[j].Timestamp)
	})
}

func sortIncidents(list []models.IncidentResponse) {
	sort.Slice(list, func(i, j int) bool {
		if list[i].Timestamp.Equal(list[j].Timestamp) {
			return list[i].IncidentID < list[j].IncidentID
		}
		return list[i].Timestamp.Before(list[j].Timestamp)
	})
}
