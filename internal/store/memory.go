package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"anomaly-monitor/internal/models"
)

const defaultTelemetryHistory = 1000

// MemoryStore keeps every collection in process memory. It is used when no
// Redis is configured and in tests.
type MemoryStore struct {
	mu        sync.RWMutex
	active    map[string]models.Anomaly
	resolved  map[string]models.Anomaly
	incidents map[string]models.IncidentResponse
	telemetry []models.TelemetryRecord
	capacity  int
}

func NewMemoryStore(telemetryHistory int) *MemoryStore {
	if telemetryHistory <= 0 {
		telemetryHistory = defaultTelemetryHistory
	}
	return &MemoryStore{
		active:    make(map[string]models.Anomaly),
		resolved:  make(map[string]models.Anomaly),
		incidents: make(map[string]models.IncidentResponse),
		telemetry: make([]models.TelemetryRecord, 0, telemetryHistory),
		capacity:  telemetryHistory,
	}
}

func (s *MemoryStore) InsertAnomaly(_ context.Context, a models.Anomaly) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.active[a.ID]; ok {
		return fmt.Errorf("anomaly %s: %w", a.ID, ErrDuplicate)
	}
	s.active[a.ID] = a
	return nil
}

func (s *MemoryStore) GetAnomaly(_ context.Context, id string) (models.Anomaly, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.active[id]
	if !ok {
		return models.Anomaly{}, fmt.Errorf("anomaly %s: %w", id, ErrNotFound)
	}
	return a, nil
}

func (s *MemoryStore) GetResolvedAnomaly(_ context.Context, id string) (models.Anomaly, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.resolved[id]
	if !ok {
		return models.Anomaly{}, fmt.Errorf("resolved anomaly %s: %w", id, ErrNotFound)
	}
	return a, nil
}

func (s *MemoryStore) ResolveAnomaly(_ context.Context, id string, at time.Time) (models.Anomaly, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.active[id]
	if !ok {
		return models.Anomaly{}, fmt.Errorf("anomaly %s: %w", id, ErrNotFound)
	}
	delete(s.active, id)

	a.Status = models.AnomalyResolved
	a.ResolvedAt = &at
	s.resolved[id] = a
	return a, nil
}

func (s *MemoryStore) ListActiveAnomalies(_ context.Context, deviceID string) ([]models.Anomaly, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return filterAnomalies(s.active, deviceID), nil
}

func (s *MemoryStore) ListResolvedAnomalies(_ context.Context, deviceID string) ([]models.Anomaly, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return filterAnomalies(s.resolved, deviceID), nil
}

func filterAnomalies(set map[string]models.Anomaly, deviceID string) []models.Anomaly {
	result := make([]models.Anomaly, 0, len(set))
	for _, a := range set {
		if deviceID == "" || a.DeviceID == deviceID {
			result = append(result, a)
		}
	}
	sortAnomalies(result)
	return result
}

func (s *MemoryStore) InsertIncident(_ context.Context, r models.IncidentResponse) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.incidents[r.IncidentID]; ok {
		return fmt.Errorf("incident %s: %w", r.IncidentID, ErrDuplicate)
	}
	s.incidents[r.IncidentID] = r
	return nil
}

func (s *MemoryStore) GetIncident(_ context.Context, id string) (models.IncidentResponse, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.incidents[id]
	if !ok {
		return models.IncidentResponse{}, fmt.Errorf("incident %s: %w", id, ErrNotFound)
	}
	return r, nil
}

func (s *MemoryStore) UpdateIncident(_ context.Context, id string, fn func(*models.IncidentResponse) error) (models.IncidentResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.incidents[id]
	if !ok {
		return models.IncidentResponse{}, fmt.Errorf("incident %s: %w", id, ErrNotFound)
	}
	if err := fn(&r); err != nil {
		return models.IncidentResponse{}, err
	}
	s.incidents[id] = r
	return r, nil
}

func (s *MemoryStore) ListIncidents(_ context.Context, filter IncidentFilter) ([]models.IncidentResponse, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]models.IncidentResponse, 0)
	for _, r := range s.incidents {
		if filter.matches(r) {
			result = append(result, r)
		}
	}
	sortIncidents(result)
	return result, nil
}

func (s *MemoryStore) StoreTelemetry(_ context.Context, record models.TelemetryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.telemetry) >= s.capacity {
		s.telemetry = s.telemetry[1:]
	}
	s.telemetry = append(s.telemetry, record)
	return nil
}

// RecentTelemetry returns up to count records, newest first.
func (s *MemoryStore) RecentTelemetry(_ context.Context, count int64) ([]models.TelemetryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := int(count)
	if n <= 0 || n > len(s.telemetry) {
		n = len(s.telemetry)
	}
	result := make([]models.TelemetryRecord, 0, n)
	for i := len(s.telemetry) - 1; i >= len(s.telemetry)-n; i-- {
		result = append(result, s.telemetry[i])
	}
	return result, nil
}

func (s *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)
