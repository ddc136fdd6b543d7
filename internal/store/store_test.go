package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"anomaly-monitor/internal/models"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2024, 7, 15, 12, 0, 0, 0, time.UTC)

func newRedisStore(t *testing.T) Store {
	t.Helper()

	mr := miniredis.RunT(t)
	s, err := NewRedisStore(context.Background(), RedisOptions{Addr: mr.Addr(), TelemetryHistory: 3})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newMemoryStore(t *testing.T) Store {
	t.Helper()
	return NewMemoryStore(3)
}

func backends() map[string]func(t *testing.T) Store {
	return map[string]func(t *testing.T) Store{
		"memory": newMemoryStore,
		"redis":  newRedisStore,
	}
}

func anomaly(id, deviceID string, offset time.Duration) models.Anomaly {
	return models.Anomaly{
		ID:          id,
		DeviceID:    deviceID,
		Timestamp:   base.Add(offset),
		Kind:        models.KindTemperatureSpike,
		Description: "Temperature of 55°C detected.",
		Status:      models.AnomalyUnresolved,
	}
}

func incident(id, deviceID string, offset time.Duration) models.IncidentResponse {
	return models.IncidentResponse{
		IncidentID: id,
		DeviceID:   deviceID,
		Timestamp:  base.Add(offset),
		Response:   "Incident response initiated.",
		Status:     models.ResponseInProgress,
	}
}

func TestAnomalyCollections(t *testing.T) {
	for name, newStore := range backends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore(t)

			require.NoError(t, s.InsertAnomaly(ctx, anomaly("a1", "t1", 0)))
			require.NoError(t, s.InsertAnomaly(ctx, anomaly("a2", "t1", time.Second)))
			require.NoError(t, s.InsertAnomaly(ctx, anomaly("a3", "cam1", 2*time.Second)))

			err := s.InsertAnomaly(ctx, anomaly("a1", "t1", 0))
			assert.True(t, errors.Is(err, ErrDuplicate))

			got, err := s.GetAnomaly(ctx, "a2")
			require.NoError(t, err)
			assert.Equal(t, "t1", got.DeviceID)
			assert.True(t, base.Add(time.Second).Equal(got.Timestamp))

			all, err := s.ListActiveAnomalies(ctx, "")
			require.NoError(t, err)
			assert.Equal(t, []string{"a1", "a2", "a3"}, anomalyIDs(all))

			byDevice, err := s.ListActiveAnomalies(ctx, "t1")
			require.NoError(t, err)
			assert.Equal(t, []string{"a1", "a2"}, anomalyIDs(byDevice))

			resolvedAt := base.Add(time.Minute)
			resolved, err := s.ResolveAnomaly(ctx, "a1", resolvedAt)
			require.NoError(t, err)
			assert.Equal(t, models.AnomalyResolved, resolved.Status)
			require.NotNil(t, resolved.ResolvedAt)
			assert.True(t, resolvedAt.Equal(*resolved.ResolvedAt))

			_, err = s.GetAnomaly(ctx, "a1")
			assert.True(t, errors.Is(err, ErrNotFound))

			archived, err := s.GetResolvedAnomaly(ctx, "a1")
			require.NoError(t, err)
			assert.Equal(t, models.AnomalyResolved, archived.Status)

			active, err := s.ListActiveAnomalies(ctx, "t1")
			require.NoError(t, err)
			assert.Equal(t, []string{"a2"}, anomalyIDs(active))

			archive, err := s.ListResolvedAnomalies(ctx, "t1")
			require.NoError(t, err)
			assert.Equal(t, []string{"a1"}, anomalyIDs(archive))

			_, err = s.ResolveAnomaly(ctx, "a1", resolvedAt)
			assert.True(t, errors.Is(err, ErrNotFound))

			_, err = s.ResolveAnomaly(ctx, "missing", resolvedAt)
			assert.True(t, errors.Is(err, ErrNotFound))

			archive, err = s.ListResolvedAnomalies(ctx, "")
			require.NoError(t, err)
			assert.Len(t, archive, 1)
		})
	}
}

func TestIncidentCollection(t *testing.T) {
	for name, newStore := range backends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore(t)

			require.NoError(t, s.InsertIncident(ctx, incident("i1", "t1", 0)))
			require.NoError(t, s.InsertIncident(ctx, incident("i2", "t1", time.Hour)))
			require.NoError(t, s.InsertIncident(ctx, incident("i3", "cam1", 2*time.Hour)))

			err := s.InsertIncident(ctx, incident("i1", "t1", 0))
			assert.True(t, errors.Is(err, ErrDuplicate))

			got, err := s.GetIncident(ctx, "i3")
			require.NoError(t, err)
			assert.Equal(t, models.ResponseInProgress, got.Status)

			_, err = s.GetIncident(ctx, "nope")
			assert.True(t, errors.Is(err, ErrNotFound))

			tests := []struct {
				name     string
				filter   IncidentFilter
				expected []string
			}{
				{"all", IncidentFilter{}, []string{"i1", "i2", "i3"}},
				{"by device", IncidentFilter{DeviceID: "t1"}, []string{"i1", "i2"}},
				{"from", IncidentFilter{From: base.Add(time.Hour)}, []string{"i2", "i3"}},
				{"to", IncidentFilter{To: base.Add(time.Hour)}, []string{"i1", "i2"}},
				{"device and window", IncidentFilter{DeviceID: "t1", From: base.Add(time.Minute), To: base.Add(3 * time.Hour)}, []string{"i2"}},
				{"unknown device", IncidentFilter{DeviceID: "zzz"}, []string{}},
			}
			for _, tt := range tests {
				list, err := s.ListIncidents(ctx, tt.filter)
				require.NoError(t, err, tt.name)
				assert.Equal(t, tt.expected, incidentIDs(list), tt.name)
			}

			updatedAt := base.Add(5 * time.Hour)
			updated, err := s.UpdateIncident(ctx, "i1", func(r *models.IncidentResponse) error {
				r.Status = models.ResponseCompleted
				r.UpdatedAt = &updatedAt
				return nil
			})
			require.NoError(t, err)
			assert.Equal(t, models.ResponseCompleted, updated.Status)

			got, err = s.GetIncident(ctx, "i1")
			require.NoError(t, err)
			assert.Equal(t, models.ResponseCompleted, got.Status)

			boom := fmt.Errorf("rejected")
			_, err = s.UpdateIncident(ctx, "i2", func(r *models.IncidentResponse) error {
				r.Status = models.ResponseFailed
				return boom
			})
			assert.ErrorIs(t, err, boom)

			got, err = s.GetIncident(ctx, "i2")
			require.NoError(t, err)
			assert.Equal(t, models.ResponseInProgress, got.Status)

			_, err = s.UpdateIncident(ctx, "nope", func(*models.IncidentResponse) error { return nil })
			assert.True(t, errors.Is(err, ErrNotFound))
		})
	}
}

func TestRecentTelemetry(t *testing.T) {
	for name, newStore := range backends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore(t)

			for i := 0; i < 5; i++ {
				rec := models.TelemetryRecord{
					DeviceID:   fmt.Sprintf("d%d", i),
					Timestamp:  base.Add(time.Duration(i) * time.Second),
					Readings:   models.Readings{"temperature": float64(20 + i)},
					DeviceType: "Sensor",
				}
				require.NoError(t, s.StoreTelemetry(ctx, rec))
			}

			recent, err := s.RecentTelemetry(ctx, 0)
			require.NoError(t, err)
			require.Len(t, recent, 3)
			assert.Equal(t, "d4", recent[0].DeviceID)
			assert.Equal(t, "d2", recent[2].DeviceID)

			v, ok := recent[0].Readings.Float("temperature")
			assert.True(t, ok)
			assert.Equal(t, float64(24), v)

			recent, err = s.RecentTelemetry(ctx, 2)
			require.NoError(t, err)
			assert.Len(t, recent, 2)
		})
	}
}

func TestConcurrentResolveArchivesOnce(t *testing.T) {
	for name, newStore := range backends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore(t)
			require.NoError(t, s.InsertAnomaly(ctx, anomaly("a1", "t1", 0)))
			require.NoError(t, s.InsertAnomaly(ctx, anomaly("a2", "t1", time.Second)))

			const workers = 8
			var (
				wg       sync.WaitGroup
				resolved atomic.Int32
				notFound atomic.Int32
			)
			for i := 0; i < workers; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, err := s.ResolveAnomaly(ctx, "a1", base.Add(time.Minute))
					switch {
					case err == nil:
						resolved.Add(1)
					case errors.Is(err, ErrNotFound):
						notFound.Add(1)
					}
				}()
			}
			wg.Wait()

			assert.Equal(t, int32(1), resolved.Load())
			assert.Equal(t, int32(workers-1), notFound.Load())

			active, err := s.ListActiveAnomalies(ctx, "t1")
			require.NoError(t, err)
			assert.Equal(t, []string{"a2"}, anomalyIDs(active))

			archive, err := s.ListResolvedAnomalies(ctx, "t1")
			require.NoError(t, err)
			assert.Equal(t, []string{"a1"}, anomalyIDs(archive))
		})
	}
}

func TestRecentTelemetrySameTimestamp(t *testing.T) {
	for name, newStore := range backends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore(t)

			for _, temp := range []float64{21, 22} {
				require.NoError(t, s.StoreTelemetry(ctx, models.TelemetryRecord{
					DeviceID:  "d1",
					Timestamp: base,
					Readings:  models.Readings{"temperature": temp},
				}))
			}

			recent, err := s.RecentTelemetry(ctx, 0)
			require.NoError(t, err)
			require.Len(t, recent, 2)

			newest, _ := recent[0].Readings.Float("temperature")
			oldest, _ := recent[1].Readings.Float("temperature")
			assert.Equal(t, float64(22), newest)
			assert.Equal(t, float64(21), oldest)
		})
	}
}

func TestNewRedisStoreUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := NewRedisStore(context.Background(), RedisOptions{Addr: addr})
	assert.Error(t, err)
}

func anomalyIDs(list []models.Anomaly) []string {
	ids := make([]string, 0, len(list))
	for _, a := range list {
		ids = append(ids, a.ID)
	}
	return ids
}

func incidentIDs(list []models.IncidentResponse) []string {
	ids := make([]string, 0, len(list))
	for _, r := range list {
		ids = append(ids, r.IncidentID)
	}
	return ids
}
