package anomaly

import (
	"context"
	"errors"
	"testing"
	"time"

	"anomaly-monitor/internal/models"
	"anomaly-monitor/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRecorder(s Store) *Recorder {
	r := NewRecorder(s, nil)
	clock := time.Date(2024, 7, 15, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}
	return r
}

func TestRecord(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore(0)
	r := newTestRecorder(s)

	a, err := r.Record(ctx, models.Draft{
		DeviceID:    "t1",
		Kind:        models.KindTemperatureSpike,
		Description: "Temperature of 55°C detected.",
	})
	require.NoError(t, err)

	assert.NotEmpty(t, a.ID)
	assert.Equal(t, "t1", a.DeviceID)
	assert.Equal(t, models.KindTemperatureSpike, a.Kind)
	assert.Equal(t, models.AnomalyUnresolved, a.Status)
	assert.False(t, a.Timestamp.IsZero())
	assert.Nil(t, a.ResolvedAt)

	active, err := r.ListActive(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, a.ID, active[0].ID)

	b, err := r.Record(ctx, models.Draft{DeviceID: "t1", Kind: models.KindTemperatureSpike})
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, b.ID)
}

func TestResolve(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore(0)
	r := newTestRecorder(s)

	a, err := r.Record(ctx, models.Draft{DeviceID: "s1", Kind: models.KindBatteryFailure})
	require.NoError(t, err)

	resolved, err := r.Resolve(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AnomalyResolved, resolved.Status)
	require.NotNil(t, resolved.ResolvedAt)

	active, err := r.ListActive(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, active)

	archive, err := r.ListResolved(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, archive, 1)
	assert.Equal(t, a.ID, archive[0].ID)

	got, err := r.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AnomalyResolved, got.Status)

	_, err = r.Resolve(ctx, a.ID)
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func TestResolveUnknownLeavesArchiveUnchanged(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore(0)
	r := newTestRecorder(s)

	a, err := r.Record(ctx, models.Draft{DeviceID: "s1", Kind: models.KindBatteryFailure})
	require.NoError(t, err)
	_, err = r.Resolve(ctx, a.ID)
	require.NoError(t, err)

	before, err := r.ListResolved(ctx, "")
	require.NoError(t, err)

	_, err = r.Resolve(ctx, "does-not-exist")
	assert.True(t, errors.Is(err, store.ErrNotFound))

	after, err := r.ListResolved(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, before, after)

	_, err = r.Get(ctx, "does-not-exist")
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

type failingStore struct {
	Store
	err error
}

func (f failingStore) InsertAnomaly(context.Context, models.Anomaly) error { return f.err }

func TestRecordStorageFailure(t *testing.T) {
	boom := errors.New("connection refused")
	r := NewRecorder(failingStore{Store: store.NewMemoryStore(0), err: boom}, nil)

	_, err := r.Record(context.Background(), models.Draft{DeviceID: "t1", Kind: models.KindNetworkAnomaly})
	assert.ErrorIs(t, err, boom)
}
