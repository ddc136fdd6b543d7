package analytics

import (
	"fmt"
	"testing"
	"time"

	"anomaly-monitor/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrackerObserve(t *testing.T) {
	tr := NewTracker(3)
	now := time.Date(2024, 7, 15, 12, 0, 0, 0, time.UTC)

	tr.Observe(models.TelemetryRecord{DeviceID: "s1", Timestamp: now}, nil)
	tr.Observe(models.TelemetryRecord{DeviceID: "cam9", Timestamp: now.Add(time.Second)}, []models.Anomaly{
		{ID: "a1", Kind: models.KindTemperatureSpike, Timestamp: now.Add(time.Second)},
		{ID: "a2", Kind: models.KindUnauthorizedAccess, Timestamp: now.Add(time.Second)},
	})
	tr.ObserveFailure()

	stats := tr.GetCurrentStats()
	assert.Equal(t, int64(2), stats.TotalRecords)
	assert.Equal(t, int64(2), stats.TotalAnomalies)
	assert.Equal(t, 1.0, stats.AnomalyRate)
	assert.Equal(t, int64(1), stats.Failures)
	assert.Equal(t, int64(1), stats.ByKind[models.KindTemperatureSpike])
	assert.True(t, now.Add(time.Second).Equal(stats.LastAnomalyTime))

	stats.ByKind[models.KindBatteryFailure] = 99
	assert.Zero(t, tr.GetCurrentStats().ByKind[models.KindBatteryFailure])
}

func TestTrackerRecentAnomaliesBounded(t *testing.T) {
	tr := NewTracker(3)
	for i := 0; i < 5; i++ {
		tr.Observe(models.TelemetryRecord{}, []models.Anomaly{{ID: fmt.Sprintf("a%d", i)}})
	}

	recent := tr.GetRecentAnomalies(0)
	require.Len(t, recent, 3)
	assert.Equal(t, "a2", recent[0].ID)
	assert.Equal(t, "a4", recent[2].ID)

	recent = tr.GetRecentAnomalies(2)
	require.Len(t, recent, 2)
	assert.Equal(t, "a3", recent[0].ID)

	assert.Empty(t, NewTracker(0).GetRecentAnomalies(10))
}
