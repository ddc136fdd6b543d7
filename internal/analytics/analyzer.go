package analytics

import (
	"sync"

	"anomaly-monitor/internal/models"
)

const defaultRecentAnomalies = 100

// Tracker keeps running pipeline statistics and the most recent anomalies
// for the analytics endpoints.
type Tracker struct {
	maxRecent int
	anomalies []models.Anomaly
	stats     models.PipelineStats
	mu        sync.RWMutex
}

func NewTracker(maxRecent int) *Tracker {
	if maxRecent <= 0 {
		maxRecent = defaultRecentAnomalies
	}
	return &Tracker{
		maxRecent: maxRecent,
		anomalies: make([]models.Anomaly, 0, maxRecent),
		stats: models.PipelineStats{
			ByKind: make(map[models.AnomalyKind]int64),
		},
	}
}

// Observe accounts for one processed record and the anomalies recorded for it.
func (t *Tracker) Observe(record models.TelemetryRecord, found []models.Anomaly) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.stats.TotalRecords++
	t.stats.LastRecordTime = record.Timestamp

	for _, a := range found {
		t.stats.TotalAnomalies++
		t.stats.ByKind[a.Kind]++
		t.stats.LastAnomalyTime = a.Timestamp

		t.anomalies = append(t.anomalies, a)
		if len(t.anomalies) > t.maxRecent {
			t.anomalies = t.anomalies[1:]
		}
	}

	t.stats.AnomalyRate = float64(t.stats.TotalAnomalies) / float64(t.stats.TotalRecords)
}

func (t *Tracker) ObserveFailure() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stats.Failures++
}

func (t *Tracker) GetCurrentStats() models.PipelineStats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	stats := t.stats
	stats.ByKind = make(map[models.AnomalyKind]int64, len(t.stats.ByKind))
	for k, v := range t.stats.ByKind {
		stats.ByKind[k] = v
	}
	return stats
}

// GetRecentAnomalies returns up to limit anomalies, oldest first.
func (t *Tracker) GetRecentAnomalies(limit int) []models.Anomaly {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if limit <= 0 || limit > len(t.anomalies) {
		limit = len(t.anomalies)
	}

	result := make([]models.Anomaly, limit)
	copy(result, t.anomalies[len(t.anomalies)-limit:])
	return result
}

