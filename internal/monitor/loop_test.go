package monitor

import (
	"context"
	"errors"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"anomaly-monitor/internal/alerting"
	"anomaly-monitor/internal/analytics"
	"anomaly-monitor/internal/anomaly"
	"anomaly-monitor/internal/detector"
	"anomaly-monitor/internal/incident"
	"anomaly-monitor/internal/models"
	"anomaly-monitor/internal/store"
	"anomaly-monitor/internal/telemetry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pipeline struct {
	store    *store.MemoryStore
	recorder *anomaly.Recorder
	source   *telemetry.ChannelSource
	tracker  *analytics.Tracker
	notifier *countingNotifier
	loop     *Loop
}

type countingNotifier struct {
	mu   sync.Mutex
	seen []models.Anomaly
	err  error
}

func (*countingNotifier) Name() string { return "counting" }

func (n *countingNotifier) Notify(_ context.Context, a models.Anomaly) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.seen = append(n.seen, a)
	return n.err
}

func (n *countingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.seen)
}

func newPipeline(t *testing.T, s *store.MemoryStore, notifyErr error) *pipeline {
	t.Helper()

	p := &pipeline{
		store:    s,
		recorder: anomaly.NewRecorder(s, nil),
		source:   telemetry.NewChannelSource(16),
		tracker:  analytics.NewTracker(10),
		notifier: &countingNotifier{err: notifyErr},
	}
	loop, err := NewLoop(p.source, Components{
		Detectors:  detector.NewSet(detector.NewPolicy(detector.DefaultThresholds(), nil)),
		Recorder:   p.recorder,
		Dispatcher: alerting.NewDispatcher(nil, p.notifier),
		Responder:  incident.NewResponder(s, nil),
		Cache:      s,
		Tracker:    p.tracker,
	}, nil)
	require.NoError(t, err)
	p.loop = loop
	return p
}

func rec(deviceID, deviceType string, readings models.Readings) models.TelemetryRecord {
	return models.TelemetryRecord{
		DeviceID:   deviceID,
		DeviceType: deviceType,
		Timestamp:  time.Now().UTC(),
		Readings:   readings,
	}
}

func TestProcessScenarios(t *testing.T) {
	tests := []struct {
		name   string
		record models.TelemetryRecord
		kinds  []models.AnomalyKind
	}{
		{
			name:   "temperature spike",
			record: rec("t1", "Sensor", models.Readings{"temperature": 55.0}),
			kinds:  []models.AnomalyKind{models.KindTemperatureSpike},
		},
		{
			name:   "unauthorized access without battery failure",
			record: rec("cam1", "Security Camera", models.Readings{"motionDetected": true, "battery": 98.0}),
			kinds:  []models.AnomalyKind{models.KindUnauthorizedAccess},
		},
		{
			name:   "battery failure only",
			record: rec("s1", "Sensor", models.Readings{"battery": 5.0, "temperature": 30.0}),
			kinds:  []models.AnomalyKind{models.KindBatteryFailure},
		},
		{
			name:   "quiet record",
			record: rec("s2", "Sensor", models.Readings{"battery": 80.0, "temperature": 20.0}),
			kinds:  nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			p := newPipeline(t, store.NewMemoryStore(0), nil)

			result, err := p.loop.Process(ctx, tt.record)
			require.NoError(t, err)
			require.Len(t, result.Findings, len(tt.kinds))

			for i, f := range result.Findings {
				assert.Equal(t, tt.kinds[i], f.Anomaly.Kind)
				assert.Equal(t, models.AnomalyUnresolved, f.Anomaly.Status)
				assert.Equal(t, f.Anomaly.ID, f.Response.IncidentID)
				assert.Equal(t, tt.record.DeviceID, f.Response.DeviceID)
				assert.Equal(t, models.ResponseInProgress, f.Response.Status)
			}

			active, err := p.store.ListActiveAnomalies(ctx, tt.record.DeviceID)
			require.NoError(t, err)
			assert.Len(t, active, len(tt.kinds))

			responses, err := p.store.ListIncidents(ctx, store.IncidentFilter{DeviceID: tt.record.DeviceID})
			require.NoError(t, err)
			assert.Len(t, responses, len(tt.kinds))

			assert.Equal(t, len(tt.kinds), p.notifier.count())

			cached, err := p.store.RecentTelemetry(ctx, 1)
			require.NoError(t, err)
			require.Len(t, cached, 1)
			assert.Equal(t, tt.record.DeviceID, cached[0].DeviceID)
		})
	}
}

func TestAnomalyCountMatchesFiringDetectors(t *testing.T) {
	ctx := context.Background()
	p := newPipeline(t, store.NewMemoryStore(0), nil)
	rnd := rand.New(rand.NewSource(42))

	types := []string{"Sensor", "Security Camera", "Gateway"}
	total := 0
	for i := 0; i < 200; i++ {
		readings := models.Readings{
			"temperature":    rnd.Float64() * 100,
			"battery":        rnd.Float64() * 100,
			"networkTraffic": rnd.Float64() * 2000,
			"motionDetected": rnd.Intn(2) == 0,
		}
		r := rec("d", types[rnd.Intn(len(types))], readings)

		expected := 0
		if readings["temperature"].(float64) > 50 {
			expected++
		}
		if readings["motionDetected"].(bool) && r.DeviceType == "Security Camera" {
			expected++
		}
		if readings["battery"].(float64) < 10 {
			expected++
		}
		if readings["networkTraffic"].(float64) > 1000 {
			expected++
		}

		result, err := p.loop.Process(ctx, r)
		require.NoError(t, err)
		assert.Len(t, result.Findings, expected)
		total += expected
	}

	active, err := p.store.ListActiveAnomalies(ctx, "")
	require.NoError(t, err)
	assert.Len(t, active, total)

	responses, err := p.store.ListIncidents(ctx, store.IncidentFilter{})
	require.NoError(t, err)
	assert.Len(t, responses, total)

	stats := p.tracker.GetCurrentStats()
	assert.Equal(t, int64(200), stats.TotalRecords)
	assert.Equal(t, int64(total), stats.TotalAnomalies)
}

func TestDispatchFailureDoesNotBlockWrites(t *testing.T) {
	ctx := context.Background()
	p := newPipeline(t, store.NewMemoryStore(0), errors.New("webhook unreachable"))

	result, err := p.loop.Process(ctx, rec("cam9", "Security Camera", models.Readings{
		"temperature":    70.0,
		"motionDetected": true,
	}))
	require.NoError(t, err)
	require.Len(t, result.Findings, 2)
	assert.Equal(t, 2, p.notifier.count())

	for _, f := range result.Findings {
		_, err := p.store.GetAnomaly(ctx, f.Anomaly.ID)
		assert.NoError(t, err)
		_, err = p.store.GetIncident(ctx, f.Anomaly.ID)
		assert.NoError(t, err)
	}
}

type brokenIncidentStore struct {
	*store.MemoryStore
}

func (brokenIncidentStore) InsertIncident(context.Context, models.IncidentResponse) error {
	return errors.New("write timeout")
}

func TestStorageFailureAbortsRecordOnly(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore(0)
	p := newPipeline(t, s, nil)
	p.loop.c.Responder = incident.NewResponder(brokenIncidentStore{s}, nil)

	result, err := p.loop.Process(ctx, rec("cam9", "Security Camera", models.Readings{
		"temperature":    70.0,
		"motionDetected": true,
	}))
	require.Error(t, err)

	// The first anomaly was recorded and alerted, then the response write
	// failed and the second finding was never attempted.
	require.Len(t, result.Findings, 1)
	assert.Empty(t, result.Findings[0].Response.IncidentID)
	assert.Equal(t, 1, p.notifier.count())

	active, err := s.ListActiveAnomalies(ctx, "cam9")
	require.NoError(t, err)
	assert.Len(t, active, 1)

	stats := p.tracker.GetCurrentStats()
	assert.Equal(t, int64(1), stats.Failures)
	assert.Equal(t, int64(1), stats.TotalAnomalies)
}

func TestRunDrainsSourceAndContinuesAfterFailure(t *testing.T) {
	s := store.NewMemoryStore(0)
	p := newPipeline(t, s, nil)

	broken := &flakyRecorder{Recorder: p.recorder, failDevice: "bad"}
	p.loop.c.Recorder = broken

	require.NoError(t, p.source.Publish(rec("bad", "Sensor", models.Readings{"temperature": 90.0})))
	require.NoError(t, p.source.Publish(rec("t1", "Sensor", models.Readings{"temperature": 55.0})))
	require.NoError(t, p.source.Publish(rec("s1", "Sensor", models.Readings{"battery": 5.0})))
	p.source.Close()

	require.NoError(t, p.loop.Run(context.Background()))

	active, err := s.ListActiveAnomalies(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, int64(3), p.tracker.GetCurrentStats().TotalRecords)
}

type flakyRecorder struct {
	Recorder
	failDevice string
}

func (f *flakyRecorder) Record(ctx context.Context, d models.Draft) (models.Anomaly, error) {
	if d.DeviceID == f.failDevice {
		return models.Anomaly{}, errors.New("insert failed")
	}
	return f.Recorder.Record(ctx, d)
}

func TestRunStopsOnCancel(t *testing.T) {
	p := newPipeline(t, store.NewMemoryStore(0), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.loop.Run(ctx) }()

	require.NoError(t, p.source.Publish(rec("t1", "Sensor", models.Readings{"temperature": 55.0})))
	require.Eventually(t, func() bool {
		return p.tracker.GetCurrentStats().TotalRecords == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not stop after cancel")
	}
}

type failingSource struct{}

func (failingSource) Subscribe(context.Context) (telemetry.Subscription, error) {
	return nil, errors.New("nats: no servers available")
}

func TestRunSubscribeFailure(t *testing.T) {
	p := newPipeline(t, store.NewMemoryStore(0), nil)
	l, err := NewLoop(failingSource{}, p.loop.c, nil)
	require.NoError(t, err)
	assert.Error(t, l.Run(context.Background()))
}

func TestNewLoopRequiresComponents(t *testing.T) {
	full := newPipeline(t, store.NewMemoryStore(0), nil).loop.c

	tests := []struct {
		name   string
		source telemetry.Source
		mutate func(c *Components)
	}{
		{"source", nil, func(*Components) {}},
		{"detectors", telemetry.NewChannelSource(1), func(c *Components) { c.Detectors = nil }},
		{"recorder", telemetry.NewChannelSource(1), func(c *Components) { c.Recorder = nil }},
		{"dispatcher", telemetry.NewChannelSource(1), func(c *Components) { c.Dispatcher = nil }},
		{"responder", telemetry.NewChannelSource(1), func(c *Components) { c.Responder = nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := full
			tt.mutate(&c)
			l, err := NewLoop(tt.source, c, nil)
			assert.Nil(t, l)
			assert.ErrorIs(t, err, errMissingComponent)
			assert.ErrorContains(t, err, tt.name)
		})
	}

	c := full
	c.Cache = nil
	c.Tracker = nil
	_, err := NewLoop(telemetry.NewChannelSource(1), c, nil)
	assert.NoError(t, err)
}

func TestSlowWebhookDoesNotStallProcessing(t *testing.T) {
	release := make(chan struct{})
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		<-release
	}))
	webhook := alerting.NewWebhookNotifier(srv.URL, 10*time.Second, nil)
	defer func() {
		close(release)
		webhook.Close()
		srv.Close()
	}()

	p := newPipeline(t, store.NewMemoryStore(0), nil)
	p.loop.c.Dispatcher = alerting.NewDispatcher(nil, webhook, p.notifier)

	start := time.Now()
	result, err := p.loop.Process(context.Background(), rec("cam9", "Security Camera", models.Readings{
		"temperature":    70.0,
		"motionDetected": true,
		"battery":        2.0,
		"networkTraffic": 5000.0,
	}))
	require.NoError(t, err)
	assert.Len(t, result.Findings, 4)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 4, p.notifier.count())

	require.Eventually(t, func() bool { return hits.Load() > 0 }, 2*time.Second, 10*time.Millisecond)
}
