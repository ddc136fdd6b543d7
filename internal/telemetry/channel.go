package telemetry

import (
	"context"
	"sync"

	"anomaly-monitor/internal/metrics"
	"anomaly-monitor/internal/models"
)

const defaultQueueSize = 10000

// ChannelSource is an in-process bounded queue, fed by the HTTP ingest
// endpoint or by tests. It supports a single subscriber.
type ChannelSource struct {
	records   chan models.TelemetryRecord
	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once
}

func NewChannelSource(size int) *ChannelSource {
	if size <= 0 {
		size = defaultQueueSize
	}
	return &ChannelSource{records: make(chan models.TelemetryRecord, size)}
}

// Publish enqueues a record without blocking.
func (s *ChannelSource) Publish(record models.TelemetryRecord) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrClosed
	}

	select {
	case s.records <- record:
		metrics.TelemetryQueueSize.Set(float64(len(s.records)))
		return nil
	default:
		return ErrQueueFull
	}
}

// Close ends the stream. Records already queued are still delivered.
func (s *ChannelSource) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.records)
		s.mu.Unlock()
	})
}

func (s *ChannelSource) Len() int {
	return len(s.records)
}

func (s *ChannelSource) Subscribe(context.Context) (Subscription, error) {
	return &channelSubscription{source: s}, nil
}

type channelSubscription struct {
	source *ChannelSource
}

func (c *channelSubscription) Next(ctx context.Context) (models.TelemetryRecord, error) {
	select {
	case <-ctx.Done():
		return models.TelemetryRecord{}, ctx.Err()
	case rec, ok := <-c.source.records:
		if !ok {
			return models.TelemetryRecord{}, ErrClosed
		}
		metrics.TelemetryQueueSize.Set(float64(len(c.source.records)))
		return rec, nil
	}
}

func (c *channelSubscription) Close() error { return nil }
