package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"anomaly-monitor/internal/models"
)

var (
	// ErrClosed is returned by Next once the stream has ended.
	ErrClosed = errors.New("telemetry stream closed")
	// ErrInvalidRecord wraps wire documents that cannot become a record.
	ErrInvalidRecord = errors.New("invalid telemetry record")
	// ErrQueueFull is returned by ChannelSource.Publish when the queue is at capacity.
	ErrQueueFull = errors.New("telemetry queue full")
)

// Source is an ordered, unbounded stream of device readings.
type Source interface {
	Subscribe(ctx context.Context) (Subscription, error)
}

// Subscription delivers records one at a time. Next blocks until a record
// is available, the stream ends (ErrClosed) or ctx is done (ctx.Err()).
type Subscription interface {
	Next(ctx context.Context) (models.TelemetryRecord, error)
	Close() error
}

// document is the wire shape of a device reading. deviceType may appear at
// the top level or under metadata.
type document struct {
	DeviceID   string          `json:"deviceId"`
	DeviceName string          `json:"deviceName,omitempty"`
	Timestamp  *time.Time      `json:"timestamp,omitempty"`
	Readings   models.Readings `json:"readings"`
	DeviceType string          `json:"deviceType,omitempty"`
	Metadata   struct {
		DeviceType string `json:"deviceType,omitempty"`
	} `json:"metadata"`
}

// Decode parses a JSON device reading. Numbers are kept as json.Number so
// integer readings survive unchanged; a missing timestamp becomes receivedAt.
func Decode(data []byte, receivedAt time.Time) (models.TelemetryRecord, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var doc document
	if err := dec.Decode(&doc); err != nil {
		return models.TelemetryRecord{}, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	return doc.record(receivedAt)
}

func (d document) record(receivedAt time.Time) (models.TelemetryRecord, error) {
	if d.DeviceID == "" {
		return models.TelemetryRecord{}, fmt.Errorf("%w: deviceId is required", ErrInvalidRecord)
	}

	rec := models.TelemetryRecord{
		DeviceID:   d.DeviceID,
		Timestamp:  receivedAt.UTC(),
		Readings:   d.Readings,
		DeviceType: d.DeviceType,
	}
	if d.Timestamp != nil && !d.Timestamp.IsZero() {
		rec.Timestamp = d.Timestamp.UTC()
	}
	if rec.DeviceType == "" {
		rec.DeviceType = d.Metadata.DeviceType
	}
	if rec.Readings == nil {
		rec.Readings = models.Readings{}
	}
	return rec, nil
}
