package models

import (
	"encoding/json"
	"time"
)

// TelemetryRecord is one reading snapshot emitted by a device.
type TelemetryRecord struct {
	DeviceID   string    `json:"deviceId"`
	Timestamp  time.Time `json:"timestamp"`
	Readings   Readings  `json:"readings"`
	DeviceType string    `json:"deviceType"`
}

// Readings holds the named sensor values of a record. Fields vary by device type.
type Readings map[string]interface{}

// Float returns the named reading as a float64. Missing, null and
// non-numeric values report false.
func (r Readings) Float(name string) (float64, bool) {
	value, ok := r[name]
	if !ok || value == nil {
		return 0, false
	}

	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return 0, false
		}
		return f, true
	}

	return 0, false
}

// Bool returns the named reading when it is a boolean.
func (r Readings) Bool(name string) (bool, bool) {
	v, ok := r[name].(bool)
	return v, ok
}

type AnomalyKind string

const (
	KindTemperatureSpike   AnomalyKind = "Temperature Spike"
	KindUnauthorizedAccess AnomalyKind = "Unauthorized Access"
	KindBatteryFailure     AnomalyKind = "Battery Failure"
	KindNetworkAnomaly     AnomalyKind = "Network Anomaly"
)

type AnomalyStatus string

const (
	AnomalyUnresolved AnomalyStatus = "unresolved"
	AnomalyResolved   AnomalyStatus = "resolved"
)

// Draft is a detector finding that has not been recorded yet.
type Draft struct {
	DeviceID    string      `json:"deviceId"`
	Kind        AnomalyKind `json:"type"`
	Description string      `json:"description"`
}

type Anomaly struct {
	ID          string        `json:"id"`
	DeviceID    string        `json:"deviceId"`
	Timestamp   time.Time     `json:"timestamp"`
	Kind        AnomalyKind   `json:"type"`
	Description string        `json:"description"`
	Status      AnomalyStatus `json:"status"`
	ResolvedAt  *time.Time    `json:"resolvedAt,omitempty"`
}

type ResponseStatus string

const (
	ResponseInProgress ResponseStatus = "in-progress"
	ResponseCompleted  ResponseStatus = "completed"
	ResponseFailed     ResponseStatus = "failed"
)

// IncidentResponse tracks the remediation started for one anomaly.
// IncidentID equals the anomaly id.
type IncidentResponse struct {
	IncidentID string         `json:"incidentId"`
	DeviceID   string         `json:"deviceId"`
	Timestamp  time.Time      `json:"timestamp"`
	Response   string         `json:"response"`
	Status     ResponseStatus `json:"status"`
	UpdatedAt  *time.Time     `json:"updatedAt,omitempty"`
}

type PipelineStats struct {
	TotalRecords    int64                 `json:"total_records"`
	TotalAnomalies  int64                 `json:"total_anomalies"`
	AnomalyRate     float64               `json:"anomaly_rate"`
	ByKind          map[AnomalyKind]int64 `json:"by_kind"`
	Failures        int64                 `json:"failures"`
	LastRecordTime  time.Time             `json:"last_record_time,omitempty"`
	LastAnomalyTime time.Time             `json:"last_anomaly_time,omitempty"`
}
