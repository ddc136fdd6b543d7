package detector

import (
	"fmt"
	"strconv"
	"strings"

	"anomaly-monitor/internal/models"
)

// Detector is a stateless rule over a single telemetry record. Detect must not
// mutate shared state so one detector can serve many records concurrently.
type Detector interface {
	Kind() models.AnomalyKind
	Detect(record models.TelemetryRecord) (models.Draft, bool)
}

// Thresholds holds the trigger values for the built-in detectors.
type Thresholds struct {
	TemperatureMax       float64 `mapstructure:"temperature_max" json:"temperature_max"`
	BatteryMin           float64 `mapstructure:"battery_min" json:"battery_min"`
	NetworkTrafficMax    float64 `mapstructure:"network_traffic_max" json:"network_traffic_max"`
	RestrictedDeviceType string  `mapstructure:"restricted_device_type" json:"restricted_device_type"`
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		TemperatureMax:       50,
		BatteryMin:           10,
		NetworkTrafficMax:    1000,
		RestrictedDeviceType: "Security Camera",
	}
}

// Policy selects thresholds per device type. Device type keys are matched
// case-insensitively; types without an entry use Default.
type Policy struct {
	Default     Thresholds
	DeviceTypes map[string]Thresholds
}

func NewPolicy(def Thresholds, byType map[string]Thresholds) Policy {
	p := Policy{Default: def, DeviceTypes: make(map[string]Thresholds, len(byType))}
	for k, v := range byType {
		p.DeviceTypes[strings.ToLower(k)] = v
	}
	return p
}

func (p Policy) For(deviceType string) Thresholds {
	if t, ok := p.DeviceTypes[strings.ToLower(deviceType)]; ok {
		return t
	}
	return p.Default
}

const (
	readingTemperature    = "temperature"
	readingMotionDetected = "motionDetected"
	readingBattery        = "battery"
	readingNetworkTraffic = "networkTraffic"
)

type TemperatureSpike struct{ policy Policy }

func (TemperatureSpike) Kind() models.AnomalyKind { return models.KindTemperatureSpike }

func (d TemperatureSpike) Detect(record models.TelemetryRecord) (models.Draft, bool) {
	v, ok := record.Readings.Float(readingTemperature)
	if !ok || v <= d.policy.For(record.DeviceType).TemperatureMax {
		return models.Draft{}, false
	}
	return draft(record, d.Kind(), fmt.Sprintf("Temperature of %s°C detected.", formatNumber(v))), true
}

type UnauthorizedAccess struct{ policy Policy }

func (UnauthorizedAccess) Kind() models.AnomalyKind { return models.KindUnauthorizedAccess }

func (d UnauthorizedAccess) Detect(record models.TelemetryRecord) (models.Draft, bool) {
	motion, ok := record.Readings.Bool(readingMotionDetected)
	if !ok || !motion {
		return models.Draft{}, false
	}
	if record.DeviceType != d.policy.For(record.DeviceType).RestrictedDeviceType {
		return models.Draft{}, false
	}
	return draft(record, d.Kind(), "Motion detected in a restricted area."), true
}

type BatteryFailure struct{ policy Policy }

func (BatteryFailure) Kind() models.AnomalyKind { return models.KindBatteryFailure }

func (d BatteryFailure) Detect(record models.TelemetryRecord) (models.Draft, bool) {
	v, ok := record.Readings.Float(readingBattery)
	if !ok || v >= d.policy.For(record.DeviceType).BatteryMin {
		return models.Draft{}, false
	}
	return draft(record, d.Kind(), fmt.Sprintf("Battery level critically low: %s%%", formatNumber(v))), true
}

type NetworkAnomaly struct{ policy Policy }

func (NetworkAnomaly) Kind() models.AnomalyKind { return models.KindNetworkAnomaly }

func (d NetworkAnomaly) Detect(record models.TelemetryRecord) (models.Draft, bool) {
	v, ok := record.Readings.Float(readingNetworkTraffic)
	if !ok || v <= d.policy.For(record.DeviceType).NetworkTrafficMax {
		return models.Draft{}, false
	}
	return draft(record, d.Kind(), fmt.Sprintf("High network traffic detected: %s MB.", formatNumber(v))), true
}

func draft(record models.TelemetryRecord, kind models.AnomalyKind, description string) models.Draft {
	return models.Draft{
		DeviceID:    record.DeviceID,
		Kind:        kind,
		Description: description,
	}
}

// formatNumber prints the shortest decimal form: 55, 55.5, 0.25.
func formatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// Set runs a fixed list of independent detectors.
type Set struct {
	detectors []Detector
}

// NewSet returns the four built-in detectors bound to policy.
func NewSet(policy Policy) *Set {
	return &Set{detectors: []Detector{
		TemperatureSpike{policy: policy},
		UnauthorizedAccess{policy: policy},
		BatteryFailure{policy: policy},
		NetworkAnomaly{policy: policy},
	}}
}

// NewCustomSet builds a set from arbitrary detectors.
func NewCustomSet(detectors ...Detector) *Set {
	return &Set{detectors: detectors}
}

// Run returns one draft per detector that fired, in detector order.
func (s *Set) Run(record models.TelemetryRecord) []models.Draft {
	var drafts []models.Draft
	for _, d := range s.detectors {
		if found, ok := d.Detect(record); ok {
			drafts = append(drafts, found)
		}
	}
	return drafts
}

func (s *Set) Detectors() []Detector {
	out := make([]Detector, len(s.detectors))
	copy(out, s.detectors)
	return out
}
