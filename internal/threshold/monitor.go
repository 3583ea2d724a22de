// Package threshold classifies sensor values against their configured bounds
package threshold

import (
	"fmt"
	"time"

	"agrowatch/internal/events"
	"agrowatch/internal/model"
)

// Status is the overall classification of one evaluation
type Status string

const (
	StatusNormal   Status = "normal"
	StatusWarning  Status = "warning"
	StatusCritical Status = "critical"
)

// Violation is one crossed bound. At most one low-side and one high-side
// violation exist per evaluation.
type Violation struct {
	Sensor       model.SensorDefinition
	Value        float64
	Kind         model.ViolationKind
	LegacyAction string
	Timestamp    time.Time
}

// Result is the outcome of evaluating one value
type Result struct {
	Violations []Violation
	Status     Status
}

// Monitor evaluates values and emits a violation event for every violation
type Monitor struct {
	events events.Publisher
	now    func() time.Time
}

// NewMonitor creates a monitor emitting to pub; nil discards events
func NewMonitor(pub events.Publisher) *Monitor {
	if pub == nil {
		pub = events.Discard
	}
	return &Monitor{events: pub, now: time.Now}
}

// Evaluate checks value against the sensor's thresholds.
// Low and high sides are checked independently; the more severe bound wins on each side.
func (m *Monitor) Evaluate(sensor model.SensorDefinition, value float64) Result {
	now := m.now()
	var violations []Violation

	if kind, ok := lowSide(sensor, value); ok {
		violations = append(violations, Violation{
			Sensor:       sensor,
			Value:        value,
			Kind:         kind,
			LegacyAction: sensor.ActionLow,
			Timestamp:    now,
		})
	}
	if kind, ok := highSide(sensor, value); ok {
		violations = append(violations, Violation{
			Sensor:       sensor,
			Value:        value,
			Kind:         kind,
			LegacyAction: sensor.ActionHigh,
			Timestamp:    now,
		})
	}

	for _, v := range violations {
		m.events.Publish(violationEvent(v))
	}

	return Result{Violations: violations, Status: statusOf(violations)}
}

func lowSide(s model.SensorDefinition, value float64) (model.ViolationKind, bool) {
	if s.MinCritical != nil && value <= *s.MinCritical {
		return model.CriticalLow, true
	}
	if s.MinWarning != nil && value <= *s.MinWarning {
		return model.WarningLow, true
	}
	return "", false
}

func highSide(s model.SensorDefinition, value float64) (model.ViolationKind, bool) {
	if s.MaxCritical != nil && value >= *s.MaxCritical {
		return model.CriticalHigh, true
	}
	if s.MaxWarning != nil && value >= *s.MaxWarning {
		return model.WarningHigh, true
	}
	return "", false
}

func statusOf(violations []Violation) Status {
	status := StatusNormal
	for _, v := range violations {
		if v.Kind.IsCritical() {
			return StatusCritical
		}
		status = StatusWarning
	}
	return status
}

func violationEvent(v Violation) events.Event {
	value := v.Value
	return events.Event{
		Type:          events.EventThresholdViolated,
		Timestamp:     v.Timestamp,
		DeviceID:      v.Sensor.DeviceID,
		SensorID:      v.Sensor.SensorID,
		SensorType:    v.Sensor.Type,
		ViolationKind: v.Kind,
		Value:         &value,
		Unit:          v.Sensor.Unit,
		Details:       fmt.Sprintf("%s %s=%g%s", v.Kind, v.Sensor.Type, v.Value, v.Sensor.Unit),
	}
}
