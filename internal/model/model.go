// Package model holds the domain types shared by the ingestion-to-actuation pipeline
package model

import (
	"strings"
	"time"
)

// ViolationKind identifies which threshold bound a reading crossed
type ViolationKind string

const (
	CriticalLow  ViolationKind = "critical_low"
	WarningLow   ViolationKind = "warning_low"
	WarningHigh  ViolationKind = "warning_high"
	CriticalHigh ViolationKind = "critical_high"
)

// IsLow reports whether the violation is on the low side
func (k ViolationKind) IsLow() bool {
	return k == CriticalLow || k == WarningLow
}

// IsCritical reports whether the violation is a critical one
func (k ViolationKind) IsCritical() bool {
	return strings.Contains(string(k), "critical")
}

// Valid reports whether k is one of the four known kinds
func (k ViolationKind) Valid() bool {
	switch k {
	case CriticalLow, WarningLow, WarningHigh, CriticalHigh:
		return true
	}
	return false
}

// Tier is the criticality of an actuator command; it drives delivery policy
type Tier string

const (
	TierCritical  Tier = "critical"
	TierImportant Tier = "important"
	TierNormal    Tier = "normal"
)

// ParseTier returns the tier named by s, or false if s is not a tier
func ParseTier(s string) (Tier, bool) {
	switch Tier(strings.ToLower(strings.TrimSpace(s))) {
	case TierCritical:
		return TierCritical, true
	case TierImportant:
		return TierImportant, true
	case TierNormal:
		return TierNormal, true
	}
	return "", false
}

// State is the lifecycle state of a dispatched command
type State string

const (
	StateQueued  State = "queued"
	StateSent    State = "sent"
	StateAck     State = "ack"
	StateTimeout State = "timeout"
	StateFailed  State = "failed"
)

// IsTerminal reports whether no further transition is allowed from s
func (s State) IsTerminal() bool {
	return s == StateAck || s == StateTimeout || s == StateFailed
}

// TriggerSource tells whether a command came from threshold evaluation or a manual request
type TriggerSource string

const (
	SourceAuto   TriggerSource = "auto"
	SourceManual TriggerSource = "manual"
)

// Device statuses reported on <ns>/devices/{id}/status
const (
	DeviceOnline  = "online"
	DeviceOffline = "offline"
)

// SensorDefinition is a registered sensor. Several definitions may share one
// SensorID when a physical sensor reports more than one quantity.
type SensorDefinition struct {
	ID       int64  `json:"id" yaml:"id"`
	SensorID string `json:"sensorId" yaml:"sensor_id"`
	Type     string `json:"type" yaml:"type"`
	Unit     string `json:"unit" yaml:"unit"`
	DeviceID string `json:"deviceId" yaml:"device_id"`
	FarmID   string `json:"farmId,omitempty" yaml:"farm_id"`
	Location string `json:"location,omitempty" yaml:"location"`

	MinCritical *float64 `json:"minCritical,omitempty" yaml:"min_critical"`
	MinWarning  *float64 `json:"minWarning,omitempty" yaml:"min_warning"`
	MaxWarning  *float64 `json:"maxWarning,omitempty" yaml:"max_warning"`
	MaxCritical *float64 `json:"maxCritical,omitempty" yaml:"max_critical"`

	// Legacy per-sensor actions, "mqtt:<ns>/actuators/<deviceId>/<command>"
	ActionLow  string `json:"actionLow,omitempty" yaml:"action_low"`
	ActionHigh string `json:"actionHigh,omitempty" yaml:"action_high"`
}

// ActuatorRule maps a violation context to an actuator command.
// Empty string criteria are wildcards.
type ActuatorRule struct {
	ID              int64         `json:"id" yaml:"id"`
	Name            string        `json:"name" yaml:"name"`
	SensorType      string        `json:"sensorType,omitempty" yaml:"sensor_type"`
	SensorLocation  string        `json:"sensorLocation,omitempty" yaml:"sensor_location"`
	FarmID          string        `json:"farmId,omitempty" yaml:"farm_id"`
	DeviceID        string        `json:"deviceId,omitempty" yaml:"device_id"`
	ViolationKind   ViolationKind `json:"violationKind" yaml:"violation_kind"`
	ActuatorCommand string        `json:"actuatorCommand" yaml:"actuator_command"`
	TargetDeviceID  string        `json:"targetDeviceId,omitempty" yaml:"target_device_id"`
	Priority        int           `json:"priority" yaml:"priority"`
	Enabled         bool          `json:"enabled" yaml:"enabled"`
}

// Device is an actuating or reporting field device
type Device struct {
	ID           string    `json:"id" yaml:"id"`
	Name         string    `json:"name,omitempty" yaml:"name"`
	FarmID       string    `json:"farmId,omitempty" yaml:"farm_id"`
	Status       string    `json:"status,omitempty" yaml:"status"`
	LastSeen     time.Time `json:"lastSeen,omitempty" yaml:"-"`
	Capabilities []string  `json:"capabilities,omitempty" yaml:"capabilities"`
}

// Reading is a matched sensor value kept for history
type Reading struct {
	SensorID     string    `json:"sensorId"`
	DefinitionID int64     `json:"definitionId"`
	Type         string    `json:"type"`
	Value        float64   `json:"value"`
	Unit         string    `json:"unit"`
	Raw          string    `json:"raw"`
	Timestamp    time.Time `json:"timestamp"`
}

// DispatchRecord is the persisted lifecycle of one dispatched actuator command
type DispatchRecord struct {
	CorrelationID string        `json:"correlationId"`
	Source        TriggerSource `json:"source"`
	DeviceID      string        `json:"deviceId"`
	Command       string        `json:"command"`
	Topic         string        `json:"topic"`
	RuleID        int64         `json:"ruleId"`

	// Sensor context, empty for manual dispatches without one
	SensorID      string        `json:"sensorId,omitempty"`
	SensorType    string        `json:"sensorType,omitempty"`
	Value         *float64      `json:"value,omitempty"`
	Unit          string        `json:"unit,omitempty"`
	ViolationKind ViolationKind `json:"violationKind,omitempty"`

	Tier                 Tier `json:"tier"`
	QoS                  byte `json:"qos"`
	Retain               bool `json:"retain"`
	MaxRetries           int  `json:"maxRetries"`
	RetryCount           int  `json:"retryCount"`
	RequiresConfirmation bool `json:"requiresConfirmation"`

	State State  `json:"state"`
	Error string `json:"error,omitempty"`

	QueuedAt  time.Time  `json:"queuedAt"`
	SentAt    *time.Time `json:"sentAt,omitempty"`
	AckAt     *time.Time `json:"ackAt,omitempty"`
	FailedAt  *time.Time `json:"failedAt,omitempty"`
	TimeoutAt *time.Time `json:"timeoutAt,omitempty"`
}

// Float returns a pointer to v
func Float(v float64) *float64 {
	return &v
}

// ActuatorTopic builds "<namespace>/actuators/<deviceId>/<command>"
func ActuatorTopic(namespace, deviceID, command string) string {
	return namespace + "/actuators/" + deviceID + "/" + command
}
