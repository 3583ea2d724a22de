package storage

import (
	"errors"
	"time"

	"agrowatch/internal/model"
)

var (
	// ErrNotFound is returned when a key is not found
	ErrNotFound = errors.New("key not found")

	// ErrDuplicateCorrelation is returned when a dispatch record with the same correlation id exists
	ErrDuplicateCorrelation = errors.New("duplicate correlation id")

	// ErrStateConflict is returned when a dispatch record is not in an expected state
	ErrStateConflict = errors.New("dispatch state conflict")
)

// Storage is the interface for definitions, readings and dispatch records
type Storage interface {
	// Device Methods

	// UpsertDevice creates or replaces a device definition, keeping its reported status
	UpsertDevice(d model.Device) error

	// GetDevice returns a device by id
	// Returns ErrNotFound if the device doesn't exist
	GetDevice(id string) (*model.Device, error)

	// ListDevices returns all devices ordered by id
	ListDevices() ([]model.Device, error)

	// SetDeviceStatus records a reported status, creating the device if needed.
	// A zero lastSeen keeps the stored value; nil capabilities keep the stored ones.
	SetDeviceStatus(id, status string, lastSeen time.Time, capabilities []string) error

	// Sensor and Rule Methods

	// ReplaceDefinitions atomically replaces all sensor definitions and rules
	ReplaceDefinitions(sensors []model.SensorDefinition, rules []model.ActuatorRule) error

	// SensorsByID returns all definitions sharing one logical sensor id
	SensorsByID(sensorID string) ([]model.SensorDefinition, error)

	// EnabledRules returns enabled rules for a violation kind, ordered by id
	EnabledRules(kind model.ViolationKind) ([]model.ActuatorRule, error)

	// Reading Methods

	// SaveReading appends a reading to the sensor's history
	SaveReading(r model.Reading) error

	// GetReadings returns the last N readings, ordered from oldest to newest
	GetReadings(sensorID string, limit int) ([]model.Reading, error)

	// TrimReadings keeps only the last max readings of a sensor
	TrimReadings(sensorID string, max int) error

	// Dispatch Record Methods

	// CreateDispatch stores a new record
	// Returns ErrDuplicateCorrelation if the correlation id is taken
	CreateDispatch(rec *model.DispatchRecord) error

	// GetDispatch returns a record by correlation id
	GetDispatch(correlationID string) (*model.DispatchRecord, error)

	// TransitionDispatch atomically applies mutate if the record's state is one of from.
	// Returns the resulting record, or the unchanged record with ErrStateConflict.
	TransitionDispatch(correlationID string, from []model.State, mutate func(*model.DispatchRecord)) (*model.DispatchRecord, error)

	// ListDispatches returns a device's records queued within [from, to], oldest first
	ListDispatches(deviceID string, from, to time.Time) ([]model.DispatchRecord, error)

	// OpenDispatches returns every record still queued or sent, oldest first
	OpenDispatches() ([]model.DispatchRecord, error)

	// Lifecycle Methods

	// Close closes the storage
	Close() error
}
