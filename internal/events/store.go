package events

import (
	"sync"
	"time"

	"agrowatch/internal/model"
)

// EventType represents the type of pipeline event
type EventType string

const (
	// Threshold events
	EventThresholdViolated EventType = "threshold_violated"

	// Command lifecycle events
	EventCommandPublished    EventType = "command_published"
	EventCommandFailed       EventType = "command_failed"
	EventCommandTimedOut     EventType = "command_timeout"
	EventCommandAcknowledged EventType = "command_acknowledged"

	// Device events
	EventDeviceStatus  EventType = "device_status"
	EventDeviceOffline EventType = "device_offline"

	// Inbound message that could not be decoded; Status names the message kind
	EventMessageDropped EventType = "message_dropped"
)

// Event is a single observable occurrence in the pipeline
type Event struct {
	ID            int64               `json:"id"`
	Type          EventType           `json:"type"`
	Timestamp     time.Time           `json:"timestamp"`
	DeviceID      string              `json:"deviceId,omitempty"`
	SensorID      string              `json:"sensorId,omitempty"`
	SensorType    string              `json:"sensorType,omitempty"`
	CorrelationID string              `json:"correlationId,omitempty"`
	Command       string              `json:"command,omitempty"`
	ViolationKind model.ViolationKind `json:"violationKind,omitempty"`
	Tier          model.Tier          `json:"tier,omitempty"`
	Value         *float64            `json:"value,omitempty"`
	Unit          string              `json:"unit,omitempty"`
	Status        string              `json:"status,omitempty"`
	Details       string              `json:"details,omitempty"`

	// Latency from send to acknowledgment, set on EventCommandAcknowledged
	Latency time.Duration `json:"latency,omitempty"`
}

// Store holds events in memory with a fixed capacity (ring buffer)
type Store struct {
	mu      sync.RWMutex
	events  []Event
	maxSize int
	nextID  int64
}

// NewStore creates a new event store with specified max capacity
func NewStore(maxSize int) *Store {
	if maxSize <= 0 {
		maxSize = 100
	}
	return &Store{
		events:  make([]Event, 0, maxSize),
		maxSize: maxSize,
	}
}

// Add appends an event, assigning its ID, and returns the stored copy
func (s *Store) Add(e Event) Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	e.ID = s.nextID
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	// Ring buffer: remove oldest if at max capacity
	if len(s.events) >= s.maxSize {
		s.events = s.events[1:]
	}
	s.events = append(s.events, e)
	return e
}

// HandleEvent implements Subscriber so the store can audit the bus
func (s *Store) HandleEvent(e Event) {
	s.Add(e)
}

// GetLast returns the last N events (newest first)
func (s *Store) GetLast(n int) []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if n > len(s.events) {
		n = len(s.events)
	}

	result := make([]Event, n)
	for i := 0; i < n; i++ {
		result[i] = s.events[len(s.events)-1-i]
	}
	return result
}

// GetSince returns events newer than the given ID (newest first)
func (s *Store) GetSince(lastID int64) []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []Event
	for i := len(s.events) - 1; i >= 0; i-- {
		if s.events[i].ID > lastID {
			result = append(result, s.events[i])
		} else {
			break
		}
	}
	return result
}

// Count returns the number of retained events
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}

// LastID returns the ID of the most recent event
func (s *Store) LastID() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nextID
}
