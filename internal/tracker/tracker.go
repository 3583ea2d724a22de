// Package tracker resolves device acknowledgments to dispatched commands and
// declares devices offline once their heartbeats stop.
package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"agrowatch/internal/background"
	"agrowatch/internal/dispatch"
	"agrowatch/internal/events"
	"agrowatch/internal/model"
	"agrowatch/internal/storage"
)

const (
	// DefaultSweepInterval is how often the liveness sweep runs
	DefaultSweepInterval = 5 * time.Minute

	// DefaultOfflineAfter is how long a device may stay silent before it is marked offline
	DefaultOfflineAfter = 10 * time.Minute

	// DefaultFailureMessage is recorded when a device reports failure without a reason
	DefaultFailureMessage = "device reported command failure"
)

// Ack statuses reported by devices
const (
	AckSuccess  = "success"
	AckExecuted = "executed"
	AckError    = "error"
	AckFailed   = "failed"
)

// AckMessage is the body of <ns>/devices/{id}/ack
type AckMessage struct {
	CorrelationID string `json:"correlationId"`
	Status        string `json:"status"`
	Error         string `json:"error,omitempty"`
}

// StatusMessage is the body of <ns>/devices/{id}/status
type StatusMessage struct {
	Status       string     `json:"status"`
	LastSeen     *time.Time `json:"lastSeen,omitempty"`
	Capabilities []string   `json:"capabilities,omitempty"`
}

// RecordStore is the dispatch record access the tracker needs
type RecordStore interface {
	TransitionDispatch(correlationID string, from []model.State, mutate func(*model.DispatchRecord)) (*model.DispatchRecord, error)
}

// DeviceStore persists device status
type DeviceStore interface {
	SetDeviceStatus(id, status string, lastSeen time.Time, capabilities []string) error
}

// Options configures a Tracker. Zero values take defaults.
type Options struct {
	OfflineAfter time.Duration
	Heartbeats   *HeartbeatStore
	Events       events.Publisher
	Logger       *log.Logger
	Now          func() time.Time
}

// Tracker consumes acks and status reports
type Tracker struct {
	records      RecordStore
	devices      DeviceStore
	heartbeats   *HeartbeatStore
	offlineAfter time.Duration
	events       events.Publisher
	logger       *log.Logger
	now          func() time.Time

	// statusMu orders status writes against the offline sweep
	statusMu sync.Mutex
}

// New creates a new Tracker
func New(records RecordStore, devices DeviceStore, opts Options) *Tracker {
	t := &Tracker{
		records:      records,
		devices:      devices,
		heartbeats:   opts.Heartbeats,
		offlineAfter: opts.OfflineAfter,
		events:       opts.Events,
		logger:       opts.Logger,
		now:          opts.Now,
	}
	if t.heartbeats == nil {
		t.heartbeats = NewHeartbeatStore()
	}
	if t.offlineAfter <= 0 {
		t.offlineAfter = DefaultOfflineAfter
	}
	if t.events == nil {
		t.events = events.Discard
	}
	if t.now == nil {
		t.now = time.Now
	}
	return t
}

// Heartbeats returns the heartbeat store
func (t *Tracker) Heartbeats() *HeartbeatStore {
	return t.heartbeats
}

func (t *Tracker) logf(format string, v ...interface{}) {
	if t.logger != nil {
		t.logger.Printf("[Tracker] "+format, v...)
	}
}

var openStates = []model.State{model.StateQueued, model.StateSent}

// HandleAck applies a device acknowledgment. Undecodable payloads and unknown
// or already terminal correlation ids are logged and dropped.
func (t *Tracker) HandleAck(deviceID string, payload []byte) {
	var msg AckMessage
	if err := json.Unmarshal(payload, &msg); err != nil || msg.CorrelationID == "" {
		t.logf("Dropping malformed ack from %s: %q", deviceID, truncate(payload))
		t.dropped(deviceID, "ack")
		return
	}

	status := strings.ToLower(strings.TrimSpace(msg.Status))
	var (
		mutate    func(*model.DispatchRecord)
		eventType events.EventType
	)

	switch status {
	case AckSuccess, AckExecuted:
		eventType = events.EventCommandAcknowledged
		mutate = func(r *model.DispatchRecord) {
			at := t.now()
			r.State = model.StateAck
			r.Error = ""
			r.AckAt = &at
		}
	case AckError, AckFailed:
		reason := msg.Error
		if reason == "" {
			reason = DefaultFailureMessage
		}
		eventType = events.EventCommandFailed
		mutate = func(r *model.DispatchRecord) {
			at := t.now()
			r.State = model.StateFailed
			r.Error = reason
			r.FailedAt = &at
		}
	default:
		t.logf("Dropping ack from %s with unknown status %q", deviceID, msg.Status)
		t.dropped(deviceID, "ack")
		return
	}

	rec, err := t.records.TransitionDispatch(msg.CorrelationID, openStates, mutate)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		t.logf("Ack from %s for unknown command %s", deviceID, msg.CorrelationID)
		return
	case errors.Is(err, storage.ErrStateConflict):
		// Duplicate or late ack
		t.logf("Ignoring %s ack for %s: already %s", status, msg.CorrelationID, rec.State)
		return
	case err != nil:
		t.logf("Failed to apply ack for %s: %v", msg.CorrelationID, err)
		return
	}

	if rec.DeviceID != deviceID {
		t.logf("Ack for %s came from %s, command targeted %s", msg.CorrelationID, deviceID, rec.DeviceID)
	}

	t.events.Publish(dispatch.RecordEvent(eventType, rec))
}

// HandleStatus applies a device status report and refreshes its heartbeat when online
func (t *Tracker) HandleStatus(deviceID string, payload []byte) {
	var msg StatusMessage
	if err := json.Unmarshal(payload, &msg); err != nil || strings.TrimSpace(msg.Status) == "" {
		t.logf("Dropping malformed status from %s: %q", deviceID, truncate(payload))
		t.dropped(deviceID, "status")
		return
	}

	status := strings.ToLower(strings.TrimSpace(msg.Status))
	seen := t.now()
	if msg.LastSeen != nil && !msg.LastSeen.IsZero() {
		seen = *msg.LastSeen
	}

	t.statusMu.Lock()
	if err := t.devices.SetDeviceStatus(deviceID, status, seen, msg.Capabilities); err != nil {
		t.logf("Failed to store status of %s: %v", deviceID, err)
	}
	if status == model.DeviceOnline {
		// Liveness is judged on our clock, not the device's
		t.heartbeats.Touch(deviceID, t.now())
	}
	t.statusMu.Unlock()

	t.events.Publish(events.Event{
		Type:     events.EventDeviceStatus,
		DeviceID: deviceID,
		Status:   status,
		Details:  strings.Join(msg.Capabilities, ","),
	})
}

// Sweep marks every device silent for longer than the offline threshold as
// offline and stops tracking it. It returns the device ids marked offline.
func (t *Tracker) Sweep(_ context.Context) ([]string, error) {
	stale := t.heartbeats.Sweep(t.offlineAfter, t.now())

	var swept []string
	var errs []error
	for _, id := range stale {
		marked, err := t.markOffline(id)
		if err != nil {
			errs = append(errs, err)
		}
		if !marked {
			continue
		}
		swept = append(swept, id)

		t.events.Publish(events.Event{
			Type:     events.EventDeviceOffline,
			DeviceID: id,
			Status:   model.DeviceOffline,
			Details:  fmt.Sprintf("no heartbeat for more than %s", t.offlineAfter),
		})
		t.logf("Device %s marked offline", id)
	}

	return swept, errors.Join(errs...)
}

// markOffline persists the offline status of a swept device unless an online
// report re-registered its heartbeat after the sweep removed it.
func (t *Tracker) markOffline(id string) (bool, error) {
	t.statusMu.Lock()
	defer t.statusMu.Unlock()

	if _, ok := t.heartbeats.LastSeen(id); ok {
		t.logf("Device %s reported online during sweep, keeping it", id)
		return false, nil
	}
	if err := t.devices.SetDeviceStatus(id, model.DeviceOffline, time.Time{}, nil); err != nil {
		return true, fmt.Errorf("failed to mark %s offline: %w", id, err)
	}
	return true, nil
}

// RunSweeper runs Sweep every interval until ctx is cancelled
func (t *Tracker) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	background.RunPeriodic(ctx, interval, t.logger, "Tracker", func(ctx context.Context) error {
		_, err := t.Sweep(ctx)
		return err
	})
}

func (t *Tracker) dropped(deviceID, kind string) {
	t.events.Publish(events.Event{
		Type:     events.EventMessageDropped,
		DeviceID: deviceID,
		Status:   kind,
	})
}

func truncate(payload []byte) string {
	const max = 128
	if len(payload) > max {
		return string(payload[:max]) + "..."
	}
	return string(payload)
}
