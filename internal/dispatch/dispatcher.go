// Package dispatch publishes actuator commands with a delivery policy chosen
// by criticality and drives each command's lifecycle record until the device
// confirms it, fails it, or the confirmation window runs out.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"agrowatch/internal/events"
	"agrowatch/internal/model"
	"agrowatch/internal/rules"
	"agrowatch/internal/storage"
)

const (
	// DefaultConfirmTimeout is how long a confirmed command waits for its ack
	DefaultConfirmTimeout = 30 * time.Second

	// DefaultGracePeriod is how long an unconfirmed command stays sent before it counts as delivered
	DefaultGracePeriod = 2 * time.Second

	// DefaultPublishTimeout bounds one publish when the caller's context has no deadline
	DefaultPublishTimeout = 10 * time.Second

	// TimeoutMessage is recorded on commands that were never confirmed
	TimeoutMessage = "confirmation timeout: device did not acknowledge command"

	// AssumedDelivered is the event detail of commands settled by the grace period
	AssumedDelivered = "assumed delivered"

	// InterruptedMessage is recorded on commands found queued after a restart
	InterruptedMessage = "dispatch interrupted before publish completed"

	// PayloadEvent is the event name carried by every command payload
	PayloadEvent = "action_triggered"

	// ManualRuleID marks manually triggered commands
	ManualRuleID int64 = 0
)

// ErrNoTopics is returned when a manual target contains no usable topic
var ErrNoTopics = errors.New("no actuator topics in target")

// Publisher hands a payload to the transport
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte, qos byte, retain bool) error
}

// RecordStore persists dispatch records
type RecordStore interface {
	CreateDispatch(rec *model.DispatchRecord) error
	TransitionDispatch(correlationID string, from []model.State, mutate func(*model.DispatchRecord)) (*model.DispatchRecord, error)
	OpenDispatches() ([]model.DispatchRecord, error)
}

// Scheduler runs a task after a delay
type Scheduler interface {
	AfterFunc(delay time.Duration, task func())
}

type timerScheduler struct{}

func (timerScheduler) AfterFunc(delay time.Duration, task func()) {
	time.AfterFunc(delay, task)
}

// Context describes why a command is dispatched
type Context struct {
	Source        model.TriggerSource
	SensorID      string
	SensorType    string
	Value         *float64
	Unit          string
	ViolationKind model.ViolationKind

	// DeviceID is the target of bare manual commands without a topic path
	DeviceID string

	// Tier overrides classification when set
	Tier model.Tier

	// CorrelationID is used instead of a generated id when set
	CorrelationID string
}

// CommandPayload is the JSON body published to an actuator topic
type CommandPayload struct {
	Event                string              `json:"event"`
	CorrelationID        string              `json:"correlationId"`
	SensorType           string              `json:"sensorType"`
	SensorID             string              `json:"sensorId"`
	DeviceID             string              `json:"deviceId"`
	Value                *float64            `json:"value"`
	Unit                 string              `json:"unit"`
	ViolationType        model.ViolationKind `json:"violationType"`
	Timestamp            string              `json:"timestamp"`
	Action               string              `json:"action"`
	Tier                 model.Tier          `json:"tier"`
	RequiresConfirmation bool                `json:"requiresConfirmation"`
	RetryCount           int                 `json:"retryCount"`
	MaxRetries           int                 `json:"maxRetries"`
}

// Options configures a Dispatcher. Zero values take defaults.
type Options struct {
	Namespace      string
	ConfirmTimeout time.Duration
	GracePeriod    time.Duration
	PublishTimeout time.Duration
	Scheduler      Scheduler
	Events         events.Publisher
	Logger         *log.Logger
	Now            func() time.Time
	NewID          func() string
}

// Dispatcher publishes commands and tracks their lifecycle
type Dispatcher struct {
	publisher      Publisher
	store          RecordStore
	namespace      string
	confirmTimeout time.Duration
	gracePeriod    time.Duration
	publishTimeout time.Duration
	scheduler      Scheduler
	events         events.Publisher
	logger         *log.Logger
	now            func() time.Time
	newID          func() string
}

// NewDispatcher creates a new Dispatcher
func NewDispatcher(publisher Publisher, store RecordStore, opts Options) *Dispatcher {
	d := &Dispatcher{
		publisher:      publisher,
		store:          store,
		namespace:      opts.Namespace,
		confirmTimeout: opts.ConfirmTimeout,
		gracePeriod:    opts.GracePeriod,
		publishTimeout: opts.PublishTimeout,
		scheduler:      opts.Scheduler,
		events:         opts.Events,
		logger:         opts.Logger,
		now:            opts.Now,
		newID:          opts.NewID,
	}
	if d.confirmTimeout <= 0 {
		d.confirmTimeout = DefaultConfirmTimeout
	}
	if d.gracePeriod <= 0 {
		d.gracePeriod = DefaultGracePeriod
	}
	if d.publishTimeout <= 0 {
		d.publishTimeout = DefaultPublishTimeout
	}
	if d.scheduler == nil {
		d.scheduler = timerScheduler{}
	}
	if d.events == nil {
		d.events = events.Discard
	}
	if d.now == nil {
		d.now = time.Now
	}
	if d.newID == nil {
		d.newID = uuid.NewString
	}
	return d
}

func (d *Dispatcher) logf(format string, v ...interface{}) {
	if d.logger != nil {
		d.logger.Printf("[Dispatcher] "+format, v...)
	}
}

// Dispatch records cmd, publishes it and schedules its confirmation check.
// On publish failure the returned record is failed and the error is non-nil.
func (d *Dispatcher) Dispatch(ctx context.Context, cmd rules.Command, dc Context) (*model.DispatchRecord, error) {
	tier := dc.Tier
	if tier == "" {
		tier = Classify(cmd.Command, dc.ViolationKind)
	}
	policy := PolicyFor(tier)

	source := dc.Source
	if source == "" {
		source = model.SourceAuto
	}

	correlationID := dc.CorrelationID
	if correlationID == "" {
		correlationID = d.newID()
	}

	rec := &model.DispatchRecord{
		CorrelationID:        correlationID,
		Source:               source,
		DeviceID:             cmd.TargetDeviceID,
		Command:              cmd.Command,
		Topic:                cmd.Topic,
		RuleID:               cmd.RuleID,
		SensorID:             dc.SensorID,
		SensorType:           dc.SensorType,
		Value:                dc.Value,
		Unit:                 dc.Unit,
		ViolationKind:        dc.ViolationKind,
		Tier:                 policy.Tier,
		QoS:                  policy.QoS,
		Retain:               policy.Retain,
		MaxRetries:           policy.MaxRetries,
		RequiresConfirmation: RequiresConfirmation(policy.Tier, cmd.Command),
		State:                model.StateQueued,
		QueuedAt:             d.now(),
	}

	if err := d.store.CreateDispatch(rec); err != nil {
		return nil, fmt.Errorf("failed to record command %s: %w", correlationID, err)
	}

	payload, err := json.Marshal(buildPayload(rec))
	if err != nil {
		return d.fail(rec, fmt.Errorf("failed to encode command: %w", err))
	}

	pubCtx, cancel := context.WithTimeout(ctx, d.publishTimeout)
	err = d.publisher.Publish(pubCtx, rec.Topic, payload, rec.QoS, rec.Retain)
	cancel()
	if err != nil {
		return d.fail(rec, fmt.Errorf("failed to publish to %s: %w", rec.Topic, err))
	}

	sent, err := d.store.TransitionDispatch(correlationID, []model.State{model.StateQueued}, func(r *model.DispatchRecord) {
		at := d.now()
		r.State = model.StateSent
		r.SentAt = &at
	})
	if err != nil {
		if errors.Is(err, storage.ErrStateConflict) {
			// An ack beat us to it
			return sent, nil
		}
		return rec, fmt.Errorf("failed to mark %s sent: %w", correlationID, err)
	}

	d.events.Publish(RecordEvent(events.EventCommandPublished, sent))
	d.schedule(sent, d.windowFor(sent))

	d.logf("Sent %s to %s (tier=%s, qos=%d, id=%s)", sent.Command, sent.Topic, sent.Tier, sent.QoS, correlationID)
	return sent, nil
}

func (d *Dispatcher) windowFor(rec *model.DispatchRecord) time.Duration {
	if rec.RequiresConfirmation {
		return d.confirmTimeout
	}
	return d.gracePeriod
}

// schedule arms the confirmation or grace check of a sent record
func (d *Dispatcher) schedule(rec *model.DispatchRecord, delay time.Duration) {
	id := rec.CorrelationID
	if rec.RequiresConfirmation {
		d.scheduler.AfterFunc(delay, func() { d.expire(id) })
	} else {
		d.scheduler.AfterFunc(delay, func() { d.settle(id) })
	}
}

// Recover resumes the lifecycle of records left open by a previous run.
// Sent records get their check re-armed for the time left since SentAt, or
// run it at once when the window already passed. Queued records never
// reached the broker as far as the store knows, so they are failed.
func (d *Dispatcher) Recover() (int, error) {
	open, err := d.store.OpenDispatches()
	if err != nil {
		return 0, fmt.Errorf("failed to list open commands: %w", err)
	}

	for i := range open {
		rec := &open[i]
		switch rec.State {
		case model.StateQueued:
			d.fail(rec, errors.New(InterruptedMessage))
		case model.StateSent:
			remaining := d.windowFor(rec)
			if rec.SentAt != nil {
				remaining -= d.now().Sub(*rec.SentAt)
			}
			if remaining > 0 {
				d.schedule(rec, remaining)
			} else if rec.RequiresConfirmation {
				d.expire(rec.CorrelationID)
			} else {
				d.settle(rec.CorrelationID)
			}
		}
	}

	if len(open) > 0 {
		d.logf("Recovered %d open commands", len(open))
	}
	return len(open), nil
}

// fail moves a queued record to failed and reports cause
func (d *Dispatcher) fail(rec *model.DispatchRecord, cause error) (*model.DispatchRecord, error) {
	failed, err := d.store.TransitionDispatch(rec.CorrelationID, []model.State{model.StateQueued}, func(r *model.DispatchRecord) {
		at := d.now()
		r.State = model.StateFailed
		r.Error = cause.Error()
		r.FailedAt = &at
	})
	if err != nil {
		d.logf("Failed to mark %s failed: %v", rec.CorrelationID, err)
		failed = rec
	} else {
		d.events.Publish(RecordEvent(events.EventCommandFailed, failed))
	}

	d.logf("Command %s (%s) failed: %v", rec.Command, rec.CorrelationID, cause)
	return failed, cause
}

// expire times out a confirmed command still waiting for its ack
func (d *Dispatcher) expire(correlationID string) {
	rec, err := d.store.TransitionDispatch(correlationID, []model.State{model.StateSent}, func(r *model.DispatchRecord) {
		at := d.now()
		r.State = model.StateTimeout
		r.Error = TimeoutMessage
		r.TimeoutAt = &at
	})
	if err != nil {
		if !errors.Is(err, storage.ErrStateConflict) {
			d.logf("Timeout check for %s failed: %v", correlationID, err)
		}
		return
	}

	d.events.Publish(RecordEvent(events.EventCommandTimedOut, rec))
	d.logf("Command %s to %s timed out", rec.Command, rec.DeviceID)
}

// settle counts an unconfirmed command as delivered once the grace period passes
func (d *Dispatcher) settle(correlationID string) {
	rec, err := d.store.TransitionDispatch(correlationID, []model.State{model.StateSent}, func(r *model.DispatchRecord) {
		at := d.now()
		r.State = model.StateAck
		r.Error = ""
		r.AckAt = &at
	})
	if err != nil {
		if !errors.Is(err, storage.ErrStateConflict) {
			d.logf("Grace check for %s failed: %v", correlationID, err)
		}
		return
	}

	e := RecordEvent(events.EventCommandAcknowledged, rec)
	e.Details = AssumedDelivered
	d.events.Publish(e)
}

// DispatchManual dispatches every topic in rawTarget and reports whether all of them were sent.
// An empty tier is classified per command; an empty correlationID is generated.
func (d *Dispatcher) DispatchManual(ctx context.Context, rawTarget string, dc Context, tier model.Tier, correlationID string) bool {
	dc.Tier = tier
	dc.CorrelationID = correlationID
	_, err := d.Trigger(ctx, rawTarget, dc)
	return err == nil
}

// Trigger dispatches every topic in rawTarget, bypassing threshold evaluation.
// The first topic uses dc.CorrelationID verbatim, later ones append "-<n>".
// It returns every record created and an error if any topic failed.
func (d *Dispatcher) Trigger(ctx context.Context, rawTarget string, dc Context) ([]*model.DispatchRecord, error) {
	targets, parseErrs := d.ParseTarget(rawTarget, dc.DeviceID)
	if len(targets) == 0 && len(parseErrs) == 0 {
		return nil, ErrNoTopics
	}

	dc.Source = model.SourceManual
	baseID := dc.CorrelationID

	var records []*model.DispatchRecord
	errs := parseErrs
	for i, cmd := range targets {
		tc := dc
		if baseID != "" && i > 0 {
			tc.CorrelationID = fmt.Sprintf("%s-%d", baseID, i+1)
		}

		rec, err := d.Dispatch(ctx, cmd, tc)
		if rec != nil {
			records = append(records, rec)
		}
		if err != nil {
			errs = append(errs, err)
		}
	}

	return records, errors.Join(errs...)
}

// ParseTarget splits a comma separated list of actuator topics. Each topic
// may carry a "mqtt:" prefix; its last two path segments name the device and
// the command. A bare command is sent to defaultDevice under the namespace.
func (d *Dispatcher) ParseTarget(rawTarget, defaultDevice string) ([]rules.Command, []error) {
	var commands []rules.Command
	var errs []error

	for _, part := range strings.Split(rawTarget, ",") {
		topic := strings.TrimPrefix(strings.TrimSpace(part), "mqtt:")
		if topic == "" {
			continue
		}

		segments := strings.Split(topic, "/")
		if len(segments) == 1 {
			if defaultDevice == "" {
				errs = append(errs, fmt.Errorf("command %q has no target device", topic))
				continue
			}
			commands = append(commands, rules.Command{
				Command:        topic,
				TargetDeviceID: defaultDevice,
				Topic:          model.ActuatorTopic(d.namespace, defaultDevice, topic),
				RuleID:         ManualRuleID,
			})
			continue
		}

		device, command := segments[len(segments)-2], segments[len(segments)-1]
		if device == "" || command == "" {
			errs = append(errs, fmt.Errorf("malformed actuator topic %q", topic))
			continue
		}
		commands = append(commands, rules.Command{
			Command:        command,
			TargetDeviceID: device,
			Topic:          topic,
			RuleID:         ManualRuleID,
		})
	}

	return commands, errs
}

func buildPayload(rec *model.DispatchRecord) CommandPayload {
	return CommandPayload{
		Event:                PayloadEvent,
		CorrelationID:        rec.CorrelationID,
		SensorType:           rec.SensorType,
		SensorID:             rec.SensorID,
		DeviceID:             rec.DeviceID,
		Value:                rec.Value,
		Unit:                 rec.Unit,
		ViolationType:        rec.ViolationKind,
		Timestamp:            rec.QueuedAt.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		Action:               rec.Command,
		Tier:                 rec.Tier,
		RequiresConfirmation: rec.RequiresConfirmation,
		RetryCount:           0,
		MaxRetries:           rec.MaxRetries,
	}
}

// RecordEvent builds the bus event describing rec
func RecordEvent(t events.EventType, rec *model.DispatchRecord) events.Event {
	e := events.Event{
		Type:          t,
		DeviceID:      rec.DeviceID,
		SensorID:      rec.SensorID,
		SensorType:    rec.SensorType,
		CorrelationID: rec.CorrelationID,
		Command:       rec.Command,
		ViolationKind: rec.ViolationKind,
		Tier:          rec.Tier,
		Value:         rec.Value,
		Unit:          rec.Unit,
		Status:        string(rec.State),
		Details:       rec.Error,
	}
	if rec.SentAt != nil && rec.AckAt != nil {
		e.Latency = rec.AckAt.Sub(*rec.SentAt)
	}
	return e
}
