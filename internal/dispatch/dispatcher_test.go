package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agrowatch/internal/events"
	"agrowatch/internal/model"
	"agrowatch/internal/rules"
	"agrowatch/internal/storage"
)

// fakeClock is a manual clock that also schedules tasks
type fakeClock struct {
	mu    sync.Mutex
	now   time.Time
	tasks []scheduled
}

type scheduled struct {
	due  time.Time
	task func()
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(delay time.Duration, task func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tasks = append(c.tasks, scheduled{due: c.now.Add(delay), task: task})
}

func (c *fakeClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tasks)
}

// Advance moves the clock and runs every task that became due
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []func()
	var rest []scheduled
	for _, s := range c.tasks {
		if !s.due.After(c.now) {
			due = append(due, s.task)
		} else {
			rest = append(rest, s)
		}
	}
	c.tasks = rest
	c.mu.Unlock()

	for _, task := range due {
		task()
	}
}

type published struct {
	topic   string
	payload []byte
	qos     byte
	retain  bool
}

type fakePublisher struct {
	mu       sync.Mutex
	messages []published
	failing  map[string]bool
}

func (p *fakePublisher) Publish(ctx context.Context, topic string, payload []byte, qos byte, retain bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failing[topic] {
		return errors.New("broker rejected publish")
	}
	p.messages = append(p.messages, published{topic, payload, qos, retain})
	return nil
}

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Publish(e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) types() []events.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.EventType
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

type fixture struct {
	dispatcher *Dispatcher
	store      *storage.BoltStorage
	clock      *fakeClock
	publisher  *fakePublisher
	events     *recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := storage.NewBoltStorage(filepath.Join(t.TempDir(), "dispatch.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	f := &fixture{
		store:     store,
		clock:     newFakeClock(),
		publisher: &fakePublisher{failing: map[string]bool{}},
		events:    &recorder{},
	}

	n := 0
	f.dispatcher = NewDispatcher(f.publisher, store, Options{
		Namespace: "farm",
		Scheduler: f.clock,
		Events:    f.events,
		Now:       f.clock.Now,
		NewID: func() string {
			n++
			return fmt.Sprintf("gen-%d", n)
		},
	})
	return f
}

func (f *fixture) state(t *testing.T, id string) *model.DispatchRecord {
	t.Helper()
	rec, err := f.store.GetDispatch(id)
	require.NoError(t, err)
	return rec
}

func command(device, name string) rules.Command {
	return rules.Command{
		Command:        name,
		TargetDeviceID: device,
		Topic:          model.ActuatorTopic("farm", device, name),
		RuleID:         3,
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		command string
		kind    model.ViolationKind
		want    model.Tier
	}{
		{"fan_on", model.CriticalHigh, model.TierCritical},
		{"fan_on", model.WarningHigh, model.TierImportant},
		{"emergency_stop", "", model.TierCritical},
		{"Emergency-Stop", "", model.TierCritical},
		{"roof_open", model.WarningHigh, model.TierCritical},
		{"calibrate", "", model.TierImportant},
		{"lights_off", model.WarningLow, model.TierImportant},
		{"beep", model.WarningLow, model.TierNormal},
		{"beep", "", model.TierNormal},
	}

	for _, tt := range tests {
		t.Run(tt.command+"/"+string(tt.kind), func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.command, tt.kind))
		})
	}
}

func TestPolicyTable(t *testing.T) {
	critical := PolicyFor(model.TierCritical)
	assert.Equal(t, byte(2), critical.QoS)
	assert.True(t, critical.Retain)
	assert.Equal(t, 3, critical.MaxRetries)

	important := PolicyFor(model.TierImportant)
	assert.Equal(t, byte(1), important.QoS)
	assert.False(t, important.Retain)
	assert.Equal(t, 2, important.MaxRetries)

	normal := PolicyFor(model.TierNormal)
	assert.Equal(t, byte(1), normal.QoS)
	assert.Equal(t, 1, normal.MaxRetries)

	assert.Equal(t, normal, PolicyFor("bogus"))

	assert.True(t, RequiresConfirmation(model.TierCritical, "beep"))
	assert.True(t, RequiresConfirmation(model.TierImportant, "calibrate"))
	assert.True(t, RequiresConfirmation(model.TierImportant, "restart"))
	assert.False(t, RequiresConfirmation(model.TierImportant, "fan_on"))
	assert.False(t, RequiresConfirmation(model.TierNormal, "restart"))
}

func TestDispatchCriticalTimesOutAtDeadline(t *testing.T) {
	f := newFixture(t)

	rec, err := f.dispatcher.Dispatch(context.Background(), command("gh-node", "alarm_on"), Context{
		SensorID:      "gh-air-1",
		SensorType:    "temperature",
		Value:         model.Float(41),
		Unit:          "°c",
		ViolationKind: model.CriticalHigh,
	})
	require.NoError(t, err)
	assert.Equal(t, model.StateSent, rec.State)
	assert.Equal(t, model.TierCritical, rec.Tier)
	assert.True(t, rec.RequiresConfirmation)
	require.NotNil(t, rec.SentAt)

	f.clock.Advance(30*time.Second - time.Millisecond)
	assert.Equal(t, model.StateSent, f.state(t, "gen-1").State)

	f.clock.Advance(time.Millisecond)
	got := f.state(t, "gen-1")
	assert.Equal(t, model.StateTimeout, got.State)
	assert.Equal(t, TimeoutMessage, got.Error)
	require.NotNil(t, got.TimeoutAt)

	assert.Equal(t, []events.EventType{events.EventCommandPublished, events.EventCommandTimedOut}, f.events.types())
}

func TestDispatchAckBeforeDeadlineWins(t *testing.T) {
	f := newFixture(t)

	_, err := f.dispatcher.Dispatch(context.Background(), command("gh-node", "alarm_on"), Context{ViolationKind: model.CriticalHigh})
	require.NoError(t, err)

	f.clock.Advance(29 * time.Second)
	ackAt := f.clock.Now()
	_, err = f.store.TransitionDispatch("gen-1", []model.State{model.StateQueued, model.StateSent}, func(r *model.DispatchRecord) {
		r.State = model.StateAck
		r.AckAt = &ackAt
	})
	require.NoError(t, err)

	f.clock.Advance(time.Second)
	got := f.state(t, "gen-1")
	assert.Equal(t, model.StateAck, got.State)
	assert.Empty(t, got.Error)
	assert.True(t, ackAt.Equal(*got.AckAt))
	assert.Nil(t, got.TimeoutAt)
	assert.NotContains(t, f.events.types(), events.EventCommandTimedOut)
}

func TestDispatchNormalSettlesAfterGrace(t *testing.T) {
	f := newFixture(t)

	rec, err := f.dispatcher.Dispatch(context.Background(), command("gh-node", "beep"), Context{ViolationKind: model.WarningHigh})
	require.NoError(t, err)
	assert.Equal(t, model.TierNormal, rec.Tier)
	assert.False(t, rec.RequiresConfirmation)

	f.clock.Advance(time.Second)
	assert.Equal(t, model.StateSent, f.state(t, "gen-1").State)

	f.clock.Advance(time.Second)
	got := f.state(t, "gen-1")
	assert.Equal(t, model.StateAck, got.State)
	require.NotNil(t, got.AckAt)
	assert.Equal(t, 0, f.clock.Pending())
}

func TestDispatchGraceIsNoOpAfterFailure(t *testing.T) {
	f := newFixture(t)

	_, err := f.dispatcher.Dispatch(context.Background(), command("gh-node", "beep"), Context{})
	require.NoError(t, err)

	_, err = f.store.TransitionDispatch("gen-1", []model.State{model.StateSent}, func(r *model.DispatchRecord) {
		r.State = model.StateFailed
		r.Error = "jammed"
	})
	require.NoError(t, err)

	f.clock.Advance(DefaultGracePeriod)
	got := f.state(t, "gen-1")
	assert.Equal(t, model.StateFailed, got.State)
	assert.Equal(t, "jammed", got.Error)
}

func TestDispatchPublishFailure(t *testing.T) {
	f := newFixture(t)
	f.publisher.failing["farm/actuators/gh-node/heater_on"] = true

	rec, err := f.dispatcher.Dispatch(context.Background(), command("gh-node", "heater_on"), Context{ViolationKind: model.CriticalLow})
	require.Error(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, model.StateFailed, rec.State)
	assert.Contains(t, rec.Error, "broker rejected publish")
	assert.NotNil(t, rec.FailedAt)
	assert.Nil(t, rec.SentAt)

	assert.Equal(t, 0, f.clock.Pending())
	assert.Equal(t, []events.EventType{events.EventCommandFailed}, f.events.types())
	assert.Equal(t, model.StateFailed, f.state(t, "gen-1").State)
}

func TestDispatchPayload(t *testing.T) {
	f := newFixture(t)

	_, err := f.dispatcher.Dispatch(context.Background(), command("gh-node", "roof_open"), Context{
		SensorID:      "gh-air-1",
		SensorType:    "temperature",
		Value:         model.Float(32),
		Unit:          "°c",
		ViolationKind: model.WarningHigh,
	})
	require.NoError(t, err)

	require.Len(t, f.publisher.messages, 1)
	msg := f.publisher.messages[0]
	assert.Equal(t, "farm/actuators/gh-node/roof_open", msg.topic)
	assert.Equal(t, byte(2), msg.qos)
	assert.True(t, msg.retain)

	var payload CommandPayload
	require.NoError(t, json.Unmarshal(msg.payload, &payload))
	assert.Equal(t, PayloadEvent, payload.Event)
	assert.Equal(t, "gen-1", payload.CorrelationID)
	assert.Equal(t, "temperature", payload.SensorType)
	assert.Equal(t, "gh-air-1", payload.SensorID)
	assert.Equal(t, "gh-node", payload.DeviceID)
	require.NotNil(t, payload.Value)
	assert.Equal(t, 32.0, *payload.Value)
	assert.Equal(t, model.WarningHigh, payload.ViolationType)
	assert.Equal(t, "2026-05-01T12:00:00.000Z", payload.Timestamp)
	assert.Equal(t, "roof_open", payload.Action)
	assert.Equal(t, model.TierCritical, payload.Tier)
	assert.True(t, payload.RequiresConfirmation)
	assert.Equal(t, 0, payload.RetryCount)
	assert.Equal(t, 3, payload.MaxRetries)
}

func TestDispatchManualPartialFailure(t *testing.T) {
	f := newFixture(t)
	f.publisher.failing["ns/b/y"] = true

	ok := f.dispatcher.DispatchManual(context.Background(), "ns/a/x,ns/b/y", Context{}, "", "ext")
	assert.False(t, ok)

	first := f.state(t, "ext")
	assert.Equal(t, model.StateSent, first.State)
	assert.Equal(t, model.SourceManual, first.Source)
	assert.Equal(t, "a", first.DeviceID)
	assert.Equal(t, "x", first.Command)

	second := f.state(t, "ext-2")
	assert.Equal(t, model.StateFailed, second.State)
	assert.Equal(t, "b", second.DeviceID)
}

func TestDispatchManualSuccess(t *testing.T) {
	f := newFixture(t)

	ok := f.dispatcher.DispatchManual(context.Background(), "mqtt:farm/actuators/pump-1/irrigation_on, farm/actuators/fan-1/fan_on", Context{}, model.TierImportant, "")
	assert.True(t, ok)

	require.Len(t, f.publisher.messages, 2)
	assert.Equal(t, "farm/actuators/pump-1/irrigation_on", f.publisher.messages[0].topic)

	pump := f.state(t, "gen-1")
	assert.Equal(t, model.TierImportant, pump.Tier)
	assert.True(t, pump.RequiresConfirmation)

	fan := f.state(t, "gen-2")
	assert.Equal(t, model.TierImportant, fan.Tier)
	assert.False(t, fan.RequiresConfirmation)
}

func TestTriggerTargets(t *testing.T) {
	f := newFixture(t)

	t.Run("BareCommandUsesDevice", func(t *testing.T) {
		recs, err := f.dispatcher.Trigger(context.Background(), "fan_on", Context{DeviceID: "fan-1"})
		require.NoError(t, err)
		require.Len(t, recs, 1)
		assert.Equal(t, "farm/actuators/fan-1/fan_on", recs[0].Topic)
	})

	t.Run("BareCommandWithoutDevice", func(t *testing.T) {
		_, err := f.dispatcher.Trigger(context.Background(), "fan_on", Context{})
		assert.Error(t, err)
	})

	t.Run("EmptyTarget", func(t *testing.T) {
		_, err := f.dispatcher.Trigger(context.Background(), " , ", Context{})
		assert.ErrorIs(t, err, ErrNoTopics)
	})

	t.Run("DuplicateCorrelation", func(t *testing.T) {
		require.True(t, f.dispatcher.DispatchManual(context.Background(), "farm/a/x", Context{}, "", "dup"))
		assert.False(t, f.dispatcher.DispatchManual(context.Background(), "farm/a/x", Context{}, "", "dup"))
	})
}

// blockingPublisher never completes a publish until its context ends
type blockingPublisher struct{}

func (blockingPublisher) Publish(ctx context.Context, topic string, payload []byte, qos byte, retain bool) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestDispatchPublishTimeout(t *testing.T) {
	f := newFixture(t)
	f.dispatcher = NewDispatcher(blockingPublisher{}, f.store, Options{
		Namespace:      "farm",
		PublishTimeout: 20 * time.Millisecond,
		Scheduler:      f.clock,
		Events:         f.events,
		Now:            f.clock.Now,
		NewID:          func() string { return "slow" },
	})

	rec, err := f.dispatcher.Dispatch(context.Background(), command("gh-node", "heater_on"), Context{ViolationKind: model.CriticalLow})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, model.StateFailed, rec.State)
	assert.Equal(t, model.StateFailed, f.state(t, "slow").State)
	assert.Equal(t, 0, f.clock.Pending())
	assert.Equal(t, []events.EventType{events.EventCommandFailed}, f.events.types())
}

func TestRecoverResumesOpenRecords(t *testing.T) {
	f := newFixture(t)
	now := f.clock.Now()

	seed := func(id string, state model.State, confirm bool, sentAgo time.Duration) {
		rec := &model.DispatchRecord{
			CorrelationID:        id,
			Source:               model.SourceAuto,
			DeviceID:             "gh-node",
			Command:              "fan_on",
			Topic:                "farm/actuators/gh-node/fan_on",
			Tier:                 model.TierImportant,
			RequiresConfirmation: confirm,
			State:                state,
			QueuedAt:             now.Add(-sentAgo),
		}
		if state != model.StateQueued {
			sentAt := now.Add(-sentAgo)
			rec.SentAt = &sentAt
		}
		require.NoError(t, f.store.CreateDispatch(rec))
	}
	seed("waiting", model.StateSent, true, 10*time.Second)
	seed("overdue", model.StateSent, true, 31*time.Second)
	seed("grace", model.StateSent, false, time.Second)
	seed("stuck", model.StateQueued, false, time.Second)
	seed("done", model.StateAck, true, time.Minute)

	n, err := f.dispatcher.Recover()
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	assert.Equal(t, model.StateTimeout, f.state(t, "overdue").State)
	stuck := f.state(t, "stuck")
	assert.Equal(t, model.StateFailed, stuck.State)
	assert.Equal(t, InterruptedMessage, stuck.Error)
	assert.Equal(t, model.StateAck, f.state(t, "done").State)
	assert.Equal(t, 2, f.clock.Pending())

	// The grace check fires one second after restart, not a full period later
	f.clock.Advance(time.Second)
	assert.Equal(t, model.StateAck, f.state(t, "grace").State)
	assert.Equal(t, model.StateSent, f.state(t, "waiting").State)

	f.clock.Advance(19*time.Second - time.Millisecond)
	assert.Equal(t, model.StateSent, f.state(t, "waiting").State)

	f.clock.Advance(time.Millisecond)
	assert.Equal(t, model.StateTimeout, f.state(t, "waiting").State)
	assert.Equal(t, 0, f.clock.Pending())
}

func TestGraceSettleMarksAssumedDelivery(t *testing.T) {
	f := newFixture(t)

	_, err := f.dispatcher.Dispatch(context.Background(), command("gh-node", "beep"), Context{})
	require.NoError(t, err)
	f.clock.Advance(DefaultGracePeriod)

	f.events.mu.Lock()
	defer f.events.mu.Unlock()
	require.Len(t, f.events.events, 2)
	assert.Equal(t, events.EventCommandAcknowledged, f.events.events[1].Type)
	assert.Equal(t, AssumedDelivered, f.events.events[1].Details)
}
