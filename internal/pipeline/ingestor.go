// Package pipeline runs one telemetry message through
// parse → match → evaluate → resolve → dispatch.
package pipeline

import (
	"context"
	"log"
	"time"

	"agrowatch/internal/dispatch"
	"agrowatch/internal/events"
	"agrowatch/internal/model"
	"agrowatch/internal/rules"
	"agrowatch/internal/telemetry"
	"agrowatch/internal/threshold"
)

// DefaultReadingHistory is the number of readings kept per sensor
const DefaultReadingHistory = 500

// SensorSource looks up the definitions of a logical sensor id
type SensorSource interface {
	SensorsByID(sensorID string) ([]model.SensorDefinition, error)
}

// ReadingStore keeps matched readings
type ReadingStore interface {
	SaveReading(r model.Reading) error
	TrimReadings(sensorID string, max int) error
}

// Evaluator classifies a value against a sensor's thresholds
type Evaluator interface {
	Evaluate(sensor model.SensorDefinition, value float64) threshold.Result
}

// Resolver maps a violation to commands
type Resolver interface {
	Resolve(sensor model.SensorDefinition, kind model.ViolationKind) ([]rules.Command, error)
}

// Dispatcher sends one command
type Dispatcher interface {
	Dispatch(ctx context.Context, cmd rules.Command, dc dispatch.Context) (*model.DispatchRecord, error)
}

// Summary counts what happened to one message
type Summary struct {
	Values     int `json:"values"`
	Matched    int `json:"matched"`
	Violations int `json:"violations"`
	Dispatched int `json:"dispatched"`
	Failed     int `json:"failed"`
}

// Options configures an Ingestor. Zero values take defaults.
type Options struct {
	// Readings stores matched values when set
	Readings       ReadingStore
	ReadingHistory int
	Events         events.Publisher
	Logger         *log.Logger
	Now            func() time.Time
}

// Ingestor wires the pipeline stages together
type Ingestor struct {
	sensors    SensorSource
	evaluator  Evaluator
	resolver   Resolver
	dispatcher Dispatcher
	readings   ReadingStore
	history    int
	events     events.Publisher
	logger     *log.Logger
	now        func() time.Time
}

// New creates an Ingestor
func New(sensors SensorSource, evaluator Evaluator, resolver Resolver, dispatcher Dispatcher, opts Options) *Ingestor {
	i := &Ingestor{
		sensors:    sensors,
		evaluator:  evaluator,
		resolver:   resolver,
		dispatcher: dispatcher,
		readings:   opts.Readings,
		history:    opts.ReadingHistory,
		events:     opts.Events,
		logger:     opts.Logger,
		now:        opts.Now,
	}
	if i.history <= 0 {
		i.history = DefaultReadingHistory
	}
	if i.events == nil {
		i.events = events.Discard
	}
	if i.now == nil {
		i.now = time.Now
	}
	return i
}

func (i *Ingestor) logf(format string, v ...interface{}) {
	if i.logger != nil {
		i.logger.Printf("[Pipeline] "+format, v...)
	}
}

// HandleTelemetry processes one raw message published on <ns>/sensors/{sensorID}.
// Failures stay local to the message and are only logged.
func (i *Ingestor) HandleTelemetry(ctx context.Context, sensorID string, payload []byte) Summary {
	var sum Summary

	defs, err := i.sensors.SensorsByID(sensorID)
	if err != nil {
		i.logf("Failed to load sensor %s: %v", sensorID, err)
		return sum
	}
	if len(defs) == 0 {
		i.logf("Telemetry for unregistered sensor %s", sensorID)
		return sum
	}

	values := telemetry.Parse(string(payload))
	sum.Values = len(values)
	if len(values) == 0 {
		i.logf("No values in telemetry from %s: %q", sensorID, string(payload))
		i.events.Publish(events.Event{
			Type:     events.EventMessageDropped,
			SensorID: sensorID,
			Status:   "telemetry",
		})
		return sum
	}

	matches := telemetry.MatchValues(defs, values)
	sum.Matched = len(matches)
	if len(matches) < len(defs) {
		i.logf("Sensor %s: %d of %d definitions matched a value", sensorID, len(matches), len(defs))
	}

	now := i.now()
	for _, m := range matches {
		i.record(m, now)

		result := i.evaluator.Evaluate(m.Sensor, m.Value.Value)
		sum.Violations += len(result.Violations)

		for _, v := range result.Violations {
			dispatched, failed := i.act(ctx, m, v)
			sum.Dispatched += dispatched
			sum.Failed += failed
		}
	}

	return sum
}

// record stores a matched value in the sensor's history
func (i *Ingestor) record(m telemetry.Match, at time.Time) {
	if i.readings == nil {
		return
	}

	err := i.readings.SaveReading(model.Reading{
		SensorID:     m.Sensor.SensorID,
		DefinitionID: m.Sensor.ID,
		Type:         m.Sensor.Type,
		Value:        m.Value.Value,
		Unit:         m.Value.Unit,
		Raw:          m.Value.Raw,
		Timestamp:    at,
	})
	if err != nil {
		i.logf("Failed to store reading of %s: %v", m.Sensor.SensorID, err)
		return
	}
	if err := i.readings.TrimReadings(m.Sensor.SensorID, i.history); err != nil {
		i.logf("Failed to trim readings of %s: %v", m.Sensor.SensorID, err)
	}
}

// act resolves and dispatches the commands for one violation
func (i *Ingestor) act(ctx context.Context, m telemetry.Match, v threshold.Violation) (dispatched, failed int) {
	commands, err := i.resolver.Resolve(m.Sensor, v.Kind)
	if err != nil {
		i.logf("Failed to resolve %s on %s: %v", v.Kind, m.Sensor.SensorID, err)
		return 0, 0
	}
	if len(commands) == 0 {
		i.logf("No action for %s on %s (value %.2f)", v.Kind, m.Sensor.SensorID, v.Value)
		return 0, 0
	}

	unit := m.Sensor.Unit
	if unit == "" {
		unit = m.Value.Unit
	}

	for _, cmd := range commands {
		_, err := i.dispatcher.Dispatch(ctx, cmd, dispatch.Context{
			Source:        model.SourceAuto,
			SensorID:      m.Sensor.SensorID,
			SensorType:    m.Sensor.Type,
			Value:         model.Float(v.Value),
			Unit:          unit,
			ViolationKind: v.Kind,
		})
		if err != nil {
			i.logf("Dispatch of %s for %s failed: %v", cmd.Command, m.Sensor.SensorID, err)
			failed++
			continue
		}
		dispatched++
	}
	return dispatched, failed
}
