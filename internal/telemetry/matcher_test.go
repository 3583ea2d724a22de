package telemetry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agrowatch/internal/model"
)

func dht(id int64, typ, unit string) model.SensorDefinition {
	return model.SensorDefinition{ID: id, SensorID: "dht22-1", Type: typ, Unit: unit, DeviceID: "node-1"}
}

func TestMatchValues(t *testing.T) {
	temp := dht(1, "temperature", "°C")
	hum := dht(2, "humidity", "%")

	tests := []struct {
		name    string
		sensors []model.SensorDefinition
		raw     string
		want    map[int64]float64
		rules   map[int64]MatchRule
	}{
		{
			name:    "exact and normalized units",
			sensors: []model.SensorDefinition{temp, hum},
			raw:     "25.5°C,60%",
			want:    map[int64]float64{1: 25.5, 2: 60},
			rules:   map[int64]MatchRule{1: MatchNormalized, 2: MatchExact},
		},
		{
			name:    "encoding artifact normalized away",
			sensors: []model.SensorDefinition{temp},
			raw:     "24.1Â°C,55%",
			want:    map[int64]float64{1: 24.1},
			rules:   map[int64]MatchRule{1: MatchNormalized},
		},
		{
			name:    "type heuristic",
			sensors: []model.SensorDefinition{dht(3, "air_temperature", "celsius"), dht(4, "soil_moisture", "vwc")},
			raw:     "19F|33%",
			want:    map[int64]float64{3: 19},
			rules:   map[int64]MatchRule{3: MatchHeuristic},
		},
		{
			name:    "positional fallback for unit-less pair",
			sensors: []model.SensorDefinition{temp, hum},
			raw:     "23.4,51",
			want:    map[int64]float64{1: 23.4, 2: 51},
			rules:   map[int64]MatchRule{1: MatchPositional, 2: MatchPositional},
		},
		{
			name:    "unit-less definitions use the positional fallback",
			sensors: []model.SensorDefinition{dht(6, "temperature", ""), dht(7, "humidity", "")},
			raw:     "23.4,51",
			want:    map[int64]float64{6: 23.4, 7: 51},
			rules:   map[int64]MatchRule{6: MatchPositional, 7: MatchPositional},
		},
		{
			name:    "definition unit that normalizes to empty",
			sensors: []model.SensorDefinition{dht(8, "temperature", "°"), dht(9, "humidity", " ")},
			raw:     "23.4,51",
			want:    map[int64]float64{8: 23.4, 9: 51},
			rules:   map[int64]MatchRule{8: MatchPositional, 9: MatchPositional},
		},
		{
			name:    "no positional fallback for three values",
			sensors: []model.SensorDefinition{temp, hum},
			raw:     "23.4,51,7",
			want:    map[int64]float64{},
		},
		{
			name:    "unmatched sensor is absent",
			sensors: []model.SensorDefinition{temp, dht(5, "light", "lux")},
			raw:     "25.5°C,60%",
			want:    map[int64]float64{1: 25.5},
			rules:   map[int64]MatchRule{1: MatchNormalized},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			matches := MatchValues(tt.sensors, Parse(tt.raw))
			got := make(map[int64]float64, len(matches))
			for _, m := range matches {
				got[m.Sensor.ID] = m.Value.Value
				if want, ok := tt.rules[m.Sensor.ID]; ok {
					assert.Equal(t, want, m.Rule, "sensor %d", m.Sensor.ID)
				}
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMatchValuesEmptyInputs(t *testing.T) {
	assert.Empty(t, MatchValues(nil, Parse("25C")))
	assert.Empty(t, MatchValues([]model.SensorDefinition{dht(1, "temperature", "C")}, nil))
}

func TestMatchValuesAtMostOnePerSensor(t *testing.T) {
	matches := MatchValues([]model.SensorDefinition{dht(1, "temperature", "c")}, Parse("20C,21C"))
	require.Len(t, matches, 1)
	assert.Equal(t, 20.0, matches[0].Value.Value)
}

func TestNormalizeUnit(t *testing.T) {
	assert.Equal(t, "c", NormalizeUnit("°C"))
	assert.Equal(t, "c", NormalizeUnit(" Â°C "))
	assert.Equal(t, "%", NormalizeUnit("%"))
	assert.Equal(t, "hpa", NormalizeUnit("hPa"))
}

func TestClassifyUnit(t *testing.T) {
	assert.Equal(t, QuantityTemperature, ClassifyUnit("°c"))
	assert.Equal(t, QuantityTemperature, ClassifyUnit("F"))
	assert.Equal(t, QuantityHumidity, ClassifyUnit("%"))
	assert.Equal(t, QuantityLight, ClassifyUnit("lux"))
	assert.Equal(t, QuantityPressure, ClassifyUnit("hPa"))
	assert.Equal(t, QuantityPH, ClassifyUnit("pH"))
	assert.Equal(t, QuantityUnknown, ClassifyUnit(""))
}
