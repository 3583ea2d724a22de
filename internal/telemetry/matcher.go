package telemetry

import (
	"strings"
	"unicode"

	"agrowatch/internal/model"
)

// Quantity is a coarse physical quantity used to pair units that do not compare equal
type Quantity string

const (
	QuantityUnknown     Quantity = ""
	QuantityTemperature Quantity = "temperature"
	QuantityHumidity    Quantity = "humidity"
	QuantityMoisture    Quantity = "moisture"
	QuantityLight       Quantity = "light"
	QuantityPH          Quantity = "ph"
	QuantityPressure    Quantity = "pressure"
)

// MatchRule names the step that paired a sensor with its value
type MatchRule string

const (
	MatchExact      MatchRule = "exact"
	MatchNormalized MatchRule = "normalized"
	MatchHeuristic  MatchRule = "heuristic"
	MatchPositional MatchRule = "positional"
)

// Match pairs a sensor definition with the value that belongs to it
type Match struct {
	Sensor model.SensorDefinition
	Value  ParsedValue
	Rule   MatchRule
}

// MatchValues pairs each sensor with at most one value. Sensors are evaluated
// independently; a sensor with no candidate is absent from the result.
func MatchValues(sensors []model.SensorDefinition, values []ParsedValue) []Match {
	if len(sensors) == 0 || len(values) == 0 {
		return nil
	}

	matches := make([]Match, 0, len(sensors))
	for _, s := range sensors {
		if v, rule, ok := matchSensor(s, values); ok {
			matches = append(matches, Match{Sensor: s, Value: v, Rule: rule})
		}
	}
	return matches
}

func matchSensor(s model.SensorDefinition, values []ParsedValue) (ParsedValue, MatchRule, bool) {
	// A sensor without a usable unit would pair with any unit-less value, so
	// only the type heuristic and the positional fallback may decide for it.
	if unit := NormalizeUnit(s.Unit); unit != "" {
		for _, v := range values {
			if v.Unit == s.Unit {
				return v, MatchExact, true
			}
		}

		for _, v := range values {
			if NormalizeUnit(v.Unit) == unit {
				return v, MatchNormalized, true
			}
		}
	}

	want := ClassifySensor(s)
	if want != QuantityUnknown {
		for _, v := range values {
			if ClassifyUnit(v.Unit) == want {
				return v, MatchHeuristic, true
			}
		}
	}

	// Some devices send a bare "temperature,humidity" pair with missing or
	// corrupted unit bytes. Only that two-value shape is handled here.
	if len(values) == 2 && looksLikeTemperature(values[0].Unit) && looksLikeHumidity(values[1].Unit) {
		switch want {
		case QuantityTemperature:
			return values[0], MatchPositional, true
		case QuantityHumidity:
			return values[1], MatchPositional, true
		}
	}

	return ParsedValue{}, "", false
}

// NormalizeUnit strips degree symbols and encoding artifacts, lower-cases and trims
func NormalizeUnit(unit string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(unit) {
		switch r {
		case '°', 'º', '˚', 'â', 'Â', '�', '?':
			continue
		}
		if r > unicode.MaxASCII && !unicode.IsLetter(r) {
			continue
		}
		b.WriteRune(r)
	}
	return strings.TrimSpace(b.String())
}

// ClassifySensor buckets a sensor by its type first, then by its unit
func ClassifySensor(s model.SensorDefinition) Quantity {
	if q := classify(strings.ToLower(s.Type)); q != QuantityUnknown {
		return q
	}
	return ClassifyUnit(s.Unit)
}

// ClassifyUnit buckets a unit string into a physical quantity
func ClassifyUnit(unit string) Quantity {
	raw := strings.ToLower(strings.TrimSpace(unit))
	if strings.ContainsAny(raw, "°º") {
		return QuantityTemperature
	}
	if raw == "%" || raw == "%rh" {
		return QuantityHumidity
	}
	return classify(NormalizeUnit(unit))
}

func classify(s string) Quantity {
	if s == "" {
		return QuantityUnknown
	}
	switch s {
	case "c", "f", "k", "degc", "degf":
		return QuantityTemperature
	case "rh":
		return QuantityHumidity
	case "lx":
		return QuantityLight
	case "pa", "hpa", "kpa", "mbar", "bar", "psi":
		return QuantityPressure
	}
	switch {
	case strings.Contains(s, "temp"), strings.Contains(s, "celsius"), strings.Contains(s, "fahrenheit"):
		return QuantityTemperature
	case strings.Contains(s, "humid"):
		return QuantityHumidity
	case strings.Contains(s, "moist"), strings.Contains(s, "soil"), strings.Contains(s, "vwc"):
		return QuantityMoisture
	case strings.Contains(s, "light"), strings.Contains(s, "lux"), strings.Contains(s, "lumen"):
		return QuantityLight
	case s == "ph" || strings.HasPrefix(s, "ph_") || strings.Contains(s, "acidity"):
		return QuantityPH
	case strings.Contains(s, "press"), strings.Contains(s, "hpa"), strings.Contains(s, "baro"):
		return QuantityPressure
	}
	return QuantityUnknown
}

// looksLikeTemperature accepts temperature units as well as empty or garbled ones
func looksLikeTemperature(unit string) bool {
	return ClassifyUnit(unit) == QuantityTemperature || garbled(unit)
}

// looksLikeHumidity accepts percentages as well as empty or garbled units
func looksLikeHumidity(unit string) bool {
	q := ClassifyUnit(unit)
	if q == QuantityTemperature {
		return false
	}
	return q == QuantityHumidity || strings.Contains(unit, "%") || garbled(unit)
}

// garbled reports an empty unit or one carrying bytes that are not plain ASCII
// or a degree sign
func garbled(unit string) bool {
	if strings.TrimSpace(unit) == "" {
		return true
	}
	for _, r := range unit {
		switch {
		case r == '°' || r == 'º':
		case r == unicode.ReplacementChar || r > unicode.MaxASCII:
			return true
		}
	}
	return false
}
