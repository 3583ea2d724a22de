// Package telemetry decodes raw sensor payloads and pairs decoded values with sensor definitions
package telemetry

import (
	"regexp"
	"strconv"
	"strings"
)

// ParsedValue is one numeric token decoded from a telemetry string
type ParsedValue struct {
	Value float64 `json:"value"`
	Unit  string  `json:"unit"` // lower-cased, degree symbols and encoding artifacts kept
	Raw   string  `json:"raw"`
}

// separators are tried in this order; on a tie the earlier one wins
var separators = []string{",", ";", "|", " ", "\t", ":", "&"}

var (
	tokenPattern = regexp.MustCompile(`^\s*([-+]?\d+(?:\.\d+)?)\s*([^\d\s,;|&:=]*)\s*$`)
	scanPattern  = regexp.MustCompile(`([-+]?\d+(?:\.\d+)?)\s?([^\d\s,;|&:=]*)`)
)

// Parse decodes raw into numeric values with units.
// A payload with no numeric token yields an empty result.
func Parse(raw string) []ParsedValue {
	var best []ParsedValue
	for _, sep := range separators {
		values := splitValues(raw, sep)
		if len(values) > len(best) {
			best = values
		}
	}

	if len(best) > 1 {
		return best
	}
	return scanValues(raw)
}

// splitValues splits raw on sep and keeps tokens shaped like <number><unit>
func splitValues(raw, sep string) []ParsedValue {
	var values []ParsedValue
	for _, token := range strings.Split(raw, sep) {
		if strings.TrimSpace(token) == "" {
			continue
		}
		m := tokenPattern.FindStringSubmatch(token)
		if m == nil {
			continue
		}
		if v, ok := newValue(m[1], m[2], token); ok {
			values = append(values, v)
		}
	}
	return values
}

// scanValues finds <number><unit> substrings anywhere in raw
func scanValues(raw string) []ParsedValue {
	var values []ParsedValue
	for _, m := range scanPattern.FindAllStringSubmatch(raw, -1) {
		if v, ok := newValue(m[1], m[2], m[0]); ok {
			values = append(values, v)
		}
	}
	return values
}

func newValue(number, unit, raw string) (ParsedValue, bool) {
	f, err := strconv.ParseFloat(number, 64)
	if err != nil {
		return ParsedValue{}, false
	}
	return ParsedValue{
		Value: f,
		Unit:  strings.ToLower(strings.TrimSpace(unit)),
		Raw:   strings.TrimSpace(raw),
	}, true
}
