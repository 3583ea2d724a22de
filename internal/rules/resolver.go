// Package rules resolves threshold violations to actuator commands using the
// prioritized rule table, falling back to per-sensor legacy actions.
package rules

import (
	"errors"
	"fmt"
	"log"
	"regexp"
	"sort"

	"agrowatch/internal/model"
)

// LegacyRuleID marks commands resolved from a sensor's legacy action field
const LegacyRuleID int64 = -1

// ErrMalformedLegacyAction is returned for legacy actions not shaped like
// "mqtt:<namespace>/actuators/<deviceId>/<command>"
var ErrMalformedLegacyAction = errors.New("malformed legacy action")

var legacyPattern = regexp.MustCompile(`^mqtt:([^/\s]+)/actuators/([^/\s]+)/([^/\s]+)$`)

// Command is a concrete actuator command derived from one violation
type Command struct {
	Command        string `json:"command"`
	TargetDeviceID string `json:"targetDeviceId"`
	Topic          string `json:"topic"`
	RuleID         int64  `json:"ruleId"`
	Priority       int    `json:"priority"`
}

// Legacy reports whether the command came from the legacy action fallback
func (c Command) Legacy() bool {
	return c.RuleID == LegacyRuleID
}

// RuleSource provides the enabled rules for a violation kind
type RuleSource interface {
	EnabledRules(kind model.ViolationKind) ([]model.ActuatorRule, error)
}

// Resolver turns violations into commands
type Resolver struct {
	source    RuleSource
	namespace string
	logger    *log.Logger
}

// NewResolver creates a resolver publishing under namespace
func NewResolver(source RuleSource, namespace string, logger *log.Logger) *Resolver {
	return &Resolver{
		source:    source,
		namespace: namespace,
		logger:    logger,
	}
}

// Resolve returns the commands for sensor's violation. All rules sharing the
// highest matching priority fire. With no matching rule the sensor's legacy
// action for that side is used; a missing or malformed one yields nothing.
func (r *Resolver) Resolve(sensor model.SensorDefinition, kind model.ViolationKind) ([]Command, error) {
	candidates, err := r.source.EnabledRules(kind)
	if err != nil {
		return nil, fmt.Errorf("failed to load rules for %s: %w", kind, err)
	}

	selected := Select(candidates, sensor, kind)
	if len(selected) > 0 {
		commands := make([]Command, 0, len(selected))
		for _, rule := range selected {
			target := rule.TargetDeviceID
			if target == "" {
				target = sensor.DeviceID
			}
			commands = append(commands, Command{
				Command:        rule.ActuatorCommand,
				TargetDeviceID: target,
				Topic:          model.ActuatorTopic(r.namespace, target, rule.ActuatorCommand),
				RuleID:         rule.ID,
				Priority:       rule.Priority,
			})
		}
		return commands, nil
	}

	action := sensor.ActionHigh
	if kind.IsLow() {
		action = sensor.ActionLow
	}
	if action == "" {
		return nil, nil
	}

	cmd, err := ParseLegacyAction(action)
	if err != nil {
		if r.logger != nil {
			r.logger.Printf("[Resolver] Sensor %s: ignoring legacy action %q: %v", sensor.SensorID, action, err)
		}
		return nil, nil
	}
	return []Command{cmd}, nil
}

// Select returns the rules that match sensor and kind and share the highest
// priority, ordered by rule id
func Select(rules []model.ActuatorRule, sensor model.SensorDefinition, kind model.ViolationKind) []model.ActuatorRule {
	var matched []model.ActuatorRule
	for _, rule := range rules {
		if matches(rule, sensor, kind) {
			matched = append(matched, rule)
		}
	}
	if len(matched) == 0 {
		return nil
	}

	sort.SliceStable(matched, func(i, j int) bool {
		if matched[i].Priority != matched[j].Priority {
			return matched[i].Priority > matched[j].Priority
		}
		return matched[i].ID < matched[j].ID
	})

	top := matched[0].Priority
	n := 1
	for n < len(matched) && matched[n].Priority == top {
		n++
	}
	return matched[:n]
}

func matches(rule model.ActuatorRule, sensor model.SensorDefinition, kind model.ViolationKind) bool {
	if !rule.Enabled || rule.ViolationKind != kind {
		return false
	}
	if !wildcard(rule.SensorType, sensor.Type) {
		return false
	}
	// A located rule never matches a sensor without a location
	if sensor.Location == "" {
		if rule.SensorLocation != "" {
			return false
		}
	} else if !wildcard(rule.SensorLocation, sensor.Location) {
		return false
	}
	return wildcard(rule.FarmID, sensor.FarmID) && wildcard(rule.DeviceID, sensor.DeviceID)
}

func wildcard(criterion, value string) bool {
	return criterion == "" || criterion == value
}

// ParseLegacyAction decodes "mqtt:<namespace>/actuators/<deviceId>/<command>"
func ParseLegacyAction(action string) (Command, error) {
	m := legacyPattern.FindStringSubmatch(action)
	if m == nil {
		return Command{}, ErrMalformedLegacyAction
	}
	return Command{
		Command:        m[3],
		TargetDeviceID: m[2],
		Topic:          model.ActuatorTopic(m[1], m[2], m[3]),
		RuleID:         LegacyRuleID,
	}, nil
}
