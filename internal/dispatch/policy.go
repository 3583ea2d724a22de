package dispatch

import (
	"strings"

	"agrowatch/internal/model"
)

// Policy is the delivery policy attached to a tier
type Policy struct {
	Tier       model.Tier `json:"tier"`
	QoS        byte       `json:"qos"`
	Retain     bool       `json:"retain"`
	MaxRetries int        `json:"maxRetries"`

	// AlwaysConfirm means every command of the tier waits for a device ack
	AlwaysConfirm bool `json:"alwaysConfirm"`
}

var policies = map[model.Tier]Policy{
	model.TierCritical:  {Tier: model.TierCritical, QoS: 2, Retain: true, MaxRetries: 3, AlwaysConfirm: true},
	model.TierImportant: {Tier: model.TierImportant, QoS: 1, Retain: false, MaxRetries: 2},
	model.TierNormal:    {Tier: model.TierNormal, QoS: 1, Retain: false, MaxRetries: 1},
}

var criticalCommands = commandSet(
	"restart",
	"emergency_stop",
	"alarm_on",
	"shutdown",
	"irrigation_on",
	"heater_on",
	"roof_open",
	"roof_close",
)

var importantCommands = commandSet(
	"fan_on",
	"fan_off",
	"fan_speed",
	"lights_on",
	"lights_off",
	"roof_half",
	"vent_open",
	"vent_close",
	"calibrate",
	"system_reset",
	"reset",
)

// Important-tier commands that wait for a device ack
var confirmCommands = commandSet(
	"restart",
	"alarm_on",
	"irrigation_on",
	"heater_on",
	"roof_open",
	"roof_close",
	"calibrate",
)

func commandSet(names ...string) map[string]struct{} {
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		set[n] = struct{}{}
	}
	return set
}

// normalizeCommand folds "Emergency-Stop" and "emergency_stop" together
func normalizeCommand(command string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(command)), "-", "_")
}

func inSet(set map[string]struct{}, command string) bool {
	_, ok := set[normalizeCommand(command)]
	return ok
}

// Classify returns the tier of a command raised for a violation kind.
// kind may be empty for manual commands.
func Classify(command string, kind model.ViolationKind) model.Tier {
	switch {
	case strings.Contains(string(kind), "critical"), inSet(criticalCommands, command):
		return model.TierCritical
	case inSet(importantCommands, command):
		return model.TierImportant
	default:
		return model.TierNormal
	}
}

// PolicyFor returns the delivery policy of tier. Unknown tiers get the normal policy.
func PolicyFor(tier model.Tier) Policy {
	if p, ok := policies[tier]; ok {
		return p
	}
	return policies[model.TierNormal]
}

// RequiresConfirmation reports whether command must be acknowledged by the device
func RequiresConfirmation(tier model.Tier, command string) bool {
	p := PolicyFor(tier)
	if p.AlwaysConfirm {
		return true
	}
	return p.Tier == model.TierImportant && inSet(confirmCommands, command)
}
