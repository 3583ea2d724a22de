package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"agrowatch/internal/model"
)

// Definitions are the device, sensor and rule records of a deployment
type Definitions struct {
	Devices []model.Device
	Sensors []model.SensorDefinition
	Rules   []model.ActuatorRule
}

// DefinitionStore persists definitions
type DefinitionStore interface {
	UpsertDevice(d model.Device) error
	ReplaceDefinitions(sensors []model.SensorDefinition, rules []model.ActuatorRule) error
}

type definitionsFile struct {
	Devices []model.Device           `yaml:"devices"`
	Sensors []model.SensorDefinition `yaml:"sensors"`
	Rules   []ruleEntry              `yaml:"rules"`
}

// ruleEntry decodes a rule that is enabled unless it says otherwise
type ruleEntry model.ActuatorRule

func (r *ruleEntry) UnmarshalYAML(node *yaml.Node) error {
	type plain model.ActuatorRule
	p := plain{Enabled: true}
	if err := node.Decode(&p); err != nil {
		return err
	}
	*r = ruleEntry(p)
	return nil
}

// LoadDefinitions reads and validates a YAML definitions file
func LoadDefinitions(path string) (*Definitions, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseDefinitions(raw)
}

// ParseDefinitions decodes and validates YAML definitions
func ParseDefinitions(raw []byte) (*Definitions, error) {
	var f definitionsFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("failed to parse definitions: %w", err)
	}

	defs := &Definitions{
		Devices: f.Devices,
		Sensors: f.Sensors,
		Rules:   make([]model.ActuatorRule, 0, len(f.Rules)),
	}
	for _, r := range f.Rules {
		defs.Rules = append(defs.Rules, model.ActuatorRule(r))
	}

	if err := defs.Validate(); err != nil {
		return nil, fmt.Errorf("invalid definitions: %w", err)
	}
	return defs, nil
}

// Validate checks ids and threshold ordering
func (d *Definitions) Validate() error {
	var errs []error

	devices := make(map[string]bool)
	for i, dev := range d.Devices {
		if dev.ID == "" {
			errs = append(errs, fmt.Errorf("device #%d: id is required", i+1))
			continue
		}
		if devices[dev.ID] {
			errs = append(errs, fmt.Errorf("device %s: duplicate id", dev.ID))
		}
		devices[dev.ID] = true
	}

	sensors := make(map[int64]bool)
	for i, s := range d.Sensors {
		name := fmt.Sprintf("sensor #%d", i+1)
		if s.ID <= 0 {
			errs = append(errs, fmt.Errorf("%s: id must be positive", name))
		} else if sensors[s.ID] {
			errs = append(errs, fmt.Errorf("%s: duplicate id %d", name, s.ID))
		}
		sensors[s.ID] = true

		if s.SensorID == "" {
			errs = append(errs, fmt.Errorf("%s: sensor_id is required", name))
		}
		if err := checkBounds(s); err != nil {
			errs = append(errs, fmt.Errorf("%s (%s): %w", name, s.SensorID, err))
		}
	}

	rules := make(map[int64]bool)
	for i, r := range d.Rules {
		name := fmt.Sprintf("rule #%d", i+1)
		if r.ID <= 0 {
			errs = append(errs, fmt.Errorf("%s: id must be positive", name))
		} else if rules[r.ID] {
			errs = append(errs, fmt.Errorf("%s: duplicate id %d", name, r.ID))
		}
		rules[r.ID] = true

		if !r.ViolationKind.Valid() {
			errs = append(errs, fmt.Errorf("%s: unknown violation_kind %q", name, r.ViolationKind))
		}
		if r.ActuatorCommand == "" {
			errs = append(errs, fmt.Errorf("%s: actuator_command is required", name))
		}
	}

	return errors.Join(errs...)
}

// checkBounds enforces min_critical <= min_warning <= max_warning <= max_critical over the bounds that are set
func checkBounds(s model.SensorDefinition) error {
	bounds := []struct {
		name  string
		value *float64
	}{
		{"min_critical", s.MinCritical},
		{"min_warning", s.MinWarning},
		{"max_warning", s.MaxWarning},
		{"max_critical", s.MaxCritical},
	}

	prevName := ""
	var prev *float64
	for _, b := range bounds {
		if b.value == nil {
			continue
		}
		if prev != nil && *b.value < *prev {
			return fmt.Errorf("%s (%g) is below %s (%g)", b.name, *b.value, prevName, *prev)
		}
		prev, prevName = b.value, b.name
	}
	return nil
}

// Apply upserts devices and replaces the stored sensors and rules with this
// set, so entries dropped from the file stop firing. Devices are kept because
// they carry reported status.
func (d *Definitions) Apply(store DefinitionStore) error {
	for _, dev := range d.Devices {
		if err := store.UpsertDevice(dev); err != nil {
			return fmt.Errorf("failed to store device %s: %w", dev.ID, err)
		}
	}
	if err := store.ReplaceDefinitions(d.Sensors, d.Rules); err != nil {
		return fmt.Errorf("failed to store sensors and rules: %w", err)
	}
	return nil
}
