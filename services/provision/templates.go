package provision

import (
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"metald/services/decision"
)

// Duration parses "2s"/"5m" style YAML scalars into a time.Duration.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// SettingTemplate is one desired BIOS/IPMI setting for a device type.
type SettingTemplate struct {
	Value            string                       `yaml:"value"`
	PreferredMethod  decision.Method              `yaml:"preferred_method,omitempty"`
	CandidateMethods []decision.Method            `yaml:"candidate_methods,omitempty"`
	Latency          map[decision.Method]Duration `yaml:"latency,omitempty"`
}

// FirmwareTemplate names one firmware image a device type should run.
type FirmwareTemplate struct {
	Component string `yaml:"component"`
	Version   string `yaml:"version"`
	Key       string `yaml:"key"`
	SHA256    string `yaml:"sha256"`
}

// DeviceTemplate is the full desired configuration for one device type.
type DeviceTemplate struct {
	Vendor   string                     `yaml:"vendor"`
	Settings map[string]SettingTemplate `yaml:"settings"`
	Firmware []FirmwareTemplate         `yaml:"firmware,omitempty"`
}

// TemplateSet holds every known device template, keyed by device type.
type TemplateSet struct {
	DeviceTypes map[string]DeviceTemplate `yaml:"device_types"`
}

// LoadTemplates reads and validates a device template file.
func LoadTemplates(path string) (*TemplateSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read templates: %w", err)
	}
	return ParseTemplates(data)
}

// ParseTemplates parses template YAML and validates every entry.
func ParseTemplates(data []byte) (*TemplateSet, error) {
	var set TemplateSet
	if err := yaml.Unmarshal(data, &set); err != nil {
		return nil, fmt.Errorf("parse templates: %w", err)
	}
	if len(set.DeviceTypes) == 0 {
		return nil, fmt.Errorf("templates define no device types")
	}

	for deviceType, tmpl := range set.DeviceTypes {
		for name, s := range tmpl.Settings {
			if s.Value == "" {
				return nil, fmt.Errorf("device %q setting %q has no value", deviceType, name)
			}
			if s.PreferredMethod != "" && !s.PreferredMethod.Valid() {
				return nil, fmt.Errorf("device %q setting %q: unknown method %q", deviceType, name, s.PreferredMethod)
			}
			for _, m := range s.CandidateMethods {
				if !m.Valid() {
					return nil, fmt.Errorf("device %q setting %q: unknown candidate method %q", deviceType, name, m)
				}
			}
		}
		for _, fw := range tmpl.Firmware {
			if fw.Component == "" || fw.Key == "" {
				return nil, fmt.Errorf("device %q: firmware entries need component and key", deviceType)
			}
		}
	}
	return &set, nil
}

// For looks up the template for a device type.
func (t *TemplateSet) For(deviceType string) (DeviceTemplate, bool) {
	tmpl, ok := t.DeviceTypes[deviceType]
	return tmpl, ok
}

// DecisionSettings converts the template's settings into planner input,
// sorted by name so plans stay deterministic across runs.
func (d DeviceTemplate) DecisionSettings() []decision.Setting {
	names := make([]string, 0, len(d.Settings))
	for name := range d.Settings {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]decision.Setting, 0, len(names))
	for _, name := range names {
		s := d.Settings[name]
		setting := decision.Setting{
			Name:             name,
			Value:            s.Value,
			CandidateMethods: s.CandidateMethods,
			PreferredMethod:  s.PreferredMethod,
		}
		if len(s.Latency) > 0 {
			setting.Latency = make(map[decision.Method]time.Duration, len(s.Latency))
			for m, dur := range s.Latency {
				setting.Latency[m] = time.Duration(dur)
			}
		}
		out = append(out, setting)
	}
	return out
}
