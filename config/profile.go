package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// HexID is a frame arbitration ID that unmarshals from either a plain
// integer or a hex string like "0x100".
type HexID uint32

// UnmarshalYAML accepts decimal integers and "0x"-prefixed hex strings.
func (h *HexID) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	base := 10
	s := raw
	if strings.HasPrefix(strings.ToLower(raw), "0x") {
		base = 16
		s = raw[2:]
	}
	v, err := strconv.ParseUint(s, base, 32)
	if err != nil {
		return fmt.Errorf("invalid arbitration id %q: %w", raw, err)
	}
	*h = HexID(v)
	return nil
}

// GeneratorSpec describes how a periodic message builds its payload.
type GeneratorSpec struct {
	Kind  string `yaml:"kind"` // counter, constant, random
	Bytes int    `yaml:"bytes"`
	Value string `yaml:"value"` // hex payload for constant generators
}

// MessageSpec is one periodic message of a node.
type MessageSpec struct {
	ID        HexID         `yaml:"id"`
	Period    time.Duration `yaml:"period"`
	Jitter    time.Duration `yaml:"jitter"`
	Extended  bool          `yaml:"extended"`
	Generator GeneratorSpec `yaml:"generator"`
}

// NodeFaultSpec configures a node's built-in fault behavior.
type NodeFaultSpec struct {
	DropProbability float64       `yaml:"drop_probability"`
	Delay           time.Duration `yaml:"delay"`
	DelayJitter     time.Duration `yaml:"delay_jitter"`
}

// NodeSpec is one simulated node.
type NodeSpec struct {
	Name     string        `yaml:"name"`
	Fault    NodeFaultSpec `yaml:"fault"`
	Messages []MessageSpec `yaml:"messages"`
}

// ExpectationSpec is one timing expectation for the analyzer.
type ExpectationSpec struct {
	ID               HexID         `yaml:"id"`
	Period           time.Duration `yaml:"period"`
	TolerancePercent float64       `yaml:"tolerance_percent"`
	JitterThreshold  time.Duration `yaml:"jitter_threshold"`
}

// FaultRuleSpec is one bus-level fault injection rule.
type FaultRuleSpec struct {
	Type          string        `yaml:"type"`
	Probability   float64       `yaml:"probability"`
	TargetIDs     []HexID       `yaml:"target_ids"`
	Delay         time.Duration `yaml:"delay"`
	DelayJitter   time.Duration `yaml:"delay_jitter"`
	BurstCount    int           `yaml:"burst_count"`
	BurstInterval time.Duration `yaml:"burst_interval"`
}

// Profile is a declarative simulation setup loaded from YAML.
type Profile struct {
	Seed         int64             `yaml:"seed"`
	BusName      string            `yaml:"bus_name"`
	QueueSize    int               `yaml:"queue_size"`
	Nodes        []NodeSpec        `yaml:"nodes"`
	Expectations []ExpectationSpec `yaml:"expectations"`
	FaultRules   []FaultRuleSpec   `yaml:"fault_rules"`
}

// LoadProfile reads and validates a simulation profile from a YAML file.
func LoadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read profile %s: %w", path, err)
	}
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse profile %s: %w", path, err)
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("invalid profile %s: %w", path, err)
	}
	return &p, nil
}

// Validate checks the profile for values the simulator cannot run with.
func (p *Profile) Validate() error {
	for _, n := range p.Nodes {
		if n.Name == "" {
			return fmt.Errorf("node with empty name")
		}
		if n.Fault.DropProbability < 0 || n.Fault.DropProbability > 1 {
			return fmt.Errorf("node %s: drop_probability must be in [0, 1]", n.Name)
		}
		for _, m := range n.Messages {
			if m.Period <= 0 {
				return fmt.Errorf("node %s message 0x%X: period must be positive", n.Name, uint32(m.ID))
			}
			switch m.Generator.Kind {
			case "", "counter", "random":
			case "constant":
				if m.Generator.Value == "" {
					return fmt.Errorf("node %s message 0x%X: constant generator needs a value", n.Name, uint32(m.ID))
				}
			default:
				return fmt.Errorf("node %s message 0x%X: unknown generator kind %q", n.Name, uint32(m.ID), m.Generator.Kind)
			}
		}
	}
	for _, e := range p.Expectations {
		if e.Period <= 0 {
			return fmt.Errorf("expectation 0x%X: period must be positive", uint32(e.ID))
		}
	}
	for _, r := range p.FaultRules {
		if r.Probability < 0 || r.Probability > 1 {
			return fmt.Errorf("fault rule %s: probability must be in [0, 1]", r.Type)
		}
	}
	return nil
}
