package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// PolicyFile is the YAML document selected by POLICIES_PATH.
//
//	default_flow: legacy
//	flows:
//	  legacy:
//	    ceiling: 15
//	    ttl: 30d
//	    top_tier: 15
//	    channel: auto
type PolicyFile struct {
	DefaultFlow string                `yaml:"default_flow" json:"default_flow"`
	Flows       map[string]FlowPolicy `yaml:"flows" json:"flows"`
}

// FlowPolicy configures one discount flow.
type FlowPolicy struct {
	Ceiling float64    `yaml:"ceiling" json:"ceiling"`
	TTL     string     `yaml:"ttl" json:"ttl"`
	TopTier float64    `yaml:"top_tier" json:"top_tier"`
	Channel string     `yaml:"channel,omitempty" json:"channel,omitempty"`
	Tiers   []TierRule `yaml:"tiers,omitempty" json:"tiers,omitempty"`
}

// TierRule pairs a CEL condition with a discount value.
type TierRule struct {
	Expr  string  `yaml:"expr" json:"expr"`
	Value float64 `yaml:"value" json:"value"`
}

// TTLDuration parses TTL. A "d" suffix counts days.
func (f FlowPolicy) TTLDuration() (time.Duration, error) {
	return ParseTTL(f.TTL)
}

// ParseTTL parses a Go duration or a whole number of days such as "30d".
func ParseTTL(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil || n <= 0 {
			return 0, fmt.Errorf("ttl %q: days must be a positive integer", s)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("ttl %q: %w", s, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("ttl %q must be positive", s)
	}
	return d, nil
}

// LoadPolicies reads and validates a policy file.
func LoadPolicies(path string) (*PolicyFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load policies: %w", err)
	}
	var pf PolicyFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("parse policies %s: %w", path, err)
	}
	if err := pf.Validate(); err != nil {
		return nil, fmt.Errorf("policies %s: %w", path, err)
	}
	return &pf, nil
}

// Validate checks every flow and that the default flow exists.
func (pf *PolicyFile) Validate() error {
	if len(pf.Flows) == 0 {
		return fmt.Errorf("no flows defined")
	}
	if pf.DefaultFlow == "" {
		pf.DefaultFlow = "legacy"
	}
	if _, ok := pf.Flows[pf.DefaultFlow]; !ok {
		return fmt.Errorf("default flow %q is not defined", pf.DefaultFlow)
	}
	for name, f := range pf.Flows {
		if f.Ceiling <= 0 {
			return fmt.Errorf("flow %s: ceiling must be positive", name)
		}
		if _, err := f.TTLDuration(); err != nil {
			return fmt.Errorf("flow %s: %w", name, err)
		}
		if f.TopTier > f.Ceiling {
			return fmt.Errorf("flow %s: top_tier %v exceeds ceiling %v", name, f.TopTier, f.Ceiling)
		}
		switch f.Channel {
		case "", "auto", "email", "sms", "event":
		default:
			return fmt.Errorf("flow %s: unknown channel %q", name, f.Channel)
		}
		for i, t := range f.Tiers {
			if strings.TrimSpace(t.Expr) == "" || t.Value <= 0 {
				return fmt.Errorf("flow %s: tier %d needs an expr and a positive value", name, i)
			}
		}
	}
	return nil
}
