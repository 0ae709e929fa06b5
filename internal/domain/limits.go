package domain

import (
	"errors"
	"fmt"
	"math"
	"time"

	"gopkg.in/yaml.v3"
)

// SafetyLimit bounds the values a recommendation may write to one
// (device, parameter) pair. A disabled limit is treated as absent.
type SafetyLimit struct {
	DeviceID         string    `json:"device_id" yaml:"device_id"`
	Parameter        string    `json:"parameter" yaml:"parameter"`
	Min              float64   `json:"min" yaml:"min"`
	Max              float64   `json:"max" yaml:"max"`
	MaxRateOfChange  *float64  `json:"max_rate_of_change,omitempty" yaml:"max_rate_of_change"`
	Unit             string    `json:"unit,omitempty" yaml:"unit"`
	RequiresApproval bool      `json:"requires_approval" yaml:"requires_approval"`
	Enabled          bool      `json:"enabled" yaml:"enabled"`
	UpdatedAt        time.Time `json:"updated_at" yaml:"-"`
}

func (l SafetyLimit) Validate() error {
	if l.DeviceID == "" || l.Parameter == "" {
		return errors.New("safety limit: device_id and parameter are required")
	}
	if math.IsNaN(l.Min) || math.IsNaN(l.Max) {
		return errors.New("safety limit: min and max must be numbers")
	}
	if l.Min > l.Max {
		return fmt.Errorf("safety limit %s/%s: min %.4g exceeds max %.4g", l.DeviceID, l.Parameter, l.Min, l.Max)
	}
	if l.MaxRateOfChange != nil && *l.MaxRateOfChange < 0 {
		return fmt.Errorf("safety limit %s/%s: max_rate_of_change must not be negative", l.DeviceID, l.Parameter)
	}
	return nil
}

// WithinLimits checks value against limit. A nil or disabled limit passes.
func WithinLimits(limit *SafetyLimit, value float64) bool {
	if limit == nil || !limit.Enabled {
		return true
	}
	if math.IsNaN(value) {
		return false
	}
	return value >= limit.Min && value <= limit.Max
}

// UnmarshalYAML defaults enabled and requires_approval to true for
// limits seeded from configuration.
func (l *SafetyLimit) UnmarshalYAML(n *yaml.Node) error {
	type plain SafetyLimit
	p := plain{Enabled: true, RequiresApproval: true}
	if err := n.Decode(&p); err != nil {
		return err
	}
	*l = SafetyLimit(p)
	return nil
}
