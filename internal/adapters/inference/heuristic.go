package inference

import (
	"context"
	"fmt"
	"strings"

	"github.com/Context-Injection-Edge/Context-Edge-sub000/internal/domain"
	"github.com/Context-Injection-Edge/Context-Edge-sub000/internal/ports"
)

// HeuristicConfig holds the thresholds of the built-in rule model. A
// reading beyond any threshold marks the part defective.
type HeuristicConfig struct {
	MaxTemperature float64 `yaml:"max_temperature"`
	MaxVibration   float64 `yaml:"max_vibration"`
	MinPressure    float64 `yaml:"min_pressure"`
	MaxCycleTime   float64 `yaml:"max_cycle_time"`
	// SetpointParameter is the writable tag proposed when temperature is
	// too high. Empty disables proposals.
	SetpointParameter string  `yaml:"setpoint_parameter"`
	SetpointTarget    float64 `yaml:"setpoint_target"`
}

func (c *HeuristicConfig) ApplyDefaults() {
	if c.MaxTemperature == 0 {
		c.MaxTemperature = 90
	}
	if c.MaxVibration == 0 {
		c.MaxVibration = 5
	}
	if c.MinPressure == 0 {
		c.MinPressure = 80
	}
	if c.MaxCycleTime == 0 {
		c.MaxCycleTime = 30
	}
}

const heuristicVersion = "heuristic-v1"

type Heuristic struct {
	cfg HeuristicConfig
}

func NewHeuristic(cfg HeuristicConfig) *Heuristic {
	cfg.ApplyDefaults()
	return &Heuristic{cfg: cfg}
}

// Infer looks up readings in PLC first, then SCADA.
func (h *Heuristic) Infer(ctx context.Context, rec domain.FusedRecord) (domain.InferenceResult, error) {
	if err := ctx.Err(); err != nil {
		return domain.InferenceResult{}, err
	}
	var reasons []string
	temp, hasTemp := reading(rec, "temperature")
	if hasTemp && temp > h.cfg.MaxTemperature {
		reasons = append(reasons, fmt.Sprintf("temperature %.1f above %.1f", temp, h.cfg.MaxTemperature))
	}
	if v, ok := reading(rec, "vibration"); ok && v > h.cfg.MaxVibration {
		reasons = append(reasons, fmt.Sprintf("vibration %.2f above %.2f", v, h.cfg.MaxVibration))
	}
	if v, ok := reading(rec, "pressure"); ok && v < h.cfg.MinPressure {
		reasons = append(reasons, fmt.Sprintf("pressure %.1f below %.1f", v, h.cfg.MinPressure))
	}
	if v, ok := reading(rec, "cycle_time"); ok && v > h.cfg.MaxCycleTime {
		reasons = append(reasons, fmt.Sprintf("cycle time %.1f above %.1f", v, h.cfg.MaxCycleTime))
	}

	res := domain.InferenceResult{
		Prediction: domain.Prediction{Label: "good", Confidence: 0.9, ModelVersion: heuristicVersion},
	}
	if len(reasons) == 0 {
		return res, nil
	}
	res.Prediction = domain.Prediction{Label: "defective", Confidence: 0.75, ModelVersion: heuristicVersion}

	if h.cfg.SetpointParameter != "" && hasTemp && temp > h.cfg.MaxTemperature {
		current, hasCurrent := reading(rec, h.cfg.SetpointParameter)
		p := &domain.Proposal{
			ActionType:       "adjust_setpoint",
			TargetParameter:  h.cfg.SetpointParameter,
			RecommendedValue: h.cfg.SetpointTarget,
			Reasoning:        strings.Join(reasons, "; "),
			Priority:         domain.PriorityHigh,
			Confidence:       res.Prediction.Confidence,
			ModelVersion:     heuristicVersion,
		}
		if hasCurrent {
			p.CurrentValue = &current
		}
		res.Proposal = p
	}
	return res, nil
}

func reading(rec domain.FusedRecord, key string) (float64, bool) {
	for _, k := range []domain.SourceKind{domain.KindPLC, domain.KindSCADA} {
		if v, ok := rec.Float(k, key); ok {
			return v, true
		}
	}
	return 0, false
}

var _ ports.Inferer = (*Heuristic)(nil)
