package domain

import "time"

type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthDegraded HealthStatus = "degraded"
	HealthFailed   HealthStatus = "failed"
	HealthUnknown  HealthStatus = "unknown"
)

// GaugeValue is the numeric encoding exported as a metric.
func (s HealthStatus) GaugeValue() float64 {
	switch s {
	case HealthHealthy:
		return 1
	case HealthDegraded:
		return 2
	case HealthFailed:
		return 3
	}
	return 0
}

type HealthSnapshot struct {
	Adapter   string        `json:"adapter"`
	Kind      SourceKind    `json:"kind"`
	Status    HealthStatus  `json:"status"`
	Latency   time.Duration `json:"latency_ns"`
	Error     string        `json:"error,omitempty"`
	CheckedAt time.Time     `json:"checked_at"`
}
