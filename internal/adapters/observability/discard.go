package observability

import "github.com/Context-Injection-Edge/Context-Edge-sub000/internal/ports"

// Discard drops every log line and metric.
type Discard struct{}

func (Discard) LogInfo(string, ...ports.Field)            {}
func (Discard) LogWarn(string, ...ports.Field)            {}
func (Discard) LogError(string, error, ...ports.Field)    {}
func (Discard) LogCritical(string, error, ...ports.Field) {}
func (Discard) IncCounter(string, float64)                {}
func (Discard) ObserveLatency(string, float64)            {}
func (Discard) SetGauge(string, float64)                  {}
func (Discard) IncCounterFor(string, string, float64)     {}
func (Discard) SetGaugeFor(string, string, float64)       {}

var _ ports.Observability = Discard{}
