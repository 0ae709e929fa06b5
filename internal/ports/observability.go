package ports

type Observability interface {
	LogInfo(msg string, fields ...Field)
	LogWarn(msg string, fields ...Field)
	LogError(msg string, err error, fields ...Field)
	LogCritical(msg string, err error, fields ...Field)

	IncCounter(name string, v float64)
	ObserveLatency(name string, seconds float64)
	SetGauge(name string, v float64)

	// Labelled variants carry one label value, e.g. the adapter name.
	IncCounterFor(name, label string, v float64)
	SetGaugeFor(name, label string, v float64)
}

type Field struct {
	Key   string
	Value any
}
