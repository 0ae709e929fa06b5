package observability

import (
	"github.com/Context-Injection-Edge/Context-Edge-sub000/internal/ports"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

type PromObs struct {
	log *zap.Logger

	counters    map[string]prometheus.Counter
	gauges      map[string]prometheus.Gauge
	histos      map[string]prometheus.Observer
	counterVecs map[string]*prometheus.CounterVec
	gaugeVecs   map[string]*prometheus.GaugeVec
}

// NewPromObs registers the runtime metrics on the default registerer and
// logs through logger. A nil logger discards logs.
func NewPromObs(logger *zap.Logger) *PromObs {
	if logger == nil {
		logger = zap.NewNop()
	}

	fusions := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ctxedge_fusions_total",
		Help: "Fused records assembled.",
	})
	created := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ctxedge_recommendations_created_total",
		Help: "Recommendations entering the approval gate.",
	})
	expired := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ctxedge_recommendations_expired_total",
		Help: "Pending recommendations expired by the sweeper.",
	})
	spooled := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ctxedge_audit_spooled_total",
		Help: "Audit rows written to the local spool after store failures.",
	})
	replayed := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ctxedge_audit_replayed_total",
		Help: "Spooled audit rows replayed into the store.",
	})
	queueDrops := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ctxedge_queue_dropped_total",
		Help: "Execution jobs lost due to queue backpressure policies.",
	})
	reloads := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ctxedge_config_reloads_total",
		Help: "Adapter configuration reloads applied.",
	})

	queueGauge := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ctxedge_queue_length",
		Help: "Execution jobs waiting for the executor.",
	})
	spoolGauge := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ctxedge_audit_spool_size_bytes",
		Help: "Size of the audit spool on disk.",
	})
	adaptersGauge := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ctxedge_registered_adapters",
		Help: "Adapters currently in the registry.",
	})

	fusionLatency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "ctxedge_fusion_latency_seconds",
		Help:    "Wall time of one fusion including context lookup.",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
	})
	readLatency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "ctxedge_adapter_read_latency_seconds",
		Help:    "Latency of individual adapter reads.",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
	})
	writeLatency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "ctxedge_controller_write_latency_seconds",
		Help:    "Latency of controller writes issued by the executor.",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
	})

	readFailures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ctxedge_adapter_read_failures_total",
		Help: "Adapter reads that failed or timed out during fusion.",
	}, []string{"adapter"})
	executions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ctxedge_executions_total",
		Help: "Controller writes by outcome.",
	}, []string{"outcome"})
	transitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ctxedge_recommendation_transitions_total",
		Help: "Recommendation status transitions by target status.",
	}, []string{"status"})

	healthStatus := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ctxedge_adapter_health_status",
		Help: "Adapter health: 0 unknown, 1 healthy, 2 degraded, 3 failed.",
	}, []string{"adapter"})
	healthLatency := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ctxedge_adapter_health_latency_seconds",
		Help: "Latency of the last adapter health check.",
	}, []string{"adapter"})

	prometheus.MustRegister(
		fusions, created, expired, spooled, replayed, queueDrops, reloads,
		queueGauge, spoolGauge, adaptersGauge,
		fusionLatency, readLatency, writeLatency,
		readFailures, executions, transitions,
		healthStatus, healthLatency,
	)

	return &PromObs{
		log: logger,
		counters: map[string]prometheus.Counter{
			"ctxedge_fusions_total":                 fusions,
			"ctxedge_recommendations_created_total": created,
			"ctxedge_recommendations_expired_total": expired,
			"ctxedge_audit_spooled_total":           spooled,
			"ctxedge_audit_replayed_total":          replayed,
			"ctxedge_queue_dropped_total":           queueDrops,
			"ctxedge_config_reloads_total":          reloads,
		},
		gauges: map[string]prometheus.Gauge{
			"ctxedge_queue_length":           queueGauge,
			"ctxedge_audit_spool_size_bytes": spoolGauge,
			"ctxedge_registered_adapters":    adaptersGauge,
		},
		histos: map[string]prometheus.Observer{
			"ctxedge_fusion_latency_seconds":           fusionLatency,
			"ctxedge_adapter_read_latency_seconds":     readLatency,
			"ctxedge_controller_write_latency_seconds": writeLatency,
		},
		counterVecs: map[string]*prometheus.CounterVec{
			"ctxedge_adapter_read_failures_total":      readFailures,
			"ctxedge_executions_total":                 executions,
			"ctxedge_recommendation_transitions_total": transitions,
		},
		gaugeVecs: map[string]*prometheus.GaugeVec{
			"ctxedge_adapter_health_status":          healthStatus,
			"ctxedge_adapter_health_latency_seconds": healthLatency,
		},
	}
}

func (p *PromObs) LogInfo(msg string, fields ...ports.Field) {
	p.log.Info(msg, zapFields(fields)...)
}

func (p *PromObs) LogWarn(msg string, fields ...ports.Field) {
	p.log.Warn(msg, zapFields(fields)...)
}

func (p *PromObs) LogError(msg string, err error, fields ...ports.Field) {
	p.log.Error(msg, append(zapFields(fields), zap.Error(err))...)
}

// LogCritical logs at error level with severity=critical so alerting can
// key on it without the process exiting.
func (p *PromObs) LogCritical(msg string, err error, fields ...ports.Field) {
	zf := append(zapFields(fields), zap.Error(err), zap.String("severity", "critical"))
	p.log.Error(msg, zf...)
}

func (p *PromObs) IncCounter(name string, v float64) {
	if c, ok := p.counters[name]; ok {
		c.Add(v)
	}
}

func (p *PromObs) ObserveLatency(name string, seconds float64) {
	if h, ok := p.histos[name]; ok {
		h.Observe(seconds)
	}
}

func (p *PromObs) SetGauge(name string, v float64) {
	if g, ok := p.gauges[name]; ok {
		g.Set(v)
	}
}

func (p *PromObs) IncCounterFor(name, label string, v float64) {
	if c, ok := p.counterVecs[name]; ok {
		c.WithLabelValues(label).Add(v)
	}
}

func (p *PromObs) SetGaugeFor(name, label string, v float64) {
	if g, ok := p.gaugeVecs[name]; ok {
		g.WithLabelValues(label).Set(v)
	}
}

func zapFields(fields []ports.Field) []zap.Field {
	out := make([]zap.Field, 0, len(fields)+2)
	for _, f := range fields {
		out = append(out, zap.Any(f.Key, f.Value))
	}
	return out
}

var _ ports.Observability = (*PromObs)(nil)
