package observability

import (
	"errors"
	"testing"

	"github.com/Context-Injection-Edge/Context-Edge-sub000/internal/ports"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func withTestRegistry(t *testing.T) {
	t.Helper()
	origReg := prometheus.DefaultRegisterer
	origGatherer := prometheus.DefaultGatherer
	t.Cleanup(func() {
		prometheus.DefaultRegisterer = origReg
		prometheus.DefaultGatherer = origGatherer
	})

	reg := prometheus.NewRegistry()
	prometheus.DefaultRegisterer = reg
	prometheus.DefaultGatherer = reg
}

func TestPromObsMetrics(t *testing.T) {
	withTestRegistry(t)
	obs := NewPromObs(nil)

	obs.IncCounter("ctxedge_fusions_total", 5)
	if got := testutil.ToFloat64(obs.counters["ctxedge_fusions_total"]); got != 5 {
		t.Fatalf("expected fusion counter 5, got %f", got)
	}

	obs.IncCounter("ctxedge_queue_dropped_total", 2)
	if got := testutil.ToFloat64(obs.counters["ctxedge_queue_dropped_total"]); got != 2 {
		t.Fatalf("expected queue drop counter 2, got %f", got)
	}

	obs.SetGauge("ctxedge_audit_spool_size_bytes", 42)
	if got := testutil.ToFloat64(obs.gauges["ctxedge_audit_spool_size_bytes"]); got != 42 {
		t.Fatalf("expected spool gauge 42, got %f", got)
	}

	obs.ObserveLatency("ctxedge_fusion_latency_seconds", 0.5)
	hCollector := obs.histos["ctxedge_fusion_latency_seconds"].(prometheus.Collector)
	if samples := testutil.CollectAndCount(hCollector); samples != 1 {
		t.Fatalf("expected latency histogram to record 1 sample, got %d", samples)
	}

	obs.IncCounterFor("ctxedge_adapter_read_failures_total", "historian", 1)
	obs.IncCounterFor("ctxedge_adapter_read_failures_total", "historian", 1)
	if got := testutil.ToFloat64(obs.counterVecs["ctxedge_adapter_read_failures_total"].WithLabelValues("historian")); got != 2 {
		t.Fatalf("expected 2 read failures for historian, got %f", got)
	}

	obs.SetGaugeFor("ctxedge_adapter_health_status", "plc-a", 3)
	if got := testutil.ToFloat64(obs.gaugeVecs["ctxedge_adapter_health_status"].WithLabelValues("plc-a")); got != 3 {
		t.Fatalf("expected health gauge 3, got %f", got)
	}

	// unknown names are ignored
	obs.IncCounter("nope", 1)
	obs.SetGaugeFor("nope", "x", 1)
}

func TestPromObsCriticalLogsSeverity(t *testing.T) {
	withTestRegistry(t)
	core, logs := observer.New(zapcore.InfoLevel)
	obs := NewPromObs(zap.New(core))

	obs.LogCritical("audit_write_failed", errors.New("db down"), ports.Field{Key: "recommendation_id", Value: "REC-1"})

	entries := logs.FilterMessage("audit_write_failed").All()
	if len(entries) != 1 {
		t.Fatalf("expected one critical entry, got %d", len(entries))
	}
	ctx := entries[0].ContextMap()
	if ctx["severity"] != "critical" || ctx["recommendation_id"] != "REC-1" {
		t.Fatalf("unexpected fields: %#v", ctx)
	}
	if entries[0].Level != zapcore.ErrorLevel {
		t.Fatalf("expected error level, got %s", entries[0].Level)
	}
}

func TestNewLoggerRejectsUnknownFormat(t *testing.T) {
	if _, err := NewLogger(LogConfig{Format: "xml"}); err == nil {
		t.Fatalf("expected error for unknown format")
	}
	if _, err := NewLogger(LogConfig{Level: "loud"}); err == nil {
		t.Fatalf("expected error for unknown level")
	}
	l, err := NewLogger(LogConfig{Level: "debug", Format: "console"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_ = l.Sync()
}
