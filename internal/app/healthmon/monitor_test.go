package healthmon

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Context-Injection-Edge/Context-Edge-sub000/internal/adapters/memstore"
	"github.com/Context-Injection-Edge/Context-Edge-sub000/internal/adapters/observability"
	"github.com/Context-Injection-Edge/Context-Edge-sub000/internal/adapters/simulated"
	"github.com/Context-Injection-Edge/Context-Edge-sub000/internal/app/registry"
	"github.com/Context-Injection-Edge/Context-Edge-sub000/internal/domain"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		latency  time.Duration
		err      error
		disabled bool
		want     domain.HealthStatus
	}{
		{10 * time.Millisecond, nil, false, domain.HealthHealthy},
		{199 * time.Millisecond, nil, false, domain.HealthHealthy},
		{200 * time.Millisecond, nil, false, domain.HealthDegraded},
		{500 * time.Millisecond, nil, false, domain.HealthDegraded},
		{501 * time.Millisecond, nil, false, domain.HealthFailed},
		{time.Millisecond, errors.New("refused"), false, domain.HealthFailed},
		{0, nil, true, domain.HealthUnknown},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Classify(tc.latency, tc.err, tc.disabled), "%s err=%v", tc.latency, tc.err)
	}
}

func register(t *testing.T, reg *registry.Registry, name string, cfg simulated.Config, connect bool) {
	t.Helper()
	a, err := simulated.New(domain.AdapterInfo{Name: name, Kind: domain.KindPLC}, cfg)
	require.NoError(t, err)
	if connect {
		require.NoError(t, a.Connect(context.Background()))
	}
	require.NoError(t, reg.Register(name, a, ""))
}

type gauges struct {
	observability.Discard
	mu sync.Mutex
	v  map[string]float64
}

func (g *gauges) SetGaugeFor(name, label string, v float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.v[name+"/"+label] = v
}

func (g *gauges) get(name, label string) float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.v[name+"/"+label]
}

func TestCheckAllClassifiesAndPersists(t *testing.T) {
	obs := &gauges{v: map[string]float64{}}
	reg := registry.New(obs)
	register(t, reg, "fast", simulated.Config{}, true)
	register(t, reg, "slow", simulated.Config{Latency: 300 * time.Millisecond}, true)
	register(t, reg, "down", simulated.Config{FailReads: true}, true)
	register(t, reg, "stuck", simulated.Config{Latency: 2 * time.Second, IgnoreContext: true}, true)
	register(t, reg, "reconnects", simulated.Config{}, false)

	st := memstore.New()
	m := New(reg, st, obs, Config{Timeout: 700 * time.Millisecond})
	m.SetDisabled(map[string]domain.SourceKind{"off": domain.KindMES})

	start := time.Now()
	snaps := m.CheckAll(context.Background())
	assert.Less(t, time.Since(start), 1500*time.Millisecond, "a stuck adapter must not hold up the cycle")

	got := map[string]domain.HealthStatus{}
	for _, s := range snaps {
		got[s.Adapter] = s.Status
	}
	assert.Equal(t, map[string]domain.HealthStatus{
		"fast":       domain.HealthHealthy,
		"slow":       domain.HealthDegraded,
		"down":       domain.HealthFailed,
		"stuck":      domain.HealthFailed,
		"reconnects": domain.HealthHealthy,
		"off":        domain.HealthUnknown,
	}, got)

	assert.Len(t, st.Health(), 6)
	assert.Equal(t, 3.0, obs.get("ctxedge_adapter_health_status", "down"))
	assert.Equal(t, 1.0, obs.get("ctxedge_adapter_health_status", "fast"))
	assert.Equal(t, 0.0, obs.get("ctxedge_adapter_health_status", "off"))

	statuses := m.Statuses()
	require.Len(t, statuses, 6)
	assert.Equal(t, "down", statuses[0].Adapter)

	policy := m.ExcludeFailed()
	assert.False(t, policy("down", domain.KindPLC))
	assert.True(t, policy("fast", domain.KindPLC))
	assert.True(t, policy("never-checked", domain.KindPLC))
}

func TestRunStopsOnCancel(t *testing.T) {
	reg := registry.New(observability.Discard{})
	register(t, reg, "fast", simulated.Config{}, true)
	m := New(reg, nil, observability.Discard{}, Config{Interval: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	require.Eventually(t, func() bool {
		_, ok := m.Get("fast")
		return ok
	}, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
