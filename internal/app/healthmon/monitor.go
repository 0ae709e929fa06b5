// Package healthmon periodically checks every registered adapter. Its
// results are observability data; fusion ignores them unless the
// ExcludeFailed policy is installed.
package healthmon

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Context-Injection-Edge/Context-Edge-sub000/internal/app/fusion"
	"github.com/Context-Injection-Edge/Context-Edge-sub000/internal/app/registry"
	"github.com/Context-Injection-Edge/Context-Edge-sub000/internal/domain"
	"github.com/Context-Injection-Edge/Context-Edge-sub000/internal/ports"
)

const (
	healthyBelow  = 200 * time.Millisecond
	degradedUntil = 500 * time.Millisecond
)

// Classify maps one check onto a status.
func Classify(latency time.Duration, err error, disabled bool) domain.HealthStatus {
	switch {
	case disabled:
		return domain.HealthUnknown
	case err != nil:
		return domain.HealthFailed
	case latency < healthyBelow:
		return domain.HealthHealthy
	case latency <= degradedUntil:
		return domain.HealthDegraded
	}
	return domain.HealthFailed
}

type Config struct {
	Interval time.Duration
	Timeout  time.Duration
}

type Monitor struct {
	reg   *registry.Registry
	store ports.HealthStore
	obs   ports.Observability
	cfg   Config
	now   func() time.Time

	mu       sync.RWMutex
	statuses map[string]domain.HealthSnapshot
	disabled map[string]domain.SourceKind
}

func New(reg *registry.Registry, store ports.HealthStore, obs ports.Observability, cfg Config) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	return &Monitor{
		reg:      reg,
		store:    store,
		obs:      obs,
		cfg:      cfg,
		now:      time.Now,
		statuses: make(map[string]domain.HealthSnapshot),
		disabled: make(map[string]domain.SourceKind),
	}
}

// SetDisabled names configured adapters that are switched off; they are
// reported as unknown.
func (m *Monitor) SetDisabled(disabled map[string]domain.SourceKind) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disabled = make(map[string]domain.SourceKind, len(disabled))
	for k, v := range disabled {
		m.disabled[k] = v
	}
}

func (m *Monitor) Run(ctx context.Context) error {
	m.CheckAll(ctx)

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.CheckAll(ctx)
		}
	}
}

// CheckAll runs every adapter's check in parallel and records the cycle.
func (m *Monitor) CheckAll(ctx context.Context) []domain.HealthSnapshot {
	entries := m.reg.Snapshot()
	snaps := make([]domain.HealthSnapshot, len(entries))

	var wg sync.WaitGroup
	for i, e := range entries {
		wg.Add(1)
		go func(i int, e *registry.Entry) {
			defer wg.Done()
			snaps[i] = m.check(ctx, e)
		}(i, e)
	}
	wg.Wait()

	m.mu.RLock()
	now := m.now().UTC()
	for name, kind := range m.disabled {
		if _, live := m.reg.Get(name); live {
			continue
		}
		snaps = append(snaps, domain.HealthSnapshot{Adapter: name, Kind: kind, Status: domain.HealthUnknown, CheckedAt: now})
	}
	m.mu.RUnlock()
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].Adapter < snaps[j].Adapter })

	next := make(map[string]domain.HealthSnapshot, len(snaps))
	for _, s := range snaps {
		next[s.Adapter] = s
		m.obs.SetGaugeFor("ctxedge_adapter_health_status", s.Adapter, s.Status.GaugeValue())
		m.obs.SetGaugeFor("ctxedge_adapter_health_latency_seconds", s.Adapter, s.Latency.Seconds())
	}
	m.mu.Lock()
	m.statuses = next
	m.mu.Unlock()

	if m.store != nil && len(snaps) > 0 && ctx.Err() == nil {
		if err := m.store.InsertHealth(ctx, snaps); err != nil {
			m.obs.LogError("persist health snapshots failed", err)
		}
	}
	return snaps
}

// check bounds one HealthCheck by the configured timeout even when the
// adapter ignores its context. A disconnected adapter gets one reconnect.
func (m *Monitor) check(ctx context.Context, e *registry.Entry) domain.HealthSnapshot {
	a := e.Adapter()
	snap := domain.HealthSnapshot{Adapter: e.Name(), Kind: a.Kind()}

	ctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()

	start := time.Now()
	var err error
	if !e.Acquire() {
		err = errors.New("adapter is being removed")
	} else {
		ch := make(chan error, 1)
		go func() {
			defer e.Release()
			err := a.HealthCheck(ctx)
			if errors.Is(err, ports.ErrNotConnected) {
				if cerr := a.Connect(ctx); cerr == nil {
					err = a.HealthCheck(ctx)
				}
			}
			ch <- err
		}()
		select {
		case err = <-ch:
		case <-ctx.Done():
			err = fmt.Errorf("health check timed out after %s: %w", m.cfg.Timeout, ctx.Err())
		}
	}
	snap.Latency = time.Since(start)
	snap.CheckedAt = m.now().UTC()
	snap.Status = Classify(snap.Latency, err, false)
	if err != nil {
		snap.Error = err.Error()
	}

	if prev, ok := m.Get(snap.Adapter); ok && prev.Status != snap.Status {
		m.obs.LogInfo("adapter health changed",
			ports.Field{Key: "adapter", Value: snap.Adapter},
			ports.Field{Key: "from", Value: string(prev.Status)},
			ports.Field{Key: "to", Value: string(snap.Status)},
		)
	}
	return snap
}

func (m *Monitor) Get(name string) (domain.HealthSnapshot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.statuses[name]
	return s, ok
}

// Statuses returns the latest cycle sorted by adapter name.
func (m *Monitor) Statuses() []domain.HealthSnapshot {
	m.mu.RLock()
	out := make([]domain.HealthSnapshot, 0, len(m.statuses))
	for _, s := range m.statuses {
		out = append(out, s)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Adapter < out[j].Adapter })
	return out
}

// ExcludeFailed is a participation policy that skips adapters whose last
// check failed. Adapters not yet checked participate.
func (m *Monitor) ExcludeFailed() fusion.Policy {
	return func(name string, _ domain.SourceKind) bool {
		s, ok := m.Get(name)
		return !ok || s.Status != domain.HealthFailed
	}
}
