// Package fusion assembles a FusedRecord from every registered adapter
// and the context document of a CID.
package fusion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Context-Injection-Edge/Context-Edge-sub000/internal/app/registry"
	"github.com/Context-Injection-Edge/Context-Edge-sub000/internal/domain"
	"github.com/Context-Injection-Edge/Context-Edge-sub000/internal/ports"
)

var tracer = otel.Tracer("context-edge.fusion")

var (
	ErrEmptyContextID = errors.New("context id is required")
	errRetired        = errors.New("adapter is being removed")
)

var emptyContext = json.RawMessage("{}")

type Config struct {
	ReadTimeout    time.Duration
	ContextTimeout time.Duration
}

func (c *Config) ApplyDefaults() {
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 1500 * time.Millisecond
	}
	if c.ContextTimeout <= 0 {
		c.ContextTimeout = 200 * time.Millisecond
	}
}

// Policy decides whether an adapter takes part in a fusion.
type Policy func(name string, kind domain.SourceKind) bool

// AllAdapters is the default policy.
func AllAdapters(string, domain.SourceKind) bool { return true }

type Engine struct {
	reg    *registry.Registry
	lookup ports.ContextLookup
	obs    ports.Observability
	cfg    Config

	mu     sync.RWMutex
	policy Policy
	now    func() time.Time
}

type Option func(*Engine)

func WithPolicy(p Policy) Option {
	return func(e *Engine) {
		if p != nil {
			e.policy = p
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func New(reg *registry.Registry, lookup ports.ContextLookup, obs ports.Observability, cfg Config, opts ...Option) *Engine {
	cfg.ApplyDefaults()
	e := &Engine{reg: reg, lookup: lookup, obs: obs, cfg: cfg, policy: AllAdapters, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SetPolicy swaps the participation policy for later fusions.
func (e *Engine) SetPolicy(p Policy) {
	if p == nil {
		p = AllAdapters
	}
	e.mu.Lock()
	e.policy = p
	e.mu.Unlock()
}

type readResult struct {
	name    string
	kind    domain.SourceKind
	reading domain.Reading
	err     error
}

type contextResult struct {
	doc    json.RawMessage
	status domain.ContextStatus
}

// Fuse reads every participating adapter in parallel, each under its own
// deadline, and merges the successes by source kind. Adapter failures and
// context lookup problems never fail the fusion; they are recorded in the
// returned record.
func (e *Engine) Fuse(ctx context.Context, contextID, triggerDeviceID string) (domain.FusedRecord, error) {
	if contextID == "" {
		return domain.FusedRecord{}, ErrEmptyContextID
	}
	if err := ctx.Err(); err != nil {
		return domain.FusedRecord{}, err
	}

	start := time.Now()
	ctx, span := tracer.Start(ctx, "fusion.Fuse",
		trace.WithAttributes(
			attribute.String("fusion.cid", contextID),
			attribute.String("fusion.device_id", triggerDeviceID),
		),
	)
	defer span.End()

	e.mu.RLock()
	policy := e.policy
	e.mu.RUnlock()

	var entries []*registry.Entry
	for _, ent := range e.reg.Snapshot() {
		if policy(ent.Name(), ent.Adapter().Kind()) {
			entries = append(entries, ent)
		}
	}

	ctxCh := make(chan contextResult, 1)
	go func() { ctxCh <- e.lookupContext(ctx, contextID) }()

	results := make([]readResult, len(entries))
	var wg sync.WaitGroup
	for i, ent := range entries {
		wg.Add(1)
		go func(i int, ent *registry.Entry) {
			defer wg.Done()
			results[i] = e.read(ctx, ent, triggerDeviceID)
		}(i, ent)
	}
	wg.Wait()
	cres := <-ctxCh

	rec := merge(results)
	rec.ContextID = contextID
	rec.TriggerDeviceID = triggerDeviceID
	rec.Context = cres.doc
	rec.ContextStatus = cres.status
	rec.FusedAt = e.now().UTC()

	span.SetAttributes(
		attribute.Int("fusion.contributed", len(rec.Contributed)),
		attribute.Int("fusion.failed", len(rec.Failed)),
		attribute.String("fusion.context_status", string(rec.ContextStatus)),
	)
	if len(entries) > 0 && len(rec.Contributed) == 0 {
		span.SetStatus(codes.Error, "no adapter contributed")
	}
	e.obs.IncCounter("ctxedge_fusions_total", 1)
	e.obs.ObserveLatency("ctxedge_fusion_latency_seconds", time.Since(start).Seconds())
	return rec, nil
}

// read returns at the adapter's deadline even if ReadData ignores ctx.
// The abandoned call keeps the entry acquired until it finishes.
func (e *Engine) read(ctx context.Context, ent *registry.Entry, deviceID string) readResult {
	a := ent.Adapter()
	res := readResult{name: ent.Name(), kind: a.Kind()}

	timeout := e.cfg.ReadTimeout
	if rt, ok := a.(ports.ReadTimeouter); ok && rt.ReadTimeout() > 0 {
		timeout = rt.ReadTimeout()
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ctx, span := tracer.Start(ctx, "fusion.read",
		trace.WithAttributes(
			attribute.String("adapter.name", res.name),
			attribute.String("adapter.kind", string(res.kind)),
		),
	)
	defer span.End()

	start := time.Now()
	if !ent.Acquire() {
		res.err = errRetired
	} else {
		ch := make(chan readResult, 1)
		go func() {
			defer ent.Release()
			r, err := a.ReadData(ctx, deviceID)
			ch <- readResult{reading: r, err: err}
		}()
		select {
		case out := <-ch:
			res.reading, res.err = out.reading, out.err
		case <-ctx.Done():
			res.err = fmt.Errorf("read timed out after %s: %w", timeout, ctx.Err())
		}
	}
	e.obs.ObserveLatency("ctxedge_adapter_read_latency_seconds", time.Since(start).Seconds())

	if res.err != nil {
		span.RecordError(res.err)
		span.SetStatus(codes.Error, res.err.Error())
		e.obs.IncCounterFor("ctxedge_adapter_read_failures_total", res.name, 1)
		e.obs.LogWarn("adapter read failed",
			ports.Field{Key: "adapter", Value: res.name},
			ports.Field{Key: "device_id", Value: deviceID},
			ports.Field{Key: "error", Value: res.err.Error()},
		)
	}
	return res
}

func (e *Engine) lookupContext(ctx context.Context, contextID string) contextResult {
	if e.lookup == nil {
		return contextResult{doc: emptyContext, status: domain.ContextMiss}
	}
	ctx, cancel := context.WithTimeout(ctx, e.cfg.ContextTimeout)
	defer cancel()

	type out struct {
		doc json.RawMessage
		err error
	}
	ch := make(chan out, 1)
	go func() {
		doc, err := e.lookup.Lookup(ctx, contextID)
		ch <- out{doc, err}
	}()

	var o out
	select {
	case o = <-ch:
	case <-ctx.Done():
		o.err = ctx.Err()
	}

	switch {
	case errors.Is(o.err, ports.ErrContextMiss):
		return contextResult{doc: emptyContext, status: domain.ContextMiss}
	case o.err != nil:
		e.obs.LogWarn("context lookup failed",
			ports.Field{Key: "cid", Value: contextID},
			ports.Field{Key: "error", Value: o.err.Error()},
		)
		return contextResult{doc: emptyContext, status: domain.ContextError}
	case len(o.doc) == 0 || !json.Valid(o.doc):
		e.obs.LogWarn("context document is not valid JSON", ports.Field{Key: "cid", Value: contextID})
		return contextResult{doc: emptyContext, status: domain.ContextError}
	}
	return contextResult{doc: o.doc, status: domain.ContextHit}
}

// merge folds successful readings into per-kind sub-records in snapshot
// order, so a later-registered adapter wins a key collision.
func merge(results []readResult) domain.FusedRecord {
	rec := domain.FusedRecord{
		Sources:     make(map[domain.SourceKind]domain.SubRecord),
		Contributed: []string{},
		Failed:      []string{},
	}
	for _, r := range results {
		if r.err != nil {
			rec.Failed = append(rec.Failed, r.name)
			continue
		}
		rec.Contributed = append(rec.Contributed, r.name)

		sub, ok := rec.Sources[r.kind]
		if !ok {
			sub = domain.SubRecord{Values: make(map[string]any), Adapters: []string{}}
		}
		for k, v := range r.reading.Values {
			sub.Values[k] = domain.NormalizeValue(v)
		}
		sub.Adapters = append(sub.Adapters, r.name)
		if ts := r.reading.Timestamp.UTC(); ts.After(sub.Timestamp) {
			sub.Timestamp = ts
		}
		rec.Sources[r.kind] = sub
	}
	sort.Strings(rec.Contributed)
	sort.Strings(rec.Failed)
	return rec
}
