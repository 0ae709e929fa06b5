// Package registry holds the live adapter set. Readers take a snapshot
// through an atomic pointer and never wait on writers.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/Context-Injection-Edge/Context-Edge-sub000/internal/ports"
)

var (
	ErrDuplicate = errors.New("adapter already registered")
	ErrUnknown   = errors.New("adapter not registered")
)

type BuildFunc func() (ports.Adapter, error)

type Registry struct {
	// ops serialises writers; the snapshot swap is the only point readers
	// can observe.
	ops  sync.Mutex
	snap atomic.Pointer[[]*Entry]
	obs  ports.Observability
}

func New(obs ports.Observability) *Registry {
	r := &Registry{obs: obs}
	empty := []*Entry{}
	r.snap.Store(&empty)
	return r
}

// Snapshot returns the entries in registration order. The slice must not
// be modified.
func (r *Registry) Snapshot() []*Entry {
	return *r.snap.Load()
}

func (r *Registry) Get(name string) (*Entry, bool) {
	for _, e := range r.Snapshot() {
		if e.name == name {
			return e, true
		}
	}
	return nil, false
}

func (r *Registry) Len() int { return len(r.Snapshot()) }

// Register adds an adapter that the caller has already connected (or
// chosen to leave disconnected).
func (r *Registry) Register(name string, a ports.Adapter, fingerprint string) error {
	r.ops.Lock()
	defer r.ops.Unlock()
	return r.registerLocked(name, a, fingerprint)
}

func (r *Registry) registerLocked(name string, a ports.Adapter, fingerprint string) error {
	if _, ok := r.Get(name); ok {
		return fmt.Errorf("%s: %w", name, ErrDuplicate)
	}
	cur := r.Snapshot()
	next := make([]*Entry, len(cur), len(cur)+1)
	copy(next, cur)
	next = append(next, newEntry(name, a, fingerprint))
	r.publish(next)
	r.obs.LogInfo("adapter registered", ports.Field{Key: "adapter", Value: name}, ports.Field{Key: "kind", Value: string(a.Kind())})
	return nil
}

// Unregister removes the adapter from new snapshots, waits for reads in
// progress and disconnects it. When ctx ends first the adapter is still
// disconnected and the context error returned.
func (r *Registry) Unregister(ctx context.Context, name string) error {
	r.ops.Lock()
	defer r.ops.Unlock()
	return r.unregisterLocked(ctx, name)
}

func (r *Registry) unregisterLocked(ctx context.Context, name string) error {
	cur := r.Snapshot()
	idx := indexOf(cur, name)
	if idx < 0 {
		return fmt.Errorf("%s: %w", name, ErrUnknown)
	}
	e := cur[idx]
	next := make([]*Entry, 0, len(cur)-1)
	next = append(next, cur[:idx]...)
	next = append(next, cur[idx+1:]...)
	r.publish(next)

	return r.retire(ctx, e)
}

// Replace connects the adapter from build and swaps it into name's slot.
// If build or connect fails the old adapter stays registered untouched.
func (r *Registry) Replace(ctx context.Context, name string, build BuildFunc, fingerprint string) error {
	r.ops.Lock()
	defer r.ops.Unlock()
	return r.replaceLocked(ctx, name, build, fingerprint)
}

func (r *Registry) replaceLocked(ctx context.Context, name string, build BuildFunc, fingerprint string) error {
	if indexOf(r.Snapshot(), name) < 0 {
		return fmt.Errorf("%s: %w", name, ErrUnknown)
	}

	a, err := build()
	if err != nil {
		return fmt.Errorf("replace %s: build: %w", name, err)
	}
	if err := a.Connect(ctx); err != nil {
		_ = a.Disconnect(context.WithoutCancel(ctx))
		return fmt.Errorf("replace %s: connect: %w", name, err)
	}

	cur := r.Snapshot()
	idx := indexOf(cur, name)
	next := make([]*Entry, len(cur))
	copy(next, cur)
	old := next[idx]
	next[idx] = newEntry(name, a, fingerprint)
	r.publish(next)
	r.obs.LogInfo("adapter replaced", ports.Field{Key: "adapter", Value: name})

	return r.retire(ctx, old)
}

func (r *Registry) retire(ctx context.Context, e *Entry) error {
	drainErr := e.drain(ctx)
	if drainErr != nil {
		r.obs.LogWarn("adapter drain interrupted",
			ports.Field{Key: "adapter", Value: e.name},
			ports.Field{Key: "in_flight", Value: e.InFlight()},
		)
	}
	discErr := e.adapter.Disconnect(context.WithoutCancel(ctx))
	if discErr != nil {
		r.obs.LogError("adapter disconnect failed", discErr, ports.Field{Key: "adapter", Value: e.name})
	}
	return errors.Join(drainErr, discErr)
}

func (r *Registry) publish(next []*Entry) {
	r.snap.Store(&next)
	r.obs.SetGauge("ctxedge_registered_adapters", float64(len(next)))
}

// Close unregisters every adapter.
func (r *Registry) Close(ctx context.Context) error {
	r.ops.Lock()
	defer r.ops.Unlock()
	var errs []error
	for _, e := range r.Snapshot() {
		if err := r.unregisterLocked(ctx, e.name); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Desired is one adapter the configuration wants live.
type Desired struct {
	Name        string
	Fingerprint string
	Build       BuildFunc
}

type Report struct {
	Added     []string
	Replaced  []string
	Removed   []string
	Unchanged []string
	Errors    map[string]error
}

func (rep *Report) fail(name string, err error) {
	if rep.Errors == nil {
		rep.Errors = make(map[string]error)
	}
	rep.Errors[name] = err
}

// Reconcile brings the live set in line with want. Adapters absent from
// want are removed, changed fingerprints are replaced and new names are
// connected and registered. A new adapter that fails to connect is still
// registered so health checks can report it. Failures are per adapter.
func (r *Registry) Reconcile(ctx context.Context, want []Desired) Report {
	r.ops.Lock()
	defer r.ops.Unlock()

	var rep Report
	wanted := make(map[string]bool, len(want))
	for _, d := range want {
		wanted[d.Name] = true
	}

	for _, e := range r.Snapshot() {
		if wanted[e.name] {
			continue
		}
		if err := r.unregisterLocked(ctx, e.name); err != nil {
			rep.fail(e.name, err)
		}
		rep.Removed = append(rep.Removed, e.name)
	}

	for _, d := range want {
		e, ok := r.Get(d.Name)
		switch {
		case ok && e.fingerprint == d.Fingerprint:
			rep.Unchanged = append(rep.Unchanged, d.Name)

		case ok:
			if err := r.replaceLocked(ctx, d.Name, d.Build, d.Fingerprint); err != nil {
				rep.fail(d.Name, err)
				continue
			}
			rep.Replaced = append(rep.Replaced, d.Name)

		default:
			a, err := d.Build()
			if err != nil {
				rep.fail(d.Name, err)
				continue
			}
			if err := a.Connect(ctx); err != nil {
				rep.fail(d.Name, fmt.Errorf("connect: %w", err))
			}
			if err := r.registerLocked(d.Name, a, d.Fingerprint); err != nil {
				rep.fail(d.Name, err)
				continue
			}
			rep.Added = append(rep.Added, d.Name)
		}
	}

	sort.Strings(rep.Removed)
	return rep
}

func indexOf(entries []*Entry, name string) int {
	for i, e := range entries {
		if e.name == name {
			return i
		}
	}
	return -1
}
