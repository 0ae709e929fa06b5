package registry

import (
	"context"
	"sync"

	"github.com/Context-Injection-Edge/Context-Edge-sub000/internal/ports"
)

// Entry is one registered adapter. Readers bracket every call with
// Acquire/Release so removal can wait for reads in progress.
type Entry struct {
	name        string
	adapter     ports.Adapter
	fingerprint string

	mu       sync.Mutex
	inflight int
	closed   bool
	drained  chan struct{}
}

func newEntry(name string, a ports.Adapter, fingerprint string) *Entry {
	return &Entry{name: name, adapter: a, fingerprint: fingerprint, drained: make(chan struct{})}
}

func (e *Entry) Name() string           { return e.name }
func (e *Entry) Adapter() ports.Adapter { return e.adapter }
func (e *Entry) Fingerprint() string    { return e.fingerprint }

// Acquire reports false once the entry is being removed.
func (e *Entry) Acquire() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false
	}
	e.inflight++
	return true
}

func (e *Entry) Release() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.inflight--
	if e.closed && e.inflight == 0 {
		close(e.drained)
	}
}

// InFlight is the number of acquired, unreleased reads.
func (e *Entry) InFlight() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.inflight
}

// drain refuses new acquisitions and waits for the current ones.
func (e *Entry) drain(ctx context.Context) error {
	e.mu.Lock()
	if !e.closed {
		e.closed = true
		if e.inflight == 0 {
			close(e.drained)
		}
	}
	e.mu.Unlock()

	select {
	case <-e.drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
