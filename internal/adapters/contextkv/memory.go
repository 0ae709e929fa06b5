package contextkv

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/Context-Injection-Edge/Context-Edge-sub000/internal/ports"
)

// Memory is a map-backed lookup for simulated deployments.
type Memory struct {
	mu   sync.RWMutex
	docs map[string]json.RawMessage
}

func NewMemory() *Memory {
	return &Memory{docs: make(map[string]json.RawMessage)}
}

// Set stores doc under contextID. doc is marshalled to JSON.
func (m *Memory) Set(contextID string, doc any) error {
	b, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("context %s: %w", contextID, err)
	}
	m.mu.Lock()
	m.docs[contextID] = b
	m.mu.Unlock()
	return nil
}

func (m *Memory) Lookup(ctx context.Context, contextID string) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	doc, ok := m.docs[contextID]
	if !ok {
		return nil, ports.ErrContextMiss
	}
	return append(json.RawMessage(nil), doc...), nil
}

var _ ports.ContextLookup = (*Memory)(nil)
