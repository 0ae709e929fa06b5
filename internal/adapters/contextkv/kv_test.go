package contextkv

import (
	"context"
	"errors"
	"testing"

	"github.com/Context-Injection-Edge/Context-Edge-sub000/internal/ports"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubEntry struct {
	jetstream.KeyValueEntry
	value []byte
}

func (e stubEntry) Value() []byte { return e.value }

type stubKV struct {
	jetstream.KeyValue
	data map[string][]byte
	err  error
	keys []string
}

func (s *stubKV) Get(_ context.Context, key string) (jetstream.KeyValueEntry, error) {
	s.keys = append(s.keys, key)
	if s.err != nil {
		return nil, s.err
	}
	v, ok := s.data[key]
	if !ok {
		return nil, jetstream.ErrKeyNotFound
	}
	return stubEntry{value: v}, nil
}

func TestKVLookupHitMissError(t *testing.T) {
	kv := &stubKV{data: map[string][]byte{"context.CID-100": []byte(`{"product":"P-7"}`)}}
	l := NewKVLookup(kv, "context.")

	doc, err := l.Lookup(context.Background(), "CID-100")
	require.NoError(t, err)
	assert.JSONEq(t, `{"product":"P-7"}`, string(doc))

	_, err = l.Lookup(context.Background(), "CID-404")
	assert.ErrorIs(t, err, ports.ErrContextMiss)

	kv.err = errors.New("nats: timeout")
	_, err = l.Lookup(context.Background(), "CID-100")
	require.Error(t, err)
	assert.False(t, errors.Is(err, ports.ErrContextMiss))
}

func TestKVLookupRejectsNonJSON(t *testing.T) {
	kv := &stubKV{data: map[string][]byte{"context.X": []byte("not json")}}
	_, err := NewKVLookup(kv, "context.").Lookup(context.Background(), "X")
	assert.Error(t, err)
}

func TestKeyForSanitises(t *testing.T) {
	assert.Equal(t, "context.CID_100_a_b", KeyFor("context.", "CID:100 a.b"))
}

func TestMemoryLookup(t *testing.T) {
	m := NewMemory()
	require.NoError(t, m.Set("CID-1", map[string]any{"batch": "B-1"}))
	doc, err := m.Lookup(context.Background(), "CID-1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"batch":"B-1"}`, string(doc))
	_, err = m.Lookup(context.Background(), "nope")
	assert.ErrorIs(t, err, ports.ErrContextMiss)
}
