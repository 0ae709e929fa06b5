package registry

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/Context-Injection-Edge/Context-Edge-sub000/internal/adapters/observability"
	"github.com/Context-Injection-Edge/Context-Edge-sub000/internal/domain"
	"github.com/Context-Injection-Edge/Context-Edge-sub000/internal/ports"
)

type fakeAdapter struct {
	name        string
	connectErr  error
	connects    atomic.Int32
	disconnects atomic.Int32
}

func (f *fakeAdapter) Name() string            { return f.name }
func (f *fakeAdapter) Kind() domain.SourceKind { return domain.KindPLC }
func (f *fakeAdapter) Connect(context.Context) error {
	f.connects.Add(1)
	return f.connectErr
}
func (f *fakeAdapter) Disconnect(context.Context) error {
	f.disconnects.Add(1)
	return nil
}
func (f *fakeAdapter) ReadData(context.Context, string) (domain.Reading, error) {
	return domain.Reading{}, nil
}
func (f *fakeAdapter) WriteRegister(context.Context, domain.TagMapping, float64) (string, error) {
	return "", nil
}
func (f *fakeAdapter) HealthCheck(context.Context) error { return nil }

func names(entries []*Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Name()
	}
	return out
}

func TestRegisterKeepsOrderAndRejectsDuplicates(t *testing.T) {
	r := New(observability.Discard{})
	require.NoError(t, r.Register("b", &fakeAdapter{name: "b"}, ""))
	require.NoError(t, r.Register("a", &fakeAdapter{name: "a"}, ""))
	require.NoError(t, r.Register("c", &fakeAdapter{name: "c"}, ""))

	assert.Equal(t, []string{"b", "a", "c"}, names(r.Snapshot()))
	assert.ErrorIs(t, r.Register("a", &fakeAdapter{name: "a"}, ""), ErrDuplicate)
}

func TestSnapshotIsImmutableAcrossWrites(t *testing.T) {
	r := New(observability.Discard{})
	require.NoError(t, r.Register("a", &fakeAdapter{name: "a"}, ""))
	before := r.Snapshot()
	require.NoError(t, r.Register("b", &fakeAdapter{name: "b"}, ""))
	require.NoError(t, r.Unregister(context.Background(), "a"))

	assert.Equal(t, []string{"a"}, names(before))
	assert.Equal(t, []string{"b"}, names(r.Snapshot()))
}

func TestUnregisterDrainsInFlightReads(t *testing.T) {
	defer goleak.VerifyNone(t)

	r := New(observability.Discard{})
	fa := &fakeAdapter{name: "plc"}
	require.NoError(t, r.Register("plc", fa, ""))

	e, ok := r.Get("plc")
	require.True(t, ok)
	require.True(t, e.Acquire())

	done := make(chan error, 1)
	go func() { done <- r.Unregister(context.Background(), "plc") }()

	select {
	case <-done:
		t.Fatalf("unregister returned while a read was in flight")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Zero(t, fa.disconnects.Load(), "must not disconnect under an active read")
	assert.False(t, e.Acquire(), "draining entry must refuse new reads")
	_, still := r.Get("plc")
	assert.False(t, still, "removed entry must leave the snapshot immediately")

	e.Release()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatalf("unregister did not return after release")
	}
	assert.EqualValues(t, 1, fa.disconnects.Load())
}

func TestUnregisterDrainTimeout(t *testing.T) {
	r := New(observability.Discard{})
	fa := &fakeAdapter{name: "plc"}
	require.NoError(t, r.Register("plc", fa, ""))
	e, _ := r.Get("plc")
	require.True(t, e.Acquire())
	defer e.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := r.Unregister(ctx, "plc")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.EqualValues(t, 1, fa.disconnects.Load())
}

func TestReplaceAbortKeepsOldAdapter(t *testing.T) {
	r := New(observability.Discard{})
	old := &fakeAdapter{name: "plc"}
	require.NoError(t, r.Register("plc", old, "v1"))

	broken := &fakeAdapter{name: "plc", connectErr: errors.New("refused")}
	err := r.Replace(context.Background(), "plc", func() (ports.Adapter, error) { return broken, nil }, "v2")
	require.Error(t, err)

	e, ok := r.Get("plc")
	require.True(t, ok)
	assert.Same(t, old, e.Adapter())
	assert.Equal(t, "v1", e.Fingerprint())
	assert.Zero(t, old.disconnects.Load())
}

func TestReplaceKeepsSlotAndRetiresOld(t *testing.T) {
	r := New(observability.Discard{})
	old := &fakeAdapter{name: "b"}
	require.NoError(t, r.Register("a", &fakeAdapter{name: "a"}, ""))
	require.NoError(t, r.Register("b", old, "v1"))
	require.NoError(t, r.Register("c", &fakeAdapter{name: "c"}, ""))

	repl := &fakeAdapter{name: "b"}
	require.NoError(t, r.Replace(context.Background(), "b", func() (ports.Adapter, error) { return repl, nil }, "v2"))

	assert.Equal(t, []string{"a", "b", "c"}, names(r.Snapshot()))
	e, _ := r.Get("b")
	assert.Same(t, repl, e.Adapter())
	assert.EqualValues(t, 1, repl.connects.Load())
	assert.EqualValues(t, 1, old.disconnects.Load())
}

func TestReconcile(t *testing.T) {
	r := New(observability.Discard{})
	keep := &fakeAdapter{name: "keep"}
	change := &fakeAdapter{name: "change"}
	gone := &fakeAdapter{name: "gone"}
	require.NoError(t, r.Register("keep", keep, "k1"))
	require.NoError(t, r.Register("change", change, "c1"))
	require.NoError(t, r.Register("gone", gone, "g1"))

	build := func(a ports.Adapter) BuildFunc {
		return func() (ports.Adapter, error) { return a, nil }
	}
	rep := r.Reconcile(context.Background(), []Desired{
		{Name: "keep", Fingerprint: "k1", Build: build(&fakeAdapter{name: "keep"})},
		{Name: "change", Fingerprint: "c2", Build: build(&fakeAdapter{name: "change"})},
		{Name: "new", Fingerprint: "n1", Build: build(&fakeAdapter{name: "new", connectErr: errors.New("offline")})},
		{Name: "bad", Fingerprint: "b1", Build: func() (ports.Adapter, error) { return nil, errors.New("bad config") }},
	})

	assert.Equal(t, []string{"keep"}, rep.Unchanged)
	assert.Equal(t, []string{"change"}, rep.Replaced)
	assert.Equal(t, []string{"gone"}, rep.Removed)
	assert.Equal(t, []string{"new"}, rep.Added)
	assert.Contains(t, rep.Errors, "new")
	assert.Contains(t, rep.Errors, "bad")
	assert.Equal(t, []string{"keep", "change", "new"}, names(r.Snapshot()))
	assert.EqualValues(t, 1, gone.disconnects.Load())
	assert.Zero(t, keep.disconnects.Load())
}

func TestClose(t *testing.T) {
	r := New(observability.Discard{})
	a, b := &fakeAdapter{name: "a"}, &fakeAdapter{name: "b"}
	require.NoError(t, r.Register("a", a, ""))
	require.NoError(t, r.Register("b", b, ""))
	require.NoError(t, r.Close(context.Background()))
	assert.Zero(t, r.Len())
	assert.EqualValues(t, 1, a.disconnects.Load())
	assert.EqualValues(t, 1, b.disconnects.Load())
}
