package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/Context-Injection-Edge/Context-Edge-sub000/internal/adapters/contextkv"
	"github.com/Context-Injection-Edge/Context-Edge-sub000/internal/adapters/inference"
	"github.com/Context-Injection-Edge/Context-Edge-sub000/internal/adapters/memstore"
	"github.com/Context-Injection-Edge/Context-Edge-sub000/internal/adapters/observability"
	"github.com/Context-Injection-Edge/Context-Edge-sub000/internal/adapters/queue"
	"github.com/Context-Injection-Edge/Context-Edge-sub000/internal/adapters/simulated"
	"github.com/Context-Injection-Edge/Context-Edge-sub000/internal/adapters/wal"
	"github.com/Context-Injection-Edge/Context-Edge-sub000/internal/app/executor"
	"github.com/Context-Injection-Edge/Context-Edge-sub000/internal/app/fusion"
	"github.com/Context-Injection-Edge/Context-Edge-sub000/internal/app/recommend"
	"github.com/Context-Injection-Edge/Context-Edge-sub000/internal/app/registry"
	"github.com/Context-Injection-Edge/Context-Edge-sub000/internal/domain"
	"github.com/Context-Injection-Edge/Context-Edge-sub000/internal/ports"
	"github.com/Context-Injection-Edge/Context-Edge-sub000/internal/retry"
)

type plant struct {
	trigger *Trigger
	worker  *Worker
	svc     *recommend.Service
	store   *memstore.Store
	plc     *simulated.Adapter
}

func newPlant(t *testing.T, rejectWrites bool) *plant {
	t.Helper()
	obs := observability.Discard{}

	plcInfo := domain.AdapterInfo{
		Name: "press-plc",
		Kind: domain.KindPLC,
		Tags: []domain.TagMapping{
			{Name: "temperature", Address: "40001", RegisterType: "holding", Scale: 10},
			{Name: "temp_setpoint", Address: "40010", RegisterType: "holding", Scale: 10, Writable: true},
		},
	}
	plc, err := simulated.New(plcInfo, simulated.Config{
		Devices: map[string]map[string]any{
			"EDGE-1": {"temperature": 96.5, "temp_setpoint": 92.0},
		},
		RejectWrites: rejectWrites,
	})
	require.NoError(t, err)
	require.NoError(t, plc.Connect(context.Background()))
	mes, err := simulated.New(domain.AdapterInfo{Name: "mes", Kind: domain.KindMES}, simulated.Config{
		Values: map[string]any{"work_order": "WO-7781"},
	})
	require.NoError(t, err)
	require.NoError(t, mes.Connect(context.Background()))

	reg := registry.New(obs)
	require.NoError(t, reg.Register("press-plc", plc, ""))
	require.NoError(t, reg.Register("mes", mes, ""))

	lookup := contextkv.NewMemory()
	require.NoError(t, lookup.Set("CID-100", map[string]any{"product": "bracket-A", "batch": "B-12"}))

	st := memstore.New()
	require.NoError(t, st.UpsertLimit(context.Background(), domain.SafetyLimit{
		DeviceID: "EDGE-1", Parameter: "temp_setpoint", Min: 60, Max: 95, Unit: "C",
		Enabled: true, RequiresApproval: true,
	}))
	sp, err := wal.NewFileSpool(t.TempDir(), 0)
	require.NoError(t, err)
	t.Cleanup(func() { sp.Close() })

	pol := ports.Policy{MaxQueueLen: 8, MaxBatchSize: 4, IdleSleep: 5 * time.Millisecond, OnQueueFull: "block"}
	q := queue.NewMemQueue(pol.MaxQueueLen)
	aw := recommend.NewAuditWriter(st, sp, retry.Config{MaxAttempts: 1}, obs)
	svc := recommend.NewService(st, aw, recommend.NewDispatcher(q, pol, obs), obs, recommend.Config{})

	targets := executor.NewTargetTable()
	targets.Set([]domain.AdapterInfo{plcInfo}, map[string][]string{"press-plc": {"EDGE-1"}})

	engine := fusion.New(reg, lookup, obs, fusion.Config{})
	inf := inference.NewHeuristic(inference.HeuristicConfig{SetpointParameter: "temp_setpoint", SetpointTarget: 85})

	return &plant{
		trigger: NewTrigger(engine, inf, st, svc, obs),
		worker:  NewWorker(q, svc, executor.New(reg, targets, time.Second, obs), pol, obs),
		svc:     svc,
		store:   st,
		plc:     plc,
	}
}

func (p *plant) runWorker() (stop func()) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.worker.Run(ctx) }()
	return func() {
		cancel()
		<-done
	}
}

func TestEndToEndControllerRejected(t *testing.T) {
	defer goleak.VerifyNone(t)

	p := newPlant(t, true)
	out, err := p.trigger.Run(context.Background(), "CID-100", "EDGE-1")
	require.NoError(t, err)

	assert.Equal(t, domain.ContextHit, out.Record.ContextStatus)
	assert.Equal(t, []string{"mes", "press-plc"}, out.Record.Contributed)
	assert.Empty(t, out.Record.Failed)
	require.NotNil(t, out.Inference)
	assert.Equal(t, "defective", out.Inference.Prediction.Label)
	require.NotNil(t, out.Recommendation)
	rec := *out.Recommendation
	assert.Equal(t, domain.StatusPending, rec.Status)
	assert.True(t, rec.WithinLimits)
	assert.Len(t, p.store.Fused(), 1)

	_, err = p.svc.Approve(context.Background(), rec.ID, "op-17", "reduce heat")
	require.NoError(t, err)

	stop := p.runWorker()
	defer stop()
	require.Eventually(t, func() bool {
		got, err := p.svc.Get(context.Background(), rec.ID)
		return err == nil && got.Status == domain.StatusExecuted
	}, 2*time.Second, 10*time.Millisecond)

	got, err := p.svc.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeControllerRejected, got.Outcome)
	assert.NotEmpty(t, got.ControllerResponse)
	assert.Empty(t, p.plc.Writes())

	hist, err := p.svc.History(context.Background(), rec.ID)
	require.NoError(t, err)
	var actions []domain.AuditAction
	for _, h := range hist {
		actions = append(actions, h.Action)
	}
	assert.Equal(t, []domain.AuditAction{domain.AuditCreated, domain.AuditApproved, domain.AuditExecuted}, actions)
}

func TestEndToEndSuccessfulWriteIsScaled(t *testing.T) {
	defer goleak.VerifyNone(t)

	p := newPlant(t, false)
	out, err := p.trigger.Run(context.Background(), "CID-100", "EDGE-1")
	require.NoError(t, err)
	require.NotNil(t, out.Recommendation)
	_, err = p.svc.Approve(context.Background(), out.Recommendation.ID, "op-17", "")
	require.NoError(t, err)

	stop := p.runWorker()
	defer stop()
	require.Eventually(t, func() bool { return len(p.plc.Writes()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, simulated.Write{Address: "40010", Raw: 850}, p.plc.Writes()[0])
}

func TestTriggerWithoutProposal(t *testing.T) {
	p := newPlant(t, false)
	out, err := p.trigger.Run(context.Background(), "CID-404", "EDGE-2")
	require.NoError(t, err)
	assert.Equal(t, domain.ContextMiss, out.Record.ContextStatus)
	require.NotNil(t, out.Inference)
	assert.Equal(t, "good", out.Inference.Prediction.Label)
	assert.Nil(t, out.Recommendation)
}

type failingInferer struct{}

func (failingInferer) Infer(context.Context, domain.FusedRecord) (domain.InferenceResult, error) {
	return domain.InferenceResult{}, errors.New("model unavailable")
}

func TestTriggerKeepsFusedRecordWhenInferenceFails(t *testing.T) {
	p := newPlant(t, false)
	p.trigger.inferer = failingInferer{}
	out, err := p.trigger.Run(context.Background(), "CID-100", "EDGE-1")
	require.NoError(t, err)
	assert.Nil(t, out.Inference)
	assert.Equal(t, "model unavailable", out.InferenceError)
	assert.Len(t, p.store.Fused(), 1)
}

type stubLedger struct {
	mu       sync.Mutex
	recs     map[string]domain.Recommendation
	failMark int
	marked   []string
}

func (l *stubLedger) Get(_ context.Context, id string) (domain.Recommendation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.recs[id]
	if !ok {
		return domain.Recommendation{}, ports.ErrNotFound
	}
	return r, nil
}

func (l *stubLedger) MarkExecuted(_ context.Context, id string, _ domain.ExecutionResult) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failMark > 0 {
		l.failMark--
		return errors.New("store down")
	}
	l.marked = append(l.marked, id)
	return nil
}

type countingExec struct{ calls int }

func (c *countingExec) Execute(context.Context, domain.Recommendation) domain.ExecutionResult {
	c.calls++
	return domain.ExecutionResult{Outcome: domain.OutcomeSuccess, Response: "ok"}
}

func TestWorkerSkipsRowsThatAreNotApproved(t *testing.T) {
	ledger := &stubLedger{recs: map[string]domain.Recommendation{
		"REC-1": {ID: "REC-1", Status: domain.StatusExecuted},
		"REC-2": {ID: "REC-2", Status: domain.StatusApproved},
	}}
	exec := &countingExec{}
	w := NewWorker(queue.NewMemQueue(4), ledger, exec, ports.Policy{}, observability.Discard{})

	w.process(context.Background(), ports.ExecutionJob{RecommendationID: "REC-1"})
	w.process(context.Background(), ports.ExecutionJob{RecommendationID: "REC-2"})
	w.process(context.Background(), ports.ExecutionJob{RecommendationID: "REC-missing"})

	assert.Equal(t, 1, exec.calls)
	assert.Equal(t, []string{"REC-2"}, ledger.marked)
}

func TestWorkerNeverWritesTwiceWhenRecordingFails(t *testing.T) {
	ledger := &stubLedger{
		recs:     map[string]domain.Recommendation{"REC-1": {ID: "REC-1", Status: domain.StatusApproved}},
		failMark: 1,
	}
	exec := &countingExec{}
	w := NewWorker(queue.NewMemQueue(4), ledger, exec, ports.Policy{}, observability.Discard{})

	job := ports.ExecutionJob{RecommendationID: "REC-1"}
	w.process(context.Background(), job)
	assert.Empty(t, ledger.marked)

	// recovery re-queues the still-approved row
	w.process(context.Background(), job)
	assert.Equal(t, 1, exec.calls)
	assert.Equal(t, []string{"REC-1"}, ledger.marked)
	assert.Empty(t, w.unrecorded)
}

type fixedInferer struct{ res domain.InferenceResult }

func (f fixedInferer) Infer(context.Context, domain.FusedRecord) (domain.InferenceResult, error) {
	return f.res, nil
}

// CID-100 on EDGE-1 with no safety limit, a historian that times out and
// a controller that refuses the write.
func TestUnlimitedRecommendationEndsControllerRejected(t *testing.T) {
	defer goleak.VerifyNone(t)
	obs := observability.Discard{}
	ctx := context.Background()

	plcInfo := domain.AdapterInfo{
		Name: "press-plc", Kind: domain.KindPLC,
		Tags: []domain.TagMapping{{Name: "temperature", Address: "40001", Scale: 1, Writable: true}},
	}
	plc, err := simulated.New(plcInfo, simulated.Config{
		Devices:      map[string]map[string]any{"EDGE-1": {"temperature": 195.0}},
		RejectWrites: true,
	})
	require.NoError(t, err)
	mes, err := simulated.New(domain.AdapterInfo{Name: "mes", Kind: domain.KindMES}, simulated.Config{Values: map[string]any{"oee": 0.87}})
	require.NoError(t, err)
	hist, err := simulated.New(domain.AdapterInfo{Name: "historian", Kind: domain.KindHistorian, ReadTimeout: 50 * time.Millisecond},
		simulated.Config{Values: map[string]any{"avg": 190.0}, Latency: time.Second})
	require.NoError(t, err)

	reg := registry.New(obs)
	for _, a := range []*simulated.Adapter{plc, mes, hist} {
		require.NoError(t, a.Connect(ctx))
		require.NoError(t, reg.Register(a.Name(), a, ""))
	}

	lookup := contextkv.NewMemory()
	require.NoError(t, lookup.Set("CID-100", map[string]any{"product": "bracket-A"}))

	st := memstore.New()
	sp, err := wal.NewFileSpool(t.TempDir(), 0)
	require.NoError(t, err)
	defer sp.Close()

	pol := ports.Policy{MaxQueueLen: 4, MaxBatchSize: 4, IdleSleep: 5 * time.Millisecond, OnQueueFull: "block"}
	q := queue.NewMemQueue(pol.MaxQueueLen)
	svc := recommend.NewService(st, recommend.NewAuditWriter(st, sp, retry.Config{MaxAttempts: 1}, obs),
		recommend.NewDispatcher(q, pol, obs), obs, recommend.Config{})
	targets := executor.NewTargetTable()
	targets.Set([]domain.AdapterInfo{plcInfo}, map[string][]string{"press-plc": {"EDGE-1"}})

	current := 195.0
	trig := NewTrigger(fusion.New(reg, lookup, obs, fusion.Config{ReadTimeout: 50 * time.Millisecond}),
		fixedInferer{res: domain.InferenceResult{
			Prediction: domain.Prediction{Label: "defective", Confidence: 0.8, ModelVersion: "m-1"},
			Proposal: &domain.Proposal{
				TargetParameter: "temperature", CurrentValue: &current, RecommendedValue: 180,
				Confidence: 0.8, ModelVersion: "m-1",
			},
		}}, st, svc, obs)

	start := time.Now()
	out, err := trig.Run(ctx, "CID-100", "EDGE-1")
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Equal(t, []string{"historian"}, out.Record.Failed)
	assert.Equal(t, []string{"mes", "press-plc"}, out.Record.Contributed)
	require.NotNil(t, out.Recommendation)
	assert.True(t, out.Recommendation.WithinLimits)

	_, err = svc.Approve(ctx, out.Recommendation.ID, "op-17", "")
	require.NoError(t, err)

	wctx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- NewWorker(q, svc, executor.New(reg, targets, time.Second, obs), pol, obs).Run(wctx) }()
	require.Eventually(t, func() bool {
		got, err := svc.Get(ctx, out.Recommendation.ID)
		return err == nil && got.Status == domain.StatusExecuted
	}, 2*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	got, err := svc.Get(ctx, out.Recommendation.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeControllerRejected, got.Outcome)

	hist2, err := svc.History(ctx, got.ID)
	require.NoError(t, err)
	require.Len(t, hist2, 3)
	assert.Equal(t, domain.AuditCreated, hist2[0].Action)
	assert.Equal(t, domain.AuditApproved, hist2[1].Action)
	assert.Equal(t, domain.AuditExecuted, hist2[2].Action)

	// the abandoned historian read must finish before the leak check
	require.NoError(t, reg.Close(ctx))
}
