package pipeline

import (
	"context"
	"time"

	"github.com/Context-Injection-Edge/Context-Edge-sub000/internal/domain"
	"github.com/Context-Injection-Edge/Context-Edge-sub000/internal/ports"
)

type Executor interface {
	Execute(ctx context.Context, rec domain.Recommendation) domain.ExecutionResult
}

// Ledger is the part of the recommendation service the worker needs.
type Ledger interface {
	Get(ctx context.Context, id string) (domain.Recommendation, error)
	MarkExecuted(ctx context.Context, id string, res domain.ExecutionResult) error
}

type readySignaller interface {
	Ready() <-chan struct{}
}

// Worker is the single consumer of the execution queue. Running exactly
// one keeps each recommendation to at most one controller write.
type Worker struct {
	q      ports.ExecutionQueue
	ledger Ledger
	exec   Executor
	pol    ports.Policy
	obs    ports.Observability

	// written but not yet recorded; never written twice
	unrecorded map[string]domain.ExecutionResult
}

func NewWorker(q ports.ExecutionQueue, ledger Ledger, exec Executor, pol ports.Policy, obs ports.Observability) *Worker {
	if pol.IdleSleep <= 0 {
		pol.IdleSleep = 50 * time.Millisecond
	}
	return &Worker{q: q, ledger: ledger, exec: exec, pol: pol, obs: obs, unrecorded: make(map[string]domain.ExecutionResult)}
}

// Run drains the queue until ctx is cancelled. Jobs still queued at that
// point stay approved and are picked up by recovery on the next start.
func (w *Worker) Run(ctx context.Context) error {
	var ready <-chan struct{}
	if rs, ok := w.q.(readySignaller); ok {
		ready = rs.Ready()
	}
	idle := time.NewTimer(w.pol.IdleSleep)
	defer idle.Stop()

	for {
		if ctx.Err() != nil {
			return nil
		}
		batch := w.q.DequeueBatch(w.pol.MaxBatchSize)
		w.obs.SetGauge("ctxedge_queue_length", float64(w.q.Len()))
		if len(batch) == 0 {
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(w.pol.IdleSleep)
			select {
			case <-ctx.Done():
				return nil
			case <-ready:
			case <-idle.C:
			}
			continue
		}

		for _, job := range batch {
			if ctx.Err() != nil {
				return nil
			}
			w.process(ctx, job)
		}
	}
}

func (w *Worker) process(ctx context.Context, job ports.ExecutionJob) {
	if res, ok := w.unrecorded[job.RecommendationID]; ok {
		w.record(ctx, job.RecommendationID, res)
		return
	}
	rec, err := w.ledger.Get(ctx, job.RecommendationID)
	if err != nil {
		w.obs.LogError("load queued recommendation failed", err,
			ports.Field{Key: "recommendation_id", Value: job.RecommendationID})
		return
	}
	if rec.Status != domain.StatusApproved {
		w.obs.LogWarn("skipping queued recommendation",
			ports.Field{Key: "recommendation_id", Value: rec.ID},
			ports.Field{Key: "status", Value: string(rec.Status)},
		)
		return
	}

	w.record(ctx, rec.ID, w.exec.Execute(ctx, rec))
}

// record stores the outcome even during shutdown since the write already
// happened. On failure the result is kept so a re-queued job only retries
// the bookkeeping.
func (w *Worker) record(ctx context.Context, id string, res domain.ExecutionResult) {
	if err := w.ledger.MarkExecuted(context.WithoutCancel(ctx), id, res); err != nil {
		w.unrecorded[id] = res
		w.obs.LogCritical("record execution outcome failed", err,
			ports.Field{Key: "recommendation_id", Value: id},
			ports.Field{Key: "outcome", Value: string(res.Outcome)},
		)
		return
	}
	delete(w.unrecorded, id)
}
