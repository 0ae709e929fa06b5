package recommend

import (
	"context"
	"time"

	"github.com/Context-Injection-Edge/Context-Edge-sub000/internal/ports"
)

// Dispatcher feeds approved recommendations into the execution queue,
// applying the queue-full policy: "block" waits for room, "drop" gives up
// and leaves the row approved for the recovery scan.
type Dispatcher struct {
	q      ports.ExecutionQueue
	policy ports.Policy
	obs    ports.Observability
}

func NewDispatcher(q ports.ExecutionQueue, policy ports.Policy, obs ports.Observability) *Dispatcher {
	if policy.IdleSleep <= 0 {
		policy.IdleSleep = 50 * time.Millisecond
	}
	return &Dispatcher{q: q, policy: policy, obs: obs}
}

func (d *Dispatcher) Submit(ctx context.Context, job ports.ExecutionJob) error {
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}
	for {
		if d.q.Enqueue(job) {
			d.obs.SetGauge("ctxedge_queue_length", float64(d.q.Len()))
			return nil
		}
		if d.policy.OnQueueFull == "drop" {
			d.obs.IncCounter("ctxedge_queue_dropped_total", 1)
			d.obs.LogWarn("execution queue full, job dropped",
				ports.Field{Key: "recommendation_id", Value: job.RecommendationID})
			return ErrQueueFull
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d.policy.IdleSleep):
		}
	}
}
