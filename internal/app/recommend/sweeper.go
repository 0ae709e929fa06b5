package recommend

import (
	"context"
	"time"

	"github.com/Context-Injection-Edge/Context-Edge-sub000/internal/ports"
)

// Sweeper runs a periodic maintenance task until its context ends: an
// immediate run on start, then one per interval.
type Sweeper struct {
	name     string
	interval time.Duration
	run      func(ctx context.Context) (int, error)
	obs      ports.Observability
}

// NewExpirySweeper expires pending rows past their deadline.
func NewExpirySweeper(s *Service, interval time.Duration, obs ports.Observability) *Sweeper {
	return &Sweeper{name: "expiry", interval: interval, run: s.SweepExpired, obs: obs}
}

// NewRecoverySweeper re-queues approved rows that never executed.
func NewRecoverySweeper(s *Service, interval time.Duration, obs ports.Observability) *Sweeper {
	return &Sweeper{name: "recovery", interval: interval, run: s.RecoverApproved, obs: obs}
}

// NewReplaySweeper drains the audit spool into the store.
func NewReplaySweeper(w *AuditWriter, interval time.Duration, obs ports.Observability) *Sweeper {
	return &Sweeper{name: "audit-replay", interval: interval, run: w.Replay, obs: obs}
}

func (s *Sweeper) Run(ctx context.Context) error {
	if s.interval <= 0 {
		s.obs.LogInfo("sweeper disabled", ports.Field{Key: "sweeper", Value: s.name})
		return nil
	}

	s.tick(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Sweeper) tick(ctx context.Context) {
	if _, err := s.run(ctx); err != nil && ctx.Err() == nil {
		s.obs.LogError("sweep failed", err, ports.Field{Key: "sweeper", Value: s.name})
	}
}
