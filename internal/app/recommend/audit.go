package recommend

import (
	"context"
	"errors"
	"fmt"

	"github.com/Context-Injection-Edge/Context-Edge-sub000/internal/domain"
	"github.com/Context-Injection-Edge/Context-Edge-sub000/internal/ports"
	"github.com/Context-Injection-Edge/Context-Edge-sub000/internal/retry"
)

// AuditWriter appends audit rows to the store. A row the store keeps
// refusing after the retry budget goes to the local spool and is replayed
// later, so no transition loses its audit row.
type AuditWriter struct {
	store ports.AuditStore
	spool ports.AuditSpool
	retry retry.Config
	obs   ports.Observability
}

func NewAuditWriter(store ports.AuditStore, spool ports.AuditSpool, rc retry.Config, obs ports.Observability) *AuditWriter {
	rc.ApplyDefaults()
	return &AuditWriter{store: store, spool: spool, retry: rc, obs: obs}
}

// Write returns an error only when both the store and the spool failed.
func (w *AuditWriter) Write(ctx context.Context, e domain.AuditEntry) error {
	err := retry.Do(ctx, w.retry, func(ctx context.Context) error {
		return w.store.AppendAudit(ctx, e)
	})
	if err == nil {
		return nil
	}

	fields := []ports.Field{
		{Key: "recommendation_id", Value: e.RecommendationID},
		{Key: "action", Value: string(e.Action)},
	}
	if w.spool == nil {
		w.obs.LogCritical("audit write failed, no spool configured", err, fields...)
		return fmt.Errorf("audit %s %s: %w", e.RecommendationID, e.Action, err)
	}
	if _, serr := w.spool.Append(&e); serr != nil {
		w.obs.LogCritical("audit write failed and could not be spooled", errors.Join(err, serr), fields...)
		return fmt.Errorf("audit %s %s: %w", e.RecommendationID, e.Action, errors.Join(err, serr))
	}
	w.obs.LogCritical("audit write failed, entry spooled for replay", err, fields...)
	w.obs.IncCounter("ctxedge_audit_spooled_total", 1)
	w.obs.SetGauge("ctxedge_audit_spool_size_bytes", float64(w.spool.Stats().SizeBytes))
	return nil
}

var errStopReplay = errors.New("stop replay")

// Replay moves spooled entries into the store in order and stops at the
// first one the store refuses. It returns the number replayed.
func (w *AuditWriter) Replay(ctx context.Context) (int, error) {
	if w.spool == nil {
		return 0, nil
	}
	st := w.spool.Stats()
	if st.LatestAppended < st.OldestUncommitted {
		return 0, nil
	}

	var (
		n        int
		last     ports.SpoolEntryID
		storeErr error
	)
	err := w.spool.Iterate(st.OldestUncommitted, func(id ports.SpoolEntryID, e *domain.AuditEntry) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := w.store.AppendAudit(ctx, *e); err != nil {
			storeErr = err
			return errStopReplay
		}
		last = id
		n++
		return nil
	})
	if err != nil && !errors.Is(err, errStopReplay) {
		return n, fmt.Errorf("replay audit spool: %w", err)
	}

	if last > 0 {
		if err := w.spool.Commit(last); err != nil {
			return n, fmt.Errorf("commit audit spool: %w", err)
		}
		if err := w.spool.TruncateCommitted(); err != nil {
			return n, fmt.Errorf("truncate audit spool: %w", err)
		}
		w.obs.IncCounter("ctxedge_audit_replayed_total", float64(n))
		w.obs.LogInfo("audit spool replayed", ports.Field{Key: "entries", Value: n})
	}
	w.obs.SetGauge("ctxedge_audit_spool_size_bytes", float64(w.spool.Stats().SizeBytes))
	return n, storeErr
}
