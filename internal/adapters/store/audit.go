package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/Context-Injection-Edge/Context-Edge-sub000/internal/domain"
)

// AppendAudit is idempotent per (recommendation, action): a retried or
// replayed entry that already landed is a no-op.
func (s *Store) AppendAudit(ctx context.Context, e domain.AuditEntry) error {
	details := string(e.Details)
	if details == "" {
		details = "{}"
	}
	var recID sql.NullString
	if e.RecommendationID != "" {
		recID = sql.NullString{String: e.RecommendationID, Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		s.q("INSERT INTO audit_log (recommendation_id, action, performed_by, ts_ms, details) VALUES (?, ?, ?, ?, ?) ON CONFLICT (recommendation_id, action) DO NOTHING"),
		recID, string(e.Action), e.PerformedBy, toMS(e.Timestamp), details,
	)
	if err != nil {
		return fmt.Errorf("append audit %s %s: %w", e.RecommendationID, e.Action, err)
	}
	return nil
}

func (s *Store) ListAudit(ctx context.Context, recommendationID string) ([]domain.AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		s.q("SELECT id, recommendation_id, action, performed_by, ts_ms, details FROM audit_log WHERE recommendation_id = ? ORDER BY ts_ms ASC, id ASC"),
		recommendationID)
	if err != nil {
		return nil, fmt.Errorf("list audit %s: %w", recommendationID, err)
	}
	defer rows.Close()

	var out []domain.AuditEntry
	for rows.Next() {
		var (
			e       domain.AuditEntry
			recID   sql.NullString
			action  string
			ts      int64
			details string
		)
		if err := rows.Scan(&e.ID, &recID, &action, &e.PerformedBy, &ts, &details); err != nil {
			return nil, err
		}
		e.RecommendationID = recID.String
		e.Action = domain.AuditAction(action)
		e.Timestamp = fromMS(ts)
		e.Details = json.RawMessage(details)
		out = append(out, e)
	}
	return out, rows.Err()
}
