package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Context-Injection-Edge/Context-Edge-sub000/internal/domain"
	"github.com/Context-Injection-Edge/Context-Edge-sub000/internal/ports"
)

const recColumns = `id, device_id, context_id, action_type, target_parameter, current_value,
 recommended_value, unit, model_version, confidence, reasoning, priority, within_limits,
 limit_min, limit_max, status, approved_by, approved_at_ms, operator_notes, rejection_reason,
 execution_outcome, controller_response, executed_at_ms, created_at_ms, expires_at_ms`

func (s *Store) InsertRecommendation(ctx context.Context, r domain.Recommendation) error {
	query := s.q(`INSERT INTO recommendations (` + recColumns + `, updated_at_ms)
 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	_, err := s.db.ExecContext(ctx, query,
		r.ID, r.DeviceID, r.ContextID, r.ActionType, r.TargetParameter, nullFloat(r.CurrentValue),
		r.RecommendedValue, r.Unit, r.ModelVersion, r.Confidence, r.Reasoning, int(r.Priority), r.WithinLimits,
		nullFloat(r.LimitMin), nullFloat(r.LimitMax), string(r.Status), r.ApprovedBy, nullMS(r.ApprovedAt), r.OperatorNotes, r.RejectionReason,
		string(r.Outcome), r.ControllerResponse, nullMS(r.ExecutedAt), toMS(r.CreatedAt), toMS(r.ExpiresAt),
		toMS(r.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert recommendation %s: %w", r.ID, err)
	}
	return nil
}

func (s *Store) GetRecommendation(ctx context.Context, id string) (domain.Recommendation, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+recColumns+` FROM recommendations WHERE id = ?`), id)
	r, err := scanRecommendation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Recommendation{}, fmt.Errorf("recommendation %s: %w", id, ports.ErrNotFound)
	}
	if err != nil {
		return domain.Recommendation{}, fmt.Errorf("get recommendation %s: %w", id, err)
	}
	return r, nil
}

// ListRecommendations orders pending rows by priority then age, anything
// else newest first.
func (s *Store) ListRecommendations(ctx context.Context, f ports.RecommendationFilter) ([]domain.Recommendation, error) {
	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.DeviceID != "" {
		where = append(where, "device_id = ?")
		args = append(args, f.DeviceID)
	}
	if !f.ActiveAt.IsZero() {
		where = append(where, "expires_at_ms > ?")
		args = append(args, toMS(f.ActiveAt))
	}

	var b strings.Builder
	b.WriteString("SELECT " + recColumns + " FROM recommendations")
	if len(where) > 0 {
		b.WriteString(" WHERE " + strings.Join(where, " AND "))
	}
	if f.Status == domain.StatusPending {
		b.WriteString(" ORDER BY priority ASC, created_at_ms ASC, id ASC")
	} else {
		b.WriteString(" ORDER BY created_at_ms DESC, id ASC")
	}
	if f.Limit > 0 {
		b.WriteString(" LIMIT ?")
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.q(b.String()), args...)
	if err != nil {
		return nil, fmt.Errorf("list recommendations: %w", err)
	}
	defer rows.Close()

	var out []domain.Recommendation
	for rows.Next() {
		r, err := scanRecommendation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan recommendation: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) TransitionRecommendation(ctx context.Context, id string, from domain.Status, t ports.Transition) (bool, error) {
	if !domain.CanTransition(from, t.To) {
		return false, fmt.Errorf("transition %s %s->%s: %w", id, from, t.To, domain.ErrNoSuchTransition)
	}
	at := t.At
	if at.IsZero() {
		at = s.now()
	}
	sets := []string{"status = ?", "updated_at_ms = ?"}
	args := []any{string(t.To), toMS(at)}

	switch t.To {
	case domain.StatusApproved:
		sets = append(sets, "approved_by = ?", "approved_at_ms = ?", "operator_notes = ?")
		args = append(args, t.Actor, toMS(at), t.Notes)
	case domain.StatusRejected:
		sets = append(sets, "approved_by = ?", "approved_at_ms = ?", "rejection_reason = ?", "operator_notes = ?")
		args = append(args, t.Actor, toMS(at), t.Reason, t.Notes)
	case domain.StatusExecuted:
		sets = append(sets, "execution_outcome = ?", "controller_response = ?", "executed_at_ms = ?")
		args = append(args, string(t.Outcome), t.Response, toMS(at))
	}

	query := "UPDATE recommendations SET " + strings.Join(sets, ", ") + " WHERE id = ? AND status = ?"
	args = append(args, id, string(from))
	if t.NotExpired {
		query += " AND expires_at_ms > ?"
		args = append(args, toMS(at))
	}

	res, err := s.db.ExecContext(ctx, s.q(query), args...)
	if err != nil {
		return false, fmt.Errorf("transition %s %s->%s: %w", id, from, t.To, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *Store) ExpiredPendingIDs(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		s.q("SELECT id FROM recommendations WHERE status = ? AND expires_at_ms <= ? ORDER BY created_at_ms ASC"),
		string(domain.StatusPending), toMS(now))
	if err != nil {
		return nil, fmt.Errorf("expired pending: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecommendation(row rowScanner) (domain.Recommendation, error) {
	var (
		r                              domain.Recommendation
		current, limitMin, limitMax    sql.NullFloat64
		approvedAt, executedAt         sql.NullInt64
		createdAt, expiresAt, priority int64
		status, outcome                string
	)
	err := row.Scan(
		&r.ID, &r.DeviceID, &r.ContextID, &r.ActionType, &r.TargetParameter, &current,
		&r.RecommendedValue, &r.Unit, &r.ModelVersion, &r.Confidence, &r.Reasoning, &priority, &r.WithinLimits,
		&limitMin, &limitMax, &status, &r.ApprovedBy, &approvedAt, &r.OperatorNotes, &r.RejectionReason,
		&outcome, &r.ControllerResponse, &executedAt, &createdAt, &expiresAt,
	)
	if err != nil {
		return domain.Recommendation{}, err
	}
	r.CurrentValue = floatPtr(current)
	r.LimitMin = floatPtr(limitMin)
	r.LimitMax = floatPtr(limitMax)
	r.Priority = domain.Priority(priority)
	r.Status = domain.Status(status)
	r.Outcome = domain.Outcome(outcome)
	r.ApprovedAt = timePtr(approvedAt)
	r.ExecutedAt = timePtr(executedAt)
	r.CreatedAt = fromMS(createdAt)
	r.ExpiresAt = fromMS(expiresAt)
	return r, nil
}
