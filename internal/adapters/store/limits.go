package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/Context-Injection-Edge/Context-Edge-sub000/internal/domain"
)

const limitColumns = `device_id, parameter, min_value, max_value, max_rate_of_change, unit,
 requires_approval, enabled, updated_at_ms`

func (s *Store) GetLimit(ctx context.Context, deviceID, parameter string) (*domain.SafetyLimit, error) {
	row := s.db.QueryRowContext(ctx,
		s.q(`SELECT `+limitColumns+` FROM safety_limits WHERE device_id = ? AND parameter = ?`),
		deviceID, parameter)
	l, err := scanLimit(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get limit %s/%s: %w", deviceID, parameter, err)
	}
	return &l, nil
}

func (s *Store) UpsertLimit(ctx context.Context, l domain.SafetyLimit) error {
	if err := l.Validate(); err != nil {
		return err
	}
	if l.UpdatedAt.IsZero() {
		l.UpdatedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO safety_limits (`+limitColumns+`)
 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
 ON CONFLICT (device_id, parameter) DO UPDATE SET
 min_value = excluded.min_value, max_value = excluded.max_value,
 max_rate_of_change = excluded.max_rate_of_change, unit = excluded.unit,
 requires_approval = excluded.requires_approval, enabled = excluded.enabled,
 updated_at_ms = excluded.updated_at_ms`),
		l.DeviceID, l.Parameter, l.Min, l.Max, nullFloat(l.MaxRateOfChange), l.Unit,
		l.RequiresApproval, l.Enabled, toMS(l.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert limit %s/%s: %w", l.DeviceID, l.Parameter, err)
	}
	return nil
}

func (s *Store) ListLimits(ctx context.Context) ([]domain.SafetyLimit, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+limitColumns+` FROM safety_limits ORDER BY device_id, parameter`)
	if err != nil {
		return nil, fmt.Errorf("list limits: %w", err)
	}
	defer rows.Close()
	var out []domain.SafetyLimit
	for rows.Next() {
		l, err := scanLimit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func scanLimit(row rowScanner) (domain.SafetyLimit, error) {
	var (
		l       domain.SafetyLimit
		rate    sql.NullFloat64
		updated int64
	)
	if err := row.Scan(&l.DeviceID, &l.Parameter, &l.Min, &l.Max, &rate, &l.Unit,
		&l.RequiresApproval, &l.Enabled, &updated); err != nil {
		return domain.SafetyLimit{}, err
	}
	l.MaxRateOfChange = floatPtr(rate)
	l.UpdatedAt = fromMS(updated)
	return l, nil
}
