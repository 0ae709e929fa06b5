package store

import (
	"context"
	"strings"

	"github.com/Context-Injection-Edge/Context-Edge-sub000/internal/domain"
)

// InsertHealth writes one health cycle as a single multi-row insert.
func (s *Store) InsertHealth(ctx context.Context, snaps []domain.HealthSnapshot) error {
	if len(snaps) == 0 {
		return nil
	}

	var b strings.Builder
	b.WriteString("INSERT INTO adapter_health (adapter, kind, status, latency_ms, error, checked_at_ms) VALUES ")

	args := make([]any, 0, len(snaps)*6)
	for i, sn := range snaps {
		if i > 0 {
			b.WriteString(",")
		}
		b.WriteString("(?,?,?,?,?,?)")
		args = append(args,
			sn.Adapter,
			string(sn.Kind),
			string(sn.Status),
			float64(sn.Latency.Microseconds())/1000,
			sn.Error,
			toMS(sn.CheckedAt),
		)
	}

	_, err := s.db.ExecContext(ctx, s.q(b.String()), args...)
	return err
}
