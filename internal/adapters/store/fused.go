package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/Context-Injection-Edge/Context-Edge-sub000/internal/domain"
	"github.com/Context-Injection-Edge/Context-Edge-sub000/internal/ports"
)

// SaveFused stores the fused record with the prediction made on it.
func (s *Store) SaveFused(ctx context.Context, rec domain.FusedRecord, res *domain.InferenceResult) error {
	doc, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal fused record: %w", err)
	}
	var (
		label, version string
		confidence     sql.NullFloat64
	)
	if res != nil {
		label = res.Prediction.Label
		version = res.Prediction.ModelVersion
		confidence = sql.NullFloat64{Float64: res.Prediction.Confidence, Valid: true}
	}
	_, err = s.db.ExecContext(ctx,
		s.q(`INSERT INTO fused_records (context_id, device_id, fused_at_ms, record, prediction_label, prediction_confidence, model_version)
 VALUES (?, ?, ?, ?, ?, ?, ?)`),
		rec.ContextID, rec.TriggerDeviceID, toMS(rec.FusedAt), string(doc), label, confidence, version,
	)
	if err != nil {
		return fmt.Errorf("save fused record %s: %w", rec.ContextID, err)
	}
	return nil
}

func (s *Store) UpsertAdapterConfig(ctx context.Context, c ports.AdapterConfigRecord) error {
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO adapter_configs (name, kind, protocol, enabled, config, updated_at_ms)
 VALUES (?, ?, ?, ?, ?, ?)
 ON CONFLICT (name) DO UPDATE SET kind = excluded.kind, protocol = excluded.protocol,
 enabled = excluded.enabled, config = excluded.config, updated_at_ms = excluded.updated_at_ms`),
		c.Name, string(c.Kind), c.Protocol, c.Enabled, string(c.Config), toMS(c.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert adapter config %s: %w", c.Name, err)
	}
	return nil
}
