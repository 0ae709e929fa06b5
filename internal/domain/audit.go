package domain

import (
	"encoding/json"
	"time"
)

type AuditAction string

const (
	AuditCreated  AuditAction = "created"
	AuditApproved AuditAction = "approved"
	AuditRejected AuditAction = "rejected"
	AuditExecuted AuditAction = "executed"
	AuditExpired  AuditAction = "expired"
)

// SystemActor is recorded when no human performed the action.
const SystemActor = "system"

type AuditEntry struct {
	ID               int64           `json:"id,omitempty"`
	RecommendationID string          `json:"recommendation_id,omitempty"`
	Action           AuditAction     `json:"action"`
	PerformedBy      string          `json:"performed_by"`
	Timestamp        time.Time       `json:"timestamp"`
	Details          json.RawMessage `json:"details,omitempty"`
}
