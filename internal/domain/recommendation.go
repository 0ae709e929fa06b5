package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusExpired  Status = "expired"
	StatusExecuted Status = "executed"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusRejected, StatusExpired, StatusExecuted:
		return true
	}
	return false
}

var ErrNoSuchTransition = errors.New("not a lifecycle transition")

// CanTransition reports whether from -> to is an edge of the lifecycle
// pending -> {approved, rejected, expired}, approved -> executed.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusApproved || to == StatusRejected || to == StatusExpired
	case StatusApproved:
		return to == StatusExecuted
	}
	return false
}

type Outcome string

const (
	OutcomeSuccess            Outcome = "success"
	OutcomeFailed             Outcome = "failed"
	OutcomeControllerRejected Outcome = "controller_rejected"
)

type Priority int

const (
	PriorityCritical Priority = 1
	PriorityHigh     Priority = 2
	PriorityNormal   Priority = 3
)

func (p Priority) Valid() bool { return p >= PriorityCritical && p <= PriorityNormal }

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	}
	return strconv.Itoa(int(p))
}

// ParsePriority accepts the names above or their numeric rank.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "critical":
		return PriorityCritical, nil
	case "high":
		return PriorityHigh, nil
	case "normal", "medium", "low":
		return PriorityNormal, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || !Priority(n).Valid() {
		return 0, fmt.Errorf("invalid priority %q", s)
	}
	return Priority(n), nil
}

// UnmarshalJSON takes the numeric rank or a name, since model services
// disagree on which one they send.
func (p *Priority) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) || bytes.Equal(b, []byte("0")) {
		*p = 0
		return nil
	}
	raw := string(b)
	if len(b) > 0 && b[0] == '"' {
		if err := json.Unmarshal(b, &raw); err != nil {
			return err
		}
	}
	v, err := ParsePriority(raw)
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// Proposal is a model-suggested parameter change, before it enters the
// recommendation lifecycle.
type Proposal struct {
	ActionType       string   `json:"action_type"`
	TargetParameter  string   `json:"target_parameter"`
	CurrentValue     *float64 `json:"current_value,omitempty"`
	RecommendedValue float64  `json:"recommended_value"`
	Unit             string   `json:"unit,omitempty"`
	Reasoning        string   `json:"reasoning,omitempty"`
	Priority         Priority `json:"priority,omitempty"`
	Confidence       float64  `json:"confidence"`
	ModelVersion     string   `json:"model_version,omitempty"`
}

type Recommendation struct {
	ID               string   `json:"id"`
	DeviceID         string   `json:"device_id"`
	ContextID        string   `json:"cid,omitempty"`
	ActionType       string   `json:"action_type"`
	TargetParameter  string   `json:"target_parameter"`
	CurrentValue     *float64 `json:"current_value,omitempty"`
	RecommendedValue float64  `json:"recommended_value"`
	Unit             string   `json:"unit,omitempty"`
	ModelVersion     string   `json:"model_version,omitempty"`
	Confidence       float64  `json:"confidence"`
	Reasoning        string   `json:"reasoning,omitempty"`
	Priority         Priority `json:"priority"`

	WithinLimits bool     `json:"within_limits"`
	LimitMin     *float64 `json:"limit_min,omitempty"`
	LimitMax     *float64 `json:"limit_max,omitempty"`

	Status          Status     `json:"status"`
	ApprovedBy      string     `json:"approved_by,omitempty"`
	ApprovedAt      *time.Time `json:"approved_at,omitempty"`
	OperatorNotes   string     `json:"operator_notes,omitempty"`
	RejectionReason string     `json:"rejection_reason,omitempty"`

	Outcome            Outcome    `json:"execution_outcome,omitempty"`
	ControllerResponse string     `json:"controller_response,omitempty"`
	ExecutedAt         *time.Time `json:"executed_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (r Recommendation) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// ExecutionResult is what a controller write produced.
type ExecutionResult struct {
	Outcome  Outcome
	Response string
	At       time.Time
}
