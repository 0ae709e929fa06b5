// Package recommend owns the recommendation lifecycle: creation with a
// limit check, operator approval or rejection, expiry and the execution
// outcome. Every transition is a conditional update followed by exactly
// one audit row.
package recommend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Context-Injection-Edge/Context-Edge-sub000/internal/domain"
	"github.com/Context-Injection-Edge/Context-Edge-sub000/internal/ports"
)

type Store interface {
	ports.RecommendationStore
	ports.LimitStore
	ports.AuditStore
}

// Submitter hands an approved recommendation to the execution path.
type Submitter interface {
	Submit(ctx context.Context, job ports.ExecutionJob) error
}

type Config struct {
	Expiry time.Duration
}

type Service struct {
	store  Store
	audit  *AuditWriter
	submit Submitter
	obs    ports.Observability
	cfg    Config

	now   func() time.Time
	newID func() string
}

type Option func(*Service)

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func WithIDs(newID func() string) Option { return func(s *Service) { s.newID = newID } }

func NewService(store Store, audit *AuditWriter, submit Submitter, obs ports.Observability, cfg Config, opts ...Option) *Service {
	if cfg.Expiry <= 0 {
		cfg.Expiry = 10 * time.Minute
	}
	s := &Service{
		store:  store,
		audit:  audit,
		submit: submit,
		obs:    obs,
		cfg:    cfg,
		now:    time.Now,
		newID:  func() string { return "REC-" + uuid.NewString() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) clock() time.Time { return s.now().UTC().Truncate(time.Millisecond) }

// Create stores a pending recommendation. A value outside the limits is
// still stored, flagged within_limits=false, and cannot be approved.
func (s *Service) Create(ctx context.Context, deviceID, contextID string, p domain.Proposal) (domain.Recommendation, error) {
	if err := validateProposal(deviceID, p); err != nil {
		return domain.Recommendation{}, err
	}
	limit, err := s.activeLimit(ctx, deviceID, p.TargetParameter)
	if err != nil {
		return domain.Recommendation{}, err
	}

	now := s.clock()
	priority := p.Priority
	if !priority.Valid() {
		priority = domain.PriorityHigh
	}
	rec := domain.Recommendation{
		ID:               s.newID(),
		DeviceID:         deviceID,
		ContextID:        contextID,
		ActionType:       p.ActionType,
		TargetParameter:  p.TargetParameter,
		CurrentValue:     p.CurrentValue,
		RecommendedValue: p.RecommendedValue,
		Unit:             p.Unit,
		ModelVersion:     p.ModelVersion,
		Confidence:       p.Confidence,
		Reasoning:        p.Reasoning,
		Priority:         priority,
		WithinLimits:     domain.WithinLimits(limit, p.RecommendedValue),
		Status:           domain.StatusPending,
		CreatedAt:        now,
		ExpiresAt:        now.Add(s.cfg.Expiry),
	}
	if rec.ActionType == "" {
		rec.ActionType = "adjust_setpoint"
	}
	if limit != nil {
		lo, hi := limit.Min, limit.Max
		rec.LimitMin, rec.LimitMax = &lo, &hi
		if rec.Unit == "" {
			rec.Unit = limit.Unit
		}
	} else {
		s.obs.LogWarn("no safety limit configured",
			ports.Field{Key: "device_id", Value: deviceID},
			ports.Field{Key: "parameter", Value: p.TargetParameter},
		)
	}

	if err := s.store.InsertRecommendation(ctx, rec); err != nil {
		return domain.Recommendation{}, err
	}
	s.obs.IncCounter("ctxedge_recommendations_created_total", 1)
	s.obs.IncCounterFor("ctxedge_recommendation_transitions_total", string(domain.StatusPending), 1)

	s.writeAudit(ctx, rec.ID, domain.AuditCreated, domain.SystemActor, now, map[string]any{
		"cid":               contextID,
		"target_parameter":  rec.TargetParameter,
		"recommended_value": rec.RecommendedValue,
		"confidence":        rec.Confidence,
		"within_limits":     rec.WithinLimits,
		"model_version":     rec.ModelVersion,
	})
	return rec, nil
}

func validateProposal(deviceID string, p domain.Proposal) error {
	switch {
	case strings.TrimSpace(deviceID) == "":
		return fmt.Errorf("%w: device_id is required", ErrInvalidInput)
	case strings.TrimSpace(p.TargetParameter) == "":
		return fmt.Errorf("%w: target_parameter is required", ErrInvalidInput)
	case math.IsNaN(p.RecommendedValue) || math.IsInf(p.RecommendedValue, 0):
		return fmt.Errorf("%w: recommended_value must be finite", ErrInvalidInput)
	case p.Confidence < 0 || p.Confidence > 1 || math.IsNaN(p.Confidence):
		return fmt.Errorf("%w: confidence %v outside [0,1]", ErrInvalidInput, p.Confidence)
	}
	return nil
}

// activeLimit returns nil for an absent or disabled limit.
func (s *Service) activeLimit(ctx context.Context, deviceID, parameter string) (*domain.SafetyLimit, error) {
	l, err := s.store.GetLimit(ctx, deviceID, parameter)
	if err != nil {
		return nil, err
	}
	if l == nil || !l.Enabled {
		return nil, nil
	}
	return l, nil
}

// Approve checks the value against the current limit, moves the row to
// approved and queues it for execution. The write happens later.
func (s *Service) Approve(ctx context.Context, id, approver, notes string) (domain.Recommendation, error) {
	if strings.TrimSpace(approver) == "" {
		return domain.Recommendation{}, fmt.Errorf("%w: approver_identity is required", ErrInvalidInput)
	}
	rec, err := s.pendingForDecision(ctx, id)
	if err != nil {
		return domain.Recommendation{}, err
	}

	limit, err := s.activeLimit(ctx, rec.DeviceID, rec.TargetParameter)
	if err != nil {
		return domain.Recommendation{}, err
	}
	if !domain.WithinLimits(limit, rec.RecommendedValue) {
		return domain.Recommendation{}, fmt.Errorf("%w: %s=%v not within [%v, %v]",
			ErrLimitViolation, rec.TargetParameter, rec.RecommendedValue, limit.Min, limit.Max)
	}

	now := s.clock()
	changed, err := s.store.TransitionRecommendation(ctx, id, domain.StatusPending, ports.Transition{
		To: domain.StatusApproved, Actor: approver, At: now, Notes: notes, NotExpired: true,
	})
	if err != nil {
		return domain.Recommendation{}, err
	}
	if !changed {
		return domain.Recommendation{}, fmt.Errorf("%w: %s is no longer pending", ErrInvalidTransition, id)
	}
	rec.Status = domain.StatusApproved
	rec.ApprovedBy = approver
	rec.ApprovedAt = &now
	rec.OperatorNotes = notes
	s.obs.IncCounterFor("ctxedge_recommendation_transitions_total", string(domain.StatusApproved), 1)

	details := map[string]any{"notes": notes, "recommended_value": rec.RecommendedValue}
	if limit != nil {
		details["limit_min"], details["limit_max"] = limit.Min, limit.Max
	}
	s.writeAudit(ctx, id, domain.AuditApproved, approver, now, details)

	if s.submit != nil {
		if err := s.submit.Submit(ctx, ports.ExecutionJob{RecommendationID: id, EnqueuedAt: now}); err != nil {
			s.obs.LogWarn("approved recommendation not queued, recovery will pick it up",
				ports.Field{Key: "recommendation_id", Value: id},
				ports.Field{Key: "error", Value: err.Error()},
			)
		}
	}
	return rec, nil
}

// Reject is terminal and requires a reason.
func (s *Service) Reject(ctx context.Context, id, approver, reason string) (domain.Recommendation, error) {
	if strings.TrimSpace(approver) == "" {
		return domain.Recommendation{}, fmt.Errorf("%w: approver_identity is required", ErrInvalidInput)
	}
	if strings.TrimSpace(reason) == "" {
		return domain.Recommendation{}, fmt.Errorf("%w: reason is required", ErrInvalidInput)
	}
	rec, err := s.pendingForDecision(ctx, id)
	if err != nil {
		return domain.Recommendation{}, err
	}

	now := s.clock()
	changed, err := s.store.TransitionRecommendation(ctx, id, domain.StatusPending, ports.Transition{
		To: domain.StatusRejected, Actor: approver, At: now, Reason: reason, NotExpired: true,
	})
	if err != nil {
		return domain.Recommendation{}, err
	}
	if !changed {
		return domain.Recommendation{}, fmt.Errorf("%w: %s is no longer pending", ErrInvalidTransition, id)
	}
	rec.Status = domain.StatusRejected
	rec.ApprovedBy = approver
	rec.ApprovedAt = &now
	rec.RejectionReason = reason
	s.obs.IncCounterFor("ctxedge_recommendation_transitions_total", string(domain.StatusRejected), 1)

	s.writeAudit(ctx, id, domain.AuditRejected, approver, now, map[string]any{"reason": reason})
	return rec, nil
}

func (s *Service) pendingForDecision(ctx context.Context, id string) (domain.Recommendation, error) {
	rec, err := s.store.GetRecommendation(ctx, id)
	if err != nil {
		return domain.Recommendation{}, err
	}
	if rec.Status != domain.StatusPending {
		return domain.Recommendation{}, fmt.Errorf("%w: %s is %s", ErrInvalidTransition, id, rec.Status)
	}
	if rec.Expired(s.clock()) {
		return domain.Recommendation{}, fmt.Errorf("%w: %s expired at %s", ErrInvalidTransition, id, rec.ExpiresAt.Format(time.RFC3339))
	}
	return rec, nil
}

// MarkExecuted records the controller outcome of an approved row.
func (s *Service) MarkExecuted(ctx context.Context, id string, res domain.ExecutionResult) error {
	at := res.At
	if at.IsZero() {
		at = s.clock()
	}
	changed, err := s.store.TransitionRecommendation(ctx, id, domain.StatusApproved, ports.Transition{
		To: domain.StatusExecuted, At: at, Outcome: res.Outcome, Response: res.Response,
	})
	if err != nil {
		return err
	}
	if !changed {
		return fmt.Errorf("%w: %s is not approved", ErrInvalidTransition, id)
	}
	s.obs.IncCounterFor("ctxedge_recommendation_transitions_total", string(domain.StatusExecuted), 1)
	s.obs.IncCounterFor("ctxedge_executions_total", string(res.Outcome), 1)

	s.writeAudit(ctx, id, domain.AuditExecuted, domain.SystemActor, at, map[string]any{
		"outcome":  string(res.Outcome),
		"response": res.Response,
	})
	return nil
}

// SweepExpired moves pending rows past their expiry to expired.
func (s *Service) SweepExpired(ctx context.Context) (int, error) {
	now := s.clock()
	ids, err := s.store.ExpiredPendingIDs(ctx, now)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, id := range ids {
		changed, err := s.store.TransitionRecommendation(ctx, id, domain.StatusPending, ports.Transition{
			To: domain.StatusExpired, Actor: domain.SystemActor, At: now,
		})
		if err != nil {
			return n, err
		}
		if !changed {
			continue
		}
		n++
		s.obs.IncCounterFor("ctxedge_recommendation_transitions_total", string(domain.StatusExpired), 1)
		s.writeAudit(ctx, id, domain.AuditExpired, domain.SystemActor, now, map[string]any{"reason": "timeout"})
	}
	if n > 0 {
		s.obs.IncCounter("ctxedge_recommendations_expired_total", float64(n))
		s.obs.LogInfo("recommendations expired", ports.Field{Key: "count", Value: n})
	}
	return n, nil
}

// RecoverApproved re-queues approved rows that were never executed, e.g.
// after a restart or a dropped job.
func (s *Service) RecoverApproved(ctx context.Context) (int, error) {
	if s.submit == nil {
		return 0, nil
	}
	recs, err := s.store.ListRecommendations(ctx, ports.RecommendationFilter{Status: domain.StatusApproved})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, r := range recs {
		if err := s.submit.Submit(ctx, ports.ExecutionJob{RecommendationID: r.ID, EnqueuedAt: s.clock()}); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func (s *Service) Get(ctx context.Context, id string) (domain.Recommendation, error) {
	return s.store.GetRecommendation(ctx, id)
}

// ListPending returns actionable rows: pending and not yet expired,
// highest priority first, oldest first within a priority.
func (s *Service) ListPending(ctx context.Context, deviceID string) ([]domain.Recommendation, error) {
	return s.store.ListRecommendations(ctx, ports.RecommendationFilter{
		Status:   domain.StatusPending,
		DeviceID: deviceID,
		ActiveAt: s.clock(),
	})
}

func (s *Service) List(ctx context.Context, f ports.RecommendationFilter) ([]domain.Recommendation, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, fmt.Errorf("%w: status %q", ErrInvalidInput, f.Status)
	}
	if f.Status == domain.StatusPending {
		return s.ListPending(ctx, f.DeviceID)
	}
	return s.store.ListRecommendations(ctx, f)
}

func (s *Service) History(ctx context.Context, id string) ([]domain.AuditEntry, error) {
	if _, err := s.store.GetRecommendation(ctx, id); err != nil {
		return nil, err
	}
	return s.store.ListAudit(ctx, id)
}

func (s *Service) UpsertLimit(ctx context.Context, l domain.SafetyLimit) error {
	if err := l.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if l.UpdatedAt.IsZero() {
		l.UpdatedAt = s.clock()
	}
	return s.store.UpsertLimit(ctx, l)
}

func (s *Service) ListLimits(ctx context.Context) ([]domain.SafetyLimit, error) {
	return s.store.ListLimits(ctx)
}

// writeAudit runs after the state write has committed; its failures are
// escalated by the AuditWriter and never undo the transition.
func (s *Service) writeAudit(ctx context.Context, id string, action domain.AuditAction, actor string, at time.Time, details map[string]any) {
	raw, err := json.Marshal(details)
	if err != nil {
		raw = []byte("{}")
	}
	err = s.audit.Write(context.WithoutCancel(ctx), domain.AuditEntry{
		RecommendationID: id,
		Action:           action,
		PerformedBy:      actor,
		Timestamp:        at,
		Details:          raw,
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		s.obs.LogCritical("audit entry lost", err, ports.Field{Key: "recommendation_id", Value: id})
	}
}
