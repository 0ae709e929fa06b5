// Package memstore is an in-process ports.Store used by tests and by the
// "memory" store driver. Nothing survives a restart.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Context-Injection-Edge/Context-Edge-sub000/internal/domain"
	"github.com/Context-Injection-Edge/Context-Edge-sub000/internal/ports"
)

type limitKey struct{ device, parameter string }

type Store struct {
	mu sync.RWMutex

	recs     map[string]domain.Recommendation
	limits   map[limitKey]domain.SafetyLimit
	audit    []domain.AuditEntry
	auditSeq int64
	health   []domain.HealthSnapshot
	fused    []domain.FusedRecord
	configs  map[string]ports.AdapterConfigRecord

	auditErr error
}

func New() *Store {
	return &Store{
		recs:    make(map[string]domain.Recommendation),
		limits:  make(map[limitKey]domain.SafetyLimit),
		configs: make(map[string]ports.AdapterConfigRecord),
	}
}

// SetAuditError makes AppendAudit fail with err until cleared with nil.
func (s *Store) SetAuditError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.auditErr = err
}

func (s *Store) InsertRecommendation(_ context.Context, r domain.Recommendation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.recs[r.ID]; ok {
		return fmt.Errorf("recommendation %s already exists", r.ID)
	}
	s.recs[r.ID] = r
	return nil
}

func (s *Store) GetRecommendation(_ context.Context, id string) (domain.Recommendation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.recs[id]
	if !ok {
		return domain.Recommendation{}, fmt.Errorf("recommendation %s: %w", id, ports.ErrNotFound)
	}
	return r, nil
}

func (s *Store) ListRecommendations(_ context.Context, f ports.RecommendationFilter) ([]domain.Recommendation, error) {
	s.mu.RLock()
	out := make([]domain.Recommendation, 0, len(s.recs))
	for _, r := range s.recs {
		if f.Status != "" && r.Status != f.Status {
			continue
		}
		if f.DeviceID != "" && r.DeviceID != f.DeviceID {
			continue
		}
		if !f.ActiveAt.IsZero() && !r.ExpiresAt.After(f.ActiveAt) {
			continue
		}
		out = append(out, r)
	}
	s.mu.RUnlock()

	if f.Status == domain.StatusPending {
		sort.Slice(out, func(i, j int) bool {
			if out[i].Priority != out[j].Priority {
				return out[i].Priority < out[j].Priority
			}
			if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
				return out[i].CreatedAt.Before(out[j].CreatedAt)
			}
			return out[i].ID < out[j].ID
		})
	} else {
		sort.Slice(out, func(i, j int) bool {
			if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
				return out[i].CreatedAt.After(out[j].CreatedAt)
			}
			return out[i].ID < out[j].ID
		})
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *Store) TransitionRecommendation(_ context.Context, id string, from domain.Status, t ports.Transition) (bool, error) {
	if !domain.CanTransition(from, t.To) {
		return false, fmt.Errorf("transition %s %s->%s: %w", id, from, t.To, domain.ErrNoSuchTransition)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.recs[id]
	if !ok || r.Status != from {
		return false, nil
	}
	at := t.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	if t.NotExpired && !r.ExpiresAt.After(at) {
		return false, nil
	}

	r.Status = t.To
	switch t.To {
	case domain.StatusApproved:
		r.ApprovedBy = t.Actor
		r.ApprovedAt = &at
		r.OperatorNotes = t.Notes
	case domain.StatusRejected:
		r.ApprovedBy = t.Actor
		r.ApprovedAt = &at
		r.RejectionReason = t.Reason
		r.OperatorNotes = t.Notes
	case domain.StatusExecuted:
		r.Outcome = t.Outcome
		r.ControllerResponse = t.Response
		r.ExecutedAt = &at
	}
	s.recs[id] = r
	return true, nil
}

func (s *Store) ExpiredPendingIDs(_ context.Context, now time.Time) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []string
	for id, r := range s.recs {
		if r.Status == domain.StatusPending && r.Expired(now) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *Store) GetLimit(_ context.Context, deviceID, parameter string) (*domain.SafetyLimit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.limits[limitKey{deviceID, parameter}]
	if !ok {
		return nil, nil
	}
	return &l, nil
}

func (s *Store) UpsertLimit(_ context.Context, l domain.SafetyLimit) error {
	if err := l.Validate(); err != nil {
		return err
	}
	if l.UpdatedAt.IsZero() {
		l.UpdatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.limits[limitKey{l.DeviceID, l.Parameter}] = l
	return nil
}

func (s *Store) ListLimits(_ context.Context) ([]domain.SafetyLimit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.SafetyLimit, 0, len(s.limits))
	for _, l := range s.limits {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DeviceID != out[j].DeviceID {
			return out[i].DeviceID < out[j].DeviceID
		}
		return out[i].Parameter < out[j].Parameter
	})
	return out, nil
}

func (s *Store) AppendAudit(_ context.Context, e domain.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditErr != nil {
		return s.auditErr
	}
	if e.RecommendationID != "" {
		for _, have := range s.audit {
			if have.RecommendationID == e.RecommendationID && have.Action == e.Action {
				return nil
			}
		}
	}
	s.auditSeq++
	e.ID = s.auditSeq
	s.audit = append(s.audit, e)
	return nil
}

func (s *Store) ListAudit(_ context.Context, recommendationID string) ([]domain.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.AuditEntry
	for _, e := range s.audit {
		if e.RecommendationID == recommendationID {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (s *Store) InsertHealth(_ context.Context, snaps []domain.HealthSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.health = append(s.health, snaps...)
	return nil
}

// Health returns every snapshot inserted so far.
func (s *Store) Health() []domain.HealthSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.HealthSnapshot(nil), s.health...)
}

func (s *Store) SaveFused(_ context.Context, rec domain.FusedRecord, _ *domain.InferenceResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fused = append(s.fused, rec)
	return nil
}

func (s *Store) Fused() []domain.FusedRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.FusedRecord(nil), s.fused...)
}

func (s *Store) UpsertAdapterConfig(_ context.Context, c ports.AdapterConfigRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.configs[c.Name] = c
	return nil
}

func (s *Store) Close() error { return nil }

var _ ports.Store = (*Store)(nil)
