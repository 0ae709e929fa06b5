package ports

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/Context-Injection-Edge/Context-Edge-sub000/internal/domain"
)

var ErrNotFound = errors.New("not found")

type RecommendationFilter struct {
	Status   domain.Status
	DeviceID string
	// ActiveAt, when set, excludes rows whose expires_at is not after it.
	ActiveAt time.Time
	Limit    int
}

// Transition describes a conditional status change. Only non-zero fields
// beyond To are written.
type Transition struct {
	To         domain.Status
	Actor      string
	At         time.Time
	Notes      string
	Reason     string
	Outcome    domain.Outcome
	Response   string
	NotExpired bool
}

type RecommendationStore interface {
	InsertRecommendation(ctx context.Context, r domain.Recommendation) error
	GetRecommendation(ctx context.Context, id string) (domain.Recommendation, error)
	ListRecommendations(ctx context.Context, f RecommendationFilter) ([]domain.Recommendation, error)
	// TransitionRecommendation applies t only while the row is in status
	// from; it reports whether the row changed.
	TransitionRecommendation(ctx context.Context, id string, from domain.Status, t Transition) (bool, error)
	ExpiredPendingIDs(ctx context.Context, now time.Time) ([]string, error)
}

type LimitStore interface {
	// GetLimit returns nil without error when no limit exists.
	GetLimit(ctx context.Context, deviceID, parameter string) (*domain.SafetyLimit, error)
	UpsertLimit(ctx context.Context, l domain.SafetyLimit) error
	ListLimits(ctx context.Context) ([]domain.SafetyLimit, error)
}

type AuditStore interface {
	AppendAudit(ctx context.Context, e domain.AuditEntry) error
	ListAudit(ctx context.Context, recommendationID string) ([]domain.AuditEntry, error)
}

type HealthStore interface {
	InsertHealth(ctx context.Context, snaps []domain.HealthSnapshot) error
}

type FusedStore interface {
	SaveFused(ctx context.Context, rec domain.FusedRecord, res *domain.InferenceResult) error
}

type AdapterConfigRecord struct {
	Name      string
	Kind      domain.SourceKind
	Protocol  string
	Enabled   bool
	Config    json.RawMessage
	UpdatedAt time.Time
}

type AdapterConfigStore interface {
	UpsertAdapterConfig(ctx context.Context, c AdapterConfigRecord) error
}

// Store bundles every persistence port the runtime needs.
type Store interface {
	RecommendationStore
	LimitStore
	AuditStore
	HealthStore
	FusedStore
	AdapterConfigStore
	Close() error
}
