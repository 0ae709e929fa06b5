package ports

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/Context-Injection-Edge/Context-Edge-sub000/internal/domain"
)

var ErrContextMiss = errors.New("context not found")

type Inferer interface {
	Infer(ctx context.Context, rec domain.FusedRecord) (domain.InferenceResult, error)
}

// ContextLookup resolves a CID to its opaque context document. A missing
// key returns ErrContextMiss.
type ContextLookup interface {
	Lookup(ctx context.Context, contextID string) (json.RawMessage, error)
}
