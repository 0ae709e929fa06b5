package ports

import (
	"context"
	"errors"
	"time"

	"github.com/Context-Injection-Edge/Context-Edge-sub000/internal/domain"
)

var (
	ErrNotConnected       = errors.New("adapter not connected")
	ErrControllerRejected = errors.New("controller rejected write")
	ErrWriteUnsupported   = errors.New("adapter does not support writes")
	ErrTagNotFound        = errors.New("tag not found")
)

// Adapter is a connector to one external data source. HealthCheck
// returns nil when the source answered.
type Adapter interface {
	Name() string
	Kind() domain.SourceKind
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	ReadData(ctx context.Context, deviceID string) (domain.Reading, error)
	// WriteRegister writes a raw value. Errors wrapping ErrControllerRejected
	// mean the controller answered and refused.
	WriteRegister(ctx context.Context, tag domain.TagMapping, raw float64) (string, error)
	HealthCheck(ctx context.Context) error
}

// ReadTimeouter is implemented by adapters with their own read deadline.
type ReadTimeouter interface {
	ReadTimeout() time.Duration
}
