package contextedge

import (
	"go.uber.org/zap"

	"github.com/Context-Injection-Edge/Context-Edge-sub000/internal/ports"
)

// Option customizes the dependencies used by Runtime.
type Option func(*overrides)

type overrides struct {
	obs        ports.Observability
	logger     *zap.Logger
	store      ports.Store
	lookup     ports.ContextLookup
	inferer    ports.Inferer
	configPath string
	serve      *bool
}

// WithObservability replaces the Prometheus/zap backend.
func WithObservability(obs ports.Observability) Option {
	return func(o *overrides) { o.obs = obs }
}

// WithLogger sets the zap logger used by the default observability backend.
func WithLogger(l *zap.Logger) Option {
	return func(o *overrides) { o.logger = l }
}

// WithStore injects a store instead of opening the configured one.
func WithStore(s ports.Store) Option {
	return func(o *overrides) { o.store = s }
}

// WithContextLookup injects the CID lookup instead of dialing NATS.
func WithContextLookup(l ports.ContextLookup) Option {
	return func(o *overrides) { o.lookup = l }
}

// WithInferer replaces the configured inference client.
func WithInferer(inf ports.Inferer) Option {
	return func(o *overrides) { o.inferer = inf }
}

// WithConfigPath enables hot reload of the adapters section from path.
func WithConfigPath(path string) Option {
	return func(o *overrides) { o.configPath = path }
}

// WithoutServers skips the HTTP API and metrics listeners.
func WithoutServers() Option {
	return func(o *overrides) {
		off := false
		o.serve = &off
	}
}
