package contextedge

import (
	base "github.com/Context-Injection-Edge/Context-Edge-sub000/pkg/contextedge"
)

// Type aliases so consumers can import the module root directly.
type (
	Config        = base.Config
	AdapterConfig = base.AdapterConfig
	Policy        = base.Policy
	Runtime       = base.Runtime
	Option        = base.Option
)

// Config helpers.
func LoadConfig(path string) (*Config, error) {
	return base.LoadConfig(path)
}

func ParseConfig(raw []byte) (*Config, error) {
	return base.ParseConfig(raw)
}

// Runtime and options.
var (
	New               = base.New
	WithObservability = base.WithObservability
	WithLogger        = base.WithLogger
	WithStore         = base.WithStore
	WithContextLookup = base.WithContextLookup
	WithInferer       = base.WithInferer
	WithConfigPath    = base.WithConfigPath
	WithoutServers    = base.WithoutServers
)
