package contextedge

import (
	"github.com/Context-Injection-Edge/Context-Edge-sub000/internal/app/config"
	"github.com/Context-Injection-Edge/Context-Edge-sub000/internal/ports"
)

// Config re-exports the root configuration struct so embedding programs
// can construct or modify it.
type Config = config.Config

type (
	AdapterConfig = config.AdapterConfig
	Policy        = ports.Policy
)

func LoadConfig(path string) (*Config, error) {
	return config.Load(path)
}

func ParseConfig(raw []byte) (*Config, error) {
	return config.Parse(raw)
}
