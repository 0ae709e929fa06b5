package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/Context-Injection-Edge/Context-Edge-sub000/internal/adapters/contextkv"
	"github.com/Context-Injection-Edge/Context-Edge-sub000/internal/adapters/inference"
	"github.com/Context-Injection-Edge/Context-Edge-sub000/internal/adapters/observability"
	"github.com/Context-Injection-Edge/Context-Edge-sub000/internal/adapters/store"
	"github.com/Context-Injection-Edge/Context-Edge-sub000/internal/domain"
	"github.com/Context-Injection-Edge/Context-Edge-sub000/internal/ports"
	"github.com/Context-Injection-Edge/Context-Edge-sub000/internal/retry"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Policy          ports.Policy            `yaml:"policy"`
	Fusion          FusionConfig            `yaml:"fusion"`
	Context         ContextConfig           `yaml:"context"`
	Inference       inference.Config        `yaml:"inference"`
	Recommendations RecommendationsConfig   `yaml:"recommendations"`
	Executor        ExecutorConfig          `yaml:"executor"`
	Health          HealthConfig            `yaml:"health"`
	Store           store.Config            `yaml:"store"`
	Metrics         MetricsConfig           `yaml:"metrics"`
	HTTP            HTTPConfig              `yaml:"http"`
	AuditSpool      AuditSpoolConfig        `yaml:"audit_spool"`
	Logging         observability.LogConfig `yaml:"logging"`
	Adapters        []AdapterConfig         `yaml:"adapters"`
	SafetyLimits    []domain.SafetyLimit    `yaml:"safety_limits"`
}

type FusionConfig struct {
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	ContextTimeout time.Duration `yaml:"context_timeout"`
	// ExcludeFailed skips adapters whose last health check failed.
	ExcludeFailed bool `yaml:"exclude_failed"`
	// PersistFused stores every fused record with its prediction.
	PersistFused *bool `yaml:"persist_fused"`
}

type ContextConfig struct {
	Driver string           `yaml:"driver"` // nats or memory
	NATS   contextkv.Config `yaml:"nats"`
	// Seed preloads the memory driver, keyed by CID.
	Seed map[string]any `yaml:"seed"`
}

type RecommendationsConfig struct {
	Expiry        time.Duration `yaml:"expiry"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	// RecoverInterval re-enqueues approved recommendations that never ran.
	RecoverInterval time.Duration `yaml:"recover_interval"`
}

type ExecutorConfig struct {
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

type HealthConfig struct {
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

type AuditSpoolConfig struct {
	Dir            string        `yaml:"dir"`
	ReplayInterval time.Duration `yaml:"replay_interval"`
	Retry          retry.Config  `yaml:"retry"`
}

func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(raw)
}

func Parse(raw []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Policy.MaxSpoolSizeBytes == 0 {
		c.Policy.MaxSpoolSizeBytes = 256 << 20
	}
	if c.Policy.MaxQueueLen == 0 {
		c.Policy.MaxQueueLen = 1_000
	}
	if c.Policy.MaxBatchSize == 0 {
		c.Policy.MaxBatchSize = 16
	}
	if c.Policy.IdleSleep == 0 {
		c.Policy.IdleSleep = 50 * time.Millisecond
	}
	if c.Policy.OnQueueFull == "" {
		c.Policy.OnQueueFull = "block"
	}

	if c.Fusion.ReadTimeout == 0 {
		c.Fusion.ReadTimeout = 1500 * time.Millisecond
	}
	if c.Fusion.ContextTimeout == 0 {
		c.Fusion.ContextTimeout = 200 * time.Millisecond
	}
	if c.Fusion.PersistFused == nil {
		on := true
		c.Fusion.PersistFused = &on
	}

	if c.Context.Driver == "" {
		if c.Context.NATS.URL != "" {
			c.Context.Driver = "nats"
		} else {
			c.Context.Driver = "memory"
		}
	}
	c.Context.NATS.ApplyDefaults()

	c.Inference.ApplyDefaults()

	if c.Recommendations.Expiry == 0 {
		c.Recommendations.Expiry = 10 * time.Minute
	}
	if c.Recommendations.SweepInterval == 0 {
		c.Recommendations.SweepInterval = 30 * time.Second
	}
	if c.Recommendations.RecoverInterval == 0 {
		c.Recommendations.RecoverInterval = time.Minute
	}
	if c.Executor.WriteTimeout == 0 {
		c.Executor.WriteTimeout = 3 * time.Second
	}
	if c.Health.Interval == 0 {
		c.Health.Interval = 30 * time.Second
	}
	if c.Health.Timeout == 0 {
		c.Health.Timeout = 2 * time.Second
	}

	c.Store.ApplyDefaults()

	if c.Metrics.Addr == "" {
		c.Metrics.Addr = ":9100"
	}
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":8080"
	}
	if c.AuditSpool.Dir == "" {
		c.AuditSpool.Dir = "./data/audit-spool"
	}
	if c.AuditSpool.ReplayInterval == 0 {
		c.AuditSpool.ReplayInterval = 15 * time.Second
	}
	c.AuditSpool.Retry.ApplyDefaults()

	for i := range c.Adapters {
		c.Adapters[i].applyDefaults()
	}
}

func (c *Config) validate() error {
	switch c.Policy.OnQueueFull {
	case "block", "drop":
	default:
		return fmt.Errorf("policy.on_queue_full %q unknown (block, drop)", c.Policy.OnQueueFull)
	}
	if c.Policy.MaxQueueLen < 0 || c.Policy.MaxBatchSize < 0 {
		return errors.New("policy: queue sizes must not be negative")
	}
	switch c.Context.Driver {
	case "memory":
	case "nats":
		if c.Context.NATS.URL == "" {
			return errors.New("context.nats.url is required for the nats driver")
		}
	default:
		return fmt.Errorf("context.driver %q unknown (nats, memory)", c.Context.Driver)
	}
	if err := c.Store.Validate(); err != nil {
		return err
	}
	if c.Metrics.Addr == "" {
		return fmt.Errorf("metrics.addr is required")
	}
	if c.AuditSpool.Dir == "" {
		return fmt.Errorf("audit_spool.dir is required")
	}
	if err := ValidateAdapters(c.Adapters); err != nil {
		return err
	}
	for _, l := range c.SafetyLimits {
		if err := l.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// UnlimitedTargets lists writable (device, parameter) pairs with no
// enabled safety limit in the seed set.
func (c *Config) UnlimitedTargets() []string {
	limited := make(map[string]bool, len(c.SafetyLimits))
	for _, l := range c.SafetyLimits {
		if l.Enabled {
			limited[l.DeviceID+"/"+l.Parameter] = true
		}
	}
	var out []string
	for _, a := range c.Adapters {
		if !a.IsEnabled() {
			continue
		}
		for _, dev := range a.Devices {
			for _, name := range a.tagNames() {
				if !a.Tags[name].Writable {
					continue
				}
				if key := dev + "/" + name; !limited[key] {
					out = append(out, key)
				}
			}
		}
	}
	return out
}
