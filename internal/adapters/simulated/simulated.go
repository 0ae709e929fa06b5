// Package simulated provides an in-process adapter that serves values from
// configuration. It is used for demos, commissioning and tests.
package simulated

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/Context-Injection-Edge/Context-Edge-sub000/internal/domain"
	"github.com/Context-Injection-Edge/Context-Edge-sub000/internal/ports"
)

type Config struct {
	// Values served for every device, keyed by logical name.
	Values map[string]any `yaml:"values" json:"values,omitempty"`
	// Devices overrides Values per device ID.
	Devices map[string]map[string]any `yaml:"devices" json:"devices,omitempty"`
	Latency time.Duration             `yaml:"latency" json:"latency,omitempty"`
	// Noise adds a uniform +-Noise fraction to numeric values.
	Noise        float64 `yaml:"noise" json:"noise,omitempty"`
	FailReads    bool    `yaml:"fail_reads" json:"fail_reads,omitempty"`
	RejectWrites bool    `yaml:"reject_writes" json:"reject_writes,omitempty"`
	// IgnoreContext keeps sleeping past cancellation, like a stuck driver.
	IgnoreContext bool `yaml:"ignore_context" json:"ignore_context,omitempty"`
}

func (c *Config) Validate() error {
	if c.Noise < 0 || c.Noise > 1 {
		return fmt.Errorf("noise %v must be within [0,1]", c.Noise)
	}
	if c.Latency < 0 {
		return errors.New("latency must not be negative")
	}
	return nil
}

// Write records one controller write accepted by the adapter.
type Write struct {
	Address string
	Raw     float64
}

type Adapter struct {
	info domain.AdapterInfo
	cfg  Config

	mu        sync.Mutex
	connected bool
	writes    []Write
	rnd       *rand.Rand
}

func New(info domain.AdapterInfo, cfg Config) (*Adapter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Adapter{info: info, cfg: cfg, rnd: rand.New(rand.NewSource(time.Now().UnixNano()))}, nil
}

func (a *Adapter) Name() string               { return a.info.Name }
func (a *Adapter) Kind() domain.SourceKind    { return a.info.Kind }
func (a *Adapter) ReadTimeout() time.Duration { return a.info.ReadTimeout }

func (a *Adapter) Connect(context.Context) error {
	a.mu.Lock()
	a.connected = true
	a.mu.Unlock()
	return nil
}

func (a *Adapter) Disconnect(context.Context) error {
	a.mu.Lock()
	a.connected = false
	a.mu.Unlock()
	return nil
}

func (a *Adapter) ReadData(ctx context.Context, deviceID string) (domain.Reading, error) {
	if err := a.wait(ctx); err != nil {
		return domain.Reading{}, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return domain.Reading{}, ports.ErrNotConnected
	}
	if a.cfg.FailReads {
		return domain.Reading{}, errors.New("simulated read failure")
	}

	src := a.cfg.Values
	if dev, ok := a.cfg.Devices[deviceID]; ok {
		src = dev
	}
	values := make(map[string]any, len(src))
	for k, v := range src {
		v = domain.NormalizeValue(v)
		if f, ok := v.(float64); ok && a.cfg.Noise > 0 {
			v = f * (1 + a.cfg.Noise*(2*a.rnd.Float64()-1))
		}
		values[k] = v
	}
	return domain.Reading{Values: values, Timestamp: time.Now()}, nil
}

func (a *Adapter) WriteRegister(ctx context.Context, tag domain.TagMapping, raw float64) (string, error) {
	if err := a.wait(ctx); err != nil {
		return "", err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return "", ports.ErrNotConnected
	}
	if a.cfg.RejectWrites {
		return "exception 03: illegal data value", fmt.Errorf("%w: simulated exception at %s", ports.ErrControllerRejected, tag.Address)
	}
	a.writes = append(a.writes, Write{Address: tag.Address, Raw: raw})
	return "ok", nil
}

func (a *Adapter) HealthCheck(ctx context.Context) error {
	if err := a.wait(ctx); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return ports.ErrNotConnected
	}
	if a.cfg.FailReads {
		return errors.New("simulated device offline")
	}
	return nil
}

// Writes returns the writes accepted so far.
func (a *Adapter) Writes() []Write {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Write(nil), a.writes...)
}

func (a *Adapter) wait(ctx context.Context) error {
	if a.cfg.Latency <= 0 {
		return nil
	}
	if a.cfg.IgnoreContext {
		time.Sleep(a.cfg.Latency)
		return nil
	}
	t := time.NewTimer(a.cfg.Latency)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

var _ ports.Adapter = (*Adapter)(nil)
