package modbus

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/Context-Injection-Edge/Context-Edge-sub000/internal/domain"
	"github.com/Context-Injection-Edge/Context-Edge-sub000/internal/ports"
	"github.com/Context-Injection-Edge/Context-Edge-sub000/internal/retry"

	"github.com/simonvetter/modbus"
)

// Config selects a Modbus TCP or RTU transport. URL wins over
// host/port/serial_port when set.
type Config struct {
	URL             string        `yaml:"url" json:"url"`
	Host            string        `yaml:"host" json:"host,omitempty"`
	Port            int           `yaml:"port" json:"port,omitempty"`
	SerialPort      string        `yaml:"serial_port" json:"serial_port,omitempty"`
	UnitID          uint8         `yaml:"unit_id" json:"unit_id"`
	Speed           uint          `yaml:"speed" json:"speed,omitempty"`
	DataBits        uint          `yaml:"data_bits" json:"data_bits,omitempty"`
	Parity          string        `yaml:"parity" json:"parity,omitempty"`
	StopBits        uint          `yaml:"stop_bits" json:"stop_bits,omitempty"`
	Timeout         time.Duration `yaml:"timeout" json:"timeout"`
	ConnectAttempts int           `yaml:"connect_attempts" json:"connect_attempts"`
}

func (c *Config) ApplyDefaults() {
	if c.URL == "" {
		switch {
		case c.SerialPort != "":
			c.URL = "rtu://" + c.SerialPort
		case c.Host != "":
			if c.Port == 0 {
				c.Port = 502
			}
			c.URL = fmt.Sprintf("tcp://%s:%d", c.Host, c.Port)
		}
	}
	if c.UnitID == 0 {
		c.UnitID = 1
	}
	if c.Timeout <= 0 {
		c.Timeout = time.Second
	}
	if c.ConnectAttempts <= 0 {
		c.ConnectAttempts = 3
	}
	if c.RTU() {
		if c.Speed == 0 {
			c.Speed = 9600
		}
		if c.DataBits == 0 {
			c.DataBits = 8
		}
		if c.StopBits == 0 {
			c.StopBits = 1
		}
	}
}

func (c *Config) Validate() error {
	if c.URL == "" {
		return errors.New("url, host or serial_port is required")
	}
	if !strings.HasPrefix(c.URL, "tcp://") && !strings.HasPrefix(c.URL, "rtu://") {
		return fmt.Errorf("url %q must start with tcp:// or rtu://", c.URL)
	}
	if _, err := parity(c.Parity); err != nil {
		return err
	}
	return nil
}

func (c *Config) RTU() bool {
	return strings.HasPrefix(c.URL, "rtu://") || (c.URL == "" && c.SerialPort != "")
}

func parity(p string) (uint, error) {
	switch strings.ToLower(p) {
	case "", "n", "none":
		return modbus.PARITY_NONE, nil
	case "e", "even":
		return modbus.PARITY_EVEN, nil
	case "o", "odd":
		return modbus.PARITY_ODD, nil
	}
	return 0, fmt.Errorf("parity %q unknown", p)
}

// client is the subset of *modbus.ModbusClient the adapter uses.
type client interface {
	Open() error
	Close() error
	SetUnitId(id uint8) error
	ReadRegisters(addr uint16, quantity uint16, regType modbus.RegType) ([]uint16, error)
	ReadCoil(addr uint16) (bool, error)
	ReadDiscreteInput(addr uint16) (bool, error)
	WriteRegister(addr uint16, value uint16) error
	WriteRegisters(addr uint16, values []uint16) error
	WriteCoil(addr uint16, value bool) error
}

type newClientFunc func(cfg *modbus.ClientConfiguration) (client, error)

func newClient(cfg *modbus.ClientConfiguration) (client, error) {
	c, err := modbus.NewClient(cfg)
	if err != nil {
		return nil, err
	}
	return c, nil
}

type register struct {
	tag  domain.TagMapping
	addr Address
}

// Adapter polls a register map from one Modbus unit. The transport is
// serialised with a mutex; Modbus allows one outstanding request.
type Adapter struct {
	info      domain.AdapterInfo
	cfg       Config
	registers []register
	newClient newClientFunc

	mu     sync.Mutex
	client client
}

func New(info domain.AdapterInfo, cfg Config) (*Adapter, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	regs := make([]register, 0, len(info.Tags))
	for _, t := range info.Tags {
		addr, err := ParseAddress(t.Address, t.RegisterType)
		if err != nil {
			return nil, fmt.Errorf("tag %s: %w", t.Name, err)
		}
		if t.Writable && !addr.Writable() {
			return nil, fmt.Errorf("tag %s: %s registers are read-only", t.Name, addr.Type)
		}
		regs = append(regs, register{tag: t, addr: addr})
	}
	return &Adapter{info: info, cfg: cfg, registers: regs, newClient: newClient}, nil
}

func (a *Adapter) Name() string               { return a.info.Name }
func (a *Adapter) Kind() domain.SourceKind    { return a.info.Kind }
func (a *Adapter) ReadTimeout() time.Duration { return a.info.ReadTimeout }

func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.client != nil {
		return nil
	}
	rc := retry.Config{
		MaxAttempts:  a.cfg.ConnectAttempts,
		InitialDelay: time.Second,
		MaxDelay:     8 * time.Second,
		Multiplier:   2,
	}
	return retry.Do(ctx, rc, func(context.Context) error {
		return a.openLocked()
	})
}

func (a *Adapter) openLocked() error {
	par, _ := parity(a.cfg.Parity)
	c, err := a.newClient(&modbus.ClientConfiguration{
		URL:      a.cfg.URL,
		Speed:    a.cfg.Speed,
		DataBits: a.cfg.DataBits,
		Parity:   par,
		StopBits: a.cfg.StopBits,
		Timeout:  a.cfg.Timeout,
	})
	if err != nil {
		return retry.Permanent(fmt.Errorf("modbus client %s: %w", a.cfg.URL, err))
	}
	if err := c.Open(); err != nil {
		return fmt.Errorf("modbus open %s: %w", a.cfg.URL, err)
	}
	if err := c.SetUnitId(a.cfg.UnitID); err != nil {
		_ = c.Close()
		return fmt.Errorf("modbus unit id: %w", err)
	}
	a.client = c
	return nil
}

func (a *Adapter) Disconnect(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.client == nil {
		return nil
	}
	err := a.client.Close()
	a.client = nil
	return err
}

// ReadData reads every mapped register. A transport error triggers one
// reconnect and retry while ctx allows it.
func (a *Adapter) ReadData(ctx context.Context, deviceID string) (domain.Reading, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.client == nil {
		return domain.Reading{}, ports.ErrNotConnected
	}

	values, err := a.readAllLocked(ctx)
	if err != nil && !isException(err) && ctx.Err() == nil {
		_ = a.client.Close()
		if rerr := a.client.Open(); rerr == nil {
			values, err = a.readAllLocked(ctx)
		}
	}
	if err != nil {
		return domain.Reading{}, err
	}
	return domain.Reading{Values: values, Timestamp: time.Now()}, nil
}

func (a *Adapter) readAllLocked(ctx context.Context) (map[string]any, error) {
	values := make(map[string]any, len(a.registers))
	for _, r := range a.registers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		v, err := a.readOne(r)
		if err != nil {
			return nil, fmt.Errorf("modbus read %s@%s: %w", r.tag.Name, r.tag.Address, err)
		}
		values[r.tag.Name] = v
	}
	return values, nil
}

func (a *Adapter) readOne(r register) (any, error) {
	switch r.addr.Type {
	case Coil:
		return a.client.ReadCoil(r.addr.Offset)
	case Discrete:
		return a.client.ReadDiscreteInput(r.addr.Offset)
	}
	rt := modbus.HOLDING_REGISTER
	if r.addr.Type == Input {
		rt = modbus.INPUT_REGISTER
	}
	regs, err := a.client.ReadRegisters(r.addr.Offset, r.addr.Words, rt)
	if err != nil {
		return nil, err
	}
	if len(regs) < int(r.addr.Words) {
		return nil, fmt.Errorf("short read: %d registers", len(regs))
	}
	raw := float64(regs[0])
	if r.addr.Words == 2 {
		raw = float64(uint32(regs[0])<<16 | uint32(regs[1]))
	}
	return r.tag.FromRaw(raw), nil
}

// WriteRegister writes raw to a holding register or coil. Modbus
// exception responses are reported as controller rejections.
func (a *Adapter) WriteRegister(ctx context.Context, tag domain.TagMapping, raw float64) (string, error) {
	addr, err := ParseAddress(tag.Address, tag.RegisterType)
	if err != nil {
		return "", err
	}
	if !addr.Writable() {
		return "", fmt.Errorf("modbus write %s: %s registers are read-only", tag.Address, addr.Type)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.client == nil {
		return "", ports.ErrNotConnected
	}

	switch {
	case addr.Type == Coil:
		err = a.client.WriteCoil(addr.Offset, raw != 0)
	case addr.Words == 2:
		if raw < 0 || raw > math.MaxUint32 {
			return "", fmt.Errorf("%w: value %v outside 32-bit register range", ports.ErrControllerRejected, raw)
		}
		u := uint32(math.Round(raw))
		err = a.client.WriteRegisters(addr.Offset, []uint16{uint16(u >> 16), uint16(u)})
	default:
		if raw < 0 || raw > math.MaxUint16 {
			return "", fmt.Errorf("%w: value %v outside 16-bit register range", ports.ErrControllerRejected, raw)
		}
		err = a.client.WriteRegister(addr.Offset, uint16(math.Round(raw)))
	}
	if err != nil {
		if isException(err) {
			return err.Error(), fmt.Errorf("%w: %s: %v", ports.ErrControllerRejected, tag.Address, err)
		}
		return "", fmt.Errorf("modbus write %s: %w", tag.Address, err)
	}
	return "ok", nil
}

// HealthCheck reads the first mapped register.
func (a *Adapter) HealthCheck(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.client == nil {
		return ports.ErrNotConnected
	}
	if len(a.registers) == 0 {
		return nil
	}
	_, err := a.readOne(a.registers[0])
	return err
}

func isException(err error) bool {
	for _, e := range []error{
		modbus.ErrIllegalFunction,
		modbus.ErrIllegalDataAddress,
		modbus.ErrIllegalDataValue,
		modbus.ErrServerDeviceFailure,
		modbus.ErrServerDeviceBusy,
		modbus.ErrAcknowledge,
		modbus.ErrMemoryParityError,
		modbus.ErrGWPathUnavailable,
		modbus.ErrGWTargetFailedToRespond,
	} {
		if errors.Is(err, e) {
			return true
		}
	}
	return false
}

var _ ports.Adapter = (*Adapter)(nil)
