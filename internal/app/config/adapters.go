package config

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/Context-Injection-Edge/Context-Edge-sub000/internal/adapters/influx"
	"github.com/Context-Injection-Edge/Context-Edge-sub000/internal/adapters/modbus"
	"github.com/Context-Injection-Edge/Context-Edge-sub000/internal/adapters/opcua"
	"github.com/Context-Injection-Edge/Context-Edge-sub000/internal/adapters/rest"
	"github.com/Context-Injection-Edge/Context-Edge-sub000/internal/adapters/simulated"
	"github.com/Context-Injection-Edge/Context-Edge-sub000/internal/domain"
	"gopkg.in/yaml.v3"
)

const (
	ProtocolModbusTCP = "modbus-tcp"
	ProtocolModbusRTU = "modbus-rtu"
	ProtocolOPCUA     = "opcua"
	ProtocolREST      = "rest"
	ProtocolInfluxDB  = "influxdb"
	ProtocolSimulated = "simulated"
)

// Protocols is the closed set of transports the adapter factory builds.
var Protocols = []string{ProtocolModbusTCP, ProtocolModbusRTU, ProtocolOPCUA, ProtocolREST, ProtocolInfluxDB, ProtocolSimulated}

type TagConfig struct {
	Address      string   `yaml:"address" json:"address"`
	RegisterType string   `yaml:"register_type" json:"register_type,omitempty"`
	Scale        *float64 `yaml:"scale" json:"scale,omitempty"`
	Unit         string   `yaml:"unit" json:"unit,omitempty"`
	Writable     bool     `yaml:"writable" json:"writable,omitempty"`
}

// AdapterConfig declares one data source. Connection is decoded into the
// protocol's own settings by Resolve.
type AdapterConfig struct {
	Name        string               `yaml:"name" json:"name"`
	Kind        domain.SourceKind    `yaml:"kind" json:"kind"`
	Protocol    string               `yaml:"protocol" json:"protocol"`
	Enabled     *bool                `yaml:"enabled" json:"enabled"`
	Devices     []string             `yaml:"devices" json:"devices,omitempty"`
	ReadTimeout time.Duration        `yaml:"read_timeout" json:"read_timeout"`
	Tags        map[string]TagConfig `yaml:"tags" json:"tags,omitempty"`
	Connection  yaml.Node            `yaml:"connection" json:"-"`

	Modbus    *modbus.Config    `yaml:"-" json:"modbus,omitempty"`
	OPCUA     *opcua.Config     `yaml:"-" json:"opcua,omitempty"`
	REST      *rest.Config      `yaml:"-" json:"rest,omitempty"`
	Influx    *influx.Config    `yaml:"-" json:"influx,omitempty"`
	Simulated *simulated.Config `yaml:"-" json:"simulated,omitempty"`
}

func (a *AdapterConfig) IsEnabled() bool { return a.Enabled == nil || *a.Enabled }

func (a *AdapterConfig) applyDefaults() {
	if a.Enabled == nil {
		on := true
		a.Enabled = &on
	}
	for name, t := range a.Tags {
		if t.Scale == nil {
			one := 1.0
			t.Scale = &one
		}
		if t.Address == "" {
			t.Address = name
		}
		a.Tags[name] = t
	}
}

// Resolve decodes the connection block into the protocol's settings and
// checks every tag address against the protocol.
func (a *AdapterConfig) Resolve() error {
	if a.Name == "" {
		return errors.New("adapter name is required")
	}
	if !a.Kind.Valid() {
		return fmt.Errorf("adapter %s: unknown kind %q", a.Name, a.Kind)
	}
	if a.ReadTimeout < 0 {
		return fmt.Errorf("adapter %s: read_timeout must not be negative", a.Name)
	}

	var err error
	switch a.Protocol {
	case ProtocolModbusTCP, ProtocolModbusRTU:
		a.Modbus = &modbus.Config{}
		err = a.decodeConnection(a.Modbus)
		if err == nil {
			a.Modbus.ApplyDefaults()
			err = a.Modbus.Validate()
		}
		if err == nil && a.Modbus.RTU() != (a.Protocol == ProtocolModbusRTU) {
			err = fmt.Errorf("connection does not match protocol %s", a.Protocol)
		}
	case ProtocolOPCUA:
		a.OPCUA = &opcua.Config{}
		err = a.decodeConnection(a.OPCUA)
		if err == nil {
			a.OPCUA.ApplyDefaults()
			err = a.OPCUA.Validate()
		}
	case ProtocolREST:
		a.REST = &rest.Config{}
		err = a.decodeConnection(a.REST)
		if err == nil {
			err = a.REST.ApplyDefaults(a.Kind)
		}
		if err == nil {
			err = a.REST.Validate()
		}
	case ProtocolInfluxDB:
		a.Influx = &influx.Config{}
		err = a.decodeConnection(a.Influx)
		if err == nil {
			a.Influx.ApplyDefaults()
			err = a.Influx.Validate()
		}
	case ProtocolSimulated:
		a.Simulated = &simulated.Config{}
		err = a.decodeConnection(a.Simulated)
		if err == nil {
			err = a.Simulated.Validate()
		}
	default:
		return fmt.Errorf("adapter %s: unknown protocol %q (%s)", a.Name, a.Protocol, strings.Join(Protocols, ", "))
	}
	if err != nil {
		return fmt.Errorf("adapter %s: %w", a.Name, err)
	}

	for _, name := range a.tagNames() {
		if err := a.validateTag(name, a.Tags[name]); err != nil {
			return fmt.Errorf("adapter %s: tag %s: %w", a.Name, name, err)
		}
	}
	return nil
}

func (a *AdapterConfig) decodeConnection(dst any) error {
	if a.Connection.Kind == 0 {
		return nil
	}
	if err := a.Connection.Decode(dst); err != nil {
		return fmt.Errorf("connection: %w", err)
	}
	return nil
}

func (a *AdapterConfig) validateTag(name string, t TagConfig) error {
	if t.Scale != nil && *t.Scale == 0 {
		return errors.New("scale must not be zero")
	}
	switch a.Protocol {
	case ProtocolModbusTCP, ProtocolModbusRTU:
		addr, err := modbus.ParseAddress(t.Address, t.RegisterType)
		if err != nil {
			return err
		}
		if t.Writable && !addr.Writable() {
			return fmt.Errorf("%s registers are read-only", addr.Type)
		}
	case ProtocolOPCUA:
		if err := opcua.ValidateAddress(t.Address); err != nil {
			return fmt.Errorf("address %q: %w", t.Address, err)
		}
	case ProtocolInfluxDB:
		if t.Writable {
			return errors.New("historian tags are read-only")
		}
	}
	return nil
}

func (a *AdapterConfig) tagNames() []string {
	names := make([]string, 0, len(a.Tags))
	for n := range a.Tags {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Info is the engine-facing identity of the adapter. fallback applies
// when read_timeout is unset.
func (a *AdapterConfig) Info(fallback time.Duration) domain.AdapterInfo {
	rt := a.ReadTimeout
	if rt <= 0 {
		rt = fallback
	}
	info := domain.AdapterInfo{Name: a.Name, Kind: a.Kind, ReadTimeout: rt}
	for _, name := range a.tagNames() {
		t := a.Tags[name]
		scale := 1.0
		if t.Scale != nil {
			scale = *t.Scale
		}
		info.Tags = append(info.Tags, domain.TagMapping{
			Name:         name,
			Address:      t.Address,
			RegisterType: t.RegisterType,
			Scale:        scale,
			Unit:         t.Unit,
			Writable:     t.Writable,
		})
	}
	return info
}

// Fingerprint changes whenever a field that affects the built adapter
// changes. Resolve must have run.
func (a *AdapterConfig) Fingerprint() string {
	raw, _ := json.Marshal(a)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:8])
}

// ConnectionJSON is the resolved protocol block as stored in
// adapter_configs. Credentials are only ever env var names.
func (a *AdapterConfig) ConnectionJSON() json.RawMessage {
	raw, err := json.Marshal(a)
	if err != nil {
		return json.RawMessage("{}")
	}
	return raw
}

// ValidateAdapters resolves every adapter and checks the set: unique
// names and one actuating adapter per device.
func ValidateAdapters(adapters []AdapterConfig) error {
	names := make(map[string]bool, len(adapters))
	owners := make(map[string]string)
	for i := range adapters {
		a := &adapters[i]
		if err := a.Resolve(); err != nil {
			return err
		}
		if names[a.Name] {
			return fmt.Errorf("adapter %s: duplicate name", a.Name)
		}
		names[a.Name] = true

		if !a.IsEnabled() {
			continue
		}
		for _, dev := range a.Devices {
			if prev, ok := owners[dev]; ok {
				return fmt.Errorf("device %s is claimed by adapters %s and %s", dev, prev, a.Name)
			}
			owners[dev] = a.Name
		}
	}
	return nil
}
