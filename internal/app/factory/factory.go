// Package factory builds adapters from their configuration. The set of
// protocols is closed.
package factory

import (
	"fmt"
	"time"

	"github.com/Context-Injection-Edge/Context-Edge-sub000/internal/adapters/influx"
	"github.com/Context-Injection-Edge/Context-Edge-sub000/internal/adapters/modbus"
	"github.com/Context-Injection-Edge/Context-Edge-sub000/internal/adapters/opcua"
	"github.com/Context-Injection-Edge/Context-Edge-sub000/internal/adapters/rest"
	"github.com/Context-Injection-Edge/Context-Edge-sub000/internal/adapters/simulated"
	"github.com/Context-Injection-Edge/Context-Edge-sub000/internal/app/config"
	"github.com/Context-Injection-Edge/Context-Edge-sub000/internal/ports"
)

// Build returns an unconnected adapter. ac must have been resolved.
func Build(ac config.AdapterConfig, readTimeout time.Duration) (ports.Adapter, error) {
	info := ac.Info(readTimeout)
	switch ac.Protocol {
	case config.ProtocolModbusTCP, config.ProtocolModbusRTU:
		if ac.Modbus == nil {
			return nil, fmt.Errorf("adapter %s: unresolved modbus config", ac.Name)
		}
		return built(modbus.New(info, *ac.Modbus))
	case config.ProtocolOPCUA:
		if ac.OPCUA == nil {
			return nil, fmt.Errorf("adapter %s: unresolved opcua config", ac.Name)
		}
		return built(opcua.New(info, *ac.OPCUA))
	case config.ProtocolREST:
		if ac.REST == nil {
			return nil, fmt.Errorf("adapter %s: unresolved rest config", ac.Name)
		}
		return built(rest.New(info, *ac.REST, nil))
	case config.ProtocolInfluxDB:
		if ac.Influx == nil {
			return nil, fmt.Errorf("adapter %s: unresolved influxdb config", ac.Name)
		}
		return built(influx.New(info, *ac.Influx))
	case config.ProtocolSimulated:
		cfg := simulated.Config{}
		if ac.Simulated != nil {
			cfg = *ac.Simulated
		}
		return built(simulated.New(info, cfg))
	}
	return nil, fmt.Errorf("adapter %s: unknown protocol %q", ac.Name, ac.Protocol)
}

// built keeps a failed constructor from yielding a typed nil adapter.
func built[T ports.Adapter](a T, err error) (ports.Adapter, error) {
	if err != nil {
		return nil, err
	}
	return a, nil
}
