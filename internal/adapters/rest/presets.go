package rest

import (
	"fmt"
	"strings"

	"github.com/Context-Injection-Edge/Context-Edge-sub000/internal/domain"
)

type preset struct {
	data      string
	health    string
	write     string
	odataKeys bool
}

var presets = map[domain.SourceKind]map[string]preset{
	domain.KindMES: {
		"wonderware":  {data: "/api/v1/production/workorders/active", health: "/api/v1/system/health"},
		"opcenter":    {data: "/odata/Production/Operations", health: "/odata/$metadata"},
		"factorytalk": {data: "/api/production/current", health: "/api/status"},
	},
	domain.KindERP: {
		"sap":      {data: "/sap/opu/odata/sap/API_PRODUCTION_ORDER_2_SRV/A_ProductionOrder_2", health: "/sap/opu/odata/sap/API_PRODUCTION_ORDER_2_SRV/$metadata", odataKeys: true},
		"dynamics": {data: "/api/data/v9.2/msdyn_workorders", health: "/api/data/v9.2/", odataKeys: true},
	},
	domain.KindSCADA: {
		"wincc":      {data: "/api/data/read", health: "/api/system/status", write: "/api/data/write"},
		"wonderware": {data: "/api/attributes/read", health: "/api/system/ping", write: "/api/attributes/write"},
		"ignition":   {data: "/system/webdev/api/tags/read", health: "/StatusPing", write: "/system/webdev/api/tags/write"},
	},
	domain.KindHistorian: {
		"pi":         {data: "/piwebapi/streamsets/summary", health: "/piwebapi/system"},
		"wonderware": {data: "/api/data/history", health: "/api/system/ping"},
	},
}

// applyPreset fills empty endpoints from the vendor table.
func (c *Config) applyPreset(kind domain.SourceKind) error {
	if c.Vendor == "" || strings.EqualFold(c.Vendor, "generic") {
		return nil
	}
	p, ok := presets[kind][strings.ToLower(c.Vendor)]
	if !ok {
		return fmt.Errorf("no %s preset for vendor %q", kind, c.Vendor)
	}
	if c.DataEndpoint == "" {
		c.DataEndpoint = p.data
	}
	if c.HealthEndpoint == "" {
		c.HealthEndpoint = p.health
	}
	if c.WriteEndpoint == "" {
		c.WriteEndpoint = p.write
	}
	if p.odataKeys {
		c.ODataKeys = true
	}
	return nil
}
