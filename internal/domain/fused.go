package domain

import (
	"encoding/json"
	"sort"
	"time"
)

// SourceKind is the category of system an adapter talks to.
type SourceKind string

const (
	KindPLC       SourceKind = "plc"
	KindMES       SourceKind = "mes"
	KindERP       SourceKind = "erp"
	KindSCADA     SourceKind = "scada"
	KindHistorian SourceKind = "historian"
)

func (k SourceKind) Valid() bool {
	switch k {
	case KindPLC, KindMES, KindERP, KindSCADA, KindHistorian:
		return true
	}
	return false
}

type ContextStatus string

const (
	ContextHit   ContextStatus = "hit"
	ContextMiss  ContextStatus = "miss"
	ContextError ContextStatus = "error"
)

// Reading is the flat value map returned by a single adapter read.
type Reading struct {
	Values    map[string]any
	Timestamp time.Time
}

type SubRecord struct {
	Values    map[string]any `json:"values"`
	Timestamp time.Time      `json:"ts"`
	Adapters  []string       `json:"adapters"`
}

// FusedRecord is the enriched snapshot assembled for one CID trigger.
// A kind that produced no successful read is absent from Sources.
type FusedRecord struct {
	ContextID       string                   `json:"cid"`
	TriggerDeviceID string                   `json:"device_id"`
	FusedAt         time.Time                `json:"fused_at"`
	Context         json.RawMessage          `json:"context"`
	ContextStatus   ContextStatus            `json:"context_status"`
	Sources         map[SourceKind]SubRecord `json:"sources"`
	Contributed     []string                 `json:"contributed"`
	Failed          []string                 `json:"failed"`
}

func (r FusedRecord) Source(kind SourceKind) (SubRecord, bool) {
	s, ok := r.Sources[kind]
	return s, ok
}

// SourceKinds lists the kinds present in the record, sorted.
func (r FusedRecord) SourceKinds() []SourceKind {
	out := make([]SourceKind, 0, len(r.Sources))
	for k := range r.Sources {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Float returns a numeric value from the given source, if present.
func (r FusedRecord) Float(kind SourceKind, key string) (float64, bool) {
	s, ok := r.Sources[kind]
	if !ok {
		return 0, false
	}
	return AsFloat(s.Values[key])
}

// NormalizeValue maps adapter values onto the JSON scalar types so that
// a record survives a JSON round trip unchanged.
func NormalizeValue(v any) any {
	switch val := v.(type) {
	case nil, bool, string, float64:
		return val
	case float32:
		return float64(val)
	case int:
		return float64(val)
	case int8:
		return float64(val)
	case int16:
		return float64(val)
	case int32:
		return float64(val)
	case int64:
		return float64(val)
	case uint:
		return float64(val)
	case uint8:
		return float64(val)
	case uint16:
		return float64(val)
	case uint32:
		return float64(val)
	case uint64:
		return float64(val)
	case json.Number:
		if f, err := val.Float64(); err == nil {
			return f
		}
		return val.String()
	case time.Time:
		return val.UTC().Format(time.RFC3339Nano)
	case []byte:
		return string(val)
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return nil
		}
		var out any
		if err := json.Unmarshal(b, &out); err != nil {
			return nil
		}
		return out
	}
}

func AsFloat(v any) (float64, bool) {
	switch val := NormalizeValue(v).(type) {
	case float64:
		return val, true
	case bool:
		if val {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}
