package domain

import "time"

// TagMapping maps a logical parameter name to a protocol address.
type TagMapping struct {
	Name         string
	Address      string
	RegisterType string
	Scale        float64
	Unit         string
	Writable     bool
}

// ToRaw converts an engineering value into the raw register value.
func (t TagMapping) ToRaw(v float64) float64 {
	if t.Scale == 0 {
		return v
	}
	return v * t.Scale
}

// FromRaw converts a raw register value into engineering units.
func (t TagMapping) FromRaw(raw float64) float64 {
	if t.Scale == 0 {
		return raw
	}
	return raw / t.Scale
}

// AdapterInfo is the engine-facing identity shared by every adapter.
type AdapterInfo struct {
	Name        string
	Kind        SourceKind
	ReadTimeout time.Duration
	Tags        []TagMapping
}

func (a AdapterInfo) Tag(name string) (TagMapping, bool) {
	for _, t := range a.Tags {
		if t.Name == name {
			return t, true
		}
	}
	return TagMapping{}, false
}
