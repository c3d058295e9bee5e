// Package capability probes which control surfaces a speaker actually
// supports. Hardware revisions and firmware versions differ, so every flag
// is derived from a live query where one exists, and each flag records
// whether it was probed or guessed from the model.
package capability

import (
	"maps"
	"slices"
)

// Provenance tells where a flag value came from.
type Provenance string

const (
	Probed    Provenance = "probed"
	Heuristic Provenance = "heuristic"
)

// Flag names.
const (
	Zones           = "zones"
	BassControl     = "bass-control"
	HDMI            = "hdmi"
	Bluetooth       = "bluetooth"
	Aux             = "aux"
	InternetRadio   = "internet-radio"
	Presets         = "presets"
	ClockDisplay    = "clock-display"
	MultiroomSource = "multiroom-source"
	AirPlay         = "airplay"
)

// Notes attached to flags whose query failed.
const (
	NoteNotFound    = "not-found"
	NoteTimeout     = "timeout"
	NoteUnreachable = "unreachable"
	NoteMalformed   = "malformed"
)

// BassAdjustable is the bass-control value when the range can be changed.
const BassAdjustable = "adjustable"

// Flag is one capability. Value carries the enum for non-boolean flags.
type Flag struct {
	Supported  bool       `json:"supported"`
	Value      string     `json:"value,omitempty"`
	Provenance Provenance `json:"provenance"`
	Note       string     `json:"note,omitempty"`
}

// Set maps flag names to flags. Absent flags are kept with Supported false
// so the reason stays visible.
type Set map[string]Flag

// Has reports whether name is present and supported.
func (s Set) Has(name string) bool {
	return s[name].Supported
}

// Supported returns the names of supported flags, sorted.
func (s Set) Supported() []string {
	var out []string
	for name, f := range s {
		if f.Supported {
			out = append(out, name)
		}
	}
	slices.Sort(out)
	return out
}

// Equal compares two sets ignoring notes.
func (s Set) Equal(o Set) bool {
	if len(s) != len(o) {
		return false
	}
	for name, a := range s {
		b, ok := o[name]
		if !ok {
			return false
		}
		if a.Supported != b.Supported || a.Value != b.Value || a.Provenance != b.Provenance {
			return false
		}
	}
	return true
}

// Clone returns a copy of s.
func (s Set) Clone() Set {
	if s == nil {
		return nil
	}
	return maps.Clone(s)
}

func probed(supported bool) Flag {
	return Flag{Supported: supported, Provenance: Probed}
}

func absent(note string) Flag {
	return Flag{Provenance: Probed, Note: note}
}
