package capability

import (
	"sort"
	"strings"
)

// modelTable holds what each known model is expected to support. Entries
// are only used for flags no query covers, or when the speaker could not be
// queried at all.
var modelTable = map[string]map[string]bool{
	"soundtouch 10": {
		Bluetooth: true, Aux: true, InternetRadio: true, Presets: true,
		Zones: true, MultiroomSource: true, BassControl: true, AirPlay: false,
	},
	"soundtouch 20": {
		Bluetooth: true, Aux: true, InternetRadio: true, Presets: true,
		Zones: true, MultiroomSource: true, BassControl: true, AirPlay: false,
	},
	"soundtouch 30": {
		Bluetooth: true, Aux: true, InternetRadio: true, Presets: true,
		Zones: true, MultiroomSource: true, BassControl: true, AirPlay: false,
	},
	"soundtouch 300": {
		HDMI: true, Bluetooth: true, InternetRadio: true, Presets: true,
		Zones: true, MultiroomSource: true, BassControl: true, AirPlay: false,
	},
	"soundtouch portable": {
		Bluetooth: true, Aux: true, InternetRadio: true, Presets: true,
		Zones: true, MultiroomSource: true, AirPlay: false,
	},
	"wave soundtouch": {
		Aux: true, InternetRadio: true, Presets: true, ClockDisplay: true,
		Zones: true, MultiroomSource: true, AirPlay: false,
	},
	"soundtouch wireless link adapter": {
		Bluetooth: true, Aux: true, InternetRadio: true, Presets: true,
		Zones: true, MultiroomSource: true, AirPlay: false,
	},
	"soundtouch sa-5": {
		InternetRadio: true, Presets: true, Zones: true, MultiroomSource: true,
	},
}

// HeuristicsFor returns the expected flags for model, matched
// case-insensitively by exact name or, failing that, by the longest known
// name the model starts with. ok is false for unknown models.
func HeuristicsFor(model string) (Set, bool) {
	m := strings.ToLower(strings.TrimSpace(model))
	if m == "" {
		return nil, false
	}

	entry, ok := modelTable[m]
	if !ok {
		keys := make([]string, 0, len(modelTable))
		for k := range modelTable {
			keys = append(keys, k)
		}
		sort.Slice(keys, func(i, j int) bool { return len(keys[i]) > len(keys[j]) })
		for _, k := range keys {
			if strings.HasPrefix(m, k) {
				entry, ok = modelTable[k], true
				break
			}
		}
	}
	if !ok {
		return nil, false
	}

	set := make(Set, len(entry))
	for name, supported := range entry {
		f := Flag{Supported: supported, Provenance: Heuristic}
		if name == BassControl && supported {
			f.Value = BassAdjustable
		}
		set[name] = f
	}
	return set, true
}
