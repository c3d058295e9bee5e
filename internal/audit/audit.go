// Package audit keeps an append-only, hash-chained journal of inventory
// mutations. Each line is a JSON Entry whose hash covers the previous
// entry's hash, so any edit or removal breaks the chain from that line on.
package audit

import (
	"time"

	"github.com/tinkerbelle-io/tb-speakerd/internal/inventory"
)

// Event types.
const (
	EventDeviceInsert = "DEVICE_INSERT"
	EventDeviceUpdate = "DEVICE_UPDATE"
	EventDeviceDelete = "DEVICE_DELETE"
	EventPresetWrite  = "PRESET_WRITE"
	EventPresetDelete = "PRESET_DELETE"
)

// Actors.
const (
	ActorSync = "sync"
	ActorAPI  = "api"
	ActorCLI  = "cli"
)

// Entry is one journal line.
type Entry struct {
	Timestamp time.Time `json:"timestamp"`
	EventType string    `json:"event_type"`
	Actor     string    `json:"actor,omitempty"`
	RunID     string    `json:"run_id,omitempty"`
	DeviceID  string    `json:"device_id"`
	Slot      int       `json:"slot,omitempty"`
	Address   string    `json:"address,omitempty"`
	Changed   []string  `json:"changed,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	Revision  int64     `json:"revision,omitempty"`
	EntryHash string    `json:"entry_hash"`
}

// FromChange converts a committed sync mutation into an Entry.
func FromChange(c inventory.Change) Entry {
	e := Entry{
		Actor:   ActorSync,
		RunID:   c.RunID,
		Changed: c.Changed,
	}
	switch c.Op {
	case inventory.OpInsert:
		e.EventType = EventDeviceInsert
	default:
		e.EventType = EventDeviceUpdate
	}
	if c.Device != nil {
		e.DeviceID = c.Device.ID
		e.Address = c.Device.Address
		e.Revision = c.Device.Revision
	}
	return e
}

// PresetWrite records an operator preset write.
func PresetWrite(actor string, p *inventory.Preset) Entry {
	detail := p.URL
	if p.StreamID != "" {
		detail = "station:" + p.StreamID
	}
	return Entry{EventType: EventPresetWrite, Actor: actor, DeviceID: p.DeviceID, Slot: p.Slot, Detail: detail}
}

// PresetDelete records an operator preset removal.
func PresetDelete(actor, deviceID string, slot int) Entry {
	return Entry{EventType: EventPresetDelete, Actor: actor, DeviceID: deviceID, Slot: slot}
}

// DeviceDelete records an operator device removal.
func DeviceDelete(actor, deviceID string) Entry {
	return Entry{EventType: EventDeviceDelete, Actor: actor, DeviceID: deviceID}
}
