// Package events broadcasts inventory changes to websocket subscribers.
package events

import (
	"time"

	"github.com/google/uuid"
)

// Event types.
const (
	TypeSyncCompleted = "sync.completed"
	TypeDeviceInsert  = "device.inserted"
	TypeDeviceUpdate  = "device.updated"
	TypeDeviceDelete  = "device.deleted"
	TypePresetUpdate  = "preset.updated"
	TypePresetDelete  = "preset.deleted"
)

// Envelope is enough of an event to dispatch on.
type Envelope struct {
	Type string `json:"type"`
}

// Event is one message on the feed.
type Event struct {
	ID   string    `json:"id"`
	Type string    `json:"type"`
	Time time.Time `json:"time"`
	Data any       `json:"data,omitempty"`
}

// New stamps an event with an ID and the current time.
func New(typ string, data any) Event {
	return Event{ID: uuid.NewString(), Type: typ, Time: time.Now().UTC(), Data: data}
}

// DeviceRef identifies a device in delete events.
type DeviceRef struct {
	DeviceID string `json:"device_id"`
}

// PresetRef identifies a preset slot in delete events.
type PresetRef struct {
	DeviceID string `json:"device_id"`
	Slot     int    `json:"slot"`
}
