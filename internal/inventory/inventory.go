// Package inventory keeps the stable device list and per-device presets,
// and reconciles discovery results into it.
package inventory

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/tinkerbelle-io/tb-speakerd/internal/capability"
)

var (
	// ErrNotFound is returned when a device or preset does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned by PutDevice when the stored revision no
	// longer matches the caller's, or an insert finds the ID taken.
	ErrConflict = errors.New("revision conflict")

	// ErrInvalid is returned for records that fail validation.
	ErrInvalid = errors.New("invalid record")
)

// Preset slots available on the hardware.
const (
	MinSlot = 1
	MaxSlot = 6
)

// Device is a speaker in the inventory.
type Device struct {
	ID           string         `json:"id"`
	KeyKind      string         `json:"key_kind"`
	Token        string         `json:"token,omitempty"`
	MAC          string         `json:"mac,omitempty"`
	Model        string         `json:"model,omitempty"`
	Manufacturer string         `json:"manufacturer,omitempty"`
	Name         string         `json:"name,omitempty"`
	Address      string         `json:"address"`
	ControlPort  int            `json:"control_port,omitempty"` // 0 means the default control port
	Firmware     string         `json:"firmware,omitempty"`
	Capabilities capability.Set `json:"capabilities,omitempty"`
	Revision     int64          `json:"revision"`
	FirstSeen    time.Time      `json:"first_seen"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// Clone returns a deep copy of d.
func (d *Device) Clone() *Device {
	c := *d
	c.Capabilities = d.Capabilities.Clone()
	return &c
}

// Preset is a stored station reference for one slot of one device.
type Preset struct {
	DeviceID   string    `json:"device_id"`
	Slot       int       `json:"slot"`
	StreamID   string    `json:"stream_id,omitempty"`
	Name       string    `json:"name,omitempty"`
	URL        string    `json:"url,omitempty"`
	ArtworkURL string    `json:"artwork_url,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// ValidSlot reports whether slot is a hardware preset slot.
func ValidSlot(slot int) bool {
	return slot >= MinSlot && slot <= MaxSlot
}

// Validate checks that p can be stored: a known slot and at least one of a
// catalog stream ID or an absolute http(s) URL.
func (p *Preset) Validate() error {
	if p.DeviceID == "" {
		return fmt.Errorf("%w: device id is required", ErrInvalid)
	}
	if !ValidSlot(p.Slot) {
		return fmt.Errorf("%w: slot %d out of range %d..%d", ErrInvalid, p.Slot, MinSlot, MaxSlot)
	}
	if p.StreamID == "" && p.URL == "" {
		return fmt.Errorf("%w: stream id or url is required", ErrInvalid)
	}
	for _, raw := range []string{p.URL, p.ArtworkURL} {
		if raw == "" {
			continue
		}
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("%w: %q is not an http(s) url", ErrInvalid, raw)
		}
	}
	return nil
}

// Store persists devices and presets.
type Store interface {
	GetDevice(ctx context.Context, id string) (*Device, error)
	FindDeviceByMAC(ctx context.Context, mac string) (*Device, error)
	ListDevices(ctx context.Context) ([]Device, error)

	// PutDevice writes d if the stored revision equals expected (0 means
	// the device must not exist yet). On success d.Revision is advanced.
	PutDevice(ctx context.Context, d *Device, expected int64) error

	// DeleteDevice removes the device and all of its presets.
	DeleteDevice(ctx context.Context, id string) error

	GetPreset(ctx context.Context, deviceID string, slot int) (*Preset, error)
	ListPresets(ctx context.Context, deviceID string) ([]Preset, error)

	// PutPreset inserts or replaces the preset in its slot. The device
	// must exist.
	PutPreset(ctx context.Context, p *Preset) error
	DeletePreset(ctx context.Context, deviceID string, slot int) error

	Close() error
}

// Open returns the store for driver: "memory", "sqlite3" or "pgx".
func Open(driver, dsn string) (Store, error) {
	switch driver {
	case "memory", "":
		return NewMemoryStore(), nil
	case "sqlite3", "pgx":
		return NewSQLStore(driver, dsn)
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}
}
