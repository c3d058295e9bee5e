package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tinkerbelle-io/tb-speakerd/internal/agent"
	"github.com/tinkerbelle-io/tb-speakerd/internal/audit"
	"github.com/tinkerbelle-io/tb-speakerd/internal/catalog"
	"github.com/tinkerbelle-io/tb-speakerd/internal/events"
	"github.com/tinkerbelle-io/tb-speakerd/internal/inventory"
)

// StationLookup resolves catalog stations when a preset is written by ID.
type StationLookup interface {
	Station(ctx context.Context, id string) (*catalog.Station, error)
}

// Editor applies operator mutations to the inventory and records each one
// in the audit journal and on the event feed. Both the HTTP API and the CLI
// go through it.
type Editor struct {
	store    inventory.Store
	stations StationLookup
	journal  *audit.Logger
	hub      *events.Hub
	log      *slog.Logger
}

// NewEditor creates an editor. stations, journal and hub may be nil.
func NewEditor(store inventory.Store, stations StationLookup, journal *audit.Logger, hub *events.Hub, logger *slog.Logger) *Editor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Editor{
		store:    store,
		stations: stations,
		journal:  journal,
		hub:      hub,
		log:      logger.With("component", "editor"),
	}
}

// SetPreset stores p in its slot. A preset given only by station ID is
// completed from the catalog when it answers; the stored URL then serves as
// the fallback while the catalog is down.
func (e *Editor) SetPreset(ctx context.Context, actor string, p *inventory.Preset) error {
	if p.StreamID != "" && e.stations != nil {
		st, err := e.stations.Station(ctx, p.StreamID)
		switch {
		case err == nil:
			if p.URL == "" {
				p.URL = st.StreamURL()
			}
			if p.Name == "" {
				p.Name = st.Name
			}
			if p.ArtworkURL == "" {
				p.ArtworkURL = st.Favicon
			}
		case errors.Is(err, catalog.ErrStationNotFound):
			return fmt.Errorf("%w: unknown station %q", inventory.ErrInvalid, p.StreamID)
		default:
			e.log.Info("catalog unavailable, storing preset without stream url", "station", p.StreamID, "error", err)
		}
	}
	p.UpdatedAt = time.Now().UTC()

	if err := e.store.PutPreset(ctx, p); err != nil {
		return err
	}
	e.record(audit.PresetWrite(actor, p))
	e.hub.Publish(events.New(events.TypePresetUpdate, p))
	return nil
}

// DeletePreset clears one slot.
func (e *Editor) DeletePreset(ctx context.Context, actor, deviceID string, slot int) error {
	if err := e.store.DeletePreset(ctx, deviceID, slot); err != nil {
		return err
	}
	e.record(audit.PresetDelete(actor, deviceID, slot))
	e.hub.Publish(events.New(events.TypePresetDelete, events.PresetRef{DeviceID: deviceID, Slot: slot}))
	return nil
}

// DeleteDevice removes a device and its presets.
func (e *Editor) DeleteDevice(ctx context.Context, actor, deviceID string) error {
	if err := e.store.DeleteDevice(ctx, deviceID); err != nil {
		return err
	}
	e.record(audit.DeviceDelete(actor, deviceID))
	e.hub.Publish(events.New(events.TypeDeviceDelete, events.DeviceRef{DeviceID: deviceID}))
	return nil
}

// RecordChange journals and publishes a committed sync mutation. It is
// meant for inventory.Synchronizer.OnChange.
func (e *Editor) RecordChange(c inventory.Change) {
	e.record(audit.FromChange(c))
	typ := events.TypeDeviceUpdate
	if c.Op == inventory.OpInsert {
		typ = events.TypeDeviceInsert
	}
	e.hub.Publish(events.New(typ, c.Device))
}

// RecordReport publishes a finished sync cycle. It is meant for
// agent.Runner.OnReport.
func (e *Editor) RecordReport(rep agent.Report) {
	e.hub.Publish(events.New(events.TypeSyncCompleted, rep))
}

func (e *Editor) record(entry audit.Entry) {
	if err := e.journal.Log(entry); err != nil {
		e.log.Error("audit write failed", "event", entry.EventType, "device", entry.DeviceID, "error", err)
	}
}
