package inventory

import (
	"context"
	"sort"
	"sync"
)

type presetKey struct {
	device string
	slot   int
}

// MemoryStore is a Store held in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	devices map[string]*Device
	presets map[presetKey]*Preset
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		devices: make(map[string]*Device),
		presets: make(map[presetKey]*Preset),
	}
}

func (m *MemoryStore) GetDevice(ctx context.Context, id string) (*Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.devices[id]
	if !ok {
		return nil, ErrNotFound
	}
	return d.Clone(), nil
}

func (m *MemoryStore) FindDeviceByMAC(ctx context.Context, mac string) (*Device, error) {
	if mac == "" {
		return nil, ErrNotFound
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var found *Device
	for _, d := range m.devices {
		// oldest wins when a MAC was ever stored twice
		if d.MAC == mac && (found == nil || d.FirstSeen.Before(found.FirstSeen)) {
			found = d
		}
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return found.Clone(), nil
}

func (m *MemoryStore) ListDevices(ctx context.Context) ([]Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Device, 0, len(m.devices))
	for _, d := range m.devices {
		out = append(out, *d.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) PutDevice(ctx context.Context, d *Device, expected int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, exists := m.devices[d.ID]
	switch {
	case expected == 0 && exists:
		return ErrConflict
	case expected != 0 && !exists:
		return ErrNotFound
	case exists && cur.Revision != expected:
		return ErrConflict
	}

	d.Revision = expected + 1
	m.devices[d.ID] = d.Clone()
	return nil
}

func (m *MemoryStore) DeleteDevice(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.devices[id]; !ok {
		return ErrNotFound
	}
	delete(m.devices, id)
	for k := range m.presets {
		if k.device == id {
			delete(m.presets, k)
		}
	}
	return nil
}

func (m *MemoryStore) GetPreset(ctx context.Context, deviceID string, slot int) (*Preset, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.presets[presetKey{deviceID, slot}]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) ListPresets(ctx context.Context, deviceID string) ([]Preset, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.devices[deviceID]; !ok {
		return nil, ErrNotFound
	}
	var out []Preset
	for k, p := range m.presets {
		if k.device == deviceID {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slot < out[j].Slot })
	return out, nil
}

func (m *MemoryStore) PutPreset(ctx context.Context, p *Preset) error {
	if err := p.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.devices[p.DeviceID]; !ok {
		return ErrNotFound
	}
	cp := *p
	m.presets[presetKey{p.DeviceID, p.Slot}] = &cp
	return nil
}

func (m *MemoryStore) DeletePreset(ctx context.Context, deviceID string, slot int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := presetKey{deviceID, slot}
	if _, ok := m.presets[k]; !ok {
		return ErrNotFound
	}
	delete(m.presets, k)
	return nil
}

func (m *MemoryStore) Close() error { return nil }
