package inventory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/tinkerbelle-io/tb-speakerd/internal/capability"
	"github.com/tinkerbelle-io/tb-speakerd/internal/discovery"
	"github.com/tinkerbelle-io/tb-speakerd/internal/metrics"
)

// maxAttempts bounds the re-read/retry loop on revision conflicts.
const maxAttempts = 3

// Observation is one probed candidate handed to Sync.
type Observation struct {
	Key          string
	KeyKind      string
	Token        string
	MAC          string
	Model        string
	Manufacturer string
	Name         string
	Address      string
	ControlPort  int
	Firmware     string
	Capabilities capability.Set
}

// ObservationFrom combines a discovery candidate with its probed
// capabilities.
func ObservationFrom(c discovery.Candidate, caps capability.Set) Observation {
	return Observation{
		Key:          c.Key,
		KeyKind:      string(c.KeyKind),
		Token:        c.Token,
		MAC:          c.MAC,
		Model:        c.Model,
		Manufacturer: c.Manufacturer,
		Name:         c.Name,
		Address:      c.Address,
		ControlPort:  c.ControlPort,
		Firmware:     c.Firmware,
		Capabilities: caps,
	}
}

// SyncReport summarizes one Sync call.
type SyncReport struct {
	RunID      string        `json:"run_id"`
	Discovered int           `json:"discovered"`
	Inserted   int           `json:"inserted"`
	Updated    int           `json:"updated"`
	Unchanged  int           `json:"unchanged"`
	Failed     int           `json:"failed"`
	Errors     []string      `json:"errors,omitempty"`
	Duration   time.Duration `json:"duration"`
}

// Op names a committed device mutation.
type Op string

const (
	OpInsert Op = "device.insert"
	OpUpdate Op = "device.update"
)

// Change describes a committed mutation, delivered to the OnChange hook.
type Change struct {
	RunID   string
	Op      Op
	Device  *Device
	Changed []string
}

// Synchronizer reconciles observations into a Store.
type Synchronizer struct {
	store       Store
	locks       *KeyedMutex
	concurrency int
	now         func() time.Time
	log         *slog.Logger

	// OnChange, if set, is called after each committed insert or update,
	// outside the per-key lock.
	OnChange func(Change)
}

// NewSynchronizer creates a synchronizer over store.
func NewSynchronizer(store Store, logger *slog.Logger) *Synchronizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Synchronizer{
		store:       store,
		locks:       NewKeyedMutex(),
		concurrency: 8,
		now:         func() time.Time { return time.Now().UTC() },
		log:         logger.With("component", "inventory"),
	}
}

type outcome int

const (
	outcomeFailed outcome = iota
	outcomeInserted
	outcomeUpdated
	outcomeUnchanged
)

// Sync applies every observation. Devices not observed are left untouched.
// A failure on one observation is counted and never aborts the batch.
func (s *Synchronizer) Sync(ctx context.Context, obs []Observation) SyncReport {
	start := time.Now()
	report := SyncReport{RunID: uuid.NewString(), Discovered: len(obs)}

	var (
		mu      sync.Mutex
		changes []Change
		g       errgroup.Group
	)
	g.SetLimit(s.concurrency)
	for _, o := range obs {
		g.Go(func() error {
			out, ch, err := s.syncOne(ctx, report.RunID, o)

			mu.Lock()
			defer mu.Unlock()
			switch out {
			case outcomeInserted:
				report.Inserted++
			case outcomeUpdated:
				report.Updated++
			case outcomeUnchanged:
				report.Unchanged++
			default:
				report.Failed++
				report.Errors = append(report.Errors, err.Error())
				s.log.Warn("sync failed", "device", o.Key, "address", o.Address, "error", err)
			}
			if ch != nil {
				changes = append(changes, *ch)
			}
			return nil
		})
	}
	g.Wait()
	report.Duration = time.Since(start)

	if s.OnChange != nil {
		for _, ch := range changes {
			s.OnChange(ch)
		}
	}

	metrics.ObserveSync(report.Inserted, report.Updated, report.Unchanged, report.Failed, report.Duration)
	s.log.Info("sync complete",
		"run", report.RunID,
		"discovered", report.Discovered,
		"inserted", report.Inserted,
		"updated", report.Updated,
		"unchanged", report.Unchanged,
		"failed", report.Failed)
	return report
}

func lockKey(o Observation) string {
	if o.MAC != "" {
		return "mac:" + o.MAC
	}
	return "key:" + o.Key
}

func (s *Synchronizer) syncOne(ctx context.Context, runID string, o Observation) (outcome, *Change, error) {
	if o.Key == "" {
		return outcomeFailed, nil, fmt.Errorf("observation from %s has no key", o.Address)
	}

	unlock := s.locks.Lock(lockKey(o))
	defer unlock()

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return outcomeFailed, nil, err
		}

		existing, keyTaken, err := s.lookup(ctx, o)
		if err != nil {
			return outcomeFailed, nil, fmt.Errorf("lookup %s: %w", o.Key, err)
		}

		if existing == nil {
			d := s.newDevice(o)
			if keyTaken {
				// another unit already owns the key; fall back to the MAC
				d.ID, d.KeyKind = o.MAC, string(discovery.KeyMAC)
			}
			err := s.store.PutDevice(ctx, d, 0)
			if errors.Is(err, ErrConflict) {
				s.log.Debug("insert raced, retrying", "device", d.ID, "attempt", attempt)
				continue
			}
			if err != nil {
				return outcomeFailed, nil, err
			}
			return outcomeInserted, &Change{RunID: runID, Op: OpInsert, Device: d}, nil
		}

		updated, changed := apply(existing, o)
		if len(changed) == 0 {
			return outcomeUnchanged, nil, nil
		}
		updated.UpdatedAt = s.now()
		err = s.store.PutDevice(ctx, updated, existing.Revision)
		if errors.Is(err, ErrConflict) || errors.Is(err, ErrNotFound) {
			s.log.Debug("update raced, retrying", "device", existing.ID, "attempt", attempt)
			continue
		}
		if err != nil {
			return outcomeFailed, nil, err
		}
		return outcomeUpdated, &Change{RunID: runID, Op: OpUpdate, Device: updated, Changed: changed}, nil
	}
	return outcomeFailed, nil, fmt.Errorf("%s: %w after %d attempts", o.Key, ErrConflict, maxAttempts)
}

// lookup finds the stored device for o: by key, then by MAC. A device found
// by key whose MAC disagrees with the observation is a different unit
// reusing the identifier; it is not returned and keyTaken is set.
func (s *Synchronizer) lookup(ctx context.Context, o Observation) (d *Device, keyTaken bool, err error) {
	d, err = s.store.GetDevice(ctx, o.Key)
	switch {
	case err == nil:
		if d.MAC == "" || o.MAC == "" || d.MAC == o.MAC {
			return d, false, nil
		}
		keyTaken = true
	case !errors.Is(err, ErrNotFound):
		return nil, false, err
	}

	if o.MAC == "" {
		return nil, keyTaken, nil
	}
	d, err = s.store.FindDeviceByMAC(ctx, o.MAC)
	if errors.Is(err, ErrNotFound) {
		return nil, keyTaken, nil
	}
	return d, keyTaken, err
}

func (s *Synchronizer) newDevice(o Observation) *Device {
	now := s.now()
	d := &Device{
		ID:           o.Key,
		KeyKind:      o.KeyKind,
		Token:        o.Token,
		MAC:          o.MAC,
		Model:        o.Model,
		Manufacturer: o.Manufacturer,
		Name:         o.Name,
		Address:      o.Address,
		ControlPort:  o.ControlPort,
		Firmware:     o.Firmware,
		Capabilities: o.Capabilities.Clone(),
		FirstSeen:    now,
		UpdatedAt:    now,
	}
	return d
}

// apply returns a copy of d with o's mutable fields applied, and the names
// of the fields that changed. Identity fields are only filled when blank.
func apply(d *Device, o Observation) (*Device, []string) {
	u := d.Clone()
	var changed []string

	set := func(name string, dst *string, v string) {
		if v != "" && *dst != v {
			*dst = v
			changed = append(changed, name)
		}
	}
	fill := func(name string, dst *string, v string) {
		if *dst == "" && v != "" {
			*dst = v
			changed = append(changed, name)
		}
	}

	moved := o.Address != "" && u.Address != o.Address
	set("address", &u.Address, o.Address)
	// the port belongs to the address it was learned with
	if (moved || o.ControlPort != 0) && u.ControlPort != o.ControlPort {
		u.ControlPort = o.ControlPort
		changed = append(changed, "control_port")
	}
	set("firmware", &u.Firmware, o.Firmware)
	set("name", &u.Name, o.Name)
	fill("token", &u.Token, o.Token)
	fill("mac", &u.MAC, o.MAC)
	fill("model", &u.Model, o.Model)
	fill("manufacturer", &u.Manufacturer, o.Manufacturer)

	if o.Capabilities != nil && !u.Capabilities.Equal(o.Capabilities) {
		u.Capabilities = o.Capabilities.Clone()
		changed = append(changed, "capabilities")
	}
	return u, changed
}
