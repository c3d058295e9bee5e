package capability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/tinkerbelle-io/tb-speakerd/internal/discovery"
	"github.com/tinkerbelle-io/tb-speakerd/internal/metrics"
	"github.com/tinkerbelle-io/tb-speakerd/internal/speaker"
)

// Prober runs the capability query battery against one speaker.
type Prober struct {
	client *speaker.Client
	log    *slog.Logger
}

// NewProber creates a prober using client for all queries.
func NewProber(client *speaker.Client, logger *slog.Logger) *Prober {
	if logger == nil {
		logger = slog.Default()
	}
	return &Prober{client: client, log: logger.With("component", "capability")}
}

type battery struct {
	info    *speakerInfo
	sources []speaker.SourceItem
	zone    *speaker.Zone
	bass    *speaker.BassCapabilities
	caps    *speaker.DeviceCapabilities
	presets []speaker.DevicePreset
	errs    map[string]error
}

type speakerInfo struct {
	firmware string
	name     string
	model    string
}

// Probe queries c's speaker and returns its capability set. It never fails:
// a query that cannot be answered leaves its flags absent with a note. When
// /info reports a firmware version, c.Firmware is updated.
func (p *Prober) Probe(ctx context.Context, c *discovery.Candidate) Set {
	addr := c.ControlAddress()
	b := p.run(ctx, addr)

	if b.info != nil {
		if b.info.firmware != "" {
			c.Firmware = b.info.firmware
		}
		if c.Name == "" {
			c.Name = b.info.name
		}
		if c.Model == "" {
			c.Model = b.info.model
		}
	}

	set := make(Set)
	applySources(set, b)
	applyZone(set, b)
	applyBass(set, b)
	applyCapabilities(set, b)
	applyPresets(set, b)

	heur, known := HeuristicsFor(c.Model)
	switch {
	case unreachable(b.errs):
		p.log.Warn("speaker unreachable, using model defaults", "device", c.Key, "address", addr, "model", c.Model, "known_model", known)
		for name, f := range heur {
			set[name] = f
		}
	case known:
		for name, f := range heur {
			if _, covered := set[name]; !covered {
				set[name] = f
			}
		}
	}

	p.log.Debug("probe complete", "device", c.Key, "supported", set.Supported())
	return set
}

func (p *Prober) run(ctx context.Context, addr string) *battery {
	b := &battery{errs: make(map[string]error)}
	errs := make([]error, 6)

	var g errgroup.Group
	g.Go(func() error {
		id, err := p.client.Info(ctx, addr)
		if err == nil {
			b.info = &speakerInfo{firmware: id.Firmware, name: id.Name, model: id.Model}
		}
		errs[0] = err
		return nil
	})
	g.Go(func() error { b.sources, errs[1] = p.client.Sources(ctx, addr); return nil })
	g.Go(func() error { b.zone, errs[2] = p.client.Zone(ctx, addr); return nil })
	g.Go(func() error { b.bass, errs[3] = p.client.Bass(ctx, addr); return nil })
	g.Go(func() error { b.caps, errs[4] = p.client.Capabilities(ctx, addr); return nil })
	g.Go(func() error { b.presets, errs[5] = p.client.Presets(ctx, addr); return nil })
	g.Wait()

	paths := []string{
		speaker.PathInfo, speaker.PathSources, speaker.PathZone,
		speaker.PathBassCapabilities, speaker.PathCapabilities, speaker.PathPresets,
	}
	for i, path := range paths {
		metrics.IncProbeQuery(path, outcome(errs[i]))
		if errs[i] != nil {
			b.errs[path] = errs[i]
			p.log.Debug("capability query failed", "address", addr, "query", path, "error", errs[i])
		}
	}
	return b
}

// unreachable reports whether every query failed at the transport level.
func unreachable(errs map[string]error) bool {
	if len(errs) < 6 {
		return false
	}
	for _, err := range errs {
		if !errors.Is(err, speaker.ErrUnreachable) && !errors.Is(err, speaker.ErrTimeout) {
			return false
		}
	}
	return true
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	return note(err)
}

func note(err error) string {
	switch {
	case errors.Is(err, speaker.ErrNotFound):
		return NoteNotFound
	case errors.Is(err, speaker.ErrTimeout):
		return NoteTimeout
	case errors.Is(err, speaker.ErrMalformed):
		return NoteMalformed
	default:
		return NoteUnreachable
	}
}

var sourceFlags = []string{HDMI, Bluetooth, Aux, InternetRadio, MultiroomSource}

func applySources(set Set, b *battery) {
	if err := b.errs[speaker.PathSources]; err != nil {
		for _, name := range sourceFlags {
			set[name] = absent(note(err))
		}
		return
	}

	found := make(map[string]bool)
	for _, s := range b.sources {
		switch s.Source {
		case "BLUETOOTH":
			found[Bluetooth] = true
		case "AUX":
			found[Aux] = true
		case "INTERNET_RADIO", "LOCAL_INTERNET_RADIO", "TUNEIN", "RADIOPLAYER":
			found[InternetRadio] = true
		case "PRODUCT":
			acct := strings.ToUpper(s.Account)
			if strings.HasPrefix(acct, "HDMI") || acct == "TV" {
				found[HDMI] = true
			}
		}
		if s.MultiroomAllowed {
			found[MultiroomSource] = true
		}
	}
	for _, name := range sourceFlags {
		set[name] = probed(found[name])
	}
}

func applyZone(set Set, b *battery) {
	if err := b.errs[speaker.PathZone]; err != nil {
		set[Zones] = absent(note(err))
		return
	}
	f := probed(true)
	if b.zone.Master != "" {
		f.Note = "grouped"
	}
	set[Zones] = f
}

func applyBass(set Set, b *battery) {
	if err := b.errs[speaker.PathBassCapabilities]; err != nil {
		set[BassControl] = absent(note(err))
		return
	}
	if !b.bass.Available {
		set[BassControl] = probed(false)
		return
	}
	set[BassControl] = Flag{
		Supported:  true,
		Value:      BassAdjustable,
		Provenance: Probed,
		Note:       fmt.Sprintf("range %d..%d", b.bass.Min, b.bass.Max),
	}
}

func applyCapabilities(set Set, b *battery) {
	if err := b.errs[speaker.PathCapabilities]; err != nil {
		set[ClockDisplay] = absent(note(err))
		return
	}
	set[ClockDisplay] = probed(b.caps.ClockDisplay)
}

func applyPresets(set Set, b *battery) {
	if err := b.errs[speaker.PathPresets]; err != nil {
		set[Presets] = absent(note(err))
		return
	}
	f := probed(true)
	f.Note = strconv.Itoa(len(b.presets)) + " stored"
	set[Presets] = f
}
