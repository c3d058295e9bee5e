// Package resolver answers a speaker's preset request. Lookup reads the
// stored preset, Validate checks catalog-backed streams, Resolve picks the
// location handed to the device, and the Handler renders it in the shape the
// firmware expects. Every failure becomes a Disposition; nothing here returns
// an error to the device.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tinkerbelle-io/tb-speakerd/internal/catalog"
	"github.com/tinkerbelle-io/tb-speakerd/internal/config"
	"github.com/tinkerbelle-io/tb-speakerd/internal/inventory"
	"github.com/tinkerbelle-io/tb-speakerd/internal/metrics"
)

// Disposition is the outcome of a resolution.
type Disposition string

const (
	Serve               Disposition = "serve"
	Redirect            Disposition = "redirect"
	NotFound            Disposition = "not-found"
	UpstreamUnreachable Disposition = "upstream-unreachable"
)

// Reasons attached to a Resolution.
const (
	ReasonStale          = "stale"
	ReasonInvalidSlot    = "invalid slot"
	ReasonNoPreset       = "no preset"
	ReasonNoStream       = "preset has no stream"
	ReasonStationGone    = "station gone"
	ReasonCatalogDown    = "catalog unavailable"
	ReasonStoreFailure   = "store failure"
	ReasonInternalError  = "internal error"
	ReasonBadUpstreamURL = "bad upstream url"
)

// Resolution is what a device gets for one preset press.
type Resolution struct {
	Disposition Disposition `json:"disposition"`
	// Location is the URL the device is sent to: the upstream stream, or the
	// local proxy endpoint in proxy mode.
	Location   string `json:"location,omitempty"`
	StreamURL  string `json:"stream_url,omitempty"`
	Name       string `json:"name,omitempty"`
	ArtworkURL string `json:"artwork_url,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// OK reports whether the device can play something.
func (r Resolution) OK() bool {
	return r.Disposition == Serve || r.Disposition == Redirect
}

// PresetSource is the slice of the inventory the resolver reads.
type PresetSource interface {
	GetPreset(ctx context.Context, deviceID string, slot int) (*inventory.Preset, error)
}

// StationSource looks up catalog stations.
type StationSource interface {
	Station(ctx context.Context, id string) (*catalog.Station, error)
}

// Options configures a Resolver.
type Options struct {
	Mode      string // config.ModeRedirect, ModeDescriptor or ModeProxy
	PublicURL string // base URL for proxy-mode locations
	Timeout   time.Duration
}

// Resolver turns stored presets into playable locations. It keeps no
// per-request state and is safe for concurrent use.
type Resolver struct {
	presets   PresetSource
	stations  StationSource
	mode      string
	publicURL string
	timeout   time.Duration
	log       *slog.Logger
}

// New creates a resolver. stations may be nil, in which case catalog-backed
// presets fall back to their stored URL.
func New(presets PresetSource, stations StationSource, opts Options, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Mode == "" {
		opts.Mode = config.ModeDescriptor
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Second
	}
	return &Resolver{
		presets:   presets,
		stations:  stations,
		mode:      opts.Mode,
		publicURL: strings.TrimRight(opts.PublicURL, "/"),
		timeout:   opts.Timeout,
		log:       logger.With("component", "resolver"),
	}
}

// Mode returns the configured resolution mode.
func (r *Resolver) Mode() string { return r.mode }

// Resolve resolves one preset. It never fails and never panics; problems
// come back as NotFound or UpstreamUnreachable.
func (r *Resolver) Resolve(ctx context.Context, deviceID string, slot int) (res Resolution) {
	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("resolve panicked", "device", deviceID, "slot", slot, "panic", p)
			res = Resolution{Disposition: UpstreamUnreachable, Reason: ReasonInternalError}
		}
		metrics.ObserveResolve(string(res.Disposition), time.Since(start))
		r.log.Debug("resolved preset",
			"device", deviceID,
			"slot", slot,
			"disposition", res.Disposition,
			"reason", res.Reason)
	}()

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	s, fail := r.lookup(ctx, deviceID, slot)
	if fail.Disposition != "" {
		return fail
	}

	if s.URL == "" {
		return Resolution{Disposition: NotFound, Name: s.Name, Reason: ReasonNoStream}
	}
	u, err := url.Parse(s.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		r.log.Warn("preset has unusable stream url", "device", deviceID, "slot", slot, "url", s.URL)
		return Resolution{Disposition: UpstreamUnreachable, Name: s.Name, Reason: ReasonBadUpstreamURL}
	}

	res = Resolution{
		Disposition: Serve,
		Location:    s.URL,
		StreamURL:   s.URL,
		Name:        s.Name,
		ArtworkURL:  s.Artwork,
		Reason:      s.Reason,
	}
	switch r.mode {
	case config.ModeRedirect:
		res.Disposition = Redirect
	case config.ModeProxy:
		res.Location = r.ProxyLocation(deviceID, slot)
	}
	return res
}

// ProxyLocation is the local URL that streams slot through this service.
func (r *Resolver) ProxyLocation(deviceID string, slot int) string {
	return fmt.Sprintf("%s/stream/%s/%d", r.publicURL, url.PathEscape(deviceID), slot)
}

type stream struct {
	URL     string
	Name    string
	Artwork string
	Reason  string
}

// lookup covers the Lookup and Validate steps. A failure Resolution with a
// Disposition set ends resolution there.
func (r *Resolver) lookup(ctx context.Context, deviceID string, slot int) (stream, Resolution) {
	if deviceID == "" || !inventory.ValidSlot(slot) {
		return stream{}, Resolution{Disposition: NotFound, Reason: ReasonInvalidSlot}
	}

	p, err := r.presets.GetPreset(ctx, deviceID, slot)
	if errors.Is(err, inventory.ErrNotFound) {
		return stream{}, Resolution{Disposition: NotFound, Reason: ReasonNoPreset}
	}
	if err != nil {
		r.log.Warn("preset lookup failed", "device", deviceID, "slot", slot, "error", err)
		return stream{}, Resolution{Disposition: UpstreamUnreachable, Reason: ReasonStoreFailure}
	}

	s := stream{URL: p.URL, Name: p.Name, Artwork: p.ArtworkURL}
	if p.StreamID == "" {
		return s, Resolution{}
	}
	if r.stations == nil {
		s.Reason = ReasonStale
		return s, Resolution{}
	}

	st, err := r.stations.Station(ctx, p.StreamID)
	switch {
	case err == nil:
		s.URL = st.StreamURL()
		if s.Name == "" {
			s.Name = st.Name
		}
		if s.Artwork == "" {
			s.Artwork = st.Favicon
		}
		return s, Resolution{}
	case errors.Is(err, catalog.ErrStationNotFound):
		return stream{}, Resolution{Disposition: NotFound, Name: p.Name, Reason: ReasonStationGone}
	case p.URL != "":
		r.log.Info("catalog lookup failed, serving stored url",
			"device", deviceID, "slot", slot, "station", p.StreamID, "error", err)
		s.Reason = ReasonStale
		return s, Resolution{}
	default:
		r.log.Warn("catalog lookup failed", "device", deviceID, "slot", slot, "station", p.StreamID, "error", err)
		return stream{}, Resolution{Disposition: UpstreamUnreachable, Name: p.Name, Reason: ReasonCatalogDown}
	}
}

// ParseSlot parses a path slot segment; anything invalid becomes 0, which
// resolves to NotFound.
func ParseSlot(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil || !inventory.ValidSlot(n) {
		return 0
	}
	return n
}
