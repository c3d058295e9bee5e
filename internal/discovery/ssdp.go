package discovery

import (
	"context"
	"log/slog"
	"net/url"
	"time"

	"github.com/tinkerbelle-io/tb-speakerd/internal/netif"
	"github.com/tinkerbelle-io/tb-speakerd/internal/ssdp"
)

// SSDPSource finds speakers with an M-SEARCH on every LAN interface.
type SSDPSource struct {
	prober     *ssdp.Prober
	interfaces []string
	target     string
	log        *slog.Logger
}

// NewSSDPSource creates an SSDP source restricted to the named interfaces;
// none means every eligible LAN interface.
func NewSSDPSource(interfaces []string, logger *slog.Logger) *SSDPSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &SSDPSource{
		prober:     ssdp.NewProber(logger),
		interfaces: interfaces,
		target:     ssdp.SearchAll,
		log:        logger.With("component", "discovery.ssdp"),
	}
}

func (s *SSDPSource) Name() string { return SourceSSDP }

func (s *SSDPSource) Detect(ctx context.Context) (bool, error) {
	if _, err := netif.Select(s.interfaces); err != nil {
		return false, err
	}
	return true, nil
}

func (s *SSDPSource) Discover(ctx context.Context, window time.Duration) ([]Sighting, error) {
	ifaces, err := netif.Select(s.interfaces)
	if err != nil {
		return nil, err
	}
	s.log.Debug("searching", "interfaces", netif.Names(ifaces), "window", window)

	replies, err := s.prober.Search(ctx, ssdp.Options{
		Window:       window,
		SearchTarget: s.target,
		Interfaces:   ifaces,
	})
	if err != nil {
		return nil, err
	}
	return sightingsFromSSDP(replies), nil
}

func sightingsFromSSDP(replies []ssdp.Response) []Sighting {
	out := make([]Sighting, 0, len(replies))
	for _, r := range replies {
		u, err := url.Parse(r.Location)
		if err != nil || u.Hostname() == "" {
			continue
		}
		addr := r.Addr
		if addr == "" {
			addr = u.Hostname()
		}
		out = append(out, Sighting{Source: SourceSSDP, Address: addr, URL: r.Location})
	}
	return out
}
