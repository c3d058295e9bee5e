package discovery

import (
	"context"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/enbility/zeroconf/v3"

	"github.com/tinkerbelle-io/tb-speakerd/internal/netif"
)

const (
	// MDNSService is the DNS-SD service type speakers advertise.
	MDNSService = "_soundtouch._tcp"
	mdnsDomain  = "local."
)

// MDNSSource browses DNS-SD for speaker advertisements.
type MDNSSource struct {
	interfaces []string
	log        *slog.Logger
}

// NewMDNSSource creates an mDNS source restricted to the named interfaces.
func NewMDNSSource(interfaces []string, logger *slog.Logger) *MDNSSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &MDNSSource{interfaces: interfaces, log: logger.With("component", "discovery.mdns")}
}

func (m *MDNSSource) Name() string { return SourceMDNS }

func (m *MDNSSource) Detect(ctx context.Context) (bool, error) {
	ifaces, err := netif.Select(m.interfaces)
	if err != nil {
		return false, err
	}
	return len(ifaces) > 0 || len(m.interfaces) == 0, nil
}

// Discover browses for window and returns one sighting per advertised
// instance address.
func (m *MDNSSource) Discover(ctx context.Context, window time.Duration) ([]Sighting, error) {
	ctx, cancel := context.WithTimeout(ctx, window)
	defer cancel()

	var opts []zeroconf.ClientOption
	if len(m.interfaces) > 0 {
		ifaces, err := netif.Select(m.interfaces)
		if err != nil {
			return nil, err
		}
		opts = append(opts, zeroconf.SelectIfaces(ifaces))
	}

	entries := make(chan *zeroconf.ServiceEntry, 16)
	removed := make(chan *zeroconf.ServiceEntry, 16)
	browseErr := make(chan error, 1)
	go func() {
		browseErr <- zeroconf.Browse(ctx, MDNSService, mdnsDomain, entries, removed, opts...)
	}()

	seen := make(map[string]bool)
	var out []Sighting
	for {
		select {
		case entry, ok := <-entries:
			if !ok {
				entries = nil
				continue
			}
			for _, s := range sightingsFromEntry(entry) {
				if seen[s.URL] {
					continue
				}
				seen[s.URL] = true
				out = append(out, s)
			}
		case <-removed:
		case err := <-browseErr:
			browseErr = nil
			if err != nil && ctx.Err() == nil {
				return out, err
			}
		case <-ctx.Done():
			m.log.Debug("browse finished", "instances", len(out))
			return out, nil
		}
	}
}

func sightingsFromEntry(e *zeroconf.ServiceEntry) []Sighting {
	if e == nil {
		return nil
	}
	port := e.Port
	if port <= 0 {
		port = DefaultControlPort
	}

	var out []Sighting
	add := func(ip net.IP) {
		host := ip.String()
		out = append(out, Sighting{
			Source:      SourceMDNS,
			Address:     host,
			ControlPort: port,
			URL:         "http://" + net.JoinHostPort(host, strconv.Itoa(port)) + "/info",
		})
	}
	for _, ip := range e.AddrIPv4 {
		add(ip)
	}
	// IPv6 only when the speaker advertised nothing else
	if len(out) == 0 {
		for _, ip := range e.AddrIPv6 {
			if ip.IsLinkLocalUnicast() {
				continue
			}
			add(ip)
		}
	}
	return out
}
