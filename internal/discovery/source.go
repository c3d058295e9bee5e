// Package discovery finds speakers on the local network and turns raw
// sightings into deduplicated candidates.
package discovery

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// DefaultControlPort is where speakers serve their control API, including
// the /info document manual endpoints are fetched from.
const DefaultControlPort = 8090

// Sighting is an endpoint reported by a source before its descriptor has
// been fetched.
type Sighting struct {
	Source      string // "ssdp", "mdns", "manual"
	Address     string // host IP or name
	ControlPort int    // control API port when known, 0 for the default
	URL         string // descriptor to fetch
}

// Manual reports whether the sighting was configured by the operator.
func (s Sighting) Manual() bool { return s.Source == SourceManual }

// Source names.
const (
	SourceSSDP   = "ssdp"
	SourceMDNS   = "mdns"
	SourceManual = "manual"
)

// Source is implemented by each discovery mechanism.
type Source interface {
	// Name returns the source identifier.
	Name() string

	// Detect checks if this source can run on this host.
	Detect(ctx context.Context) (bool, error)

	// Discover collects sightings for at most window.
	Discover(ctx context.Context, window time.Duration) ([]Sighting, error)
}

// ManualSource turns operator-configured addresses into sightings without
// touching the network. Entries may be a bare host, host:port, or a full
// URL.
type ManualSource struct {
	endpoints   []string
	controlPort int
}

// NewManualSource creates a manual source. A zero controlPort uses
// DefaultControlPort.
func NewManualSource(endpoints []string, controlPort int) *ManualSource {
	if controlPort <= 0 {
		controlPort = DefaultControlPort
	}
	return &ManualSource{endpoints: endpoints, controlPort: controlPort}
}

func (m *ManualSource) Name() string { return SourceManual }

func (m *ManualSource) Detect(ctx context.Context) (bool, error) {
	return len(m.endpoints) > 0, nil
}

// Discover returns one sighting per valid endpoint. Invalid entries are
// reported together in the error alongside the valid sightings.
func (m *ManualSource) Discover(ctx context.Context, window time.Duration) ([]Sighting, error) {
	var (
		out []Sighting
		bad []string
	)
	for _, ep := range m.endpoints {
		s, err := ParseEndpoint(ep, m.controlPort)
		if err != nil {
			bad = append(bad, ep)
			continue
		}
		out = append(out, s)
	}
	if len(bad) > 0 {
		return out, fmt.Errorf("invalid manual endpoints: %s", strings.Join(bad, ", "))
	}
	return out, nil
}

// ParseEndpoint converts an operator-supplied endpoint into a sighting that
// fetches the control API's /info document. The port of a host:port entry,
// or of a URL pointing at the control API root, becomes the sighting's
// control port.
func ParseEndpoint(ep string, controlPort int) (Sighting, error) {
	ep = strings.TrimSpace(ep)
	if ep == "" {
		return Sighting{}, fmt.Errorf("empty endpoint")
	}

	if strings.Contains(ep, "://") {
		u, err := url.Parse(ep)
		if err != nil || u.Hostname() == "" {
			return Sighting{}, fmt.Errorf("invalid endpoint %q", ep)
		}
		s := Sighting{Source: SourceManual, Address: u.Hostname()}
		if u.Path == "" || u.Path == "/" {
			u.Path = "/info"
			if n, err := strconv.Atoi(u.Port()); err == nil {
				s.ControlPort = n
			}
		}
		s.URL = u.String()
		return s, nil
	}

	host, port := ep, strconv.Itoa(controlPort)
	if h, p, err := net.SplitHostPort(ep); err == nil {
		host, port = h, p
	}
	if host == "" || strings.ContainsAny(host, "/ ") {
		return Sighting{}, fmt.Errorf("invalid endpoint %q", ep)
	}
	n, err := strconv.Atoi(port)
	if err != nil || n <= 0 || n > 65535 {
		return Sighting{}, fmt.Errorf("invalid port in endpoint %q", ep)
	}
	return Sighting{
		Source:      SourceManual,
		Address:     host,
		ControlPort: n,
		URL:         "http://" + net.JoinHostPort(host, port) + "/info",
	}, nil
}
