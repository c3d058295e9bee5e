// Package ssdp implements the M-SEARCH side of the Simple Service Discovery
// Protocol: one search datagram out per interface, unicast replies in until a
// fixed window closes.
package ssdp

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"golang.org/x/net/ipv4"
)

const (
	// MulticastAddr is the well-known SSDP group.
	MulticastAddr = "239.255.255.250:1900"

	SearchAll      = "ssdp:all"
	SearchRenderer = "urn:schemas-upnp-org:device:MediaRenderer:1"

	DefaultWindow = 10 * time.Second
)

// ErrNoMulticast is returned when no search could be sent at all.
var ErrNoMulticast = errors.New("multicast unavailable")

// Response is one distinct device reply.
type Response struct {
	Location string `json:"location"`
	USN      string `json:"usn,omitempty"`
	ST       string `json:"st,omitempty"`
	Server   string `json:"server,omitempty"`
	Addr     string `json:"addr"` // source IP of the reply
}

// Options control a single search.
type Options struct {
	Window       time.Duration
	SearchTarget string
	MX           int
	Interfaces   []net.Interface // empty: default route
	Group        *net.UDPAddr    // nil: MulticastAddr
}

// Prober sends M-SEARCH requests.
type Prober struct {
	log *slog.Logger
}

// NewProber creates a prober. A nil logger uses slog.Default().
func NewProber(logger *slog.Logger) *Prober {
	if logger == nil {
		logger = slog.Default()
	}
	return &Prober{log: logger.With("component", "ssdp")}
}

// Search runs one discovery window and returns the replies, deduplicated by
// source address in arrival order. It returns when the window elapses or ctx
// is done, whichever is first, and always closes its socket.
func (p *Prober) Search(ctx context.Context, opts Options) ([]Response, error) {
	opts = withDefaults(opts)

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoMulticast, err)
	}
	defer conn.Close()

	pc := ipv4.NewPacketConn(conn)
	if err := pc.SetMulticastTTL(2); err != nil {
		p.log.Debug("set multicast ttl", "error", err)
	}

	msg := searchRequest(opts.Group, opts.SearchTarget, opts.MX)
	if sent := p.send(pc, conn, msg, opts); sent == 0 {
		return nil, fmt.Errorf("%w: search could not be sent on any interface", ErrNoMulticast)
	}

	deadline := time.Now().Add(opts.Window)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetReadDeadline(deadline); err != nil {
		return nil, fmt.Errorf("set deadline: %w", err)
	}
	stop := context.AfterFunc(ctx, func() {
		conn.SetReadDeadline(time.Now())
	})
	defer stop()

	return p.collect(conn), nil
}

func withDefaults(opts Options) Options {
	if opts.Window <= 0 {
		opts.Window = DefaultWindow
	}
	if opts.SearchTarget == "" {
		opts.SearchTarget = SearchAll
	}
	if opts.MX <= 0 {
		// devices answer within MX seconds; keep it inside the window
		opts.MX = max(1, min(3, int(opts.Window/time.Second)))
	}
	if opts.Group == nil {
		opts.Group, _ = net.ResolveUDPAddr("udp4", MulticastAddr)
	}
	return opts
}

func (p *Prober) send(pc *ipv4.PacketConn, conn *net.UDPConn, msg []byte, opts Options) int {
	if len(opts.Interfaces) == 0 {
		if _, err := conn.WriteToUDP(msg, opts.Group); err != nil {
			p.log.Warn("M-SEARCH send failed", "error", err)
			return 0
		}
		return 1
	}

	sent := 0
	for i := range opts.Interfaces {
		ifi := &opts.Interfaces[i]
		if err := pc.SetMulticastInterface(ifi); err != nil {
			p.log.Warn("select multicast interface", "iface", ifi.Name, "error", err)
			continue
		}
		if _, err := pc.WriteTo(msg, nil, opts.Group); err != nil {
			p.log.Warn("M-SEARCH send failed", "iface", ifi.Name, "error", err)
			continue
		}
		sent++
	}
	return sent
}

func (p *Prober) collect(conn *net.UDPConn) []Response {
	var (
		out  []Response
		seen = make(map[string]bool)
		buf  = make([]byte, 8192)
	)
	for {
		n, src, err := conn.ReadFromUDP(buf)
		if err != nil {
			var ne net.Error
			if !errors.As(err, &ne) || !ne.Timeout() {
				p.log.Debug("read stopped", "error", err)
			}
			return out
		}

		r, err := ParseResponse(buf[:n])
		if err != nil {
			p.log.Debug("ignoring datagram", "from", src.IP, "error", err)
			continue
		}
		r.Addr = src.IP.String()
		if seen[r.Addr] {
			continue
		}
		seen[r.Addr] = true
		out = append(out, *r)
	}
}

// ParseResponse parses a unicast M-SEARCH reply. Replies without a 200
// status or LOCATION header are rejected.
func ParseResponse(datagram []byte) (*Response, error) {
	resp, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(datagram)), nil)
	if err != nil {
		return nil, fmt.Errorf("parse reply: %w", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	loc := strings.TrimSpace(resp.Header.Get("Location"))
	if loc == "" {
		return nil, errors.New("missing LOCATION")
	}
	return &Response{
		Location: loc,
		USN:      resp.Header.Get("Usn"),
		ST:       resp.Header.Get("St"),
		Server:   resp.Header.Get("Server"),
	}, nil
}

func searchRequest(group *net.UDPAddr, st string, mx int) []byte {
	var b strings.Builder
	b.WriteString("M-SEARCH * HTTP/1.1\r\n")
	fmt.Fprintf(&b, "HOST: %s\r\n", group)
	b.WriteString("MAN: \"ssdp:discover\"\r\n")
	fmt.Fprintf(&b, "MX: %d\r\n", mx)
	fmt.Fprintf(&b, "ST: %s\r\n", st)
	b.WriteString("USER-AGENT: tb-speakerd UPnP/1.1\r\n")
	b.WriteString("\r\n")
	return []byte(b.String())
}
