// Package netif picks the network interfaces multicast discovery runs on.
package netif

import (
	"fmt"
	"net"
	"strings"
)

// Kind classifies a network interface by its name pattern.
type Kind int

const (
	KindUnknown   Kind = iota
	KindPhysical       // en0, eth0, eno1
	KindContainer      // veth*, cali*, flannel*, cni*
	KindBridge         // docker0, virbr0, br-*
	KindVirtio         // enp0s*, ens*
	KindTunnel         // wg*, tun*, utun*, tailscale*
	KindWireless       // wlan*, wlp*
	KindLoopback       // lo, lo0
)

func (k Kind) String() string {
	switch k {
	case KindPhysical:
		return "physical"
	case KindContainer:
		return "container"
	case KindBridge:
		return "bridge"
	case KindVirtio:
		return "virtio"
	case KindTunnel:
		return "tunnel"
	case KindWireless:
		return "wireless"
	case KindLoopback:
		return "loopback"
	default:
		return "unknown"
	}
}

// Speakers only ever sit on the LAN segment, so only these kinds get
// M-SEARCH traffic when no interfaces are configured.
func (k Kind) carriesLAN() bool {
	return k == KindPhysical || k == KindWireless || k == KindVirtio
}

var prefixes = []struct {
	kind Kind
	list []string
}{
	{KindContainer, []string{"veth", "cali", "flannel", "cilium", "vxlan", "weave", "cni"}},
	{KindBridge, []string{"docker", "virbr", "vmnet", "br-", "bridge"}},
	{KindTunnel, []string{"wg", "tun", "utun", "tailscale", "nordlynx", "zt"}},
	{KindWireless, []string{"wlan", "wlp", "wl"}},
	// virtio before physical: both start with "en"
	{KindVirtio, []string{"enp0s", "ens"}},
	{KindPhysical, []string{"eth", "eno", "enp", "en", "em"}},
}

// Classify determines the interface kind from its name.
func Classify(name string) Kind {
	lower := strings.ToLower(name)
	if lower == "lo" || lower == "lo0" {
		return KindLoopback
	}
	for _, p := range prefixes {
		for _, pre := range p.list {
			if strings.HasPrefix(lower, pre) {
				return p.kind
			}
		}
	}
	return KindUnknown
}

// Eligible reports whether an interface with this name and flags should be
// used for multicast discovery by default.
func Eligible(name string, flags net.Flags) bool {
	if flags&net.FlagUp == 0 || flags&net.FlagMulticast == 0 || flags&net.FlagLoopback != 0 {
		return false
	}
	return Classify(name).carriesLAN()
}

// Select resolves the interfaces to send multicast on. Named interfaces are
// used as given; otherwise every up, multicast-capable LAN interface with an
// IPv4 address is returned. An empty result means "let the kernel route it".
func Select(names []string) ([]net.Interface, error) {
	if len(names) > 0 {
		out := make([]net.Interface, 0, len(names))
		for _, name := range names {
			ifi, err := net.InterfaceByName(name)
			if err != nil {
				return nil, fmt.Errorf("interface %s: %w", name, err)
			}
			out = append(out, *ifi)
		}
		return out, nil
	}

	all, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("list interfaces: %w", err)
	}
	var out []net.Interface
	for _, ifi := range all {
		if !Eligible(ifi.Name, ifi.Flags) || !hasIPv4(ifi) {
			continue
		}
		out = append(out, ifi)
	}
	return out, nil
}

// Names returns the interface names, for logging.
func Names(ifaces []net.Interface) []string {
	names := make([]string, len(ifaces))
	for i, ifi := range ifaces {
		names[i] = ifi.Name
	}
	return names
}

func hasIPv4(ifi net.Interface) bool {
	addrs, err := ifi.Addrs()
	if err != nil {
		return false
	}
	for _, a := range addrs {
		if ipn, ok := a.(*net.IPNet); ok && ipn.IP.To4() != nil {
			return true
		}
	}
	return false
}
