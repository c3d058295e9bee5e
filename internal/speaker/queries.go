package speaker

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/tinkerbelle-io/tb-speakerd/internal/descriptor"
)

// Control API paths.
const (
	PathInfo             = "/info"
	PathSources          = "/sources"
	PathCapabilities     = "/capabilities"
	PathZone             = "/getZone"
	PathBassCapabilities = "/bassCapabilities"
	PathPresets          = "/presets"
)

// Info fetches /info as a descriptor identity.
func (c *Client) Info(ctx context.Context, address string) (*descriptor.Identity, error) {
	root, err := c.Get(ctx, address, PathInfo)
	if err != nil {
		return nil, err
	}
	id, err := descriptor.FromNode(root, address)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w: %v", PathInfo, ErrMalformed, err)
	}
	return id, nil
}

// SourceItem is one entry of /sources.
type SourceItem struct {
	Source           string
	Account          string
	Status           string
	Local            bool
	MultiroomAllowed bool
	Label            string
}

// Sources fetches the device's selectable sources.
func (c *Client) Sources(ctx context.Context, address string) ([]SourceItem, error) {
	root, err := c.Get(ctx, address, PathSources)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(root.Name, "sources") {
		return nil, fmt.Errorf("GET %s: %w: root <%s>", PathSources, ErrMalformed, root.Name)
	}
	var out []SourceItem
	for _, n := range root.FindAll("sourceItem") {
		out = append(out, SourceItem{
			Source:           strings.ToUpper(n.Attr("source")),
			Account:          n.Attr("sourceAccount"),
			Status:           n.Attr("status"),
			Local:            parseBool(n.Attr("isLocal")),
			MultiroomAllowed: parseBool(n.Attr("multiroomallowed")),
			Label:            n.Text,
		})
	}
	return out, nil
}

// BassCapabilities is the /bassCapabilities reply.
type BassCapabilities struct {
	Available bool
	Min       int
	Max       int
	Default   int
}

// Bass fetches the bass adjustment range.
func (c *Client) Bass(ctx context.Context, address string) (*BassCapabilities, error) {
	root, err := c.Get(ctx, address, PathBassCapabilities)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(root.Name, "bassCapabilities") {
		return nil, fmt.Errorf("GET %s: %w: root <%s>", PathBassCapabilities, ErrMalformed, root.Name)
	}
	b := &BassCapabilities{Available: parseBool(root.FindText("bassAvailable"))}
	b.Min, _ = strconv.Atoi(root.FindText("bassMin"))
	b.Max, _ = strconv.Atoi(root.FindText("bassMax"))
	b.Default, _ = strconv.Atoi(root.FindText("bassDefault"))
	return b, nil
}

// Zone is the /getZone reply. An empty Master means the speaker is not
// grouped but still supports zones.
type Zone struct {
	Master  string
	Members []string
}

// Zone fetches the multi-room zone state.
func (c *Client) Zone(ctx context.Context, address string) (*Zone, error) {
	root, err := c.Get(ctx, address, PathZone)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(root.Name, "zone") {
		return nil, fmt.Errorf("GET %s: %w: root <%s>", PathZone, ErrMalformed, root.Name)
	}
	z := &Zone{Master: root.Attr("master")}
	for _, m := range root.FindAll("member") {
		z.Members = append(z.Members, m.Text)
	}
	return z, nil
}

// DeviceCapabilities is the subset of /capabilities that maps to flags.
type DeviceCapabilities struct {
	ClockDisplay bool
	Names        []string // <capability name=".."> entries
}

// Capabilities fetches the device's self-reported capability list.
func (c *Client) Capabilities(ctx context.Context, address string) (*DeviceCapabilities, error) {
	root, err := c.Get(ctx, address, PathCapabilities)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(root.Name, "capabilities") {
		return nil, fmt.Errorf("GET %s: %w: root <%s>", PathCapabilities, ErrMalformed, root.Name)
	}
	dc := &DeviceCapabilities{ClockDisplay: parseBool(root.FindText("clockDisplay"))}
	for _, n := range root.FindAll("capability") {
		if name := n.Attr("name"); name != "" {
			dc.Names = append(dc.Names, name)
		}
	}
	return dc, nil
}

// DevicePreset is one preset slot as stored on the speaker itself.
type DevicePreset struct {
	Slot     int
	Source   string
	Location string
	Name     string
}

// Presets fetches the presets stored on the device.
func (c *Client) Presets(ctx context.Context, address string) ([]DevicePreset, error) {
	root, err := c.Get(ctx, address, PathPresets)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(root.Name, "presets") {
		return nil, fmt.Errorf("GET %s: %w: root <%s>", PathPresets, ErrMalformed, root.Name)
	}
	var out []DevicePreset
	for _, n := range root.FindAll("preset") {
		slot, err := strconv.Atoi(n.Attr("id"))
		if err != nil {
			continue
		}
		p := DevicePreset{Slot: slot}
		if item := n.Find("ContentItem"); item != nil {
			p.Source = item.Attr("source")
			p.Location = item.Attr("location")
			p.Name = item.FindText("itemName")
		}
		out = append(out, p)
	}
	return out, nil
}

func parseBool(s string) bool {
	b, _ := strconv.ParseBool(strings.TrimSpace(s))
	return b
}
