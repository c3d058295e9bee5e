package discovery

import (
	"net"
	"slices"
	"sort"
	"strconv"
)

// KeyKind records which identifier a candidate is keyed by, strongest first.
type KeyKind string

const (
	KeyToken   KeyKind = "token"
	KeyMAC     KeyKind = "mac"
	KeyAddress KeyKind = "address"
)

// Candidate is a deduplicated device sighting with a parsed identity.
type Candidate struct {
	Key          string   `json:"key"`
	KeyKind      KeyKind  `json:"key_kind"`
	Token        string   `json:"token,omitempty"`
	MAC          string   `json:"mac,omitempty"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
	Name         string   `json:"name,omitempty"`
	Firmware     string   `json:"firmware,omitempty"`
	Serial       string   `json:"serial,omitempty"`
	Address      string   `json:"address"`
	ControlPort  int      `json:"control_port,omitempty"`
	Sources      []string `json:"sources"`
	Manual       bool     `json:"manual,omitempty"`
}

// merge keys each observation and folds observations sharing a key into one
// candidate. A token reported with two different MACs is ambiguous; those
// observations fall back to their MACs.
func merge(obs []observed, diag *Diagnostics) []Candidate {
	macsByToken := make(map[string]map[string]bool)
	for _, o := range obs {
		if o.id.Token == "" || o.id.MAC == "" {
			continue
		}
		if macsByToken[o.id.Token] == nil {
			macsByToken[o.id.Token] = make(map[string]bool)
		}
		macsByToken[o.id.Token][o.id.MAC] = true
	}

	byKey := make(map[string]*Candidate)
	var order []string
	for _, o := range obs {
		key, kind := keyFor(o, len(macsByToken[o.id.Token]) > 1)
		if kind != KeyToken && o.id.Token != "" {
			diag.Ambiguous++
		}

		c, ok := byKey[key]
		if !ok {
			c = &Candidate{Key: key, KeyKind: kind}
			byKey[key] = c
			order = append(order, key)
		} else {
			diag.Merged++
		}
		c.absorb(o)
	}

	out := make([]Candidate, 0, len(order))
	for _, k := range order {
		out = append(out, *byKey[k])
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// ControlAddress is the address the control API answers on: host:port when
// a port was learned from the sighting, otherwise the bare host.
func (c *Candidate) ControlAddress() string {
	if c.ControlPort <= 0 {
		return c.Address
	}
	return net.JoinHostPort(c.Address, strconv.Itoa(c.ControlPort))
}

func keyFor(o observed, ambiguous bool) (string, KeyKind) {
	switch {
	case o.id.Token != "" && !ambiguous:
		return o.id.Token, KeyToken
	case o.id.MAC != "":
		return o.id.MAC, KeyMAC
	default:
		return o.sighting.Address, KeyAddress
	}
}

// absorb fills blank fields from o. A manual address replaces a multicast
// one; otherwise the first address seen is kept. The control port travels
// with the address it was learned for.
func (c *Candidate) absorb(o observed) {
	id := o.id
	fill := func(dst *string, v string) {
		if *dst == "" {
			*dst = v
		}
	}
	fill(&c.Token, id.Token)
	fill(&c.MAC, id.MAC)
	fill(&c.Manufacturer, id.Manufacturer)
	fill(&c.Model, id.Model)
	fill(&c.Name, id.Name)
	fill(&c.Firmware, id.Firmware)
	fill(&c.Serial, id.Serial)

	switch {
	case c.Address == "", o.sighting.Manual() && !c.Manual:
		c.Address, c.ControlPort = o.sighting.Address, o.sighting.ControlPort
	case c.ControlPort == 0 && o.sighting.Address == c.Address:
		c.ControlPort = o.sighting.ControlPort
	}
	if o.sighting.Manual() {
		c.Manual = true
	}
	if !slices.Contains(c.Sources, o.sighting.Source) {
		c.Sources = append(c.Sources, o.sighting.Source)
	}
}
