// Package descriptor parses speaker device-description payloads.
//
// Firmware revisions disagree about XML namespaces: some declare the UPnP
// device namespace as the default, some bind it to a prefix, some omit it.
// Every lookup here matches on the element's local name so all of those
// shapes produce the same Identity.
package descriptor

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// vendorUDNPrefix is the fixed part of the speaker's UPnP UDN; the remainder
// is the device ID the control API reports in /info.
const vendorUDNPrefix = "BO5EBO5E-F00D-F00D-FEED-"

const vendorManufacturer = "bose"

// ErrMalformedDescriptor is matched by every parse failure.
var ErrMalformedDescriptor = errors.New("malformed descriptor")

// MalformedDescriptorError describes why a payload was rejected.
type MalformedDescriptorError struct {
	Source string
	Reason string
	Err    error
}

func (e *MalformedDescriptorError) Error() string {
	msg := fmt.Sprintf("malformed descriptor from %s: %s", e.Source, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *MalformedDescriptorError) Is(target error) bool { return target == ErrMalformedDescriptor }

func (e *MalformedDescriptorError) Unwrap() error { return e.Err }

// Identity is the normalized result of a descriptor parse.
type Identity struct {
	Token        string `json:"token,omitempty"`
	MAC          string `json:"mac,omitempty"`
	Manufacturer string `json:"manufacturer,omitempty"`
	Model        string `json:"model,omitempty"`
	Name         string `json:"name,omitempty"`
	Firmware     string `json:"firmware,omitempty"`
	Serial       string `json:"serial,omitempty"`
	ControlURL   string `json:"control_url,omitempty"`
	Source       string `json:"source"`

	// Vendor is set when the payload carries a marker only the speaker
	// family emits: the vendor UDN prefix, the vendor manufacturer string,
	// or the control API's /info document shape.
	Vendor bool `json:"-"`
}

// Parse extracts an Identity from a UPnP device description or a control-API
// /info document. source is the address the payload came from and is only
// used for diagnostics and as Identity.Source.
func Parse(payload []byte, source string) (*Identity, error) {
	root, err := Decode(payload)
	if err != nil {
		return nil, &MalformedDescriptorError{Source: source, Reason: "not xml", Err: err}
	}
	return FromNode(root, source)
}

// FromNode extracts an Identity from an already decoded tree.
func FromNode(root *Node, source string) (*Identity, error) {
	// UPnP descriptions nest the interesting fields under <device>; scoping to
	// the first one keeps embedded sub-devices from leaking in.
	scope := root
	if dev := root.Find("device"); dev != nil {
		scope = dev
	}

	id := &Identity{
		Manufacturer: scope.FindText("manufacturer"),
		Model:        firstNonEmpty(scope.FindText("modelName"), typeText(scope), scope.FindText("modelNumber")),
		Name:         firstNonEmpty(scope.FindText("friendlyName"), directChildText(scope, "name")),
		Firmware:     firstNonEmpty(scope.FindText("softwareVersion"), scope.FindText("firmwareVersion")),
		Serial:       scope.FindText("serialNumber"),
		ControlURL:   scope.FindText("presentationURL"),
		Source:       source,
	}

	token := scope.FindText("UDN")
	if token == "" {
		token = root.Attr("deviceID")
		if token != "" && strings.EqualFold(root.Name, "info") {
			id.Vendor = true
		}
	}
	if strings.Contains(strings.ToUpper(token), vendorUDNPrefix) ||
		strings.Contains(strings.ToLower(id.Manufacturer), vendorManufacturer) {
		id.Vendor = true
	}
	id.Token = NormalizeToken(token)

	id.MAC = NormalizeMAC(scope.FindText("macAddress"))
	if id.MAC == "" {
		// The vendor's device ID is the primary interface MAC.
		id.MAC = NormalizeMAC(id.Token)
	}

	if id.Token == "" && id.MAC == "" && id.Model == "" {
		return nil, &MalformedDescriptorError{Source: source, Reason: "no identifying elements"}
	}
	return id, nil
}

// typeText reads <type> only when it is a direct child, since /info uses it
// for the model while UPnP uses deviceType elsewhere.
func typeText(n *Node) string {
	return directChildText(n, "type")
}

func directChildText(n *Node, name string) string {
	for _, c := range n.Children {
		if strings.EqualFold(c.Name, name) {
			return c.Text
		}
	}
	return ""
}

// NormalizeToken strips "uuid:" and the vendor UDN prefix, and upper-cases.
func NormalizeToken(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 5 && strings.EqualFold(s[:5], "uuid:") {
		s = s[5:]
	}
	s = strings.ToUpper(s)
	s = strings.TrimPrefix(s, vendorUDNPrefix)
	return s
}

var macHex = regexp.MustCompile(`^[0-9A-F]{12}$`)

// NormalizeMAC returns the MAC as 12 upper-case hex digits, or "" when s is
// not a MAC address in any common notation.
func NormalizeMAC(s string) string {
	s = strings.ToUpper(strings.TrimSpace(s))
	s = strings.NewReplacer(":", "", "-", "", ".", "").Replace(s)
	if !macHex.MatchString(s) {
		return ""
	}
	if s == "000000000000" || s == "FFFFFFFFFFFF" {
		return ""
	}
	return s
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
