package discovery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/enbility/zeroconf/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinkerbelle-io/tb-speakerd/internal/descriptor"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func infoXML(deviceID, mac, name string) string {
	return fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8" ?>
<info deviceID="%s">
  <name>%s</name>
  <type>SoundTouch 10</type>
  <components><component><softwareVersion>27.0.6</softwareVersion></component></components>
  <networkInfo type="SCM"><macAddress>%s</macAddress></networkInfo>
</info>`, deviceID, name, mac)
}

// speaker starts a fake control API serving payload and returns its
// host:port.
func speaker(t *testing.T, payload string) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/xml")
		io.WriteString(w, payload)
	}))
	t.Cleanup(srv.Close)
	return strings.TrimPrefix(srv.URL, "http://")
}

type staticSource struct {
	name      string
	sightings []Sighting
	err       error
	detectErr error
}

func (s *staticSource) Name() string { return s.name }

func (s *staticSource) Detect(ctx context.Context) (bool, error) {
	return s.detectErr == nil, s.detectErr
}

func (s *staticSource) Discover(ctx context.Context, window time.Duration) ([]Sighting, error) {
	return s.sightings, s.err
}

func newOrchestrator(sources ...Source) *Orchestrator {
	return NewOrchestrator(sources, Options{FetchTimeout: time.Second, Concurrency: 4}, quietLogger())
}

func TestManualEndpointsYieldOneCandidateEach(t *testing.T) {
	eps := []string{
		speaker(t, infoXML("A0B1C2D3E4F1", "A0B1C2D3E4F1", "Kitchen")),
		speaker(t, infoXML("A0B1C2D3E4F2", "A0B1C2D3E4F2", "Office")),
		speaker(t, infoXML("A0B1C2D3E4F3", "A0B1C2D3E4F3", "Porch")),
	}

	res, err := newOrchestrator(NewManualSource(eps, 0)).Discover(context.Background(), time.Second)
	require.NoError(t, err)
	require.Len(t, res.Candidates, 3)

	for i, c := range res.Candidates {
		assert.Equal(t, KeyToken, c.KeyKind)
		assert.Equal(t, fmt.Sprintf("A0B1C2D3E4F%d", i+1), c.Key)
		assert.Equal(t, "127.0.0.1", c.Address)
		assert.True(t, c.Manual)
		assert.Equal(t, []string{SourceManual}, c.Sources)
	}
	assert.Equal(t, 3, res.Diagnostics.Fetched)
	assert.Zero(t, res.Diagnostics.Dropped())
}

func TestTokenCollisionFallsBackToMAC(t *testing.T) {
	// two units cloned from one image report the same device token
	eps := []string{
		speaker(t, infoXML("CAFEBABE0001", "A0B1C2D3E4F1", "Left")),
		speaker(t, infoXML("CAFEBABE0001", "A0B1C2D3E4F2", "Right")),
	}

	res, err := newOrchestrator(NewManualSource(eps, 0)).Discover(context.Background(), time.Second)
	require.NoError(t, err)
	require.Len(t, res.Candidates, 2)

	assert.Equal(t, "A0B1C2D3E4F1", res.Candidates[0].Key)
	assert.Equal(t, "A0B1C2D3E4F2", res.Candidates[1].Key)
	for _, c := range res.Candidates {
		assert.Equal(t, KeyMAC, c.KeyKind)
		assert.Equal(t, "CAFEBABE0001", c.Token)
	}
	assert.Equal(t, 2, res.Diagnostics.Ambiguous)
}

func TestMulticastAndManualSightingsMerge(t *testing.T) {
	hostport := speaker(t, infoXML("689E19B8BB8A", "689E19B8BB8A", "Kitchen"))

	multicast := &staticSource{name: SourceSSDP, sightings: []Sighting{{
		Source:  SourceSSDP,
		Address: "10.0.0.99",
		URL:     "http://" + hostport + "/XD/BO5EBO5E-F00D-F00D-FEED-689E19B8BB8A.xml",
	}}}
	manual := NewManualSource([]string{hostport}, 0)

	res, err := newOrchestrator(multicast, manual).Discover(context.Background(), time.Second)
	require.NoError(t, err)
	require.Len(t, res.Candidates, 1)

	c := res.Candidates[0]
	assert.Equal(t, "689E19B8BB8A", c.Key)
	assert.Equal(t, "127.0.0.1", c.Address, "manual address wins")
	assert.Equal(t, hostport, c.ControlAddress(), "control port follows the manual entry")
	assert.ElementsMatch(t, []string{SourceSSDP, SourceManual}, c.Sources)
	assert.Equal(t, 1, res.Diagnostics.Merged)
}

func TestFailuresAreCountedNotFatal(t *testing.T) {
	good := speaker(t, infoXML("A0B1C2D3E4F1", "A0B1C2D3E4F1", "Kitchen"))
	garbage := speaker(t, "<html><body>router admin</body></html>")
	missing := httptest.NewServer(http.NotFoundHandler())
	defer missing.Close()

	closed := httptest.NewServer(http.NotFoundHandler())
	closedAddr := strings.TrimPrefix(closed.URL, "http://")
	closed.Close()

	eps := []string{good, garbage, strings.TrimPrefix(missing.URL, "http://"), closedAddr}
	res, err := newOrchestrator(NewManualSource(eps, 0)).Discover(context.Background(), time.Second)
	require.NoError(t, err)

	require.Len(t, res.Candidates, 1)
	assert.Equal(t, 1, res.Diagnostics.Fetched)
	assert.Equal(t, 1, res.Diagnostics.Malformed)
	assert.Equal(t, 2, res.Diagnostics.Unreachable)
	assert.Len(t, res.Diagnostics.Errors, 3)
}

func TestForeignMulticastDevicesDropped(t *testing.T) {
	tv := speaker(t, `<root><device><manufacturer>Acme</manufacturer><modelName>TV</modelName><UDN>uuid:1234</UDN></device></root>`)
	src := &staticSource{name: SourceSSDP, sightings: []Sighting{{Source: SourceSSDP, Address: "127.0.0.1", URL: "http://" + tv + "/desc.xml"}}}

	res, err := newOrchestrator(src).Discover(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Empty(t, res.Candidates)
	assert.Equal(t, 1, res.Diagnostics.Foreign)
}

func TestHardFailureOnlyWithoutUsableSources(t *testing.T) {
	broken := &staticSource{name: SourceSSDP, err: errors.New("socket: permission denied")}
	undetected := &staticSource{name: SourceMDNS, detectErr: errors.New("no interfaces")}

	res, err := newOrchestrator(broken, undetected).Discover(context.Background(), time.Second)
	require.ErrorIs(t, err, ErrNoSources)
	require.NotNil(t, res)
	require.Len(t, res.Diagnostics.Sources, 2)
	assert.Contains(t, res.Diagnostics.Sources[0].Error, "permission denied")
	assert.False(t, res.Diagnostics.Sources[1].Detected)

	_, err = newOrchestrator().Discover(context.Background(), time.Second)
	assert.ErrorIs(t, err, ErrNoSources)

	// the same broken multicast plus a manual endpoint degrades gracefully
	ep := speaker(t, infoXML("A0B1C2D3E4F1", "A0B1C2D3E4F1", "Kitchen"))
	res, err = newOrchestrator(broken, NewManualSource([]string{ep}, 0)).Discover(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Len(t, res.Candidates, 1)
}

func TestEmptyNetworkIsNotAnError(t *testing.T) {
	quiet := &staticSource{name: SourceSSDP}
	res, err := newOrchestrator(quiet).Discover(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Empty(t, res.Candidates)
}

func TestParseEndpoint(t *testing.T) {
	tests := []struct {
		in      string
		addr    string
		port    int
		url     string
		wantErr bool
	}{
		{"10.0.0.5", "10.0.0.5", 8090, "http://10.0.0.5:8090/info", false},
		{"10.0.0.5:18090", "10.0.0.5", 18090, "http://10.0.0.5:18090/info", false},
		{"kitchen.local", "kitchen.local", 8090, "http://kitchen.local:8090/info", false},
		{"http://10.0.0.5:8091/XD/desc.xml", "10.0.0.5", 0, "http://10.0.0.5:8091/XD/desc.xml", false},
		{"http://10.0.0.5:28090", "10.0.0.5", 28090, "http://10.0.0.5:28090/info", false},
		{"http://kitchen.local/", "kitchen.local", 0, "http://kitchen.local/info", false},
		{"", "", 0, "", true},
		{"10.0.0.5:99999", "", 0, "", true},
		{"http://", "", 0, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			s, err := ParseEndpoint(tt.in, DefaultControlPort)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.addr, s.Address)
			assert.Equal(t, tt.port, s.ControlPort)
			assert.Equal(t, tt.url, s.URL)
			assert.True(t, s.Manual())
		})
	}
}

func TestManualSourceReportsInvalidEntries(t *testing.T) {
	src := NewManualSource([]string{"10.0.0.5", "10.0.0.6:notaport"}, 0)
	got, err := src.Discover(context.Background(), time.Second)
	assert.Error(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "10.0.0.5", got[0].Address)
}

func TestSightingsFromEntry(t *testing.T) {
	e := &zeroconf.ServiceEntry{
		HostName: "SoundTouch-Kitchen.local.",
		Port:     8090,
		AddrIPv4: []net.IP{net.ParseIP("10.0.0.5")},
		AddrIPv6: []net.IP{net.ParseIP("fe80::1")},
	}
	got := sightingsFromEntry(e)
	require.Len(t, got, 1)
	assert.Equal(t, Sighting{Source: SourceMDNS, Address: "10.0.0.5", ControlPort: 8090, URL: "http://10.0.0.5:8090/info"}, got[0])

	e = &zeroconf.ServiceEntry{AddrIPv6: []net.IP{net.ParseIP("fe80::1"), net.ParseIP("2001:db8::5")}}
	got = sightingsFromEntry(e)
	require.Len(t, got, 1)
	assert.Equal(t, "http://[2001:db8::5]:8090/info", got[0].URL)

	assert.Nil(t, sightingsFromEntry(nil))
}

func TestMulticastSourcesTagComponent(t *testing.T) {
	var buf strings.Builder
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	NewMDNSSource(nil, logger).log.Info("browse")
	NewSSDPSource(nil, logger).log.Info("search")

	out := buf.String()
	assert.Contains(t, out, "component=discovery.mdns")
	assert.Contains(t, out, "component=discovery.ssdp")
	assert.NotContains(t, out, "source=")
}

func TestControlPortTravelsWithAddress(t *testing.T) {
	id := &descriptor.Identity{Token: "689E19B8BB8A", MAC: "689E19B8BB8A"}
	tests := []struct {
		name string
		obs  []observed
		want string
	}{
		{"multicast then manual", []observed{
			{id, Sighting{Source: SourceSSDP, Address: "10.0.0.99"}},
			{id, Sighting{Source: SourceManual, Address: "10.0.0.5", ControlPort: 18090}},
		}, "10.0.0.5:18090"},
		{"manual then multicast", []observed{
			{id, Sighting{Source: SourceManual, Address: "10.0.0.5", ControlPort: 18090}},
			{id, Sighting{Source: SourceMDNS, Address: "10.0.0.99", ControlPort: 8090}},
		}, "10.0.0.5:18090"},
		{"ssdp learns port from mdns", []observed{
			{id, Sighting{Source: SourceSSDP, Address: "10.0.0.5"}},
			{id, Sighting{Source: SourceMDNS, Address: "10.0.0.5", ControlPort: 8090}},
		}, "10.0.0.5:8090"},
		{"ssdp only", []observed{
			{id, Sighting{Source: SourceSSDP, Address: "10.0.0.5"}},
		}, "10.0.0.5"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := merge(tt.obs, &Diagnostics{})
			require.Len(t, got, 1)
			assert.Equal(t, tt.want, got[0].ControlAddress())
		})
	}
}

func TestDedupeSightingsPrefersManual(t *testing.T) {
	in := []Sighting{
		{Source: SourceMDNS, Address: "10.0.0.5", URL: "http://10.0.0.5:8090/info"},
		{Source: SourceManual, Address: "10.0.0.5", URL: "http://10.0.0.5:8090/info"},
		{Source: SourceSSDP, Address: "10.0.0.5", URL: "http://10.0.0.5:8091/XD/x.xml"},
	}
	out := dedupeSightings(in)
	require.Len(t, out, 2)
	assert.Equal(t, SourceManual, out[0].Source)
}
