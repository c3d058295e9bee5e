// Package speakertest provides a fake speaker control API for tests.
package speakertest

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
)

// Reply is a canned response for one path.
type Reply struct {
	Status int
	Body   string
}

// Device is a fake speaker serving canned XML replies. Paths without a
// reply answer 404.
type Device struct {
	Server *httptest.Server

	mu      sync.Mutex
	replies map[string]Reply
	hits    map[string]int
}

// New starts a fake speaker with the given MAC-style device ID and model.
// All probe endpoints are populated with a typical SoundTouch 20 reply set.
func New(t testing.TB, deviceID, model string) *Device {
	t.Helper()
	d := &Device{replies: Defaults(deviceID, model), hits: make(map[string]int)}
	d.Server = httptest.NewServer(http.HandlerFunc(d.serve))
	t.Cleanup(d.Server.Close)
	return d
}

func (d *Device) serve(w http.ResponseWriter, r *http.Request) {
	d.mu.Lock()
	reply, ok := d.replies[r.URL.Path]
	d.hits[r.URL.Path]++
	d.mu.Unlock()

	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(reply.Status)
	io.WriteString(w, reply.Body)
}

// Set replaces the reply for path.
func (d *Device) Set(path string, status int, body string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.replies[path] = Reply{Status: status, Body: body}
}

// Remove makes path answer 404.
func (d *Device) Remove(path string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.replies, path)
}

// Hits returns how often path was requested.
func (d *Device) Hits(path string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.hits[path]
}

// Address returns the host part of the server address.
func (d *Device) Address() string {
	host, _, _ := net.SplitHostPort(d.Server.Listener.Addr().String())
	return host
}

// Port returns the server's port.
func (d *Device) Port() int {
	_, port, _ := net.SplitHostPort(d.Server.Listener.Addr().String())
	n, _ := strconv.Atoi(port)
	return n
}

// HostPort returns host:port.
func (d *Device) HostPort() string {
	return d.Server.Listener.Addr().String()
}

// Defaults returns the reply set of a speaker with sources for Bluetooth,
// AUX and internet radio.
func Defaults(deviceID, model string) map[string]Reply {
	ok := func(body string) Reply { return Reply{Status: http.StatusOK, Body: body} }
	return map[string]Reply{
		"/info": ok(fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8" ?>
<info deviceID="%[1]s">
  <name>Kitchen</name>
  <type>%[2]s</type>
  <components>
    <component>
      <componentCategory>SCM</componentCategory>
      <softwareVersion>27.0.6.46330.5043500</softwareVersion>
    </component>
  </components>
  <networkInfo type="SCM"><macAddress>%[1]s</macAddress><ipAddress>127.0.0.1</ipAddress></networkInfo>
</info>`, deviceID, model)),
		"/sources": ok(fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8" ?>
<sources deviceID="%s">
  <sourceItem source="AUX" sourceAccount="AUX" status="READY" isLocal="true" multiroomallowed="true">AUX IN</sourceItem>
  <sourceItem source="BLUETOOTH" status="UNAVAILABLE" isLocal="true" multiroomallowed="true" />
  <sourceItem source="LOCAL_INTERNET_RADIO" status="READY" isLocal="false" multiroomallowed="true" />
  <sourceItem source="STORED_MUSIC" status="UNAVAILABLE" isLocal="false" multiroomallowed="true" />
</sources>`, deviceID)),
		"/capabilities": ok(fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8" ?>
<capabilities deviceID="%s">
  <networkConfig><dualMode>true</dualMode><wsapiproxy>true</wsapiproxy></networkConfig>
  <dspCapabilities><dspMonoStereo available="false" /></dspCapabilities>
  <lightswitch>false</lightswitch>
  <clockDisplay>false</clockDisplay>
  <capability name="systemtimeout" url="/systemtimeout" info="" />
  <capability name="rebroadcastlatencymode" url="/rebroadcastlatencymode" info="" />
</capabilities>`, deviceID)),
		"/getZone": ok(`<?xml version="1.0" encoding="UTF-8" ?><zone />`),
		"/bassCapabilities": ok(fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8" ?>
<bassCapabilities deviceID="%s">
  <bassAvailable>true</bassAvailable>
  <bassMin>-9</bassMin>
  <bassMax>0</bassMax>
  <bassDefault>0</bassDefault>
</bassCapabilities>`, deviceID)),
		"/presets": ok(`<?xml version="1.0" encoding="UTF-8" ?>
<presets>
  <preset id="1" createdOn="1700000000" updatedOn="1700000000">
    <ContentItem source="LOCAL_INTERNET_RADIO" type="stationurl" location="http://hub:8000/presets/X/1" isPresetable="true">
      <itemName>Radio One</itemName>
    </ContentItem>
  </preset>
</presets>`),
	}
}
