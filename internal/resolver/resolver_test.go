package resolver

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinkerbelle-io/tb-speakerd/internal/catalog"
	"github.com/tinkerbelle-io/tb-speakerd/internal/config"
	"github.com/tinkerbelle-io/tb-speakerd/internal/inventory"
)

const device = "689E19B8BB8A"

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

// seeded returns a memory store holding device with the given presets.
func seeded(t *testing.T, presets ...inventory.Preset) *inventory.MemoryStore {
	t.Helper()
	s := inventory.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.PutDevice(ctx, &inventory.Device{ID: device, KeyKind: "token", Address: "10.0.0.5"}, 0))
	for i := range presets {
		p := presets[i]
		p.DeviceID = device
		require.NoError(t, s.PutPreset(ctx, &p))
	}
	return s
}

type stubStations struct {
	station *catalog.Station
	err     error
	delay   time.Duration
	calls   int
	mu      sync.Mutex
}

func (s *stubStations) Station(ctx context.Context, id string) (*catalog.Station, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return s.station, s.err
}

type panickyStore struct{}

func (panickyStore) GetPreset(context.Context, string, int) (*inventory.Preset, error) {
	panic("boom")
}

type brokenStore struct{}

func (brokenStore) GetPreset(context.Context, string, int) (*inventory.Preset, error) {
	return nil, errors.New("disk on fire")
}

var direct = inventory.Preset{Slot: 1, Name: "Jazz", URL: "https://streams.example.org/jazz.mp3", ArtworkURL: "https://example.org/jazz.png"}

func TestResolveModes(t *testing.T) {
	store := seeded(t, direct)

	tests := []struct {
		mode         string
		wantDisp     Disposition
		wantLocation string
	}{
		{config.ModeRedirect, Redirect, direct.URL},
		{config.ModeDescriptor, Serve, direct.URL},
		{config.ModeProxy, Serve, "http://10.0.0.2:8000/stream/689E19B8BB8A/1"},
	}
	for _, tt := range tests {
		t.Run(tt.mode, func(t *testing.T) {
			r := New(store, nil, Options{Mode: tt.mode, PublicURL: "http://10.0.0.2:8000/"}, quiet())
			res := r.Resolve(context.Background(), device, 1)
			assert.Equal(t, tt.wantDisp, res.Disposition)
			assert.Equal(t, tt.wantLocation, res.Location)
			assert.Equal(t, direct.URL, res.StreamURL)
			assert.Equal(t, "Jazz", res.Name)
			assert.Equal(t, direct.ArtworkURL, res.ArtworkURL)
			assert.True(t, res.OK())
		})
	}
}

func TestResolveNotFound(t *testing.T) {
	r := New(seeded(t, direct), nil, Options{}, quiet())

	tests := []struct {
		name   string
		device string
		slot   int
		reason string
	}{
		{"empty slot", device, 3, ReasonNoPreset},
		{"unknown device", "NOPE", 1, ReasonNoPreset},
		{"slot out of range", device, 7, ReasonInvalidSlot},
		{"slot zero", device, 0, ReasonInvalidSlot},
		{"no device", "", 1, ReasonInvalidSlot},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := r.Resolve(context.Background(), tt.device, tt.slot)
			assert.Equal(t, NotFound, res.Disposition)
			assert.Equal(t, tt.reason, res.Reason)
			assert.False(t, res.OK())
		})
	}
}

func TestResolveCatalogBacked(t *testing.T) {
	p := inventory.Preset{Slot: 2, StreamID: "abc", Name: "My Jazz"}
	stations := &stubStations{station: &catalog.Station{
		ID: "abc", Name: "Jazz Radio", URL: "https://x/jazz.pls", ResolvedURL: "https://x/jazz.mp3", Favicon: "https://x/j.png",
	}}
	r := New(seeded(t, p), stations, Options{}, quiet())

	res := r.Resolve(context.Background(), device, 2)
	assert.Equal(t, Serve, res.Disposition)
	assert.Equal(t, "https://x/jazz.mp3", res.Location)
	assert.Equal(t, "My Jazz", res.Name, "stored name wins")
	assert.Equal(t, "https://x/j.png", res.ArtworkURL)
	assert.Empty(t, res.Reason)
}

func TestResolveCatalogFailures(t *testing.T) {
	withURL := inventory.Preset{Slot: 1, StreamID: "abc", URL: "http://stored/stream"}
	withoutURL := inventory.Preset{Slot: 2, StreamID: "def"}

	tests := []struct {
		name     string
		err      error
		slot     int
		wantDisp Disposition
		reason   string
	}{
		{"gone", catalog.ErrStationNotFound, 1, NotFound, ReasonStationGone},
		{"down with stored url", catalog.ErrUnavailable, 1, Serve, ReasonStale},
		{"down without url", catalog.ErrUnavailable, 2, UpstreamUnreachable, ReasonCatalogDown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := New(seeded(t, withURL, withoutURL), &stubStations{err: tt.err}, Options{}, quiet())
			res := r.Resolve(context.Background(), device, tt.slot)
			assert.Equal(t, tt.wantDisp, res.Disposition)
			assert.Equal(t, tt.reason, res.Reason)
		})
	}
}

func TestResolveCatalogTimeoutFallsBack(t *testing.T) {
	p := inventory.Preset{Slot: 1, StreamID: "abc", URL: "http://stored/stream"}
	stations := &stubStations{delay: time.Second}
	r := New(seeded(t, p), stations, Options{Timeout: 50 * time.Millisecond}, quiet())

	start := time.Now()
	res := r.Resolve(context.Background(), device, 1)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Equal(t, Serve, res.Disposition)
	assert.Equal(t, ReasonStale, res.Reason)
	assert.Equal(t, "http://stored/stream", res.Location)
}

func TestResolveNeverPanics(t *testing.T) {
	r := New(panickyStore{}, nil, Options{}, quiet())
	var res Resolution
	require.NotPanics(t, func() { res = r.Resolve(context.Background(), device, 1) })
	assert.Equal(t, UpstreamUnreachable, res.Disposition)
	assert.Equal(t, ReasonInternalError, res.Reason)
}

func TestResolveStoreFailure(t *testing.T) {
	r := New(brokenStore{}, nil, Options{}, quiet())
	res := r.Resolve(context.Background(), device, 1)
	assert.Equal(t, UpstreamUnreachable, res.Disposition)
	assert.Equal(t, ReasonStoreFailure, res.Reason)
}

func TestResolveRejectsNonHTTPStream(t *testing.T) {
	// stored presets are validated, but catalog entries are not
	stations := &stubStations{station: &catalog.Station{ID: "abc", URL: "rtsp://camera/stream"}}
	r := New(seeded(t, inventory.Preset{Slot: 1, StreamID: "abc"}), stations, Options{}, quiet())
	res := r.Resolve(context.Background(), device, 1)
	assert.Equal(t, UpstreamUnreachable, res.Disposition)
	assert.Equal(t, ReasonBadUpstreamURL, res.Reason)
}

func TestResolveConcurrent(t *testing.T) {
	stations := &stubStations{station: &catalog.Station{ID: "abc", URL: "http://x/s"}, delay: 20 * time.Millisecond}
	r := New(seeded(t, direct, inventory.Preset{Slot: 2, StreamID: "abc"}), stations, Options{}, quiet())

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			slot := 1 + i%2
			res := r.Resolve(context.Background(), device, slot)
			assert.Equal(t, Serve, res.Disposition)
		}()
	}
	wg.Wait()
	assert.Equal(t, 25, stations.calls)
}

func TestParseSlot(t *testing.T) {
	assert.Equal(t, 3, ParseSlot("3"))
	assert.Equal(t, 0, ParseSlot("9"))
	assert.Equal(t, 0, ParseSlot("x"))
	assert.Equal(t, 0, ParseSlot(""))
}

func newServer(t *testing.T, r *Resolver) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	NewHandler(r, quiet()).Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func noRedirects() *http.Client {
	return &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }}
}

func getItem(t *testing.T, url string) (*http.Response, ContentItem) {
	t.Helper()
	resp, err := noRedirects().Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	var item ContentItem
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusFound {
		require.NoError(t, xml.Unmarshal(body, &item), string(body))
	}
	return resp, item
}

func TestHandlerDescriptor(t *testing.T) {
	srv := newServer(t, New(seeded(t, direct), nil, Options{Mode: config.ModeDescriptor}, quiet()))

	resp, item := getItem(t, srv.URL+"/presets/"+device+"/1")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "serve", resp.Header.Get(DispositionHeader))
	assert.Equal(t, "LOCAL_INTERNET_RADIO", item.Source)
	assert.Equal(t, "stationurl", item.Type)
	assert.Equal(t, direct.URL, item.Location)
	assert.True(t, item.IsPresetable)
	assert.Equal(t, "Jazz", item.ItemName)
	assert.Equal(t, direct.ArtworkURL, item.ContainerArt)
}

func TestHandlerRedirect(t *testing.T) {
	srv := newServer(t, New(seeded(t, direct), nil, Options{Mode: config.ModeRedirect}, quiet()))

	resp, _ := getItem(t, srv.URL+"/presets/"+device+"/1")
	assert.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, direct.URL, resp.Header.Get("Location"))
	assert.Equal(t, "redirect", resp.Header.Get(DispositionHeader))
}

func TestHandlerFailuresAreWellFormed(t *testing.T) {
	p := inventory.Preset{Slot: 2, StreamID: "def"}
	srv := newServer(t, New(seeded(t, p), &stubStations{err: catalog.ErrUnavailable}, Options{}, quiet()))

	tests := []struct {
		path       string
		wantStatus int
		wantDisp   string
	}{
		{"/presets/" + device + "/3", http.StatusNotFound, "not-found"},
		{"/presets/" + device + "/banana", http.StatusNotFound, "not-found"},
		{"/presets/" + device + "/2", http.StatusServiceUnavailable, "upstream-unreachable"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			resp, item := getItem(t, srv.URL+tt.path)
			assert.Equal(t, tt.wantStatus, resp.StatusCode)
			assert.Equal(t, tt.wantDisp, resp.Header.Get(DispositionHeader))
			assert.Equal(t, "LOCAL_INTERNET_RADIO", item.Source)
			assert.Empty(t, item.Location)
			assert.False(t, item.IsPresetable)
		})
	}
}

func TestHandlerStationJSON(t *testing.T) {
	srv := newServer(t, New(seeded(t, direct), nil, Options{}, quiet()))

	resp, err := http.Get(srv.URL + "/presets/" + device + "/1/station.json")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var doc StationDocument
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&doc))
	assert.Equal(t, direct.URL, doc.Audio.StreamURL)
	assert.Equal(t, "Jazz", doc.Name)
	assert.Equal(t, "liveRadio", doc.StreamType)
	assert.Equal(t, direct.ArtworkURL, doc.ImageURL)

	missing, err := http.Get(srv.URL + "/presets/" + device + "/4/station.json")
	require.NoError(t, err)
	defer missing.Body.Close()
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)
	require.NoError(t, json.NewDecoder(missing.Body).Decode(&doc))
	assert.Empty(t, doc.Audio.StreamURL)
}

func TestHandlerProxyStreamsUpstream(t *testing.T) {
	upstream := http.NewServeMux()
	upstream.HandleFunc("/start", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/hop", http.StatusFound)
	})
	upstream.HandleFunc("/hop", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/audio", http.StatusTemporaryRedirect)
	})
	upstream.HandleFunc("/audio", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "audio/mpeg")
		w.Write([]byte("ID3-fake-audio"))
	})
	up := httptest.NewServer(upstream)
	defer up.Close()

	store := seeded(t, inventory.Preset{Slot: 1, Name: "Loop", URL: up.URL + "/start"})
	// the proxy location points back at the test server, so create it first
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()
	r := New(store, nil, Options{Mode: config.ModeProxy, PublicURL: srv.URL}, quiet())
	NewHandler(r, quiet()).Register(mux)

	_, item := getItem(t, srv.URL+"/presets/"+device+"/1")
	assert.Equal(t, srv.URL+"/stream/"+device+"/1", item.Location)

	resp, err := noRedirects().Get(item.Location)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "audio/mpeg", resp.Header.Get("Content-Type"))
	assert.Equal(t, "ID3-fake-audio", string(body))
}

func TestHandlerProxyUpstreamDown(t *testing.T) {
	up := httptest.NewServer(http.NotFoundHandler())
	dead := up.URL
	up.Close()

	srv := newServer(t, New(seeded(t, inventory.Preset{Slot: 1, URL: dead + "/x"}), nil, Options{Mode: config.ModeProxy, PublicURL: "http://hub"}, quiet()))

	resp, err := http.Get(srv.URL + "/stream/" + device + "/1")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, "upstream-unreachable", resp.Header.Get(DispositionHeader))

	missing, err := http.Get(srv.URL + "/stream/" + device + "/5")
	require.NoError(t, err)
	missing.Body.Close()
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)
}

func TestRedirectFollowerLimit(t *testing.T) {
	loop := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/again", http.StatusFound)
	}))
	defer loop.Close()

	f := &redirectFollower{next: http.DefaultTransport, max: 3}
	req, _ := http.NewRequest(http.MethodGet, loop.URL, nil)
	_, err := f.RoundTrip(req)
	assert.ErrorContains(t, err, "too many upstream redirects")
}
