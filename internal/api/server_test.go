package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinkerbelle-io/tb-speakerd/internal/agent"
	"github.com/tinkerbelle-io/tb-speakerd/internal/audit"
	"github.com/tinkerbelle-io/tb-speakerd/internal/catalog"
	"github.com/tinkerbelle-io/tb-speakerd/internal/discovery"
	"github.com/tinkerbelle-io/tb-speakerd/internal/events"
	"github.com/tinkerbelle-io/tb-speakerd/internal/inventory"
	"github.com/tinkerbelle-io/tb-speakerd/internal/resolver"
)

const deviceID = "689E19B8BB8A"

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type fakeCatalog struct {
	stations map[string]catalog.Station
	down     bool
}

func (f *fakeCatalog) Station(ctx context.Context, id string) (*catalog.Station, error) {
	if f.down {
		return nil, catalog.ErrUnavailable
	}
	s, ok := f.stations[id]
	if !ok {
		return nil, catalog.ErrStationNotFound
	}
	return &s, nil
}

func (f *fakeCatalog) Search(ctx context.Context, q string, limit int) ([]catalog.Station, error) {
	if f.down {
		return nil, catalog.ErrUnavailable
	}
	var out []catalog.Station
	for _, s := range f.stations {
		if strings.Contains(strings.ToLower(s.Name), strings.ToLower(q)) {
			out = append(out, s)
		}
	}
	return out, nil
}

type fakeRunner struct {
	calls   atomic.Int32
	err     error
	release chan struct{}
}

func (f *fakeRunner) Run(ctx context.Context, dryRun bool) (*agent.Report, error) {
	f.calls.Add(1)
	if f.release != nil {
		<-f.release
	}
	rep := &agent.Report{ID: "run-1", DryRun: dryRun, Candidates: 1}
	if f.err != nil {
		rep.Discovery.Errors = []string{"ssdp: no multicast"}
		return rep, f.err
	}
	if !dryRun {
		rep.Sync = &inventory.SyncReport{RunID: "run-1", Inserted: 1}
	}
	return rep, nil
}

type fixture struct {
	srv       *Server
	store     *inventory.MemoryStore
	hub       *events.Hub
	runner    *fakeRunner
	catalog   *fakeCatalog
	auditPath string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := inventory.NewMemoryStore()
	require.NoError(t, store.PutDevice(context.Background(), &inventory.Device{
		ID: deviceID, KeyKind: "token", Token: deviceID, Model: "SoundTouch 20", Address: "10.0.0.5",
	}, 0))

	auditPath := filepath.Join(t.TempDir(), "audit.log")
	journal, err := audit.Open(auditPath)
	require.NoError(t, err)
	t.Cleanup(func() { journal.Close() })

	hub := events.NewHub(quiet())
	t.Cleanup(hub.Close)

	cat := &fakeCatalog{stations: map[string]catalog.Station{
		"jazz": {ID: "jazz", Name: "Jazz Radio", URL: "https://streams.example.org/jazz.mp3", Favicon: "https://example.org/jazz.png"},
	}}
	runner := &fakeRunner{}

	srv := NewServer(Config{
		Store:    store,
		Editor:   NewEditor(store, cat, journal, hub, quiet()),
		Resolver: resolver.New(store, cat, resolver.Options{}, quiet()),
		Runner:   runner,
		Catalog:  cat,
		Hub:      hub,
		Version:  "1.2.3",
	}, quiet())

	return &fixture{srv: srv, store: store, hub: hub, runner: runner, catalog: cat, auditPath: auditPath}
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	w := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, w.Code)

	resp := decode[map[string]any](t, w)
	assert.Equal(t, "ok", resp["status"])
	assert.Equal(t, "1.2.3", resp["version"])
	assert.EqualValues(t, 1, resp["devices"])
}

func TestDevices(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodGet, "/api/devices", "")
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[[]inventory.Device](t, w)
	require.Len(t, list, 1)
	assert.Equal(t, "SoundTouch 20", list[0].Model)

	w = f.do(t, http.MethodGet, "/api/devices/"+deviceID, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, deviceID, decode[inventory.Device](t, w).ID)

	w = f.do(t, http.MethodGet, "/api/devices/nope", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "not found", decode[ErrorResponse](t, w).Error)
}

func TestPresetLifecycle(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPut, "/api/devices/"+deviceID+"/presets/1",
		`{"name":"Jazz","url":"https://streams.example.org/jazz.mp3"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = f.do(t, http.MethodGet, "/api/devices/"+deviceID+"/presets", "")
	require.Equal(t, http.StatusOK, w.Code)
	presets := decode[[]inventory.Preset](t, w)
	require.Len(t, presets, 1)
	assert.Equal(t, 1, presets[0].Slot)
	assert.Equal(t, "Jazz", presets[0].Name)

	// the device-facing endpoint serves it
	w = f.do(t, http.MethodGet, "/presets/"+deviceID+"/1", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, string(resolver.Serve), w.Header().Get(resolver.DispositionHeader))
	assert.Contains(t, w.Body.String(), `location="https://streams.example.org/jazz.mp3"`)

	w = f.do(t, http.MethodDelete, "/api/devices/"+deviceID+"/presets/1", "")
	require.Equal(t, http.StatusNoContent, w.Code)

	w = f.do(t, http.MethodDelete, "/api/devices/"+deviceID+"/presets/1", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(t, http.MethodGet, "/presets/"+deviceID+"/1", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	n, err := audit.Verify(f.auditPath)
	require.NoError(t, err)
	assert.Equal(t, 2, n, "write and delete journaled")
}

func TestPutPresetByStation(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPut, "/api/devices/"+deviceID+"/presets/2", `{"stream_id":"jazz"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	p := decode[inventory.Preset](t, w)
	assert.Equal(t, "Jazz Radio", p.Name)
	assert.Equal(t, "https://streams.example.org/jazz.mp3", p.URL)
	assert.Equal(t, "https://example.org/jazz.png", p.ArtworkURL)

	w = f.do(t, http.MethodPut, "/api/devices/"+deviceID+"/presets/3", `{"stream_id":"gone"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	f.catalog.down = true
	w = f.do(t, http.MethodPut, "/api/devices/"+deviceID+"/presets/3", `{"stream_id":"jazz"}`)
	require.Equal(t, http.StatusOK, w.Code, "stored by id while the catalog is down")
	assert.Empty(t, decode[inventory.Preset](t, w).URL)
}

func TestPutPresetRejects(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name string
		path string
		body string
		want int
	}{
		{"slot zero", "/api/devices/" + deviceID + "/presets/0", `{"url":"http://a/b"}`, http.StatusBadRequest},
		{"slot seven", "/api/devices/" + deviceID + "/presets/7", `{"url":"http://a/b"}`, http.StatusBadRequest},
		{"slot not a number", "/api/devices/" + deviceID + "/presets/x", `{"url":"http://a/b"}`, http.StatusBadRequest},
		{"bad json", "/api/devices/" + deviceID + "/presets/1", `{`, http.StatusBadRequest},
		{"unknown field", "/api/devices/" + deviceID + "/presets/1", `{"uri":"http://a/b"}`, http.StatusBadRequest},
		{"no stream", "/api/devices/" + deviceID + "/presets/1", `{"name":"x"}`, http.StatusUnprocessableEntity},
		{"not http", "/api/devices/" + deviceID + "/presets/1", `{"url":"rtsp://a/b"}`, http.StatusUnprocessableEntity},
		{"unknown device", "/api/devices/nope/presets/1", `{"url":"http://a/b"}`, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(t, http.MethodPut, tt.path, tt.body)
			assert.Equal(t, tt.want, w.Code, w.Body.String())
		})
	}
}

func TestDeleteDeviceCascades(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.PutPreset(ctx, &inventory.Preset{DeviceID: deviceID, Slot: 4, URL: "http://a/b"}))

	w := f.do(t, http.MethodDelete, "/api/devices/"+deviceID, "")
	require.Equal(t, http.StatusNoContent, w.Code)

	_, err := f.store.GetPreset(ctx, deviceID, 4)
	assert.ErrorIs(t, err, inventory.ErrNotFound)

	w = f.do(t, http.MethodGet, "/api/devices/"+deviceID+"/presets", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDiscovery(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/api/discovery", "")
	require.Equal(t, http.StatusOK, w.Code)
	rep := decode[agent.Report](t, w)
	require.NotNil(t, rep.Sync)
	assert.Equal(t, 1, rep.Sync.Inserted)

	w = f.do(t, http.MethodPost, "/api/discovery?dry_run=true", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decode[agent.Report](t, w).DryRun)

	f.runner.err = discovery.ErrNoSources
	w = f.do(t, http.MethodPost, "/api/discovery", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "ssdp: no multicast")
}

func TestDiscoveryConcurrentRequests(t *testing.T) {
	f := newFixture(t)
	f.runner.release = make(chan struct{})

	done := make(chan int, 2)
	for range 2 {
		go func() { done <- f.do(t, http.MethodPost, "/api/discovery", "").Code }()
	}

	// both cycles are in flight at once
	require.Eventually(t, func() bool { return f.runner.calls.Load() == 2 }, 2*time.Second, 5*time.Millisecond)
	close(f.runner.release)
	assert.Equal(t, http.StatusOK, <-done)
	assert.Equal(t, http.StatusOK, <-done)
}

func TestCatalogSearch(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodGet, "/api/catalog/search?q=jazz", "")
	require.Equal(t, http.StatusOK, w.Code)
	stations := decode[[]catalog.Station](t, w)
	require.Len(t, stations, 1)
	assert.Equal(t, "jazz", stations[0].ID)

	w = f.do(t, http.MethodGet, "/api/catalog/search?q=polka", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[]`, w.Body.String())

	w = f.do(t, http.MethodGet, "/api/catalog/search", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	f.catalog.down = true
	w = f.do(t, http.MethodGet, "/api/catalog/search?q=jazz", "")
	assert.Equal(t, http.StatusBadGateway, w.Code)
}

func TestMetricsMounted(t *testing.T) {
	f := newFixture(t)
	f.do(t, http.MethodGet, "/presets/"+deviceID+"/5", "")

	w := f.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "resolve")
}

func TestUnconfiguredFeatures(t *testing.T) {
	srv := NewServer(Config{Store: inventory.NewMemoryStore()}, quiet())

	for _, path := range []string{"/api/discovery", "/api/catalog/search?q=x"} {
		method := http.MethodGet
		if path == "/api/discovery" {
			method = http.MethodPost
		}
		w := httptest.NewRecorder()
		srv.Handler().ServeHTTP(w, httptest.NewRequest(method, path, nil))
		assert.Equal(t, http.StatusServiceUnavailable, w.Code, path)
	}

	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/presets/x/1", nil))
	assert.Equal(t, http.StatusNotFound, w.Code, "preset routes need a resolver")
}

func TestMutationsReachEventFeed(t *testing.T) {
	f := newFixture(t)
	ts := httptest.NewServer(f.srv.Handler())
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/api/events", nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return f.hub.Clients() == 1 }, 2*time.Second, 5*time.Millisecond)

	w := f.do(t, http.MethodPut, "/api/devices/"+deviceID+"/presets/6", `{"url":"http://a/b"}`)
	require.Equal(t, http.StatusOK, w.Code)
	w = f.do(t, http.MethodDelete, "/api/devices/"+deviceID+"/presets/6", "")
	require.Equal(t, http.StatusNoContent, w.Code)

	var got []string
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for len(got) < 2 {
		_, msg, err := conn.ReadMessage()
		require.NoError(t, err)
		var env events.Envelope
		require.NoError(t, json.Unmarshal(msg, &env))
		got = append(got, env.Type)
	}
	assert.Equal(t, []string{events.TypePresetUpdate, events.TypePresetDelete}, got)
}

func TestEditorRecordsSyncChanges(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	journal, err := audit.Open(path)
	require.NoError(t, err)
	defer journal.Close()

	store := inventory.NewMemoryStore()
	sync := inventory.NewSynchronizer(store, quiet())
	ed := NewEditor(store, nil, journal, nil, quiet())
	sync.OnChange = ed.RecordChange

	obs := inventory.Observation{Key: deviceID, KeyKind: "token", Token: deviceID, Address: "10.0.0.5"}
	sync.Sync(context.Background(), []inventory.Observation{obs})
	obs.Address = "10.0.0.9"
	sync.Sync(context.Background(), []inventory.Observation{obs})
	ed.RecordReport(agent.Report{ID: "r"})

	n, err := audit.Verify(path)
	require.NoError(t, err)
	assert.Equal(t, 2, n, "insert and update journaled")
}

func TestEditorPropagatesStoreErrors(t *testing.T) {
	ed := NewEditor(inventory.NewMemoryStore(), nil, nil, nil, quiet())
	err := ed.DeleteDevice(context.Background(), audit.ActorCLI, "nope")
	assert.True(t, errors.Is(err, inventory.ErrNotFound))
}
