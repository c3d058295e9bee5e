package agent

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinkerbelle-io/tb-speakerd/internal/capability"
	"github.com/tinkerbelle-io/tb-speakerd/internal/discovery"
	"github.com/tinkerbelle-io/tb-speakerd/internal/inventory"
	"github.com/tinkerbelle-io/tb-speakerd/internal/speaker"
	"github.com/tinkerbelle-io/tb-speakerd/internal/speaker/speakertest"
)

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type fakeDiscoverer struct {
	res *discovery.Result
	err error
}

func (f *fakeDiscoverer) Discover(ctx context.Context, timeout time.Duration) (*discovery.Result, error) {
	if f.res == nil {
		return &discovery.Result{}, f.err
	}
	// hand out a copy; the runner refines candidates in place
	res := *f.res
	res.Candidates = append([]discovery.Candidate(nil), f.res.Candidates...)
	return &res, f.err
}

type fakeProber struct{}

func (fakeProber) Probe(ctx context.Context, c *discovery.Candidate) capability.Set {
	c.Firmware = "27.0.6"
	return capability.Set{capability.Aux: {Supported: true, Provenance: capability.Probed}}
}

func twoSpeakers() *fakeDiscoverer {
	return &fakeDiscoverer{res: &discovery.Result{
		Candidates: []discovery.Candidate{
			{Key: "A0B1C2D3E4F1", KeyKind: discovery.KeyToken, Token: "A0B1C2D3E4F1", MAC: "A0B1C2D3E4F1", Model: "A", Address: "10.0.0.5", Manual: true},
			{Key: "A0B1C2D3E4F2", KeyKind: discovery.KeyToken, Token: "A0B1C2D3E4F2", MAC: "A0B1C2D3E4F2", Model: "B", Address: "10.0.0.6", Manual: true},
		},
		Diagnostics: discovery.Diagnostics{Sightings: 2, Fetched: 2},
	}}
}

func TestRunnerTwoManualEndpoints(t *testing.T) {
	store := inventory.NewMemoryStore()
	r := NewRunner(RunnerConfig{
		Discoverer: twoSpeakers(),
		Prober:     fakeProber{},
		Syncer:     inventory.NewSynchronizer(store, quiet()),
	}, quiet())

	var reported []Report
	r.OnReport = func(rep Report) { reported = append(reported, rep) }

	rep, err := r.Run(context.Background(), false)
	require.NoError(t, err)
	require.NotNil(t, rep.Sync)
	assert.Equal(t, 2, rep.Candidates)
	assert.Equal(t, 2, rep.Sync.Inserted)
	assert.Zero(t, rep.Sync.Updated)
	assert.Zero(t, rep.Sync.Failed)
	assert.Equal(t, 2, rep.Discovery.Fetched)

	devices, _ := store.ListDevices(context.Background())
	require.Len(t, devices, 2)
	assert.Equal(t, "A", devices[0].Model)
	assert.Equal(t, "B", devices[1].Model)
	assert.Equal(t, "27.0.6", devices[0].Firmware, "probe refinements reach the inventory")
	assert.True(t, devices[0].Capabilities.Has(capability.Aux))

	again, err := r.Run(context.Background(), false)
	require.NoError(t, err)
	assert.Zero(t, again.Sync.Updated)
	assert.Zero(t, again.Sync.Inserted)
	assert.Equal(t, 2, again.Sync.Unchanged)

	assert.Len(t, reported, 2)
}

func TestRunnerDryRun(t *testing.T) {
	store := inventory.NewMemoryStore()
	r := NewRunner(RunnerConfig{
		Discoverer: twoSpeakers(),
		Prober:     fakeProber{},
		Syncer:     inventory.NewSynchronizer(store, quiet()),
	}, quiet())
	called := false
	r.OnReport = func(Report) { called = true }

	rep, err := r.Run(context.Background(), true)
	require.NoError(t, err)
	assert.True(t, rep.DryRun)
	assert.Nil(t, rep.Sync)
	require.Len(t, rep.Observations, 2)
	assert.Equal(t, "27.0.6", rep.Observations[0].Firmware)
	assert.False(t, called)

	devices, _ := store.ListDevices(context.Background())
	assert.Empty(t, devices)
}

func TestRunnerDiscoveryFailure(t *testing.T) {
	d := &fakeDiscoverer{
		res: &discovery.Result{Diagnostics: discovery.Diagnostics{Errors: []string{"ssdp: no multicast"}}},
		err: discovery.ErrNoSources,
	}
	r := NewRunner(RunnerConfig{Discoverer: d, Prober: fakeProber{}, Syncer: inventory.NewSynchronizer(inventory.NewMemoryStore(), quiet())}, quiet())

	rep, err := r.Run(context.Background(), false)
	assert.True(t, errors.Is(err, discovery.ErrNoSources))
	require.NotNil(t, rep)
	assert.Equal(t, []string{"ssdp: no multicast"}, rep.Discovery.Errors)
	assert.Nil(t, rep.Sync)
}

func TestRunnerEndToEnd(t *testing.T) {
	dev := speakertest.New(t, "689E19B8BB8A", "SoundTouch 10")
	store := inventory.NewMemoryStore()

	orch := discovery.NewOrchestrator(
		[]discovery.Source{discovery.NewManualSource([]string{dev.HostPort()}, dev.Port())},
		discovery.Options{FetchTimeout: time.Second},
		quiet())
	r := NewRunner(RunnerConfig{
		Discoverer: orch,
		Prober:     capability.NewProber(speaker.NewClient(dev.Port(), time.Second), quiet()),
		Syncer:     inventory.NewSynchronizer(store, quiet()),
		Timeout:    100 * time.Millisecond,
	}, quiet())

	rep, err := r.Run(context.Background(), false)
	require.NoError(t, err)
	require.NotNil(t, rep.Sync)
	assert.Equal(t, 1, rep.Sync.Inserted)

	d, err := store.GetDevice(context.Background(), "689E19B8BB8A")
	require.NoError(t, err)
	assert.Equal(t, "SoundTouch 10", d.Model)
	assert.Equal(t, "689E19B8BB8A", d.MAC)
	assert.True(t, d.Capabilities.Has(capability.Bluetooth))
	assert.Equal(t, capability.Probed, d.Capabilities[capability.Bluetooth].Provenance)
}

func TestRunnerProbesManualEndpointPort(t *testing.T) {
	dev := speakertest.New(t, "689E19B8BB8A", "SoundTouch 10")
	store := inventory.NewMemoryStore()

	// the client only knows the default control port; the operator entry
	// carries the real one
	orch := discovery.NewOrchestrator(
		[]discovery.Source{discovery.NewManualSource([]string{dev.HostPort()}, 0)},
		discovery.Options{FetchTimeout: time.Second},
		quiet())
	r := NewRunner(RunnerConfig{
		Discoverer: orch,
		Prober:     capability.NewProber(speaker.NewClient(0, 300*time.Millisecond), quiet()),
		Syncer:     inventory.NewSynchronizer(store, quiet()),
		Timeout:    100 * time.Millisecond,
	}, quiet())

	rep, err := r.Run(context.Background(), false)
	require.NoError(t, err)
	require.NotNil(t, rep.Sync)
	assert.Equal(t, 1, rep.Sync.Inserted)
	assert.Positive(t, dev.Hits(speaker.PathSources), "battery must reach the configured port")

	d, err := store.GetDevice(context.Background(), "689E19B8BB8A")
	require.NoError(t, err)
	assert.Equal(t, dev.Port(), d.ControlPort)
	assert.Equal(t, capability.Probed, d.Capabilities[capability.Bluetooth].Provenance)
}
