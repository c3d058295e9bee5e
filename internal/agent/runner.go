// Package agent drives discovery cycles: discover, probe every candidate,
// then reconcile the results into the inventory. Cycles run on demand or on
// a schedule via ScanLoop.
package agent

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/tinkerbelle-io/tb-speakerd/internal/capability"
	"github.com/tinkerbelle-io/tb-speakerd/internal/discovery"
	"github.com/tinkerbelle-io/tb-speakerd/internal/inventory"
)

// Discoverer finds candidates.
type Discoverer interface {
	Discover(ctx context.Context, timeout time.Duration) (*discovery.Result, error)
}

// Prober classifies one candidate.
type Prober interface {
	Probe(ctx context.Context, c *discovery.Candidate) capability.Set
}

// Syncer commits observations.
type Syncer interface {
	Sync(ctx context.Context, obs []inventory.Observation) inventory.SyncReport
}

// Report is the outcome of one cycle.
type Report struct {
	ID           string                  `json:"id"`
	Started      time.Time               `json:"started"`
	Duration     time.Duration           `json:"duration"`
	Discovery    discovery.Diagnostics   `json:"discovery"`
	Candidates   int                     `json:"candidates"`
	Observations []inventory.Observation `json:"observations,omitempty"`
	Sync         *inventory.SyncReport   `json:"sync,omitempty"`
	DryRun       bool                    `json:"dry_run,omitempty"`
}

// RunnerConfig wires a Runner.
type RunnerConfig struct {
	Discoverer       Discoverer
	Prober           Prober
	Syncer           Syncer
	Timeout          time.Duration // multicast window
	ProbeConcurrency int
}

// Runner executes discovery cycles. Each call to Run is independent; two
// cycles may overlap, and the synchronizer's per-device locking keeps their
// writes apart.
type Runner struct {
	cfg RunnerConfig
	log *slog.Logger

	// OnReport, if set, receives every completed non-dry-run report.
	OnReport func(Report)
}

// NewRunner creates a runner.
func NewRunner(cfg RunnerConfig, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.ProbeConcurrency <= 0 {
		cfg.ProbeConcurrency = 8
	}
	return &Runner{cfg: cfg, log: logger.With("component", "agent")}
}

// Run performs one cycle. With dryRun the observations are returned in the
// report instead of being synced. The only error is a discovery hard
// failure; everything else is counted in the report.
func (r *Runner) Run(ctx context.Context, dryRun bool) (*Report, error) {
	rep := &Report{ID: uuid.NewString(), Started: time.Now().UTC(), DryRun: dryRun}
	defer func() { rep.Duration = time.Since(rep.Started) }()

	res, err := r.cfg.Discoverer.Discover(ctx, r.cfg.Timeout)
	if res != nil {
		rep.Discovery = res.Diagnostics
	}
	if err != nil {
		r.log.Error("discovery failed", "cycle", rep.ID, "error", err)
		return rep, err
	}
	rep.Candidates = len(res.Candidates)

	obs := r.probeAll(ctx, res.Candidates)
	if dryRun {
		rep.Observations = obs
		return rep, nil
	}

	sr := r.cfg.Syncer.Sync(ctx, obs)
	rep.Sync = &sr
	rep.Duration = time.Since(rep.Started)
	if r.OnReport != nil {
		r.OnReport(*rep)
	}
	return rep, nil
}

// probeAll probes candidates concurrently. Probes never fail; the candidate
// slice is refined in place (firmware, name) by each probe.
func (r *Runner) probeAll(ctx context.Context, cands []discovery.Candidate) []inventory.Observation {
	obs := make([]inventory.Observation, len(cands))

	var g errgroup.Group
	g.SetLimit(r.cfg.ProbeConcurrency)
	for i := range cands {
		g.Go(func() error {
			caps := r.cfg.Prober.Probe(ctx, &cands[i])
			obs[i] = inventory.ObservationFrom(cands[i], caps)
			return nil
		})
	}
	g.Wait()
	return obs
}
