package discovery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tinkerbelle-io/tb-speakerd/internal/descriptor"
	"github.com/tinkerbelle-io/tb-speakerd/internal/metrics"
)

// ErrNoSources is returned when no source could run and nothing was
// configured manually.
var ErrNoSources = errors.New("no discovery source available")

const (
	defaultFetchTimeout = 3 * time.Second
	defaultConcurrency  = 16
	maxDescriptorSize   = 1 << 20
)

// SourceReport summarizes one source's part in a cycle.
type SourceReport struct {
	Name      string `json:"name"`
	Detected  bool   `json:"detected"`
	Sightings int    `json:"sightings"`
	Error     string `json:"error,omitempty"`
}

// Diagnostics carries the counts of a cycle, whatever its outcome.
type Diagnostics struct {
	Sources     []SourceReport `json:"sources"`
	Sightings   int            `json:"sightings"`
	Fetched     int            `json:"fetched"`
	Unreachable int            `json:"unreachable"`
	Malformed   int            `json:"malformed"`
	Foreign     int            `json:"foreign"`
	Merged      int            `json:"merged"`
	Ambiguous   int            `json:"ambiguous"`
	Errors      []string       `json:"errors,omitempty"`
}

// Dropped is the number of sightings that did not yield a descriptor.
func (d Diagnostics) Dropped() int { return d.Unreachable + d.Malformed }

// Result is the outcome of one discovery cycle.
type Result struct {
	Candidates  []Candidate   `json:"candidates"`
	Diagnostics Diagnostics   `json:"diagnostics"`
	Duration    time.Duration `json:"duration"`
}

// Options tune descriptor fetching.
type Options struct {
	FetchTimeout time.Duration
	Concurrency  int
	Client       *http.Client
}

// Orchestrator runs all sources, fetches descriptors and merges the results.
type Orchestrator struct {
	sources      []Source
	client       *http.Client
	fetchTimeout time.Duration
	concurrency  int
	log          *slog.Logger
}

// NewOrchestrator creates an orchestrator over sources.
func NewOrchestrator(sources []Source, opts Options, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = defaultFetchTimeout
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultConcurrency
	}
	if opts.Client == nil {
		opts.Client = &http.Client{}
	}
	return &Orchestrator{
		sources:      sources,
		client:       opts.Client,
		fetchTimeout: opts.FetchTimeout,
		concurrency:  opts.Concurrency,
		log:          logger.With("component", "discovery"),
	}
}

// Discover runs one cycle. timeout bounds the multicast collection window;
// descriptor fetches are bounded separately by the fetch timeout. Per-endpoint
// failures are counted in Diagnostics and never fail the cycle.
func (o *Orchestrator) Discover(ctx context.Context, timeout time.Duration) (*Result, error) {
	start := time.Now()
	res := &Result{}

	sightings, usable := o.collect(ctx, timeout, &res.Diagnostics)
	if !usable && len(sightings) == 0 {
		metrics.ObserveDiscovery("error", 0)
		res.Duration = time.Since(start)
		return res, ErrNoSources
	}
	res.Diagnostics.Sightings = len(sightings)

	found := o.fetchAll(ctx, dedupeSightings(sightings), &res.Diagnostics)
	res.Candidates = merge(found, &res.Diagnostics)
	res.Duration = time.Since(start)

	metrics.AddDropped("unreachable", res.Diagnostics.Unreachable)
	metrics.AddDropped("malformed", res.Diagnostics.Malformed)
	metrics.AddDropped("foreign", res.Diagnostics.Foreign)
	metrics.ObserveDiscovery("ok", len(res.Candidates))

	o.log.Info("discovery complete",
		"candidates", len(res.Candidates),
		"sightings", res.Diagnostics.Sightings,
		"unreachable", res.Diagnostics.Unreachable,
		"malformed", res.Diagnostics.Malformed,
		"duration", res.Duration.Round(time.Millisecond))
	return res, nil
}

// collect runs every detected source concurrently. usable reports whether
// at least one source completed without error.
func (o *Orchestrator) collect(ctx context.Context, window time.Duration, diag *Diagnostics) ([]Sighting, bool) {
	reports := make([]SourceReport, len(o.sources))
	results := make([][]Sighting, len(o.sources))

	var g errgroup.Group
	for i, src := range o.sources {
		reports[i].Name = src.Name()

		ok, err := src.Detect(ctx)
		if err != nil {
			o.log.Debug("source detection failed", "source", src.Name(), "error", err)
			reports[i].Error = err.Error()
			continue
		}
		if !ok {
			continue
		}
		reports[i].Detected = true

		g.Go(func() error {
			s, err := src.Discover(ctx, window)
			if err != nil {
				o.log.Warn("source failed", "source", src.Name(), "error", err)
				reports[i].Error = err.Error()
			}
			reports[i].Sightings = len(s)
			results[i] = s
			metrics.AddSightings(src.Name(), len(s))
			return nil
		})
	}
	g.Wait()

	var (
		all    []Sighting
		usable bool
	)
	for i := range reports {
		if reports[i].Detected && reports[i].Error == "" {
			usable = true
		}
		all = append(all, results[i]...)
	}
	diag.Sources = reports
	return all, usable
}

// dedupeSightings keeps one sighting per descriptor URL, preferring the
// manual one so its address wins.
func dedupeSightings(in []Sighting) []Sighting {
	idx := make(map[string]int, len(in))
	var out []Sighting
	for _, s := range in {
		if i, ok := idx[s.URL]; ok {
			if s.Manual() && !out[i].Manual() {
				out[i] = s
			}
			continue
		}
		idx[s.URL] = len(out)
		out = append(out, s)
	}
	return out
}

type observed struct {
	id       *descriptor.Identity
	sighting Sighting
}

func (o *Orchestrator) fetchAll(ctx context.Context, sightings []Sighting, diag *Diagnostics) []observed {
	ids := make([]*descriptor.Identity, len(sightings))
	errs := make([]error, len(sightings))

	var g errgroup.Group
	g.SetLimit(o.concurrency)
	for i, s := range sightings {
		g.Go(func() error {
			ids[i], errs[i] = o.fetch(ctx, s)
			return nil
		})
	}
	g.Wait()

	var out []observed
	for i, s := range sightings {
		err := errs[i]
		switch {
		case err == nil:
			diag.Fetched++
		case errors.Is(err, descriptor.ErrMalformedDescriptor):
			diag.Malformed++
		default:
			diag.Unreachable++
		}
		if err != nil {
			o.log.Debug("skipping endpoint", "source", s.Source, "url", s.URL, "error", err)
			diag.Errors = append(diag.Errors, err.Error())
			continue
		}
		if !ids[i].Vendor && !s.Manual() {
			diag.Foreign++
			continue
		}
		out = append(out, observed{id: ids[i], sighting: s})
	}
	return out
}

func (o *Orchestrator) fetch(ctx context.Context, s Sighting) (*descriptor.Identity, error) {
	ctx, cancel := context.WithTimeout(ctx, o.fetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", s.URL, err)
	}
	resp, err := o.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", s.URL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: status %d", s.URL, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDescriptorSize))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", s.URL, err)
	}
	return descriptor.Parse(body, s.Address)
}
