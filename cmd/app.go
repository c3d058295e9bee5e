package cmd

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/tinkerbelle-io/tb-speakerd/internal/agent"
	"github.com/tinkerbelle-io/tb-speakerd/internal/api"
	"github.com/tinkerbelle-io/tb-speakerd/internal/audit"
	"github.com/tinkerbelle-io/tb-speakerd/internal/capability"
	"github.com/tinkerbelle-io/tb-speakerd/internal/catalog"
	"github.com/tinkerbelle-io/tb-speakerd/internal/config"
	"github.com/tinkerbelle-io/tb-speakerd/internal/discovery"
	"github.com/tinkerbelle-io/tb-speakerd/internal/events"
	"github.com/tinkerbelle-io/tb-speakerd/internal/inventory"
	"github.com/tinkerbelle-io/tb-speakerd/internal/resolver"
	"github.com/tinkerbelle-io/tb-speakerd/internal/speaker"
)

// app holds the components shared by the commands.
type app struct {
	cfg      *config.Config
	store    inventory.Store
	catalog  *catalog.Client
	journal  *audit.Logger
	hub      *events.Hub
	editor   *api.Editor
	resolver *resolver.Resolver
	runner   *agent.Runner
	log      *slog.Logger
}

// appOptions selects the optional parts of an app.
type appOptions struct {
	events    bool // websocket feed
	discovery bool // discovery sources, prober and runner
}

func newApp(cfg *config.Config, opts appOptions) (*app, error) {
	a := &app{cfg: cfg, log: slog.Default()}

	store, err := inventory.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return nil, err
	}
	a.store = store

	if cfg.Catalog.URL != "" {
		a.catalog, err = catalog.New(catalog.Options{
			URL:         cfg.Catalog.URL,
			Timeout:     cfg.Catalog.Timeout,
			CacheTTL:    cfg.Catalog.CacheTTL,
			MaxFailures: cfg.Catalog.MaxFailures,
			Cooldown:    cfg.Catalog.Cooldown,
			UserAgent:   "tb-speakerd/" + rootCmd.Version,
		}, a.log)
		if err != nil {
			a.close()
			return nil, err
		}
	}

	if cfg.AuditPath != "" {
		a.journal, err = audit.Open(cfg.AuditPath)
		if err != nil {
			a.close()
			return nil, err
		}
	}

	if opts.events {
		a.hub = events.NewHub(a.log)
	}
	a.editor = api.NewEditor(a.store, a.stations(), a.journal, a.hub, a.log)

	var stations resolver.StationSource
	if a.catalog != nil {
		stations = a.catalog
	}
	a.resolver = resolver.New(a.store, stations, resolver.Options{
		Mode:      cfg.Resolver.Mode,
		PublicURL: cfg.PublicURL,
		Timeout:   cfg.Resolver.Timeout,
	}, a.log)

	if opts.discovery {
		a.runner = a.newRunner()
	}
	return a, nil
}

// stations returns the catalog as a lookup, or nil without a catalog.
func (a *app) stations() api.StationLookup {
	if a.catalog == nil {
		return nil
	}
	return a.catalog
}

// searcher returns the catalog for search, or nil without a catalog.
func (a *app) searcher() api.StationSearcher {
	if a.catalog == nil {
		return nil
	}
	return a.catalog
}

func (a *app) newRunner() *agent.Runner {
	cfg := a.cfg
	orch := discovery.NewOrchestrator(buildSources(cfg, a.log), discovery.Options{
		FetchTimeout: cfg.Discovery.FetchTimeout,
		Concurrency:  cfg.Discovery.Concurrency,
	}, a.log)
	prober := capability.NewProber(speaker.NewClient(cfg.Probe.ControlPort, cfg.Probe.QueryTimeout), a.log)

	syncer := inventory.NewSynchronizer(a.store, a.log)
	syncer.OnChange = a.editor.RecordChange

	runner := agent.NewRunner(agent.RunnerConfig{
		Discoverer:       orch,
		Prober:           prober,
		Syncer:           syncer,
		Timeout:          cfg.Discovery.Timeout,
		ProbeConcurrency: cfg.Discovery.Concurrency,
	}, a.log)
	runner.OnReport = a.editor.RecordReport
	return runner
}

// buildSources returns the enabled discovery sources. Manual endpoints are
// always included when configured.
func buildSources(cfg *config.Config, logger *slog.Logger) []discovery.Source {
	var sources []discovery.Source
	if cfg.Discovery.SSDP {
		sources = append(sources, discovery.NewSSDPSource(cfg.Discovery.Interfaces, logger))
	}
	if cfg.Discovery.MDNS {
		sources = append(sources, discovery.NewMDNSSource(cfg.Discovery.Interfaces, logger))
	}
	if len(cfg.Discovery.ManualEndpoints) > 0 {
		sources = append(sources, discovery.NewManualSource(cfg.Discovery.ManualEndpoints, cfg.Probe.ControlPort))
	}
	return sources
}

func (a *app) close() error {
	var errs []error
	a.hub.Close()
	if a.journal != nil {
		errs = append(errs, a.journal.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
