// Package metrics exposes Prometheus counters for discovery, probing,
// inventory sync, preset resolution and catalog lookups. Every recorder is a
// no-op until Init has run, so packages can call them unconditionally.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricPrefix = "speakerd_"

var (
	registerOnce sync.Once
	registry     *prometheus.Registry

	discoveryRuns       *prometheus.CounterVec
	discoverySightings  *prometheus.CounterVec
	discoveryCandidates prometheus.Gauge
	discoveryDrops      *prometheus.CounterVec

	probeQueries *prometheus.CounterVec

	syncOutcomes *prometheus.CounterVec
	syncLatency  prometheus.Histogram

	resolveTotal   *prometheus.CounterVec
	resolveLatency *prometheus.HistogramVec

	catalogRequests *prometheus.CounterVec
)

// Init registers the collectors on a dedicated registry (plus the Go and
// process collectors). Safe to call more than once.
func Init() {
	registerOnce.Do(func() {
		registry = prometheus.NewRegistry()

		discoveryRuns = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "discovery_runs_total",
				Help: "Discovery cycles by result",
			},
			[]string{"result"},
		)
		discoverySightings = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "discovery_sightings_total",
				Help: "Raw endpoint sightings by source",
			},
			[]string{"source"},
		)
		discoveryCandidates = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: metricPrefix + "discovery_candidates",
				Help: "Distinct candidates produced by the last discovery cycle",
			},
		)
		discoveryDrops = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "discovery_dropped_total",
				Help: "Sightings dropped before becoming candidates, by reason",
			},
			[]string{"reason"},
		)

		probeQueries = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "probe_queries_total",
				Help: "Capability probe queries by endpoint and outcome",
			},
			[]string{"query", "outcome"},
		)

		syncOutcomes = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "sync_devices_total",
				Help: "Inventory sync results per device",
			},
			[]string{"outcome"},
		)
		syncLatency = prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "sync_latency_seconds",
				Help:    "Inventory sync batch latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
		)

		resolveTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "resolve_total",
				Help: "Preset resolutions by disposition",
			},
			[]string{"disposition"},
		)
		resolveLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "resolve_latency_seconds",
				Help:    "Preset resolution latency in seconds",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2, 5},
			},
			[]string{"disposition"},
		)

		catalogRequests = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "catalog_requests_total",
				Help: "Catalog requests by result (hit, miss, search, error, breaker_open, not_found)",
			},
			[]string{"result"},
		)

		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			discoveryRuns,
			discoverySightings,
			discoveryCandidates,
			discoveryDrops,
			probeQueries,
			syncOutcomes,
			syncLatency,
			resolveTotal,
			resolveLatency,
			catalogRequests,
		)
	})
}

// Handler serves the registry in the Prometheus text format.
func Handler() http.Handler {
	Init()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// Gatherer exposes the registry, mainly for tests.
func Gatherer() prometheus.Gatherer {
	Init()
	return registry
}

// ObserveDiscovery records one discovery cycle.
func ObserveDiscovery(result string, candidates int) {
	if discoveryRuns == nil {
		return
	}
	discoveryRuns.WithLabelValues(orUnknown(result)).Inc()
	discoveryCandidates.Set(float64(candidates))
}

// AddSightings counts raw sightings from one source.
func AddSightings(source string, n int) {
	if discoverySightings == nil || n <= 0 {
		return
	}
	discoverySightings.WithLabelValues(orUnknown(source)).Add(float64(n))
}

// AddDropped counts sightings discarded for reason.
func AddDropped(reason string, n int) {
	if discoveryDrops == nil || n <= 0 {
		return
	}
	discoveryDrops.WithLabelValues(orUnknown(reason)).Add(float64(n))
}

// IncProbeQuery records one capability query outcome ("ok", "not-found",
// "timeout", "unreachable", "malformed").
func IncProbeQuery(query, outcome string) {
	if probeQueries == nil {
		return
	}
	probeQueries.WithLabelValues(orUnknown(query), orUnknown(outcome)).Inc()
}

// ObserveSync records a sync batch.
func ObserveSync(inserted, updated, unchanged, failed int, duration time.Duration) {
	if syncOutcomes == nil {
		return
	}
	syncOutcomes.WithLabelValues("inserted").Add(float64(inserted))
	syncOutcomes.WithLabelValues("updated").Add(float64(updated))
	syncOutcomes.WithLabelValues("unchanged").Add(float64(unchanged))
	syncOutcomes.WithLabelValues("failed").Add(float64(failed))
	syncLatency.Observe(duration.Seconds())
}

// ObserveResolve records one preset resolution.
func ObserveResolve(disposition string, duration time.Duration) {
	if resolveTotal == nil {
		return
	}
	disposition = orUnknown(disposition)
	resolveTotal.WithLabelValues(disposition).Inc()
	resolveLatency.WithLabelValues(disposition).Observe(duration.Seconds())
}

// IncCatalog records one catalog lookup result.
func IncCatalog(result string) {
	if catalogRequests == nil {
		return
	}
	catalogRequests.WithLabelValues(orUnknown(result)).Inc()
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
