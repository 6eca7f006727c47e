// Package metrics exposes the tracker's Prometheus instrumentation. All
// collectors live on one Metrics value registered against a private registry,
// so tests can construct throwaway instances without colliding on the global
// default registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector the tracker updates.
type Metrics struct {
	registry *prometheus.Registry

	FilesProcessed   prometheus.Counter
	FilesFailed      prometheus.Counter
	FilesAbandoned   prometheus.Counter
	ReportsDecoded   prometheus.Counter
	ReportsDropped   prometheus.Counter
	ReportsFailed    prometheus.Counter
	BeaconsInserted  prometheus.Counter
	BeaconsDuplicate prometheus.Counter
	EdgesUpserted    prometheus.Counter
	HotspotsUpserted prometheus.Counter

	Watermark     prometheus.Gauge
	RunDuration   prometheus.Histogram
	FilesInFlight prometheus.Gauge
}

// New builds and registers all collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		FilesProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "poctracker_files_processed_total",
			Help: "Batch files fully processed and marked done.",
		}),
		FilesFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "poctracker_files_failed_total",
			Help: "Batch file attempts that ended in error.",
		}),
		FilesAbandoned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "poctracker_files_abandoned_total",
			Help: "Batch files abandoned after exhausting retries.",
		}),
		ReportsDecoded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "poctracker_reports_decoded_total",
			Help: "Report frames decoded from batch files.",
		}),
		ReportsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "poctracker_reports_dropped_total",
			Help: "Reports dropped before persistence (no witnesses, undecodable).",
		}),
		ReportsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "poctracker_reports_failed_total",
			Help: "Reports whose persistence failed.",
		}),
		BeaconsInserted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "poctracker_beacons_inserted_total",
			Help: "Beacon documents newly inserted.",
		}),
		BeaconsDuplicate: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "poctracker_beacons_duplicate_total",
			Help: "Beacon inserts skipped or resolved as already present.",
		}),
		EdgesUpserted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "poctracker_edges_upserted_total",
			Help: "Witness edge upserts applied.",
		}),
		HotspotsUpserted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "poctracker_hotspots_upserted_total",
			Help: "Hotspot upserts applied.",
		}),
		Watermark: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "poctracker_watermark_unix_seconds",
			Help: "Resume watermark after the most recent run.",
		}),
		RunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "poctracker_run_duration_seconds",
			Help:    "Wall time of one tracker run.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		FilesInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "poctracker_files_in_flight",
			Help: "Batch files currently being processed.",
		}),
	}
	m.registry.MustRegister(
		m.FilesProcessed, m.FilesFailed, m.FilesAbandoned,
		m.ReportsDecoded, m.ReportsDropped, m.ReportsFailed,
		m.BeaconsInserted, m.BeaconsDuplicate,
		m.EdgesUpserted, m.HotspotsUpserted,
		m.Watermark, m.RunDuration, m.FilesInFlight,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
