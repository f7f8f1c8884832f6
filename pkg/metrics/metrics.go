// Package metrics defines the Prometheus metric collectors used across the
// pipelines and exposes an HTTP handler for scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors for the pipelines.
type Metrics struct {
	ResourcesFetchedTotal *prometheus.CounterVec
	ResourcesWrittenTotal *prometheus.CounterVec
	SegmentsTotal         *prometheus.CounterVec
	SegmentRetriesTotal   prometheus.Counter
	FailedUploadsTotal    prometheus.Counter
	FetchLatency          *prometheus.HistogramVec
	ParquetRotationsTotal *prometheus.CounterVec
	ActiveWriters         prometheus.Gauge
	NumDuplicates         prometheus.Counter
	NumOutputRecords      prometheus.Counter
	CdcEventsTotal        *prometheus.CounterVec
}

// New creates and registers all Prometheus metrics.
func New() *Metrics {
	m := &Metrics{
		ResourcesFetchedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "resources_fetched_total",
				Help: "Total FHIR resources fetched from the source, by resource type.",
			},
			[]string{"resource_type"},
		),
		ResourcesWrittenTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "resources_written_total",
				Help: "Total records appended to the Parquet warehouse, by resource type.",
			},
			[]string{"resource_type"},
		),
		SegmentsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "segments_total",
				Help: "Total fetch segments processed, by outcome (ok, failed).",
			},
			[]string{"outcome"},
		),
		SegmentRetriesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "segment_retries_total",
				Help: "Total retry attempts across all fetch segments.",
			},
		),
		FailedUploadsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "sink_failed_uploads_total",
				Help: "Total resources that failed to upload to the sink FHIR server.",
			},
		),
		FetchLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fetch_latency_seconds",
				Help:    "Latency of source FHIR fetches in seconds.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"mode"},
		),
		ParquetRotationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parquet_rotations_total",
				Help: "Total part-file rotations, by resource type.",
			},
			[]string{"resource_type"},
		),
		ActiveWriters: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "parquet_active_writers",
				Help: "Number of currently open Parquet writers.",
			},
		),
		NumDuplicates: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "merge_duplicates_total",
				Help: "ID groups with more than one record seen during a merge.",
			},
		),
		NumOutputRecords: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "merge_output_records_total",
				Help: "Records written by the merger.",
			},
		),
		CdcEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cdc_events_total",
				Help: "Change-data-capture events consumed, by table and outcome.",
			},
			[]string{"table", "outcome"},
		),
	}

	prometheus.MustRegister(
		m.ResourcesFetchedTotal,
		m.ResourcesWrittenTotal,
		m.SegmentsTotal,
		m.SegmentRetriesTotal,
		m.FailedUploadsTotal,
		m.FetchLatency,
		m.ParquetRotationsTotal,
		m.ActiveWriters,
		m.NumDuplicates,
		m.NumOutputRecords,
		m.CdcEventsTotal,
	)

	return m
}

// Handler returns the Prometheus scrape HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
