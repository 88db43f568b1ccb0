package ingest

import "github.com/geotrack/geovector/pkg/metrics"

// Metrics are the ingestion counters exported at /metrics.
type Metrics struct {
	Runs      *metrics.Counter
	RunErrors func(kind string) *metrics.Counter
	Fetched   *metrics.Counter
	Points    *metrics.Counter
	Degraded  *metrics.Counter
	Upserted  *metrics.Counter
	Skipped   *metrics.Counter
	Retries   func(stage string) *metrics.Counter
	StageDur  func(stage string) *metrics.Histogram
	LastRun   *metrics.Gauge
}

// NewMetrics registers the ingestion metrics on reg.
func NewMetrics(reg *metrics.Registry) *Metrics {
	return &Metrics{
		Runs: reg.Counter("geovector_ingest_runs_total", "Pipeline runs started"),
		RunErrors: func(kind string) *metrics.Counter {
			return reg.Counter(metrics.WithLabels("geovector_ingest_run_errors_total", "kind", kind), "Failed pipeline runs by error kind")
		},
		Fetched:  reg.Counter("geovector_ingest_records_fetched_total", "Source rows fetched"),
		Points:   reg.Counter("geovector_ingest_points_total", "Vector points built"),
		Degraded: reg.Counter("geovector_ingest_coordinates_defaulted_total", "Records whose coordinate was replaced by 0,0"),
		Upserted: reg.Counter("geovector_ingest_points_upserted_total", "Points written to the vector store"),
		Skipped:  reg.Counter("geovector_ingest_loads_skipped_total", "Runs that skipped loading into an existing collection"),
		Retries: func(stage string) *metrics.Counter {
			return reg.Counter(metrics.WithLabels("geovector_ingest_retries_total", "stage", stage), "Retried stage attempts")
		},
		StageDur: func(stage string) *metrics.Histogram {
			return reg.Histogram(metrics.WithLabels("geovector_ingest_stage_duration_seconds", "stage", stage), "Per-stage duration", nil)
		},
		LastRun: reg.Gauge("geovector_ingest_last_success_unixtime", "Unix time of the last successful run"),
	}
}
