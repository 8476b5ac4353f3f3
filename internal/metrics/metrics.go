// Package metrics provides Prometheus metrics for slidebatch runs.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry is the Prometheus registry for all slidebatch metrics.
var Registry = prometheus.NewRegistry()

// BatchMetrics holds the Prometheus metrics for one batch run.
type BatchMetrics struct {
	// Work discovery
	ItemsPending  prometheus.Gauge // Unprocessed inputs at the start of the run
	ChunksPlanned prometheus.Gauge

	// Progress (counters)
	ChunksTotal     *prometheus.CounterVec // labels: result
	ItemsMarked     prometheus.Counter
	ItemsDownloaded prometheus.Counter
	FilesUploaded   *prometheus.CounterVec // labels: stage

	// Stage timings
	StageDuration *prometheus.HistogramVec // labels: stage
	StageFailures *prometheus.CounterVec   // labels: stage, step

	// Run info
	LastSuccess prometheus.Gauge     // Unix time of the last fully successful run
	RunInfo     *prometheus.GaugeVec // labels: version
}

func init() {
	// Register standard Go metrics
	Registry.MustRegister(collectors.NewGoCollector())
	Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// InitMetrics initializes all metrics with the given queue name as a constant label.
func InitMetrics(queue, version string) *BatchMetrics {
	constLabels := prometheus.Labels{
		"queue": queue,
	}

	m := &BatchMetrics{
		ItemsPending: promauto.With(Registry).NewGauge(prometheus.GaugeOpts{
			Name:        "slidebatch_items_pending",
			Help:        "Unprocessed inputs found at the start of the run",
			ConstLabels: constLabels,
		}),
		ChunksPlanned: promauto.With(Registry).NewGauge(prometheus.GaugeOpts{
			Name:        "slidebatch_chunks_planned",
			Help:        "Chunks planned for this run",
			ConstLabels: constLabels,
		}),
		ChunksTotal: promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
			Name:        "slidebatch_chunks_total",
			Help:        "Chunks finished by result",
			ConstLabels: constLabels,
		}, []string{"result"}),
		ItemsMarked: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name:        "slidebatch_items_marked_total",
			Help:        "Processed markers written",
			ConstLabels: constLabels,
		}),
		ItemsDownloaded: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name:        "slidebatch_items_downloaded_total",
			Help:        "Raw inputs downloaded to local scratch",
			ConstLabels: constLabels,
		}),
		FilesUploaded: promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
			Name:        "slidebatch_files_uploaded_total",
			Help:        "Stage output files uploaded",
			ConstLabels: constLabels,
		}, []string{"stage"}),
		StageDuration: promauto.With(Registry).NewHistogramVec(prometheus.HistogramOpts{
			Name:        "slidebatch_stage_duration_seconds",
			Help:        "Wall time of a full stage (staging, run, upload, cleanup)",
			ConstLabels: constLabels,
			Buckets:     prometheus.ExponentialBuckets(30, 2, 10),
		}, []string{"stage"}),
		StageFailures: promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
			Name:        "slidebatch_stage_failures_total",
			Help:        "Stage failures by stage and failing step",
			ConstLabels: constLabels,
		}, []string{"stage", "step"}),
		LastSuccess: promauto.With(Registry).NewGauge(prometheus.GaugeOpts{
			Name:        "slidebatch_last_success_timestamp_seconds",
			Help:        "Unix time of the last run that finished every chunk",
			ConstLabels: constLabels,
		}),
		RunInfo: promauto.With(Registry).NewGaugeVec(prometheus.GaugeOpts{
			Name:        "slidebatch_run_info",
			Help:        "Run information (always 1)",
			ConstLabels: constLabels,
		}, []string{"version"}),
	}

	m.RunInfo.WithLabelValues(version).Set(1)
	return m
}
