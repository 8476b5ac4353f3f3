package docker

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once            sync.Once
	metricsRegistry *dockerMetrics
)

// dockerMetrics holds Prometheus metrics for stage containers.
type dockerMetrics struct {
	imagePulls       *prometheus.CounterVec
	containerRuns    *prometheus.CounterVec
	containerSeconds *prometheus.HistogramVec
	lastExitCode     *prometheus.GaugeVec
}

// initMetrics initializes Docker Prometheus metrics (singleton).
// Pass nil for registry to use the default Prometheus registry.
func initMetrics(registry prometheus.Registerer) *dockerMetrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	once.Do(func() {
		metricsRegistry = &dockerMetrics{
			imagePulls: promauto.With(registry).NewCounterVec(
				prometheus.CounterOpts{
					Name: "slidebatch_docker_image_pulls_total",
					Help: "Total image pulls by image and result",
				},
				[]string{"image", "result"},
			),
			containerRuns: promauto.With(registry).NewCounterVec(
				prometheus.CounterOpts{
					Name: "slidebatch_docker_container_runs_total",
					Help: "Total stage container runs by stage and result",
				},
				[]string{"stage", "result"},
			),
			containerSeconds: promauto.With(registry).NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "slidebatch_docker_container_duration_seconds",
					Help:    "Wall time of stage containers in seconds",
					Buckets: prometheus.ExponentialBuckets(30, 2, 10), // 30s .. ~4h
				},
				[]string{"stage"},
			),
			lastExitCode: promauto.With(registry).NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "slidebatch_docker_container_last_exit_code",
					Help: "Exit code of the most recent container run per stage (-1 if it did not run)",
				},
				[]string{"stage"},
			),
		}
	})
	return metricsRegistry
}

func (m *dockerMetrics) recordPull(image string, ok bool) {
	if m == nil {
		return
	}
	m.imagePulls.WithLabelValues(image, result(ok)).Inc()
}

func (m *dockerMetrics) recordRun(stage string, code int64, err error, took time.Duration) {
	if m == nil {
		return
	}
	m.containerRuns.WithLabelValues(stage, result(err == nil)).Inc()
	m.containerSeconds.WithLabelValues(stage).Observe(took.Seconds())
	m.lastExitCode.WithLabelValues(stage).Set(float64(code))
}

func result(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}

// exitLabel renders an exit code for log fields.
func exitLabel(code int64) string {
	if code < 0 {
		return "none"
	}
	return strconv.FormatInt(code, 10)
}
