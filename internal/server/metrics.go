package server

import (
	"net/http"
	"time"

	"aimint/internal/inference"
	"aimint/internal/pipeline"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// metricsRegistry also observes pipeline runs to time each stage.
type metricsRegistry struct {
	pipeline.NopObserver

	registry      *prometheus.Registry
	requestsTotal *prometheus.CounterVec
	runsTotal     *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec
	imageBytes    prometheus.Histogram
	inFlight      prometheus.Gauge
}

func newMetricsRegistry() *metricsRegistry {
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "aimint_mint_requests_total",
		Help: "Mint submissions by how they were answered",
	}, []string{"result"})

	runs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "aimint_pipeline_runs_total",
		Help: "Completed pipeline runs by terminal state and failing stage",
	}, []string{"state", "stage", "category"})

	stages := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "aimint_pipeline_stage_duration_seconds",
		Help:    "Time spent in each pipeline stage",
		Buckets: []float64{0.01, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
	}, []string{"stage", "result"})

	imageBytes := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "aimint_generated_image_bytes",
		Help:    "Size of generated images",
		Buckets: prometheus.ExponentialBuckets(16<<10, 2, 10),
	})

	inFlight := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "aimint_mints_in_flight",
		Help: "Pipeline runs currently executing",
	})

	r := prometheus.NewRegistry()
	r.MustRegister(requests, runs, stages, imageBytes, inFlight)

	return &metricsRegistry{
		registry:      r,
		requestsTotal: requests,
		runsTotal:     runs,
		stageDuration: stages,
		imageBytes:    imageBytes,
		inFlight:      inFlight,
	}
}

func (m *metricsRegistry) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *metricsRegistry) incRequest(result string) {
	m.requestsTotal.WithLabelValues(result).Inc()
}

func (m *metricsRegistry) observeOutcome(out pipeline.Outcome) {
	stage, category := "none", "none"
	if out.Err != nil {
		stage = string(out.Err.Stage)
		category = out.Err.Category()
	}
	m.runsTotal.WithLabelValues(string(out.State), stage, category).Inc()
}

func (m *metricsRegistry) OnStage(_ string, stage pipeline.State, elapsed time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.stageDuration.WithLabelValues(string(stage), result).Observe(elapsed.Seconds())
}

func (m *metricsRegistry) OnImage(_ string, image inference.Image) {
	m.imageBytes.Observe(float64(len(image.Data)))
}
