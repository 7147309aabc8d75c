// Package metrics exposes Prometheus instrumentation for claim assessment.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "sentinel"

// Recorder holds the service collectors. A nil *Recorder is a no-op.
type Recorder struct {
	registry *prometheus.Registry

	assessments     *prometheus.CounterVec
	duplicates      prometheus.Counter
	stageErrors     *prometheus.CounterVec
	ruleFlags       *prometheus.CounterVec
	pipelineLatency prometheus.Histogram
	stageLatency    *prometheus.HistogramVec
	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
}

// NewRecorder registers collectors on a fresh registry. Pass a registry to
// share one, or nil to create one with Go and process collectors.
func NewRecorder(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	r := &Recorder{
		registry: reg,
		assessments: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "assessment",
				Name:      "total",
				Help:      "Completed claim assessments by risk label",
			},
			[]string{"label"},
		),
		duplicates: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "dedup",
				Name:      "duplicates_total",
				Help:      "Claims whose bill matched an earlier registration",
			},
		),
		stageErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "assessment",
				Name:      "stage_errors_total",
				Help:      "Assessment failures by pipeline stage",
			},
			[]string{"stage"},
		),
		ruleFlags: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "rules",
				Name:      "flags_total",
				Help:      "Advisory rule flags raised",
			},
			[]string{"flag"},
		),
		pipelineLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "assessment",
				Name:      "duration_seconds",
				Help:      "End-to-end assessment latency",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~8s
			},
		),
		stageLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "assessment",
				Name:      "stage_duration_seconds",
				Help:      "Latency of individual pipeline stages",
				Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 16),
			},
			[]string{"stage"},
		),
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "api",
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "api",
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15),
			},
			[]string{"method", "route"},
		),
	}

	reg.MustRegister(
		r.assessments,
		r.duplicates,
		r.stageErrors,
		r.ruleFlags,
		r.pipelineLatency,
		r.stageLatency,
		r.httpRequests,
		r.httpDuration,
	)
	return r
}

// ObserveAssessment records a completed assessment.
func (r *Recorder) ObserveAssessment(label string, duplicate bool, ruleFlags []string, d time.Duration) {
	if r == nil {
		return
	}
	r.assessments.WithLabelValues(label).Inc()
	if duplicate {
		r.duplicates.Inc()
	}
	for _, f := range ruleFlags {
		r.ruleFlags.WithLabelValues(f).Inc()
	}
	r.pipelineLatency.Observe(d.Seconds())
}

// ObserveStage records the latency of one pipeline stage.
func (r *Recorder) ObserveStage(stage string, d time.Duration) {
	if r == nil {
		return
	}
	r.stageLatency.WithLabelValues(stage).Observe(d.Seconds())
}

// ObserveFailure records a failed assessment.
func (r *Recorder) ObserveFailure(stage string) {
	if r == nil {
		return
	}
	r.stageErrors.WithLabelValues(stage).Inc()
}

// ObserveHTTP records one served request.
func (r *Recorder) ObserveHTTP(method, route, status string, d time.Duration) {
	if r == nil {
		return
	}
	r.httpRequests.WithLabelValues(method, route, status).Inc()
	r.httpDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

// Registry returns the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
