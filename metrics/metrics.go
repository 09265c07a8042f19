// Package metrics exposes Prometheus instrumentation for the blueprint
// service: step outcomes, retry attempts, job durations, and in-flight
// jobs.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/josephsenior/Metasop-sub003/agent"
	"github.com/josephsenior/Metasop-sub003/queue"
)

// Metrics holds the service's Prometheus collectors. It implements
// queue.Monitor so the job registry can feed it directly.
type Metrics struct {
	registry *prometheus.Registry

	stepsTotal   *prometheus.CounterVec
	retriesTotal *prometheus.CounterVec
	jobDuration  *prometheus.HistogramVec
	activeJobs   prometheus.Gauge
}

// New creates a Metrics with its own registry, including the standard Go
// and process collectors.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		stepsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "metasop",
			Name:      "steps_total",
			Help:      "Pipeline step outcomes by step ID and status.",
		}, []string{"step_id", "status"}),
		retriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "metasop",
			Name:      "step_retries_total",
			Help:      "Retry attempts beyond the first, by step ID.",
		}, []string{"step_id"}),
		jobDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "metasop",
			Name:      "job_duration_seconds",
			Help:      "Wall time of generation jobs from start to terminal status.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}, []string{"status"}),
		activeJobs: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "metasop",
			Name:      "active_jobs",
			Help:      "Generation jobs currently running.",
		}),
	}
}

// Handler serves the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// JobStarted implements queue.Monitor.
func (m *Metrics) JobStarted(queue.Job) {
	m.activeJobs.Inc()
}

// JobFinished implements queue.Monitor.
func (m *Metrics) JobFinished(_ queue.Job, status queue.JobStatus, duration time.Duration) {
	m.activeJobs.Dec()
	m.jobDuration.WithLabelValues(string(status)).Observe(duration.Seconds())
}

// Event implements queue.Monitor: it counts step outcomes and retry
// attempts from the progress event stream.
func (m *Metrics) Event(ev agent.Event) {
	switch ev.Type {
	case agent.EventStepComplete:
		m.stepsTotal.WithLabelValues(ev.StepID, "success").Inc()
		m.countRetries(ev)
	case agent.EventStepFailed:
		m.stepsTotal.WithLabelValues(ev.StepID, "failed").Inc()
		m.countRetries(ev)
	}
}

func (m *Metrics) countRetries(ev agent.Event) {
	attempts, ok := ev.Payload["attempts"].(int)
	if !ok || attempts <= 1 {
		return
	}
	m.retriesTotal.WithLabelValues(ev.StepID).Add(float64(attempts - 1))
}
