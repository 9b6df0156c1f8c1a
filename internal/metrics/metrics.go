// Package metrics defines the prometheus collectors the worker pool and
// completion handler update, served over /metrics by the api router's
// promhttp.Handler.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	JobsPulled = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "flowengine_jobs_pulled_total",
		Help: "Jobs pulled off job_queue, by kind.",
	}, []string{"kind"})

	JobsCompleted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "flowengine_jobs_completed_total",
		Help: "Jobs moved from job_queue to job_completed, by kind and outcome.",
	}, []string{"kind", "success"})

	JobsReaped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "flowengine_jobs_reaped_total",
		Help: "Jobs reclaimed by the reaper after their lease expired, by kind.",
	}, []string{"kind"})

	DispatchDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "flowengine_dispatch_duration_seconds",
		Help:    "Time spent inside one push_next_flow_job pass.",
		Buckets: prometheus.DefBuckets,
	}, []string{"module_kind"})

	AgentIterations = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "flowengine_agent_iterations",
		Help:    "Number of model round trips an ai_agent module used before finishing.",
		Buckets: []float64{1, 2, 3, 5, 8, 13, 21, 34, 55},
	}, []string{"provider"})

	QueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "flowengine_queue_depth",
		Help: "Rows currently sitting in job_queue, by tag.",
	}, []string{"tag"})
)

// Register adds every collector in this package to reg. Called once at
// process startup; a nil reg registers against the default registry.
func Register(reg prometheus.Registerer) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(JobsPulled, JobsCompleted, JobsReaped, DispatchDuration, AgentIterations, QueueDepth)
}
