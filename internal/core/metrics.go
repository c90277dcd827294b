package core

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/chambrid/jobs-api/pkg/jobs"
)

// Metrics counts the job operations served.
type Metrics struct {
	operations *prometheus.CounterVec
	drifted    *prometheus.CounterVec
}

// NewMetrics creates the core metrics and registers them with reg. A nil
// reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jobs_api_job_operations_total",
				Help: "Total number of job operations, by result",
			},
			[]string{"operation", "job_type", "result"},
		),
		drifted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jobs_api_job_drift_total",
				Help: "Total number of reads where the runtime differed from storage",
			},
			[]string{"job_type"},
		),
	}
	if reg != nil {
		reg.MustRegister(m.operations, m.drifted)
	}
	return m
}

func (m *Metrics) observe(operation string, jobType jobs.JobType, err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = string(jobs.TypeOf(err))
	}
	if jobType == "" {
		jobType = "all"
	}
	m.operations.WithLabelValues(operation, string(jobType), result).Inc()
}

func (m *Metrics) drift(jobType jobs.JobType) {
	if m == nil {
		return
	}
	m.drifted.WithLabelValues(string(jobType)).Inc()
}
