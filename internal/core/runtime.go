// Package core keeps the declarative job store and the cluster in line,
// and serves the job operations the API exposes.
package core

import (
	"context"

	"github.com/chambrid/jobs-api/internal/runtime/k8s"
	"github.com/chambrid/jobs-api/pkg/images"
	"github.com/chambrid/jobs-api/pkg/jobs"
)

// Runtime is what the service needs from the cluster side.
type Runtime interface {
	GetJobs(ctx context.Context, tool string) ([]*jobs.Job, error)
	GetJob(ctx context.Context, tool, name string) (*jobs.Job, error)
	CreateJob(ctx context.Context, job *jobs.Job) error
	DeleteJob(ctx context.Context, job *jobs.Job) error
	DeleteAllJobs(ctx context.Context, tool string) error
	RestartJob(ctx context.Context, job *jobs.Job) error
	GetQuotas(ctx context.Context, tool string) ([]jobs.QuotaData, error)
	GetImages(ctx context.Context, tool string) ([]images.Image, error)
	GetLogs(ctx context.Context, tool, name string, follow bool, lines int, emit func(k8s.LogEntry) error) error
	// Diff returns "" when the running workload matches job.
	Diff(ctx context.Context, job *jobs.Job) (string, error)
}

var _ Runtime = (*k8s.Runtime)(nil)
