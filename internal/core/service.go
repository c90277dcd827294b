package core

import (
	"context"
	"fmt"
	"strconv"

	"github.com/go-logr/logr"
	"github.com/hashicorp/go-multierror"

	"github.com/chambrid/jobs-api/internal/runtime/k8s"
	"github.com/chambrid/jobs-api/internal/storage"
	"github.com/chambrid/jobs-api/pkg/images"
	"github.com/chambrid/jobs-api/pkg/jobs"
)

// Options configures a Service.
type Options struct {
	Runtime Runtime
	// Storage may be nil, jobs then only live in the runtime
	Storage        storage.Storage
	StorageEnabled bool
	Metrics        *Metrics
	Logger         logr.Logger
}

// Service implements the job operations of the API on top of the runtime
// and the storage.
type Service struct {
	runtime        Runtime
	storage        storage.Storage
	storageEnabled bool
	reconciler     *Reconciler
	metrics        *Metrics
	locks          *keyedMutex
	logger         logr.Logger
}

// NewService creates a service.
func NewService(opts Options) *Service {
	return &Service{
		runtime:        opts.Runtime,
		storage:        opts.Storage,
		storageEnabled: opts.StorageEnabled,
		reconciler:     NewReconciler(opts.Runtime, opts.Storage, opts.StorageEnabled, opts.Metrics, opts.Logger),
		metrics:        opts.Metrics,
		locks:          newKeyedMutex(),
		logger:         opts.Logger.WithName("core"),
	}
}

func (s *Service) lock(tool, name string) func() {
	return s.locks.Lock(jobKey(tool, name))
}

func jobNotFound(tool, name string) error {
	return jobs.NewNotFoundError(fmt.Sprintf("Job '%s' does not exist", name), map[string]any{"tool": tool})
}

// GetJobs returns every job of tool.
func (s *Service) GetJobs(ctx context.Context, tool string) ([]*jobs.Job, error) {
	out, err := s.reconciler.ReconcileAll(ctx, tool, func(name string) func() { return s.lock(tool, name) })
	s.metrics.observe("list", "", err)
	return out, err
}

// GetJob returns a job, or a not found error.
func (s *Service) GetJob(ctx context.Context, tool, name string) (*jobs.Job, error) {
	defer s.lock(tool, name)()

	job, err := s.getJob(ctx, tool, name)
	s.metrics.observe("get", typeOf(job), err)
	return job, err
}

func (s *Service) getJob(ctx context.Context, tool, name string) (*jobs.Job, error) {
	job, err := s.reconciler.Reconcile(ctx, tool, name)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, jobNotFound(tool, name)
	}
	return job, nil
}

// CreateJob starts job. It fails with a conflict when a job with the same
// name is already running.
func (s *Service) CreateJob(ctx context.Context, job *jobs.Job) (*jobs.Job, error) {
	defer s.lock(job.Tool, job.Name)()

	_, err := s.runtime.GetJob(ctx, job.Tool, job.Name)
	switch {
	case err == nil:
		err = jobs.NewConflictError("A job with the same name exists already", map[string]any{"name": job.Name})
	case jobs.IsNotFound(err):
		err = s.createJob(ctx, job)
	}
	s.metrics.observe("create", job.Type(), err)
	if err != nil {
		return nil, err
	}
	return job, nil
}

func (s *Service) createJob(ctx context.Context, job *jobs.Job) error {
	if err := s.runtime.CreateJob(ctx, job); err != nil {
		if jobs.TypeOf(err) == jobs.ErrorTypeInternal {
			return jobs.NewInternalError("Unable to start job", err)
		}
		return err
	}
	return s.save(ctx, job)
}

// save replaces the stored definition of job. One-off jobs are never
// stored.
func (s *Service) save(ctx context.Context, job *jobs.Job) error {
	if s.storage == nil || job.Type() == jobs.JobTypeOneOff {
		return nil
	}

	err := s.storage.DeleteJob(ctx, job)
	if err == nil || jobs.IsNotFound(err) {
		err = s.storage.CreateJob(ctx, job)
	}
	if err != nil {
		if s.storageEnabled {
			return err
		}
		s.logger.Error(err, "unable to save job", "tool", job.Tool, "job", job.Name)
	}
	return nil
}

func (s *Service) forget(ctx context.Context, job *jobs.Job) error {
	if s.storage == nil {
		return nil
	}
	if err := s.storage.DeleteJob(ctx, job); err != nil && !jobs.IsNotFound(err) {
		if s.storageEnabled {
			return err
		}
		s.logger.Error(err, "unable to delete stored job", "tool", job.Tool, "job", job.Name)
	}
	return nil
}

// UpdateJob makes the runtime match job, recreating it when it differs.
// It returns a message telling what happened.
func (s *Service) UpdateJob(ctx context.Context, job *jobs.Job) (string, error) {
	defer s.lock(job.Tool, job.Name)()

	message, err := s.updateJob(ctx, job)
	s.metrics.observe("update", job.Type(), err)
	if err != nil {
		return "", err
	}
	s.logger.Info(message, "tool", job.Tool)
	return message, nil
}

func (s *Service) updateJob(ctx context.Context, job *jobs.Job) (string, error) {
	log := s.logger.WithValues("tool", job.Tool, "job", job.Name)

	diff, err := s.runtime.Diff(ctx, job)
	if err != nil {
		if !jobs.IsNotFound(err) {
			return "", err
		}
		log.V(1).Info("creating job")
		if err := s.createJob(ctx, job); err != nil {
			return "", err
		}
		return fmt.Sprintf("Job %s created", job.Name), nil
	}

	if diff == "" {
		// the runtime is right, storage may still be missing it
		if err := s.save(ctx, job); err != nil {
			return "", err
		}
		return fmt.Sprintf("Job %s is already up to date", job.Name), nil
	}

	log.V(1).Info("updating job", "diff", diff)
	if err := s.runtime.DeleteJob(ctx, job); err != nil && !jobs.IsNotFound(err) {
		return "", err
	}
	if err := s.createJob(ctx, job); err != nil {
		return "", err
	}
	return fmt.Sprintf("Job %s updated", job.Name), nil
}

// DeleteJob removes a job from the runtime and from storage.
func (s *Service) DeleteJob(ctx context.Context, tool, name string) error {
	defer s.lock(tool, name)()

	job, err := s.deleteJob(ctx, tool, name)
	s.metrics.observe("delete", typeOf(job), err)
	return err
}

func (s *Service) deleteJob(ctx context.Context, tool, name string) (*jobs.Job, error) {
	running, err := s.runtime.GetJob(ctx, tool, name)
	if err != nil && !jobs.IsNotFound(err) {
		return nil, err
	}
	stored, err := s.reconciler.stored(ctx, tool, name)
	if err != nil {
		return nil, err
	}

	switch {
	case running != nil:
		if err := s.runtime.DeleteJob(ctx, running); err != nil {
			return running, err
		}
		return running, s.forget(ctx, running)
	case stored != nil:
		return stored, s.forget(ctx, stored)
	default:
		return nil, jobNotFound(tool, name)
	}
}

// FlushJobs deletes every job of tool. Both sides are always attempted.
func (s *Service) FlushJobs(ctx context.Context, tool string) error {
	var result *multierror.Error

	if err := s.runtime.DeleteAllJobs(ctx, tool); err != nil {
		result = multierror.Append(result, err)
	}
	if s.storage != nil {
		if _, err := s.storage.DeleteAllJobs(ctx, tool); err != nil {
			if s.storageEnabled {
				result = multierror.Append(result, err)
			} else {
				s.logger.Error(err, "unable to flush stored jobs", "tool", tool)
			}
		}
	}

	var err error
	switch {
	case result == nil:
	case len(result.Errors) == 1:
		err = result.Errors[0]
	default:
		err = jobs.NewInternalError("Failed to flush all jobs", result)
	}
	s.metrics.observe("flush", "", err)
	return err
}

// RestartJob restarts a scheduled or continuous job.
func (s *Service) RestartJob(ctx context.Context, tool, name string) error {
	defer s.lock(tool, name)()

	job, err := s.runtime.GetJob(ctx, tool, name)
	if err == nil {
		err = s.runtime.RestartJob(ctx, job)
	}
	s.metrics.observe("restart", typeOf(job), err)
	return err
}

// GetLogs sends the log entries of a job to emit. lines is the raw query
// value, empty for no limit.
func (s *Service) GetLogs(ctx context.Context, tool, name string, follow bool, lines string, emit func(k8s.LogEntry) error) error {
	limit := 0
	if lines != "" {
		n, err := strconv.Atoi(lines)
		if err != nil {
			return jobs.NewValidationError("Unable to parse lines as integer", map[string]any{"lines": lines})
		}
		limit = n
	}

	job, err := s.runtime.GetJob(ctx, tool, name)
	if err != nil {
		return err
	}
	if job.Filelog {
		return jobs.NewNotFoundError(
			fmt.Sprintf("Job '%s' has file logging enabled, which is incompatible with the logs command", name),
			map[string]any{"tool": tool},
		)
	}
	return s.runtime.GetLogs(ctx, tool, name, follow, limit, emit)
}

// GetImages returns the images tool can use.
func (s *Service) GetImages(ctx context.Context, tool string) ([]images.Image, error) {
	return s.runtime.GetImages(ctx, tool)
}

// GetQuotas returns the quota usage of tool.
func (s *Service) GetQuotas(ctx context.Context, tool string) ([]jobs.QuotaData, error) {
	return s.runtime.GetQuotas(ctx, tool)
}

func typeOf(job *jobs.Job) jobs.JobType {
	if job == nil {
		return ""
	}
	return job.Type()
}
