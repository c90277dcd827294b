package core

import (
	"context"

	"github.com/go-logr/logr"

	"github.com/chambrid/jobs-api/internal/storage"
	"github.com/chambrid/jobs-api/pkg/jobs"
)

// DriftMessage is added to the status of a stored job whose runtime
// counterpart no longer matches it.
const DriftMessage = "Runtime job is different than configured, please recreate or redeploy."

// Reconciler reads a job from both storage and runtime and decides which
// one to show, fixing whichever side is missing.
//
// With storage enabled the stored definition is authoritative: missing
// runtime jobs are created and drifted ones are reported, never changed.
// With storage disabled the runtime is the only truth and storage is a
// cache that is pruned and refilled from it.
type Reconciler struct {
	runtime Runtime
	storage storage.Storage
	enabled bool
	metrics *Metrics
	logger  logr.Logger
}

// NewReconciler creates a reconciler. store may be nil, runtime jobs are
// then returned as they are.
func NewReconciler(rt Runtime, store storage.Storage, enabled bool, metrics *Metrics, logger logr.Logger) *Reconciler {
	return &Reconciler{
		runtime: rt,
		storage: store,
		enabled: enabled,
		metrics: metrics,
		logger:  logger.WithName("reconciler"),
	}
}

// Reconcile returns the job called name, or nil when neither side knows
// it.
func (r *Reconciler) Reconcile(ctx context.Context, tool, name string) (*jobs.Job, error) {
	running, err := r.runtime.GetJob(ctx, tool, name)
	if err != nil {
		if !jobs.IsNotFound(err) {
			return nil, err
		}
		running = nil
	}

	stored, err := r.stored(ctx, tool, name)
	if err != nil {
		return nil, err
	}
	return r.decide(ctx, tool, name, running, stored)
}

// ReconcileAll reconciles every job of tool. Runtime jobs come first, in
// runtime order, then the jobs only storage knows.
func (r *Reconciler) ReconcileAll(ctx context.Context, tool string, lock func(name string) func()) ([]*jobs.Job, error) {
	running, err := r.runtime.GetJobs(ctx, tool)
	if err != nil {
		return nil, err
	}

	var stored []*jobs.Job
	if r.storage != nil {
		stored, err = r.storage.GetJobs(ctx, tool)
		if err != nil {
			if r.enabled {
				return nil, err
			}
			r.logger.Error(err, "ignoring storage failure", "tool", tool)
			stored = nil
		}
	}

	byName := make(map[string]*jobs.Job, len(stored))
	for _, job := range stored {
		byName[job.Name] = job
	}

	out := make([]*jobs.Job, 0, len(running)+len(stored))
	seen := make(map[string]bool, len(running))
	for _, job := range running {
		seen[job.Name] = true
		got, err := r.decideLocked(ctx, tool, job.Name, job, byName[job.Name], lock)
		if err != nil {
			return nil, err
		}
		if got != nil {
			out = append(out, got)
		}
	}
	for _, job := range stored {
		if seen[job.Name] {
			continue
		}
		got, err := r.decideLocked(ctx, tool, job.Name, nil, job, lock)
		if err != nil {
			return nil, err
		}
		if got != nil {
			out = append(out, got)
		}
	}
	return out, nil
}

func (r *Reconciler) decideLocked(ctx context.Context, tool, name string, running, stored *jobs.Job, lock func(string) func()) (*jobs.Job, error) {
	if lock != nil {
		defer lock(name)()
	}
	return r.decide(ctx, tool, name, running, stored)
}

func (r *Reconciler) stored(ctx context.Context, tool, name string) (*jobs.Job, error) {
	if r.storage == nil {
		return nil, nil
	}
	job, err := r.storage.GetJob(ctx, tool, name)
	switch {
	case err == nil:
		return job, nil
	case jobs.IsNotFound(err):
		return nil, nil
	case r.enabled:
		return nil, err
	default:
		r.logger.Error(err, "ignoring storage failure", "tool", tool, "job", name)
		return nil, nil
	}
}

func (r *Reconciler) decide(ctx context.Context, tool, name string, running, stored *jobs.Job) (*jobs.Job, error) {
	log := r.logger.WithValues("tool", tool, "job", name)

	switch {
	case running == nil && stored == nil:
		return nil, nil

	case stored == nil:
		if r.storage != nil && running.Type() != jobs.JobTypeOneOff {
			log.V(1).Info("job only found in runtime, saving it")
			if err := r.storage.CreateJob(ctx, running); err != nil && !jobs.IsConflict(err) {
				if r.enabled {
					return nil, err
				}
				log.Error(err, "unable to save runtime job")
			}
		}
		return running, nil

	case running == nil:
		if !r.enabled {
			log.V(1).Info("job only found in storage, removing it")
			if err := r.storage.DeleteJob(ctx, stored); err != nil && !jobs.IsNotFound(err) {
				log.Error(err, "unable to delete stale stored job")
			}
			return nil, nil
		}
		log.Info("job only found in storage, creating it")
		if err := r.runtime.CreateJob(ctx, stored); err != nil {
			return nil, err
		}
		return r.runtime.GetJob(ctx, tool, name)

	case !r.enabled || running.Equal(stored):
		return running, nil

	default:
		log.Info("runtime job differs from storage")
		r.metrics.drift(stored.Type())
		status := &jobs.Status{Short: jobs.StatusUnknown, Messages: []string{DriftMessage}}
		if running.Status != nil {
			status.Short = running.Status.Short
			status.Duration = running.Status.Duration
			status.Messages = append(status.Messages, running.Status.Messages...)
		}
		stored.Status = status
		return stored, nil
	}
}
