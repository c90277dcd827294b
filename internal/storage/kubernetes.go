package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-logr/logr"
	"github.com/hashicorp/go-multierror"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/chambrid/jobs-api/pkg/identity"
	"github.com/chambrid/jobs-api/pkg/jobs"
	"github.com/chambrid/jobs-api/pkg/labels"
)

// storedTypes is the order jobs are listed in.
var storedTypes = []jobs.JobType{jobs.JobTypeContinuous, jobs.JobTypeScheduled, jobs.JobTypeOneOff}

// KubernetesStorage keeps job definitions as custom objects in the tool
// namespace.
type KubernetesStorage struct {
	client   client.Client
	resolver ImageResolver
	logger   logr.Logger
}

// NewKubernetesStorage creates a storage using c, which must know the
// types of Scheme.
func NewKubernetesStorage(c client.Client, resolver ImageResolver, logger logr.Logger) *KubernetesStorage {
	return &KubernetesStorage{client: c, resolver: resolver, logger: logger.WithName("storage")}
}

func newList(t jobs.JobType) (client.ObjectList, func() []JobObject) {
	switch t {
	case jobs.JobTypeContinuous:
		list := &ContinuousJobList{}
		return list, func() []JobObject {
			out := make([]JobObject, 0, len(list.Items))
			for i := range list.Items {
				out = append(out, &list.Items[i])
			}
			return out
		}
	case jobs.JobTypeScheduled:
		list := &ScheduledJobList{}
		return list, func() []JobObject {
			out := make([]JobObject, 0, len(list.Items))
			for i := range list.Items {
				out = append(out, &list.Items[i])
			}
			return out
		}
	default:
		list := &OneOffJobList{}
		return list, func() []JobObject {
			out := make([]JobObject, 0, len(list.Items))
			for i := range list.Items {
				out = append(out, &list.Items[i])
			}
			return out
		}
	}
}

// GetJobs implements Storage.
func (s *KubernetesStorage) GetJobs(ctx context.Context, tool string) ([]*jobs.Job, error) {
	s.logger.V(1).Info("getting jobs", "tool", tool)

	var out []*jobs.Job
	for _, t := range storedTypes {
		list, items := newList(t)
		if err := s.client.List(ctx, list, client.InNamespace(identity.Namespace(tool))); err != nil {
			s.logger.Error(err, "unable to list stored jobs", "tool", tool, "type", t)
			return nil, failed("load jobs", err, map[string]any{"tool": tool})
		}
		for _, obj := range items() {
			job, err := rebuild(ctx, s.resolver, *obj.Definition())
			if err != nil {
				return nil, err
			}
			out = append(out, job)
		}
	}
	return out, nil
}

// GetJob implements Storage.
func (s *KubernetesStorage) GetJob(ctx context.Context, tool, name string) (*jobs.Job, error) {
	s.logger.V(1).Info("getting job", "tool", tool, "job", name)

	key := client.ObjectKey{Namespace: identity.Namespace(tool), Name: name}
	for _, t := range storedTypes {
		obj, err := newObject(t)
		if err != nil {
			return nil, err
		}
		if err := s.client.Get(ctx, key, obj); err != nil {
			if apierrors.IsNotFound(err) {
				continue
			}
			return nil, failed("load job "+name, err, map[string]any{"tool": tool})
		}
		return rebuild(ctx, s.resolver, *obj.Definition())
	}
	return nil, notFound(tool, name)
}

func (s *KubernetesStorage) toObject(job *jobs.Job) (JobObject, error) {
	obj, err := newObject(job.Type())
	if err != nil {
		return nil, err
	}
	obj.SetName(job.Name)
	obj.SetNamespace(identity.Namespace(job.Tool))
	obj.SetLabels(labels.ForJob(job.Tool, job.Name))
	*obj.Definition() = job.Definition()
	return obj, nil
}

// CreateJob implements Storage.
func (s *KubernetesStorage) CreateJob(ctx context.Context, job *jobs.Job) error {
	s.logger.V(1).Info("saving job", "tool", job.Tool, "job", job.Name)

	obj, err := s.toObject(job)
	if err != nil {
		return err
	}
	if err := s.client.Create(ctx, obj); err != nil {
		if apierrors.IsAlreadyExists(err) || apierrors.IsConflict(err) {
			return alreadyExists(job, err)
		}
		return failed("create a job", err, map[string]any{"k8s_object": obj})
	}
	return nil
}

// DeleteJob implements Storage.
func (s *KubernetesStorage) DeleteJob(ctx context.Context, job *jobs.Job) error {
	s.logger.V(1).Info("deleting job", "tool", job.Tool, "job", job.Name)

	obj, err := s.toObject(job)
	if err != nil {
		return err
	}
	if err := s.client.Delete(ctx, obj); err != nil {
		if apierrors.IsNotFound(err) {
			return notFound(job.Tool, job.Name)
		}
		return failed(fmt.Sprintf("delete job %s", job.Name), err, map[string]any{"name": job.Name})
	}
	return nil
}

// DeleteAllJobs implements Storage. Every job is attempted, the failures
// are returned together.
func (s *KubernetesStorage) DeleteAllJobs(ctx context.Context, tool string) ([]*jobs.Job, error) {
	s.logger.V(1).Info("deleting all jobs", "tool", tool)

	all, err := s.GetJobs(ctx, tool)
	if err != nil {
		return nil, err
	}

	var (
		result  *multierror.Error
		deleted []*jobs.Job
	)
	for _, job := range all {
		if err := s.DeleteJob(ctx, job); err != nil && !jobs.IsNotFound(err) {
			result = multierror.Append(result, fmt.Errorf("%s: %w", job.Name, err))
			continue
		}
		deleted = append(deleted, job)
	}
	if err := result.ErrorOrNil(); err != nil {
		return deleted, failed("delete all jobs", err, map[string]any{"tool": tool})
	}
	return deleted, nil
}

// IsStorageError reports whether err comes from a storage backend failure.
func IsStorageError(err error) bool {
	var storageErr *jobs.StorageError
	return errors.As(err, &storageErr)
}
