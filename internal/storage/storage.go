// Package storage keeps the declarative record of job definitions, next to
// what actually runs on the cluster.
package storage

import (
	"context"
	"fmt"

	"github.com/chambrid/jobs-api/pkg/images"
	"github.com/chambrid/jobs-api/pkg/jobs"
)

// Storage persists job definitions per tool.
type Storage interface {
	GetJobs(ctx context.Context, tool string) ([]*jobs.Job, error)
	GetJob(ctx context.Context, tool, name string) (*jobs.Job, error)
	CreateJob(ctx context.Context, job *jobs.Job) error
	DeleteJob(ctx context.Context, job *jobs.Job) error
	// DeleteAllJobs returns the jobs it deleted.
	DeleteAllJobs(ctx context.Context, tool string) ([]*jobs.Job, error)
}

// ImageResolver turns a stored image reference back into an image.
type ImageResolver interface {
	Resolve(ctx context.Context, tool, ref string, mustExist bool) (images.Image, error)
}

const duplicateMessage = "An object with the same name exists already"

func notFound(tool, name string) error {
	return jobs.NewNotFoundError(
		fmt.Sprintf("No job with name '%s' found for tool %s", name, tool),
		map[string]any{"tool": tool, "name": name},
	)
}

func alreadyExists(job *jobs.Job, err error) error {
	return jobs.NewConflictError(duplicateMessage, map[string]any{
		"name":          job.Name,
		"storage_error": err.Error(),
	})
}

func failed(action string, err error, data map[string]any) error {
	if data == nil {
		data = map[string]any{}
	}
	if err != nil {
		data["storage_error"] = err.Error()
	}
	return jobs.NewStorageError(
		fmt.Sprintf("Failed to %s, likely an internal bug in the jobs api.", action),
		err, data,
	)
}

// rebuild turns a stored definition back into a job. Images that are no
// longer listed are kept by reference so the job can still be shown.
func rebuild(ctx context.Context, resolver ImageResolver, def jobs.Definition) (*jobs.Job, error) {
	img, err := resolver.Resolve(ctx, def.Tool, def.Image, false)
	if err != nil {
		return nil, failed("load the image of job "+def.Name, err, map[string]any{"image": def.Image})
	}
	job, err := jobs.FromDefinition(def, img)
	if err != nil {
		return nil, jobs.NewParsingError(
			fmt.Sprintf("Unable to read stored job %s: %s", def.Name, err.Error()),
			err, map[string]any{"definition": def},
		)
	}
	return job, nil
}
