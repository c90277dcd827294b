package core

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/require"
	"k8s.io/utils/ptr"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"

	"github.com/chambrid/jobs-api/internal/runtime/k8s"
	"github.com/chambrid/jobs-api/internal/storage"
	"github.com/chambrid/jobs-api/pkg/cron"
	"github.com/chambrid/jobs-api/pkg/images"
	"github.com/chambrid/jobs-api/pkg/jobs"
)

const testTool = "mytool"

var bullseye = images.Image{
	CanonicalName: "bullseye",
	Type:          images.TypeStandard,
	Container:     "docker-registry.tools.wmflabs.org/toolforge-bullseye-sssd:latest",
	State:         images.StateStable,
}

type fakeResolver struct{}

func (fakeResolver) Resolve(_ context.Context, _, ref string, _ bool) (images.Image, error) {
	if ref == bullseye.CanonicalName {
		return bullseye, nil
	}
	return images.New(ref, ""), nil
}

func newStorage(t *testing.T) storage.Storage {
	t.Helper()
	c := fake.NewClientBuilder().WithScheme(storage.Scheme).Build()
	return storage.NewKubernetesStorage(c, fakeResolver{}, logr.Discard())
}

func oneOff(t *testing.T, name string) *jobs.Job {
	t.Helper()
	job, err := jobs.New(jobs.Spec{Name: name, Tool: testTool, Cmd: "./run.sh", Image: bullseye, Filelog: ptr.To(false)})
	require.NoError(t, err)
	return job
}

func scheduled(t *testing.T, name, cmd string) *jobs.Job {
	t.Helper()
	schedule, err := cron.Parse("@daily", name, testTool)
	require.NoError(t, err)
	job, err := jobs.New(jobs.Spec{Name: name, Tool: testTool, Cmd: cmd, Image: bullseye, Schedule: schedule})
	require.NoError(t, err)
	return job
}

func continuous(t *testing.T, name string) *jobs.Job {
	t.Helper()
	job, err := jobs.New(jobs.Spec{Name: name, Tool: testTool, Cmd: "./serve.sh", Image: bullseye, Continuous: true})
	require.NoError(t, err)
	return job
}

func withStatus(job *jobs.Job, short jobs.StatusShort) *jobs.Job {
	job.Status = &jobs.Status{Short: short, Messages: []string{"Running for 1m"}, Duration: "1m", UpToDate: true}
	return job
}

// fakeRuntime keeps jobs in memory and records what was done to them.
type fakeRuntime struct {
	mu sync.Mutex

	jobs    map[string]*jobs.Job
	order   []string
	diffs   map[string]string
	logs    []k8s.LogEntry
	created []string
	deleted []string
	flushed []string
	restart []string

	lines   int
	err     error
	flushEr error
}

func newFakeRuntime(existing ...*jobs.Job) *fakeRuntime {
	r := &fakeRuntime{jobs: map[string]*jobs.Job{}, diffs: map[string]string{}}
	for _, job := range existing {
		r.put(job)
	}
	return r
}

func (r *fakeRuntime) put(job *jobs.Job) {
	if _, ok := r.jobs[job.Name]; !ok {
		r.order = append(r.order, job.Name)
	}
	r.jobs[job.Name] = job
}

func (r *fakeRuntime) GetJobs(_ context.Context, _ string) ([]*jobs.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	var out []*jobs.Job
	for _, name := range r.order {
		if job, ok := r.jobs[name]; ok {
			out = append(out, job)
		}
	}
	return out, nil
}

func (r *fakeRuntime) GetJob(_ context.Context, tool, name string) (*jobs.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	job, ok := r.jobs[name]
	if !ok {
		return nil, jobs.NewNotFoundError("Job "+name+" does not exist", map[string]any{"tool": tool})
	}
	return job, nil
}

func (r *fakeRuntime) CreateJob(_ context.Context, job *jobs.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.created = append(r.created, job.Name)
	r.put(withStatus(job, jobs.StatusPending))
	return nil
}

func (r *fakeRuntime) DeleteJob(_ context.Context, job *jobs.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deleted = append(r.deleted, job.Name)
	delete(r.jobs, job.Name)
	return nil
}

func (r *fakeRuntime) DeleteAllJobs(_ context.Context, tool string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flushed = append(r.flushed, tool)
	if r.flushEr != nil {
		return r.flushEr
	}
	r.jobs = map[string]*jobs.Job{}
	return nil
}

func (r *fakeRuntime) RestartJob(_ context.Context, job *jobs.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if job.Type() == jobs.JobTypeOneOff {
		return jobs.NewValidationError("Unable to restart a single job", nil)
	}
	r.restart = append(r.restart, job.Name)
	return nil
}

func (r *fakeRuntime) GetQuotas(_ context.Context, _ string) ([]jobs.QuotaData, error) {
	return []jobs.QuotaData{{Category: jobs.QuotaRunningJobs, Name: "Pods", Limit: "10", Used: "1"}}, nil
}

func (r *fakeRuntime) GetImages(_ context.Context, _ string) ([]images.Image, error) {
	return []images.Image{bullseye}, nil
}

func (r *fakeRuntime) GetLogs(_ context.Context, _, name string, _ bool, lines int, emit func(k8s.LogEntry) error) error {
	r.lines = lines
	if len(r.logs) == 0 {
		return jobs.NewNotFoundError("No logs found for job "+name, nil)
	}
	for _, e := range r.logs {
		if err := emit(e); err != nil {
			return err
		}
	}
	return nil
}

func (r *fakeRuntime) Diff(_ context.Context, job *jobs.Job) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[job.Name]; !ok {
		return "", jobs.NewNotFoundError("Job "+job.Name+" does not exist", nil)
	}
	return r.diffs[job.Name], nil
}

// brokenStorage fails every call.
type brokenStorage struct{}

var _ storage.Storage = brokenStorage{}

var errStorage = errors.New("etcd unavailable")

func (brokenStorage) GetJob(context.Context, string, string) (*jobs.Job, error) {
	return nil, jobs.NewStorageError("Failed to load job, likely an internal bug in the jobs api.", errStorage, nil)
}

func (brokenStorage) GetJobs(context.Context, string) ([]*jobs.Job, error) {
	return nil, jobs.NewStorageError("Failed to load jobs, likely an internal bug in the jobs api.", errStorage, nil)
}

func (brokenStorage) CreateJob(context.Context, *jobs.Job) error {
	return jobs.NewStorageError("Failed to create a job, likely an internal bug in the jobs api.", errStorage, nil)
}

func (brokenStorage) DeleteJob(context.Context, *jobs.Job) error {
	return jobs.NewStorageError("Failed to delete job, likely an internal bug in the jobs api.", errStorage, nil)
}

func (brokenStorage) DeleteAllJobs(context.Context, string) ([]*jobs.Job, error) {
	return nil, jobs.NewStorageError("Failed to delete all jobs, likely an internal bug in the jobs api.", errStorage, nil)
}
