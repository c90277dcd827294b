package core

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/utils/ptr"

	"github.com/chambrid/jobs-api/internal/runtime/k8s"
	"github.com/chambrid/jobs-api/internal/storage"
	"github.com/chambrid/jobs-api/pkg/jobs"
)

func newService(rt Runtime, store storage.Storage, enabled bool) (*Service, *Metrics) {
	metrics := NewMetrics(prometheus.NewRegistry())
	return NewService(Options{
		Runtime:        rt,
		Storage:        store,
		StorageEnabled: enabled,
		Metrics:        metrics,
		Logger:         logr.Discard(),
	}), metrics
}

func TestServiceCreateJob(t *testing.T) {
	ctx := context.Background()

	t.Run("scheduled job is saved", func(t *testing.T) {
		rt, store := newFakeRuntime(), newStorage(t)
		svc, metrics := newService(rt, store, true)

		job := scheduled(t, "nightly", "./run.sh")
		got, err := svc.CreateJob(ctx, job)
		require.NoError(t, err)
		assert.Same(t, job, got)
		assert.Equal(t, []string{"nightly"}, rt.created)
		assert.Equal(t, []string{"nightly"}, storedNames(t, store))
		assert.Equal(t, 1.0, testutil.ToFloat64(metrics.operations.WithLabelValues("create", "scheduled", "success")))
	})

	t.Run("one-off job is not saved", func(t *testing.T) {
		rt, store := newFakeRuntime(), newStorage(t)
		svc, _ := newService(rt, store, true)

		_, err := svc.CreateJob(ctx, oneOff(t, "once"))
		require.NoError(t, err)
		assert.Empty(t, storedNames(t, store))
	})

	t.Run("existing job", func(t *testing.T) {
		rt := newFakeRuntime(continuous(t, "web"))
		svc, metrics := newService(rt, newStorage(t), true)

		_, err := svc.CreateJob(ctx, continuous(t, "web"))
		require.Error(t, err)
		assert.True(t, jobs.IsConflict(err))
		assert.Equal(t, "A job with the same name exists already", err.Error())
		assert.Empty(t, rt.created)
		assert.Equal(t, 1.0, testutil.ToFloat64(metrics.operations.WithLabelValues("create", "continuous", "conflict")))
	})

	t.Run("foreign runtime errors are hidden", func(t *testing.T) {
		rt := &failingCreate{fakeRuntime: newFakeRuntime(), err: errors.New("connection reset")}
		svc, _ := newService(rt, nil, false)

		_, err := svc.CreateJob(ctx, oneOff(t, "once"))
		require.Error(t, err)
		assert.Equal(t, "Unable to start job", err.Error())
		assert.Equal(t, jobs.ErrorTypeInternal, jobs.TypeOf(err))
	})

	t.Run("storage failure only matters when enabled", func(t *testing.T) {
		svc, _ := newService(newFakeRuntime(), brokenStorage{}, true)
		_, err := svc.CreateJob(ctx, continuous(t, "web"))
		assert.Equal(t, jobs.ErrorTypeStorage, jobs.TypeOf(err))

		svc, _ = newService(newFakeRuntime(), brokenStorage{}, false)
		_, err = svc.CreateJob(ctx, continuous(t, "web"))
		assert.NoError(t, err)
	})
}

type failingCreate struct {
	*fakeRuntime
	err error
}

func (f *failingCreate) CreateJob(context.Context, *jobs.Job) error { return f.err }

func TestServiceUpdateJob(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name    string
		running []*jobs.Job
		diff    string
		want    string
		created []string
		deleted []string
	}{
		{
			name:    "missing job is created",
			want:    "Job web created",
			created: []string{"web"},
		},
		{
			name:    "same job",
			running: []*jobs.Job{continuous(t, "web")},
			want:    "Job web is already up to date",
		},
		{
			name:    "changed job is recreated",
			running: []*jobs.Job{continuous(t, "web")},
			diff:    "-  \"memory\": \"512Mi\"\n+  \"memory\": \"1Gi\"\n",
			want:    "Job web updated",
			created: []string{"web"},
			deleted: []string{"web"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rt, store := newFakeRuntime(tt.running...), newStorage(t)
			rt.diffs["web"] = tt.diff
			svc, _ := newService(rt, store, true)

			got, err := svc.UpdateJob(ctx, continuous(t, "web"))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.created, rt.created)
			assert.Equal(t, tt.deleted, rt.deleted)
			assert.Equal(t, []string{"web"}, storedNames(t, store))
		})
	}
}

func TestServiceGetJob(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(newFakeRuntime(continuous(t, "web")), newStorage(t), true)

	got, err := svc.GetJob(ctx, testTool, "web")
	require.NoError(t, err)
	assert.Equal(t, "web", got.Name)

	_, err = svc.GetJob(ctx, testTool, "nope")
	require.Error(t, err)
	assert.True(t, jobs.IsNotFound(err))
	assert.Equal(t, "Job 'nope' does not exist", err.Error())

	all, err := svc.GetJobs(ctx, testTool)
	require.NoError(t, err)
	assert.Len(t, all, 1)
	assert.Zero(t, svc.locks.size())
}

func TestServiceDeleteJob(t *testing.T) {
	ctx := context.Background()

	t.Run("running job", func(t *testing.T) {
		rt, store := newFakeRuntime(), newStorage(t)
		svc, _ := newService(rt, store, true)
		_, err := svc.CreateJob(ctx, continuous(t, "web"))
		require.NoError(t, err)

		require.NoError(t, svc.DeleteJob(ctx, testTool, "web"))
		assert.Equal(t, []string{"web"}, rt.deleted)
		assert.Empty(t, storedNames(t, store))
	})

	t.Run("stored only", func(t *testing.T) {
		rt, store := newFakeRuntime(), newStorage(t)
		require.NoError(t, store.CreateJob(ctx, continuous(t, "web")))
		svc, _ := newService(rt, store, true)

		require.NoError(t, svc.DeleteJob(ctx, testTool, "web"))
		assert.Empty(t, rt.deleted)
		assert.Empty(t, storedNames(t, store))
	})

	t.Run("unknown job", func(t *testing.T) {
		svc, _ := newService(newFakeRuntime(), newStorage(t), true)
		err := svc.DeleteJob(ctx, testTool, "nope")
		require.Error(t, err)
		assert.Equal(t, "Job 'nope' does not exist", err.Error())
	})
}

func TestServiceFlushJobs(t *testing.T) {
	ctx := context.Background()

	t.Run("both sides", func(t *testing.T) {
		rt, store := newFakeRuntime(), newStorage(t)
		svc, _ := newService(rt, store, true)
		for _, job := range []*jobs.Job{continuous(t, "web"), scheduled(t, "nightly", "./run.sh")} {
			_, err := svc.CreateJob(ctx, job)
			require.NoError(t, err)
		}

		require.NoError(t, svc.FlushJobs(ctx, testTool))
		assert.Equal(t, []string{testTool}, rt.flushed)
		assert.Empty(t, storedNames(t, store))
	})

	t.Run("single failure is returned as is", func(t *testing.T) {
		rt := newFakeRuntime()
		rt.flushEr = jobs.NewKubernetesError("Failed to delete all jobs", nil, nil)
		svc, _ := newService(rt, newStorage(t), true)

		err := svc.FlushJobs(ctx, testTool)
		require.Error(t, err)
		assert.Equal(t, "Failed to delete all jobs", err.Error())
	})

	t.Run("failures are collected", func(t *testing.T) {
		rt := newFakeRuntime()
		rt.flushEr = jobs.NewKubernetesError("Failed to delete all jobs", nil, nil)
		svc, _ := newService(rt, brokenStorage{}, true)

		err := svc.FlushJobs(ctx, testTool)
		require.Error(t, err)
		assert.Equal(t, "Failed to flush all jobs", err.Error())
		assert.ErrorIs(t, err, errStorage)
	})

	t.Run("storage failure ignored when disabled", func(t *testing.T) {
		svc, _ := newService(newFakeRuntime(), brokenStorage{}, false)
		assert.NoError(t, svc.FlushJobs(ctx, testTool))
	})
}

func TestServiceRestartJob(t *testing.T) {
	ctx := context.Background()
	rt := newFakeRuntime(continuous(t, "web"), oneOff(t, "once"))
	svc, metrics := newService(rt, nil, false)

	require.NoError(t, svc.RestartJob(ctx, testTool, "web"))
	assert.Equal(t, []string{"web"}, rt.restart)

	err := svc.RestartJob(ctx, testTool, "once")
	require.Error(t, err)
	assert.Equal(t, "Unable to restart a single job", err.Error())
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.operations.WithLabelValues("restart", "one-off", "validation")))

	err = svc.RestartJob(ctx, testTool, "nope")
	assert.True(t, jobs.IsNotFound(err))
}

func TestServiceGetLogs(t *testing.T) {
	ctx := context.Background()
	entry := k8s.LogEntry{Pod: "once-abcde", Container: "job", Datetime: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC), Message: "hello"}

	withFilelog, err := jobs.New(jobs.Spec{Name: "files", Tool: testTool, Cmd: "./run.sh", Image: bullseye, Filelog: ptr.To(true)})
	require.NoError(t, err)

	rt := newFakeRuntime(oneOff(t, "once"), withFilelog)
	rt.logs = []k8s.LogEntry{entry}
	svc, _ := newService(rt, nil, false)

	var got []k8s.LogEntry
	collect := func(e k8s.LogEntry) error {
		got = append(got, e)
		return nil
	}

	require.NoError(t, svc.GetLogs(ctx, testTool, "once", false, "20", collect))
	assert.Equal(t, []k8s.LogEntry{entry}, got)
	assert.Equal(t, 20, rt.lines)

	require.NoError(t, svc.GetLogs(ctx, testTool, "once", true, "", collect))
	assert.Equal(t, 0, rt.lines)

	err = svc.GetLogs(ctx, testTool, "once", false, "many", collect)
	require.Error(t, err)
	assert.True(t, jobs.IsValidation(err))
	assert.Equal(t, "Unable to parse lines as integer", err.Error())

	err = svc.GetLogs(ctx, testTool, "files", false, "", collect)
	require.Error(t, err)
	assert.True(t, jobs.IsNotFound(err))
	assert.Equal(t, "Job 'files' has file logging enabled, which is incompatible with the logs command", err.Error())
}

func TestServicePassThrough(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(newFakeRuntime(), nil, false)

	imgs, err := svc.GetImages(ctx, testTool)
	require.NoError(t, err)
	assert.Equal(t, "bullseye", imgs[0].CanonicalName)

	quotas, err := svc.GetQuotas(ctx, testTool)
	require.NoError(t, err)
	assert.Equal(t, jobs.QuotaRunningJobs, quotas[0].Category)
}

func TestKeyedMutex(t *testing.T) {
	k := newKeyedMutex()

	unlock := k.Lock("mytool/web")
	done := make(chan struct{})
	go func() {
		defer close(done)
		k.Lock("mytool/web")()
	}()

	// other keys are not blocked
	k.Lock("mytool/other")()

	select {
	case <-done:
		t.Fatal("second lock of the same key did not wait")
	case <-time.After(50 * time.Millisecond):
	}

	unlock()
	<-done
	assert.Zero(t, k.size())

	var wg sync.WaitGroup
	counter := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer k.Lock("mytool/web")()
			counter++
		}()
	}
	wg.Wait()
	assert.Equal(t, 20, counter)
	assert.Zero(t, k.size())
}
