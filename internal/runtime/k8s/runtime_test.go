package k8s

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes/fake"
	k8stesting "k8s.io/client-go/testing"

	"github.com/chambrid/jobs-api/pkg/images"
	"github.com/chambrid/jobs-api/pkg/jobs"
	"github.com/chambrid/jobs-api/pkg/labels"
)

const testNamespace = "tool-mytool"

func limitRange() *corev1.LimitRange {
	return &corev1.LimitRange{
		ObjectMeta: metav1.ObjectMeta{Name: testNamespace, Namespace: testNamespace},
		Spec: corev1.LimitRangeSpec{
			Limits: []corev1.LimitRangeItem{
				{
					Type: corev1.LimitTypePod,
					Max:  corev1.ResourceList{corev1.ResourceCPU: resource.MustParse("100")},
				},
				{
					Type: corev1.LimitTypeContainer,
					Min: corev1.ResourceList{
						corev1.ResourceCPU:    resource.MustParse("50m"),
						corev1.ResourceMemory: resource.MustParse("100Mi"),
					},
					Max: corev1.ResourceList{
						corev1.ResourceCPU:    resource.MustParse("1"),
						corev1.ResourceMemory: resource.MustParse("8Gi"),
					},
				},
			},
		},
	}
}

func hasAction(client *fake.Clientset, verb, res string) bool {
	for _, a := range client.Actions() {
		if a.GetVerb() == verb && a.GetResource().Resource == res {
			return true
		}
	}
	return false
}

func TestCreateJob(t *testing.T) {
	ctx := context.Background()

	t.Run("one-off", func(t *testing.T) {
		r, client := newTestRuntime(t)
		job := mustJob(t, jobs.Spec{})

		require.NoError(t, r.CreateJob(ctx, job))

		got, err := client.BatchV1().Jobs(testNamespace).Get(ctx, "myjob", metav1.GetOptions{})
		require.NoError(t, err)
		assert.Equal(t, "jobs", got.Labels[labels.Component])
		assert.Equal(t, "myjob", job.K8sObject["metadata"].(map[string]any)["name"])
	})

	t.Run("scheduled", func(t *testing.T) {
		r, client := newTestRuntime(t)
		require.NoError(t, r.CreateJob(ctx, mustJob(t, jobs.Spec{Schedule: mustSchedule(t, "@daily")})))

		_, err := client.BatchV1().CronJobs(testNamespace).Get(ctx, "myjob", metav1.GetOptions{})
		require.NoError(t, err)
	})

	t.Run("continuous with port and public", func(t *testing.T) {
		r, client := newTestRuntime(t)
		job := mustJob(t, jobs.Spec{Continuous: true, Port: 8000, Public: true})
		require.NoError(t, r.CreateJob(ctx, job))

		_, err := client.AppsV1().Deployments(testNamespace).Get(ctx, "myjob", metav1.GetOptions{})
		require.NoError(t, err)
		svc, err := client.CoreV1().Services(testNamespace).Get(ctx, "myjob", metav1.GetOptions{})
		require.NoError(t, err)
		assert.Equal(t, int32(8000), svc.Spec.Ports[0].Port)
		ing, err := client.NetworkingV1().Ingresses(testNamespace).Get(ctx, "myjob", metav1.GetOptions{})
		require.NoError(t, err)
		assert.Equal(t, "mytool.toolforge.org", ing.Spec.Rules[0].Host)
	})

	t.Run("stale service is replaced", func(t *testing.T) {
		stale := &corev1.Service{ObjectMeta: metav1.ObjectMeta{Name: "myjob", Namespace: testNamespace}}
		r, client := newTestRuntime(t, stale)
		require.NoError(t, r.CreateJob(ctx, mustJob(t, jobs.Spec{Continuous: true, Port: 8000})))

		svc, err := client.CoreV1().Services(testNamespace).Get(ctx, "myjob", metav1.GetOptions{})
		require.NoError(t, err)
		assert.Equal(t, "myjob", svc.Labels[labels.Name])
	})

	t.Run("host already published", func(t *testing.T) {
		other := &networkingv1.Ingress{
			ObjectMeta: metav1.ObjectMeta{Name: "legacy-webservice", Namespace: testNamespace},
			Spec: networkingv1.IngressSpec{
				Rules: []networkingv1.IngressRule{{Host: "mytool.toolforge.org"}},
			},
		}
		r, client := newTestRuntime(t, other)

		err := r.CreateJob(ctx, mustJob(t, jobs.Spec{Continuous: true, Port: 8000, Public: true}))
		require.Error(t, err)
		assert.True(t, jobs.IsConflict(err))
		assert.Equal(t, "Host mytool.toolforge.org is already published by legacy-webservice", err.Error())

		_, err = client.AppsV1().Deployments(testNamespace).Get(ctx, "myjob", metav1.GetOptions{})
		assert.Error(t, err)
	})

	t.Run("another path on the same host", func(t *testing.T) {
		other := &networkingv1.Ingress{
			ObjectMeta: metav1.ObjectMeta{Name: "api", Namespace: testNamespace},
			Spec: networkingv1.IngressSpec{
				Rules: []networkingv1.IngressRule{{
					Host: "mytool.toolforge.org",
					IngressRuleValue: networkingv1.IngressRuleValue{
						HTTP: &networkingv1.HTTPIngressRuleValue{Paths: []networkingv1.HTTPIngressPath{{Path: "/api"}}},
					},
				}},
			},
		}
		r, _ := newTestRuntime(t, other)
		assert.NoError(t, r.CreateJob(ctx, mustJob(t, jobs.Spec{Continuous: true, Port: 8000, Public: true})))
	})

	t.Run("already exists", func(t *testing.T) {
		r, _ := newTestRuntime(t)
		require.NoError(t, r.CreateJob(ctx, mustJob(t, jobs.Spec{})))
		err := r.CreateJob(ctx, mustJob(t, jobs.Spec{}))
		require.Error(t, err)
		assert.True(t, jobs.IsConflict(err))
	})

	t.Run("out of quota", func(t *testing.T) {
		r, client := newTestRuntime(t, toolQuota())
		client.PrependReactor("create", "jobs", func(k8stesting.Action) (bool, runtime.Object, error) {
			return true, nil, quotaForbidden()
		})

		err := r.CreateJob(ctx, mustJob(t, jobs.Spec{}))
		require.Error(t, err)
		assert.Equal(t, jobs.ErrorTypeQuota, jobs.TypeOf(err))
	})
}

func TestCreateJobLimits(t *testing.T) {
	tests := []struct {
		name    string
		spec    jobs.Spec
		wantErr string
	}{
		{name: "within limits", spec: jobs.Spec{CPU: "500m", Memory: "1Gi"}},
		{
			name:    "cpu over max",
			spec:    jobs.Spec{CPU: "2"},
			wantErr: "Requested CPU 2 is over maximum allowed per container (1)",
		},
		{
			name:    "cpu under min",
			spec:    jobs.Spec{CPU: "10m"},
			wantErr: "Requested CPU 10m is less than minimum required per container (50m)",
		},
		{
			name:    "memory over max",
			spec:    jobs.Spec{Memory: "16Gi"},
			wantErr: "Requested memory 16Gi is over maximum allowed per container (8Gi)",
		},
		{
			name:    "memory under min",
			spec:    jobs.Spec{Memory: "50Mi"},
			wantErr: "Requested memory 50Mi is less than minimum required per container (100Mi)",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, client := newTestRuntime(t, limitRange())
			err := r.CreateJob(context.Background(), mustJob(t, tt.spec))
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, jobs.ErrorTypeValidation, jobs.TypeOf(err))
			assert.Equal(t, tt.wantErr, err.Error())
			assert.False(t, hasAction(client, "create", "jobs"))
		})
	}
}

func TestGetJob(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRuntime(t)

	created := mustJob(t, jobs.Spec{Continuous: true, Port: 8000, Public: true})
	require.NoError(t, r.CreateJob(ctx, created))

	got, err := r.GetJob(ctx, testTool, "myjob")
	require.NoError(t, err)
	assert.True(t, created.Equal(got))
	assert.True(t, got.Continuous().Public)
	require.NotNil(t, got.Status)

	_, err = r.GetJob(ctx, testTool, "nope")
	require.Error(t, err)
	assert.True(t, jobs.IsNotFound(err))
	assert.Equal(t, "Job nope does not exist", err.Error())
}

func TestGetJobs(t *testing.T) {
	ctx := context.Background()

	unreadable := legacyJob()
	unreadable.Labels[labels.Component] = string(KindJob)
	unreadable.Spec.Template.Spec.Containers[0].Image = "registry.example/unknown:latest"
	otherTool := legacyJob()
	otherTool.Namespace = "tool-other"
	otherTool.Labels[labels.CreatedBy] = "other"

	r, _ := newTestRuntime(t, unreadable, otherTool)
	for _, spec := range []jobs.Spec{
		{Name: "once"},
		{Name: "nightly", Schedule: mustSchedule(t, "0 3 * * *")},
		{Name: "web", Continuous: true, Port: 8000},
	} {
		require.NoError(t, r.CreateJob(ctx, mustJob(t, spec)))
	}

	got, err := r.GetJobs(ctx, testTool)
	require.NoError(t, err)

	names := make([]string, 0, len(got))
	for _, job := range got {
		names = append(names, job.Name)
		assert.NotNil(t, job.Status, job.Name)
	}
	assert.Equal(t, []string{"once", "nightly", "web"}, names)
}

func TestDeleteJob(t *testing.T) {
	ctx := context.Background()
	r, client := newTestRuntime(t)
	job := mustJob(t, jobs.Spec{Continuous: true, Port: 8000, Public: true})
	require.NoError(t, r.CreateJob(ctx, job))

	require.NoError(t, r.DeleteJob(ctx, job))

	_, err := client.AppsV1().Deployments(testNamespace).Get(ctx, "myjob", metav1.GetOptions{})
	assert.Error(t, err)
	_, err = client.CoreV1().Services(testNamespace).Get(ctx, "myjob", metav1.GetOptions{})
	assert.Error(t, err)
	assert.True(t, hasAction(client, "delete-collection", "pods"))
	assert.True(t, hasAction(client, "delete-collection", "ingresses"))

	t.Run("already gone", func(t *testing.T) {
		assert.NoError(t, r.DeleteJob(ctx, job))
	})

	t.Run("api failure", func(t *testing.T) {
		client.PrependReactor("delete", "deployments", func(k8stesting.Action) (bool, runtime.Object, error) {
			return true, nil, errors.New("connection refused")
		})
		err := r.DeleteJob(ctx, job)
		require.Error(t, err)
		assert.Equal(t, jobs.ErrorTypeKubernetes, jobs.TypeOf(err))
	})
}

func TestDeleteAllJobs(t *testing.T) {
	ctx := context.Background()

	t.Run("deletes every kind", func(t *testing.T) {
		r, client := newTestRuntime(t)
		require.NoError(t, r.CreateJob(ctx, mustJob(t, jobs.Spec{Name: "web", Continuous: true, Port: 8000})))

		require.NoError(t, r.DeleteAllJobs(ctx, testTool))

		for _, res := range []string{"cronjobs", "deployments", "jobs", "pods", "ingresses"} {
			assert.True(t, hasAction(client, "delete-collection", res), res)
		}
		_, err := client.CoreV1().Services(testNamespace).Get(ctx, "web", metav1.GetOptions{})
		assert.Error(t, err)
	})

	t.Run("failures are collected", func(t *testing.T) {
		r, client := newTestRuntime(t)
		client.PrependReactor("delete-collection", "deployments", func(k8stesting.Action) (bool, runtime.Object, error) {
			return true, nil, errors.New("deployments are stuck")
		})
		client.PrependReactor("delete-collection", "ingresses", func(k8stesting.Action) (bool, runtime.Object, error) {
			return true, nil, errors.New("ingresses are stuck")
		})

		err := r.DeleteAllJobs(ctx, testTool)
		require.Error(t, err)
		assert.Equal(t, "Failed to delete all jobs", err.Error())
		assert.True(t, hasAction(client, "delete-collection", "pods"))

		cause := errors.Unwrap(err)
		require.Error(t, cause)
		assert.Contains(t, cause.Error(), "failed to delete deployments")
		assert.Contains(t, cause.Error(), "failed to delete ingresses")
	})
}

func TestRestartJob(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	t.Run("one-off", func(t *testing.T) {
		r, _ := newTestRuntime(t)
		err := r.RestartJob(ctx, mustJob(t, jobs.Spec{}))
		require.Error(t, err)
		assert.True(t, jobs.IsValidation(err))
		assert.Equal(t, "Unable to restart a single job", err.Error())
	})

	t.Run("continuous", func(t *testing.T) {
		r, client := newTestRuntime(t)
		r.now = func() time.Time { return now }
		job := mustJob(t, jobs.Spec{Continuous: true})
		require.NoError(t, r.CreateJob(ctx, job))

		require.NoError(t, r.RestartJob(ctx, job))

		d, err := client.AppsV1().Deployments(testNamespace).Get(ctx, "myjob", metav1.GetOptions{})
		require.NoError(t, err)
		assert.Equal(t, "2024-05-01T12:00:00Z", d.Spec.Template.Annotations[labels.RestartedAt])
	})

	t.Run("scheduled", func(t *testing.T) {
		job := mustJob(t, jobs.Spec{Schedule: mustSchedule(t, "0 3 * * *")})
		m, err := newTranslator().Manifests(job)
		require.NoError(t, err)
		m.CronJob.UID = "cron-uid"
		// still running, the fake does not delete collections
		running := &corev1.Pod{ObjectMeta: metav1.ObjectMeta{
			Name:      "myjob-28000000-abcde",
			Namespace: testNamespace,
			Labels:    m.CronJob.Spec.JobTemplate.Spec.Template.Labels,
		}}

		r, client := newTestRuntime(t, m.CronJob, running)
		r.now = func() time.Time { return now }

		require.NoError(t, r.RestartJob(ctx, job))

		assert.True(t, hasAction(client, "delete-collection", "jobs"))
		run, err := client.BatchV1().Jobs(testNamespace).Get(ctx, "myjob-1714564800", metav1.GetOptions{})
		require.NoError(t, err)
		assert.Equal(t, labels.InstantiateManual, run.Annotations[labels.Instantiate])
		assert.Equal(t, "cron-uid", string(run.OwnerReferences[0].UID))
	})

	t.Run("scheduled without uid", func(t *testing.T) {
		job := mustJob(t, jobs.Spec{Schedule: mustSchedule(t, "0 3 * * *")})
		m, err := newTranslator().Manifests(job)
		require.NoError(t, err)

		r, _ := newTestRuntime(t, m.CronJob)
		err = r.RestartJob(ctx, job)
		require.Error(t, err)
		assert.Equal(t, "Found CronJob does not have metadata", err.Error())
	})

	t.Run("scheduled job missing", func(t *testing.T) {
		r, _ := newTestRuntime(t)
		err := r.RestartJob(ctx, mustJob(t, jobs.Spec{Schedule: mustSchedule(t, "0 3 * * *")}))
		require.Error(t, err)
		assert.True(t, jobs.IsNotFound(err))
	})
}

func TestGetQuotas(t *testing.T) {
	ctx := context.Background()

	t.Run("quota and limits", func(t *testing.T) {
		quota := toolQuota()
		quota.Name = testNamespace
		quota.Status.Hard["count/cronjobs.batch"] = resource.MustParse("50")
		quota.Status.Used["count/cronjobs.batch"] = resource.MustParse("2")
		r, _ := newTestRuntime(t, quota, limitRange())

		got, err := r.GetQuotas(ctx, testTool)
		require.NoError(t, err)
		assert.Equal(t, []jobs.QuotaData{
			{Category: jobs.QuotaRunningJobs, Name: "Total running jobs at once (Kubernetes pods)", Limit: "10", Used: "3"},
			{Category: jobs.QuotaRunningJobs, Name: "Running one-off and cron jobs", Limit: "0", Used: "0"},
			{Category: jobs.QuotaRunningJobs, Name: "CPU", Limit: "2", Used: "2"},
			{Category: jobs.QuotaRunningJobs, Name: "Memory", Limit: "4.000Gi", Used: "1.000Gi"},
			{Category: jobs.QuotaPerJobLimits, Name: "CPU", Limit: "1"},
			{Category: jobs.QuotaPerJobLimits, Name: "Memory", Limit: "8.000Gi"},
			{Category: jobs.QuotaJobDefinitions, Name: "Cron jobs", Limit: "50", Used: "2"},
			{Category: jobs.QuotaJobDefinitions, Name: "Continuous jobs (including web services)", Limit: "0", Used: "0"},
		}, got)
	})

	t.Run("missing limit range", func(t *testing.T) {
		quota := toolQuota()
		quota.Name = testNamespace
		r, _ := newTestRuntime(t, quota)

		_, err := r.GetQuotas(ctx, testTool)
		require.Error(t, err)
		assert.Equal(t, jobs.ErrorTypeKubernetes, jobs.TypeOf(err))
		assert.Equal(t, "Unable to load quota information for this tool", err.Error())
	})
}

func TestGetImages(t *testing.T) {
	r, _ := newTestRuntime(t)
	got, err := r.GetImages(context.Background(), testTool)
	require.NoError(t, err)
	assert.Equal(t, []images.Image{bullseye, buildpack}, got)
}

type fakeLogs struct {
	entries []LogEntry
	query   LogQuery
}

func (f *fakeLogs) Query(_ context.Context, q LogQuery, emit func(LogEntry) error) error {
	f.query = q
	for _, e := range f.entries {
		if err := emit(e); err != nil {
			return err
		}
	}
	return nil
}

func TestGetLogs(t *testing.T) {
	ctx := context.Background()

	t.Run("job container only", func(t *testing.T) {
		r, _ := newTestRuntime(t)
		source := &fakeLogs{entries: []LogEntry{
			{Pod: "p", Container: ContainerName, Message: "one"},
			{Pod: "p", Container: "sidecar", Message: "noise"},
			{Pod: "p", Message: "two"},
		}}
		r.logs = source

		var got []string
		require.NoError(t, r.GetLogs(ctx, testTool, "myjob", true, 10, func(e LogEntry) error {
			got = append(got, e.Message)
			return nil
		}))
		assert.Equal(t, []string{"one", "two"}, got)
		assert.Equal(t, LogQuery{Tool: testTool, Job: "myjob", Follow: true, Lines: 10}, source.query)
	})

	t.Run("no logs", func(t *testing.T) {
		r, _ := newTestRuntime(t)
		r.logs = &fakeLogs{}
		err := r.GetLogs(ctx, testTool, "myjob", false, 0, func(LogEntry) error { return nil })
		require.Error(t, err)
		assert.True(t, jobs.IsNotFound(err))
		assert.Equal(t, "No logs found for job myjob", err.Error())
	})

	t.Run("emit error stops the stream", func(t *testing.T) {
		r, _ := newTestRuntime(t)
		r.logs = &fakeLogs{entries: []LogEntry{{Message: "one"}, {Message: "two"}}}
		calls := 0
		err := r.GetLogs(ctx, testTool, "myjob", false, 0, func(LogEntry) error {
			calls++
			return assert.AnError
		})
		assert.ErrorIs(t, err, assert.AnError)
		assert.Equal(t, 1, calls)
	})
}

func TestRuntimeDiff(t *testing.T) {
	ctx := context.Background()

	t.Run("deprecated object", func(t *testing.T) {
		obj := legacyJob()
		obj.Labels[labels.Component] = string(KindJob)
		r, _ := newTestRuntime(t, obj)

		diff, err := r.Diff(ctx, mustJob(t, jobs.Spec{Name: "legacy"}))
		require.NoError(t, err)
		assert.Equal(t, "job version is deprecated", diff)
	})

	t.Run("type changed", func(t *testing.T) {
		r, _ := newTestRuntime(t)
		require.NoError(t, r.CreateJob(ctx, mustJob(t, jobs.Spec{})))

		diff, err := r.Diff(ctx, mustJob(t, jobs.Spec{Continuous: true}))
		require.NoError(t, err)
		assert.Equal(t, "job type changed to continuous", diff)
	})

	t.Run("changed definition", func(t *testing.T) {
		r, _ := newTestRuntime(t)
		require.NoError(t, r.CreateJob(ctx, mustJob(t, jobs.Spec{Continuous: true})))

		diff, err := r.Diff(ctx, mustJob(t, jobs.Spec{Continuous: true, Cmd: "./other.sh"}))
		require.NoError(t, err)
		assert.Contains(t, diff, "other.sh")
	})

	t.Run("missing job", func(t *testing.T) {
		r, _ := newTestRuntime(t)
		_, err := r.Diff(ctx, mustJob(t, jobs.Spec{}))
		assert.True(t, jobs.IsNotFound(err))
	})
}
