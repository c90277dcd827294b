package k8s

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	appsv1 "k8s.io/api/apps/v1"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/chambrid/jobs-api/pkg/command"
	"github.com/chambrid/jobs-api/pkg/jobs"
	"github.com/chambrid/jobs-api/pkg/labels"
)

func TestManifestsOneOff(t *testing.T) {
	job := mustJob(t, jobs.Spec{Retry: 2, Emails: jobs.EmailsOnFailure})

	m, err := newTranslator().Manifests(job)
	require.NoError(t, err)
	require.NotNil(t, m.Job)
	assert.Nil(t, m.CronJob)
	assert.Nil(t, m.Deployment)
	assert.Nil(t, m.Service)
	assert.Nil(t, m.Ingress)
	assert.Same(t, m.Job, m.Workload())

	j := m.Job
	assert.Equal(t, "tool-mytool", j.Namespace)
	assert.Equal(t, map[string]string{
		labels.ManagedBy:        labels.ManagedByValue,
		labels.Name:             "myjob",
		labels.CreatedBy:        "mytool",
		labels.Version:          "2",
		labels.Component:        "jobs",
		labels.Emails:           "onfailure",
		labels.Filelog:          "yes",
		labels.CommandNewFormat: "yes",
		labels.MountStorage:     "all",
	}, j.Labels)
	assert.Equal(t, int32(2), *j.Spec.BackoffLimit)
	assert.Equal(t, JobTTLAfterFinished, *j.Spec.TTLSecondsAfterFinished)

	pod := j.Spec.Template.Spec
	assert.Equal(t, corev1.RestartPolicyNever, pod.RestartPolicy)
	assert.Equal(t, TerminationGracePeriod, *pod.TerminationGracePeriodSeconds)
	assert.Equal(t, testUID, *pod.SecurityContext.RunAsUser)
	assert.Equal(t, testUID, *pod.SecurityContext.FSGroup)
	assert.Equal(t, corev1.SeccompProfileTypeRuntimeDefault, pod.SecurityContext.SeccompProfile.Type)

	require.Len(t, pod.Containers, 1)
	c := pod.Containers[0]
	assert.Equal(t, ContainerName, c.Name)
	assert.Equal(t, bullseye.Container, c.Image)
	assert.Equal(t, "/data/project/mytool", c.WorkingDir)
	assert.Empty(t, c.Env)
	assert.Equal(t, []string{
		"/bin/sh", "-c", "--",
		"exec 1>>/data/project/mytool/myjob.out;exec 2>>/data/project/mytool/myjob.err;./run.sh --with-args",
	}, c.Command)
	assert.False(t, *c.SecurityContext.AllowPrivilegeEscalation)
	assert.Equal(t, []corev1.Capability{"ALL"}, c.SecurityContext.Capabilities.Drop)
	assert.True(t, *c.SecurityContext.RunAsNonRoot)
}

func TestManifestsResources(t *testing.T) {
	tests := []struct {
		name          string
		cpu, memory   string
		wantCPUReq    string
		wantMemoryReq string
	}{
		{name: "defaults", wantCPUReq: "500m", wantMemoryReq: "512Mi"},
		{name: "small jobs request their limit", cpu: "250m", memory: "256Mi", wantCPUReq: "250m", wantMemoryReq: "256Mi"},
		{name: "big jobs request half", cpu: "2", memory: "2Gi", wantCPUReq: "1", wantMemoryReq: "1Gi"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job := mustJob(t, jobs.Spec{CPU: tt.cpu, Memory: tt.memory})
			m, err := newTranslator().Manifests(job)
			require.NoError(t, err)

			res := m.Job.Spec.Template.Spec.Containers[0].Resources
			cpuReq := res.Requests[corev1.ResourceCPU]
			memReq := res.Requests[corev1.ResourceMemory]
			assert.Zero(t, cpuReq.Cmp(resource.MustParse(tt.wantCPUReq)), "cpu request %s", cpuReq.String())
			assert.Zero(t, memReq.Cmp(resource.MustParse(tt.wantMemoryReq)), "memory request %s", memReq.String())
		})
	}
}

func TestManifestsScheduled(t *testing.T) {
	job := mustJob(t, jobs.Spec{Schedule: mustSchedule(t, "@daily"), Timeout: intPtr(600)})

	m, err := newTranslator().Manifests(job)
	require.NoError(t, err)
	require.NotNil(t, m.CronJob)

	cj := m.CronJob
	scheduled := job.Scheduled()
	assert.Equal(t, "@daily", cj.Annotations[labels.CronExpression])
	assert.Equal(t, scheduled.Schedule.String(), cj.Spec.Schedule)
	assert.NotEqual(t, "@daily", cj.Spec.Schedule)
	assert.Equal(t, batchv1.ForbidConcurrent, cj.Spec.ConcurrencyPolicy)
	assert.Equal(t, int32(0), *cj.Spec.SuccessfulJobsHistoryLimit)
	assert.Equal(t, int32(0), *cj.Spec.FailedJobsHistoryLimit)
	assert.Equal(t, int64(30), *cj.Spec.StartingDeadlineSeconds)
	assert.Equal(t, int64(600), *cj.Spec.JobTemplate.Spec.ActiveDeadlineSeconds)
	assert.Equal(t, "cronjobs", cj.Spec.JobTemplate.Labels[labels.Component])
}

func TestManifestsContinuous(t *testing.T) {
	t.Run("single replica with http health check", func(t *testing.T) {
		job := mustJob(t, jobs.Spec{
			Continuous:  true,
			Port:        8080,
			HealthCheck: &jobs.HTTPHealthCheck{Path: "/healthz"},
		})

		m, err := newTranslator().Manifests(job)
		require.NoError(t, err)
		require.NotNil(t, m.Deployment)
		require.NotNil(t, m.Service)
		assert.Nil(t, m.Ingress)

		d := m.Deployment
		assert.Equal(t, int32(1), *d.Spec.Replicas)
		assert.Equal(t, appsv1.RecreateDeploymentStrategyType, d.Spec.Strategy.Type)
		assert.Equal(t, d.Labels, d.Spec.Selector.MatchLabels)

		c := d.Spec.Template.Spec.Containers[0]
		require.Len(t, c.Ports, 1)
		assert.Equal(t, int32(8080), c.Ports[0].ContainerPort)
		assert.Equal(t, corev1.ProtocolTCP, c.Ports[0].Protocol)
		require.NotNil(t, c.StartupProbe)
		require.NotNil(t, c.LivenessProbe)
		assert.Equal(t, "/healthz", c.StartupProbe.HTTPGet.Path)
		assert.Equal(t, int32(120), c.StartupProbe.FailureThreshold)
		assert.Equal(t, int32(3), c.LivenessProbe.FailureThreshold)
		assert.Equal(t, int32(10), c.LivenessProbe.PeriodSeconds)

		svc := m.Service
		assert.Equal(t, corev1.ServiceTypeClusterIP, svc.Spec.Type)
		assert.Equal(t, int32(8080), svc.Spec.Ports[0].Port)
		assert.Equal(t, "myjob", svc.Spec.Selector[labels.Name])
		assert.NotContains(t, svc.Labels, labels.Filelog)

		objs := m.Objects()
		require.Len(t, objs, 2)
		assert.Same(t, m.Deployment, objs[1])
	})

	t.Run("replicas and script health check", func(t *testing.T) {
		job := mustJob(t, jobs.Spec{
			Continuous:  true,
			Replicas:    intPtr(3),
			HealthCheck: &jobs.ScriptHealthCheck{Script: "test -f /tmp/ok"},
		})

		m, err := newTranslator().Manifests(job)
		require.NoError(t, err)
		assert.Nil(t, m.Service)

		d := m.Deployment
		assert.Equal(t, int32(3), *d.Spec.Replicas)
		assert.Equal(t, appsv1.RollingUpdateDeploymentStrategyType, d.Spec.Strategy.Type)
		probe := d.Spec.Template.Spec.Containers[0].StartupProbe
		assert.Equal(t, []string{"/bin/sh", "-c", "test -f /tmp/ok"}, probe.Exec.Command)
	})

	t.Run("port without health check gets tcp probes", func(t *testing.T) {
		job := mustJob(t, jobs.Spec{Continuous: true, Port: 8000})

		m, err := newTranslator().Manifests(job)
		require.NoError(t, err)
		c := m.Deployment.Spec.Template.Spec.Containers[0]
		require.NotNil(t, c.StartupProbe.TCPSocket)
		assert.Equal(t, int32(8000), c.StartupProbe.TCPSocket.Port.IntVal)
	})

	t.Run("published", func(t *testing.T) {
		job := mustJob(t, jobs.Spec{Continuous: true, Port: 8000, Public: true})

		m, err := newTranslator().Manifests(job)
		require.NoError(t, err)
		require.NotNil(t, m.Ingress)

		rule := m.Ingress.Spec.Rules[0]
		assert.Equal(t, "mytool.toolforge.org", rule.Host)
		assert.Equal(t, "/", rule.HTTP.Paths[0].Path)
		assert.Equal(t, "myjob", rule.HTTP.Paths[0].Backend.Service.Name)
		assert.Equal(t, int32(8000), rule.HTTP.Paths[0].Backend.Service.Port.Number)
		assert.Len(t, m.Objects(), 3)
	})
}

func TestManifestsBuildpack(t *testing.T) {
	job := mustJob(t, jobs.Spec{Image: buildpack, Cmd: "web"})

	m, err := newTranslator().Manifests(job)
	require.NoError(t, err)

	c := m.Job.Spec.Template.Spec.Containers[0]
	assert.Empty(t, c.WorkingDir)
	assert.Equal(t, []corev1.EnvVar{{Name: "NO_HOME", Value: noHomeMessage}}, c.Env)
	assert.Equal(t, []string{"/bin/sh", "-c", "--", "launcher web"}, c.Command)
	assert.Equal(t, "none", m.Job.Labels[labels.MountStorage])
	assert.Equal(t, "no", m.Job.Labels[labels.Filelog])

	t.Run("launcher is not doubled", func(t *testing.T) {
		job := mustJob(t, jobs.Spec{Image: buildpack, Cmd: "launcher web"})
		assert.Equal(t, command.Generated{Command: []string{"/bin/sh", "-c", "--", "launcher web"}}, GeneratedCommand(job))
	})
}

func TestManifestsErrors(t *testing.T) {
	t.Run("image without container", func(t *testing.T) {
		job := mustJob(t, jobs.Spec{})
		job.Image.Container = ""

		_, err := newTranslator().Manifests(job)
		require.Error(t, err)
		assert.True(t, jobs.IsValidation(err))
		assert.Equal(t, "Image 'bullseye' has no container url", err.Error())
	})

	t.Run("unknown account", func(t *testing.T) {
		job := mustJob(t, jobs.Spec{})
		translator := NewTranslator(emptyResolver{}, jobs.DefaultResources(), "toolforge.org")

		_, err := translator.Manifests(job)
		require.Error(t, err)
		assert.Equal(t, jobs.ErrorTypeInternal, jobs.TypeOf(err))
	})
}

type emptyResolver struct{}

func (emptyResolver) ResolveUID(tool string) (int64, error) {
	return 0, assert.AnError
}

func TestManualRun(t *testing.T) {
	job := mustJob(t, jobs.Spec{Schedule: mustSchedule(t, "*/5 * * * *")})
	m, err := newTranslator().Manifests(job)
	require.NoError(t, err)

	cj := m.CronJob
	cj.UID = "1234-abcd"
	now := time.Unix(1700000000, 0)

	run := ManualRun(cj, now)
	assert.Equal(t, "myjob-1700000000", run.Name)
	assert.Equal(t, "tool-mytool", run.Namespace)
	assert.Equal(t, labels.InstantiateManual, run.Annotations[labels.Instantiate])
	assert.Equal(t, cj.Spec.JobTemplate.Labels, run.Labels)
	assert.Equal(t, []metav1.OwnerReference{{
		APIVersion: "batch/v1",
		Kind:       "CronJob",
		Name:       "myjob",
		UID:        "1234-abcd",
	}}, run.OwnerReferences)
	assert.Equal(t, cj.Spec.JobTemplate.Spec.Template.Spec.Containers, run.Spec.Template.Spec.Containers)

	// the copy is independent of the cronjob
	run.Spec.Template.Spec.Containers[0].Image = "other"
	assert.Equal(t, bullseye.Container, cj.Spec.JobTemplate.Spec.Template.Spec.Containers[0].Image)
}
