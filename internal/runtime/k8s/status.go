package k8s

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-logr/logr"
	appsv1 "k8s.io/api/apps/v1"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/fields"
	"k8s.io/client-go/kubernetes"

	"github.com/chambrid/jobs-api/pkg/command"
	"github.com/chambrid/jobs-api/pkg/jobs"
	"github.com/chambrid/jobs-api/pkg/labels"
)

// podBucket classifies a pod. Higher values win when pods disagree.
type podBucket int

const (
	bucketUnknown podBucket = iota
	bucketSucceeded
	bucketRestarted
	bucketRunning
	bucketInitializing
	bucketScheduling
	bucketFailed
)

// StatusEngine reduces workloads, pods and events to a job status.
type StatusEngine struct {
	client kubernetes.Interface
	now    func() time.Time
	logger logr.Logger
}

// NewStatusEngine creates an engine reading events through client.
func NewStatusEngine(client kubernetes.Interface, logger logr.Logger) *StatusEngine {
	return &StatusEngine{client: client, now: time.Now, logger: logger.WithName("status")}
}

func (e *StatusEngine) since(t time.Time) string {
	now := e.now()
	if t.IsZero() {
		t = now
	}
	return jobs.FormatSince(t, now)
}

func (e *StatusEngine) status(short jobs.StatusShort, anchor time.Time, messages ...string) *jobs.Status {
	if len(messages) == 0 {
		messages = []string{string(short)}
	}
	return &jobs.Status{
		Short:    short,
		Messages: messages,
		Duration: e.since(anchor),
		UpToDate: true,
	}
}

func lastPodCondition(pod *corev1.Pod) corev1.PodCondition {
	conditions := append([]corev1.PodCondition(nil), pod.Status.Conditions...)
	sort.SliceStable(conditions, func(i, j int) bool {
		return conditions[i].LastTransitionTime.After(conditions[j].LastTransitionTime.Time)
	})
	if len(conditions) == 0 {
		return corev1.PodCondition{}
	}
	return conditions[0]
}

// PodsStatus aggregates the status of pods, nil when no pod tells
// anything.
func (e *StatusEngine) PodsStatus(pods []corev1.Pod) *jobs.Status {
	found := map[podBucket]*jobs.Status{}
	add := func(b podBucket, s *jobs.Status) {
		if _, ok := found[b]; !ok {
			found[b] = s
		}
	}

	for i := range pods {
		pod := &pods[i]
		e.logger.V(1).Info("reading pod status", "pod", pod.Name)

		phase := strings.ToLower(string(pod.Status.Phase))
		if phase == "" {
			phase = "unknown"
		}
		last := lastPodCondition(pod)
		lastTransition := last.LastTransitionTime.Time

		if phase == "pending" && len(pod.Status.ContainerStatuses) == 0 {
			messages := []string{"scheduling"}
			if last.Message != "" {
				messages = append(messages, last.Message)
			}
			add(bucketScheduling, e.status(jobs.StatusPending, lastTransition, messages...))
		}

		for _, cs := range pod.Status.ContainerStatuses {
			bucket, status := e.containerStatus(phase, lastTransition, cs)
			add(bucket, status)
		}
	}

	for b := bucketFailed; b >= bucketUnknown; b-- {
		if s, ok := found[b]; ok {
			return s
		}
	}
	return nil
}

func (e *StatusEngine) containerStatus(phase string, lastTransition time.Time, cs corev1.ContainerStatus) (podBucket, *jobs.Status) {
	state := cs.State
	restarted := fmt.Sprintf("restarted (%d)", cs.RestartCount)

	switch {
	case phase == "pending" && state.Waiting != nil:
		messages := []string{"initializing"}
		if state.Waiting.Message != "" {
			messages = append(messages, state.Waiting.Message)
		}
		return bucketInitializing, e.status(jobs.StatusPending, lastTransition, messages...)

	case phase == "running" && state.Running != nil:
		return bucketRunning, e.status(jobs.StatusRunning, state.Running.StartedAt.Time)

	case phase == "running" && state.Terminated != nil:
		exit := fmt.Sprintf("exitcode %d", state.Terminated.ExitCode)
		return bucketRestarted, e.status(jobs.StatusPending, lastTransition, exit, restarted)

	case phase == "running" && state.Waiting != nil:
		messages := []string{restarted}
		if t := cs.LastTerminationState.Terminated; t != nil {
			messages = []string{fmt.Sprintf("exitcode %d", t.ExitCode), restarted}
		}
		return bucketRestarted, e.status(jobs.StatusPending, lastTransition, messages...)

	case phase == "succeeded" && state.Terminated != nil:
		return bucketSucceeded, e.status(jobs.StatusSucceeded, state.Terminated.FinishedAt.Time)

	case phase == "failed" && state.Terminated != nil:
		exit := fmt.Sprintf("exitcode %d", state.Terminated.ExitCode)
		return bucketFailed, e.status(jobs.StatusFailed, state.Terminated.FinishedAt.Time, exit)

	default:
		return bucketUnknown, e.status(jobs.StatusUnknown, lastTransition)
	}
}

// JobStatus computes the status of a one-off Job run.
func (e *StatusEngine) JobStatus(ctx context.Context, j *batchv1.Job, pods []corev1.Pod) *jobs.Status {
	podStatus := e.PodsStatus(pods)
	if podStatus != nil && podStatus.Short != jobs.StatusUnknown {
		return podStatus
	}
	e.logger.V(1).Info("inconclusive pod status", "job", j.Name)

	conditions := append([]batchv1.JobCondition(nil), j.Status.Conditions...)
	sort.SliceStable(conditions, func(a, b int) bool {
		return conditions[a].LastTransitionTime.After(conditions[b].LastTransitionTime.Time)
	})
	for _, c := range conditions {
		if c.Status != corev1.ConditionTrue {
			continue
		}
		switch c.Type {
		case batchv1.JobComplete:
			return e.status(jobs.StatusSucceeded, c.LastTransitionTime.Time)
		case batchv1.JobFailed:
			return e.status(jobs.StatusFailed, c.LastTransitionTime.Time)
		}
	}

	ready := int32(0)
	if j.Status.Ready != nil {
		ready = *j.Status.Ready
	}
	if j.Status.Active > 0 && ready == 0 {
		var start time.Time
		if j.Status.StartTime != nil {
			start = j.Status.StartTime.Time
		}
		return e.status(jobs.StatusPending, start)
	}

	// some quota errors only show up as events
	if j.Status.Active == 0 && ready == 0 {
		if j.UID == "" {
			e.logger.Info("job without uid, unable to read events", "job", j.Name)
			return e.status(jobs.StatusUnknown, j.CreationTimestamp.Time)
		}
		if status := e.eventStatus(ctx, j); status != nil {
			return status
		}
	}

	if podStatus != nil {
		return podStatus
	}
	return e.status(jobs.StatusUnknown, j.CreationTimestamp.Time)
}

func (e *StatusEngine) eventStatus(ctx context.Context, j *batchv1.Job) *jobs.Status {
	events, err := e.client.CoreV1().Events(j.Namespace).List(ctx, metav1.ListOptions{
		FieldSelector: fields.OneTermEqualSelector("involvedObject.uid", string(j.UID)).String(),
	})
	if err != nil {
		e.logger.Error(err, "unable to list events", "job", j.Name)
		return nil
	}

	items := events.Items
	sort.SliceStable(items, func(a, b int) bool {
		return items[a].LastTimestamp.After(items[b].LastTimestamp.Time)
	})
	for _, event := range items {
		if event.Reason != "FailedCreate" {
			continue
		}
		message := "Unable to start"
		if strings.Contains(event.Message, "is forbidden: exceeded quota") {
			message += ", " + QuotaErrorMessage(event.Message)
		}
		return e.status(jobs.StatusFailed, event.LastTimestamp.Time, message)
	}
	return nil
}

// RelevantRun picks the run of a CronJob that best describes it: the
// newest of the latest scheduled run and the latest manual run started
// from the same definition.
func RelevantRun(job *jobs.Job, cj *batchv1.CronJob, runs []batchv1.Job) *batchv1.Job {
	if len(runs) == 0 || cj.UID == "" {
		return nil
	}

	sorted := append([]batchv1.Job(nil), runs...)
	sort.SliceStable(sorted, func(a, b int) bool {
		return sorted[a].CreationTimestamp.After(sorted[b].CreationTimestamp.Time)
	})

	var auto, manual *batchv1.Job
	for i := range sorted {
		if sorted[i].Annotations[labels.Instantiate] == "" {
			auto = &sorted[i]
			break
		}
	}

	want := GeneratedCommand(job)
	for i := range sorted {
		run := &sorted[i]
		if run.Annotations[labels.Instantiate] != labels.InstantiateManual {
			continue
		}
		if !ownedBy(run, cj, job.Name) {
			continue
		}
		containers := run.Spec.Template.Spec.Containers
		if len(containers) == 0 {
			continue
		}
		got := command.Generated{Command: containers[0].Command, Args: containers[0].Args}
		if !got.Equal(want) {
			continue
		}
		manual = run
		break
	}

	switch {
	case auto == nil:
		return manual
	case manual == nil:
		return auto
	case manual.CreationTimestamp.After(auto.CreationTimestamp.Time):
		return manual
	default:
		return auto
	}
}

func ownedBy(run *batchv1.Job, cj *batchv1.CronJob, name string) bool {
	for _, ref := range run.OwnerReferences {
		if ref.Kind == "CronJob" && ref.Name == name && ref.UID == cj.UID {
			return true
		}
	}
	return false
}

func formatSchedule(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// CronJobStatus computes the status of a scheduled job.
func (e *StatusEngine) CronJobStatus(ctx context.Context, job *jobs.Job, cj *batchv1.CronJob, runs []batchv1.Job, pods []corev1.Pod) *jobs.Status {
	run := RelevantRun(job, cj, runs)

	var previous time.Time
	switch {
	case run != nil:
		previous = run.CreationTimestamp.Time
	case cj.Status.LastScheduleTime != nil:
		previous = cj.Status.LastScheduleTime.Time
	}

	next := ""
	if scheduled := job.Scheduled(); scheduled != nil && scheduled.Schedule != nil {
		from := e.now()
		if !previous.IsZero() {
			from = previous
		}
		if t, err := scheduled.Schedule.Next(from); err == nil {
			next = formatSchedule(t)
		} else {
			e.logger.Error(err, "unable to compute next schedule", "job", job.Name)
		}
	}

	var status *jobs.Status
	if run != nil {
		status = e.JobStatus(ctx, run, pods)
	} else {
		anchor := cj.CreationTimestamp.Time
		if t := cj.Status.LastSuccessfulTime; t != nil && t.After(anchor) {
			anchor = t.Time
		}
		if previous.After(anchor) {
			anchor = previous
		}
		status = e.status(jobs.StatusPending, anchor)
	}

	if !previous.IsZero() {
		status.PreviousSchedule = formatSchedule(previous)
	}
	status.NextSchedule = next
	return status
}

// DeploymentStatus computes the status of a continuous job.
func (e *StatusEngine) DeploymentStatus(d *appsv1.Deployment, pods []corev1.Pod) *jobs.Status {
	podStatus := e.PodsStatus(pods)
	if podStatus != nil && podStatus.Short == jobs.StatusRunning {
		return podStatus
	}
	e.logger.V(1).Info("inconclusive pod status", "deployment", d.Name)

	conditions := append([]appsv1.DeploymentCondition(nil), d.Status.Conditions...)
	sort.SliceStable(conditions, func(a, b int) bool {
		return conditions[a].LastTransitionTime.After(conditions[b].LastTransitionTime.Time)
	})
	for _, c := range conditions {
		if c.Type == appsv1.DeploymentReplicaFailure && c.Reason == "FailedCreate" &&
			c.Status == corev1.ConditionTrue && strings.Contains(c.Message, "forbidden: exceeded quota") {
			return e.status(jobs.StatusFailed, c.LastTransitionTime.Time, "Unable to start, "+QuotaErrorMessage(c.Message))
		}
	}

	replicas := int32(1)
	if d.Spec.Replicas != nil {
		replicas = *d.Spec.Replicas
	}

	anchor := d.CreationTimestamp.Time
	if raw := d.Spec.Template.Annotations[labels.RestartedAt]; raw != "" {
		if restarted, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			anchor = restarted
		} else {
			e.logger.V(1).Info("unparseable restart annotation", "deployment", d.Name, "value", raw)
		}
	}

	deadline := anchor.Add(ProgressDeadlineSeconds * time.Second)
	if d.Status.UnavailableReplicas > 0 && e.now().After(deadline) {
		messages := []string{string(jobs.StatusFailed)}
		if podStatus != nil {
			messages = podStatus.Messages
		}
		return e.status(jobs.StatusFailed, deadline, messages...)
	}

	if podStatus != nil && podStatus.Short != jobs.StatusUnknown {
		return podStatus
	}

	if d.Status.UnavailableReplicas > 0 {
		var messages []string
		if podStatus != nil {
			messages = podStatus.Messages
		}
		return e.status(jobs.StatusPending, anchor, messages...)
	}

	if d.Status.ReadyReplicas == replicas {
		return e.status(jobs.StatusRunning, anchor)
	}

	if podStatus != nil {
		return podStatus
	}
	return e.status(jobs.StatusUnknown, anchor)
}
