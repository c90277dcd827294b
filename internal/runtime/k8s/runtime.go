package k8s

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/go-logr/logr"
	"github.com/hashicorp/go-multierror"
	appsv1 "k8s.io/api/apps/v1"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/kubernetes"
	"k8s.io/utils/ptr"

	"github.com/chambrid/jobs-api/pkg/identity"
	"github.com/chambrid/jobs-api/pkg/images"
	"github.com/chambrid/jobs-api/pkg/jobs"
	"github.com/chambrid/jobs-api/pkg/labels"
)

const (
	defaultPollInterval = 500 * time.Millisecond
	defaultPollTimeout  = 30 * time.Second
)

// Options configures a Runtime.
type Options struct {
	Client       kubernetes.Interface
	Catalog      ImageCatalog
	Tenants      identity.TenantIdentity
	Defaults     jobs.ResourceDefaults
	PublicDomain string

	// DryRunner defaults to submitting through Client.
	DryRunner DryRunner
	// Logs defaults to reading the pod logs through Client.
	Logs   LogSource
	Logger logr.Logger
}

// Runtime runs jobs as Kubernetes workloads.
type Runtime struct {
	client     kubernetes.Interface
	translator *Translator
	reader     *Reader
	catalog    ImageCatalog
	status     *StatusEngine
	differ     *Differ
	logs       LogSource
	logger     logr.Logger

	now          func() time.Time
	pollInterval time.Duration
	pollTimeout  time.Duration
}

// New creates a runtime.
func New(opts Options) *Runtime {
	logger := opts.Logger.WithName("runtime")
	dryRunner := opts.DryRunner
	if dryRunner == nil {
		dryRunner = NewClientDryRunner(opts.Client)
	}
	logs := opts.Logs
	if logs == nil {
		logs = NewPodLogSource(opts.Client, logger)
	}

	return &Runtime{
		client:       opts.Client,
		translator:   NewTranslator(opts.Tenants, opts.Defaults, opts.PublicDomain),
		reader:       NewReader(opts.Catalog, opts.Defaults),
		catalog:      opts.Catalog,
		status:       NewStatusEngine(opts.Client, logger),
		differ:       NewDiffer(dryRunner),
		logs:         logs,
		logger:       logger,
		now:          time.Now,
		pollInterval: defaultPollInterval,
		pollTimeout:  defaultPollTimeout,
	}
}

// Translator returns the manifest translator of the runtime.
func (r *Runtime) Translator() *Translator {
	return r.translator
}

// workloads lists the managed objects of one kind, optionally for a
// single job.
func (r *Runtime) workloads(ctx context.Context, tool string, kind Kind, name string) ([]runtime.Object, error) {
	ns := namespace(tool)
	opts := metav1.ListOptions{LabelSelector: toolSelector(tool, kind, name)}

	var out []runtime.Object
	switch kind {
	case KindJob:
		list, err := r.client.BatchV1().Jobs(ns).List(ctx, opts)
		if err != nil {
			return nil, err
		}
		for i := range list.Items {
			out = append(out, &list.Items[i])
		}
	case KindCronJob:
		list, err := r.client.BatchV1().CronJobs(ns).List(ctx, opts)
		if err != nil {
			return nil, err
		}
		for i := range list.Items {
			out = append(out, &list.Items[i])
		}
	case KindDeployment:
		list, err := r.client.AppsV1().Deployments(ns).List(ctx, opts)
		if err != nil {
			return nil, err
		}
		for i := range list.Items {
			out = append(out, &list.Items[i])
		}
	default:
		return nil, fmt.Errorf("unknown workload kind %q", kind)
	}
	return out, nil
}

// publishedJobs returns the names of the jobs of tool that own an Ingress.
func (r *Runtime) publishedJobs(ctx context.Context, tool string) (map[string]bool, error) {
	list, err := r.client.NetworkingV1().Ingresses(namespace(tool)).List(ctx, metav1.ListOptions{
		LabelSelector: toolSelector(tool, KindDeployment, ""),
	})
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(list.Items))
	for _, ing := range list.Items {
		out[ing.Labels[labels.Name]] = true
	}
	return out, nil
}

// load rebuilds the job realized by obj and attaches its live status.
func (r *Runtime) load(ctx context.Context, obj runtime.Object, published map[string]bool) (*jobs.Job, error) {
	switch o := obj.(type) {
	case *batchv1.Job:
		job, err := r.reader.FromJob(ctx, o)
		if err != nil {
			return nil, err
		}
		pods, err := r.pods(ctx, job.Tool, KindJob, job.Name)
		if err != nil {
			return nil, r.translateError(ctx, err, job, nil)
		}
		job.Status = r.status.JobStatus(ctx, o, pods)
		return job, nil
	case *batchv1.CronJob:
		job, err := r.reader.FromCronJob(ctx, o)
		if err != nil {
			return nil, err
		}
		runs, err := r.client.BatchV1().Jobs(o.Namespace).List(ctx, metav1.ListOptions{
			LabelSelector: toolSelector(job.Tool, KindCronJob, job.Name),
		})
		if err != nil {
			return nil, r.translateError(ctx, err, job, nil)
		}
		pods, err := r.pods(ctx, job.Tool, KindCronJob, job.Name)
		if err != nil {
			return nil, r.translateError(ctx, err, job, nil)
		}
		job.Status = r.status.CronJobStatus(ctx, job, o, runs.Items, pods)
		return job, nil
	case *appsv1.Deployment:
		job, err := r.reader.FromDeployment(ctx, o, published[o.Name])
		if err != nil {
			return nil, err
		}
		pods, err := r.pods(ctx, job.Tool, KindDeployment, job.Name)
		if err != nil {
			return nil, r.translateError(ctx, err, job, nil)
		}
		job.Status = r.status.DeploymentStatus(o, pods)
		return job, nil
	default:
		return nil, fmt.Errorf("unable to load job from %T", obj)
	}
}

func (r *Runtime) pods(ctx context.Context, tool string, kind Kind, name string) ([]corev1.Pod, error) {
	list, err := r.client.CoreV1().Pods(namespace(tool)).List(ctx, metav1.ListOptions{
		LabelSelector: toolSelector(tool, kind, name),
	})
	if err != nil {
		return nil, err
	}
	return list.Items, nil
}

// GetJobs returns every job of tool, with status. Objects that can't be
// understood are logged and skipped.
func (r *Runtime) GetJobs(ctx context.Context, tool string) ([]*jobs.Job, error) {
	published, err := r.publishedJobs(ctx, tool)
	if err != nil {
		return nil, jobs.NewKubernetesError(internalMessage, err, nil)
	}

	var out []*jobs.Job
	for _, kind := range Kinds {
		objs, err := r.workloads(ctx, tool, kind, "")
		if err != nil {
			return nil, jobs.NewKubernetesError(internalMessage, err, map[string]any{"kind": string(kind)})
		}
		for _, obj := range objs {
			job, err := r.load(ctx, obj, published)
			if err != nil {
				var parsing *jobs.ParsingError
				var notFound *jobs.NotFoundError
				if errors.As(err, &parsing) || errors.As(err, &notFound) {
					r.logger.Error(err, "skipping unreadable object", "tool", tool, "kind", kind)
					continue
				}
				return nil, err
			}
			out = append(out, job)
		}
	}
	return out, nil
}

// GetJob returns a single job, or a not found error.
func (r *Runtime) GetJob(ctx context.Context, tool, name string) (*jobs.Job, error) {
	obj, err := r.findWorkload(ctx, tool, name)
	if err != nil {
		return nil, err
	}

	published := map[string]bool{}
	if _, ok := obj.(*appsv1.Deployment); ok {
		if published, err = r.publishedJobs(ctx, tool); err != nil {
			return nil, jobs.NewKubernetesError(internalMessage, err, nil)
		}
	}
	return r.load(ctx, obj, published)
}

func (r *Runtime) findWorkload(ctx context.Context, tool, name string) (runtime.Object, error) {
	for _, kind := range Kinds {
		objs, err := r.workloads(ctx, tool, kind, name)
		if err != nil {
			return nil, jobs.NewKubernetesError(internalMessage, err, map[string]any{"kind": string(kind)})
		}
		if len(objs) > 0 {
			return objs[0], nil
		}
	}
	return nil, jobs.NewNotFoundError(fmt.Sprintf("Job %s does not exist", name), map[string]any{"tool": tool})
}

// CreateJob creates every object realizing job.
func (r *Runtime) CreateJob(ctx context.Context, job *jobs.Job) error {
	if err := r.validateLimits(ctx, job.Tool, job.CPU, job.Memory); err != nil {
		return err
	}

	manifests, err := r.translator.Manifests(job)
	if err != nil {
		return err
	}
	ns := namespace(job.Tool)
	log := r.logger.WithValues("tool", job.Tool, "job", job.Name, "kind", KindFor(job.Type()))

	if svc := manifests.Service; svc != nil {
		err := r.client.CoreV1().Services(ns).Delete(ctx, svc.Name, metav1.DeleteOptions{})
		if err != nil && !apierrors.IsNotFound(err) {
			log.V(1).Info("unable to delete stale service", "error", err.Error())
		}
		if _, err := r.client.CoreV1().Services(ns).Create(ctx, svc, metav1.CreateOptions{}); err != nil {
			return r.translateError(ctx, err, job, svc)
		}
	}

	if ing := manifests.Ingress; ing != nil {
		if err := r.checkIngressConflict(ctx, job, ing); err != nil {
			return err
		}
		if _, err := r.client.NetworkingV1().Ingresses(ns).Create(ctx, ing, metav1.CreateOptions{}); err != nil {
			return r.translateError(ctx, err, job, ing)
		}
	}

	var created runtime.Object
	switch {
	case manifests.CronJob != nil:
		created, err = r.client.BatchV1().CronJobs(ns).Create(ctx, manifests.CronJob, metav1.CreateOptions{})
	case manifests.Deployment != nil:
		created, err = r.client.AppsV1().Deployments(ns).Create(ctx, manifests.Deployment, metav1.CreateOptions{})
	default:
		created, err = r.client.BatchV1().Jobs(ns).Create(ctx, manifests.Job, metav1.CreateOptions{})
	}
	if err != nil {
		return r.translateError(ctx, err, job, manifests.Workload())
	}

	job.K8sObject = toMap(created)
	log.Info("created job")
	return nil
}

// checkIngressConflict refuses to publish on a host path some other
// Ingress of the namespace already serves.
func (r *Runtime) checkIngressConflict(ctx context.Context, job *jobs.Job, ing *networkingv1.Ingress) error {
	list, err := r.client.NetworkingV1().Ingresses(ing.Namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return r.translateError(ctx, err, job, ing)
	}

	host := r.translator.Host(job.Tool)
	for _, other := range list.Items {
		if other.Name == ing.Name {
			continue
		}
		for _, rule := range other.Spec.Rules {
			if rule.Host != host {
				continue
			}
			if rule.HTTP == nil {
				return r.ingressConflict(job, other.Name)
			}
			for _, path := range rule.HTTP.Paths {
				if path.Path == "" || path.Path == "/" {
					return r.ingressConflict(job, other.Name)
				}
			}
		}
	}
	return nil
}

func (r *Runtime) ingressConflict(job *jobs.Job, owner string) error {
	return jobs.NewConflictError(
		fmt.Sprintf("Host %s is already published by %s", r.translator.Host(job.Tool), owner),
		map[string]any{"ingress": owner},
	)
}

// validateLimits checks cpu and memory against the container bounds of
// the tool LimitRange. A missing LimitRange allows anything.
func (r *Runtime) validateLimits(ctx context.Context, tool, cpu, memory string) error {
	ns := namespace(tool)
	lr, err := r.client.CoreV1().LimitRanges(ns).Get(ctx, ns, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return nil
		}
		return jobs.NewKubernetesError(internalMessage, err, nil)
	}

	checks := []struct {
		label string
		value string
		name  corev1.ResourceName
	}{
		{"CPU", cpu, corev1.ResourceCPU},
		{"memory", memory, corev1.ResourceMemory},
	}

	for _, item := range lr.Spec.Limits {
		if item.Type != corev1.LimitTypeContainer {
			continue
		}
		for _, c := range checks {
			if c.value == "" {
				continue
			}
			requested, err := resource.ParseQuantity(c.value)
			if err != nil {
				return jobs.Validationf("Invalid %s value '%s'", c.label, c.value)
			}
			if lo, ok := item.Min[c.name]; ok && requested.Cmp(lo) < 0 {
				return jobs.Validationf("Requested %s %s is less than minimum required per container (%s)", c.label, c.value, lo.String())
			}
			if hi, ok := item.Max[c.name]; ok && requested.Cmp(hi) > 0 {
				return jobs.Validationf("Requested %s %s is over maximum allowed per container (%s)", c.label, c.value, hi.String())
			}
		}
	}
	return nil
}

var backgroundDeletion = metav1.DeleteOptions{PropagationPolicy: ptr.To(metav1.DeletePropagationBackground)}

// DeleteJob deletes the workload of job and everything attached to it.
// Deleting a job that is already gone is not an error.
func (r *Runtime) DeleteJob(ctx context.Context, job *jobs.Job) error {
	ns := namespace(job.Tool)
	kind := KindFor(job.Type())
	log := r.logger.WithValues("tool", job.Tool, "job", job.Name, "kind", kind)

	var err error
	switch kind {
	case KindCronJob:
		err = r.client.BatchV1().CronJobs(ns).Delete(ctx, job.Name, backgroundDeletion)
	case KindDeployment:
		err = r.client.AppsV1().Deployments(ns).Delete(ctx, job.Name, backgroundDeletion)
	default:
		err = r.client.BatchV1().Jobs(ns).Delete(ctx, job.Name, backgroundDeletion)
	}
	if err != nil && !apierrors.IsNotFound(err) {
		return r.translateError(ctx, err, job, nil)
	}

	selector := metav1.ListOptions{LabelSelector: toolSelector(job.Tool, kind, job.Name)}
	if err := r.client.CoreV1().Pods(ns).DeleteCollection(ctx, metav1.DeleteOptions{}, selector); err != nil {
		return r.translateError(ctx, err, job, nil)
	}
	if err := r.deleteServices(ctx, ns, selector); err != nil {
		return r.translateError(ctx, err, job, nil)
	}
	if err := r.client.NetworkingV1().Ingresses(ns).DeleteCollection(ctx, metav1.DeleteOptions{}, selector); err != nil {
		return r.translateError(ctx, err, job, nil)
	}

	if !r.waitForPodsExit(ctx, ns, selector.LabelSelector) {
		log.Info("pods still running after delete")
	}
	log.Info("deleted job")
	return nil
}

func (r *Runtime) deleteServices(ctx context.Context, ns string, selector metav1.ListOptions) error {
	list, err := r.client.CoreV1().Services(ns).List(ctx, selector)
	if err != nil {
		return err
	}
	for _, svc := range list.Items {
		if err := r.client.CoreV1().Services(ns).Delete(ctx, svc.Name, metav1.DeleteOptions{}); err != nil && !apierrors.IsNotFound(err) {
			return err
		}
	}
	return nil
}

// DeleteAllJobs deletes every managed object of tool.
func (r *Runtime) DeleteAllJobs(ctx context.Context, tool string) error {
	ns := namespace(tool)
	selector := metav1.ListOptions{LabelSelector: toolSelector(tool, "", "")}

	var result *multierror.Error
	collect := func(what string, err error) {
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("failed to delete %s: %w", what, err))
		}
	}

	collect("cronjobs", r.client.BatchV1().CronJobs(ns).DeleteCollection(ctx, backgroundDeletion, selector))
	collect("deployments", r.client.AppsV1().Deployments(ns).DeleteCollection(ctx, backgroundDeletion, selector))
	collect("jobs", r.client.BatchV1().Jobs(ns).DeleteCollection(ctx, backgroundDeletion, selector))
	collect("pods", r.client.CoreV1().Pods(ns).DeleteCollection(ctx, metav1.DeleteOptions{}, selector))
	collect("services", r.deleteServices(ctx, ns, selector))
	collect("ingresses", r.client.NetworkingV1().Ingresses(ns).DeleteCollection(ctx, metav1.DeleteOptions{}, selector))

	if err := result.ErrorOrNil(); err != nil {
		return jobs.NewKubernetesError("Failed to delete all jobs", err, map[string]any{"tool": tool})
	}

	if !r.waitForPodsExit(ctx, ns, selector.LabelSelector) {
		r.logger.Info("pods still running after delete", "tool", tool)
	}
	return nil
}

// waitForPodsExit polls until no pod matches selector. It gives up after
// the poll timeout and reports whether the pods are gone.
func (r *Runtime) waitForPodsExit(ctx context.Context, ns, selector string) bool {
	err := wait.PollUntilContextTimeout(ctx, r.pollInterval, r.pollTimeout, true, func(ctx context.Context) (bool, error) {
		list, err := r.client.CoreV1().Pods(ns).List(ctx, metav1.ListOptions{LabelSelector: selector})
		if err != nil {
			r.logger.V(1).Info("unable to list pods", "namespace", ns, "error", err.Error())
			return false, nil
		}
		return len(list.Items) == 0, nil
	})
	return err == nil
}

// RestartJob restarts a running job. A scheduled job gets its current
// run replaced by a manual one; a continuous job gets its pods cycled.
func (r *Runtime) RestartJob(ctx context.Context, job *jobs.Job) error {
	ns := namespace(job.Tool)

	switch job.Variant.(type) {
	case *jobs.OneOff:
		return jobs.Validationf("Unable to restart a single job")
	case *jobs.Scheduled:
		selector := metav1.ListOptions{LabelSelector: toolSelector(job.Tool, KindCronJob, job.Name)}
		if err := r.client.BatchV1().Jobs(ns).DeleteCollection(ctx, backgroundDeletion, selector); err != nil {
			return r.translateError(ctx, err, job, nil)
		}
		if err := r.client.CoreV1().Pods(ns).DeleteCollection(ctx, metav1.DeleteOptions{}, selector); err != nil {
			return r.translateError(ctx, err, job, nil)
		}
		if !r.waitForPodsExit(ctx, ns, selector.LabelSelector) {
			r.logger.Info("previous run still running, starting anyway", "tool", job.Tool, "job", job.Name)
		}
		return r.launchManualRun(ctx, job)
	case *jobs.Continuous:
		d, err := r.client.AppsV1().Deployments(ns).Get(ctx, job.Name, metav1.GetOptions{})
		if err != nil {
			return r.translateError(ctx, err, job, nil)
		}
		if d.Spec.Template.Annotations == nil {
			d.Spec.Template.Annotations = map[string]string{}
		}
		d.Spec.Template.Annotations[labels.RestartedAt] = r.now().UTC().Format(time.RFC3339Nano)
		if _, err := r.client.AppsV1().Deployments(ns).Update(ctx, d, metav1.UpdateOptions{}); err != nil {
			return r.translateError(ctx, err, job, d)
		}
		return nil
	default:
		return &jobs.UnknownVariantError{Variant: job.Variant}
	}
}

func (r *Runtime) launchManualRun(ctx context.Context, job *jobs.Job) error {
	if err := r.validateLimits(ctx, job.Tool, job.CPU, job.Memory); err != nil {
		return err
	}

	ns := namespace(job.Tool)
	cj, err := r.client.BatchV1().CronJobs(ns).Get(ctx, job.Name, metav1.GetOptions{})
	if err != nil {
		return r.translateError(ctx, err, job, nil)
	}
	if cj.UID == "" {
		return jobs.NewKubernetesError("Found CronJob does not have metadata", nil, map[string]any{"k8s_object": toMap(cj)})
	}

	run := ManualRun(cj, r.now())
	if _, err := r.client.BatchV1().Jobs(ns).Create(ctx, run, metav1.CreateOptions{}); err != nil {
		return r.translateError(ctx, err, job, run)
	}
	return nil
}

// GetQuotas reads the quota and per-container limits of tool.
func (r *Runtime) GetQuotas(ctx context.Context, tool string) ([]jobs.QuotaData, error) {
	ns := namespace(tool)
	quota, err := r.client.CoreV1().ResourceQuotas(ns).Get(ctx, ns, metav1.GetOptions{})
	if err != nil {
		return nil, jobs.NewKubernetesError("Unable to load quota information for this tool", err, nil)
	}
	lr, err := r.client.CoreV1().LimitRanges(ns).Get(ctx, ns, metav1.GetOptions{})
	if err != nil {
		return nil, jobs.NewKubernetesError("Unable to load quota information for this tool", err, nil)
	}

	var container *corev1.LimitRangeItem
	for i := range lr.Spec.Limits {
		if lr.Spec.Limits[i].Type == corev1.LimitTypeContainer {
			container = &lr.Spec.Limits[i]
			break
		}
	}
	if container == nil {
		return nil, jobs.NewKubernetesError("Unable to load quota information for this tool", nil, nil)
	}

	hard, used := quota.Status.Hard, quota.Status.Used
	count := func(name corev1.ResourceName) (string, string) {
		h, u := hard[name], used[name]
		return h.String(), u.String()
	}
	gi := func(name corev1.ResourceName) (string, string) {
		return jobs.FormatGi(hard[name]), jobs.FormatGi(used[name])
	}

	pods, podsUsed := count(corev1.ResourcePods)
	jobCount, jobsUsed := count("count/jobs.batch")
	cpu, cpuUsed := count(corev1.ResourceLimitsCPU)
	memory, memoryUsed := gi(corev1.ResourceLimitsMemory)
	cronjobs, cronjobsUsed := count("count/cronjobs.batch")
	deployments, deploymentsUsed := count("count/deployments.apps")
	maxCPU, maxMemory := container.Max[corev1.ResourceCPU], container.Max[corev1.ResourceMemory]

	return []jobs.QuotaData{
		{Category: jobs.QuotaRunningJobs, Name: "Total running jobs at once (Kubernetes pods)", Limit: pods, Used: podsUsed},
		{Category: jobs.QuotaRunningJobs, Name: "Running one-off and cron jobs", Limit: jobCount, Used: jobsUsed},
		{Category: jobs.QuotaRunningJobs, Name: "CPU", Limit: cpu, Used: cpuUsed},
		{Category: jobs.QuotaRunningJobs, Name: "Memory", Limit: memory, Used: memoryUsed},
		{Category: jobs.QuotaPerJobLimits, Name: "CPU", Limit: maxCPU.String()},
		{Category: jobs.QuotaPerJobLimits, Name: "Memory", Limit: jobs.FormatGi(maxMemory)},
		{Category: jobs.QuotaJobDefinitions, Name: "Cron jobs", Limit: cronjobs, Used: cronjobsUsed},
		{Category: jobs.QuotaJobDefinitions, Name: "Continuous jobs (including web services)", Limit: deployments, Used: deploymentsUsed},
	}, nil
}

// GetImages returns the stable images tool can run.
func (r *Runtime) GetImages(ctx context.Context, tool string) ([]images.Image, error) {
	all, err := r.catalog.Available(ctx, tool)
	if err != nil {
		return nil, err
	}
	out := make([]images.Image, 0, len(all))
	for _, img := range all {
		if img.State == images.StateStable {
			out = append(out, img)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CanonicalName < out[j].CanonicalName })
	return out, nil
}

// GetLogs sends the log entries of the job container to emit. An empty
// stream is reported as not found.
func (r *Runtime) GetLogs(ctx context.Context, tool, name string, follow bool, lines int, emit func(LogEntry) error) error {
	seen := 0
	err := r.logs.Query(ctx, LogQuery{Tool: tool, Job: name, Follow: follow, Lines: lines}, func(e LogEntry) error {
		if e.Container != "" && e.Container != ContainerName {
			return nil
		}
		seen++
		return emit(e)
	})
	if err != nil {
		return err
	}
	if seen == 0 {
		return jobs.NewNotFoundError(fmt.Sprintf("No logs found for job %s", name), map[string]any{"tool": tool})
	}
	return nil
}

// Diff compares the running workload of job with the one the definition
// would create. An empty result means they are equivalent.
func (r *Runtime) Diff(ctx context.Context, job *jobs.Job) (string, error) {
	current, err := r.findWorkload(ctx, job.Tool, job.Name)
	if err != nil {
		return "", err
	}

	accessor, ok := current.(metav1.Object)
	if !ok {
		return "", fmt.Errorf("unexpected workload type %T", current)
	}
	// legacy objects are always recreated
	if labels.ObjectVersion(accessor.GetLabels()) == 1 {
		return "job version is deprecated", nil
	}

	manifests, err := r.translator.Manifests(job)
	if err != nil {
		return "", err
	}
	incoming := manifests.Workload()
	if fmt.Sprintf("%T", current) != fmt.Sprintf("%T", incoming) {
		return fmt.Sprintf("job type changed to %s", job.Type()), nil
	}

	diff, err := r.differ.Diff(ctx, current, incoming)
	if err != nil {
		return "", r.translateError(ctx, err, job, incoming)
	}
	return diff, nil
}
