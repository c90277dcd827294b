package k8s

import (
	"context"
	"errors"
	"fmt"
	"strings"

	appsv1 "k8s.io/api/apps/v1"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"

	"github.com/chambrid/jobs-api/pkg/command"
	"github.com/chambrid/jobs-api/pkg/cron"
	"github.com/chambrid/jobs-api/pkg/identity"
	"github.com/chambrid/jobs-api/pkg/images"
	"github.com/chambrid/jobs-api/pkg/jobs"
	"github.com/chambrid/jobs-api/pkg/labels"
)

// ImageCatalog resolves image references against the available images.
type ImageCatalog interface {
	Resolve(ctx context.Context, tool, ref string, mustExist bool) (images.Image, error)
	Available(ctx context.Context, tool string) ([]images.Image, error)
}

// Reader rebuilds jobs from the objects found on the cluster.
type Reader struct {
	catalog  ImageCatalog
	defaults jobs.ResourceDefaults
}

// NewReader creates a reader resolving images through catalog.
func NewReader(catalog ImageCatalog, defaults jobs.ResourceDefaults) *Reader {
	return &Reader{catalog: catalog, defaults: defaults}
}

// workloadSource is the part of a workload the job is rebuilt from.
type workloadSource struct {
	meta     metav1.ObjectMeta
	template corev1.PodTemplateSpec
	retry    *int32
	object   runtime.Object
}

// FromCronJob rebuilds a scheduled job.
func (r *Reader) FromCronJob(ctx context.Context, cj *batchv1.CronJob) (*jobs.Job, error) {
	tool := identity.ToolFromNamespace(cj.Namespace)

	configured, ok := cj.Annotations[labels.CronExpression]
	if !ok {
		configured = cj.Spec.Schedule
	}

	// older objects have schedules the runtime parser can't handle
	// directly, so run the stored spec through the full parser first
	actual, err := cron.Parse(cj.Spec.Schedule, cj.Name, tool)
	if err != nil {
		return nil, parsingError(cj.Name, cj, err)
	}
	configuredExpr, err := cron.Parse(configured, cj.Name, tool)
	if err != nil {
		return nil, parsingError(cj.Name, cj, err)
	}
	schedule, err := cron.FromRuntime(actual.String(), configuredExpr.Text)
	if err != nil {
		return nil, parsingError(cj.Name, cj, err)
	}

	jobSpec := cj.Spec.JobTemplate.Spec
	src := workloadSource{meta: cj.ObjectMeta, template: jobSpec.Template, retry: jobSpec.BackoffLimit, object: cj}
	return r.build(ctx, src, func(s *jobs.Spec) {
		s.Schedule = schedule
		if jobSpec.ActiveDeadlineSeconds != nil {
			timeout := int(*jobSpec.ActiveDeadlineSeconds)
			s.Timeout = &timeout
		}
	})
}

// FromJob rebuilds a one-off job.
func (r *Reader) FromJob(ctx context.Context, j *batchv1.Job) (*jobs.Job, error) {
	src := workloadSource{meta: j.ObjectMeta, template: j.Spec.Template, retry: j.Spec.BackoffLimit, object: j}
	return r.build(ctx, src, nil)
}

// FromDeployment rebuilds a continuous job. published tells whether the
// job owns an Ingress.
func (r *Reader) FromDeployment(ctx context.Context, d *appsv1.Deployment, published bool) (*jobs.Job, error) {
	src := workloadSource{meta: d.ObjectMeta, template: d.Spec.Template, object: d}
	return r.build(ctx, src, func(s *jobs.Spec) {
		s.Continuous = true
		s.Public = published

		if d.Spec.Replicas != nil {
			replicas := int(*d.Spec.Replicas)
			s.Replicas = &replicas
		}

		container := src.template.Spec.Containers[0]
		if len(container.Ports) > 0 {
			s.Port = int(container.Ports[0].ContainerPort)
			if p := container.Ports[0].Protocol; p != "" {
				s.PortProtocol = jobs.PortProtocol(strings.ToLower(string(p)))
			}
		}
		s.HealthCheck = healthCheckFromProbe(container.StartupProbe)
	})
}

func (r *Reader) build(ctx context.Context, src workloadSource, variant func(*jobs.Spec)) (*jobs.Job, error) {
	if len(src.template.Spec.Containers) == 0 {
		return nil, jobs.NewParsingError(fmt.Sprintf("Invalid k8s object %s, did not contain a container", src.meta.Name), nil,
			map[string]any{"k8s_object": toMap(src.object)})
	}
	container := src.template.Spec.Containers[0]
	tool := identity.ToolFromNamespace(src.meta.Namespace)

	img, err := r.catalog.Resolve(ctx, tool, container.Image, true)
	if err != nil {
		var notFound *images.NotFoundError
		if errors.As(err, &notFound) {
			return nil, jobs.NewNotFoundError(notFound.Error(), map[string]any{"image": container.Image})
		}
		return nil, err
	}

	decoded := command.Decode(command.Source{
		Name:    src.meta.Name,
		Labels:  src.meta.Labels,
		Command: container.Command,
		Args:    container.Args,
	})
	userCommand := decoded.UserCommand
	if img.IsBuildpack() {
		userCommand = stripLauncher(userCommand)
	}

	filelog := decoded.Filelog
	spec := jobs.Spec{
		Name:          src.meta.Name,
		Tool:          tool,
		Cmd:           userCommand,
		Image:         img,
		Filelog:       &filelog,
		FilelogStdout: decoded.FilelogStdout,
		FilelogStderr: decoded.FilelogStderr,
		Emails:        jobs.EmailOption(src.meta.Labels[labels.Emails]),
		Mount:         mountFromLabels(src.meta.Labels),
		Memory:        r.defaults.Memory.String(),
		CPU:           r.defaults.CPU.String(),
		Defaults:      &r.defaults,
	}
	if src.retry != nil {
		spec.Retry = int(*src.retry)
	}
	if limit, ok := container.Resources.Limits[corev1.ResourceMemory]; ok {
		spec.Memory = limit.String()
	}
	if limit, ok := container.Resources.Limits[corev1.ResourceCPU]; ok {
		spec.CPU = limit.String()
	}
	if variant != nil {
		variant(&spec)
	}

	job, err := jobs.New(spec)
	if err != nil {
		return nil, parsingError(src.meta.Name, src.object, err)
	}
	job.K8sObject = toMap(src.object)
	return job, nil
}

// mountFromLabels defaults to all for objects without the label.
func mountFromLabels(l map[string]string) jobs.MountOption {
	if v, ok := l[labels.MountStorage]; ok && v != "" {
		return jobs.MountOption(v)
	}
	return jobs.MountAll
}

func parsingError(name string, obj runtime.Object, err error) error {
	return jobs.NewParsingError(fmt.Sprintf("Unable to parse job %s: %v", name, err), err,
		map[string]any{"k8s_object": toMap(obj)})
}

func toMap(obj runtime.Object) map[string]any {
	if obj == nil {
		return nil
	}
	out, err := runtime.DefaultUnstructuredConverter.ToUnstructured(obj)
	if err != nil {
		return nil
	}
	return out
}
