package k8s

import (
	"fmt"
	"strings"
	"time"

	appsv1 "k8s.io/api/apps/v1"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/utils/ptr"

	"github.com/chambrid/jobs-api/pkg/command"
	"github.com/chambrid/jobs-api/pkg/identity"
	"github.com/chambrid/jobs-api/pkg/jobs"
	"github.com/chambrid/jobs-api/pkg/labels"
)

// Manifests holds the objects realizing a job. Exactly one of CronJob,
// Job and Deployment is set.
type Manifests struct {
	CronJob    *batchv1.CronJob
	Job        *batchv1.Job
	Deployment *appsv1.Deployment
	Service    *corev1.Service
	Ingress    *networkingv1.Ingress
}

// Workload returns the object carrying the pods of the job.
func (m *Manifests) Workload() runtime.Object {
	switch {
	case m.CronJob != nil:
		return m.CronJob
	case m.Deployment != nil:
		return m.Deployment
	default:
		return m.Job
	}
}

// Objects returns every object in creation order: service, ingress, then
// the workload.
func (m *Manifests) Objects() []runtime.Object {
	var out []runtime.Object
	if m.Service != nil {
		out = append(out, m.Service)
	}
	if m.Ingress != nil {
		out = append(out, m.Ingress)
	}
	return append(out, m.Workload())
}

// Translator converts jobs to Kubernetes manifests.
type Translator struct {
	identity     identity.TenantIdentity
	defaults     jobs.ResourceDefaults
	publicDomain string
}

// NewTranslator creates a translator. publicDomain is the domain tools are
// published under.
func NewTranslator(tenants identity.TenantIdentity, defaults jobs.ResourceDefaults, publicDomain string) *Translator {
	return &Translator{identity: tenants, defaults: defaults, publicDomain: publicDomain}
}

// Manifests builds every object needed to run job.
func (t *Translator) Manifests(job *jobs.Job) (*Manifests, error) {
	m := &Manifests{}
	var err error

	switch v := job.Variant.(type) {
	case *jobs.OneOff:
		m.Job, err = t.job(job)
	case *jobs.Scheduled:
		m.CronJob, err = t.cronJob(job, v)
	case *jobs.Continuous:
		m.Deployment, err = t.deployment(job, v)
		if err == nil && v.Port != 0 {
			m.Service = t.service(job, v)
			if v.Public {
				m.Ingress = t.ingress(job, v)
			}
		}
	default:
		return nil, jobs.NewInternalError("unable to build manifests", &jobs.UnknownVariantError{Variant: job.Variant})
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

func objectMeta(job *jobs.Job, l map[string]string) metav1.ObjectMeta {
	return metav1.ObjectMeta{
		Name:      job.Name,
		Namespace: namespace(job.Tool),
		Labels:    l,
	}
}

func (t *Translator) job(job *jobs.Job) (*batchv1.Job, error) {
	template, err := t.podTemplate(job, corev1.RestartPolicyNever, nil, nil)
	if err != nil {
		return nil, err
	}
	return &batchv1.Job{
		TypeMeta:   metav1.TypeMeta{APIVersion: "batch/v1", Kind: "Job"},
		ObjectMeta: objectMeta(job, workloadLabels(job)),
		Spec: batchv1.JobSpec{
			Template:                template,
			TTLSecondsAfterFinished: ptr.To(JobTTLAfterFinished),
			BackoffLimit:            ptr.To(int32(job.Retry)),
		},
	}, nil
}

func (t *Translator) cronJob(job *jobs.Job, v *jobs.Scheduled) (*batchv1.CronJob, error) {
	if v.Schedule == nil {
		return nil, jobs.Validationf("CronJob requires a schedule")
	}
	template, err := t.podTemplate(job, corev1.RestartPolicyNever, nil, nil)
	if err != nil {
		return nil, err
	}

	meta := objectMeta(job, workloadLabels(job))
	meta.Annotations = map[string]string{labels.CronExpression: v.Schedule.Text}

	jobSpec := batchv1.JobSpec{
		Template:                template,
		TTLSecondsAfterFinished: ptr.To(JobTTLAfterFinished),
		BackoffLimit:            ptr.To(int32(job.Retry)),
	}
	if v.Timeout > 0 {
		jobSpec.ActiveDeadlineSeconds = ptr.To(int64(v.Timeout))
	}

	return &batchv1.CronJob{
		TypeMeta:   metav1.TypeMeta{APIVersion: "batch/v1", Kind: "CronJob"},
		ObjectMeta: meta,
		Spec: batchv1.CronJobSpec{
			Schedule:                   v.Schedule.String(),
			SuccessfulJobsHistoryLimit: ptr.To(int32(0)),
			FailedJobsHistoryLimit:     ptr.To(int32(0)),
			ConcurrencyPolicy:          batchv1.ForbidConcurrent,
			StartingDeadlineSeconds:    ptr.To(cronStartingDeadlineSeconds),
			JobTemplate: batchv1.JobTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: workloadLabels(job)},
				Spec:       jobSpec,
			},
		},
	}, nil
}

func (t *Translator) deployment(job *jobs.Job, v *jobs.Continuous) (*appsv1.Deployment, error) {
	startup, liveness := probes(v)
	var ports []corev1.ContainerPort
	if v.Port != 0 {
		ports = []corev1.ContainerPort{{
			ContainerPort: int32(v.Port),
			Protocol:      corev1.Protocol(strings.ToUpper(string(v.PortProtocol))),
		}}
	}

	template, err := t.podTemplate(job, corev1.RestartPolicyAlways, ports, func(c *corev1.Container) {
		c.StartupProbe = startup
		c.LivenessProbe = liveness
	})
	if err != nil {
		return nil, err
	}

	replicas := int32(v.Replicas)
	strategy := appsv1.RollingUpdateDeploymentStrategyType
	if replicas == 1 {
		strategy = appsv1.RecreateDeploymentStrategyType
	}

	l := workloadLabels(job)
	return &appsv1.Deployment{
		TypeMeta:   metav1.TypeMeta{APIVersion: "apps/v1", Kind: "Deployment"},
		ObjectMeta: objectMeta(job, l),
		Spec: appsv1.DeploymentSpec{
			Replicas: ptr.To(replicas),
			Strategy: appsv1.DeploymentStrategy{Type: strategy},
			Selector: &metav1.LabelSelector{MatchLabels: workloadLabels(job)},
			Template: template,
		},
	}, nil
}

func (t *Translator) service(job *jobs.Job, v *jobs.Continuous) *corev1.Service {
	l := baseLabels(job)
	return &corev1.Service{
		TypeMeta:   metav1.TypeMeta{APIVersion: "v1", Kind: "Service"},
		ObjectMeta: objectMeta(job, l),
		Spec: corev1.ServiceSpec{
			Type:     corev1.ServiceTypeClusterIP,
			Selector: baseLabels(job),
			Ports: []corev1.ServicePort{{
				Protocol:   corev1.ProtocolTCP,
				Port:       int32(v.Port),
				TargetPort: intstr.FromInt32(int32(v.Port)),
			}},
		},
	}
}

// Host is the public host name of a tool.
func (t *Translator) Host(tool string) string {
	return tool + "." + t.publicDomain
}

func (t *Translator) ingress(job *jobs.Job, v *jobs.Continuous) *networkingv1.Ingress {
	pathType := networkingv1.PathTypePrefix
	return &networkingv1.Ingress{
		TypeMeta:   metav1.TypeMeta{APIVersion: "networking.k8s.io/v1", Kind: "Ingress"},
		ObjectMeta: objectMeta(job, baseLabels(job)),
		Spec: networkingv1.IngressSpec{
			Rules: []networkingv1.IngressRule{{
				Host: t.Host(job.Tool),
				IngressRuleValue: networkingv1.IngressRuleValue{
					HTTP: &networkingv1.HTTPIngressRuleValue{
						Paths: []networkingv1.HTTPIngressPath{{
							Path:     "/",
							PathType: &pathType,
							Backend: networkingv1.IngressBackend{
								Service: &networkingv1.IngressServiceBackend{
									Name: job.Name,
									Port: networkingv1.ServiceBackendPort{Number: int32(v.Port)},
								},
							},
						}},
					},
				},
			}},
		},
	}
}

// GeneratedCommand is the container command the job runs with. Buildpack
// images go through the launcher so Procfile entries work as commands.
func GeneratedCommand(job *jobs.Job) command.Generated {
	c := job.Command()
	if job.Image.IsBuildpack() && !strings.HasPrefix(c.UserCommand, launcherPrefix) {
		c.UserCommand = launcherPrefix + c.UserCommand
	}
	return command.Encode(c)
}

func (t *Translator) podTemplate(job *jobs.Job, restart corev1.RestartPolicy, ports []corev1.ContainerPort, extra func(*corev1.Container)) (corev1.PodTemplateSpec, error) {
	if !job.Image.IsBuildpack() && !job.Mount.SupportsNonBuildservice() {
		return corev1.PodTemplateSpec{}, jobs.Validationf("Mount type %s is only supported for build service images", job.Mount)
	}

	url, err := job.Image.FullURL()
	if err != nil {
		return corev1.PodTemplateSpec{}, jobs.Validationf("Image '%s' has no container url", job.Image.CanonicalName)
	}

	uid, err := t.identity.ResolveUID(job.Tool)
	if err != nil {
		return corev1.PodTemplateSpec{}, jobs.NewInternalError(fmt.Sprintf("Unable to find the account of tool %s", job.Tool), err)
	}

	resources, err := t.resources(job)
	if err != nil {
		return corev1.PodTemplateSpec{}, err
	}

	generated := GeneratedCommand(job)
	container := corev1.Container{
		Name:            ContainerName,
		Image:           url,
		Command:         generated.Command,
		Args:            generated.Args,
		Ports:           ports,
		Resources:       resources,
		SecurityContext: containerSecurityContext(uid),
	}
	if job.Image.Type.UsesStandardNFS() {
		container.WorkingDir = identity.Home(job.Tool)
	} else {
		container.Env = []corev1.EnvVar{{Name: "NO_HOME", Value: noHomeMessage}}
	}
	if extra != nil {
		extra(&container)
	}

	return corev1.PodTemplateSpec{
		ObjectMeta: metav1.ObjectMeta{Labels: workloadLabels(job)},
		Spec: corev1.PodSpec{
			RestartPolicy:                 restart,
			TerminationGracePeriodSeconds: ptr.To(TerminationGracePeriod),
			SecurityContext:               podSecurityContext(uid),
			Containers:                    []corev1.Container{container},
		},
	}, nil
}

func podSecurityContext(uid int64) *corev1.PodSecurityContext {
	return &corev1.PodSecurityContext{
		FSGroup:      ptr.To(uid),
		RunAsGroup:   ptr.To(uid),
		RunAsUser:    ptr.To(uid),
		RunAsNonRoot: ptr.To(true),
		SeccompProfile: &corev1.SeccompProfile{
			Type: corev1.SeccompProfileTypeRuntimeDefault,
		},
	}
}

func containerSecurityContext(uid int64) *corev1.SecurityContext {
	return &corev1.SecurityContext{
		AllowPrivilegeEscalation: ptr.To(false),
		Capabilities:             &corev1.Capabilities{Drop: []corev1.Capability{"ALL"}},
		Privileged:               ptr.To(false),
		// writable so tmp files work without extra volumes
		ReadOnlyRootFilesystem: ptr.To(false),
		RunAsGroup:             ptr.To(uid),
		RunAsUser:              ptr.To(uid),
		RunAsNonRoot:           ptr.To(true),
	}
}

func (t *Translator) resources(job *jobs.Job) (corev1.ResourceRequirements, error) {
	memory, err := resource.ParseQuantity(job.Memory)
	if err != nil {
		return corev1.ResourceRequirements{}, jobs.Validationf("Invalid memory value '%s'", job.Memory)
	}
	cpu, err := resource.ParseQuantity(job.CPU)
	if err != nil {
		return corev1.ResourceRequirements{}, jobs.Validationf("Invalid cpu value '%s'", job.CPU)
	}
	cpuRequest, memoryRequest := t.defaults.Requests(cpu, memory)

	return corev1.ResourceRequirements{
		Limits: corev1.ResourceList{
			corev1.ResourceCPU:    cpu,
			corev1.ResourceMemory: memory,
		},
		Requests: corev1.ResourceList{
			corev1.ResourceCPU:    cpuRequest,
			corev1.ResourceMemory: memoryRequest,
		},
	}, nil
}

// ManualRun returns a Job running cronJob once, the way kubectl create job
// --from does.
func ManualRun(cronJob *batchv1.CronJob, now time.Time) *batchv1.Job {
	l := make(map[string]string, len(cronJob.Spec.JobTemplate.Labels))
	for k, v := range cronJob.Spec.JobTemplate.Labels {
		l[k] = v
	}
	return &batchv1.Job{
		TypeMeta: metav1.TypeMeta{APIVersion: "batch/v1", Kind: "Job"},
		ObjectMeta: metav1.ObjectMeta{
			Name:        fmt.Sprintf("%s-%d", cronJob.Name, now.Unix()),
			Namespace:   cronJob.Namespace,
			Labels:      l,
			Annotations: map[string]string{labels.Instantiate: labels.InstantiateManual},
			OwnerReferences: []metav1.OwnerReference{{
				APIVersion: "batch/v1",
				Kind:       "CronJob",
				Name:       cronJob.Name,
				UID:        cronJob.UID,
			}},
		},
		Spec: *cronJob.Spec.JobTemplate.Spec.DeepCopy(),
	}
}
