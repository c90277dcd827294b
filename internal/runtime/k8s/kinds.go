// Package k8s runs jobs on Kubernetes. It translates jobs to and from
// manifests, derives job status from the live objects and performs the
// runtime operations of the jobs API.
package k8s

import (
	"strconv"
	"strings"

	k8slabels "k8s.io/apimachinery/pkg/labels"

	"github.com/chambrid/jobs-api/pkg/identity"
	"github.com/chambrid/jobs-api/pkg/jobs"
	"github.com/chambrid/jobs-api/pkg/labels"
)

// Kind is the API path name of a workload kind.
type Kind string

const (
	KindJob        Kind = "jobs"
	KindCronJob    Kind = "cronjobs"
	KindDeployment Kind = "deployments"
)

// Kinds lists the workload kinds in lookup order.
var Kinds = []Kind{KindJob, KindCronJob, KindDeployment}

// KindFor maps a job type to the workload kind realizing it.
func KindFor(t jobs.JobType) Kind {
	switch t {
	case jobs.JobTypeScheduled:
		return KindCronJob
	case jobs.JobTypeContinuous:
		return KindDeployment
	default:
		return KindJob
	}
}

const (
	// ContainerName is the name of the single container of every job pod.
	ContainerName = "job"

	// JobTTLAfterFinished lets Kubernetes clean finished Jobs up.
	JobTTLAfterFinished int32 = 30
	// TerminationGracePeriod is kept below the HTTP request timeout so a
	// restart can delete and recreate within a single request.
	TerminationGracePeriod int64 = 15
	// ProgressDeadlineSeconds is how long a deployment may stay unavailable
	// before its status turns to failed.
	ProgressDeadlineSeconds = 600

	cronStartingDeadlineSeconds int64 = 30
	noHomeMessage                     = "a buildservice pod does not need a home env"
	launcherPrefix                    = "launcher "
)

func namespace(tool string) string {
	return identity.Namespace(tool)
}

// baseLabels is the label set of every object belonging to a job.
func baseLabels(job *jobs.Job) map[string]string {
	l := labels.ForJob(job.Tool, job.Name)
	l[labels.Version] = strconv.Itoa(labels.CurrentVersion)
	l[labels.Component] = string(KindFor(job.Type()))
	return l
}

// workloadLabels adds the labels the read path needs to rebuild the job.
func workloadLabels(job *jobs.Job) map[string]string {
	l := baseLabels(job)
	l[labels.Filelog] = labels.YesNo(job.Filelog)
	l[labels.Emails] = string(job.Emails)
	l[labels.CommandNewFormat] = labels.YesNo(true)
	l[labels.MountStorage] = string(job.Mount)
	return l
}

// toolSelector selects the managed objects of a tool, optionally of a
// single kind and job.
func toolSelector(tool string, kind Kind, job string) string {
	l := labels.ForTool(tool)
	if job != "" {
		l[labels.Name] = job
	}
	if kind != "" {
		l[labels.Component] = string(kind)
	}
	return k8slabels.SelectorFromSet(l).String()
}

// stripLauncher removes the launcher prefix added to buildpack commands.
func stripLauncher(cmd string) string {
	if rest, ok := strings.CutPrefix(cmd, launcherPrefix); ok {
		return rest
	}
	return cmd
}
