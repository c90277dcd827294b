// Package labels holds the label and annotation contract written on every
// Kubernetes object managed by the jobs API. Read paths depend on these
// keys, so they must not change.
package labels

import "strconv"

const (
	ManagedBy        = "app.kubernetes.io/managed-by"
	Name             = "app.kubernetes.io/name"
	CreatedBy        = "app.kubernetes.io/created-by"
	Version          = "app.kubernetes.io/version"
	Component        = "app.kubernetes.io/component"
	Emails           = "jobs.toolforge.org/emails"
	Filelog          = "jobs.toolforge.org/filelog"
	CommandNewFormat = "jobs.toolforge.org/command-new-format"
	MountStorage     = "toolforge.org/mount-storage"

	ManagedByValue = "toolforge-jobs-framework"

	ComponentCronJobs    = "cronjobs"
	ComponentDeployments = "deployments"
	ComponentJobs        = "jobs"
)

// Annotations.
const (
	CronExpression = "jobs.toolforge.org/cron-expression"
	Instantiate    = "cronjob.kubernetes.io/instantiate"
	RestartedAt    = "app.kubernetes.io/restartedAt"

	InstantiateManual = "manual"
)

// CurrentVersion is the object layout version written on new objects.
const CurrentVersion = 2

// YesNo renders a boolean label value.
func YesNo(v bool) string {
	if v {
		return "yes"
	}
	return "no"
}

// IsYes reports whether the label is present and set to yes.
func IsYes(l map[string]string, key string) bool {
	return l[key] == "yes"
}

// ObjectVersion returns the layout version label, defaulting to 1 for
// objects created before the label existed or carrying garbage.
func ObjectVersion(l map[string]string) int {
	v, err := strconv.Atoi(l[Version])
	if err != nil {
		return 1
	}
	return v
}

// ForTool selects every managed object of a tool.
func ForTool(tool string) map[string]string {
	return map[string]string{
		ManagedBy: ManagedByValue,
		CreatedBy: tool,
	}
}

// ForJob selects every object belonging to a single job.
func ForJob(tool, job string) map[string]string {
	l := ForTool(tool)
	l[Name] = job
	return l
}
