package api

import (
	"context"
	"errors"

	"github.com/chambrid/jobs-api/pkg/images"
	"github.com/chambrid/jobs-api/pkg/jobs"
)

// HealthCheckRequest is the health check of a new job.
type HealthCheckRequest struct {
	Type   jobs.HealthCheckType `json:"type" yaml:"type"`
	Script string               `json:"script,omitempty" yaml:"script,omitempty"`
	Path   string               `json:"path,omitempty" yaml:"path,omitempty"`
}

// NewJobRequest is the body of a create or update request. It is also the
// format of job files read by the render command.
type NewJobRequest struct {
	Name string `json:"name" yaml:"name"`
	Cmd  string `json:"cmd" yaml:"cmd"`
	// Image is accepted as an alias of ImageName
	ImageName string `json:"imagename" yaml:"imagename"`
	Image     string `json:"image,omitempty" yaml:"image,omitempty"`

	Schedule   string `json:"schedule,omitempty" yaml:"schedule,omitempty"`
	Continuous bool   `json:"continuous,omitempty" yaml:"continuous,omitempty"`
	Timeout    *int   `json:"timeout,omitempty" yaml:"timeout,omitempty"`

	Filelog       *bool  `json:"filelog,omitempty" yaml:"filelog,omitempty"`
	FilelogStdout string `json:"filelog_stdout,omitempty" yaml:"filelog_stdout,omitempty"`
	FilelogStderr string `json:"filelog_stderr,omitempty" yaml:"filelog_stderr,omitempty"`

	Retry  int              `json:"retry,omitempty" yaml:"retry,omitempty"`
	Memory string           `json:"memory,omitempty" yaml:"memory,omitempty"`
	CPU    string           `json:"cpu,omitempty" yaml:"cpu,omitempty"`
	Emails jobs.EmailOption `json:"emails,omitempty" yaml:"emails,omitempty"`
	Mount  jobs.MountOption `json:"mount,omitempty" yaml:"mount,omitempty"`

	Port         int                 `json:"port,omitempty" yaml:"port,omitempty"`
	PortProtocol jobs.PortProtocol   `json:"port_protocol,omitempty" yaml:"port_protocol,omitempty"`
	Replicas     *int                `json:"replicas,omitempty" yaml:"replicas,omitempty"`
	HealthCheck  *HealthCheckRequest `json:"health_check,omitempty" yaml:"health_check,omitempty"`
	Public       bool                `json:"public,omitempty" yaml:"public,omitempty"`
}

func (n *NewJobRequest) imageName() string {
	if n.ImageName != "" {
		return n.ImageName
	}
	return n.Image
}

// ToJob validates the request and builds the job it describes.
func (n *NewJobRequest) ToJob(ctx context.Context, tool string, resolver ImageResolver, defaults jobs.ResourceDefaults) (*jobs.Job, error) {
	ref := n.imageName()
	if ref == "" {
		return nil, jobs.NewValidationError("An image name is required", nil)
	}
	img, err := resolver.Resolve(ctx, tool, ref, true)
	if err != nil {
		var notFound *images.NotFoundError
		if errors.As(err, &notFound) {
			return nil, jobs.Validationf("No such image '%s'", ref)
		}
		return nil, jobs.NewInternalError("Unable to load images", err)
	}

	spec := jobs.Spec{
		Name:          n.Name,
		Tool:          tool,
		Cmd:           n.Cmd,
		Image:         img,
		Filelog:       n.Filelog,
		FilelogStdout: n.FilelogStdout,
		FilelogStderr: n.FilelogStderr,
		Retry:         n.Retry,
		Memory:        n.Memory,
		CPU:           n.CPU,
		Emails:        n.Emails,
		Mount:         n.Mount,
		Continuous:    n.Continuous,
		Port:          n.Port,
		PortProtocol:  n.PortProtocol,
		Replicas:      n.Replicas,
		Public:        n.Public,
		Timeout:       n.Timeout,
		Defaults:      &defaults,
	}
	if n.HealthCheck != nil {
		spec.HealthCheck = (&jobs.HealthCheckDefinition{
			Type:   n.HealthCheck.Type,
			Script: n.HealthCheck.Script,
			Path:   n.HealthCheck.Path,
		}).ToHealthCheck()
		if spec.HealthCheck == nil {
			return nil, jobs.Validationf("Unknown health check type '%s'", n.HealthCheck.Type)
		}
	}
	if n.Schedule != "" {
		if n.Continuous {
			return nil, jobs.Validationf("Only one of 'continuous' and 'schedule' can be set at the same time")
		}
		schedule, err := jobs.ParseSchedule(n.Schedule, n.Name, tool)
		if err != nil {
			return nil, err
		}
		spec.Schedule = schedule
	}

	return jobs.New(spec)
}

// DefinedJob is a job as shown to API callers.
type DefinedJob struct {
	Name       string `json:"name"`
	Cmd        string `json:"cmd"`
	Type       string `json:"type"`
	Image      string `json:"image"`
	ImageState string `json:"image_state"`

	Schedule       string `json:"schedule,omitempty"`
	ScheduleActual string `json:"schedule_actual,omitempty"`
	Timeout        int    `json:"timeout,omitempty"`
	Continuous     bool   `json:"continuous"`

	Filelog       bool   `json:"filelog"`
	FilelogStdout string `json:"filelog_stdout,omitempty"`
	FilelogStderr string `json:"filelog_stderr,omitempty"`

	Retry  int              `json:"retry"`
	Memory string           `json:"memory"`
	CPU    string           `json:"cpu"`
	Emails jobs.EmailOption `json:"emails"`
	Mount  jobs.MountOption `json:"mount"`

	Port         int                         `json:"port,omitempty"`
	PortProtocol jobs.PortProtocol           `json:"port_protocol,omitempty"`
	Replicas     *int                        `json:"replicas,omitempty"`
	HealthCheck  *jobs.HealthCheckDefinition `json:"health_check,omitempty"`
	Public       bool                        `json:"public,omitempty"`

	StatusShort string       `json:"status_short"`
	StatusLong  string       `json:"status_long"`
	Status      *jobs.Status `json:"status,omitempty"`
}

// NewDefinedJob renders job for callers.
func NewDefinedJob(job *jobs.Job) DefinedJob {
	def := job.Definition()
	out := DefinedJob{
		Name:           job.Name,
		Cmd:            job.Cmd,
		Type:           string(job.Type()),
		Image:          def.Image,
		ImageState:     job.Image.State,
		Schedule:       def.Schedule,
		ScheduleActual: def.ScheduleActual,
		Timeout:        def.Timeout,
		Continuous:     job.Type() == jobs.JobTypeContinuous,
		Filelog:        job.Filelog,
		FilelogStdout:  job.FilelogStdout,
		FilelogStderr:  job.FilelogStderr,
		Retry:          job.Retry,
		Memory:         job.Memory,
		CPU:            job.CPU,
		Emails:         job.Emails,
		Mount:          job.Mount,
		Port:           def.Port,
		PortProtocol:   def.PortProtocol,
		Replicas:       def.Replicas,
		HealthCheck:    def.HealthCheck,
		Public:         def.Public,
		StatusShort:    string(jobs.StatusUnknown),
		StatusLong:     job.Status.Long(),
		Status:         job.Status,
	}
	if job.Status != nil {
		out.StatusShort = string(job.Status.Short)
	}
	return out
}

// UpdateResponse answers an update request.
type UpdateResponse struct {
	Message string `json:"message"`
}

// ImageListResponse lists the images of a tool.
type ImageListResponse struct {
	Images []images.Image `json:"images"`
}
