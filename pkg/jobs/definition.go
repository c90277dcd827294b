package jobs

import (
	"reflect"

	"github.com/chambrid/jobs-api/pkg/cron"
	"github.com/chambrid/jobs-api/pkg/images"
)

// HealthCheckDefinition is the serialized form of a HealthCheck.
type HealthCheckDefinition struct {
	Type   HealthCheckType `json:"type" yaml:"type"`
	Script string          `json:"script,omitempty" yaml:"script,omitempty"`
	Path   string          `json:"path,omitempty" yaml:"path,omitempty"`
}

// ToHealthCheck converts the definition back, nil for unknown types.
func (h *HealthCheckDefinition) ToHealthCheck() HealthCheck {
	if h == nil {
		return nil
	}
	switch h.Type {
	case HealthCheckScript:
		return &ScriptHealthCheck{Script: h.Script}
	case HealthCheckHTTP:
		return &HTTPHealthCheck{Path: h.Path}
	default:
		return nil
	}
}

// Definition is the persisted form of a job. It holds everything needed
// to rebuild the job and nothing that is derived from the runtime.
type Definition struct {
	Name string  `json:"name" yaml:"name"`
	Tool string  `json:"tool" yaml:"tool"`
	Type JobType `json:"type" yaml:"type"`

	Cmd           string `json:"cmd" yaml:"cmd"`
	Filelog       bool   `json:"filelog" yaml:"filelog"`
	FilelogStdout string `json:"filelog_stdout,omitempty" yaml:"filelog_stdout,omitempty"`
	FilelogStderr string `json:"filelog_stderr,omitempty" yaml:"filelog_stderr,omitempty"`

	// Image reference, with the digest appended when pinned
	Image  string      `json:"image" yaml:"image"`
	Retry  int         `json:"retry" yaml:"retry"`
	Memory string      `json:"memory" yaml:"memory"`
	CPU    string      `json:"cpu" yaml:"cpu"`
	Emails EmailOption `json:"emails" yaml:"emails"`
	Mount  MountOption `json:"mount" yaml:"mount"`

	Schedule       string `json:"schedule,omitempty" yaml:"schedule,omitempty"`
	ScheduleActual string `json:"schedule_actual,omitempty" yaml:"schedule_actual,omitempty"`
	Timeout        int    `json:"timeout,omitempty" yaml:"timeout,omitempty"`

	Port         int                    `json:"port,omitempty" yaml:"port,omitempty"`
	PortProtocol PortProtocol           `json:"port_protocol,omitempty" yaml:"port_protocol,omitempty"`
	Replicas     *int                   `json:"replicas,omitempty" yaml:"replicas,omitempty"`
	HealthCheck  *HealthCheckDefinition `json:"health_check,omitempty" yaml:"health_check,omitempty"`
	Public       bool                   `json:"public,omitempty" yaml:"public,omitempty"`
}

// Equal compares two definitions field by field.
func (d Definition) Equal(other Definition) bool {
	return reflect.DeepEqual(d, other)
}

// ImageReference returns how an image is referred to in a definition.
func ImageReference(img images.Image) string {
	if img.Digest != "" {
		return img.CanonicalName + "@" + img.Digest
	}
	return img.CanonicalName
}

// FromDefinition rebuilds a job from its persisted form. The image is
// resolved by the caller, from d.Image.
func FromDefinition(d Definition, img images.Image) (*Job, error) {
	filelog := d.Filelog
	spec := Spec{
		Name:          d.Name,
		Tool:          d.Tool,
		Cmd:           d.Cmd,
		Image:         img,
		Filelog:       &filelog,
		FilelogStdout: d.FilelogStdout,
		FilelogStderr: d.FilelogStderr,
		Retry:         d.Retry,
		Memory:        d.Memory,
		CPU:           d.CPU,
		Emails:        d.Emails,
		Mount:         d.Mount,
	}

	switch d.Type {
	case JobTypeOneOff:
	case JobTypeScheduled:
		var (
			schedule *cron.Expression
			err      error
		)
		if d.ScheduleActual != "" {
			schedule, err = cron.FromRuntime(d.ScheduleActual, d.Schedule)
			if err != nil {
				return nil, NewParsingError(err.Error(), err, nil)
			}
		} else {
			schedule, err = ParseSchedule(d.Schedule, d.Name, d.Tool)
		}
		if err != nil {
			return nil, err
		}
		timeout := d.Timeout
		spec.Schedule = schedule
		spec.Timeout = &timeout
	case JobTypeContinuous:
		spec.Continuous = true
		spec.Port = d.Port
		spec.PortProtocol = d.PortProtocol
		spec.Replicas = d.Replicas
		spec.HealthCheck = d.HealthCheck.ToHealthCheck()
		spec.Public = d.Public
	default:
		return nil, Validationf("Unknown job type '%s'", d.Type)
	}

	return New(spec)
}
