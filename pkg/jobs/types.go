package jobs

import (
	"fmt"

	"github.com/chambrid/jobs-api/pkg/command"
	"github.com/chambrid/jobs-api/pkg/cron"
	"github.com/chambrid/jobs-api/pkg/images"
)

// JobType represents the user-facing kind of a job
type JobType string

const (
	JobTypeOneOff     JobType = "one-off"
	JobTypeScheduled  JobType = "scheduled"
	JobTypeContinuous JobType = "continuous"
)

// EmailOption selects when the tool maintainers get an email about a job
type EmailOption string

const (
	EmailsNone      EmailOption = "none"
	EmailsAll       EmailOption = "all"
	EmailsOnFinish  EmailOption = "onfinish"
	EmailsOnFailure EmailOption = "onfailure"
)

// MountOption is the NFS mount policy of a job
type MountOption string

const (
	MountAll  MountOption = "all"
	MountNone MountOption = "none"
)

// SupportsNonBuildservice reports whether images outside the build service
// can run with this mount policy. Those images expect the tool home.
func (m MountOption) SupportsNonBuildservice() bool {
	return m == MountAll
}

// PortProtocol is the transport of an exposed port
type PortProtocol string

const (
	ProtocolTCP PortProtocol = "tcp"
	ProtocolUDP PortProtocol = "udp"
)

// HealthCheckType selects the kind of health check
type HealthCheckType string

const (
	HealthCheckScript HealthCheckType = "script"
	HealthCheckHTTP   HealthCheckType = "http"
)

// HealthCheck is either a *ScriptHealthCheck or an *HTTPHealthCheck.
type HealthCheck interface {
	Type() HealthCheckType
	healthCheck()
}

// ScriptHealthCheck runs a shell script inside the container
type ScriptHealthCheck struct {
	Script string
}

func (*ScriptHealthCheck) Type() HealthCheckType { return HealthCheckScript }
func (*ScriptHealthCheck) healthCheck()          {}

// HTTPHealthCheck queries a path on the job port
type HTTPHealthCheck struct {
	Path string
}

func (*HTTPHealthCheck) Type() HealthCheckType { return HealthCheckHTTP }
func (*HTTPHealthCheck) healthCheck()          {}

// Variant carries the fields that only exist for one job type. It is one
// of *OneOff, *Scheduled or *Continuous.
type Variant interface {
	JobType() JobType
	variant()
}

// OneOff is a job that runs once to completion
type OneOff struct{}

// Scheduled is a job started on a cron schedule
type Scheduled struct {
	Schedule *cron.Expression
	// Timeout in seconds, 0 for no limit
	Timeout int
}

// Continuous is a job kept running, optionally serving a port
type Continuous struct {
	Port         int
	PortProtocol PortProtocol
	Replicas     int
	HealthCheck  HealthCheck
	Public       bool
}

func (*OneOff) JobType() JobType     { return JobTypeOneOff }
func (*Scheduled) JobType() JobType  { return JobTypeScheduled }
func (*Continuous) JobType() JobType { return JobTypeContinuous }

func (*OneOff) variant()     {}
func (*Scheduled) variant()  {}
func (*Continuous) variant() {}

// UnknownVariantError is returned when a switch over variants meets a type
// it does not handle.
type UnknownVariantError struct {
	Variant Variant
}

func (e *UnknownVariantError) Error() string {
	return fmt.Sprintf("unsupported job variant %T", e.Variant)
}

// StatusShort is the coarse state of a job
type StatusShort string

const (
	StatusPending   StatusShort = "pending"
	StatusRunning   StatusShort = "running"
	StatusSucceeded StatusShort = "succeeded"
	StatusFailed    StatusShort = "failed"
	StatusUnknown   StatusShort = "unknown"
)

// Status is derived from the runtime on every read, never stored.
type Status struct {
	Short    StatusShort `json:"short"`
	Messages []string    `json:"messages"`
	Duration string      `json:"duration"`
	UpToDate bool        `json:"up_to_date"`

	// Only set for scheduled jobs, RFC 3339.
	PreviousSchedule string `json:"previous_schedule,omitempty"`
	NextSchedule     string `json:"next_schedule,omitempty"`
}

// Long renders the status as the single legacy status string.
func (s *Status) Long() string {
	if s == nil || len(s.Messages) == 0 {
		return "Unknown"
	}
	out := s.Messages[0]
	for _, m := range s.Messages[1:] {
		out += ", " + m
	}
	return out
}

// Job is a validated job definition. Build one with New.
type Job struct {
	Name string
	Tool string

	Cmd           string
	Filelog       bool
	FilelogStdout string
	FilelogStderr string

	Image  images.Image
	Retry  int
	Memory string
	CPU    string
	Emails EmailOption
	Mount  MountOption

	Variant Variant

	Status *Status
	// K8sObject is the last seen manifest, for debugging.
	K8sObject map[string]any
}

// Type returns the job type of the variant.
func (j *Job) Type() JobType {
	return j.Variant.JobType()
}

// Command returns the command part of the job.
func (j *Job) Command() command.Command {
	return command.Command{
		UserCommand:   j.Cmd,
		Filelog:       j.Filelog,
		FilelogStdout: j.FilelogStdout,
		FilelogStderr: j.FilelogStderr,
	}
}

// Scheduled returns the scheduled variant, or nil.
func (j *Job) Scheduled() *Scheduled {
	v, _ := j.Variant.(*Scheduled)
	return v
}

// Continuous returns the continuous variant, or nil.
func (j *Job) Continuous() *Continuous {
	v, _ := j.Variant.(*Continuous)
	return v
}

// Equal compares two definitions, ignoring derived fields.
func (j *Job) Equal(other *Job) bool {
	if j == nil || other == nil {
		return j == other
	}
	a, b := j.Definition(), other.Definition()
	return a.Equal(b)
}

// Definition returns the persisted form of the job.
func (j *Job) Definition() Definition {
	d := Definition{
		Name:          j.Name,
		Tool:          j.Tool,
		Type:          j.Type(),
		Cmd:           j.Cmd,
		Filelog:       j.Filelog,
		FilelogStdout: j.FilelogStdout,
		FilelogStderr: j.FilelogStderr,
		Image:         ImageReference(j.Image),
		Retry:         j.Retry,
		Memory:        j.Memory,
		CPU:           j.CPU,
		Emails:        j.Emails,
		Mount:         j.Mount,
	}

	switch v := j.Variant.(type) {
	case *OneOff:
	case *Scheduled:
		if v.Schedule != nil {
			d.Schedule = v.Schedule.Text
			d.ScheduleActual = v.Schedule.String()
		}
		d.Timeout = v.Timeout
	case *Continuous:
		d.Port = v.Port
		d.PortProtocol = v.PortProtocol
		d.Public = v.Public
		replicas := v.Replicas
		d.Replicas = &replicas
		switch hc := v.HealthCheck.(type) {
		case *ScriptHealthCheck:
			d.HealthCheck = &HealthCheckDefinition{Type: HealthCheckScript, Script: hc.Script}
		case *HTTPHealthCheck:
			d.HealthCheck = &HealthCheckDefinition{Type: HealthCheckHTTP, Path: hc.Path}
		}
	}
	return d
}
