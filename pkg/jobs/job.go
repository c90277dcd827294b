package jobs

import (
	"errors"
	"fmt"
	"regexp"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/chambrid/jobs-api/pkg/command"
	"github.com/chambrid/jobs-api/pkg/cron"
	"github.com/chambrid/jobs-api/pkg/identity"
	"github.com/chambrid/jobs-api/pkg/images"
)

// NameMaxLength is the longest name all of CronJob, Job and Deployment
// accept. CronJobs are the strictest.
const NameMaxLength = 52

// MaxRetry is the highest backoff limit a job may ask for.
const MaxRetry = 5

// NamePattern is a lowercase RFC 1123 subdomain.
var NamePattern = regexp.MustCompile(`^[a-z0-9]([-a-z0-9]*[a-z0-9])?([.][a-z0-9]([-a-z0-9]*[a-z0-9])?)*$`)

// Spec is the raw input for a job. Zero values mean "not given" and get
// defaults in New.
type Spec struct {
	Name string
	Tool string
	Cmd  string

	Image images.Image

	// nil means not given, defaults to true for images with the tool home
	Filelog       *bool
	FilelogStdout string
	FilelogStderr string

	Retry  int
	Memory string
	CPU    string
	Emails EmailOption
	Mount  MountOption

	Schedule   *cron.Expression
	Continuous bool

	Port         int
	PortProtocol PortProtocol
	Replicas     *int
	HealthCheck  HealthCheck
	// Public publishes the port on the tool web domain
	Public bool

	Timeout *int

	// Defaults overrides the platform resource defaults
	Defaults *ResourceDefaults
}

// ParseSchedule parses a cron expression for a job, turning parse failures
// into validation errors.
func ParseSchedule(text, name, tool string) (*cron.Expression, error) {
	expr, err := cron.Parse(text, name, tool)
	if err != nil {
		var parseErr *cron.ParseError
		if errors.As(err, &parseErr) {
			return nil, NewValidationError(parseErr.Error(), map[string]any{"schedule": text})
		}
		return nil, err
	}
	return expr, nil
}

// New validates spec and builds a job from it.
func New(spec Spec) (*Job, error) {
	spec.applyDefaults()

	if err := spec.validateFields(); err != nil {
		var fieldErrs validation.Errors
		if errors.As(err, &fieldErrs) {
			return nil, NewValidationError(fieldErrs.Error(), map[string]any{"fields": fieldErrs})
		}
		return nil, NewInternalError("failed to validate job", err)
	}

	if err := spec.validateCombination(); err != nil {
		return nil, err
	}

	memory, err := NormalizeQuantity(spec.Memory)
	if err != nil {
		return nil, Validationf("Invalid memory value '%s'", spec.Memory)
	}
	cpu, err := NormalizeQuantity(spec.CPU)
	if err != nil {
		return nil, Validationf("Invalid cpu value '%s'", spec.CPU)
	}

	job := &Job{
		Name:    spec.Name,
		Tool:    spec.Tool,
		Cmd:     spec.Cmd,
		Filelog: *spec.Filelog,
		Image:   spec.Image,
		Retry:   spec.Retry,
		Memory:  memory,
		CPU:     cpu,
		Emails:  spec.Emails,
		Mount:   spec.Mount,
	}

	if job.Filelog {
		home := identity.Home(spec.Tool)
		job.FilelogStdout = command.ResolveFilelogPath(spec.FilelogStdout, home, spec.Name+".out")
		job.FilelogStderr = command.ResolveFilelogPath(spec.FilelogStderr, home, spec.Name+".err")
	}

	switch {
	case spec.Continuous:
		replicas := DefaultReplicas
		if spec.Replicas != nil {
			replicas = *spec.Replicas
		}
		job.Variant = &Continuous{
			Port:         spec.Port,
			PortProtocol: spec.PortProtocol,
			Replicas:     replicas,
			HealthCheck:  spec.HealthCheck,
			Public:       spec.Public,
		}
	case spec.Schedule != nil:
		timeout := 0
		if spec.Timeout != nil {
			timeout = *spec.Timeout
		}
		job.Variant = &Scheduled{Schedule: spec.Schedule, Timeout: timeout}
	default:
		job.Variant = &OneOff{}
	}

	return job, nil
}

func (s *Spec) applyDefaults() {
	defaults := DefaultResources()
	if s.Defaults != nil {
		defaults = *s.Defaults
	}
	if s.Memory == "" {
		s.Memory = defaults.Memory.String()
	}
	if s.CPU == "" {
		s.CPU = defaults.CPU.String()
	}
	if s.Emails == "" {
		s.Emails = EmailsNone
	}
	if s.Mount == "" {
		if s.Image.IsBuildpack() {
			s.Mount = MountNone
		} else {
			s.Mount = MountAll
		}
	}
	if s.Filelog == nil {
		filelog := !s.Image.IsBuildpack() && s.Mount == MountAll
		s.Filelog = &filelog
	}
	if s.Continuous && s.PortProtocol == "" {
		s.PortProtocol = ProtocolTCP
	}
}

func (s *Spec) validateFields() error {
	return validation.ValidateStruct(s,
		validation.Field(&s.Name,
			validation.Required,
			validation.RuneLength(1, NameMaxLength),
			validation.Match(NamePattern).Error("must be a lowercase RFC 1123 subdomain"),
		),
		validation.Field(&s.Tool, validation.Required),
		validation.Field(&s.Cmd, validation.Required),
		validation.Field(&s.Retry, validation.Min(0), validation.Max(MaxRetry)),
		validation.Field(&s.Emails, validation.In(EmailsNone, EmailsAll, EmailsOnFinish, EmailsOnFailure)),
		validation.Field(&s.Mount, validation.In(MountAll, MountNone)),
		validation.Field(&s.Port, validation.Min(1), validation.Max(65535)),
		validation.Field(&s.PortProtocol, validation.In(ProtocolTCP, ProtocolUDP)),
		validation.Field(&s.Replicas, validation.Min(0)),
		validation.Field(&s.Timeout, validation.Min(0)),
		validation.Field(&s.HealthCheck, validation.By(validateHealthCheck)),
	)
}

func validateHealthCheck(value any) error {
	switch hc := value.(type) {
	case nil:
		return nil
	case *ScriptHealthCheck:
		if hc.Script == "" {
			return errors.New("script must not be empty")
		}
	case *HTTPHealthCheck:
		if hc.Path == "" {
			return errors.New("path must not be empty")
		}
	}
	return nil
}

// validateCombination checks the rules that involve more than one field.
func (s *Spec) validateCombination() error {
	if s.Schedule != nil && s.Continuous {
		return Validationf("Only one of 'continuous' and 'schedule' can be set at the same time")
	}
	if s.Port != 0 && !s.Continuous {
		return Validationf("Port can only be set for continuous jobs")
	}
	if s.Public && !s.Continuous {
		return Validationf("Only continuous jobs can be published")
	}
	if s.Public && (s.Port == 0 || s.PortProtocol != ProtocolTCP) {
		return Validationf("Published jobs need a port with the tcp protocol")
	}
	if s.Replicas != nil && !s.Continuous {
		return Validationf("Replicas can only be set for continuous jobs")
	}
	if s.HealthCheck != nil && !s.Continuous {
		return Validationf("Health checks can only be set for continuous jobs")
	}
	if *s.Filelog && s.Mount != MountAll {
		return Validationf("File logging is only available with --mount=all")
	}
	if s.Schedule == nil && s.Timeout != nil {
		return Validationf("Timeout can only be set on a scheduled job")
	}
	if hc, ok := s.HealthCheck.(*HTTPHealthCheck); ok && hc != nil {
		if s.Port == 0 {
			return Validationf("Port must be set for HTTP health checks")
		}
		if s.PortProtocol != ProtocolTCP {
			return Validationf("HTTP health checks require the tcp port protocol")
		}
	}
	if !s.Image.IsBuildpack() && !s.Mount.SupportsNonBuildservice() {
		return Validationf("Mount type %s is only supported for build service images", s.Mount)
	}
	return nil
}

// String is used in log lines.
func (j *Job) String() string {
	return fmt.Sprintf("%s/%s (%s)", j.Tool, j.Name, j.Type())
}
