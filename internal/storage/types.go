package storage

import (
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"

	"github.com/chambrid/jobs-api/pkg/jobs"
)

// GroupVersion is the API group of the job definition objects.
var GroupVersion = schema.GroupVersion{Group: "jobs-api.toolforge.org", Version: "v1"}

// Kinds and resource plurals of the stored job definitions.
const (
	KindContinuousJob = "ContinuousJob"
	KindScheduledJob  = "ScheduledJob"
	KindOneOffJob     = "OneOffJob"

	PluralContinuousJobs = "continuous-jobs"
	PluralScheduledJobs  = "scheduled-jobs"
	PluralOneOffJobs     = "one-off-jobs"
)

// JobObject is implemented by the three stored kinds.
type JobObject interface {
	metav1.Object
	runtime.Object
	Definition() *jobs.Definition
}

// ContinuousJob stores the definition of a continuous job.
type ContinuousJob struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec jobs.Definition `json:"spec"`
}

// ContinuousJobList contains a list of ContinuousJob
type ContinuousJobList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []ContinuousJob `json:"items"`
}

// ScheduledJob stores the definition of a scheduled job.
type ScheduledJob struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec jobs.Definition `json:"spec"`
}

// ScheduledJobList contains a list of ScheduledJob
type ScheduledJobList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []ScheduledJob `json:"items"`
}

// OneOffJob stores the definition of a one-off job.
type OneOffJob struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec jobs.Definition `json:"spec"`
}

// OneOffJobList contains a list of OneOffJob
type OneOffJobList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []OneOffJob `json:"items"`
}

func (in *ContinuousJob) Definition() *jobs.Definition { return &in.Spec }
func (in *ScheduledJob) Definition() *jobs.Definition  { return &in.Spec }
func (in *OneOffJob) Definition() *jobs.Definition     { return &in.Spec }

// newObject returns an empty stored object for a job type.
func newObject(t jobs.JobType) (JobObject, error) {
	switch t {
	case jobs.JobTypeContinuous:
		return &ContinuousJob{TypeMeta: metav1.TypeMeta{APIVersion: GroupVersion.String(), Kind: KindContinuousJob}}, nil
	case jobs.JobTypeScheduled:
		return &ScheduledJob{TypeMeta: metav1.TypeMeta{APIVersion: GroupVersion.String(), Kind: KindScheduledJob}}, nil
	case jobs.JobTypeOneOff:
		return &OneOffJob{TypeMeta: metav1.TypeMeta{APIVersion: GroupVersion.String(), Kind: KindOneOffJob}}, nil
	default:
		return nil, jobs.NewStorageError("Unknown job type "+string(t), nil, nil)
	}
}

// copyDefinition deep copies the pointer fields of a definition.
func copyDefinition(in, out *jobs.Definition) {
	*out = *in
	if in.Replicas != nil {
		v := *in.Replicas
		out.Replicas = &v
	}
	if in.HealthCheck != nil {
		hc := *in.HealthCheck
		out.HealthCheck = &hc
	}
}

// DeepCopyInto copies all properties of this object into another object of the
// same type that is provided as a pointer.
func (in *ContinuousJob) DeepCopyInto(out *ContinuousJob) {
	*out = *in
	out.TypeMeta = in.TypeMeta
	in.ObjectMeta.DeepCopyInto(&out.ObjectMeta)
	copyDefinition(&in.Spec, &out.Spec)
}

// DeepCopy copies the receiver, creating a new ContinuousJob.
func (in *ContinuousJob) DeepCopy() *ContinuousJob {
	if in == nil {
		return nil
	}
	out := new(ContinuousJob)
	in.DeepCopyInto(out)
	return out
}

// DeepCopyObject copies the receiver, creating a new runtime.Object.
func (in *ContinuousJob) DeepCopyObject() runtime.Object {
	if c := in.DeepCopy(); c != nil {
		return c
	}
	return nil
}

// DeepCopyInto copies all properties of this object into another object of the
// same type that is provided as a pointer.
func (in *ContinuousJobList) DeepCopyInto(out *ContinuousJobList) {
	*out = *in
	out.TypeMeta = in.TypeMeta
	in.ListMeta.DeepCopyInto(&out.ListMeta)
	if in.Items != nil {
		in, out := &in.Items, &out.Items
		*out = make([]ContinuousJob, len(*in))
		for i := range *in {
			(*in)[i].DeepCopyInto(&(*out)[i])
		}
	}
}

// DeepCopy copies the receiver, creating a new ContinuousJobList.
func (in *ContinuousJobList) DeepCopy() *ContinuousJobList {
	if in == nil {
		return nil
	}
	out := new(ContinuousJobList)
	in.DeepCopyInto(out)
	return out
}

// DeepCopyObject copies the receiver, creating a new runtime.Object.
func (in *ContinuousJobList) DeepCopyObject() runtime.Object {
	if c := in.DeepCopy(); c != nil {
		return c
	}
	return nil
}

// DeepCopyInto copies all properties of this object into another object of the
// same type that is provided as a pointer.
func (in *ScheduledJob) DeepCopyInto(out *ScheduledJob) {
	*out = *in
	out.TypeMeta = in.TypeMeta
	in.ObjectMeta.DeepCopyInto(&out.ObjectMeta)
	copyDefinition(&in.Spec, &out.Spec)
}

// DeepCopy copies the receiver, creating a new ScheduledJob.
func (in *ScheduledJob) DeepCopy() *ScheduledJob {
	if in == nil {
		return nil
	}
	out := new(ScheduledJob)
	in.DeepCopyInto(out)
	return out
}

// DeepCopyObject copies the receiver, creating a new runtime.Object.
func (in *ScheduledJob) DeepCopyObject() runtime.Object {
	if c := in.DeepCopy(); c != nil {
		return c
	}
	return nil
}

// DeepCopyInto copies all properties of this object into another object of the
// same type that is provided as a pointer.
func (in *ScheduledJobList) DeepCopyInto(out *ScheduledJobList) {
	*out = *in
	out.TypeMeta = in.TypeMeta
	in.ListMeta.DeepCopyInto(&out.ListMeta)
	if in.Items != nil {
		in, out := &in.Items, &out.Items
		*out = make([]ScheduledJob, len(*in))
		for i := range *in {
			(*in)[i].DeepCopyInto(&(*out)[i])
		}
	}
}

// DeepCopy copies the receiver, creating a new ScheduledJobList.
func (in *ScheduledJobList) DeepCopy() *ScheduledJobList {
	if in == nil {
		return nil
	}
	out := new(ScheduledJobList)
	in.DeepCopyInto(out)
	return out
}

// DeepCopyObject copies the receiver, creating a new runtime.Object.
func (in *ScheduledJobList) DeepCopyObject() runtime.Object {
	if c := in.DeepCopy(); c != nil {
		return c
	}
	return nil
}

// DeepCopyInto copies all properties of this object into another object of the
// same type that is provided as a pointer.
func (in *OneOffJob) DeepCopyInto(out *OneOffJob) {
	*out = *in
	out.TypeMeta = in.TypeMeta
	in.ObjectMeta.DeepCopyInto(&out.ObjectMeta)
	copyDefinition(&in.Spec, &out.Spec)
}

// DeepCopy copies the receiver, creating a new OneOffJob.
func (in *OneOffJob) DeepCopy() *OneOffJob {
	if in == nil {
		return nil
	}
	out := new(OneOffJob)
	in.DeepCopyInto(out)
	return out
}

// DeepCopyObject copies the receiver, creating a new runtime.Object.
func (in *OneOffJob) DeepCopyObject() runtime.Object {
	if c := in.DeepCopy(); c != nil {
		return c
	}
	return nil
}

// DeepCopyInto copies all properties of this object into another object of the
// same type that is provided as a pointer.
func (in *OneOffJobList) DeepCopyInto(out *OneOffJobList) {
	*out = *in
	out.TypeMeta = in.TypeMeta
	in.ListMeta.DeepCopyInto(&out.ListMeta)
	if in.Items != nil {
		in, out := &in.Items, &out.Items
		*out = make([]OneOffJob, len(*in))
		for i := range *in {
			(*in)[i].DeepCopyInto(&(*out)[i])
		}
	}
}

// DeepCopy copies the receiver, creating a new OneOffJobList.
func (in *OneOffJobList) DeepCopy() *OneOffJobList {
	if in == nil {
		return nil
	}
	out := new(OneOffJobList)
	in.DeepCopyInto(out)
	return out
}

// DeepCopyObject copies the receiver, creating a new runtime.Object.
func (in *OneOffJobList) DeepCopyObject() runtime.Object {
	if c := in.DeepCopy(); c != nil {
		return c
	}
	return nil
}
