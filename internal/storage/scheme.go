package storage

import (
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	"sigs.k8s.io/controller-runtime/pkg/scheme"
)

var (
	// SchemeBuilder is used to add go types to the GroupVersionKind scheme
	SchemeBuilder = &scheme.Builder{GroupVersion: GroupVersion}

	// AddToScheme adds the types in this group-version to the given scheme.
	AddToScheme = SchemeBuilder.AddToScheme

	// Scheme contains the job definition kinds only
	Scheme = runtime.NewScheme()
)

func init() {
	SchemeBuilder.Register(
		&ContinuousJob{}, &ContinuousJobList{},
		&ScheduledJob{}, &ScheduledJobList{},
		&OneOffJob{}, &OneOffJobList{},
	)
	utilruntime.Must(AddToScheme(Scheme))
}

// Resource takes an unqualified resource and returns a Group qualified GroupResource
func Resource(resource string) schema.GroupResource {
	return GroupVersion.WithResource(resource).GroupResource()
}
