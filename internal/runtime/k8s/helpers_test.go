package k8s

import (
	"context"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/chambrid/jobs-api/pkg/cron"
	"github.com/chambrid/jobs-api/pkg/identity"
	"github.com/chambrid/jobs-api/pkg/images"
	"github.com/chambrid/jobs-api/pkg/jobs"
)

const (
	testTool = "mytool"
	testUID  = int64(52503)
)

var (
	bullseye = images.Image{
		CanonicalName: "bullseye",
		Type:          images.TypeStandard,
		Aliases:       []string{"tf-bullseye-std"},
		Container:     "docker-registry.tools.wmflabs.org/toolforge-bullseye-sssd:latest",
		State:         images.StateStable,
	}
	buildpack = images.Image{
		CanonicalName: "tool-mytool/app:latest",
		Type:          images.TypeBuildpack,
		Container:     "harbor.example.org/tool-mytool/app:latest",
		State:         images.StateStable,
	}
	deprecated = images.Image{
		CanonicalName: "buster",
		Type:          images.TypeStandard,
		Container:     "docker-registry.tools.wmflabs.org/toolforge-buster-sssd:latest",
		State:         "deprecated",
	}
)

// fakeCatalog resolves by canonical name or container url.
type fakeCatalog struct {
	images []images.Image
}

func (c *fakeCatalog) Resolve(_ context.Context, _, ref string, _ bool) (images.Image, error) {
	for _, img := range c.images {
		url, _ := img.FullURL()
		if img.CanonicalName == ref || img.Container == ref || url == ref {
			return img, nil
		}
	}
	return images.Image{}, &images.NotFoundError{Reference: ref}
}

func (c *fakeCatalog) Available(context.Context, string) ([]images.Image, error) {
	return c.images, nil
}

func newCatalog() *fakeCatalog {
	return &fakeCatalog{images: []images.Image{bullseye, buildpack, deprecated}}
}

func newTranslator() *Translator {
	return NewTranslator(identity.FixedResolver(testUID), jobs.DefaultResources(), "toolforge.org")
}

func newReader() *Reader {
	return NewReader(newCatalog(), jobs.DefaultResources())
}

// fakeDryRunner returns the object as is, which is what the API server
// does for fields it has nothing to default.
type fakeDryRunner struct {
	calls int
	err   error
}

func (d *fakeDryRunner) DryRunCreate(_ context.Context, obj runtime.Object) (map[string]any, error) {
	d.calls++
	if d.err != nil {
		return nil, d.err
	}
	return runtime.DefaultUnstructuredConverter.ToUnstructured(obj)
}

func newTestRuntime(t *testing.T, objects ...runtime.Object) (*Runtime, *fake.Clientset) {
	t.Helper()
	client := fake.NewSimpleClientset(objects...)
	r := New(Options{
		Client:       client,
		Catalog:      newCatalog(),
		Tenants:      identity.FixedResolver(testUID),
		Defaults:     jobs.DefaultResources(),
		PublicDomain: "toolforge.org",
		DryRunner:    &fakeDryRunner{},
		Logger:       logr.Discard(),
	})
	r.pollInterval = time.Millisecond
	r.pollTimeout = 20 * time.Millisecond
	return r, client
}

func mustJob(t *testing.T, spec jobs.Spec) *jobs.Job {
	t.Helper()
	if spec.Name == "" {
		spec.Name = "myjob"
	}
	if spec.Tool == "" {
		spec.Tool = testTool
	}
	if spec.Cmd == "" {
		spec.Cmd = "./run.sh --with-args"
	}
	if spec.Image.CanonicalName == "" {
		spec.Image = bullseye
	}
	job, err := jobs.New(spec)
	require.NoError(t, err)
	return job
}

func mustSchedule(t *testing.T, text string) *cron.Expression {
	t.Helper()
	expr, err := cron.Parse(text, "myjob", testTool)
	require.NoError(t, err)
	return expr
}

func intPtr(v int) *int { return &v }

func boolPtr(v bool) *bool { return &v }
