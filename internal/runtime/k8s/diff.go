package k8s

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/pmezard/go-difflib/difflib"
	appsv1 "k8s.io/api/apps/v1"
	batchv1 "k8s.io/api/batch/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes"
)

// DryRunner normalizes an object through the cluster admission chain
// without persisting it, returning the object as the server would store
// it.
type DryRunner interface {
	DryRunCreate(ctx context.Context, obj runtime.Object) (map[string]any, error)
}

// ClientDryRunner submits objects with dryRun=All under a random name.
type ClientDryRunner struct {
	client kubernetes.Interface
}

// NewClientDryRunner creates a dry runner using client.
func NewClientDryRunner(client kubernetes.Interface) *ClientDryRunner {
	return &ClientDryRunner{client: client}
}

// DryRunCreate implements DryRunner.
func (d *ClientDryRunner) DryRunCreate(ctx context.Context, obj runtime.Object) (map[string]any, error) {
	opts := metav1.CreateOptions{DryRun: []string{metav1.DryRunAll}}
	name := "diff-" + uuid.NewString()

	var (
		out runtime.Object
		err error
	)
	switch o := obj.DeepCopyObject().(type) {
	case *batchv1.Job:
		o.Name, o.ResourceVersion = name, ""
		out, err = d.client.BatchV1().Jobs(o.Namespace).Create(ctx, o, opts)
	case *batchv1.CronJob:
		o.Name, o.ResourceVersion = name, ""
		out, err = d.client.BatchV1().CronJobs(o.Namespace).Create(ctx, o, opts)
	case *appsv1.Deployment:
		o.Name, o.ResourceVersion = name, ""
		out, err = d.client.AppsV1().Deployments(o.Namespace).Create(ctx, o, opts)
	default:
		return nil, fmt.Errorf("unable to dry run %T", obj)
	}
	if err != nil {
		return nil, err
	}
	return runtime.DefaultUnstructuredConverter.ToUnstructured(out)
}

// Differ computes the difference between a running workload and the one
// a job would produce.
type Differ struct {
	dryRunner DryRunner
}

// NewDiffer creates a differ normalizing through dryRunner.
func NewDiffer(dryRunner DryRunner) *Differ {
	return &Differ{dryRunner: dryRunner}
}

// Diff returns a unified diff between current and incoming, empty when
// they are equivalent.
func (d *Differ) Diff(ctx context.Context, current, incoming runtime.Object) (string, error) {
	template, err := runtime.DefaultUnstructuredConverter.ToUnstructured(incoming)
	if err != nil {
		return "", fmt.Errorf("failed to convert incoming object: %w", err)
	}

	cleaned := cleanForDryRun(current)
	a, err := d.normalized(ctx, cleaned, template)
	if err != nil {
		return "", fmt.Errorf("failed to normalize current object: %w", err)
	}
	b, err := d.normalized(ctx, incoming, template)
	if err != nil {
		return "", fmt.Errorf("failed to normalize incoming object: %w", err)
	}

	return unifiedDiff(a, b)
}

func (d *Differ) normalized(ctx context.Context, obj runtime.Object, template map[string]any) (map[string]any, error) {
	result, err := d.dryRunner.DryRunCreate(ctx, obj)
	if err != nil {
		return nil, err
	}
	normalizeLauncher(result)
	pruned, _ := prune(result, template).(map[string]any)
	if pruned == nil {
		pruned = map[string]any{}
	}
	// the name was randomized for the dry run
	if meta, ok := pruned["metadata"].(map[string]any); ok {
		delete(meta, "name")
	}
	return pruned, nil
}

// cleanForDryRun drops what the server owns from a live object so it can
// be submitted again.
func cleanForDryRun(obj runtime.Object) runtime.Object {
	out := obj.DeepCopyObject()
	accessor, ok := out.(metav1.Object)
	if !ok {
		return out
	}
	accessor.SetResourceVersion("")
	accessor.SetUID("")
	accessor.SetCreationTimestamp(metav1.Time{})
	accessor.SetManagedFields(nil)
	accessor.SetOwnerReferences(nil)
	accessor.SetGeneration(0)
	return out
}

// prune keeps only the keys of value that also exist in template.
func prune(value, template any) any {
	switch t := template.(type) {
	case map[string]any:
		v, ok := value.(map[string]any)
		if !ok {
			return value
		}
		out := make(map[string]any, len(t))
		for key, sub := range t {
			if got, ok := v[key]; ok {
				out[key] = prune(got, sub)
			}
		}
		return out
	case []any:
		v, ok := value.([]any)
		if !ok || len(t) == 0 {
			return value
		}
		out := make([]any, len(v))
		for i := range v {
			sub := t[len(t)-1]
			if i < len(t) {
				sub = t[i]
			}
			out[i] = prune(v[i], sub)
		}
		return out
	default:
		return value
	}
}

// containerPaths are where the containers of the workload kinds live.
var containerPaths = [][]string{
	{"spec", "template", "spec", "containers"},
	{"spec", "jobTemplate", "spec", "template", "spec", "containers"},
}

// normalizeLauncher folds the args of each container into its command and
// drops the launcher from the result, both as a leading token and as a
// script prefix. The image entrypoint makes all those spellings equivalent.
func normalizeLauncher(obj map[string]any) {
	for _, path := range containerPaths {
		containers, ok := lookup(obj, path).([]any)
		if !ok {
			continue
		}
		for _, c := range containers {
			container, ok := c.(map[string]any)
			if !ok {
				continue
			}
			cmd, _ := container["command"].([]any)
			args, _ := container["args"].([]any)
			words := make([]any, 0, len(cmd)+len(args))
			words = append(words, cmd...)
			words = append(words, args...)
			if len(words) == 0 {
				continue
			}

			if first, ok := words[0].(string); ok && first == strings.TrimSpace(launcherPrefix) {
				words = words[1:]
			}
			if last := len(words) - 1; last >= 0 {
				if script, ok := words[last].(string); ok {
					words[last] = stripLauncher(script)
				}
			}
			container["command"] = words
			delete(container, "args")
		}
	}
}

func lookup(obj map[string]any, path []string) any {
	var cur any = obj
	for _, key := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = m[key]
	}
	return cur
}

func unifiedDiff(a, b map[string]any) (string, error) {
	left, err := json.MarshalIndent(a, "", "    ")
	if err != nil {
		return "", err
	}
	right, err := json.MarshalIndent(b, "", "    ")
	if err != nil {
		return "", err
	}
	if string(left) == string(right) {
		return "", nil
	}

	return difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(string(left)),
		B:        difflib.SplitLines(string(right)),
		FromFile: "current",
		ToFile:   "incoming",
		Context:  3,
	})
}
