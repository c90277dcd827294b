package k8s

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"

	"github.com/chambrid/jobs-api/pkg/jobs"
)

const (
	quotaSignature    = "is forbidden: exceeded quota:"
	outOfQuotaMessage = "Out of quota for this kind of job. Please see https://w.wiki/6YLP for details."
	internalMessage   = "Failed to create a job, likely an internal bug in the jobs framework."
)

// IsOutOfQuota reports whether err is a quota rejection from the API server.
func IsOutOfQuota(err error) bool {
	var status apierrors.APIStatus
	if !errors.As(err, &status) {
		return false
	}
	s := status.Status()
	return s.Code == http.StatusForbidden && strings.Contains(s.Message, quotaSignature)
}

// translateError turns a Kubernetes API error met while handling job into
// a typed jobs error. obj is the object that was sent, if any.
func (r *Runtime) translateError(ctx context.Context, err error, job *jobs.Job, obj runtime.Object) error {
	data := map[string]any{
		"k8s_object": toMap(obj),
		"k8s_error":  err.Error(),
	}

	var status apierrors.APIStatus
	if !errors.As(err, &status) {
		return jobs.NewKubernetesError(internalMessage, err, data)
	}

	s := status.Status()
	body, _ := json.Marshal(s)
	data["k8s_error"] = map[string]any{
		"status_code": s.Code,
		"body":        string(body),
	}

	switch {
	case IsOutOfQuota(err):
		if exhausted := r.exhaustedQuotas(ctx, job.Tool); len(exhausted) > 0 {
			data["exhausted"] = exhausted
		}
		return jobs.NewQuotaError(outOfQuotaMessage, data)
	case apierrors.IsAlreadyExists(err) || apierrors.IsConflict(err):
		return jobs.NewConflictError("An object with the same name exists already", data)
	case apierrors.IsNotFound(err):
		if _, ok := obj.(*corev1.Service); ok {
			return jobs.NewNotFoundError(fmt.Sprintf("Service for job %s does not exist", job.Name), data)
		}
		return jobs.NewNotFoundError(fmt.Sprintf("Job %s does not exist", job.Name), data)
	default:
		return jobs.NewKubernetesError(internalMessage, err, data)
	}
}

// exhaustedQuotas lists the quota resources of tool that are used up.
// Lookup failures yield nothing, the caller already has an error to
// report.
func (r *Runtime) exhaustedQuotas(ctx context.Context, tool string) []string {
	quota, err := r.client.CoreV1().ResourceQuotas(namespace(tool)).Get(ctx, namespace(tool), metav1.GetOptions{})
	if err != nil {
		r.logger.V(1).Info("unable to cross check quota", "tool", tool, "error", err.Error())
		return nil
	}

	var out []string
	for name, hard := range quota.Status.Hard {
		used, ok := quota.Status.Used[name]
		if ok && used.Cmp(hard) >= 0 {
			out = append(out, string(name))
		}
	}
	sort.Strings(out)
	return out
}

// quotaResources extracts the resource names from the "limited: a=1,b=2"
// tail of a quota message, without requests. or limits. prefixes,
// deduplicated and sorted.
func quotaResources(message string) []string {
	const keyword = "limited: "
	idx := strings.LastIndex(message, keyword)
	if idx < 0 {
		return nil
	}

	seen := map[string]bool{}
	var out []string
	for _, entry := range strings.Split(message[idx+len(keyword):], ",") {
		key, _, _ := strings.Cut(strings.TrimSpace(entry), "=")
		key = strings.TrimPrefix(key, "requests.")
		key = strings.TrimPrefix(key, "limits.")
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}

// QuotaErrorMessage renders the resources named in a quota message.
func QuotaErrorMessage(message string) string {
	return "out of quota for " + strings.Join(quotaResources(message), ", ")
}
