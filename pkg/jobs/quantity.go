package jobs

import (
	"fmt"

	"k8s.io/apimachinery/pkg/api/resource"
)

const (
	DefaultMemory   = "512Mi"
	DefaultCPU      = "500m"
	DefaultReplicas = 1
)

// ResourceDefaults are the limits given to jobs that do not ask for any.
// They also decide how requests are derived, see Requests.
type ResourceDefaults struct {
	CPU    resource.Quantity
	Memory resource.Quantity
}

// DefaultResources returns the platform defaults.
func DefaultResources() ResourceDefaults {
	return ResourceDefaults{
		CPU:    resource.MustParse(DefaultCPU),
		Memory: resource.MustParse(DefaultMemory),
	}
}

// ParseResourceDefaults builds defaults from configuration strings.
func ParseResourceDefaults(cpu, memory string) (ResourceDefaults, error) {
	c, err := resource.ParseQuantity(cpu)
	if err != nil {
		return ResourceDefaults{}, fmt.Errorf("invalid default cpu %q: %w", cpu, err)
	}
	m, err := resource.ParseQuantity(memory)
	if err != nil {
		return ResourceDefaults{}, fmt.Errorf("invalid default memory %q: %w", memory, err)
	}
	return ResourceDefaults{CPU: c, Memory: m}, nil
}

// NormalizeQuantity parses value and renders it in canonical form, so
// "0.5" and "500m" both become "500m".
func NormalizeQuantity(value string) (string, error) {
	q, err := resource.ParseQuantity(value)
	if err != nil {
		return "", err
	}
	return q.String(), nil
}

// Request derives the request of a resource from its limit. Jobs at or
// below the default get request == limit, bigger jobs get half of the
// limit requested.
func Request(limit, def resource.Quantity) resource.Quantity {
	if limit.Cmp(def) <= 0 {
		return limit.DeepCopy()
	}
	half := limit.MilliValue() / 2
	return *resource.NewMilliQuantity(half, limit.Format)
}

// Requests returns the cpu and memory requests for the given limits.
func (d ResourceDefaults) Requests(cpu, memory resource.Quantity) (resource.Quantity, resource.Quantity) {
	return Request(cpu, d.CPU), Request(memory, d.Memory)
}

// FormatGi renders q in Gi with three decimals, e.g. "0.500Gi".
func FormatGi(q resource.Quantity) string {
	gi := q.AsApproximateFloat64() / (1024 * 1024 * 1024)
	return fmt.Sprintf("%.3fGi", gi)
}
