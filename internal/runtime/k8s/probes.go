package k8s

import (
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/util/intstr"

	"github.com/chambrid/jobs-api/pkg/jobs"
)

// Startup probes allow a slow first start, liveness probes react faster.
const (
	startupPeriodSeconds     = 1
	startupFailureThreshold  = 120
	livenessPeriodSeconds    = 10
	livenessFailureThreshold = 3
	probeTimeoutSeconds      = 5
)

// probes returns the startup and liveness probes of a continuous job. Jobs
// with a port and no explicit health check get a TCP check on the port.
func probes(v *jobs.Continuous) (startup, liveness *corev1.Probe) {
	var handler *corev1.ProbeHandler

	switch hc := v.HealthCheck.(type) {
	case *jobs.ScriptHealthCheck:
		handler = &corev1.ProbeHandler{
			Exec: &corev1.ExecAction{Command: []string{"/bin/sh", "-c", hc.Script}},
		}
	case *jobs.HTTPHealthCheck:
		if v.Port == 0 {
			return nil, nil
		}
		handler = &corev1.ProbeHandler{
			HTTPGet: &corev1.HTTPGetAction{Path: hc.Path, Port: intstr.FromInt32(int32(v.Port))},
		}
	case nil:
		if v.Port == 0 {
			return nil, nil
		}
		handler = &corev1.ProbeHandler{
			TCPSocket: &corev1.TCPSocketAction{Port: intstr.FromInt32(int32(v.Port))},
		}
	}
	if handler == nil {
		return nil, nil
	}

	startup = &corev1.Probe{
		ProbeHandler:     *handler.DeepCopy(),
		PeriodSeconds:    startupPeriodSeconds,
		FailureThreshold: startupFailureThreshold,
		TimeoutSeconds:   probeTimeoutSeconds,
	}
	liveness = &corev1.Probe{
		ProbeHandler:     *handler.DeepCopy(),
		PeriodSeconds:    livenessPeriodSeconds,
		FailureThreshold: livenessFailureThreshold,
		TimeoutSeconds:   probeTimeoutSeconds,
	}
	return startup, liveness
}

// healthCheckFromProbe reads the user health check back from the startup
// probe. TCP probes are generated, so they map to no health check.
func healthCheckFromProbe(p *corev1.Probe) jobs.HealthCheck {
	if p == nil {
		return nil
	}
	switch {
	case p.Exec != nil && len(p.Exec.Command) > 2:
		return &jobs.ScriptHealthCheck{Script: p.Exec.Command[2]}
	case p.HTTPGet != nil:
		return &jobs.HTTPHealthCheck{Path: p.HTTPGet.Path}
	default:
		return nil
	}
}
