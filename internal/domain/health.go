package domain

import "time"

// Readiness states. Optional dependencies failing only degrade the service.
const (
	HealthStatusOK       = "ok"
	HealthStatusDegraded = "degraded"
	HealthStatusError    = "error"
)

// SystemHealthCheck is one dependency probe result.
type SystemHealthCheck struct {
	Status    string
	Detail    string
	Error     string
	Optional  bool
	Latency   time.Duration
	CheckedAt time.Time
}

// SystemHealthReport is what /readyz renders. Integrations lists the optional sync paths
// (Slack summaries, report archive, pull consumer) and whether this deployment enabled them.
type SystemHealthReport struct {
	Status       string
	Checks       map[string]SystemHealthCheck
	Integrations map[string]bool
	Version      string
	CommitSHA    string
	Environment  string
	Uptime       time.Duration
	GeneratedAt  time.Time
}

// Worst returns the more severe of two statuses.
func Worst(a, b string) string {
	rank := func(s string) int {
		switch s {
		case HealthStatusError:
			return 2
		case HealthStatusDegraded:
			return 1
		}
		return 0
	}
	if rank(b) > rank(a) {
		return b
	}
	if a == "" {
		return HealthStatusOK
	}
	return a
}
