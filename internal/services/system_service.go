package services

import (
	"context"
	"errors"
	"strings"
	"time"

	domain "github.com/stocksync/api/internal/domain"
	"github.com/stocksync/api/internal/repositories"
)

// Integration names reported by the system service.
const (
	IntegrationSlack        = "slackSummaries"
	IntegrationReports      = "reportArchive"
	IntegrationPullConsumer = "pullConsumer"
)

// BuildInfo is the release metadata shown on the probes.
type BuildInfo struct {
	Version     string
	CommitSHA   string
	Environment string
	StartedAt   time.Time
}

// SystemServiceDeps bundles collaborators for NewSystemService.
type SystemServiceDeps struct {
	HealthRepository repositories.HealthRepository
	Clock            func() time.Time
	Build            BuildInfo
	// Integrations maps an integration name to whether it is configured.
	Integrations map[string]bool
	// Required integrations turn the report into an error when disabled.
	Required []string
}

type systemService struct {
	health       repositories.HealthRepository
	now          func() time.Time
	build        BuildInfo
	integrations map[string]bool
	required     []string
}

var _ SystemService = (*systemService)(nil)

// NewSystemService builds the readiness reporter.
func NewSystemService(deps SystemServiceDeps) (SystemService, error) {
	if deps.HealthRepository == nil {
		return nil, errors.New("system service: health repository is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	svc := &systemService{
		health:       deps.HealthRepository,
		now:          func() time.Time { return clock().UTC() },
		build:        deps.Build,
		integrations: make(map[string]bool, len(deps.Integrations)),
		required:     deps.Required,
	}
	if svc.build.StartedAt.IsZero() {
		svc.build.StartedAt = svc.now()
	}
	for name, enabled := range deps.Integrations {
		svc.integrations[name] = enabled
	}
	return svc, nil
}

func (s *systemService) HealthReport(ctx context.Context) (SystemHealthReport, error) {
	if ctx == nil {
		return SystemHealthReport{}, errors.New("system service: context is required")
	}
	report, err := s.health.Collect(ctx)
	if err != nil {
		return SystemHealthReport{}, err
	}

	now := s.now()
	if report.GeneratedAt.IsZero() {
		report.GeneratedAt = now
	}
	if report.Version == "" {
		report.Version = s.build.Version
	}
	if report.CommitSHA == "" {
		report.CommitSHA = s.build.CommitSHA
	}
	if report.Environment == "" {
		report.Environment = s.build.Environment
	}
	if report.Uptime <= 0 {
		report.Uptime = now.Sub(s.build.StartedAt)
	}
	if report.Checks == nil {
		report.Checks = map[string]domain.SystemHealthCheck{}
	}

	report.Integrations = make(map[string]bool, len(s.integrations))
	for name, enabled := range s.integrations {
		report.Integrations[name] = enabled
	}

	status := strings.TrimSpace(report.Status)
	if status == "" {
		for _, check := range report.Checks {
			switch {
			case check.Status == domain.HealthStatusError && !check.Optional:
				status = domain.Worst(status, domain.HealthStatusError)
			case check.Status != "" && check.Status != domain.HealthStatusOK:
				status = domain.Worst(status, domain.HealthStatusDegraded)
			}
		}
	}
	for _, name := range s.required {
		if !s.integrations[name] {
			status = domain.Worst(status, domain.HealthStatusError)
		}
	}
	report.Status = domain.Worst(status, domain.HealthStatusOK)
	return report, nil
}
