package services

import (
	"context"
	"errors"

	"github.com/stocksync/api/internal/platform/storage"
)

// ReportArchiver stores report objects.
type ReportArchiver interface {
	Put(ctx context.Context, kind storage.ReportKind, params storage.PathParams, payload any) (string, error)
}

type storageReportSink struct {
	archive ReportArchiver
	logger  func(context.Context, string, map[string]any)
}

// NewStorageReportSink adapts an object archive to the ReportSink interface.
func NewStorageReportSink(archive ReportArchiver, logger func(ctx context.Context, event string, fields map[string]any)) (ReportSink, error) {
	if archive == nil {
		return nil, errors.New("report sink: archive is required")
	}
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &storageReportSink{archive: archive, logger: logger}, nil
}

func (s *storageReportSink) ArchiveReconciliation(ctx context.Context, report ReconciliationReport) error {
	uri, err := s.archive.Put(ctx, storage.KindOrderReconciliation, storage.PathParams{
		Channel:   string(report.Channel),
		AccountID: report.AccountID,
		OrderID:   report.OrderID,
		RunID:     report.RunID,
		At:        report.FinishedAt,
	}, report)
	if err != nil {
		return err
	}
	s.logger(ctx, "reports.archived", map[string]any{"runId": report.RunID, "uri": uri})
	return nil
}

func (s *storageReportSink) ArchiveInventorySet(ctx context.Context, report InventorySetReport) error {
	uri, err := s.archive.Put(ctx, storage.KindInventorySet, storage.PathParams{
		TenantID: report.TenantID,
		RunID:    report.RunID,
		At:       report.StartedAt,
	}, report)
	if err != nil {
		return err
	}
	s.logger(ctx, "reports.archived", map[string]any{"runId": report.RunID, "uri": uri})
	return nil
}
