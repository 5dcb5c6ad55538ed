package services

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	domain "github.com/stocksync/api/internal/domain"
	"github.com/stocksync/api/internal/platform/storage"
)

func TestStorageReportSinkWritesReconciliationReport(t *testing.T) {
	var object string
	var body []byte
	archive, err := storage.NewArchiveWithWriter("reports-bucket", func(_ context.Context, bucket, name string, data []byte, contentType string) error {
		object = bucket + "/" + name
		body = data
		return nil
	})
	if err != nil {
		t.Fatalf("NewArchiveWithWriter: %v", err)
	}
	sink, err := NewStorageReportSink(archive, nil)
	if err != nil {
		t.Fatalf("NewStorageReportSink: %v", err)
	}

	report := ReconciliationReport{
		RunID:     "run-1",
		Channel:   domain.ChannelMarketplace,
		AccountID: "marketplace:42",
		OrderID:   "2000",
		State:     StateNotified,
	}
	if err := sink.ArchiveReconciliation(context.Background(), report); err != nil {
		t.Fatalf("ArchiveReconciliation: %v", err)
	}
	if object != "reports-bucket/reports/orders/marketplace/marketplace:42/2000/run-1.json" {
		t.Fatalf("unexpected object %q", object)
	}
	var decoded ReconciliationReport
	if err := json.Unmarshal(body, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.State != StateNotified {
		t.Fatalf("unexpected decoded report %+v", decoded)
	}
}

func TestStorageReportSinkWritesInventorySet(t *testing.T) {
	var object string
	archive, err := storage.NewArchiveWithWriter("b", func(_ context.Context, _ string, name string, _ []byte, _ string) error {
		object = name
		return nil
	})
	if err != nil {
		t.Fatalf("NewArchiveWithWriter: %v", err)
	}
	sink, _ := NewStorageReportSink(archive, nil)

	err = sink.ArchiveInventorySet(context.Background(), InventorySetReport{
		RunID:     "run-2",
		TenantID:  "tenant-1",
		StartedAt: time.Date(2024, 2, 3, 23, 30, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("ArchiveInventorySet: %v", err)
	}
	if object != "reports/inventory-sets/tenant-1/2024-02-03/run-2.json" {
		t.Fatalf("unexpected object %q", object)
	}
}
