package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/stocksync/api/internal/domain"
)

const eventInventorySet = "inventory.set"

var (
	// ErrInventoryInvalidInput signals the caller provided invalid arguments.
	ErrInventoryInvalidInput = errors.New("inventory: invalid input")
	// ErrInventoryUnavailable indicates the tenant's accounts could not be loaded.
	ErrInventoryUnavailable = errors.New("inventory: accounts unavailable")
)

// InventorySetReport lists the outcome of a manual stock change on every linked account.
type InventorySetReport struct {
	RunID      string                    `json:"runId"`
	TenantID   string                    `json:"tenantId"`
	SKU        string                    `json:"sku"`
	Quantity   int                       `json:"quantity"`
	Results    []domain.AdjustmentResult `json:"results"`
	StartedAt  time.Time                 `json:"startedAt"`
	FinishedAt time.Time                 `json:"finishedAt"`
}

// InventoryServiceDeps bundles the collaborators required to construct an inventory service.
type InventoryServiceDeps struct {
	Registry    AccountLoader
	Engine      *AdjustmentEngine
	Reports     ReportSink
	Clock       func() time.Time
	IDGenerator func() string
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type inventoryService struct {
	registry AccountLoader
	engine   *AdjustmentEngine
	reports  ReportSink
	clock    func() time.Time
	newID    func() string
	logger   func(context.Context, string, map[string]any)
}

// NewInventoryService wires dependencies into a concrete InventoryService implementation.
func NewInventoryService(deps InventoryServiceDeps) (InventoryService, error) {
	if deps.Registry == nil {
		return nil, errors.New("inventory service: account registry is required")
	}
	if deps.Engine == nil {
		return nil, errors.New("inventory service: adjustment engine is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &inventoryService{
		registry: deps.Registry,
		engine:   deps.Engine,
		reports:  deps.Reports,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		logger: logger,
	}, nil
}

// SetQuantity overwrites the stock of sku on every marketplace listing and storefront variant the
// tenant has linked. Per-listing failures are reported, not returned.
func (s *inventoryService) SetQuantity(ctx context.Context, cmd SetQuantityCommand) (InventorySetReport, error) {
	tenantID := strings.TrimSpace(cmd.TenantID)
	sku := strings.TrimSpace(cmd.SKU)
	switch {
	case tenantID == "":
		return InventorySetReport{}, fmt.Errorf("%w: tenant id is required", ErrInventoryInvalidInput)
	case sku == "":
		return InventorySetReport{}, fmt.Errorf("%w: sku is required", ErrInventoryInvalidInput)
	case cmd.Quantity < 0:
		return InventorySetReport{}, fmt.Errorf("%w: quantity must be zero or greater", ErrInventoryInvalidInput)
	}

	report := InventorySetReport{
		RunID:     s.newID(),
		TenantID:  tenantID,
		SKU:       sku,
		Quantity:  cmd.Quantity,
		StartedAt: s.clock(),
	}

	set, err := s.registry.Load(ctx, tenantID)
	if err != nil {
		return InventorySetReport{}, fmt.Errorf("%w: %w", ErrInventoryUnavailable, err)
	}

	adj := domain.Adjustment{Mode: domain.AdjustmentAbsolute, Value: cmd.Quantity}
	var tasks []adjustTask
	for _, bound := range set.Marketplace {
		bound := bound
		tasks = append(tasks, func(ctx context.Context) []domain.AdjustmentResult {
			return s.engine.AdjustMarketplace(ctx, bound, sku, adj, "")
		})
	}
	if set.Storefront != nil {
		storefront := *set.Storefront
		tasks = append(tasks, func(ctx context.Context) []domain.AdjustmentResult {
			return s.engine.AdjustStorefront(ctx, storefront, sku, adj, StorefrontAdjustOptions{})
		})
	}

	report.Results = fanOut(ctx, s.engine.limit, len(tasks), func(ctx context.Context, i int) []domain.AdjustmentResult {
		return tasks[i](ctx)
	})
	for _, unavailable := range set.Unavailable {
		report.Results = append(report.Results, domain.AdjustmentResult{
			AccountID: unavailable.Account.ID,
			Channel:   unavailable.Account.Channel,
			SKU:       sku,
			Outcome:   domain.OutcomeFailed,
			Reason:    "account unavailable: " + unavailable.Reason,
		})
	}
	if report.Results == nil {
		report.Results = []domain.AdjustmentResult{}
	}
	report.FinishedAt = s.clock()

	s.logger(ctx, eventInventorySet, map[string]any{
		"runId":    report.RunID,
		"tenantId": tenantID,
		"sku":      sku,
		"quantity": cmd.Quantity,
		"results":  len(report.Results),
	})
	if s.reports != nil {
		if err := s.reports.ArchiveInventorySet(ctx, report); err != nil {
			s.logger(ctx, "inventory.archive_failed", map[string]any{
				"runId": report.RunID,
				"error": err.Error(),
			})
		}
	}
	return report, nil
}
