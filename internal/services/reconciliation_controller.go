package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/stocksync/api/internal/channels"
	domain "github.com/stocksync/api/internal/domain"
	"github.com/stocksync/api/internal/notify"
	"github.com/stocksync/api/internal/repositories"
)

// ReconciliationState is a step of the order reconciliation state machine.
type ReconciliationState string

const (
	StateReceived    ReconciliationState = "RECEIVED"
	StateValidated   ReconciliationState = "VALIDATED"
	StateIgnored     ReconciliationState = "IGNORED"
	StateStale       ReconciliationState = "STALE"
	StateDuplicate   ReconciliationState = "DUPLICATE"
	StateNotEligible ReconciliationState = "NOT_ELIGIBLE"
	StateEligible    ReconciliationState = "ELIGIBLE"
	StateProcessing  ReconciliationState = "PROCESSING"
	StateRecorded    ReconciliationState = "RECORDED"
	StateNotified    ReconciliationState = "NOTIFIED"
	StateError       ReconciliationState = "ERROR"
)

const (
	outcomeFulfillmentOrder = "fulfillment order"
	defaultClaimLease       = 5 * time.Minute
	defaultRecordTTL        = 15 * 24 * time.Hour
	recordAttempts          = 4
	defaultRecordDelay      = 250 * time.Millisecond
)

var (
	// ErrReconciliationRetryable marks failures the transport should redeliver.
	ErrReconciliationRetryable = errors.New("reconciliation: retryable failure")
	// ErrReconciliationInvalid marks events that can never be processed.
	ErrReconciliationInvalid = errors.New("reconciliation: invalid event")
	// ErrAccountNotLinked marks events for accounts that are unknown or inactive.
	ErrAccountNotLinked = errors.New("reconciliation: account not linked")
)

// ReconciliationReport describes what happened to one order event.
type ReconciliationReport struct {
	RunID      string                    `json:"runId"`
	Channel    domain.Channel            `json:"channel"`
	TenantID   string                    `json:"tenantId,omitempty"`
	AccountID  string                    `json:"accountId,omitempty"`
	OrderID    string                    `json:"orderId,omitempty"`
	State      ReconciliationState       `json:"state"`
	Trail      []ReconciliationState     `json:"trail"`
	Message    string                    `json:"message,omitempty"`
	Results    []domain.AdjustmentResult `json:"results,omitempty"`
	Error      string                    `json:"error,omitempty"`
	StartedAt  time.Time                 `json:"startedAt"`
	FinishedAt time.Time                 `json:"finishedAt"`
}

func (r *ReconciliationReport) transition(state ReconciliationState) {
	r.State = state
	r.Trail = append(r.Trail, state)
}

// Counts tallies results by outcome.
func (r ReconciliationReport) Counts() (updated, skipped, failed int) {
	for _, result := range r.Results {
		switch result.Outcome {
		case domain.OutcomeUpdated:
			updated++
		case domain.OutcomeSkipped:
			skipped++
		case domain.OutcomeFailed:
			failed++
		}
	}
	return updated, skipped, failed
}

// AccountLoader binds a tenant's accounts for one unit of work.
type AccountLoader interface {
	Load(ctx context.Context, tenantID string) (*AccountSet, error)
}

// ReconciliationControllerDeps bundles the collaborators of the controller.
type ReconciliationControllerDeps struct {
	Accounts        repositories.AccountRepository
	ProcessedOrders repositories.ProcessedOrderRepository
	Tenants         repositories.TenantRepository
	Registry        AccountLoader
	Engine          *AdjustmentEngine
	Notifier        notify.Sink
	Reports         ReportSink
	ClaimLease      time.Duration
	RecordTTL       time.Duration
	Clock           func() time.Time
	IDGenerator     func() string
	Meter           metric.Meter
	Logger          func(ctx context.Context, event string, fields map[string]any)
}

type reconciliationController struct {
	accounts  repositories.AccountRepository
	processed repositories.ProcessedOrderRepository
	tenants   repositories.TenantRepository
	registry  AccountLoader
	engine    *AdjustmentEngine
	notifier  notify.Sink
	reports   ReportSink
	lease     time.Duration
	ttl       time.Duration
	now       func() time.Time
	newID     func() string
	logger    func(context.Context, string, map[string]any)
	// recordDelay is the first backoff between Record attempts; it doubles per retry.
	recordDelay time.Duration

	runs        metric.Int64Counter
	runsEnabled bool
}

var _ ReconciliationService = (*reconciliationController)(nil)

// NewReconciliationController wires the order reconciliation state machine.
func NewReconciliationController(deps ReconciliationControllerDeps) (ReconciliationService, error) {
	if deps.Accounts == nil {
		return nil, errors.New("reconciliation: account repository is required")
	}
	if deps.ProcessedOrders == nil {
		return nil, errors.New("reconciliation: processed order repository is required")
	}
	if deps.Tenants == nil {
		return nil, errors.New("reconciliation: tenant repository is required")
	}
	if deps.Registry == nil {
		return nil, errors.New("reconciliation: account registry is required")
	}
	if deps.Engine == nil {
		return nil, errors.New("reconciliation: adjustment engine is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string { return ulid.Make().String() }
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	lease := deps.ClaimLease
	if lease <= 0 {
		lease = defaultClaimLease
	}
	ttl := deps.RecordTTL
	if ttl <= 0 {
		ttl = defaultRecordTTL
	}
	meter := deps.Meter
	if meter == nil {
		meter = otel.GetMeterProvider().Meter(metricNamespace)
	}
	runs, err := meter.Int64Counter(
		"stocksync.reconciliations",
		metric.WithDescription("Order reconciliation runs by channel and final state"),
	)
	if err != nil {
		logger(context.Background(), "reconciliation.metrics_disabled", map[string]any{
			"instrument": "stocksync.reconciliations",
			"error":      err.Error(),
		})
	}

	return &reconciliationController{
		accounts:    deps.Accounts,
		processed:   deps.ProcessedOrders,
		tenants:     deps.Tenants,
		registry:    deps.Registry,
		engine:      deps.Engine,
		notifier:    deps.Notifier,
		reports:     deps.Reports,
		lease:       lease,
		ttl:         ttl,
		now:         func() time.Time { return clock().UTC() },
		newID:       idGen,
		logger:      logger,
		recordDelay: defaultRecordDelay,
		runs:        runs,
		runsEnabled: err == nil,
	}, nil
}

func (c *reconciliationController) HandleMarketplaceNotification(ctx context.Context, notification MarketplaceNotification) (ReconciliationReport, error) {
	report := c.newReport(domain.ChannelMarketplace)

	if !notification.IsOrderEvent() {
		report.Message = "topic " + notification.Topic
		return c.finish(ctx, &report, StateIgnored), nil
	}
	orderID := strings.TrimPrefix(strings.TrimSpace(notification.Resource), "/orders/")
	report.OrderID = orderID
	if orderID == "" || strings.Contains(orderID, "/") || notification.UserID == 0 {
		return c.fail(ctx, &report, fmt.Errorf("%w: resource %q for user %d", ErrReconciliationInvalid, notification.Resource, notification.UserID))
	}

	sellerID := strconv.FormatInt(notification.UserID, 10)
	account, found, err := c.accounts.FindByExternalID(ctx, domain.ChannelMarketplace, sellerID)
	if err != nil {
		return c.fail(ctx, &report, retryable("lookup account", err))
	}
	if !found || !account.Active() {
		return c.fail(ctx, &report, fmt.Errorf("%w: marketplace seller %s", ErrAccountNotLinked, sellerID))
	}
	report.TenantID = account.TenantID
	report.AccountID = account.ID
	report.transition(StateValidated)

	set, err := c.registry.Load(ctx, account.TenantID)
	if err != nil {
		return c.fail(ctx, &report, retryable("load accounts", err))
	}
	origin, ok := set.MarketplaceByExternalID(sellerID)
	if !ok {
		return c.fail(ctx, &report, fmt.Errorf("%w: client for seller %s unavailable", ErrAccountNotLinked, sellerID))
	}

	order, err := origin.Client.GetOrder(ctx, orderID)
	if err != nil {
		if channels.IsNotFound(err) {
			return c.fail(ctx, &report, fmt.Errorf("%w: order %s not found: %v", ErrReconciliationInvalid, orderID, err))
		}
		return c.fail(ctx, &report, retryable("fetch order", err))
	}
	if order.SellerExternalID == "" {
		order.SellerExternalID = sellerID
	}

	if stale, err := c.stale(ctx, account.TenantID, order.CreatedAt); err != nil {
		return c.fail(ctx, &report, err)
	} else if stale {
		report.Message = "order predates last integration"
		return c.finish(ctx, &report, StateStale), nil
	}
	if !order.PaidAndUndelivered() {
		report.Message = fmt.Sprintf("status %s tags %v", order.Status, order.Tags)
		return c.finish(ctx, &report, StateNotEligible), nil
	}

	claimed, done, err := c.claim(ctx, &report, account, orderID, order.CreatedAt)
	if done || err != nil {
		return report, err
	}

	if order.ShipmentID != "" {
		shipment, err := origin.Client.GetShipment(ctx, order.ShipmentID)
		if err != nil {
			c.logger(ctx, "reconciliation.shipment_lookup_failed", map[string]any{
				"runId":      report.RunID,
				"orderId":    orderID,
				"shipmentId": order.ShipmentID,
				"error":      err.Error(),
			})
		} else if shipment.FulfillmentManaged() {
			report.Message = outcomeFulfillmentOrder
			claimed.Outcome = outcomeFulfillmentOrder
			if err := c.record(ctx, claimed); err != nil {
				c.release(ctx, &report, claimed)
				return c.fail(ctx, &report, retryable("record fulfillment order", err))
			}
			return c.finish(ctx, &report, StateRecorded), nil
		}
	}

	return c.process(ctx, &report, set, claimed, marketplaceOrderTasks(c.engine, set, order))
}

func (c *reconciliationController) HandleStorefrontOrder(ctx context.Context, webhookKey string, order StorefrontOrder) (ReconciliationReport, error) {
	report := c.newReport(domain.ChannelStorefront)

	webhookKey = strings.TrimSpace(webhookKey)
	if webhookKey == "" {
		return c.fail(ctx, &report, fmt.Errorf("%w: webhook key is required", ErrReconciliationInvalid))
	}
	if order.ID == 0 {
		return c.fail(ctx, &report, fmt.Errorf("%w: order id is required", ErrReconciliationInvalid))
	}
	orderID := strconv.FormatInt(order.ID, 10)
	report.OrderID = orderID

	account, found, err := c.accounts.FindByWebhookKey(ctx, webhookKey)
	if err != nil {
		return c.fail(ctx, &report, retryable("lookup account", err))
	}
	if !found || !account.Active() || account.Channel != domain.ChannelStorefront {
		return c.fail(ctx, &report, fmt.Errorf("%w: unknown webhook key", ErrAccountNotLinked))
	}
	report.TenantID = account.TenantID
	report.AccountID = account.ID
	report.transition(StateValidated)

	set, err := c.registry.Load(ctx, account.TenantID)
	if err != nil {
		return c.fail(ctx, &report, retryable("load accounts", err))
	}
	if set.Storefront == nil || set.Storefront.Account.ID != account.ID {
		return c.fail(ctx, &report, fmt.Errorf("%w: storefront client unavailable", ErrAccountNotLinked))
	}

	if !order.CreatedAt.IsZero() {
		if stale, err := c.stale(ctx, account.TenantID, order.CreatedAt); err != nil {
			return c.fail(ctx, &report, err)
		} else if stale {
			report.Message = "order predates last integration"
			return c.finish(ctx, &report, StateStale), nil
		}
	}

	claimed, done, err := c.claim(ctx, &report, account, orderID, order.CreatedAt)
	if done || err != nil {
		return report, err
	}
	return c.process(ctx, &report, set, claimed, storefrontOrderTasks(c.engine, set, order))
}

type adjustTask func(ctx context.Context) []domain.AdjustmentResult

func marketplaceOrderTasks(engine *AdjustmentEngine, set *AccountSet, order domain.Order) []adjustTask {
	var tasks []adjustTask
	for _, line := range order.LineItems {
		line := line
		if strings.TrimSpace(line.SKU) == "" || line.Quantity <= 0 {
			continue
		}
		adj := domain.Adjustment{Mode: domain.AdjustmentRelative, Value: line.Quantity}
		for _, bound := range set.Marketplace {
			bound := bound
			exclude := ""
			if bound.Account.ExternalAccountID == order.SellerExternalID {
				exclude = line.ListingID
			}
			tasks = append(tasks, func(ctx context.Context) []domain.AdjustmentResult {
				return engine.AdjustMarketplace(ctx, bound, line.SKU, adj, exclude)
			})
		}
		if set.Storefront != nil {
			storefront := *set.Storefront
			tasks = append(tasks, func(ctx context.Context) []domain.AdjustmentResult {
				return engine.AdjustStorefront(ctx, storefront, line.SKU, adj, StorefrontAdjustOptions{Bulk: true})
			})
		}
	}
	return tasks
}

func storefrontOrderTasks(engine *AdjustmentEngine, set *AccountSet, order domain.StorefrontOrder) []adjustTask {
	var tasks []adjustTask
	for _, line := range order.LineItems {
		line := line
		if strings.TrimSpace(line.SKU) == "" || line.Quantity <= 0 {
			continue
		}
		adj := domain.Adjustment{Mode: domain.AdjustmentRelative, Value: line.Quantity}
		for _, bound := range set.Marketplace {
			bound := bound
			tasks = append(tasks, func(ctx context.Context) []domain.AdjustmentResult {
				return engine.AdjustMarketplace(ctx, bound, line.SKU, adj, "")
			})
		}
		storefront := *set.Storefront
		opts := StorefrontAdjustOptions{}
		if line.VariantID != 0 {
			opts.ExcludeVariantID = strconv.FormatInt(line.VariantID, 10)
		}
		tasks = append(tasks, func(ctx context.Context) []domain.AdjustmentResult {
			return engine.AdjustStorefront(ctx, storefront, line.SKU, adj, opts)
		})
	}
	return tasks
}

// claim runs the duplicate fast path and the conditional claim. done is true when the report is final.
func (c *reconciliationController) claim(ctx context.Context, report *ReconciliationReport, account domain.ChannelAccount, orderID string, orderCreatedAt time.Time) (domain.ProcessedOrder, bool, error) {
	existing, found, err := c.processed.Find(ctx, account.ID, orderID)
	if err != nil {
		_, err = c.fail(ctx, report, retryable("find processed order", err))
		return domain.ProcessedOrder{}, true, err
	}
	if found && existing.Blocks(c.now()) {
		report.Message = "already processed by run " + existing.RunID
		c.finish(ctx, report, StateDuplicate)
		return domain.ProcessedOrder{}, true, nil
	}

	claimed, err := c.processed.Claim(ctx, repositories.ProcessedOrderClaim{
		AccountID:      account.ID,
		OrderID:        orderID,
		Channel:        account.Channel,
		RunID:          report.RunID,
		OrderCreatedAt: orderCreatedAt,
		ClaimedAt:      c.now(),
		Lease:          c.lease,
		TTL:            c.ttl,
	})
	if errors.Is(err, repositories.ErrAlreadyProcessed) {
		report.Message = "claimed by another run"
		c.finish(ctx, report, StateDuplicate)
		return domain.ProcessedOrder{}, true, nil
	}
	if err != nil {
		_, err = c.fail(ctx, report, retryable("claim order", err))
		return domain.ProcessedOrder{}, true, err
	}
	report.transition(StateEligible)
	return claimed, false, nil
}

func (c *reconciliationController) process(ctx context.Context, report *ReconciliationReport, set *AccountSet, claimed domain.ProcessedOrder, tasks []adjustTask) (ReconciliationReport, error) {
	if err := c.processed.MarkAttempted(ctx, claimed.AccountID, claimed.OrderID, claimed.RunID); err != nil {
		if errors.Is(err, repositories.ErrAlreadyProcessed) {
			report.Message = "claim taken over by another run"
			return c.finish(ctx, report, StateDuplicate), nil
		}
		c.release(ctx, report, claimed)
		return c.fail(ctx, report, retryable("mark order attempted", err))
	}
	claimed.State = domain.ProcessedOrderAttempted
	report.transition(StateProcessing)

	results := fanOut(ctx, c.engine.limit, len(tasks), func(ctx context.Context, i int) []domain.AdjustmentResult {
		return tasks[i](ctx)
	})
	for _, unavailable := range set.Unavailable {
		results = append(results, domain.AdjustmentResult{
			AccountID: unavailable.Account.ID,
			Channel:   unavailable.Account.Channel,
			Outcome:   domain.OutcomeFailed,
			Reason:    "account unavailable: " + unavailable.Reason,
		})
	}
	report.Results = results

	updated, skipped, failed := report.Counts()
	claimed.Outcome = fmt.Sprintf("updated=%d skipped=%d failed=%d", updated, skipped, failed)
	if err := c.record(ctx, claimed); err != nil {
		// Adjustments already reached the channels; redelivery would apply them twice.
		report.Error = err.Error()
		report.transition(StateError)
		c.logger(ctx, "reconciliation.record_failed", map[string]any{
			"runId":     report.RunID,
			"accountId": report.AccountID,
			"orderId":   report.OrderID,
			"error":     err.Error(),
		})
		c.notify(ctx, report)
		c.finalize(ctx, report)
		return *report, fmt.Errorf("reconciliation: record order %s: %w", report.OrderID, err)
	}
	report.transition(StateRecorded)

	if c.notify(ctx, report) {
		report.transition(StateNotified)
	}
	c.finalize(ctx, report)
	return *report, nil
}

func (c *reconciliationController) stale(ctx context.Context, tenantID string, orderCreatedAt time.Time) (bool, error) {
	profile, found, err := c.tenants.Get(ctx, tenantID)
	if err != nil {
		return false, retryable("load tenant", err)
	}
	if !found || profile.LastIntegrationAt.IsZero() {
		return false, nil
	}
	return orderCreatedAt.Before(profile.LastIntegrationAt), nil
}

// record writes the processed marker, retrying with exponential backoff.
func (c *reconciliationController) record(ctx context.Context, claimed domain.ProcessedOrder) error {
	delay := c.recordDelay
	var err error
	for attempt := 1; attempt <= recordAttempts; attempt++ {
		now := c.now()
		claimed.State = domain.ProcessedOrderProcessed
		claimed.ProcessedAt = now
		claimed.ExpiresAt = now.Add(c.ttl)
		if err = c.processed.Record(ctx, claimed); err == nil {
			return nil
		}
		if attempt == recordAttempts {
			break
		}
		c.logger(ctx, "reconciliation.record_retry", map[string]any{
			"runId":   claimed.RunID,
			"orderId": claimed.OrderID,
			"attempt": attempt,
			"error":   err.Error(),
		})
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Join(err, ctx.Err())
		case <-timer.C:
		}
		delay *= 2
	}
	return err
}

func (c *reconciliationController) release(ctx context.Context, report *ReconciliationReport, claimed domain.ProcessedOrder) {
	if err := c.processed.Release(ctx, claimed.AccountID, claimed.OrderID, claimed.RunID); err != nil {
		c.logger(ctx, "reconciliation.release_failed", map[string]any{
			"runId":   report.RunID,
			"orderId": report.OrderID,
			"error":   err.Error(),
		})
	}
}

func (c *reconciliationController) newReport(channel domain.Channel) ReconciliationReport {
	report := ReconciliationReport{RunID: c.newID(), Channel: channel, StartedAt: c.now()}
	report.transition(StateReceived)
	return report
}

func (c *reconciliationController) finish(ctx context.Context, report *ReconciliationReport, state ReconciliationState) ReconciliationReport {
	report.transition(state)
	c.finalize(ctx, report)
	return *report
}

func (c *reconciliationController) fail(ctx context.Context, report *ReconciliationReport, err error) (ReconciliationReport, error) {
	report.Error = err.Error()
	report.transition(StateError)
	c.logger(ctx, "reconciliation.failed", map[string]any{
		"runId":     report.RunID,
		"channel":   string(report.Channel),
		"accountId": report.AccountID,
		"orderId":   report.OrderID,
		"retryable": errors.Is(err, ErrReconciliationRetryable),
		"error":     err.Error(),
	})
	if report.AccountID != "" {
		c.notify(ctx, report)
	}
	c.finalize(ctx, report)
	return *report, err
}

// finalize stamps the report, counts the run and archives it when a sink is configured.
func (c *reconciliationController) finalize(ctx context.Context, report *ReconciliationReport) {
	report.FinishedAt = c.now()
	if c.runsEnabled {
		c.runs.Add(ctx, 1, metric.WithAttributes(
			attribute.String("channel", string(report.Channel)),
			attribute.String("state", string(report.State)),
		))
	}
	c.logger(ctx, "reconciliation.finished", map[string]any{
		"runId":     report.RunID,
		"channel":   string(report.Channel),
		"accountId": report.AccountID,
		"orderId":   report.OrderID,
		"state":     string(report.State),
		"results":   len(report.Results),
	})
	if c.reports == nil || report.AccountID == "" || report.OrderID == "" {
		return
	}
	switch report.State {
	case StateIgnored, StateDuplicate:
		return
	}
	if err := c.reports.ArchiveReconciliation(ctx, *report); err != nil {
		c.logger(ctx, "reconciliation.archive_failed", map[string]any{
			"runId": report.RunID,
			"error": err.Error(),
		})
	}
}

func (c *reconciliationController) notify(ctx context.Context, report *ReconciliationReport) bool {
	if c.notifier == nil {
		return false
	}
	if err := c.notifier.Send(ctx, summaryText(*report)); err != nil {
		c.logger(ctx, "reconciliation.notify_failed", map[string]any{
			"runId": report.RunID,
			"error": err.Error(),
		})
		return false
	}
	return true
}

func summaryText(report ReconciliationReport) string {
	var b strings.Builder
	if report.State == StateError {
		fmt.Fprintf(&b, "Order %s (%s, account %s) failed: %s\n", report.OrderID, report.Channel, report.AccountID, report.Error)
	} else {
		updated, skipped, failed := report.Counts()
		fmt.Fprintf(&b, "Order %s (%s, account %s): %d updated, %d skipped, %d failed\n",
			report.OrderID, report.Channel, report.AccountID, updated, skipped, failed)
	}
	if len(report.Results) > 0 {
		b.WriteString(notify.CodeBlock(report.Results))
	}
	return b.String()
}

func retryable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrReconciliationRetryable, op, err)
}
