package services

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	domain "github.com/stocksync/api/internal/domain"
	"github.com/stocksync/api/internal/repositories"
)

type memoryAccountRepository struct {
	mu       sync.Mutex
	accounts map[string]domain.ChannelAccount
	findErr  error
}

func newMemoryAccountRepository(accounts ...domain.ChannelAccount) *memoryAccountRepository {
	repo := &memoryAccountRepository{accounts: map[string]domain.ChannelAccount{}}
	for _, account := range accounts {
		repo.accounts[account.ID] = account
	}
	return repo
}

func (r *memoryAccountRepository) ListByTenant(_ context.Context, tenantID string, includeInactive bool) ([]domain.ChannelAccount, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.ChannelAccount
	for _, account := range r.accounts {
		if account.TenantID != tenantID {
			continue
		}
		if !includeInactive && !account.Active() {
			continue
		}
		out = append(out, account)
	}
	return out, nil
}

func (r *memoryAccountRepository) Get(_ context.Context, accountID string) (domain.ChannelAccount, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	account, ok := r.accounts[accountID]
	if !ok {
		return domain.ChannelAccount{}, repositories.NewAccountError("get", repositories.AccountErrorNotFound, "account not found", nil)
	}
	return account, nil
}

func (r *memoryAccountRepository) FindByExternalID(_ context.Context, channel domain.Channel, externalID string) (domain.ChannelAccount, bool, error) {
	if r.findErr != nil {
		return domain.ChannelAccount{}, false, r.findErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	account, ok := r.accounts[domain.AccountDocumentID(channel, externalID)]
	return account, ok, nil
}

func (r *memoryAccountRepository) FindByWebhookKey(_ context.Context, webhookKey string) (domain.ChannelAccount, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, account := range r.accounts {
		if account.WebhookKey != "" && account.WebhookKey == webhookKey {
			return account, true, nil
		}
	}
	return domain.ChannelAccount{}, false, nil
}

func (r *memoryAccountRepository) Create(_ context.Context, account domain.ChannelAccount) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.accounts[account.ID]; ok {
		return repositories.NewAccountError("create", repositories.AccountErrorConflict, "account exists", nil)
	}
	r.accounts[account.ID] = account
	return nil
}

func (r *memoryAccountRepository) Reactivate(_ context.Context, account domain.ChannelAccount) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	account.Status = domain.AccountStatusActive
	r.accounts[account.ID] = account
	return nil
}

func (r *memoryAccountRepository) UpdateCredentials(_ context.Context, accountID string, creds domain.Credentials, updatedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	account := r.accounts[accountID]
	account.Credentials = creds
	account.UpdatedAt = updatedAt
	r.accounts[accountID] = account
	return nil
}

func (r *memoryAccountRepository) Deactivate(_ context.Context, accountID string, updatedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	account, ok := r.accounts[accountID]
	if !ok {
		return repositories.NewAccountError("deactivate", repositories.AccountErrorNotFound, "account not found", nil)
	}
	account.Status = domain.AccountStatusInactive
	account.UpdatedAt = updatedAt
	r.accounts[accountID] = account
	return nil
}

type memoryProcessedOrders struct {
	mu        sync.Mutex
	records   map[string]domain.ProcessedOrder
	recordErr error
	// recordFailures fails that many Record calls before recordErr applies.
	recordFailures int
	recordCalls    int
	claims         int
	releases       int
}

func newMemoryProcessedOrders() *memoryProcessedOrders {
	return &memoryProcessedOrders{records: map[string]domain.ProcessedOrder{}}
}

func (m *memoryProcessedOrders) Find(_ context.Context, accountID, orderID string) (domain.ProcessedOrder, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.records[accountID+":"+orderID]
	return record, ok, nil
}

func (m *memoryProcessedOrders) Claim(_ context.Context, claim repositories.ProcessedOrderClaim) (domain.ProcessedOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.claims++
	key := claim.AccountID + ":" + claim.OrderID
	if existing, ok := m.records[key]; ok && existing.Blocks(claim.ClaimedAt) {
		return domain.ProcessedOrder{}, repositories.ErrAlreadyProcessed
	}
	record := domain.ProcessedOrder{
		AccountID:      claim.AccountID,
		OrderID:        claim.OrderID,
		Channel:        claim.Channel,
		State:          domain.ProcessedOrderPending,
		RunID:          claim.RunID,
		OrderCreatedAt: claim.OrderCreatedAt,
		ClaimedAt:      claim.ClaimedAt,
		LeaseExpiresAt: claim.ClaimedAt.Add(claim.Lease),
	}
	m.records[key] = record
	return record, nil
}

func (m *memoryProcessedOrders) MarkAttempted(_ context.Context, accountID, orderID, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := accountID + ":" + orderID
	record, ok := m.records[key]
	if !ok || record.State != domain.ProcessedOrderPending || record.RunID != runID {
		return repositories.ErrAlreadyProcessed
	}
	record.State = domain.ProcessedOrderAttempted
	m.records[key] = record
	return nil
}

func (m *memoryProcessedOrders) Record(_ context.Context, record domain.ProcessedOrder) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recordCalls++
	if m.recordFailures > 0 {
		m.recordFailures--
		return errors.New("record unavailable")
	}
	if m.recordErr != nil {
		return m.recordErr
	}
	record.State = domain.ProcessedOrderProcessed
	m.records[record.AccountID+":"+record.OrderID] = record
	return nil
}

func (m *memoryProcessedOrders) Release(_ context.Context, accountID, orderID, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releases++
	key := accountID + ":" + orderID
	if record, ok := m.records[key]; ok && record.State == domain.ProcessedOrderPending && record.RunID == runID {
		delete(m.records, key)
	}
	return nil
}

type memoryTenants struct {
	mu       sync.Mutex
	profiles map[string]domain.TenantProfile
}

func (m *memoryTenants) Get(_ context.Context, tenantID string) (domain.TenantProfile, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	profile, ok := m.profiles[tenantID]
	return profile, ok, nil
}

func (m *memoryTenants) Ensure(_ context.Context, tenantID string, now time.Time) (domain.TenantProfile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.profiles == nil {
		m.profiles = map[string]domain.TenantProfile{}
	}
	profile, ok := m.profiles[tenantID]
	if !ok {
		profile = domain.TenantProfile{ID: tenantID, LastIntegrationAt: now, CreatedAt: now, UpdatedAt: now}
		m.profiles[tenantID] = profile
	}
	return profile, nil
}

func (m *memoryTenants) UpdateLastIntegration(_ context.Context, tenantID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.profiles == nil {
		m.profiles = map[string]domain.TenantProfile{}
	}
	profile := m.profiles[tenantID]
	profile.ID = tenantID
	profile.LastIntegrationAt = at
	m.profiles[tenantID] = profile
	return nil
}

type stubLoader struct {
	set *AccountSet
	err error
}

func (s *stubLoader) Load(context.Context, string) (*AccountSet, error) {
	return s.set, s.err
}

type recordingSink struct {
	mu       sync.Mutex
	messages []string
}

func (s *recordingSink) Send(_ context.Context, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, text)
	return nil
}

type recordingReports struct {
	mu             sync.Mutex
	reconciliation []ReconciliationReport
	inventory      []InventorySetReport
}

func (r *recordingReports) ArchiveReconciliation(_ context.Context, report ReconciliationReport) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reconciliation = append(r.reconciliation, report)
	return nil
}

func (r *recordingReports) ArchiveInventorySet(_ context.Context, report InventorySetReport) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inventory = append(r.inventory, report)
	return nil
}

type controllerFixture struct {
	clockMu    sync.Mutex
	now        time.Time
	accounts   *memoryAccountRepository
	processed  *memoryProcessedOrders
	tenants    *memoryTenants
	origin     *stubMarketplace
	other      *stubMarketplace
	storefront *stubStorefront
	sink       *recordingSink
	reports    *recordingReports
	controller ReconciliationService
}

var fixtureNow = time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

func paidOrder() domain.Order {
	return domain.Order{
		ID:               "2000",
		SellerExternalID: "42",
		Status:           "paid",
		Tags:             []string{"paid", "not_delivered"},
		CreatedAt:        fixtureNow.Add(-time.Hour),
		LineItems:        []domain.OrderLineItem{{SKU: "X", Quantity: 2, ListingID: "L1"}},
	}
}

func (f *controllerFixture) clock() time.Time {
	f.clockMu.Lock()
	defer f.clockMu.Unlock()
	return f.now
}

func (f *controllerFixture) advance(d time.Duration) {
	f.clockMu.Lock()
	defer f.clockMu.Unlock()
	f.now = f.now.Add(d)
}

func newControllerFixture(t *testing.T) *controllerFixture {
	t.Helper()
	originAccount := marketplaceAccount("marketplace:42", "42")
	otherAccount := marketplaceAccount("marketplace:77", "77")
	storefrontAccount := domain.ChannelAccount{
		ID:         "storefront:shop",
		TenantID:   "tenant-1",
		Channel:    domain.ChannelStorefront,
		WebhookKey: "hook-1",
		Status:     domain.AccountStatusActive,
	}

	f := &controllerFixture{
		now:       fixtureNow,
		accounts:  newMemoryAccountRepository(originAccount, otherAccount, storefrontAccount),
		processed: newMemoryProcessedOrders(),
		tenants: &memoryTenants{profiles: map[string]domain.TenantProfile{
			"tenant-1": {ID: "tenant-1", LastIntegrationAt: fixtureNow.Add(-24 * time.Hour)},
		}},
		origin: &stubMarketplace{
			orderFn: func(context.Context, string) (domain.Order, error) { return paidOrder(), nil },
			searchFn: func(context.Context, string, domain.ListingFilter) ([]string, error) {
				return []string{"L1", "L2"}, nil
			},
			getFn: func(_ context.Context, id string) (domain.Listing, error) { return simpleListing(id, 10), nil },
		},
		other: &stubMarketplace{
			searchFn: func(context.Context, string, domain.ListingFilter) ([]string, error) {
				return []string{"M1"}, nil
			},
			getFn: func(_ context.Context, id string) (domain.Listing, error) { return simpleListing(id, 4), nil },
		},
		storefront: &stubStorefront{variants: []domain.StorefrontVariant{
			{ID: "v1", LegacyID: "1", SKU: "X", InventoryQuantity: 5, InventoryItemID: "i1", InventoryLevelID: "lvl-1"},
			{ID: "v2", LegacyID: "2", SKU: "X", InventoryQuantity: 3, InventoryItemID: "i2", InventoryLevelID: "lvl-2"},
		}},
		sink:    &recordingSink{},
		reports: &recordingReports{},
	}

	loader := &stubLoader{set: &AccountSet{
		TenantID: "tenant-1",
		Marketplace: []BoundMarketplace{
			{Account: originAccount, Client: f.origin},
			{Account: otherAccount, Client: f.other},
		},
		Storefront: &BoundStorefront{Account: storefrontAccount, Client: f.storefront},
	}}

	var runs atomic.Int32
	controller, err := NewReconciliationController(ReconciliationControllerDeps{
		Accounts:        f.accounts,
		ProcessedOrders: f.processed,
		Tenants:         f.tenants,
		Registry:        loader,
		Engine:          newTestEngine(t),
		Notifier:        f.sink,
		Reports:         f.reports,
		Clock:           f.clock,
		IDGenerator: func() string {
			return "run-" + strconv.Itoa(int(runs.Add(1)))
		},
	})
	if err != nil {
		t.Fatalf("NewReconciliationController: %v", err)
	}
	controller.(*reconciliationController).recordDelay = time.Millisecond
	f.controller = controller
	return f
}

func orderNotification() domain.MarketplaceNotification {
	return domain.MarketplaceNotification{Resource: "/orders/2000", UserID: 42, Topic: domain.MarketplaceTopicOrders}
}

func TestReconcileMarketplaceOrderAdjustsEveryChannel(t *testing.T) {
	f := newControllerFixture(t)

	report, err := f.controller.HandleMarketplaceNotification(context.Background(), orderNotification())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.State != StateNotified {
		t.Fatalf("expected NOTIFIED, got %s (trail %v)", report.State, report.Trail)
	}
	wantTrail := []ReconciliationState{StateReceived, StateValidated, StateEligible, StateProcessing, StateRecorded, StateNotified}
	if len(report.Trail) != len(wantTrail) {
		t.Fatalf("unexpected trail %v", report.Trail)
	}
	for i := range wantTrail {
		if report.Trail[i] != wantTrail[i] {
			t.Fatalf("unexpected trail %v", report.Trail)
		}
	}

	if _, ok := f.origin.updates["L1"]; ok {
		t.Fatalf("ordered listing must not be adjusted on the originating account")
	}
	if patch := f.origin.updates["L2"]; patch.Quantity == nil || *patch.Quantity != 8 {
		t.Fatalf("expected L2 decremented to 8, got %+v", patch)
	}
	if patch := f.other.updates["M1"]; patch.Quantity == nil || *patch.Quantity != 2 {
		t.Fatalf("expected M1 decremented to 2, got %+v", patch)
	}
	if len(f.storefront.bulk) != 1 || len(f.storefront.bulk[0]) != 2 {
		t.Fatalf("expected one bulk storefront call for both variants, got %+v", f.storefront.bulk)
	}

	record, found, _ := f.processed.Find(context.Background(), "marketplace:42", "2000")
	if !found || record.State != domain.ProcessedOrderProcessed {
		t.Fatalf("expected processed record, got %+v", record)
	}
	if len(f.sink.messages) != 1 || !strings.Contains(f.sink.messages[0], "Order 2000") {
		t.Fatalf("expected one summary, got %v", f.sink.messages)
	}
	if len(f.reports.reconciliation) != 1 {
		t.Fatalf("expected archived report")
	}
}

func TestReconcileMarketplaceOrderIsIdempotent(t *testing.T) {
	f := newControllerFixture(t)

	if _, err := f.controller.HandleMarketplaceNotification(context.Background(), orderNotification()); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	f.origin.updates = nil
	f.other.updates = nil

	report, err := f.controller.HandleMarketplaceNotification(context.Background(), orderNotification())
	if err != nil {
		t.Fatalf("second delivery: %v", err)
	}
	if report.State != StateDuplicate {
		t.Fatalf("expected DUPLICATE, got %s", report.State)
	}
	if f.origin.updateCount() != 0 || f.other.updateCount() != 0 {
		t.Fatalf("redelivery must not write")
	}
	if len(f.storefront.bulk) != 1 {
		t.Fatalf("storefront must be adjusted once, got %d", len(f.storefront.bulk))
	}
}

func TestReconcileMarketplaceConcurrentDeliveriesAdjustOnce(t *testing.T) {
	f := newControllerFixture(t)

	var wg sync.WaitGroup
	states := make([]ReconciliationState, 5)
	for i := range states {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			report, _ := f.controller.HandleMarketplaceNotification(context.Background(), orderNotification())
			states[i] = report.State
		}(i)
	}
	wg.Wait()

	processed := 0
	for _, state := range states {
		if state == StateNotified {
			processed++
		}
	}
	if processed != 1 {
		t.Fatalf("expected exactly one processing run, got states %v", states)
	}
	if len(f.storefront.bulk) != 1 {
		t.Fatalf("expected a single storefront bulk call, got %d", len(f.storefront.bulk))
	}
}

func TestReconcileMarketplaceStaleOrderWritesNothing(t *testing.T) {
	f := newControllerFixture(t)
	f.tenants.profiles["tenant-1"] = domain.TenantProfile{ID: "tenant-1", LastIntegrationAt: fixtureNow}

	report, err := f.controller.HandleMarketplaceNotification(context.Background(), orderNotification())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.State != StateStale {
		t.Fatalf("expected STALE, got %s", report.State)
	}
	if f.processed.claims != 0 || len(f.processed.records) != 0 {
		t.Fatalf("stale orders must not be claimed")
	}
	if f.origin.updateCount() != 0 || len(f.storefront.bulk) != 0 {
		t.Fatalf("stale orders must not adjust stock")
	}
}

func TestReconcileMarketplaceOrderCreatedAtIntegrationIsNotStale(t *testing.T) {
	f := newControllerFixture(t)
	f.tenants.profiles["tenant-1"] = domain.TenantProfile{ID: "tenant-1", LastIntegrationAt: paidOrder().CreatedAt}

	report, _ := f.controller.HandleMarketplaceNotification(context.Background(), orderNotification())
	if report.State == StateStale {
		t.Fatalf("orders created exactly at integration time are processed")
	}
}

func TestReconcileMarketplaceIgnoresOtherTopics(t *testing.T) {
	f := newControllerFixture(t)

	report, err := f.controller.HandleMarketplaceNotification(context.Background(), domain.MarketplaceNotification{Topic: "questions", Resource: "/questions/1", UserID: 42})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.State != StateIgnored {
		t.Fatalf("expected IGNORED, got %s", report.State)
	}
	if len(f.sink.messages) != 0 {
		t.Fatalf("ignored events are silent")
	}
}

func TestReconcileMarketplaceNotEligible(t *testing.T) {
	f := newControllerFixture(t)
	f.origin.orderFn = func(context.Context, string) (domain.Order, error) {
		order := paidOrder()
		order.Tags = []string{"delivered"}
		return order, nil
	}

	report, err := f.controller.HandleMarketplaceNotification(context.Background(), orderNotification())
	if err != nil || report.State != StateNotEligible {
		t.Fatalf("expected NOT_ELIGIBLE, got %s %v", report.State, err)
	}
	if f.processed.claims != 0 {
		t.Fatalf("ineligible orders must not be claimed")
	}
}

func TestReconcileMarketplaceUnknownSellerIsPermanent(t *testing.T) {
	f := newControllerFixture(t)
	notification := orderNotification()
	notification.UserID = 999

	report, err := f.controller.HandleMarketplaceNotification(context.Background(), notification)
	if !errors.Is(err, ErrAccountNotLinked) {
		t.Fatalf("expected ErrAccountNotLinked, got %v", err)
	}
	if errors.Is(err, ErrReconciliationRetryable) {
		t.Fatalf("unknown sellers must not be retried")
	}
	if report.State != StateError {
		t.Fatalf("expected ERROR, got %s", report.State)
	}
}

func TestReconcileMarketplaceOrderFetchFailureIsRetryable(t *testing.T) {
	f := newControllerFixture(t)
	f.origin.orderFn = func(context.Context, string) (domain.Order, error) {
		return domain.Order{}, errors.New("connection reset")
	}

	report, err := f.controller.HandleMarketplaceNotification(context.Background(), orderNotification())
	if !errors.Is(err, ErrReconciliationRetryable) {
		t.Fatalf("expected retryable error, got %v", err)
	}
	if report.State != StateError || f.processed.claims != 0 {
		t.Fatalf("unexpected report %+v", report)
	}
}

func TestReconcileMarketplaceFulfillmentOrderRecordsWithoutAdjusting(t *testing.T) {
	f := newControllerFixture(t)
	f.origin.orderFn = func(context.Context, string) (domain.Order, error) {
		order := paidOrder()
		order.ShipmentID = "9001"
		return order, nil
	}
	f.origin.shipmentFn = func(_ context.Context, id string) (domain.Shipment, error) {
		return domain.Shipment{ID: id, LogisticType: "fulfillment"}, nil
	}

	report, err := f.controller.HandleMarketplaceNotification(context.Background(), orderNotification())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.State != StateRecorded || report.Message != outcomeFulfillmentOrder {
		t.Fatalf("unexpected report %+v", report)
	}
	record, found, _ := f.processed.Find(context.Background(), "marketplace:42", "2000")
	if !found || record.Outcome != outcomeFulfillmentOrder {
		t.Fatalf("expected fulfillment record, got %+v", record)
	}
	if f.origin.updateCount() != 0 || len(f.storefront.bulk) != 0 {
		t.Fatalf("fulfillment orders must not adjust stock")
	}
}

func TestReconcileMarketplaceFulfillmentRecordFailureReleasesClaim(t *testing.T) {
	f := newControllerFixture(t)
	f.processed.recordErr = errors.New("unavailable")
	f.origin.orderFn = func(context.Context, string) (domain.Order, error) {
		order := paidOrder()
		order.ShipmentID = "9001"
		return order, nil
	}
	f.origin.shipmentFn = func(_ context.Context, id string) (domain.Shipment, error) {
		return domain.Shipment{ID: id, LogisticType: "fulfillment"}, nil
	}

	report, err := f.controller.HandleMarketplaceNotification(context.Background(), orderNotification())
	if !errors.Is(err, ErrReconciliationRetryable) {
		t.Fatalf("expected retryable error, got %v", err)
	}
	if report.State != StateError || f.processed.releases != 1 {
		t.Fatalf("expected released claim, report %+v", report)
	}
	if _, found, _ := f.processed.Find(context.Background(), "marketplace:42", "2000"); found {
		t.Fatalf("claim must be released for redelivery")
	}
}

func TestReconcileMarketplaceRecordsPartialFailures(t *testing.T) {
	f := newControllerFixture(t)
	f.other.updateFn = func(context.Context, string, domain.ListingPatch) error {
		return errors.New("boom")
	}

	report, err := f.controller.HandleMarketplaceNotification(context.Background(), orderNotification())
	if err != nil {
		t.Fatalf("partial failures are not errors: %v", err)
	}
	_, _, failed := report.Counts()
	if failed != 1 {
		t.Fatalf("expected one failed result, got %+v", report.Results)
	}
	if _, found, _ := f.processed.Find(context.Background(), "marketplace:42", "2000"); !found {
		t.Fatalf("order must be recorded despite partial failure")
	}
}

func TestReconcileMarketplaceRecordFailureAfterAdjustingIsNotRetried(t *testing.T) {
	f := newControllerFixture(t)
	f.processed.recordErr = errors.New("unavailable")
	var otherWrites atomic.Int32
	f.other.updateFn = func(context.Context, string, domain.ListingPatch) error {
		otherWrites.Add(1)
		return nil
	}

	report, err := f.controller.HandleMarketplaceNotification(context.Background(), orderNotification())
	if err == nil || errors.Is(err, ErrReconciliationRetryable) {
		t.Fatalf("expected non-retryable error, got %v", err)
	}
	if report.State != StateError || f.processed.releases != 0 {
		t.Fatalf("claim must be kept after adjustments, report %+v", report)
	}
	if f.processed.recordCalls != recordAttempts {
		t.Fatalf("expected %d record attempts, got %d", recordAttempts, f.processed.recordCalls)
	}

	// A redelivery after the claim lease would have lapsed must still see the order as taken.
	f.processed.recordErr = nil
	f.advance(6 * time.Minute)
	report, err = f.controller.HandleMarketplaceNotification(context.Background(), orderNotification())
	if err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if report.State != StateDuplicate {
		t.Fatalf("expected DUPLICATE after lease expiry, got %s (trail %v)", report.State, report.Trail)
	}
	if otherWrites.Load() != 1 || len(f.storefront.bulk) != 1 {
		t.Fatalf("channels must be adjusted once, got marketplace=%d storefront=%d", otherWrites.Load(), len(f.storefront.bulk))
	}
}

func TestReconcileMarketplaceRecordRetriesTransientFailure(t *testing.T) {
	f := newControllerFixture(t)
	f.processed.recordFailures = 2

	report, err := f.controller.HandleMarketplaceNotification(context.Background(), orderNotification())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.State != StateNotified {
		t.Fatalf("expected NOTIFIED, got %s", report.State)
	}
	if f.processed.recordCalls != 3 {
		t.Fatalf("expected 3 record calls, got %d", f.processed.recordCalls)
	}
	record, _, _ := f.processed.Find(context.Background(), "marketplace:42", "2000")
	if record.State != domain.ProcessedOrderProcessed {
		t.Fatalf("expected processed record, got %s", record.State)
	}
}

func TestReconcileMarketplaceLeaseLapseDuringFanOutIsNotTakenOver(t *testing.T) {
	f := newControllerFixture(t)
	entered := make(chan struct{})
	resume := make(chan struct{})
	var otherWrites atomic.Int32
	f.other.updateFn = func(context.Context, string, domain.ListingPatch) error {
		if otherWrites.Add(1) == 1 {
			close(entered)
			<-resume
		}
		return nil
	}

	type outcome struct {
		report ReconciliationReport
		err    error
	}
	first := make(chan outcome, 1)
	go func() {
		report, err := f.controller.HandleMarketplaceNotification(context.Background(), orderNotification())
		first <- outcome{report, err}
	}()

	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("first run never reached the channels")
	}
	f.advance(10 * time.Minute)
	second, err := f.controller.HandleMarketplaceNotification(context.Background(), orderNotification())
	if err != nil {
		t.Fatalf("second delivery: %v", err)
	}
	if second.State != StateDuplicate {
		t.Fatalf("in-flight run must not be taken over, got %s (trail %v)", second.State, second.Trail)
	}
	close(resume)

	got := <-first
	if got.err != nil || got.report.State != StateNotified {
		t.Fatalf("first run: state %s err %v", got.report.State, got.err)
	}
	if otherWrites.Load() != 1 || len(f.storefront.bulk) != 1 {
		t.Fatalf("channels must be adjusted once, got marketplace=%d storefront=%d", otherWrites.Load(), len(f.storefront.bulk))
	}
}

func TestReconcileMarketplaceClaimLostBeforeFanOutWritesNothing(t *testing.T) {
	f := newControllerFixture(t)
	var nested atomic.Bool
	var takeover ReconciliationReport
	f.origin.orderFn = func(context.Context, string) (domain.Order, error) {
		order := paidOrder()
		order.ShipmentID = "9001"
		return order, nil
	}
	// The first run stalls on the shipment lookup past its lease while a redelivery takes the
	// claim over and completes.
	f.origin.shipmentFn = func(ctx context.Context, id string) (domain.Shipment, error) {
		if nested.CompareAndSwap(false, true) {
			f.advance(6 * time.Minute)
			report, err := f.controller.HandleMarketplaceNotification(ctx, orderNotification())
			if err != nil {
				t.Errorf("takeover delivery: %v", err)
			}
			takeover = report
		}
		return domain.Shipment{ID: id, LogisticType: "drop_off"}, nil
	}

	report, err := f.controller.HandleMarketplaceNotification(context.Background(), orderNotification())
	if err != nil {
		t.Fatalf("stalled run: %v", err)
	}
	if takeover.State != StateNotified {
		t.Fatalf("expected takeover run to process the order, got %s", takeover.State)
	}
	if report.State != StateDuplicate {
		t.Fatalf("stalled run must stop once its claim is lost, got %s (trail %v)", report.State, report.Trail)
	}
	if len(f.storefront.bulk) != 1 {
		t.Fatalf("expected a single storefront bulk call, got %d", len(f.storefront.bulk))
	}
}

func TestReconcileStorefrontOrder(t *testing.T) {
	f := newControllerFixture(t)
	order := domain.StorefrontOrder{
		ID:        5001,
		CreatedAt: fixtureNow.Add(-time.Minute),
		LineItems: []domain.StorefrontOrderLineItem{{SKU: "X", Quantity: 1, VariantID: 1}},
	}

	report, err := f.controller.HandleStorefrontOrder(context.Background(), "hook-1", order)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.State != StateNotified || report.AccountID != "storefront:shop" {
		t.Fatalf("unexpected report %+v", report)
	}
	if patch := f.origin.updates["L1"]; patch.Quantity == nil || *patch.Quantity != 9 {
		t.Fatalf("marketplace listings are all adjusted for storefront orders, got %+v", patch)
	}
	if _, ok := f.storefront.adjusts["lvl-1"]; ok {
		t.Fatalf("ordered variant must not be adjusted")
	}
	if f.storefront.adjusts["lvl-2"] != -1 {
		t.Fatalf("expected sibling variant adjusted, got %+v", f.storefront.adjusts)
	}

	again, err := f.controller.HandleStorefrontOrder(context.Background(), "hook-1", order)
	if err != nil || again.State != StateDuplicate {
		t.Fatalf("expected DUPLICATE on redelivery, got %s %v", again.State, err)
	}
}

func TestReconcileStorefrontUnknownWebhookKey(t *testing.T) {
	f := newControllerFixture(t)

	_, err := f.controller.HandleStorefrontOrder(context.Background(), "nope", domain.StorefrontOrder{ID: 1})
	if !errors.Is(err, ErrAccountNotLinked) {
		t.Fatalf("expected ErrAccountNotLinked, got %v", err)
	}
}
