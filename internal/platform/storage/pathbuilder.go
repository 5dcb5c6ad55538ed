package storage

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// ReportKind captures the flow that produced an archived report.
type ReportKind string

const (
	KindOrderReconciliation ReportKind = "orders"
	KindInventorySet        ReportKind = "inventory-sets"
)

// PathParams provide the identifiers composing a report object key.
type PathParams struct {
	Channel   string
	AccountID string
	OrderID   string
	TenantID  string
	RunID     string
	At        time.Time
}

// PathBuilder composes the object path for a report kind.
type PathBuilder func(PathParams) (string, error)

var (
	pathBuilders = map[ReportKind]PathBuilder{
		KindOrderReconciliation: buildOrderReportPath,
		KindInventorySet:        buildInventorySetPath,
	}
	pathBuildersMu sync.RWMutex
)

// RegisterPathBuilder overrides or registers a builder for a specific kind.
func RegisterPathBuilder(kind ReportKind, builder PathBuilder) {
	pathBuildersMu.Lock()
	defer pathBuildersMu.Unlock()
	if builder == nil {
		delete(pathBuilders, kind)
		return
	}
	pathBuilders[kind] = builder
}

// BuildObjectPath resolves the object path for the given report kind.
func BuildObjectPath(kind ReportKind, params PathParams) (string, error) {
	pathBuildersMu.RLock()
	builder, ok := pathBuilders[kind]
	pathBuildersMu.RUnlock()
	if !ok {
		return "", fmt.Errorf("storage: unsupported report kind %q", kind)
	}
	return builder(params)
}

// reports/orders/{channel}/{accountID}/{orderID}/{runID}.json
func buildOrderReportPath(params PathParams) (string, error) {
	channel, err := validateSegment("channel", params.Channel)
	if err != nil {
		return "", err
	}
	accountID, err := validateSegment("accountID", params.AccountID)
	if err != nil {
		return "", err
	}
	orderID, err := validateSegment("orderID", params.OrderID)
	if err != nil {
		return "", err
	}
	runID, err := validateSegment("runID", params.RunID)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("reports/orders/%s/%s/%s/%s.json", channel, accountID, orderID, runID), nil
}

// reports/inventory-sets/{tenantID}/{yyyy-mm-dd}/{runID}.json
func buildInventorySetPath(params PathParams) (string, error) {
	tenantID, err := validateSegment("tenantID", params.TenantID)
	if err != nil {
		return "", err
	}
	runID, err := validateSegment("runID", params.RunID)
	if err != nil {
		return "", err
	}
	at := params.At
	if at.IsZero() {
		return "", fmt.Errorf("storage: report time is required")
	}
	return fmt.Sprintf("reports/inventory-sets/%s/%s/%s.json", tenantID, at.UTC().Format("2006-01-02"), runID), nil
}

func validateSegment(name, value string) (string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", fmt.Errorf("storage: %s is required", name)
	}
	if strings.ContainsAny(value, "/\\") {
		return "", fmt.Errorf("storage: %s contains invalid path characters", name)
	}
	if strings.Contains(value, "..") {
		return "", fmt.Errorf("storage: %s contains invalid traversal sequence", name)
	}
	return value, nil
}
