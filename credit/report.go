package credit

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// RECONCILIATION REPORT - Credit position of every farmer
// =============================================================================

// Utilization alert levels.
const (
	UtilizationNormal   = "normal"
	UtilizationWarning  = "warning"  // above 80%
	UtilizationCritical = "critical" // above 90%
)

var (
	warningThreshold  = decimal.NewFromInt(80)
	criticalThreshold = decimal.NewFromInt(90)
)

// UtilizationLevel classifies a utilization percentage.
func UtilizationLevel(utilization decimal.Decimal) string {
	switch {
	case utilization.GreaterThan(criticalThreshold):
		return UtilizationCritical
	case utilization.GreaterThan(warningThreshold):
		return UtilizationWarning
	default:
		return UtilizationNormal
	}
}

type ReconciliationEntry struct {
	FarmerID           FarmerID
	Tier               CreditTier
	PendingPayments    decimal.Decimal
	CreditLimit        decimal.Decimal
	AvailableCredit    decimal.Decimal
	CreditUsed         decimal.Decimal
	PendingDeductions  decimal.Decimal
	TotalCreditUsed    decimal.Decimal
	Utilization        decimal.Decimal
	UtilizationLevel   string
	IsFrozen           bool
	LastTransactionAt  *time.Time
	NextSettlementDate *time.Time
}

type ReconciliationSummary struct {
	Farmers                int
	FrozenFarmers          int
	HighUtilization        int
	TotalPendingPayments   decimal.Decimal
	TotalCreditLimit       decimal.Decimal
	TotalAvailableCredit   decimal.Decimal
	TotalCreditUsed        decimal.Decimal
	TotalPendingDeductions decimal.Decimal
	AverageUtilization     decimal.Decimal
}

type ReconciliationReport struct {
	GeneratedAt time.Time
	Entries     []ReconciliationEntry
	Summary     ReconciliationSummary
}

// BuildReconciliationReport reads every profile, its pending payments and
// its latest transaction. Profiles are read live, never from a cache.
func BuildReconciliationReport(ctx context.Context, store Store, payments PendingPayments, now time.Time) (*ReconciliationReport, error) {
	profiles, err := store.ListProfiles(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list credit profiles: %w", err)
	}

	report := &ReconciliationReport{
		GeneratedAt: now,
		Entries:     make([]ReconciliationEntry, 0, len(profiles)),
	}
	sum := &report.Summary
	sum.TotalPendingPayments = decimal.Zero
	sum.TotalCreditLimit = decimal.Zero
	sum.TotalAvailableCredit = decimal.Zero
	sum.TotalCreditUsed = decimal.Zero
	sum.TotalPendingDeductions = decimal.Zero
	sum.AverageUtilization = decimal.Zero
	totalUtilization := decimal.Zero

	for i := range profiles {
		p := &profiles[i]
		pending, err := payments.PendingPaymentTotal(ctx, p.FarmerID)
		if err != nil {
			return nil, fmt.Errorf("failed to load pending payments for %s: %w", p.FarmerID, err)
		}
		latest, err := store.ListTransactions(ctx, TransactionQuery{FarmerID: p.FarmerID, Limit: 1})
		if err != nil {
			return nil, fmt.Errorf("failed to load latest transaction for %s: %w", p.FarmerID, err)
		}

		utilization := p.Utilization()
		entry := ReconciliationEntry{
			FarmerID:           p.FarmerID,
			Tier:               p.CreditTier,
			PendingPayments:    RoundMoney(pending),
			CreditLimit:        p.MaxCreditAmount,
			AvailableCredit:    p.Available(),
			CreditUsed:         p.Used(),
			PendingDeductions:  p.PendingDeductions,
			TotalCreditUsed:    p.TotalCreditUsed,
			Utilization:        utilization,
			UtilizationLevel:   UtilizationLevel(utilization),
			IsFrozen:           p.IsFrozen,
			NextSettlementDate: p.NextSettlementDate,
		}
		if len(latest) > 0 {
			at := latest[0].CreatedAt
			entry.LastTransactionAt = &at
		}
		report.Entries = append(report.Entries, entry)

		sum.Farmers++
		if p.IsFrozen {
			sum.FrozenFarmers++
		}
		if entry.UtilizationLevel != UtilizationNormal {
			sum.HighUtilization++
		}
		sum.TotalPendingPayments = sum.TotalPendingPayments.Add(entry.PendingPayments)
		sum.TotalCreditLimit = sum.TotalCreditLimit.Add(entry.CreditLimit)
		sum.TotalAvailableCredit = sum.TotalAvailableCredit.Add(entry.AvailableCredit)
		sum.TotalCreditUsed = sum.TotalCreditUsed.Add(entry.CreditUsed)
		sum.TotalPendingDeductions = sum.TotalPendingDeductions.Add(entry.PendingDeductions)
		totalUtilization = totalUtilization.Add(utilization)
	}

	if sum.Farmers > 0 {
		sum.AverageUtilization = RoundMoney(totalUtilization.Div(decimal.NewFromInt(int64(sum.Farmers))))
	}
	return report, nil
}
