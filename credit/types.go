/*
Package credit implements the farmer credit ledger and settlement engine.

PURPOSE:
  Farmers of the cooperative draw a revolving credit line sized against
  their pending (approved, unpaid) milk-collection earnings and spend it on
  agrovet products. Outstanding usage is swept from the next milk payment at
  the monthly settlement, which replenishes the line.

KEY CONCEPTS IN THIS FILE (types.go):
  - CreditProfile: the mutable current state of one farmer's credit line
  - CreditTransaction: an immutable audit row recording one balance event
  - PurchaseDetail: product fields carried only by credit_used rows
  - Money helpers: two-decimal, half-up rounding for KES amounts

LEDGER CONTRACT:
  Every committed operation writes exactly one CreditTransaction and one
  updated CreditProfile in the same database transaction. The pair
  (BalanceBefore, BalanceAfter) on each row chains without gaps:
  row[n].BalanceAfter == row[n+1].BalanceBefore for the same farmer.

SEE ALSO:
  - engine.go: The operations that produce transactions
  - store.go: Persistence contract
  - errors.go: Error taxonomy
*/
package credit

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

// FarmerID references a farmer owned by the surrounding application.
type FarmerID string

// TransactionID is a time-ordered UUIDv7 string.
type TransactionID string

// =============================================================================
// ENUMS
// =============================================================================

// CreditTier classifies a farmer and selects the share of pending payments
// that may be converted to credit.
type CreditTier string

const (
	TierNew         CreditTier = "new"
	TierEstablished CreditTier = "established"
	TierPremium     CreditTier = "premium"
)

// Valid reports whether t is a known tier.
func (t CreditTier) Valid() bool {
	switch t {
	case TierNew, TierEstablished, TierPremium:
		return true
	}
	return false
}

// TransactionType tags a CreditTransaction.
type TransactionType string

const (
	TxCreditGranted  TransactionType = "credit_granted"
	TxCreditUsed     TransactionType = "credit_used"
	TxCreditRepaid   TransactionType = "credit_repaid"
	TxCreditAdjusted TransactionType = "credit_adjusted"
	TxSettlement     TransactionType = "settlement"
)

// Valid reports whether t is a known transaction type.
func (t TransactionType) Valid() bool {
	switch t {
	case TxCreditGranted, TxCreditUsed, TxCreditRepaid, TxCreditAdjusted, TxSettlement:
		return true
	}
	return false
}

type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
)

// =============================================================================
// CREDIT PROFILE
// =============================================================================

// CreditProfile is the per-farmer current state. It is only mutated by
// Engine operations and is never deleted.
type CreditProfile struct {
	FarmerID              FarmerID
	CreditTier            CreditTier
	CreditLimitPercentage decimal.Decimal // percent units: 60 means 60%
	MaxCreditAmount       decimal.Decimal
	CurrentCreditBalance  decimal.Decimal
	TotalCreditUsed       decimal.Decimal
	PendingDeductions     decimal.Decimal
	IsFrozen              bool
	FreezeReason          *string
	LastSettlementDate    *time.Time
	NextSettlementDate    *time.Time

	// Version increments on every committed write. Zero means the profile
	// has never been persisted.
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewProfile returns an unpersisted zero-balance profile for farmerID.
func NewProfile(farmerID FarmerID, tier CreditTier, percentage decimal.Decimal, now time.Time) *CreditProfile {
	return &CreditProfile{
		FarmerID:              farmerID,
		CreditTier:            tier,
		CreditLimitPercentage: percentage,
		MaxCreditAmount:       decimal.Zero,
		CurrentCreditBalance:  decimal.Zero,
		TotalCreditUsed:       decimal.Zero,
		PendingDeductions:     decimal.Zero,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
}

// Clone returns a deep copy so callers can stage changes without touching
// the loaded value.
func (p *CreditProfile) Clone() *CreditProfile {
	if p == nil {
		return nil
	}
	c := *p
	if p.FreezeReason != nil {
		r := *p.FreezeReason
		c.FreezeReason = &r
	}
	if p.LastSettlementDate != nil {
		d := *p.LastSettlementDate
		c.LastSettlementDate = &d
	}
	if p.NextSettlementDate != nil {
		d := *p.NextSettlementDate
		c.NextSettlementDate = &d
	}
	return &c
}

// Available is the credit the farmer can spend right now.
// A frozen line has nothing available even though the balance is kept.
func (p *CreditProfile) Available() decimal.Decimal {
	if p.IsFrozen {
		return decimal.Zero
	}
	return p.CurrentCreditBalance
}

// Used is the part of the current line that has been drawn down.
func (p *CreditProfile) Used() decimal.Decimal {
	used := p.MaxCreditAmount.Sub(p.CurrentCreditBalance)
	if used.IsNegative() {
		return decimal.Zero
	}
	return used
}

// Utilization returns Used as a percentage of MaxCreditAmount, rounded to
// two decimals. A profile without a line reports zero.
func (p *CreditProfile) Utilization() decimal.Decimal {
	if !p.MaxCreditAmount.IsPositive() {
		return decimal.Zero
	}
	return RoundMoney(p.Used().Mul(decimal.NewFromInt(100)).Div(p.MaxCreditAmount))
}

// CheckInvariants verifies the balance bounds that must hold after every
// committed operation.
func (p *CreditProfile) CheckInvariants() error {
	switch {
	case p.CurrentCreditBalance.IsNegative():
		return fmt.Errorf("%w: balance %s is negative", ErrInvariantViolation, p.CurrentCreditBalance)
	case p.CurrentCreditBalance.GreaterThan(p.MaxCreditAmount):
		return fmt.Errorf("%w: balance %s exceeds limit %s", ErrInvariantViolation,
			p.CurrentCreditBalance, p.MaxCreditAmount)
	case p.PendingDeductions.IsNegative():
		return fmt.Errorf("%w: pending deductions %s are negative", ErrInvariantViolation, p.PendingDeductions)
	case p.TotalCreditUsed.IsNegative():
		return fmt.Errorf("%w: total credit used %s is negative", ErrInvariantViolation, p.TotalCreditUsed)
	}
	return nil
}

// =============================================================================
// CREDIT TRANSACTION
// =============================================================================

// PurchaseDetail describes the product bought on credit.
type PurchaseDetail struct {
	ProductID   string
	ProductName string
	Quantity    decimal.Decimal
	UnitPrice   decimal.Decimal
	Unit        string
}

// CreditTransaction is one immutable row of the audit trail.
// Purchase is set if and only if Type is TxCreditUsed.
type CreditTransaction struct {
	ID             TransactionID
	FarmerID       FarmerID
	Type           TransactionType
	Amount         decimal.Decimal
	BalanceBefore  decimal.Decimal
	BalanceAfter   decimal.Decimal
	Purchase       *PurchaseDetail
	ReferenceID    string
	Description    string
	ApprovedBy     string
	ApprovalStatus ApprovalStatus
	CreatedAt      time.Time
}

// Validate enforces the per-type shape and sign convention:
//
//	credit_granted   after = before + amount, amount > 0
//	credit_used      after = before - amount, amount > 0, purchase required
//	credit_repaid    after = before + amount, amount > 0
//	credit_adjusted  after <= before (equal unless a limit clamp applied)
//	settlement       after >= before, amount >= 0
func (t CreditTransaction) Validate() error {
	if t.FarmerID == "" {
		return fmt.Errorf("%w: missing farmer id", ErrInvalidTransaction)
	}
	if !t.Type.Valid() {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidTransaction, t.Type)
	}
	if (t.Purchase != nil) != (t.Type == TxCreditUsed) {
		return fmt.Errorf("%w: purchase details only belong on %s rows", ErrInvalidTransaction, TxCreditUsed)
	}
	if t.BalanceBefore.IsNegative() || t.BalanceAfter.IsNegative() {
		return fmt.Errorf("%w: negative balance", ErrInvalidTransaction)
	}

	switch t.Type {
	case TxCreditGranted, TxCreditRepaid:
		if !t.Amount.IsPositive() {
			return fmt.Errorf("%w: %s amount must be positive", ErrInvalidTransaction, t.Type)
		}
		if !t.BalanceAfter.Equal(t.BalanceBefore.Add(t.Amount)) {
			return fmt.Errorf("%w: %s must add amount to balance", ErrInvalidTransaction, t.Type)
		}
	case TxCreditUsed:
		if !t.Amount.IsPositive() {
			return fmt.Errorf("%w: %s amount must be positive", ErrInvalidTransaction, t.Type)
		}
		if !t.BalanceAfter.Equal(t.BalanceBefore.Sub(t.Amount)) {
			return fmt.Errorf("%w: %s must subtract amount from balance", ErrInvalidTransaction, t.Type)
		}
		if !t.Purchase.Quantity.IsPositive() {
			return fmt.Errorf("%w: purchase quantity must be positive", ErrInvalidTransaction)
		}
	case TxCreditAdjusted:
		if t.BalanceAfter.GreaterThan(t.BalanceBefore) {
			return fmt.Errorf("%w: adjustment cannot raise the balance", ErrInvalidTransaction)
		}
	case TxSettlement:
		if t.Amount.IsNegative() {
			return fmt.Errorf("%w: settlement amount cannot be negative", ErrInvalidTransaction)
		}
		if t.BalanceAfter.LessThan(t.BalanceBefore) {
			return fmt.Errorf("%w: settlement cannot lower the balance", ErrInvalidTransaction)
		}
	}
	return nil
}

// =============================================================================
// MONEY HELPERS
// =============================================================================

// RoundMoney rounds to two decimals, half away from zero. For the
// non-negative amounts in this ledger that is round-half-up.
func RoundMoney(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

// FormatKES renders an amount with exactly two decimals, e.g. "30000.00".
func FormatKES(d decimal.Decimal) string {
	return d.StringFixed(2)
}

// MustParseDecimal parses s or returns zero.
func MustParseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
