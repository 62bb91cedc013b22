/*
engine.go - Transaction engine for the farmer credit ledger

PURPOSE:
  The only writer of credit profiles and transactions. Every operation
  follows one pattern:

    acquire farmer lock
      -> Store.WithTx {
           load profile -> validate preconditions -> compute new state
           -> append transaction row -> save profile (version checked)
         }
    -> release lock -> invalidate cached history for the farmer

OPERATIONS:
  GrantCredit            credit_granted   balance 0 -> eligible, limit = eligible
  UseCreditForPurchase   credit_used      balance -= price x quantity
  RecordRepayment        credit_repaid    balance += amount, pending -= amount
  AdjustCreditLimit      credit_adjusted  limit = new, balance clamped to limit
  FreezeUnfreezeCredit   credit_adjusted  amount 0, toggles the freeze flag
  PerformMonthlySettlement settlement     balance = limit, pending = 0

CONCURRENCY:
  Operations on one farmer are serialized by the Locker and, underneath,
  by the optimistic version check in Tx.SaveProfile. Operations on
  different farmers share nothing but the database. A lock that cannot be
  acquired within LockTimeout, or a lost version race, surfaces as
  *ConcurrencyConflictError. Callers retry those with WithRetry.

FREEZE:
  A frozen line blocks purchases only. Grants, repayments, limit changes
  and settlements still apply.

SEE ALSO:
  - eligibility.go: Grant amount
  - locker.go: Per-farmer lock
  - store.go: Atomic commit contract
  - history.go: Read side and cache
*/
package credit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dairycoop/credit-engine/metrics"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const DefaultLockTimeout = 3 * time.Second

// Operation names, used for metrics and logs.
const (
	OpGrant      = "grant_credit"
	OpPurchase   = "use_credit_for_purchase"
	OpRepayment  = "record_repayment"
	OpAdjust     = "adjust_credit_limit"
	OpFreeze     = "freeze_unfreeze_credit"
	OpSettlement = "perform_monthly_settlement"
)

// Invalidator drops cached reads for a farmer after a commit.
type Invalidator interface {
	Invalidate(ctx context.Context, farmerID FarmerID)
}

// EngineConfig wires the engine. Store, Payments and Catalog are required;
// the rest default to in-process implementations.
type EngineConfig struct {
	Store       Store
	Payments    PendingPayments
	Catalog     ProductCatalog
	Tiers       TierResolver
	Calculator  *Calculator
	Locker      Locker
	LockTimeout time.Duration
	History     Invalidator
	Logger      *logrus.Logger
	Clock       func() time.Time
}

// Engine executes credit operations.
type Engine struct {
	store       Store
	payments    PendingPayments
	catalog     ProductCatalog
	tiers       TierResolver
	calc        *Calculator
	locker      Locker
	lockTimeout time.Duration
	history     Invalidator
	logger      *logrus.Logger
	clock       func() time.Time
}

// Result is what a successful operation returns: the committed profile and
// the transaction row that recorded the change.
type Result struct {
	Profile     *CreditProfile
	Transaction CreditTransaction
}

func NewEngine(cfg EngineConfig) *Engine {
	e := &Engine{
		store:       cfg.Store,
		payments:    cfg.Payments,
		catalog:     cfg.Catalog,
		tiers:       cfg.Tiers,
		calc:        cfg.Calculator,
		locker:      cfg.Locker,
		lockTimeout: cfg.LockTimeout,
		history:     cfg.History,
		logger:      cfg.Logger,
		clock:       cfg.Clock,
	}
	if e.tiers == nil {
		e.tiers = FixedTierResolver(TierNew)
	}
	if e.calc == nil {
		e.calc = NewCalculator(nil)
	}
	if e.locker == nil {
		e.locker = NewKeyedLocker()
	}
	if e.lockTimeout <= 0 {
		e.lockTimeout = DefaultLockTimeout
	}
	if e.logger == nil {
		e.logger = logrus.StandardLogger()
	}
	if e.clock == nil {
		e.clock = time.Now
	}
	return e
}

// =============================================================================
// OPERATIONS
// =============================================================================

// GrantCredit opens a credit line equal to the farmer's current eligibility.
// The profile is created on the first grant. The line must be fully drawn
// or never opened (balance zero) and eligibility must be positive.
func (e *Engine) GrantCredit(ctx context.Context, farmerID FarmerID, approverID string) (*Result, error) {
	pending, err := e.payments.PendingPaymentTotal(ctx, farmerID)
	if err != nil {
		return nil, fmt.Errorf("failed to load pending payments: %w", err)
	}
	pending = RoundMoney(pending)
	// Resolved up front: the tier source may share the ledger's database,
	// which must not be queried while the write transaction is open.
	tier, err := e.tiers.CreditTier(ctx, farmerID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve credit tier: %w", err)
	}

	return e.execute(ctx, OpGrant, farmerID, func(ctx context.Context, tx Tx, now time.Time) (*Result, error) {
		current, err := tx.LoadProfile(ctx, farmerID)
		if err != nil {
			return nil, err
		}
		if current == nil {
			current = NewProfile(farmerID, tier, e.calc.PercentageFor(tier), now)
		}

		if !current.CurrentCreditBalance.IsZero() {
			return nil, &IneligibleError{
				FarmerID:       farmerID,
				Reason:         "an unexpired credit line already exists",
				CurrentBalance: current.CurrentCreditBalance,
			}
		}
		eligible := e.calc.EligibleFor(current, pending)
		if !eligible.IsPositive() {
			return nil, &IneligibleError{
				FarmerID: farmerID,
				Reason:   "no pending payments to lend against",
				Eligible: eligible,
			}
		}

		next := current.Clone()
		next.MaxCreditAmount = eligible
		next.CurrentCreditBalance = eligible
		if next.NextSettlementDate == nil {
			d := NextSettlementDate(now)
			next.NextSettlementDate = &d
		}

		txn := e.newTransaction(farmerID, TxCreditGranted, eligible, current.CurrentCreditBalance, eligible, approverID, now)
		txn.Description = fmt.Sprintf("Credit granted based on pending payments of KES %s", FormatKES(pending))
		return e.commit(ctx, tx, next, txn)
	})
}

// UseCreditForPurchase charges price x quantity of a credit-eligible product
// against the farmer's balance and adds it to the pending deductions.
func (e *Engine) UseCreditForPurchase(ctx context.Context, farmerID FarmerID, productID string, quantity decimal.Decimal, approverID string) (*Result, error) {
	if !quantity.IsPositive() {
		return nil, fmt.Errorf("%w: quantity must be positive", ErrInvalidAmount)
	}
	product, err := e.catalog.ProductPrice(ctx, productID)
	if err != nil {
		return nil, fmt.Errorf("failed to look up product: %w", err)
	}
	if product == nil {
		return nil, &ProductNotFoundError{ProductID: productID}
	}
	if !product.CreditEligible {
		return nil, ErrProductNotCreditEligible
	}
	total := RoundMoney(product.UnitPrice.Mul(quantity))
	if !total.IsPositive() {
		return nil, fmt.Errorf("%w: purchase total must be positive", ErrInvalidAmount)
	}

	return e.execute(ctx, OpPurchase, farmerID, func(ctx context.Context, tx Tx, now time.Time) (*Result, error) {
		current, err := e.mustLoad(ctx, tx, farmerID)
		if err != nil {
			return nil, err
		}
		if current.IsFrozen {
			return nil, &FrozenAccountError{FarmerID: farmerID, Reason: deref(current.FreezeReason)}
		}
		if total.GreaterThan(current.CurrentCreditBalance) {
			return nil, &InsufficientCreditError{
				FarmerID:  farmerID,
				Available: current.CurrentCreditBalance,
				Requested: total,
			}
		}

		next := current.Clone()
		next.CurrentCreditBalance = current.CurrentCreditBalance.Sub(total)
		next.TotalCreditUsed = current.TotalCreditUsed.Add(total)
		next.PendingDeductions = current.PendingDeductions.Add(total)

		txn := e.newTransaction(farmerID, TxCreditUsed, total, current.CurrentCreditBalance, next.CurrentCreditBalance, approverID, now)
		txn.Purchase = &PurchaseDetail{
			ProductID:   product.ID,
			ProductName: product.Name,
			Quantity:    quantity,
			UnitPrice:   product.UnitPrice,
			Unit:        product.Unit,
		}
		txn.Description = fmt.Sprintf("Credit used for %s (%s %s)", product.Name, quantity.String(), product.Unit)
		return e.commit(ctx, tx, next, txn)
	})
}

// RecordRepayment credits back an amount the farmer paid outside the milk
// payment cycle. It cannot exceed what is pending nor refill past the limit.
func (e *Engine) RecordRepayment(ctx context.Context, farmerID FarmerID, amount decimal.Decimal, referenceID, approverID string) (*Result, error) {
	amount = RoundMoney(amount)
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: repayment must be positive", ErrInvalidAmount)
	}

	return e.execute(ctx, OpRepayment, farmerID, func(ctx context.Context, tx Tx, now time.Time) (*Result, error) {
		current, err := e.mustLoad(ctx, tx, farmerID)
		if err != nil {
			return nil, err
		}
		if amount.GreaterThan(current.PendingDeductions) {
			return nil, fmt.Errorf("%w: repayment KES %s exceeds pending deductions KES %s",
				ErrInvalidAmount, FormatKES(amount), FormatKES(current.PendingDeductions))
		}
		after := current.CurrentCreditBalance.Add(amount)
		if after.GreaterThan(current.MaxCreditAmount) {
			return nil, fmt.Errorf("%w: repayment would raise the balance above the limit of KES %s",
				ErrInvalidAmount, FormatKES(current.MaxCreditAmount))
		}

		next := current.Clone()
		next.CurrentCreditBalance = after
		next.PendingDeductions = current.PendingDeductions.Sub(amount)

		txn := e.newTransaction(farmerID, TxCreditRepaid, amount, current.CurrentCreditBalance, after, approverID, now)
		txn.ReferenceID = referenceID
		txn.Description = fmt.Sprintf("Credit repayment of KES %s received", FormatKES(amount))
		return e.commit(ctx, tx, next, txn)
	})
}

// AdjustCreditLimit moves the ceiling to newLimit. The recorded amount is the
// signed change of the limit. When the new limit is below the current
// balance the balance is clamped down in the same commit and the row's
// BalanceAfter shows the clamped value.
func (e *Engine) AdjustCreditLimit(ctx context.Context, farmerID FarmerID, newLimit decimal.Decimal, approverID string) (*Result, error) {
	newLimit = RoundMoney(newLimit)
	if !newLimit.IsPositive() {
		return nil, &InvalidLimitError{Requested: newLimit}
	}

	return e.execute(ctx, OpAdjust, farmerID, func(ctx context.Context, tx Tx, now time.Time) (*Result, error) {
		current, err := e.mustLoad(ctx, tx, farmerID)
		if err != nil {
			return nil, err
		}

		next := current.Clone()
		next.MaxCreditAmount = newLimit
		next.CurrentCreditBalance = decimal.Min(current.CurrentCreditBalance, newLimit)
		if next.CurrentCreditBalance.LessThan(current.CurrentCreditBalance) {
			e.logger.WithFields(logrus.Fields{
				"farmer_id": farmerID,
				"balance":   FormatKES(current.CurrentCreditBalance),
				"new_limit": FormatKES(newLimit),
			}).Warn("credit balance clamped to lowered limit")
		}

		amount := newLimit.Sub(current.MaxCreditAmount)
		txn := e.newTransaction(farmerID, TxCreditAdjusted, amount, current.CurrentCreditBalance, next.CurrentCreditBalance, approverID, now)
		txn.Description = fmt.Sprintf("Credit limit adjusted from KES %s to KES %s",
			FormatKES(current.MaxCreditAmount), FormatKES(newLimit))
		return e.commit(ctx, tx, next, txn)
	})
}

// FreezeUnfreezeCredit sets or clears the freeze flag. The reason is kept
// only while frozen.
func (e *Engine) FreezeUnfreezeCredit(ctx context.Context, farmerID FarmerID, freeze bool, reason, approverID string) (*Result, error) {
	return e.execute(ctx, OpFreeze, farmerID, func(ctx context.Context, tx Tx, now time.Time) (*Result, error) {
		current, err := e.mustLoad(ctx, tx, farmerID)
		if err != nil {
			return nil, err
		}

		next := current.Clone()
		next.IsFrozen = freeze
		next.FreezeReason = nil
		description := "Credit line unfrozen"
		if freeze {
			r := reason
			next.FreezeReason = &r
			description = fmt.Sprintf("Credit line frozen: %s", reason)
		}

		balance := current.CurrentCreditBalance
		txn := e.newTransaction(farmerID, TxCreditAdjusted, decimal.Zero, balance, balance, approverID, now)
		txn.Description = description
		return e.commit(ctx, tx, next, txn)
	})
}

// PerformMonthlySettlement restores the full line and hands the pending
// deductions to the payment side, which reads the settlement row.
func (e *Engine) PerformMonthlySettlement(ctx context.Context, farmerID FarmerID, approverID string) (*Result, error) {
	return e.execute(ctx, OpSettlement, farmerID, func(ctx context.Context, tx Tx, now time.Time) (*Result, error) {
		current, err := e.mustLoad(ctx, tx, farmerID)
		if err != nil {
			return nil, err
		}

		deducted := current.PendingDeductions
		today := DateOf(now)
		nextDate := NextSettlementDate(now)

		next := current.Clone()
		next.CurrentCreditBalance = current.MaxCreditAmount
		next.PendingDeductions = decimal.Zero
		next.LastSettlementDate = &today
		next.NextSettlementDate = &nextDate

		txn := e.newTransaction(farmerID, TxSettlement, deducted, current.CurrentCreditBalance, next.CurrentCreditBalance, approverID, now)
		txn.Description = fmt.Sprintf("Monthly settlement completed. KES %s deducted from milk payments.", FormatKES(deducted))
		return e.commit(ctx, tx, next, txn)
	})
}

// =============================================================================
// READS
// =============================================================================

// GetCreditProfile returns the live profile or nil. It is never cached.
func (e *Engine) GetCreditProfile(ctx context.Context, farmerID FarmerID) (*CreditProfile, error) {
	return e.store.GetProfile(ctx, farmerID)
}

// Eligibility is a read-only quote of what GrantCredit would do now.
type Eligibility struct {
	FarmerID        FarmerID
	Tier            CreditTier
	Percentage      decimal.Decimal
	PendingPayments decimal.Decimal
	Eligible        decimal.Decimal
	CanGrant        bool
}

// CheckEligibility computes the grant a farmer would receive without writing.
func (e *Engine) CheckEligibility(ctx context.Context, farmerID FarmerID) (*Eligibility, error) {
	pending, err := e.payments.PendingPaymentTotal(ctx, farmerID)
	if err != nil {
		return nil, fmt.Errorf("failed to load pending payments: %w", err)
	}
	pending = RoundMoney(pending)

	profile, err := e.store.GetProfile(ctx, farmerID)
	if err != nil {
		return nil, err
	}
	if profile == nil {
		tier, err := e.tiers.CreditTier(ctx, farmerID)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve credit tier: %w", err)
		}
		profile = NewProfile(farmerID, tier, e.calc.PercentageFor(tier), e.clock())
	}

	eligible := e.calc.EligibleFor(profile, pending)
	return &Eligibility{
		FarmerID:        farmerID,
		Tier:            profile.CreditTier,
		Percentage:      profile.CreditLimitPercentage,
		PendingPayments: pending,
		Eligible:        eligible,
		CanGrant:        eligible.IsPositive() && profile.CurrentCreditBalance.IsZero(),
	}, nil
}

// =============================================================================
// EXECUTION PIPELINE
// =============================================================================

type operation func(ctx context.Context, tx Tx, now time.Time) (*Result, error)

func (e *Engine) execute(ctx context.Context, op string, farmerID FarmerID, fn operation) (*Result, error) {
	start := time.Now()
	res, err := e.run(ctx, farmerID, fn)
	metrics.OperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	metrics.OperationsTotal.WithLabelValues(op, resultLabel(err)).Inc()

	fields := logrus.Fields{"operation": op, "farmer_id": farmerID}
	if err != nil {
		fields["error"] = err.Error()
		if IsClientError(err) || IsNotFound(err) || IsRetryable(err) {
			e.logger.WithFields(fields).Info("credit operation rejected")
		} else {
			e.logger.WithFields(fields).Error("credit operation failed")
		}
		return nil, err
	}

	fields["transaction_id"] = res.Transaction.ID
	fields["type"] = res.Transaction.Type
	fields["amount"] = FormatKES(res.Transaction.Amount)
	fields["balance_after"] = FormatKES(res.Transaction.BalanceAfter)
	e.logger.WithFields(fields).Info("credit operation committed")
	metrics.AmountTotal.WithLabelValues(string(res.Transaction.Type)).Add(res.Transaction.Amount.Abs().InexactFloat64())

	if e.history != nil {
		e.history.Invalidate(context.WithoutCancel(ctx), farmerID)
	}
	return res, nil
}

func (e *Engine) run(ctx context.Context, farmerID FarmerID, fn operation) (*Result, error) {
	waitStart := time.Now()
	release, err := e.locker.Acquire(ctx, lockKey(farmerID), e.lockTimeout)
	metrics.LockWait.Observe(time.Since(waitStart).Seconds())
	if err != nil {
		if errors.Is(err, ErrLockTimeout) {
			metrics.ConflictsTotal.WithLabelValues(metrics.ConflictLock).Inc()
			return nil, &ConcurrencyConflictError{FarmerID: farmerID, Cause: err}
		}
		return nil, err
	}
	defer release()

	// Microseconds are the finest precision every store keeps.
	now := e.clock().UTC().Truncate(time.Microsecond)
	var res *Result
	err = e.store.WithTx(ctx, func(tx Tx) error {
		r, err := fn(ctx, tx, now)
		if err != nil {
			return err
		}
		res = r
		return nil
	})
	if errors.Is(err, ErrConcurrentModification) {
		metrics.ConflictsTotal.WithLabelValues(metrics.ConflictVersion).Inc()
		return nil, &ConcurrencyConflictError{FarmerID: farmerID, Cause: err}
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

// commit validates the staged state and writes the row and the profile.
func (e *Engine) commit(ctx context.Context, tx Tx, next *CreditProfile, txn CreditTransaction) (*Result, error) {
	if err := txn.Validate(); err != nil {
		return nil, err
	}
	if err := next.CheckInvariants(); err != nil {
		return nil, err
	}
	if !txn.BalanceAfter.Equal(next.CurrentCreditBalance) {
		return nil, fmt.Errorf("%w: transaction balance %s does not match profile balance %s",
			ErrInvariantViolation, txn.BalanceAfter, next.CurrentCreditBalance)
	}

	if err := tx.AppendTransaction(ctx, txn); err != nil {
		return nil, err
	}
	next.UpdatedAt = txn.CreatedAt
	if err := tx.SaveProfile(ctx, next); err != nil {
		return nil, err
	}
	return &Result{Profile: next, Transaction: txn}, nil
}

func (e *Engine) mustLoad(ctx context.Context, tx Tx, farmerID FarmerID) (*CreditProfile, error) {
	p, err := tx.LoadProfile(ctx, farmerID)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, &ProfileNotFoundError{FarmerID: farmerID}
	}
	return p, nil
}

func (e *Engine) newTransaction(farmerID FarmerID, typ TransactionType, amount, before, after decimal.Decimal, approverID string, now time.Time) CreditTransaction {
	return CreditTransaction{
		ID:             NewTransactionID(),
		FarmerID:       farmerID,
		Type:           typ,
		Amount:         amount,
		BalanceBefore:  before,
		BalanceAfter:   after,
		ApprovedBy:     approverID,
		ApprovalStatus: ApprovalApproved,
		CreatedAt:      now,
	}
}

// NewTransactionID returns a UUIDv7, so ids sort in creation order.
func NewTransactionID() TransactionID {
	return TransactionID(uuid.Must(uuid.NewV7()).String())
}

func lockKey(farmerID FarmerID) string {
	return "farmer:" + string(farmerID)
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return metrics.ResultOK
	case IsRetryable(err):
		return metrics.ResultConflict
	case IsNotFound(err):
		return metrics.ResultNotFound
	case IsClientError(err):
		return metrics.ResultRejected
	default:
		return metrics.ResultError
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
