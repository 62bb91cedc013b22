package credit_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dairycoop/credit-engine/credit"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// TRANSACTION SHAPE
// =============================================================================

func TestCreditTransaction_Validate(t *testing.T) {
	purchase := &credit.PurchaseDetail{ProductID: "p", ProductName: "Feed", Quantity: dec("1"), UnitPrice: dec("10"), Unit: "kg"}

	tests := []struct {
		name    string
		tx      credit.CreditTransaction
		wantErr bool
	}{
		{"grant", credit.CreditTransaction{Type: credit.TxCreditGranted, Amount: dec("10"), BalanceBefore: dec("0"), BalanceAfter: dec("10")}, false},
		{"grant wrong sign", credit.CreditTransaction{Type: credit.TxCreditGranted, Amount: dec("10"), BalanceBefore: dec("10"), BalanceAfter: dec("0")}, true},
		{"used", credit.CreditTransaction{Type: credit.TxCreditUsed, Amount: dec("10"), BalanceBefore: dec("10"), BalanceAfter: dec("0"), Purchase: purchase}, false},
		{"used without purchase", credit.CreditTransaction{Type: credit.TxCreditUsed, Amount: dec("10"), BalanceBefore: dec("10"), BalanceAfter: dec("0")}, true},
		{"purchase on grant", credit.CreditTransaction{Type: credit.TxCreditGranted, Amount: dec("10"), BalanceBefore: dec("0"), BalanceAfter: dec("10"), Purchase: purchase}, true},
		{"repaid", credit.CreditTransaction{Type: credit.TxCreditRepaid, Amount: dec("5"), BalanceBefore: dec("5"), BalanceAfter: dec("10")}, false},
		{"adjust freeze", credit.CreditTransaction{Type: credit.TxCreditAdjusted, Amount: dec("0"), BalanceBefore: dec("5"), BalanceAfter: dec("5")}, false},
		{"adjust clamp", credit.CreditTransaction{Type: credit.TxCreditAdjusted, Amount: dec("-50"), BalanceBefore: dec("40"), BalanceAfter: dec("30")}, false},
		{"adjust raising balance", credit.CreditTransaction{Type: credit.TxCreditAdjusted, Amount: dec("50"), BalanceBefore: dec("40"), BalanceAfter: dec("90")}, true},
		{"settlement", credit.CreditTransaction{Type: credit.TxSettlement, Amount: dec("0"), BalanceBefore: dec("100"), BalanceAfter: dec("100")}, false},
		{"settlement lowering", credit.CreditTransaction{Type: credit.TxSettlement, Amount: dec("5"), BalanceBefore: dec("100"), BalanceAfter: dec("90")}, true},
		{"negative balance", credit.CreditTransaction{Type: credit.TxCreditUsed, Amount: dec("20"), BalanceBefore: dec("10"), BalanceAfter: dec("-10"), Purchase: purchase}, true},
		{"unknown type", credit.CreditTransaction{Type: "interest", Amount: dec("1")}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.tx.FarmerID = "farmer"
			err := tt.tx.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, credit.ErrInvalidTransaction)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestCreditProfile_UtilizationAndAvailability(t *testing.T) {
	p := credit.NewProfile("f", credit.TierNew, dec("30"), time.Now())
	assertKES(t, "0.00", p.Utilization(), "no line yet")

	p.MaxCreditAmount = dec("3000")
	p.CurrentCreditBalance = dec("1000")
	assertKES(t, "66.67", p.Utilization())
	assertKES(t, "2000.00", p.Used())
	assertKES(t, "1000.00", p.Available())
	assert.Equal(t, credit.UtilizationNormal, credit.UtilizationLevel(p.Utilization()))

	p.CurrentCreditBalance = dec("450")
	assert.Equal(t, credit.UtilizationWarning, credit.UtilizationLevel(p.Utilization()))
	p.CurrentCreditBalance = dec("150")
	assert.Equal(t, credit.UtilizationCritical, credit.UtilizationLevel(p.Utilization()))

	p.IsFrozen = true
	assertKES(t, "0.00", p.Available())
}

func TestCreditProfile_CheckInvariants(t *testing.T) {
	p := credit.NewProfile("f", credit.TierNew, dec("30"), time.Now())
	p.MaxCreditAmount = dec("100")
	p.CurrentCreditBalance = dec("100")
	assert.NoError(t, p.CheckInvariants())

	p.CurrentCreditBalance = dec("100.01")
	assert.ErrorIs(t, p.CheckInvariants(), credit.ErrInvariantViolation)

	p.CurrentCreditBalance = dec("-1")
	assert.ErrorIs(t, p.CheckInvariants(), credit.ErrInvariantViolation)
}

func TestCreditProfile_CloneIsDeep(t *testing.T) {
	reason := "audit"
	p := credit.NewProfile("f", credit.TierNew, dec("30"), time.Now())
	p.FreezeReason = &reason

	c := p.Clone()
	*c.FreezeReason = "changed"

	assert.Equal(t, "audit", *p.FreezeReason)
}

func TestErrorHelpers(t *testing.T) {
	assert.True(t, credit.IsRetryable(&credit.ConcurrencyConflictError{}))
	assert.True(t, credit.IsRetryable(credit.ErrConcurrentModification))
	assert.False(t, credit.IsRetryable(&credit.InsufficientCreditError{}))
	assert.True(t, credit.IsClientError(&credit.FrozenAccountError{}))
	assert.True(t, credit.IsClientError(&credit.InvalidLimitError{Requested: decimal.Zero}))
	assert.True(t, credit.IsNotFound(&credit.ProductNotFoundError{}))
	assert.False(t, credit.IsNotFound(credit.ErrIneligible))
}

// =============================================================================
// CALENDAR
// =============================================================================

func TestCalendar(t *testing.T) {
	at := time.Date(2026, time.December, 31, 23, 59, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, time.December, 31, 0, 0, 0, 0, time.UTC), credit.DateOf(at))
	assert.Equal(t, time.Date(2027, time.January, 1, 0, 0, 0, 0, time.UTC), credit.NextSettlementDate(at))
	assert.Equal(t, 1, credit.MonthsBetween(time.Date(2026, time.January, 31, 0, 0, 0, 0, time.UTC), time.Date(2026, time.February, 1, 0, 0, 0, 0, time.UTC)))
}

func TestSettlementDue(t *testing.T) {
	now := time.Date(2026, time.April, 1, 8, 0, 0, 0, time.UTC)
	due := time.Date(2026, time.April, 1, 0, 0, 0, 0, time.UTC)
	later := due.AddDate(0, 1, 0)

	p := credit.NewProfile("f", credit.TierNew, dec("30"), now)
	assert.False(t, credit.SettlementDue(p, now), "no schedule yet")

	p.NextSettlementDate = &due
	assert.True(t, credit.SettlementDue(p, now))

	p.LastSettlementDate = &due
	assert.False(t, credit.SettlementDue(p, now), "already settled today")

	p.LastSettlementDate = nil
	p.NextSettlementDate = &later
	assert.False(t, credit.SettlementDue(p, now))
}

// =============================================================================
// LOCKER AND RETRY
// =============================================================================

func TestKeyedLocker_SerializesSameKey(t *testing.T) {
	locker := credit.NewKeyedLocker()
	var inside, maxInside int32
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := locker.Acquire(context.Background(), "farmer:a", time.Second)
			require.NoError(t, err)
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
			release()
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInside)
	assert.Equal(t, 0, locker.Len(), "entries are dropped once unused")
}

func TestKeyedLocker_TimeoutAndIndependentKeys(t *testing.T) {
	locker := credit.NewKeyedLocker()
	release, err := locker.Acquire(context.Background(), "farmer:a", time.Second)
	require.NoError(t, err)
	defer release()

	// Same key times out
	_, err = locker.Acquire(context.Background(), "farmer:a", 20*time.Millisecond)
	assert.ErrorIs(t, err, credit.ErrLockTimeout)

	// Other keys are free
	other, err := locker.Acquire(context.Background(), "farmer:b", 20*time.Millisecond)
	require.NoError(t, err)
	other()
	other() // idempotent
}

func TestWithRetry(t *testing.T) {
	policy := credit.RetryPolicy{Attempts: 3, Backoff: time.Millisecond}

	t.Run("retries conflicts then succeeds", func(t *testing.T) {
		calls := 0
		got, err := credit.WithRetry(context.Background(), policy, func(context.Context) (int, error) {
			calls++
			if calls < 3 {
				return 0, &credit.ConcurrencyConflictError{FarmerID: "f"}
			}
			return 42, nil
		})
		require.NoError(t, err)
		assert.Equal(t, 42, got)
		assert.Equal(t, 3, calls)
	})

	t.Run("gives up after budget", func(t *testing.T) {
		calls := 0
		_, err := credit.WithRetry(context.Background(), policy, func(context.Context) (int, error) {
			calls++
			return 0, credit.ErrConcurrentModification
		})
		assert.ErrorIs(t, err, credit.ErrConcurrentModification)
		assert.Equal(t, 3, calls)
	})

	t.Run("does not retry business errors", func(t *testing.T) {
		calls := 0
		_, err := credit.WithRetry(context.Background(), policy, func(context.Context) (int, error) {
			calls++
			return 0, errors.New("boom")
		})
		assert.EqualError(t, err, "boom")
		assert.Equal(t, 1, calls)
	})
}
