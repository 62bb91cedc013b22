package credit_test

import (
	"context"
	"testing"
	"time"

	"github.com/dairycoop/credit-engine/credit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingStore counts ListTransactions calls to observe cache hits.
type countingStore struct {
	credit.Store
	lists int
}

func (c *countingStore) ListTransactions(ctx context.Context, q credit.TransactionQuery) ([]credit.CreditTransaction, error) {
	c.lists++
	return c.Store.ListTransactions(ctx, q)
}

func purchaseMany(t *testing.T, f *fixture, farmerID credit.FarmerID, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := f.engine.UseCreditForPurchase(context.Background(), farmerID, "dairy-meal", dec("1"), "clerk")
		require.NoError(t, err)
	}
}

func TestGetCreditTransactions_NewestFirstWithDefaultLimit(t *testing.T) {
	// GIVEN: Twelve purchases committed at the same instant
	f := newFixture(t)
	f.seed("farmer-h", credit.TierPremium, "10000", "10000", "0")
	purchaseMany(t, f, "farmer-h", 12)

	// WHEN
	txs, err := f.history.GetCreditTransactions(context.Background(), "farmer-h", 0)
	require.NoError(t, err)

	// THEN: Default limit, ties broken by id descending
	require.Len(t, txs, credit.DefaultHistoryLimit)
	for i := 1; i < len(txs); i++ {
		assert.True(t, credit.NewerFirst(txs[i-1], txs[i]))
		assert.True(t, txs[i-1].BalanceBefore.Equal(txs[i].BalanceAfter), "newest first means row i-1 follows row i")
	}
	assertKES(t, "7000.00", txs[0].BalanceAfter)
}

func TestGetCreditTransactions_ReplayIsIdentical(t *testing.T) {
	f := newFixture(t)
	f.seed("farmer-h", credit.TierPremium, "10000", "10000", "0")
	purchaseMany(t, f, "farmer-h", 4)

	first, err := f.history.GetCreditTransactions(context.Background(), "farmer-h", 50)
	require.NoError(t, err)
	second, err := f.history.GetCreditTransactions(context.Background(), "farmer-h", 50)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestGetCreditTransactions_CacheServesAndInvalidates(t *testing.T) {
	// GIVEN: A history service over a counting store
	f := newFixture(t)
	f.seed("farmer-h", credit.TierPremium, "10000", "10000", "0")
	purchaseMany(t, f, "farmer-h", 3)

	counting := &countingStore{Store: f.store}
	history := credit.NewHistoryService(counting, credit.NewLRUHistoryCache(16, time.Minute), quietLogger())
	engine := credit.NewEngine(credit.EngineConfig{
		Store:    f.store,
		Payments: f.payments,
		Catalog:  f.catalog,
		History:  history,
		Logger:   quietLogger(),
	})
	ctx := context.Background()

	// WHEN: Reading twice, the second time with a smaller limit
	_, err := history.GetCreditTransactions(ctx, "farmer-h", 10)
	require.NoError(t, err)
	txs, err := history.GetCreditTransactions(ctx, "farmer-h", 2)
	require.NoError(t, err)

	// THEN: One store read served both
	assert.Equal(t, 1, counting.lists)
	assert.Len(t, txs, 2)

	// AND: A complete history answers larger limits too
	txs, err = history.GetCreditTransactions(ctx, "farmer-h", 100)
	require.NoError(t, err)
	assert.Len(t, txs, 3)
	assert.Equal(t, 1, counting.lists)

	// WHEN: A new operation commits
	_, err = engine.UseCreditForPurchase(ctx, "farmer-h", "dairy-meal", dec("1"), "clerk")
	require.NoError(t, err)

	// THEN: The next read goes to the store and sees it
	txs, err = history.GetCreditTransactions(ctx, "farmer-h", 10)
	require.NoError(t, err)
	assert.Equal(t, 2, counting.lists)
	assert.Len(t, txs, 4)
}

func TestListTransactions_CursorPagination(t *testing.T) {
	// GIVEN: Seven rows
	f := newFixture(t)
	f.seed("farmer-h", credit.TierPremium, "10000", "10000", "0")
	purchaseMany(t, f, "farmer-h", 7)
	ctx := context.Background()

	// WHEN: Paging three at a time
	var pages [][]credit.CreditTransaction
	q := credit.TransactionQuery{FarmerID: "farmer-h", Limit: 3}
	for {
		page, err := f.history.ListTransactions(ctx, q)
		require.NoError(t, err)
		if len(page) == 0 {
			break
		}
		pages = append(pages, page)
		last := page[len(page)-1]
		q.Before = &credit.Cursor{CreatedAt: last.CreatedAt, ID: last.ID}
	}

	// THEN: 3 + 3 + 1 with no overlap and the same order as a full read
	require.Len(t, pages, 3)
	assert.Len(t, pages[2], 1)
	all, err := f.history.ListTransactions(ctx, credit.TransactionQuery{FarmerID: "farmer-h", Limit: 100})
	require.NoError(t, err)
	var joined []credit.CreditTransaction
	for _, p := range pages {
		joined = append(joined, p...)
	}
	assert.Equal(t, all, joined)
}

func TestSettlements_FeedAcrossFarmers(t *testing.T) {
	// GIVEN: Two farmers settled, one only purchased
	f := newFixture(t)
	ctx := context.Background()
	for _, id := range []credit.FarmerID{"farmer-s1", "farmer-s2", "farmer-s3"} {
		f.seed(id, credit.TierNew, "5000", "4000", "1000")
	}
	_, err := f.engine.PerformMonthlySettlement(ctx, "farmer-s1", "system")
	require.NoError(t, err)
	_, err = f.engine.PerformMonthlySettlement(ctx, "farmer-s2", "system")
	require.NoError(t, err)
	purchaseMany(t, f, "farmer-s3", 1)

	// WHEN
	from := credit.StartOfMonth(testNow)
	feed, err := f.history.Settlements(ctx, from, credit.NextSettlementDate(testNow), 0)
	require.NoError(t, err)

	// THEN
	require.Len(t, feed, 2)
	for _, tx := range feed {
		assert.Equal(t, credit.TxSettlement, tx.Type)
		assertKES(t, "1000.00", tx.Amount)
	}

	// AND: A window that ends before the settlements is empty
	feed, err = f.history.Settlements(ctx, from.AddDate(0, -1, 0), from, 0)
	require.NoError(t, err)
	assert.Empty(t, feed)
}

func TestHistoryPage_Serve(t *testing.T) {
	rows := make([]credit.CreditTransaction, 5)

	tests := []struct {
		name      string
		pageLimit int
		rows      int
		want      int
		wantHit   int
	}{
		{"smaller request", 10, 10, 3, 3},
		{"equal request", 10, 10, 10, 10},
		{"larger request on full page", 10, 10, 20, -1},
		{"larger request on complete history", 10, 5, 20, 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			page := credit.HistoryPage{Limit: tt.pageLimit, Transactions: make([]credit.CreditTransaction, tt.rows)}
			if tt.rows == 5 {
				page.Transactions = rows
			}
			got, ok := page.Serve(tt.want)
			if tt.wantHit < 0 {
				assert.False(t, ok)
				return
			}
			assert.True(t, ok)
			assert.Len(t, got, tt.wantHit)
		})
	}
}

func TestNormalizeLimit(t *testing.T) {
	assert.Equal(t, 10, credit.NormalizeLimit(0))
	assert.Equal(t, 10, credit.NormalizeLimit(-5))
	assert.Equal(t, 25, credit.NormalizeLimit(25))
	assert.Equal(t, 500, credit.NormalizeLimit(10_000))
}
