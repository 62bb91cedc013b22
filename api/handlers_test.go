/*
handlers_test.go - HTTP tests for the credit API

Tests for:
- Grant, purchase and history over HTTP against a SQLite store
- Domain error to status code mapping
- Actor resolution (JWT and X-Actor-ID)
- Cursor pagination, settlement feed, reconciliation report
- Concurrent purchases racing for the same balance
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/dairycoop/credit-engine/credit"
	"github.com/dairycoop/credit-engine/store/sqlite"
	"github.com/golang-jwt/jwt/v5"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var testNow = time.Date(2026, time.March, 15, 10, 30, 0, 0, time.UTC)

type testServer struct {
	handler *Handler
	router  http.Handler
	store   *sqlite.Store
	now     time.Time
}

func (ts *testServer) clock() time.Time { return ts.now }

func newTestServer(t *testing.T, auth *ActorAuth) *testServer {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ts := &testServer{store: store, now: testNow}
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	history := credit.NewHistoryService(store, credit.NewLRUHistoryCache(64, time.Minute), logger)
	engine := credit.NewEngine(credit.EngineConfig{
		Store:    store,
		Payments: store,
		Catalog:  store,
		Tiers:    &credit.RegistrationTierResolver{Source: store, Now: ts.clock},
		History:  history,
		Logger:   logger,
		Clock:    ts.clock,
	})

	h := NewHandler(engine, history, store, store, logger)
	h.Cooperative = store
	h.Clock = ts.clock
	h.Retry = credit.RetryPolicy{Attempts: 3, Backoff: time.Millisecond}
	h.Scheduler = NewSettlementScheduler(engine, store, logger)
	h.Scheduler.Clock = ts.clock

	ts.handler = h
	ts.router = NewRouter(h, RouterOptions{Auth: auth, EnableScenarios: true})

	for _, item := range catalog {
		require.NoError(t, store.SaveProduct(context.Background(), item))
	}
	return ts
}

// do sends a request and decodes a JSON response into out when out is not nil.
func (ts *testServer) do(t *testing.T, method, path string, body any, out any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	if out != nil {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out), rec.Body.String())
	}
	return rec
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// seed registers a farmer monthsAgo months back with pending approved
// collections.
func (ts *testServer) seed(t *testing.T, id credit.FarmerID, monthsAgo int, pending string) {
	t.Helper()
	require.NoError(t, ts.handler.seedFarmer(context.Background(), id, "Farmer "+string(id), monthsAgo, pending))
}

// =============================================================================
// OPERATIONS
// =============================================================================

func TestAPI_GrantPurchaseAndHistory(t *testing.T) {
	// GIVEN: An established farmer with 30,000 pending
	ts := newTestServer(t, nil)
	ts.seed(t, "F001", 6, "30000")

	// WHEN: Credit is granted
	var granted OperationResponse
	rec := ts.do(t, http.MethodPost, "/api/farmers/F001/credit/grant", nil, &granted, "X-Actor-ID", "officer-1")

	// THEN
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "18000.00", granted.Transaction.BalanceAfter)
	assert.Equal(t, "credit_granted", granted.Transaction.Type)
	assert.Contains(t, granted.Transaction.Description, "30000.00")
	assert.Equal(t, "officer-1", granted.Transaction.ApprovedBy)
	assert.Equal(t, "established", granted.Profile.CreditTier)
	assert.Equal(t, "2026-04-01", *granted.Profile.NextSettlementDate)

	// WHEN: Two bags of dairy meal are bought
	var bought OperationResponse
	rec = ts.do(t, http.MethodPost, "/api/farmers/F001/credit/purchases",
		PurchaseRequest{ProductID: "dairy-meal", Quantity: dec("2")}, &bought)

	// THEN
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "5000.00", bought.Transaction.Amount)
	assert.Equal(t, "13000.00", bought.Transaction.BalanceAfter)
	require.NotNil(t, bought.Transaction.Purchase)
	assert.Equal(t, "Dairy Meal 70kg", bought.Transaction.Purchase.ProductName)
	assert.Equal(t, AnonymousActor, bought.Transaction.ApprovedBy)

	// AND: The profile reflects both operations
	var profile CreditProfileDTO
	rec = ts.do(t, http.MethodGet, "/api/farmers/F001/credit", nil, &profile)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "13000.00", profile.AvailableCredit)
	assert.Equal(t, "5000.00", profile.PendingDeductions)
	assert.Equal(t, "5000.00", profile.TotalCreditUsed)
	assert.Equal(t, "27.78", profile.Utilization)

	// AND: History is newest first and repeatable
	var first, second TransactionPageDTO
	ts.do(t, http.MethodGet, "/api/farmers/F001/credit/transactions", nil, &first)
	ts.do(t, http.MethodGet, "/api/farmers/F001/credit/transactions", nil, &second)
	require.Len(t, first.Transactions, 2)
	assert.Equal(t, "credit_used", first.Transactions[0].Type)
	assert.Equal(t, "credit_granted", first.Transactions[1].Type)
	assert.Equal(t, first, second)
	assert.Nil(t, first.NextBefore)
}

func TestAPI_RepaymentLimitFreezeAndSettlement(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.seed(t, "F002", 18, "35714.29")
	require.Equal(t, http.StatusCreated, ts.do(t, http.MethodPost, "/api/farmers/F002/credit/grant", nil, nil).Code)
	require.Equal(t, http.StatusCreated, ts.do(t, http.MethodPost, "/api/farmers/F002/credit/purchases",
		PurchaseRequest{ProductID: "mineral-block", Quantity: dec("4")}, nil).Code)

	// Repayment of part of the deduction
	var repaid OperationResponse
	rec := ts.do(t, http.MethodPost, "/api/farmers/F002/credit/repayments",
		RepaymentRequest{Amount: dec("400"), ReferenceID: "MPESA-QX12"}, &repaid)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "24400.00", repaid.Transaction.BalanceAfter)
	assert.Equal(t, "MPESA-QX12", repaid.Transaction.ReferenceID)
	assert.Equal(t, "600.00", repaid.Profile.PendingDeductions)

	// Raising the limit leaves the balance alone
	var adjusted OperationResponse
	rec = ts.do(t, http.MethodPut, "/api/farmers/F002/credit/limit", AdjustLimitRequest{NewLimit: dec("30000")}, &adjusted)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "5000.00", adjusted.Transaction.Amount)
	assert.Equal(t, adjusted.Transaction.BalanceBefore, adjusted.Transaction.BalanceAfter)

	// Freezing records a zero-amount row
	var frozen OperationResponse
	yes := true
	rec = ts.do(t, http.MethodPost, "/api/farmers/F002/credit/freeze", FreezeRequest{Freeze: &yes, Reason: "Overdue payment"}, &frozen)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "0.00", frozen.Transaction.Amount)
	assert.Equal(t, "Credit line frozen: Overdue payment", frozen.Transaction.Description)
	assert.Equal(t, "0.00", frozen.Profile.AvailableCredit)

	// Settlement restores the limit even while frozen
	var settled OperationResponse
	rec = ts.do(t, http.MethodPost, "/api/farmers/F002/credit/settlements", nil, &settled)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "30000.00", settled.Transaction.BalanceAfter)
	assert.Equal(t, "600.00", settled.Transaction.Amount)
	assert.Equal(t, "0.00", settled.Profile.PendingDeductions)
	assert.True(t, settled.Profile.IsFrozen)
}

func TestAPI_ErrorMapping(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.seed(t, "F001", 6, "30000")
	ts.seed(t, "F009", 6, "0")
	require.Equal(t, http.StatusCreated, ts.do(t, http.MethodPost, "/api/farmers/F001/credit/grant", nil, nil).Code)
	yes := true

	tests := []struct {
		name       string
		method     string
		path       string
		body       any
		wantStatus int
		wantError  string
	}{
		{"grant while balance outstanding", http.MethodPost, "/api/farmers/F001/credit/grant", nil, http.StatusConflict, "not eligible"},
		{"grant without pending payments", http.MethodPost, "/api/farmers/F009/credit/grant", nil, http.StatusConflict, "no pending payments"},
		{"purchase without profile", http.MethodPost, "/api/farmers/F404/credit/purchases", PurchaseRequest{ProductID: "dairy-meal", Quantity: dec("1")}, http.StatusNotFound, "credit profile not found"},
		{"unknown product", http.MethodPost, "/api/farmers/F001/credit/purchases", PurchaseRequest{ProductID: "tractor", Quantity: dec("1")}, http.StatusNotFound, "product not found"},
		{"product not sold on credit", http.MethodPost, "/api/farmers/F001/credit/purchases", PurchaseRequest{ProductID: "knapsack-sprayer", Quantity: dec("1")}, http.StatusBadRequest, "not eligible for credit"},
		{"zero quantity", http.MethodPost, "/api/farmers/F001/credit/purchases", PurchaseRequest{ProductID: "dairy-meal", Quantity: dec("0")}, http.StatusBadRequest, "invalid amount"},
		{"insufficient credit", http.MethodPost, "/api/farmers/F001/credit/purchases", PurchaseRequest{ProductID: "dairy-meal", Quantity: dec("8")}, http.StatusUnprocessableEntity, "insufficient credit"},
		{"non-positive limit", http.MethodPut, "/api/farmers/F001/credit/limit", AdjustLimitRequest{NewLimit: dec("0")}, http.StatusBadRequest, "invalid credit limit"},
		{"repayment above deductions", http.MethodPost, "/api/farmers/F001/credit/repayments", RepaymentRequest{Amount: dec("10")}, http.StatusBadRequest, "exceeds pending deductions"},
		{"freeze without reason", http.MethodPost, "/api/farmers/F001/credit/freeze", FreezeRequest{Freeze: &yes}, http.StatusBadRequest, "validation failed"},
		{"missing product id", http.MethodPost, "/api/farmers/F001/credit/purchases", map[string]any{"quantity": 1}, http.StatusBadRequest, "validation failed"},
		{"malformed body", http.MethodPost, "/api/farmers/F001/credit/purchases", "not an object", http.StatusBadRequest, "invalid request body"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var resp ErrorResponse
			rec := ts.do(t, tt.method, tt.path, tt.body, &resp)
			assert.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
			assert.Contains(t, resp.Error, tt.wantError)
		})
	}

	// Nothing above changed the ledger.
	var page TransactionPageDTO
	ts.do(t, http.MethodGet, "/api/farmers/F001/credit/transactions", nil, &page)
	assert.Len(t, page.Transactions, 1)
}

func TestAPI_InsufficientCreditDetails(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.seed(t, "F001", 6, "30000")
	ts.do(t, http.MethodPost, "/api/farmers/F001/credit/grant", nil, nil)

	var resp ErrorResponse
	rec := ts.do(t, http.MethodPost, "/api/farmers/F001/credit/purchases",
		PurchaseRequest{ProductID: "dairy-meal", Quantity: dec("8")}, &resp)

	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "18000.00", resp.Details["available"])
	assert.Equal(t, "20000.00", resp.Details["requested"])
	assert.Equal(t, "2000.00", resp.Details["shortfall"])
}

func TestAPI_FrozenLineRejectsPurchase(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.seed(t, "F004", 6, "25000")
	ts.do(t, http.MethodPost, "/api/farmers/F004/credit/grant", nil, nil)
	yes := true
	ts.do(t, http.MethodPost, "/api/farmers/F004/credit/freeze", FreezeRequest{Freeze: &yes, Reason: "Overdue payment"}, nil)

	var resp ErrorResponse
	rec := ts.do(t, http.MethodPost, "/api/farmers/F004/credit/purchases",
		PurchaseRequest{ProductID: "mineral-block", Quantity: dec("1")}, &resp)

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "credit line is frozen: Overdue payment", resp.Error)
}

// =============================================================================
// ACTOR
// =============================================================================

func TestAPI_JWTActor(t *testing.T) {
	const secret = "test-secret"
	ts := newTestServer(t, NewActorAuth(secret))
	ts.seed(t, "F001", 6, "30000")

	sign := func(key string, claims jwt.MapClaims) string {
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(key))
		require.NoError(t, err)
		return "Bearer " + token
	}
	valid := sign(secret, jwt.MapClaims{"sub": "officer-7", "exp": time.Now().Add(time.Hour).Unix()})

	// Missing token
	rec := ts.do(t, http.MethodPost, "/api/farmers/F001/credit/grant", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Header identity is ignored once a secret is configured
	rec = ts.do(t, http.MethodPost, "/api/farmers/F001/credit/grant", nil, nil, "X-Actor-ID", "mallory")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Wrong key
	rec = ts.do(t, http.MethodPost, "/api/farmers/F001/credit/grant", nil, nil,
		"Authorization", sign("other", jwt.MapClaims{"sub": "officer-7"}))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Expired
	rec = ts.do(t, http.MethodPost, "/api/farmers/F001/credit/grant", nil, nil,
		"Authorization", sign(secret, jwt.MapClaims{"sub": "officer-7", "exp": time.Now().Add(-time.Hour).Unix()}))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Valid token records the subject as approver
	var granted OperationResponse
	rec = ts.do(t, http.MethodPost, "/api/farmers/F001/credit/grant", nil, &granted, "Authorization", valid)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "officer-7", granted.Transaction.ApprovedBy)

	// Reads stay open
	rec = ts.do(t, http.MethodGet, "/api/farmers/F001/credit", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

// =============================================================================
// HISTORY AND FEEDS
// =============================================================================

func TestAPI_TransactionCursorPagination(t *testing.T) {
	// GIVEN: Four rows for one farmer
	ts := newTestServer(t, nil)
	ts.seed(t, "F001", 6, "30000")
	ts.do(t, http.MethodPost, "/api/farmers/F001/credit/grant", nil, nil)
	for i := 0; i < 3; i++ {
		ts.now = ts.now.Add(time.Minute)
		rec := ts.do(t, http.MethodPost, "/api/farmers/F001/credit/purchases",
			PurchaseRequest{ProductID: "mineral-block", Quantity: dec("1")}, nil)
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	// WHEN: Paging two at a time
	var page1, page2 TransactionPageDTO
	ts.do(t, http.MethodGet, "/api/farmers/F001/credit/transactions?limit=2", nil, &page1)
	require.Len(t, page1.Transactions, 2)
	require.NotNil(t, page1.NextBefore)
	ts.do(t, http.MethodGet, "/api/farmers/F001/credit/transactions?limit=2&before="+*page1.NextBefore, nil, &page2)

	// THEN: Pages are disjoint and continue the order
	require.Len(t, page2.Transactions, 2)
	assert.Equal(t, "credit_used", page2.Transactions[0].Type)
	assert.Equal(t, "credit_granted", page2.Transactions[1].Type)
	assert.NotEqual(t, page1.Transactions[1].ID, page2.Transactions[0].ID)
	assert.Equal(t, page1.Transactions[1].BalanceBefore, page2.Transactions[0].BalanceAfter)

	// AND: Type filters work
	var grants TransactionPageDTO
	ts.do(t, http.MethodGet, "/api/farmers/F001/credit/transactions?type=credit_granted", nil, &grants)
	require.Len(t, grants.Transactions, 1)

	// AND: Bad parameters are rejected
	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodGet, "/api/farmers/F001/credit/transactions?before=!!!", nil, nil).Code)
	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodGet, "/api/farmers/F001/credit/transactions?type=refund", nil, nil).Code)
	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodGet, "/api/farmers/F001/credit/transactions?limit=-1", nil, nil).Code)
}

func TestAPI_SettlementFeedAndScheduler(t *testing.T) {
	// GIVEN: Two farmers with credit drawn in March
	ts := newTestServer(t, nil)
	ts.seed(t, "F001", 6, "30000")
	ts.seed(t, "F002", 18, "35714.29")
	for _, id := range []string{"F001", "F002"} {
		require.Equal(t, http.StatusCreated, ts.do(t, http.MethodPost, "/api/farmers/"+id+"/credit/grant", nil, nil).Code)
		require.Equal(t, http.StatusCreated, ts.do(t, http.MethodPost, "/api/farmers/"+id+"/credit/purchases",
			PurchaseRequest{ProductID: "dairy-meal", Quantity: dec("2")}, nil).Code)
	}

	// WHEN: The sweep runs in March nothing is due
	var sweep SweepResultDTO
	rec := ts.do(t, http.MethodPost, "/api/admin/settlements/run", nil, &sweep)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 0, sweep.Due)

	// WHEN: It runs on the first of April
	ts.now = time.Date(2026, time.April, 1, 6, 0, 0, 0, time.UTC)
	rec = ts.do(t, http.MethodPost, "/api/admin/settlements/run", nil, &sweep)

	// THEN: Both farmers are settled
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2, sweep.Due)
	assert.Equal(t, 2, sweep.Completed)
	for _, run := range sweep.Runs {
		assert.Equal(t, "completed", run.Status)
		assert.Equal(t, "settle:"+run.FarmerID+":2026-04-01", run.ID)
		assert.NotEmpty(t, run.TransactionID)
	}

	// AND: A second sweep the same day finds nothing
	rec = ts.do(t, http.MethodPost, "/api/admin/settlements/run", nil, &sweep)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, sweep.Due)

	// AND: The feed shows both settlements with their deductions
	var feed TransactionPageDTO
	rec = ts.do(t, http.MethodGet, "/api/settlements?from=2026-04-01&to=2026-04-01", nil, &feed)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, feed.Transactions, 2)
	for _, tx := range feed.Transactions {
		assert.Equal(t, "settlement", tx.Type)
		assert.Equal(t, "5000.00", tx.Amount)
	}

	// AND: March has none
	ts.do(t, http.MethodGet, "/api/settlements?from=2026-03-01&to=2026-03-31", nil, &feed)
	assert.Empty(t, feed.Transactions)

	// AND: The run log has both
	var runs []SettlementRunDTO
	rec = ts.do(t, http.MethodGet, "/api/admin/settlements/runs?status=completed", nil, &runs)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, runs, 2)

	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodGet, "/api/settlements?from=2026-04-02&to=2026-04-01", nil, nil).Code)
}

func TestAPI_SettleNamedFarmers(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.seed(t, "F001", 6, "30000")
	ts.do(t, http.MethodPost, "/api/farmers/F001/credit/grant", nil, nil)

	var sweep SweepResultDTO
	rec := ts.do(t, http.MethodPost, "/api/admin/settlements/run", RunSettlementsRequest{FarmerIDs: []string{"F001", "F404"}}, &sweep)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 2, sweep.Due)
	assert.Equal(t, 1, sweep.Completed)
	assert.Equal(t, 1, sweep.Failed)
	assert.Equal(t, "failed", sweep.Runs[1].Status)
}

func TestAPI_ReconciliationReport(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.seed(t, "F001", 6, "30000")
	ts.do(t, http.MethodPost, "/api/farmers/F001/credit/grant", nil, nil)
	ts.do(t, http.MethodPost, "/api/farmers/F001/credit/purchases", PurchaseRequest{ProductID: "dairy-meal", Quantity: dec("6")}, nil)

	// JSON
	var report ReconciliationReportDTO
	rec := ts.do(t, http.MethodGet, "/api/reports/reconciliation", nil, &report)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, report.Entries, 1)
	entry := report.Entries[0]
	assert.Equal(t, "30000.00", entry.PendingPayments)
	assert.Equal(t, "18000.00", entry.CreditLimit)
	assert.Equal(t, "3000.00", entry.AvailableCredit)
	assert.Equal(t, "83.33", entry.Utilization)
	assert.Equal(t, credit.UtilizationWarning, entry.UtilizationLevel)
	assert.NotNil(t, entry.LastTransactionAt)
	assert.Equal(t, 1, report.Summary.HighUtilization)

	// XLSX
	rec = ts.do(t, http.MethodGet, "/api/reports/reconciliation?format=xlsx", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, xlsxContentType, rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "credit-reconciliation-2026-03-15.xlsx")

	f, err := excelize.OpenReader(bytes.NewReader(rec.Body.Bytes()))
	require.NoError(t, err)
	defer f.Close()
	farmer, err := f.GetCellValue(farmersSheet, "A2")
	require.NoError(t, err)
	assert.Equal(t, "F001", farmer)
	count, err := f.GetCellValue(summarySheet, "B2")
	require.NoError(t, err)
	assert.Equal(t, "1", count)

	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodGet, "/api/reports/reconciliation?format=pdf", nil, nil).Code)
}

func TestAPI_ProductsAndHealth(t *testing.T) {
	ts := newTestServer(t, nil)

	var products []ProductDTO
	rec := ts.do(t, http.MethodGet, "/api/products?credit_eligible=true", nil, &products)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, products, 3)
	for _, p := range products {
		assert.True(t, p.CreditEligible)
	}

	ts.do(t, http.MethodGet, "/api/products", nil, &products)
	assert.Len(t, products, 4)

	rec = ts.do(t, http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodGet, "/metrics", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

// =============================================================================
// CONCURRENCY
// =============================================================================

func TestAPI_ConcurrentPurchasesNeverOverdraw(t *testing.T) {
	// GIVEN: 1,000.00 available and two 800.00 purchases at once
	ts := newTestServer(t, nil)
	ts.seed(t, "F006", 1, "3333.33")
	var granted OperationResponse
	ts.do(t, http.MethodPost, "/api/farmers/F006/credit/grant", nil, &granted)
	require.Equal(t, "1000.00", granted.Transaction.BalanceAfter)

	// WHEN
	codes := make([]int, 2)
	var wg sync.WaitGroup
	for i := range codes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			data, _ := json.Marshal(PurchaseRequest{ProductID: "acaricide", Quantity: dec("1")})
			req := httptest.NewRequest(http.MethodPost, "/api/farmers/F006/credit/purchases", bytes.NewReader(data))
			rec := httptest.NewRecorder()
			ts.router.ServeHTTP(rec, req)
			codes[i] = rec.Code
		}(i)
	}
	wg.Wait()

	// THEN: Exactly one succeeds, the other is refused for insufficient credit
	assert.ElementsMatch(t, []int{http.StatusCreated, http.StatusUnprocessableEntity}, codes)

	var profile CreditProfileDTO
	ts.do(t, http.MethodGet, "/api/farmers/F006/credit", nil, &profile)
	assert.Equal(t, "200.00", profile.CurrentCreditBalance)
	assert.Equal(t, "800.00", profile.TotalCreditUsed)
}
