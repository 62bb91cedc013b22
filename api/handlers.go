/*
handlers.go - HTTP API handlers for the farmer credit ledger

PURPOSE:
  Exposes the credit engine via REST API. Handles HTTP request/response,
  JSON serialization and validation, and delegates to credit.Engine and
  credit.HistoryService.

ENDPOINTS:
  Credit:
    GET    /api/farmers/{id}/credit                 Profile with availability
    GET    /api/farmers/{id}/credit/eligibility     Grant quote, no write
    GET    /api/farmers/{id}/credit/transactions    History (?limit=&before=&type=)
    POST   /api/farmers/{id}/credit/grant           Open the credit line
    POST   /api/farmers/{id}/credit/purchases       Buy on credit
    POST   /api/farmers/{id}/credit/repayments      Record a repayment
    PUT    /api/farmers/{id}/credit/limit           Change the limit
    POST   /api/farmers/{id}/credit/freeze          Freeze or unfreeze
    POST   /api/farmers/{id}/credit/settlements     Settle one farmer now

  Feeds and reports:
    GET    /api/settlements                         Settlement rows (?from=&to=)
    GET    /api/reports/reconciliation              JSON or ?format=xlsx
    GET    /api/products                            Agrovet catalog

  Admin:
    POST   /api/admin/settlements/run               Sweep due farmers now
    GET    /api/admin/settlements/runs              Scheduler run log

REQUEST FLOW:
  1. Parse path and body, validate with struct tags
  2. Resolve the actor (actor.go)
  3. Call the engine through credit.WithRetry
  4. Serialize response
  5. Map domain errors to status codes

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid amounts or limits
  - 404: Profile or product not found
  - 409: Not eligible, or a concurrent operation won (retry)
  - 422: Insufficient credit, frozen credit line
  - 500: Internal errors (message withheld, details logged)

SEE ALSO:
  - dto.go: Request/response data structures
  - scheduler.go: Settlement scheduler
  - server.go: Router setup and middleware
*/
package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dairycoop/credit-engine/config"
	"github.com/dairycoop/credit-engine/credit"
	"github.com/dairycoop/credit-engine/store/sqlite"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Pinger is implemented by stores that can report their health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine    *credit.Engine
	History   *credit.HistoryService
	Store     credit.Store
	Payments  credit.PendingPayments
	Runs      credit.RunLog        // optional
	Scheduler *SettlementScheduler // optional

	// Cooperative enables the product catalog and demo scenarios. Only the
	// SQLite store owns those tables.
	Cooperative *sqlite.Store

	Retry  credit.RetryPolicy
	Logger *logrus.Logger
	Clock  func() time.Time

	validate *validator.Validate

	mu              sync.Mutex
	currentScenario string
}

// NewHandler creates a handler. Optional collaborators are set on the
// returned value.
func NewHandler(engine *credit.Engine, history *credit.HistoryService, store credit.Store, payments credit.PendingPayments, logger *logrus.Logger) *Handler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	runs, _ := store.(credit.RunLog)
	return &Handler{
		Engine:   engine,
		History:  history,
		Store:    store,
		Payments: payments,
		Runs:     runs,
		Retry:    credit.DefaultRetryPolicy(),
		Logger:   logger,
		Clock:    time.Now,
		validate: newValidator(),
	}
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report JSON field names in validation errors.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// =============================================================================
// PROFILE AND HISTORY
// =============================================================================

// GetCreditProfile returns the live profile of a farmer.
func (h *Handler) GetCreditProfile(w http.ResponseWriter, r *http.Request) {
	farmerID, ok := h.farmerID(w, r)
	if !ok {
		return
	}

	profile, err := h.Engine.GetCreditProfile(r.Context(), farmerID)
	if err != nil {
		h.writeOpError(w, "GetCreditProfile", farmerID, err)
		return
	}
	if profile == nil {
		writeError(w, http.StatusNotFound, "credit profile not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, toProfileDTO(profile))
}

// GetEligibility quotes what a grant would give without writing anything.
func (h *Handler) GetEligibility(w http.ResponseWriter, r *http.Request) {
	farmerID, ok := h.farmerID(w, r)
	if !ok {
		return
	}

	quote, err := h.Engine.CheckEligibility(r.Context(), farmerID)
	if err != nil {
		h.writeOpError(w, "GetEligibility", farmerID, err)
		return
	}
	writeJSON(w, http.StatusOK, toEligibilityDTO(quote))
}

// GetTransactions returns a farmer's history, newest first. The first page
// without filters goes through the history cache; cursor pages and type
// filters read the store directly.
func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	farmerID, ok := h.farmerID(w, r)
	if !ok {
		return
	}

	query := r.URL.Query()
	limit := 0
	if s := query.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer", nil)
			return
		}
		limit = n
	}
	limit = credit.NormalizeLimit(limit)

	q := credit.TransactionQuery{FarmerID: farmerID, Limit: limit}
	if s := query.Get("before"); s != "" {
		cursor, err := decodeCursor(s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid before cursor", nil)
			return
		}
		q.Before = &cursor
	}
	if s := query.Get("type"); s != "" {
		for _, name := range strings.Split(s, ",") {
			typ := credit.TransactionType(strings.TrimSpace(name))
			if !typ.Valid() {
				writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown transaction type %q", name), nil)
				return
			}
			q.Types = append(q.Types, typ)
		}
	}

	var (
		txs []credit.CreditTransaction
		err error
	)
	if q.Before == nil && len(q.Types) == 0 {
		txs, err = h.History.GetCreditTransactions(r.Context(), farmerID, limit)
	} else {
		txs, err = h.History.ListTransactions(r.Context(), q)
	}
	if err != nil {
		h.writeOpError(w, "GetTransactions", farmerID, err)
		return
	}

	page := TransactionPageDTO{Transactions: toTransactionDTOs(txs)}
	if len(txs) == limit {
		next := encodeCursor(txs[len(txs)-1])
		page.NextBefore = &next
	}
	writeJSON(w, http.StatusOK, page)
}

// =============================================================================
// CREDIT OPERATIONS
// =============================================================================

// GrantCredit opens a credit line equal to the farmer's eligibility.
func (h *Handler) GrantCredit(w http.ResponseWriter, r *http.Request) {
	farmerID, ok := h.farmerID(w, r)
	if !ok {
		return
	}
	actor := ActorFromRequest(r)

	h.runOperation(w, r, http.StatusCreated, "GrantCredit", farmerID, func(ctx context.Context) (*credit.Result, error) {
		return h.Engine.GrantCredit(ctx, farmerID, actor)
	})
}

// UseCreditForPurchase buys an agrovet product on credit.
func (h *Handler) UseCreditForPurchase(w http.ResponseWriter, r *http.Request) {
	farmerID, ok := h.farmerID(w, r)
	if !ok {
		return
	}
	var req PurchaseRequest
	if !h.decode(w, r, &req) {
		return
	}
	actor := ActorFromRequest(r)

	h.runOperation(w, r, http.StatusCreated, "UseCreditForPurchase", farmerID, func(ctx context.Context) (*credit.Result, error) {
		return h.Engine.UseCreditForPurchase(ctx, farmerID, req.ProductID, req.Quantity, actor)
	})
}

// RecordRepayment credits a repayment received outside the milk payments.
func (h *Handler) RecordRepayment(w http.ResponseWriter, r *http.Request) {
	farmerID, ok := h.farmerID(w, r)
	if !ok {
		return
	}
	var req RepaymentRequest
	if !h.decode(w, r, &req) {
		return
	}
	actor := ActorFromRequest(r)

	h.runOperation(w, r, http.StatusCreated, "RecordRepayment", farmerID, func(ctx context.Context) (*credit.Result, error) {
		return h.Engine.RecordRepayment(ctx, farmerID, req.Amount, req.ReferenceID, actor)
	})
}

// AdjustCreditLimit sets a new maximum credit amount.
func (h *Handler) AdjustCreditLimit(w http.ResponseWriter, r *http.Request) {
	farmerID, ok := h.farmerID(w, r)
	if !ok {
		return
	}
	var req AdjustLimitRequest
	if !h.decode(w, r, &req) {
		return
	}
	actor := ActorFromRequest(r)

	h.runOperation(w, r, http.StatusOK, "AdjustCreditLimit", farmerID, func(ctx context.Context) (*credit.Result, error) {
		return h.Engine.AdjustCreditLimit(ctx, farmerID, req.NewLimit, actor)
	})
}

// FreezeUnfreezeCredit toggles the freeze flag.
func (h *Handler) FreezeUnfreezeCredit(w http.ResponseWriter, r *http.Request) {
	farmerID, ok := h.farmerID(w, r)
	if !ok {
		return
	}
	var req FreezeRequest
	if !h.decode(w, r, &req) {
		return
	}
	if *req.Freeze && strings.TrimSpace(req.Reason) == "" {
		writeError(w, http.StatusBadRequest, "validation failed", map[string]string{"reason": "required when freezing"})
		return
	}
	actor := ActorFromRequest(r)

	h.runOperation(w, r, http.StatusCreated, "FreezeUnfreezeCredit", farmerID, func(ctx context.Context) (*credit.Result, error) {
		return h.Engine.FreezeUnfreezeCredit(ctx, farmerID, *req.Freeze, req.Reason, actor)
	})
}

// PerformMonthlySettlement settles one farmer immediately.
func (h *Handler) PerformMonthlySettlement(w http.ResponseWriter, r *http.Request) {
	farmerID, ok := h.farmerID(w, r)
	if !ok {
		return
	}
	actor := ActorFromRequest(r)

	h.runOperation(w, r, http.StatusCreated, "PerformMonthlySettlement", farmerID, func(ctx context.Context) (*credit.Result, error) {
		return h.Engine.PerformMonthlySettlement(ctx, farmerID, actor)
	})
}

func (h *Handler) runOperation(w http.ResponseWriter, r *http.Request, status int, funcName string, farmerID credit.FarmerID, op func(ctx context.Context) (*credit.Result, error)) {
	res, err := credit.WithRetry(r.Context(), h.Retry, op)
	if err != nil {
		h.writeOpError(w, funcName, farmerID, err)
		return
	}
	writeJSON(w, status, toOperationResponse(res))
}

// =============================================================================
// FEEDS AND REPORTS
// =============================================================================

// ListSettlements is the feed the payment side reads to apply deductions.
// from and to are dates (YYYY-MM-DD, both inclusive) or RFC 3339
// timestamps (to exclusive). Defaults cover the current month.
func (h *Handler) ListSettlements(w http.ResponseWriter, r *http.Request) {
	now := h.Clock().UTC()
	from := credit.StartOfMonth(now)
	to := credit.DateOf(now).AddDate(0, 0, 1)

	query := r.URL.Query()
	if s := query.Get("from"); s != "" {
		t, _, err := parseBound(s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid from", nil)
			return
		}
		from = t
	}
	if s := query.Get("to"); s != "" {
		t, dateOnly, err := parseBound(s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid to", nil)
			return
		}
		if dateOnly {
			t = t.AddDate(0, 0, 1)
		}
		to = t
	}
	if !from.Before(to) {
		writeError(w, http.StatusBadRequest, "from must be before to", nil)
		return
	}

	limit := credit.MaxHistoryLimit
	if s := query.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer", nil)
			return
		}
		limit = n
	}

	txs, err := h.History.Settlements(r.Context(), from, to, limit)
	if err != nil {
		h.writeOpError(w, "ListSettlements", "", err)
		return
	}
	writeJSON(w, http.StatusOK, TransactionPageDTO{Transactions: toTransactionDTOs(txs)})
}

// GetReconciliationReport builds the report from live profiles.
func (h *Handler) GetReconciliationReport(w http.ResponseWriter, r *http.Request) {
	report, err := credit.BuildReconciliationReport(r.Context(), h.Store, h.Payments, h.Clock().UTC())
	if err != nil {
		h.writeOpError(w, "GetReconciliationReport", "", err)
		return
	}

	switch r.URL.Query().Get("format") {
	case "", "json":
		writeJSON(w, http.StatusOK, toReportDTO(report))
	case "xlsx":
		var buf bytes.Buffer
		if err := WriteReconciliationXLSX(&buf, report); err != nil {
			h.writeOpError(w, "GetReconciliationReport", "", err)
			return
		}
		filename := fmt.Sprintf("credit-reconciliation-%s.xlsx", report.GeneratedAt.Format(dateLayout))
		w.Header().Set("Content-Type", xlsxContentType)
		w.Header().Set("Content-Disposition", "attachment; filename="+filename)
		w.WriteHeader(http.StatusOK)
		w.Write(buf.Bytes())
	default:
		writeError(w, http.StatusBadRequest, "format must be json or xlsx", nil)
	}
}

// ListProducts returns the agrovet catalog, optionally only credit-eligible
// items (?credit_eligible=true).
func (h *Handler) ListProducts(w http.ResponseWriter, r *http.Request) {
	if h.Cooperative == nil {
		writeError(w, http.StatusNotImplemented, "product catalog not available on this store", nil)
		return
	}
	eligibleOnly := false
	if s := r.URL.Query().Get("credit_eligible"); s != "" {
		b, err := strconv.ParseBool(s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "credit_eligible must be a boolean", nil)
			return
		}
		eligibleOnly = b
	}

	items, err := h.Cooperative.ListProducts(r.Context(), eligibleOnly)
	if err != nil {
		h.writeOpError(w, "ListProducts", "", err)
		return
	}
	dtos := make([]ProductDTO, len(items))
	for i, item := range items {
		dtos[i] = ProductDTO{
			ID:             item.ID,
			Name:           item.Name,
			Unit:           item.Unit,
			UnitPrice:      credit.FormatKES(item.UnitPrice),
			CreditEligible: item.CreditEligible,
			StockQuantity:  item.StockQuantity.String(),
		}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// ADMIN
// =============================================================================

// RunSettlements sweeps due farmers now, or settles the listed ones.
func (h *Handler) RunSettlements(w http.ResponseWriter, r *http.Request) {
	if h.Scheduler == nil {
		writeError(w, http.StatusServiceUnavailable, "settlement scheduler not configured", nil)
		return
	}
	var req RunSettlementsRequest
	if r.ContentLength != 0 && !h.decode(w, r, &req) {
		return
	}

	var result *SweepResult
	if len(req.FarmerIDs) > 0 {
		ids := make([]credit.FarmerID, len(req.FarmerIDs))
		for i, id := range req.FarmerIDs {
			ids[i] = credit.FarmerID(id)
		}
		result = h.Scheduler.SettleFarmers(r.Context(), ids)
	} else {
		var err error
		result, err = h.Scheduler.RunNow(r.Context())
		if err != nil {
			h.writeOpError(w, "RunSettlements", "", err)
			return
		}
	}

	dto := SweepResultDTO{
		Due:       result.Due,
		Completed: result.Completed,
		Failed:    result.Failed,
		Runs:      make([]SettlementRunDTO, len(result.Runs)),
	}
	for i, run := range result.Runs {
		dto.Runs[i] = toSettlementRunDTO(run)
	}
	writeJSON(w, http.StatusOK, dto)
}

// ListSettlementRuns returns the scheduler's run log (?status=&limit=).
func (h *Handler) ListSettlementRuns(w http.ResponseWriter, r *http.Request) {
	if h.Runs == nil {
		writeJSON(w, http.StatusOK, []SettlementRunDTO{})
		return
	}

	status := credit.RunStatus(r.URL.Query().Get("status"))
	limit := 100
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer", nil)
			return
		}
		limit = n
	}

	runs, err := h.Runs.ListSettlementRuns(r.Context(), status, limit)
	if err != nil {
		h.writeOpError(w, "ListSettlementRuns", "", err)
		return
	}
	dtos := make([]SettlementRunDTO, len(runs))
	for i, run := range runs {
		dtos[i] = toSettlementRunDTO(run)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// Healthz reports whether the store answers.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	if p, ok := h.Store.(Pinger); ok {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := p.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, details map[string]string) {
	writeJSON(w, status, ErrorResponse{Error: message, Details: details})
}

// writeOpError maps a domain error to a status and a message that is safe
// to show. Unexpected errors are logged with context and hidden.
func (h *Handler) writeOpError(w http.ResponseWriter, funcName string, farmerID credit.FarmerID, err error) {
	var (
		insufficient *credit.InsufficientCreditError
		ineligible   *credit.IneligibleError
	)
	switch {
	case errors.As(err, &insufficient):
		writeError(w, http.StatusUnprocessableEntity, err.Error(), map[string]string{
			"available": credit.FormatKES(insufficient.Available),
			"requested": credit.FormatKES(insufficient.Requested),
			"shortfall": credit.FormatKES(insufficient.Shortfall()),
		})
	case errors.Is(err, credit.ErrFrozenAccount):
		writeError(w, http.StatusUnprocessableEntity, err.Error(), nil)
	case errors.As(err, &ineligible):
		writeError(w, http.StatusConflict, err.Error(), map[string]string{
			"current_balance": credit.FormatKES(ineligible.CurrentBalance),
			"eligible":        credit.FormatKES(ineligible.Eligible),
		})
	case credit.IsRetryable(err):
		writeError(w, http.StatusConflict, "another credit operation is in progress for this farmer, please retry", nil)
	case credit.IsNotFound(err):
		writeError(w, http.StatusNotFound, err.Error(), nil)
	case credit.IsClientError(err):
		writeError(w, http.StatusBadRequest, err.Error(), nil)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusServiceUnavailable, "request cancelled", nil)
	default:
		config.LogError(h.Logger, "api", funcName, "farmer "+string(farmerID), nil, err)
		writeError(w, http.StatusInternalServerError, "internal error", nil)
	}
}

// decode reads a JSON body into dst and validates it. It writes the 400
// response itself and reports whether the handler should continue.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", nil)
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			details := make(map[string]string, len(verrs))
			for _, fe := range verrs {
				details[fe.Field()] = fe.Tag()
			}
			writeError(w, http.StatusBadRequest, "validation failed", details)
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid request body", nil)
		return false
	}
	return true
}

func (h *Handler) farmerID(w http.ResponseWriter, r *http.Request) (credit.FarmerID, bool) {
	id := chi.URLParam(r, "id")
	if err := h.validate.Var(id, "required,max=64,printascii"); err != nil {
		writeError(w, http.StatusBadRequest, "invalid farmer id", nil)
		return "", false
	}
	return credit.FarmerID(id), true
}

// Cursors are opaque to clients: base64 of "created_at|id".
func encodeCursor(t credit.CreditTransaction) string {
	raw := t.CreatedAt.UTC().Format(time.RFC3339Nano) + "|" + string(t.ID)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func decodeCursor(s string) (credit.Cursor, error) {
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return credit.Cursor{}, err
	}
	at, id, ok := strings.Cut(string(raw), "|")
	if !ok || id == "" {
		return credit.Cursor{}, errors.New("malformed cursor")
	}
	createdAt, err := time.Parse(time.RFC3339Nano, at)
	if err != nil {
		return credit.Cursor{}, err
	}
	return credit.Cursor{CreatedAt: createdAt, ID: credit.TransactionID(id)}, nil
}

func parseBound(s string) (time.Time, bool, error) {
	if t, err := time.Parse(dateLayout, s); err == nil {
		return t.UTC(), true, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	return t.UTC(), false, err
}
