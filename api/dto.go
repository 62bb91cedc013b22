/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the credit domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

MONEY:
  Amounts leave the API as strings with exactly two decimals ("18000.00").
  Requests accept either JSON numbers or strings; both decode into
  decimal.Decimal without passing through float64.

VALIDATION:
  Request structs carry go-playground/validator tags, checked by
  Handler.decode before any engine call. Amount signs and bounds are the
  engine's business and come back as domain errors.

SEE ALSO:
  - handlers.go: Uses these types
  - credit/types.go: Domain types
*/
package api

import (
	"time"

	"github.com/dairycoop/credit-engine/credit"
	"github.com/shopspring/decimal"
)

// =============================================================================
// REQUESTS
// =============================================================================

type PurchaseRequest struct {
	ProductID string          `json:"product_id" validate:"required,max=64"`
	Quantity  decimal.Decimal `json:"quantity"`
}

type RepaymentRequest struct {
	Amount      decimal.Decimal `json:"amount"`
	ReferenceID string          `json:"reference_id" validate:"omitempty,max=128"`
}

type AdjustLimitRequest struct {
	NewLimit decimal.Decimal `json:"new_limit"`
}

type FreezeRequest struct {
	Freeze *bool  `json:"freeze" validate:"required"`
	Reason string `json:"reason" validate:"max=500"`
}

type RunSettlementsRequest struct {
	FarmerIDs []string `json:"farmer_ids" validate:"omitempty,dive,required,max=64"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id" validate:"required"`
}

// =============================================================================
// RESPONSES
// =============================================================================

type ErrorResponse struct {
	Error   string            `json:"error"`
	Details map[string]string `json:"details,omitempty"`
}

type CreditProfileDTO struct {
	FarmerID              string  `json:"farmer_id"`
	CreditTier            string  `json:"credit_tier"`
	CreditLimitPercentage string  `json:"credit_limit_percentage"`
	MaxCreditAmount       string  `json:"max_credit_amount"`
	CurrentCreditBalance  string  `json:"current_credit_balance"`
	AvailableCredit       string  `json:"available_credit"`
	TotalCreditUsed       string  `json:"total_credit_used"`
	PendingDeductions     string  `json:"pending_deductions"`
	Utilization           string  `json:"utilization_percentage"`
	UtilizationLevel      string  `json:"utilization_level"`
	IsFrozen              bool    `json:"is_frozen"`
	FreezeReason          *string `json:"freeze_reason,omitempty"`
	LastSettlementDate    *string `json:"last_settlement_date,omitempty"`
	NextSettlementDate    *string `json:"next_settlement_date,omitempty"`
	UpdatedAt             string  `json:"updated_at"`
}

type PurchaseDTO struct {
	ProductID   string `json:"product_id"`
	ProductName string `json:"product_name"`
	Quantity    string `json:"quantity"`
	UnitPrice   string `json:"unit_price"`
	Unit        string `json:"unit"`
}

type TransactionDTO struct {
	ID             string       `json:"id"`
	FarmerID       string       `json:"farmer_id"`
	Type           string       `json:"transaction_type"`
	Amount         string       `json:"amount"`
	BalanceBefore  string       `json:"balance_before"`
	BalanceAfter   string       `json:"balance_after"`
	Purchase       *PurchaseDTO `json:"purchase,omitempty"`
	ReferenceID    string       `json:"reference_id,omitempty"`
	Description    string       `json:"description"`
	ApprovedBy     string       `json:"approved_by"`
	ApprovalStatus string       `json:"approval_status"`
	CreatedAt      string       `json:"created_at"`
}

// OperationResponse is returned by every write endpoint.
type OperationResponse struct {
	Profile     CreditProfileDTO `json:"profile"`
	Transaction TransactionDTO   `json:"transaction"`
}

type TransactionPageDTO struct {
	Transactions []TransactionDTO `json:"transactions"`
	// NextBefore is the cursor for the next page, absent on the last one.
	NextBefore *string `json:"next_before,omitempty"`
}

type EligibilityDTO struct {
	FarmerID        string `json:"farmer_id"`
	CreditTier      string `json:"credit_tier"`
	Percentage      string `json:"percentage"`
	PendingPayments string `json:"pending_payments"`
	Eligible        string `json:"eligible_amount"`
	CanGrant        bool   `json:"can_grant"`
}

type ProductDTO struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	Unit           string `json:"unit"`
	UnitPrice      string `json:"unit_price"`
	CreditEligible bool   `json:"is_credit_eligible"`
	StockQuantity  string `json:"stock_quantity"`
}

type SettlementRunDTO struct {
	ID            string  `json:"id"`
	FarmerID      string  `json:"farmer_id"`
	SettlementDay string  `json:"settlement_day"`
	Status        string  `json:"status"`
	TransactionID string  `json:"transaction_id,omitempty"`
	Error         string  `json:"error,omitempty"`
	StartedAt     string  `json:"started_at"`
	CompletedAt   *string `json:"completed_at,omitempty"`
}

type SweepResultDTO struct {
	Due       int                `json:"due"`
	Completed int                `json:"completed"`
	Failed    int                `json:"failed"`
	Runs      []SettlementRunDTO `json:"runs"`
}

type ReconciliationEntryDTO struct {
	FarmerID           string  `json:"farmer_id"`
	CreditTier         string  `json:"credit_tier"`
	PendingPayments    string  `json:"pending_payments"`
	CreditLimit        string  `json:"credit_limit"`
	AvailableCredit    string  `json:"available_credit"`
	CreditUsed         string  `json:"credit_used"`
	PendingDeductions  string  `json:"pending_deductions"`
	TotalCreditUsed    string  `json:"total_credit_used"`
	Utilization        string  `json:"utilization_percentage"`
	UtilizationLevel   string  `json:"utilization_level"`
	IsFrozen           bool    `json:"is_frozen"`
	LastTransactionAt  *string `json:"last_transaction_at,omitempty"`
	NextSettlementDate *string `json:"next_settlement_date,omitempty"`
}

type ReconciliationSummaryDTO struct {
	Farmers                int    `json:"farmers"`
	FrozenFarmers          int    `json:"frozen_farmers"`
	HighUtilization        int    `json:"high_utilization_farmers"`
	TotalPendingPayments   string `json:"total_pending_payments"`
	TotalCreditLimit       string `json:"total_credit_limit"`
	TotalAvailableCredit   string `json:"total_available_credit"`
	TotalCreditUsed        string `json:"total_credit_used"`
	TotalPendingDeductions string `json:"total_pending_deductions"`
	AverageUtilization     string `json:"average_utilization_percentage"`
}

type ReconciliationReportDTO struct {
	GeneratedAt string                   `json:"generated_at"`
	Entries     []ReconciliationEntryDTO `json:"entries"`
	Summary     ReconciliationSummaryDTO `json:"summary"`
}

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// =============================================================================
// CONVERTERS
// =============================================================================

const dateLayout = "2006-01-02"

func formatDate(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(dateLayout)
	return &s
}

func formatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func toProfileDTO(p *credit.CreditProfile) CreditProfileDTO {
	utilization := p.Utilization()
	return CreditProfileDTO{
		FarmerID:              string(p.FarmerID),
		CreditTier:            string(p.CreditTier),
		CreditLimitPercentage: p.CreditLimitPercentage.String(),
		MaxCreditAmount:       credit.FormatKES(p.MaxCreditAmount),
		CurrentCreditBalance:  credit.FormatKES(p.CurrentCreditBalance),
		AvailableCredit:       credit.FormatKES(p.Available()),
		TotalCreditUsed:       credit.FormatKES(p.TotalCreditUsed),
		PendingDeductions:     credit.FormatKES(p.PendingDeductions),
		Utilization:           credit.FormatKES(utilization),
		UtilizationLevel:      credit.UtilizationLevel(utilization),
		IsFrozen:              p.IsFrozen,
		FreezeReason:          p.FreezeReason,
		LastSettlementDate:    formatDate(p.LastSettlementDate),
		NextSettlementDate:    formatDate(p.NextSettlementDate),
		UpdatedAt:             formatTimestamp(p.UpdatedAt),
	}
}

func toTransactionDTO(t credit.CreditTransaction) TransactionDTO {
	dto := TransactionDTO{
		ID:             string(t.ID),
		FarmerID:       string(t.FarmerID),
		Type:           string(t.Type),
		Amount:         credit.FormatKES(t.Amount),
		BalanceBefore:  credit.FormatKES(t.BalanceBefore),
		BalanceAfter:   credit.FormatKES(t.BalanceAfter),
		ReferenceID:    t.ReferenceID,
		Description:    t.Description,
		ApprovedBy:     t.ApprovedBy,
		ApprovalStatus: string(t.ApprovalStatus),
		CreatedAt:      formatTimestamp(t.CreatedAt),
	}
	if t.Purchase != nil {
		dto.Purchase = &PurchaseDTO{
			ProductID:   t.Purchase.ProductID,
			ProductName: t.Purchase.ProductName,
			Quantity:    t.Purchase.Quantity.String(),
			UnitPrice:   credit.FormatKES(t.Purchase.UnitPrice),
			Unit:        t.Purchase.Unit,
		}
	}
	return dto
}

func toTransactionDTOs(txs []credit.CreditTransaction) []TransactionDTO {
	dtos := make([]TransactionDTO, len(txs))
	for i, t := range txs {
		dtos[i] = toTransactionDTO(t)
	}
	return dtos
}

func toOperationResponse(res *credit.Result) OperationResponse {
	return OperationResponse{
		Profile:     toProfileDTO(res.Profile),
		Transaction: toTransactionDTO(res.Transaction),
	}
}

func toEligibilityDTO(e *credit.Eligibility) EligibilityDTO {
	return EligibilityDTO{
		FarmerID:        string(e.FarmerID),
		CreditTier:      string(e.Tier),
		Percentage:      e.Percentage.String(),
		PendingPayments: credit.FormatKES(e.PendingPayments),
		Eligible:        credit.FormatKES(e.Eligible),
		CanGrant:        e.CanGrant,
	}
}

func toSettlementRunDTO(r credit.SettlementRun) SettlementRunDTO {
	dto := SettlementRunDTO{
		ID:            r.ID,
		FarmerID:      string(r.FarmerID),
		SettlementDay: r.SettlementDay.UTC().Format(dateLayout),
		Status:        string(r.Status),
		TransactionID: string(r.TransactionID),
		Error:         r.Error,
		StartedAt:     formatTimestamp(r.StartedAt),
	}
	if r.CompletedAt != nil {
		s := formatTimestamp(*r.CompletedAt)
		dto.CompletedAt = &s
	}
	return dto
}

func toReportDTO(r *credit.ReconciliationReport) ReconciliationReportDTO {
	entries := make([]ReconciliationEntryDTO, len(r.Entries))
	for i, e := range r.Entries {
		entries[i] = ReconciliationEntryDTO{
			FarmerID:           string(e.FarmerID),
			CreditTier:         string(e.Tier),
			PendingPayments:    credit.FormatKES(e.PendingPayments),
			CreditLimit:        credit.FormatKES(e.CreditLimit),
			AvailableCredit:    credit.FormatKES(e.AvailableCredit),
			CreditUsed:         credit.FormatKES(e.CreditUsed),
			PendingDeductions:  credit.FormatKES(e.PendingDeductions),
			TotalCreditUsed:    credit.FormatKES(e.TotalCreditUsed),
			Utilization:        credit.FormatKES(e.Utilization),
			UtilizationLevel:   e.UtilizationLevel,
			IsFrozen:           e.IsFrozen,
			NextSettlementDate: formatDate(e.NextSettlementDate),
		}
		if e.LastTransactionAt != nil {
			s := formatTimestamp(*e.LastTransactionAt)
			entries[i].LastTransactionAt = &s
		}
	}
	s := r.Summary
	return ReconciliationReportDTO{
		GeneratedAt: formatTimestamp(r.GeneratedAt),
		Entries:     entries,
		Summary: ReconciliationSummaryDTO{
			Farmers:                s.Farmers,
			FrozenFarmers:          s.FrozenFarmers,
			HighUtilization:        s.HighUtilization,
			TotalPendingPayments:   credit.FormatKES(s.TotalPendingPayments),
			TotalCreditLimit:       credit.FormatKES(s.TotalCreditLimit),
			TotalAvailableCredit:   credit.FormatKES(s.TotalAvailableCredit),
			TotalCreditUsed:        credit.FormatKES(s.TotalCreditUsed),
			TotalPendingDeductions: credit.FormatKES(s.TotalPendingDeductions),
			AverageUtilization:     credit.FormatKES(s.AverageUtilization),
		},
	}
}
