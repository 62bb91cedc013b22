/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Populates the SQLite database with farmers, milk collections, agrovet
	products and credit activity that demonstrate one engine behavior each.
	Credit activity goes through the engine, so every scenario leaves a
	real audit trail.

AVAILABLE SCENARIOS:

	grant-established:  30,000 pending at 60% grants 18,000.00
	premium-purchase:   Premium line of 25,000 buys 4 x 250.00
	limit-increase:     Limit raised from 75,000 to 90,000
	frozen-line:        15,000 line frozen for "Overdue payment"
	month-end:          Drawn line settled back to 100,000
	low-balance:        1,000 left, ready for two competing purchases

HOW SCENARIOS WORK:
 1. Reset database (clear all data)
 2. Create the agrovet catalog
 3. Create the farmer with a registration date that selects the tier
 4. Add approved collections (pending payments)
 5. Run engine operations

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "premium-purchase"}

NOTE:

	Scenarios reset the database. Only use in development/demo environments.
	Tiers follow registration dates only when the engine resolves tiers
	from the farmers table.

SEE ALSO:
  - handlers.go: Handler and error mapping
  - store/sqlite/cooperative.go: Farmers, collections, inventory
*/
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/dairycoop/credit-engine/credit"
	"github.com/dairycoop/credit-engine/store/sqlite"
	"github.com/shopspring/decimal"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

type scenario struct {
	ScenarioDTO
	farmerID credit.FarmerID
	load     func(ctx context.Context, h *Handler, actor string) error
}

const scenarioActor = "scenario-loader"

var scenarios = []scenario{
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "grant-established",
			Name:        "Established Farmer Grant",
			Description: "Established farmer with 30,000.00 pending receives an 18,000.00 credit line",
		},
		farmerID: "F001",
		load: func(ctx context.Context, h *Handler, actor string) error {
			if err := h.seedFarmer(ctx, "F001", "Wanjiru Kamau", 6, "30000"); err != nil {
				return err
			}
			_, err := h.Engine.GrantCredit(ctx, "F001", actor)
			return err
		},
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "premium-purchase",
			Name:        "Premium Purchase",
			Description: "Premium farmer with a 25,000.00 line buys 4 mineral blocks at 250.00",
		},
		farmerID: "F002",
		load: func(ctx context.Context, h *Handler, actor string) error {
			if err := h.seedFarmer(ctx, "F002", "Otieno Ochieng", 18, "35714.29"); err != nil {
				return err
			}
			if _, err := h.Engine.GrantCredit(ctx, "F002", actor); err != nil {
				return err
			}
			_, err := h.Engine.UseCreditForPurchase(ctx, "F002", "mineral-block", decimal.NewFromInt(4), actor)
			return err
		},
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "limit-increase",
			Name:        "Limit Increase",
			Description: "Premium farmer's limit raised from 75,000.00 to 90,000.00",
		},
		farmerID: "F003",
		load: func(ctx context.Context, h *Handler, actor string) error {
			if err := h.seedFarmer(ctx, "F003", "Chebet Kiprono", 24, "107142.86"); err != nil {
				return err
			}
			if _, err := h.Engine.GrantCredit(ctx, "F003", actor); err != nil {
				return err
			}
			_, err := h.Engine.AdjustCreditLimit(ctx, "F003", decimal.NewFromInt(90000), actor)
			return err
		},
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "frozen-line",
			Name:        "Frozen Credit Line",
			Description: "A 15,000.00 line frozen for an overdue payment",
		},
		farmerID: "F004",
		load: func(ctx context.Context, h *Handler, actor string) error {
			if err := h.seedFarmer(ctx, "F004", "Mutua Musyoka", 6, "25000"); err != nil {
				return err
			}
			if _, err := h.Engine.GrantCredit(ctx, "F004", actor); err != nil {
				return err
			}
			_, err := h.Engine.FreezeUnfreezeCredit(ctx, "F004", true, "Overdue payment", actor)
			return err
		},
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "month-end",
			Name:        "Month-End Settlement",
			Description: "A 100,000.00 line drawn down to 25,000.00 and settled back to full",
		},
		farmerID: "F005",
		load: func(ctx context.Context, h *Handler, actor string) error {
			if err := h.seedFarmer(ctx, "F005", "Njeri Wambui", 30, "142857.14"); err != nil {
				return err
			}
			if _, err := h.Engine.GrantCredit(ctx, "F005", actor); err != nil {
				return err
			}
			if _, err := h.Engine.UseCreditForPurchase(ctx, "F005", "dairy-meal", decimal.NewFromInt(30), actor); err != nil {
				return err
			}
			_, err := h.Engine.PerformMonthlySettlement(ctx, "F005", actor)
			return err
		},
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "low-balance",
			Name:        "Low Balance",
			Description: "New farmer with 1,000.00 available; two 800.00 purchases cannot both succeed",
		},
		farmerID: "F006",
		load: func(ctx context.Context, h *Handler, actor string) error {
			if err := h.seedFarmer(ctx, "F006", "Kibet Rotich", 1, "3333.33"); err != nil {
				return err
			}
			_, err := h.Engine.GrantCredit(ctx, "F006", actor)
			return err
		},
	},
}

var catalog = []sqlite.InventoryItem{
	{Product: credit.Product{ID: "dairy-meal", Name: "Dairy Meal 70kg", Unit: "bags", UnitPrice: decimal.NewFromInt(2500), CreditEligible: true}, StockQuantity: decimal.NewFromInt(400)},
	{Product: credit.Product{ID: "mineral-block", Name: "Mineral Lick Block", Unit: "blocks", UnitPrice: decimal.NewFromInt(250), CreditEligible: true}, StockQuantity: decimal.NewFromInt(120)},
	{Product: credit.Product{ID: "acaricide", Name: "Acaricide 1L", Unit: "bottles", UnitPrice: decimal.NewFromInt(800), CreditEligible: true}, StockQuantity: decimal.NewFromInt(60)},
	{Product: credit.Product{ID: "knapsack-sprayer", Name: "Knapsack Sprayer", Unit: "pieces", UnitPrice: decimal.NewFromInt(4500), CreditEligible: false}, StockQuantity: decimal.NewFromInt(8)},
}

// =============================================================================
// HANDLERS
// =============================================================================

// ListScenarios returns the available demo scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	dtos := make([]ScenarioDTO, len(scenarios))
	for i, s := range scenarios {
		dtos[i] = s.ScenarioDTO
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetCurrentScenario returns the last loaded scenario id.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]string{"scenario_id": current})
}

// LoadScenario resets the database and loads one scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	if h.Cooperative == nil {
		writeError(w, http.StatusNotImplemented, "scenarios require the sqlite store", nil)
		return
	}
	var req LoadScenarioRequest
	if !h.decode(w, r, &req) {
		return
	}

	var found *scenario
	for i := range scenarios {
		if scenarios[i].ID == req.ScenarioID {
			found = &scenarios[i]
			break
		}
	}
	if found == nil {
		writeError(w, http.StatusNotFound, "unknown scenario", nil)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.LoadScenarioByID(r.Context(), found.ID); err != nil {
		h.writeOpError(w, "LoadScenario", found.farmerID, err)
		return
	}
	h.currentScenario = found.ID

	profile, err := h.Engine.GetCreditProfile(r.Context(), found.farmerID)
	if err != nil || profile == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "scenario_id": found.ID})
		return
	}
	writeJSON(w, http.StatusOK, toProfileDTO(profile))
}

// ResetDatabase clears all data.
func (h *Handler) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	if h.Cooperative == nil {
		writeError(w, http.StatusNotImplemented, "reset requires the sqlite store", nil)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.reset(r.Context()); err != nil {
		h.writeOpError(w, "ResetDatabase", "", err)
		return
	}
	h.currentScenario = ""
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// LoadScenarioByID resets the store and runs one loader. Used by the
// handler and by the CLI.
func (h *Handler) LoadScenarioByID(ctx context.Context, id string) error {
	for _, s := range scenarios {
		if s.ID != id {
			continue
		}
		if err := h.reset(ctx); err != nil {
			return err
		}
		for _, item := range catalog {
			if err := h.Cooperative.SaveProduct(ctx, item); err != nil {
				return err
			}
		}
		if err := s.load(ctx, h, scenarioActor); err != nil {
			return fmt.Errorf("scenario %s: %w", id, err)
		}
		h.Logger.WithField("scenario_id", id).Info("scenario loaded")
		return nil
	}
	return fmt.Errorf("unknown scenario %q", id)
}

func (h *Handler) reset(ctx context.Context) error {
	if err := h.Cooperative.Reset(ctx); err != nil {
		return fmt.Errorf("failed to reset database: %w", err)
	}
	// Cached history of the demo farmers predates the reset.
	for _, s := range scenarios {
		h.History.Invalidate(ctx, s.farmerID)
	}
	return nil
}

// seedFarmer registers a farmer monthsAgo months back with one approved
// collection worth pending.
func (h *Handler) seedFarmer(ctx context.Context, id credit.FarmerID, name string, monthsAgo int, pending string) error {
	now := h.Clock().UTC()
	farmer := sqlite.Farmer{
		ID:           id,
		Name:         name,
		RegisteredAt: now.AddDate(0, -monthsAgo, -1),
	}
	if err := h.Cooperative.SaveFarmer(ctx, farmer); err != nil {
		return err
	}

	amount := decimal.RequireFromString(pending)
	return h.Cooperative.SaveCollection(ctx, sqlite.Collection{
		ID:             string(id) + "-c1",
		FarmerID:       id,
		CollectionDate: now.Add(-24 * time.Hour),
		QuantityLitres: amount.Div(decimal.NewFromInt(50)).Round(1),
		TotalAmount:    amount,
		Status:         sqlite.CollectionApproved,
	})
}
