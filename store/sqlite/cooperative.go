package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dairycoop/credit-engine/credit"
	"github.com/shopspring/decimal"
)

// =============================================================================
// COOPERATIVE DATA - Farmers, milk collections and the agrovet catalog
// =============================================================================

// Collection statuses. Only approved, unpaid collections back credit.
const (
	CollectionPending  = "Pending"
	CollectionApproved = "Approved"
	CollectionPaid     = "Paid"
)

// Farmer is a registered cooperative member.
type Farmer struct {
	ID           credit.FarmerID
	Name         string
	Phone        string
	RegisteredAt time.Time
}

// Collection is one milk delivery and what it is worth.
type Collection struct {
	ID             string
	FarmerID       credit.FarmerID
	CollectionDate time.Time
	QuantityLitres decimal.Decimal
	TotalAmount    decimal.Decimal
	Status         string
}

// InventoryItem is an agrovet product with its stock level.
type InventoryItem struct {
	credit.Product
	StockQuantity decimal.Decimal
}

// SaveFarmer inserts or replaces a farmer.
func (s *Store) SaveFarmer(ctx context.Context, f Farmer) error {
	query := `
		INSERT INTO farmers (id, name, phone, registered_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			phone = excluded.phone,
			registered_at = excluded.registered_at
	`
	_, err := s.db.ExecContext(ctx, query, f.ID, f.Name, nullString(f.Phone), formatTime(f.RegisteredAt))
	if err != nil {
		return fmt.Errorf("failed to save farmer: %w", err)
	}
	return nil
}

// ListFarmers returns every farmer ordered by id.
func (s *Store) ListFarmers(ctx context.Context) ([]Farmer, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, name, phone, registered_at FROM farmers ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("failed to query farmers: %w", err)
	}
	defer rows.Close()

	var farmers []Farmer
	for rows.Next() {
		var (
			f            Farmer
			phone        sql.NullString
			registeredAt string
		)
		if err := rows.Scan(&f.ID, &f.Name, &phone, &registeredAt); err != nil {
			return nil, fmt.Errorf("failed to scan farmer: %w", err)
		}
		f.Phone = phone.String
		if f.RegisteredAt, err = parseTime(registeredAt); err != nil {
			return nil, err
		}
		farmers = append(farmers, f)
	}
	return farmers, rows.Err()
}

// RegisteredAt implements credit.RegistrationSource.
func (s *Store) RegisteredAt(ctx context.Context, farmerID credit.FarmerID) (time.Time, bool, error) {
	var registeredAt string
	err := s.db.QueryRowContext(ctx, "SELECT registered_at FROM farmers WHERE id = ?", farmerID).Scan(&registeredAt)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to load farmer registration: %w", err)
	}
	t, err := parseTime(registeredAt)
	if err != nil {
		return time.Time{}, false, err
	}
	return t, true, nil
}

// SaveCollection inserts or replaces a milk collection.
func (s *Store) SaveCollection(ctx context.Context, c Collection) error {
	status := c.Status
	if status == "" {
		status = CollectionPending
	}
	query := `
		INSERT INTO collections (id, farmer_id, collection_date, quantity_litres, total_amount, status)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			quantity_litres = excluded.quantity_litres,
			total_amount = excluded.total_amount,
			status = excluded.status
	`
	_, err := s.db.ExecContext(ctx, query,
		c.ID, c.FarmerID, c.CollectionDate.UTC().Format(dateLayout),
		c.QuantityLitres.String(), money(c.TotalAmount), status,
	)
	if err != nil {
		return fmt.Errorf("failed to save collection: %w", err)
	}
	return nil
}

// PendingPaymentTotal implements credit.PendingPayments: the sum of the
// farmer's approved collections that have not been paid out yet.
func (s *Store) PendingPaymentTotal(ctx context.Context, farmerID credit.FarmerID) (decimal.Decimal, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT total_amount FROM collections WHERE farmer_id = ? AND status = ?",
		farmerID, CollectionApproved,
	)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to query collections: %w", err)
	}
	defer rows.Close()

	// Summed here rather than with SUM(), which would go through REAL.
	total := decimal.Zero
	for rows.Next() {
		var amount decimal.Decimal
		if err := rows.Scan(&amount); err != nil {
			return decimal.Zero, fmt.Errorf("failed to scan collection amount: %w", err)
		}
		total = total.Add(amount)
	}
	return total, rows.Err()
}

// SaveProduct inserts or replaces an agrovet inventory item.
func (s *Store) SaveProduct(ctx context.Context, item InventoryItem) error {
	query := `
		INSERT INTO agrovet_inventory (id, name, unit, unit_price, is_credit_eligible, stock_quantity)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			unit = excluded.unit,
			unit_price = excluded.unit_price,
			is_credit_eligible = excluded.is_credit_eligible,
			stock_quantity = excluded.stock_quantity
	`
	_, err := s.db.ExecContext(ctx, query,
		item.ID, item.Name, item.Unit, item.UnitPrice.String(), item.CreditEligible, item.StockQuantity.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to save product: %w", err)
	}
	return nil
}

// ProductPrice implements credit.ProductCatalog.
func (s *Store) ProductPrice(ctx context.Context, productID string) (*credit.Product, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT id, name, unit, unit_price, is_credit_eligible, stock_quantity FROM agrovet_inventory WHERE id = ?",
		productID,
	)
	item, err := scanInventoryItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load product: %w", err)
	}
	return &item.Product, nil
}

// ListProducts returns the inventory ordered by name, optionally only the
// items that may be bought on credit.
func (s *Store) ListProducts(ctx context.Context, creditEligibleOnly bool) ([]InventoryItem, error) {
	query := "SELECT id, name, unit, unit_price, is_credit_eligible, stock_quantity FROM agrovet_inventory"
	if creditEligibleOnly {
		query += " WHERE is_credit_eligible = 1"
	}
	query += " ORDER BY name, id"

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query products: %w", err)
	}
	defer rows.Close()

	var items []InventoryItem
	for rows.Next() {
		item, err := scanInventoryItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan product: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func scanInventoryItem(row scanner) (InventoryItem, error) {
	var item InventoryItem
	err := row.Scan(&item.ID, &item.Name, &item.Unit, &item.UnitPrice, &item.CreditEligible, &item.StockQuantity)
	return item, err
}
