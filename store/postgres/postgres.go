/*
Package postgres provides a PostgreSQL implementation of the credit storage
interfaces using sqlx and lib/pq.

PURPOSE:
  Production backend for deployments where several server processes share
  one ledger. Implements the same interfaces as store/sqlite:
  credit.Store, credit.RunLog, credit.PendingPayments,
  credit.ProductCatalog and credit.RegistrationSource.

CONCURRENCY:
  LoadProfile inside WithTx takes SELECT ... FOR UPDATE, so a second
  writer for the same farmer waits on the row lock instead of racing.
  Other farmers' rows are untouched. The version check on UPDATE remains
  as a second line.

MONEY:
  NUMERIC(14,2) columns scanned straight into decimal.Decimal.

SCHEMA:
  Versioned SQL files in migrations/, embedded and applied with
  golang-migrate (see migrate.go).

SEE ALSO:
  - store/sqlite/sqlite.go: Default embedded backend
  - credit/store.go: Interface definitions
*/
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dairycoop/credit-engine/credit"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

// uniqueViolation is the SQLSTATE for a unique constraint failure.
const uniqueViolation = "23505"

// Store implements the credit storage interfaces on PostgreSQL.
type Store struct {
	db *sqlx.DB
}

// Open connects to dsn and configures the pool.
func Open(ctx context.Context, dsn string, maxOpenConns int) (*Store, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if maxOpenConns > 0 {
		db.SetMaxOpenConns(maxOpenConns)
		db.SetMaxIdleConns(maxOpenConns / 5)
	}
	return New(db), nil
}

func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// =============================================================================
// ROWS
// =============================================================================

type profileRow struct {
	FarmerID              string          `db:"farmer_id"`
	CreditTier            string          `db:"credit_tier"`
	CreditLimitPercentage decimal.Decimal `db:"credit_limit_percentage"`
	MaxCreditAmount       decimal.Decimal `db:"max_credit_amount"`
	CurrentCreditBalance  decimal.Decimal `db:"current_credit_balance"`
	TotalCreditUsed       decimal.Decimal `db:"total_credit_used"`
	PendingDeductions     decimal.Decimal `db:"pending_deductions"`
	IsFrozen              bool            `db:"is_frozen"`
	FreezeReason          *string         `db:"freeze_reason"`
	LastSettlementDate    *time.Time      `db:"last_settlement_date"`
	NextSettlementDate    *time.Time      `db:"next_settlement_date"`
	Version               int64           `db:"version"`
	CreatedAt             time.Time       `db:"created_at"`
	UpdatedAt             time.Time       `db:"updated_at"`
}

func (r profileRow) toProfile() *credit.CreditProfile {
	return &credit.CreditProfile{
		FarmerID:              credit.FarmerID(r.FarmerID),
		CreditTier:            credit.CreditTier(r.CreditTier),
		CreditLimitPercentage: r.CreditLimitPercentage,
		MaxCreditAmount:       r.MaxCreditAmount,
		CurrentCreditBalance:  r.CurrentCreditBalance,
		TotalCreditUsed:       r.TotalCreditUsed,
		PendingDeductions:     r.PendingDeductions,
		IsFrozen:              r.IsFrozen,
		FreezeReason:          r.FreezeReason,
		LastSettlementDate:    utcDate(r.LastSettlementDate),
		NextSettlementDate:    utcDate(r.NextSettlementDate),
		Version:               r.Version,
		CreatedAt:             r.CreatedAt.UTC(),
		UpdatedAt:             r.UpdatedAt.UTC(),
	}
}

type transactionRow struct {
	ID             string              `db:"id"`
	FarmerID       string              `db:"farmer_id"`
	Type           string              `db:"transaction_type"`
	Amount         decimal.Decimal     `db:"amount"`
	BalanceBefore  decimal.Decimal     `db:"balance_before"`
	BalanceAfter   decimal.Decimal     `db:"balance_after"`
	ProductID      sql.NullString      `db:"product_id"`
	ProductName    sql.NullString      `db:"product_name"`
	Quantity       decimal.NullDecimal `db:"quantity"`
	UnitPrice      decimal.NullDecimal `db:"unit_price"`
	Unit           sql.NullString      `db:"unit"`
	ReferenceID    sql.NullString      `db:"reference_id"`
	Description    string              `db:"description"`
	ApprovedBy     string              `db:"approved_by"`
	ApprovalStatus string              `db:"approval_status"`
	CreatedAt      time.Time           `db:"created_at"`
}

func (r transactionRow) toTransaction() credit.CreditTransaction {
	t := credit.CreditTransaction{
		ID:             credit.TransactionID(r.ID),
		FarmerID:       credit.FarmerID(r.FarmerID),
		Type:           credit.TransactionType(r.Type),
		Amount:         r.Amount,
		BalanceBefore:  r.BalanceBefore,
		BalanceAfter:   r.BalanceAfter,
		ReferenceID:    r.ReferenceID.String,
		Description:    r.Description,
		ApprovedBy:     r.ApprovedBy,
		ApprovalStatus: credit.ApprovalStatus(r.ApprovalStatus),
		CreatedAt:      r.CreatedAt.UTC(),
	}
	if r.ProductID.Valid {
		t.Purchase = &credit.PurchaseDetail{
			ProductID:   r.ProductID.String,
			ProductName: r.ProductName.String,
			Quantity:    r.Quantity.Decimal,
			UnitPrice:   r.UnitPrice.Decimal,
			Unit:        r.Unit.String,
		}
	}
	return t
}

const profileColumns = `farmer_id, credit_tier, credit_limit_percentage, max_credit_amount,
	current_credit_balance, total_credit_used, pending_deductions, is_frozen, freeze_reason,
	last_settlement_date, next_settlement_date, version, created_at, updated_at`

const transactionColumns = `id, farmer_id, transaction_type, amount, balance_before, balance_after,
	product_id, product_name, quantity, unit_price, unit, reference_id, description,
	approved_by, approval_status, created_at`

// =============================================================================
// PROFILES (credit.Store)
// =============================================================================

func (s *Store) GetProfile(ctx context.Context, farmerID credit.FarmerID) (*credit.CreditProfile, error) {
	return getProfile(ctx, s.db, farmerID, false)
}

func getProfile(ctx context.Context, q sqlx.QueryerContext, farmerID credit.FarmerID, forUpdate bool) (*credit.CreditProfile, error) {
	query := `SELECT ` + profileColumns + ` FROM credit_profiles WHERE farmer_id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	var row profileRow
	err := sqlx.GetContext(ctx, q, &row, query, farmerID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load credit profile: %w", err)
	}
	return row.toProfile(), nil
}

func (s *Store) ListProfiles(ctx context.Context) ([]credit.CreditProfile, error) {
	var rows []profileRow
	err := s.db.SelectContext(ctx, &rows, `SELECT `+profileColumns+` FROM credit_profiles ORDER BY farmer_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query credit profiles: %w", err)
	}
	profiles := make([]credit.CreditProfile, len(rows))
	for i, r := range rows {
		profiles[i] = *r.toProfile()
	}
	return profiles, nil
}

// =============================================================================
// TRANSACTIONS (credit.Store)
// =============================================================================

// ListTransactions builds the filter with ? placeholders and rebinds them
// to $n for lib/pq.
func (s *Store) ListTransactions(ctx context.Context, q credit.TransactionQuery) ([]credit.CreditTransaction, error) {
	var (
		where []string
		args  []any
	)
	if q.FarmerID != "" {
		where = append(where, "farmer_id = ?")
		args = append(args, q.FarmerID)
	}
	if len(q.Types) > 0 {
		types := make([]string, len(q.Types))
		for i, typ := range q.Types {
			types[i] = string(typ)
		}
		where = append(where, "transaction_type = ANY(?)")
		args = append(args, pq.Array(types))
	}
	if q.From != nil {
		where = append(where, "created_at >= ?")
		args = append(args, q.From.UTC())
	}
	if q.To != nil {
		where = append(where, "created_at < ?")
		args = append(args, q.To.UTC())
	}
	if q.Before != nil {
		where = append(where, "(created_at, id) < (?, ?)")
		args = append(args, q.Before.CreatedAt.UTC(), q.Before.ID)
	}

	query := `SELECT ` + transactionColumns + ` FROM credit_transactions`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if q.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, q.Limit)
	}

	var rows []transactionRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to query credit transactions: %w", err)
	}
	txs := make([]credit.CreditTransaction, len(rows))
	for i, r := range rows {
		txs[i] = r.toTransaction()
	}
	return txs, nil
}

// =============================================================================
// TRANSACTIONAL STORE (credit.Tx)
// =============================================================================

func (s *Store) WithTx(ctx context.Context, fn func(tx credit.Tx) error) error {
	sqlTx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx}); err != nil {
		return err
	}
	return sqlTx.Commit()
}

type txStore struct {
	tx *sqlx.Tx
}

func (ts *txStore) LoadProfile(ctx context.Context, farmerID credit.FarmerID) (*credit.CreditProfile, error) {
	return getProfile(ctx, ts.tx, farmerID, true)
}

func (ts *txStore) SaveProfile(ctx context.Context, p *credit.CreditProfile) error {
	args := []any{
		p.FarmerID, string(p.CreditTier), p.CreditLimitPercentage, p.MaxCreditAmount,
		p.CurrentCreditBalance, p.TotalCreditUsed, p.PendingDeductions, p.IsFrozen, p.FreezeReason,
		p.LastSettlementDate, p.NextSettlementDate, p.Version + 1, p.CreatedAt.UTC(), p.UpdatedAt.UTC(),
	}

	if p.Version == 0 {
		query := `
			INSERT INTO credit_profiles (` + profileColumns + `)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		`
		if _, err := ts.tx.ExecContext(ctx, query, args...); err != nil {
			if isUniqueViolation(err) {
				return credit.ErrConcurrentModification
			}
			return fmt.Errorf("failed to insert credit profile: %w", err)
		}
		p.Version++
		return nil
	}

	query := `
		UPDATE credit_profiles SET
			credit_tier = $2, credit_limit_percentage = $3, max_credit_amount = $4,
			current_credit_balance = $5, total_credit_used = $6, pending_deductions = $7,
			is_frozen = $8, freeze_reason = $9, last_settlement_date = $10,
			next_settlement_date = $11, version = $12, created_at = $13, updated_at = $14
		WHERE farmer_id = $1 AND version = $15
	`
	res, err := ts.tx.ExecContext(ctx, query, append(args, p.Version)...)
	if err != nil {
		return fmt.Errorf("failed to update credit profile: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update credit profile: %w", err)
	}
	if n == 0 {
		return credit.ErrConcurrentModification
	}
	p.Version++
	return nil
}

func (ts *txStore) AppendTransaction(ctx context.Context, t credit.CreditTransaction) error {
	row := transactionRow{
		ID:             string(t.ID),
		FarmerID:       string(t.FarmerID),
		Type:           string(t.Type),
		Amount:         t.Amount,
		BalanceBefore:  t.BalanceBefore,
		BalanceAfter:   t.BalanceAfter,
		ReferenceID:    sql.NullString{String: t.ReferenceID, Valid: t.ReferenceID != ""},
		Description:    t.Description,
		ApprovedBy:     t.ApprovedBy,
		ApprovalStatus: string(t.ApprovalStatus),
		CreatedAt:      t.CreatedAt.UTC(),
	}
	if t.Purchase != nil {
		row.ProductID = sql.NullString{String: t.Purchase.ProductID, Valid: true}
		row.ProductName = sql.NullString{String: t.Purchase.ProductName, Valid: true}
		row.Quantity = decimal.NewNullDecimal(t.Purchase.Quantity)
		row.UnitPrice = decimal.NewNullDecimal(t.Purchase.UnitPrice)
		row.Unit = sql.NullString{String: t.Purchase.Unit, Valid: true}
	}

	query := `
		INSERT INTO credit_transactions (` + transactionColumns + `)
		VALUES (:id, :farmer_id, :transaction_type, :amount, :balance_before, :balance_after,
			:product_id, :product_name, :quantity, :unit_price, :unit, :reference_id, :description,
			:approved_by, :approval_status, :created_at)
	`
	if _, err := ts.tx.NamedExecContext(ctx, query, row); err != nil {
		return fmt.Errorf("failed to append credit transaction: %w", err)
	}
	return nil
}

// =============================================================================
// SETTLEMENT RUNS (credit.RunLog)
// =============================================================================

func (s *Store) SaveSettlementRun(ctx context.Context, r credit.SettlementRun) error {
	query := `
		INSERT INTO settlement_runs (id, farmer_id, settlement_day, status, transaction_id,
			error, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (farmer_id, settlement_day) DO UPDATE SET
			status = excluded.status,
			transaction_id = excluded.transaction_id,
			error = excluded.error,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at
	`
	_, err := s.db.ExecContext(ctx, query,
		r.ID, r.FarmerID, credit.DateOf(r.SettlementDay), string(r.Status),
		sql.NullString{String: string(r.TransactionID), Valid: r.TransactionID != ""},
		sql.NullString{String: r.Error, Valid: r.Error != ""},
		r.StartedAt.UTC(), r.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save settlement run: %w", err)
	}
	return nil
}

func (s *Store) ListSettlementRuns(ctx context.Context, status credit.RunStatus, limit int) ([]credit.SettlementRun, error) {
	query := `
		SELECT id, farmer_id, settlement_day, status, COALESCE(transaction_id, '') AS transaction_id,
			COALESCE(error, '') AS error, started_at, completed_at
		FROM settlement_runs
	`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY started_at DESC, id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	var rows []struct {
		ID            string     `db:"id"`
		FarmerID      string     `db:"farmer_id"`
		SettlementDay time.Time  `db:"settlement_day"`
		Status        string     `db:"status"`
		TransactionID string     `db:"transaction_id"`
		Error         string     `db:"error"`
		StartedAt     time.Time  `db:"started_at"`
		CompletedAt   *time.Time `db:"completed_at"`
	}
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to query settlement runs: %w", err)
	}

	runs := make([]credit.SettlementRun, len(rows))
	for i, r := range rows {
		runs[i] = credit.SettlementRun{
			ID:            r.ID,
			FarmerID:      credit.FarmerID(r.FarmerID),
			SettlementDay: credit.DateOf(r.SettlementDay),
			Status:        credit.RunStatus(r.Status),
			TransactionID: credit.TransactionID(r.TransactionID),
			Error:         r.Error,
			StartedAt:     r.StartedAt.UTC(),
			CompletedAt:   r.CompletedAt,
		}
	}
	return runs, nil
}

// =============================================================================
// COOPERATIVE DATA
// =============================================================================

// PendingPaymentTotal sums approved, unpaid collections. NUMERIC sums are
// exact, so the database does the arithmetic.
func (s *Store) PendingPaymentTotal(ctx context.Context, farmerID credit.FarmerID) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := s.db.GetContext(ctx, &total,
		`SELECT COALESCE(SUM(total_amount), 0) FROM collections WHERE farmer_id = $1 AND status = 'Approved'`,
		farmerID,
	)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to sum collections: %w", err)
	}
	return total, nil
}

func (s *Store) ProductPrice(ctx context.Context, productID string) (*credit.Product, error) {
	var row struct {
		ID             string          `db:"id"`
		Name           string          `db:"name"`
		Unit           string          `db:"unit"`
		UnitPrice      decimal.Decimal `db:"unit_price"`
		CreditEligible bool            `db:"is_credit_eligible"`
	}
	err := s.db.GetContext(ctx, &row,
		`SELECT id, name, unit, unit_price, is_credit_eligible FROM agrovet_inventory WHERE id = $1`,
		productID,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load product: %w", err)
	}
	return &credit.Product{
		ID:             row.ID,
		Name:           row.Name,
		UnitPrice:      row.UnitPrice,
		Unit:           row.Unit,
		CreditEligible: row.CreditEligible,
	}, nil
}

func (s *Store) RegisteredAt(ctx context.Context, farmerID credit.FarmerID) (time.Time, bool, error) {
	var at time.Time
	err := s.db.GetContext(ctx, &at, `SELECT registered_at FROM farmers WHERE id = $1`, farmerID)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to load farmer registration: %w", err)
	}
	return at.UTC(), true, nil
}

func utcDate(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	d := credit.DateOf(*t)
	return &d
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}
