/*
Package sqlite provides a SQLite-backed implementation of the credit storage
interfaces.

PURPOSE:
  Implements credit.Store, credit.RunLog and the cooperative collaborators
  (credit.PendingPayments, credit.ProductCatalog, credit.RegistrationSource)
  on one SQLite database. It is the default backend of the server; the
  PostgreSQL store in store/postgres follows the same schema.

INTERFACES IMPLEMENTED:
  credit.Store:              Profiles and the transaction log
  credit.RunLog:             Settlement scheduler audit
  credit.PendingPayments:    Approved, unpaid milk collections
  credit.ProductCatalog:     Agrovet inventory prices
  credit.RegistrationSource: Farmer registration dates for tiering

APPEND-ONLY ENFORCEMENT:
  credit_transactions carries BEFORE UPDATE and BEFORE DELETE triggers
  that abort. Corrections are new rows.

KEY TABLES:
  credit_profiles:     One mutable row per farmer, versioned
  credit_transactions: Immutable ledger of every credit change
  settlement_runs:     One row per farmer per settlement day
  farmers, collections, agrovet_inventory: Cooperative data read by the
                       engine. Written here only by seeding and demos.

CONCURRENCY:
  Writes run in BEGIN IMMEDIATE transactions (_txlock=immediate) so two
  writers never both read a stale profile; the second waits on the
  busy timeout. The version column is still checked on UPDATE.
  An in-memory database is a single connection, so nothing may query
  the store from inside WithTx except through the Tx.

MONEY AND TIME:
  Amounts are TEXT holding fixed two-decimal strings, never REAL.
  Timestamps are TEXT in a fixed-width UTC layout with nanoseconds, so
  string order is time order and ORDER BY created_at DESC, id DESC is
  the canonical newest-first order.

USAGE:
  store, err := sqlite.New("./data/credit.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := credit.NewEngine(credit.EngineConfig{Store: store, Payments: store, Catalog: store})

SEE ALSO:
  - credit/store.go: Interface definitions
  - credit/store/memory.go: In-memory implementation for testing
  - store/postgres: PostgreSQL implementation
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dairycoop/credit-engine/credit"
	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
)

// timeLayout is fixed width for UTC values, which keeps text ordering
// identical to chronological ordering.
const (
	timeLayout = "2006-01-02T15:04:05.000000000Z07:00"
	dateLayout = "2006-01-02"
)

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	dsn := dbPath + "?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every connection would get its own empty database.
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the connection, for health probes.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Credit profiles (one per farmer, mutated only by the engine)
	CREATE TABLE IF NOT EXISTS credit_profiles (
		farmer_id TEXT PRIMARY KEY,
		credit_tier TEXT NOT NULL,
		credit_limit_percentage TEXT NOT NULL,
		max_credit_amount TEXT NOT NULL,
		current_credit_balance TEXT NOT NULL,
		total_credit_used TEXT NOT NULL,
		pending_deductions TEXT NOT NULL,
		is_frozen INTEGER NOT NULL DEFAULT 0,
		freeze_reason TEXT,
		last_settlement_date TEXT,
		next_settlement_date TEXT,
		version INTEGER NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Credit transactions (append-only ledger)
	CREATE TABLE IF NOT EXISTS credit_transactions (
		id TEXT PRIMARY KEY,
		farmer_id TEXT NOT NULL,
		transaction_type TEXT NOT NULL,
		amount TEXT NOT NULL,
		balance_before TEXT NOT NULL,
		balance_after TEXT NOT NULL,
		product_id TEXT,
		product_name TEXT,
		quantity TEXT,
		unit_price TEXT,
		unit TEXT,
		reference_id TEXT,
		description TEXT NOT NULL,
		approved_by TEXT NOT NULL,
		approval_status TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	-- History reads (hot path)
	CREATE INDEX IF NOT EXISTS idx_credit_transactions_farmer_created
		ON credit_transactions(farmer_id, created_at DESC, id DESC);

	-- Settlement feed
	CREATE INDEX IF NOT EXISTS idx_credit_transactions_type_created
		ON credit_transactions(transaction_type, created_at DESC);

	CREATE TRIGGER IF NOT EXISTS credit_transactions_no_update
		BEFORE UPDATE ON credit_transactions
	BEGIN
		SELECT RAISE(ABORT, 'credit_transactions is append-only');
	END;

	CREATE TRIGGER IF NOT EXISTS credit_transactions_no_delete
		BEFORE DELETE ON credit_transactions
	BEGIN
		SELECT RAISE(ABORT, 'credit_transactions is append-only');
	END;

	-- Settlement runs (scheduler audit)
	CREATE TABLE IF NOT EXISTS settlement_runs (
		id TEXT PRIMARY KEY,
		farmer_id TEXT NOT NULL,
		settlement_day TEXT NOT NULL,
		status TEXT NOT NULL,
		transaction_id TEXT,
		error TEXT,
		started_at TEXT NOT NULL,
		completed_at TEXT
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_settlement_runs_unique
		ON settlement_runs(farmer_id, settlement_day);
	CREATE INDEX IF NOT EXISTS idx_settlement_runs_status
		ON settlement_runs(status, started_at DESC);

	-- Cooperative data read by the engine
	CREATE TABLE IF NOT EXISTS farmers (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		phone TEXT,
		registered_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS collections (
		id TEXT PRIMARY KEY,
		farmer_id TEXT NOT NULL,
		collection_date TEXT NOT NULL,
		quantity_litres TEXT NOT NULL,
		total_amount TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'Pending'
	);

	CREATE INDEX IF NOT EXISTS idx_collections_farmer_status
		ON collections(farmer_id, status);

	CREATE TABLE IF NOT EXISTS agrovet_inventory (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		unit TEXT NOT NULL,
		unit_price TEXT NOT NULL,
		is_credit_eligible INTEGER NOT NULL DEFAULT 0,
		stock_quantity TEXT NOT NULL DEFAULT '0'
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// PROFILES (credit.Store)
// =============================================================================

const profileColumns = `farmer_id, credit_tier, credit_limit_percentage, max_credit_amount,
	current_credit_balance, total_credit_used, pending_deductions, is_frozen, freeze_reason,
	last_settlement_date, next_settlement_date, version, created_at, updated_at`

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type scanner interface {
	Scan(dest ...any) error
}

// GetProfile returns the farmer's profile, or nil if none exists.
func (s *Store) GetProfile(ctx context.Context, farmerID credit.FarmerID) (*credit.CreditProfile, error) {
	return loadProfile(ctx, s.db, farmerID)
}

func loadProfile(ctx context.Context, q queryer, farmerID credit.FarmerID) (*credit.CreditProfile, error) {
	row := q.QueryRowContext(ctx, "SELECT "+profileColumns+" FROM credit_profiles WHERE farmer_id = ?", farmerID)
	p, err := scanProfile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load credit profile: %w", err)
	}
	return p, nil
}

// ListProfiles returns every profile ordered by farmer id.
func (s *Store) ListProfiles(ctx context.Context) ([]credit.CreditProfile, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+profileColumns+" FROM credit_profiles ORDER BY farmer_id")
	if err != nil {
		return nil, fmt.Errorf("failed to query credit profiles: %w", err)
	}
	defer rows.Close()

	var profiles []credit.CreditProfile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan credit profile: %w", err)
		}
		profiles = append(profiles, *p)
	}
	return profiles, rows.Err()
}

func scanProfile(row scanner) (*credit.CreditProfile, error) {
	var (
		p                    credit.CreditProfile
		tier                 string
		frozen               bool
		freezeReason         sql.NullString
		lastSettlement       sql.NullString
		nextSettlement       sql.NullString
		createdAt, updatedAt string
	)
	err := row.Scan(
		&p.FarmerID, &tier, &p.CreditLimitPercentage, &p.MaxCreditAmount,
		&p.CurrentCreditBalance, &p.TotalCreditUsed, &p.PendingDeductions, &frozen, &freezeReason,
		&lastSettlement, &nextSettlement, &p.Version, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	p.CreditTier = credit.CreditTier(tier)
	p.IsFrozen = frozen
	if freezeReason.Valid {
		r := freezeReason.String
		p.FreezeReason = &r
	}
	if p.LastSettlementDate, err = parseNullDate(lastSettlement); err != nil {
		return nil, err
	}
	if p.NextSettlementDate, err = parseNullDate(nextSettlement); err != nil {
		return nil, err
	}
	if p.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if p.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &p, nil
}

func saveProfile(ctx context.Context, q queryer, p *credit.CreditProfile) error {
	args := []any{
		string(p.CreditTier), p.CreditLimitPercentage.String(), money(p.MaxCreditAmount),
		money(p.CurrentCreditBalance), money(p.TotalCreditUsed), money(p.PendingDeductions),
		p.IsFrozen, nullStringPtr(p.FreezeReason),
		nullDate(p.LastSettlementDate), nullDate(p.NextSettlementDate),
		p.Version + 1, formatTime(p.CreatedAt), formatTime(p.UpdatedAt),
	}

	if p.Version == 0 {
		query := `
			INSERT INTO credit_profiles
			(credit_tier, credit_limit_percentage, max_credit_amount, current_credit_balance,
			 total_credit_used, pending_deductions, is_frozen, freeze_reason,
			 last_settlement_date, next_settlement_date, version, created_at, updated_at, farmer_id)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`
		if _, err := q.ExecContext(ctx, query, append(args, p.FarmerID)...); err != nil {
			if isUniqueConstraintError(err) {
				return credit.ErrConcurrentModification
			}
			return fmt.Errorf("failed to insert credit profile: %w", err)
		}
		p.Version++
		return nil
	}

	query := `
		UPDATE credit_profiles SET
			credit_tier = ?, credit_limit_percentage = ?, max_credit_amount = ?,
			current_credit_balance = ?, total_credit_used = ?, pending_deductions = ?,
			is_frozen = ?, freeze_reason = ?, last_settlement_date = ?, next_settlement_date = ?,
			version = ?, created_at = ?, updated_at = ?
		WHERE farmer_id = ? AND version = ?
	`
	res, err := q.ExecContext(ctx, query, append(args, p.FarmerID, p.Version)...)
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

// =============================================================================
// TRANSACTIONS (credit.Store)
// =============================================================================

const transactionColumns = `id, farmer_id, transaction_type, amount, balance_before, balance_after,
	product_id, product_name, quantity, unit_price, unit, reference_id, description,
	approved_by, approval_status, created_at`

func appendTransaction(ctx context.Context, q queryer, t credit.CreditTransaction) error {
	var productID, productName, quantity, unitPrice, unit sql.NullString
	if t.Purchase != nil {
		productID = nullString(t.Purchase.ProductID)
		productName = nullString(t.Purchase.ProductName)
		quantity = nullString(t.Purchase.Quantity.String())
		unitPrice = nullString(t.Purchase.UnitPrice.String())
		unit = nullString(t.Purchase.Unit)
	}

	query := `
		INSERT INTO credit_transactions (` + transactionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := q.ExecContext(ctx, query,
		t.ID, t.FarmerID, string(t.Type),
		money(t.Amount), money(t.BalanceBefore), money(t.BalanceAfter),
		productID, productName, quantity, unitPrice, unit,
		nullString(t.ReferenceID), t.Description, t.ApprovedBy, string(t.ApprovalStatus),
		formatTime(t.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to append credit transaction: %w", err)
	}
	return nil
}

// ListTransactions returns rows matching q, newest first.
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
		marks := make([]string, len(q.Types))
		for i, typ := range q.Types {
			marks[i] = "?"
			args = append(args, string(typ))
		}
		where = append(where, "transaction_type IN ("+strings.Join(marks, ", ")+")")
	}
	if q.From != nil {
		where = append(where, "created_at >= ?")
		args = append(args, formatTime(*q.From))
	}
	if q.To != nil {
		where = append(where, "created_at < ?")
		args = append(args, formatTime(*q.To))
	}
	if q.Before != nil {
		at := formatTime(q.Before.CreatedAt)
		where = append(where, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, at, at, q.Before.ID)
	}

	query := "SELECT " + transactionColumns + " FROM credit_transactions"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query credit transactions: %w", err)
	}
	defer rows.Close()

	var transactions []credit.CreditTransaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, t)
	}
	return transactions, rows.Err()
}

func scanTransaction(rows *sql.Rows) (credit.CreditTransaction, error) {
	var (
		t                         credit.CreditTransaction
		typ, status               string
		productID, productName    sql.NullString
		quantity, unitPrice, unit sql.NullString
		referenceID               sql.NullString
		createdAt                 string
	)
	err := rows.Scan(
		&t.ID, &t.FarmerID, &typ, &t.Amount, &t.BalanceBefore, &t.BalanceAfter,
		&productID, &productName, &quantity, &unitPrice, &unit, &referenceID,
		&t.Description, &t.ApprovedBy, &status, &createdAt,
	)
	if err != nil {
		return t, fmt.Errorf("failed to scan credit transaction: %w", err)
	}

	t.Type = credit.TransactionType(typ)
	t.ApprovalStatus = credit.ApprovalStatus(status)
	t.ReferenceID = referenceID.String
	if productID.Valid {
		t.Purchase = &credit.PurchaseDetail{
			ProductID:   productID.String,
			ProductName: productName.String,
			Unit:        unit.String,
		}
		if t.Purchase.Quantity, err = decimal.NewFromString(quantity.String); err != nil {
			return t, fmt.Errorf("failed to parse quantity: %w", err)
		}
		if t.Purchase.UnitPrice, err = decimal.NewFromString(unitPrice.String); err != nil {
			return t, fmt.Errorf("failed to parse unit price: %w", err)
		}
	}
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return t, err
	}
	return t, nil
}

// =============================================================================
// TRANSACTIONAL STORE (credit.Tx)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(tx credit.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
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
	tx *sql.Tx
}

func (ts *txStore) LoadProfile(ctx context.Context, farmerID credit.FarmerID) (*credit.CreditProfile, error) {
	return loadProfile(ctx, ts.tx, farmerID)
}

func (ts *txStore) SaveProfile(ctx context.Context, p *credit.CreditProfile) error {
	return saveProfile(ctx, ts.tx, p)
}

func (ts *txStore) AppendTransaction(ctx context.Context, t credit.CreditTransaction) error {
	return appendTransaction(ctx, ts.tx, t)
}

// =============================================================================
// SETTLEMENT RUNS (credit.RunLog)
// =============================================================================

// SaveSettlementRun upserts the run for its farmer and settlement day.
func (s *Store) SaveSettlementRun(ctx context.Context, r credit.SettlementRun) error {
	query := `
		INSERT INTO settlement_runs (id, farmer_id, settlement_day, status, transaction_id,
			error, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(farmer_id, settlement_day) DO UPDATE SET
			status = excluded.status,
			transaction_id = excluded.transaction_id,
			error = excluded.error,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at
	`

	var completedAt sql.NullString
	if r.CompletedAt != nil {
		completedAt = nullString(formatTime(*r.CompletedAt))
	}

	_, err := s.db.ExecContext(ctx, query,
		r.ID, r.FarmerID, r.SettlementDay.UTC().Format(dateLayout), string(r.Status),
		nullString(string(r.TransactionID)), nullString(r.Error),
		formatTime(r.StartedAt), completedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save settlement run: %w", err)
	}
	return nil
}

// ListSettlementRuns returns runs newest first, optionally by status.
func (s *Store) ListSettlementRuns(ctx context.Context, status credit.RunStatus, limit int) ([]credit.SettlementRun, error) {
	query := `
		SELECT id, farmer_id, settlement_day, status, transaction_id, error, started_at, completed_at
		FROM settlement_runs
	`
	var args []any
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, string(status))
	}
	query += " ORDER BY started_at DESC, id DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query settlement runs: %w", err)
	}
	defer rows.Close()

	var runs []credit.SettlementRun
	for rows.Next() {
		var (
			r              credit.SettlementRun
			day, runStatus string
			txID, runErr   sql.NullString
			startedAt      string
			completedAt    sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.FarmerID, &day, &runStatus, &txID, &runErr, &startedAt, &completedAt); err != nil {
			return nil, fmt.Errorf("failed to scan settlement run: %w", err)
		}
		r.Status = credit.RunStatus(runStatus)
		r.TransactionID = credit.TransactionID(txID.String)
		r.Error = runErr.String
		if r.SettlementDay, err = time.Parse(dateLayout, day); err != nil {
			return nil, err
		}
		if r.StartedAt, err = parseTime(startedAt); err != nil {
			return nil, err
		}
		if completedAt.Valid {
			t, err := parseTime(completedAt.String)
			if err != nil {
				return nil, err
			}
			r.CompletedAt = &t
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// =============================================================================
// UTILITIES
// =============================================================================

// Reset drops all data and recreates the schema (for testing/demo). The
// append-only triggers forbid DELETE, so tables are dropped instead.
func (s *Store) Reset(ctx context.Context) error {
	tables := []string{"credit_transactions", "credit_profiles", "settlement_runs", "collections", "agrovet_inventory", "farmers"}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DROP TABLE IF EXISTS "+table); err != nil {
			return err
		}
	}
	return s.migrate()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse timestamp %q: %w", s, err)
	}
	return t, nil
}

func nullDate(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return nullString(t.UTC().Format(dateLayout))
}

func parseNullDate(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := time.Parse(dateLayout, s.String)
	if err != nil {
		return nil, fmt.Errorf("failed to parse date %q: %w", s.String, err)
	}
	return &t, nil
}

func money(d decimal.Decimal) string {
	return credit.FormatKES(d)
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullStringPtr(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
