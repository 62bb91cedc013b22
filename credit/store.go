/*
store.go - Persistence contract for profiles and the transaction log

PURPOSE:
  Defines the interface between the engine and the database. A Store
  holds one mutable CreditProfile per farmer and an append-only log of
  CreditTransactions.

KEY INTERFACES:
  Store:   Read paths plus WithTx for atomic writes
  Tx:      The writes allowed inside one database transaction
  RunLog:  Optional audit of settlement scheduler runs

ATOMIC COMMIT:
  Engine operations write a transaction row and the updated profile
  through the same Tx. If fn returns an error, or ctx is cancelled before
  commit, neither write is visible.

OPTIMISTIC VERSIONING:
  SaveProfile inserts when Version is zero and otherwise updates only the
  row whose version still matches, bumping Version on success. A mismatch
  returns ErrConcurrentModification. Implementations that can lock rows
  (Postgres SELECT ... FOR UPDATE) do so in LoadProfile as well.

APPEND-ONLY CONTRACT:
  There is no Update or Delete for transactions. Corrections are new rows.

ORDERING:
  ListTransactions always returns newest first: created_at DESC, id DESC.

IMPLEMENTATIONS:
  - credit/store/memory.go: In-memory for tests and demos
  - store/sqlite/sqlite.go: SQLite (default)
  - store/postgres/postgres.go: PostgreSQL via sqlx + lib/pq

SEE ALSO:
  - engine.go: The only writer
  - history.go: Read-side service with caching
*/
package credit

import (
	"context"
	"time"
)

// =============================================================================
// STORE
// =============================================================================

type Store interface {
	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	// GetProfile returns nil, nil when the farmer has no profile.
	GetProfile(ctx context.Context, farmerID FarmerID) (*CreditProfile, error)

	// ListProfiles returns every profile ordered by farmer id.
	ListProfiles(ctx context.Context) ([]CreditProfile, error)

	// ListTransactions returns rows matching q, newest first.
	ListTransactions(ctx context.Context, q TransactionQuery) ([]CreditTransaction, error)
}

// Tx is the write side of a Store, valid only inside WithTx.
type Tx interface {
	// LoadProfile returns the profile as seen by this transaction, or nil.
	LoadProfile(ctx context.Context, farmerID FarmerID) (*CreditProfile, error)

	// SaveProfile persists p with a version check and increments p.Version.
	SaveProfile(ctx context.Context, p *CreditProfile) error

	// AppendTransaction inserts one immutable row.
	AppendTransaction(ctx context.Context, t CreditTransaction) error
}

// =============================================================================
// QUERIES
// =============================================================================

// Cursor identifies the last row of a previous page.
type Cursor struct {
	CreatedAt time.Time
	ID        TransactionID
}

// TransactionQuery filters ListTransactions. Zero values mean "no filter".
type TransactionQuery struct {
	FarmerID FarmerID
	Types    []TransactionType
	From     *time.Time // inclusive, on created_at
	To       *time.Time // exclusive, on created_at
	Before   *Cursor    // rows strictly older than the cursor
	Limit    int        // <= 0 means unlimited
}

// Matches applies the query filters to a single row. Stores that filter in
// memory use it; SQL stores translate the same rules into WHERE clauses.
func (q TransactionQuery) Matches(t CreditTransaction) bool {
	if q.FarmerID != "" && t.FarmerID != q.FarmerID {
		return false
	}
	if len(q.Types) > 0 {
		found := false
		for _, typ := range q.Types {
			if typ == t.Type {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if q.From != nil && t.CreatedAt.Before(*q.From) {
		return false
	}
	if q.To != nil && !t.CreatedAt.Before(*q.To) {
		return false
	}
	if q.Before != nil && !Older(t, *q.Before) {
		return false
	}
	return true
}

// Older reports whether t sorts after the cursor in newest-first order.
func Older(t CreditTransaction, c Cursor) bool {
	if t.CreatedAt.Equal(c.CreatedAt) {
		return t.ID < c.ID
	}
	return t.CreatedAt.Before(c.CreatedAt)
}

// NewerFirst is the canonical ordering of the log.
func NewerFirst(a, b CreditTransaction) bool {
	if a.CreatedAt.Equal(b.CreatedAt) {
		return a.ID > b.ID
	}
	return a.CreatedAt.After(b.CreatedAt)
}

// =============================================================================
// SETTLEMENT RUN LOG - Audit of scheduler activity, separate from the ledger
// =============================================================================

type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunSkipped   RunStatus = "skipped"
)

// SettlementRun records one scheduler attempt for one farmer.
type SettlementRun struct {
	ID            string
	FarmerID      FarmerID
	SettlementDay time.Time // date only
	Status        RunStatus
	TransactionID TransactionID
	Error         string
	StartedAt     time.Time
	CompletedAt   *time.Time
}

// RunLog stores settlement runs. Optional: the scheduler records runs only
// when its store implements it.
type RunLog interface {
	SaveSettlementRun(ctx context.Context, run SettlementRun) error
	ListSettlementRuns(ctx context.Context, status RunStatus, limit int) ([]SettlementRun, error)
}
