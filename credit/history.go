/*
history.go - Read side of the ledger

PURPOSE:
  Serves transaction history to dashboards and to the payment side. Only
  history is cached; profiles are always read from the store because the
  balance is mutable.

CACHING:
  A HistoryCache keeps, per farmer, the newest page that was read and the
  limit it was read with. A request for n rows is a hit when the cached
  page was read with a limit of at least n, or when it already holds the
  farmer's complete history. Entries expire after a short TTL and are
  dropped by the engine after every commit for that farmer.

ORDERING:
  created_at DESC, id DESC. Ids are UUIDv7 so ties resolve in insertion
  order, which keeps pagination deterministic.

SEE ALSO:
  - engine.go: Calls Invalidate after each commit
  - store/redis/cache.go: Shared cache across processes
*/
package credit

import (
	"context"
	"fmt"
	"time"

	"github.com/dairycoop/credit-engine/metrics"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sirupsen/logrus"
)

const (
	DefaultHistoryLimit = 10
	MaxHistoryLimit     = 500
)

// =============================================================================
// CACHE
// =============================================================================

// HistoryPage is one cached read.
type HistoryPage struct {
	Limit        int                 `json:"limit"`
	Transactions []CreditTransaction `json:"transactions"`
}

// Serve returns the first n rows if the page can answer a request for n.
func (p HistoryPage) Serve(n int) ([]CreditTransaction, bool) {
	complete := len(p.Transactions) < p.Limit
	if p.Limit < n && !complete {
		return nil, false
	}
	if n > len(p.Transactions) {
		n = len(p.Transactions)
	}
	out := make([]CreditTransaction, n)
	copy(out, p.Transactions[:n])
	return out, true
}

// HistoryCache stores HistoryPages per farmer.
type HistoryCache interface {
	Get(ctx context.Context, farmerID FarmerID) (HistoryPage, bool)
	Set(ctx context.Context, farmerID FarmerID, page HistoryPage)
	Invalidate(ctx context.Context, farmerID FarmerID)
}

// LRUHistoryCache is an in-process HistoryCache with per-entry TTL.
type LRUHistoryCache struct {
	lru *expirable.LRU[FarmerID, HistoryPage]
}

func NewLRUHistoryCache(size int, ttl time.Duration) *LRUHistoryCache {
	return &LRUHistoryCache{lru: expirable.NewLRU[FarmerID, HistoryPage](size, nil, ttl)}
}

func (c *LRUHistoryCache) Get(_ context.Context, farmerID FarmerID) (HistoryPage, bool) {
	return c.lru.Get(farmerID)
}

func (c *LRUHistoryCache) Set(_ context.Context, farmerID FarmerID, page HistoryPage) {
	c.lru.Add(farmerID, page)
}

func (c *LRUHistoryCache) Invalidate(_ context.Context, farmerID FarmerID) {
	c.lru.Remove(farmerID)
}

// =============================================================================
// HISTORY SERVICE
// =============================================================================

type HistoryService struct {
	store  Store
	cache  HistoryCache
	logger *logrus.Logger
}

// NewHistoryService creates the read service. cache may be nil.
func NewHistoryService(store Store, cache HistoryCache, logger *logrus.Logger) *HistoryService {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &HistoryService{store: store, cache: cache, logger: logger}
}

// GetCreditTransactions returns the newest limit rows for a farmer.
// limit <= 0 means DefaultHistoryLimit; values above MaxHistoryLimit are capped.
func (h *HistoryService) GetCreditTransactions(ctx context.Context, farmerID FarmerID, limit int) ([]CreditTransaction, error) {
	limit = NormalizeLimit(limit)

	if h.cache != nil {
		if page, ok := h.cache.Get(ctx, farmerID); ok {
			if txs, ok := page.Serve(limit); ok {
				metrics.HistoryCacheRequests.WithLabelValues(metrics.CacheHit).Inc()
				return txs, nil
			}
		}
		metrics.HistoryCacheRequests.WithLabelValues(metrics.CacheMiss).Inc()
	}

	txs, err := h.store.ListTransactions(ctx, TransactionQuery{FarmerID: farmerID, Limit: limit})
	if err != nil {
		return nil, fmt.Errorf("failed to load credit transactions: %w", err)
	}
	if txs == nil {
		txs = []CreditTransaction{}
	}

	if h.cache != nil {
		cached := make([]CreditTransaction, len(txs))
		copy(cached, txs)
		h.cache.Set(ctx, farmerID, HistoryPage{Limit: limit, Transactions: cached})
	}
	return txs, nil
}

// ListTransactions runs an arbitrary query against the store. Cursor pages
// and cross-farmer feeds are not cached.
func (h *HistoryService) ListTransactions(ctx context.Context, q TransactionQuery) ([]CreditTransaction, error) {
	q.Limit = NormalizeLimit(q.Limit)
	txs, err := h.store.ListTransactions(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("failed to list credit transactions: %w", err)
	}
	if txs == nil {
		txs = []CreditTransaction{}
	}
	return txs, nil
}

// Settlements returns settlement rows of all farmers created in [from, to).
// The payment side reads this feed to deduct from milk payments.
func (h *HistoryService) Settlements(ctx context.Context, from, to time.Time, limit int) ([]CreditTransaction, error) {
	return h.ListTransactions(ctx, TransactionQuery{
		Types: []TransactionType{TxSettlement},
		From:  &from,
		To:    &to,
		Limit: limit,
	})
}

// GetCreditProfile returns the live profile or nil.
func (h *HistoryService) GetCreditProfile(ctx context.Context, farmerID FarmerID) (*CreditProfile, error) {
	return h.store.GetProfile(ctx, farmerID)
}

// Invalidate implements Invalidator.
func (h *HistoryService) Invalidate(ctx context.Context, farmerID FarmerID) {
	if h.cache == nil {
		return
	}
	h.cache.Invalidate(ctx, farmerID)
	h.logger.WithField("farmer_id", farmerID).Debug("history cache invalidated")
}

// NormalizeLimit applies the default and the maximum page size.
func NormalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		return MaxHistoryLimit
	}
	return limit
}
