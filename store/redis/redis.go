/*
Package redis shares per-farmer locks and cached history between server
processes.

PURPOSE:
  When several server instances write to one PostgreSQL ledger, the
  in-process credit.KeyedLocker no longer serializes a farmer's
  operations. Locker takes the lock in Redis instead, and HistoryCache
  keeps the cached history pages where every instance can invalidate them.

KEYS:
  credit:lock:{farmer_id}     redislock token, TTL bounded
  credit:history:{farmer_id}  JSON credit.HistoryPage, TTL bounded

FAILURE MODES:
  A lock that cannot be obtained before the timeout maps to
  credit.ErrLockTimeout, which the engine reports as a retryable
  conflict. Cache errors are logged and treated as misses; the ledger
  stays the source of truth.

SEE ALSO:
  - credit/locker.go: Locker interface and in-process implementation
  - credit/history.go: HistoryCache interface and in-process LRU
*/
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/dairycoop/credit-engine/credit"
	goredis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const (
	lockPrefix    = "credit:lock:"
	historyPrefix = "credit:history:"

	// DefaultLockTTL bounds how long a crashed holder can block a farmer.
	DefaultLockTTL = 30 * time.Second
	retryInterval  = 25 * time.Millisecond
)

// Connect opens a client and verifies it with PING.
func Connect(ctx context.Context, addr, password string, db int) (*goredis.Client, error) {
	rdb := goredis.NewClient(&goredis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
		PoolSize: 100,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}
	return rdb, nil
}

// =============================================================================
// LOCKER (credit.Locker)
// =============================================================================

// Locker implements credit.Locker with redislock.
type Locker struct {
	client *redislock.Client
	ttl    time.Duration
	logger *logrus.Logger
}

func NewLocker(rdb goredis.UniversalClient, ttl time.Duration, logger *logrus.Logger) *Locker {
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	return &Locker{client: redislock.New(rdb), ttl: ttl, logger: logger}
}

// Acquire polls for the lock until timeout elapses or ctx is done.
func (l *Locker) Acquire(ctx context.Context, key string, timeout time.Duration) (func(), error) {
	obtainCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	lock, err := l.client.Obtain(obtainCtx, lockPrefix+key, l.ttl, &redislock.Options{
		RetryStrategy: redislock.LinearBackoff(retryInterval),
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, redislock.ErrNotObtained) || errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s", credit.ErrLockTimeout, key)
		}
		return nil, fmt.Errorf("failed to obtain lock %s: %w", key, err)
	}

	return func() {
		// Released with a fresh context: the caller's may be cancelled by now.
		releaseCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := lock.Release(releaseCtx); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
			l.logger.WithFields(logrus.Fields{"key": key, "error": err.Error()}).Warn("failed to release redis lock")
		}
	}, nil
}

// =============================================================================
// HISTORY CACHE (credit.HistoryCache)
// =============================================================================

// HistoryCache stores credit.HistoryPage values as JSON.
type HistoryCache struct {
	rdb    goredis.UniversalClient
	ttl    time.Duration
	logger *logrus.Logger
}

func NewHistoryCache(rdb goredis.UniversalClient, ttl time.Duration, logger *logrus.Logger) *HistoryCache {
	return &HistoryCache{rdb: rdb, ttl: ttl, logger: logger}
}

func (c *HistoryCache) Get(ctx context.Context, farmerID credit.FarmerID) (credit.HistoryPage, bool) {
	val, err := c.rdb.Get(ctx, historyPrefix+string(farmerID)).Bytes()
	if err != nil {
		if !errors.Is(err, goredis.Nil) {
			c.warn("get", farmerID, err)
		}
		return credit.HistoryPage{}, false
	}

	var page credit.HistoryPage
	if err := json.Unmarshal(val, &page); err != nil {
		c.warn("decode", farmerID, err)
		return credit.HistoryPage{}, false
	}
	return page, true
}

func (c *HistoryCache) Set(ctx context.Context, farmerID credit.FarmerID, page credit.HistoryPage) {
	data, err := json.Marshal(page)
	if err != nil {
		c.warn("encode", farmerID, err)
		return
	}
	if err := c.rdb.Set(ctx, historyPrefix+string(farmerID), data, c.ttl).Err(); err != nil {
		c.warn("set", farmerID, err)
	}
}

func (c *HistoryCache) Invalidate(ctx context.Context, farmerID credit.FarmerID) {
	if err := c.rdb.Del(ctx, historyPrefix+string(farmerID)).Err(); err != nil {
		c.warn("invalidate", farmerID, err)
	}
}

func (c *HistoryCache) warn(op string, farmerID credit.FarmerID, err error) {
	c.logger.WithFields(logrus.Fields{
		"cache":     "history",
		"op":        op,
		"farmer_id": farmerID,
		"error":     err.Error(),
	}).Warn("redis history cache error")
}
