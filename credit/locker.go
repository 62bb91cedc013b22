package credit

import (
	"context"
	"sync"
	"time"
)

// =============================================================================
// LOCKER - Per-farmer mutual exclusion
// =============================================================================

// Locker serializes operations on one key. Acquire blocks until the lock is
// held, timeout elapses (ErrLockTimeout) or ctx is done. The returned
// release func is safe to call more than once.
type Locker interface {
	Acquire(ctx context.Context, key string, timeout time.Duration) (release func(), err error)
}

// KeyedLocker is an in-process Locker with one slot per key. Different keys
// never contend; the map mutex is held only to look up or drop entries.
type KeyedLocker struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	slot chan struct{}
	refs int
}

func NewKeyedLocker() *KeyedLocker {
	return &KeyedLocker{locks: make(map[string]*keyedLock)}
}

func (l *KeyedLocker) Acquire(ctx context.Context, key string, timeout time.Duration) (func(), error) {
	kl := l.ref(key)

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case kl.slot <- struct{}{}:
	case <-expired:
		l.unref(key, kl)
		return nil, ErrLockTimeout
	case <-ctx.Done():
		l.unref(key, kl)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-kl.slot
			l.unref(key, kl)
		})
	}, nil
}

func (l *KeyedLocker) ref(key string) *keyedLock {
	l.mu.Lock()
	defer l.mu.Unlock()
	kl, ok := l.locks[key]
	if !ok {
		kl = &keyedLock{slot: make(chan struct{}, 1)}
		l.locks[key] = kl
	}
	kl.refs++
	return kl
}

// unref drops the entry once no goroutine holds or waits for it.
func (l *KeyedLocker) unref(key string, kl *keyedLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	kl.refs--
	if kl.refs == 0 {
		delete(l.locks, key)
	}
}

// Len returns the number of keys currently held or awaited.
func (l *KeyedLocker) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
