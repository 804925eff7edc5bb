package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// UnlockFunc releases a lock. It is safe to call exactly once.
type UnlockFunc func()

// Lease is a held distributed lock.
type Lease interface {
	// Extend resets the lease's expiry to ttl. It returns ErrLeaseLost once the lease is gone.
	Extend(ctx context.Context, ttl time.Duration) error
	Release(ctx context.Context) error
}

// DistributedLocker serializes work on a key across service instances.
type DistributedLocker interface {
	Lock(ctx context.Context, key string, ttl time.Duration) (Lease, error)
}

// lockEntry holds a one-slot semaphore and the number of goroutines using it.
type lockEntry struct {
	sem  chan struct{}
	refs int
}

// Locker gives each user id its own mutex. Entries are reference counted and removed when the last
// holder or waiter leaves, so the map only holds keys that are in use.
type Locker struct {
	mu    sync.Mutex
	locks map[string]*lockEntry

	distributed DistributedLocker
	lockTTL     time.Duration
	logger      *zap.Logger
}

type LockerOption func(*Locker)

// WithDistributedLocker makes every Lock also take the distributed lock after the local one. The lease
// is extended every ttl/3 until the lock is released.
func WithDistributedLocker(d DistributedLocker, ttl time.Duration) LockerOption {
	return func(l *Locker) {
		l.distributed = d
		if ttl > 0 {
			l.lockTTL = ttl
		}
	}
}

func WithLockerLogger(logger *zap.Logger) LockerOption {
	return func(l *Locker) {
		l.logger = logger
	}
}

func NewLocker(opts ...LockerOption) *Locker {
	l := &Locker{
		locks:   make(map[string]*lockEntry),
		lockTTL: 30 * time.Second,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Locker) acquire(key string) *lockEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.locks[key]
	if !ok {
		entry = &lockEntry{sem: make(chan struct{}, 1)}
		l.locks[key] = entry
	}
	entry.refs++
	return entry
}

func (l *Locker) release(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.locks[key]
	if !ok {
		return
	}
	entry.refs--
	if entry.refs <= 0 {
		delete(l.locks, key)
	}
}

// Lock blocks until the key is free or ctx is done.
func (l *Locker) Lock(ctx context.Context, key string) (UnlockFunc, error) {
	entry := l.acquire(key)

	select {
	case entry.sem <- struct{}{}:
	case <-ctx.Done():
		l.release(key)
		return nil, ctx.Err()
	}

	localUnlock := func() {
		<-entry.sem
		l.release(key)
	}

	if l.distributed == nil {
		return onceUnlock(localUnlock), nil
	}

	lease, err := l.distributed.Lock(ctx, key, l.lockTTL)
	if err != nil {
		localUnlock()
		return nil, fmt.Errorf("%w: %v", ErrLockAcquire, err)
	}

	stop := make(chan struct{})
	stopped := make(chan struct{})
	go l.keepAlive(key, lease, stop, stopped)

	return onceUnlock(func() {
		close(stop)
		<-stopped
		// the caller's ctx may already be cancelled, release with a fresh one
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := lease.Release(ctx); err != nil {
			l.logger.Warn("failed to release distributed lock, it will expire via TTL",
				zap.String("key", key), zap.Error(err))
		}
		localUnlock()
	}), nil
}

func (l *Locker) keepAlive(key string, lease Lease, stop <-chan struct{}, stopped chan<- struct{}) {
	defer close(stopped)

	interval := l.lockTTL / 3
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), interval)
		err := lease.Extend(ctx, l.lockTTL)
		cancel()
		if errors.Is(err, ErrLeaseLost) {
			l.logger.Error("distributed lock lost while held", zap.String("key", key))
			return
		}
		if err != nil {
			l.logger.Warn("failed to extend distributed lock", zap.String("key", key), zap.Error(err))
		}
	}
}

// WithLock runs fn while holding the key's lock.
func (l *Locker) WithLock(ctx context.Context, key string, fn func(context.Context) error) error {
	unlock, err := l.Lock(ctx, key)
	if err != nil {
		return err
	}
	defer unlock()
	return fn(ctx)
}

// Active reports how many keys currently have holders or waiters.
func (l *Locker) Active() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}

func onceUnlock(fn func()) UnlockFunc {
	var once sync.Once
	return func() { once.Do(fn) }
}
