package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	backend "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMiniredis(t *testing.T) (*miniredis.Miniredis, *backend.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := backend.NewClient(&backend.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestRedisStore_Lifecycle(t *testing.T) {
	mr, client := newMiniredis(t)
	s := NewRedisStore(client, time.Minute, WithPrefix("test:"))
	ctx := context.Background()

	_, err := s.Get(ctx, "42")
	assert.ErrorIs(t, err, ErrNotFound)

	sess := New("42")
	sess.State = ViewResults
	sess.Profile.PDFResultLink = "https://results.example/42.pdf"
	require.NoError(t, s.Set(ctx, "42", sess))
	assert.True(t, mr.Exists("test:42"))

	got, err := s.Get(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, ViewResults, got.State)
	assert.Equal(t, "https://results.example/42.pdf", got.Profile.PDFResultLink)

	ok, err := s.Exists(ctx, "42")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, s.Delete(ctx, "42"))
	ok, err = s.Exists(ctx, "42")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisStore_ExpiryMakesUserNew(t *testing.T) {
	mr, client := newMiniredis(t)
	s := NewRedisStore(client, 300*time.Second)
	ctx := context.Background()

	sess := New("7")
	sess.State = ShowRecommendation
	require.NoError(t, s.Set(ctx, "7", sess))

	mr.FastForward(299 * time.Second)
	_, err := s.Get(ctx, "7")
	require.NoError(t, err)

	mr.FastForward(2 * time.Second)
	_, err = s.Get(ctx, "7")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisStore_CorruptValue(t *testing.T) {
	mr, client := newMiniredis(t)
	s := NewRedisStore(client, time.Minute)
	require.NoError(t, mr.Set("session:9", `{"state":"NOPE"}`))

	_, err := s.Get(context.Background(), "9")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
}

func TestRedisLocker_MutualExclusion(t *testing.T) {
	mr, client := newMiniredis(t)
	locker := NewRedisLocker(client, "test:")
	ctx := context.Background()

	lease, err := locker.Lock(ctx, "u1", time.Minute)
	require.NoError(t, err)
	assert.True(t, mr.Exists("test:lock:u1"))

	short, cancel := context.WithTimeout(ctx, 120*time.Millisecond)
	defer cancel()
	_, err = locker.Lock(short, "u1", time.Minute)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, lease.Release(ctx))
	assert.False(t, mr.Exists("test:lock:u1"))

	lease2, err := locker.Lock(ctx, "u1", time.Minute)
	require.NoError(t, err)
	require.NoError(t, lease2.Release(ctx))
}

func TestRedisLocker_ReleaseOnlyOwnToken(t *testing.T) {
	mr, client := newMiniredis(t)
	locker := NewRedisLocker(client, "")
	ctx := context.Background()

	lease, err := locker.Lock(ctx, "u1", time.Second)
	require.NoError(t, err)

	// lock expired and was taken by someone else
	mr.FastForward(2 * time.Second)
	require.NoError(t, mr.Set("lock:u1", "other-owner"))

	assert.ErrorIs(t, lease.Extend(ctx, time.Second), ErrLeaseLost)
	require.NoError(t, lease.Release(ctx))
	v, err := mr.Get("lock:u1")
	require.NoError(t, err)
	assert.Equal(t, "other-owner", v)
}

func TestLocker_WithRedisLocker(t *testing.T) {
	_, client := newMiniredis(t)
	l := NewLocker(WithDistributedLocker(NewRedisLocker(client, "test:"), time.Minute))
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		counter int
	)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, l.WithLock(ctx, "shared", func(context.Context) error {
				mu.Lock()
				counter++
				mu.Unlock()
				return nil
			}))
		}()
	}
	wg.Wait()
	assert.Equal(t, 5, counter)
	assert.Equal(t, 0, l.Active())
}

func TestRedisLease_Extend(t *testing.T) {
	mr, client := newMiniredis(t)
	locker := NewRedisLocker(client, "")
	ctx := context.Background()

	lease, err := locker.Lock(ctx, "u1", time.Second)
	require.NoError(t, err)

	mr.FastForward(800 * time.Millisecond)
	require.NoError(t, lease.Extend(ctx, 5*time.Second))
	assert.Equal(t, 5*time.Second, mr.TTL("lock:u1"))
}

func TestLocker_LeaseOutlivesTTLWhileHeld(t *testing.T) {
	mr, client := newMiniredis(t)
	const ttl = 300 * time.Millisecond
	a := NewLocker(WithDistributedLocker(NewRedisLocker(client, "test:"), ttl))
	b := NewLocker(WithDistributedLocker(NewRedisLocker(client, "test:"), ttl))
	ctx := context.Background()

	unlock, err := a.Lock(ctx, "u1")
	require.NoError(t, err)

	// miniredis only expires keys on FastForward; renewals run on the wall clock in between
	for range 4 {
		mr.FastForward(200 * time.Millisecond)
		time.Sleep(150 * time.Millisecond)
	}
	require.True(t, mr.Exists("test:lock:u1"), "lease expired while still held")

	short, cancel := context.WithTimeout(ctx, 120*time.Millisecond)
	defer cancel()
	_, err = b.Lock(short, "u1")
	assert.ErrorIs(t, err, ErrLockAcquire)

	unlock()
	assert.False(t, mr.Exists("test:lock:u1"))

	unlockB, err := b.Lock(ctx, "u1")
	require.NoError(t, err)
	unlockB()
}
