package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/amialone/moderation/fault"
	"github.com/amialone/moderation/util/dbutil"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testStores(t *testing.T) map[string]Store {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	db, err := dbutil.SetupDatabase("sqlite://:memory:", 1)
	require.NoError(t, err)
	gs, err := NewGormStore(db)
	require.NoError(t, err)

	return map[string]Store{
		"mem":   NewMemStore(),
		"redis": NewRedisStoreFromClient(client),
		"gorm":  gs,
	}
}

func testLimiter(store Store, clock *fakeClock) *Limiter {
	l := NewLimiter(store, nil, nil)
	l.Clock = clock.Now
	return l
}

func TestWindowFor(t *testing.T) {
	assert := assert.New(t)

	a, endA := WindowFor(time.Date(2024, 1, 15, 10, 15, 0, 0, time.UTC), time.Hour)
	b, _ := WindowFor(time.Date(2024, 1, 15, 10, 45, 0, 0, time.UTC), time.Hour)
	c, _ := WindowFor(time.Date(2024, 1, 15, 11, 0, 0, 0, time.UTC), time.Hour)
	assert.Equal(a, b)
	assert.Equal(time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC), a)
	assert.Equal(time.Date(2024, 1, 15, 11, 0, 0, 0, time.UTC), endA)
	assert.Equal(endA, c)

	assert.Equal(WindowKey("user123", KindImageUpload, a), WindowKey("user123", KindImageUpload, b))
	assert.NotEqual(WindowKey("user123", KindImageUpload, a), WindowKey("user123", KindImageUpload, c))
	assert.Contains(WindowKey("user123", KindImageUpload, a), "user123")
	assert.Contains(WindowKey("user123", KindImageUpload, a), "image_upload")
}

func TestDefaultLimits(t *testing.T) {
	assert := assert.New(t)
	d := DefaultLimits()
	assert.Equal(Config{Limit: 20, Window: time.Hour}, d[KindImageUpload])
	assert.Equal(Config{Limit: 60, Window: time.Minute}, d[KindTextMessage])
	assert.Equal(Config{Limit: 10, Window: time.Hour}, d[KindReport])

	l := NewLimiter(NewMemStore(), map[Kind]Config{KindReport: {Limit: 3, Window: time.Hour}}, nil)
	assert.Equal(3, l.Limits[KindReport].Limit)
	assert.Equal(60, l.Limits[KindTextMessage].Limit)
}

func TestLimitAndNextWindow(t *testing.T) {
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			ctx := context.Background()
			clock := &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 5, 0, time.UTC)}
			l := testLimiter(store, clock)

			for i := 1; i <= 60; i++ {
				res, err := l.Check(ctx, "alice", KindTextMessage, true)
				assert.NoError(err)
				assert.True(res.Allowed, "message %d", i)
				assert.Equal(i, res.Current)
				assert.Equal(60-i, res.Remaining)
			}

			res, err := l.Check(ctx, "alice", KindTextMessage, true)
			assert.NoError(err)
			assert.False(res.Allowed)
			assert.Equal(60, res.Current)
			assert.Equal(0, res.Remaining)
			assert.Equal(time.Date(2024, 3, 1, 12, 1, 0, 0, time.UTC), res.ResetAt)

			// other subjects and kinds are independent
			res, err = l.Check(ctx, "bob", KindTextMessage, true)
			assert.NoError(err)
			assert.True(res.Allowed)
			res, err = l.Check(ctx, "alice", KindImageUpload, true)
			assert.NoError(err)
			assert.True(res.Allowed)

			clock.Advance(time.Minute)
			res, err = l.Check(ctx, "alice", KindTextMessage, true)
			assert.NoError(err)
			assert.True(res.Allowed)
			assert.Equal(1, res.Current)
		})
	}
}

func TestStatusHasNoSideEffects(t *testing.T) {
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			ctx := context.Background()
			clock := &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
			l := testLimiter(store, clock)
			l.Limits[KindReport] = Config{Limit: 2, Window: time.Hour}

			for i := 0; i < 5; i++ {
				st, err := l.Status(ctx, "carol")
				assert.NoError(err)
				assert.Len(st, 3)
				assert.True(st[KindReport].Allowed)
				assert.Equal(0, st[KindReport].Current)
				assert.Equal(2, st[KindReport].Remaining)
			}

			res, err := l.Check(ctx, "carol", KindReport, true)
			assert.NoError(err)
			assert.True(res.Allowed)

			st, err := l.Status(ctx, "carol")
			assert.NoError(err)
			assert.Equal(1, st[KindReport].Current)
			assert.Equal(1, st[KindReport].Remaining)

			res, err = l.Check(ctx, "carol", KindReport, true)
			assert.NoError(err)
			assert.True(res.Allowed)
			res, err = l.Check(ctx, "carol", KindReport, true)
			assert.NoError(err)
			assert.False(res.Allowed)
		})
	}
}

func TestConcurrentChecksNeverOvercount(t *testing.T) {
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			ctx := context.Background()
			clock := &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
			l := testLimiter(store, clock)
			l.Limits[KindImageUpload] = Config{Limit: 20, Window: time.Hour}
			// generous retry budget; every goroutine contends on one key
			l.TxnAttempts = 200

			var eg errgroup.Group
			var allowed atomic.Int32
			for i := 0; i < 40; i++ {
				eg.Go(func() error {
					res, err := l.Check(ctx, "dave", KindImageUpload, true)
					if err != nil {
						return err
					}
					if res.Allowed {
						allowed.Add(1)
					}
					return nil
				})
			}
			require.NoError(t, eg.Wait())
			assert.Equal(int32(20), allowed.Load())

			st, err := l.Check(ctx, "dave", KindImageUpload, false)
			assert.NoError(err)
			assert.Equal(20, st.Current)
			assert.False(st.Allowed)
		})
	}
}

func TestCleanup(t *testing.T) {
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			ctx := context.Background()
			clock := &fakeClock{now: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)}
			l := testLimiter(store, clock)
			l.BatchSize = 3

			for i := 0; i < 7; i++ {
				_, err := l.Check(ctx, fmt.Sprintf("user%d", i), KindTextMessage, true)
				assert.NoError(err)
			}

			// still inside retention
			clock.Advance(time.Hour)
			n, err := l.Cleanup(ctx, 24*time.Hour)
			assert.NoError(err)
			assert.Equal(0, n)

			clock.Advance(48 * time.Hour)
			res, err := l.Check(ctx, "fresh", KindTextMessage, true)
			assert.NoError(err)
			assert.True(res.Allowed)

			n, err = l.Cleanup(ctx, 24*time.Hour)
			assert.NoError(err)
			assert.Equal(7, n)

			// idempotent
			n, err = l.Cleanup(ctx, 24*time.Hour)
			assert.NoError(err)
			assert.Equal(0, n)

			res, err = l.Check(ctx, "fresh", KindTextMessage, false)
			assert.NoError(err)
			assert.Equal(1, res.Current)
		})
	}
}

func TestRedisCleanupCountsLiveHashes(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	store := NewRedisStoreFromClient(client)

	clock := &fakeClock{now: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)}
	l := testLimiter(store, clock)
	for i := 0; i < 3; i++ {
		_, err := l.Check(ctx, fmt.Sprintf("gone%d", i), KindTextMessage, true)
		require.NoError(t, err)
	}
	// redis drops these hashes on its own; their index entries remain
	mr.FastForward(time.Minute + store.Retention + time.Second)
	for i := 0; i < 2; i++ {
		_, err := l.Check(ctx, fmt.Sprintf("live%d", i), KindTextMessage, true)
		require.NoError(t, err)
	}
	assert.Equal(int64(5), client.ZCard(ctx, "ratelimit/index").Val())

	clock.Advance(48 * time.Hour)
	n, err := l.Cleanup(ctx, 24*time.Hour)
	assert.NoError(err)
	assert.Equal(2, n)
	assert.Equal(int64(0), client.ZCard(ctx, "ratelimit/index").Val())
}

type brokenStore struct {
	err error
}

func (s brokenStore) Apply(ctx context.Context, key string, fn func(*Window) (*Window, error)) error {
	return s.err
}

func (s brokenStore) DeleteExpired(ctx context.Context, cutoff time.Time, batchSize int) (int, error) {
	return 0, s.err
}

func TestFailClosed(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	l := NewLimiter(brokenStore{err: fmt.Errorf("connection refused")}, nil, nil)
	res, err := l.Check(ctx, "eve", KindTextMessage, true)
	assert.Error(err)
	assert.True(fault.IsFatal(err))
	assert.False(res.Allowed)

	l = NewLimiter(brokenStore{err: ErrConflict}, nil, nil)
	l.TxnAttempts = 2
	res, err = l.Check(ctx, "eve", KindTextMessage, true)
	assert.ErrorIs(err, ErrConflict)
	assert.Equal(fault.Dependency, fault.KindOf(err))
	assert.False(res.Allowed)

	_, err = l.Check(ctx, "eve", Kind("bogus"), true)
	assert.Equal(fault.Validation, fault.KindOf(err))
}
