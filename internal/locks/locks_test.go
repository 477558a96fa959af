package locks

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
)

func TestLocalLockerSerializes(t *testing.T) {
	l := NewLocal()
	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := l.Lock(context.Background(), "k", time.Second)
			if err != nil {
				t.Errorf("lock: %v", err)
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
			_ = unlock(context.Background())
		}()
	}
	wg.Wait()
	if maxInside != 1 {
		t.Fatalf("max concurrent holders %d", maxInside)
	}
}

func TestLocalLockerContextCancel(t *testing.T) {
	l := NewLocal()
	unlock, err := l.Lock(context.Background(), "k", time.Second)
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	defer unlock(context.Background())
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := l.Lock(ctx, "k", time.Second); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("want deadline exceeded, got %v", err)
	}
	if other, err := l.Lock(context.Background(), "other", time.Second); err != nil {
		t.Fatalf("independent key blocked: %v", err)
	} else {
		_ = other(context.Background())
	}
}

func TestRedisLockerAcquireRelease(t *testing.T) {
	mr := miniredis.RunT(t)
	l, err := NewRedis("redis://" + mr.Addr())
	if err != nil {
		t.Fatalf("new locker: %v", err)
	}
	defer l.Close()
	l.wait = 50 * time.Millisecond

	ctx := context.Background()
	unlock, err := l.Lock(ctx, "sum:acct", time.Second)
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	if _, err := l.Lock(ctx, "sum:acct", time.Second); !errors.Is(err, ErrNotAcquired) {
		t.Fatalf("second lock should time out, got %v", err)
	}
	if err := unlock(ctx); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	again, err := l.Lock(ctx, "sum:acct", time.Second)
	if err != nil {
		t.Fatalf("lock after release: %v", err)
	}
	_ = again(ctx)
}

func TestRedisLockerExpiry(t *testing.T) {
	mr := miniredis.RunT(t)
	l, err := NewRedis("redis://" + mr.Addr())
	if err != nil {
		t.Fatalf("new locker: %v", err)
	}
	defer l.Close()
	l.wait = 0

	ctx := context.Background()
	stale, err := l.Lock(ctx, "k", time.Second)
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	mr.FastForward(2 * time.Second)
	fresh, err := l.Lock(ctx, "k", time.Second)
	if err != nil {
		t.Fatalf("lock after ttl: %v", err)
	}
	// The stale holder must not release the new holder's lock.
	if err := stale(ctx); err != nil {
		t.Fatalf("stale unlock: %v", err)
	}
	if !mr.Exists("assetgw:lock:k") {
		t.Fatalf("stale unlock removed the fresh lock")
	}
	_ = fresh(ctx)
}
