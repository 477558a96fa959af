// Package locks serializes work on a key, either inside one process or
// across replicas through Redis.
package locks

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrNotAcquired is returned when a lock could not be taken before the wait deadline.
var ErrNotAcquired = errors.New("lock not acquired")

// Unlock releases a held lock. Calling it twice is harmless.
type Unlock func(ctx context.Context) error

// Locker takes an exclusive lock on key. ttl bounds how long a crashed holder
// can block others where the backend supports expiry.
type Locker interface {
	Lock(ctx context.Context, key string, ttl time.Duration) (Unlock, error)
}

// LocalLocker is an in-process Locker. Waiters block until the holder
// unlocks or their context ends.
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]chan struct{}
}

func NewLocal() *LocalLocker { return &LocalLocker{held: map[string]chan struct{}{}} }

func (l *LocalLocker) Lock(ctx context.Context, key string, _ time.Duration) (Unlock, error) {
	for {
		l.mu.Lock()
		ch, busy := l.held[key]
		if !busy {
			ch = make(chan struct{})
			l.held[key] = ch
			l.mu.Unlock()
			var once sync.Once
			return func(context.Context) error {
				once.Do(func() {
					l.mu.Lock()
					delete(l.held, key)
					l.mu.Unlock()
					close(ch)
				})
				return nil
			}, nil
		}
		l.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
