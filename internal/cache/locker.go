package cache

import (
	"context"
	"sync"
	"time"

	"github.com/harsaa34/trustmate/internal/domain"
)

// NewLocker returns a Redis lease locker when c is backed by Redis and an
// in-process keyed mutex otherwise.
func NewLocker(cfg domain.CacheConfig, c domain.Cache) domain.Locker {
	switch rc := c.(type) {
	case *RedisCache:
		return NewRedisLocker(rc.Client(), cfg.LockTTL)
	case *TwoPhaseCache:
		return NewRedisLocker(rc.Remote().Client(), cfg.LockTTL)
	default:
		return NewKeyedMutex()
	}
}

// KeyedMutex serializes callers per key within one process. Keys with no
// holder or waiter are dropped from the map.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	sem  chan struct{}
	refs int
}

// NewKeyedMutex creates an empty keyed mutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyLock)}
}

// Lock blocks until key is free or ctx is done.
func (k *KeyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{sem: make(chan struct{}, 1)}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		k.release(key, l)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-l.sem
			k.release(key, l)
		})
	}, nil
}

func (k *KeyedMutex) release(key string, l *keyLock) {
	k.mu.Lock()
	defer k.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(k.locks, key)
	}
}

// Len returns the number of keys currently held or awaited.
func (k *KeyedMutex) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}

const (
	defaultLockTTL   = 30 * time.Second
	lockPollInterval = 25 * time.Millisecond
)
