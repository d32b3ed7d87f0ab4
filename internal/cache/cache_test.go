package cache

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/harsaa34/trustmate/internal/domain"
)

func TestLRUCache(t *testing.T) {
	cache := NewLRUCache(100)
	ctx := context.Background()

	t.Run("SetAndGet", func(t *testing.T) {
		if err := cache.Set(ctx, "verification:stl-1", []byte("v1"), time.Minute); err != nil {
			t.Fatalf("Set failed: %v", err)
		}

		val, err := cache.Get(ctx, "verification:stl-1")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if string(val) != "v1" {
			t.Errorf("expected 'v1', got '%s'", string(val))
		}
	})

	t.Run("GetReturnsCopy", func(t *testing.T) {
		_ = cache.Set(ctx, "copy", []byte("abc"), time.Minute)

		val, _ := cache.Get(ctx, "copy")
		val[0] = 'x'

		again, _ := cache.Get(ctx, "copy")
		if string(again) != "abc" {
			t.Errorf("cached value was mutated through Get: %s", again)
		}
	})

	t.Run("GetMiss", func(t *testing.T) {
		val, err := cache.Get(ctx, "nonexistent")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if val != nil {
			t.Errorf("expected nil for cache miss, got: %v", val)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		_ = cache.Set(ctx, "key2", []byte("value2"), time.Minute)

		if err := cache.Delete(ctx, "key2"); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}

		if val, _ := cache.Get(ctx, "key2"); val != nil {
			t.Error("expected nil after delete")
		}
	})

	t.Run("TTLExpiration", func(t *testing.T) {
		now := time.Now()
		clocked := NewLRUCache(10)
		clocked.now = func() time.Time { return now }

		_ = clocked.Set(ctx, "expiring", []byte("temp"), time.Second)
		if val, _ := clocked.Get(ctx, "expiring"); val == nil {
			t.Error("expected value before expiration")
		}

		now = now.Add(2 * time.Second)
		if val, _ := clocked.Get(ctx, "expiring"); val != nil {
			t.Error("expected nil after expiration")
		}
	})

	t.Run("LRUEviction", func(t *testing.T) {
		smallCache := NewLRUCache(3)

		_ = smallCache.Set(ctx, "a", []byte("1"), time.Minute)
		_ = smallCache.Set(ctx, "b", []byte("2"), time.Minute)
		_ = smallCache.Set(ctx, "c", []byte("3"), time.Minute)

		// Access 'a' to make it recently used
		_, _ = smallCache.Get(ctx, "a")

		// Add 'd' - should evict 'b' (oldest accessed)
		_ = smallCache.Set(ctx, "d", []byte("4"), time.Minute)

		if val, _ := smallCache.Get(ctx, "b"); val != nil {
			t.Error("expected 'b' to be evicted")
		}
		if val, _ := smallCache.Get(ctx, "a"); val == nil {
			t.Error("expected 'a' to still exist")
		}
	})

	t.Run("IncrementCounter", func(t *testing.T) {
		now := time.Now()
		clocked := NewLRUCache(10)
		clocked.now = func() time.Time { return now }
		window := time.Minute

		count1, err := clocked.IncrementCounter(ctx, "attempts:stl-1", window)
		if err != nil {
			t.Fatalf("IncrementCounter failed: %v", err)
		}
		if count1 != 1 {
			t.Errorf("expected count 1, got %d", count1)
		}

		count2, _ := clocked.IncrementCounter(ctx, "attempts:stl-1", window)
		if count2 != 2 {
			t.Errorf("expected count 2, got %d", count2)
		}

		other, _ := clocked.IncrementCounter(ctx, "attempts:stl-2", window)
		if other != 1 {
			t.Errorf("counters must be per key, got %d", other)
		}

		now = now.Add(2 * window)
		count3, _ := clocked.IncrementCounter(ctx, "attempts:stl-1", window)
		if count3 != 1 {
			t.Errorf("expected count 1 after window reset, got %d", count3)
		}
	})

	t.Run("Stats", func(t *testing.T) {
		statsCache := NewLRUCache(50)
		_ = statsCache.Set(ctx, "k1", []byte("v1"), time.Minute)
		_ = statsCache.Set(ctx, "k2", []byte("v2"), time.Minute)

		size, capacity := statsCache.Stats()
		if size != 2 {
			t.Errorf("expected size 2, got %d", size)
		}
		if capacity != 50 {
			t.Errorf("expected capacity 50, got %d", capacity)
		}
	})

	t.Run("Close", func(t *testing.T) {
		testCache := NewLRUCache(10)
		_ = testCache.Set(ctx, "k", []byte("v"), time.Minute)

		if err := testCache.Close(); err != nil {
			t.Errorf("Close failed: %v", err)
		}
		if val, _ := testCache.Get(ctx, "k"); val != nil {
			t.Error("expected cache to be cleared after close")
		}
	})
}

func TestNewCache(t *testing.T) {
	t.Run("MemoryType", func(t *testing.T) {
		cache, err := New(domain.CacheConfig{Type: "memory", LocalMaxSize: 100})
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		defer cache.Close()

		if _, ok := cache.(*LRUCache); !ok {
			t.Error("expected LRUCache for memory type")
		}
		if _, ok := NewLocker(domain.CacheConfig{}, cache).(*KeyedMutex); !ok {
			t.Error("expected KeyedMutex locker for memory cache")
		}
	})

	t.Run("UnsupportedType", func(t *testing.T) {
		if _, err := New(domain.CacheConfig{Type: "memcached"}); err == nil {
			t.Error("expected error for unsupported type")
		}
	})
}

func TestKeyedMutex(t *testing.T) {
	ctx := context.Background()

	t.Run("SerializesSameKey", func(t *testing.T) {
		km := NewKeyedMutex()

		var inside, maxInside int32
		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				unlock, err := km.Lock(ctx, "stl-1")
				if err != nil {
					t.Errorf("Lock failed: %v", err)
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
				unlock()
			}()
		}
		wg.Wait()

		if maxInside != 1 {
			t.Errorf("expected at most 1 holder, saw %d", maxInside)
		}
		if km.Len() != 0 {
			t.Errorf("expected no retained keys, got %d", km.Len())
		}
	})

	t.Run("IndependentKeys", func(t *testing.T) {
		km := NewKeyedMutex()

		unlockA, _ := km.Lock(ctx, "a")
		defer unlockA()

		done := make(chan struct{})
		go func() {
			unlockB, err := km.Lock(ctx, "b")
			if err == nil {
				unlockB()
			}
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("lock on b blocked behind a")
		}
	})

	t.Run("ContextCancel", func(t *testing.T) {
		km := NewKeyedMutex()

		unlock, _ := km.Lock(ctx, "stl-1")
		defer unlock()

		waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancel()

		_, err := km.Lock(waitCtx, "stl-1")
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("expected deadline exceeded, got %v", err)
		}
	})

	t.Run("DoubleUnlockIsSafe", func(t *testing.T) {
		km := NewKeyedMutex()
		unlock, _ := km.Lock(ctx, "k")
		unlock()
		unlock()

		again, err := km.Lock(ctx, "k")
		if err != nil {
			t.Fatalf("Lock failed: %v", err)
		}
		again()
	})
}

func TestRedisCache(t *testing.T) {
	addr := os.Getenv("TRUSTMATE_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TRUSTMATE_TEST_REDIS_ADDR not set")
	}

	cache, err := New(domain.CacheConfig{Type: "redis", RedisAddr: addr, EnableTwoPhase: true, LocalTTL: time.Second})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer cache.Close()
	ctx := context.Background()
	key := "test:" + time.Now().Format(time.RFC3339Nano)

	if err := cache.Set(ctx, key, []byte("v"), time.Minute); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if val, _ := cache.Get(ctx, key); string(val) != "v" {
		t.Errorf("expected 'v', got %q", val)
	}
	if err := cache.Delete(ctx, key); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if val, _ := cache.Get(ctx, key); val != nil {
		t.Errorf("expected miss after delete, got %q", val)
	}

	n, _ := cache.IncrementCounter(ctx, key, time.Minute)
	n, _ = cache.IncrementCounter(ctx, key, time.Minute)
	if n != 2 {
		t.Errorf("expected counter 2, got %d", n)
	}

	locker := NewLocker(domain.CacheConfig{LockTTL: 5 * time.Second}, cache)
	if _, ok := locker.(*RedisLocker); !ok {
		t.Fatalf("expected RedisLocker, got %T", locker)
	}

	unlock, err := locker.Lock(ctx, key)
	if err != nil {
		t.Fatalf("Lock failed: %v", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	if _, err := locker.Lock(waitCtx, key); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected second holder to time out, got %v", err)
	}

	unlock()
	unlock2, err := locker.Lock(ctx, key)
	if err != nil {
		t.Fatalf("Lock after release failed: %v", err)
	}
	unlock2()
}

func TestTwoPhaseCacheReplicaStaleness(t *testing.T) {
	addr := os.Getenv("TRUSTMATE_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TRUSTMATE_TEST_REDIS_ADDR not set")
	}

	cfg := domain.CacheConfig{RedisAddr: addr, LocalMaxSize: 10, LocalTTL: 200 * time.Millisecond}
	nodeA, err := NewTwoPhaseCache(cfg)
	if err != nil {
		t.Fatalf("NewTwoPhaseCache failed: %v", err)
	}
	defer nodeA.Close()
	nodeB, err := NewTwoPhaseCache(cfg)
	if err != nil {
		t.Fatalf("NewTwoPhaseCache failed: %v", err)
	}
	defer nodeB.Close()

	ctx := context.Background()
	key := "status:" + time.Now().Format(time.RFC3339Nano)
	defer nodeA.Delete(ctx, key)

	nodeA.Set(ctx, key, []byte("v1"), time.Minute)
	if val, _ := nodeB.Get(ctx, key); string(val) != "v1" {
		t.Fatalf("expected node B to read v1, got %q", val)
	}

	nodeA.Set(ctx, key, []byte("v2"), time.Minute)
	if val, _ := nodeA.Get(ctx, key); string(val) != "v2" {
		t.Errorf("expected the writing node to read v2, got %q", val)
	}
	// Node B's L1 copy is only bounded by LocalTTL.
	if val, _ := nodeB.Get(ctx, key); string(val) != "v1" {
		t.Errorf("expected node B to still hold v1 within LocalTTL, got %q", val)
	}

	time.Sleep(300 * time.Millisecond)
	if val, _ := nodeB.Get(ctx, key); string(val) != "v2" {
		t.Errorf("expected node B to read v2 after LocalTTL, got %q", val)
	}
}
