package storage

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

func quietLog() logrus.FieldLogger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func TestKeyedLockerSerializesSameProperty(t *testing.T) {
	locker := NewKeyedLocker(2 * time.Second)
	var inside int32
	var maxInside int32
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := locker.Lock(context.Background(), 7)
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
			unlock()
		}()
	}
	wg.Wait()

	if maxInside != 1 {
		t.Fatalf("expected at most one holder, saw %d", maxInside)
	}
	if locker.Held() != 0 {
		t.Fatalf("expected lock table to drain, got %d entries", locker.Held())
	}
}

func TestKeyedLockerDifferentPropertiesDoNotContend(t *testing.T) {
	locker := NewKeyedLocker(50 * time.Millisecond)
	unlockA, err := locker.Lock(context.Background(), 1)
	if err != nil {
		t.Fatalf("lock 1: %v", err)
	}
	defer unlockA()

	unlockB, err := locker.Lock(context.Background(), 2)
	if err != nil {
		t.Fatalf("lock 2 should not wait on property 1: %v", err)
	}
	unlockB()
}

func TestKeyedLockerTimeout(t *testing.T) {
	locker := NewKeyedLocker(20 * time.Millisecond)
	unlock, err := locker.Lock(context.Background(), 1)
	if err != nil {
		t.Fatalf("lock: %v", err)
	}

	_, err = locker.Lock(context.Background(), 1)
	if !errors.Is(err, ErrLockTimeout) {
		t.Fatalf("expected ErrLockTimeout, got %v", err)
	}

	unlock()
	unlock() // second call is a no-op

	unlock2, err := locker.Lock(context.Background(), 1)
	if err != nil {
		t.Fatalf("lock after release: %v", err)
	}
	unlock2()
}

func TestKeyedLockerHonoursContext(t *testing.T) {
	locker := NewKeyedLocker(time.Second)
	unlock, _ := locker.Lock(context.Background(), 1)
	defer unlock()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := locker.Lock(ctx, 1); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestRedisLocker(t *testing.T) {
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	defer client.Close()

	locker := NewRedisLocker(client, 60*time.Millisecond, 10*time.Second, quietLog())
	unlock, err := locker.Lock(context.Background(), 42)
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	if !srv.Exists(redisLockKey(42)) {
		t.Fatal("expected lock key in redis")
	}

	if _, err := locker.Lock(context.Background(), 42); !errors.Is(err, ErrLockTimeout) {
		t.Fatalf("expected ErrLockTimeout, got %v", err)
	}

	unlock()
	if srv.Exists(redisLockKey(42)) {
		t.Fatal("expected lock key to be released")
	}

	unlock2, err := locker.Lock(context.Background(), 42)
	if err != nil {
		t.Fatalf("relock: %v", err)
	}
	unlock2()
}

func TestRedisLockerReleaseKeepsForeignToken(t *testing.T) {
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	defer client.Close()

	locker := NewRedisLocker(client, 50*time.Millisecond, 10*time.Second, quietLog())
	unlock, err := locker.Lock(context.Background(), 9)
	if err != nil {
		t.Fatalf("lock: %v", err)
	}

	// the lock expired and another instance took it over
	if err := srv.Set(redisLockKey(9), "someone-else"); err != nil {
		t.Fatalf("set: %v", err)
	}
	unlock()

	got, err := srv.Get(redisLockKey(9))
	if err != nil || got != "someone-else" {
		t.Fatalf("foreign lock must survive our release, got %q (%v)", got, err)
	}
}

func TestRedisLockerRenewsWhileHeld(t *testing.T) {
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	defer client.Close()

	locker := NewRedisLocker(client, 30*time.Millisecond, 300*time.Millisecond, quietLog())
	unlock, err := locker.Lock(context.Background(), 5)
	if err != nil {
		t.Fatalf("lock: %v", err)
	}

	srv.FastForward(250 * time.Millisecond)
	time.Sleep(150 * time.Millisecond) // at least one renewal tick
	srv.FastForward(200 * time.Millisecond)

	if !srv.Exists(redisLockKey(5)) {
		t.Fatal("held lock expired past its ttl")
	}
	if _, err := locker.Lock(context.Background(), 5); !errors.Is(err, ErrLockTimeout) {
		t.Fatalf("expected ErrLockTimeout while held, got %v", err)
	}

	unlock()
	if srv.Exists(redisLockKey(5)) {
		t.Fatal("expected lock key to be released")
	}
	time.Sleep(150 * time.Millisecond)
	if srv.Exists(redisLockKey(5)) {
		t.Fatal("renewal kept running after unlock")
	}
}
