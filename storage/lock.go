package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ErrLockTimeout is returned when a property lock could not be acquired in time.
var ErrLockTimeout = errors.New("property lock timeout")

// PropertyLocker serializes mutating calendar operations per property.
// Different properties never contend.
type PropertyLocker interface {
	Lock(ctx context.Context, propertyID uint) (unlock func(), err error)
}

// KeyedLocker is an in-process PropertyLocker for single-instance deployments.
type KeyedLocker struct {
	timeout time.Duration

	mu    sync.Mutex
	locks map[uint]*keyedEntry
}

type keyedEntry struct {
	slot chan struct{}
	refs int
}

func NewKeyedLocker(timeout time.Duration) *KeyedLocker {
	return &KeyedLocker{timeout: timeout, locks: map[uint]*keyedEntry{}}
}

func (l *KeyedLocker) Lock(ctx context.Context, propertyID uint) (func(), error) {
	l.mu.Lock()
	entry, ok := l.locks[propertyID]
	if !ok {
		entry = &keyedEntry{slot: make(chan struct{}, 1)}
		l.locks[propertyID] = entry
	}
	entry.refs++
	l.mu.Unlock()

	timer := time.NewTimer(l.timeout)
	defer timer.Stop()

	select {
	case entry.slot <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-entry.slot
				l.release(propertyID, entry)
			})
		}, nil
	case <-ctx.Done():
		l.release(propertyID, entry)
		return nil, ctx.Err()
	case <-timer.C:
		l.release(propertyID, entry)
		return nil, fmt.Errorf("property %d: %w", propertyID, ErrLockTimeout)
	}
}

func (l *KeyedLocker) release(propertyID uint, entry *keyedEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry.refs--
	if entry.refs == 0 {
		delete(l.locks, propertyID)
	}
}

// Held returns how many properties currently have a holder or waiter.
func (l *KeyedLocker) Held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}

// releaseScript deletes the key only if it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// renewScript extends the TTL only while the key still holds our token.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

// RedisLocker is a PropertyLocker shared by every instance talking to the
// same Redis. The TTL bounds how long a crashed holder keeps the lock; a
// live holder renews it every ttl/3 until unlock.
type RedisLocker struct {
	client  *redis.Client
	timeout time.Duration
	ttl     time.Duration
	retry   time.Duration
	renew   time.Duration
	log     logrus.FieldLogger
}

func NewRedisLocker(client *redis.Client, timeout, ttl time.Duration, log logrus.FieldLogger) *RedisLocker {
	return &RedisLocker{
		client:  client,
		timeout: timeout,
		ttl:     ttl,
		retry:   25 * time.Millisecond,
		renew:   ttl / 3,
		log:     log,
	}
}

func redisLockKey(propertyID uint) string {
	return fmt.Sprintf("calendar:lock:property:%d", propertyID)
}

func (l *RedisLocker) Lock(ctx context.Context, propertyID uint) (func(), error) {
	key := redisLockKey(propertyID)
	token := uuid.NewString()
	deadline := time.Now().Add(l.timeout)

	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire lock %s: %w", key, err)
		}
		if ok {
			stop := make(chan struct{})
			go l.keepAlive(key, token, stop)
			var once sync.Once
			return func() {
				once.Do(func() {
					close(stop)
					releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
					defer cancel()
					_ = releaseScript.Run(releaseCtx, l.client, []string{key}, token).Err()
				})
			}, nil
		}

		if time.Now().After(deadline) {
			return nil, fmt.Errorf("property %d: %w", propertyID, ErrLockTimeout)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.retry):
		}
	}
}

func (l *RedisLocker) keepAlive(key, token string, stop <-chan struct{}) {
	ticker := time.NewTicker(l.renew)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), l.renew)
			n, err := renewScript.Run(ctx, l.client, []string{key}, token, l.ttl.Milliseconds()).Int()
			cancel()
			if err != nil {
				l.log.WithError(err).WithField("key", key).Warn("renew property lock")
				continue
			}
			if n == 0 {
				l.log.WithField("key", key).Warn("property lock lost before unlock")
				return
			}
		}
	}
}
