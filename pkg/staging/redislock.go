package staging

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var errLockHeld = errors.New("lock held")

var (
	releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`)

	extendScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0`)
)

// RedisLocker serialises builds across machines sharing a project checkout
// (for example on network storage). The lock is a SET NX key holding a
// random token; only the holder's token can release or extend it.
type RedisLocker struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	logger logrus.FieldLogger
}

// NewRedisLocker creates a redis backed locker. The lock expires after ttl
// unless the holder is still alive to extend it.
func NewRedisLocker(client *redis.Client, prefix string, ttl time.Duration, logger logrus.FieldLogger) *RedisLocker {
	if prefix == "" {
		prefix = "extforge:lock:"
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &RedisLocker{client: client, prefix: prefix, ttl: ttl, logger: logger}
}

// Key returns the redis key used for a lock key
func (r *RedisLocker) Key(key string) string {
	sum := sha256.Sum256([]byte(key))
	return r.prefix + hex.EncodeToString(sum[:8])
}

// Acquire polls SET NX until the lock is free or ctx is done
func (r *RedisLocker) Acquire(ctx context.Context, key string) (ReleaseFunc, error) {
	rkey := r.Key(key)
	token := uuid.NewString()

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		ok, err := r.client.SetNX(ctx, rkey, token, r.ttl).Result()
		if err != nil {
			return struct{}{}, backoff.Permanent(fmt.Errorf("failed to acquire redis lock: %w", err))
		}
		if !ok {
			return struct{}{}, errLockHeld
		}
		return struct{}{}, nil
	}, backoff.WithBackOff(backoff.NewConstantBackOff(pollInterval)), backoff.WithMaxElapsedTime(0))
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, errLockHeld) {
			return nil, fmt.Errorf("%w: %s", ErrLockTimeout, key)
		}
		return nil, err
	}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.keepAlive(rkey, token, stop)
	}()

	var once sync.Once
	return func() error {
		var rerr error
		once.Do(func() {
			close(stop)
			wg.Wait()
			// release with a fresh context so a cancelled build still unlocks
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := releaseScript.Run(ctx, r.client, []string{rkey}, token).Err(); err != nil {
				rerr = fmt.Errorf("failed to release redis lock: %w", err)
			}
		})
		return rerr
	}, nil
}

func (r *RedisLocker) keepAlive(rkey, token string, stop <-chan struct{}) {
	ticker := time.NewTicker(r.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), r.ttl/3)
			n, err := extendScript.Run(ctx, r.client, []string{rkey}, token, r.ttl.Milliseconds()).Int()
			cancel()
			switch {
			case err != nil:
				r.logger.WithError(err).WithField("key", rkey).Warn("Failed to extend redis lock")
			case n == 0:
				r.logger.WithField("key", rkey).Warn("Lost redis lock; another build may hold it")
			}
		}
	}
}
