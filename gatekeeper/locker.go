package gatekeeper

import (
	"context"
	"errors"
	"fmt"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/lmittmann/tint"
	"github.com/redis/go-redis/v9"
	"log/slog"
	"sync"
	"time"
)

const (
	redisUnlockScript  = "if redis.call('get', KEYS[1]) == ARGV[1] then return redis.call('del', KEYS[1]) else return 0 end"
	redisUnlockTimeout = 5 * time.Second
)

var (
	ErrLockNotAcquired = errors.New("lock not acquired")

	errLockHeld = errors.New("lock held")
)

// Locker provides mutual exclusion per key. The returned unlock func
// must be called exactly once.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// verificationLockKey is the lock key serializing changes to a member's
// verification in a guild
func verificationLockKey(guildID, userID string) string {
	return fmt.Sprintf("verify:%s:%s", guildID, userID)
}

type localLockEntry struct {
	ch   chan struct{}
	refs int
}

// localLocker is an in-process keyed mutex. Entries are removed once
// nothing holds or waits on them.
type localLocker struct {
	mu      sync.Mutex
	entries map[string]*localLockEntry
	wait    time.Duration
}

func newLocalLocker(wait time.Duration) *localLocker {
	return &localLocker{
		entries: map[string]*localLockEntry{},
		wait:    wait,
	}
}

func (l *localLocker) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	entry, ok := l.entries[key]
	if !ok {
		entry = &localLockEntry{ch: make(chan struct{}, 1)}
		l.entries[key] = entry
	}
	entry.refs++
	l.mu.Unlock()

	var timeout <-chan time.Time
	if l.wait > 0 {
		timer := time.NewTimer(l.wait)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case entry.ch <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(
				func() {
					<-entry.ch
					l.release(key, entry)
				},
			)
		}, nil
	case <-ctx.Done():
		l.release(key, entry)
		return nil, fmt.Errorf("%w: %s: %w", ErrLockNotAcquired, key, ctx.Err())
	case <-timeout:
		l.release(key, entry)
		return nil, fmt.Errorf("%w: %s: timed out after %s", ErrLockNotAcquired, key, l.wait)
	}
}

func (l *localLocker) release(key string, entry *localLockEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry.refs--
	if entry.refs == 0 {
		delete(l.entries, key)
	}
}

// redisLocker holds locks as redis keys set with SET NX, so they're
// shared between bot instances. Only the holder's token can release
// the lock, and a lock left behind by a crashed instance expires after
// lockTimeout.
type redisLocker struct {
	client      redis.UniversalClient
	prefix      string
	lockTimeout time.Duration
	wait        time.Duration
	logger      *slog.Logger
	newToken    func() string
}

func newRedisLocker(
	client redis.UniversalClient,
	prefix string,
	lockTimeout time.Duration,
	wait time.Duration,
	logger *slog.Logger,
) *redisLocker {
	if logger == nil {
		logger = slog.Default()
	}
	return &redisLocker{
		client:      client,
		prefix:      prefix,
		lockTimeout: lockTimeout,
		wait:        wait,
		logger:      logger.With(loggerNameKey, "redis_locker"),
		newToken:    uuid.NewString,
	}
}

func (l *redisLocker) Lock(ctx context.Context, key string) (func(), error) {
	redisKey := l.prefix + "lock:" + key
	token := l.newToken()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 25 * time.Millisecond
	b.MaxInterval = 500 * time.Millisecond
	b.MaxElapsedTime = l.wait

	err := backoff.Retry(
		func() error {
			ok, err := l.client.SetNX(ctx, redisKey, token, l.lockTimeout).Result()
			if err != nil {
				return backoff.Permanent(err)
			}
			if !ok {
				return errLockHeld
			}
			return nil
		},
		backoff.WithContext(b, ctx),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrLockNotAcquired, key, err)
	}

	var once sync.Once
	return func() {
		once.Do(func() { l.unlock(redisKey, token) })
	}, nil
}

func (l *redisLocker) unlock(redisKey string, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), redisUnlockTimeout)
	defer cancel()

	result, err := l.client.Eval(ctx, redisUnlockScript, []string{redisKey}, token).Result()
	switch {
	case err != nil:
		l.logger.Error("error releasing lock", "key", redisKey, tint.Err(err))
	case result == int64(0):
		l.logger.Warn("lock expired before release", "key", redisKey)
	}
}
