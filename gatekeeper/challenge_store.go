package gatekeeper

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"github.com/go-redis/cache/v9"
	"github.com/redis/go-redis/v9"
	"strings"
	"sync"
	"time"
)

const challengeIDLength = 8

var ErrChallengeNotFound = errors.New("captcha challenge not found")

// ChallengeStore holds the captcha challenge currently issued for each
// in-progress verification log. Only a hash of the answer is kept.
type ChallengeStore interface {
	// Put issues a challenge for the log, replacing any previous one,
	// and returns the ID of the issued challenge
	Put(ctx context.Context, logID uint, challenge CaptchaChallenge) (string, error)

	// Get returns the issued challenge without consuming it
	Get(ctx context.Context, logID uint) (IssuedChallenge, error)

	// Verify consumes the issued challenge and reports whether answer
	// is correct. ErrChallengeNotFound is returned if the challenge
	// with the given ID isn't the one currently issued, or if it has
	// expired.
	Verify(ctx context.Context, logID uint, challengeID string, answer string) (bool, error)

	// Discard removes any challenge issued for the log
	Discard(ctx context.Context, logID uint) error
}

// IssuedChallenge is a challenge that's been issued, without its answer
type IssuedChallenge struct {
	ID       string
	Question string
	Kind     CaptchaKind
	IssuedAt time.Time
}

type storedChallenge struct {
	ID         string      `msgpack:"i"`
	Question   string      `msgpack:"q"`
	Kind       CaptchaKind `msgpack:"k"`
	AnswerHash string      `msgpack:"h"`
	IssuedAt   int64       `msgpack:"t"`
}

// localChallengeCache is a cache.LocalCache that keeps every entry until
// it's deleted or expires. Unlike TinyLFU, a Set always replaces the
// current entry and is never refused admission. When full, expired
// entries are dropped first, then the entry closest to expiring.
type localChallengeCache struct {
	mu      sync.Mutex
	entries map[string]localChallengeEntry
	size    int
	ttl     time.Duration
}

type localChallengeEntry struct {
	data    []byte
	expires time.Time
}

func newLocalChallengeCache(size int, ttl time.Duration) *localChallengeCache {
	return &localChallengeCache{
		entries: make(map[string]localChallengeEntry, size),
		size:    size,
		ttl:     ttl,
	}
}

func (c *localChallengeCache) Set(key string, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if _, ok := c.entries[key]; !ok && len(c.entries) >= c.size {
		c.evict(now)
	}
	c.entries[key] = localChallengeEntry{data: data, expires: now.Add(c.ttl)}
}

// evict removes expired entries, or the entry closest to expiring if
// none have. Must be called with mu held.
func (c *localChallengeCache) evict(now time.Time) {
	var oldestKey string
	var oldest time.Time
	removed := false
	for k, entry := range c.entries {
		if !now.Before(entry.expires) {
			delete(c.entries, k)
			removed = true
			continue
		}
		if oldestKey == "" || entry.expires.Before(oldest) {
			oldestKey = k
			oldest = entry.expires
		}
	}
	if !removed && oldestKey != "" {
		delete(c.entries, oldestKey)
	}
}

func (c *localChallengeCache) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if !time.Now().Before(entry.expires) {
		delete(c.entries, key)
		return nil, false
	}
	return entry.data, true
}

func (c *localChallengeCache) Del(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// cacheChallengeStore stores challenges with go-redis/cache. With a redis
// client, challenges are shared between instances. Otherwise, they're
// kept in a localChallengeCache.
type cacheChallengeStore struct {
	cache  *cache.Cache
	prefix string
	ttl    time.Duration
}

func newChallengeStore(
	client redis.UniversalClient,
	prefix string,
	ttl time.Duration,
	localSize int,
) *cacheChallengeStore {
	opts := &cache.Options{}
	if client != nil {
		opts.Redis = client
	} else {
		opts.LocalCache = newLocalChallengeCache(localSize, ttl)
	}
	return &cacheChallengeStore{
		cache:  cache.New(opts),
		prefix: prefix,
		ttl:    ttl,
	}
}

func (s *cacheChallengeStore) key(logID uint) string {
	return fmt.Sprintf("%scaptcha:%d", s.prefix, logID)
}

func hashCaptchaAnswer(answer string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(answer))))
	return hex.EncodeToString(sum[:])
}

func (s *cacheChallengeStore) Put(
	ctx context.Context,
	logID uint,
	challenge CaptchaChallenge,
) (string, error) {
	id, err := generateRandomHexString(challengeIDLength)
	if err != nil {
		return "", err
	}
	if err = s.Discard(ctx, logID); err != nil {
		return "", err
	}
	err = s.cache.Set(
		&cache.Item{
			Ctx: ctx,
			Key: s.key(logID),
			Value: storedChallenge{
				ID:         id,
				Question:   challenge.Question,
				Kind:       challenge.Kind,
				AnswerHash: hashCaptchaAnswer(challenge.Answer),
				IssuedAt:   time.Now().UnixMilli(),
			},
			TTL: s.ttl,
		},
	)
	if err != nil {
		return "", err
	}
	return id, nil
}

func (s *cacheChallengeStore) load(ctx context.Context, logID uint) (storedChallenge, error) {
	var stored storedChallenge
	if err := s.cache.Get(ctx, s.key(logID), &stored); err != nil {
		if errors.Is(err, cache.ErrCacheMiss) {
			return stored, ErrChallengeNotFound
		}
		return stored, err
	}
	if time.Since(time.UnixMilli(stored.IssuedAt)) > s.ttl {
		return stored, ErrChallengeNotFound
	}
	return stored, nil
}

func (s *cacheChallengeStore) Get(ctx context.Context, logID uint) (IssuedChallenge, error) {
	stored, err := s.load(ctx, logID)
	if err != nil {
		return IssuedChallenge{}, err
	}
	return IssuedChallenge{
		ID:       stored.ID,
		Question: stored.Question,
		Kind:     stored.Kind,
		IssuedAt: time.UnixMilli(stored.IssuedAt),
	}, nil
}

func (s *cacheChallengeStore) Verify(
	ctx context.Context,
	logID uint,
	challengeID string,
	answer string,
) (bool, error) {
	stored, err := s.load(ctx, logID)
	if err != nil {
		return false, err
	}
	if stored.ID != challengeID {
		return false, ErrChallengeNotFound
	}
	if err = s.Discard(ctx, logID); err != nil {
		return false, err
	}
	correct := subtle.ConstantTimeCompare(
		[]byte(hashCaptchaAnswer(answer)),
		[]byte(stored.AnswerHash),
	) == 1
	return correct, nil
}

func (s *cacheChallengeStore) Discard(ctx context.Context, logID uint) error {
	err := s.cache.Delete(ctx, s.key(logID))
	if err != nil && !errors.Is(err, cache.ErrCacheMiss) {
		return err
	}
	return nil
}
