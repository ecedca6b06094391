// Package authcache puts an in-memory cache in front of an identity
// service. Successful logins are cached with the user's password hash and
// re-verified locally; failed logins are remembered per username and
// password fingerprint for a shorter time. Concurrent misses for the same
// credentials share one backend call.
package authcache

import (
	"context"
	"encoding/hex"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/migadu/postern/logger"
	"github.com/migadu/postern/mailstore"
	"github.com/migadu/postern/pkg/metrics"
	"golang.org/x/sync/singleflight"
	"lukechampine.com/blake3"
)

type cacheEntry struct {
	user      mailstore.User
	negative  bool
	expiresAt time.Time
}

// AuthCache implements mailstore.IdentityService.
type AuthCache struct {
	backend mailstore.IdentityService

	mu              sync.RWMutex
	entries         map[string]*cacheEntry
	positiveTTL     time.Duration
	negativeTTL     time.Duration
	maxSize         int
	cleanupInterval time.Duration
	group           singleflight.Group

	stopCleanup    chan struct{}
	cleanupStopped chan struct{}
	stopOnce       sync.Once

	hits   uint64
	misses uint64
}

// New wraps backend and starts the expiry sweeper.
func New(backend mailstore.IdentityService, positiveTTL, negativeTTL time.Duration, maxSize int, cleanupInterval time.Duration) *AuthCache {
	if maxSize <= 0 {
		maxSize = 10000
	}
	if cleanupInterval <= 0 {
		cleanupInterval = 5 * time.Minute
	}

	c := &AuthCache{
		backend:         backend,
		entries:         make(map[string]*cacheEntry),
		positiveTTL:     positiveTTL,
		negativeTTL:     negativeTTL,
		maxSize:         maxSize,
		cleanupInterval: cleanupInterval,
		stopCleanup:     make(chan struct{}),
		cleanupStopped:  make(chan struct{}),
	}
	go c.cleanupLoop()

	logger.Info("AuthCache: Initialized", "positive_ttl", positiveTTL,
		"negative_ttl", negativeTTL, "max_size", maxSize, "cleanup_interval", cleanupInterval)
	return c
}

func positiveKey(username string) string {
	return "+" + strings.ToLower(username)
}

func negativeKey(username, password string) string {
	sum := blake3.Sum256([]byte(password))
	return "-" + strings.ToLower(username) + "\x00" + hex.EncodeToString(sum[:16])
}

// Authenticate answers from the cache when it can and asks the backend
// otherwise. Backend errors other than ErrInvalidCredentials are not cached.
func (c *AuthCache) Authenticate(ctx context.Context, username, password string) (*mailstore.User, error) {
	if user, ok := c.lookupSuccess(username, password); ok {
		return user, nil
	}
	nkey := negativeKey(username, password)
	if c.lookupFailure(nkey) {
		return nil, mailstore.ErrInvalidCredentials
	}

	v, err, _ := c.group.Do(nkey, func() (any, error) {
		user, err := c.backend.Authenticate(ctx, username, password)
		switch {
		case err == nil:
			c.setSuccess(username, user)
		case errors.Is(err, mailstore.ErrInvalidCredentials):
			c.setFailure(nkey)
		}
		return user, err
	})
	if err != nil {
		return nil, err
	}
	user := *v.(*mailstore.User)
	return &user, nil
}

func (c *AuthCache) lookupSuccess(username, password string) (*mailstore.User, bool) {
	c.mu.Lock()
	entry, ok := c.entries[positiveKey(username)]
	if !ok || time.Now().After(entry.expiresAt) {
		c.misses++
		c.mu.Unlock()
		metrics.AuthCacheLookups.WithLabelValues("miss").Inc()
		return nil, false
	}
	user := entry.user
	c.mu.Unlock()

	// A mismatch may mean the password changed, so let the backend decide.
	if err := mailstore.VerifyPassword(user.PasswordHash, password); err != nil {
		return nil, false
	}

	c.mu.Lock()
	c.hits++
	c.mu.Unlock()
	metrics.AuthCacheLookups.WithLabelValues("hit").Inc()
	return &user, true
}

func (c *AuthCache) lookupFailure(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok || time.Now().After(entry.expiresAt) {
		return false
	}
	c.hits++
	metrics.AuthCacheLookups.WithLabelValues("hit").Inc()
	return true
}

func (c *AuthCache) setSuccess(username string, user *mailstore.User) {
	if user == nil || user.PasswordHash == "" || c.positiveTTL <= 0 {
		return
	}
	c.put(positiveKey(username), &cacheEntry{user: *user, expiresAt: time.Now().Add(c.positiveTTL)})
}

func (c *AuthCache) setFailure(key string) {
	if c.negativeTTL <= 0 {
		return
	}
	c.put(key, &cacheEntry{negative: true, expiresAt: time.Now().Add(c.negativeTTL)})
}

func (c *AuthCache) put(key string, entry *cacheEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.maxSize {
		c.evictOldest()
	}
	c.entries[key] = entry
	metrics.AuthCacheEntries.Set(float64(len(c.entries)))
}

// Invalidate drops the cached login of username, e.g. after a password
// change. Cached failures expire on their own.
func (c *AuthCache) Invalidate(username string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, positiveKey(username))
	metrics.AuthCacheEntries.Set(float64(len(c.entries)))
}

// evictOldest removes the entry closest to expiry. Caller holds mu.
func (c *AuthCache) evictOldest() {
	var oldestKey string
	var oldest time.Time
	for key, entry := range c.entries {
		if oldestKey == "" || entry.expiresAt.Before(oldest) {
			oldestKey = key
			oldest = entry.expiresAt
		}
	}
	if oldestKey != "" {
		delete(c.entries, oldestKey)
	}
}

func (c *AuthCache) cleanupLoop() {
	defer close(c.cleanupStopped)

	ticker := time.NewTicker(c.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.cleanup()
		case <-c.stopCleanup:
			return
		}
	}
}

func (c *AuthCache) cleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	removed := 0
	for key, entry := range c.entries {
		if now.After(entry.expiresAt) {
			delete(c.entries, key)
			removed++
		}
	}
	if removed > 0 {
		logger.Debug("AuthCache: Cleanup removed expired entries", "removed", removed, "remaining", len(c.entries))
		metrics.AuthCacheEntries.Set(float64(len(c.entries)))
	}
}

// Stop ends the sweeper.
func (c *AuthCache) Stop(ctx context.Context) error {
	c.stopOnce.Do(func() { close(c.stopCleanup) })
	select {
	case <-c.cleanupStopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// GetStats returns hit/miss counters, the entry count and the hit rate in
// percent.
func (c *AuthCache) GetStats() (hits, misses uint64, size int, hitRate float64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if total := c.hits + c.misses; total > 0 {
		hitRate = float64(c.hits) / float64(total) * 100
	}
	return c.hits, c.misses, len(c.entries), hitRate
}
