package client

import (
	"context"
	"sync"
	"time"

	"github.com/heroiclabs/nakama-common/api"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

// UserLister is the subset of the API client the cache needs to resolve
// misses.
type UserLister interface {
	GetUsers(ctx context.Context, ids, usernames []string) (*api.Users, error)
}

type userCacheEntry struct {
	user      *api.User
	expiresAt time.Time
}

// UserCache is a TTL cache of user records keyed by user ID. Chat surfaces
// resolve sender IDs through it so repeated lookups of the same users do
// not hit the server.
type UserCache struct {
	mu      sync.RWMutex
	logger  *zap.Logger
	ttl     time.Duration
	entries map[string]userCacheEntry
}

func NewUserCache(logger *zap.Logger, ttl time.Duration) *UserCache {
	return &UserCache{
		logger:  logger,
		ttl:     ttl,
		entries: make(map[string]userCacheEntry),
	}
}

// Get returns the cached user, or nil when absent or expired.
func (c *UserCache) Get(userID string) *api.User {
	c.mu.RLock()
	entry, found := c.entries[userID]
	c.mu.RUnlock()
	if !found || time.Now().After(entry.expiresAt) {
		return nil
	}
	return entry.user
}

func (c *UserCache) Put(users ...*api.User) {
	expiresAt := time.Now().Add(c.ttl)
	c.mu.Lock()
	for _, user := range users {
		if user == nil || user.Id == "" {
			continue
		}
		c.entries[user.Id] = userCacheEntry{user: user, expiresAt: expiresAt}
	}
	c.mu.Unlock()
}

// Invalidate drops specific users, or the whole cache when called with no
// arguments.
func (c *UserCache) Invalidate(userIDs ...string) {
	c.mu.Lock()
	if len(userIDs) == 0 {
		c.entries = make(map[string]userCacheEntry)
	} else {
		for _, id := range userIDs {
			delete(c.entries, id)
		}
	}
	c.mu.Unlock()
}

// Users resolves the given user IDs, fetching only the ones missing from
// the cache. The result preserves the order of the input IDs; unknown IDs
// are skipped.
func (c *UserCache) Users(ctx context.Context, lister UserLister, userIDs []string) ([]*api.User, error) {
	userIDs = lo.Uniq(userIDs)

	resolved := make(map[string]*api.User, len(userIDs))
	misses := make([]string, 0, len(userIDs))
	for _, id := range userIDs {
		if user := c.Get(id); user != nil {
			resolved[id] = user
		} else {
			misses = append(misses, id)
		}
	}

	if len(misses) > 0 {
		users, err := lister.GetUsers(ctx, misses, nil)
		if err != nil {
			return nil, err
		}
		c.Put(users.Users...)
		for id, user := range lo.KeyBy(users.Users, func(u *api.User) string { return u.Id }) {
			resolved[id] = user
		}
		c.logger.Debug("Fetched users on cache miss", zap.Int("requested", len(misses)), zap.Int("returned", len(users.Users)))
	}

	ordered := make([]*api.User, 0, len(resolved))
	for _, id := range userIDs {
		if user, found := resolved[id]; found {
			ordered = append(ordered, user)
		}
	}
	return ordered, nil
}
