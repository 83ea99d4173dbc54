package client

import (
	"context"
	"testing"
	"time"

	"github.com/heroiclabs/nakama-common/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeUserLister struct {
	calls    [][]string
	response *api.Users
	err      error
}

func (f *fakeUserLister) GetUsers(ctx context.Context, ids, usernames []string) (*api.Users, error) {
	f.calls = append(f.calls, ids)
	if f.err != nil {
		return nil, f.err
	}
	return f.response, nil
}

func user(id string) *api.User {
	return &api.User{Id: id, Username: "user-" + id}
}

func TestUserCachePutGet(t *testing.T) {
	cache := NewUserCache(zap.NewNop(), time.Minute)

	assert.Nil(t, cache.Get("u1"))
	cache.Put(user("u1"), user("u2"))
	require.NotNil(t, cache.Get("u1"))
	assert.Equal(t, "user-u2", cache.Get("u2").Username)

	cache.Invalidate("u1")
	assert.Nil(t, cache.Get("u1"))
	assert.NotNil(t, cache.Get("u2"))

	cache.Invalidate()
	assert.Nil(t, cache.Get("u2"))
}

func TestUserCacheTTLExpiry(t *testing.T) {
	cache := NewUserCache(zap.NewNop(), 20*time.Millisecond)

	cache.Put(user("u1"))
	require.NotNil(t, cache.Get("u1"))

	time.Sleep(40 * time.Millisecond)
	assert.Nil(t, cache.Get("u1"))
}

func TestUserCacheUsersFetchesOnlyMisses(t *testing.T) {
	cache := NewUserCache(zap.NewNop(), time.Minute)
	cache.Put(user("u1"))

	lister := &fakeUserLister{response: &api.Users{Users: []*api.User{user("u2"), user("u3")}}}

	users, err := cache.Users(context.Background(), lister, []string{"u1", "u2", "u3", "u2"})
	require.NoError(t, err)

	require.Len(t, lister.calls, 1)
	assert.ElementsMatch(t, []string{"u2", "u3"}, lister.calls[0])

	// Input order preserved, duplicates collapsed.
	ids := make([]string, 0, len(users))
	for _, u := range users {
		ids = append(ids, u.Id)
	}
	assert.Equal(t, []string{"u1", "u2", "u3"}, ids)

	// Second resolve is served entirely from the cache.
	_, err = cache.Users(context.Background(), lister, []string{"u2", "u3"})
	require.NoError(t, err)
	assert.Len(t, lister.calls, 1)
}

func TestUserCacheUsersSkipsUnknownIDs(t *testing.T) {
	cache := NewUserCache(zap.NewNop(), time.Minute)
	lister := &fakeUserLister{response: &api.Users{Users: []*api.User{user("u1")}}}

	users, err := cache.Users(context.Background(), lister, []string{"u1", "ghost"})
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, "u1", users[0].Id)
}
