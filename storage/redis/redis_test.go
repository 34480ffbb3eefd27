package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theapp/server/storage"
	"github.com/theapp/server/storage/storagetest"
)

func newTestStore(t *testing.T, opts ...Option) (*SessionStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return New(rdb, opts...), mr
}

func TestRedisSessionStore(t *testing.T) {
	storagetest.RunSessionTests(t, func(t *testing.T) (storage.SessionRepository, func(string)) {
		s, _ := newTestStore(t)
		return s, func(string) {}
	})
}

func TestRedisSessionStore_KeyTTL(t *testing.T) {
	s, mr := newTestStore(t, WithKeyTTL(time.Hour))
	ctx := context.Background()
	now := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.InsertSession(ctx, storage.SessionRecord{
		ID: "s1", AccountID: "u1", SecretHash: []byte("hash"), CreatedAt: now, LastUsedAt: now,
	}))
	assert.Equal(t, time.Hour, mr.TTL("theapp:session:s1"))

	mr.FastForward(30 * time.Minute)
	require.NoError(t, s.UpdateSessionLastUsed(ctx, "s1", now.Add(30*time.Minute)))
	assert.Equal(t, time.Hour, mr.TTL("theapp:session:s1"), "renewal should reset the key TTL")

	mr.FastForward(61 * time.Minute)
	_, err := s.FindSession(ctx, "s1")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	list, err := s.ListSessionsByAccount(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, list, "expired hashes must not be listed")
	assert.False(t, mr.Exists("theapp:account:u1"), "listing should prune the account index")

	n, err := s.DeleteSessionsLastUsedBefore(ctx, now.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n, "an expired hash is not counted as reaped")
	assert.False(t, mr.Exists("theapp:last_used"), "the sweep should prune the last-used index")
}

func TestRedisSessionStore_Prefix(t *testing.T) {
	s, mr := newTestStore(t, WithPrefix("other"))
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, s.InsertSession(ctx, storage.SessionRecord{
		ID: "s1", AccountID: "u1", SecretHash: []byte("hash"), CreatedAt: now, LastUsedAt: now,
	}))
	assert.True(t, mr.Exists("other:session:s1"))
	assert.False(t, mr.Exists("theapp:session:s1"))
}

func TestRedisSessionStore_Unavailable(t *testing.T) {
	s, mr := newTestStore(t)
	mr.Close()

	_, err := s.FindSession(context.Background(), "s1")
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestOpen(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)

	s, err := Open(ctx, "redis://"+mr.Addr(), WithKeyTTL(time.Minute))
	require.NoError(t, err)
	defer s.Close()
	now := time.Now().UTC()
	require.NoError(t, s.InsertSession(ctx, storage.SessionRecord{
		ID: "s1", AccountID: "u1", SecretHash: []byte("hash"), CreatedAt: now, LastUsedAt: now,
	}))
	assert.Equal(t, time.Minute, mr.TTL("theapp:session:s1"))

	_, err = Open(ctx, "ftp://nowhere")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrUnavailable)

	addr := mr.Addr()
	mr.Close()
	_, err = Open(ctx, "redis://"+addr)
	assert.ErrorIs(t, err, ErrUnavailable)
}
