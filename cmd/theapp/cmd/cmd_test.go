package cmd

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theapp/server/account"
	"github.com/theapp/server/config"
	"github.com/theapp/server/crypto"
	"github.com/theapp/server/session"
	"github.com/theapp/server/storage"
	"github.com/theapp/server/storage/memory"
	redisstorage "github.com/theapp/server/storage/redis"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		StorageBackend:         config.BackendMemory,
		DataDir:                t.TempDir(),
		InactivityTimeout:      session.DefaultInactivityTimeout,
		ActivityUpdateInterval: session.DefaultActivityUpdateInterval,
		ReapInterval:           session.DefaultReapInterval,
		InviteTTL:              account.DefaultInviteTTL,
		Argon2MemoryKiB:        8 * 1024,
		Argon2Time:             1,
		Argon2Parallelism:      1,
	}
}

func testAccounts(t *testing.T) (*account.Service, *memory.Store) {
	t.Helper()
	store := memory.New()
	accounts, err := newAccountService(testConfig(t), store, discard)
	require.NoError(t, err)
	return accounts, store
}

func TestCreateUserAndSetRole(t *testing.T) {
	ctx := context.Background()
	accounts, _ := testAccounts(t)

	var out bytes.Buffer
	require.NoError(t, createUser(ctx, &out, accounts, "Root@Example.com", "Root-pass-1", storage.RoleAdmin))
	assert.Contains(t, out.String(), "created admin account root@example.com")

	err := createUser(ctx, &out, accounts, "root@example.com", "Root-pass-1", storage.RoleStandard)
	assert.ErrorIs(t, err, account.ErrEmailTaken)

	out.Reset()
	require.NoError(t, setUserRole(ctx, &out, accounts, "root@example.com", storage.RoleStandard))
	assert.Equal(t, "root@example.com is now standard\n", out.String())
	rec, err := accounts.GetByEmail(ctx, "root@example.com")
	require.NoError(t, err)
	assert.Equal(t, storage.RoleStandard, rec.Role)

	err = setUserRole(ctx, &out, accounts, "ghost@example.com", storage.RoleAdmin)
	assert.ErrorIs(t, err, errNoSuchAccount)
}

func TestCreateInvite(t *testing.T) {
	ctx := context.Background()
	accounts, store := testAccounts(t)

	var out bytes.Buffer
	require.NoError(t, createInvite(ctx, &out, accounts, "https://app.example.com/signup", "new@example.com"))
	invites, err := store.ListInvites(ctx)
	require.NoError(t, err)
	require.Len(t, invites, 1)
	assert.Contains(t, out.String(), "invited new@example.com")
	assert.Contains(t, out.String(), "link: https://app.example.com/signup?inviteId="+invites[0].ID)

	out.Reset()
	require.NoError(t, createInvite(ctx, &out, accounts, "", "other@example.com"))
	assert.NotContains(t, out.String(), "link:")

	assert.ErrorIs(t, createInvite(ctx, &out, accounts, "", "new@example.com"), account.ErrInviteExists)
}

func TestReapSessions(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	now := time.Now().UTC()
	for id, lastUsed := range map[string]time.Time{
		"old":   now.Add(-session.DefaultInactivityTimeout - time.Hour),
		"fresh": now.Add(-time.Hour),
	} {
		require.NoError(t, store.InsertSession(ctx, storage.SessionRecord{
			ID: id, AccountID: "a", SecretHash: crypto.HashSecret("s"), CreatedAt: lastUsed, LastUsedAt: lastUsed,
		}))
	}
	reaper, err := session.NewReaper(store, session.DefaultInactivityTimeout, session.DefaultReapInterval,
		session.WithReaperLogger(discard))
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, reapSessions(ctx, &out, reaper))
	assert.Equal(t, "removed 1 expired sessions\n", out.String())

	_, err = store.FindSession(ctx, "fresh")
	assert.NoError(t, err)
	_, err = store.FindSession(ctx, "old")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestOpenStores(t *testing.T) {
	ctx := context.Background()

	t.Run("memory", func(t *testing.T) {
		st, err := openStores(ctx, testConfig(t), discard)
		require.NoError(t, err)
		defer st.Close()
		assert.Same(t, st.primary, st.sessions)
	})

	t.Run("bbolt", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.StorageBackend = config.BackendBolt
		st, err := openStores(ctx, cfg, discard)
		require.NoError(t, err)
		require.NoError(t, st.primary.CreateAccount(ctx, storage.AccountRecord{ID: "1", Email: "a@example.com", Role: storage.RoleStandard}))
		require.NoError(t, st.Close())

		// Data survives a reopen.
		st, err = openStores(ctx, cfg, discard)
		require.NoError(t, err)
		defer st.Close()
		rec, err := st.primary.GetAccount(ctx, "1")
		require.NoError(t, err)
		assert.Equal(t, "a@example.com", rec.Email)
	})

	t.Run("redis sessions", func(t *testing.T) {
		mr := miniredis.RunT(t)
		cfg := testConfig(t)
		cfg.RedisURL = "redis://" + mr.Addr()
		st, err := openStores(ctx, cfg, discard)
		require.NoError(t, err)
		defer st.Close()
		assert.IsType(t, &redisstorage.SessionStore{}, st.sessions)
		assert.IsType(t, &memory.Store{}, st.primary)
	})

	t.Run("bad redis url", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.RedisURL = "ftp://nowhere"
		_, err := openStores(ctx, cfg, discard)
		assert.ErrorContains(t, err, "REDIS_URL")
	})

	t.Run("unreachable redis", func(t *testing.T) {
		mr := miniredis.RunT(t)
		addr := mr.Addr()
		mr.Close()
		cfg := testConfig(t)
		cfg.RedisURL = "redis://" + addr
		_, err := openStores(ctx, cfg, discard)
		assert.ErrorIs(t, err, redisstorage.ErrUnavailable)
	})

	t.Run("unknown backend", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.StorageBackend = "mysql"
		_, err := openStores(ctx, cfg, discard)
		assert.Error(t, err)
	})
}

func TestCommandTree(t *testing.T) {
	for _, path := range [][]string{
		{"server"},
		{"migrate"},
		{"sessions", "reap"},
		{"user", "create"},
		{"user", "promote"},
		{"user", "demote"},
		{"invite", "create"},
	} {
		c, _, err := rootCmd.Find(path)
		require.NoError(t, err, path)
		assert.Equal(t, path[len(path)-1], c.Name())
	}
	assert.NotNil(t, rootCmd.PersistentFlags().Lookup("storage"))
}
