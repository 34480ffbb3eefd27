// Package storagetest holds conformance suites shared by every storage
// backend's tests.
package storagetest

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theapp/server/storage"
)

// base is second-aligned UTC so every backend round-trips it exactly.
var base = time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)

func session(id, accountID string, lastUsed time.Time) storage.SessionRecord {
	return storage.SessionRecord{
		ID:         id,
		SecretHash: []byte("0123456789abcdef0123456789abcdef"),
		AccountID:  accountID,
		CreatedAt:  lastUsed,
		LastUsedAt: lastUsed,
	}
}

func account(id, email string) storage.AccountRecord {
	return storage.AccountRecord{
		ID:           id,
		Email:        email,
		PasswordHash: "$argon2id$v=19$m=8192,t=1,p=1$c2FsdA$aGFzaA",
		Role:         storage.RoleStandard,
		CreatedAt:    base,
		UpdatedAt:    base,
	}
}

func sessionIDs(recs []storage.SessionRecord) []string {
	ids := make([]string, 0, len(recs))
	for _, r := range recs {
		ids = append(ids, r.ID)
	}
	sort.Strings(ids)
	return ids
}

// SessionSetup prepares a backend for session tests. It returns a
// repository and an account id factory; backends that enforce foreign keys
// create the owning account there.
type SessionSetup func(t *testing.T) (repo storage.SessionRepository, newAccount func(id string))

// RunSessionTests exercises the SessionRepository contract.
func RunSessionTests(t *testing.T, setup SessionSetup) {
	ctx := context.Background()

	t.Run("InsertFind", func(t *testing.T) {
		repo, newAccount := setup(t)
		newAccount("acct-1")

		rec := session("sess-1", "acct-1", base)
		rec.ClientContext = &storage.ClientContext{
			UA:      "Mozilla/5.0",
			Browser: storage.NameVersion{Name: "Firefox", Version: "128.0"},
			OS:      storage.NameVersion{Name: "Linux"},
			Device:  storage.Device{Type: "desktop"},
		}
		require.NoError(t, repo.InsertSession(ctx, rec))

		got, err := repo.FindSession(ctx, "sess-1")
		require.NoError(t, err)
		assert.Equal(t, "acct-1", got.AccountID)
		assert.Equal(t, rec.SecretHash, got.SecretHash)
		assert.True(t, got.CreatedAt.Equal(base), "created_at %v", got.CreatedAt)
		assert.True(t, got.LastUsedAt.Equal(base), "last_used_at %v", got.LastUsedAt)
		require.NotNil(t, got.ClientContext)
		assert.Equal(t, "Firefox", got.ClientContext.Browser.Name)
		assert.Equal(t, "desktop", got.ClientContext.Device.Type)
	})

	t.Run("FindMissing", func(t *testing.T) {
		repo, _ := setup(t)
		_, err := repo.FindSession(ctx, "nope")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("InsertDuplicate", func(t *testing.T) {
		repo, newAccount := setup(t)
		newAccount("acct-1")
		require.NoError(t, repo.InsertSession(ctx, session("sess-1", "acct-1", base)))
		err := repo.InsertSession(ctx, session("sess-1", "acct-1", base))
		assert.ErrorIs(t, err, storage.ErrConflict)
	})

	t.Run("UpdateLastUsed", func(t *testing.T) {
		repo, newAccount := setup(t)
		newAccount("acct-1")
		require.NoError(t, repo.InsertSession(ctx, session("sess-1", "acct-1", base)))

		later := base.Add(2 * time.Hour)
		require.NoError(t, repo.UpdateSessionLastUsed(ctx, "sess-1", later))

		got, err := repo.FindSession(ctx, "sess-1")
		require.NoError(t, err)
		assert.True(t, got.LastUsedAt.Equal(later), "last_used_at %v", got.LastUsedAt)
		assert.True(t, got.CreatedAt.Equal(base), "created_at must not move")

		assert.NoError(t, repo.UpdateSessionLastUsed(ctx, "missing", later))
	})

	t.Run("DeleteIdempotent", func(t *testing.T) {
		repo, newAccount := setup(t)
		newAccount("acct-1")
		require.NoError(t, repo.InsertSession(ctx, session("sess-1", "acct-1", base)))

		require.NoError(t, repo.DeleteSession(ctx, "sess-1"))
		require.NoError(t, repo.DeleteSession(ctx, "sess-1"))
		_, err := repo.FindSession(ctx, "sess-1")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("DeleteByAccount", func(t *testing.T) {
		repo, newAccount := setup(t)
		newAccount("acct-1")
		newAccount("acct-2")
		require.NoError(t, repo.InsertSession(ctx, session("a1", "acct-1", base)))
		require.NoError(t, repo.InsertSession(ctx, session("a2", "acct-1", base)))
		require.NoError(t, repo.InsertSession(ctx, session("b1", "acct-2", base)))

		n, err := repo.DeleteSessionsByAccount(ctx, "acct-1")
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)

		left, err := repo.ListSessionsByAccount(ctx, "acct-1")
		require.NoError(t, err)
		assert.Empty(t, left)

		other, err := repo.ListSessionsByAccount(ctx, "acct-2")
		require.NoError(t, err)
		assert.Equal(t, []string{"b1"}, sessionIDs(other))

		n, err = repo.DeleteSessionsByAccount(ctx, "acct-1")
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("DeleteLastUsedBefore", func(t *testing.T) {
		repo, newAccount := setup(t)
		newAccount("acct-1")
		require.NoError(t, repo.InsertSession(ctx, session("old", "acct-1", base.Add(-48*time.Hour))))
		require.NoError(t, repo.InsertSession(ctx, session("edge", "acct-1", base)))
		require.NoError(t, repo.InsertSession(ctx, session("new", "acct-1", base.Add(time.Hour))))

		n, err := repo.DeleteSessionsLastUsedBefore(ctx, base)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		left, err := repo.ListSessionsByAccount(ctx, "acct-1")
		require.NoError(t, err)
		assert.Equal(t, []string{"edge", "new"}, sessionIDs(left))
	})

	t.Run("DeleteLastUsedBeforeFollowsRenewal", func(t *testing.T) {
		repo, newAccount := setup(t)
		newAccount("acct-1")
		require.NoError(t, repo.InsertSession(ctx, session("s", "acct-1", base.Add(-48*time.Hour))))
		require.NoError(t, repo.UpdateSessionLastUsed(ctx, "s", base.Add(time.Minute)))

		n, err := repo.DeleteSessionsLastUsedBefore(ctx, base)
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("ListByAccount", func(t *testing.T) {
		repo, newAccount := setup(t)
		newAccount("acct-1")
		newAccount("acct-2")
		require.NoError(t, repo.InsertSession(ctx, session("a1", "acct-1", base)))
		require.NoError(t, repo.InsertSession(ctx, session("a2", "acct-1", base.Add(time.Minute))))
		require.NoError(t, repo.InsertSession(ctx, session("b1", "acct-2", base)))

		got, err := repo.ListSessionsByAccount(ctx, "acct-1")
		require.NoError(t, err)
		assert.Equal(t, []string{"a1", "a2"}, sessionIDs(got))

		none, err := repo.ListSessionsByAccount(ctx, "acct-3")
		require.NoError(t, err)
		assert.Empty(t, none)
	})
}

// RunStoreTests exercises the full Store contract, including the session
// suite.
func RunStoreTests(t *testing.T, newStore func(t *testing.T) storage.Store) {
	ctx := context.Background()

	t.Run("Sessions", func(t *testing.T) {
		RunSessionTests(t, func(t *testing.T) (storage.SessionRepository, func(string)) {
			s := newStore(t)
			return s, func(id string) {
				require.NoError(t, s.CreateAccount(ctx, account(id, id+"@example.com")))
			}
		})
	})

	t.Run("AccountCreateGet", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.CreateAccount(ctx, account("u1", "a@example.com")))

		got, err := s.GetAccount(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, "a@example.com", got.Email)
		assert.Equal(t, storage.RoleStandard, got.Role)

		byEmail, err := s.GetAccountByEmail(ctx, "a@example.com")
		require.NoError(t, err)
		assert.Equal(t, "u1", byEmail.ID)

		_, err = s.GetAccount(ctx, "u2")
		assert.ErrorIs(t, err, storage.ErrNotFound)
		_, err = s.GetAccountByEmail(ctx, "b@example.com")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("AccountEmailConflict", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.CreateAccount(ctx, account("u1", "a@example.com")))
		err := s.CreateAccount(ctx, account("u2", "a@example.com"))
		assert.ErrorIs(t, err, storage.ErrConflict)
	})

	t.Run("AccountList", func(t *testing.T) {
		s := newStore(t)
		first := account("u1", "a@example.com")
		second := account("u2", "b@example.com")
		second.CreatedAt = base.Add(time.Second)
		require.NoError(t, s.CreateAccount(ctx, second))
		require.NoError(t, s.CreateAccount(ctx, first))

		got, err := s.ListAccounts(ctx)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "u1", got[0].ID)
		assert.Equal(t, "u2", got[1].ID)
	})

	t.Run("AccountSetRole", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.CreateAccount(ctx, account("u1", "a@example.com")))
		at := base.Add(time.Hour)
		require.NoError(t, s.SetAccountRole(ctx, "u1", storage.RoleAdmin, at))

		got, err := s.GetAccount(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, storage.RoleAdmin, got.Role)
		assert.True(t, got.UpdatedAt.Equal(at))

		assert.ErrorIs(t, s.SetAccountRole(ctx, "u9", storage.RoleAdmin, at), storage.ErrNotFound)
	})

	t.Run("AccountUpdatePasswordHash", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.CreateAccount(ctx, account("u1", "a@example.com")))
		require.NoError(t, s.UpdatePasswordHash(ctx, "u1", "new-hash", base.Add(time.Hour)))

		got, err := s.GetAccount(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, "new-hash", got.PasswordHash)

		assert.ErrorIs(t, s.UpdatePasswordHash(ctx, "u9", "x", base), storage.ErrNotFound)
	})

	t.Run("AccountDeleteCascadesSessions", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.CreateAccount(ctx, account("u1", "a@example.com")))
		require.NoError(t, s.CreateAccount(ctx, account("u2", "b@example.com")))
		require.NoError(t, s.InsertSession(ctx, session("s1", "u1", base)))
		require.NoError(t, s.InsertSession(ctx, session("s2", "u2", base)))

		require.NoError(t, s.DeleteAccount(ctx, "u1"))

		_, err := s.GetAccount(ctx, "u1")
		assert.ErrorIs(t, err, storage.ErrNotFound)
		_, err = s.GetAccountByEmail(ctx, "a@example.com")
		assert.ErrorIs(t, err, storage.ErrNotFound)
		_, err = s.FindSession(ctx, "s1")
		assert.ErrorIs(t, err, storage.ErrNotFound)
		_, err = s.FindSession(ctx, "s2")
		assert.NoError(t, err)

		assert.ErrorIs(t, s.DeleteAccount(ctx, "u1"), storage.ErrNotFound)

		// The email is free again.
		require.NoError(t, s.CreateAccount(ctx, account("u3", "a@example.com")))
	})

	t.Run("InviteLifecycle", func(t *testing.T) {
		s := newStore(t)
		inv := storage.InviteRecord{ID: "i1", Email: "new@example.com", CreatedAt: base, ExpiresAt: base.Add(72 * time.Hour)}
		require.NoError(t, s.CreateInvite(ctx, inv))

		got, err := s.GetInvite(ctx, "i1")
		require.NoError(t, err)
		assert.Equal(t, "new@example.com", got.Email)
		assert.True(t, got.ExpiresAt.Equal(inv.ExpiresAt))

		byEmail, err := s.GetInviteByEmail(ctx, "new@example.com")
		require.NoError(t, err)
		assert.Equal(t, "i1", byEmail.ID)

		dup := inv
		dup.ID = "i2"
		assert.ErrorIs(t, s.CreateInvite(ctx, dup), storage.ErrConflict)

		list, err := s.ListInvites(ctx)
		require.NoError(t, err)
		require.Len(t, list, 1)

		require.NoError(t, s.DeleteInvite(ctx, "i1"))
		assert.ErrorIs(t, s.DeleteInvite(ctx, "i1"), storage.ErrNotFound)
		_, err = s.GetInviteByEmail(ctx, "new@example.com")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("RedeemInvite", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.CreateInvite(ctx, storage.InviteRecord{ID: "i1", Email: "new@example.com", CreatedAt: base, ExpiresAt: base.Add(time.Hour)}))

		require.NoError(t, s.RedeemInvite(ctx, "i1", account("u1", "new@example.com")))

		_, err := s.GetInvite(ctx, "i1")
		assert.ErrorIs(t, err, storage.ErrNotFound)
		got, err := s.GetAccountByEmail(ctx, "new@example.com")
		require.NoError(t, err)
		assert.Equal(t, "u1", got.ID)

		assert.ErrorIs(t, s.RedeemInvite(ctx, "i1", account("u2", "other@example.com")), storage.ErrNotFound)
	})

	t.Run("RedeemInviteConflictKeepsInvite", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.CreateAccount(ctx, account("u1", "taken@example.com")))
		require.NoError(t, s.CreateInvite(ctx, storage.InviteRecord{ID: "i1", Email: "taken@example.com", CreatedAt: base, ExpiresAt: base.Add(time.Hour)}))

		err := s.RedeemInvite(ctx, "i1", account("u2", "taken@example.com"))
		assert.ErrorIs(t, err, storage.ErrConflict)

		_, err = s.GetInvite(ctx, "i1")
		assert.NoError(t, err, "a failed redemption must not consume the invite")
	})
}
