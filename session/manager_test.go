package session

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theapp/server/crypto"
	"github.com/theapp/server/storage"
	"github.com/theapp/server/storage/memory"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

type fixture struct {
	store   *memory.Store
	clock   *fakeClock
	manager *Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memory.New()
	clock := &fakeClock{t: time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)}
	m, err := NewManager(store, store, DefaultOptions(), WithClock(clock.Now))
	require.NoError(t, err)

	ctx := context.Background()
	for _, a := range []storage.AccountRecord{
		{ID: "alice", Email: "alice@example.com", Role: storage.RoleStandard},
		{ID: "bob", Email: "bob@example.com", Role: storage.RoleStandard},
		{ID: "root", Email: "root@example.com", Role: storage.RoleAdmin},
	} {
		require.NoError(t, store.CreateAccount(ctx, a))
	}
	return &fixture{store: store, clock: clock, manager: m}
}

func TestNewManager_ValidatesOptions(t *testing.T) {
	store := memory.New()
	tests := []struct {
		name string
		opts Options
	}{
		{"ZeroTimeout", Options{InactivityTimeout: 0, ActivityUpdateInterval: time.Hour}},
		{"ZeroInterval", Options{InactivityTimeout: time.Hour, ActivityUpdateInterval: 0}},
		{"IntervalNotShorter", Options{InactivityTimeout: time.Hour, ActivityUpdateInterval: time.Hour}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewManager(store, store, tt.opts)
			assert.Error(t, err)
		})
	}
}

func TestCreateVerify_RoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cred, err := f.manager.Create(ctx, "alice", &storage.ClientContext{UA: "test"})
	require.NoError(t, err)
	assert.Len(t, cred.SessionID, 24)
	assert.Len(t, cred.Secret, 24)
	assert.NotEqual(t, cred.SessionID, cred.Secret)

	rec, err := f.store.FindSession(ctx, cred.SessionID)
	require.NoError(t, err)
	assert.Equal(t, crypto.HashSecret(cred.Secret), rec.SecretHash)
	assert.NotContains(t, string(rec.SecretHash), cred.Secret)
	assert.True(t, rec.CreatedAt.Equal(rec.LastUsedAt))

	v, err := f.manager.Verify(ctx, cred.SessionID, cred.Secret)
	require.NoError(t, err)
	assert.Equal(t, cred.SessionID, v.Session.ID)
	assert.Equal(t, "alice", v.Session.AccountID)
	assert.Equal(t, storage.RoleStandard, v.Role)
	assert.Equal(t, Identity{AccountID: "alice", SessionID: cred.SessionID, Role: storage.RoleStandard}, v.Identity())
	assert.Equal(t, "test", v.Session.ClientContext.UA)
}

func TestCreate_UniqueIDs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		cred, err := f.manager.Create(ctx, "alice", nil)
		require.NoError(t, err)
		require.False(t, seen[cred.SessionID])
		seen[cred.SessionID] = true
	}
}

type conflictingStore struct {
	storage.SessionRepository
	failures int
}

func (s *conflictingStore) InsertSession(ctx context.Context, rec storage.SessionRecord) error {
	if s.failures > 0 {
		s.failures--
		return storage.ErrConflict
	}
	return s.SessionRepository.InsertSession(ctx, rec)
}

func TestCreate_RetriesIDCollision(t *testing.T) {
	mem := memory.New()
	ctx := context.Background()

	store := &conflictingStore{SessionRepository: mem, failures: 2}
	m, err := NewManager(store, mem, DefaultOptions())
	require.NoError(t, err)
	_, err = m.Create(ctx, "alice", nil)
	assert.NoError(t, err)

	store.failures = maxIDAttempts
	_, err = m.Create(ctx, "alice", nil)
	assert.ErrorIs(t, err, storage.ErrConflict)
}

func TestVerify_Unknown(t *testing.T) {
	f := newFixture(t)
	_, err := f.manager.Verify(context.Background(), "nosuchsession", "whatever")
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestVerify_TamperedSecret(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cred, err := f.manager.Create(ctx, "alice", nil)
	require.NoError(t, err)

	for i := range cred.Secret {
		replacement := byte('a')
		if cred.Secret[i] == 'a' {
			replacement = 'b'
		}
		tampered := cred.Secret[:i] + string(replacement) + cred.Secret[i+1:]
		_, err := f.manager.Verify(ctx, cred.SessionID, tampered)
		require.ErrorIs(t, err, ErrInvalid, "position %d", i)
	}

	_, err = f.manager.Verify(ctx, cred.SessionID, cred.Secret[:10])
	assert.ErrorIs(t, err, ErrInvalid)
	_, err = f.manager.Verify(ctx, cred.SessionID, cred.Secret)
	assert.NoError(t, err, "failed attempts must not invalidate the session")
}

func TestVerify_Expired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cred, err := f.manager.Create(ctx, "alice", nil)
	require.NoError(t, err)

	// Push last_used_at to just past the timeout.
	stale := f.clock.Now().Add(-DefaultInactivityTimeout - time.Second)
	require.NoError(t, f.store.UpdateSessionLastUsed(ctx, cred.SessionID, stale))

	_, err = f.manager.Verify(ctx, cred.SessionID, cred.Secret)
	assert.ErrorIs(t, err, ErrExpired)

	_, err = f.store.FindSession(ctx, cred.SessionID)
	assert.ErrorIs(t, err, storage.ErrNotFound, "expired session must be deleted")

	_, err = f.manager.Verify(ctx, cred.SessionID, cred.Secret)
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestVerify_ExpiresAtExactTimeout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cred, err := f.manager.Create(ctx, "alice", nil)
	require.NoError(t, err)

	f.clock.Advance(DefaultInactivityTimeout - time.Nanosecond)
	_, err = f.manager.Verify(ctx, cred.SessionID, cred.Secret)
	require.NoError(t, err)

	f.clock.Advance(DefaultInactivityTimeout)
	_, err = f.manager.Verify(ctx, cred.SessionID, cred.Secret)
	assert.ErrorIs(t, err, ErrExpired)
}

func TestVerify_WrongSecretOnExpiredSessionStillExpires(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cred, err := f.manager.Create(ctx, "alice", nil)
	require.NoError(t, err)

	f.clock.Advance(DefaultInactivityTimeout)
	_, err = f.manager.Verify(ctx, cred.SessionID, "wrong")
	assert.ErrorIs(t, err, ErrExpired)
}

func TestVerify_RenewalThrottling(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	created := f.clock.Now()
	cred, err := f.manager.Create(ctx, "alice", nil)
	require.NoError(t, err)

	lastUsed := func() time.Time {
		rec, err := f.store.FindSession(ctx, cred.SessionID)
		require.NoError(t, err)
		return rec.LastUsedAt
	}

	f.clock.Advance(10 * time.Minute)
	_, err = f.manager.Verify(ctx, cred.SessionID, cred.Secret)
	require.NoError(t, err)
	assert.True(t, lastUsed().Equal(created), "renewal within the interval must not write")

	f.clock.Advance(40 * time.Minute)
	_, err = f.manager.Verify(ctx, cred.SessionID, cred.Secret)
	require.NoError(t, err)
	assert.True(t, lastUsed().Equal(created))

	f.clock.Advance(10 * time.Minute)
	v, err := f.manager.Verify(ctx, cred.SessionID, cred.Secret)
	require.NoError(t, err)
	renewed := f.clock.Now()
	assert.True(t, lastUsed().Equal(renewed), "renewal after the interval must advance last_used_at")
	assert.True(t, v.Session.LastUsedAt.Equal(renewed))
	assert.True(t, v.Session.ExpiresAt.Equal(renewed.Add(DefaultInactivityTimeout)))

	f.clock.Advance(time.Minute)
	_, err = f.manager.Verify(ctx, cred.SessionID, cred.Secret)
	require.NoError(t, err)
	assert.True(t, lastUsed().Equal(renewed))
}

func TestVerify_SlidingWindow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cred, err := f.manager.Create(ctx, "alice", nil)
	require.NoError(t, err)

	// Used every 9 days for a month: never expires.
	for i := 0; i < 4; i++ {
		f.clock.Advance(9 * 24 * time.Hour)
		_, err := f.manager.Verify(ctx, cred.SessionID, cred.Secret)
		require.NoError(t, err, "iteration %d", i)
	}
}

func TestVerify_RoleComesFromAccount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cred, err := f.manager.Create(ctx, "alice", nil)
	require.NoError(t, err)

	require.NoError(t, f.store.SetAccountRole(ctx, "alice", storage.RoleAdmin, f.clock.Now()))
	v, err := f.manager.Verify(ctx, cred.SessionID, cred.Secret)
	require.NoError(t, err)
	assert.Equal(t, storage.RoleAdmin, v.Role)
	assert.True(t, v.Identity().IsAdmin())
}

type sessionsOnly struct{ storage.SessionRepository }

func TestVerify_AccountGone(t *testing.T) {
	store := memory.New()
	accounts := memory.New()
	m, err := NewManager(sessionsOnly{store}, accounts, DefaultOptions())
	require.NoError(t, err)
	ctx := context.Background()

	cred, err := m.Create(ctx, "ghost", nil)
	require.NoError(t, err)

	_, err = m.Verify(ctx, cred.SessionID, cred.Secret)
	assert.ErrorIs(t, err, ErrInvalid)
	_, err = store.FindSession(ctx, cred.SessionID)
	assert.ErrorIs(t, err, storage.ErrNotFound, "orphaned session should be removed")
}

type brokenStore struct{ storage.SessionRepository }

var errStoreDown = errors.New("store down")

func (brokenStore) FindSession(context.Context, string) (*storage.SessionRecord, error) {
	return nil, errStoreDown
}

func TestVerify_StoreFailureIsNotInvalid(t *testing.T) {
	mem := memory.New()
	m, err := NewManager(brokenStore{mem}, mem, DefaultOptions())
	require.NoError(t, err)

	_, err = m.Verify(context.Background(), "id", "secret")
	require.Error(t, err)
	assert.ErrorIs(t, err, errStoreDown)
	assert.NotErrorIs(t, err, ErrInvalid)
	assert.NotErrorIs(t, err, ErrExpired)
}

func TestRevoke(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cred, err := f.manager.Create(ctx, "alice", nil)
	require.NoError(t, err)

	require.NoError(t, f.manager.Revoke(ctx, cred.SessionID))
	require.NoError(t, f.manager.Revoke(ctx, cred.SessionID), "revoke is idempotent")

	_, err = f.manager.Verify(ctx, cred.SessionID, cred.Secret)
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestRevokeOwned(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice, err := f.manager.Create(ctx, "alice", nil)
	require.NoError(t, err)

	removed, err := f.manager.RevokeOwned(ctx, "bob", alice.SessionID)
	require.NoError(t, err)
	assert.False(t, removed, "bob cannot revoke alice's session")
	_, err = f.manager.Verify(ctx, alice.SessionID, alice.Secret)
	require.NoError(t, err)

	removed, err = f.manager.RevokeOwned(ctx, "alice", alice.SessionID)
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = f.manager.RevokeOwned(ctx, "alice", alice.SessionID)
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestRevokeAll(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a1, err := f.manager.Create(ctx, "alice", nil)
	require.NoError(t, err)
	a2, err := f.manager.Create(ctx, "alice", nil)
	require.NoError(t, err)
	b1, err := f.manager.Create(ctx, "bob", nil)
	require.NoError(t, err)

	n, err := f.manager.RevokeAll(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	for _, c := range []Credential{a1, a2} {
		_, err := f.manager.Verify(ctx, c.SessionID, c.Secret)
		assert.ErrorIs(t, err, ErrInvalid)
	}
	_, err = f.manager.Verify(ctx, b1.SessionID, b1.Secret)
	assert.NoError(t, err, "other accounts are unaffected")
}

func TestList(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.manager.Create(ctx, "alice", nil)
	require.NoError(t, err)
	f.clock.Advance(2 * time.Hour)
	second, err := f.manager.Create(ctx, "alice", nil)
	require.NoError(t, err)
	_, err = f.manager.Create(ctx, "bob", nil)
	require.NoError(t, err)

	f.clock.Advance(2 * time.Hour)
	_, err = f.manager.Verify(ctx, first.SessionID, first.Secret)
	require.NoError(t, err)

	list, err := f.manager.List(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, first.SessionID, list[0].ID, "most recently used first")
	assert.Equal(t, second.SessionID, list[1].ID)

	f.clock.Advance(DefaultInactivityTimeout - time.Hour)
	list, err = f.manager.List(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, list, 1, "idle sessions are hidden before the reaper runs")
	assert.Equal(t, first.SessionID, list[0].ID)
}

func TestParseToken(t *testing.T) {
	cred, err := ParseToken("sid123.secretXYZ")
	require.NoError(t, err)
	assert.Equal(t, Credential{SessionID: "sid123", Secret: "secretXYZ"}, cred)
	assert.Equal(t, "sid123.secretXYZ", cred.Token())

	for _, bad := range []string{"", ".", "sid123", "sid123.", ".secret", "a.b.c", strings.Repeat("x", 10)} {
		_, err := ParseToken(bad)
		assert.ErrorIs(t, err, ErrMalformedToken, "token %q", bad)
	}
}

func TestParseUserAgent(t *testing.T) {
	assert.Nil(t, ParseUserAgent(""))

	firefox := ParseUserAgent("Mozilla/5.0 (X11; Linux x86_64; rv:128.0) Gecko/20100101 Firefox/128.0")
	require.NotNil(t, firefox)
	assert.Equal(t, "Firefox", firefox.Browser.Name)
	assert.Equal(t, "128.0", firefox.Browser.Version)
	assert.Equal(t, "desktop", firefox.Device.Type)
	assert.False(t, firefox.Bot)

	iphone := ParseUserAgent("Mozilla/5.0 (iPhone; CPU iPhone OS 17_5 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.5 Mobile/15E148 Safari/604.1")
	require.NotNil(t, iphone)
	assert.Equal(t, "mobile", iphone.Device.Type)

	bot := ParseUserAgent("Mozilla/5.0 (compatible; Googlebot/2.1; +http://www.google.com/bot.html)")
	require.NotNil(t, bot)
	assert.True(t, bot.Bot)
	assert.Equal(t, "bot", bot.Device.Type)
}
