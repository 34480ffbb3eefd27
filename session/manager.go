package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	"github.com/theapp/server/crypto"
	"github.com/theapp/server/storage"
)

// AccountReader resolves the role of a session's owner.
type AccountReader interface {
	GetAccount(ctx context.Context, id string) (*storage.AccountRecord, error)
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// Manager orchestrates the session lifecycle. It holds no per-session state
// and no locks: every transition is one store call.
type Manager struct {
	store    storage.SessionRepository
	accounts AccountReader
	opts     Options
	now      func() time.Time
	logger   *slog.Logger
}

// maxIDAttempts bounds retries when a freshly generated session id collides
// with an existing row.
const maxIDAttempts = 3

func NewManager(store storage.SessionRepository, accounts AccountReader, opts Options, options ...Option) (*Manager, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	m := &Manager{
		store:    store,
		accounts: accounts,
		opts:     opts,
		now:      time.Now,
		logger:   slog.New(slog.NewJSONHandler(io.Discard, nil)),
	}
	for _, opt := range options {
		opt(m)
	}
	return m, nil
}

func (m *Manager) Options() Options {
	return m.opts
}

// Create starts a session for accountID. The returned secret is the only
// copy; only its hash is stored.
func (m *Manager) Create(ctx context.Context, accountID string, client *storage.ClientContext) (Credential, error) {
	secret, err := crypto.GenerateSecret()
	if err != nil {
		return Credential{}, fmt.Errorf("generating session secret: %w", err)
	}
	now := m.now().UTC()

	for attempt := 0; ; attempt++ {
		id, err := crypto.GenerateSecret()
		if err != nil {
			return Credential{}, fmt.Errorf("generating session id: %w", err)
		}
		err = m.store.InsertSession(ctx, storage.SessionRecord{
			ID:            id,
			SecretHash:    crypto.HashSecret(secret),
			AccountID:     accountID,
			ClientContext: client,
			CreatedAt:     now,
			LastUsedAt:    now,
		})
		if errors.Is(err, storage.ErrConflict) && attempt+1 < maxIDAttempts {
			continue
		}
		if err != nil {
			return Credential{}, fmt.Errorf("inserting session: %w", err)
		}
		m.logger.Info("session created", slog.String("session_id", id), slog.String("account_id", accountID))
		return Credential{SessionID: id, Secret: secret}, nil
	}
}

// Verify checks a presented credential. It returns ErrInvalid for unknown
// ids, wrong secrets or deleted accounts, and ErrExpired (after deleting the
// row) for idle sessions. A successful call advances last-used at most once
// per activity update interval.
func (m *Manager) Verify(ctx context.Context, sessionID, secret string) (*Verified, error) {
	rec, err := m.store.FindSession(ctx, sessionID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrInvalid
	}
	if err != nil {
		return nil, fmt.Errorf("finding session: %w", err)
	}

	now := m.now().UTC()
	idle := now.Sub(rec.LastUsedAt)
	if idle >= m.opts.InactivityTimeout {
		if err := m.store.DeleteSession(ctx, sessionID); err != nil {
			return nil, fmt.Errorf("deleting expired session: %w", err)
		}
		m.logger.Info("session expired", slog.String("session_id", sessionID), slog.Duration("idle", idle))
		return nil, ErrExpired
	}

	if !crypto.ConstantTimeEqual(crypto.HashSecret(secret), rec.SecretHash) {
		return nil, ErrInvalid
	}

	acct, err := m.accounts.GetAccount(ctx, rec.AccountID)
	if errors.Is(err, storage.ErrNotFound) {
		if err := m.store.DeleteSession(ctx, sessionID); err != nil {
			return nil, fmt.Errorf("deleting orphaned session: %w", err)
		}
		return nil, ErrInvalid
	}
	if err != nil {
		return nil, fmt.Errorf("loading session account: %w", err)
	}

	if idle >= m.opts.ActivityUpdateInterval {
		if err := m.store.UpdateSessionLastUsed(ctx, sessionID, now); err != nil {
			return nil, fmt.Errorf("renewing session: %w", err)
		}
		rec.LastUsedAt = now
	}

	return &Verified{Session: newInfo(*rec, m.opts.InactivityTimeout), Role: acct.Role}, nil
}

// Revoke deletes a session. Revoking an unknown session is not an error.
func (m *Manager) Revoke(ctx context.Context, sessionID string) error {
	if err := m.store.DeleteSession(ctx, sessionID); err != nil {
		return fmt.Errorf("revoking session: %w", err)
	}
	return nil
}

// RevokeOwned deletes sessionID only if it belongs to accountID. It
// reports whether a session was removed.
func (m *Manager) RevokeOwned(ctx context.Context, accountID, sessionID string) (bool, error) {
	rec, err := m.store.FindSession(ctx, sessionID)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("finding session: %w", err)
	}
	if rec.AccountID != accountID {
		return false, nil
	}
	if err := m.Revoke(ctx, sessionID); err != nil {
		return false, err
	}
	return true, nil
}

// RevokeAll deletes every session of accountID and returns how many there
// were.
func (m *Manager) RevokeAll(ctx context.Context, accountID string) (int64, error) {
	n, err := m.store.DeleteSessionsByAccount(ctx, accountID)
	if err != nil {
		return 0, fmt.Errorf("revoking sessions: %w", err)
	}
	m.logger.Info("sessions revoked", slog.String("account_id", accountID), slog.Int64("count", n))
	return n, nil
}

// List returns the live sessions of accountID, most recently used first.
// Sessions past the inactivity timeout are left out even if the reaper has
// not removed them yet.
func (m *Manager) List(ctx context.Context, accountID string) ([]Info, error) {
	recs, err := m.store.ListSessionsByAccount(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	now := m.now().UTC()
	out := make([]Info, 0, len(recs))
	for _, rec := range recs {
		if now.Sub(rec.LastUsedAt) >= m.opts.InactivityTimeout {
			continue
		}
		out = append(out, newInfo(rec, m.opts.InactivityTimeout))
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].LastUsedAt.After(out[j].LastUsedAt) })
	return out, nil
}
