// Package storage defines the persistence contracts for accounts, invites
// and sessions, and the records exchanged through them.
package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a unique key (account or invite email,
	// session id) is already taken.
	ErrConflict = errors.New("already exists")
)

// SessionRepository persists session records. Every method is a single
// atomic operation keyed by session or account id; callers hold no lock
// across calls.
type SessionRepository interface {
	InsertSession(ctx context.Context, rec SessionRecord) error
	// FindSession returns ErrNotFound when no row has id.
	FindSession(ctx context.Context, id string) (*SessionRecord, error)
	// UpdateSessionLastUsed sets last_used_at. A missing row is not an error.
	UpdateSessionLastUsed(ctx context.Context, id string, at time.Time) error
	// DeleteSession is idempotent.
	DeleteSession(ctx context.Context, id string) error
	DeleteSessionsByAccount(ctx context.Context, accountID string) (int64, error)
	DeleteSessionsLastUsedBefore(ctx context.Context, cutoff time.Time) (int64, error)
	ListSessionsByAccount(ctx context.Context, accountID string) ([]SessionRecord, error)
}

type AccountRepository interface {
	// CreateAccount returns ErrConflict when the email is taken.
	CreateAccount(ctx context.Context, rec AccountRecord) error
	GetAccount(ctx context.Context, id string) (*AccountRecord, error)
	GetAccountByEmail(ctx context.Context, email string) (*AccountRecord, error)
	// ListAccounts returns accounts ordered by creation time.
	ListAccounts(ctx context.Context) ([]AccountRecord, error)
	SetAccountRole(ctx context.Context, id string, role Role, at time.Time) error
	UpdatePasswordHash(ctx context.Context, id, hash string, at time.Time) error
	// DeleteAccount removes the account and, where the backend also stores
	// sessions, every session it owns.
	DeleteAccount(ctx context.Context, id string) error
}

type InviteRepository interface {
	// CreateInvite returns ErrConflict when an invite for the email exists.
	CreateInvite(ctx context.Context, rec InviteRecord) error
	GetInvite(ctx context.Context, id string) (*InviteRecord, error)
	GetInviteByEmail(ctx context.Context, email string) (*InviteRecord, error)
	ListInvites(ctx context.Context) ([]InviteRecord, error)
	DeleteInvite(ctx context.Context, id string) error
	// RedeemInvite creates account and deletes the invite in one
	// transaction. It returns ErrNotFound when the invite is gone and
	// ErrConflict when the account email is taken.
	RedeemInvite(ctx context.Context, inviteID string, account AccountRecord) error
}

// Store is a backend holding every record kind.
type Store interface {
	SessionRepository
	AccountRepository
	InviteRepository
	Close() error
}
