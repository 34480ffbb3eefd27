// Package session issues, verifies, renews and revokes server-side
// sessions.
//
// A client holds a credential "<sessionID>.<secret>". The store keeps the
// session id and the SHA-256 of the secret. A session stays valid while it
// is used at least once per inactivity timeout; renewals of its last-used
// watermark are throttled to one write per activity update interval.
package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/theapp/server/storage"
)

var (
	// ErrInvalid covers unknown sessions, wrong secrets and sessions whose
	// account is gone.
	ErrInvalid = errors.New("invalid session")
	// ErrExpired is returned for a session idle for longer than the
	// inactivity timeout. The row is deleted before returning.
	ErrExpired = errors.New("session expired")
	// ErrMalformedToken is returned by ParseToken.
	ErrMalformedToken = errors.New("malformed session token")
)

const (
	DefaultInactivityTimeout      = 240 * time.Hour
	DefaultActivityUpdateInterval = time.Hour
)

// Options holds the lifecycle timings.
type Options struct {
	// InactivityTimeout is the idle time after which a session expires.
	InactivityTimeout time.Duration
	// ActivityUpdateInterval is the minimum spacing between persisted
	// renewals of a session's last-used time.
	ActivityUpdateInterval time.Duration
}

func DefaultOptions() Options {
	return Options{
		InactivityTimeout:      DefaultInactivityTimeout,
		ActivityUpdateInterval: DefaultActivityUpdateInterval,
	}
}

// Validate checks that both timings are positive and ordered.
func (o Options) Validate() error {
	if o.InactivityTimeout <= 0 {
		return fmt.Errorf("inactivity timeout must be positive")
	}
	if o.ActivityUpdateInterval <= 0 {
		return fmt.Errorf("activity update interval must be positive")
	}
	if o.ActivityUpdateInterval >= o.InactivityTimeout {
		return fmt.Errorf("activity update interval (%s) must be shorter than the inactivity timeout (%s)",
			o.ActivityUpdateInterval, o.InactivityTimeout)
	}
	return nil
}

// Identity is who is calling: the shape handed to request handlers.
type Identity struct {
	AccountID string       `json:"accountId"`
	SessionID string       `json:"sessionId"`
	Role      storage.Role `json:"role"`
}

func (i Identity) IsAdmin() bool {
	return i.Role == storage.RoleAdmin
}

// Info is the public view of a session. It never carries the secret hash.
type Info struct {
	ID            string                 `json:"id"`
	AccountID     string                 `json:"accountId"`
	ClientContext *storage.ClientContext `json:"clientContext,omitempty"`
	CreatedAt     time.Time              `json:"createdAt"`
	LastUsedAt    time.Time              `json:"lastUsedAt"`
	ExpiresAt     time.Time              `json:"expiresAt"`
}

func newInfo(rec storage.SessionRecord, inactivity time.Duration) Info {
	return Info{
		ID:            rec.ID,
		AccountID:     rec.AccountID,
		ClientContext: rec.ClientContext,
		CreatedAt:     rec.CreatedAt,
		LastUsedAt:    rec.LastUsedAt,
		ExpiresAt:     rec.LastUsedAt.Add(inactivity),
	}
}

// Verified is the outcome of a successful Verify.
type Verified struct {
	Session Info
	Role    storage.Role
}

func (v *Verified) Identity() Identity {
	return Identity{AccountID: v.Session.AccountID, SessionID: v.Session.ID, Role: v.Role}
}
