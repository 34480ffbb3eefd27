package storage

import "time"

// Role is an account's authorization level.
type Role string

const (
	RoleStandard Role = "standard"
	RoleAdmin    Role = "admin"
)

func (r Role) Valid() bool {
	return r == RoleStandard || r == RoleAdmin
}

// SessionRecord is one authenticated device. SecretHash is the SHA-256 of
// the session secret; the secret itself is never stored.
type SessionRecord struct {
	ID            string         `json:"id"`
	SecretHash    []byte         `json:"secret_hash"`
	AccountID     string         `json:"account_id"`
	ClientContext *ClientContext `json:"client_context,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	LastUsedAt    time.Time      `json:"last_used_at"`
}

// Clone returns a deep copy of r.
func (r SessionRecord) Clone() SessionRecord {
	out := r
	out.SecretHash = append([]byte(nil), r.SecretHash...)
	if r.ClientContext != nil {
		cc := *r.ClientContext
		out.ClientContext = &cc
	}
	return out
}

// ClientContext is user agent metadata captured when a session is created.
// It is informational only.
type ClientContext struct {
	UA      string      `json:"ua"`
	Browser NameVersion `json:"browser"`
	OS      NameVersion `json:"os"`
	Device  Device      `json:"device"`
	Bot     bool        `json:"bot,omitempty"`
}

type NameVersion struct {
	Name    string `json:"name,omitempty"`
	Version string `json:"version,omitempty"`
}

type Device struct {
	Type  string `json:"type,omitempty"`
	Model string `json:"model,omitempty"`
}

type AccountRecord struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"password_hash"`
	Role         Role      `json:"role"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type InviteRecord struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the invite can no longer be redeemed at now.
func (r InviteRecord) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}
