package api

import (
	"time"

	"github.com/theapp/server/session"
	"github.com/theapp/server/storage"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// SignUpRequest is the JSON body for POST /auth/signup.
type SignUpRequest struct {
	InviteID string `json:"inviteId"`
	Password string `json:"password"`
}

// SignInRequest is the JSON body for POST /auth/signin.
type SignInRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// UserResponse describes an account. It never carries the password hash.
type UserResponse struct {
	UserID    string       `json:"userId"`
	Email     string       `json:"email"`
	Role      storage.Role `json:"role"`
	CreatedAt time.Time    `json:"createdAt"`
	UpdatedAt time.Time    `json:"updatedAt"`
}

func newUserResponse(rec *storage.AccountRecord) UserResponse {
	return UserResponse{
		UserID:    rec.ID,
		Email:     rec.Email,
		Role:      rec.Role,
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
	}
}

// SignInResponse is returned from POST /auth/signin.
type SignInResponse struct {
	User      UserResponse `json:"user"`
	SessionID string       `json:"sessionId"`
}

// SignOutResponse reports how many sessions a sign-out removed.
type SignOutResponse struct {
	Revoked int64 `json:"revoked"`
}

// SessionResponse is one entry of GET /auth/sessions.
type SessionResponse struct {
	session.Info
	IsCurrent bool `json:"isCurrent"`
}

type ListSessionsResponse struct {
	Sessions []SessionResponse `json:"sessions"`
}

type ListUsersResponse struct {
	Users []UserResponse `json:"users"`
	PaginationMeta
}

// SetRoleRequest is the JSON body for PUT /users/{userID}/role.
type SetRoleRequest struct {
	Role storage.Role `json:"role"`
}

// CreateInviteRequest is the JSON body for POST /invites.
type CreateInviteRequest struct {
	Email string `json:"email"`
}

// InviteResponse describes an invite. Link is set only when an invite
// redirect URL is configured.
type InviteResponse struct {
	InviteID  string    `json:"inviteId"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
	Link      string    `json:"link,omitempty"`
}

type ListInvitesResponse struct {
	Invites []InviteResponse `json:"invites"`
	PaginationMeta
}

// StatusResponse is a bare acknowledgement.
type StatusResponse struct {
	Status string `json:"status"`
}
