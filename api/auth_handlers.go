package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/theapp/server/account"
	"github.com/theapp/server/internal/util"
	"github.com/theapp/server/session"
	"github.com/theapp/server/storage"
)

// SignUp handles POST /auth/signup.
func (a *API) SignUp(w http.ResponseWriter, r *http.Request) {
	// Rate-limit before any expensive work.
	clientIP := a.clientIP(r)
	if blocked, retryAfter := a.signupGlobalLimiter.check(); blocked {
		a.audit.logFailure(AuditSignUpRateLimited, r, "global rate limited")
		writeRateLimited(w, retryAfter, "too many requests; try again later")
		return
	}
	if blocked, retryAfter := a.signupIPLimiter.check(clientIP); blocked {
		a.audit.logFailure(AuditSignUpRateLimited, r, "ip rate limited",
			slog.String("client_ip", clientIP))
		writeRateLimited(w, retryAfter, "too many requests; try again later")
		return
	}

	req, ok := decodeJSON[SignUpRequest](w, r, maxBodySize)
	if !ok {
		return
	}
	if req.InviteID == "" {
		writeError(w, http.StatusBadRequest, "inviteId is required")
		return
	}

	a.signupIPLimiter.record(clientIP)
	a.signupGlobalLimiter.record()

	rec, err := a.accounts.SignUp(r.Context(), req.InviteID, req.Password)
	if err != nil {
		a.audit.logFailure(AuditSignUpFailure, r, err.Error(),
			slog.String("invite_id", req.InviteID))
		a.mapError(w, r, err)
		return
	}

	a.audit.logEvent(AuditSignUp, r, rec.ID, slog.String("invite_id", req.InviteID))
	writeJSON(w, http.StatusCreated, newUserResponse(rec))
}

// SignIn handles POST /auth/signin.
func (a *API) SignIn(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[SignInRequest](w, r, maxBodySize)
	if !ok {
		return
	}
	email := util.NormalizeEmail(req.Email)
	if email == "" {
		writeError(w, http.StatusBadRequest, "email is required")
		return
	}
	if req.Password == "" {
		writeError(w, http.StatusBadRequest, "password is required")
		return
	}

	// Check rate limits before any expensive work: global, IP, per-email.
	clientIP := a.clientIP(r)
	if blocked, retryAfter := a.signinGlobalLimiter.check(); blocked {
		a.audit.logFailure(AuditSignInRateLimited, r, "global rate limited")
		writeRateLimited(w, retryAfter, "too many failed sign-in attempts; try again later")
		return
	}
	if blocked, retryAfter := a.signinIPLimiter.check(clientIP); blocked {
		a.audit.logFailure(AuditSignInRateLimited, r, "ip rate limited",
			slog.String("client_ip", clientIP))
		writeRateLimited(w, retryAfter, "too many failed sign-in attempts; try again later")
		return
	}
	if blocked, retryAfter := a.signinLimiter.check(email); blocked {
		a.audit.logFailure(AuditSignInRateLimited, r, "account rate limited")
		writeRateLimited(w, retryAfter, "too many failed sign-in attempts; try again later")
		return
	}

	rec, err := a.accounts.Authenticate(r.Context(), email, req.Password)
	if errors.Is(err, account.ErrInvalidCredentials) {
		a.signinGlobalLimiter.record()
		a.signinIPLimiter.record(clientIP)
		a.signinLimiter.record(email)
		a.audit.logFailure(AuditSignInFailure, r, "invalid credentials",
			slog.String("client_ip", clientIP))
		writeError(w, http.StatusBadRequest, account.ErrInvalidCredentials.Error())
		return
	}
	if err != nil {
		a.writeInternalError(w, r, "failed to sign in", err)
		return
	}

	a.signinLimiter.reset(email)
	a.signinIPLimiter.reset(clientIP)

	cred, err := a.sessions.Create(r.Context(), rec.ID, session.ParseUserAgent(r.UserAgent()))
	if err != nil {
		a.writeInternalError(w, r, "failed to create session", err)
		return
	}
	id := session.Identity{AccountID: rec.ID, SessionID: cred.SessionID, Role: rec.Role}
	if err := a.issueAssertion(w, r, id); err != nil {
		a.writeInternalError(w, r, "failed to issue assertion", err,
			slog.String("session_id", cred.SessionID))
		return
	}
	a.writeSessionCookie(w, r, cred.Token())

	a.audit.logEvent(AuditSignIn, r, rec.ID, slog.String("session_id", cred.SessionID))
	writeJSON(w, http.StatusOK, SignInResponse{User: newUserResponse(rec), SessionID: cred.SessionID})
}

// Me handles GET /auth/me.
func (a *API) Me(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFromContext(r.Context())
	rec, err := a.accounts.Get(r.Context(), id.AccountID)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}
	if err != nil {
		a.writeInternalError(w, r, "failed to load user", err)
		return
	}
	writeJSON(w, http.StatusOK, newUserResponse(rec))
}

// SignOut handles POST /auth/signout. Without a sessionId query parameter,
// or with the caller's own, it ends the current session. Otherwise it
// revokes the named session if the caller owns it.
func (a *API) SignOut(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFromContext(r.Context())
	target := r.URL.Query().Get("sessionId")

	if target == "" || target == id.SessionID {
		if err := a.sessions.Revoke(r.Context(), id.SessionID); err != nil {
			a.writeInternalError(w, r, "failed to sign out", err)
			return
		}
		a.clearAuthCookies(w, r)
		a.audit.logEvent(AuditSignOut, r, id.AccountID, slog.String("session_id", id.SessionID))
		writeJSON(w, http.StatusOK, SignOutResponse{Revoked: 1})
		return
	}

	revoked, err := a.sessions.RevokeOwned(r.Context(), id.AccountID, target)
	if err != nil {
		a.writeInternalError(w, r, "failed to revoke session", err)
		return
	}
	resp := SignOutResponse{}
	if revoked {
		resp.Revoked = 1
		a.audit.logEvent(AuditSessionRevoked, r, id.AccountID, slog.String("session_id", target))
	}
	writeJSON(w, http.StatusOK, resp)
}

// SignOutAll handles POST /auth/signout/all.
func (a *API) SignOutAll(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFromContext(r.Context())
	n, err := a.sessions.RevokeAll(r.Context(), id.AccountID)
	if err != nil {
		a.writeInternalError(w, r, "failed to sign out", err)
		return
	}
	a.clearAuthCookies(w, r)
	a.audit.logEvent(AuditSignOutAll, r, id.AccountID, slog.Int64("count", n))
	writeJSON(w, http.StatusOK, SignOutResponse{Revoked: n})
}

// ListSessions handles GET /auth/sessions.
func (a *API) ListSessions(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFromContext(r.Context())
	infos, err := a.sessions.List(r.Context(), id.AccountID)
	if err != nil {
		a.writeInternalError(w, r, "failed to list sessions", err)
		return
	}
	resp := ListSessionsResponse{Sessions: make([]SessionResponse, 0, len(infos))}
	for _, info := range infos {
		resp.Sessions = append(resp.Sessions, SessionResponse{Info: info, IsCurrent: info.ID == id.SessionID})
	}
	writeJSON(w, http.StatusOK, resp)
}
