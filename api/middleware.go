package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/theapp/server/session"
)

type contextKey int

const identityKey contextKey = iota

const (
	sessionCookieName   = "theapp_session"
	assertionCookieName = "theapp_auth"
)

// Policy states what a route requires of its caller.
type Policy struct {
	RequireAdmin bool
}

var (
	Authenticated = Policy{}
	AdminOnly     = Policy{RequireAdmin: true}
)

// Guard authenticates the request and enforces p.
//
// A valid assertion cookie is trusted without touching storage. Otherwise
// the session cookie is verified against the store, which also renews the
// session, and a fresh assertion is issued for the following requests.
// A caller that fails the admin requirement gets 403 and the session
// cookie is never consulted.
func (a *API) Guard(p Policy) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if id, ok := a.identityFromAssertion(r); ok {
				a.serveAuthorized(w, r, next, p, id)
				return
			}

			cookie, err := r.Cookie(sessionCookieName)
			if err != nil || cookie.Value == "" {
				a.clearAuthCookies(w, r)
				writeError(w, http.StatusUnauthorized, "authentication required")
				return
			}
			cred, err := session.ParseToken(cookie.Value)
			if err != nil {
				a.clearAuthCookies(w, r)
				a.audit.logFailure(AuditGuardRejected, r, "malformed session token")
				writeError(w, http.StatusUnauthorized, "invalid session")
				return
			}

			verified, err := a.sessions.Verify(r.Context(), cred.SessionID, cred.Secret)
			switch {
			case errors.Is(err, session.ErrExpired):
				a.clearAuthCookies(w, r)
				a.audit.logFailure(AuditGuardRejected, r, "session expired",
					slog.String("session_id", cred.SessionID))
				writeError(w, http.StatusUnauthorized, "session expired")
				return
			case errors.Is(err, session.ErrInvalid):
				a.clearAuthCookies(w, r)
				a.audit.logFailure(AuditGuardRejected, r, "invalid session",
					slog.String("session_id", cred.SessionID))
				writeError(w, http.StatusUnauthorized, "invalid session")
				return
			case err != nil:
				a.writeInternalError(w, r, "failed to verify session", err,
					slog.String("session_id", cred.SessionID))
				return
			}

			id := verified.Identity()
			if err := a.issueAssertion(w, r, id); err != nil {
				a.writeInternalError(w, r, "failed to issue assertion", err,
					slog.String("session_id", id.SessionID))
				return
			}
			// Slide the browser-side expiry along with the server-side one.
			a.writeSessionCookie(w, r, cookie.Value)
			a.serveAuthorized(w, r, next, p, id)
		})
	}
}

func (a *API) serveAuthorized(w http.ResponseWriter, r *http.Request, next http.Handler, p Policy, id session.Identity) {
	if p.RequireAdmin && !id.IsAdmin() {
		a.audit.logEvent(AuditForbidden, r, id.AccountID, slog.String("path", r.URL.Path))
		writeError(w, http.StatusForbidden, "admin role required")
		return
	}
	ctx := context.WithValue(r.Context(), identityKey, id)
	next.ServeHTTP(w, r.WithContext(ctx))
}

func (a *API) identityFromAssertion(r *http.Request) (session.Identity, bool) {
	cookie, err := r.Cookie(assertionCookieName)
	if err != nil || cookie.Value == "" {
		return session.Identity{}, false
	}
	id, err := a.signer.Verify(cookie.Value)
	if err != nil {
		return session.Identity{}, false
	}
	return id, true
}

func (a *API) issueAssertion(w http.ResponseWriter, r *http.Request, id session.Identity) error {
	token, expiresAt, err := a.signer.Issue(id, a.assertionTTL)
	if err != nil {
		return err
	}
	a.setCookie(w, r, assertionCookieName, token, expiresAt.Sub(a.now()))
	return nil
}

// IdentityFromContext returns the caller identity stored by Guard.
func IdentityFromContext(ctx context.Context) (session.Identity, bool) {
	id, ok := ctx.Value(identityKey).(session.Identity)
	return id, ok
}

func (a *API) writeSessionCookie(w http.ResponseWriter, r *http.Request, token string) {
	a.setCookie(w, r, sessionCookieName, token, a.sessions.Options().InactivityTimeout)
}

func (a *API) setCookie(w http.ResponseWriter, r *http.Request, name, value string, maxAge time.Duration) {
	secs := int(maxAge / time.Second)
	if secs < 1 {
		secs = 1
	}
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		HttpOnly: true,
		Secure:   a.secureCookies || requestIsSecure(r),
		SameSite: http.SameSiteLaxMode,
		MaxAge:   secs,
	})
}

func (a *API) clearAuthCookies(w http.ResponseWriter, r *http.Request) {
	for _, name := range []string{sessionCookieName, assertionCookieName} {
		http.SetCookie(w, &http.Cookie{
			Name:     name,
			Value:    "",
			Path:     "/",
			HttpOnly: true,
			Secure:   a.secureCookies || requestIsSecure(r),
			SameSite: http.SameSiteLaxMode,
			Expires:  time.Unix(0, 0),
			MaxAge:   -1,
		})
	}
}

func requestIsSecure(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	if strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		return true
	}
	return strings.Contains(strings.ToLower(r.Header.Get("Forwarded")), "proto=https")
}
