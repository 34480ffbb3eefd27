package api

import (
	"log/slog"
	"net/http"
	"time"
)

// AuditEvent identifies the type of security-relevant action being logged.
type AuditEvent string

const (
	AuditSignUp            AuditEvent = "signup"
	AuditSignUpFailure     AuditEvent = "signup_failure"
	AuditSignUpRateLimited AuditEvent = "signup_rate_limited"
	AuditSignIn            AuditEvent = "signin"
	AuditSignInFailure     AuditEvent = "signin_failure"
	AuditSignInRateLimited AuditEvent = "signin_rate_limited"
	AuditSignOut           AuditEvent = "signout"
	AuditSessionRevoked    AuditEvent = "session_revoked"
	AuditSignOutAll        AuditEvent = "signout_all"
	AuditGuardRejected     AuditEvent = "guard_rejected"
	AuditForbidden         AuditEvent = "forbidden"
	AuditUserRoleChanged   AuditEvent = "user_role_changed"
	AuditUserDeleted       AuditEvent = "user_deleted"
	AuditInviteCreated     AuditEvent = "invite_created"
	AuditInviteRevoked     AuditEvent = "invite_revoked"
)

// auditLogger wraps slog.Logger for structured security audit logging.
type auditLogger struct {
	logger  *slog.Logger
	metrics *metricsCollector
}

func newAuditLogger(logger *slog.Logger, metrics *metricsCollector) *auditLogger {
	return &auditLogger{
		logger:  logger.With("component", "audit"),
		metrics: metrics,
	}
}

// log writes a structured audit log entry. Session secrets, password
// material and emails of failed sign-ins never go through here.
func (al *auditLogger) log(event AuditEvent, r *http.Request, attrs ...slog.Attr) {
	baseAttrs := []slog.Attr{
		slog.String("event", string(event)),
		slog.String("remote_addr", r.RemoteAddr),
		slog.String("timestamp", time.Now().UTC().Format(time.RFC3339)),
	}
	baseAttrs = append(baseAttrs, attrs...)
	al.logger.LogAttrs(r.Context(), slog.LevelInfo, "audit", baseAttrs...)
	if al.metrics != nil {
		al.metrics.recordEvent(event)
	}
}

// logEvent is a convenience for events with an account ID.
func (al *auditLogger) logEvent(event AuditEvent, r *http.Request, accountID string, extra ...slog.Attr) {
	attrs := []slog.Attr{
		slog.String("account_id", accountID),
	}
	attrs = append(attrs, extra...)
	al.log(event, r, attrs...)
}

func (al *auditLogger) logFailure(event AuditEvent, r *http.Request, reason string, extra ...slog.Attr) {
	attrs := []slog.Attr{
		slog.String("reason", reason),
	}
	attrs = append(attrs, extra...)
	al.log(event, r, attrs...)
}
