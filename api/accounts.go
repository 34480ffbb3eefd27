package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/theapp/server/account"
	"github.com/theapp/server/storage"
)

// ListUsers handles GET /users.
func (a *API) ListUsers(w http.ResponseWriter, r *http.Request) {
	recs, err := a.accounts.List(r.Context())
	if err != nil {
		a.writeInternalError(w, r, "failed to list users", err)
		return
	}
	page, meta := paginate(r, recs)
	resp := ListUsersResponse{Users: make([]UserResponse, 0, len(page)), PaginationMeta: meta}
	for i := range page {
		resp.Users = append(resp.Users, newUserResponse(&page[i]))
	}
	writeJSON(w, http.StatusOK, resp)
}

// SetUserRole handles PUT /users/{userID}/role. Admins cannot change their
// own role, so the last admin cannot lock everyone out.
func (a *API) SetUserRole(w http.ResponseWriter, r *http.Request) {
	caller, _ := IdentityFromContext(r.Context())
	userID := chi.URLParam(r, "userID")

	req, ok := decodeJSON[SetRoleRequest](w, r, maxBodySize)
	if !ok {
		return
	}
	if !req.Role.Valid() {
		writeError(w, http.StatusBadRequest, account.ErrInvalidRole.Error())
		return
	}
	if userID == caller.AccountID {
		writeError(w, http.StatusBadRequest, "cannot change your own role")
		return
	}

	if err := a.accounts.SetRole(r.Context(), userID, req.Role); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "user not found")
			return
		}
		a.mapError(w, r, err)
		return
	}
	rec, err := a.accounts.Get(r.Context(), userID)
	if err != nil {
		a.mapError(w, r, err)
		return
	}

	a.audit.logEvent(AuditUserRoleChanged, r, caller.AccountID,
		slog.String("target_account_id", userID), slog.String("role", string(req.Role)))
	writeJSON(w, http.StatusOK, newUserResponse(rec))
}

// DeleteUser handles DELETE /users/{userID}. The user's sessions are
// revoked first so no backend keeps them alive.
func (a *API) DeleteUser(w http.ResponseWriter, r *http.Request) {
	caller, _ := IdentityFromContext(r.Context())
	userID := chi.URLParam(r, "userID")
	if userID == caller.AccountID {
		writeError(w, http.StatusBadRequest, "cannot delete your own account")
		return
	}

	if _, err := a.accounts.Get(r.Context(), userID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "user not found")
			return
		}
		a.writeInternalError(w, r, "failed to load user", err)
		return
	}
	n, err := a.sessions.RevokeAll(r.Context(), userID)
	if err != nil {
		a.writeInternalError(w, r, "failed to revoke sessions", err)
		return
	}
	if err := a.accounts.Delete(r.Context(), userID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "user not found")
			return
		}
		a.writeInternalError(w, r, "failed to delete user", err)
		return
	}

	a.audit.logEvent(AuditUserDeleted, r, caller.AccountID,
		slog.String("target_account_id", userID), slog.Int64("sessions_revoked", n))
	writeJSON(w, http.StatusOK, StatusResponse{Status: "user deleted"})
}
