package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/theapp/server/account"
	"github.com/theapp/server/storage"
)

func (a *API) inviteResponse(inv *storage.InviteRecord) (InviteResponse, error) {
	link, err := account.InviteLink(a.inviteRedirectURL, inv.ID)
	if err != nil {
		return InviteResponse{}, err
	}
	return InviteResponse{
		InviteID:  inv.ID,
		Email:     inv.Email,
		CreatedAt: inv.CreatedAt,
		ExpiresAt: inv.ExpiresAt,
		Link:      link,
	}, nil
}

// ListInvites handles GET /invites.
func (a *API) ListInvites(w http.ResponseWriter, r *http.Request) {
	recs, err := a.accounts.ListInvites(r.Context())
	if err != nil {
		a.writeInternalError(w, r, "failed to list invites", err)
		return
	}
	page, meta := paginate(r, recs)
	resp := ListInvitesResponse{Invites: make([]InviteResponse, 0, len(page)), PaginationMeta: meta}
	for i := range page {
		inv, err := a.inviteResponse(&page[i])
		if err != nil {
			a.writeInternalError(w, r, "failed to build invite link", err)
			return
		}
		resp.Invites = append(resp.Invites, inv)
	}
	writeJSON(w, http.StatusOK, resp)
}

// CreateInvite handles POST /invites. Delivering the link is left to the
// caller.
func (a *API) CreateInvite(w http.ResponseWriter, r *http.Request) {
	caller, _ := IdentityFromContext(r.Context())
	req, ok := decodeJSON[CreateInviteRequest](w, r, maxBodySize)
	if !ok {
		return
	}

	inv, err := a.accounts.Invite(r.Context(), req.Email)
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	resp, err := a.inviteResponse(inv)
	if err != nil {
		a.writeInternalError(w, r, "failed to build invite link", err)
		return
	}

	a.audit.logEvent(AuditInviteCreated, r, caller.AccountID, slog.String("invite_id", inv.ID))
	writeJSON(w, http.StatusCreated, resp)
}

// DeleteInvite handles DELETE /invites/{inviteID}.
func (a *API) DeleteInvite(w http.ResponseWriter, r *http.Request) {
	caller, _ := IdentityFromContext(r.Context())
	inviteID := chi.URLParam(r, "inviteID")
	if err := a.accounts.RevokeInvite(r.Context(), inviteID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "invite not found")
			return
		}
		a.writeInternalError(w, r, "failed to revoke invite", err)
		return
	}
	a.audit.logEvent(AuditInviteRevoked, r, caller.AccountID, slog.String("invite_id", inviteID))
	writeJSON(w, http.StatusOK, StatusResponse{Status: "invite revoked"})
}

// GetInvite handles GET /invites/{inviteID}. It is public so the signup
// page can show which email an invite is for; the link is omitted.
func (a *API) GetInvite(w http.ResponseWriter, r *http.Request) {
	inv, err := a.accounts.LookupInvite(r.Context(), chi.URLParam(r, "inviteID"))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "invite not found")
			return
		}
		a.writeInternalError(w, r, "failed to load invite", err)
		return
	}
	writeJSON(w, http.StatusOK, InviteResponse{
		InviteID:  inv.ID,
		Email:     inv.Email,
		CreatedAt: inv.CreatedAt,
		ExpiresAt: inv.ExpiresAt,
	})
}
