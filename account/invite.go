package account

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"

	"github.com/google/uuid"

	"github.com/theapp/server/storage"
)

// Invite creates an invite for email. It fails with ErrInviteExists when a
// user already has the email or a live invite names it. An expired invite
// for the same email is replaced.
func (s *Service) Invite(ctx context.Context, email string) (*storage.InviteRecord, error) {
	email, err := NormalizeEmail(email)
	if err != nil {
		return nil, err
	}
	if _, err := s.store.GetAccountByEmail(ctx, email); err == nil {
		return nil, ErrInviteExists
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("checking email: %w", err)
	}

	now := s.now().UTC()
	existing, err := s.store.GetInviteByEmail(ctx, email)
	switch {
	case err == nil && !existing.Expired(now):
		return nil, ErrInviteExists
	case err == nil:
		if err := s.store.DeleteInvite(ctx, existing.ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("replacing expired invite: %w", err)
		}
	case !errors.Is(err, storage.ErrNotFound):
		return nil, fmt.Errorf("checking invites: %w", err)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generating invite id: %w", err)
	}
	inv := storage.InviteRecord{
		ID:        id.String(),
		Email:     email,
		CreatedAt: now,
		ExpiresAt: now.Add(s.inviteTTL),
	}
	if err := s.store.CreateInvite(ctx, inv); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return nil, ErrInviteExists
		}
		return nil, fmt.Errorf("creating invite: %w", err)
	}
	s.logger.Info("invite created", slog.String("invite_id", inv.ID))
	return &inv, nil
}

// LookupInvite returns a redeemable invite. Expired invites are reported
// as storage.ErrNotFound.
func (s *Service) LookupInvite(ctx context.Context, id string) (*storage.InviteRecord, error) {
	inv, err := s.store.GetInvite(ctx, id)
	if err != nil {
		return nil, err
	}
	if inv.Expired(s.now()) {
		return nil, storage.ErrNotFound
	}
	return inv, nil
}

func (s *Service) ListInvites(ctx context.Context) ([]storage.InviteRecord, error) {
	return s.store.ListInvites(ctx)
}

// RevokeInvite deletes invite id, returning storage.ErrNotFound when it
// does not exist.
func (s *Service) RevokeInvite(ctx context.Context, id string) error {
	if _, err := s.store.GetInvite(ctx, id); err != nil {
		return err
	}
	if err := s.store.DeleteInvite(ctx, id); err != nil {
		return err
	}
	s.logger.Info("invite revoked", slog.String("invite_id", id))
	return nil
}

// InviteLink appends the invite id to base as the inviteId query
// parameter. An empty base yields an empty link.
func InviteLink(base, inviteID string) (string, error) {
	if base == "" {
		return "", nil
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parsing invite redirect url: %w", err)
	}
	q := u.Query()
	q.Set("inviteId", inviteID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
