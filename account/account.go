// Package account manages user accounts and the invites that admit new
// users. It owns email normalisation, password policy and the timing-safe
// sign-in check; session handling lives in package session.
package account

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/mail"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/theapp/server/crypto"
	"github.com/theapp/server/internal/util"
	"github.com/theapp/server/storage"
)

var (
	// ErrInvalidCredentials is returned for an unknown email and for a
	// wrong password alike.
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrEmailTaken         = errors.New("email already in use")
	ErrInviteExists       = errors.New("invite or user with this email already exists")
	ErrInvalidInvite      = errors.New("invalid invite")
	ErrInviteExpired      = errors.New("invite expired")
	ErrInvalidEmail       = errors.New("must be a valid email")
	ErrInvalidRole        = errors.New("invalid role")
	// ErrWeakPassword wraps the first password rule that failed.
	ErrWeakPassword = errors.New("password does not meet requirements")
)

const DefaultInviteTTL = 7 * 24 * time.Hour

// Store is the persistence the service needs.
type Store interface {
	storage.AccountRepository
	storage.InviteRepository
}

// Option configures a Service.
type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithInviteTTL sets how long a new invite can be redeemed.
func WithInviteTTL(ttl time.Duration) Option {
	return func(s *Service) { s.inviteTTL = ttl }
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// Service implements account and invite operations over a Store.
type Service struct {
	store     Store
	hasher    *crypto.PasswordHasher
	inviteTTL time.Duration
	now       func() time.Time
	logger    *slog.Logger

	dummyOnce sync.Once
	dummyHash string
	dummyErr  error
}

func New(store Store, hasher *crypto.PasswordHasher, opts ...Option) *Service {
	s := &Service{
		store:     store,
		hasher:    hasher,
		inviteTTL: DefaultInviteTTL,
		now:       time.Now,
		logger:    slog.New(slog.NewJSONHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NormalizeEmail trims and lower-cases addr and checks that it parses as a
// bare address.
func NormalizeEmail(addr string) (string, error) {
	email := util.NormalizeEmail(addr)
	if email == "" {
		return "", ErrInvalidEmail
	}
	parsed, err := mail.ParseAddress(email)
	if err != nil || parsed.Address != email {
		return "", ErrInvalidEmail
	}
	return email, nil
}

// Create adds an account directly, bypassing invites. It backs the CLI
// bootstrap path.
func (s *Service) Create(ctx context.Context, email, password string, role storage.Role) (*storage.AccountRecord, error) {
	if !role.Valid() {
		return nil, ErrInvalidRole
	}
	email, err := NormalizeEmail(email)
	if err != nil {
		return nil, err
	}
	rec, err := s.newAccount(email, password, role)
	if err != nil {
		return nil, err
	}
	if err := s.store.CreateAccount(ctx, *rec); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return nil, ErrEmailTaken
		}
		return nil, fmt.Errorf("creating account: %w", err)
	}
	s.logger.Info("account created", slog.String("account_id", rec.ID), slog.String("role", string(role)))
	return rec, nil
}

// SignUp redeems inviteID for a standard account with password. The
// account takes the invite's email.
func (s *Service) SignUp(ctx context.Context, inviteID, password string) (*storage.AccountRecord, error) {
	if inviteID == "" {
		return nil, ErrInvalidInvite
	}
	inv, err := s.store.GetInvite(ctx, inviteID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrInvalidInvite
		}
		return nil, fmt.Errorf("loading invite: %w", err)
	}
	if inv.Expired(s.now()) {
		return nil, ErrInviteExpired
	}
	if _, err := s.store.GetAccountByEmail(ctx, inv.Email); err == nil {
		return nil, ErrEmailTaken
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("checking email: %w", err)
	}

	rec, err := s.newAccount(inv.Email, password, storage.RoleStandard)
	if err != nil {
		return nil, err
	}
	if err := s.store.RedeemInvite(ctx, inv.ID, *rec); err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound):
			return nil, ErrInvalidInvite
		case errors.Is(err, storage.ErrConflict):
			return nil, ErrEmailTaken
		}
		return nil, fmt.Errorf("redeeming invite: %w", err)
	}
	s.logger.Info("invite redeemed", slog.String("invite_id", inv.ID), slog.String("account_id", rec.ID))
	return rec, nil
}

func (s *Service) newAccount(email, password string, role storage.Role) (*storage.AccountRecord, error) {
	if err := ValidatePassword(password); err != nil {
		return nil, err
	}
	hash, err := s.hasher.HashPassword(password)
	if err != nil {
		return nil, fmt.Errorf("hashing password: %w", err)
	}
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generating account id: %w", err)
	}
	now := s.now().UTC()
	return &storage.AccountRecord{
		ID:           id.String(),
		Email:        email,
		PasswordHash: hash,
		Role:         role,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

// Authenticate checks email and password. An unknown email still costs a
// full password verification against a throwaway hash so both failure
// cases take the same time. A hash made with weaker parameters than the
// current ones is replaced after a successful check.
func (s *Service) Authenticate(ctx context.Context, email, password string) (*storage.AccountRecord, error) {
	email = util.NormalizeEmail(email)
	if email == "" || password == "" || utf8.RuneCountInString(password) > maxPasswordLen {
		return nil, ErrInvalidCredentials
	}
	rec, err := s.store.GetAccountByEmail(ctx, email)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("loading account: %w", err)
		}
		dummy, derr := s.dummy()
		if derr != nil {
			return nil, derr
		}
		_, _ = s.hasher.VerifyPassword(password, dummy)
		return nil, ErrInvalidCredentials
	}

	ok, err := s.hasher.VerifyPassword(password, rec.PasswordHash)
	if err != nil {
		return nil, fmt.Errorf("verifying password for %s: %w", rec.ID, err)
	}
	if !ok {
		return nil, ErrInvalidCredentials
	}

	if s.hasher.NeedsRehash(rec.PasswordHash) {
		s.rehash(ctx, rec, password)
	}
	return rec, nil
}

func (s *Service) rehash(ctx context.Context, rec *storage.AccountRecord, password string) {
	hash, err := s.hasher.HashPassword(password)
	if err != nil {
		s.logger.Warn("password rehash failed", slog.String("account_id", rec.ID), slog.Any("error", err))
		return
	}
	if err := s.store.UpdatePasswordHash(ctx, rec.ID, hash, s.now().UTC()); err != nil {
		s.logger.Warn("password rehash failed", slog.String("account_id", rec.ID), slog.Any("error", err))
		return
	}
	rec.PasswordHash = hash
	s.logger.Info("password rehashed", slog.String("account_id", rec.ID))
}

func (s *Service) dummy() (string, error) {
	s.dummyOnce.Do(func() {
		pw, err := crypto.GenerateSecret()
		if err != nil {
			s.dummyErr = err
			return
		}
		s.dummyHash, s.dummyErr = s.hasher.HashPassword(pw)
	})
	if s.dummyErr != nil {
		return "", fmt.Errorf("preparing dummy hash: %w", s.dummyErr)
	}
	return s.dummyHash, nil
}

func (s *Service) Get(ctx context.Context, id string) (*storage.AccountRecord, error) {
	return s.store.GetAccount(ctx, id)
}

func (s *Service) GetByEmail(ctx context.Context, email string) (*storage.AccountRecord, error) {
	return s.store.GetAccountByEmail(ctx, util.NormalizeEmail(email))
}

func (s *Service) List(ctx context.Context) ([]storage.AccountRecord, error) {
	return s.store.ListAccounts(ctx)
}

// SetRole changes the role of account id. The new role takes effect on the
// account's next session verification.
func (s *Service) SetRole(ctx context.Context, id string, role storage.Role) error {
	if !role.Valid() {
		return ErrInvalidRole
	}
	if err := s.store.SetAccountRole(ctx, id, role, s.now().UTC()); err != nil {
		return err
	}
	s.logger.Info("account role changed", slog.String("account_id", id), slog.String("role", string(role)))
	return nil
}

// Delete removes the account. Callers revoke its sessions first when the
// session store is separate from the account store.
func (s *Service) Delete(ctx context.Context, id string) error {
	if err := s.store.DeleteAccount(ctx, id); err != nil {
		return err
	}
	s.logger.Info("account deleted", slog.String("account_id", id))
	return nil
}
