// Package memory provides a thread-safe in-memory implementation of storage.Store.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/theapp/server/storage"
)

// Store is a thread-safe in-memory implementation of storage.Store.
// Suitable for testing, demos, and single-process use cases.
type Store struct {
	mu              sync.RWMutex
	sessions        map[string]storage.SessionRecord
	accounts        map[string]storage.AccountRecord
	accountsByEmail map[string]string
	invites         map[string]storage.InviteRecord
	invitesByEmail  map[string]string
}

var _ storage.Store = (*Store)(nil)

// New creates a new empty in-memory Store.
func New() *Store {
	return &Store{
		sessions:        make(map[string]storage.SessionRecord),
		accounts:        make(map[string]storage.AccountRecord),
		accountsByEmail: make(map[string]string),
		invites:         make(map[string]storage.InviteRecord),
		invitesByEmail:  make(map[string]string),
	}
}

func (s *Store) Close() error { return nil }

// ---------------------------------------------------------------------------
// Sessions
// ---------------------------------------------------------------------------

func (s *Store) InsertSession(_ context.Context, rec storage.SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[rec.ID]; ok {
		return fmt.Errorf("session: %w", storage.ErrConflict)
	}
	s.sessions[rec.ID] = rec.Clone()
	return nil
}

func (s *Store) FindSession(_ context.Context, id string) (*storage.SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.sessions[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	out := rec.Clone()
	return &out, nil
}

func (s *Store) UpdateSessionLastUsed(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[id]
	if !ok {
		return nil
	}
	rec.LastUsedAt = at
	s.sessions[id] = rec
	return nil
}

func (s *Store) DeleteSession(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	return nil
}

func (s *Store) DeleteSessionsByAccount(_ context.Context, accountID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleteSessionsByAccountLocked(accountID), nil
}

func (s *Store) deleteSessionsByAccountLocked(accountID string) int64 {
	var n int64
	for id, rec := range s.sessions {
		if rec.AccountID == accountID {
			delete(s.sessions, id)
			n++
		}
	}
	return n
}

func (s *Store) DeleteSessionsLastUsedBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, rec := range s.sessions {
		if rec.LastUsedAt.Before(cutoff) {
			delete(s.sessions, id)
			n++
		}
	}
	return n, nil
}

func (s *Store) ListSessionsByAccount(_ context.Context, accountID string) ([]storage.SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []storage.SessionRecord
	for _, rec := range s.sessions {
		if rec.AccountID == accountID {
			out = append(out, rec.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// ---------------------------------------------------------------------------
// Accounts
// ---------------------------------------------------------------------------

func (s *Store) CreateAccount(_ context.Context, rec storage.AccountRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createAccountLocked(rec)
}

func (s *Store) createAccountLocked(rec storage.AccountRecord) error {
	if _, ok := s.accountsByEmail[rec.Email]; ok {
		return fmt.Errorf("account %s: %w", rec.Email, storage.ErrConflict)
	}
	if _, ok := s.accounts[rec.ID]; ok {
		return fmt.Errorf("account %s: %w", rec.ID, storage.ErrConflict)
	}
	s.accounts[rec.ID] = rec
	s.accountsByEmail[rec.Email] = rec.ID
	return nil
}

func (s *Store) GetAccount(_ context.Context, id string) (*storage.AccountRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.accounts[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &rec, nil
}

func (s *Store) GetAccountByEmail(_ context.Context, email string) (*storage.AccountRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.accountsByEmail[email]
	if !ok {
		return nil, storage.ErrNotFound
	}
	rec := s.accounts[id]
	return &rec, nil
}

func (s *Store) ListAccounts(_ context.Context) ([]storage.AccountRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]storage.AccountRecord, 0, len(s.accounts))
	for _, rec := range s.accounts {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Store) SetAccountRole(_ context.Context, id string, role storage.Role, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.accounts[id]
	if !ok {
		return storage.ErrNotFound
	}
	rec.Role = role
	rec.UpdatedAt = at
	s.accounts[id] = rec
	return nil
}

func (s *Store) UpdatePasswordHash(_ context.Context, id, hash string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.accounts[id]
	if !ok {
		return storage.ErrNotFound
	}
	rec.PasswordHash = hash
	rec.UpdatedAt = at
	s.accounts[id] = rec
	return nil
}

func (s *Store) DeleteAccount(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.accounts[id]
	if !ok {
		return storage.ErrNotFound
	}
	delete(s.accounts, id)
	delete(s.accountsByEmail, rec.Email)
	s.deleteSessionsByAccountLocked(id)
	return nil
}

// ---------------------------------------------------------------------------
// Invites
// ---------------------------------------------------------------------------

func (s *Store) CreateInvite(_ context.Context, rec storage.InviteRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.invitesByEmail[rec.Email]; ok {
		return fmt.Errorf("invite %s: %w", rec.Email, storage.ErrConflict)
	}
	s.invites[rec.ID] = rec
	s.invitesByEmail[rec.Email] = rec.ID
	return nil
}

func (s *Store) GetInvite(_ context.Context, id string) (*storage.InviteRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.invites[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &rec, nil
}

func (s *Store) GetInviteByEmail(_ context.Context, email string) (*storage.InviteRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.invitesByEmail[email]
	if !ok {
		return nil, storage.ErrNotFound
	}
	rec := s.invites[id]
	return &rec, nil
}

func (s *Store) ListInvites(_ context.Context) ([]storage.InviteRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]storage.InviteRecord, 0, len(s.invites))
	for _, rec := range s.invites {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Store) DeleteInvite(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleteInviteLocked(id)
}

func (s *Store) deleteInviteLocked(id string) error {
	rec, ok := s.invites[id]
	if !ok {
		return storage.ErrNotFound
	}
	delete(s.invites, id)
	delete(s.invitesByEmail, rec.Email)
	return nil
}

func (s *Store) RedeemInvite(_ context.Context, inviteID string, account storage.AccountRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.invites[inviteID]; !ok {
		return storage.ErrNotFound
	}
	if err := s.createAccountLocked(account); err != nil {
		return err
	}
	return s.deleteInviteLocked(inviteID)
}
