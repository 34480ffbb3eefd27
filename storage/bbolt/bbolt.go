// Package bbolt provides a BBolt-backed storage.Store.
//
// Records are JSON values in one bucket per kind. Secondary lookups use
// index buckets whose keys are "<owner>:<id>" (sessions by account) or the
// normalized email (accounts, invites). Sessions are additionally indexed by
// an 8-byte big-endian last-used timestamp so reaping is a single cursor
// walk.
package bbolt

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"go.etcd.io/bbolt"

	"github.com/theapp/server/storage"
)

var (
	bucketSessions          = []byte("sessions")
	bucketSessionsByAccount = []byte("sessions_by_account")
	bucketSessionsByUse     = []byte("sessions_by_last_used")
	bucketAccounts          = []byte("accounts")
	bucketAccountsByEmail   = []byte("accounts_by_email")
	bucketInvites           = []byte("invites")
	bucketInvitesByEmail    = []byte("invites_by_email")

	allBuckets = [][]byte{
		bucketSessions, bucketSessionsByAccount, bucketSessionsByUse,
		bucketAccounts, bucketAccountsByEmail,
		bucketInvites, bucketInvitesByEmail,
	}
)

// Store implements storage.Store backed by a BBolt database.
type Store struct {
	db *bbolt.DB
}

var _ storage.Store = (*Store)(nil)

// New returns a Store backed by db, creating its buckets if needed.
func New(db *bbolt.DB) (*Store, error) {
	err := db.Update(func(tx *bbolt.Tx) error {
		for _, name := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// Open opens a BBolt database at the given path and returns a new Store.
func Open(path string, options *bbolt.Options) (*Store, error) {
	if options == nil {
		options = &bbolt.Options{Timeout: time.Second}
	}
	db, err := bbolt.Open(path, 0600, options)
	if err != nil {
		return nil, fmt.Errorf("opening bbolt db: %w", err)
	}
	s, err := New(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying BBolt database.
func (s *Store) Close() error {
	return s.db.Close()
}

func indexKey(owner, id string) []byte {
	return []byte(owner + ":" + id)
}

func useKey(at time.Time, id string) []byte {
	k := make([]byte, 8, 8+len(id))
	binary.BigEndian.PutUint64(k, uint64(at.UnixNano()))
	return append(k, id...)
}

func getJSON(b *bbolt.Bucket, key []byte, v any) (bool, error) {
	data := b.Get(key)
	if data == nil {
		return false, nil
	}
	return true, json.Unmarshal(data, v)
}

func putJSON(b *bbolt.Bucket, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put(key, data)
}

// ---------------------------------------------------------------------------
// Sessions
// ---------------------------------------------------------------------------

func (s *Store) InsertSession(_ context.Context, rec storage.SessionRecord) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketSessions)
		if b.Get([]byte(rec.ID)) != nil {
			return fmt.Errorf("session: %w", storage.ErrConflict)
		}
		if err := putJSON(b, []byte(rec.ID), rec); err != nil {
			return err
		}
		if err := tx.Bucket(bucketSessionsByAccount).Put(indexKey(rec.AccountID, rec.ID), nil); err != nil {
			return err
		}
		return tx.Bucket(bucketSessionsByUse).Put(useKey(rec.LastUsedAt, rec.ID), []byte(rec.ID))
	})
}

func (s *Store) FindSession(_ context.Context, id string) (*storage.SessionRecord, error) {
	var rec storage.SessionRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		ok, err := getJSON(tx.Bucket(bucketSessions), []byte(id), &rec)
		if err != nil {
			return err
		}
		if !ok {
			return storage.ErrNotFound
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *Store) UpdateSessionLastUsed(_ context.Context, id string, at time.Time) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketSessions)
		var rec storage.SessionRecord
		ok, err := getJSON(b, []byte(id), &rec)
		if err != nil || !ok {
			return err
		}
		use := tx.Bucket(bucketSessionsByUse)
		if err := use.Delete(useKey(rec.LastUsedAt, rec.ID)); err != nil {
			return err
		}
		rec.LastUsedAt = at
		if err := putJSON(b, []byte(id), rec); err != nil {
			return err
		}
		return use.Put(useKey(at, rec.ID), []byte(rec.ID))
	})
}

func deleteSessionTx(tx *bbolt.Tx, id string) (bool, error) {
	b := tx.Bucket(bucketSessions)
	var rec storage.SessionRecord
	ok, err := getJSON(b, []byte(id), &rec)
	if err != nil || !ok {
		return false, err
	}
	if err := b.Delete([]byte(id)); err != nil {
		return false, err
	}
	if err := tx.Bucket(bucketSessionsByAccount).Delete(indexKey(rec.AccountID, rec.ID)); err != nil {
		return false, err
	}
	return true, tx.Bucket(bucketSessionsByUse).Delete(useKey(rec.LastUsedAt, rec.ID))
}

func (s *Store) DeleteSession(_ context.Context, id string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		_, err := deleteSessionTx(tx, id)
		return err
	})
}

func accountSessionIDs(tx *bbolt.Tx, accountID string) []string {
	var ids []string
	prefix := []byte(accountID + ":")
	c := tx.Bucket(bucketSessionsByAccount).Cursor()
	for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
		ids = append(ids, string(k[len(prefix):]))
	}
	return ids
}

func deleteSessionsByAccountTx(tx *bbolt.Tx, accountID string) (int64, error) {
	var n int64
	for _, id := range accountSessionIDs(tx, accountID) {
		deleted, err := deleteSessionTx(tx, id)
		if err != nil {
			return n, err
		}
		if deleted {
			n++
		}
	}
	return n, nil
}

func (s *Store) DeleteSessionsByAccount(_ context.Context, accountID string) (int64, error) {
	var n int64
	err := s.db.Update(func(tx *bbolt.Tx) error {
		var err error
		n, err = deleteSessionsByAccountTx(tx, accountID)
		return err
	})
	return n, err
}

func (s *Store) DeleteSessionsLastUsedBefore(_ context.Context, cutoff time.Time) (int64, error) {
	var n int64
	err := s.db.Update(func(tx *bbolt.Tx) error {
		limit := make([]byte, 8)
		binary.BigEndian.PutUint64(limit, uint64(cutoff.UnixNano()))

		var ids []string
		c := tx.Bucket(bucketSessionsByUse).Cursor()
		for k, v := c.First(); k != nil && bytes.Compare(k[:8], limit) < 0; k, v = c.Next() {
			ids = append(ids, string(v))
		}
		for _, id := range ids {
			deleted, err := deleteSessionTx(tx, id)
			if err != nil {
				return err
			}
			if deleted {
				n++
			}
		}
		return nil
	})
	return n, err
}

func (s *Store) ListSessionsByAccount(_ context.Context, accountID string) ([]storage.SessionRecord, error) {
	var out []storage.SessionRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketSessions)
		for _, id := range accountSessionIDs(tx, accountID) {
			var rec storage.SessionRecord
			ok, err := getJSON(b, []byte(id), &rec)
			if err != nil {
				return err
			}
			if ok {
				out = append(out, rec)
			}
		}
		return nil
	})
	return out, err
}

// ---------------------------------------------------------------------------
// Accounts
// ---------------------------------------------------------------------------

func createAccountTx(tx *bbolt.Tx, rec storage.AccountRecord) error {
	byEmail := tx.Bucket(bucketAccountsByEmail)
	if byEmail.Get([]byte(rec.Email)) != nil {
		return fmt.Errorf("account %s: %w", rec.Email, storage.ErrConflict)
	}
	b := tx.Bucket(bucketAccounts)
	if b.Get([]byte(rec.ID)) != nil {
		return fmt.Errorf("account %s: %w", rec.ID, storage.ErrConflict)
	}
	if err := putJSON(b, []byte(rec.ID), rec); err != nil {
		return err
	}
	return byEmail.Put([]byte(rec.Email), []byte(rec.ID))
}

func (s *Store) CreateAccount(_ context.Context, rec storage.AccountRecord) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return createAccountTx(tx, rec)
	})
}

func (s *Store) GetAccount(_ context.Context, id string) (*storage.AccountRecord, error) {
	var rec storage.AccountRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		ok, err := getJSON(tx.Bucket(bucketAccounts), []byte(id), &rec)
		if err != nil {
			return err
		}
		if !ok {
			return storage.ErrNotFound
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *Store) GetAccountByEmail(ctx context.Context, email string) (*storage.AccountRecord, error) {
	var id []byte
	s.db.View(func(tx *bbolt.Tx) error { //nolint:errcheck
		id = bytes.Clone(tx.Bucket(bucketAccountsByEmail).Get([]byte(email)))
		return nil
	})
	if id == nil {
		return nil, storage.ErrNotFound
	}
	return s.GetAccount(ctx, string(id))
}

func (s *Store) ListAccounts(_ context.Context) ([]storage.AccountRecord, error) {
	var out []storage.AccountRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketAccounts).ForEach(func(_, v []byte) error {
			var rec storage.AccountRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			out = append(out, rec)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Store) updateAccount(id string, fn func(*storage.AccountRecord)) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketAccounts)
		var rec storage.AccountRecord
		ok, err := getJSON(b, []byte(id), &rec)
		if err != nil {
			return err
		}
		if !ok {
			return storage.ErrNotFound
		}
		fn(&rec)
		return putJSON(b, []byte(id), rec)
	})
}

func (s *Store) SetAccountRole(_ context.Context, id string, role storage.Role, at time.Time) error {
	return s.updateAccount(id, func(rec *storage.AccountRecord) {
		rec.Role = role
		rec.UpdatedAt = at
	})
}

func (s *Store) UpdatePasswordHash(_ context.Context, id, hash string, at time.Time) error {
	return s.updateAccount(id, func(rec *storage.AccountRecord) {
		rec.PasswordHash = hash
		rec.UpdatedAt = at
	})
}

func (s *Store) DeleteAccount(_ context.Context, id string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketAccounts)
		var rec storage.AccountRecord
		ok, err := getJSON(b, []byte(id), &rec)
		if err != nil {
			return err
		}
		if !ok {
			return storage.ErrNotFound
		}
		if err := b.Delete([]byte(id)); err != nil {
			return err
		}
		if err := tx.Bucket(bucketAccountsByEmail).Delete([]byte(rec.Email)); err != nil {
			return err
		}
		_, err = deleteSessionsByAccountTx(tx, id)
		return err
	})
}

// ---------------------------------------------------------------------------
// Invites
// ---------------------------------------------------------------------------

func (s *Store) CreateInvite(_ context.Context, rec storage.InviteRecord) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		byEmail := tx.Bucket(bucketInvitesByEmail)
		if byEmail.Get([]byte(rec.Email)) != nil {
			return fmt.Errorf("invite %s: %w", rec.Email, storage.ErrConflict)
		}
		if err := putJSON(tx.Bucket(bucketInvites), []byte(rec.ID), rec); err != nil {
			return err
		}
		return byEmail.Put([]byte(rec.Email), []byte(rec.ID))
	})
}

func (s *Store) GetInvite(_ context.Context, id string) (*storage.InviteRecord, error) {
	var rec storage.InviteRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		ok, err := getJSON(tx.Bucket(bucketInvites), []byte(id), &rec)
		if err != nil {
			return err
		}
		if !ok {
			return storage.ErrNotFound
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *Store) GetInviteByEmail(ctx context.Context, email string) (*storage.InviteRecord, error) {
	var id []byte
	s.db.View(func(tx *bbolt.Tx) error { //nolint:errcheck
		id = bytes.Clone(tx.Bucket(bucketInvitesByEmail).Get([]byte(email)))
		return nil
	})
	if id == nil {
		return nil, storage.ErrNotFound
	}
	return s.GetInvite(ctx, string(id))
}

func (s *Store) ListInvites(_ context.Context) ([]storage.InviteRecord, error) {
	var out []storage.InviteRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketInvites).ForEach(func(_, v []byte) error {
			var rec storage.InviteRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			out = append(out, rec)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func deleteInviteTx(tx *bbolt.Tx, id string) error {
	b := tx.Bucket(bucketInvites)
	var rec storage.InviteRecord
	ok, err := getJSON(b, []byte(id), &rec)
	if err != nil {
		return err
	}
	if !ok {
		return storage.ErrNotFound
	}
	if err := b.Delete([]byte(id)); err != nil {
		return err
	}
	return tx.Bucket(bucketInvitesByEmail).Delete([]byte(rec.Email))
}

func (s *Store) DeleteInvite(_ context.Context, id string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return deleteInviteTx(tx, id)
	})
}

func (s *Store) RedeemInvite(_ context.Context, inviteID string, account storage.AccountRecord) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := deleteInviteTx(tx, inviteID); err != nil {
			return err
		}
		return createAccountTx(tx, account)
	})
}
