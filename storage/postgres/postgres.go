// Package postgres implements storage.Store backed by PostgreSQL.
//
// Sessions reference their account with ON DELETE CASCADE, so deleting an
// account removes its sessions in the same statement. The schema is
// managed by the embedded migrations; see Migrate.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/theapp/server/storage"
)

const uniqueViolation = "23505"

// Store implements storage.Store backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ storage.Store = (*Store)(nil)

// New returns a Store backed by the given pgx connection pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Open runs pending migrations against dsn, connects a pool and verifies
// the connection.
func Open(ctx context.Context, dsn string) (*Store, error) {
	if err := Migrate(dsn, "up"); err != nil {
		return nil, fmt.Errorf("migrating schema: %w", err)
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	return New(pool), nil
}

// Pool returns the underlying connection pool.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// ---------------------------------------------------------------------------
// Sessions
// ---------------------------------------------------------------------------

func (s *Store) InsertSession(ctx context.Context, rec storage.SessionRecord) error {
	var cc []byte
	if rec.ClientContext != nil {
		var err error
		if cc, err = json.Marshal(rec.ClientContext); err != nil {
			return fmt.Errorf("encoding client context: %w", err)
		}
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO sessions (session_id, secret_hash, account_id, client_context, created_at, last_used_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		rec.ID, rec.SecretHash, rec.AccountID, cc, rec.CreatedAt, rec.LastUsedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("session: %w", storage.ErrConflict)
	}
	return err
}

const sessionColumns = `session_id, secret_hash, account_id, client_context, created_at, last_used_at`

func scanSession(row pgx.Row) (*storage.SessionRecord, error) {
	var (
		rec storage.SessionRecord
		cc  []byte
	)
	if err := row.Scan(&rec.ID, &rec.SecretHash, &rec.AccountID, &cc, &rec.CreatedAt, &rec.LastUsedAt); err != nil {
		return nil, err
	}
	if len(cc) > 0 {
		rec.ClientContext = new(storage.ClientContext)
		if err := json.Unmarshal(cc, rec.ClientContext); err != nil {
			return nil, fmt.Errorf("decoding client context: %w", err)
		}
	}
	return &rec, nil
}

func (s *Store) FindSession(ctx context.Context, id string) (*storage.SessionRecord, error) {
	rec, err := scanSession(s.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE session_id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	return rec, err
}

func (s *Store) UpdateSessionLastUsed(ctx context.Context, id string, at time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE sessions SET last_used_at = $2 WHERE session_id = $1`, id, at)
	return err
}

func (s *Store) DeleteSession(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE session_id = $1`, id)
	return err
}

func (s *Store) DeleteSessionsByAccount(ctx context.Context, accountID string) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE account_id = $1`, accountID)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *Store) DeleteSessionsLastUsedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE last_used_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *Store) ListSessionsByAccount(ctx context.Context, accountID string) ([]storage.SessionRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE account_id = $1 ORDER BY created_at`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []storage.SessionRecord
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// Accounts
// ---------------------------------------------------------------------------

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func createAccount(ctx context.Context, db execer, rec storage.AccountRecord) error {
	_, err := db.Exec(ctx,
		`INSERT INTO accounts (id, email, password_hash, role, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		rec.ID, rec.Email, rec.PasswordHash, string(rec.Role), rec.CreatedAt, rec.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("account %s: %w", rec.Email, storage.ErrConflict)
	}
	return err
}

func (s *Store) CreateAccount(ctx context.Context, rec storage.AccountRecord) error {
	return createAccount(ctx, s.pool, rec)
}

const accountColumns = `id, email, password_hash, role, created_at, updated_at`

func scanAccount(row pgx.Row) (*storage.AccountRecord, error) {
	var (
		rec  storage.AccountRecord
		role string
	)
	if err := row.Scan(&rec.ID, &rec.Email, &rec.PasswordHash, &role, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return nil, err
	}
	rec.Role = storage.Role(role)
	return &rec, nil
}

func (s *Store) GetAccount(ctx context.Context, id string) (*storage.AccountRecord, error) {
	rec, err := scanAccount(s.pool.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	return rec, err
}

func (s *Store) GetAccountByEmail(ctx context.Context, email string) (*storage.AccountRecord, error) {
	rec, err := scanAccount(s.pool.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE email = $1`, email))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	return rec, err
}

func (s *Store) ListAccounts(ctx context.Context) ([]storage.AccountRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+accountColumns+` FROM accounts ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []storage.AccountRecord
	for rows.Next() {
		rec, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func (s *Store) SetAccountRole(ctx context.Context, id string, role storage.Role, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE accounts SET role = $2, updated_at = $3 WHERE id = $1`, id, string(role), at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) UpdatePasswordHash(ctx context.Context, id, hash string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE accounts SET password_hash = $2, updated_at = $3 WHERE id = $1`, id, hash, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) DeleteAccount(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM accounts WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// ---------------------------------------------------------------------------
// Invites
// ---------------------------------------------------------------------------

func (s *Store) CreateInvite(ctx context.Context, rec storage.InviteRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO invites (id, email, created_at, expires_at) VALUES ($1, $2, $3, $4)`,
		rec.ID, rec.Email, rec.CreatedAt, rec.ExpiresAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("invite %s: %w", rec.Email, storage.ErrConflict)
	}
	return err
}

const inviteColumns = `id, email, created_at, expires_at`

func scanInvite(row pgx.Row) (*storage.InviteRecord, error) {
	var rec storage.InviteRecord
	if err := row.Scan(&rec.ID, &rec.Email, &rec.CreatedAt, &rec.ExpiresAt); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *Store) GetInvite(ctx context.Context, id string) (*storage.InviteRecord, error) {
	rec, err := scanInvite(s.pool.QueryRow(ctx,
		`SELECT `+inviteColumns+` FROM invites WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	return rec, err
}

func (s *Store) GetInviteByEmail(ctx context.Context, email string) (*storage.InviteRecord, error) {
	rec, err := scanInvite(s.pool.QueryRow(ctx,
		`SELECT `+inviteColumns+` FROM invites WHERE email = $1`, email))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	return rec, err
}

func (s *Store) ListInvites(ctx context.Context) ([]storage.InviteRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+inviteColumns+` FROM invites ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []storage.InviteRecord
	for rows.Next() {
		rec, err := scanInvite(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func (s *Store) DeleteInvite(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM invites WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) RedeemInvite(ctx context.Context, inviteID string, account storage.AccountRecord) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tag, err := tx.Exec(ctx, `DELETE FROM invites WHERE id = $1`, inviteID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	if err := createAccount(ctx, tx, account); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
