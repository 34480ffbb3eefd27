// Package redis implements storage.SessionRepository on Redis.
//
// Each session is a hash under "<prefix>:session:<id>". The sessions of an
// account are a set under "<prefix>:account:<accountID>", and every session
// id is scored by its last-used time (unix microseconds) in the sorted set
// "<prefix>:last_used". Every mutation runs as one Lua script so the hash
// and both indexes change together.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/theapp/server/storage"
)

// ErrUnavailable wraps transport failures talking to Redis.
var ErrUnavailable = errors.New("redis unavailable")

const insertScript = `
if redis.call("EXISTS", KEYS[1]) == 1 then
  return 0
end
redis.call("HSET", KEYS[1],
  "account_id", ARGV[2],
  "secret_hash", ARGV[3],
  "client_context", ARGV[4],
  "created_at", ARGV[5],
  "last_used_at", ARGV[6])
redis.call("SADD", KEYS[2], ARGV[1])
redis.call("ZADD", KEYS[3], ARGV[6], ARGV[1])
local ttl = tonumber(ARGV[7])
if ttl > 0 then
  redis.call("PEXPIRE", KEYS[1], ttl)
end
return 1
`

const touchScript = `
if redis.call("EXISTS", KEYS[1]) == 0 then
  return 0
end
redis.call("HSET", KEYS[1], "last_used_at", ARGV[2])
redis.call("ZADD", KEYS[2], ARGV[2], ARGV[1])
local ttl = tonumber(ARGV[3])
if ttl > 0 then
  redis.call("PEXPIRE", KEYS[1], ttl)
end
return 1
`

const deleteScript = `
local account = redis.call("HGET", KEYS[1], "account_id")
local deleted = redis.call("DEL", KEYS[1])
redis.call("ZREM", KEYS[2], ARGV[1])
if account then
  redis.call("SREM", ARGV[2] .. account, ARGV[1])
end
return deleted
`

const deleteByAccountScript = `
local ids = redis.call("SMEMBERS", KEYS[1])
local n = 0
for _, id in ipairs(ids) do
  n = n + redis.call("DEL", ARGV[1] .. id)
  redis.call("ZREM", KEYS[2], id)
end
redis.call("DEL", KEYS[1])
return n
`

const deleteBeforeScript = `
local ids = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", "(" .. ARGV[1])
local n = 0
for _, id in ipairs(ids) do
  local key = ARGV[2] .. id
  local account = redis.call("HGET", key, "account_id")
  if account then
    redis.call("SREM", ARGV[3] .. account, id)
  end
  n = n + redis.call("DEL", key)
  redis.call("ZREM", KEYS[1], id)
end
return n
`

var (
	insertLua          = goredis.NewScript(insertScript)
	touchLua           = goredis.NewScript(touchScript)
	deleteLua          = goredis.NewScript(deleteScript)
	deleteByAccountLua = goredis.NewScript(deleteByAccountScript)
	deleteBeforeLua    = goredis.NewScript(deleteBeforeScript)
)

// Option configures a SessionStore.
type Option func(*SessionStore)

// WithPrefix sets the key namespace. The default is "theapp".
func WithPrefix(prefix string) Option {
	return func(s *SessionStore) { s.prefix = prefix }
}

// WithKeyTTL makes Redis expire a session hash ttl after its last renewal.
// Use the inactivity timeout so idle sessions vanish without the reaper.
func WithKeyTTL(ttl time.Duration) Option {
	return func(s *SessionStore) { s.ttl = ttl }
}

// SessionStore implements storage.SessionRepository on Redis.
type SessionStore struct {
	rdb    goredis.UniversalClient
	prefix string
	ttl    time.Duration
}

var _ storage.SessionRepository = (*SessionStore)(nil)

func New(rdb goredis.UniversalClient, opts ...Option) *SessionStore {
	s := &SessionStore{rdb: rdb, prefix: "theapp"}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open parses a redis:// URL, connects and pings the server.
func Open(ctx context.Context, url string, opts ...Option) (*SessionStore, error) {
	o, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	rdb := goredis.NewClient(o)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return New(rdb, opts...), nil
}

func (s *SessionStore) Close() error {
	return s.rdb.Close()
}

func (s *SessionStore) sessionPrefix() string { return s.prefix + ":session:" }
func (s *SessionStore) accountPrefix() string { return s.prefix + ":account:" }
func (s *SessionStore) sessionKey(id string) string {
	return s.sessionPrefix() + id
}
func (s *SessionStore) accountKey(accountID string) string {
	return s.accountPrefix() + accountID
}
func (s *SessionStore) lastUsedKey() string { return s.prefix + ":last_used" }

func micros(t time.Time) int64 { return t.UnixMicro() }

func fromMicros(v string) (time.Time, error) {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMicro(n).UTC(), nil
}

func unavailable(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

func (s *SessionStore) InsertSession(ctx context.Context, rec storage.SessionRecord) error {
	var cc []byte
	if rec.ClientContext != nil {
		var err error
		if cc, err = json.Marshal(rec.ClientContext); err != nil {
			return fmt.Errorf("encoding client context: %w", err)
		}
	}
	created, err := insertLua.Run(ctx, s.rdb,
		[]string{s.sessionKey(rec.ID), s.accountKey(rec.AccountID), s.lastUsedKey()},
		rec.ID, rec.AccountID, rec.SecretHash, cc,
		micros(rec.CreatedAt), micros(rec.LastUsedAt), s.ttl.Milliseconds(),
	).Int64()
	if err != nil {
		return unavailable(err)
	}
	if created == 0 {
		return fmt.Errorf("session: %w", storage.ErrConflict)
	}
	return nil
}

func (s *SessionStore) FindSession(ctx context.Context, id string) (*storage.SessionRecord, error) {
	fields, err := s.rdb.HGetAll(ctx, s.sessionKey(id)).Result()
	if err != nil {
		return nil, unavailable(err)
	}
	if len(fields) == 0 {
		return nil, storage.ErrNotFound
	}
	return decodeSession(id, fields)
}

func decodeSession(id string, fields map[string]string) (*storage.SessionRecord, error) {
	rec := &storage.SessionRecord{
		ID:         id,
		AccountID:  fields["account_id"],
		SecretHash: []byte(fields["secret_hash"]),
	}
	var err error
	if rec.CreatedAt, err = fromMicros(fields["created_at"]); err != nil {
		return nil, fmt.Errorf("session %s created_at: %w", id, err)
	}
	if rec.LastUsedAt, err = fromMicros(fields["last_used_at"]); err != nil {
		return nil, fmt.Errorf("session %s last_used_at: %w", id, err)
	}
	if cc := fields["client_context"]; cc != "" {
		rec.ClientContext = new(storage.ClientContext)
		if err := json.Unmarshal([]byte(cc), rec.ClientContext); err != nil {
			return nil, fmt.Errorf("session %s client context: %w", id, err)
		}
	}
	return rec, nil
}

func (s *SessionStore) UpdateSessionLastUsed(ctx context.Context, id string, at time.Time) error {
	err := touchLua.Run(ctx, s.rdb,
		[]string{s.sessionKey(id), s.lastUsedKey()},
		id, micros(at), s.ttl.Milliseconds(),
	).Err()
	return unavailable(err)
}

func (s *SessionStore) DeleteSession(ctx context.Context, id string) error {
	err := deleteLua.Run(ctx, s.rdb,
		[]string{s.sessionKey(id), s.lastUsedKey()},
		id, s.accountPrefix(),
	).Err()
	return unavailable(err)
}

func (s *SessionStore) DeleteSessionsByAccount(ctx context.Context, accountID string) (int64, error) {
	n, err := deleteByAccountLua.Run(ctx, s.rdb,
		[]string{s.accountKey(accountID), s.lastUsedKey()},
		s.sessionPrefix(),
	).Int64()
	if err != nil {
		return 0, unavailable(err)
	}
	return n, nil
}

func (s *SessionStore) DeleteSessionsLastUsedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	n, err := deleteBeforeLua.Run(ctx, s.rdb,
		[]string{s.lastUsedKey()},
		micros(cutoff), s.sessionPrefix(), s.accountPrefix(),
	).Int64()
	if err != nil {
		return 0, unavailable(err)
	}
	return n, nil
}

// ListSessionsByAccount skips ids whose hash already expired through the
// key TTL and drops them from the account index.
func (s *SessionStore) ListSessionsByAccount(ctx context.Context, accountID string) ([]storage.SessionRecord, error) {
	ids, err := s.rdb.SMembers(ctx, s.accountKey(accountID)).Result()
	if err != nil {
		return nil, unavailable(err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	cmds := make([]*goredis.MapStringStringCmd, len(ids))
	_, err = s.rdb.Pipelined(ctx, func(pipe goredis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, s.sessionKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, unavailable(err)
	}

	out := make([]storage.SessionRecord, 0, len(ids))
	var gone []any
	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			gone = append(gone, ids[i])
			continue
		}
		rec, err := decodeSession(ids[i], fields)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	if len(gone) > 0 {
		if err := s.rdb.SRem(ctx, s.accountKey(accountID), gone...).Err(); err != nil {
			return nil, unavailable(err)
		}
	}
	return out, nil
}
