// Package store provides storage backends for AnonRelay.
//
// This file implements a Redis-backed document store: one hash per sender plus
// a set of known sender ids used for enumeration.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/BTreeMap/AnonRelay/internal/models"
	redis "github.com/redis/go-redis/v9"
)

const (
	// DefaultRedisPrefix namespaces every key written by RedisStore.
	DefaultRedisPrefix = "anonrelay:"
	// redisPingTimeout bounds the connectivity check at startup.
	redisPingTimeout = 2 * time.Second
)

// updateIfExists applies HSET only when the hash already exists, so a partial
// update never creates a record without a pseudonym.
var updateIfExists = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
	return 0
end
redis.call("HSET", KEYS[1], unpack(ARGV))
return 1
`)

type RedisStore struct {
	client *redis.Client
	prefix string
}

var _ Backend = (*RedisStore)(nil)

// NewRedisStore connects to the Redis server named by a redis:// or rediss:// DSN.
func NewRedisStore(ctx context.Context, opts ...Option) (*RedisStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewRedisStore invoked", "DSN_set", cfg.DSN != "")

	if cfg.DSN == "" {
		return nil, fmt.Errorf("redis DSN not set")
	}
	redisOpts, err := redis.ParseURL(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("invalid redis DSN: %w", err)
	}
	client := redis.NewClient(redisOpts)

	pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		slog.Error("Redis ping failed", "error", err, "addr", redisOpts.Addr)
		return nil, fmt.Errorf("failed to reach redis at %s: %w", redisOpts.Addr, err)
	}
	slog.Debug("Redis ping successful", "addr", redisOpts.Addr, "db", redisOpts.DB)

	return newRedisStoreWithClient(client, DefaultRedisPrefix), nil
}

func newRedisStoreWithClient(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) userKey(id models.SenderID) string {
	return s.prefix + "user:" + string(id)
}

func (s *RedisStore) indexKey() string {
	return s.prefix + "users"
}

func (s *RedisStore) Get(ctx context.Context, id models.SenderID) (*models.UserRecord, error) {
	fields, err := s.client.HGetAll(ctx, s.userKey(id)).Result()
	if err != nil {
		slog.Error("RedisStore Get failed", "error", err, "sender", id)
		return nil, fmt.Errorf("failed to get user %s: %w", id, err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	rec := decodeRedisUser(id, fields)
	return &rec, nil
}

func (s *RedisStore) Put(ctx context.Context, rec models.UserRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.userKey(rec.SenderID))
		pipe.HSet(ctx, s.userKey(rec.SenderID), encodeRedisUser(rec))
		pipe.SAdd(ctx, s.indexKey(), string(rec.SenderID))
		return nil
	})
	if err != nil {
		slog.Error("RedisStore Put failed", "error", err, "sender", rec.SenderID)
		return fmt.Errorf("failed to put user %s: %w", rec.SenderID, err)
	}
	slog.Debug("RedisStore Put succeeded", "sender", rec.SenderID)
	return nil
}

func (s *RedisStore) Update(ctx context.Context, id models.SenderID, upd models.UserUpdate) error {
	args := []interface{}{"updated_at", strconv.FormatInt(time.Now().UTC().UnixNano(), 10)}
	if upd.Pseudonym != nil {
		args = append(args, "anon_id", *upd.Pseudonym)
	}
	if upd.Banned != nil {
		args = append(args, "banned", formatRedisBool(*upd.Banned))
	}

	applied, err := updateIfExists.Run(ctx, s.client, []string{s.userKey(id)}, args...).Int()
	if err != nil {
		slog.Error("RedisStore Update failed", "error", err, "sender", id)
		return fmt.Errorf("failed to update user %s: %w", id, err)
	}
	if applied == 0 {
		return fmt.Errorf("update %s: %w", id, ErrNotFound)
	}
	slog.Debug("RedisStore Update succeeded", "sender", id)
	return nil
}

// ListAll reads the id index and fetches every hash in one pipeline.
func (s *RedisStore) ListAll(ctx context.Context) ([]models.UserRecord, error) {
	ids, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		slog.Error("RedisStore ListAll index read failed", "error", err)
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, s.userKey(models.SenderID(id)))
		}
		return nil
	})
	if err != nil {
		slog.Error("RedisStore ListAll fetch failed", "error", err)
		return nil, fmt.Errorf("failed to fetch users: %w", err)
	}

	records := make([]models.UserRecord, 0, len(ids))
	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			slog.Warn("RedisStore ListAll skipping indexed id without record", "sender", ids[i])
			continue
		}
		records = append(records, decodeRedisUser(models.SenderID(ids[i]), fields))
	}
	slog.Debug("RedisStore ListAll succeeded", "count", len(records))
	return records, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func encodeRedisUser(rec models.UserRecord) map[string]interface{} {
	now := time.Now().UTC().UnixNano()
	return map[string]interface{}{
		"anon_id":    rec.Pseudonym,
		"banned":     formatRedisBool(rec.Banned),
		"created_at": strconv.FormatInt(rec.CreatedAt.UTC().UnixNano(), 10),
		"updated_at": strconv.FormatInt(now, 10),
	}
}

func decodeRedisUser(id models.SenderID, fields map[string]string) models.UserRecord {
	rec := models.UserRecord{
		SenderID:  id,
		Pseudonym: fields["anon_id"],
		Banned:    fields["banned"] == "1",
	}
	if ns, err := strconv.ParseInt(fields["created_at"], 10, 64); err == nil {
		rec.CreatedAt = time.Unix(0, ns).UTC()
	}
	return rec
}

func formatRedisBool(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
