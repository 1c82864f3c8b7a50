package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/joescharf/advisor/internal/models"
)

// DefaultRedisPrefix namespaces every key the store writes.
const DefaultRedisPrefix = "advisor:"

// RedisStore implements Store on Redis. Each session is a JSON document under
// its own key; a sorted set scored by update time indexes them for List.
// CompareAndSwap uses WATCH/MULTI so a concurrent write aborts the transaction.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
	now    func() time.Time
}

// NewRedisStore wraps an existing client. An empty prefix uses DefaultRedisPrefix.
func NewRedisStore(rdb *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisStore{
		rdb:    rdb,
		prefix: prefix,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (s *RedisStore) key(id string) string {
	return s.prefix + "session:" + id
}

func (s *RedisStore) indexKey() string {
	return s.prefix + "sessions"
}

func (s *RedisStore) Get(ctx context.Context, id string) (*models.Session, error) {
	data, err := s.rdb.Get(ctx, s.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("get session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return decodeSession(data)
}

func (s *RedisStore) CreateIfAbsent(ctx context.Context, id string) (*models.Session, error) {
	sess := models.NewSession(id, s.now())
	data, err := json.Marshal(sess)
	if err != nil {
		return nil, fmt.Errorf("encode session: %w", err)
	}
	if err := s.rdb.SetNX(ctx, s.key(id), data, 0).Err(); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	// NX keeps the score of an existing member.
	score := float64(sess.UpdatedAt.UnixNano())
	if err := s.rdb.ZAddNX(ctx, s.indexKey(), redis.Z{Score: score, Member: id}).Err(); err != nil {
		return nil, fmt.Errorf("index session: %w", err)
	}
	return s.Get(ctx, id)
}

func (s *RedisStore) CompareAndSwap(ctx context.Context, id string, expected int64, next *models.Session) error {
	key := s.key(id)
	var committed *models.Session

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return fmt.Errorf("compare and swap %s: %w", id, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("compare and swap: %w", err)
		}
		cur, err := decodeSession(data)
		if err != nil {
			return err
		}
		if cur.Version != expected {
			return fmt.Errorf("compare and swap %s (have %d, want %d): %w", id, cur.Version, expected, ErrVersionConflict)
		}

		stored := next.Clone()
		stored.ID = id
		stored.CreatedAt = cur.CreatedAt
		stored.Version = expected + 1
		stored.UpdatedAt = s.now()
		payload, err := json.Marshal(stored)
		if err != nil {
			return fmt.Errorf("encode session: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, 0)
			pipe.ZAdd(ctx, s.indexKey(), redis.Z{Score: float64(stored.UpdatedAt.UnixNano()), Member: id})
			return nil
		})
		if err != nil {
			return err
		}
		committed = stored
		return nil
	}

	err := s.rdb.Watch(ctx, txf, key)
	if errors.Is(err, redis.TxFailedErr) {
		return fmt.Errorf("compare and swap %s: %w", id, ErrVersionConflict)
	}
	if err != nil {
		return err
	}

	next.Version = committed.Version
	next.CreatedAt = committed.CreatedAt
	next.UpdatedAt = committed.UpdatedAt
	return nil
}

func (s *RedisStore) List(ctx context.Context, opts ListOptions) ([]models.SessionSummary, error) {
	ids, err := s.rdb.ZRevRange(ctx, s.indexKey(), 0, int64(opts.limit()-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	out := []models.SessionSummary{}
	if len(ids) == 0 {
		return out, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.key(id)
	}
	values, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load sessions: %w", err)
	}
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			// Deleted between ZREVRANGE and MGET.
			continue
		}
		sess, err := decodeSession([]byte(raw))
		if err != nil {
			return nil, err
		}
		out = append(out, sess.Summary())
	}
	return sortSummaries(out, opts.limit()), nil
}

func (s *RedisStore) Delete(ctx context.Context, id string) error {
	n, err := s.rdb.Del(ctx, s.key(id)).Result()
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if err := s.rdb.ZRem(ctx, s.indexKey(), id).Err(); err != nil {
		return fmt.Errorf("unindex session: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("delete session %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

func decodeSession(data []byte) (*models.Session, error) {
	var sess models.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	if sess.Messages == nil {
		sess.Messages = []models.Message{}
	}
	return &sess, nil
}
