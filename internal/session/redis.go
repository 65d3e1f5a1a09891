package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "warden:session:"

// Compile-time interface guard.
var _ Store = (*RedisStore)(nil)

// RedisStore keeps sessions as JSON values whose TTL ends retention after
// ExpiresAt. State changes run in WATCH/MULTI so a concurrent writer aborts
// the transaction.
type RedisStore struct {
	client    *redis.Client
	retention time.Duration
	now       func() time.Time
	owned     bool
}

// NewRedisStore wraps an existing client. The caller keeps ownership.
func NewRedisStore(client *redis.Client, retention time.Duration, now func() time.Time) *RedisStore {
	if now == nil {
		now = time.Now
	}
	return &RedisStore{client: client, retention: retention, now: now}
}

// DialRedis connects to addr and verifies the connection with PING.
func DialRedis(ctx context.Context, opts *redis.Options, retention time.Duration) (*RedisStore, error) {
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", opts.Addr, err)
	}
	s := NewRedisStore(client, retention, nil)
	s.owned = true
	return s, nil
}

func key(id string) string { return keyPrefix + id }

func (r *RedisStore) ttl(s *Session) time.Duration {
	if s.ExpiresAt.IsZero() {
		return 0
	}
	d := s.ExpiresAt.Sub(r.now()) + r.retention
	if d < time.Second {
		d = time.Second
	}
	return d
}

func (r *RedisStore) Create(ctx context.Context, s *Session) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	ok, err := r.client.SetNX(ctx, key(s.ID), data, r.ttl(s)).Result()
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	if !ok {
		return ErrExists
	}
	return nil
}

func (r *RedisStore) Get(ctx context.Context, id string) (*Session, error) {
	return r.read(ctx, r.client, id)
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (r *RedisStore) read(ctx context.Context, c getter, id string) (*Session, error) {
	data, err := c.Get(ctx, key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return &s, nil
}

func (r *RedisStore) CompareAndSwap(ctx context.Context, id string, from, to State) (*Session, error) {
	var out *Session
	err := r.client.Watch(ctx, func(tx *redis.Tx) error {
		s, err := r.read(ctx, tx, id)
		if err != nil {
			return err
		}
		if s.State != from {
			return ErrStateMismatch
		}
		s.State = to
		data, err := json.Marshal(s)
		if err != nil {
			return fmt.Errorf("encode session: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, key(id), data, redis.KeepTTL)
			return nil
		})
		if err != nil {
			return err
		}
		out = s
		return nil
	}, key(id))
	if errors.Is(err, redis.TxFailedErr) {
		return nil, ErrStateMismatch
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *RedisStore) Delete(ctx context.Context, id string) error {
	n, err := r.client.Del(ctx, key(id)).Result()
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Close releases the client when the store created it.
func (r *RedisStore) Close() error {
	if !r.owned {
		return nil
	}
	return r.client.Close()
}
