// Package rediskv implements kv.Store on Redis.
//
// Unguarded batches run as a MULTI/EXEC pipeline. Guarded batches WATCH the
// condition keys, compare their current values, then MULTI/EXEC; a write to
// a watched key in between aborts the transaction and surfaces as
// kv.ErrConditionFailed.
package rediskv

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ChuLiYu/marketplace-partner/internal/storage/kv"
)

// Config holds Redis-specific configuration. Address is host:port or a
// redis:// / rediss:// URL; a URL may carry the password, db and TLS.
type Config struct {
	Address         string        `yaml:"address"`
	Password        string        `yaml:"password"`
	DB              int           `yaml:"db"`
	MaxRetries      int           `yaml:"max_retries"`
	PoolSize        int           `yaml:"pool_size"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
	DialTimeout     time.Duration `yaml:"dial_timeout"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
}

// WithDefaults fills unset fields.
func (c Config) WithDefaults() Config {
	if c.Address == "" {
		c.Address = "localhost:6379"
	}

	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.PoolSize == 0 {
		c.PoolSize = 10
	}
	if c.ConnMaxIdleTime == 0 {
		c.ConnMaxIdleTime = 5 * time.Minute
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 3 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 3 * time.Second
	}
	return c
}

// Options builds the go-redis client options. URL addresses go through
// redis.ParseURL; an explicit Password or DB overrides the URL's.
func (c Config) Options() (*redis.Options, error) {
	c = c.WithDefaults()

	opts := &redis.Options{Addr: c.Address}
	if strings.Contains(c.Address, "://") {
		parsed, err := redis.ParseURL(c.Address)
		if err != nil {
			return nil, fmt.Errorf("invalid redis address: %w", err)
		}
		opts = parsed
	}
	if c.Password != "" {
		opts.Password = c.Password
	}
	if c.DB != 0 {
		opts.DB = c.DB
	}
	opts.MaxRetries = c.MaxRetries
	opts.PoolSize = c.PoolSize
	opts.ConnMaxIdleTime = c.ConnMaxIdleTime
	opts.DialTimeout = c.DialTimeout
	opts.ReadTimeout = c.ReadTimeout
	opts.WriteTimeout = c.WriteTimeout
	return opts, nil
}

// scanCount is the COUNT hint passed to SCAN.
const scanCount = 200

// Store implements kv.Store.
type Store struct {
	client *redis.Client
	config Config
}

var _ kv.Store = (*Store)(nil)

// New connects to Redis and verifies the connection with PING.
func New(ctx context.Context, cfg Config) (*Store, error) {
	cfg = cfg.WithDefaults()
	opts, err := cfg.Options()
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Store{client: client, config: cfg}, nil
}

// Config returns the effective configuration.
func (s *Store) Config() Config {
	return s.config
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, kv.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}
	return value, nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	if err := s.client.Set(ctx, key, value, 0).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	return nil
}

// Scan walks the keyspace with SCAN MATCH and keeps string keys only, so
// history lists never show up as records.
func (s *Store) Scan(ctx context.Context, prefix string) ([]string, error) {
	pattern := escapeGlob(prefix) + "*"

	var candidates []string
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, pattern, scanCount).Result()
		if err != nil {
			return nil, fmt.Errorf("redis scan %s: %w", prefix, err)
		}
		for _, k := range keys {
			if strings.HasPrefix(k, prefix) {
				candidates = append(candidates, k)
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	if len(candidates) == 0 {
		return []string{}, nil
	}

	pipe := s.client.Pipeline()
	types := make([]*redis.StatusCmd, len(candidates))
	for i, k := range candidates {
		types[i] = pipe.Type(ctx, k)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("redis type: %w", err)
	}

	seen := make(map[string]struct{}, len(candidates))
	out := make([]string, 0, len(candidates))
	for i, k := range candidates {
		if types[i].Val() != "string" {
			continue
		}
		// SCAN may return a key more than once
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) ListAppend(ctx context.Context, key string, values ...[]byte) error {
	if len(values) == 0 {
		return nil
	}
	args := make([]interface{}, len(values))
	for i, v := range values {
		args[i] = v
	}
	if err := s.client.RPush(ctx, key, args...).Err(); err != nil {
		return fmt.Errorf("redis rpush %s: %w", key, err)
	}
	return nil
}

func (s *Store) ListRange(ctx context.Context, key string) ([][]byte, error) {
	items, err := s.client.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis lrange %s: %w", key, err)
	}
	out := make([][]byte, len(items))
	for i, item := range items {
		out[i] = []byte(item)
	}
	return out, nil
}

func (s *Store) Exec(ctx context.Context, batch kv.Batch) error {
	for _, op := range batch.Ops {
		if err := op.Validate(); err != nil {
			return err
		}
	}

	if len(batch.Conditions) == 0 {
		if len(batch.Ops) == 0 {
			return nil
		}
		_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			queueOps(ctx, pipe, batch.Ops)
			return nil
		})
		if err != nil {
			return fmt.Errorf("redis exec: %w", err)
		}
		return nil
	}

	txf := func(tx *redis.Tx) error {
		for _, c := range batch.Conditions {
			current, err := tx.Get(ctx, c.Key).Bytes()
			exists := true
			if errors.Is(err, redis.Nil) {
				exists = false
			} else if err != nil {
				return err
			}
			if !c.Holds(current, exists) {
				return kv.ErrConditionFailed
			}
		}
		if len(batch.Ops) == 0 {
			return nil
		}
		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			queueOps(ctx, pipe, batch.Ops)
			return nil
		})
		return err
	}

	err := s.client.Watch(ctx, txf, batch.Keys()...)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, kv.ErrConditionFailed), errors.Is(err, redis.TxFailedErr):
		return kv.ErrConditionFailed
	default:
		return fmt.Errorf("redis exec: %w", err)
	}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Store) Close() error {
	return s.client.Close()
}

func queueOps(ctx context.Context, pipe redis.Pipeliner, ops []kv.Op) {
	for _, op := range ops {
		switch op.Type {
		case kv.OpSet:
			pipe.Set(ctx, op.Key, op.Value, 0)
		case kv.OpDelete:
			pipe.Del(ctx, op.Key)
		case kv.OpAppend:
			pipe.RPush(ctx, op.Key, op.Value)
		}
	}
}

// escapeGlob quotes the characters SCAN MATCH treats specially.
func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
