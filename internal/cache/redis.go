package cache

import (
	"context"
	"errors"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// Redis is a shared byte provider backed by a redis client. Keys are
// prefixed so several namespaces can share one database.
type Redis struct {
	rdb         goredis.UniversalClient
	prefix      string
	ttl         time.Duration
	closeClient bool
}

// RedisConfig configures a Redis provider.
type RedisConfig struct {
	Client goredis.UniversalClient
	Prefix string
	// TTL of written keys. Zero means no expiry.
	TTL time.Duration
	// CloseClient closes Client on Close. Set it only when the provider
	// owns the client.
	CloseClient bool
}

// NewRedis creates a Redis provider.
func NewRedis(cfg RedisConfig) (*Redis, error) {
	if cfg.Client == nil {
		return nil, errors.New("redis provider: nil client")
	}
	return &Redis{rdb: cfg.Client, prefix: cfg.Prefix, ttl: max(cfg.TTL, 0), closeClient: cfg.CloseClient}, nil
}

// Key returns the redis key used for a cache key.
func (r *Redis) Key(key string) string { return r.prefix + key }

// Get implements Provider.
func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := r.rdb.Get(ctx, r.Key(key)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

// Set implements Provider.
func (r *Redis) Set(ctx context.Context, key string, value []byte) error {
	return r.rdb.Set(ctx, r.Key(key), value, r.ttl).Err()
}

// Close implements Provider.
func (r *Redis) Close() error {
	if !r.closeClient {
		return nil
	}
	if err := r.rdb.Close(); err != nil && !errors.Is(err, goredis.ErrClosed) {
		return err
	}
	return nil
}
