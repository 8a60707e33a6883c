package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	goredis "github.com/redis/go-redis/v9"

	pagecache "github.com/eugener/pagecache/internal"
	"github.com/eugener/pagecache/internal/cache"
	"github.com/eugener/pagecache/internal/config"
	"github.com/eugener/pagecache/internal/storage/sqlite"
)

const (
	defaultMemoryEntries = 10_000
	defaultRistrettoCost = 64 << 20
	// ristrettoAvgEntry is the assumed mean entry size used to size the
	// admission counters (ten per expected entry).
	ristrettoAvgEntry = 8 << 10
)

// backends holds the shared clients behind byte-oriented stores. Clients are
// created only for backends some namespace selects.
type backends struct {
	cfg   config.CacheConfig
	codec cache.Codec[pagecache.Entry]

	redis  *goredis.Client
	sqlite *sqlite.Store
	s3     *s3.Client
}

func newBackends(ctx context.Context, cfg config.CacheConfig) (*backends, error) {
	codec, err := cache.EntryCodec(cfg.Codec)
	if err != nil {
		return nil, err
	}
	b := &backends{cfg: cfg, codec: codec}

	if cfg.UsesBackend(config.BackendRedis) {
		b.redis = goredis.NewClient(&goredis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}
	if cfg.UsesBackend(config.BackendSQLite) {
		b.sqlite, err = sqlite.New(cfg.SQLite.DSN)
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
	}
	if cfg.UsesBackend(config.BackendS3) {
		b.s3, err = newS3Client(ctx, cfg.S3)
		if err != nil {
			b.Close()
			return nil, err
		}
	}
	return b, nil
}

func newS3Client(ctx context.Context, cfg config.S3Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.UsePathStyle = true
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	}), nil
}

// store builds the store of one namespace. Namespaces without a config
// entry, and no default entry, are uncached.
func (b *backends) store(namespace string) (cache.Store, error) {
	nc, ok := b.cfg.Namespace(namespace)
	if !ok {
		return nil, nil
	}

	switch nc.Backend {
	case config.BackendMemory:
		size := nc.MaxSize
		if size == 0 {
			size = defaultMemoryEntries
		}
		return cache.NewMemory(size, nc.TTL)
	case config.BackendRistretto:
		cost := int64(nc.MaxSize)
		if cost == 0 {
			cost = defaultRistrettoCost
		}
		return cache.NewRistretto(cache.RistrettoConfig{
			NumCounters: max(10*cost/ristrettoAvgEntry, 1000),
			MaxCost:     cost,
			TTL:         nc.TTL,
		})
	case config.BackendBigCache:
		p, err := cache.NewBigCache(cache.BigCacheConfig{
			LifeWindow:         nc.TTL,
			HardMaxCacheSizeMB: nc.MaxSize,
		})
		if err != nil {
			return nil, err
		}
		return cache.Encoded(config.BackendBigCache, p, b.codec), nil
	case config.BackendRedis:
		p, err := cache.NewRedis(cache.RedisConfig{
			Client: b.redis,
			Prefix: b.cfg.Redis.Prefix + namespace + ":",
			TTL:    nc.TTL,
		})
		if err != nil {
			return nil, err
		}
		return cache.Encoded(config.BackendRedis, p, b.codec), nil
	case config.BackendSQLite:
		return cache.Encoded(config.BackendSQLite, b.sqlite.Namespace(namespace, nc.TTL), b.codec), nil
	case config.BackendS3:
		p := cache.NewS3(b.s3, b.cfg.S3.Bucket, b.cfg.S3.Prefix+namespace+"/")
		return cache.Encoded(config.BackendS3, p, b.codec), nil
	default:
		return nil, fmt.Errorf("namespace %q: backend %q: %w", namespace, nc.Backend, pagecache.ErrBadConfig)
	}
}

// ping checks the shared clients that can be unreachable.
func (b *backends) ping(ctx context.Context) error {
	var errs []error
	if b.redis != nil {
		if err := b.redis.Ping(ctx).Err(); err != nil {
			errs = append(errs, fmt.Errorf("redis: %w", err))
		}
	}
	if b.sqlite != nil {
		if err := b.sqlite.Ping(ctx); err != nil {
			errs = append(errs, fmt.Errorf("sqlite: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (b *backends) Close() error {
	var errs []error
	if b.redis != nil {
		errs = append(errs, b.redis.Close())
	}
	if b.sqlite != nil {
		errs = append(errs, b.sqlite.Close())
	}
	return errors.Join(errs...)
}
