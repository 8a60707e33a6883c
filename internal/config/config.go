// Package config handles YAML configuration loading with environment variable expansion.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"time"

	"go.yaml.in/yaml/v3"

	pagecache "github.com/eugener/pagecache/internal"
)

// DefaultNamespaceConfig is the namespace entry used for namespaces that
// have no entry of their own.
const DefaultNamespaceConfig = "default"

// Backend names accepted in cache namespace entries.
const (
	BackendMemory    = "memory"
	BackendRistretto = "ristretto"
	BackendBigCache  = "bigcache"
	BackendRedis     = "redis"
	BackendSQLite    = "sqlite"
	BackendS3        = "s3"
)

// Config is the top-level pagecache configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Origin    OriginConfig    `yaml:"origin"`
	Cache     CacheConfig     `yaml:"cache"`
	Rules     []RuleEntry     `yaml:"rules"`
	ETag      ETagConfig      `yaml:"etag"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// OriginConfig describes the upstream that renders pages.
type OriginConfig struct {
	BaseURL      string        `yaml:"base_url"`
	Timeout      time.Duration `yaml:"timeout"`
	MaxBodyBytes int64         `yaml:"max_body_bytes"`
	ForceHTTP2   bool          `yaml:"force_http2"`
	DNSRefresh   time.Duration `yaml:"dns_refresh"` // 0 disables the resolver cache
	Auth         *OAuthConfig  `yaml:"auth"`        // nil sends no credentials
	Counter      CounterConfig `yaml:"counter"`
	Breaker      BreakerConfig `yaml:"breaker"`
	MaxRPS       float64       `yaml:"max_rps"` // 0 means unlimited
	Burst        int           `yaml:"burst"`   // 0 allows one second's worth
}

// BreakerConfig configures the per-host circuit breaker on origin requests.
type BreakerConfig struct {
	Enabled        bool          `yaml:"enabled"`
	ErrorThreshold float64       `yaml:"error_threshold"` // weighted error rate that trips the breaker
	MinSamples     int           `yaml:"min_samples"`
	Window         time.Duration `yaml:"window"`
	OpenTimeout    time.Duration `yaml:"open_timeout"`
}

// OAuthConfig configures the OAuth2 client-credentials flow against the origin.
type OAuthConfig struct {
	TokenURL     string   `yaml:"token_url"`
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	Scopes       []string `yaml:"scopes"`
}

// CounterConfig configures the origin change counter poller.
type CounterConfig struct {
	Path     string        `yaml:"path"`      // empty disables polling
	JSONPath string        `yaml:"json_path"` // gjson syntax
	Interval time.Duration `yaml:"interval"`
}

// CacheConfig holds RAM cache backend settings.
type CacheConfig struct {
	Codec      string                     `yaml:"codec"` // "msgpack" (default) or "cbor"
	Namespaces map[string]NamespaceConfig `yaml:"namespaces"`
	Redis      RedisConfig                `yaml:"redis"`
	SQLite     SQLiteConfig               `yaml:"sqlite"`
	S3         S3Config                   `yaml:"s3"`
}

// NamespaceConfig selects and sizes the backend of one RAM cache namespace.
type NamespaceConfig struct {
	Backend string        `yaml:"backend"`
	MaxSize int           `yaml:"max_size"` // entries for memory, bytes for ristretto, MB for bigcache
	TTL     time.Duration `yaml:"ttl"`      // 0 keeps entries until evicted
}

// RedisConfig holds the shared Redis connection.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// SQLiteConfig holds the persistent entry store.
type SQLiteConfig struct {
	DSN           string        `yaml:"dsn"` // file path or ":memory:"
	PruneInterval time.Duration `yaml:"prune_interval"`
}

// S3Config holds the object store bucket. Credentials fall back to the
// default AWS chain when AccessKey is empty.
type S3Config struct {
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"` // S3-compatible endpoint, path-style addressing
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
}

// RuleEntry maps a path glob to a caching operation.
type RuleEntry struct {
	Name          string   `yaml:"name"`
	Path          string   `yaml:"path"`
	Operation     string   `yaml:"operation"` // noCaching, strongCaching, moderateCaching, weakCaching
	MaxAge        int      `yaml:"max_age"`
	SMaxAge       int      `yaml:"smaxage"`
	ETags         []string `yaml:"etags"`
	LastModified  bool     `yaml:"last_modified"`
	RAMCache      bool     `yaml:"ram_cache"`
	Vary          string   `yaml:"vary"`
	AnonymousOnly bool     `yaml:"anonymous_only"`
	Namespace     string   `yaml:"namespace"`
}

// ETagConfig configures the built-in ETag value sources.
type ETagConfig struct {
	IdentityCookie string `yaml:"identity_cookie"` // feeds the userid source and anonymous_only
}

// TelemetryConfig holds observability settings.
type TelemetryConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// MetricsConfig controls Prometheus metrics.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint"`    // OTLP gRPC endpoint
	SampleRate float64 `yaml:"sample_rate"` // 0.0 to 1.0
}

// Namespace returns the entry for ns, falling back to the default entry.
// ok is false when neither exists.
func (c CacheConfig) Namespace(ns string) (NamespaceConfig, bool) {
	if nc, ok := c.Namespaces[ns]; ok {
		return nc, true
	}
	nc, ok := c.Namespaces[DefaultNamespaceConfig]
	return nc, ok
}

// UsesBackend reports whether any namespace entry selects backend.
func (c CacheConfig) UsesBackend(backend string) bool {
	for _, nc := range c.Namespaces {
		if nc.Backend == backend {
			return true
		}
	}
	return false
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnv replaces ${VAR} patterns with environment variable values.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := string(match[2 : len(match)-1])
		if val, ok := os.LookupEnv(varName); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses a YAML config file, expanding environment variables,
// and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	data = expandEnv(data)

	cfg := &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    120 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Origin: OriginConfig{
			Timeout:      30 * time.Second,
			MaxBodyBytes: 32 << 20,
			DNSRefresh:   5 * time.Minute,
			Counter: CounterConfig{
				Interval: 30 * time.Second,
			},
		},
		Cache: CacheConfig{
			Codec: "msgpack",
			SQLite: SQLiteConfig{
				DSN:           "pagecache.db",
				PruneInterval: 5 * time.Minute,
			},
			Redis: RedisConfig{
				Prefix: "pagecache:",
			},
		},
		ETag: ETagConfig{
			IdentityCookie: "__ac",
		},
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if len(cfg.Cache.Namespaces) == 0 {
		cfg.Cache.Namespaces = map[string]NamespaceConfig{
			DefaultNamespaceConfig: {Backend: BackendMemory, MaxSize: 10_000, TTL: time.Hour},
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required fields and cross-section references. All
// problems are reported together, each wrapping pagecache.ErrBadConfig.
func (c *Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), pagecache.ErrBadConfig))
	}

	if c.Origin.BaseURL == "" {
		bad("origin.base_url is required")
	} else if u, err := url.Parse(c.Origin.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		bad("origin.base_url %q is not an absolute URL", c.Origin.BaseURL)
	}
	if a := c.Origin.Auth; a != nil && (a.TokenURL == "" || a.ClientID == "") {
		bad("origin.auth needs token_url and client_id")
	}
	if c.Origin.Counter.Path != "" && c.Origin.Counter.JSONPath == "" {
		bad("origin.counter.json_path is required when path is set")
	}
	if b := c.Origin.Breaker; b.ErrorThreshold < 0 || b.ErrorThreshold > 1 {
		bad("origin.breaker.error_threshold must be between 0 and 1")
	}
	if c.Origin.MaxRPS < 0 || c.Origin.Burst < 0 {
		bad("origin.max_rps and origin.burst must not be negative")
	}

	switch c.Cache.Codec {
	case "", "msgpack", "cbor":
	default:
		bad("cache.codec %q is unknown", c.Cache.Codec)
	}
	for name, nc := range c.Cache.Namespaces {
		switch nc.Backend {
		case BackendMemory, BackendRistretto, BackendBigCache, BackendSQLite:
		case BackendRedis:
			if c.Cache.Redis.Addr == "" {
				bad("cache.namespaces.%s: redis backend needs cache.redis.addr", name)
			}
		case BackendS3:
			if c.Cache.S3.Bucket == "" {
				bad("cache.namespaces.%s: s3 backend needs cache.s3.bucket", name)
			}
		default:
			bad("cache.namespaces.%s: backend %q is unknown", name, nc.Backend)
		}
		if nc.MaxSize < 0 || nc.TTL < 0 {
			bad("cache.namespaces.%s: max_size and ttl must not be negative", name)
		}
	}

	for i, r := range c.Rules {
		if r.Path == "" {
			bad("rules[%d]: path is required", i)
		}
		if r.Operation == "" {
			bad("rules[%d]: operation is required", i)
		}
	}

	if c.Telemetry.Tracing.SampleRate < 0 || c.Telemetry.Tracing.SampleRate > 1 {
		bad("telemetry.tracing.sample_rate must be between 0 and 1")
	}
	return errors.Join(errs...)
}
