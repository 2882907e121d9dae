package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/overture-stack/score-int/internal/auth"
	"github.com/overture-stack/score-int/internal/cloud/providers/s3"
	"github.com/overture-stack/score-int/internal/constants"
	httpx "github.com/overture-stack/score-int/internal/http"
	"github.com/overture-stack/score-int/internal/services"
)

// EnvPrefix is prepended to every environment variable: transfer.workers is
// read from SCORE_TRANSFER_WORKERS.
const EnvPrefix = "SCORE"

// Backend and session store names.
const (
	BackendS3      = "s3"
	BackendMemory  = "memory"
	SessionsMemory = "memory"
	SessionsRedis  = "redis"
)

// Validation errors
var (
	ErrMissingServerURL  = errors.New("server.url is required")
	ErrMissingBucket     = errors.New("s3.bucket is required for the s3 backend")
	ErrMissingRedisAddr  = errors.New("redis.addr is required for the redis session store")
	ErrMissingAuthServer = errors.New("auth.server.url is required when auth is enabled")
	ErrInvalidWorkers    = fmt.Errorf("transfer.workers must be between 1 and %d", constants.MaxWorkers)
)

// New returns a viper instance reading SCORE_* variables and, when path is
// set or the default file exists, a YAML config file.
func New(path string) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	setClientDefaults(v)
	setServerDefaults(v)

	if path == "" {
		if def := DefaultConfigPath(); def != "" {
			if _, err := os.Stat(def); err == nil {
				path = def
			}
		}
	}
	if path == "" {
		return v, nil
	}
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	return v, nil
}

// BindFlags binds command flags to config keys so an explicitly set flag
// takes precedence over the environment and the config file.
func BindFlags(v *viper.Viper, flags *pflag.FlagSet, keys map[string]string) error {
	for flag, key := range keys {
		f := flags.Lookup(flag)
		if f == nil {
			return fmt.Errorf("unknown flag --%s for %s", flag, key)
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("failed to bind --%s: %w", flag, err)
		}
	}
	return nil
}

func setClientDefaults(v *viper.Viper) {
	v.SetDefault("server.url", "")
	v.SetDefault("access.token", "")
	v.SetDefault("access.token-file", "")
	v.SetDefault("transfer.workers", constants.DefaultWorkers)
	v.SetDefault("transfer.part-size", constants.DefaultPartSize)
	v.SetDefault("transfer.memory-mapped", false)
	v.SetDefault("transfer.state-dir", "")
	v.SetDefault("retry.number", constants.DefaultRetryNumber)
	v.SetDefault("retry.initial-interval", constants.RetryInitialInterval)
	v.SetDefault("retry.multiplier", constants.RetryMultiplier)
	v.SetDefault("retry.max-interval", constants.RetryMaxInterval)
	v.SetDefault("http.connect-timeout", constants.DefaultConnectTimeout)
	v.SetDefault("http.read-timeout", constants.DefaultReadTimeout)
	v.SetDefault("log.level", "info")
}

func setServerDefaults(v *viper.Viper) {
	v.SetDefault("server.listen", constants.DefaultListenAddr)
	v.SetDefault("upload.part-size", constants.DefaultPartSize)
	v.SetDefault("upload.presign-expiry", constants.DefaultPresignExpiry)
	v.SetDefault("backend.type", BackendS3)
	v.SetDefault("memory.listen", "127.0.0.1:5432")
	v.SetDefault("s3.region", "us-east-1")
	v.SetDefault("s3.path-style", true)
	v.SetDefault("s3.data-prefix", constants.DefaultDataPrefix)
	v.SetDefault("session.store", SessionsMemory)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key-prefix", constants.DefaultRedisKeyPrefix)
	v.SetDefault("redis.ttl", time.Duration(0))
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.server.token-name", "token")
	v.SetDefault("auth.cache-ttl", constants.DefaultAuthCacheTTL)
	policy := auth.DefaultScopePolicy()
	v.SetDefault("auth.study-prefix", policy.StudyPrefix)
	v.SetDefault("auth.upload-suffix", policy.UploadSuffix)
	v.SetDefault("auth.download-suffix", policy.DownloadSuffix)
	v.SetDefault("auth.system-scope", policy.SystemScope)
	v.SetDefault("sentinel.object-id", constants.DefaultSentinelObjectID)
}

// ClientConfig configures the transfer client.
type ClientConfig struct {
	ServerURL    string
	Token        string
	TokenFile    string
	Workers      int
	PartSize     int64
	MemoryMapped bool
	StateDir     string
	Retry        httpx.Policy
	HTTP         httpx.ClientOptions
	LogLevel     string
}

// LoadClient reads and validates the client configuration.
func LoadClient(v *viper.Viper) (*ClientConfig, error) {
	cfg := &ClientConfig{
		ServerURL:    strings.TrimRight(v.GetString("server.url"), "/"),
		Token:        v.GetString("access.token"),
		TokenFile:    v.GetString("access.token-file"),
		Workers:      v.GetInt("transfer.workers"),
		PartSize:     v.GetInt64("transfer.part-size"),
		MemoryMapped: v.GetBool("transfer.memory-mapped"),
		StateDir:     v.GetString("transfer.state-dir"),
		Retry: httpx.Policy{
			MaxAttempts:     v.GetInt("retry.number"),
			InitialInterval: v.GetDuration("retry.initial-interval"),
			Multiplier:      v.GetFloat64("retry.multiplier"),
			MaxInterval:     v.GetDuration("retry.max-interval"),
		},
		HTTP: httpx.ClientOptions{
			ConnectTimeout: v.GetDuration("http.connect-timeout"),
			ReadTimeout:    v.GetDuration("http.read-timeout"),
		},
		LogLevel: v.GetString("log.level"),
	}
	if cfg.StateDir == "" {
		cfg.StateDir = DefaultStateDir()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.HTTP.MaxConnsPerHost = cfg.Workers
	return cfg, nil
}

// Validate checks the client configuration.
func (c *ClientConfig) Validate() error {
	if c.ServerURL == "" {
		return ErrMissingServerURL
	}
	if _, err := url.ParseRequestURI(c.ServerURL); err != nil {
		return fmt.Errorf("invalid server.url %q: %w", c.ServerURL, err)
	}
	if c.Workers < 1 || c.Workers > constants.MaxWorkers {
		return ErrInvalidWorkers
	}
	if c.Retry.InitialInterval <= 0 || c.Retry.Multiplier < 1 {
		return fmt.Errorf("retry.initial-interval must be positive and retry.multiplier at least 1")
	}
	return nil
}

// ServerConfig configures the transfer server.
type ServerConfig struct {
	Listen          string
	PartSize        int64
	PresignExpiry   time.Duration
	Backend         string
	MemoryListen    string
	// MemoryPublicURL is where external clients reach the memory store
	MemoryPublicURL string
	S3              s3.Config
	DataPrefix      string
	Sessions        string
	Redis           services.RedisConfig
	AuthEnabled     bool
	Introspection   auth.IntrospectionConfig
	Scopes          auth.ScopePolicy
	MetadataURL     string
	SentinelID      string
	LogLevel        string
}

// LoadServer reads and validates the server configuration.
func LoadServer(v *viper.Viper) (*ServerConfig, error) {
	cfg := &ServerConfig{
		Listen:          v.GetString("server.listen"),
		PartSize:        v.GetInt64("upload.part-size"),
		PresignExpiry:   v.GetDuration("upload.presign-expiry"),
		Backend:         strings.ToLower(v.GetString("backend.type")),
		MemoryListen:    v.GetString("memory.listen"),
		MemoryPublicURL: v.GetString("memory.public-url"),
		S3: s3.Config{
			Endpoint:        v.GetString("s3.endpoint"),
			PublicEndpoint:  v.GetString("s3.public-endpoint"),
			Region:          v.GetString("s3.region"),
			Bucket:          v.GetString("s3.bucket"),
			AccessKeyID:     v.GetString("s3.access-key"),
			SecretAccessKey: v.GetString("s3.secret-key"),
			PathStyle:       v.GetBool("s3.path-style"),
		},
		DataPrefix: v.GetString("s3.data-prefix"),
		Sessions:   strings.ToLower(v.GetString("session.store")),
		Redis: services.RedisConfig{
			Addr:      v.GetString("redis.addr"),
			Password:  v.GetString("redis.password"),
			DB:        v.GetInt("redis.db"),
			KeyPrefix: v.GetString("redis.key-prefix"),
			TTL:       v.GetDuration("redis.ttl"),
		},
		AuthEnabled: v.GetBool("auth.enabled"),
		Introspection: auth.IntrospectionConfig{
			URL:          v.GetString("auth.server.url"),
			ClientID:     v.GetString("auth.server.client-id"),
			ClientSecret: v.GetString("auth.server.client-secret"),
			TokenName:    v.GetString("auth.server.token-name"),
			CacheTTL:     v.GetDuration("auth.cache-ttl"),
		},
		Scopes: auth.ScopePolicy{
			StudyPrefix:    v.GetString("auth.study-prefix"),
			UploadSuffix:   v.GetString("auth.upload-suffix"),
			DownloadSuffix: v.GetString("auth.download-suffix"),
			SystemScope:    v.GetString("auth.system-scope"),
		},
		MetadataURL: v.GetString("metadata.url"),
		SentinelID:  v.GetString("sentinel.object-id"),
		LogLevel:    v.GetString("log.level"),
	}
	cfg.S3.PresignExpiry = cfg.PresignExpiry
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the server configuration.
func (c *ServerConfig) Validate() error {
	switch c.Backend {
	case BackendS3:
		if c.S3.Bucket == "" {
			return ErrMissingBucket
		}
	case BackendMemory:
	default:
		return fmt.Errorf("unknown backend.type %q (want %s or %s)", c.Backend, BackendS3, BackendMemory)
	}

	switch c.Sessions {
	case SessionsRedis:
		if c.Redis.Addr == "" {
			return ErrMissingRedisAddr
		}
	case SessionsMemory:
	default:
		return fmt.Errorf("unknown session.store %q (want %s or %s)", c.Sessions, SessionsMemory, SessionsRedis)
	}

	if c.AuthEnabled && c.Introspection.URL == "" {
		return ErrMissingAuthServer
	}
	if c.PartSize < constants.MinPartSize && c.Backend == BackendS3 {
		return fmt.Errorf("upload.part-size must be at least %d bytes for s3", constants.MinPartSize)
	}
	if c.PartSize > constants.MaxPartSize {
		return fmt.Errorf("upload.part-size must be at most %d bytes", int64(constants.MaxPartSize))
	}
	return nil
}
