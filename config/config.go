// Package config loads server configuration from an optional .env file, the
// environment and command line flags, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/theapp/server/assertion"
	"github.com/theapp/server/crypto"
	"github.com/theapp/server/session"
)

// Storage backends accepted by STORAGE_BACKEND.
const (
	BackendBolt     = "bbolt"
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

const (
	defaultHTTPAddr   = ":8080"
	defaultDataDir    = "./data"
	defaultEnvFile    = ".env"
	defaultInviteTTL  = 7 * 24 * time.Hour
	defaultJWTIssuer  = assertion.DefaultIssuer
	defaultLogFormat  = "json"
	productionEnvName = "production"
)

// Config is the resolved server configuration.
type Config struct {
	HTTPAddr  string `mapstructure:"HTTP_ADDR"`
	Env       string `mapstructure:"APP_ENV"`
	LogFormat string `mapstructure:"LOG_FORMAT"`

	StorageBackend string `mapstructure:"STORAGE_BACKEND"`
	DataDir        string `mapstructure:"DATA_DIR"`
	DatabaseURL    string `mapstructure:"DATABASE_URL"`
	// RedisURL, when set, moves sessions to Redis. Accounts and invites stay
	// in the storage backend.
	RedisURL string `mapstructure:"REDIS_URL"`

	// JWTSecret is the assertion signing key. It may be empty for commands
	// that never sign; see SigningKey.
	JWTSecret string `mapstructure:"JWT_SECRET"`
	JWTIssuer string `mapstructure:"JWT_ISSUER"`

	InactivityTimeout      time.Duration `mapstructure:"SESSION_INACTIVITY_TIMEOUT"`
	ActivityUpdateInterval time.Duration `mapstructure:"SESSION_ACTIVITY_UPDATE_INTERVAL"`
	AssertionTTL           time.Duration `mapstructure:"ASSERTION_TTL"`
	ReapInterval           time.Duration `mapstructure:"SESSION_REAP_INTERVAL"`

	InviteTTL         time.Duration `mapstructure:"INVITE_TTL"`
	InviteRedirectURL string        `mapstructure:"INVITE_REDIRECT_URL"`

	TrustedProxies []string `mapstructure:"TRUSTED_PROXIES"`

	Argon2MemoryKiB   uint32 `mapstructure:"ARGON2_MEMORY_KIB"`
	Argon2Time        uint32 `mapstructure:"ARGON2_TIME"`
	Argon2Parallelism uint8  `mapstructure:"ARGON2_PARALLELISM"`

	TLSCert string `mapstructure:"TLS_CERT"`
	TLSKey  string `mapstructure:"TLS_KEY"`
}

// flagKeys maps command line flags to the configuration keys they override.
var flagKeys = map[string]string{
	"http-addr":    "HTTP_ADDR",
	"log-format":   "LOG_FORMAT",
	"storage":      "STORAGE_BACKEND",
	"data-dir":     "DATA_DIR",
	"database-url": "DATABASE_URL",
	"redis-url":    "REDIS_URL",
	"tls-cert":     "TLS_CERT",
	"tls-key":      "TLS_KEY",
}

// RegisterFlags adds the configuration flags to flags. Their defaults match
// the defaults Load applies.
func RegisterFlags(flags *pflag.FlagSet) {
	flags.String("env-file", defaultEnvFile, "Path to an optional .env file")
	flags.String("http-addr", defaultHTTPAddr, "Address to listen on")
	flags.String("log-format", defaultLogFormat, "Log format: json or text")
	flags.String("storage", BackendBolt, "Storage backend: bbolt, postgres or memory")
	flags.String("data-dir", defaultDataDir, "Directory for the bbolt database")
	flags.String("database-url", "", "Postgres connection string")
	flags.String("redis-url", "", "Redis URL for the session store")
	flags.String("tls-cert", "", "Path to TLS certificate file")
	flags.String("tls-key", "", "Path to TLS key file")
}

func setDefaults(v *viper.Viper) {
	defaults := session.DefaultOptions()
	hashing := crypto.DefaultPasswordParams()

	v.SetDefault("HTTP_ADDR", defaultHTTPAddr)
	v.SetDefault("APP_ENV", "development")
	v.SetDefault("LOG_FORMAT", defaultLogFormat)
	v.SetDefault("STORAGE_BACKEND", BackendBolt)
	v.SetDefault("DATA_DIR", defaultDataDir)
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("REDIS_URL", "")
	v.SetDefault("JWT_SECRET", "")
	v.SetDefault("JWT_ISSUER", defaultJWTIssuer)
	v.SetDefault("SESSION_INACTIVITY_TIMEOUT", defaults.InactivityTimeout)
	v.SetDefault("SESSION_ACTIVITY_UPDATE_INTERVAL", defaults.ActivityUpdateInterval)
	v.SetDefault("ASSERTION_TTL", assertion.DefaultTTL)
	v.SetDefault("SESSION_REAP_INTERVAL", session.DefaultReapInterval)
	v.SetDefault("INVITE_TTL", defaultInviteTTL)
	v.SetDefault("INVITE_REDIRECT_URL", "")
	v.SetDefault("TRUSTED_PROXIES", []string{})
	v.SetDefault("ARGON2_MEMORY_KIB", hashing.MemoryKiB)
	v.SetDefault("ARGON2_TIME", hashing.Time)
	v.SetDefault("ARGON2_PARALLELISM", hashing.Parallelism)
	v.SetDefault("TLS_CERT", "")
	v.SetDefault("TLS_KEY", "")
}

// Load builds and validates a Config. flags may be nil; otherwise any flag
// registered by RegisterFlags that was set on the command line wins over
// the environment. A missing .env file is ignored.
func Load(flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	envFile := defaultEnvFile
	if flags != nil {
		if f := flags.Lookup("env-file"); f != nil && f.Value.String() != "" {
			envFile = f.Value.String()
		}
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("config: binding flag %s: %w", name, err)
				}
			}
		}
	}

	v.SetConfigFile(envFile)
	v.SetConfigType("env")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.Is(err, fs.ErrNotExist) && !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: reading %s: %w", envFile, err)
		}
	}
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) normalize() {
	c.StorageBackend = strings.ToLower(strings.TrimSpace(c.StorageBackend))
	c.LogFormat = strings.ToLower(strings.TrimSpace(c.LogFormat))
	proxies := c.TrustedProxies[:0]
	for _, p := range c.TrustedProxies {
		if p = strings.TrimSpace(p); p != "" {
			proxies = append(proxies, p)
		}
	}
	c.TrustedProxies = proxies
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.HTTPAddr == "" {
		return errors.New("config: HTTP_ADDR must be set")
	}
	switch c.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("config: LOG_FORMAT must be json or text, got %q", c.LogFormat)
	}

	switch c.StorageBackend {
	case BackendBolt:
		if c.DataDir == "" {
			return errors.New("config: DATA_DIR must be set for the bbolt backend")
		}
	case BackendPostgres:
		if c.DatabaseURL == "" {
			return errors.New("config: DATABASE_URL must be set for the postgres backend")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("config: unknown STORAGE_BACKEND %q", c.StorageBackend)
	}

	if c.JWTSecret != "" && len(c.JWTSecret) < assertion.MinKeyLen {
		return fmt.Errorf("config: JWT_SECRET must be at least %d bytes", assertion.MinKeyLen)
	}
	if c.JWTIssuer == "" {
		return errors.New("config: JWT_ISSUER must be set")
	}

	if err := c.SessionOptions().Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.AssertionTTL <= 0 || c.AssertionTTL >= c.ActivityUpdateInterval {
		return errors.New("config: ASSERTION_TTL must be positive and shorter than SESSION_ACTIVITY_UPDATE_INTERVAL")
	}
	if c.ReapInterval <= 0 {
		return errors.New("config: SESSION_REAP_INTERVAL must be positive")
	}
	if c.InviteTTL <= 0 {
		return errors.New("config: INVITE_TTL must be positive")
	}

	if (c.TLSCert == "") != (c.TLSKey == "") {
		return errors.New("config: TLS_CERT and TLS_KEY must be set together")
	}

	if err := c.PasswordParams().Validate(); err != nil {
		return fmt.Errorf("config: argon2: %w", err)
	}
	return nil
}

// IsProduction reports whether APP_ENV is production. Cookies are always
// marked Secure in production.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Env, productionEnvName)
}

// SigningKey returns the assertion key, failing when none is configured.
func (c *Config) SigningKey() ([]byte, error) {
	if c.JWTSecret == "" {
		return nil, errors.New("config: JWT_SECRET must be set")
	}
	return []byte(c.JWTSecret), nil
}

func (c *Config) SessionOptions() session.Options {
	return session.Options{
		InactivityTimeout:      c.InactivityTimeout,
		ActivityUpdateInterval: c.ActivityUpdateInterval,
	}
}

func (c *Config) PasswordParams() crypto.PasswordParams {
	p := crypto.DefaultPasswordParams()
	p.MemoryKiB = c.Argon2MemoryKiB
	p.Time = c.Argon2Time
	p.Parallelism = c.Argon2Parallelism
	return p
}
