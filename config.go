package oauth

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	credmemory "github.com/giantswarm/oidc-core/credentials/memory"
)

// Storage backends
const (
	StorageMemory   = "memory"
	StorageRedis    = "redis"
	StoragePostgres = "postgres"
)

// Credential store drivers. The SQL drivers use the gorm store.
const (
	CredentialsStatic   = "static"
	CredentialsSQLite   = "sqlite"
	CredentialsMySQL    = "mysql"
	CredentialsPostgres = "postgres"
)

// Config is the server configuration file.
// Structured using composition, one section per component.
type Config struct {
	// Issuer is the issuer identifier (base URL) of the server.
	Issuer string `yaml:"issuer"`

	// Listen is the address of the HTTP listener.
	// Default: ":8080"
	Listen string `yaml:"listen"`

	Grants          GrantConfig           `yaml:"grants"`
	Tokens          TokenConfig           `yaml:"tokens"`
	Registry        RegistryConfig        `yaml:"registry"`
	Storage         StorageConfig         `yaml:"storage"`
	Credentials     CredentialsConfig     `yaml:"credentials"`
	RateLimit       RateLimitConfig       `yaml:"rate_limit"`
	Security        SecurityConfig        `yaml:"security"`
	Logging         LoggingConfig         `yaml:"logging"`
	Instrumentation InstrumentationConfig `yaml:"instrumentation"`
}

// GrantConfig holds grant state machine settings.
type GrantConfig struct {
	// AuthorizationCodeTTL is how long authorization codes are valid.
	// Default: 10m
	AuthorizationCodeTTL time.Duration `yaml:"authorization_code_ttl"`

	// PendingAuthorizationTTL is how long the user has to decide.
	// Default: 10m
	PendingAuthorizationTTL time.Duration `yaml:"pending_authorization_ttl"`
}

// TokenConfig holds token issuer settings.
type TokenConfig struct {
	AccessTokenTTL  time.Duration `yaml:"access_token_ttl"`
	IDTokenTTL      time.Duration `yaml:"id_token_ttl"`
	RefreshTokenTTL time.Duration `yaml:"refresh_token_ttl"`
	Leeway          time.Duration `yaml:"leeway"`

	// StaticAudience adds <issuer>/resources to the audience of access tokens.
	StaticAudience bool `yaml:"static_audience"`

	// KeyFile is the PEM (PKCS#8) Ed25519 signing key. Without a key file
	// an ephemeral key is generated at startup.
	KeyFile string `yaml:"key_file"`

	// PreviousKeyFiles are retired keys that keep verifying during KeyGrace.
	PreviousKeyFiles []string `yaml:"previous_key_files"`

	// KeyGrace is how long a retired key keeps verifying.
	// Default: 24h
	KeyGrace time.Duration `yaml:"key_grace"`

	// KeyRotationInterval rotates the signing key in memory. Zero disables.
	KeyRotationInterval time.Duration `yaml:"key_rotation_interval"`
}

// RegistryConfig holds the client and scope registry source.
type RegistryConfig struct {
	// File is the YAML registry document (required).
	File string `yaml:"file"`

	// WatchInterval polls File for changes. Zero disables polling;
	// SIGHUP still reloads.
	WatchInterval time.Duration `yaml:"watch_interval"`
}

// StorageConfig selects and configures the token and code store backend.
type StorageConfig struct {
	// Backend is one of memory, redis, postgres.
	// Default: memory
	Backend string `yaml:"backend"`

	Redis RedisConfig `yaml:"redis"`

	// PostgresDSN is the pgx connection string for the postgres backend.
	PostgresDSN string `yaml:"postgres_dsn"`

	// EncryptionKey is a base64 AES-256 key encrypting records at rest.
	// Empty disables encryption.
	EncryptionKey string `yaml:"encryption_key"`

	// SweepInterval is how often expired records are removed.
	// Default: 1m
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// RedisConfig configures the redis backend.
type RedisConfig struct {
	Address   string `yaml:"address"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// CredentialsConfig configures the credential store.
type CredentialsConfig struct {
	// Driver is one of static, sqlite, mysql, postgres.
	// Default: static
	Driver string `yaml:"driver"`

	// DSN is the database connection string for the SQL drivers.
	DSN string `yaml:"dsn"`

	// Migrate creates the user tables at startup.
	Migrate bool `yaml:"migrate"`

	// Users are the accounts of the static driver.
	Users []credmemory.User `yaml:"users"`

	// Timeout bounds each credential store call.
	// Default: 5s
	Timeout time.Duration `yaml:"timeout"`

	// ClaimsCacheTTL caches loaded claims. Zero disables the cache.
	ClaimsCacheTTL time.Duration `yaml:"claims_cache_ttl"`
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	// Rate is requests per second allowed per IP on the token and decision
	// endpoints. Zero disables limiting.
	Rate int `yaml:"rate"`

	// Burst is the maximum burst size allowed per IP.
	Burst int `yaml:"burst"`

	// TrustProxy enables trusting X-Forwarded-For and X-Real-IP headers.
	// Only enable behind a trusted reverse proxy.
	TrustProxy bool `yaml:"trust_proxy"`

	// TrustedProxyCount is the number of proxies in front of the server.
	// Default: 1
	TrustedProxyCount int `yaml:"trusted_proxy_count"`
}

// SecurityConfig holds OAuth security settings (secure by default)
type SecurityConfig struct {
	// DisablePKCERequirement lets confidential clients that do not require
	// PKCE themselves omit the code challenge.
	// WARNING: Weakens protection against code interception.
	DisablePKCERequirement bool `yaml:"disable_pkce_requirement"`

	// AllowPKCEPlain accepts the plain method for clients that allow it.
	// WARNING: The 'plain' method is deprecated in OAuth 2.1.
	AllowPKCEPlain bool `yaml:"allow_pkce_plain"`

	// DisableRefreshTokenRotation keeps refresh tokens across refreshes.
	// WARNING: Violates OAuth 2.1. Reuse can no longer be detected.
	DisableRefreshTokenRotation bool `yaml:"disable_refresh_token_rotation"`

	// AllowInsecureHTTP accepts a plain http issuer outside loopback.
	AllowInsecureHTTP bool `yaml:"allow_insecure_http"`

	// EnableAuditLogging enables security audit logging.
	EnableAuditLogging bool `yaml:"enable_audit_logging"`

	// PersistAuditLog also writes every audit event to the oidc_audit_logs
	// table of the credentials database. Requires a SQL credentials driver.
	PersistAuditLog bool `yaml:"persist_audit_log"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	// Default: info
	Level string `yaml:"level"`

	// Format is json or text.
	// Default: json
	Format string `yaml:"format"`

	// File writes logs to a rotating file instead of stderr.
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// InstrumentationConfig configures OpenTelemetry.
type InstrumentationConfig struct {
	Enabled        bool   `yaml:"enabled"`
	ServiceName    string `yaml:"service_name"`
	ServiceVersion string `yaml:"service_version"`
	LogClientIPs   bool   `yaml:"log_client_ips"`
}

// LoadConfig reads a YAML configuration file. Variables from a .env file
// next to the working directory are loaded first (existing variables win),
// then ${VAR} references in the file are expanded. Unknown fields are
// rejected.
func LoadConfig(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig decodes a configuration document, expands environment
// variables, applies defaults and validates the result.
func ParseConfig(data []byte) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(expandEnv(data)))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// envRef only matches the braced form, so bcrypt hashes ($2a$10$...) in the
// document are left alone.
var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

func expandEnv(data []byte) []byte {
	return envRef.ReplaceAllFunc(data, func(m []byte) []byte {
		return []byte(os.Getenv(string(m[2 : len(m)-1])))
	})
}

func (c *Config) applyDefaults() {
	if c.Listen == "" {
		c.Listen = ":8080"
	}
	if c.Tokens.KeyGrace == 0 {
		c.Tokens.KeyGrace = 24 * time.Hour
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = StorageMemory
	}
	if c.Storage.SweepInterval == 0 {
		c.Storage.SweepInterval = time.Minute
	}
	if c.Credentials.Driver == "" {
		c.Credentials.Driver = CredentialsStatic
	}
	if c.RateLimit.TrustedProxyCount == 0 {
		c.RateLimit.TrustedProxyCount = 1
	}
	if c.RateLimit.Rate > 0 && c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = c.RateLimit.Rate * 2
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Instrumentation.ServiceName == "" {
		c.Instrumentation.ServiceName = "oidc-server"
	}
}

// Validate checks the configuration for missing or inconsistent settings.
// All problems are reported together.
func (c *Config) Validate() error {
	var errs []error
	if c.Issuer == "" {
		errs = append(errs, errors.New("issuer is required"))
	}
	if c.Registry.File == "" {
		errs = append(errs, errors.New("registry.file is required"))
	}

	switch c.Storage.Backend {
	case StorageMemory:
	case StorageRedis:
		if c.Storage.Redis.Address == "" {
			errs = append(errs, errors.New("storage.redis.address is required for the redis backend"))
		}
	case StoragePostgres:
		if c.Storage.PostgresDSN == "" {
			errs = append(errs, errors.New("storage.postgres_dsn is required for the postgres backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage backend %q", c.Storage.Backend))
	}

	switch c.Credentials.Driver {
	case CredentialsStatic:
		if len(c.Credentials.Users) == 0 {
			errs = append(errs, errors.New("credentials.users is required for the static driver"))
		}
	case CredentialsSQLite, CredentialsMySQL, CredentialsPostgres:
		if c.Credentials.DSN == "" {
			errs = append(errs, fmt.Errorf("credentials.dsn is required for the %s driver", c.Credentials.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown credentials driver %q", c.Credentials.Driver))
	}

	if c.Security.PersistAuditLog {
		if c.Credentials.Driver == CredentialsStatic {
			errs = append(errs, errors.New("security.persist_audit_log requires a SQL credentials driver"))
		}
		if !c.Security.EnableAuditLogging {
			errs = append(errs, errors.New("security.persist_audit_log requires security.enable_audit_logging"))
		}
	}

	switch c.Logging.Format {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q", c.Logging.Format))
	}
	if _, err := ParseLogLevel(c.Logging.Level); err != nil {
		errs = append(errs, err)
	}

	if c.RateLimit.Rate < 0 || c.RateLimit.Burst < 0 {
		errs = append(errs, errors.New("rate_limit values must not be negative"))
	}
	return errors.Join(errs...)
}
