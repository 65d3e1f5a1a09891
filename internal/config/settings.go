package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/HerbHall/warden/internal/policy"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for environment overrides: WARDEN_SERVER_PORT=9090.
const EnvPrefix = "WARDEN"

// Settings is the immutable configuration snapshot taken at startup.
type Settings struct {
	Server   ServerSettings   `mapstructure:"server"`
	Logging  LoggingSettings  `mapstructure:"logging"`
	Database DatabaseSettings `mapstructure:"database"`
	Security SecuritySettings `mapstructure:"security"`
	Session  SessionSettings  `mapstructure:"session"`
	Keys     KeySettings      `mapstructure:"keys"`
	Audit    AuditSettings    `mapstructure:"audit"`
}

// ServerSettings configures the HTTP listener.
type ServerSettings struct {
	Host      string  `mapstructure:"host"`
	Port      int     `mapstructure:"port"`
	RateLimit float64 `mapstructure:"rate_limit"`
	RateBurst int     `mapstructure:"rate_burst"`
	// TrustedProxies lists peers whose X-Forwarded-For is believed.
	TrustedProxies []string `mapstructure:"trusted_proxies"`
}

// Addr returns the listen address as host:port.
func (s ServerSettings) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// LoggingSettings mirrors the keys read by NewLogger.
type LoggingSettings struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DatabaseSettings selects the relational store.
type DatabaseSettings struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

// SecuritySettings configures credential handling and the authenticator.
type SecuritySettings struct {
	Backend           string        `mapstructure:"backend"`
	MasterSecret      string        `mapstructure:"master_secret"`
	Policy            policy.Config `mapstructure:"policy"`
	LockoutThreshold  int           `mapstructure:"lockout_threshold"`
	SecondFactor      string        `mapstructure:"second_factor"`
	SecondFactorLimit int           `mapstructure:"second_factor_limit"`
	ResetWindow       time.Duration `mapstructure:"reset_window"`
	ResetCodeLength   int           `mapstructure:"reset_code_length"`
	BackendTimeout    time.Duration `mapstructure:"backend_timeout"`
	LoginRate         float64       `mapstructure:"login_rate"`
	LoginBurst        int           `mapstructure:"login_burst"`
	// ResetTokensToLog makes the bundled notifier write reset tokens at
	// debug level. Development only.
	ResetTokensToLog bool `mapstructure:"reset_tokens_to_log"`
}

// SessionSettings configures session storage and bearer tokens.
type SessionSettings struct {
	Store       string        `mapstructure:"store"`
	TTL         time.Duration `mapstructure:"ttl"`
	TokenSecret string        `mapstructure:"token_secret"`
	RedisAddr   string        `mapstructure:"redis_addr"`
	RedisDB     int           `mapstructure:"redis_db"`
	RedisPass   string        `mapstructure:"redis_password"`
}

// KeySettings configures key pair generation and the internal CA.
type KeySettings struct {
	Algorithm  string     `mapstructure:"algorithm"`
	KeySize    int        `mapstructure:"key_size"`
	MinKeySize int        `mapstructure:"min_key_size"`
	CA         CASettings `mapstructure:"ca"`
}

// CASettings configures the optional internal certificate authority.
type CASettings struct {
	Enabled      bool          `mapstructure:"enabled"`
	CertPath     string        `mapstructure:"cert_path"`
	KeyPath      string        `mapstructure:"key_path"`
	Organization string        `mapstructure:"organization"`
	Validity     time.Duration `mapstructure:"validity"`
}

// AuditSettings gates the audit trail and configures archival.
type AuditSettings struct {
	Enabled bool            `mapstructure:"enabled"`
	Archive ArchiveSettings `mapstructure:"archive"`
}

// ArchiveSettings points at an S3-compatible bucket for audit exports.
type ArchiveSettings struct {
	Bucket          string `mapstructure:"bucket"`
	Prefix          string `mapstructure:"prefix"`
	Region          string `mapstructure:"region"`
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8443)
	v.SetDefault("server.rate_limit", 50.0)
	v.SetDefault("server.rate_burst", 100)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "./data/warden.db")

	pol := policy.DefaultConfig()
	v.SetDefault("security.backend", "relational")
	v.SetDefault("security.master_secret", "")
	v.SetDefault("security.policy.kdf.name", pol.KDF.Name)
	v.SetDefault("security.policy.kdf.iterations", pol.KDF.Iterations)
	v.SetDefault("security.policy.kdf.key_length", pol.KDF.KeyLength)
	v.SetDefault("security.policy.salt_length", pol.SaltLength)
	v.SetDefault("security.policy.reversible.algorithm", pol.Reversible.Algorithm)
	v.SetDefault("security.policy.reversible.kdf.name", pol.Reversible.KDF.Name)
	v.SetDefault("security.policy.reversible.kdf.iterations", pol.Reversible.KDF.Iterations)
	v.SetDefault("security.policy.min_password_length", pol.MinPasswordLength)
	v.SetDefault("security.lockout_threshold", 3)
	v.SetDefault("security.second_factor", "none")
	v.SetDefault("security.second_factor_limit", 3)
	v.SetDefault("security.reset_window", "30m")
	v.SetDefault("security.reset_code_length", 0)
	v.SetDefault("security.backend_timeout", "5s")
	v.SetDefault("security.login_rate", 1.0)
	v.SetDefault("security.login_burst", 10)
	v.SetDefault("security.reset_tokens_to_log", false)

	v.SetDefault("session.store", "memory")
	v.SetDefault("session.ttl", "30m")
	v.SetDefault("session.token_secret", "")
	v.SetDefault("session.redis_addr", "localhost:6379")
	v.SetDefault("session.redis_db", 0)

	v.SetDefault("keys.algorithm", "rsa")
	v.SetDefault("keys.key_size", 2048)
	v.SetDefault("keys.min_key_size", 2048)
	v.SetDefault("keys.ca.enabled", false)
	v.SetDefault("keys.ca.cert_path", "./data/ca.crt")
	v.SetDefault("keys.ca.key_path", "./data/ca.key")
	v.SetDefault("keys.ca.organization", "Warden")
	v.SetDefault("keys.ca.validity", "8760h")

	v.SetDefault("audit.enabled", true)
	v.SetDefault("audit.archive.prefix", "audit/")
	v.SetDefault("audit.archive.region", "us-east-1")

	v.SetDefault("backends.directory.url", "ldap://localhost:389")
	v.SetDefault("backends.directory.base_dn", "ou=identities,dc=example,dc=com")
	v.SetDefault("backends.directory.user_attr", "uid")
}

// Load reads configuration from file and environment variables.
// A missing config file is not an error; defaults apply.
func Load(configPath string) (*viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("warden")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/warden")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	return v, nil
}

// Snapshot decodes v into validated Settings.
func Snapshot(v *viper.Viper) (Settings, error) {
	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return Settings{}, fmt.Errorf("decode settings: %w", err)
	}
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// Validate rejects settings the components cannot run with.
func (s Settings) Validate() error {
	var errs []error
	if err := s.Security.Policy.Validate(); err != nil {
		errs = append(errs, err)
	}
	if s.Security.Backend == "" {
		errs = append(errs, errors.New("security.backend is required"))
	}
	if s.Security.LockoutThreshold < 1 {
		errs = append(errs, errors.New("security.lockout_threshold must be at least 1"))
	}
	if s.Security.SecondFactorLimit < 1 {
		errs = append(errs, errors.New("security.second_factor_limit must be at least 1"))
	}
	switch s.Security.SecondFactor {
	case "none", "security_question", "totp":
	default:
		errs = append(errs, fmt.Errorf("security.second_factor %q is not one of none, security_question, totp", s.Security.SecondFactor))
	}
	if s.Security.ResetWindow <= 0 {
		errs = append(errs, errors.New("security.reset_window must be positive"))
	}
	if s.Security.BackendTimeout <= 0 {
		errs = append(errs, errors.New("security.backend_timeout must be positive"))
	}
	switch s.Session.Store {
	case "memory", "redis":
	default:
		errs = append(errs, fmt.Errorf("session.store %q is not one of memory, redis", s.Session.Store))
	}
	if s.Session.TTL <= 0 {
		errs = append(errs, errors.New("session.ttl must be positive"))
	}
	if s.Keys.MinKeySize < 2048 {
		errs = append(errs, errors.New("keys.min_key_size must be at least 2048"))
	}
	if s.Keys.KeySize < s.Keys.MinKeySize && s.Keys.Algorithm == "rsa" {
		errs = append(errs, errors.New("keys.key_size is below keys.min_key_size"))
	}
	return errors.Join(errs...)
}
