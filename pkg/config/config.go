package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

const (
	// DefaultListen is the default WebSocket listen address.
	DefaultListen = ":3848"

	// DefaultSQLitePath is the default SQLite database file.
	DefaultSQLitePath = "clawcrm.db"

	// DefaultSessionTTL is how long a session token stays valid.
	DefaultSessionTTL = "168h"

	// DefaultCleanupInterval is the expired-session sweep interval.
	DefaultCleanupInterval = "1h"

	// DefaultChallengeTTL is the lifetime of a pending passkey challenge.
	DefaultChallengeTTL = "5m"

	// DefaultMaxMessageSize caps a single inbound WebSocket frame.
	DefaultMaxMessageSize = "1MiB"

	// DefaultPolicy is the default cross-user data policy.
	DefaultPolicy = "deny-all"

	DefaultRPID          = "localhost"
	DefaultRPDisplayName = "ClawCRM"
	DefaultRPOrigin      = "http://localhost:5173"

	envPrefix = "CLAWCRM"
)

// Config is the root configuration for the clawcrm gateway.
type Config struct {
	Server        ServerConfig   `yaml:"server" mapstructure:"server"`
	Database      DatabaseConfig `yaml:"database" mapstructure:"database"`
	Passkey       PasskeyConfig  `yaml:"passkey" mapstructure:"passkey"`
	Session       SessionConfig  `yaml:"session" mapstructure:"session"`
	Audit         AuditConfig    `yaml:"audit" mapstructure:"audit"`
	AdminUsers    []AdminUser    `yaml:"admin_users,omitempty" mapstructure:"admin_users"`
	DefaultPolicy string         `yaml:"default_policy" mapstructure:"default_policy"`
}

// Load reads and merges the given configuration files in order. Later files
// override earlier ones; CLAWCRM_* environment variables override both.
func Load(paths ...string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	for i, path := range paths {
		v.SetConfigFile(path)

		var err error
		if i == 0 {
			err = v.ReadInConfig()
		} else {
			err = v.MergeInConfig()
		}

		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
	}

	var cfg Config

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &cfg,
		TagName:          "mapstructure",
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToSliceHookFunc(","),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("creating config decoder: %w", err)
	}

	if err := decoder.Decode(v.AllSettings()); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	cfg.applyDefaults()

	return &cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()

	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.listen", DefaultListen)
	v.SetDefault("server.max_message_size", DefaultMaxMessageSize)
	v.SetDefault("server.rate_limit.enabled", false)
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.sqlite.path", DefaultSQLitePath)
	v.SetDefault("database.postgres.port", 5432)
	v.SetDefault("database.postgres.ssl_mode", "disable")
	v.SetDefault("passkey.rp_display_name", DefaultRPDisplayName)
	v.SetDefault("passkey.challenge_ttl", DefaultChallengeTTL)
	v.SetDefault("session.ttl", DefaultSessionTTL)
	v.SetDefault("session.cleanup_interval", DefaultCleanupInterval)
	v.SetDefault("audit.enabled", true)
	v.SetDefault("default_policy", DefaultPolicy)
}

// applyDefaults sets default values for unspecified configuration options.
func (c *Config) applyDefaults() {
	if c.Server.Listen == "" {
		c.Server.Listen = DefaultListen
	}

	if c.Server.MaxMessageSize == "" {
		c.Server.MaxMessageSize = DefaultMaxMessageSize
	}

	if c.Server.RateLimit.Connect.RequestsPerMinute == 0 {
		c.Server.RateLimit.Connect.RequestsPerMinute = 30
	}

	if c.Server.RateLimit.RPC.RequestsPerMinute == 0 {
		c.Server.RateLimit.RPC.RequestsPerMinute = 600
	}

	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}

	if c.Database.Driver == "sqlite" && c.Database.SQLite.Path == "" {
		c.Database.SQLite.Path = DefaultSQLitePath
	}

	if c.Passkey.RPDisplayName == "" {
		c.Passkey.RPDisplayName = DefaultRPDisplayName
	}

	if c.Passkey.ChallengeTTL == "" {
		c.Passkey.ChallengeTTL = DefaultChallengeTTL
	}

	// The relying party follows the first allowed dashboard origin unless
	// it was configured explicitly.
	if c.Passkey.RPID == "" {
		c.Passkey.RPID = DefaultRPID

		if len(c.Server.AllowedOrigins) > 0 {
			if u, err := url.Parse(c.Server.AllowedOrigins[0]); err == nil && u.Hostname() != "" {
				c.Passkey.RPID = u.Hostname()

				if len(c.Passkey.RPOrigins) == 0 {
					c.Passkey.RPOrigins = []string{c.Server.AllowedOrigins[0]}
				}
			}
		}
	}

	if len(c.Passkey.RPOrigins) == 0 {
		c.Passkey.RPOrigins = []string{DefaultRPOrigin}
	}

	if c.Session.TTL == "" {
		c.Session.TTL = DefaultSessionTTL
	}

	if c.Session.CleanupInterval == "" {
		c.Session.CleanupInterval = DefaultCleanupInterval
	}

	if c.DefaultPolicy == "" {
		c.DefaultPolicy = DefaultPolicy
	}

	for i := range c.AdminUsers {
		if c.AdminUsers[i].Role == "" {
			c.AdminUsers[i].Role = "admin"
		}
	}

	if a := c.Audit.Archive; a != nil {
		if a.Interval == "" {
			a.Interval = "24h"
		}

		if a.Retention == "" {
			a.Retention = "720h"
		}

		if a.Prefix == "" {
			a.Prefix = "audit"
		}
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite":
		if c.Database.SQLite.Path == "" {
			return fmt.Errorf("database.sqlite.path is required")
		}
	case "postgres":
		if c.Database.Postgres.Host == "" {
			return fmt.Errorf("database.postgres.host is required")
		}

		if c.Database.Postgres.Database == "" {
			return fmt.Errorf("database.postgres.database is required")
		}
	default:
		return fmt.Errorf("unsupported database driver: %q", c.Database.Driver)
	}

	if _, err := c.MaxMessageBytes(); err != nil {
		return err
	}

	durations := map[string]string{
		"session.ttl":              c.Session.TTL,
		"session.cleanup_interval": c.Session.CleanupInterval,
		"passkey.challenge_ttl":    c.Passkey.ChallengeTTL,
	}

	if a := c.Audit.Archive; a != nil && a.Enabled {
		durations["audit.archive.interval"] = a.Interval
		durations["audit.archive.retention"] = a.Retention

		if a.Bucket == "" {
			return fmt.Errorf("audit.archive.bucket is required when the archive is enabled")
		}
	}

	for key, value := range durations {
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("%s: invalid duration %q: %w", key, value, err)
		}

		if d <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}

	if c.DefaultPolicy != "deny-all" && c.DefaultPolicy != "allow-own" {
		return fmt.Errorf(
			"default_policy must be \"deny-all\" or \"allow-own\", got %q",
			c.DefaultPolicy,
		)
	}

	for i, u := range c.AdminUsers {
		if u.DisplayName == "" {
			return fmt.Errorf("admin_users[%d]: display_name is required", i)
		}

		if u.Role != "admin" && u.Role != "user" && u.Role != "guest" {
			return fmt.Errorf("admin_users[%d]: unknown role %q", i, u.Role)
		}
	}

	if c.Server.RateLimit.Enabled {
		if c.Server.RateLimit.Connect.RequestsPerMinute < 0 ||
			c.Server.RateLimit.RPC.RequestsPerMinute < 0 {
			return fmt.Errorf("rate limits must not be negative")
		}
	}

	return nil
}

// MaxMessageBytes parses server.max_message_size ("1MiB", "512k", ...).
func (c *Config) MaxMessageBytes() (int64, error) {
	return c.Server.MaxMessageBytes()
}

// MaxMessageBytes parses MaxMessageSize ("1MiB", "512k", ...).
func (c *ServerConfig) MaxMessageBytes() (int64, error) {
	n, err := units.RAMInBytes(c.MaxMessageSize)
	if err != nil {
		return 0, fmt.Errorf(
			"server.max_message_size: invalid size %q: %w",
			c.MaxMessageSize, err,
		)
	}

	if n <= 0 {
		return 0, fmt.Errorf("server.max_message_size must be positive")
	}

	return n, nil
}

// SessionTTL returns the parsed session lifetime.
func (c *Config) SessionTTL() time.Duration {
	return mustDuration(c.Session.TTL, DefaultSessionTTL)
}

// CleanupInterval returns the parsed session sweep interval.
func (c *Config) CleanupInterval() time.Duration {
	return mustDuration(c.Session.CleanupInterval, DefaultCleanupInterval)
}

// ChallengeTTL returns the parsed passkey challenge lifetime.
func (c *Config) ChallengeTTL() time.Duration {
	return mustDuration(c.Passkey.ChallengeTTL, DefaultChallengeTTL)
}

// mustDuration parses value, falling back to def. Validate rejects bad
// values before this is reached in normal start-up.
func mustDuration(value, def string) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		d, _ = time.ParseDuration(def)
	}

	return d
}
