package config

// ServerConfig contains HTTP/WebSocket listener settings.
type ServerConfig struct {
	Listen string `yaml:"listen" mapstructure:"listen"`
	// AllowedOrigins is checked against the Origin header of every
	// WebSocket connection. An empty list allows all origins.
	AllowedOrigins []string        `yaml:"allowed_origins,omitempty" mapstructure:"allowed_origins"`
	MaxMessageSize string          `yaml:"max_message_size,omitempty" mapstructure:"max_message_size"`
	RateLimit      RateLimitConfig `yaml:"rate_limit,omitempty" mapstructure:"rate_limit"`
}

// RateLimitConfig configures connection and RPC rate limiting.
type RateLimitConfig struct {
	Enabled bool          `yaml:"enabled" mapstructure:"enabled"`
	Connect RateLimitTier `yaml:"connect,omitempty" mapstructure:"connect"`
	RPC     RateLimitTier `yaml:"rpc,omitempty" mapstructure:"rpc"`
}

// RateLimitTier defines request limits for a specific tier.
type RateLimitTier struct {
	RequestsPerMinute int `yaml:"requests_per_minute" mapstructure:"requests_per_minute"`
}

// DatabaseConfig contains database connection settings.
type DatabaseConfig struct {
	Driver   string               `yaml:"driver" mapstructure:"driver"`
	SQLite   SQLiteDatabaseConfig `yaml:"sqlite,omitempty" mapstructure:"sqlite"`
	Postgres PostgresConfig       `yaml:"postgres,omitempty" mapstructure:"postgres"`
}

// SQLiteDatabaseConfig contains SQLite-specific settings.
type SQLiteDatabaseConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string `yaml:"host" mapstructure:"host"`
	Port     int    `yaml:"port" mapstructure:"port"`
	User     string `yaml:"user" mapstructure:"user"`
	Password string `yaml:"password" mapstructure:"password"`
	Database string `yaml:"database" mapstructure:"database"`
	SSLMode  string `yaml:"ssl_mode,omitempty" mapstructure:"ssl_mode"`
}

// PasskeyConfig describes the WebAuthn relying party.
type PasskeyConfig struct {
	RPID          string   `yaml:"rp_id" mapstructure:"rp_id"`
	RPDisplayName string   `yaml:"rp_display_name" mapstructure:"rp_display_name"`
	RPOrigins     []string `yaml:"rp_origins,omitempty" mapstructure:"rp_origins"`
	ChallengeTTL  string   `yaml:"challenge_ttl" mapstructure:"challenge_ttl"`
}

// SessionConfig contains session lifetime settings.
type SessionConfig struct {
	TTL             string `yaml:"ttl" mapstructure:"ttl"`
	CleanupInterval string `yaml:"cleanup_interval" mapstructure:"cleanup_interval"`
}

// AuditConfig controls the audit log and its optional S3 archive.
type AuditConfig struct {
	Enabled bool                `yaml:"enabled" mapstructure:"enabled"`
	Archive *AuditArchiveConfig `yaml:"archive,omitempty" mapstructure:"archive"`
}

// AuditArchiveConfig exports aged audit entries to S3-compatible storage
// and removes them from the database afterwards.
type AuditArchiveConfig struct {
	Enabled         bool   `yaml:"enabled" mapstructure:"enabled"`
	Interval        string `yaml:"interval,omitempty" mapstructure:"interval"`
	Retention       string `yaml:"retention,omitempty" mapstructure:"retention"`
	EndpointURL     string `yaml:"endpoint_url,omitempty" mapstructure:"endpoint_url"`
	Region          string `yaml:"region,omitempty" mapstructure:"region"`
	Bucket          string `yaml:"bucket" mapstructure:"bucket"`
	Prefix          string `yaml:"prefix,omitempty" mapstructure:"prefix"`
	AccessKeyID     string `yaml:"access_key_id,omitempty" mapstructure:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty" mapstructure:"secret_access_key"`
	ForcePathStyle  bool   `yaml:"force_path_style" mapstructure:"force_path_style"`
}

// AdminUser is a bootstrap user seeded on start-up.
type AdminUser struct {
	DisplayName string `yaml:"display_name" mapstructure:"display_name"`
	Email       string `yaml:"email" mapstructure:"email"`
	Role        string `yaml:"role,omitempty" mapstructure:"role"`
}
