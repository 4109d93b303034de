package config

import (
	"fmt"
	"time"

	pkgconfig "github.com/jockeBjers/isolApi/pkg/config"
	"github.com/jockeBjers/isolApi/pkg/database"
	"github.com/jockeBjers/isolApi/pkg/middleware"
	"github.com/jockeBjers/isolApi/services/auth/internal/domain"
	"github.com/jockeBjers/isolApi/services/auth/internal/lockout"
	"github.com/jockeBjers/isolApi/services/auth/internal/service"
	"github.com/jockeBjers/isolApi/services/auth/internal/token"
)

// Store drivers.
const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

// Config holds all configuration for the auth service.
type Config struct {
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`

	// HTTP server
	HTTPPort int `env:"AUTH_HTTP_PORT" envDefault:"8080"`

	// Storage
	StoreDriver string `env:"STORE_DRIVER" envDefault:"postgres"`

	// PostgreSQL
	PostgresHost          string `env:"POSTGRES_HOST" envDefault:"localhost"`
	PostgresPort          int    `env:"POSTGRES_PORT" envDefault:"5432"`
	PostgresUser          string `env:"POSTGRES_USER" envDefault:"isol"`
	PostgresPass          string `env:"POSTGRES_PASSWORD" envDefault:"isol_secret"`
	PostgresDB            string `env:"AUTH_DB_NAME" envDefault:"isol_auth"`
	PostgresSSL           string `env:"POSTGRES_SSL_MODE" envDefault:"disable"`
	DBMaxConns            int32  `env:"DB_MAX_CONNS" envDefault:"20"`
	DBMinConns            int32  `env:"DB_MIN_CONNS" envDefault:"2"`
	DBMaxConnLifetimeMins int    `env:"DB_MAX_CONN_LIFETIME_MINS" envDefault:"60"`
	DBMaxConnIdleTimeMins int    `env:"DB_MAX_CONN_IDLE_TIME_MINS" envDefault:"30"`
	SlowQueryThresholdMs  int    `env:"SLOW_QUERY_THRESHOLD_MS" envDefault:"200"`

	// Redis
	RedisEnabled  bool   `env:"REDIS_ENABLED" envDefault:"false"`
	RedisHost     string `env:"REDIS_HOST" envDefault:"localhost"`
	RedisPort     int    `env:"REDIS_PORT" envDefault:"6379"`
	RedisPassword string `env:"REDIS_PASSWORD" envDefault:""`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	// Login throttling per client IP
	RateLimitRequests int           `env:"RATE_LIMIT_LOGIN_REQUESTS" envDefault:"10"`
	RateLimitWindow   time.Duration `env:"RATE_LIMIT_LOGIN_WINDOW" envDefault:"1m"`

	// Kafka
	KafkaEnabled bool     `env:"KAFKA_ENABLED" envDefault:"false"`
	KafkaBrokers []string `env:"KAFKA_BROKERS" envDefault:"localhost:9092" envSeparator:","`

	// OpenTelemetry
	OTELEnabled    bool    `env:"OTEL_ENABLED" envDefault:"false"`
	OTELEndpoint   string  `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:"localhost:4318"`
	OTELSampleRate float64 `env:"OTEL_SAMPLE_RATE" envDefault:"1.0"`

	// Tokens
	JWTSigningKey   string        `env:"JWT_SIGNING_KEY"`
	JWTIssuer       string        `env:"JWT_ISSUER" envDefault:"isol-auth"`
	JWTAudience     string        `env:"JWT_AUDIENCE" envDefault:"isol-api"`
	AccessTokenTTL  time.Duration `env:"JWT_ACCESS_TOKEN_TTL" envDefault:"15m"`
	RefreshTokenTTL time.Duration `env:"REFRESH_TOKEN_TTL" envDefault:"168h"`

	// Credentials and lockout
	LockoutMaxFailedAttempts int           `env:"LOCKOUT_MAX_FAILED_ATTEMPTS" envDefault:"5"`
	LockoutDuration          time.Duration `env:"LOCKOUT_DURATION" envDefault:"15m"`
	BcryptCost               int           `env:"AUTH_BCRYPT_COST" envDefault:"12"`

	// CORS
	CORSAllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS" envDefault:"*" envSeparator:","`

	// Proxies whose X-Forwarded-For is believed when keying rate limits.
	// Empty means the TCP peer is always the client.
	TrustedProxies []string `env:"TRUSTED_PROXIES" envSeparator:","`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := pkgconfig.Load(cfg); err != nil {
		return nil, fmt.Errorf("load auth config: %w", err)
	}
	return cfg, nil
}

// Validate checks ranges and the auth settings. Auth problems wrap
// domain.ErrConfiguration.
func (c *Config) Validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.HTTPPort)
	}

	switch c.StoreDriver {
	case StorePostgres:
	case StoreMemory:
		if c.Environment != "development" {
			return fmt.Errorf("STORE_DRIVER=%s is only allowed in development, not %q", StoreMemory, c.Environment)
		}
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver)
	}

	if c.RateLimitRequests < 1 || c.RateLimitWindow <= 0 {
		return fmt.Errorf("rate limit must allow at least one request per positive window, got %d per %s",
			c.RateLimitRequests, c.RateLimitWindow)
	}
	if c.OTELSampleRate < 0 || c.OTELSampleRate > 1 {
		return fmt.Errorf("OTEL_SAMPLE_RATE must be within [0, 1], got %v", c.OTELSampleRate)
	}
	if _, err := c.Proxies(); err != nil {
		return fmt.Errorf("TRUSTED_PROXIES: %w", err)
	}

	if len(c.JWTSigningKey) < token.MinKeyBytes {
		return fmt.Errorf("%w: JWT_SIGNING_KEY must be at least %d bytes, got %d",
			domain.ErrConfiguration, token.MinKeyBytes, len(c.JWTSigningKey))
	}
	if c.AccessTokenTTL <= 0 || c.RefreshTokenTTL <= 0 {
		return fmt.Errorf("%w: token lifetimes must be positive", domain.ErrConfiguration)
	}
	return c.AuthSettings().Lockout.Validate()
}

// Proxies parses TrustedProxies.
func (c *Config) Proxies() (middleware.TrustedProxies, error) {
	return middleware.ParseTrustedProxies(c.TrustedProxies)
}

// AuthSettings returns the immutable settings the authenticator is built
// from.
func (c *Config) AuthSettings() service.Settings {
	return service.Settings{
		SigningKey:      []byte(c.JWTSigningKey),
		Issuer:          c.JWTIssuer,
		Audience:        c.JWTAudience,
		AccessTokenTTL:  c.AccessTokenTTL,
		RefreshTokenTTL: c.RefreshTokenTTL,
		Lockout: lockout.Policy{
			MaxFailedAttempts: c.LockoutMaxFailedAttempts,
			LockoutDuration:   c.LockoutDuration,
		},
		BcryptCost: c.BcryptCost,
	}
}

// Postgres returns the connection pool settings.
func (c *Config) Postgres() database.PostgresConfig {
	return database.PostgresConfig{
		Host:            c.PostgresHost,
		Port:            c.PostgresPort,
		User:            c.PostgresUser,
		Password:        c.PostgresPass,
		DBName:          c.PostgresDB,
		SSLMode:         c.PostgresSSL,
		MaxConns:        c.DBMaxConns,
		MinConns:        c.DBMinConns,
		MaxConnLifetime: time.Duration(c.DBMaxConnLifetimeMins) * time.Minute,
		MaxConnIdleTime: time.Duration(c.DBMaxConnIdleTimeMins) * time.Minute,
	}
}

// Redis returns the Redis client settings.
func (c *Config) Redis() database.RedisConfig {
	rc := database.DefaultRedisConfig()
	rc.Host = c.RedisHost
	rc.Port = c.RedisPort
	rc.Password = c.RedisPassword
	rc.DB = c.RedisDB
	return rc
}
