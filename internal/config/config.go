package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all application configuration.
type Config struct {
	Server        ServerConfig
	Storage       StorageConfig
	Database      DatabaseConfig
	Auth          AuthConfig
	Guest         GuestConfig
	Links         LinksConfig
	App           AppConfig
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port            string        `envconfig:"SERVER_PORT" required:"true"`
	Host            string        `envconfig:"SERVER_HOST" required:"true"`
	BaseURL         string        `envconfig:"SERVER_BASE_URL" required:"true"`
	ReadTimeout     time.Duration `envconfig:"SERVER_READ_TIMEOUT" required:"true"`
	WriteTimeout    time.Duration `envconfig:"SERVER_WRITE_TIMEOUT" required:"true"`
	IdleTimeout     time.Duration `envconfig:"SERVER_IDLE_TIMEOUT" required:"true"`
	ShutdownTimeout time.Duration `envconfig:"SERVER_SHUTDOWN_TIMEOUT" required:"true"`
	CORSOrigins     []string      `envconfig:"SERVER_CORS_ORIGINS"` // empty allows any origin
	SecureCookies   bool          `envconfig:"SERVER_SECURE_COOKIES" default:"false"`
}

// Validate validates the server configuration.
func (c *ServerConfig) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("port cannot be empty")
	}
	if c.Host == "" {
		return fmt.Errorf("host cannot be empty")
	}
	if c.BaseURL == "" {
		return fmt.Errorf("base URL cannot be empty")
	}
	if c.ReadTimeout <= 0 {
		return fmt.Errorf("read timeout must be positive")
	}
	if c.WriteTimeout <= 0 {
		return fmt.Errorf("write timeout must be positive")
	}
	if c.IdleTimeout <= 0 {
		return fmt.Errorf("idle timeout must be positive")
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("shutdown timeout must be positive")
	}
	return nil
}

// Storage drivers.
const (
	DriverMemory   = "memory"
	DriverBadger   = "badger"
	DriverPostgres = "postgres"
)

// StorageConfig selects where users and links are persisted.
type StorageConfig struct {
	Driver     string `envconfig:"STORAGE_DRIVER" default:"memory"` // memory, badger, postgres
	BadgerPath string `envconfig:"BADGER_PATH"`
}

// Validate validates the storage configuration.
func (c *StorageConfig) Validate() error {
	switch c.Driver {
	case DriverMemory, DriverPostgres:
		return nil
	case DriverBadger:
		if c.BadgerPath == "" {
			return fmt.Errorf("badger path is required when driver is badger")
		}
		return nil
	default:
		return fmt.Errorf("invalid storage driver: %s (must be one of: memory, badger, postgres)", c.Driver)
	}
}

// DatabaseConfig holds database connection configuration. It is only read
// when the storage driver is postgres.
type DatabaseConfig struct {
	Host     string `envconfig:"DB_HOST" required:"true"`
	Port     string `envconfig:"DB_PORT" required:"true"`
	User     string `envconfig:"DB_USER" required:"true"`
	Password string `envconfig:"DB_PASSWORD" required:"true"`
	Name     string `envconfig:"DB_NAME" required:"true"`
	SSLMode  string `envconfig:"DB_SSLMODE" required:"true"`
	MaxConns int32  `envconfig:"DB_MAX_CONNS" required:"true"`
	MinConns int32  `envconfig:"DB_MIN_CONNS" required:"true"`
}

// Validate validates the database configuration.
func (c *DatabaseConfig) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("host cannot be empty")
	}
	if c.Port == "" {
		return fmt.Errorf("port cannot be empty")
	}
	if c.User == "" {
		return fmt.Errorf("user cannot be empty")
	}
	if c.Password == "" {
		return fmt.Errorf("password cannot be empty")
	}
	if c.Name == "" {
		return fmt.Errorf("database name cannot be empty")
	}
	if c.MaxConns <= 0 {
		return fmt.Errorf("max connections must be positive")
	}
	if c.MinConns <= 0 {
		return fmt.Errorf("min connections must be positive")
	}
	if c.MinConns > c.MaxConns {
		return fmt.Errorf("min connections (%d) cannot be greater than max connections (%d)", c.MinConns, c.MaxConns)
	}

	validSSLModes := map[string]bool{
		"disable":     true,
		"require":     true,
		"verify-ca":   true,
		"verify-full": true,
	}
	if !validSSLModes[c.SSLMode] {
		return fmt.Errorf("invalid SSL mode: %s (must be one of: disable, require, verify-ca, verify-full)", c.SSLMode)
	}
	return nil
}

// ConnectionString returns the PostgreSQL connection string.
func (c *DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// AuthConfig holds token and credential settings, plus the optional owner
// account created on first start.
type AuthConfig struct {
	JWTSecret     string        `envconfig:"AUTH_JWT_SECRET" required:"true"`
	TokenTTL      time.Duration `envconfig:"AUTH_TOKEN_TTL" default:"24h"`
	BcryptCost    int           `envconfig:"AUTH_BCRYPT_COST" default:"10"`
	OwnerEmail    string        `envconfig:"BOOTSTRAP_OWNER_EMAIL"`
	OwnerPassword string        `envconfig:"BOOTSTRAP_OWNER_PASSWORD"`
	OwnerName     string        `envconfig:"BOOTSTRAP_OWNER_NAME" default:"Owner"`
}

// Validate validates the auth configuration.
func (c *AuthConfig) Validate() error {
	if len(c.JWTSecret) < 32 {
		return fmt.Errorf("jwt secret must be at least 32 bytes")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("token ttl must be positive")
	}
	if c.BcryptCost < 4 || c.BcryptCost > 31 {
		return fmt.Errorf("bcrypt cost must be between 4 and 31, got %d", c.BcryptCost)
	}
	if (c.OwnerEmail == "") != (c.OwnerPassword == "") {
		return fmt.Errorf("bootstrap owner needs both email and password")
	}
	return nil
}

// Guest session backends.
const (
	SessionsMemory = "memory"
	SessionsRedis  = "redis"
)

// GuestConfig selects where guest session ids are kept.
type GuestConfig struct {
	SessionBackend  string        `envconfig:"GUEST_SESSION_BACKEND" default:"memory"` // memory, redis
	JanitorInterval time.Duration `envconfig:"GUEST_JANITOR_INTERVAL" default:"10m"`
	RedisAddr       string        `envconfig:"REDIS_ADDR"`
	RedisPassword   string        `envconfig:"REDIS_PASSWORD"`
	RedisDB         int           `envconfig:"REDIS_DB" default:"0"`
}

// Validate validates the guest configuration.
func (c *GuestConfig) Validate() error {
	switch c.SessionBackend {
	case SessionsMemory:
		if c.JanitorInterval <= 0 {
			return fmt.Errorf("janitor interval must be positive")
		}
	case SessionsRedis:
		if c.RedisAddr == "" {
			return fmt.Errorf("redis address is required when session backend is redis")
		}
		if c.RedisDB < 0 {
			return fmt.Errorf("redis db cannot be negative")
		}
	default:
		return fmt.Errorf("invalid guest session backend: %s (must be one of: memory, redis)", c.SessionBackend)
	}
	return nil
}

// LinksConfig tunes slug generation and click bucketing.
type LinksConfig struct {
	SlugLength     int    `envconfig:"SLUG_LENGTH" default:"6"`
	ClicksTimezone string `envconfig:"CLICKS_TIMEZONE" default:"Local"`
}

// Validate validates the links configuration.
func (c *LinksConfig) Validate() error {
	if c.SlugLength < 3 || c.SlugLength > 64 {
		return fmt.Errorf("slug length must be between 3 and 64, got %d", c.SlugLength)
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	return nil
}

// Location returns the time zone used to bucket clicks into days.
func (c *LinksConfig) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.ClicksTimezone)
	if err != nil {
		return nil, fmt.Errorf("invalid clicks timezone %q: %w", c.ClicksTimezone, err)
	}
	return loc, nil
}

// AppConfig holds application-specific configuration.
type AppConfig struct {
	Environment string `envconfig:"APP_ENV" required:"true"`   // development, staging, production, test
	LogLevel    string `envconfig:"LOG_LEVEL" required:"true"` // debug, info, warn, error
}

// Validate validates the app configuration.
func (c *AppConfig) Validate() error {
	validEnvs := map[string]bool{
		"development": true,
		"staging":     true,
		"production":  true,
		"test":        true,
	}
	if !validEnvs[c.Environment] {
		return fmt.Errorf("invalid environment: %s (must be one of: development, staging, production, test)", c.Environment)
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("invalid log level: %s (must be one of: debug, info, warn, error)", c.LogLevel)
	}
	return nil
}

// ObservabilityConfig holds configuration for the metrics endpoint.
type ObservabilityConfig struct {
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"`
	MetricsPath    string `envconfig:"METRICS_PATH" default:"/metrics"`
	ServiceName    string `envconfig:"SERVICE_NAME" default:"short-link"`
	ServiceVersion string `envconfig:"SERVICE_VERSION" default:"dev"`
}

// Validate validates the observability configuration.
func (c *ObservabilityConfig) Validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("service name cannot be empty")
	}
	if c.MetricsEnabled && (c.MetricsPath == "" || c.MetricsPath[0] != '/') {
		return fmt.Errorf("metrics path must start with /, got %q", c.MetricsPath)
	}
	return nil
}

type section interface {
	Validate() error
}

// Load loads configuration from environment variables only.
// (Do .env loading in internal/app for dev, not here.)
func Load() (*Config, error) {
	cfg := &Config{}

	if err := load("Server", &cfg.Server); err != nil {
		return nil, err
	}
	if err := load("Storage", &cfg.Storage); err != nil {
		return nil, err
	}
	if cfg.Storage.Driver == DriverPostgres {
		if err := load("Database", &cfg.Database); err != nil {
			return nil, err
		}
	}
	if err := load("Auth", &cfg.Auth); err != nil {
		return nil, err
	}
	if err := load("Guest", &cfg.Guest); err != nil {
		return nil, err
	}
	if err := load("Links", &cfg.Links); err != nil {
		return nil, err
	}
	if err := load("App", &cfg.App); err != nil {
		return nil, err
	}
	if err := load("Observability", &cfg.Observability); err != nil {
		return nil, err
	}

	return cfg, nil
}

func load(name string, s section) error {
	if err := envconfig.Process("", s); err != nil {
		return fmt.Errorf("failed to load %s config: %w", name, err)
	}
	if err := s.Validate(); err != nil {
		return fmt.Errorf("invalid %s config: %w", name, err)
	}
	return nil
}
