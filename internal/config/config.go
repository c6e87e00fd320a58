package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Config holds all configuration for a netbind process
type Config struct {
	Server      ServerConfig
	Database    DatabaseConfig
	Auth        AuthConfig
	Replication ReplicationConfig
	RateLimit   RateLimitConfig
	Logging     LoggingConfig
}

// ServerConfig holds server-specific configuration
type ServerConfig struct {
	Host         string        `validate:"required"`
	Port         string        `validate:"required,numeric"`
	ReadTimeout  time.Duration `validate:"gt=0"`
	WriteTimeout time.Duration `validate:"gt=0"`
	IdleTimeout  time.Duration `validate:"gt=0"`
	Environment  string        `validate:"oneof=development staging production test"`

	// AllowedOrigins lists browser origins accepted on websocket upgrades.
	// Requests without an Origin header are always accepted.
	AllowedOrigins []string
}

// DatabaseConfig holds database connection configuration. Without a
// database the server keeps static ids and context sequences in memory.
type DatabaseConfig struct {
	Enabled         bool
	Host            string
	Port            int    `validate:"min=1,max=65535"`
	User            string
	Password        string `validate:"required_if=Enabled true"`
	Database        string
	SSLMode         string `validate:"oneof=disable allow prefer require verify-ca verify-full"`
	MaxConnections  int    `validate:"min=1"`
	MaxIdleConns    int    `validate:"min=0"`
	ConnMaxLifetime time.Duration
}

// AuthConfig holds peer authentication configuration
type AuthConfig struct {
	JWTSecret           string        `validate:"required,min=16"`
	PeerTokenExpiration time.Duration `validate:"gt=0"`
	// PeerSecretHash is the bcrypt hash of the shared secret peers present
	// when joining.
	PeerSecretHash string `validate:"required"`
	BCryptCost     int    `validate:"min=4,max=31"`
}

// ReplicationConfig holds replica manager configuration
type ReplicationConfig struct {
	ServerPeerID  uint32        `validate:"min=1,max=16777215"`
	TickInterval  time.Duration `validate:"gt=0"`
	LevelManifest string
	MaxFrameBytes int64 `validate:"min=4096"`
}

// RateLimitConfig holds limiter rates in ulule format, e.g. "10-M"
type RateLimitConfig struct {
	JoinRate  string `validate:"required"`
	FrameRate string `validate:"required"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level      string `validate:"oneof=trace debug info warn error fatal panic disabled"`
	Format     string `validate:"oneof=json console"`
	OutputPath string
}

var defaultAllowedOrigins = []string{
	"http://localhost:3000",
	"http://127.0.0.1:3000",
}

// Load reads configuration from environment variables and .env file
// The .env file is loaded from the current working directory
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Debug().Err(err).Msg(".env file not found, using environment only")
	}

	config := &Config{
		Server: ServerConfig{
			Host:           getEnv("SERVER_HOST", "0.0.0.0"),
			Port:           getEnv("SERVER_PORT", "8080"),
			ReadTimeout:    getDurationEnv("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:   getDurationEnv("SERVER_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:    getDurationEnv("SERVER_IDLE_TIMEOUT", 60*time.Second),
			Environment:    getEnv("ENVIRONMENT", "development"),
			AllowedOrigins: getListEnv("SERVER_ALLOWED_ORIGINS", defaultAllowedOrigins),
		},
		Database: DatabaseConfig{
			Enabled:         getBoolEnv("DB_ENABLED", false),
			Host:            getEnv("DB_HOST", "localhost"),
			Port:            getIntEnv("DB_PORT", 5432),
			User:            getEnv("DB_USER", "postgres"),
			Password:        getEnv("DB_PASSWORD", ""),
			Database:        getEnv("DB_NAME", "netbind_dev"),
			SSLMode:         getEnv("DB_SSLMODE", "disable"),
			MaxConnections:  getIntEnv("DB_MAX_CONNECTIONS", 10),
			MaxIdleConns:    getIntEnv("DB_MAX_IDLE_CONNS", 2),
			ConnMaxLifetime: getDurationEnv("DB_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Auth: AuthConfig{
			JWTSecret:           getEnv("JWT_SECRET", ""),
			PeerTokenExpiration: getDurationEnv("PEER_TOKEN_EXPIRATION", time.Hour),
			PeerSecretHash:      getEnv("PEER_SECRET_HASH", ""),
			BCryptCost:          getIntEnv("BCRYPT_COST", 10),
		},
		Replication: ReplicationConfig{
			ServerPeerID:  uint32(getIntEnv("REPLICA_SERVER_PEER_ID", 1)),
			TickInterval:  getDurationEnv("REPLICA_TICK_INTERVAL", 50*time.Millisecond),
			LevelManifest: getEnv("REPLICA_LEVEL_MANIFEST", ""),
			MaxFrameBytes: int64(getIntEnv("REPLICA_MAX_FRAME_BYTES", 1<<20)),
		},
		RateLimit: RateLimitConfig{
			JoinRate:  getEnv("RATE_LIMIT_JOIN", "10-M"),
			FrameRate: getEnv("RATE_LIMIT_FRAMES", "200-S"),
		},
		Logging: LoggingConfig{
			Level:      strings.ToLower(getEnv("LOG_LEVEL", "info")),
			Format:     getEnv("LOG_FORMAT", "json"),
			OutputPath: getEnv("LOG_OUTPUT_PATH", ""),
		},
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

var validate = validator.New()

// Validate checks every section against its validation tags
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
	}
	return errors.New(strings.Join(msgs, "; "))
}

// DatabaseURL returns a PostgreSQL connection string
func (c *DatabaseConfig) DatabaseURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User,
		c.Password,
		c.Host,
		c.Port,
		c.Database,
		c.SSLMode,
	)
}

// Address returns host:port for the HTTP listener
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%s", c.Host, c.Port)
}

// IsDevelopment returns true if running in development mode
func (c *ServerConfig) IsDevelopment() bool {
	return c.Environment == "development"
}

// IsProduction returns true if running in production mode
func (c *ServerConfig) IsProduction() bool {
	return c.Environment == "production"
}

// Helper functions for environment variable access

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getListEnv(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func getIntEnv(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	intValue, err := strconv.Atoi(value)
	if err != nil {
		log.Warn().Str("key", key).Str("value", value).Int("default", defaultValue).Msg("invalid integer value, using default")
		return defaultValue
	}
	return intValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		log.Warn().Str("key", key).Str("value", value).Bool("default", defaultValue).Msg("invalid boolean value, using default")
		return defaultValue
	}
	return b
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	duration, err := time.ParseDuration(value)
	if err != nil {
		log.Warn().Str("key", key).Str("value", value).Dur("default", defaultValue).Msg("invalid duration value, using default")
		return defaultValue
	}
	return duration
}
