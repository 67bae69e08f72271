package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds application configuration loaded from environment.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	JWT      JWTConfig
	Realtime RealtimeConfig
	Client   ClientConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port               string `env:"PORT" envDefault:"8080"`
	ReadTimeout        int    `env:"READ_TIMEOUT_SEC" envDefault:"30"`
	WriteTimeout       int    `env:"WRITE_TIMEOUT_SEC" envDefault:"30"`
	CORSAllowedOrigins string `env:"CORS_ALLOWED_ORIGINS" envDefault:"http://localhost:3000"` // comma-separated, or "*"
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	URL      string `env:"DATABASE_URL"` // if set, used as-is
	Host     string `env:"DB_HOST" envDefault:"localhost"`
	Port     string `env:"DB_PORT" envDefault:"5432"`
	User     string `env:"DB_USER" envDefault:"postgres"`
	Password string `env:"DB_PASSWORD" envDefault:"postgres"`
	DBName   string `env:"DB_NAME" envDefault:"watchparty"`
	SSLMode  string `env:"DB_SSLMODE" envDefault:"disable"`
}

// RedisConfig holds Redis connection settings. Empty Addr runs the realtime
// hub single-instance with in-memory presence.
type RedisConfig struct {
	Addr     string `env:"REDIS_ADDR"`
	Password string `env:"REDIS_PASSWORD"`
	DB       int    `env:"REDIS_DB" envDefault:"0"`
}

// JWTConfig holds settings for validating identity-provider tokens.
type JWTConfig struct {
	Secret      string `env:"JWT_SECRET" envDefault:"change-me-in-production"`
	ExpireHours int    `env:"JWT_EXPIRE_HOURS" envDefault:"24"`
}

// RealtimeConfig tunes the websocket substrate.
type RealtimeConfig struct {
	PresenceSyncInterval time.Duration `env:"PRESENCE_SYNC_INTERVAL" envDefault:"15s"`
	PresenceTTL          time.Duration `env:"PRESENCE_TTL" envDefault:"45s"`
	SendBuffer           int           `env:"WS_SEND_BUFFER" envDefault:"256"`
}

// ClientConfig is read by the headless party client.
type ClientConfig struct {
	ServerURL string `env:"PARTY_SERVER_URL" envDefault:"http://localhost:8080"`
	Token     string `env:"PARTY_TOKEN"`
	PageURL   string `env:"PARTY_PAGE_URL" envDefault:"http://localhost:3000/watch/tv/1399"`
	GuestName string `env:"PARTY_GUEST_NAME"`
	// PartyID joins this party directly, overriding a party id in PageURL.
	PartyID string `env:"PARTY_ID"`
	// Media a new party is created for when PageURL carries no party id.
	MediaKind string `env:"PARTY_MEDIA_KIND" envDefault:"tv"`
	TMDBID    string `env:"PARTY_TMDB_ID" envDefault:"1399"`
}

// DSN returns the PostgreSQL connection string.
// If DatabaseConfig.URL is set (e.g. DATABASE_URL env), it is used as-is; otherwise built from components.
func (c DatabaseConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode,
	)
}

// Load reads configuration from environment, with optional .env file.
func Load() (*Config, error) {
	_ = godotenv.Load() // .env

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if cfg.Realtime.PresenceSyncInterval <= 0 {
		return nil, fmt.Errorf("PRESENCE_SYNC_INTERVAL must be positive")
	}
	if cfg.Realtime.PresenceTTL < cfg.Realtime.PresenceSyncInterval {
		cfg.Realtime.PresenceTTL = 3 * cfg.Realtime.PresenceSyncInterval
	}
	return &cfg, nil
}
