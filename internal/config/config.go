package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Store drivers.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"
)

// Config holds runtime configuration values for the API service.
type Config struct {
	AppName string
	AppEnv  string
	AppPort string

	JWTSecret string

	StoreDriver    string
	DatabaseURL    string
	SeedStore      bool
	ValidateGrades bool

	RedisURL string
	NATSURL  string

	RealtimeChannel string
	PingInterval    time.Duration
	PingTimeout     time.Duration
	PollTimeout     time.Duration
	OutboxSize      int

	RequireAuth bool
	RateLimit   int
	CORSOrigins string
}

// HTTPAddress returns the address the HTTP server should listen on.
func (c Config) HTTPAddress() string {
	if strings.HasPrefix(c.AppPort, ":") {
		return c.AppPort
	}

	return fmt.Sprintf(":%s", c.AppPort)
}

// Load reads configuration values from environment variables and optional .env file.
func Load() (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("GRADESYNC")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("app.name", "GradeSync API")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.port", "3001")
	v.SetDefault("store.driver", StoreMemory)
	v.SetDefault("store.seed", true)
	v.SetDefault("store.validate_grades", true)
	v.SetDefault("realtime.channel", "gradesync")
	v.SetDefault("realtime.ping_interval", "25s")
	v.SetDefault("realtime.ping_timeout", "60s")
	v.SetDefault("realtime.poll_timeout", "25s")
	v.SetDefault("realtime.outbox_size", 64)
	v.SetDefault("http.require_auth", false)
	v.SetDefault("http.rate_limit", 30)
	v.SetDefault("cors.origins", "*")

	pingInterval, err := parseDuration(v, "realtime.ping_interval")
	if err != nil {
		return Config{}, err
	}
	pingTimeout, err := parseDuration(v, "realtime.ping_timeout")
	if err != nil {
		return Config{}, err
	}
	pollTimeout, err := parseDuration(v, "realtime.poll_timeout")
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		AppName:         v.GetString("app.name"),
		AppEnv:          v.GetString("app.env"),
		AppPort:         v.GetString("app.port"),
		JWTSecret:       v.GetString("jwt.secret"),
		StoreDriver:     strings.ToLower(strings.TrimSpace(v.GetString("store.driver"))),
		DatabaseURL:     v.GetString("database.url"),
		SeedStore:       v.GetBool("store.seed"),
		ValidateGrades:  v.GetBool("store.validate_grades"),
		RedisURL:        v.GetString("redis.url"),
		NATSURL:         v.GetString("nats.url"),
		RealtimeChannel: v.GetString("realtime.channel"),
		PingInterval:    pingInterval,
		PingTimeout:     pingTimeout,
		PollTimeout:     pollTimeout,
		OutboxSize:      v.GetInt("realtime.outbox_size"),
		RequireAuth:     v.GetBool("http.require_auth"),
		RateLimit:       v.GetInt("http.rate_limit"),
		CORSOrigins:     v.GetString("cors.origins"),
	}

	if cfg.JWTSecret == "" {
		return Config{}, fmt.Errorf("jwt secret must be provided")
	}

	switch cfg.StoreDriver {
	case StoreMemory:
	case StorePostgres, StoreSQLite:
		if cfg.DatabaseURL == "" {
			return Config{}, fmt.Errorf("database url is required for the %s store", cfg.StoreDriver)
		}
	default:
		return Config{}, fmt.Errorf("unsupported store driver %q", cfg.StoreDriver)
	}

	if cfg.PingTimeout <= cfg.PingInterval {
		return Config{}, fmt.Errorf("realtime ping timeout must exceed the ping interval")
	}

	if cfg.OutboxSize <= 0 {
		cfg.OutboxSize = 64
	}

	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 30
	}

	return cfg, nil
}

func parseDuration(v *viper.Viper, key string) (time.Duration, error) {
	raw := strings.TrimSpace(v.GetString(key))
	duration, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if duration <= 0 {
		return 0, fmt.Errorf("invalid %s: must be positive", key)
	}
	return duration, nil
}
