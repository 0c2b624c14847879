package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all collector configuration, sourced from the
// environment. A .env file is honored in development.
type Config struct {
	Port string
	Env  string

	PostgresDSN string
	RedisURL    string

	AuthSecret string
	MintKey    string
	TokenTTL   time.Duration

	SweepInterval      time.Duration
	StableThreshold    time.Duration
	CacheTTL           time.Duration
	SessionGracePeriod time.Duration

	RateBurst  int
	RatePerSec int
}

// Load reads configuration from environment variables. It returns an
// error when required production settings are missing rather than
// starting a collector that would lose data later.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:        getEnv("SCRIBA_PORT", "8080"),
		Env:         getEnv("SCRIBA_ENV", "development"),
		PostgresDSN: os.Getenv("SCRIBA_PG_DSN"),
		RedisURL:    os.Getenv("SCRIBA_REDIS_URL"),
		AuthSecret:  os.Getenv("SCRIBA_AUTH_SECRET"),
		MintKey:     os.Getenv("SCRIBA_MINT_KEY"),
	}

	var err error
	if cfg.TokenTTL, err = getDuration("SCRIBA_TOKEN_TTL", 30*time.Minute); err != nil {
		return nil, err
	}
	if cfg.SweepInterval, err = getDuration("SCRIBA_SWEEP_INTERVAL", 15*time.Second); err != nil {
		return nil, err
	}
	if cfg.StableThreshold, err = getDuration("SCRIBA_STABLE_THRESHOLD", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.CacheTTL, err = getDuration("SCRIBA_CACHE_TTL", 2*time.Hour); err != nil {
		return nil, err
	}
	if cfg.SessionGracePeriod, err = getDuration("SCRIBA_SESSION_GRACE", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.RateBurst, err = getInt("SCRIBA_RATE_BURST", 50); err != nil {
		return nil, err
	}
	if cfg.RatePerSec, err = getInt("SCRIBA_RATE_PER_SEC", 25); err != nil {
		return nil, err
	}

	if cfg.AuthSecret == "" {
		return nil, fmt.Errorf("SCRIBA_AUTH_SECRET is required")
	}
	if cfg.IsProduction() {
		if cfg.PostgresDSN == "" {
			return nil, fmt.Errorf("SCRIBA_PG_DSN is required in production")
		}
		if cfg.MintKey == "" {
			return nil, fmt.Errorf("SCRIBA_MINT_KEY is required in production")
		}
	}
	return cfg, nil
}

// IsProduction reports whether the collector runs in production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDuration(key string, def time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func getInt(key string, def int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return v, nil
}
