// Package config loads the server settings from an optional .env file, an
// optional TOML file and the environment, in that order of increasing priority.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

const (
	ModeDebug   = "debug"
	ModeRelease = "release"

	BackendSQL   = "sql"
	BackendRedis = "redis"

	// the TOML file, when set
	configFileEnv = "EXAMD_CONFIG"
)

type Config struct {
	// server
	Port        string        `toml:"port"`
	Mode        string        `toml:"mode"`
	HTTPTimeout time.Duration `toml:"http_timeout"`

	// storage
	DBDriver       string `toml:"db_driver"`
	DatabaseDSN    string `toml:"database_dsn"`
	SessionBackend string `toml:"session_backend"`
	RedisAddr      string `toml:"redis_addr"`
	RedisPassword  string `toml:"redis_password"`

	// sessions and CSRF
	SecretKey          string   `toml:"secret_key"`
	PreviousSecretKeys []string `toml:"previous_secret_keys"`
	SessionMaxAge      int      `toml:"session_max_age"` // seconds
	SecureCookies      bool     `toml:"secure_cookies"`
	CSRFExemptPaths    []string `toml:"csrf_exempt_paths"`
	LoginRatePerMinute int      `toml:"login_rate_per_minute"`

	// logging
	LogLevel  string `toml:"log_level"`
	LogPretty bool   `toml:"log_pretty"`
}

// Defaults is the configuration before any file or variable is read.
func Defaults() *Config {
	return &Config{
		Port:               "8000",
		Mode:               ModeDebug,
		HTTPTimeout:        30 * time.Second,
		DBDriver:           "sqlite3",
		DatabaseDSN:        "exams.db",
		SessionBackend:     BackendSQL,
		RedisAddr:          "127.0.0.1:6379",
		SessionMaxAge:      3600,
		CSRFExemptPaths:    []string{"/login/", "/register/"},
		LoginRatePerMinute: 10,
		LogLevel:           "info",
	}
}

// Load reads the configuration and validates it.
func Load() (*Config, error) {
	// a missing .env is fine
	_ = godotenv.Load()

	cfg := Defaults()
	if path := os.Getenv(configFileEnv); path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Port = getEnv("PORT", c.Port)
	c.Mode = getEnv("MODE", c.Mode)
	c.HTTPTimeout = getEnvAsDuration("HTTP_TIMEOUT", c.HTTPTimeout)

	c.DBDriver = getEnv("DB_DRIVER", c.DBDriver)
	c.DatabaseDSN = getEnv("DATABASE_DSN", c.DatabaseDSN)
	c.SessionBackend = getEnv("SESSION_BACKEND", c.SessionBackend)
	c.RedisAddr = getEnv("REDIS_ADDR", c.RedisAddr)
	c.RedisPassword = getEnv("REDIS_PASSWORD", c.RedisPassword)

	c.SecretKey = getEnv("SECRET_KEY", c.SecretKey)
	c.PreviousSecretKeys = getEnvAsList("PREVIOUS_SECRET_KEYS", c.PreviousSecretKeys)
	c.SessionMaxAge = getEnvAsInt("SESSION_MAX_AGE", c.SessionMaxAge)
	c.SecureCookies = getEnvAsBool("SECURE_COOKIES", c.SecureCookies)
	c.CSRFExemptPaths = getEnvAsList("CSRF_EXEMPT_PATHS", c.CSRFExemptPaths)
	c.LoginRatePerMinute = getEnvAsInt("LOGIN_RATE_PER_MINUTE", c.LoginRatePerMinute)

	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.LogPretty = getEnvAsBool("LOG_PRETTY", c.LogPretty)
}

// Validate rejects settings the server cannot start with.
func (c *Config) Validate() error {
	switch c.DBDriver {
	case "sqlite3", "postgres":
	default:
		return fmt.Errorf("DB_DRIVER must be sqlite3 or postgres, got %q", c.DBDriver)
	}
	switch c.SessionBackend {
	case BackendSQL, BackendRedis:
	default:
		return fmt.Errorf("SESSION_BACKEND must be sql or redis, got %q", c.SessionBackend)
	}
	switch c.Mode {
	case ModeDebug, ModeRelease:
	default:
		return fmt.Errorf("MODE must be debug or release, got %q", c.Mode)
	}
	if c.SessionMaxAge <= 0 {
		return errors.New("SESSION_MAX_AGE must be positive")
	}
	if c.Mode == ModeRelease && c.SecretKey == "" {
		return errors.New("SECRET_KEY is required in release mode")
	}
	return nil
}

// Secrets is the signing key followed by the keys still accepted for
// verification. In debug mode without a key a fixed development key is used.
func (c *Config) Secrets() []string {
	current := c.SecretKey
	if current == "" {
		current = "insecure-development-key"
	}
	return append([]string{current}, c.PreviousSecretKeys...)
}

func (c *Config) Addr() string {
	return ":" + c.Port
}

func getEnv(key string, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvAsInt(key string, defaultValue int) int {
	value, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	value, err := strconv.ParseBool(os.Getenv(key))
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	value, err := time.ParseDuration(os.Getenv(key))
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsList splits a comma separated variable, dropping empty items.
func getEnvAsList(key string, defaultValue []string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	var list []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			list = append(list, item)
		}
	}
	return list
}
