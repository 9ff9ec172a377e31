// Package config loads server settings from .env, an optional TOML file and
// the environment, in that order of increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
)

// Duration reads TOML strings such as "30s".
type Duration time.Duration

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

type Config struct {
	Port              int      `toml:"port"`
	DatabaseURL       string   `toml:"database_url"`
	JWTSecret         string   `toml:"jwt_secret"`
	RedisAddr         string   `toml:"redis_addr"`
	Realtime          bool     `toml:"realtime"`
	NodeID            string   `toml:"node_id"`
	AutosaveInterval  Duration `toml:"autosave_interval"`
	AutosaveRetention int      `toml:"autosave_retention"`
	ShardLoadTimeout  Duration `toml:"shard_load_timeout"`
	LockTTL           Duration `toml:"lock_ttl"`
	OutboxPath        string   `toml:"outbox_path"`
	CursorRate        float64  `toml:"cursor_rate"`
	LogLevel          string   `toml:"log_level"`
	AllowedOrigins    []string `toml:"allowed_origins"`
}

func Default() Config {
	return Config{
		Port:              8080,
		AutosaveInterval:  Duration(30 * time.Second),
		AutosaveRetention: 20,
		ShardLoadTimeout:  Duration(5 * time.Second),
		LockTTL:           Duration(60 * time.Second),
		CursorRate:        20,
		LogLevel:          "info",
	}
}

// Load reads .env (missing is fine), then path if given, then SLIDESYNC_*
// variables. The JWT secret also falls back to SUPABASE_JWT_SECRET.
func Load(path string) (Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.AutosaveInterval <= 0 {
		errs = append(errs, errors.New("autosave_interval must be positive"))
	}
	if c.ShardLoadTimeout <= 0 {
		errs = append(errs, errors.New("shard_load_timeout must be positive"))
	}
	if c.LockTTL <= 0 {
		errs = append(errs, errors.New("lock_ttl must be positive"))
	}
	if c.AutosaveRetention < 0 {
		errs = append(errs, errors.New("autosave_retention must not be negative"))
	}
	return errors.Join(errs...)
}

func applyEnv(c *Config) error {
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = strings.TrimSpace(v)
		}
	}
	str("SLIDESYNC_DATABASE_URL", &c.DatabaseURL)
	if c.DatabaseURL == "" {
		str("DATABASE_URL", &c.DatabaseURL)
	}
	if c.JWTSecret == "" {
		str("SUPABASE_JWT_SECRET", &c.JWTSecret)
	}
	str("SLIDESYNC_JWT_SECRET", &c.JWTSecret)
	str("SLIDESYNC_REDIS_ADDR", &c.RedisAddr)
	str("SLIDESYNC_NODE_ID", &c.NodeID)
	str("SLIDESYNC_OUTBOX_PATH", &c.OutboxPath)
	str("SLIDESYNC_LOG_LEVEL", &c.LogLevel)

	var errs []error
	if v, ok := os.LookupEnv("SLIDESYNC_PORT"); ok {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			errs = append(errs, fmt.Errorf("SLIDESYNC_PORT: %w", err))
		}
		c.Port = n
	}
	if v, ok := os.LookupEnv("SLIDESYNC_REALTIME"); ok {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			errs = append(errs, fmt.Errorf("SLIDESYNC_REALTIME: %w", err))
		}
		c.Realtime = b
	}
	if v, ok := os.LookupEnv("SLIDESYNC_AUTOSAVE_RETENTION"); ok {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			errs = append(errs, fmt.Errorf("SLIDESYNC_AUTOSAVE_RETENTION: %w", err))
		}
		c.AutosaveRetention = n
	}
	if v, ok := os.LookupEnv("SLIDESYNC_CURSOR_RATE"); ok {
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("SLIDESYNC_CURSOR_RATE: %w", err))
		}
		c.CursorRate = f
	}
	if v, ok := os.LookupEnv("SLIDESYNC_ALLOWED_ORIGINS"); ok && strings.TrimSpace(v) != "" {
		c.AllowedOrigins = strings.Split(v, ",")
	}
	for key, dst := range map[string]*Duration{
		"SLIDESYNC_AUTOSAVE_INTERVAL":  &c.AutosaveInterval,
		"SLIDESYNC_SHARD_LOAD_TIMEOUT": &c.ShardLoadTimeout,
		"SLIDESYNC_LOCK_TTL":           &c.LockTTL,
	} {
		if v, ok := os.LookupEnv(key); ok {
			if err := dst.UnmarshalText([]byte(strings.TrimSpace(v))); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
			}
		}
	}
	return errors.Join(errs...)
}
