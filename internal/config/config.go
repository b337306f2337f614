package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	toml "github.com/pelletier/go-toml/v2"

	"watchsync/internal/models"
)

type Arbitration struct {
	Favorites bool `toml:"favorites"`
	Status    bool `toml:"status"`
	Reviews   bool `toml:"reviews"`
}

// Enabled reports whether stale writes of kind are rejected rather than silently applied.
func (a Arbitration) Enabled(kind models.RecordKind) bool {
	switch kind {
	case models.KindFavorite:
		return a.Favorites
	case models.KindStatus:
		return a.Status
	case models.KindEpisodeReview:
		return a.Reviews
	}
	return true
}

type Config struct {
	Port        string         `toml:"port"`
	LogLevel    string         `toml:"log_level"`
	LogFormat   string         `toml:"log_format"`
	DBDriver    string         `toml:"db_driver"`
	DatabaseURL string         `toml:"database_url"`
	AuthToken   string         `toml:"auth_token"`
	RedisAddr   string         `toml:"redis_addr"`
	Arbitration Arbitration    `toml:"arbitration"`
	Catalog     map[string]int `toml:"catalog"`
}

func Default() Config {
	return Config{
		Port:        "8090",
		LogLevel:    "info",
		LogFormat:   "console",
		DBDriver:    "sqlite",
		DatabaseURL: "file:watchsync.db",
		Arbitration: Arbitration{Favorites: true, Status: true, Reviews: true},
	}
}

// Load reads the optional TOML file named by WATCHSYNC_CONFIG, then applies env overrides.
func Load() (Config, error) {
	cfg := Default()
	if path := strings.TrimSpace(os.Getenv("WATCHSYNC_CONFIG")); path != "" {
		if err := loadInto(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.DBDriver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported db_driver %q", c.DBDriver)
	}
	if strings.TrimSpace(c.DatabaseURL) == "" {
		return errors.New("database_url is required")
	}
	for item, total := range c.Catalog {
		if total < 0 {
			return fmt.Errorf("catalog item %q has negative total", item)
		}
	}
	return nil
}

func loadInto(path string, out any) error {
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	if err := toml.Unmarshal(b, out); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.Port = envOrDefault("WATCHSYNC_PORT", cfg.Port)
	if p := strings.TrimSpace(os.Getenv("PORT")); p != "" {
		cfg.Port = p
	}
	cfg.LogLevel = envOrDefault("WATCHSYNC_LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = envOrDefault("WATCHSYNC_LOG_FORMAT", cfg.LogFormat)
	cfg.DBDriver = strings.ToLower(envOrDefault("WATCHSYNC_DB_DRIVER", cfg.DBDriver))
	cfg.DatabaseURL = envOrDefault("WATCHSYNC_DATABASE_URL", cfg.DatabaseURL)
	cfg.AuthToken = envOrDefault("WATCHSYNC_AUTH_TOKEN", cfg.AuthToken)
	cfg.RedisAddr = envOrDefault("WATCHSYNC_REDIS_ADDR", cfg.RedisAddr)
	if v, ok := getenvBool("WATCHSYNC_ARBITRATE_FAVORITES"); ok {
		cfg.Arbitration.Favorites = v
	}
	if v, ok := getenvBool("WATCHSYNC_ARBITRATE_STATUS"); ok {
		cfg.Arbitration.Status = v
	}
	if v, ok := getenvBool("WATCHSYNC_ARBITRATE_REVIEWS"); ok {
		cfg.Arbitration.Reviews = v
	}
}

func envOrDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func getenvBool(name string) (bool, bool) {
	v := strings.TrimSpace(strings.ToLower(os.Getenv(name)))
	if v == "" {
		return false, false
	}
	switch v {
	case "1", "true", "yes", "on":
		return true, true
	case "0", "false", "no", "off":
		return false, true
	default:
		return false, false
	}
}

func IntOrDefault(v string, fallback int) int {
	if i, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && i > 0 {
		return i
	}
	return fallback
}
