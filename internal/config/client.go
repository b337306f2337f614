package config

import (
	"fmt"
	"os"
	"strings"
)

const (
	ModeLocal  = "local"
	ModeRemote = "remote"
)

type ClientConfig struct {
	Mode              string `toml:"mode"`
	BaseURL           string `toml:"base_url"`
	Token             string `toml:"token"`
	UserID            string `toml:"user_id"`
	DeviceID          string `toml:"device_id"`
	StatePath         string `toml:"state_path"`
	LogLevel          string `toml:"log_level"`
	RequestTimeoutSec int    `toml:"request_timeout_seconds"`
	MaxReconnectSec   int    `toml:"max_reconnect_seconds"`
	// Catalog bounds progress in local mode; the server owns it in remote mode.
	Catalog map[string]int `toml:"catalog"`
}

func LoadClient() (ClientConfig, error) {
	cfg := ClientConfig{Mode: ModeLocal, StatePath: "watchsync-state.db", LogLevel: "info"}
	if path := strings.TrimSpace(os.Getenv("WATCHSYNC_CLIENT_CONFIG")); path != "" {
		var wrapped struct {
			Client *ClientConfig `toml:"client"`
		}
		wrapped.Client = &cfg
		if err := loadInto(path, &wrapped); err != nil {
			return ClientConfig{}, err
		}
	}
	applyClientEnv(&cfg)
	if cfg.RequestTimeoutSec <= 0 {
		cfg.RequestTimeoutSec = 30
	}
	if cfg.MaxReconnectSec <= 0 {
		cfg.MaxReconnectSec = 30
	}
	if strings.TrimSpace(cfg.UserID) == "" {
		cfg.UserID = "default"
	}
	if strings.TrimSpace(cfg.DeviceID) == "" {
		if host, err := os.Hostname(); err == nil && strings.TrimSpace(host) != "" {
			cfg.DeviceID = "watchsync-" + host
		} else {
			cfg.DeviceID = "watchsync-device"
		}
	}
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	cfg.Mode = strings.ToLower(strings.TrimSpace(cfg.Mode))
	switch cfg.Mode {
	case ModeLocal:
	case ModeRemote:
		if cfg.BaseURL == "" {
			return ClientConfig{}, fmt.Errorf("remote mode requires base_url")
		}
	default:
		return ClientConfig{}, fmt.Errorf("unknown client mode %q", cfg.Mode)
	}
	return cfg, nil
}

func applyClientEnv(cs *ClientConfig) {
	cs.Mode = envOrDefault("WATCHSYNC_MODE", cs.Mode)
	cs.BaseURL = envOrDefault("WATCHSYNC_BASE_URL", cs.BaseURL)
	cs.Token = envOrDefault("WATCHSYNC_TOKEN", cs.Token)
	cs.UserID = envOrDefault("WATCHSYNC_USER_ID", cs.UserID)
	cs.DeviceID = envOrDefault("WATCHSYNC_DEVICE_ID", cs.DeviceID)
	cs.StatePath = envOrDefault("WATCHSYNC_STATE_PATH", cs.StatePath)
	cs.LogLevel = envOrDefault("WATCHSYNC_LOG_LEVEL", cs.LogLevel)
	if v := strings.TrimSpace(os.Getenv("WATCHSYNC_REQUEST_TIMEOUT_SECONDS")); v != "" {
		cs.RequestTimeoutSec = IntOrDefault(v, cs.RequestTimeoutSec)
	}
	if v := strings.TrimSpace(os.Getenv("WATCHSYNC_MAX_RECONNECT_SECONDS")); v != "" {
		cs.MaxReconnectSec = IntOrDefault(v, cs.MaxReconnectSec)
	}
}
