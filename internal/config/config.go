// Package config loads relay settings from an optional YAML file with
// HARBOR_* environment overrides on top.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultAddr          = ":7411"
	DefaultDBPath        = "harbor.db"
	DefaultLeaseTTL      = 120 * time.Second
	DefaultSweepInterval = 5 * time.Minute
)

type Redis struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
}

type Config struct {
	Addr          string        `yaml:"addr"`
	SocketPath    string        `yaml:"socket_path"`
	DBPath        string        `yaml:"db_path"`
	KeysFile      string        `yaml:"keys_file"`
	InstanceID    string        `yaml:"instance_id"`
	RPCLeaseTTL   time.Duration `yaml:"rpc_lease_ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	Redis         Redis         `yaml:"redis"`
}

func Default() Config {
	return Config{
		Addr:          DefaultAddr,
		DBPath:        DefaultDBPath,
		RPCLeaseTTL:   DefaultLeaseTTL,
		SweepInterval: DefaultSweepInterval,
	}
}

// Load reads the config file at path (missing file is fine, defaults apply)
// and applies environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parse config: %w", err)
			}
		}
	}
	applyEnv(&cfg)
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	if cfg.DBPath == "" {
		cfg.DBPath = DefaultDBPath
	}
	if cfg.RPCLeaseTTL <= 0 {
		cfg.RPCLeaseTTL = DefaultLeaseTTL
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.InstanceID == "" {
		host, _ := os.Hostname()
		cfg.InstanceID = host
	}
	if cfg.Redis.Enabled && cfg.Redis.URL == "" {
		return cfg, fmt.Errorf("redis enabled but no url configured")
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := env("HARBOR_ADDR"); v != "" {
		cfg.Addr = v
	}
	if v := env("HARBOR_SOCKET"); v != "" {
		cfg.SocketPath = v
	}
	if v := env("HARBOR_DB"); v != "" {
		cfg.DBPath = v
	}
	if v := env("HARBOR_KEYS_FILE"); v != "" {
		cfg.KeysFile = v
	}
	if v := env("HARBOR_INSTANCE_ID"); v != "" {
		cfg.InstanceID = v
	}
	if v := env("HARBOR_REDIS_URL"); v != "" {
		cfg.Redis.Enabled = true
		cfg.Redis.URL = v
	}
	if v := env("HARBOR_RPC_LEASE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.RPCLeaseTTL = d
		}
	}
	if v := env("HARBOR_SWEEP_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.SweepInterval = d
		}
	}
}

func env(name string) string {
	return strings.TrimSpace(os.Getenv(name))
}
