package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/lending-experiment/lendstate/internal/network"
)

// DefaultCacheLimit is the per-key result cache size past which a cache
// collapses to its newest entry. The value is empirical; override via config.
const DefaultCacheLimit = 30

// Config holds all configurable parameters for the application
type Config struct {
	GatewayURL    string                `json:"gateway_url"`
	Port          int                   `json:"port"`
	CacheLimit    int                   `json:"cache_limit"`
	MetaStorePath string                `json:"meta_store_path"`
	Network       network.NetworkConfig `json:"network"`
}

// Load reads and parses the config.json file
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if cfg.CacheLimit <= 0 {
		cfg.CacheLimit = DefaultCacheLimit
	}

	return cfg, nil
}

// LoadDefault loads the default config from config.json in the current directory
func LoadDefault() (*Config, error) {
	return Load("config/config.json")
}
