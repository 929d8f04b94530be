package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"assetmarket/crypto"
)

// TelemetryConfig controls the optional OpenTelemetry exporters.
type TelemetryConfig struct {
	Enabled  bool   `toml:"Enabled"`
	Endpoint string `toml:"Endpoint"`
	Insecure bool   `toml:"Insecure"`
	Headers  string `toml:"Headers"`
}

// LogConfig controls optional log-file rotation.
type LogConfig struct {
	File       string `toml:"File"`
	MaxSizeMB  int    `toml:"MaxSizeMB"`
	MaxBackups int    `toml:"MaxBackups"`
	MaxAgeDays int    `toml:"MaxAgeDays"`
}

// Config captures runtime configuration for the marketplace node.
type Config struct {
	RPCAddress   string          `toml:"RPCAddress"`
	DataDir      string          `toml:"DataDir"`
	EventJournal string          `toml:"EventJournal"`
	GenesisFile  string          `toml:"GenesisFile"`
	NetworkName  string          `toml:"NetworkName"`
	AdminAddress string          `toml:"AdminAddress"`
	Telemetry    TelemetryConfig `toml:"Telemetry"`
	Log          LogConfig       `toml:"Log"`
}

// Load loads the configuration from the given path, creating a default file
// when none exists.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.RPCAddress) == "" {
		cfg.RPCAddress = ":8545"
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = "./marketdata"
	}
	if strings.TrimSpace(cfg.EventJournal) == "" {
		cfg.EventJournal = filepath.Join(cfg.DataDir, "events.db")
	}
	if strings.TrimSpace(cfg.NetworkName) == "" {
		cfg.NetworkName = "market-local"
	}
}

// Validate rejects configurations the node cannot start with.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("nil config")
	}
	if admin := strings.TrimSpace(cfg.AdminAddress); admin != "" {
		if _, err := crypto.DecodeAddress(admin); err != nil {
			return fmt.Errorf("config: invalid AdminAddress: %w", err)
		}
	}
	if cfg.Telemetry.Enabled && strings.TrimSpace(cfg.Telemetry.Endpoint) == "" {
		return fmt.Errorf("config: telemetry enabled without endpoint")
	}
	return nil
}

func createDefault(path string) (*Config, error) {
	cfg := &Config{}
	applyDefaults(cfg)

	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	file, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	if err := toml.NewEncoder(file).Encode(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
