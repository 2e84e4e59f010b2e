package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// PlaceholderURL is the factory-default server URL written by `dial config
// init`. A config still carrying it triggers automatic mDNS discovery.
const PlaceholderURL = "http://192.168.1.100:3000"

// CLIConfig is the contents of <UserConfigDir>/phonelink/config.toml.
type CLIConfig struct {
	ServerURL string `toml:"server_url"`
	Token     string `toml:"token"`
	BtMAC     string `toml:"bt_mac,omitempty"`
}

func configPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = "."
	}
	return filepath.Join(dir, "phonelink", "config.toml")
}

func loadCLIConfig() (*CLIConfig, error) {
	path := configPath()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("config not found at %s (run `dial config init`)", path)
	}

	var cfg CLIConfig
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}

func (c *CLIConfig) save() error {
	path := configPath()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create config file: %w", err)
	}
	defer f.Close()

	if err := toml.NewEncoder(f).Encode(c); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

func writeDefaultCLIConfig() (string, error) {
	cfg := &CLIConfig{ServerURL: PlaceholderURL, Token: "change-me-secret"}
	if err := cfg.save(); err != nil {
		return "", err
	}
	return configPath(), nil
}

// isPlaceholder reports whether the URL is still the unconfigured default.
func (c *CLIConfig) isPlaceholder() bool {
	return c.ServerURL == "" || c.ServerURL == PlaceholderURL
}
