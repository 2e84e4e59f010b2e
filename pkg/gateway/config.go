package gateway

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config represents the structure of the gateway config file
type Config struct {
	Server    ServerSection    `toml:"server"`
	Auth      AuthSection      `toml:"auth"`
	Heartbeat HeartbeatSection `toml:"heartbeat"`
	Discovery DiscoverySection `toml:"discovery"`
}

type ServerSection struct {
	HTTPPort int `toml:"http_port"`
}

type AuthSection struct {
	Tokens []string `toml:"tokens"`
}

type HeartbeatSection struct {
	IntervalSeconds     int `toml:"interval_seconds"`
	ProbeTimeoutSeconds int `toml:"probe_timeout_seconds"`
}

type DiscoverySection struct {
	Enabled      bool   `toml:"enabled"`
	InstanceName string `toml:"instance_name"`
}

// DefaultConfig returns the default gateway configuration
func DefaultConfig() Config {
	return Config{
		Server: ServerSection{
			HTTPPort: 3000,
		},
		Auth: AuthSection{
			Tokens: []string{},
		},
		Heartbeat: HeartbeatSection{
			IntervalSeconds:     30,
			ProbeTimeoutSeconds: 10,
		},
		Discovery: DiscoverySection{
			Enabled:      true,
			InstanceName: "PhoneLink Gateway",
		},
	}
}

// LoadConfig loads configuration from a TOML file, creates default if not found
func LoadConfig(path string) (Config, error) {
	path, err := expandHome(path)
	if err != nil {
		return Config{}, err
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		config := DefaultConfig()
		if err := writeDefaultConfig(path, config); err != nil {
			// Can't write (permissions?), but defaults are still usable.
			return config, nil
		}
		return config, nil
	}

	var config Config
	if _, err := toml.DecodeFile(path, &config); err != nil {
		return Config{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&config)
	return config, nil
}

func applyDefaults(c *Config) {
	def := DefaultConfig()
	if c.Server.HTTPPort == 0 {
		c.Server.HTTPPort = def.Server.HTTPPort
	}
	if c.Heartbeat.IntervalSeconds == 0 {
		c.Heartbeat.IntervalSeconds = def.Heartbeat.IntervalSeconds
	}
	if c.Heartbeat.ProbeTimeoutSeconds == 0 {
		c.Heartbeat.ProbeTimeoutSeconds = def.Heartbeat.ProbeTimeoutSeconds
	}
	if c.Discovery.InstanceName == "" {
		c.Discovery.InstanceName = def.Discovery.InstanceName
	}
}

func writeDefaultConfig(path string, config Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	header := `# PhoneLink Gateway Configuration
# This file was auto-generated with default values
# Add at least one token under [auth] before devices can connect

`
	if _, err := f.WriteString(header); err != nil {
		return err
	}

	encoder := toml.NewEncoder(f)
	if err := encoder.Encode(config); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

func expandHome(path string) (string, error) {
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		return filepath.Join(homeDir, path[2:]), nil
	}
	return path, nil
}
