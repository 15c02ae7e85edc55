package config

import (
	"encoding/json"
	"os"
	"path/filepath"
)

const (
	appDirName = "cubefit"
	configFile = "config.json"
)

// Config holds persistent solver defaults applied by the CLI when a flag
// is not given on the command line.
type Config struct {
	LaneBudget        int    `json:"lane_budget,omitempty"`
	TargetPrefixCount int    `json:"target_prefix_count,omitempty"`
	GroupSize         int    `json:"group_size,omitempty"`
	FallbackToCPU     *bool  `json:"fallback_to_cpu,omitempty"`
	LogLevel          string `json:"log_level,omitempty"`
	TelemetryOptedIn  bool   `json:"telemetry_opted_in,omitempty"`
}

// Load reads the config from disk. If the file does not exist or cannot be
// parsed, it returns a zero-value Config.
func Load() *Config {
	p, err := path()
	if err != nil {
		return &Config{}
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return &Config{}
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return &Config{}
	}
	return &cfg
}

// Save writes the config to disk, creating the directory if needed.
func Save(cfg *Config) error {
	p, err := path()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(p, data, 0600)
}

func path() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, appDirName, configFile), nil
}
