package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/kelseyhightower/envconfig"
)

const (
	// ConfigDir is the default config directory name.
	ConfigDir = ".turnloop"
	// ConfigFile is the default config file name.
	ConfigFile = "config.json"
)

// ConfigPath returns the path to the config file.
func ConfigPath() (string, error) {
	if explicit := strings.TrimSpace(os.Getenv("TURNLOOP_CONFIG")); explicit != "" {
		if strings.HasPrefix(explicit, "~") {
			home, err := resolveHomeDir()
			if err != nil {
				return "", err
			}
			return filepath.Join(home, explicit[1:]), nil
		}
		return explicit, nil
	}
	home, err := resolveHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ConfigDir, ConfigFile), nil
}

func resolveHomeDir() (string, error) {
	if h := strings.TrimSpace(os.Getenv("TURNLOOP_HOME")); h != "" {
		if strings.HasPrefix(h, "~") {
			base, err := os.UserHomeDir()
			if err != nil {
				return "", err
			}
			return filepath.Join(base, h[1:]), nil
		}
		return h, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return home, nil
}

// Load loads the configuration from file and environment variables.
// Priority: environment > file > defaults.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	path, err := ConfigPath()
	if err != nil {
		return cfg, nil // Use defaults if we can't find config path
	}

	data, err := os.ReadFile(path)
	if err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}
	// If file doesn't exist, continue with defaults

	// Override with environment variables for each group
	envconfig.Process("TURNLOOP_PATHS", &cfg.Paths)
	envconfig.Process("TURNLOOP_MODEL", &cfg.Model)
	envconfig.Process("TURNLOOP_PROVIDER", &cfg.Provider)
	envconfig.Process("TURNLOOP_ENGINE", &cfg.Engine)
	envconfig.Process("TURNLOOP_SAFETY", &cfg.Safety)
	envconfig.Process("TURNLOOP_KAFKA", &cfg.Kafka)

	expandPaths(cfg)

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration to the config file.
func Save(cfg *Config) error {
	path, err := ConfigPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

func expandPaths(cfg *Config) {
	cfg.Paths.Workspace = expandHome(cfg.Paths.Workspace)
	if cfg.Paths.TranscriptPath == "" {
		home, err := resolveHomeDir()
		if err == nil {
			cfg.Paths.TranscriptPath = filepath.Join(home, ConfigDir, "transcript.db")
		}
	} else {
		cfg.Paths.TranscriptPath = expandHome(cfg.Paths.TranscriptPath)
	}
	if cfg.Paths.SessionsDir == "" {
		home, err := resolveHomeDir()
		if err == nil {
			cfg.Paths.SessionsDir = filepath.Join(home, ConfigDir, "sessions")
		}
	} else {
		cfg.Paths.SessionsDir = expandHome(cfg.Paths.SessionsDir)
	}
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := resolveHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}

func validate(cfg *Config) error {
	if cfg.Engine.MaxIterations <= 0 {
		return fmt.Errorf("engine.maxIterations must be positive, got %d", cfg.Engine.MaxIterations)
	}
	if cfg.Engine.MaxBatchCalls <= 0 {
		return fmt.Errorf("engine.maxBatchCalls must be positive, got %d", cfg.Engine.MaxBatchCalls)
	}
	if cfg.Kafka.Enabled && len(cfg.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka.enabled requires at least one broker")
	}
	return nil
}
