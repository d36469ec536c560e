// Package config resolves the docpulse binary's settings from a YAML file
// and environment overrides. The engine itself takes plain values; only the
// surrounding binary reads config.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/docpulse/docpulse/internal/observe"
)

// Config is the resolved configuration.
type Config struct {
	DBPath string          `yaml:"db_path"`
	Health observe.Weights `yaml:"health"`
}

// DefaultConfigPath is where the config file lives unless overridden.
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".docpulse", "config.yaml")
}

// Load reads the config file at path (DefaultConfigPath when empty) and
// applies environment overrides. A missing file is not an error: defaults
// apply.
func Load(path string) (Config, error) {
	if strings.TrimSpace(path) == "" {
		path = DefaultConfigPath()
	}

	cfg := Config{Health: observe.DefaultWeights()}

	b, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("reading %s: %w", path, err)
		}
	} else {
		var fileCfg Config
		fileCfg.Health = observe.DefaultWeights()
		if err := yaml.Unmarshal(b, &fileCfg); err != nil {
			return cfg, fmt.Errorf("parsing %s: %w", path, err)
		}
		cfg = fileCfg
	}

	for _, env := range []string{"DOCPULSE_DB", "DOCPULSE_DB_PATH"} {
		if v := strings.TrimSpace(os.Getenv(env)); v != "" {
			cfg.DBPath = v
		}
	}

	if cfg.DBPath != "" {
		cfg.DBPath = expandUserPath(cfg.DBPath)
	}
	return cfg, nil
}

func expandUserPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
