package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads and merges configuration from global and project paths.
// Order of precedence (highest to lowest): project config, global config, defaults.
// Missing files are not errors; malformed files return an error.
func Load(globalPath, projectPath string) (*Config, error) {
	cfg := DefaultConfig()

	if globalPath != "" {
		if err := mergeConfigFile(cfg, globalPath); err != nil {
			return nil, fmt.Errorf("loading global config: %w", err)
		}
	}

	if projectPath != "" {
		if err := mergeConfigFile(cfg, projectPath); err != nil {
			return nil, fmt.Errorf("loading project config: %w", err)
		}
	}

	return cfg, nil
}

// LoadDefault loads configuration from conventional paths.
// Global: ~/.descartes/config.{yaml,yml,json}
// Project: <workDir>/.descartes/config.{yaml,yml,json}
func LoadDefault(workDir string) (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("getting home directory: %w", err)
	}
	return Load(Find(filepath.Join(homeDir, ".descartes")), Find(filepath.Join(workDir, ".descartes")))
}

// Find returns the config file in dir, preferring YAML, or "" if none exists.
func Find(dir string) string {
	for _, name := range []string{"config.yaml", "config.yml", "config.json"} {
		p := filepath.Join(dir, name)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// mergeConfigFile decodes a config file over base. Keys present in the file
// replace what is below them; a provider or agent entry is replaced whole.
// Missing files are silently skipped.
func mergeConfigFile(base *Config, path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	providers, agents := base.Providers, base.Agents
	base.Providers, base.Agents = nil, nil

	if isYAML(path) {
		err = yaml.Unmarshal(data, base)
	} else {
		err = json.Unmarshal(data, base)
	}
	if err != nil {
		base.Providers, base.Agents = providers, agents
		return fmt.Errorf("parsing %s: %w", path, err)
	}

	for key, provider := range base.Providers {
		providers[key] = provider
	}
	for key, agent := range base.Agents {
		agents[key] = agent
	}
	base.Providers, base.Agents = providers, agents
	return nil
}
