package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// loadAndMerge loads a YAML file and merges it into the config.
func loadAndMerge(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var override Config
	if err := yaml.Unmarshal(data, &override); err != nil {
		return fmt.Errorf("parsing YAML: %w", err)
	}

	mergeConfigs(cfg, &override)
	return nil
}

// mergeConfigs merges override into base. Zero values in the override leave
// the base value in place.
func mergeConfigs(base, override *Config) {
	if override == nil {
		return
	}

	if override.API.BaseURL != "" {
		base.API.BaseURL = override.API.BaseURL
	}
	if override.API.RequestTimeout != 0 {
		base.API.RequestTimeout = override.API.RequestTimeout
	}

	if override.Push.URL != "" {
		base.Push.URL = override.Push.URL
	}
	if override.Push.Path != "" {
		base.Push.Path = override.Push.Path
	}
	if override.Push.ReconnectBackoff != 0 {
		base.Push.ReconnectBackoff = override.Push.ReconnectBackoff
	}
	if override.Push.DialTimeout != 0 {
		base.Push.DialTimeout = override.Push.DialTimeout
	}

	if override.State.Dir != "" {
		base.State.Dir = expandHomePath(override.State.Dir)
	}

	if override.Logging.Level != "" {
		base.Logging.Level = override.Logging.Level
	}
}
