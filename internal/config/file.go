package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type fileConfig struct {
	Resilience *Resilience `yaml:"resilience"`
}

// LoadFile overlays the resilience section of a YAML file on c. Keys absent
// from the file keep their current values.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	return c.overlay(data)
}

func (c *Config) overlay(data []byte) error {
	fc := fileConfig{Resilience: &c.Resilience}
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}
