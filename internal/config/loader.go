package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// ConfigLoader handles loading and saving the YAML configuration file
type ConfigLoader struct {
	configPath string
}

// NewConfigLoader creates a new configuration loader
func NewConfigLoader(configPath string) *ConfigLoader {
	return &ConfigLoader{
		configPath: configPath,
	}
}

// LoadConfig loads the configuration from file and environment variables.
// A missing file is not an error; defaults apply.
func (cl *ConfigLoader) LoadConfig() (*Config, error) {
	config := &Config{}

	if cl.configPath != "" {
		if err := cl.loadFromFile(config); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	return Finalize(config)
}

// Finalize applies environment overrides and defaults, then validates
func Finalize(config *Config) (*Config, error) {
	config.LoadFromEnvironment()
	config.SetDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

func (cl *ConfigLoader) loadFromFile(config *Config) error {
	data, err := os.ReadFile(cl.configPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", cl.configPath, err)
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return fmt.Errorf("failed to parse YAML config: %w", err)
	}

	return nil
}

// SaveConfig validates and writes the configuration to the loader's path
func (cl *ConfigLoader) SaveConfig(config *Config) error {
	if err := config.Validate(); err != nil {
		return fmt.Errorf("cannot save invalid configuration: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(cl.configPath), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config to YAML: %w", err)
	}

	if err := os.WriteFile(cl.configPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// LoadConfigFromBytes loads configuration from YAML bytes
func LoadConfigFromBytes(data []byte) (*Config, error) {
	config := &Config{}
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}
	return Finalize(config)
}

// GenerateDefaultConfig returns a configuration with every default filled in
func GenerateDefaultConfig() *Config {
	config := &Config{}
	config.SetDefaults()
	return config
}

// GenerateDefaultConfigYAML renders the default configuration as YAML
func GenerateDefaultConfigYAML() ([]byte, error) {
	header := []byte("# tenant-backup configuration\n# Values can be overridden with TENANT_BACKUP_* environment variables.\n\n")
	data, err := yaml.Marshal(GenerateDefaultConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to marshal default config: %w", err)
	}
	return append(header, data...), nil
}
