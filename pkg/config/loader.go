package config

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}`)

// LoadConfig loads and validates configuration from a YAML file with
// environment variable substitution (${VAR} placeholders).
func LoadConfig(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Replace environment variable placeholders.
	dataStr := envVarRegex.ReplaceAllStringFunc(string(data), func(match string) string {
		envVar := match[2 : len(match)-1] // Remove ${ and }
		if value := os.Getenv(envVar); value != "" {
			return value
		}
		return match // Return original if env var not found
	})

	var config Config
	if err := yaml.Unmarshal([]byte(dataStr), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	applyDefaults(&config)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// Resolve returns the config from an explicit path, the DXPIPE_CONFIG env
// var, or dxpipe.yaml in the working directory, in that order. A missing
// file is not an error when no path was asked for explicitly; defaults apply.
func Resolve(explicitPath string) (*Config, error) {
	if explicitPath != "" {
		return LoadConfig(explicitPath)
	}
	if envPath := os.Getenv("DXPIPE_CONFIG"); envPath != "" {
		return LoadConfig(envPath)
	}
	if _, err := os.Stat(ConfigFilename); err == nil {
		return LoadConfig(ConfigFilename)
	}
	return Default(), nil
}
