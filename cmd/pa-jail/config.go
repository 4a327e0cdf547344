package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tailscale/hujson"
)

// ErrDuplicateConfigFiles is returned when both .json and .jsonc config
// files exist at the same base path.
var ErrDuplicateConfigFiles = errors.New("duplicate config files")

// Config holds pa-jail's own CLI-level defaults. It never grants or revokes
// jail authorization; policy files (jail/policy.go) remain the sole
// authority for that.
type Config struct {
	StagingDir string `json:"stagingDir,omitempty"`
	PidDir     string `json:"pidDir,omitempty"`
	Quiet      bool   `json:"quiet,omitempty"`
	Verbose    bool   `json:"verbose,omitempty"`
}

// DefaultConfig returns pa-jail's built-in defaults.
func DefaultConfig() Config {
	return Config{}
}

// LoadConfigInput holds the inputs for LoadConfig.
type LoadConfigInput struct {
	ConfigPath string            // --config flag value
	Env        map[string]string // environment variables (for XDG_CONFIG_HOME)
}

// LoadConfig loads configuration with the following precedence (later
// overrides earlier):
//  1. Built-in defaults
//  2. Global config: $XDG_CONFIG_HOME/pa-jail/config.json or config.jsonc
//     (defaults to ~/.config/pa-jail/) — always loaded if it exists
//  3. --config path, if given, on top of the global config
//
// Both .json and .jsonc files support comments via tailscale/hujson. If
// both exist at the same base path, it is an error.
func LoadConfig(input LoadConfigInput) (Config, error) {
	cfg := DefaultConfig()

	globalBasePath, err := getUserConfigBasePath(input.Env)
	if err != nil {
		return Config{}, err
	}

	if globalBasePath != "" {
		globalPath, findErr := findConfigFile(globalBasePath)
		switch {
		case findErr == nil:
			globalCfg, loadErr := loadConfigFile(globalPath)
			if loadErr != nil {
				return Config{}, loadErr
			}

			cfg = mergeConfigs(&cfg, &globalCfg)
		case !errors.Is(findErr, os.ErrNotExist):
			return Config{}, findErr
		}
	}

	if input.ConfigPath != "" {
		explicitCfg, err := loadConfigFile(input.ConfigPath)
		if err != nil {
			return Config{}, err
		}

		cfg = mergeConfigs(&cfg, &explicitCfg)
	}

	return cfg, nil
}

// findConfigFile finds a config file at basePath+".json" or
// basePath+".jsonc", erroring if both exist.
func findConfigFile(basePath string) (string, error) {
	jsonPath := basePath + ".json"
	jsoncPath := basePath + ".jsonc"

	jsonExists, jsonErr := fileExists(jsonPath)
	jsoncExists, jsoncErr := fileExists(jsoncPath)

	if jsonErr != nil && !errors.Is(jsonErr, os.ErrNotExist) {
		return "", fmt.Errorf("checking %s: %w", jsonPath, jsonErr)
	}

	if jsoncErr != nil && !errors.Is(jsoncErr, os.ErrNotExist) {
		return "", fmt.Errorf("checking %s: %w", jsoncPath, jsoncErr)
	}

	if jsonExists && jsoncExists {
		return "", fmt.Errorf("%w: both %s and %s exist; remove one", ErrDuplicateConfigFiles, jsonPath, jsoncPath)
	}

	if jsonExists {
		return jsonPath, nil
	}

	if jsoncExists {
		return jsoncPath, nil
	}

	return "", os.ErrNotExist
}

func fileExists(path string) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}

		return false, fmt.Errorf("checking file %s: %w", path, err)
	}

	if info.IsDir() {
		return false, nil
	}

	return true, nil
}

// loadConfigFile loads and parses a JSON/JSONC config file.
func loadConfigFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config %s: %w", path, err)
	}

	standardized, err := hujson.Standardize(data)
	if err != nil {
		return Config{}, fmt.Errorf("parsing config %s: %w", path, err)
	}

	var cfg Config

	if err := json.Unmarshal(standardized, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config %s: %w", path, err)
	}

	return cfg, nil
}

// mergeConfigs merges override into base, with override taking precedence.
// Empty/zero values in override do not override base values.
func mergeConfigs(base, override *Config) Config {
	result := *base

	if override.StagingDir != "" {
		result.StagingDir = override.StagingDir
	}

	if override.PidDir != "" {
		result.PidDir = override.PidDir
	}

	if override.Quiet {
		result.Quiet = true
	}

	if override.Verbose {
		result.Verbose = true
	}

	return result
}

// getUserConfigBasePath returns the user config base path (without
// extension), reading XDG_CONFIG_HOME from the supplied env map rather than
// os.Getenv directly, for testability.
func getUserConfigBasePath(env map[string]string) (string, error) {
	if xdg, ok := env["XDG_CONFIG_HOME"]; ok && xdg != "" {
		return filepath.Join(xdg, "pa-jail", "config"), nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("getting home directory: %w", err)
	}

	return filepath.Join(home, ".config", "pa-jail", "config"), nil
}
