package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrNoConfig is returned by FindConfigPath when no candidate file exists
var ErrNoConfig = errors.New("no murmur config file found")

// EnvConfigPath names the environment variable that overrides the lookup
const EnvConfigPath = "MURMUR_CONFIG"

// FindConfigPath returns the config file to load using precedence:
// 1. explicit path (flag)
// 2. $MURMUR_CONFIG
// 3. ./config/murmur.jsonc, ./murmur.jsonc, ./murmur.yaml, ./murmur.yml
// 4. ~/.murmur/murmur.jsonc, ~/.murmur/murmur.yaml
func FindConfigPath(explicit string) (string, error) {
	if explicit == "" {
		explicit = os.Getenv(EnvConfigPath)
	}
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config %s: %w", explicit, err)
		}
		return absPath(explicit), nil
	}

	candidates := []string{
		filepath.Join("config", "murmur.jsonc"),
		"murmur.jsonc",
		"murmur.yaml",
		"murmur.yml",
	}
	if homeDir, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates,
			filepath.Join(homeDir, ".murmur", "murmur.jsonc"),
			filepath.Join(homeDir, ".murmur", "murmur.yaml"),
		)
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return absPath(path), nil
		}
	}
	return "", fmt.Errorf("%w; tried: %v", ErrNoConfig, candidates)
}

func absPath(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return path
	}
	return abs
}

// Load reads a config file. YAML is chosen by the .yaml/.yml extension,
// anything else is parsed as JSONC.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(StripJSONComments(data), &cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	}

	applyDefaults(&cfg)
	cfg.Path = path
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return &cfg, nil
}

// LoadAll locates and loads the config file. When none exists the
// defaults are returned.
func LoadAll(explicit string) (*Config, error) {
	path, err := FindConfigPath(explicit)
	if errors.Is(err, ErrNoConfig) {
		return Default(), nil
	}
	if err != nil {
		return nil, err
	}
	return Load(path)
}
