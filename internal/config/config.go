// Package config provides configuration loading for startest.
//
// It supports two configuration formats:
//   - config.star: dynamic Starlark configuration
//   - startest.toml: simple, declarative TOML configuration
//
// The package provides automatic discovery of configuration files,
// walking up the directory tree from the starting directory.
//
// Configuration can also be specified via:
//   - STARTEST_CONFIG environment variable
//   - --config flag
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Config file names in priority order.
const (
	// ConfigStar is the Starlark config filename.
	ConfigStar = "config.star"
	// ConfigTOML is the TOML config filename.
	ConfigTOML = "startest.toml"
)

// EnvConfig is the environment variable for specifying the config file path.
const EnvConfig = "STARTEST_CONFIG"

// ErrConflict is returned when multiple config files exist in the same directory.
var ErrConflict = errors.New("multiple config files found in the same directory; use only one")

// Config represents the startest configuration.
type Config struct {
	// Test contains test runner configuration.
	Test TestConfig `json:"test" toml:"test"`

	// Watch contains watch mode configuration.
	Watch WatchConfig `json:"watch" toml:"watch"`
}

// TestConfig contains test runner configuration.
type TestConfig struct {
	// Pattern filters test ids by substring, like -k.
	Pattern string `json:"pattern" toml:"pattern"`

	// Markers filters tests by marker name, like -m.
	Markers string `json:"markers" toml:"markers"`

	// FailFast stops the run at the first failure.
	FailFast bool `json:"fail_fast" toml:"fail_fast"`

	// Workers controls collection parallelism: "auto" or a number.
	Workers string `json:"workers" toml:"workers"`

	// Capture buffers test output; nil means unset (capture on).
	Capture *bool `json:"capture" toml:"capture"`

	// Verbose enables per-test output lines.
	Verbose bool `json:"verbose" toml:"verbose"`

	// Ascii restricts output to ASCII glyphs.
	Ascii bool `json:"ascii" toml:"ascii"`

	// Color enables colored output; nil means unset (decide from the terminal).
	Color *bool `json:"color" toml:"color"`

	// CacheDir overrides the cache directory location.
	CacheDir string `json:"cache_dir" toml:"cache_dir"`

	// LoadPath lists extra directories load() searches.
	LoadPath []string `json:"load_path" toml:"load_path"`
}

// WatchConfig contains watch mode configuration.
type WatchConfig struct {
	// Debounce coalesces filesystem events closer together than this.
	Debounce Duration `json:"debounce" toml:"debounce"`
}

// Duration wraps time.Duration for TOML/JSON string parsing.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler for Duration.
func (d *Duration) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		d.Duration = 0
		return nil
	}
	dur, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	d.Duration = dur
	return nil
}

// MarshalText implements encoding.TextMarshaler for Duration.
func (d Duration) MarshalText() ([]byte, error) {
	if d.Duration == 0 {
		return nil, nil
	}
	return []byte(d.Duration.String()), nil
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Watch: WatchConfig{
			Debounce: Duration{200 * time.Millisecond},
		},
	}
}

// LoadConfig loads configuration from the specified path.
// The format is auto-detected based on file extension.
func LoadConfig(path string) (*Config, error) {
	ext := filepath.Ext(path)
	switch ext {
	case ".toml":
		return LoadTOMLConfig(path)
	case ".star":
		return LoadStarlarkConfig(path, DefaultStarlarkTimeout)
	default:
		return nil, fmt.Errorf("unsupported config file extension: %s (expected .star or .toml)", ext)
	}
}

// DiscoverConfig searches for a configuration file.
//
// Resolution order:
//  1. If STARTEST_CONFIG env var is set, use that path
//  2. Walk up from startDir looking for config files
//
// In each directory, config.star is checked before startest.toml; having
// both in one directory is an error. The walk stops at the git root.
// Returns the loaded config, the path to the config file, and any error.
// If no config is found, returns (DefaultConfig(), "", nil).
func DiscoverConfig(startDir string) (*Config, string, error) {
	if envPath := os.Getenv(EnvConfig); envPath != "" {
		cfg, err := LoadConfig(envPath)
		if err != nil {
			return nil, "", fmt.Errorf("loading config from %s: %w", EnvConfig, err)
		}
		return cfg, envPath, nil
	}

	if startDir == "" {
		var err error
		startDir, err = os.Getwd()
		if err != nil {
			return nil, "", fmt.Errorf("getting working directory: %w", err)
		}
	}

	absDir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, "", fmt.Errorf("resolving path: %w", err)
	}

	gitRoot := findGitRoot(absDir)

	dir := absDir
	for {
		configPath, err := findConfigInDir(dir)
		if err != nil {
			return nil, "", err
		}
		if configPath != "" {
			cfg, err := LoadConfig(configPath)
			if err != nil {
				return nil, "", err
			}
			return cfg, configPath, nil
		}

		if gitRoot != "" && dir == gitRoot {
			break
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break // reached filesystem root
		}
		dir = parent
	}

	return DefaultConfig(), "", nil
}

// findConfigInDir looks for config files in a directory. Returns the path
// if exactly one is found, an error if several exist, and ("", nil) when
// the directory has none.
func findConfigInDir(dir string) (string, error) {
	starPath := filepath.Join(dir, ConfigStar)
	tomlPath := filepath.Join(dir, ConfigTOML)

	starExists := fileExists(starPath)
	tomlExists := fileExists(tomlPath)

	if starExists && tomlExists {
		return "", fmt.Errorf("%w: found %s in %s",
			ErrConflict, strings.Join([]string{ConfigStar, ConfigTOML}, ", "), dir)
	}
	if starExists {
		return starPath, nil
	}
	if tomlExists {
		return tomlPath, nil
	}
	return "", nil
}

// fileExists returns true if the file exists.
func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// findGitRoot finds the git repository root from a starting directory.
// Returns empty string if not in a git repository.
func findGitRoot(startDir string) string {
	dir := startDir
	for {
		if fileExists(filepath.Join(dir, ".git")) {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "" // reached filesystem root
		}
		dir = parent
	}
}

// Merge merges the other config into this one.
// Set values from other override values in c.
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	if other.Test.Pattern != "" {
		c.Test.Pattern = other.Test.Pattern
	}
	if other.Test.Markers != "" {
		c.Test.Markers = other.Test.Markers
	}
	if other.Test.FailFast {
		c.Test.FailFast = true
	}
	if other.Test.Workers != "" {
		c.Test.Workers = other.Test.Workers
	}
	if other.Test.Capture != nil {
		c.Test.Capture = other.Test.Capture
	}
	if other.Test.Verbose {
		c.Test.Verbose = true
	}
	if other.Test.Ascii {
		c.Test.Ascii = true
	}
	if other.Test.Color != nil {
		c.Test.Color = other.Test.Color
	}
	if other.Test.CacheDir != "" {
		c.Test.CacheDir = other.Test.CacheDir
	}
	if len(other.Test.LoadPath) > 0 {
		c.Test.LoadPath = append(c.Test.LoadPath, other.Test.LoadPath...)
	}

	if other.Watch.Debounce.Duration != 0 {
		c.Watch.Debounce = other.Watch.Debounce
	}
}
