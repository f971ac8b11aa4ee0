// Package config loads the hab-auto-build.json configuration file that
// describes the set of repositories an invocation operates over, layering
// environment variable overrides on top via viper.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// RepoConfig describes one source repository HAB scans for plans.
type RepoConfig struct {
	ID              string   `json:"id" mapstructure:"id"`
	Source          string   `json:"source" mapstructure:"source"`
	NativePackages  []string `json:"native_packages,omitempty" mapstructure:"native_packages"`
	IgnoredPackages []string `json:"ignored_packages,omitempty" mapstructure:"ignored_packages"`
}

// Config is the top-level hab-auto-build.json document.
type Config struct {
	Repos []RepoConfig `json:"repos" mapstructure:"repos"`

	// ConfigDir is the directory containing the config file; RepoConfig.Source
	// paths that are relative are resolved against it. Not part of the JSON
	// schema itself.
	ConfigDir string `json:"-" mapstructure:"-"`
}

// DuplicateRepoIDError is returned when two repos share an id.
type DuplicateRepoIDError struct {
	ID string
}

func (e *DuplicateRepoIDError) Error() string {
	return fmt.Sprintf("duplicate repo id %q", e.ID)
}

// MissingRepoSourceError is returned when a repo entry has no source path.
type MissingRepoSourceError struct {
	ID string
}

func (e *MissingRepoSourceError) Error() string {
	return fmt.Sprintf("repo %q is missing a source path", e.ID)
}

// DefaultConfigFileName is the name of the config file viper looks for in
// the current working directory absent an explicit -c/--config flag.
const DefaultConfigFileName = "hab-auto-build.json"

// EnvPrefix is the prefix for environment variable overrides, e.g.
// HAB_JOBS overrides the --jobs flag default.
const EnvPrefix = "HAB"

// Load reads and validates the configuration file at path. Every RepoConfig
// entry's Source is rewritten to an absolute path, resolved relative to the
// config file's directory when not already absolute. Environment variables
// of the form HAB_REPOS (a JSON array) can fully override the repos list,
// matching the teacher's convention of env vars overriding config-file
// sections for bootstrap settings.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, &ConfigParseError{Path: path, Err: err}
	}

	var cfg Config
	if raw, ok := os.LookupEnv(EnvPrefix + "_REPOS"); ok {
		if err := json.Unmarshal([]byte(raw), &cfg.Repos); err != nil {
			return nil, &ConfigParseError{Path: EnvPrefix + "_REPOS", Err: err}
		}
	} else if err := v.Unmarshal(&cfg); err != nil {
		return nil, &ConfigParseError{Path: path, Err: err}
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	cfg.ConfigDir = filepath.Dir(absPath)

	if err := cfg.normalizeAndValidate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ConfigParseError wraps a JSON or viper parsing failure for the config
// file, matching the ConfigParse error kind from the specification.
type ConfigParseError struct {
	Path string
	Err  error
}

func (e *ConfigParseError) Error() string {
	return fmt.Sprintf("parsing config %s: %v", e.Path, e.Err)
}

func (e *ConfigParseError) Unwrap() error { return e.Err }

func (c *Config) normalizeAndValidate() error {
	seen := make(map[string]bool, len(c.Repos))
	for i := range c.Repos {
		r := &c.Repos[i]
		if r.ID == "" {
			return &ConfigParseError{Err: fmt.Errorf("repo at index %d has no id", i)}
		}
		if seen[r.ID] {
			return &DuplicateRepoIDError{ID: r.ID}
		}
		seen[r.ID] = true

		if r.Source == "" {
			return &MissingRepoSourceError{ID: r.ID}
		}
		if !filepath.IsAbs(r.Source) {
			r.Source = filepath.Join(c.ConfigDir, r.Source)
		}
	}
	return nil
}

// WriteExample writes a minimal valid config file to path: one repo with
// id "core" and source ".".
func WriteExample(path string) error {
	cfg := Config{Repos: []RepoConfig{{ID: "core", Source: "."}}}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644) // #nosec G306 - config files are not secrets
}
