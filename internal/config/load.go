package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"

	"github.com/go-ftpsync/ftpsync/internal/obscure"
)

// ErrProfileNotFound is returned by Resolve when the named profile isn't in
// the config file.
var ErrProfileNotFound = errors.New("config: profile not found")

// Load reads and parses a TOML config file. Passwords in the file are
// expected to be pre-obscured (e.g. by `ftpsync config set-password`); Load
// does not reveal them, so the returned Config is safe to log.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}
	if cfg.Profiles == nil {
		cfg.Profiles = map[string]Profile{}
	}
	return cfg, nil
}

// LoadOrDefault reads path if it exists, otherwise returns an empty,
// all-default Config so a first run doesn't need a pre-existing file.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return DefaultConfig(), nil
	}
	return Load(path)
}

// Resolve looks up name, merges it over Defaults, and reveals its password.
func (c *Config) Resolve(name string) (Profile, error) {
	p, ok := c.Profiles[name]
	if !ok {
		return Profile{}, fmt.Errorf("%w: %q", ErrProfileNotFound, name)
	}
	merged := c.Merge(p)
	if merged.Password != "" {
		plain, err := obscure.Reveal(merged.Password)
		if err != nil {
			return Profile{}, fmt.Errorf("revealing password for profile %q: %w", name, err)
		}
		merged.Password = plain
	}
	return merged, nil
}
