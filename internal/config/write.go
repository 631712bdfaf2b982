package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"github.com/go-ftpsync/ftpsync/internal/obscure"
)

const configFilePermissions = 0o600

// Save serializes cfg and atomically replaces path's contents: write to a
// temp file in the same directory, fsync, rename. Mirrors the
// write-then-rename pattern used for config persistence elsewhere in the
// pack, simplified since ftpsync's config is a single typed struct rather
// than a hand-edited line-oriented file.
func (c *Config) Save(path string) error {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(c); err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	f, err := os.CreateTemp(dir, ".ftpsync-config-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tempPath := f.Name()
	succeeded := false
	defer func() {
		if !succeeded {
			os.Remove(tempPath)
		}
	}()

	if _, err := f.Write(buf.Bytes()); err != nil {
		f.Close()
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("syncing temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Chmod(tempPath, configFilePermissions); err != nil {
		return fmt.Errorf("setting file permissions: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		return fmt.Errorf("renaming temp file: %w", err)
	}
	succeeded = true
	return nil
}

// SetPassword obscures plaintext and stores it on the named profile,
// creating the profile if it doesn't already exist.
func (c *Config) SetPassword(profile, plaintext string) error {
	obscured, err := obscure.Obscure(plaintext)
	if err != nil {
		return fmt.Errorf("obscuring password: %w", err)
	}
	p := c.Profiles[profile]
	p.Password = obscured
	if c.Profiles == nil {
		c.Profiles = map[string]Profile{}
	}
	c.Profiles[profile] = p
	return nil
}
