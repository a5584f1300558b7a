// Package config loads aeonctl settings: a YAML file first, then AEON_*
// environment variables on top.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/joshuapare/aeonkit/internal/format"
	"github.com/joshuapare/aeonkit/internal/logger"
	"github.com/joshuapare/aeonkit/pkg/aeonfs"
)

const (
	envVarPrefix = "AEON"

	// NormalizeNone stores names byte-for-byte.
	NormalizeNone = "none"
	// NormalizeNFC stores names in Unicode normalization form C.
	NormalizeNFC = "nfc"
)

// Config is the full aeonctl configuration.
type Config struct {
	Image             string `yaml:"image"              envconfig:"IMAGE"`
	SizeMB            int    `yaml:"size_mb"            envconfig:"SIZE_MB"`
	Shards            int    `yaml:"shards"             envconfig:"SHARDS"`
	MaxDentryBlocks   int    `yaml:"max_dentry_blocks"  envconfig:"MAX_DENTRY_BLOCKS"`
	NameNormalization string `yaml:"name_normalization" envconfig:"NAME_NORMALIZATION"`
	Log               Log    `yaml:"log"                envconfig:"LOG"`
}

// Log configures internal/logger.
type Log struct {
	Enabled bool   `yaml:"enabled" envconfig:"ENABLED"`
	Dir     string `yaml:"dir"     envconfig:"DIR"`
	Level   string `yaml:"level"   envconfig:"LEVEL"`
	JSON    bool   `yaml:"json"    envconfig:"JSON"`
}

// Default returns the settings used when nothing overrides them.
func Default() Config {
	return Config{
		Image:             "aeon.img",
		SizeMB:            64,
		MaxDentryBlocks:   format.MaxDentryBlocks,
		NameNormalization: NormalizeNone,
		Log:               Log{Level: "info"},
	}
}

// Load builds the configuration from path (or $AEON_CONFIG_FILE when path
// is empty) and the environment. A missing file is only an error when it
// was asked for explicitly.
func Load(path string) (Config, error) {
	c := Default()

	explicit := path != ""
	if !explicit {
		path = os.Getenv(envVarPrefix + "_CONFIG_FILE")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := decode(data, &c); err != nil {
				return Config{}, fmt.Errorf("unmarshaling config file %s: %w", path, err)
			}
		case explicit || !errors.Is(err, os.ErrNotExist):
			return Config{}, fmt.Errorf("reading config file: %w", err)
		}
	}

	if err := envconfig.Process(envVarPrefix, &c); err != nil {
		return Config{}, fmt.Errorf("parsing environment variables: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func decode(data []byte, c *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Validate rejects settings Format or Mount would refuse.
func (c *Config) Validate() error {
	switch {
	case c.Image == "":
		return fmt.Errorf("missing required configuration: image / %s_IMAGE", envVarPrefix)
	case c.SizeMB <= 0 || uint64(c.SizeMB)<<20/format.BlockSize < format.MinBlocks:
		return fmt.Errorf("size_mb %d: need at least %d blocks", c.SizeMB, format.MinBlocks)
	case c.Shards < 0 || c.Shards > format.MaxShards:
		return fmt.Errorf("shards %d: must be 0 (one per CPU) up to %d", c.Shards, format.MaxShards)
	case c.MaxDentryBlocks < 1 || c.MaxDentryBlocks > format.MaxDentryBlocks:
		return fmt.Errorf("max_dentry_blocks %d: must be 1 to %d", c.MaxDentryBlocks, format.MaxDentryBlocks)
	case c.NameNormalization != NormalizeNone && c.NameNormalization != NormalizeNFC:
		return fmt.Errorf("name_normalization %q: want %q or %q", c.NameNormalization, NormalizeNone, NormalizeNFC)
	}
	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	return nil
}

// SizeBytes is the image size Format creates.
func (c *Config) SizeBytes() int64 { return int64(c.SizeMB) << 20 }

// ShardCount resolves shards: 0 means one per CPU, capped at the format
// limit.
func (c *Config) ShardCount() int {
	if c.Shards > 0 {
		return c.Shards
	}
	return min(runtime.NumCPU(), format.MaxShards)
}

// FSOptions converts the configuration for aeonfs.Format.
func (c *Config) FSOptions() aeonfs.Options {
	return aeonfs.Options{
		Shards:          c.ShardCount(),
		MaxDentryBlocks: c.MaxDentryBlocks,
		NFC:             c.NameNormalization == NormalizeNFC,
		Logger:          logger.L,
	}
}

// LoggerOptions converts the log section for logger.Init. Validate has
// already checked the level.
func (c *Config) LoggerOptions() logger.Options {
	lvl, _ := logger.ParseLevel(c.Log.Level)
	return logger.Options{
		Enabled: c.Log.Enabled,
		Dir:     c.Log.Dir,
		Level:   lvl,
		JSON:    c.Log.JSON,
	}
}
