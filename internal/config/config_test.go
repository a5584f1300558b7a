package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshuapare/aeonkit/internal/format"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "aeon.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func Test_Load_DefaultsWithoutFile(t *testing.T) {
	t.Setenv("AEON_CONFIG_FILE", "")
	c, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), c)
}

func Test_Load_YAMLThenEnv(t *testing.T) {
	path := writeFile(t, `
image: /tmp/vol.img
size_mb: 16
shards: 4
max_dentry_blocks: 32
name_normalization: nfc
log:
  enabled: true
  level: debug
`)
	t.Setenv("AEON_SHARDS", "2")
	t.Setenv("AEON_LOG_JSON", "true")

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/vol.img", c.Image)
	assert.Equal(t, 16, c.SizeMB)
	assert.Equal(t, 2, c.Shards, "environment wins over the file")
	assert.Equal(t, 32, c.MaxDentryBlocks)
	assert.True(t, c.Log.Enabled)
	assert.True(t, c.Log.JSON)

	opts := c.FSOptions()
	assert.Equal(t, 2, opts.Shards)
	assert.True(t, opts.NFC)
	assert.Equal(t, 32, opts.MaxDentryBlocks)
	assert.Equal(t, int64(16<<20), c.SizeBytes())
}

func Test_Load_ConfigFileFromEnv(t *testing.T) {
	path := writeFile(t, "image: from-env.img\n")
	t.Setenv("AEON_CONFIG_FILE", path)
	c, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "from-env.img", c.Image)
}

func Test_Load_Errors(t *testing.T) {
	t.Setenv("AEON_CONFIG_FILE", "")

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err, "explicit missing file")

	_, err = Load(writeFile(t, "imgae: typo.img\n"))
	require.Error(t, err, "unknown keys are rejected")

	_, err = Load(writeFile(t, "name_normalization: nfd\n"))
	require.Error(t, err)

	t.Setenv("AEON_SIZE_MB", "not-a-number")
	_, err = Load("")
	require.Error(t, err)
}

func Test_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"defaults", func(*Config) {}, true},
		{"no image", func(c *Config) { c.Image = "" }, false},
		{"too small", func(c *Config) { c.SizeMB = 0 }, false},
		{"negative shards", func(c *Config) { c.Shards = -1 }, false},
		{"too many shards", func(c *Config) { c.Shards = format.MaxShards + 1 }, false},
		{"max shards", func(c *Config) { c.Shards = format.MaxShards }, true},
		{"dentry blocks zero", func(c *Config) { c.MaxDentryBlocks = 0 }, false},
		{"dentry blocks over", func(c *Config) { c.MaxDentryBlocks = format.MaxDentryBlocks + 1 }, false},
		{"bad level", func(c *Config) { c.Log.Level = "chatty" }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.mutate(&c)
			err := c.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func Test_ShardCount_DefaultsToCPUs(t *testing.T) {
	c := Default()
	n := c.ShardCount()
	assert.GreaterOrEqual(t, n, 1)
	assert.LessOrEqual(t, n, format.MaxShards)

	c.Shards = 3
	assert.Equal(t, 3, c.ShardCount())
}
