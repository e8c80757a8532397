package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	tmpfile, err := os.CreateTemp(t.TempDir(), "config_test_*.yml")
	require.NoError(t, err)
	_, err = tmpfile.WriteString(content)
	require.NoError(t, err)
	require.NoError(t, tmpfile.Close())
	return tmpfile.Name()
}

func TestLoadConfig_Defaults(t *testing.T) {
	// Provide a path that definitely doesn't exist
	config, err := LoadConfig("non_existent_config.yml")
	require.NoError(t, err)

	assert.True(t, config.Identity.Enable)
	assert.True(t, config.Identity.AutoDetect)
	assert.Equal(t, 5, config.Identity.MaxNicknames)
	assert.Equal(t, 30, config.Identity.CacheExpiryDays)
	assert.Equal(t, "prefix", config.Annotation.Position)
	assert.Equal(t, "先生", config.Annotation.DefaultAddress.Male)
	assert.Equal(t, "file", config.Persistence.Backend)
	assert.Equal(t, 30*time.Second, config.FlushInterval())
	assert.Equal(t, time.Hour, config.SweepInterval())
	assert.Equal(t, 2*time.Second, config.LookupTimeout())
	assert.Equal(t, 30*time.Minute, config.LookupCacheTTL())
	assert.Equal(t, "female", config.Platform.PronounRoles["she/her"])
	assert.Equal(t, "info", config.LogLevel())
	assert.NoError(t, config.Validate())
}

func TestLoadConfig_ValidFile(t *testing.T) {
	path := writeConfig(t, `
identity:
  max_nicknames: 3
  cache_expiry_days: 7
  auto_detect: false
annotation:
  position: suffix
  gender_labels:
    male: 男
persistence:
  backend: redis
  flush_interval_seconds: 5
platform:
  pronoun_roles:
    boy: male
model_settings:
  temperature: 0.7
  top_p: 0.9
log:
  debug: true
`)

	config, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 3, config.Identity.MaxNicknames)
	assert.Equal(t, 7, config.Identity.CacheExpiryDays)
	assert.False(t, config.Identity.AutoDetect)
	assert.True(t, config.Identity.Enable, "unset values keep their defaults")
	assert.Equal(t, "suffix", config.Annotation.Position)
	assert.Equal(t, "男", config.Annotation.GenderLabels.Male)
	assert.Equal(t, "female", config.Annotation.GenderLabels.Female)
	assert.Equal(t, "redis", config.Persistence.Backend)
	assert.Equal(t, 5*time.Second, config.FlushInterval())
	assert.Equal(t, "male", config.Platform.PronounRoles["boy"])
	assert.Equal(t, 0.7, config.ModelSettings.Temperature)
	assert.Equal(t, 0.9, config.ModelSettings.TopP)
	assert.Equal(t, "debug", config.LogLevel())
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	path := writeConfig(t, `
model_settings:
  temperature: "not a number"
  broken_yaml: [ unclosed bracket
`)

	config, err := LoadConfig(path)
	assert.Error(t, err)
	assert.Nil(t, config)
}

func TestLoadConfig_InvalidValues(t *testing.T) {
	path := writeConfig(t, `
identity:
  max_nicknames: 0
annotation:
  position: middle
persistence:
  backend: floppy
platform:
  pronoun_roles:
    robot: beep
`)

	config, err := LoadConfig(path)
	require.Error(t, err)
	assert.Nil(t, config)
	assert.Contains(t, err.Error(), "max_nicknames")
	assert.Contains(t, err.Error(), "position")
	assert.Contains(t, err.Error(), "backend")
	assert.Contains(t, err.Error(), "robot")
}
