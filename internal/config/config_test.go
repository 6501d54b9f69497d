package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("TEST_API_KEY", "test_key_123")
	result := expandEnvVars("api_key: ${TEST_API_KEY}")
	assert.Equal(t, "api_key: test_key_123", result)
}

func TestExpandEnvVarsMissingBecomesEmpty(t *testing.T) {
	result := expandEnvVars("api_key: ${DEFINITELY_UNSET_VAR}")
	assert.Equal(t, "api_key: ", result)
}

const validConfigYAML = `
mode: paper
exchange: binance
symbols: ["BTC/USDT", "ETH/USDT"]
fixed_amount: 25
intervals:
  eval_interval_sec: 5
  exits_interval_sec: 5
  reconcile_interval_sec: 60
  watchdog_interval_sec: 15
idempotency:
  bucket_ms: 60000
  ttl_sec: 120
http:
  timeout_sec: 10
exits:
  mode: both
log:
  level: INFO
storage:
  path: ${TEST_DB_PATH}
`

func TestLoadConfigValidPaperMode(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(validConfigYAML), 0o600))
	t.Setenv("TEST_DB_PATH", filepath.Join(dir, "engine.db"))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, ModePaper, cfg.Mode)
	assert.Equal(t, []string{"BTC/USDT", "ETH/USDT"}, cfg.Symbols)
	assert.Equal(t, filepath.Join(dir, "engine.db"), cfg.Storage.Path)
}

func TestLoadConfigLiveModeRequiresCredentials(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := strings.Replace(validConfigYAML, "mode: paper", "mode: live", 1)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	t.Setenv("TEST_DB_PATH", filepath.Join(dir, "engine.db"))

	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "api_key")
}

func TestLoadConfigRejectsSubSecondBucketMs(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := strings.Replace(validConfigYAML, "bucket_ms: 60000", "bucket_ms: 60", 1)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	t.Setenv("TEST_DB_PATH", filepath.Join(dir, "engine.db"))

	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bucket_ms")
}

func TestCredentialFileIndirection(t *testing.T) {
	dir := t.TempDir()
	keyFile := filepath.Join(dir, "api_key")
	require.NoError(t, os.WriteFile(keyFile, []byte("from-file-key\n"), 0o600))
	t.Setenv("API_KEY_FILE", keyFile)

	cfg := &Config{}
	require.NoError(t, resolveCredentialIndirection(cfg))
	assert.Equal(t, Secret("from-file-key"), cfg.Credentials.APIKey)
}

func TestConfigStringRedactsCredentials(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Credentials.APIKey = "super-secret-value"
	cfg.Credentials.APISecret = "another-secret-value"

	out := cfg.String()
	assert.NotContains(t, out, "super-secret-value")
	assert.NotContains(t, out, "another-secret-value")
	assert.Contains(t, out, "REDACTED")
}

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
}
