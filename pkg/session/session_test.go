package session

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "us-east-1", cfg.Region)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.False(t, cfg.Debug)
}

func TestLoadConfigFile(t *testing.T) {
	t.Run("ReadsValues", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		content := "region: eu-west-1\nendpoint: http://localhost:8000\ndaxEndpoint: dax://cache.local\nmaxRetries: 7\ndebug: true\n"
		require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

		cfg, err := LoadConfigFile(path)
		require.NoError(t, err)
		assert.Equal(t, "eu-west-1", cfg.Region)
		assert.Equal(t, "http://localhost:8000", cfg.Endpoint)
		assert.Equal(t, "dax://cache.local", cfg.DaxEndpoint)
		assert.Equal(t, 7, cfg.MaxRetries)
		assert.True(t, cfg.Debug)
	})

	t.Run("AbsentFieldsKeepDefaults", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(path, []byte("endpoint: http://localhost:8000\n"), 0o600))

		cfg, err := LoadConfigFile(path)
		require.NoError(t, err)
		assert.Equal(t, "us-east-1", cfg.Region)
		assert.Equal(t, 3, cfg.MaxRetries)
	})

	t.Run("MissingFileFails", func(t *testing.T) {
		_, err := LoadConfigFile(filepath.Join(t.TempDir(), "absent.yaml"))
		assert.Error(t, err)
	})

	t.Run("MalformedYAMLFails", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(path, []byte("region: [unclosed"), 0o600))
		_, err := LoadConfigFile(path)
		assert.Error(t, err)
	})
}

func TestLoggerFallsBackToNoOp(t *testing.T) {
	s := &Session{config: DefaultConfig()}
	assert.NotNil(t, s.Logger())
}
