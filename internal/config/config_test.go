package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	t.Setenv(EnvAPIBase, "")
	t.Setenv(EnvPlugin, "")
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:8000/api/v1", cfg.API.BaseURL)
	assert.Equal(t, 10*time.Second, cfg.Poll.DetailInterval())
	assert.Equal(t, 30*time.Second, cfg.Poll.ListInterval())
	assert.Equal(t, 20*time.Second, cfg.API.Timeout())
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
api:
  baseURL: https://admin.example.com/api/v1
  plugin: gpt
  timeoutMs: 5000
poll:
  detailIntervalMs: 2000
`), 0o600))

	t.Setenv(EnvAPIBase, "https://staging.example.com/api/v1")
	t.Setenv(EnvToken, " tok ")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "https://staging.example.com/api/v1", cfg.API.BaseURL)
	assert.Equal(t, "gpt", cfg.API.Plugin)
	assert.Equal(t, 5*time.Second, cfg.API.Timeout())
	assert.Equal(t, 2*time.Second, cfg.Poll.DetailInterval())
	assert.Equal(t, "tok", cfg.BootstrapToken)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		mut  func(*Config)
		ok   bool
	}{
		{"defaults", func(*Config) {}, true},
		{"relative base", func(c *Config) { c.API.BaseURL = "/api/v1" }, false},
		{"nested plugin", func(c *Config) { c.API.Plugin = "a/b" }, false},
		{"email without host", func(c *Config) { c.Notify.Email = EmailConfig{Enabled: true, To: []string{"x@example.com"}} }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var c Config
			c.applyDefaults()
			tt.mut(&c)
			err := c.validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}
