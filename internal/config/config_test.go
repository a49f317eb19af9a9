package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	cfg := Defaults()
	cfg.Projects = []ProjectConfig{{URL: "https://github.com/orgs/acme/projects/7"}}
	cfg.Authorization.SelfUsername = "kiln-bot"
	return cfg
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"no projects", func(c *Config) { c.Projects = nil }, "at least one project"},
		{"bad project url", func(c *Config) { c.Projects[0].URL = "not a url" }, "invalid project url"},
		{"unknown backend", func(c *Config) { c.Backend.Version = "3.2" }, "unknown backend version"},
		{"ghes without base url", func(c *Config) { c.Backend.Version = "3.17" }, "base_url is required"},
		{"zero workers", func(c *Config) { c.Daemon.MaxConcurrentWorkflows = 0 }, "at least 1"},
		{"no self username", func(c *Config) { c.Authorization.SelfUsername = "" }, "self_username"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.ErrorContains(t, err, tt.wantErr)
			}
		})
	}
}

func TestValidateGHESWithBaseURL(t *testing.T) {
	cfg := validConfig()
	cfg.Backend.Version = "3.14"
	cfg.Backend.BaseURL = "https://ghe.example.com"
	assert.NoError(t, cfg.Validate())
}

func TestModelFor(t *testing.T) {
	a := AgentConfig{
		Model:       "sonnet",
		StageModels: map[string]string{"implement": "opus"},
	}
	assert.Equal(t, "opus", a.ModelFor("Implement"))
	assert.Equal(t, "sonnet", a.ModelFor("research"))
	assert.Equal(t, "sonnet", a.ModelFor("unknown"))
}

func TestAuthAllowed(t *testing.T) {
	a := AuthConfig{
		SelfUsername:  "kiln-bot",
		TeamUsernames: []string{"alice", "Bob"},
	}
	assert.True(t, a.Allowed("alice"))
	assert.True(t, a.Allowed("bob"))
	assert.False(t, a.Allowed("kiln-bot"))
	assert.False(t, a.Allowed("mallory"))
	assert.False(t, a.Allowed(""))
	assert.True(t, a.IsSelf("kiln-bot"))
	assert.False(t, a.IsSelf("alice"))
}

func TestWriteDefaultConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.yaml")
	require.NoError(t, WriteDefaultConfig(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "poll_interval")

	// Second write must not clobber an existing file.
	assert.ErrorContains(t, WriteDefaultConfig(path), "already exists")
}

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	assert.Equal(t, "claude", cfg.Agent.Command)
	assert.Equal(t, 3, cfg.Daemon.MaxConcurrentWorkflows)
	assert.Equal(t, "github.com", cfg.Backend.Version)
	assert.NotEmpty(t, cfg.Store.Path)
}
