// Package config provides configuration types and defaults for kiln.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Config holds all configuration options for kiln.
type Config struct {
	Projects      []ProjectConfig `mapstructure:"projects"`
	Daemon        DaemonConfig    `mapstructure:"daemon"`
	Agent         AgentConfig     `mapstructure:"agent"`
	Workspace     WorkspaceConfig `mapstructure:"workspace"`
	Store         StoreConfig     `mapstructure:"store"`
	Backend       BackendConfig   `mapstructure:"backend"`
	Authorization AuthConfig      `mapstructure:"authorization"`
	Plugins       PluginConfig    `mapstructure:"plugins"`
	PagerDuty     PagerDutyConfig `mapstructure:"pagerduty"`
	Slack         SlackConfig     `mapstructure:"slack"`
	Tracing       TracingConfig   `mapstructure:"tracing"`
}

// ProjectConfig names one project board kiln polls.
type ProjectConfig struct {
	// URL is the project board URL, e.g.
	// https://github.com/orgs/acme/projects/7
	URL string `mapstructure:"url"`
}

// DaemonConfig holds poll-loop tuning.
type DaemonConfig struct {
	PollInterval           time.Duration `mapstructure:"poll_interval"`
	HibernationInterval    time.Duration `mapstructure:"hibernation_interval"`
	MaxConcurrentWorkflows int           `mapstructure:"max_concurrent_workflows"`
	// StaleRunningAfter is how long a running label may exist without a
	// live run before the sweep removes it.
	StaleRunningAfter time.Duration `mapstructure:"stale_running_after"`
	// FailureThreshold is the consecutive-failure count after which an
	// issue is hidden for FailureCooldown instead of the short backoff.
	FailureThreshold int           `mapstructure:"failure_threshold"`
	FailureCooldown  time.Duration `mapstructure:"failure_cooldown"`
	LogPath          string        `mapstructure:"log_path"`
}

// AgentConfig holds settings for the headless agent subprocess.
type AgentConfig struct {
	// Command is the agent CLI binary. Default "claude".
	Command string `mapstructure:"command"`
	// Model is the default model when a stage has no override.
	Model string `mapstructure:"model"`
	// StageModels overrides the model per stage name
	// (research, plan, implement, validate).
	StageModels       map[string]string `mapstructure:"stage_models"`
	TotalTimeout      time.Duration     `mapstructure:"total_timeout"`
	InactivityTimeout time.Duration     `mapstructure:"inactivity_timeout"`
}

// ModelFor returns the model for a stage, falling back to the default.
func (a AgentConfig) ModelFor(stage string) string {
	if m, ok := a.StageModels[strings.ToLower(stage)]; ok && m != "" {
		return m
	}
	return a.Model
}

// WorkspaceConfig holds worktree provisioning settings.
type WorkspaceConfig struct {
	// Root is the directory holding per-repo mirrors and run worktrees.
	// Default: ~/.kiln/workspaces
	Root string `mapstructure:"root"`
	// CredentialsFile is a YAML file mapping repo hosts to tokens,
	// copied into each run workspace. Optional.
	CredentialsFile string `mapstructure:"credentials_file"`
}

// StoreConfig holds local state database settings.
type StoreConfig struct {
	// Path is the sqlite database path. Default: ~/.kiln/kiln.db
	Path string `mapstructure:"path"`
}

// BackendConfig selects the board backend variant.
type BackendConfig struct {
	// Version is one of "github.com", "3.18", "3.17", "3.15", "3.14".
	Version string `mapstructure:"version"`
	// BaseURL is the API base for GHES variants, e.g.
	// https://ghe.example.com. Ignored for github.com.
	BaseURL string `mapstructure:"base_url"`
	// TokenEnv names the env var carrying the API token.
	TokenEnv string `mapstructure:"token_env"`
}

// AuthConfig controls which actors may trigger workflows.
type AuthConfig struct {
	// SelfUsername is kiln's own account; its status moves never trigger.
	SelfUsername string `mapstructure:"self_username"`
	// TeamUsernames are allowed to trigger workflows and submit revisions.
	TeamUsernames []string `mapstructure:"team_usernames"`
}

// Allowed reports whether actor may trigger workflows.
// Self is excluded so kiln's own column moves do not re-trigger work.
func (a AuthConfig) Allowed(actor string) bool {
	if actor == "" || actor == a.SelfUsername {
		return false
	}
	for _, u := range a.TeamUsernames {
		if strings.EqualFold(u, actor) {
			return true
		}
	}
	return false
}

// IsSelf reports whether actor is kiln's own account.
func (a AuthConfig) IsSelf(actor string) bool {
	return actor != "" && strings.EqualFold(actor, a.SelfUsername)
}

// PluginConfig holds MCP plugin settings.
type PluginConfig struct {
	// ConfigPath is the MCP config template with ${BEARER_TOKEN}
	// placeholders. Optional; when empty, no --mcp-config is passed.
	ConfigPath   string        `mapstructure:"config_path"`
	ProbeTimeout time.Duration `mapstructure:"probe_timeout"`
	// OAuth configures token minting for ${BEARER_TOKEN} substitution.
	OAuth OAuthConfig `mapstructure:"oauth"`
}

// OAuthConfig holds client-credentials settings for plugin tokens.
type OAuthConfig struct {
	TokenURL     string `mapstructure:"token_url"`
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`
	Scope        string `mapstructure:"scope"`
}

// PagerDutyConfig holds Events v2 settings.
type PagerDutyConfig struct {
	RoutingKey string `mapstructure:"routing_key"`
}

// SlackConfig holds failure-notice settings.
type SlackConfig struct {
	Token   string `mapstructure:"token"`
	Channel string `mapstructure:"channel"`
}

// TracingConfig holds distributed tracing configuration.
type TracingConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Exporter selects the trace export backend: "none", "stdout", "otlp".
	Exporter string `mapstructure:"exporter"`
	// OTLPEndpoint is the collector endpoint for the "otlp" exporter.
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
	// SampleRate controls trace sampling (0.0 to 1.0).
	SampleRate float64 `mapstructure:"sample_rate"`
}

// Defaults returns the default configuration.
func Defaults() Config {
	return Config{
		Daemon: DaemonConfig{
			PollInterval:           60 * time.Second,
			HibernationInterval:    300 * time.Second,
			MaxConcurrentWorkflows: 3,
			StaleRunningAfter:      time.Hour,
			FailureThreshold:       5,
			FailureCooldown:        time.Hour,
			LogPath:                defaultStatePath("kiln.log"),
		},
		Agent: AgentConfig{
			Command:           "claude",
			Model:             "sonnet",
			TotalTimeout:      30 * time.Minute,
			InactivityTimeout: 5 * time.Minute,
		},
		Workspace: WorkspaceConfig{
			Root: defaultStatePath("workspaces"),
		},
		Store: StoreConfig{
			Path: defaultStatePath("kiln.db"),
		},
		Backend: BackendConfig{
			Version:  "github.com",
			TokenEnv: "KILN_GITHUB_TOKEN",
		},
		Plugins: PluginConfig{
			ProbeTimeout: 10 * time.Second,
		},
		Tracing: TracingConfig{
			Exporter:     "otlp",
			OTLPEndpoint: "localhost:4317",
			SampleRate:   1.0,
		},
	}
}

// Validate checks configuration invariants that would otherwise surface
// as confusing runtime failures.
func (c Config) Validate() error {
	if len(c.Projects) == 0 {
		return fmt.Errorf("at least one project board is required")
	}
	for _, p := range c.Projects {
		u, err := url.Parse(p.URL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("invalid project url %q", p.URL)
		}
	}
	switch c.Backend.Version {
	case "github.com", "3.18", "3.17", "3.15", "3.14":
	default:
		return fmt.Errorf("unknown backend version %q", c.Backend.Version)
	}
	if c.Backend.Version != "github.com" && c.Backend.BaseURL == "" {
		return fmt.Errorf("backend.base_url is required for GHES version %s", c.Backend.Version)
	}
	if c.Daemon.MaxConcurrentWorkflows < 1 {
		return fmt.Errorf("daemon.max_concurrent_workflows must be at least 1")
	}
	if c.Authorization.SelfUsername == "" {
		return fmt.Errorf("authorization.self_username is required")
	}
	return nil
}

func defaultStatePath(name string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return name
	}
	return filepath.Join(home, ".kiln", name)
}
