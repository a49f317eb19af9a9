package config

import (
	"fmt"
	"os"
	"path/filepath"
)

const defaultConfigTemplate = `# kiln configuration
projects:
  # - url: https://github.com/orgs/acme/projects/7

daemon:
  poll_interval: 60s
  hibernation_interval: 300s
  max_concurrent_workflows: 3
  failure_threshold: 5
  failure_cooldown: 1h

agent:
  command: claude
  model: sonnet
  total_timeout: 30m
  inactivity_timeout: 5m
  # stage_models:
  #   implement: opus

backend:
  version: github.com
  token_env: KILN_GITHUB_TOKEN

authorization:
  self_username: ""
  team_usernames: []

# pagerduty:
#   routing_key: ""
# slack:
#   token: ""
#   channel: ""
`

// WriteDefaultConfig writes a starter config file at path.
// Fails if the file already exists.
func WriteDefaultConfig(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists: %s", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	// Write atomically (write to temp, then rename)
	temp, err := os.CreateTemp(filepath.Dir(path), ".kiln.yaml.tmp.*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tempPath := temp.Name()
	if _, err := temp.WriteString(defaultConfigTemplate); err != nil {
		_ = temp.Close()
		_ = os.Remove(tempPath)
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := temp.Close(); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("renaming temp file: %w", err)
	}
	return nil
}
