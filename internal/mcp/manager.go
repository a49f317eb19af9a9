// Package mcp resolves the MCP plugin config template, materializes
// per-run config files, and probes plugin endpoints.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/golithk/kiln/internal/kilnerr"
	"github.com/golithk/kiln/internal/log"
)

// bearerPlaceholder is substituted with a freshly minted token when the
// per-run config is written.
const bearerPlaceholder = "${BEARER_TOKEN}"

// runConfigName is the resolved config file written into each worktree.
const runConfigName = "mcp-config.json"

// TokenMinter supplies bearer tokens for plugin endpoints.
type TokenMinter interface {
	Token(ctx context.Context) (string, error)
}

// serverEntry is the subset of an MCP server definition the manager
// inspects. Unknown fields pass through untouched in the raw template.
type serverEntry struct {
	Type string `json:"type"`
	URL  string `json:"url"`
}

type templateConfig struct {
	MCPServers map[string]serverEntry `json:"mcpServers"`
}

// Manager owns the plugin config template. A Manager with an empty
// template path is a no-op: Enabled reports false and WriteRunConfig
// returns an empty path.
type Manager struct {
	templatePath string
	minter       TokenMinter
	probeTimeout time.Duration
	httpClient   *http.Client

	mu       sync.Mutex
	template []byte
}

// NewManager builds a Manager for the template at path.
func NewManager(templatePath string, minter TokenMinter, probeTimeout time.Duration) *Manager {
	if probeTimeout <= 0 {
		probeTimeout = 10 * time.Second
	}
	return &Manager{
		templatePath: templatePath,
		minter:       minter,
		probeTimeout: probeTimeout,
		httpClient:   &http.Client{Timeout: probeTimeout},
	}
}

// Enabled reports whether a plugin config template is configured.
func (m *Manager) Enabled() bool {
	return m.templatePath != ""
}

// Reload drops the cached template so the next use re-reads the file.
func (m *Manager) Reload() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.template = nil
	log.Info(log.CatMCP, "Plugin config template invalidated", "path", m.templatePath)
}

// loadTemplate returns the raw template bytes, reading and validating
// the file on first use.
func (m *Manager) loadTemplate() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.template != nil {
		return m.template, nil
	}
	data, err := os.ReadFile(m.templatePath)
	if err != nil {
		return nil, fmt.Errorf("reading plugin config template: %w", err)
	}
	var cfg templateConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing plugin config template: %w", err)
	}
	m.template = data
	return data, nil
}

// Resolve returns the template with ${BEARER_TOKEN} substituted.
func (m *Manager) Resolve(ctx context.Context) ([]byte, error) {
	raw, err := m.loadTemplate()
	if err != nil {
		return nil, err
	}
	text := string(raw)
	if strings.Contains(text, bearerPlaceholder) {
		if m.minter == nil {
			return nil, fmt.Errorf("plugin config references %s but no token minter is configured", bearerPlaceholder)
		}
		token, err := m.minter.Token(ctx)
		if err != nil {
			return nil, kilnerr.New(kilnerr.KindPluginUnavailable,
				fmt.Errorf("minting plugin token: %w", err))
		}
		text = strings.ReplaceAll(text, bearerPlaceholder, token)
	}
	return []byte(text), nil
}

// WriteRunConfig writes the resolved config into dir and returns its
// path. Returns an empty path when no template is configured.
func (m *Manager) WriteRunConfig(ctx context.Context, dir string) (string, error) {
	if !m.Enabled() {
		return "", nil
	}
	resolved, err := m.Resolve(ctx)
	if err != nil {
		return "", err
	}
	kilnDir := filepath.Join(dir, ".kiln")
	if err := os.MkdirAll(kilnDir, 0o755); err != nil {
		return "", fmt.Errorf("creating run config dir: %w", err)
	}
	path := filepath.Join(kilnDir, runConfigName)
	// Config carries a live bearer token.
	if err := os.WriteFile(path, resolved, 0o600); err != nil {
		return "", fmt.Errorf("writing run config: %w", err)
	}
	return path, nil
}

// Probe checks that each remote plugin endpoint answers. Endpoint
// failures come back as plugin_unavailable so callers degrade instead
// of failing runs.
func (m *Manager) Probe(ctx context.Context) error {
	if !m.Enabled() {
		return nil
	}
	raw, err := m.loadTemplate()
	if err != nil {
		return err
	}
	var cfg templateConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return fmt.Errorf("parsing plugin config template: %w", err)
	}
	for name, srv := range cfg.MCPServers {
		if srv.URL == "" {
			// Stdio servers have nothing to probe.
			continue
		}
		if err := m.probeOne(ctx, name, srv.URL); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) probeOne(ctx context.Context, name, rawURL string) error {
	ctx, cancel := context.WithTimeout(ctx, m.probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return kilnerr.New(kilnerr.KindPluginUnavailable,
			fmt.Errorf("plugin %s has invalid url %q: %w", name, rawURL, err))
	}
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return kilnerr.New(kilnerr.KindPluginUnavailable,
			fmt.Errorf("plugin %s unreachable at %s: %w", name, rawURL, err))
	}
	defer resp.Body.Close()
	// Any response proves the endpoint is alive. MCP servers commonly
	// reject plain GETs with 4xx.
	if resp.StatusCode >= 500 {
		return kilnerr.New(kilnerr.KindPluginUnavailable,
			fmt.Errorf("plugin %s returned status %d", name, resp.StatusCode))
	}
	log.Debug(log.CatMCP, "Plugin endpoint answered", "plugin", name, "status", resp.StatusCode)
	return nil
}
