package cmd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigInitWritesStarterFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	cfgFile = path
	defer func() { cfgFile = "" }()

	require.NoError(t, runConfigInit(configInitCmd, nil))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "poll_interval")

	// A second init must refuse to clobber the file.
	assert.Error(t, runConfigInit(configInitCmd, nil))
}

func TestDaemonRejectsInvalidConfig(t *testing.T) {
	cfg.Projects = nil
	err := runDaemon(daemonCmd, nil)
	assert.ErrorContains(t, err, "invalid configuration")
}
