// Package cmd wires the kiln command line interface.
package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/golithk/kiln/internal/config"
)

var (
	version = "dev"
	cfgFile string
	cfg     config.Config
)

var rootCmd = &cobra.Command{
	Use:     "kiln",
	Short:   "A daemon that drives a coding agent through project-board issues",
	Long: `kiln polls GitHub project boards and drives a headless coding agent
through a staged workflow (Research, Plan, Implement, Validate) for each
issue, posting every artifact back to the issue for review.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: ~/.kiln/config.yaml)")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// SetVersion overrides the build version shown by --version.
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}

func initConfig() {
	defaults := config.Defaults()
	viper.SetDefault("daemon.poll_interval", defaults.Daemon.PollInterval)
	viper.SetDefault("daemon.hibernation_interval", defaults.Daemon.HibernationInterval)
	viper.SetDefault("daemon.max_concurrent_workflows", defaults.Daemon.MaxConcurrentWorkflows)
	viper.SetDefault("daemon.stale_running_after", defaults.Daemon.StaleRunningAfter)
	viper.SetDefault("daemon.failure_threshold", defaults.Daemon.FailureThreshold)
	viper.SetDefault("daemon.failure_cooldown", defaults.Daemon.FailureCooldown)
	viper.SetDefault("daemon.log_path", defaults.Daemon.LogPath)
	viper.SetDefault("agent.command", defaults.Agent.Command)
	viper.SetDefault("agent.model", defaults.Agent.Model)
	viper.SetDefault("agent.total_timeout", defaults.Agent.TotalTimeout)
	viper.SetDefault("agent.inactivity_timeout", defaults.Agent.InactivityTimeout)
	viper.SetDefault("workspace.root", defaults.Workspace.Root)
	viper.SetDefault("store.path", defaults.Store.Path)
	viper.SetDefault("backend.version", defaults.Backend.Version)
	viper.SetDefault("backend.token_env", defaults.Backend.TokenEnv)
	viper.SetDefault("plugins.probe_timeout", defaults.Plugins.ProbeTimeout)
	viper.SetDefault("tracing.exporter", defaults.Tracing.Exporter)
	viper.SetDefault("tracing.otlp_endpoint", defaults.Tracing.OTLPEndpoint)
	viper.SetDefault("tracing.sample_rate", defaults.Tracing.SampleRate)

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, _ := os.UserHomeDir()
		viper.AddConfigPath(filepath.Join(home, ".kiln"))
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	if err := viper.ReadInConfig(); err != nil {
		// Missing config is fine for `kiln config init`; commands that
		// need one validate and complain themselves.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			fmt.Fprintf(os.Stderr, "reading config: %v\n", err)
		}
	}

	_ = viper.Unmarshal(&cfg)
}
