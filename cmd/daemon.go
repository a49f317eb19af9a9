package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/golithk/kiln/internal/daemon"
	"github.com/golithk/kiln/internal/log"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the polling daemon",
	Long: `Run kiln as a long-lived daemon: poll the configured project boards,
claim eligible issues and drive the agent workflow until interrupted.`,
	RunE: runDaemon,
}

var onceCmd = &cobra.Command{
	Use:   "once",
	Short: "Run a single poll cycle and exit",
	RunE:  runOnce,
}

func init() {
	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(onceCmd)
}

func runDaemon(cmd *cobra.Command, args []string) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	cleanup, err := log.Init(cfg.Daemon.LogPath)
	if err != nil {
		return fmt.Errorf("opening log file: %w", err)
	}
	defer cleanup()

	sup, err := daemon.NewSupervisor(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return sup.Run(ctx)
}

func runOnce(cmd *cobra.Command, args []string) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	cleanup, err := log.Init(cfg.Daemon.LogPath)
	if err != nil {
		return fmt.Errorf("opening log file: %w", err)
	}
	defer cleanup()

	sup, err := daemon.NewSupervisor(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return sup.RunOnce(ctx)
}
