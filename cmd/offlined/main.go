// Command offlined runs the offline caching and sync agent in front of one
// origin, and talks to a running agent from the command line.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/basket/go-offline/internal/config"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	homeDir string
	timeout time.Duration
)

func main() {
	// A missing .env is normal.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "warning: failed to load .env: %v\n", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "offlined",
		Short: "Offline caching and sync agent",
		Long: `offlined sits between an application and its origin. It pre-caches the
application shell, serves cached or synthetic responses when the origin is
unreachable, queues offline writes for replay and relays push notifications.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if homeDir != "" {
				abs, err := filepath.Abs(homeDir)
				if err != nil {
					return err
				}
				if err := os.Setenv("OFFLINED_HOME", abs); err != nil {
					return err
				}
			}
			// Values in the agent home never override the environment.
			_ = godotenv.Load(filepath.Join(config.HomeDir(), ".env"))
			return nil
		},
	}
	root.PersistentFlags().StringVar(&homeDir, "home", "", "agent home directory (default $OFFLINED_HOME or ~/.offlined)")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Second, "timeout for client commands")

	root.AddCommand(runCmd())
	root.AddCommand(initCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(updateCmd())
	root.AddCommand(clearCacheCmd())
	root.AddCommand(syncCmd())
	root.AddCommand(pushCmd())
	root.AddCommand(watchCmd())
	root.AddCommand(backupCmd())
	root.AddCommand(doctorCmd())
	return root
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a default config.yaml into the agent home",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			home := config.HomeDir()
			if err := config.WriteDefault(home); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), config.ConfigPath(home))
			return nil
		},
	}
}
