// Package main is the entry point for the sync server admin CLI.
// It provides operator commands for users, sharing groups, tokens and keys.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/prn-tf/syncserver/internal/app"
	"github.com/prn-tf/syncserver/internal/config"
)

// Version information (set at build time)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "syncserver-admin",
		Short: "Administer a sync server",
		Long: `syncserver-admin manages users, sharing groups and tokens directly in the
sync server database.

Examples:
  syncserver-admin user create --username alice --password secret123
  syncserver-admin sharing-group create --owner alice --name Family
  syncserver-admin sharing-group add-member --sharing-group <uuid> --username bob --permission write
  syncserver-admin token --username alice --device <uuid>
  syncserver-admin keygen`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default: ./config.yaml)")

	rootCmd.AddCommand(newUserCmd())
	rootCmd.AddCommand(newSharingGroupCmd())
	rootCmd.AddCommand(newTokenCmd())
	rootCmd.AddCommand(newKeygenCmd())
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("syncserver-admin %s (built %s, commit %s)\n", Version, BuildTime, GitCommit)
		},
	})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// withApp loads the configuration, wires the services and runs fn.
func withApp(fn func(ctx context.Context, a *app.App) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		logger, err := app.NewLogger(cfg.Logging)
		if err != nil {
			return err
		}

		a, err := app.New(cmd.Context(), cfg, logger.Level(zerolog.WarnLevel))
		if err != nil {
			return err
		}
		defer a.Close()

		return fn(cmd.Context(), a)
	}
}
