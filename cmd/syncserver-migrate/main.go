// Package main is the entry point for the sync server database migration tool.
// It manages the PostgreSQL and SQLite schema with goose.
package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/prn-tf/syncserver/internal/app"
	"github.com/prn-tf/syncserver/internal/config"
	"github.com/prn-tf/syncserver/internal/repository/backend"
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
		Use:          "syncserver-migrate",
		Short:        "Manage the sync server database schema",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default: ./config.yaml)")

	rootCmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Run all pending migrations",
			RunE: withProvider(func(ctx context.Context, p *goose.Provider) error {
				results, err := p.Up(ctx)
				for _, r := range results {
					fmt.Printf("OK   %s (%s)\n", r.Source.Path, r.Duration)
				}
				if err != nil {
					return err
				}
				if len(results) == 0 {
					fmt.Println("no pending migrations")
				}
				return nil
			}),
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back the last migration",
			RunE: withProvider(func(ctx context.Context, p *goose.Provider) error {
				r, err := p.Down(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("OK   %s (%s)\n", r.Source.Path, r.Duration)
				return nil
			}),
		},
		&cobra.Command{
			Use:   "status",
			Short: "Show the state of every migration",
			RunE: withProvider(func(ctx context.Context, p *goose.Provider) error {
				statuses, err := p.Status(ctx)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "VERSION\tSTATE\tAPPLIED AT\tSOURCE")
				for _, s := range statuses {
					applied := "-"
					if !s.AppliedAt.IsZero() {
						applied = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
					fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", s.Source.Version, s.State, applied, s.Source.Path)
				}
				return w.Flush()
			}),
		},
		&cobra.Command{
			Use:   "db-version",
			Short: "Print the current schema version",
			RunE: withProvider(func(ctx context.Context, p *goose.Provider) error {
				version, err := p.GetDBVersion(ctx)
				if err != nil {
					return err
				}
				fmt.Println(version)
				return nil
			}),
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Printf("syncserver-migrate %s (built %s, commit %s)\n", Version, BuildTime, GitCommit)
			},
		},
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// withProvider opens the configured database without migrating it and runs fn
// with its goose provider.
func withProvider(fn func(ctx context.Context, p *goose.Provider) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		logger, err := app.NewLogger(cfg.Logging)
		if err != nil {
			return err
		}

		dbCfg := cfg.Database
		dbCfg.AutoMigrate = false
		b, err := backend.Open(ctx, dbCfg, logger.Level(zerolog.WarnLevel))
		if err != nil {
			return err
		}
		defer b.Close()

		provider, err := b.DB.Migrator()
		if err != nil {
			return err
		}
		return fn(ctx, provider)
	}
}
