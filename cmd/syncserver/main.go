// Package main is the entry point for the sync server.
// It serves the JSON API and runs the deferred uploader.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
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
		Use:   "syncserver",
		Short: "Multi-device file sync server",
		Long: `syncserver keeps the files of a sharing group consistent across devices.

Devices upload files in batches; the server transfers complete batches into
the file index and stores file contents in each owner's cloud storage.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default: ./config.yaml)")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("syncserver %s (built %s, commit %s)\n", Version, BuildTime, GitCommit)
		},
	})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
