package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "tablestore",
	Short: "A per-table LSM storage engine",
	Long: `A single-table storage engine with an in-memory write buffer,
immutable on-disk segments, size-tiered compaction and hard-link snapshots.`,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("couldn't execute app,", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to YAML config file")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(scrubCmd)
}
