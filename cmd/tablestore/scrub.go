package main

import (
	"log/slog"

	"github.com/spf13/cobra"

	"tablestore/pkg/config"
	"tablestore/pkg/scrub"
)

var scrubCmd = &cobra.Command{
	Use:   "scrub",
	Short: "Reconcile a table's data directory offline",
	Long: `Replays transaction logs and removes orphaned or incomplete segment
files. Run only while no server process owns the directory.`,
	RunE: runScrub,
}

func runScrub(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	initLogger(&cfg)

	report, err := scrub.DataDirectories(cfg.Table.RootPath, cfg.Table.Name, slog.Default())
	if err != nil {
		return err
	}
	slog.Info("scrub finished",
		"removed_files", len(report.RemovedFiles),
		"removed_logs", len(report.RemovedLogs))
	return nil
}
