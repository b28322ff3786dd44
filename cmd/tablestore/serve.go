package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	httpserver "tablestore/internal/http"
	"tablestore/pkg/config"
	"tablestore/pkg/guardrails"
	"tablestore/pkg/metrics"
	"tablestore/pkg/tablestore"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the table store and its HTTP API",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	initLogger(&cfg)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	registry := prometheus.NewRegistry()

	store, err := tablestore.Open(ctx, cfg.Table, tablestore.Deps{
		Logger:  slog.Default(),
		Guard:   buildGuard(cfg.Guardrails),
		Metrics: metrics.New(registry),
	})
	if err != nil {
		return err
	}

	server := httpserver.NewServer(store, registry, cfg.Server.Port, cfg.Server.ShutdownTimeout)
	if err := server.Start(); err != nil {
		return err
	}

	<-ctx.Done()

	if err := server.Stop(); err != nil {
		slog.Error("error stopping server", "error", err)
	}
	return store.Close(context.Background())
}

func buildGuard(gc config.GuardrailsConfig) guardrails.Policy {
	if !gc.Enabled {
		return guardrails.Permissive()
	}
	return guardrails.NewThresholdPolicy(map[string]guardrails.Threshold{
		guardrails.MetricMutationSize: {
			WarnThreshold: gc.MutationSize.WarnThreshold,
			FailThreshold: gc.MutationSize.FailThreshold,
		},
		guardrails.MetricPartitionCells: {
			WarnThreshold: gc.PartitionCells.WarnThreshold,
			FailThreshold: gc.PartitionCells.FailThreshold,
		},
	})
}

// initLogger configures the global slog.Logger (JSON or text).
func initLogger(cfg *config.Config) {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Logger.Level)}

	var handler slog.Handler
	if cfg.Logger.JSON {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", "level", cfg.Logger.Level, "json", cfg.Logger.JSON)
}

func parseLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
