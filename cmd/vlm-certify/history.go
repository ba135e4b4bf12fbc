package main

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/vlmcert/vlm-certify/internal/backend"
	"github.com/vlmcert/vlm-certify/internal/bus"
	"github.com/vlmcert/vlm-certify/internal/certify"
	"github.com/vlmcert/vlm-certify/internal/config"
	"github.com/vlmcert/vlm-certify/internal/metrics"
	"github.com/vlmcert/vlm-certify/internal/pkg/logger"
)

func historyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show past certification runs of a backend",
		Long: `List completed runs of the backend selected by --model_name with their
accuracy and confidence interval.

Runs are read from Redis when metrics persistence is redis, otherwise from the
event log written by certify.`,
		RunE: runHistory,
	}

	cmd.Flags().String("model_name", "", "Model name (qwen, llava or gemini).")
	cmd.Flags().Duration("since", 24*time.Hour, "how far back to look")
	_ = cmd.MarkFlagRequired("model_name")

	return cmd
}

func runHistory(cmd *cobra.Command, _ []string) error {
	g, err := loadGlobals(cmd)
	if err != nil {
		return err
	}

	modelName, _ := cmd.Flags().GetString("model_name")
	window, _ := cmd.Flags().GetDuration("since")

	kind, err := backend.ParseKind(modelName)
	if err != nil {
		return err
	}
	since := time.Now().Add(-window)

	runs, err := loadHistory(cmd.Context(), g.cfg, g.log, kind.String(), since)
	if err != nil {
		return err
	}

	return certify.WriteHistory(cmd.OutOrStdout(), certify.HistoryReport{
		Backend: kind.String(),
		Since:   since,
		Runs:    runs,
	}, g.format)
}

// loadHistory prefers the Redis history store and falls back to the
// completed-run events of the event log.
func loadHistory(ctx context.Context, cfg *config.Config, log *logger.Logger, backendName string, since time.Time) ([]metrics.RunRecord, error) {
	if cfg.Metrics.Persistence == "redis" {
		m := metrics.NewFromConfig(cfg.Metrics, log)
		defer closeQuietly(log, "metrics", m)

		if m.IsRedisPersisted() {
			return m.History.Since(ctx, backendName, since)
		}
		log.Warn("Run history unavailable in Redis, reading the event log", "path", cfg.Bus.EventLogPath)
	}

	return historyFromEventLog(cfg.Bus.EventLogPath, backendName, since)
}

func historyFromEventLog(path, backendName string, since time.Time) ([]metrics.RunRecord, error) {
	events, err := bus.OpenEventLog(path).GetEvents(since, 0, bus.TopicRunCompleted)
	if err != nil {
		return nil, fmt.Errorf("reading event log: %w", err)
	}

	var runs []metrics.RunRecord
	for _, e := range events {
		var rec metrics.RunRecord
		if err := bus.DecodePayload(e.Event, &rec); err != nil {
			continue
		}
		if rec.Backend != backendName || rec.Timestamp.Before(since) {
			continue
		}
		runs = append(runs, rec)
	}

	sort.SliceStable(runs, func(i, j int) bool {
		return runs[i].Timestamp.Before(runs[j].Timestamp)
	})
	return runs, nil
}
