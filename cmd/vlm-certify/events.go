package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/vlmcert/vlm-certify/internal/bus"
	"github.com/vlmcert/vlm-certify/internal/certify"
	apperrors "github.com/vlmcert/vlm-certify/internal/pkg/errors"
)

func eventsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show certification events",
		Long: `Print the events recorded in the event log, oldest first.

With --follow, subscribe to the Kafka bus and print events of runs started
elsewhere as they arrive.`,
		RunE: runEvents,
	}

	cmd.Flags().Duration("since", time.Hour, "how far back to read the event log")
	cmd.Flags().StringSlice("topic", nil, "only these topics (repeatable)")
	cmd.Flags().Int("limit", 0, "maximum number of events (0 = all)")
	cmd.Flags().Bool("follow", false, "stream live events from the Kafka bus")

	return cmd
}

func runEvents(cmd *cobra.Command, _ []string) error {
	g, err := loadGlobals(cmd)
	if err != nil {
		return err
	}
	cfg, log := g.cfg, g.log

	window, _ := cmd.Flags().GetDuration("since")
	topics, _ := cmd.Flags().GetStringSlice("topic")
	limit, _ := cmd.Flags().GetInt("limit")
	follow, _ := cmd.Flags().GetBool("follow")

	w := cmd.OutOrStdout()

	if !follow {
		events, err := bus.OpenEventLog(cfg.Bus.EventLogPath).GetEvents(time.Now().Add(-window), limit, topics...)
		if err != nil {
			return fmt.Errorf("reading event log: %w", err)
		}
		for _, e := range events {
			if err := writeEvent(w, e.Topic, e.Event, g.format); err != nil {
				return err
			}
		}
		return nil
	}

	if cfg.Bus.Type != "kafka" {
		return apperrors.ValidationError("--follow requires the kafka bus (bus.type: kafka)")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Subscribing only, nothing to append to the log
	busCfg := cfg.Bus
	busCfg.EventLogEnabled = false
	eventBus, err := bus.NewBus(busCfg, log)
	if err != nil {
		return fmt.Errorf("failed to create event bus: %w", err)
	}
	defer closeQuietly(log, "event bus", eventBus)

	if len(topics) == 0 {
		topics = bus.Topics()
	}

	var mu sync.Mutex
	for _, topic := range topics {
		err := eventBus.Subscribe(ctx, topic, func(_ context.Context, e bus.Event) error {
			mu.Lock()
			defer mu.Unlock()
			return writeEvent(w, topic, e, g.format)
		})
		if err != nil {
			return err
		}
	}

	log.Info("Following events", "topics", topics)
	<-ctx.Done()
	return nil
}

// writeEvent prints one event as a JSON line or a short text line.
func writeEvent(w io.Writer, topic string, e bus.Event, format string) error {
	if format == certify.FormatJSON {
		data, err := json.Marshal(e)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(w, "%s\n", data)
		return err
	}

	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "%s  %-22s  run=%s  %s\n",
		time.UnixMilli(e.Timestamp).Format(time.RFC3339), topic, shortID(e.CorrelationID), payload)
	return err
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
