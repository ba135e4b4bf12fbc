package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/vlmcert/vlm-certify/internal/backend"
	"github.com/vlmcert/vlm-certify/internal/backend/registry"
	"github.com/vlmcert/vlm-certify/internal/bus"
	"github.com/vlmcert/vlm-certify/internal/certify"
	"github.com/vlmcert/vlm-certify/internal/metrics"
)

func certifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "certify",
		Short: "Certify VQA model performance",
		Long: `Run the question against every .png, .jpg and .jpeg image in --image_dir,
in name order, one image at a time. Images whose inference fails are reported
and left out of the counts.

The backend is picked from --model_name by substring: qwen, llava or gemini.`,
		RunE: runCertify,
	}

	cmd.Flags().String("question", "", "The question to ask.")
	cmd.Flags().String("answer", "", "The expected answer.")
	cmd.Flags().String("image_dir", "", "Directory containing images.")
	cmd.Flags().String("model_name", "", "Model name (qwen, llava or gemini).")
	cmd.Flags().String("metrics-file", "", "write Prometheus metrics to this file after the run")
	cmd.Flags().Float64("confidence", 0, "confidence level (overrides config)")
	cmd.Flags().String("cache", "", "answer cache: none, memory, redis (overrides config)")

	for _, name := range []string{"question", "answer", "image_dir", "model_name"} {
		_ = cmd.MarkFlagRequired(name)
	}

	return cmd
}

func runCertify(cmd *cobra.Command, _ []string) error {
	g, err := loadGlobals(cmd)
	if err != nil {
		return err
	}
	cfg, log := g.cfg, g.log

	question, _ := cmd.Flags().GetString("question")
	answer, _ := cmd.Flags().GetString("answer")
	imageDir, _ := cmd.Flags().GetString("image_dir")
	modelName, _ := cmd.Flags().GetString("model_name")
	metricsFile, _ := cmd.Flags().GetString("metrics-file")

	// Override from flags
	if cmd.Flags().Changed("confidence") {
		cfg.Certify.Confidence, _ = cmd.Flags().GetFloat64("confidence")
	}
	if cmd.Flags().Changed("cache") {
		cfg.Cache.Type, _ = cmd.Flags().GetString("cache")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	req := certify.Request{
		Question:       question,
		ExpectedAnswer: answer,
		ImageDir:       imageDir,
		Model:          modelName,
	}
	if err := req.Validate(); err != nil {
		return err
	}

	// Resolve the backend before anything is started
	kind, err := backend.ParseKind(modelName)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Deferred closes run backend, then bus, then metrics
	metricsSvc := metrics.NewFromConfig(cfg.Metrics, log)
	defer closeQuietly(log, "metrics", metricsSvc)

	innerBus, err := bus.NewBus(cfg.Bus, log)
	if err != nil {
		return fmt.Errorf("failed to create event bus: %w", err)
	}
	eventBus := bus.NewInstrumentedBus(innerBus, metricsSvc)
	defer closeQuietly(log, "event bus", eventBus)

	b, err := registry.NewKind(ctx, kind, cfg, registry.Options{Logger: log, Metrics: metricsSvc})
	if err != nil {
		return err
	}
	defer closeQuietly(log, "backend", b)

	log.Info("Backend initialized",
		"model_name", modelName,
		"backend", kind.String(),
		"bus", cfg.Bus.Type,
		"history", historyKind(metricsSvc),
	)

	progress := cmd.OutOrStdout()
	if g.format == certify.FormatJSON {
		// Keep stdout parseable
		progress = cmd.ErrOrStderr()
	}

	runner := certify.NewRunner(b, certify.Options{
		Bus:      eventBus,
		Metrics:  metricsSvc,
		Logger:   log,
		Progress: progress,
		Alpha:    cfg.Alpha(),
	})

	out, err := runner.Run(ctx, req)
	if err != nil {
		return err
	}

	if metricsFile != "" {
		if err := metricsSvc.WriteFile(metricsFile); err != nil {
			return err
		}
		log.Info("Wrote metrics", "path", metricsFile)
	}

	if out == nil {
		return nil
	}
	return certify.WriteReport(cmd.OutOrStdout(), out, g.format)
}

func historyKind(m *metrics.Metrics) string {
	if m.IsRedisPersisted() {
		return "redis"
	}
	return "memory"
}
