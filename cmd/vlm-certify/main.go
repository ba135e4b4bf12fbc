// Package main provides the vlm-certify binary.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/vlmcert/vlm-certify/internal/certify"
	"github.com/vlmcert/vlm-certify/internal/config"
	"github.com/vlmcert/vlm-certify/internal/pkg/logger"
	"github.com/vlmcert/vlm-certify/internal/pkg/security"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "vlm-certify",
		Short: "Certify vision-language models on visual questions",
		Long: `vlm-certify asks a vision-language model the same question about every
image in a directory, scores each answer against the expected one and reports
the accuracy with an exact Clopper-Pearson confidence interval.

Examples:
  vlm-certify certify --question "Is there a stop sign?" --answer yes \
      --image_dir ./frames --model_name Qwen2-VL-7B-Instruct
  vlm-certify history --model_name llava --since 72h
  vlm-certify events --since 1h`,
		SilenceUsage: true,
	}

	// Global flags
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().String("format", "text", "output format (text, json)")

	rootCmd.AddCommand(
		certifyCmd(),
		historyCmd(),
		eventsCmd(),
		versionCmd(),
	)

	return rootCmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "vlm-certify %s\n", version)
			fmt.Fprintf(w, "  commit: %s\n", commit)
			fmt.Fprintf(w, "  built:  %s\n", date)
		},
	}
}

// globals holds what every command derives from the persistent flags.
type globals struct {
	cfg    *config.Config
	log    *logger.Logger
	format string
}

func loadGlobals(cmd *cobra.Command) (*globals, error) {
	configPath, _ := cmd.Flags().GetString("config")
	verbose, _ := cmd.Flags().GetBool("verbose")
	format, _ := cmd.Flags().GetString("format")

	if err := certify.ValidateFormat(format); err != nil {
		return nil, err
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// Setup logger
	logLevel := cfg.Log.Level
	if verbose {
		logLevel = "debug"
	}
	log := logger.New(logLevel, cfg.Log.Format)

	if verbose || cfg.IsDevelopment() {
		log.Debug("Loaded configuration",
			"config", configPath,
			"bus", cfg.Bus.Type,
			"cache", cfg.Cache.Type,
			"metrics_persistence", cfg.Metrics.Persistence,
			"confidence", cfg.Certify.Confidence,
			"settings", security.MaskSensitiveMap(map[string]string{
				"qwen.base_url":     cfg.Backends.Qwen.BaseURL,
				"qwen.api_key":      cfg.Backends.Qwen.APIKey,
				"gemini.api_key":    cfg.Backends.Gemini.APIKey,
				"cache.redis_url":   cfg.Cache.RedisURL,
				"metrics.redis_url": cfg.Metrics.RedisURL,
				"bus.kafka_brokers": cfg.Bus.KafkaBrokers,
			}),
		)
	}

	return &globals{cfg: cfg, log: log, format: format}, nil
}

// closeQuietly closes c and logs a failure.
func closeQuietly(log *logger.Logger, what string, c io.Closer) {
	if err := c.Close(); err != nil {
		log.Warn("Failed to close "+what, "error", err.Error())
	}
}
