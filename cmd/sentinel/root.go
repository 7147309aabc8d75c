package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/opensource-finance/sentinel/internal/config"
	"github.com/opensource-finance/sentinel/internal/domain"
)

type rootOptions struct {
	configFile string
	debug      bool

	cfg *domain.Config
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "sentinel",
		Short: "Sentinel - claim fraud scoring and duplicate bill detection",
		Long: `Sentinel fuses tamper, metadata, OCR and classifier signals into one fraud
score per insurance claim, catches re-submitted bills by perceptual hash, and
explains every verdict.

Configuration precedence (highest first):
  1. Environment variables (SENTINEL_*)
  2. Config file (--config)
  3. Tier defaults`,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.configFile)
			if err != nil {
				return err
			}
			opts.cfg = cfg
			setupLogger(cmd.ErrOrStderr(), cfg.Logging, opts.debug)
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.configFile, "config", "", "config file (YAML)")
	cmd.PersistentFlags().BoolVar(&opts.debug, "debug", false, "enable debug logging")

	cmd.AddCommand(
		newServeCmd(opts),
		newAssessCmd(opts),
		newIndexCmd(opts),
		newConfigCmd(opts),
		newVersionCmd(),
	)
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return nil
		},
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "sentinel %s (commit %s, built %s)\n", Version, Commit, BuildDate)
		},
	}
}

// setupLogger installs the default slog logger. Offline commands log to
// stderr so their stdout stays machine readable.
func setupLogger(w io.Writer, cfg domain.LoggingConfig, debug bool) {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if debug || os.Getenv("SENTINEL_DEBUG") == "true" {
		level = slog.LevelDebug
	}

	handlerOpts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.ToLower(cfg.Format) == "text" {
		handler = slog.NewTextHandler(w, handlerOpts)
	} else {
		handler = slog.NewJSONHandler(w, handlerOpts)
	}
	slog.SetDefault(slog.New(handler))
}
