package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"fleetd/services/agent"
)

func main() {
	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	configPath string
	logLevel   string
}

func newRootCommand() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:           "fleet-agent",
		Short:         "fleetd node agent",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), opts)
		},
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", agent.DefaultConfigPath(), "Path to the agent configuration file")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	cmd.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Enroll if needed and run the poll loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), opts)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "setup",
		Short: "Generate keys and enroll, then exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			a, logger, err := newAgent(opts)
			if err != nil {
				return err
			}
			if err := a.Setup(ctx); err != nil {
				logger.Error().Err(err).Msg("setup failed")
				return err
			}
			logger.Info().Str("config", opts.configPath).Msg("setup complete")
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the agent version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), agent.Version)
		},
	})
	return cmd
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.TimeFieldFormat = time.RFC3339

	var logger zerolog.Logger
	if info, err := os.Stderr.Stat(); err == nil && info.Mode()&os.ModeCharDevice != 0 {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		logger = zerolog.New(os.Stderr)
	}
	return logger.Level(lvl).With().Timestamp().Str("service", "fleet-agent").Logger()
}

func newAgent(opts *options) (*agent.Agent, zerolog.Logger, error) {
	logger := newLogger(opts.logLevel)
	a, err := agent.New(agent.Options{
		ConfigPath: opts.configPath,
		Logger:     logger,
	})
	return a, logger, err
}

func run(ctx context.Context, opts *options) error {
	a, logger, err := newAgent(opts)
	if err != nil {
		return err
	}
	loop := func(ctx context.Context) error {
		if err := a.Setup(ctx); err != nil {
			return err
		}
		return a.Run(ctx)
	}

	handled, err := agent.RunService(loop)
	if handled {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err = loop(ctx)
	switch {
	case errors.Is(err, agent.ErrRestartRequired), errors.Is(err, agent.ErrUpdateHandedOff):
		logger.Info().Err(err).Msg("exiting for restart")
		return nil
	case errors.Is(err, context.Canceled):
		return nil
	default:
		logger.Error().Err(err).Msg("agent stopped")
		return err
	}
}
