// Package cli is the keeper command line.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/0xMgwan/betuaa-sub000/pkg/app"
	"github.com/0xMgwan/betuaa-sub000/pkg/config"
	"github.com/0xMgwan/betuaa-sub000/pkg/logger"
)

var (
	cfgFile  string
	logLevel string
	dryRun   bool
)

var rootCmd = &cobra.Command{
	Use:           "keeper",
	Short:         "Resolve expired oracle markets on chain",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command until it returns or the process is signalled
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override LOG_LEVEL")
	rootCmd.PersistentFlags().BoolVar(&dryRun, "dry-run", false, "Simulate resolutions without sending transactions")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(onceCmd)
	rootCmd.AddCommand(marketsCmd)
	rootCmd.AddCommand(encryptKeyCmd)
	rootCmd.AddCommand(versionCmd)
}

// loadConfig reads configuration and applies the command line overrides
func loadConfig(cmd *cobra.Command) (*config.Config, zerolog.Logger, error) {
	cfg, err := config.LoadConfig(cfgFile)
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	if logLevel != "" {
		if _, err := logger.ParseLevel(logLevel); err != nil {
			return nil, zerolog.Nop(), err
		}
		cfg.Logging.Level = logLevel
	}
	if cmd.Flags().Changed("dry-run") {
		cfg.DryRun = dryRun
	}
	return cfg, logger.NewWithWriter(cfg.Logging, cmd.ErrOrStderr()), nil
}

// withApp builds the keeper for the duration of fn
func withApp(cmd *cobra.Command, fn func(*app.App) error) error {
	cfg, log, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	log.Debug().Interface("config", cfg.Redacted()).Msg("Configuration loaded")

	a, err := app.New(cmd.Context(), cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close connections")
		}
	}()
	return fn(a)
}
