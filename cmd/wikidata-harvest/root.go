package main

import (
	"fmt"
	"io"

	"github.com/Sternrassler/wikidata-harvest/internal/config"
	"github.com/Sternrassler/wikidata-harvest/pkg/logging"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// app carries the state shared by every subcommand.
type app struct {
	configPath string
	logLevel   string
	logPretty  bool
	logFile    string
	stagingDir string

	cfg       *config.Config
	logger    zerolog.Logger
	logCloser io.Closer
}

// rootCmd builds the command tree bound to a.
func (a *app) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "wikidata-harvest",
		Short:         "Bulk-fetch WikiData cities per country with staged retries",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.configPath, "config", "", "path to a YAML config file")
	flags.StringVar(&a.logLevel, "log-level", "", "log level: debug, info, warn, error")
	flags.BoolVar(&a.logPretty, "log-pretty", false, "human-readable console logs")
	flags.StringVar(&a.logFile, "log-file", "", "file receiving a copy of every log record (empty disables)")
	flags.StringVar(&a.stagingDir, "staging-dir", "", "directory for staged results and failures")

	root.AddCommand(
		newCountriesCmd(a),
		newRunCmd(a),
		newSyncCmd(a),
		newStatusCmd(a),
		newCleanCmd(a),
	)

	return root
}

// setup loads the configuration, applies flag overrides and starts logging.
func (a *app) setup(cmd *cobra.Command) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	flags := cmd.Flags()
	if flags.Changed("log-level") {
		cfg.Log.Level = a.logLevel
	}
	if flags.Changed("log-pretty") {
		cfg.Log.Pretty = a.logPretty
	}
	if flags.Changed("log-file") {
		cfg.Log.File = a.logFile
	}
	if flags.Changed("staging-dir") {
		cfg.Harvest.StagingDir = a.stagingDir
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, closer, err := logging.Setup(logging.Config{
		Level:  logging.LogLevel(cfg.Log.Level),
		Pretty: cfg.Log.Pretty,
		Output: cmd.ErrOrStderr(),
		File:   cfg.Log.File,
	})
	if err != nil {
		return err
	}

	a.cfg = cfg
	a.logger = logger
	a.logCloser = closer
	return nil
}

// finish logs a failed command and releases the log file. It runs after
// Execute whatever the outcome, since cobra skips post-run hooks on error.
func (a *app) finish(err error) error {
	if err != nil && a.logCloser != nil {
		a.logger.Error().Err(err).Msg("Command failed")
	}
	if a.logCloser != nil {
		if closeErr := a.logCloser.Close(); err == nil {
			err = closeErr
		}
		a.logCloser = nil
	}
	return err
}
