package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/Sternrassler/wikidata-harvest/internal/api"
	"github.com/Sternrassler/wikidata-harvest/internal/staging"
	"github.com/Sternrassler/wikidata-harvest/internal/wikidata"
	"github.com/spf13/cobra"
)

// signalContext ends on SIGINT or SIGTERM. Staged files survive, so an
// interrupted harvest resumes from them.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func newCountriesCmd(a *app) *cobra.Command {
	var csvPath string

	cmd := &cobra.Command{
		Use:   "countries",
		Short: "Fetch the list of countries and their continents",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			d, err := newDeps(ctx, a.cfg)
			if err != nil {
				return err
			}
			defer d.Close()

			tbl, err := d.harvester.FetchCountries(ctx)
			if err != nil {
				return err
			}

			if csvPath != "" {
				if err := writeTable(csvPath, tbl); err != nil {
					return err
				}
				a.logger.Info().Str("path", csvPath).Int("rows", tbl.Len()).Msg("Country list written")
				return nil
			}
			return tbl.WriteCSV(cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&csvPath, "csv", "", "write the country list to this CSV file instead of stdout")
	return cmd
}

// runFlags are the harvest overrides shared by run and sync.
type runFlags struct {
	batchSize   int
	pause       time.Duration
	maxPasses   int
	output      string
	dsn         string
	metricsAddr string
	countries   string
	reset       bool
}

func (f *runFlags) apply(cmd *cobra.Command, a *app) error {
	flags := cmd.Flags()
	if flags.Changed("batch-size") {
		a.cfg.Harvest.BatchSize = f.batchSize
	}
	if flags.Changed("pause") {
		a.cfg.Harvest.Pause = f.pause
		a.cfg.Harvest.PauseSeconds = int(f.pause / time.Second)
	}
	if flags.Changed("max-passes") {
		a.cfg.Harvest.MaxPasses = f.maxPasses
	}
	if flags.Changed("output") {
		a.cfg.Harvest.Output = f.output
	}
	if flags.Changed("db") {
		a.cfg.Database.DSN = f.dsn
	}
	if flags.Changed("metrics-addr") {
		a.cfg.Metrics.Addr = f.metricsAddr
	}
	if flags.Changed("countries") {
		a.cfg.Harvest.Countries = strings.Split(f.countries, ",")
	}
	if f.pause < 0 {
		return fmt.Errorf("--pause must not be negative")
	}
	return a.cfg.Validate()
}

func (f *runFlags) register(cmd *cobra.Command, withBatching bool) {
	flags := cmd.Flags()
	if withBatching {
		flags.IntVar(&f.batchSize, "batch-size", 250, "countries queried in parallel per batch")
		flags.DurationVar(&f.pause, "pause", time.Minute, "pause between batches")
		flags.IntVar(&f.maxPasses, "max-passes", 0, "stop after this many passes (0: until no failure remains)")
		flags.StringVar(&f.output, "output", "cities.csv", "merged CSV output")
		flags.StringVar(&f.dsn, "db", "", "also store cities in this database (sqlite:path, *.db or a Postgres DSN)")
		flags.StringVar(&f.metricsAddr, "metrics-addr", "", "serve /health, /status and /metrics on this address")
	}
	flags.StringVar(&f.countries, "countries", "", "comma separated country IDs (default: every country)")
	flags.BoolVar(&f.reset, "reset", false, "remove staged files before starting")
}

// prepare opens the dependencies and loads the job list.
func prepare(ctx context.Context, a *app, f *runFlags) (*deps, error) {
	d, err := newDeps(ctx, a.cfg)
	if err != nil {
		return nil, err
	}

	if f.reset {
		if err := d.staging.Reset(); err != nil {
			d.Close()
			return nil, err
		}
	}

	if codes := strings.Join(a.cfg.Harvest.Countries, ","); codes != "" {
		countries, err := wikidata.ParseCountryCodes(codes)
		if err == nil {
			err = d.harvester.SetCountries(countries)
		}
		if err != nil {
			d.Close()
			return nil, err
		}
		return d, nil
	}

	if _, err := d.harvester.FetchCountries(ctx); err != nil {
		d.Close()
		return nil, err
	}
	return d, nil
}

func newRunCmd(a *app) *cobra.Command {
	f := &runFlags{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Harvest every country in parallel batches, retrying failures until none remain",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := f.apply(cmd, a); err != nil {
				return err
			}

			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			d, err := prepare(ctx, a, f)
			if err != nil {
				return err
			}
			defer d.Close()

			if a.cfg.Metrics.Addr != "" {
				srv := api.NewServer(a.cfg.Metrics.Addr, d.staging)
				srv.Start()
				defer func() {
					shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
					defer stop()
					_ = srv.Shutdown(shutdownCtx)
				}()
			}

			merged, runErr := d.harvester.RunAllParallel(ctx)
			if runErr != nil && !errors.Is(runErr, wikidata.ErrPassesExhausted) {
				return runErr
			}

			if err := writeTable(a.cfg.Harvest.Output, merged); err != nil {
				return err
			}
			a.logger.Info().
				Str("path", a.cfg.Harvest.Output).
				Int("rows", merged.Len()).
				Msg("Merged table written")

			if a.cfg.Database.DSN != "" {
				n, err := saveToDatabase(ctx, a.cfg.Database.DSN, merged)
				if err != nil {
					return err
				}
				a.logger.Info().Int("rows", n).Msg("Cities stored")
			}

			return runErr
		},
	}

	f.register(cmd, true)
	return cmd
}

func newSyncCmd(a *app) *cobra.Command {
	f := &runFlags{}

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Query every country once, one after another",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := f.apply(cmd, a); err != nil {
				return err
			}

			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			d, err := prepare(ctx, a, f)
			if err != nil {
				return err
			}
			defer d.Close()

			results := d.harvester.RunAllSync(ctx)
			failed := 0
			for _, err := range results {
				if err != nil {
					failed++
				}
			}

			fmt.Fprintf(cmd.OutOrStdout(), "succeeded: %d\nfailed: %d\n", len(results)-failed, failed)
			if failed > 0 {
				return fmt.Errorf("%d of %d countries failed, staged in %s", failed, len(results), d.staging.Path())
			}
			return nil
		},
	}

	f.register(cmd, false)
	return cmd
}

func newStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show staged results and failures",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := staging.OpenExisting(a.cfg.Harvest.StagingDir)
			if err != nil {
				return err
			}

			status, err := dir.Status()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "staging: %s\nsucceeded: %d\nfailed: %d\n",
				status.Path, status.Succeeded, status.Failed)

			records, err := dir.Failed()
			for _, rec := range records {
				fmt.Fprintf(cmd.OutOrStdout(), "  %s attempts=%d last_error=%q\n", rec.Key, rec.Attempts, rec.LastError)
			}
			return err
		},
	}
}

func newCleanCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "clean",
		Short: "Remove staged results and failures",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := staging.OpenExisting(a.cfg.Harvest.StagingDir)
			if errors.Is(err, os.ErrNotExist) {
				return nil
			}
			if err != nil {
				return err
			}
			return dir.Reset()
		},
	}
}
