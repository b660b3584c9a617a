// Package wikidata harvests the cities of every country from the WikiData
// query service, staging each country's part and retrying failures until
// the table is complete.
package wikidata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Sternrassler/wikidata-harvest/internal/staging"
	"github.com/Sternrassler/wikidata-harvest/pkg/batch"
	"github.com/Sternrassler/wikidata-harvest/pkg/logging"
	"github.com/Sternrassler/wikidata-harvest/pkg/sparql"
	"github.com/Sternrassler/wikidata-harvest/pkg/table"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"
)

var harvestPassesTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "harvest_passes_total",
	Help: "Total harvest passes, the first run included",
})

var (
	// ErrCountriesAlreadySet is returned by FetchCountries when the
	// country list was supplied up front.
	ErrCountriesAlreadySet = errors.New("countries already set")

	// ErrNoCountries is returned when there is nothing to harvest.
	ErrNoCountries = errors.New("no countries to harvest")

	// ErrInvalidCountryCode is returned for codes that are not entity IDs.
	ErrInvalidCountryCode = errors.New("invalid country code")

	// ErrPassesExhausted is returned when failures remain after MaxPasses.
	ErrPassesExhausted = errors.New("retry passes exhausted")
)

// Columns added to every staged city row.
const (
	ColumnCountryCode    = "country_code"
	ColumnCountryLabel   = "country_label"
	ColumnContinentCode  = "continent_code"
	ColumnContinentLabel = "continent_label"
)

// Querier runs a SPARQL query. *sparql.Client implements it.
type Querier interface {
	Query(ctx context.Context, query string) (*sparql.Result, error)
}

// Options controls a harvest.
type Options struct {
	// BatchSize is the number of countries per batch.
	BatchSize int

	// Concurrency caps parallel queries within a batch (0: BatchSize).
	Concurrency int

	// Pause is the sleep between batches and before each retry pass.
	Pause time.Duration

	// JobTimeout bounds one country query, retries included (0: none).
	JobTimeout time.Duration

	// MaxPasses bounds the number of passes (0: until no failure remains).
	MaxPasses int
}

// DefaultOptions returns the options of a full harvest.
func DefaultOptions() Options {
	return Options{
		BatchSize: 250,
		Pause:     60 * time.Second,
	}
}

// Harvester fetches countries and their cities.
type Harvester struct {
	querier   Querier
	staging   *staging.Dir
	options   Options
	countries []Country
	logger    zerolog.Logger
}

// New creates a harvester staging into dir.
func New(querier Querier, dir *staging.Dir, opts Options) *Harvester {
	return &Harvester{
		querier: querier,
		staging: dir,
		options: opts,
		logger:  logging.NewLogger("harvester"),
	}
}

// Countries returns the current job list.
func (h *Harvester) Countries() []Country {
	return h.countries
}

// SetCountries replaces the job list. Every entry must carry valid codes.
func (h *Harvester) SetCountries(countries []Country) error {
	for _, c := range countries {
		if err := c.Validate(); err != nil {
			return err
		}
	}
	h.countries = append([]Country(nil), countries...)
	return nil
}

// FetchCountries downloads every country with its continent and uses the
// distinct pairs as the job list. It refuses to overwrite a list that was
// set explicitly.
func (h *Harvester) FetchCountries(ctx context.Context) (*table.Table, error) {
	if len(h.countries) > 0 {
		return nil, ErrCountriesAlreadySet
	}

	res, err := h.querier.Query(ctx, CountriesQuery())
	if err != nil {
		return nil, fmt.Errorf("fetch countries: %w", err)
	}

	tbl := table.New("country", "countryLabel", "continent", "continentLabel", ColumnCountryCode, ColumnContinentCode)
	seen := make(map[string]bool)
	var countries []Country

	for _, row := range res.Rows() {
		row[ColumnCountryCode] = entityID(row["country"])
		row[ColumnContinentCode] = entityID(row["continent"])
		tbl.Append(row)

		c := Country{
			Code:           row[ColumnCountryCode],
			Label:          row["countryLabel"],
			ContinentCode:  row[ColumnContinentCode],
			ContinentLabel: row["continentLabel"],
		}
		if err := c.Validate(); err != nil {
			h.logger.Warn().Err(err).Str("country", row["country"]).Msg("Skipping country with unexpected IRI")
			continue
		}
		if seen[c.Key()] {
			continue
		}
		seen[c.Key()] = true
		countries = append(countries, c)
	}

	if len(countries) == 0 {
		return tbl, ErrNoCountries
	}

	h.countries = countries
	h.logger.Info().Int("countries", len(countries)).Msg("Fetched country list")
	return tbl, nil
}

// DoQuery fetches the cities of one country and stages the outcome: the
// rows on success, a failure record otherwise.
func (h *Harvester) DoQuery(ctx context.Context, c Country) error {
	logger := h.logger.With().
		Str("key", c.Key()).
		Str("country", c.Code).
		Str("continent", c.ContinentCode).
		Logger()

	query, err := CitiesQuery(c.Code)
	if err != nil {
		return err
	}

	res, err := h.querier.Query(ctx, query)
	if err != nil {
		logger.Warn().Err(err).Msg("Query failed, staging for retry")
		if stageErr := h.markFailed(c, err); stageErr != nil {
			logger.Error().Err(stageErr).Msg("Failed to stage failure record")
			return multierr.Append(err, stageErr)
		}
		return err
	}

	part := table.FromRows(res.Rows(), map[string]string{
		ColumnCountryCode:    c.Code,
		ColumnCountryLabel:   c.Label,
		ColumnContinentCode:  c.ContinentCode,
		ColumnContinentLabel: c.ContinentLabel,
	})

	if err := h.staging.WriteResult(c.Key(), part); err != nil {
		logger.Error().Err(err).Msg("Failed to stage result")
		if stageErr := h.markFailed(c, err); stageErr != nil {
			return multierr.Append(err, stageErr)
		}
		return err
	}

	logger.Info().Int("rows", part.Len()).Msg("Success")
	return nil
}

func (h *Harvester) markFailed(c Country, cause error) error {
	payload, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal country: %w", err)
	}
	return h.staging.MarkFailed(staging.Record{
		Key:       c.Key(),
		Payload:   payload,
		Attempts:  1,
		LastError: cause.Error(),
	})
}

// RunAllParallel runs the job list in batches, then re-runs staged
// failures pass after pass until none remain, and returns the merged
// table of every staged result.
//
// When MaxPasses is reached with failures left, the merged table is
// returned together with ErrPassesExhausted.
func (h *Harvester) RunAllParallel(ctx context.Context) (*table.Table, error) {
	if len(h.countries) == 0 {
		return nil, ErrNoCountries
	}

	runID := uuid.NewString()
	logger := h.logger.With().Str("run_id", runID).Logger()

	runner := batch.NewRunner(batch.Config{
		Size:        h.options.BatchSize,
		Concurrency: h.options.Concurrency,
		Pause:       h.options.Pause,
		JobTimeout:  h.options.JobTimeout,
	})

	jobs := h.countries
	for pass := 1; ; pass++ {
		harvestPassesTotal.Inc()
		logger.Info().Int("pass", pass).Int("jobs", len(jobs)).Msg("Starting pass")

		summary, err := runner.Run(ctx, len(jobs), func(ctx context.Context, i int) error {
			return h.DoQuery(ctx, jobs[i])
		})
		if err != nil {
			return nil, fmt.Errorf("pass %d: %w", pass, err)
		}

		logger.Info().
			Int("pass", pass).
			Int("succeeded", summary.Succeeded).
			Int("failed", summary.Failed).
			Msg("Pass complete")

		next, err := h.pendingJobs()
		if err != nil {
			return nil, err
		}
		if len(next) == 0 {
			logger.Info().Int("pass", pass).Msg("No failed records found, all items processed")
			break
		}

		if h.options.MaxPasses > 0 && pass >= h.options.MaxPasses {
			merged, mergeErr := h.staging.Results()
			if mergeErr != nil {
				return nil, mergeErr
			}
			return merged, fmt.Errorf("%w: %d failures left after %d passes", ErrPassesExhausted, len(next), pass)
		}

		if err := sleep(ctx, h.options.Pause); err != nil {
			return nil, fmt.Errorf("pass %d: %w", pass, err)
		}

		jobs = next
		h.countries = next
	}

	merged, err := h.staging.Results()
	if err != nil {
		return nil, fmt.Errorf("merge results: %w", err)
	}
	logger.Info().Int("rows", merged.Len()).Msg("Harvest complete")
	return merged, nil
}

// pendingJobs turns the staged failure records back into countries.
// Unreadable records are logged; they stop the run only when nothing
// else is left to retry.
func (h *Harvester) pendingJobs() ([]Country, error) {
	records, loadErr := h.staging.Failed()

	jobs := make([]Country, 0, len(records))
	for _, rec := range records {
		var c Country
		if err := json.Unmarshal(rec.Payload, &c); err != nil {
			h.logger.Error().Err(err).Str("key", rec.Key).Msg("Undecodable failure payload")
			loadErr = multierr.Append(loadErr, fmt.Errorf("decode %s: %w", rec.Key, err))
			continue
		}
		if err := c.Validate(); err != nil {
			loadErr = multierr.Append(loadErr, fmt.Errorf("record %s: %w", rec.Key, err))
			continue
		}
		jobs = append(jobs, c)
	}

	if len(jobs) == 0 && loadErr != nil {
		return nil, fmt.Errorf("load staged failures: %w", loadErr)
	}
	if loadErr != nil {
		h.logger.Warn().Err(loadErr).Msg("Some failure records were skipped")
	}
	return jobs, nil
}

// RunAllSync runs every country once, one after another, and returns one
// entry per country: nil on success.
func (h *Harvester) RunAllSync(ctx context.Context) []error {
	results := make([]error, len(h.countries))
	for i, c := range h.countries {
		if err := ctx.Err(); err != nil {
			results[i] = err
			continue
		}
		h.logger.Info().Str("key", c.Key()).Int("index", i).Msg("Querying country")
		results[i] = h.DoQuery(ctx, c)
	}
	return results
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
