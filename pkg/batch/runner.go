package batch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Sternrassler/wikidata-harvest/pkg/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Prometheus metrics for batch dispatch.
var (
	harvestJobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvest_jobs_total",
		Help: "Total harvest jobs by result",
	}, []string{"result"})

	harvestBatchSuccessRatio = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "harvest_batch_success_ratio",
		Help: "Fraction of successful jobs in the most recent span",
	})
)

// Span is a half-open range [Start, End) of job indexes.
type Span struct {
	Start int
	End   int
}

// Len returns the number of jobs in the span.
func (s Span) Len() int {
	return s.End - s.Start
}

// Bounds splits n jobs into consecutive spans of size.
// A size above n is clamped to n and a size <= 0 yields a single span.
func Bounds(n, size int) []Span {
	if n <= 0 {
		return nil
	}
	if size <= 0 || size > n {
		size = n
	}

	spans := make([]Span, 0, (n+size-1)/size)
	for start := 0; start < n; start += size {
		end := start + size
		if end > n {
			end = n
		}
		spans = append(spans, Span{Start: start, End: end})
	}
	return spans
}

// Job processes the job at index i.
type Job func(ctx context.Context, i int) error

// Config holds runner configuration.
type Config struct {
	// Size is the number of jobs per span (0: all jobs in one span).
	Size int

	// Concurrency caps parallel jobs within a span (0: span size).
	Concurrency int

	// Pause is the sleep between two spans.
	Pause time.Duration

	// JobTimeout bounds each job (0: no per-job timeout).
	JobTimeout time.Duration
}

// SpanResult reports the outcome of one span.
type SpanResult struct {
	Span      Span
	Succeeded int
	Failed    int
	Skipped   int // not run because ctx ended
	Duration  time.Duration
}

// SuccessRate returns the fraction of successful jobs in the span.
func (r SpanResult) SuccessRate() float64 {
	total := r.Succeeded + r.Failed
	if total == 0 {
		return 0
	}
	return float64(r.Succeeded) / float64(total)
}

// Summary aggregates the spans of one Run.
type Summary struct {
	Spans     []SpanResult
	Succeeded int
	Failed    int
}

// Runner dispatches jobs span by span.
type Runner struct {
	config Config
	logger zerolog.Logger
}

// NewRunner creates a new runner.
func NewRunner(config Config) *Runner {
	return &Runner{
		config: config,
		logger: logging.NewLogger("batch"),
	}
}

// Run executes n jobs and returns the per-span outcome. Job errors are
// counted, not returned; the error is non-nil only when ctx ended before
// every span ran.
func (r *Runner) Run(ctx context.Context, n int, job Job) (Summary, error) {
	var summary Summary

	size := r.config.Size
	if size > n {
		r.logger.Info().
			Int("size", size).
			Int("jobs", n).
			Msg("Batch size exceeds job count, clamping")
	}

	spans := Bounds(n, size)
	for i, span := range spans {
		if err := ctx.Err(); err != nil {
			return summary, fmt.Errorf("batch cancelled before span %d: %w", span.Start, err)
		}

		result := r.runSpan(ctx, span, job)
		summary.Spans = append(summary.Spans, result)
		summary.Succeeded += result.Succeeded
		summary.Failed += result.Failed

		harvestBatchSuccessRatio.Set(result.SuccessRate())
		r.logger.Info().
			Int("batch_start", span.Start).
			Int("batch_end", span.End).
			Int("succeeded", result.Succeeded).
			Int("failed", result.Failed).
			Int("skipped", result.Skipped).
			Float64("success_rate", result.SuccessRate()).
			Dur("duration", result.Duration).
			Msg("Batch complete")

		// jobs skipped after cancellation left no trace, so the span is incomplete
		if err := ctx.Err(); err != nil {
			return summary, fmt.Errorf("batch cancelled in span %d: %w", span.Start, err)
		}

		if i == len(spans)-1 || r.config.Pause <= 0 {
			continue
		}

		r.logger.Debug().Dur("pause", r.config.Pause).Msg("Pausing before next batch")
		timer := time.NewTimer(r.config.Pause)
		select {
		case <-ctx.Done():
			timer.Stop()
			return summary, fmt.Errorf("batch cancelled during pause: %w", ctx.Err())
		case <-timer.C:
		}
	}

	return summary, nil
}

// runSpan runs the jobs of one span and waits for all of them.
func (r *Runner) runSpan(ctx context.Context, span Span, job Job) SpanResult {
	start := time.Now()

	limit := r.config.Concurrency
	if limit <= 0 || limit > span.Len() {
		limit = span.Len()
	}

	var (
		mu     sync.Mutex
		result = SpanResult{Span: span}
		eg     errgroup.Group
	)
	eg.SetLimit(limit)

	for i := span.Start; i < span.End; i++ {
		if ctx.Err() != nil {
			r.logger.Debug().Int("index", i).Msg("Context ended, not launching remaining jobs")
			break
		}

		idx := i
		eg.Go(func() error {
			// a slot may free up only after ctx ended
			if ctx.Err() != nil {
				return nil
			}

			jobCtx := ctx
			if r.config.JobTimeout > 0 {
				var cancel context.CancelFunc
				jobCtx, cancel = context.WithTimeout(ctx, r.config.JobTimeout)
				defer cancel()
			}

			err := job(jobCtx, idx)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Failed++
				harvestJobsTotal.WithLabelValues("failure").Inc()
				return nil
			}
			result.Succeeded++
			harvestJobsTotal.WithLabelValues("success").Inc()
			return nil
		})
	}

	// jobs never return errors to the group
	_ = eg.Wait()

	result.Skipped = span.Len() - result.Succeeded - result.Failed
	result.Duration = time.Since(start)
	return result
}
