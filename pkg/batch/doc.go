// Package batch runs independent jobs in fixed-size spans with a bounded
// worker pool and a pause between spans.
//
// The WikiData query service meters each client per 60 second window, so
// a harvest sends one span of queries, waits, and sends the next:
//
//	runner := batch.NewRunner(batch.Config{Concurrency: 250, Pause: time.Minute})
//	summary, err := runner.Run(ctx, len(countries), func(ctx context.Context, i int) error {
//		return harvester.DoQuery(ctx, countries[i])
//	})
//
// The runner:
//   - Splits the job indexes into spans of Size (see Bounds)
//   - Runs the jobs of one span in parallel, at most Concurrency at once
//   - Counts job errors without cancelling the other jobs
//   - Sleeps Pause between spans, never after the last one
//   - Stops launching jobs once the context ends
package batch
