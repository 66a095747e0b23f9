// Package batch runs many independent dispatch requests concurrently
// under a bounded worker pool, preserving submission order in the
// result set.
//
// The coordinator:
//   - rejects batches above the configured size limit before any
//     worker is scheduled
//   - sizes the worker pool to min(job concurrency, configured cap)
//   - writes each result into a pre-sized slice at the request's
//     original index, never in completion order
//   - isolates failures: one request's failure never cancels siblings
//   - bounds total wall-clock time; requests still pending when the
//     batch deadline elapses are marked with a timeout failure and the
//     batch returns with whatever completed
//
// Example usage:
//
//	coord, _ := batch.New(batch.DefaultConfig(), dispatcher, logger)
//	res, err := coord.Run(ctx, batch.Job{Requests: reqs})
//
// res.Results is index-aligned with reqs.
package batch
