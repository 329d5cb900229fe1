// Package poller runs a task on a fixed interval.
//
// The Poller:
//   - Runs the task every Interval with a per-run Timeout
//   - Logs failures and tries again on the next tick; it never exits on error
//   - Stops cleanly on Stop or when the parent context is cancelled
//
// Stream sessions use it for listen-key keep-alive.
package poller
