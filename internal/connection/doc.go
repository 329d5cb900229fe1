// Package connection implements the WebSocket connection supervisor.
//
// The Supervisor:
//   - Owns exactly one socket handle behind a mutex; sends and handle swaps never interleave
//   - Connects lazily on first send, with a bounded per-attempt timeout and retry policy
//   - Runs a monitor goroutine that detects lost sockets and runs recovery on itself
//   - Replays the subscription Registry in insertion order after every reconnect
//   - Delivers frames to a Handler; callback errors and panics become reconnects
//   - Escalates through Done/Err when reconnection exhausts its policy
package connection
