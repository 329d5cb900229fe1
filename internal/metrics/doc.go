// Package metrics provides Prometheus metrics for monitoring.
//
// Key metrics:
//   - Supervisor state, recoveries and replayed subscriptions per session
//   - Classified stream messages by kind and listen-key renewal outcomes
//   - FIX messages sent/received by MsgType, protocol errors, reconnects, seqnum
//   - Output queue depth
//   - Journal batch results
package metrics
