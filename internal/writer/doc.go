// Package writer journals order events.
//
// The OrderWriter drains the shared order queue fed by the stream and FIX
// sessions, batch-inserts rows into Postgres and publishes newly inserted
// events. Inserts are append-only; the event id makes a retried batch
// idempotent.
package writer
