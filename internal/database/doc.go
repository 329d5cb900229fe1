// Package database provides the PostgreSQL connection pool and schema for
// the order-event journal.
package database
