package writer

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/rickgao/venuelink/internal/model"
)

// WriterConfig holds batching settings.
type WriterConfig struct {
	BatchSize     int
	FlushInterval time.Duration
}

// DefaultWriterConfig returns default configuration.
func DefaultWriterConfig() WriterConfig {
	return WriterConfig{
		BatchSize:     500,
		FlushInterval: time.Second,
	}
}

// WriterMetrics contains write counters.
type WriterMetrics struct {
	Inserts   int64
	Conflicts int64
	Flushes   int64
	Errors    int64
	Dropped   int64
	Published int64
}

// BatchSender sends a queued batch. *pgxpool.Pool satisfies it.
type BatchSender interface {
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// Publisher fans out newly journaled events.
type Publisher interface {
	Publish(ctx context.Context, ev model.OrderEvent) (int64, error)
}
