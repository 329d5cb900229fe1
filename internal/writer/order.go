package writer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/rickgao/venuelink/internal/metrics"
	"github.com/rickgao/venuelink/internal/model"
	"github.com/rickgao/venuelink/internal/router"
)

const insertOrderEvent = `
	INSERT INTO order_events (
		id, source, portfolio_id, strategy_id, account_id,
		symbol, client_order_id, order_id, exec_id, side, order_type, exec_type, status,
		price, quantity, last_price, last_qty, cum_qty,
		event_time, received_at, raw
	)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)
	ON CONFLICT (id) DO NOTHING`

// maxRetainedBatches caps how many batches of rows a failing journal holds
// for retry.
const maxRetainedBatches = 4

// OrderWriter consumes OrderEvents from the order queue and writes them to
// the order_events table. db or pub may be nil to disable that output.
type OrderWriter struct {
	cfg    WriterConfig
	logger *slog.Logger

	// Input shared by the stream and FIX sessions
	input *router.GrowableBuffer[model.OrderEvent]

	db  BatchSender
	pub Publisher

	// Batching
	batch   []model.OrderEvent
	batchMu sync.Mutex
	flushMu sync.Mutex

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	metrics WriterMetrics
}

// NewOrderWriter creates a new OrderWriter.
func NewOrderWriter(
	cfg WriterConfig,
	input *router.GrowableBuffer[model.OrderEvent],
	db BatchSender,
	pub Publisher,
	logger *slog.Logger,
) *OrderWriter {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultWriterConfig().BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultWriterConfig().FlushInterval
	}
	return &OrderWriter{
		cfg:    cfg,
		input:  input,
		db:     db,
		pub:    pub,
		logger: logger.With("writer", "orders"),
		batch:  make([]model.OrderEvent, 0, cfg.BatchSize),
	}
}

// Start begins consuming events.
func (w *OrderWriter) Start(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)

	w.wg.Add(2)
	go w.consumeLoop()
	go w.flushLoop()

	w.logger.Info("order writer started",
		"batch_size", w.cfg.BatchSize,
		"flush_interval", w.cfg.FlushInterval,
		"journal", w.db != nil,
		"publish", w.pub != nil,
	)
	return nil
}

// Stop drains what is already queued, flushes and shuts down.
func (w *OrderWriter) Stop(ctx context.Context) error {
	w.logger.Info("stopping order writer")

	if w.cancel != nil {
		w.cancel()
	}

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		w.logger.Warn("order writer stop timed out")
	}

	for _, ev := range w.input.DrainTo(0) {
		w.add(ev)
	}
	w.flush(ctx)

	w.logger.Info("order writer stopped")
	return nil
}

// Stats returns current metrics.
func (w *OrderWriter) Stats() WriterMetrics {
	w.batchMu.Lock()
	defer w.batchMu.Unlock()
	return w.metrics
}

func (w *OrderWriter) consumeLoop() {
	defer w.wg.Done()

	for {
		ev, ok := w.input.Receive(w.ctx)
		if !ok {
			return
		}
		if w.add(ev) {
			w.flush(w.ctx)
		}
	}
}

func (w *OrderWriter) flushLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.flush(w.ctx)
		}
	}
}

// add appends ev and reports whether the batch is full.
func (w *OrderWriter) add(ev model.OrderEvent) bool {
	w.batchMu.Lock()
	defer w.batchMu.Unlock()
	w.batch = append(w.batch, ev)
	return len(w.batch) >= w.cfg.BatchSize
}

// flush writes the current batch, then publishes the rows that were new.
func (w *OrderWriter) flush(ctx context.Context) {
	w.flushMu.Lock()
	defer w.flushMu.Unlock()

	w.batchMu.Lock()
	if len(w.batch) == 0 {
		w.batchMu.Unlock()
		return
	}
	batch := w.batch
	w.batch = make([]model.OrderEvent, 0, w.cfg.BatchSize)
	w.batchMu.Unlock()

	// Detach from cancellation so the final flush in Stop still lands.
	ctx = context.WithoutCancel(ctx)
	start := time.Now()

	fresh := batch
	if w.db != nil {
		inserted, err := w.batchInsert(ctx, batch)
		if err != nil {
			metrics.JournalBatches.WithLabelValues("failed").Inc()
			dropped := w.requeue(batch)
			w.logger.Error("batch insert failed", "error", err,
				"count", len(batch),
				"requeued", len(batch)-dropped,
				"dropped", dropped,
			)
			return
		}
		fresh = inserted
		metrics.JournalBatches.WithLabelValues("ok").Inc()
		metrics.JournalRows.Add(float64(len(inserted)))
	}

	var published int64
	if w.pub != nil {
		for _, ev := range fresh {
			if _, err := w.pub.Publish(ctx, ev); err != nil {
				w.logger.Warn("publish failed", "error", err, "cl_ord_id", ev.ClientOrderID)
				continue
			}
			published++
		}
	}

	w.batchMu.Lock()
	if w.db != nil {
		w.metrics.Inserts += int64(len(fresh))
		w.metrics.Conflicts += int64(len(batch) - len(fresh))
	}
	w.metrics.Published += published
	w.metrics.Flushes++
	w.batchMu.Unlock()

	w.logger.Debug("flushed order events",
		"count", len(batch),
		"inserted", len(fresh),
		"duration", time.Since(start),
	)
}

// requeue puts rows from a failed insert back ahead of anything added since,
// keeping at most maxRetainedBatches batches. It returns how many rows did
// not fit.
func (w *OrderWriter) requeue(rows []model.OrderEvent) (dropped int) {
	w.batchMu.Lock()
	defer w.batchMu.Unlock()

	w.metrics.Errors++
	merged := append(rows, w.batch...)
	if limit := maxRetainedBatches * w.cfg.BatchSize; len(merged) > limit {
		dropped = len(merged) - limit
		merged = merged[:limit]
	}
	w.batch = merged
	w.metrics.Dropped += int64(dropped)
	return dropped
}

// batchInsert inserts rows using pgx.Batch with ON CONFLICT DO NOTHING and
// returns the events that were actually inserted.
func (w *OrderWriter) batchInsert(ctx context.Context, rows []model.OrderEvent) ([]model.OrderEvent, error) {
	batch := &pgx.Batch{}
	for _, ev := range rows {
		var eventTime *time.Time
		if !ev.EventTime.IsZero() {
			eventTime = &ev.EventTime
		}
		batch.Queue(insertOrderEvent,
			ev.ID, string(ev.Source), ev.PortfolioID, ev.StrategyID, ev.AccountID,
			ev.Symbol, ev.ClientOrderID, ev.OrderID, ev.ExecID, ev.Side, ev.OrderType, ev.ExecType, ev.Status,
			ev.Price, ev.Quantity, ev.LastPrice, ev.LastQty, ev.CumQty,
			eventTime, ev.ReceivedAt, ev.Raw,
		)
	}

	results := w.db.SendBatch(ctx, batch)
	defer results.Close()

	inserted := make([]model.OrderEvent, 0, len(rows))
	for _, ev := range rows {
		ct, err := results.Exec()
		if err != nil {
			return nil, err
		}
		if ct.RowsAffected() > 0 {
			inserted = append(inserted, ev)
		}
	}
	return inserted, nil
}
