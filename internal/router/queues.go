package router

import "github.com/rickgao/venuelink/internal/model"

// DefaultQueueCapacity is the initial capacity of each output queue.
const DefaultQueueCapacity = 1024

// Queues are the typed output channels consumers read from. Orders may be
// shared with a FIX session so one journal sees both paths.
type Queues struct {
	Orders      *GrowableBuffer[model.OrderEvent]
	Balances    *GrowableBuffer[BalanceEvent]
	Trades      *GrowableBuffer[TradeEvent]
	Klines      *GrowableBuffer[KlineEvent]
	BookTickers *GrowableBuffer[BookTickerEvent]
	Depth       *GrowableBuffer[DepthEvent]
	Tickers     *GrowableBuffer[TickerEvent]
}

// NewQueues allocates every queue with the given initial capacity.
func NewQueues(capacity int) Queues {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return Queues{
		Orders:      NewGrowableBuffer[model.OrderEvent](capacity),
		Balances:    NewGrowableBuffer[BalanceEvent](capacity),
		Trades:      NewGrowableBuffer[TradeEvent](capacity),
		Klines:      NewGrowableBuffer[KlineEvent](capacity),
		BookTickers: NewGrowableBuffer[BookTickerEvent](capacity),
		Depth:       NewGrowableBuffer[DepthEvent](capacity),
		Tickers:     NewGrowableBuffer[TickerEvent](capacity),
	}
}

// Close closes every queue.
func (q Queues) Close() {
	q.Orders.Close()
	q.Balances.Close()
	q.Trades.Close()
	q.Klines.Close()
	q.BookTickers.Close()
	q.Depth.Close()
	q.Tickers.Close()
}

// Depths returns a length func per queue, keyed by queue name.
func (q Queues) Depths() map[string]func() int {
	return map[string]func() int{
		"orders":       q.Orders.Len,
		"balances":     q.Balances.Len,
		"trades":       q.Trades.Len,
		"klines":       q.Klines.Len,
		"book_tickers": q.BookTickers.Len,
		"depth":        q.Depth.Len,
		"tickers":      q.Tickers.Len,
	}
}
