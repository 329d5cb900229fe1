package router

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/rickgao/venuelink/internal/model"
)

// Kind is the classification of one inbound stream message.
type Kind string

const (
	KindOrder            Kind = "order"
	KindBalance          Kind = "balance"
	KindTrade            Kind = "trade"
	KindKline            Kind = "kline"
	KindBookTicker       Kind = "book_ticker"
	KindDepth            Kind = "depth"
	KindTicker           Kind = "ticker"
	KindPing             Kind = "ping"
	KindAck              Kind = "ack"
	KindVenueError       Kind = "venue_error"
	KindListenKeyExpired Kind = "listen_key_expired"
	KindDuplicate        Kind = "duplicate"
	KindUnknown          Kind = "unknown"
)

// Balance is one asset line of an account update.
type Balance struct {
	Asset  string
	Free   decimal.Decimal
	Locked decimal.Decimal
}

// BalanceEvent is either a full position snapshot (Balances set) or a single
// asset delta (Asset and Delta set).
type BalanceEvent struct {
	model.SessionIDs
	Event      string
	Balances   []Balance
	Asset      string
	Delta      decimal.Decimal
	EventTime  time.Time
	ReceivedAt time.Time
}

// TradeEvent is a public trade or aggregated trade.
type TradeEvent struct {
	Symbol     string
	TradeID    int64
	Price      decimal.Decimal
	Quantity   decimal.Decimal
	BuyerMaker bool
	TradeTime  time.Time
	ReceivedAt time.Time
}

// KlineEvent is one candle update.
type KlineEvent struct {
	Symbol     string
	Interval   string
	OpenTime   time.Time
	CloseTime  time.Time
	Open       decimal.Decimal
	High       decimal.Decimal
	Low        decimal.Decimal
	Close      decimal.Decimal
	Volume     decimal.Decimal
	Closed     bool
	ReceivedAt time.Time
}

// BookTickerEvent is a best bid/offer update.
type BookTickerEvent struct {
	Symbol     string
	UpdateID   int64
	BidPrice   decimal.Decimal
	BidQty     decimal.Decimal
	AskPrice   decimal.Decimal
	AskQty     decimal.Decimal
	ReceivedAt time.Time
}

// Level is one price level of a book.
type Level struct {
	Price    decimal.Decimal
	Quantity decimal.Decimal
}

// DepthEvent is a diff update (FirstUpdateID set) or a partial snapshot.
type DepthEvent struct {
	Symbol        string
	FirstUpdateID int64
	FinalUpdateID int64
	Bids          []Level
	Asks          []Level
	EventTime     time.Time
	ReceivedAt    time.Time
}

// TickerEvent is a rolling 24h ticker or a mark price update.
type TickerEvent struct {
	Symbol      string
	LastPrice   decimal.Decimal
	BidPrice    decimal.Decimal
	AskPrice    decimal.Decimal
	Volume      decimal.Decimal
	QuoteVolume decimal.Decimal
	MarkPrice   decimal.Decimal
	FundingRate decimal.Decimal
	EventTime   time.Time
	ReceivedAt  time.Time
}

// VenueError is the error object a venue returns for a rejected request.
type VenueError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}
