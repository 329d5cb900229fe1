// Package router classifies inbound stream messages and routes them onto
// typed, unbounded output queues.
package router

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rickgao/venuelink/internal/metrics"
	"github.com/rickgao/venuelink/internal/model"
	"github.com/rickgao/venuelink/internal/retry"
)

// Stats contains runtime statistics.
type Stats struct {
	Received    int64
	Routed      int64
	ParseErrors int64
	Unknown     int64
	Duplicates  int64
}

// Router classifies one connection's inbound messages. Route is called from
// that connection's read loop, so per-connection arrival order is kept.
type Router struct {
	session string
	ids     model.SessionIDs
	queues  Queues
	logger  *slog.Logger
	now     func() time.Time

	bookMu   sync.Mutex
	lastBook map[string]bookQuote

	received    atomic.Int64
	routed      atomic.Int64
	parseErrors atomic.Int64
	unknown     atomic.Int64
	duplicates  atomic.Int64
}

type bookQuote struct {
	bid, bidQty, ask, askQty string
}

// New creates a Router. session labels metrics; ids are stamped onto order
// and balance events.
func New(session string, ids model.SessionIDs, queues Queues, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		session:  session,
		ids:      ids,
		queues:   queues,
		logger:   logger,
		now:      time.Now,
		lastBook: make(map[string]bookQuote),
	}
}

// Queues returns the output queues.
func (r *Router) Queues() Queues {
	return r.queues
}

// Stats returns current statistics.
func (r *Router) Stats() Stats {
	return Stats{
		Received:    r.received.Load(),
		Routed:      r.routed.Load(),
		ParseErrors: r.parseErrors.Load(),
		Unknown:     r.unknown.Load(),
		Duplicates:  r.duplicates.Load(),
	}
}

// Route classifies data and pushes any decoded event onto its queue.
// Malformed JSON returns a *retry.ProtocolError.
func (r *Router) Route(data []byte) (Kind, error) {
	r.received.Add(1)
	receivedAt := r.now().UTC()

	kind, err := r.route(data, receivedAt)
	if err != nil {
		r.parseErrors.Add(1)
		return KindUnknown, &retry.ProtocolError{Reason: "decode stream message", Err: err}
	}

	switch kind {
	case KindUnknown:
		r.unknown.Add(1)
		r.logger.Debug("unclassified stream message", "data", truncate(data, 200))
	case KindDuplicate:
		r.duplicates.Add(1)
	case KindPing, KindAck, KindVenueError, KindListenKeyExpired:
	default:
		r.routed.Add(1)
	}
	metrics.StreamMessages.WithLabelValues(r.session, string(kind)).Inc()
	return kind, nil
}

func (r *Router) route(data []byte, at time.Time) (Kind, error) {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '[' {
		var list []fields
		if err := json.Unmarshal(data, &list); err != nil {
			return KindUnknown, err
		}
		for _, f := range list {
			r.queues.Tickers.Send(decodeTicker(f, at))
		}
		return KindTicker, nil
	}

	var f fields
	if err := json.Unmarshal(data, &f); err != nil {
		return KindUnknown, err
	}

	switch f.str("e") {
	case "executionReport":
		r.queues.Orders.Send(r.decodeOrder(f, f, at))
		return KindOrder, nil
	case "ORDER_TRADE_UPDATE":
		r.queues.Orders.Send(r.decodeOrder(f, f.object("o"), at))
		return KindOrder, nil
	case "outboundAccountPosition", "balanceUpdate", "ACCOUNT_UPDATE":
		r.queues.Balances.Send(r.decodeBalance(f, at))
		return KindBalance, nil
	case "aggTrade", "trade":
		r.queues.Trades.Send(decodeTrade(f, at))
		return KindTrade, nil
	case "kline":
		r.queues.Klines.Send(decodeKline(f, at))
		return KindKline, nil
	case "depthUpdate":
		r.queues.Depth.Send(decodeDepth(f, at))
		return KindDepth, nil
	case "24hrTicker", "markPriceUpdate":
		r.queues.Tickers.Send(decodeTicker(f, at))
		return KindTicker, nil
	case "listenKeyExpired":
		return KindListenKeyExpired, nil
	case "":
	default:
		return KindUnknown, nil
	}

	switch {
	case f.has("ping"):
		return KindPing, nil
	case f.has("error"):
		var ve VenueError
		_ = json.Unmarshal(f["error"], &ve)
		r.logger.Warn("venue rejected request", "id", f.str("id"), "code", ve.Code, "msg", ve.Msg)
		return KindVenueError, nil
	case f.has("result") && f.has("id"):
		return KindAck, nil
	case f.has("lastUpdateId"):
		r.queues.Depth.Send(DepthEvent{
			FinalUpdateID: f.num("lastUpdateId"),
			Bids:          f.levels("bids"),
			Asks:          f.levels("asks"),
			ReceivedAt:    at,
		})
		return KindDepth, nil
	case f.has("u") && f.has("b") && f.has("a"):
		if r.duplicateBook(f) {
			return KindDuplicate, nil
		}
		r.queues.BookTickers.Send(BookTickerEvent{
			Symbol:     f.str("s"),
			UpdateID:   f.num("u"),
			BidPrice:   f.dec("b"),
			BidQty:     f.dec("B"),
			AskPrice:   f.dec("a"),
			AskQty:     f.dec("A"),
			ReceivedAt: at,
		})
		return KindBookTicker, nil
	}
	return KindUnknown, nil
}

// duplicateBook reports whether the quote equals the last one seen for the
// symbol and records it otherwise.
func (r *Router) duplicateBook(f fields) bool {
	q := bookQuote{bid: f.str("b"), bidQty: f.str("B"), ask: f.str("a"), askQty: f.str("A")}
	sym := f.str("s")

	r.bookMu.Lock()
	defer r.bookMu.Unlock()
	if last, ok := r.lastBook[sym]; ok && last == q {
		return true
	}
	r.lastBook[sym] = q
	return false
}

// decodeOrder reads order fields from o, the event itself for spot and the
// nested "o" object for futures.
func (r *Router) decodeOrder(envelope, o fields, at time.Time) model.OrderEvent {
	e := model.NewOrderEvent(model.SourceStream, r.ids, at)
	e.Symbol = o.str("s")
	e.ClientOrderID = o.str("c")
	if o.str("x") == "CANCELED" && o.str("C") != "" {
		e.ClientOrderID = o.str("C")
	}
	e.OrderID = o.str("i")
	e.ExecID = o.str("t")
	e.Side = o.str("S")
	e.OrderType = o.str("o")
	e.ExecType = o.str("x")
	e.Status = o.str("X")
	e.Price = o.dec("p")
	e.Quantity = o.dec("q")
	e.LastPrice = o.dec("L")
	e.LastQty = o.dec("l")
	e.CumQty = o.dec("z")
	e.EventTime = envelope.millis("E")

	raw, _ := json.Marshal(envelope)
	e.Raw = string(raw)
	return e
}

func (r *Router) decodeBalance(f fields, at time.Time) BalanceEvent {
	ev := BalanceEvent{
		SessionIDs: r.ids,
		Event:      f.str("e"),
		EventTime:  f.millis("E"),
		ReceivedAt: at,
	}
	switch ev.Event {
	case "balanceUpdate":
		ev.Asset = f.str("a")
		ev.Delta = f.dec("d")
	case "outboundAccountPosition":
		for _, b := range f.objects("B") {
			ev.Balances = append(ev.Balances, Balance{Asset: b.str("a"), Free: b.dec("f"), Locked: b.dec("l")})
		}
	case "ACCOUNT_UPDATE":
		for _, b := range f.object("a").objects("B") {
			ev.Balances = append(ev.Balances, Balance{Asset: b.str("a"), Free: b.dec("wb")})
		}
	}
	return ev
}

func decodeTrade(f fields, at time.Time) TradeEvent {
	id := f.num("a")
	if f.str("e") == "trade" {
		id = f.num("t")
	}
	return TradeEvent{
		Symbol:     f.str("s"),
		TradeID:    id,
		Price:      f.dec("p"),
		Quantity:   f.dec("q"),
		BuyerMaker: f.flag("m"),
		TradeTime:  f.millis("T"),
		ReceivedAt: at,
	}
}

func decodeKline(f fields, at time.Time) KlineEvent {
	k := f.object("k")
	return KlineEvent{
		Symbol:     f.str("s"),
		Interval:   k.str("i"),
		OpenTime:   k.millis("t"),
		CloseTime:  k.millis("T"),
		Open:       k.dec("o"),
		High:       k.dec("h"),
		Low:        k.dec("l"),
		Close:      k.dec("c"),
		Volume:     k.dec("v"),
		Closed:     k.flag("x"),
		ReceivedAt: at,
	}
}

func decodeDepth(f fields, at time.Time) DepthEvent {
	return DepthEvent{
		Symbol:        f.str("s"),
		FirstUpdateID: f.num("U"),
		FinalUpdateID: f.num("u"),
		Bids:          f.levels("b"),
		Asks:          f.levels("a"),
		EventTime:     f.millis("E"),
		ReceivedAt:    at,
	}
}

func decodeTicker(f fields, at time.Time) TickerEvent {
	t := TickerEvent{
		Symbol:     f.str("s"),
		EventTime:  f.millis("E"),
		ReceivedAt: at,
	}
	if f.str("e") == "markPriceUpdate" {
		t.MarkPrice = f.dec("p")
		t.FundingRate = f.dec("r")
		return t
	}
	t.LastPrice = f.dec("c")
	t.BidPrice = f.dec("b")
	t.AskPrice = f.dec("a")
	t.Volume = f.dec("v")
	t.QuoteVolume = f.dec("q")
	return t
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
