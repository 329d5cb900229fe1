package stream

import (
	"fmt"
	"strings"
	"time"
)

// Topic names for the combined-stream SUBSCRIBE params.

// AggTrade is the aggregated trade stream for symbol.
func AggTrade(symbol string) string { return topic(symbol, "aggTrade") }

// Trade is the raw trade stream for symbol.
func Trade(symbol string) string { return topic(symbol, "trade") }

// BookTicker is the best bid/offer stream for symbol.
func BookTicker(symbol string) string { return topic(symbol, "bookTicker") }

// Kline is the candle stream for symbol at interval, e.g. "15m".
func Kline(symbol, interval string) string { return topic(symbol, "kline_"+interval) }

// MarkPrice is the futures mark price stream at 1s cadence.
func MarkPrice(symbol string) string { return topic(symbol, "markPrice@1s") }

// AllTickers is the rolling 24h ticker array for all symbols.
func AllTickers() string { return "!ticker@arr" }

// Depth is the order book stream for symbol. levels 0 selects the diff
// stream; 5, 10 or 20 select partial snapshots. speed 0 uses the venue default.
func Depth(symbol string, levels int, speed time.Duration) string {
	name := "depth"
	if levels > 0 {
		name = fmt.Sprintf("depth%d", levels)
	}
	if speed > 0 {
		name = fmt.Sprintf("%s@%dms", name, speed.Milliseconds())
	}
	return topic(symbol, name)
}

func topic(symbol, name string) string {
	return strings.ToLower(symbol) + "@" + name
}
