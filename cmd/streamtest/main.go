// streamtest connects a public stream session and prints classified events to
// the console.
//
// Usage: go run ./cmd/streamtest --symbols btcusdt,ethusdt --kline 1m
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rickgao/venuelink/internal/config"
	"github.com/rickgao/venuelink/internal/router"
	"github.com/rickgao/venuelink/internal/stream"
)

func main() {
	url := flag.String("url", config.DefaultWSURL, "stream WebSocket URL")
	symbols := flag.String("symbols", "btcusdt", "comma-separated symbols")
	kline := flag.String("kline", "", "kline interval to subscribe, e.g. 1m")
	verbose := flag.Bool("verbose", false, "print full event JSON")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := stream.DefaultConfig()
	cfg.Supervisor.Name = "streamtest"
	cfg.Supervisor.URL = *url

	queues := router.NewQueues(router.DefaultQueueCapacity)
	client := stream.New(cfg, queues, nil, logger)

	list := strings.Split(*symbols, ",")
	if err := client.SubscribeBookTickers(list...); err != nil {
		logger.Error("failed to subscribe book tickers", "error", err)
		os.Exit(1)
	}
	if err := client.SubscribeAggTrades(list...); err != nil {
		logger.Error("failed to subscribe trades", "error", err)
		os.Exit(1)
	}
	if *kline != "" {
		if err := client.SubscribeKlines(*kline, list...); err != nil {
			logger.Error("failed to subscribe klines", "error", err)
			os.Exit(1)
		}
	}

	go printEvents(ctx, queues.BookTickers, *verbose, "BOOK", func(e router.BookTickerEvent) string {
		return fmt.Sprintf("symbol=%s bid=%s@%s ask=%s@%s",
			e.Symbol, e.BidQty, e.BidPrice, e.AskQty, e.AskPrice)
	})
	go printEvents(ctx, queues.Trades, *verbose, "TRADE", func(e router.TradeEvent) string {
		return fmt.Sprintf("symbol=%s id=%d price=%s qty=%s buyer_maker=%t",
			e.Symbol, e.TradeID, e.Price, e.Quantity, e.BuyerMaker)
	})
	go printEvents(ctx, queues.Klines, *verbose, "KLINE", func(e router.KlineEvent) string {
		return fmt.Sprintf("symbol=%s interval=%s o=%s h=%s l=%s c=%s closed=%t",
			e.Symbol, e.Interval, e.Open, e.High, e.Low, e.Close, e.Closed)
	})

	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				stats := client.RouterStats()
				logger.Info("stats",
					"state", client.Supervisor().State().String(),
					"recoveries", client.Supervisor().Recoveries(),
					"received", stats.Received,
					"routed", stats.Routed,
					"parse_errors", stats.ParseErrors,
					"duplicates", stats.Duplicates,
				)
			}
		}
	}()

	logger.Info("streaming started - press Ctrl+C to stop", "url", *url, "symbols", list)

	select {
	case <-ctx.Done():
	case <-client.Done():
		logger.Error("session stopped", "error", client.Err())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := client.Close(shutdownCtx); err != nil {
		logger.Warn("close", "error", err)
	}
	logger.Info("shutdown complete")
}

func printEvents[T any](ctx context.Context, buf *router.GrowableBuffer[T], verbose bool, label string, line func(T) string) {
	for {
		ev, ok := buf.Receive(ctx)
		if !ok {
			return
		}
		if verbose {
			data, _ := json.MarshalIndent(ev, "", "  ")
			fmt.Printf("[%s] %s\n", label, data)
			continue
		}
		fmt.Printf("[%s] %s\n", label, line(ev))
	}
}
