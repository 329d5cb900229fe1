// Package stream implements the exchange-specific stream session on top of
// the connection supervisor: subscriptions, listen-key renewal, ping
// handling and routing of inbound events onto typed queues.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"

	"github.com/rickgao/venuelink/internal/api"
	"github.com/rickgao/venuelink/internal/connection"
	"github.com/rickgao/venuelink/internal/metrics"
	"github.com/rickgao/venuelink/internal/model"
	"github.com/rickgao/venuelink/internal/poller"
	"github.com/rickgao/venuelink/internal/retry"
	"github.com/rickgao/venuelink/internal/router"
)

const (
	methodSubscribe   = "SUBSCRIBE"
	methodUnsubscribe = "UNSUBSCRIBE"
)

// ListenKeyService is the REST side channel for the user-data token.
type ListenKeyService interface {
	CreateListenKey(ctx context.Context) (string, error)
	KeepAliveListenKey(ctx context.Context, key string) error
	CloseListenKey(ctx context.Context, key string) error
}

// Config holds stream session configuration.
type Config struct {
	Supervisor    connection.Config
	Session       model.SessionIDs
	RenewInterval time.Duration
	RenewTimeout  time.Duration
}

// DefaultConfig returns default configuration.
func DefaultConfig() Config {
	return Config{
		Supervisor:    connection.DefaultConfig(),
		RenewInterval: 30 * time.Minute,
		RenewTimeout:  30 * time.Second,
	}
}

// request is the wire form of SUBSCRIBE and UNSUBSCRIBE.
type request struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

// Client is one stream session. Without a ListenKeyService it carries public
// market data only.
type Client struct {
	cfg    Config
	logger *slog.Logger
	sup    *connection.Supervisor
	router *router.Router
	keys   ListenKeyService
	now    func() time.Time

	nextID atomic.Int64

	keyMu      sync.Mutex
	listenKey  string
	refreshing atomic.Bool

	renewer *poller.Poller
	ctx     context.Context
	cancel  context.CancelFunc
}

// New creates a Client. keys may be nil.
func New(cfg Config, queues router.Queues, keys ListenKeyService, logger *slog.Logger, opts ...connection.Option) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		cfg:    cfg,
		logger: logger.With("session", cfg.Supervisor.Name),
		router: router.New(cfg.Supervisor.Name, cfg.Session, queues, logger),
		keys:   keys,
		now:    time.Now,
		ctx:    ctx,
		cancel: cancel,
	}
	c.sup = connection.New(cfg.Supervisor, c, logger, opts...)
	return c
}

// Start connects. With a ListenKeyService it first obtains a listen key,
// subscribes to it and starts the renewal loop.
func (c *Client) Start(ctx context.Context) error {
	if c.keys == nil {
		return c.sup.Connect(ctx)
	}

	key, err := c.keys.CreateListenKey(ctx)
	if err != nil {
		return &retry.AuthError{Err: fmt.Errorf("create listen key: %w", err)}
	}
	c.setListenKey(key)

	if err := c.Subscribe(key); err != nil {
		c.setListenKey("")
		c.sup.Registry().RemoveParams(methodSubscribe, []string{key})
		if cerr := c.keys.CloseListenKey(ctx, key); cerr != nil {
			err = multierr.Append(err, fmt.Errorf("close listen key: %w", cerr))
		}
		return err
	}

	c.renewer = poller.New(poller.Config{
		Name:     c.cfg.Supervisor.Name + "-listen-key",
		Interval: c.cfg.RenewInterval,
		Timeout:  c.cfg.RenewTimeout,
	}, poller.TaskFunc(c.renewListenKey), c.logger)
	return c.renewer.Start(c.ctx)
}

// Close stops renewal, closes the connection and releases the listen key.
func (c *Client) Close(ctx context.Context) error {
	var errs error
	if c.renewer != nil {
		errs = multierr.Append(errs, c.renewer.Stop(ctx))
	}
	c.cancel()
	errs = multierr.Append(errs, c.sup.Close())

	if key := c.ListenKey(); key != "" && c.keys != nil {
		if err := c.keys.CloseListenKey(ctx, key); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("close listen key: %w", err))
		}
	}
	return errs
}

// Done is closed when the session stops; Err then reports why.
func (c *Client) Done() <-chan struct{} { return c.sup.Done() }

// Err returns the error that stopped the session, if any.
func (c *Client) Err() error { return c.sup.Err() }

// Supervisor returns the underlying connection supervisor.
func (c *Client) Supervisor() *connection.Supervisor { return c.sup }

// Queues returns the output queues.
func (c *Client) Queues() router.Queues { return c.router.Queues() }

// RouterStats returns classification counters.
func (c *Client) RouterStats() router.Stats { return c.router.Stats() }

// ListenKey returns the current listen key, if any.
func (c *Client) ListenKey() string {
	c.keyMu.Lock()
	defer c.keyMu.Unlock()
	return c.listenKey
}

// Subscribe registers params for replay and sends a SUBSCRIBE.
func (c *Client) Subscribe(params ...string) error {
	if len(params) == 0 {
		return errors.New("subscribe: no params")
	}
	return c.sup.Subscribe(connection.Request{Method: methodSubscribe, Params: params})
}

// Unsubscribe forgets params and sends an UNSUBSCRIBE.
func (c *Client) Unsubscribe(params ...string) error {
	payload, err := c.encode(methodUnsubscribe, params)
	if err != nil {
		return err
	}
	return c.sup.Unsubscribe(connection.Request{Method: methodSubscribe, Params: params}, payload)
}

// SubscribeBookTickers subscribes to best bid/offer for symbols.
func (c *Client) SubscribeBookTickers(symbols ...string) error {
	return c.Subscribe(mapTopics(symbols, BookTicker)...)
}

// SubscribeAggTrades subscribes to aggregated trades for symbols.
func (c *Client) SubscribeAggTrades(symbols ...string) error {
	return c.Subscribe(mapTopics(symbols, AggTrade)...)
}

// SubscribeKlines subscribes to candles at interval for symbols.
func (c *Client) SubscribeKlines(interval string, symbols ...string) error {
	return c.Subscribe(mapTopics(symbols, func(s string) string { return Kline(s, interval) })...)
}

// EncodeSubscription frames a registry entry with a fresh request id.
func (c *Client) EncodeSubscription(req connection.Request) ([]byte, error) {
	return c.encode(req.Method, req.Params)
}

func (c *Client) encode(method string, params []string) ([]byte, error) {
	data, err := json.Marshal(request{Method: method, Params: params, ID: c.nextID.Add(1)})
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", method, err)
	}
	return data, nil
}

// OnOpen implements connection.Handler.
func (c *Client) OnOpen() error {
	c.logger.Info("stream connected", "subscriptions", c.sup.Registry().Len())
	return nil
}

// OnMessage implements connection.Handler.
func (c *Client) OnMessage(data []byte) error {
	kind, err := c.router.Route(data)
	if err != nil {
		return err
	}

	switch kind {
	case router.KindPing:
		return c.sup.SendJSON(map[string]int64{"pong": c.now().UnixMilli()})
	case router.KindListenKeyExpired:
		go func() {
			if err := c.refreshListenKey(c.ctx, "listen key expired"); err != nil {
				c.logger.Error("listen key refresh failed", "err", err)
			}
		}()
	}
	return nil
}

// OnClose implements connection.Handler.
func (c *Client) OnClose() error {
	c.logger.Info("stream closed by venue")
	return nil
}

// OnError implements connection.Handler.
func (c *Client) OnError(err error) error {
	c.logger.Warn("stream transport error", "err", err)
	return nil
}

// renewListenKey is the poller task. Ordinary failures are retried on the
// next tick; an invalid key forces a fresh key and connection.
func (c *Client) renewListenKey(ctx context.Context) error {
	key := c.ListenKey()
	if key == "" {
		return nil
	}

	err := c.keys.KeepAliveListenKey(ctx, key)
	if err == nil {
		metrics.ListenKeyRenewals.WithLabelValues(c.cfg.Supervisor.Name, "ok").Inc()
		c.logger.Debug("listen key renewed")
		return nil
	}

	metrics.ListenKeyRenewals.WithLabelValues(c.cfg.Supervisor.Name, "failed").Inc()
	if api.IsInvalidListenKey(err) {
		return c.refreshListenKey(ctx, "keep-alive rejected")
	}
	return fmt.Errorf("keep-alive listen key: %w", err)
}

// refreshListenKey obtains a new key, swaps it into the registry and forces a
// reconnect so the stream is re-established under the new key.
func (c *Client) refreshListenKey(ctx context.Context, reason string) error {
	if c.keys == nil || !c.refreshing.CompareAndSwap(false, true) {
		return nil
	}
	defer c.refreshing.Store(false)

	key, err := c.keys.CreateListenKey(ctx)
	if err != nil {
		return &retry.AuthError{Err: fmt.Errorf("create listen key: %w", err)}
	}

	old := c.setListenKey(key)
	c.sup.Registry().Replace(
		connection.Request{Method: methodSubscribe, Params: []string{old}},
		connection.Request{Method: methodSubscribe, Params: []string{key}},
	)
	c.logger.Warn("listen key replaced, reconnecting", "reason", reason)
	c.sup.Reconnect()
	return nil
}

func (c *Client) setListenKey(key string) (old string) {
	c.keyMu.Lock()
	defer c.keyMu.Unlock()
	old, c.listenKey = c.listenKey, key
	return old
}

func mapTopics(symbols []string, fn func(string) string) []string {
	out := make([]string, len(symbols))
	for i, s := range symbols {
		out[i] = fn(s)
	}
	return out
}
