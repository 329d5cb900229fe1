package stream

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rickgao/venuelink/internal/api"
	"github.com/rickgao/venuelink/internal/connection"
	"github.com/rickgao/venuelink/internal/model"
	"github.com/rickgao/venuelink/internal/retry"
	"github.com/rickgao/venuelink/internal/router"
)

// venue is a WebSocket server recording what each connection receives.
type venue struct {
	mu       sync.Mutex
	conns    []*websocket.Conn
	received [][]string
}

func newVenue(t *testing.T) (*venue, *httptest.Server) {
	v := &venue{}
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade error: %v", err)
			return
		}
		defer conn.Close()

		v.mu.Lock()
		id := len(v.conns)
		v.conns = append(v.conns, conn)
		v.received = append(v.received, nil)
		v.mu.Unlock()

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			v.mu.Lock()
			v.received[id] = append(v.received[id], string(data))
			v.mu.Unlock()
		}
	}))
	t.Cleanup(server.Close)
	return v, server
}

func (v *venue) connCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.conns)
}

func (v *venue) messages(id int) []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	if id >= len(v.received) {
		return nil
	}
	return append([]string(nil), v.received[id]...)
}

func (v *venue) write(id int, msg string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.conns[id].WriteMessage(websocket.TextMessage, []byte(msg))
}

// keys is a scripted ListenKeyService.
type keys struct {
	mu        sync.Mutex
	issued    []string
	renewals  int
	closed    []string
	renewErrs []error
}

func (k *keys) CreateListenKey(ctx context.Context) (string, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	key := "key" + string(rune('1'+len(k.issued)))
	k.issued = append(k.issued, key)
	return key, nil
}

func (k *keys) KeepAliveListenKey(ctx context.Context, key string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.renewals++
	if len(k.renewErrs) > 0 {
		err := k.renewErrs[0]
		k.renewErrs = k.renewErrs[1:]
		return err
	}
	return nil
}

func (k *keys) CloseListenKey(ctx context.Context, key string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.closed = append(k.closed, key)
	return nil
}

func (k *keys) counts() (issued, renewals int) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.issued), k.renewals
}

func testConfig(url string) Config {
	cfg := DefaultConfig()
	cfg.Supervisor.Name = "test"
	cfg.Supervisor.URL = url
	cfg.Supervisor.CheckInterval = 10 * time.Millisecond
	cfg.Supervisor.Retry = retry.Policy{MaxAttempts: 3, InitialDelay: 10 * time.Millisecond, MaxDelay: 50 * time.Millisecond}
	cfg.Session = model.SessionIDs{PortfolioID: "p1", StrategyID: "s1", AccountID: "a1"}
	cfg.RenewInterval = time.Hour
	return cfg
}

func newTestClient(t *testing.T, url string, k ListenKeyService, mutate func(*Config)) *Client {
	cfg := testConfig(url)
	if mutate != nil {
		mutate(&cfg)
	}
	c := New(cfg, router.NewQueues(8), k, nil)
	t.Cleanup(func() { c.Close(context.Background()) })
	return c
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func decode(t *testing.T, msg string) request {
	t.Helper()
	var req request
	if err := json.Unmarshal([]byte(msg), &req); err != nil {
		t.Fatalf("unmarshal %q: %v", msg, err)
	}
	return req
}

func TestSubscribe_MonotonicIDs(t *testing.T) {
	v, server := newVenue(t)
	c := newTestClient(t, wsURL(server), nil, nil)

	if err := c.Subscribe(BookTicker("BTCUSDT")); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if err := c.SubscribeAggTrades("ETHUSDT"); err != nil {
		t.Fatalf("SubscribeAggTrades() error = %v", err)
	}
	waitFor(t, "two requests", func() bool { return len(v.messages(0)) == 2 })

	msgs := v.messages(0)
	if msgs[0] != `{"method":"SUBSCRIBE","params":["btcusdt@bookTicker"],"id":1}` {
		t.Errorf("first request = %s", msgs[0])
	}
	second := decode(t, msgs[1])
	if second.ID != 2 || second.Params[0] != "ethusdt@aggTrade" {
		t.Errorf("second request = %+v, want id 2 for ethusdt@aggTrade", second)
	}
	if got := c.Supervisor().Registry().Len(); got != 2 {
		t.Errorf("registry Len() = %d, want 2", got)
	}
}

func TestUnsubscribe(t *testing.T) {
	v, server := newVenue(t)
	c := newTestClient(t, wsURL(server), nil, nil)

	topic := Kline("BTCUSDT", "15m")
	if err := c.Subscribe(topic); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if err := c.Unsubscribe(topic); err != nil {
		t.Fatalf("Unsubscribe() error = %v", err)
	}
	waitFor(t, "unsubscribe", func() bool { return len(v.messages(0)) == 2 })

	req := decode(t, v.messages(0)[1])
	if req.Method != "UNSUBSCRIBE" || req.Params[0] != "btcusdt@kline_15m" {
		t.Errorf("request = %+v, want UNSUBSCRIBE btcusdt@kline_15m", req)
	}
	if got := c.Supervisor().Registry().Len(); got != 0 {
		t.Errorf("registry Len() = %d, want 0", got)
	}
}

func TestUnsubscribe_PartialNotReplayed(t *testing.T) {
	v, server := newVenue(t)
	c := newTestClient(t, wsURL(server), nil, nil)

	if err := c.SubscribeBookTickers("BTCUSDT", "ETHUSDT"); err != nil {
		t.Fatalf("SubscribeBookTickers() error = %v", err)
	}
	if err := c.Unsubscribe(BookTicker("BTCUSDT")); err != nil {
		t.Fatalf("Unsubscribe() error = %v", err)
	}
	waitFor(t, "unsubscribe", func() bool { return len(v.messages(0)) == 2 })

	snap := c.Supervisor().Registry().Snapshot()
	if len(snap) != 1 || len(snap[0].Params) != 1 || snap[0].Params[0] != "ethusdt@bookTicker" {
		t.Fatalf("registry = %v, want [SUBSCRIBE [ethusdt@bookTicker]]", snap)
	}

	c.Supervisor().Reconnect()
	waitFor(t, "replay on new connection", func() bool { return len(v.messages(1)) == 1 })

	req := decode(t, v.messages(1)[0])
	if req.Method != "SUBSCRIBE" || len(req.Params) != 1 || req.Params[0] != "ethusdt@bookTicker" {
		t.Errorf("replayed = %+v, want SUBSCRIBE [ethusdt@bookTicker]", req)
	}
}

func TestSubscribe_NoParams(t *testing.T) {
	c := newTestClient(t, "ws://127.0.0.1:1", nil, nil)
	if err := c.Subscribe(); err == nil {
		t.Error("Subscribe() with no params should fail")
	}
}

func TestPingAnsweredWithPong(t *testing.T) {
	v, server := newVenue(t)
	c := newTestClient(t, wsURL(server), nil, nil)
	fixed := time.UnixMilli(1700000000123)
	c.now = func() time.Time { return fixed }

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitFor(t, "connection", func() bool { return v.connCount() == 1 })
	if err := v.write(0, `{"ping":1700000000000}`); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitFor(t, "pong", func() bool { return len(v.messages(0)) == 1 })

	if got := v.messages(0)[0]; got != `{"pong":1700000000123}` {
		t.Errorf("pong = %s, want {\"pong\":1700000000123}", got)
	}
}

func TestOrderEventsRouted(t *testing.T) {
	v, server := newVenue(t)
	c := newTestClient(t, wsURL(server), nil, nil)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitFor(t, "connection", func() bool { return v.connCount() == 1 })
	v.write(0, `{"e":"executionReport","E":1,"s":"BTCUSDT","c":"C1","S":"BUY","x":"NEW","X":"NEW","i":7}`)
	v.write(0, `not json`)
	v.write(0, `{"u":1,"s":"ETHUSDT","b":"1","B":"2","a":"3","A":"4"}`)

	ev, ok := c.Queues().Orders.Receive(ctxTimeout(t))
	if !ok {
		t.Fatal("no order event")
	}
	if ev.ClientOrderID != "C1" || ev.AccountID != "a1" || ev.Source != model.SourceStream {
		t.Errorf("order event = %+v", ev)
	}
	book, ok := c.Queues().BookTickers.Receive(ctxTimeout(t))
	if !ok || book.Symbol != "ETHUSDT" {
		t.Errorf("book ticker = %+v, %v", book, ok)
	}
	if got := v.connCount(); got != 1 {
		t.Errorf("connections = %d, want 1 (bad frame must not reconnect)", got)
	}
}

func ctxTimeout(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestStart_SubscribesListenKey(t *testing.T) {
	v, server := newVenue(t)
	k := &keys{}
	c := newTestClient(t, wsURL(server), k, nil)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitFor(t, "subscribe", func() bool { return len(v.messages(0)) == 1 })

	req := decode(t, v.messages(0)[0])
	if req.Method != "SUBSCRIBE" || len(req.Params) != 1 || req.Params[0] != "key1" {
		t.Errorf("request = %+v, want SUBSCRIBE [key1]", req)
	}
	if got := c.ListenKey(); got != "key1" {
		t.Errorf("ListenKey() = %q, want key1", got)
	}
}

func TestStart_SubscribeFailureClosesListenKey(t *testing.T) {
	k := &keys{}
	c := newTestClient(t, "ws://127.0.0.1:1", k, func(cfg *Config) {
		cfg.Supervisor.Retry.MaxAttempts = 1
	})

	if err := c.Start(context.Background()); err == nil {
		t.Fatal("Start() error = nil, want connect failure")
	}

	k.mu.Lock()
	closed := append([]string(nil), k.closed...)
	k.mu.Unlock()
	if len(closed) != 1 || closed[0] != "key1" {
		t.Errorf("closed keys = %v, want [key1]", closed)
	}
	if got := c.ListenKey(); got != "" {
		t.Errorf("ListenKey() = %q, want empty", got)
	}
	if got := c.Supervisor().Registry().Len(); got != 0 {
		t.Errorf("registry Len() = %d, want 0", got)
	}
}

func TestRenewal_FailureRetriedNextTick(t *testing.T) {
	v, server := newVenue(t)
	k := &keys{renewErrs: []error{errors.New("boom")}}
	c := newTestClient(t, wsURL(server), k, func(cfg *Config) {
		cfg.RenewInterval = 10 * time.Millisecond
	})

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitFor(t, "second renewal", func() bool {
		_, renewals := k.counts()
		return renewals >= 2
	})

	if issued, _ := k.counts(); issued != 1 {
		t.Errorf("keys issued = %d, want 1", issued)
	}
	if got := v.connCount(); got != 1 {
		t.Errorf("connections = %d, want 1", got)
	}
}

func TestRenewal_InvalidKeyReplacesAndReconnects(t *testing.T) {
	v, server := newVenue(t)
	k := &keys{renewErrs: []error{&api.APIError{StatusCode: 400, Code: api.CodeInvalidListenKey}}}
	c := newTestClient(t, wsURL(server), k, func(cfg *Config) {
		cfg.RenewInterval = 50 * time.Millisecond
	})

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := c.SubscribeBookTickers("BTCUSDT"); err != nil {
		t.Fatalf("SubscribeBookTickers() error = %v", err)
	}
	waitFor(t, "replay on new connection", func() bool { return len(v.messages(1)) == 2 })

	msgs := v.messages(1)
	first, second := decode(t, msgs[0]), decode(t, msgs[1])
	if first.Params[0] != "key2" {
		t.Errorf("first replay = %+v, want key2 in original position", first)
	}
	if second.Params[0] != "btcusdt@bookTicker" {
		t.Errorf("second replay = %+v, want btcusdt@bookTicker", second)
	}
	if got := c.ListenKey(); got != "key2" {
		t.Errorf("ListenKey() = %q, want key2", got)
	}
}

func TestListenKeyExpiredEvent(t *testing.T) {
	v, server := newVenue(t)
	k := &keys{}
	c := newTestClient(t, wsURL(server), k, nil)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitFor(t, "subscribe", func() bool { return len(v.messages(0)) == 1 })
	v.write(0, `{"e":"listenKeyExpired","E":1576653824250,"listenKey":"key1"}`)

	waitFor(t, "resubscribe", func() bool { return len(v.messages(1)) == 1 })
	if req := decode(t, v.messages(1)[0]); req.Params[0] != "key2" {
		t.Errorf("replayed = %+v, want key2", req)
	}
}

func TestClose_ReleasesListenKey(t *testing.T) {
	_, server := newVenue(t)
	k := &keys{}
	c := newTestClient(t, wsURL(server), k, nil)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := c.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	if len(k.closed) != 1 || k.closed[0] != "key1" {
		t.Errorf("closed keys = %v, want [key1]", k.closed)
	}
	if got := c.Supervisor().State(); got != connection.StateStopped {
		t.Errorf("State() = %v, want Stopped", got)
	}
}

func TestTopics(t *testing.T) {
	tests := []struct {
		got, want string
	}{
		{AggTrade("BTCUSDT"), "btcusdt@aggTrade"},
		{Trade("ETHUSDT"), "ethusdt@trade"},
		{BookTicker("BNBUSDT"), "bnbusdt@bookTicker"},
		{Kline("BTCUSDT", "1h"), "btcusdt@kline_1h"},
		{MarkPrice("BTCUSDT"), "btcusdt@markPrice@1s"},
		{AllTickers(), "!ticker@arr"},
		{Depth("BTCUSDT", 0, 0), "btcusdt@depth"},
		{Depth("BTCUSDT", 5, 100*time.Millisecond), "btcusdt@depth5@100ms"},
		{Depth("BTCUSDT", 0, 100*time.Millisecond), "btcusdt@depth@100ms"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("topic = %q, want %q", tt.got, tt.want)
		}
	}
}
