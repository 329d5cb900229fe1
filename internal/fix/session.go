package fix

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rickgao/venuelink/internal/metrics"
	"github.com/rickgao/venuelink/internal/model"
	"github.com/rickgao/venuelink/internal/retry"
)

var (
	ErrNotLoggedIn = errors.New("fix: session not logged in")
	ErrStopped     = errors.New("fix: session stopped")
	ErrHandleInUse = errors.New("fix: previous connection still open")
)

// State is the session lifecycle state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateLoggedIn
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateLoggedIn:
		return "logged_in"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Signer produces the base64 signature carried in RawData (96).
type Signer interface {
	Sign(payload []byte) (string, error)
}

// OrderSink receives decoded execution reports. Send must not block.
type OrderSink interface {
	Send(model.OrderEvent) bool
}

// DialFunc opens the gateway transport.
type DialFunc func(ctx context.Context) (net.Conn, error)

// Config holds session configuration.
type Config struct {
	Name              string
	Host              string
	Port              int
	TargetCompID      string
	APIKey            string
	HeartbeatInterval time.Duration // HeartBtInt (108) and the idle check period
	ConnectTimeout    time.Duration
	LogonTimeout      time.Duration
	WriteTimeout      time.Duration
	MessageHandling   int  // 25035; 2 = sequential
	SignOrders        bool // attach 95/96/553 to order messages
	MaxAuthFailures   int  // consecutive logon rejections before giving up
	Session           model.SessionIDs
	Retry             retry.Policy
	TLS               *tls.Config
}

// DefaultConfig returns default configuration.
func DefaultConfig() Config {
	return Config{
		Name:              "fix",
		Host:              "fix-oe.binance.com",
		Port:              9000,
		TargetCompID:      "SPOT",
		HeartbeatInterval: 30 * time.Second,
		ConnectTimeout:    5 * time.Second,
		LogonTimeout:      10 * time.Second,
		WriteTimeout:      10 * time.Second,
		MessageHandling:   2,
		MaxAuthFailures:   3,
		Retry:             retry.Policy{MaxAttempts: 10, InitialDelay: time.Second, MaxDelay: 30 * time.Second},
	}
}

// Option configures a Client.
type Option func(*Client)

// WithDialer replaces the TLS dialer.
func WithDialer(d DialFunc) Option {
	return func(c *Client) { c.dial = d }
}

// WithClock replaces the SendingTime and receive-time clock.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// WithCompIDGenerator replaces the random SenderCompID generator.
func WithCompIDGenerator(fn func() string) Option {
	return func(c *Client) { c.newCompID = fn }
}

// header is the session-level part of an outbound message.
type header struct {
	SenderCompID string
	TargetCompID string
	SeqNum       int
	SendingTime  string
}

// Client is one FIX order-entry session. It supervises itself: any transport
// failure closes the socket and runs a fresh logon.
type Client struct {
	cfg       Config
	logger    *slog.Logger
	signer    Signer
	sink      OrderSink
	dial      DialFunc
	now       func() time.Time
	newCompID func() string

	// mu guards the socket, sequence number and comp id, and serializes
	// message construction with the write.
	mu           sync.Mutex
	conn         net.Conn
	seq          int
	senderCompID string

	// connecting admits one connect sequence at a time, from Connect or
	// from an automatic reconnect.
	connecting chan struct{}

	state        atomic.Int32
	gen          atomic.Uint64
	lastReceived atomic.Int64
	reconnecting atomic.Bool
	authFailures atomic.Int32
	reconnects   atomic.Int64

	errMu sync.Mutex
	err   error

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Client. sink receives execution reports.
func New(cfg Config, signer Signer, sink OrderSink, logger *slog.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxAuthFailures <= 0 {
		cfg.MaxAuthFailures = 1
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultConfig().HeartbeatInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		cfg:        cfg,
		logger:     logger.With("session", cfg.Name),
		signer:     signer,
		sink:       sink,
		now:        time.Now,
		newCompID:  randomCompID,
		connecting: make(chan struct{}, 1),
		ctx:        ctx,
		cancel:     cancel,
	}
	c.dial = c.dialTLS
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State returns the current state.
func (c *Client) State() State {
	return State(c.state.Load())
}

// SenderCompID returns the comp id of the current logon.
func (c *Client) SenderCompID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.senderCompID
}

// SeqNum returns the next outbound MsgSeqNum.
func (c *Client) SeqNum() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seq
}

// Reconnects returns how many reconnect sequences have completed.
func (c *Client) Reconnects() int64 {
	return c.reconnects.Load()
}

// Done is closed when the session stops.
func (c *Client) Done() <-chan struct{} {
	return c.ctx.Done()
}

// Err returns the error that stopped the session, if any.
func (c *Client) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Connect dials and logs on, retrying per the configured policy. Repeated
// logon rejections stop the retries with an AuthError. It is a no-op once
// logged in, and waits for a reconnect already in progress.
func (c *Client) Connect(ctx context.Context) error {
	if c.State() == StateStopped {
		return ErrStopped
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(c.ctx, cancel)
	defer stop()

	if err := c.acquireConnect(ctx); err != nil {
		return err
	}
	defer c.releaseConnect()

	switch c.State() {
	case StateLoggedIn:
		return nil
	case StateStopped:
		return ErrStopped
	}
	return c.connectWithRetry(ctx)
}

func (c *Client) acquireConnect(ctx context.Context) error {
	select {
	case c.connecting <- struct{}{}:
		return nil
	case <-ctx.Done():
		if c.State() == StateStopped {
			return ErrStopped
		}
		return ctx.Err()
	}
}

func (c *Client) releaseConnect() {
	<-c.connecting
}

// Close logs out best-effort, closes the socket and stops all loops.
func (c *Client) Close() error {
	if State(c.state.Swap(int32(StateStopped))) == StateStopped {
		return nil
	}
	c.cancel()

	var err error
	c.mu.Lock()
	if c.conn != nil {
		if _, _, sendErr := c.writeLocked(MsgTypeLogout, nil); sendErr != nil {
			c.logger.Debug("logout not sent", "err", sendErr)
		}
		err = c.conn.Close()
		c.conn = nil
	}
	c.mu.Unlock()
	c.gen.Add(1)

	c.wg.Wait()
	c.logger.Info("fix session closed")
	return err
}

func (c *Client) connectWithRetry(ctx context.Context) error {
	return retry.Do(ctx, c.cfg.Retry, c.logger, "fix logon", func(ctx context.Context) error {
		err := c.connect(ctx)
		if err == nil {
			c.authFailures.Store(0)
			return nil
		}
		if errors.Is(err, ErrStopped) || errors.Is(err, ErrHandleInUse) {
			return retry.Permanent(err)
		}
		if retry.IsAuth(err) && int(c.authFailures.Add(1)) >= c.cfg.MaxAuthFailures {
			c.logger.Error("logon rejected repeatedly, giving up", "failures", c.authFailures.Load())
			return retry.Permanent(err)
		}
		return err
	})
}

// connect runs one dial + logon attempt.
func (c *Client) connect(ctx context.Context) error {
	c.setState(StateConnecting)

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	conn, err := c.dial(dialCtx)
	cancel()
	if err != nil {
		c.setState(StateDisconnected)
		return &retry.TransportError{Op: "dial", Err: err}
	}

	ack := make(chan error, 1)

	c.mu.Lock()
	if c.State() == StateStopped {
		c.mu.Unlock()
		conn.Close()
		return ErrStopped
	}
	if c.conn != nil {
		c.mu.Unlock()
		conn.Close()
		c.setState(StateDisconnected)
		return ErrHandleInUse
	}
	gen := c.gen.Add(1)
	c.conn = conn
	c.seq = 1
	c.senderCompID = c.newCompID()
	c.wg.Add(2)
	c.mu.Unlock()

	c.lastReceived.Store(time.Now().UnixNano())
	go c.readLoop(gen, conn, ack)
	go c.heartbeatLoop(gen)

	if err := c.sendLogon(); err != nil {
		c.teardown(gen)
		return err
	}

	timer := time.NewTimer(c.cfg.LogonTimeout)
	defer timer.Stop()
	select {
	case err := <-ack:
		if err != nil {
			c.teardown(gen)
			return err
		}
	case <-timer.C:
		c.teardown(gen)
		return &retry.TransportError{Op: "logon", Err: fmt.Errorf("no logon reply within %s", c.cfg.LogonTimeout)}
	case <-ctx.Done():
		c.teardown(gen)
		return ctx.Err()
	}

	if !c.state.CompareAndSwap(int32(StateConnecting), int32(StateLoggedIn)) {
		c.teardown(gen)
		return ErrStopped
	}
	c.logger.Info("fix logged on", "sender_comp_id", c.SenderCompID(), "target_comp_id", c.cfg.TargetCompID)
	return nil
}

// teardown closes the connection of generation gen, if still current.
func (c *Client) teardown(gen uint64) {
	if !c.gen.CompareAndSwap(gen, gen+1) {
		return
	}
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.mu.Unlock()
	if c.State() != StateStopped {
		c.setState(StateDisconnected)
	}
}

// triggerReconnect starts one reconnect sequence for a failure observed on
// generation gen. Failures from superseded connections are ignored.
func (c *Client) triggerReconnect(gen uint64, cause error) {
	if c.gen.Load() != gen || c.State() == StateStopped {
		return
	}
	if !c.reconnecting.CompareAndSwap(false, true) {
		return
	}
	c.wg.Add(1)
	go c.reconnect(gen, cause)
}

func (c *Client) reconnect(gen uint64, cause error) {
	defer c.wg.Done()
	defer c.reconnecting.Store(false)

	c.logger.Warn("fix session lost, reconnecting", "err", cause)
	c.teardown(gen)

	if err := c.acquireConnect(c.ctx); err != nil {
		return
	}
	defer c.releaseConnect()
	if c.State() == StateLoggedIn {
		// A Connect call logged on while this reconnect waited.
		return
	}

	if err := c.connectWithRetry(c.ctx); err != nil {
		if c.State() == StateStopped {
			return
		}
		metrics.FixReconnects.WithLabelValues(c.cfg.Name, "failed").Inc()
		c.fail(err)
		return
	}
	c.reconnects.Add(1)
	metrics.FixReconnects.WithLabelValues(c.cfg.Name, "ok").Inc()
}

func (c *Client) fail(err error) {
	c.errMu.Lock()
	c.err = err
	c.errMu.Unlock()
	c.logger.Error("fix session stopped", "err", err)
	c.setState(StateStopped)
	c.cancel()
}

func (c *Client) setState(st State) {
	for {
		cur := c.state.Load()
		if State(cur) == StateStopped {
			return
		}
		if c.state.CompareAndSwap(cur, int32(st)) {
			return
		}
	}
}

// send builds and writes one message. extra sees the header that will be
// used, so signatures can cover the sequence number and time.
func (c *Client) send(msgType string, extra func(h header) ([]Field, error)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, _, err := c.writeLocked(msgType, extra)
	return err
}

func (c *Client) writeLocked(msgType string, extra func(h header) ([]Field, error)) (header, []byte, error) {
	h := header{
		SenderCompID: c.senderCompID,
		TargetCompID: c.cfg.TargetCompID,
		SeqNum:       c.seq,
		SendingTime:  FormatTime(c.now()),
	}
	if c.conn == nil {
		return h, nil, ErrNotLoggedIn
	}

	body := Message{
		{TagMsgType, msgType},
		{TagSenderCompID, h.SenderCompID},
		{TagTargetCompID, h.TargetCompID},
		{TagMsgSeqNum, strconv.Itoa(h.SeqNum)},
		{TagSendingTime, h.SendingTime},
	}
	if extra != nil {
		fields, err := extra(h)
		if err != nil {
			return h, nil, err
		}
		body = append(body, fields...)
	}

	frame := Encode(body)
	if c.cfg.WriteTimeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
			return h, nil, &retry.TransportError{Op: "set write deadline", Err: err}
		}
	}
	if _, err := c.conn.Write(frame); err != nil {
		return h, nil, &retry.TransportError{Op: "write " + msgType, Err: err}
	}

	c.seq++
	metrics.FixMessagesSent.WithLabelValues(c.cfg.Name, msgType).Inc()
	metrics.FixSeqNum.WithLabelValues(c.cfg.Name).Set(float64(c.seq))
	return h, frame, nil
}

// signedFields returns 95/96 over msgType|sender|target|seq|time.
func (c *Client) signedFields(msgType string, h header) ([]Field, error) {
	payload := strings.Join([]string{
		msgType, h.SenderCompID, h.TargetCompID, strconv.Itoa(h.SeqNum), h.SendingTime,
	}, string(SOH))

	sig, err := c.signer.Sign([]byte(payload))
	if err != nil {
		return nil, &retry.AuthError{Err: fmt.Errorf("sign %s: %w", msgType, err)}
	}
	return []Field{
		{TagRawDataLength, strconv.Itoa(len(sig))},
		{TagRawData, sig},
	}, nil
}

func (c *Client) sendLogon() error {
	return c.send(MsgTypeLogon, func(h header) ([]Field, error) {
		fields, err := c.signedFields(MsgTypeLogon, h)
		if err != nil {
			return nil, err
		}
		return append(fields,
			Field{TagEncryptMethod, "0"},
			Field{TagHeartBtInt, strconv.Itoa(c.heartBtInt())},
			Field{TagResetSeqNumFlag, "Y"},
			Field{TagUsername, c.cfg.APIKey},
			Field{TagMessageHandling, strconv.Itoa(c.cfg.MessageHandling)},
		), nil
	})
}

// sendHeartbeat sends 35=0, echoing testReqID in 112 when answering a TestRequest.
func (c *Client) sendHeartbeat(testReqID string) error {
	var extra func(header) ([]Field, error)
	if testReqID != "" {
		extra = func(header) ([]Field, error) {
			return []Field{{TagTestReqID, testReqID}}, nil
		}
	}
	return c.send(MsgTypeHeartbeat, extra)
}

func (c *Client) heartBtInt() int {
	if s := int(c.cfg.HeartbeatInterval / time.Second); s > 0 {
		return s
	}
	return 1
}

func (c *Client) readLoop(gen uint64, conn net.Conn, ack chan<- error) {
	defer c.wg.Done()

	var framer Framer
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			c.lastReceived.Store(time.Now().UnixNano())
			for _, frame := range framer.Feed(buf[:n]) {
				c.handle(gen, frame, ack)
			}
		}
		if err != nil {
			if c.gen.Load() == gen && c.State() != StateStopped {
				c.triggerReconnect(gen, &retry.TransportError{Op: "read", Err: err})
			}
			return
		}
	}
}

// heartbeatLoop sends a Heartbeat when the line has been idle for one
// interval and reconnects once it has been silent for three.
func (c *Client) heartbeatLoop(gen uint64) {
	defer c.wg.Done()

	interval := c.cfg.HeartbeatInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
		}
		if c.gen.Load() != gen {
			return
		}

		idle := time.Since(time.Unix(0, c.lastReceived.Load()))
		if idle > 3*interval {
			c.triggerReconnect(gen, &retry.TransportError{Op: "heartbeat", Err: fmt.Errorf("no data for %s", idle.Truncate(time.Millisecond))})
			return
		}
		if idle > interval && c.State() == StateLoggedIn {
			if err := c.sendHeartbeat(""); err != nil {
				c.triggerReconnect(gen, err)
				return
			}
		}
	}
}

// handle dispatches one inbound frame.
func (c *Client) handle(gen uint64, frame []byte, ack chan<- error) {
	msg, err := Decode(frame)
	if err != nil {
		metrics.FixProtocolErrors.WithLabelValues(c.cfg.Name).Inc()
		c.logger.Warn("dropping malformed fix frame", "err", err, "frame", Readable(frame))
		return
	}
	msgType := msg.Type()
	metrics.FixMessagesReceived.WithLabelValues(c.cfg.Name, msgType).Inc()

	switch msgType {
	case MsgTypeLogon:
		select {
		case ack <- nil:
		default:
		}

	case MsgTypeHeartbeat:
		c.logger.Debug("heartbeat received")

	case MsgTypeTestRequest:
		id := msg.Value(TagTestReqID)
		if id == "" {
			c.logger.Warn("test request without id")
			return
		}
		if err := c.sendHeartbeat(id); err != nil {
			c.triggerReconnect(gen, err)
		}

	case MsgTypeExecutionReport:
		ev := decodeExecutionReport(msg, c.cfg.Session, c.now())
		ev.Raw = Readable(frame)
		if !c.sink.Send(ev) {
			c.logger.Warn("order sink closed, execution report dropped", "cl_ord_id", ev.ClientOrderID)
		}

	case MsgTypeLogout:
		text := msg.Value(TagText)
		if c.State() != StateLoggedIn {
			select {
			case ack <- &retry.AuthError{Err: fmt.Errorf("logon rejected: %s", text)}:
			default:
			}
			return
		}
		c.triggerReconnect(gen, &retry.TransportError{Op: "logout", Err: fmt.Errorf("venue logout: %s", text)})

	case MsgTypeReject:
		c.logger.Warn("session reject",
			"ref_seq_num", msg.Value(TagRefSeqNum),
			"text", msg.Value(TagText),
		)

	case MsgTypeNews:
		c.logger.Info("venue news", "frame", msg.String())

	default:
		c.logger.Debug("unhandled fix message", "msg_type", msgType)
	}
}

func (c *Client) dialTLS(ctx context.Context) (net.Conn, error) {
	cfg := c.cfg.TLS
	if cfg == nil {
		cfg = &tls.Config{ServerName: c.cfg.Host, MinVersion: tls.VersionTLS12}
	}
	d := &tls.Dialer{Config: cfg}
	return d.DialContext(ctx, "tcp", net.JoinHostPort(c.cfg.Host, strconv.Itoa(c.cfg.Port)))
}

const compIDAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// randomCompID returns a fresh 8-character SenderCompID.
func randomCompID() string {
	b := make([]byte, 8)
	for i := range b {
		b[i] = compIDAlphabet[rand.IntN(len(compIDAlphabet))]
	}
	return string(b)
}
