package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rickgao/venuelink/internal/metrics"
	"github.com/rickgao/venuelink/internal/retry"
)

// Supervisor keeps one WebSocket connection alive for a Handler.
type Supervisor struct {
	cfg      Config
	logger   *slog.Logger
	handler  Handler
	dialer   Dialer
	registry *Registry
	observe  func(State)

	state     atomic.Int32
	connectMu sync.Mutex // one connect in flight

	// mu guards conn; every write happens while holding it.
	mu           sync.Mutex
	conn         Conn
	alive        atomic.Bool
	lastActivity atomic.Int64

	recoverMu      sync.Mutex
	recoverPending bool
	wake           chan struct{}
	recoveries     atomic.Int64

	ctx         context.Context
	cancel      context.CancelFunc
	monitorOnce sync.Once
	wg          sync.WaitGroup

	errMu sync.Mutex
	err   error
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithDialer replaces the gorilla dialer.
func WithDialer(d Dialer) Option {
	return func(s *Supervisor) {
		s.dialer = d
	}
}

// WithRegistry shares an existing registry.
func WithRegistry(r *Registry) Option {
	return func(s *Supervisor) {
		s.registry = r
	}
}

// WithStateObserver registers fn to be called on every state transition.
func WithStateObserver(fn func(State)) Option {
	return func(s *Supervisor) {
		s.observe = fn
	}
}

// New creates a Supervisor in StateInit. Nothing is dialed until Connect or
// the first Send.
func New(cfg Config, handler Handler, logger *slog.Logger, opts ...Option) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Supervisor{
		cfg:      cfg,
		logger:   logger.With("session", cfg.Name),
		handler:  handler,
		dialer:   wsDialer{d: websocket.Dialer{HandshakeTimeout: cfg.ConnectTimeout}},
		registry: NewRegistry(),
		wake:     make(chan struct{}, 1),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	metrics.SupervisorState.WithLabelValues(cfg.Name).Set(float64(StateInit))
	return s
}

// State returns the current state.
func (s *Supervisor) State() State {
	return State(s.state.Load())
}

// Registry returns the subscription registry replayed on reconnect.
func (s *Supervisor) Registry() *Registry {
	return s.registry
}

// Recoveries returns how many recovery sequences have started.
func (s *Supervisor) Recoveries() int64 {
	return s.recoveries.Load()
}

// Done is closed once the supervisor is stopped, by Close or by escalation.
func (s *Supervisor) Done() <-chan struct{} {
	return s.ctx.Done()
}

// Err returns the error that stopped the supervisor, or nil after Close.
func (s *Supervisor) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// Connect dials until a socket is obtained or the retry policy or ctx gives
// up. It is a no-op once Active.
func (s *Supervisor) Connect(ctx context.Context) error {
	s.connectMu.Lock()
	defer s.connectMu.Unlock()

	switch s.State() {
	case StateActive, StateRecovering:
		return nil
	case StateStopped:
		return ErrStopped
	}

	s.setState(StateConnecting)
	if err := s.dialLocked(ctx); err != nil {
		s.state.CompareAndSwap(int32(StateConnecting), int32(StateInit))
		return err
	}
	s.recoverMu.Lock()
	s.recoverPending = false
	s.setState(StateActive)
	s.recoverMu.Unlock()

	s.monitorOnce.Do(func() {
		s.wg.Add(1)
		go s.monitor()
	})
	s.dispatch("onOpen", s.handler.OnOpen)
	return nil
}

// Send writes a text frame. The first Send connects lazily.
func (s *Supervisor) Send(data []byte) error {
	if s.State() == StateInit {
		if err := s.Connect(s.ctx); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.State() == StateStopped {
		return ErrStopped
	}
	if s.conn == nil {
		return ErrNotConnected
	}

	if err := s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout)); err != nil {
		s.alive.Store(false)
		return &retry.TransportError{Op: "set write deadline", Err: err}
	}
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		s.alive.Store(false)
		return &retry.TransportError{Op: "write", Err: err}
	}
	return nil
}

// SendJSON marshals v and sends it.
func (s *Supervisor) SendJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	return s.Send(data)
}

// Subscribe registers req for replay and sends it.
func (s *Supervisor) Subscribe(req Request) error {
	s.registry.Add(req)
	return s.sendRequest(req)
}

// Unsubscribe removes req's params from every registered request with the
// same method, so a partial unsubscribe is not replayed, and sends payload.
func (s *Supervisor) Unsubscribe(req Request, payload []byte) error {
	s.registry.RemoveParams(req.Method, req.Params)
	return s.Send(payload)
}

// Reconnect asks the monitor to run recovery. Safe to call from any
// goroutine, including the Handler; a no-op while already recovering.
func (s *Supervisor) Reconnect() {
	s.recoverMu.Lock()
	switch s.State() {
	case StateRecovering, StateStopped:
		s.recoverMu.Unlock()
		return
	}
	s.recoverPending = true
	s.recoverMu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Close stops the supervisor permanently and closes the socket.
func (s *Supervisor) Close() error {
	if State(s.state.Swap(int32(StateStopped))) == StateStopped {
		return nil
	}
	metrics.SupervisorState.WithLabelValues(s.cfg.Name).Set(float64(StateStopped))
	s.notify(StateStopped)
	s.cancel()
	s.closeHandle(true)
	s.logger.Info("supervisor closed")
	return nil
}

// Wait blocks until the monitor and read loops have exited or ctx is done.
func (s *Supervisor) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Supervisor) sendRequest(req Request) error {
	var (
		payload []byte
		err     error
	)
	if enc, ok := s.handler.(SubscriptionEncoder); ok {
		payload, err = enc.EncodeSubscription(req)
	} else {
		payload, err = json.Marshal(req)
	}
	if err != nil {
		return fmt.Errorf("encode subscription: %w", err)
	}
	return s.Send(payload)
}

// dialLocked must be called with connectMu held.
func (s *Supervisor) dialLocked(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	return retry.Do(ctx, s.cfg.Retry, s.logger, "ws connect", func(ctx context.Context) error {
		if s.State() == StateStopped {
			return retry.Permanent(ErrStopped)
		}
		err := s.connectOnce(ctx)
		if errors.Is(err, ErrHandleInUse) {
			return retry.Permanent(err)
		}
		return err
	})
}

func (s *Supervisor) connectOnce(ctx context.Context) error {
	s.mu.Lock()
	inUse := s.conn != nil
	s.mu.Unlock()
	if inUse {
		return ErrHandleInUse
	}

	dctx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()

	conn, err := s.dialer.Dial(dctx, s.cfg.URL, s.cfg.Header)
	if err != nil {
		if errors.Is(dctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			err = fmt.Errorf("%w after %s: %v", ErrConnectTimeout, s.cfg.ConnectTimeout, err)
		}
		return &retry.TransportError{Op: "connect", Err: err}
	}

	if wc, ok := conn.(*websocket.Conn); ok {
		wc.SetPingHandler(func(data string) error {
			s.touch()
			return wc.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
		})
	}

	s.mu.Lock()
	if s.State() == StateStopped {
		s.mu.Unlock()
		conn.Close()
		return retry.Permanent(ErrStopped)
	}
	s.conn = conn
	s.mu.Unlock()
	s.alive.Store(true)
	s.touch()

	s.wg.Add(1)
	go s.readLoop(conn)

	s.logger.Debug("websocket connected", "url", s.cfg.URL)
	return nil
}

// readLoop delivers frames from conn until it fails. Failures of a handle
// that has already been replaced are ignored.
func (s *Supervisor) readLoop(conn Conn) {
	defer s.wg.Done()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if s.State() == StateStopped || !s.isCurrent(conn) {
				return
			}
			s.alive.Store(false)

			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.dispatch("onClose", s.handler.OnClose)
			} else {
				terr := &retry.TransportError{Op: "read", Err: err}
				s.dispatch("onError", func() error { return s.handler.OnError(terr) })
			}
			s.Reconnect()
			return
		}

		s.touch()
		s.dispatch("onMessage", func() error { return s.handler.OnMessage(data) })
	}
}

// dispatch runs a Handler callback, converting panics and errors into a
// reconnect request.
func (s *Supervisor) dispatch(name string, fn func() error) {
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		return fn()
	}()
	if err == nil {
		return
	}
	if retry.IsProtocol(err) {
		s.logger.Warn("dropped malformed frame", "callback", name, "err", err)
		return
	}
	s.logger.Error("callback failed", "callback", name, "err", err)
	s.Reconnect()
}

func (s *Supervisor) monitor() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.wake:
		case <-ticker.C:
		}
		s.check()
	}
}

func (s *Supervisor) check() {
	s.recoverMu.Lock()
	reason := s.unhealthy()
	if s.recoverPending {
		reason = "reconnect requested"
	}
	if reason == "" || s.State() != StateActive {
		s.recoverMu.Unlock()
		return
	}
	s.setState(StateRecovering)
	s.recoverPending = false
	s.recoverMu.Unlock()

	s.recover(reason)
}

func (s *Supervisor) unhealthy() string {
	s.mu.Lock()
	missing := s.conn == nil
	s.mu.Unlock()

	switch {
	case missing:
		return "socket handle missing"
	case !s.alive.Load():
		return "socket not connected"
	case s.cfg.StaleTimeout > 0 && time.Since(time.Unix(0, s.lastActivity.Load())) > s.cfg.StaleTimeout:
		return "no inbound frames"
	}
	return ""
}

// recover runs on the monitor goroutine: tear down, reconnect, replay.
func (s *Supervisor) recover(reason string) {
	s.recoveries.Add(1)
	s.logger.Warn("connection lost, recovering", "reason", reason)

	attempts := s.cfg.Retry.MaxAttempts
	for attempt := 1; ; attempt++ {
		s.closeHandle(false)

		s.connectMu.Lock()
		err := s.dialLocked(s.ctx)
		s.connectMu.Unlock()
		if err != nil {
			if s.State() == StateStopped {
				return
			}
			metrics.SupervisorRecoveries.WithLabelValues(s.cfg.Name, "failed").Inc()
			s.fail(fmt.Errorf("recovery: %w", err))
			return
		}

		s.dispatch("onOpen", s.handler.OnOpen)

		sent, err := s.registry.Replay(s.sendRequest)
		metrics.SubscriptionsReplayed.WithLabelValues(s.cfg.Name).Add(float64(sent))
		if err == nil {
			break
		}
		s.logger.Warn("subscription replay failed", "attempt", attempt, "sent", sent, "err", err)
		if attempts > 0 && attempt >= attempts {
			metrics.SupervisorRecoveries.WithLabelValues(s.cfg.Name, "failed").Inc()
			s.fail(fmt.Errorf("replay: %w", err))
			return
		}
		select {
		case <-s.ctx.Done():
			return
		case <-time.After(s.cfg.Retry.InitialDelay):
		}
	}

	s.recoverMu.Lock()
	if s.State() == StateRecovering {
		s.setState(StateActive)
	}
	s.recoverMu.Unlock()

	metrics.SupervisorRecoveries.WithLabelValues(s.cfg.Name, "ok").Inc()
	s.logger.Info("connection recovered", "subscriptions", s.registry.Len())
}

// closeHandle detaches the current socket and closes it. Errors are logged.
func (s *Supervisor) closeHandle(graceful bool) {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.alive.Store(false)
	s.mu.Unlock()

	if conn == nil {
		return
	}
	if wc, ok := conn.(*websocket.Conn); ok && graceful {
		wc.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
	}
	if err := conn.Close(); err != nil {
		s.logger.Debug("close socket", "err", err)
	}
}

// fail stops the supervisor with err so the host can observe it.
func (s *Supervisor) fail(err error) {
	s.errMu.Lock()
	s.err = err
	s.errMu.Unlock()

	s.logger.Error("supervisor giving up", "err", err)
	s.setState(StateStopped)
	s.cancel()
	s.closeHandle(false)
}

// setState never leaves StateStopped.
func (s *Supervisor) setState(st State) {
	for {
		cur := s.state.Load()
		if State(cur) == StateStopped {
			return
		}
		if s.state.CompareAndSwap(cur, int32(st)) {
			break
		}
	}
	metrics.SupervisorState.WithLabelValues(s.cfg.Name).Set(float64(st))
	s.notify(st)
}

func (s *Supervisor) notify(st State) {
	if s.observe != nil {
		s.observe(st)
	}
}

func (s *Supervisor) isCurrent(conn Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn == conn
}

func (s *Supervisor) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}
