package connection

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rickgao/venuelink/internal/retry"
)

// Errors
var (
	ErrNotConnected   = errors.New("not connected")
	ErrStopped        = errors.New("supervisor stopped")
	ErrHandleInUse    = errors.New("previous socket handle still referenced")
	ErrConnectTimeout = errors.New("connect timeout")
)

// State is the supervisor lifecycle state.
type State int32

const (
	StateInit State = iota
	StateConnecting
	StateActive
	StateRecovering
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateRecovering:
		return "recovering"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

// Handler receives lifecycle callbacks. Methods are called from the read
// loop (OnMessage, OnClose, OnError) or the connecting goroutine (OnOpen) and
// must not block for long. A returned error triggers a reconnect, except a
// *retry.ProtocolError which only drops the frame.
type Handler interface {
	OnOpen() error
	OnMessage(data []byte) error
	OnClose() error
	OnError(err error) error
}

// SubscriptionEncoder is implemented by handlers that frame subscription
// requests themselves, e.g. to stamp a request id on every send.
type SubscriptionEncoder interface {
	EncodeSubscription(req Request) ([]byte, error)
}

// Conn is the subset of *websocket.Conn the supervisor uses.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Dialer opens a Conn. The context carries the per-attempt timeout.
type Dialer interface {
	Dial(ctx context.Context, url string, header http.Header) (Conn, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, url string, header http.Header) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context, url string, header http.Header) (Conn, error) {
	return f(ctx, url, header)
}

type wsDialer struct {
	d websocket.Dialer
}

func (w wsDialer) Dial(ctx context.Context, url string, header http.Header) (Conn, error) {
	conn, _, err := w.d.DialContext(ctx, url, header)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Config holds supervisor configuration.
type Config struct {
	Name   string // metrics and log label
	URL    string
	Header http.Header

	ConnectTimeout time.Duration // per dial attempt
	WriteTimeout   time.Duration
	CheckInterval  time.Duration // liveness check period of the monitor
	StaleTimeout   time.Duration // no inbound frame for this long means dead; 0 disables

	// Retry bounds a connect; exhausting it during recovery stops the supervisor.
	Retry retry.Policy
}

// DefaultConfig returns default configuration.
func DefaultConfig() Config {
	return Config{
		Name:           "stream",
		ConnectTimeout: 5 * time.Second,
		WriteTimeout:   10 * time.Second,
		CheckInterval:  50 * time.Millisecond,
		StaleTimeout:   10 * time.Minute,
		Retry:          retry.Policy{MaxAttempts: 10, InitialDelay: 500 * time.Millisecond, MaxDelay: 30 * time.Second},
	}
}
