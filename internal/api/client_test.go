package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rickgao/venuelink/internal/retry"
)

func fastRetries() ClientOption {
	return WithRetryPolicy(retry.Policy{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond})
}

func TestNewClient_Defaults(t *testing.T) {
	c := NewClient("https://api.example.com", "key")

	if c.httpClient.Timeout != 30*time.Second {
		t.Errorf("Timeout = %v, want 30s", c.httpClient.Timeout)
	}
	if c.listenKeyPath() != spotListenKeyPath {
		t.Errorf("listenKeyPath() = %q, want %q", c.listenKeyPath(), spotListenKeyPath)
	}
	if got := NewClient("", "", WithFutures()).listenKeyPath(); got != futuresListenKeyPath {
		t.Errorf("futures listenKeyPath() = %q, want %q", got, futuresListenKeyPath)
	}
}

func TestCreateListenKey(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if r.URL.Path != "/api/v3/userDataStream" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("X-MBX-APIKEY"); got != "my-key" {
			t.Errorf("X-MBX-APIKEY = %q, want my-key", got)
		}
		w.Write([]byte(`{"listenKey":"pqia91ma19a5s61cv6a81va65sdf19v8a65a1a5s61cv6a81va65sdf19v8a65a1"}`))
	}))
	defer server.Close()

	c := NewClient(server.URL, "my-key", fastRetries())
	key, err := c.CreateListenKey(context.Background())
	if err != nil {
		t.Fatalf("CreateListenKey() error = %v", err)
	}
	if len(key) != 64 {
		t.Errorf("key = %q, want 64 chars", key)
	}
}

func TestKeepAliveAndClose(t *testing.T) {
	var methods []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		methods = append(methods, r.Method)
		if got := r.URL.Query().Get("listenKey"); got != "abc" {
			t.Errorf("listenKey = %q, want abc", got)
		}
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	c := NewClient(server.URL, "k", fastRetries())
	if err := c.KeepAliveListenKey(context.Background(), "abc"); err != nil {
		t.Fatalf("KeepAliveListenKey() error = %v", err)
	}
	if err := c.CloseListenKey(context.Background(), "abc"); err != nil {
		t.Fatalf("CloseListenKey() error = %v", err)
	}
	if len(methods) != 2 || methods[0] != http.MethodPut || methods[1] != http.MethodDelete {
		t.Errorf("methods = %v, want [PUT DELETE]", methods)
	}
}

func TestKeepAlive_InvalidKeyIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"code":-1125,"msg":"This listenKey does not exist."}`))
	}))
	defer server.Close()

	c := NewClient(server.URL, "k", fastRetries())
	err := c.KeepAliveListenKey(context.Background(), "gone")

	if !IsInvalidListenKey(err) {
		t.Fatalf("IsInvalidListenKey(%v) = false, want true", err)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Message != "This listenKey does not exist." {
		t.Errorf("Message = %q", apiErr.Message)
	}
}

func TestRetryOnServerError(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"listenKey":"k1"}`))
	}))
	defer server.Close()

	c := NewClient(server.URL, "k", fastRetries())
	key, err := c.CreateListenKey(context.Background())
	if err != nil {
		t.Fatalf("CreateListenKey() error = %v", err)
	}
	if key != "k1" || calls.Load() != 3 {
		t.Errorf("key = %q after %d calls, want k1 after 3", key, calls.Load())
	}
}

func TestRateLimitHonorsRetryAfter(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"code":-1003,"msg":"Too many requests"}`))
			return
		}
		w.Write([]byte(`{"listenKey":"k2"}`))
	}))
	defer server.Close()

	c := NewClient(server.URL, "k", fastRetries())
	start := time.Now()
	key, err := c.CreateListenKey(context.Background())
	if err != nil {
		t.Fatalf("CreateListenKey() error = %v", err)
	}
	if key != "k2" {
		t.Errorf("key = %q, want k2", key)
	}
	if elapsed := time.Since(start); elapsed < time.Second {
		t.Errorf("elapsed = %v, want >= 1s", elapsed)
	}
}

func TestRetryAfterHeader(t *testing.T) {
	h := http.Header{}
	if got := retryAfter(h); got != 0 {
		t.Errorf("retryAfter(empty) = %v, want 0", got)
	}
	h.Set("Retry-After", "7")
	if got := retryAfter(h); got != 7*time.Second {
		t.Errorf("retryAfter(7) = %v, want 7s", got)
	}
}

func TestAPIError_IsRetryable(t *testing.T) {
	tests := []struct {
		status int
		want   bool
	}{
		{http.StatusBadRequest, false},
		{http.StatusUnauthorized, false},
		{http.StatusTooManyRequests, true},
		{http.StatusTeapot, true},
		{http.StatusInternalServerError, true},
		{http.StatusServiceUnavailable, true},
	}
	for _, tt := range tests {
		e := &APIError{StatusCode: tt.status}
		if got := e.IsRetryable(); got != tt.want {
			t.Errorf("IsRetryable(%d) = %v, want %v", tt.status, got, tt.want)
		}
	}
}
