package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rickgao/venuelink/internal/retry"
)

// APIError is a non-2xx response from the venue.
type APIError struct {
	StatusCode int
	Code       int    // venue error code, e.g. -1125
	Message    string // venue message, or the HTTP status text
	Body       []byte
}

func (e *APIError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("venue api error %d (code %d): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("venue api error %d: %s", e.StatusCode, e.Message)
}

// IsRetryable returns true if the error should trigger a retry.
func (e *APIError) IsRetryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests || e.StatusCode == http.StatusTeapot
}

// doRequest performs one HTTP request and classifies its failure.
func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values) ([]byte, error) {
	fullURL := c.baseURL + path
	if len(query) > 0 {
		fullURL += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, nil)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("create request: %w", err))
	}

	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-MBX-APIKEY", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &retry.TransportError{Op: method + " " + path, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &retry.TransportError{Op: "read " + path, Err: err}
	}

	if resp.StatusCode < 400 {
		return body, nil
	}

	apiErr := &APIError{
		StatusCode: resp.StatusCode,
		Message:    http.StatusText(resp.StatusCode),
		Body:       body,
	}
	var venueErr struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}
	if json.Unmarshal(body, &venueErr) == nil && venueErr.Msg != "" {
		apiErr.Code = venueErr.Code
		apiErr.Message = venueErr.Msg
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusTeapot:
		return nil, &retry.RateLimitError{RetryAfter: retryAfter(resp.Header), Err: apiErr}
	case apiErr.IsRetryable():
		return nil, apiErr
	default:
		return nil, retry.Permanent(apiErr)
	}
}

// doWithRetry performs a request under the client's retry policy.
func (c *Client) doWithRetry(ctx context.Context, method, path string, query url.Values) ([]byte, error) {
	var body []byte
	err := retry.Do(ctx, c.policy, c.logger, method+" "+path, func(ctx context.Context) error {
		b, err := c.doRequest(ctx, method, path, query)
		if err != nil {
			return err
		}
		body = b
		return nil
	})
	if err != nil {
		return nil, err
	}
	return body, nil
}

// retryAfter parses the Retry-After header as whole seconds.
func retryAfter(h http.Header) time.Duration {
	secs, err := strconv.Atoi(h.Get("Retry-After"))
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
