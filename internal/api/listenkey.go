package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
)

const (
	spotListenKeyPath    = "/api/v3/userDataStream"
	futuresListenKeyPath = "/fapi/v1/listenKey"

	// CodeInvalidListenKey is returned when renewing a key the venue no longer knows.
	CodeInvalidListenKey = -1125
)

func (c *Client) listenKeyPath() string {
	if c.futures {
		return futuresListenKeyPath
	}
	return spotListenKeyPath
}

// CreateListenKey obtains a new listen key.
func (c *Client) CreateListenKey(ctx context.Context) (string, error) {
	body, err := c.doWithRetry(ctx, http.MethodPost, c.listenKeyPath(), nil)
	if err != nil {
		return "", err
	}

	var resp struct {
		ListenKey string `json:"listenKey"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("unmarshal listen key: %w", err)
	}
	if resp.ListenKey == "" {
		return "", errors.New("empty listen key in response")
	}
	return resp.ListenKey, nil
}

// KeepAliveListenKey extends the key's validity.
func (c *Client) KeepAliveListenKey(ctx context.Context, key string) error {
	_, err := c.doWithRetry(ctx, http.MethodPut, c.listenKeyPath(), url.Values{"listenKey": {key}})
	return err
}

// CloseListenKey releases the key.
func (c *Client) CloseListenKey(ctx context.Context, key string) error {
	_, err := c.doWithRetry(ctx, http.MethodDelete, c.listenKeyPath(), url.Values{"listenKey": {key}})
	return err
}

// IsInvalidListenKey reports whether err means the key has expired or was
// never valid, so renewing it again cannot succeed.
func IsInvalidListenKey(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == CodeInvalidListenKey
}
