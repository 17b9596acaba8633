// Package push is a best-effort client for the notification gateway. An
// unconfigured gateway or a recipient without a device token are normal
// conditions, never hard failures.
package push

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Payload is a notification handed to the gateway.
type Payload struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	Data  any    `json:"data,omitempty"`
}

// Client posts notifications to the push gateway.
type Client struct {
	url    string
	key    string
	http   *http.Client
	logger *zap.Logger
}

// NewClient creates a push client. An empty url means the gateway is not
// configured; Notify becomes a no-op.
func NewClient(url, key string, logger *zap.Logger) *Client {
	return &Client{
		url:    url,
		key:    key,
		http:   &http.Client{Timeout: 10 * time.Second},
		logger: logger,
	}
}

// Notify delivers a notification to one user, best effort. "Not configured"
// and "no token" come back as nil; other failures come back as errors the
// caller logs and ignores.
func (c *Client) Notify(ctx context.Context, userID string, p Payload) error {
	if c.url == "" {
		c.logger.Debug("push gateway not configured, skipping notification",
			zap.String("user_id", userID))
		return nil
	}

	body, err := json.Marshal(map[string]any{
		"user_id":      userID,
		"notification": p,
	})
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.key != "" {
		req.Header.Set("Authorization", "Bearer "+c.key)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("push gateway: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		// Recipient has no registered device token.
		c.logger.Info("no push token for user", zap.String("user_id", userID))
		return nil
	}
	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("push gateway: status %d: %s", resp.StatusCode, data)
	}
	return nil
}
