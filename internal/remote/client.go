// Package remote implements the HTTP client the daemon uses to talk to the
// mira server: delivering outbox entries, pulling new canonical messages,
// and probing reachability.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/mirachat/mira/internal/store"
	"go.uber.org/zap"
)

// TerminalError marks a delivery failure that retrying cannot fix: the
// server understood the request and rejected it. The outbox parks the entry
// instead of scheduling another attempt.
type TerminalError struct {
	Status int
	Body   string
}

func (e *TerminalError) Error() string {
	return fmt.Sprintf("server rejected request: status %d: %s", e.Status, e.Body)
}

// IsTerminal reports whether err (or anything it wraps) is a TerminalError.
func IsTerminal(err error) bool {
	var te *TerminalError
	return errors.As(err, &te)
}

// Canonical is the wire form of a server-confirmed message.
type Canonical struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
	SenderID       string `json:"sender_id"`
	LocalID        string `json:"local_id,omitempty"`
	Body           string `json:"body"`
	MsgType        string `json:"msg_type"`
	MediaRef       string `json:"media_ref,omitempty"`
	CreatedAt      int64  `json:"created_at"`
	DeletedAt      int64  `json:"deleted_at,omitempty"`
}

// Local converts a canonical wire message into its local store form.
func (c Canonical) Local() *store.Message {
	return &store.Message{
		LocalID:        c.LocalID,
		ServerID:       c.ID,
		ConversationID: c.ConversationID,
		SenderID:       c.SenderID,
		Body:           c.Body,
		MsgType:        c.MsgType,
		MediaRef:       c.MediaRef,
		CreatedAt:      c.CreatedAt,
		DeletedAt:      c.DeletedAt,
	}
}

// Client talks to the mira server API. One configured client per process,
// injected by reference into the components that need it.
type Client struct {
	baseURL string
	token   string
	userID  string
	http    *http.Client
	logger  *zap.Logger
}

// New creates a client for the given server base URL. timeout bounds each
// request.
func New(baseURL, token, userID string, timeout time.Duration, logger *zap.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		userID:  userID,
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// Deliver sends one outbox entry to the server and returns the confirmed
// canonical message. Carries the local id so replayed deliveries are
// idempotent server-side. 4xx responses other than timeout and rate-limit
// come back as TerminalError; everything else is retryable.
func (c *Client) Deliver(ctx context.Context, e *store.OutboxEntry) (*store.Message, error) {
	payload := map[string]any{
		"local_id":   e.LocalID,
		"body":       e.Body,
		"msg_type":   e.MsgType,
		"media_ref":  e.MediaRef,
		"created_at": e.CreatedAt,
	}
	var canonical Canonical
	err := c.do(ctx, http.MethodPost,
		"/v1/conversations/"+url.PathEscape(e.ConversationID)+"/messages",
		payload, &canonical)
	if err != nil {
		return nil, err
	}
	return canonical.Local(), nil
}

// PullResult is one page of the server's pull-sync feed.
type PullResult struct {
	Messages  []Canonical `json:"messages"`
	NextSince int64       `json:"next_since"`
}

// PullSince fetches canonical messages changed after the given checkpoint,
// ascending, across all conversations visible to this user. The checkpoint
// is a server-assigned cursor handed back from the previous page, not a
// message creation time. Includes tombstoned messages so remote deletions
// propagate.
func (c *Client) PullSince(ctx context.Context, since int64, limit int) (*PullResult, error) {
	var result PullResult
	path := fmt.Sprintf("/v1/messages?since=%d&limit=%d", since, limit)
	if err := c.do(ctx, http.MethodGet, path, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Ping probes server reachability.
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/v1/healthz", nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("X-Mira-User", c.userID)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if terminalStatus(resp.StatusCode) {
			return &TerminalError{Status: resp.StatusCode, Body: string(data)}
		}
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, data)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// terminalStatus reports whether a status code means retrying is pointless.
// Request timeout and rate-limit are transient even though they are 4xx.
func terminalStatus(code int) bool {
	if code == http.StatusRequestTimeout || code == http.StatusTooManyRequests {
		return false
	}
	return code >= 400 && code < 500
}
