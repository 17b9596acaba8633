package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mirachat/mira/internal/store"
	"go.uber.org/zap"
)

func testClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(srv.URL, "secret", "me", 5*time.Second, zap.NewNop())
}

func TestDeliverDecodesCanonical(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/conversations/conv1/messages" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("auth header = %q", got)
		}
		if got := r.Header.Get("X-Mira-User"); got != "me" {
			t.Errorf("user header = %q", got)
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatal(err)
		}
		if body["local_id"] != "l1" {
			t.Errorf("local_id = %v, want l1", body["local_id"])
		}
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(Canonical{
			ID: "srv-1", ConversationID: "conv1", SenderID: "me",
			LocalID: "l1", Body: "hello", MsgType: "text", CreatedAt: 1000,
		})
	}))

	msg, err := c.Deliver(context.Background(), &store.OutboxEntry{
		LocalID: "l1", ConversationID: "conv1", SenderID: "me",
		Body: "hello", MsgType: "text", CreatedAt: 1000,
	})
	if err != nil {
		t.Fatal(err)
	}
	if msg.ServerID != "srv-1" || msg.LocalID != "l1" || msg.SyncStatus != "" {
		t.Errorf("canonical = %+v", msg)
	}
}

func TestDeliverClassifiesErrors(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		terminal bool
	}{
		{"bad request", http.StatusBadRequest, true},
		{"unauthorized", http.StatusUnauthorized, true},
		{"forbidden", http.StatusForbidden, true},
		{"timeout", http.StatusRequestTimeout, false},
		{"rate limited", http.StatusTooManyRequests, false},
		{"server error", http.StatusInternalServerError, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tt.status)
			}))
			_, err := c.Deliver(context.Background(), &store.OutboxEntry{
				LocalID: "l1", ConversationID: "conv1",
			})
			if err == nil {
				t.Fatal("want error")
			}
			if IsTerminal(err) != tt.terminal {
				t.Errorf("IsTerminal = %v, want %v (err: %v)", IsTerminal(err), tt.terminal, err)
			}
		})
	}
}

func TestDeliverNetworkErrorIsRetryable(t *testing.T) {
	// Closed server: connection refused.
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := New(url, "", "me", time.Second, zap.NewNop())
	_, err := c.Deliver(context.Background(), &store.OutboxEntry{LocalID: "l1", ConversationID: "c"})
	if err == nil {
		t.Fatal("want error")
	}
	if IsTerminal(err) {
		t.Error("network error must be retryable")
	}
}

func TestPullSince(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("since"); got != "500" {
			t.Errorf("since = %q, want 500", got)
		}
		_ = json.NewEncoder(w).Encode(PullResult{
			Messages: []Canonical{
				{ID: "srv-1", ConversationID: "conv1", CreatedAt: 600},
				{ID: "srv-2", ConversationID: "conv1", CreatedAt: 700},
			},
			NextSince: 700,
		})
	}))

	result, err := c.PullSince(context.Background(), 500, 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Messages) != 2 || result.NextSince != 700 {
		t.Errorf("result = %+v", result)
	}
}
