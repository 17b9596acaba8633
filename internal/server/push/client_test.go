package push

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNotifyUnconfiguredIsNoop(t *testing.T) {
	c := NewClient("", "", zap.NewNop())
	err := c.Notify(context.Background(), "alice", Payload{Title: "hi"})
	assert.NoError(t, err)
}

func TestNotifyPostsPayload(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer key1", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "key1", zap.NewNop())
	err := c.Notify(context.Background(), "alice", Payload{Title: "2 new reminders found", Body: "milk"})
	require.NoError(t, err)
	assert.Equal(t, "alice", got["user_id"])
	notif := got["notification"].(map[string]any)
	assert.Equal(t, "2 new reminders found", notif["title"])
}

func TestNotifyMissingTokenIsNotAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", zap.NewNop())
	assert.NoError(t, c.Notify(context.Background(), "alice", Payload{Title: "hi"}))
}

func TestNotifyGatewayFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", zap.NewNop())
	err := c.Notify(context.Background(), "alice", Payload{Title: "hi"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 500")
}
