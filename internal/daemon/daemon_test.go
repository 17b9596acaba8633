package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/mirachat/mira/internal/bus"
	"github.com/mirachat/mira/internal/outbox"
	"github.com/mirachat/mira/internal/reconcile"
	"github.com/mirachat/mira/internal/remote"
	"github.com/mirachat/mira/internal/status"
	"github.com/mirachat/mira/internal/store"
	"go.uber.org/zap"
)

// fakeServer is an in-memory stand-in for mirasrv: it confirms sends and
// serves a pull feed. The feed cursor is a server-side sequence, matching
// the real server's server-assigned checkpoint.
type fakeServer struct {
	mu       sync.Mutex
	nextID   int
	messages []feedEntry
}

type feedEntry struct {
	seq int64
	msg remote.Canonical
}

func (f *fakeServer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("POST /v1/conversations/{id}/messages", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			LocalID   string `json:"local_id"`
			Body      string `json:"body"`
			MsgType   string `json:"msg_type"`
			CreatedAt int64  `json:"created_at"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		f.nextID++
		c := remote.Canonical{
			ID:             fmt.Sprintf("srv-%d", f.nextID),
			ConversationID: r.PathValue("id"),
			SenderID:       r.Header.Get("X-Mira-User"),
			LocalID:        req.LocalID,
			Body:           req.Body,
			MsgType:        req.MsgType,
			CreatedAt:      req.CreatedAt,
		}
		f.messages = append(f.messages, feedEntry{seq: int64(f.nextID), msg: c})
		f.mu.Unlock()
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(c)
	})
	mux.HandleFunc("GET /v1/messages", func(w http.ResponseWriter, r *http.Request) {
		since, _ := strconv.ParseInt(r.URL.Query().Get("since"), 10, 64)
		f.mu.Lock()
		defer f.mu.Unlock()
		result := remote.PullResult{Messages: []remote.Canonical{}, NextSince: since}
		for _, e := range f.messages {
			if e.seq <= since {
				continue
			}
			result.Messages = append(result.Messages, e.msg)
			if e.seq > result.NextSince {
				result.NextSince = e.seq
			}
		}
		_ = json.NewEncoder(w).Encode(result)
	})
	return mux
}

type testDaemon struct {
	server *Server
	db     *store.DB
	client *http.Client
	remote *fakeServer
}

func newTestDaemon(t *testing.T) *testDaemon {
	t.Helper()

	// Short paths: unix sockets have a tight length limit.
	tmpDir, err := os.MkdirTemp("/tmp", "mira-test-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(tmpDir) })
	socketPath := filepath.Join(tmpDir, "d.sock")

	fake := &fakeServer{}
	upstream := httptest.NewServer(fake.handler())
	t.Cleanup(upstream.Close)

	db, err := store.Open(filepath.Join(tmpDir, "mira.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	logger, _ := zap.NewDevelopment()
	b := bus.New()
	machine := status.NewMachine(b)
	rc := remote.New(upstream.URL, "tok", "me", 5*time.Second, logger)
	rec := reconcile.New(db, b, logger)
	proc := outbox.NewProcessor(db, rc, rec, b, outbox.DefaultPolicy(), time.Second, logger)
	syncer := NewSyncer(proc, rec, rc, 100, logger)

	srv, err := NewServer(Params{Profile: "test", SocketPath: socketPath}, db, proc, syncer, machine, logger)
	if err != nil {
		t.Fatal(err)
	}
	go func() { _ = srv.Start() }()
	t.Cleanup(func() { srv.Stop(context.Background()) })
	time.Sleep(50 * time.Millisecond)

	httpClient := &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", socketPath)
			},
		},
	}
	return &testDaemon{server: srv, db: db, client: httpClient, remote: fake}
}

func (d *testDaemon) post(t *testing.T, path string, body any) (*http.Response, []byte) {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := d.client.Post("http://unix"+path, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(resp.Body)
	return resp, buf.Bytes()
}

func (d *testDaemon) get(t *testing.T, path string) (*http.Response, []byte) {
	t.Helper()
	resp, err := d.client.Get("http://unix" + path)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(resp.Body)
	return resp, buf.Bytes()
}

func TestControlAPIStatus(t *testing.T) {
	d := newTestDaemon(t)

	resp, body := d.get(t, "/v1/status")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d: %s", resp.StatusCode, body)
	}
	var got map[string]any
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatal(err)
	}
	if got["profile"] != "test" {
		t.Errorf("profile = %v, want test", got["profile"])
	}
	if got["state"] != string(status.Offline) {
		t.Errorf("state = %v, want OFFLINE before first probe", got["state"])
	}
}

func TestSendThenSyncRoundTrip(t *testing.T) {
	d := newTestDaemon(t)

	resp, body := d.post(t, "/v1/send", map[string]any{
		"conversation_id": "conv1",
		"body":            "hello",
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("send status = %d: %s", resp.StatusCode, body)
	}
	var optimistic store.Message
	if err := json.Unmarshal(body, &optimistic); err != nil {
		t.Fatal(err)
	}
	if optimistic.SyncStatus != store.SyncPending {
		t.Errorf("optimistic status = %q, want pending", optimistic.SyncStatus)
	}

	resp, body = d.post(t, "/v1/sync", map[string]any{})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("sync status = %d: %s", resp.StatusCode, body)
	}
	var report Report
	if err := json.Unmarshal(body, &report); err != nil {
		t.Fatal(err)
	}
	if report.Delivered != 1 {
		t.Errorf("delivered = %d, want 1", report.Delivered)
	}

	// The cached message must now be confirmed, exactly once.
	cached, err := d.db.GetMessageByLocalID(optimistic.LocalID)
	if err != nil {
		t.Fatal(err)
	}
	if cached == nil || cached.SyncStatus != store.SyncSent {
		t.Fatalf("cached = %+v, want sent", cached)
	}
	msgs, err := d.db.ListMessages("conv1", 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1 (optimistic row replaced in place)", len(msgs))
	}

	_, body = d.get(t, "/v1/conversations")
	var convs struct {
		Conversations []store.Conversation `json:"conversations"`
	}
	if err := json.Unmarshal(body, &convs); err != nil {
		t.Fatal(err)
	}
	if len(convs.Conversations) != 1 || convs.Conversations[0].ID != "conv1" {
		t.Errorf("conversations = %+v, want conv1 summary", convs.Conversations)
	}
}

func TestSendRejectsEmptyMessage(t *testing.T) {
	d := newTestDaemon(t)

	resp, _ := d.post(t, "/v1/send", map[string]any{"conversation_id": "conv1"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 for empty body and media", resp.StatusCode)
	}
}

func TestSyncPullsRemoteMessages(t *testing.T) {
	d := newTestDaemon(t)

	// A message from another participant exists only server-side.
	d.remote.nextID++
	d.remote.messages = append(d.remote.messages, feedEntry{
		seq: int64(d.remote.nextID),
		msg: remote.Canonical{
			ID: "srv-other", ConversationID: "conv1", SenderID: "them",
			Body: "hi there", MsgType: "text", CreatedAt: time.Now().UnixMilli(),
		},
	})

	resp, body := d.post(t, "/v1/sync", map[string]any{})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("sync status = %d: %s", resp.StatusCode, body)
	}
	var report Report
	if err := json.Unmarshal(body, &report); err != nil {
		t.Fatal(err)
	}
	if report.Pulled != 1 || report.Absorbed != 1 {
		t.Errorf("report = %+v, want pulled=1 absorbed=1", report)
	}

	msgs, err := d.db.ListMessages("conv1", 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].ServerID != "srv-other" {
		t.Errorf("messages = %+v, want the pulled canonical", msgs)
	}
}
