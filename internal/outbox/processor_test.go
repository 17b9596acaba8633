package outbox

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/mirachat/mira/internal/bus"
	"github.com/mirachat/mira/internal/reconcile"
	"github.com/mirachat/mira/internal/remote"
	"github.com/mirachat/mira/internal/store"
	"go.uber.org/zap"
)

// mockDeliverer records calls and returns configurable results.
type mockDeliverer struct {
	mu    sync.Mutex
	calls []string // local ids, in call order
	err   error
	delay time.Duration // artificial delay to observe overlapping drains
}

func (m *mockDeliverer) Deliver(_ context.Context, e *store.OutboxEntry) (*store.Message, error) {
	m.mu.Lock()
	m.calls = append(m.calls, e.LocalID)
	m.mu.Unlock()
	if m.delay > 0 {
		time.Sleep(m.delay)
	}
	if m.err != nil {
		return nil, m.err
	}
	return &store.Message{
		LocalID:        e.LocalID,
		ServerID:       "srv-" + e.LocalID,
		ConversationID: e.ConversationID,
		SenderID:       e.SenderID,
		Body:           e.Body,
		MsgType:        e.MsgType,
		CreatedAt:      e.CreatedAt,
	}, nil
}

func (m *mockDeliverer) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func testDB(t *testing.T) *store.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := store.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func testProcessor(t *testing.T, mock *mockDeliverer) (*Processor, *store.DB, *bus.Bus) {
	t.Helper()
	db := testDB(t)
	b := bus.New()
	logger, _ := zap.NewDevelopment()
	rec := reconcile.New(db, b, logger)
	p := NewProcessor(db, mock, rec, b, DefaultPolicy(), 500*time.Millisecond, logger)
	return p, db, b
}

func TestEnqueueThenDrainDelivers(t *testing.T) {
	mock := &mockDeliverer{}
	p, db, b := testProcessor(t, mock)

	ch, unsub := b.Subscribe("message.delivered", 10)
	defer unsub()

	m, err := p.Enqueue(Draft{ConversationID: "conv1", SenderID: "me", Body: "hello"})
	if err != nil {
		t.Fatal(err)
	}
	if m.LocalID == "" {
		t.Fatal("enqueue must assign a local id")
	}
	if m.SyncStatus != store.SyncPending {
		t.Errorf("optimistic status = %q, want pending", m.SyncStatus)
	}

	outcomes := p.Drain(context.Background())
	if len(outcomes) != 1 || !outcomes[0].Delivered {
		t.Fatalf("outcomes = %+v, want one delivered", outcomes)
	}

	// Exactly one message per local id, status sent, outbox empty.
	cached, err := db.GetMessageByLocalID(m.LocalID)
	if err != nil {
		t.Fatal(err)
	}
	if cached == nil || cached.SyncStatus != store.SyncSent {
		t.Fatalf("cached = %+v, want status sent", cached)
	}
	if cached.ServerID != "srv-"+m.LocalID {
		t.Errorf("server_id = %q", cached.ServerID)
	}
	msgs, err := db.ListMessages("conv1", 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1 (no duplicate rows)", len(msgs))
	}
	queued, parked, err := db.CountOutbox()
	if err != nil {
		t.Fatal(err)
	}
	if queued != 0 || parked != 0 {
		t.Errorf("outbox queued=%d parked=%d, want 0/0", queued, parked)
	}

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for message.delivered event")
	}
}

func TestDrainFailureIncrementsRetryAndKeepsEntry(t *testing.T) {
	mock := &mockDeliverer{err: fmt.Errorf("network error")}
	p, db, _ := testProcessor(t, mock)

	m, err := p.Enqueue(Draft{ConversationID: "conv1", SenderID: "me", Body: "hello"})
	if err != nil {
		t.Fatal(err)
	}

	outcomes := p.Drain(context.Background())
	if len(outcomes) != 1 || outcomes[0].Delivered || outcomes[0].Parked {
		t.Fatalf("outcomes = %+v, want one retryable failure", outcomes)
	}

	e, err := db.GetOutboxEntry(m.LocalID)
	if err != nil {
		t.Fatal(err)
	}
	if e == nil {
		t.Fatal("entry must stay in the outbox after failure")
	}
	if e.RetryCount != 1 {
		t.Errorf("retry_count = %d, want exactly 1", e.RetryCount)
	}
	if e.LastError == "" {
		t.Error("last_error must be recorded")
	}
	if e.NextRetryAt <= time.Now().UnixMilli() {
		t.Error("next attempt must be scheduled in the future")
	}
	if e.Status != store.OutboxQueued {
		t.Errorf("status = %q, want queued", e.Status)
	}
}

func TestDrainRespectsBackoffSchedule(t *testing.T) {
	mock := &mockDeliverer{err: fmt.Errorf("network error")}
	p, _, _ := testProcessor(t, mock)

	if _, err := p.Enqueue(Draft{ConversationID: "conv1", SenderID: "me", Body: "x"}); err != nil {
		t.Fatal(err)
	}

	p.Drain(context.Background())
	// Second drain right away: entry is scheduled for later, nothing due.
	outcomes := p.Drain(context.Background())
	if len(outcomes) != 0 {
		t.Errorf("outcomes = %+v, want none while backing off", outcomes)
	}
	if got := mock.callCount(); got != 1 {
		t.Errorf("deliver calls = %d, want 1", got)
	}
}

func TestRetryThenSuccessRemovesEntry(t *testing.T) {
	mock := &mockDeliverer{err: fmt.Errorf("network error")}
	p, db, _ := testProcessor(t, mock)

	m, err := p.Enqueue(Draft{ConversationID: "conv1", SenderID: "me", Body: "hello"})
	if err != nil {
		t.Fatal(err)
	}
	p.Drain(context.Background())

	// Clear the fault and make the entry due again.
	mock.err = nil
	if err := db.MarkOutboxRetry(m.LocalID, "network error", 0); err != nil {
		t.Fatal(err)
	}

	outcomes := p.Drain(context.Background())
	if len(outcomes) != 1 || !outcomes[0].Delivered {
		t.Fatalf("outcomes = %+v, want delivered", outcomes)
	}
	e, err := db.GetOutboxEntry(m.LocalID)
	if err != nil {
		t.Fatal(err)
	}
	if e != nil {
		t.Errorf("entry = %+v, want removed after successful delivery", e)
	}
}

func TestTerminalErrorParksEntry(t *testing.T) {
	mock := &mockDeliverer{err: &remote.TerminalError{Status: 403, Body: "forbidden"}}
	p, db, _ := testProcessor(t, mock)

	m, err := p.Enqueue(Draft{ConversationID: "conv1", SenderID: "me", Body: "hello"})
	if err != nil {
		t.Fatal(err)
	}

	outcomes := p.Drain(context.Background())
	if len(outcomes) != 1 || !outcomes[0].Parked {
		t.Fatalf("outcomes = %+v, want parked", outcomes)
	}

	e, err := db.GetOutboxEntry(m.LocalID)
	if err != nil {
		t.Fatal(err)
	}
	if e == nil || e.Status != store.OutboxParked {
		t.Fatalf("entry = %+v, want parked (never silently dropped)", e)
	}
	cached, err := db.GetMessageByLocalID(m.LocalID)
	if err != nil {
		t.Fatal(err)
	}
	if cached.SyncStatus != store.SyncFailed {
		t.Errorf("cached status = %q, want failed", cached.SyncStatus)
	}
}

func TestAttemptCapParksEntry(t *testing.T) {
	mock := &mockDeliverer{err: fmt.Errorf("network error")}
	p, db, _ := testProcessor(t, mock)
	p.policy = Policy{MaxAttempts: 2, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond}

	m, err := p.Enqueue(Draft{ConversationID: "conv1", SenderID: "me", Body: "hello"})
	if err != nil {
		t.Fatal(err)
	}

	p.Drain(context.Background()) // attempt 1 of 2: retry scheduled
	if err := db.MarkOutboxRetry(m.LocalID, "force due", 0); err != nil {
		t.Fatal(err)
	}
	// That MarkOutboxRetry bumped retry_count to 2, so the next failure is
	// at the cap.
	outcomes := p.Drain(context.Background())
	if len(outcomes) != 1 || !outcomes[0].Parked {
		t.Fatalf("outcomes = %+v, want parked at attempt cap", outcomes)
	}
}

func TestRequeueParkedRestoresDrainRotation(t *testing.T) {
	mock := &mockDeliverer{err: &remote.TerminalError{Status: 400, Body: "bad"}}
	p, db, _ := testProcessor(t, mock)

	m, err := p.Enqueue(Draft{ConversationID: "conv1", SenderID: "me", Body: "hello"})
	if err != nil {
		t.Fatal(err)
	}
	p.Drain(context.Background())

	n, err := p.RequeueParked()
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("requeued %d, want 1", n)
	}

	mock.err = nil
	outcomes := p.Drain(context.Background())
	if len(outcomes) != 1 || !outcomes[0].Delivered {
		t.Fatalf("outcomes = %+v, want delivered after requeue", outcomes)
	}
	e, err := db.GetOutboxEntry(m.LocalID)
	if err != nil {
		t.Fatal(err)
	}
	if e != nil {
		t.Error("entry must be removed after delivery")
	}
}

func TestOverlappingDrainsSkipInFlightEntries(t *testing.T) {
	mock := &mockDeliverer{delay: 300 * time.Millisecond}
	p, _, _ := testProcessor(t, mock)

	if _, err := p.Enqueue(Draft{ConversationID: "conv1", SenderID: "me", Body: "hello"}); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	results := make([][]Outcome, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = p.Drain(context.Background())
		}(i)
	}
	wg.Wait()

	if got := mock.callCount(); got != 1 {
		t.Fatalf("deliver calls = %d, want 1 (no double-send of one local id)", got)
	}
	delivered, skipped := 0, 0
	for _, outcomes := range results {
		for _, o := range outcomes {
			if o.Delivered {
				delivered++
			}
			if o.Skipped {
				skipped++
			}
		}
	}
	if delivered != 1 || skipped != 1 {
		t.Errorf("delivered=%d skipped=%d, want 1/1", delivered, skipped)
	}
}

func TestDrainPreservesCreationOrder(t *testing.T) {
	mock := &mockDeliverer{}
	p, db, _ := testProcessor(t, mock)

	// Insert with explicit creation times, deliberately out of order.
	times := map[string]int64{"l1": 1000, "l2": 2000, "l3": 3000}
	for _, id := range []string{"l3", "l1", "l2"} {
		m := &store.Message{LocalID: id, ConversationID: "conv1", SenderID: "me", Body: id, MsgType: "text", CreatedAt: times[id]}
		e := &store.OutboxEntry{LocalID: id, ConversationID: "conv1", SenderID: "me", Body: id, MsgType: "text", CreatedAt: times[id]}
		if err := db.Enqueue(m, e); err != nil {
			t.Fatal(err)
		}
	}

	p.Drain(context.Background())
	want := []string{"l1", "l2", "l3"}
	if len(mock.calls) != 3 {
		t.Fatalf("calls = %v, want 3", mock.calls)
	}
	for i, id := range want {
		if mock.calls[i] != id {
			t.Errorf("call[%d] = %s, want %s (oldest first)", i, mock.calls[i], id)
		}
	}
}

func TestBackgroundLoopDrainsOnTick(t *testing.T) {
	mock := &mockDeliverer{}
	p, db, _ := testProcessor(t, mock)
	p.interval = 100 * time.Millisecond

	m, err := p.Enqueue(Draft{ConversationID: "conv1", SenderID: "me", Body: "hello"})
	if err != nil {
		t.Fatal(err)
	}

	p.Start(context.Background())
	defer p.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		e, err := db.GetOutboxEntry(m.LocalID)
		if err != nil {
			t.Fatal(err)
		}
		if e == nil {
			return // delivered
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("background loop never drained the entry")
}
