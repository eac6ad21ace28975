package gateway

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	busPkg "github.com/basket/taskweave/internal/bus"
	"github.com/basket/taskweave/internal/persistence"
)

func newTestServer(t *testing.T) (*httptest.Server, *persistence.Store, *busPkg.Bus) {
	t.Helper()
	eventBus := busPkg.New()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "test.db"), eventBus)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	srv := NewServer(Config{
		Store:  store,
		Bus:    eventBus,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	ts := httptest.NewServer(srv.http.Handler)
	t.Cleanup(ts.Close)
	return ts, store, eventBus
}

func TestHealthz(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != `{"status":"ok"}` {
		t.Fatalf("body %q", body)
	}
}

func TestPlansEndpoint(t *testing.T) {
	ts, store, _ := newTestServer(t)
	ctx := context.Background()

	planID, err := store.CreatePlan(ctx, "demo")
	if err != nil {
		t.Fatalf("create plan: %v", err)
	}
	if _, err := store.CreateTask(ctx, planID, persistence.TaskSpec{Ordinal: 1, Title: "t1"}); err != nil {
		t.Fatalf("create task: %v", err)
	}

	resp, err := http.Get(ts.URL + "/api/v1/plans")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var plans []struct {
		ID    string             `json:"id"`
		Name  string             `json:"name"`
		Tasks []persistence.Task `json:"tasks"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&plans); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(plans) != 1 || plans[0].Name != "demo" || len(plans[0].Tasks) != 1 {
		t.Fatalf("unexpected payload: %+v", plans)
	}
}

func TestWSStreamsBusEvents(t *testing.T) {
	ts, _, eventBus := newTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+ts.URL[len("http"):]+"/ws?topic=queue.", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "test done") }()

	// Give the handler a moment to subscribe before publishing.
	time.Sleep(50 * time.Millisecond)
	eventBus.Publish(busPkg.TopicQueueStarted, busPkg.QueueEvent{PlanID: "p1", Detail: "main"})
	eventBus.Publish(busPkg.TopicRunLog, busPkg.RunLogEvent{RunID: "r1", Line: "filtered out"})

	var frame struct {
		Topic   string          `json:"topic"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := wsjson.Read(ctx, conn, &frame); err != nil {
		t.Fatalf("read: %v", err)
	}
	if frame.Topic != busPkg.TopicQueueStarted {
		t.Fatalf("topic %q, want %q", frame.Topic, busPkg.TopicQueueStarted)
	}
	var payload busPkg.QueueEvent
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if payload.PlanID != "p1" {
		t.Fatalf("plan id %q", payload.PlanID)
	}
}
