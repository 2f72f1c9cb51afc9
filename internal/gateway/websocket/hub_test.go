package websocket

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/lugh-dev/lugh/internal/common/logger"
	"github.com/lugh-dev/lugh/internal/pool/coordinator"
	"github.com/lugh-dev/lugh/internal/pool/queue"
	ws "github.com/lugh-dev/lugh/pkg/websocket"
)

func newTestLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	return log
}

// newTestClient builds a client without a network connection. The pumps are
// never started; tests read the send channel directly.
func newTestClient(id string) *Client {
	return &Client{
		ID:       id,
		send:     make(chan []byte, 16),
		taskSubs: make(map[string]bool),
		convSubs: make(map[string]bool),
		logger:   newTestLogger(),
	}
}

func newRunningHub(t *testing.T) *Hub {
	t.Helper()
	hub := NewHub(ws.NewDispatcher(), newTestLogger())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)
	return hub
}

func receiveMessage(t *testing.T, c *Client) *ws.Message {
	t.Helper()
	select {
	case data, ok := <-c.send:
		if !ok {
			t.Fatal("send channel closed")
		}
		var msg ws.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		return &msg
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for message")
		return nil
	}
}

func expectSilence(t *testing.T, c *Client) {
	t.Helper()
	select {
	case data := <-c.send:
		t.Fatalf("unexpected message: %s", data)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestHubBroadcastReachesAllClients(t *testing.T) {
	hub := newRunningHub(t)
	c1 := newTestClient("c1")
	c2 := newTestClient("c2")
	c1.hub, c2.hub = hub, hub
	hub.Register(c1)
	hub.Register(c2)

	msg, err := ws.NewNotification(ws.ActionTaskEnqueued, map[string]interface{}{"task_id": "t-1"})
	if err != nil {
		t.Fatalf("notification: %v", err)
	}
	hub.Broadcast(msg)

	for _, c := range []*Client{c1, c2} {
		got := receiveMessage(t, c)
		if got.Action != ws.ActionTaskEnqueued {
			t.Errorf("action = %q", got.Action)
		}
		if got.Type != ws.MessageTypeNotification {
			t.Errorf("type = %q", got.Type)
		}
	}
}

func TestHubTaskTargeting(t *testing.T) {
	hub := newRunningHub(t)
	sub := newTestClient("sub")
	other := newTestClient("other")
	sub.hub, other.hub = hub, hub
	hub.Register(sub)
	hub.Register(other)

	hub.SubscribeToTask(sub, "task-7")

	msg, _ := ws.NewNotification(ws.ActionTaskResult, map[string]interface{}{
		"task_id": "task-7",
		"content": "chunk one",
	})
	hub.BroadcastToTask("task-7", msg)

	got := receiveMessage(t, sub)
	var payload map[string]interface{}
	if err := got.ParsePayload(&payload); err != nil {
		t.Fatalf("parse payload: %v", err)
	}
	if payload["content"] != "chunk one" {
		t.Errorf("payload = %v", payload)
	}
	expectSilence(t, other)

	hub.UnsubscribeFromTask(sub, "task-7")
	hub.BroadcastToTask("task-7", msg)
	expectSilence(t, sub)
}

func TestHubConversationTargeting(t *testing.T) {
	hub := newRunningHub(t)
	sub := newTestClient("sub")
	other := newTestClient("other")
	sub.hub, other.hub = hub, hub
	hub.Register(sub)
	hub.Register(other)

	hub.SubscribeToConversation(sub, "conv-1")

	msg, _ := ws.NewNotification(ws.ActionConversationReply, map[string]interface{}{
		"conversation_id": "conv-1",
		"text":            "done",
	})
	hub.BroadcastToConversation("conv-1", msg)

	got := receiveMessage(t, sub)
	if got.Action != ws.ActionConversationReply {
		t.Errorf("action = %q", got.Action)
	}
	expectSilence(t, other)
}

func TestHubUnregisterCleansSubscriptions(t *testing.T) {
	hub := newRunningHub(t)
	c := newTestClient("c")
	c.hub = hub
	hub.Register(c)
	hub.SubscribeToTask(c, "task-1")
	hub.SubscribeToConversation(c, "conv-1")

	hub.Unregister(c)

	// The unregister is processed by the run loop; poll until the client
	// count drops.
	deadline := time.After(5 * time.Second)
	for hub.GetClientCount() != 0 {
		select {
		case <-deadline:
			t.Fatal("client never unregistered")
		case <-time.After(5 * time.Millisecond):
		}
	}

	hub.mu.RLock()
	defer hub.mu.RUnlock()
	if len(hub.taskSubscribers) != 0 {
		t.Errorf("task subscribers left: %v", hub.taskSubscribers)
	}
	if len(hub.convSubscribers) != 0 {
		t.Errorf("conversation subscribers left: %v", hub.convSubscribers)
	}
}

func TestHubShutdownClosesClients(t *testing.T) {
	hub := NewHub(ws.NewDispatcher(), newTestLogger())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(done)
	}()

	c := newTestClient("c")
	c.hub = hub
	hub.Register(c)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("hub never stopped")
	}

	select {
	case _, ok := <-c.send:
		if ok {
			t.Error("expected closed send channel")
		}
	case <-time.After(time.Second):
		t.Error("send channel not closed")
	}
}

func TestClientTaskSubscribeReplaysHistory(t *testing.T) {
	hub := NewHub(ws.NewDispatcher(), newTestLogger())
	chunk1, _ := ws.NewNotification(ws.ActionTaskResult, map[string]interface{}{"task_id": "task-3", "content": "first"})
	chunk2, _ := ws.NewNotification(ws.ActionTaskResult, map[string]interface{}{"task_id": "task-3", "content": "second"})
	hub.SetResultHistoryProvider(func(ctx context.Context, taskID string) ([]*ws.Message, error) {
		if taskID != "task-3" {
			t.Errorf("history requested for %q", taskID)
		}
		return []*ws.Message{chunk1, chunk2}, nil
	})

	c := newTestClient("c")
	c.hub = hub

	req, err := ws.NewRequest("req-1", ws.ActionTaskSubscribe, TaskSubscribeRequest{TaskID: "task-3"})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	c.handleMessage(context.Background(), req)

	ack := receiveMessage(t, c)
	if ack.Type != ws.MessageTypeResponse || ack.ID != "req-1" {
		t.Errorf("ack = %+v", ack)
	}

	for _, want := range []string{"first", "second"} {
		got := receiveMessage(t, c)
		if got.Action != ws.ActionTaskResult {
			t.Errorf("action = %q", got.Action)
		}
		var payload map[string]interface{}
		if err := got.ParsePayload(&payload); err != nil {
			t.Fatalf("parse payload: %v", err)
		}
		if payload["content"] != want {
			t.Errorf("content = %v, want %q", payload["content"], want)
		}
	}

	if !c.taskSubs["task-3"] {
		t.Error("client not marked subscribed")
	}
}

func TestClientSubscribeValidation(t *testing.T) {
	hub := NewHub(ws.NewDispatcher(), newTestLogger())
	c := newTestClient("c")
	c.hub = hub

	req, _ := ws.NewRequest("req-1", ws.ActionTaskSubscribe, TaskSubscribeRequest{})
	c.handleMessage(context.Background(), req)

	got := receiveMessage(t, c)
	if got.Type != ws.MessageTypeError {
		t.Fatalf("type = %q", got.Type)
	}
	var payload ws.ErrorPayload
	if err := got.ParsePayload(&payload); err != nil {
		t.Fatalf("parse payload: %v", err)
	}
	if payload.Code != ws.ErrorCodeValidation {
		t.Errorf("code = %q", payload.Code)
	}

	req, _ = ws.NewRequest("req-2", ws.ActionConversationSubscribe, ConversationSubscribeRequest{})
	c.handleMessage(context.Background(), req)
	got = receiveMessage(t, c)
	if got.Type != ws.MessageTypeError {
		t.Errorf("type = %q", got.Type)
	}
}

func TestClientConversationSubscribeRoundTrip(t *testing.T) {
	hub := NewHub(ws.NewDispatcher(), newTestLogger())
	c := newTestClient("c")
	c.hub = hub

	req, _ := ws.NewRequest("req-1", ws.ActionConversationSubscribe, ConversationSubscribeRequest{ConversationID: "conv-2"})
	c.handleMessage(context.Background(), req)

	ack := receiveMessage(t, c)
	if ack.Type != ws.MessageTypeResponse {
		t.Fatalf("type = %q", ack.Type)
	}
	if !c.convSubs["conv-2"] {
		t.Error("client not marked subscribed")
	}

	req, _ = ws.NewRequest("req-2", ws.ActionConversationUnsubscribe, ConversationSubscribeRequest{ConversationID: "conv-2"})
	c.handleMessage(context.Background(), req)
	receiveMessage(t, c)
	if c.convSubs["conv-2"] {
		t.Error("client still marked subscribed")
	}
}

func TestUnknownActionReturnsError(t *testing.T) {
	hub := NewHub(ws.NewDispatcher(), newTestLogger())
	c := newTestClient("c")
	c.hub = hub

	req, _ := ws.NewRequest("req-1", "bogus.action", nil)
	c.handleMessage(context.Background(), req)

	got := receiveMessage(t, c)
	if got.Type != ws.MessageTypeError {
		t.Fatalf("type = %q", got.Type)
	}
	var payload ws.ErrorPayload
	if err := got.ParsePayload(&payload); err != nil {
		t.Fatalf("parse payload: %v", err)
	}
	if payload.Code != ws.ErrorCodeUnknownAction {
		t.Errorf("code = %q", payload.Code)
	}
}

func TestHealthCheckHandler(t *testing.T) {
	dispatcher := ws.NewDispatcher()
	RegisterHealthHandler(dispatcher)
	hub := NewHub(dispatcher, newTestLogger())
	c := newTestClient("c")
	c.hub = hub

	req, _ := ws.NewRequest("req-1", ws.ActionHealthCheck, nil)
	c.handleMessage(context.Background(), req)

	got := receiveMessage(t, c)
	var payload map[string]interface{}
	if err := got.ParsePayload(&payload); err != nil {
		t.Fatalf("parse payload: %v", err)
	}
	if payload["status"] != "ok" || payload["service"] != "lugh" {
		t.Errorf("payload = %v", payload)
	}
}

type fakeStatusProvider struct {
	status *coordinator.Status
	err    error
}

func (f *fakeStatusProvider) Status(ctx context.Context) (*coordinator.Status, error) {
	return f.status, f.err
}

func TestPoolStatusHandler(t *testing.T) {
	dispatcher := ws.NewDispatcher()
	RegisterPoolStatusHandler(dispatcher, &fakeStatusProvider{
		status: &coordinator.Status{
			Agents: coordinator.AgentCounts{Total: 3, Idle: 2, Busy: 1},
			Tasks:  queue.Stats{Queued: 4, Running: 1},
		},
	})
	hub := NewHub(dispatcher, newTestLogger())
	c := newTestClient("c")
	c.hub = hub

	req, _ := ws.NewRequest("req-1", ws.ActionPoolStatus, nil)
	c.handleMessage(context.Background(), req)

	got := receiveMessage(t, c)
	if got.Type != ws.MessageTypeResponse {
		t.Fatalf("type = %q", got.Type)
	}
	var payload struct {
		Agents coordinator.AgentCounts `json:"agents"`
		Tasks  queue.Stats             `json:"tasks"`
	}
	if err := got.ParsePayload(&payload); err != nil {
		t.Fatalf("parse payload: %v", err)
	}
	if payload.Agents.Total != 3 || payload.Agents.Idle != 2 {
		t.Errorf("agents = %+v", payload.Agents)
	}
	if payload.Tasks.Queued != 4 {
		t.Errorf("tasks = %+v", payload.Tasks)
	}
}
