package hub

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	gorillaws "github.com/gorilla/websocket"

	"github.com/runhub/runhub/internal/common/logger"
	"github.com/runhub/runhub/internal/events/bus"
	"github.com/runhub/runhub/pkg/ws"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(logger.LoggingConfig{Level: "error", Format: "console"})
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	return log
}

func newTestClient(t *testing.T, h *Hub) *Client {
	t.Helper()
	c := NewClient("test-client", nil, h, testLogger(t))
	h.Register(c)
	return c
}

func recvMessage(t *testing.T, c *Client) *ws.Message {
	t.Helper()
	select {
	case data := <-c.send:
		var msg ws.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		return &msg
	default:
		t.Fatal("no message queued")
		return nil
	}
}

func TestHubPublishToTopic(t *testing.T) {
	h := NewHub(testLogger(t))
	defer h.Close()

	c := newTestClient(t, h)
	h.Subscribe(c, ws.TopicRun("r1"))

	msg, err := ws.NewNotification(ws.ActionEventAppended, map[string]any{"run_id": "r1", "event_id": 1})
	if err != nil {
		t.Fatalf("notification: %v", err)
	}
	h.Publish(ws.TopicRun("r1"), msg)

	got := recvMessage(t, c)
	if got.Action != ws.ActionEventAppended {
		t.Fatalf("action = %q, want %q", got.Action, ws.ActionEventAppended)
	}
	if got.Type != ws.MessageTypeNotification {
		t.Fatalf("type = %q, want notification", got.Type)
	}
}

func TestHubTopicIsolation(t *testing.T) {
	h := NewHub(testLogger(t))
	defer h.Close()

	c := newTestClient(t, h)
	h.Subscribe(c, ws.TopicRun("r1"))

	msg, _ := ws.NewNotification(ws.ActionEventAppended, map[string]any{"run_id": "r2"})
	h.Publish(ws.TopicRun("r2"), msg)

	if len(c.send) != 0 {
		t.Fatalf("expected no delivery for unsubscribed topic, got %d", len(c.send))
	}

	msg, _ = ws.NewNotification(ws.ActionRunCreated, map[string]any{"run_id": "r3"})
	h.Publish(ws.TopicAll, msg)
	if len(c.send) != 0 {
		t.Fatal("client not subscribed to all should receive nothing")
	}
}

func TestHubPublishOrder(t *testing.T) {
	h := NewHub(testLogger(t))
	defer h.Close()

	c := newTestClient(t, h)
	h.Subscribe(c, ws.TopicRun("r1"))

	for i := 0; i < 5; i++ {
		msg, _ := ws.NewNotification(ws.ActionEventAppended, map[string]any{"run_id": "r1", "seq": i})
		h.Publish(ws.TopicRun("r1"), msg)
	}

	for i := 0; i < 5; i++ {
		got := recvMessage(t, c)
		var payload struct {
			Seq int `json:"seq"`
		}
		if err := got.ParsePayload(&payload); err != nil {
			t.Fatalf("payload: %v", err)
		}
		if payload.Seq != i {
			t.Fatalf("out of order: got seq %d at position %d", payload.Seq, i)
		}
	}
}

func TestHubDropOldestOnOverflow(t *testing.T) {
	h := NewHub(testLogger(t))
	defer h.Close()

	c := newTestClient(t, h)
	h.Subscribe(c, ws.TopicRun("r1"))

	for i := 0; i < sendQueueSize+3; i++ {
		msg, _ := ws.NewNotification(ws.ActionEventAppended, map[string]any{"run_id": "r1", "seq": i})
		h.Publish(ws.TopicRun("r1"), msg)
	}

	if len(c.send) != sendQueueSize {
		t.Fatalf("queue length = %d, want %d", len(c.send), sendQueueSize)
	}

	// The oldest messages were dropped; the head of the queue starts at 3.
	got := recvMessage(t, c)
	var payload struct {
		Seq int `json:"seq"`
	}
	if err := got.ParsePayload(&payload); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if payload.Seq != 3 {
		t.Fatalf("head seq = %d, want 3", payload.Seq)
	}

	lossy := c.takeLossy()
	if len(lossy) != 1 || lossy[0] != ws.TopicRun("r1") {
		t.Fatalf("lossy topics = %v, want [%s]", lossy, ws.TopicRun("r1"))
	}
	if got := c.takeLossy(); got != nil {
		t.Fatalf("takeLossy should clear, got %v", got)
	}
}

func TestHubUnregisterCleansSubscriptions(t *testing.T) {
	h := NewHub(testLogger(t))
	defer h.Close()

	c := newTestClient(t, h)
	h.Subscribe(c, ws.TopicRun("r1"))
	h.Subscribe(c, ws.TopicAll)

	if h.SubscriberCount(ws.TopicRun("r1")) != 1 {
		t.Fatal("expected one subscriber")
	}

	h.Unregister(c)
	if h.ClientCount() != 0 {
		t.Fatal("expected no clients after unregister")
	}
	if h.SubscriberCount(ws.TopicRun("r1")) != 0 || h.SubscriberCount(ws.TopicAll) != 0 {
		t.Fatal("expected subscriptions removed")
	}
	if _, ok := <-c.send; ok {
		t.Fatal("send channel should be closed")
	}
}

func TestHandlerSubscribeRoundTrip(t *testing.T) {
	gin.SetMode(gin.TestMode)
	log := testLogger(t)
	h := NewHub(log)
	defer h.Close()
	handler := NewHandler(h, log)

	router := gin.New()
	router.GET("/ws", handler.HandleConnection)
	server := httptest.NewServer(router)
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	conn, _, err := gorillaws.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	sub := map[string]any{
		"id":      "1",
		"type":    "request",
		"action":  ws.ActionSubscribe,
		"payload": ws.SubscribePayload{Topic: ws.TopicRun("r1")},
	}
	if err := conn.WriteJSON(sub); err != nil {
		t.Fatalf("write: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var resp ws.Message
	if err := conn.ReadJSON(&resp); err != nil {
		t.Fatalf("read response: %v", err)
	}
	if resp.Type != ws.MessageTypeResponse || resp.Action != ws.ActionSubscribe {
		t.Fatalf("unexpected response: %+v", resp)
	}

	// The subscription must be visible before publishing.
	deadline := time.Now().Add(2 * time.Second)
	for h.SubscriberCount(ws.TopicRun("r1")) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscription never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	msg, _ := ws.NewNotification(ws.ActionRunStatus, map[string]any{"run_id": "r1", "status": "running"})
	h.Publish(ws.TopicRun("r1"), msg)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var notif ws.Message
	if err := conn.ReadJSON(&notif); err != nil {
		t.Fatalf("read notification: %v", err)
	}
	if notif.Action != ws.ActionRunStatus {
		t.Fatalf("action = %q, want %q", notif.Action, ws.ActionRunStatus)
	}
	var payload struct {
		RunID  string `json:"run_id"`
		Status string `json:"status"`
	}
	if err := notif.ParsePayload(&payload); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if payload.Status != "running" {
		t.Fatalf("status = %q, want running", payload.Status)
	}
}

func TestBridgeForwardsRunEvents(t *testing.T) {
	log := testLogger(t)
	h := NewHub(log)
	defer h.Close()

	eventBus := bus.NewMemoryEventBus(log)
	defer eventBus.Close()

	bridge := NewBridge(h, eventBus, log)
	if err := bridge.Start(); err != nil {
		t.Fatalf("bridge start: %v", err)
	}
	defer bridge.Stop()

	runClient := newTestClient(t, h)
	h.Subscribe(runClient, ws.TopicRun("r1"))
	fleetClient := NewClient("fleet", nil, h, log)
	h.Register(fleetClient)
	h.Subscribe(fleetClient, ws.TopicAll)

	ctx := context.Background()
	err := eventBus.Publish(ctx, bus.RunSubject("r1", bus.KindStatus),
		bus.NewEvent(ws.ActionRunStatus, "gateway", map[string]any{"run_id": "r1", "status": "running"}))
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	err = eventBus.Publish(ctx, bus.SubjectRunCreated,
		bus.NewEvent(ws.ActionRunCreated, "gateway", map[string]any{"run_id": "r2"}))
	if err != nil {
		t.Fatalf("publish: %v", err)
	}

	got := recvMessage(t, runClient)
	if got.Action != ws.ActionRunStatus {
		t.Fatalf("run topic action = %q, want %q", got.Action, ws.ActionRunStatus)
	}
	if len(runClient.send) != 0 {
		t.Fatal("run topic should not receive fleet events")
	}

	got = recvMessage(t, fleetClient)
	if got.Action != ws.ActionRunCreated {
		t.Fatalf("all topic action = %q, want %q", got.Action, ws.ActionRunCreated)
	}
}
