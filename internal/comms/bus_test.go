package comms

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/hivegrid/hivegrid/internal/config"
	"github.com/hivegrid/hivegrid/internal/natsbus"
	"github.com/hivegrid/hivegrid/internal/store"
)

func testCommsConfig() config.CommsConfig {
	return config.CommsConfig{
		DispatchInterval: 20 * time.Millisecond,
		BatchSize:        32,
		LatencyThreshold: 250 * time.Millisecond,
		MailboxSize:      64,
	}
}

func newTestBus(t *testing.T) *Bus {
	t.Helper()

	nb, err := natsbus.New(config.NATSConfig{Port: 0, DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(nb.Close)

	client, err := natsbus.NewClient(nb)
	if err != nil {
		t.Fatalf("nats client: %v", err)
	}
	t.Cleanup(client.Close)

	st, err := store.Open(config.StoreConfig{Path: filepath.Join(t.TempDir(), "comms.db")})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	seedBusSwarm(t, st)

	return NewBus(testCommsConfig(), "swarm-1", st, client)
}

func seedBusSwarm(t *testing.T, st *store.Store) {
	t.Helper()
	if err := st.SaveSwarm(&store.Swarm{ID: "swarm-1", Name: "test", MaxAgents: 8, ConsensusThreshold: 0.6, IsActive: true}); err != nil {
		t.Fatalf("seed swarm: %v", err)
	}
	for _, id := range []string{"a1", "a2", "a3"} {
		if err := st.SaveAgent(&store.Agent{ID: id, SwarmID: "swarm-1", Name: id, Type: "coder", Status: "idle", Capabilities: []string{}}); err != nil {
			t.Fatalf("seed agent: %v", err)
		}
	}
}

func recvMessage(t *testing.T, inbox <-chan *store.Message) *store.Message {
	t.Helper()
	select {
	case m := <-inbox:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return nil
	}
}

func TestPriorityDeliveryOrder(t *testing.T) {
	b := newTestBus(t)

	if _, err := b.RegisterAgent("a1", "coder"); err != nil {
		t.Fatalf("register a1: %v", err)
	}
	inbox, err := b.RegisterAgent("a2", "coder")
	if err != nil {
		t.Fatalf("register a2: %v", err)
	}

	// Queue in worst-case arrival order.
	for _, m := range []struct{ prio, id string }{
		{PriorityLow, "m-low-1"},
		{PriorityNormal, "m-normal-1"},
		{PriorityLow, "m-low-2"},
		{PriorityUrgent, "m-urgent-1"},
		{PriorityNormal, "m-normal-2"},
		{PriorityUrgent, "m-urgent-2"},
	} {
		err := b.Send(&store.Message{ID: m.id, From: "a1", To: "a2", Type: "status_update", Priority: m.prio})
		if err != nil {
			t.Fatalf("send %s: %v", m.id, err)
		}
	}

	b.DispatchTick()

	want := []string{"m-urgent-1", "m-urgent-2", "m-normal-1", "m-normal-2", "m-low-1", "m-low-2"}
	for i, id := range want {
		got := recvMessage(t, inbox)
		if got.ID != id {
			t.Fatalf("position %d: expected %s, got %s", i, id, got.ID)
		}
	}
}

func TestFIFOWithinPriority(t *testing.T) {
	b := newTestBus(t)
	_, _ = b.RegisterAgent("a1", "coder")
	inbox, _ := b.RegisterAgent("a2", "coder")

	for i := 0; i < 5; i++ {
		_ = b.Send(&store.Message{From: "a1", To: "a2", Type: "seq", Priority: PriorityNormal,
			Content: json.RawMessage([]byte(`{"seq":` + string(rune('0'+i)) + `}`))})
	}
	b.DispatchTick()

	var prev string
	for i := 0; i < 5; i++ {
		got := recvMessage(t, inbox)
		if prev != "" && string(got.Content) <= prev {
			t.Fatalf("FIFO violated: %s after %s", got.Content, prev)
		}
		prev = string(got.Content)
	}
}

func TestSendUnknownAgent(t *testing.T) {
	b := newTestBus(t)
	_, _ = b.RegisterAgent("a1", "coder")

	err := b.Send(&store.Message{From: "a1", To: "ghost", Type: "status_update"})
	if !errors.Is(err, ErrUnknownAgent) {
		t.Errorf("expected ErrUnknownAgent, got %v", err)
	}
}

func TestBroadcastSkipsSender(t *testing.T) {
	b := newTestBus(t)
	senderInbox, _ := b.RegisterAgent("a1", "coder")
	inbox2, _ := b.RegisterAgent("a2", "coder")
	inbox3, _ := b.RegisterAgent("a3", "researcher")

	if err := b.Broadcast("a1", "task_failed", json.RawMessage(`{"task":"t1"}`), PriorityHigh); err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	b.DispatchTick()

	for _, inbox := range []<-chan *store.Message{inbox2, inbox3} {
		got := recvMessage(t, inbox)
		if got.Type != "task_failed" {
			t.Errorf("expected task_failed, got %s", got.Type)
		}
		if got.To != "" {
			t.Errorf("broadcast should have empty receiver, got %q", got.To)
		}
	}

	select {
	case m := <-senderInbox:
		t.Errorf("sender received its own broadcast: %+v", m)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestChannelDelivery(t *testing.T) {
	b := newTestBus(t)
	inbox1, _ := b.RegisterAgent("a1", "coder")
	inbox2, _ := b.RegisterAgent("a2", "researcher")

	// Both agents are auto-subscribed to coordination.
	if err := b.SendToChannel("a1", "coordination", "plan_update", json.RawMessage(`{"step":1}`)); err != nil {
		t.Fatalf("send to channel: %v", err)
	}

	got := recvMessage(t, inbox2)
	if got.Type != "plan_update" {
		t.Errorf("expected plan_update, got %s", got.Type)
	}
	// The sender is subscribed too; channel traffic is not self-filtered.
	got = recvMessage(t, inbox1)
	if got.Type != "plan_update" {
		t.Errorf("expected plan_update for sender, got %s", got.Type)
	}
}

func TestRoleAndPrivateChannels(t *testing.T) {
	b := newTestBus(t)
	coderInbox, _ := b.RegisterAgent("a1", "coder")
	_, _ = b.RegisterAgent("a2", "researcher")

	if ch := b.GetChannel("role.coder"); ch == nil {
		t.Fatal("expected role channel to exist")
	} else if subs := ch.Subscribers(); len(subs) != 1 || subs[0] != "a1" {
		t.Errorf("expected only a1 in role.coder, got %v", subs)
	}

	if err := b.SendToChannel("a2", "agent.a1", "direct", nil); err != nil {
		t.Fatalf("send to private channel: %v", err)
	}
	got := recvMessage(t, coderInbox)
	if got.Type != "direct" {
		t.Errorf("expected direct, got %s", got.Type)
	}
}

func TestRequestResponse(t *testing.T) {
	b := newTestBus(t)
	_, _ = b.RegisterAgent("a1", "coder")
	inbox2, _ := b.RegisterAgent("a2", "coder")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)

	// Responder: answer the first query that arrives.
	go func() {
		for m := range inbox2 {
			if m.Type == "query" && m.RequiresResponse {
				_ = b.Respond(m, json.RawMessage(`{"answer":42}`))
				return
			}
		}
	}()

	resp, err := b.RequestResponse(ctx, "a1", "a2", json.RawMessage(`{"q":"status"}`), 2*time.Second)
	if err != nil {
		t.Fatalf("request response: %v", err)
	}
	var decoded map[string]int
	if err := json.Unmarshal(resp, &decoded); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if decoded["answer"] != 42 {
		t.Errorf("expected answer 42, got %+v", decoded)
	}
}

func TestRequestResponseTimeout(t *testing.T) {
	b := newTestBus(t)
	_, _ = b.RegisterAgent("a1", "coder")
	_, _ = b.RegisterAgent("a2", "coder") // never responds

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)

	_, err := b.RequestResponse(ctx, "a1", "a2", json.RawMessage(`{}`), 200*time.Millisecond)
	if !errors.Is(err, ErrResponseTimeout) {
		t.Errorf("expected ErrResponseTimeout, got %v", err)
	}
}

func TestLatencyEWMA(t *testing.T) {
	b := newTestBus(t)

	b.observeLatency(100 * time.Millisecond)
	stats := b.Stats()
	// avg = 0*0.9 + 100ms*0.1 = 10ms
	if stats.AvgLatencyMs < 9 || stats.AvgLatencyMs > 11 {
		t.Errorf("expected EWMA ~10ms, got %f", stats.AvgLatencyMs)
	}
	if stats.Dispatched != 1 {
		t.Errorf("expected 1 dispatched, got %d", stats.Dispatched)
	}
}

func TestHighLatencyEventRaisedOnce(t *testing.T) {
	b := newTestBus(t)

	for i := 0; i < 100; i++ {
		b.observeLatency(5 * time.Second)
	}
	b.latencyMu.Lock()
	high := b.highLatency
	b.latencyMu.Unlock()
	if !high {
		t.Error("expected high latency state after sustained slow deliveries")
	}

	metrics, err := b.st.GetMetrics("swarm-1", "comms_avg_latency_ms", 10)
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	if len(metrics) != 1 {
		t.Errorf("expected exactly 1 threshold-crossing metric, got %d", len(metrics))
	}
}

func TestUnregisterStopsDelivery(t *testing.T) {
	b := newTestBus(t)
	_, _ = b.RegisterAgent("a1", "coder")
	_, _ = b.RegisterAgent("a2", "coder")

	b.UnregisterAgent("a2")

	if err := b.Send(&store.Message{From: "a1", To: "a2", Type: "late"}); !errors.Is(err, ErrUnknownAgent) {
		t.Errorf("expected ErrUnknownAgent after unregister, got %v", err)
	}
	if ch := b.GetChannel("coordination"); ch != nil {
		for _, id := range ch.Subscribers() {
			if id == "a2" {
				t.Error("expected a2 removed from channel subscribers")
			}
		}
	}
}
