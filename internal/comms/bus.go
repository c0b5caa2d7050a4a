package comms

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hivegrid/hivegrid/internal/config"
	"github.com/hivegrid/hivegrid/internal/natsbus"
	"github.com/hivegrid/hivegrid/internal/store"
	"github.com/nats-io/nats.go"
)

// Message priorities, highest first. Each maps to its own outbound queue.
const (
	PriorityUrgent = "urgent"
	PriorityHigh   = "high"
	PriorityNormal = "normal"
	PriorityLow    = "low"
)

var priorityOrder = []string{PriorityUrgent, PriorityHigh, PriorityNormal, PriorityLow}

var ErrUnknownAgent = errors.New("unknown agent")

func queueIndex(priority string) int {
	for i, p := range priorityOrder {
		if p == priority {
			return i
		}
	}
	return 2 // normal
}

// Bus queues outbound messages in four strict priority levels and delivers
// them over NATS to per-agent mailboxes on a fixed dispatch interval.
type Bus struct {
	cfg     config.CommsConfig
	swarmID string
	st      *store.Store
	client  *natsbus.Client

	mu       sync.RWMutex
	queues   [4][]*store.Message
	agents   map[string]*mailbox
	channels map[string]*Channel

	latencyMu   sync.Mutex
	avgLatency  time.Duration
	highLatency bool
	dispatched  int64
}

type mailbox struct {
	agentID string
	role    string
	inbox   chan *store.Message
	subs    []*nats.Subscription
}

func NewBus(cfg config.CommsConfig, swarmID string, st *store.Store, client *natsbus.Client) *Bus {
	b := &Bus{
		cfg:      cfg,
		swarmID:  swarmID,
		st:       st,
		client:   client,
		agents:   make(map[string]*mailbox),
		channels: make(map[string]*Channel),
	}

	// Default channels exist before any agent registers.
	for _, ch := range []struct{ name, desc string }{
		{"system", "system notifications"},
		{"coordination", "task coordination"},
		{"consensus", "consensus voting"},
		{"monitoring", "health and latency events"},
	} {
		b.createChannelLocked(ch.name, ch.desc, "public")
	}

	return b
}

// RegisterAgent wires up the agent's mailbox and auto-subscribes it to the
// default channels, its role channel and its private channel.
func (b *Bus) RegisterAgent(agentID, role string) (<-chan *store.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.agents[agentID]; ok {
		return nil, fmt.Errorf("agent %s already registered", agentID)
	}

	mb := &mailbox{
		agentID: agentID,
		role:    role,
		inbox:   make(chan *store.Message, b.cfg.MailboxSize),
	}

	sub, err := b.client.Subscribe(natsbus.TopicMailbox(agentID), b.mailboxHandler(mb))
	if err != nil {
		return nil, fmt.Errorf("subscribe mailbox: %w", err)
	}
	mb.subs = append(mb.subs, sub)

	roleChannel := "role." + role
	privateChannel := "agent." + agentID
	b.createChannelLocked(roleChannel, "role channel for "+role, "public")
	b.createChannelLocked(privateChannel, "private channel for "+agentID, "private")

	for _, name := range []string{"system", "coordination", "consensus", "monitoring", roleChannel, privateChannel} {
		if err := b.subscribeChannelLocked(mb, name); err != nil {
			b.teardownLocked(mb)
			return nil, err
		}
	}

	b.agents[agentID] = mb
	return mb.inbox, nil
}

// Mailbox returns a registered agent's receive channel.
func (b *Bus) Mailbox(agentID string) (<-chan *store.Message, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	mb, ok := b.agents[agentID]
	if !ok {
		return nil, false
	}
	return mb.inbox, true
}

func (b *Bus) UnregisterAgent(agentID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	mb, ok := b.agents[agentID]
	if !ok {
		return
	}
	b.teardownLocked(mb)
	delete(b.agents, agentID)
	for _, ch := range b.channels {
		ch.removeSubscriber(agentID)
	}
}

func (b *Bus) teardownLocked(mb *mailbox) {
	for _, sub := range mb.subs {
		_ = sub.Unsubscribe()
	}
}

// mailboxHandler decodes bus traffic into the agent's inbox. A full inbox
// drops the message rather than blocking the NATS callback.
func (b *Bus) mailboxHandler(mb *mailbox) func(msg *nats.Msg) {
	return func(msg *nats.Msg) {
		var m store.Message
		if err := json.Unmarshal(msg.Data, &m); err != nil {
			slog.Warn("malformed bus message", "agent", mb.agentID, "error", err)
			return
		}
		select {
		case mb.inbox <- &m:
		default:
			slog.Warn("mailbox full, dropping message", "agent", mb.agentID, "message", m.ID)
		}
	}
}

// Send persists the message and enqueues it for priority-ordered delivery.
// An empty To means broadcast.
func (b *Bus) Send(msg *store.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.SwarmID == "" {
		msg.SwarmID = b.swarmID
	}
	if msg.Priority == "" {
		msg.Priority = PriorityNormal
	}

	if msg.To != "" {
		b.mu.RLock()
		_, known := b.agents[msg.To]
		b.mu.RUnlock()
		if !known {
			return fmt.Errorf("send to %s: %w", msg.To, ErrUnknownAgent)
		}
	}

	if err := b.st.SaveMessage(msg); err != nil {
		return fmt.Errorf("persist message: %w", err)
	}

	b.mu.Lock()
	i := queueIndex(msg.Priority)
	b.queues[i] = append(b.queues[i], msg)
	b.mu.Unlock()

	if err := b.st.IncrementAgentMessages(msg.From); err != nil {
		slog.Warn("message counter update failed", "agent", msg.From, "error", err)
	}

	return nil
}

// Broadcast is a Send with no receiver; the dispatcher fans it out to
// every mailbox except the sender's.
func (b *Bus) Broadcast(from, msgType string, content json.RawMessage, priority string) error {
	return b.Send(&store.Message{
		From:     from,
		Type:     msgType,
		Content:  content,
		Priority: priority,
	})
}

// Run drives the dispatcher until the context is cancelled.
func (b *Bus) Run(ctx context.Context) {
	interval := b.cfg.DispatchInterval
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	slog.Info("comms dispatcher started", "interval", interval)

	for {
		select {
		case <-ctx.Done():
			slog.Info("comms dispatcher stopped")
			return
		case <-ticker.C:
			b.DispatchTick()
		}
	}
}

// DispatchTick drains a bounded batch from each priority queue, highest
// priority first, and delivers the messages in order.
func (b *Bus) DispatchTick() {
	batch := b.cfg.BatchSize
	if batch <= 0 {
		batch = 32
	}

	for i := range priorityOrder {
		b.mu.Lock()
		n := min(batch, len(b.queues[i]))
		pending := b.queues[i][:n]
		b.queues[i] = b.queues[i][n:]
		b.mu.Unlock()

		for _, msg := range pending {
			b.deliver(msg)
		}
	}
}

func (b *Bus) deliver(msg *store.Message) {
	start := time.Now()

	data, err := json.Marshal(msg)
	if err != nil {
		slog.Error("encode message", "message", msg.ID, "error", err)
		return
	}

	if msg.To != "" {
		if err := b.client.Publish(natsbus.TopicMailbox(msg.To), data); err != nil {
			slog.Warn("deliver failed", "message", msg.ID, "to", msg.To, "error", err)
			return
		}
	} else {
		// Broadcast: every mailbox except the sender's.
		b.mu.RLock()
		targets := make([]string, 0, len(b.agents))
		for id := range b.agents {
			if id != msg.From {
				targets = append(targets, id)
			}
		}
		b.mu.RUnlock()
		for _, id := range targets {
			if err := b.client.Publish(natsbus.TopicMailbox(id), data); err != nil {
				slog.Warn("broadcast leg failed", "message", msg.ID, "to", id, "error", err)
			}
		}
	}
	_ = b.client.Flush()

	if err := b.st.MarkMessageDelivered(msg.ID); err != nil {
		slog.Warn("mark delivered failed", "message", msg.ID, "error", err)
	}

	b.observeLatency(time.Since(start))
}

// observeLatency folds the sample into the moving average and raises a
// monitoring event when the average crosses the configured threshold.
func (b *Bus) observeLatency(latency time.Duration) {
	b.latencyMu.Lock()
	b.avgLatency = time.Duration(float64(b.avgLatency)*0.9 + float64(latency)*0.1)
	b.dispatched++
	avg := b.avgLatency
	crossed := avg > b.cfg.LatencyThreshold && !b.highLatency
	recovered := avg <= b.cfg.LatencyThreshold && b.highLatency
	if crossed {
		b.highLatency = true
	}
	if recovered {
		b.highLatency = false
	}
	b.latencyMu.Unlock()

	if crossed {
		slog.Warn("bus latency high", "avg", avg)
		_ = b.client.PublishJSON(natsbus.TopicMonitoring, map[string]any{"type": "high_latency", "avg_ms": avg.Milliseconds()})
		if err := b.st.SaveMetric(b.swarmID, "comms_avg_latency_ms", float64(avg.Milliseconds())); err != nil {
			slog.Warn("latency metric write failed", "error", err)
		}
	}
}

type Stats struct {
	QueueDepths  map[string]int `json:"queue_depths"`
	Agents       int            `json:"agents"`
	Channels     int            `json:"channels"`
	Dispatched   int64          `json:"dispatched"`
	AvgLatencyMs float64        `json:"avg_latency_ms"`
}

func (b *Bus) Stats() Stats {
	b.mu.RLock()
	depths := make(map[string]int, 4)
	for i, p := range priorityOrder {
		depths[p] = len(b.queues[i])
	}
	agents := len(b.agents)
	channels := len(b.channels)
	b.mu.RUnlock()

	b.latencyMu.Lock()
	avg := b.avgLatency
	dispatched := b.dispatched
	b.latencyMu.Unlock()

	return Stats{
		QueueDepths:  depths,
		Agents:       agents,
		Channels:     channels,
		Dispatched:   dispatched,
		AvgLatencyMs: float64(avg) / float64(time.Millisecond),
	}
}
