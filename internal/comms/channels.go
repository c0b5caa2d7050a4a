package comms

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/hivegrid/hivegrid/internal/natsbus"
	"github.com/hivegrid/hivegrid/internal/store"
)

// Channel is a named pub/sub group. Delivery goes over the channel's NATS
// subject; the subscriber list exists for membership queries and teardown.
type Channel struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Visibility  string `json:"visibility"` // public | private

	mu          sync.Mutex
	subscribers map[string]bool
}

func (c *Channel) addSubscriber(agentID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribers[agentID] = true
}

func (c *Channel) removeSubscriber(agentID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subscribers, agentID)
}

func (c *Channel) Subscribers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.subscribers))
	for id := range c.subscribers {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// CreateChannel registers a channel; creating an existing channel is a
// no-op so role channels can be declared idempotently.
func (b *Bus) CreateChannel(name, description, visibility string) *Channel {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.createChannelLocked(name, description, visibility)
}

func (b *Bus) createChannelLocked(name, description, visibility string) *Channel {
	if ch, ok := b.channels[name]; ok {
		return ch
	}
	ch := &Channel{
		Name:        name,
		Description: description,
		Visibility:  visibility,
		subscribers: make(map[string]bool),
	}
	b.channels[name] = ch
	return ch
}

func (b *Bus) GetChannel(name string) *Channel {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.channels[name]
}

func (b *Bus) ListChannels() []*Channel {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*Channel, 0, len(b.channels))
	for _, ch := range b.channels {
		out = append(out, ch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// SubscribeChannel grants an already-registered agent delivery of future
// channel traffic into its mailbox.
func (b *Bus) SubscribeChannel(agentID, channel string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	mb, ok := b.agents[agentID]
	if !ok {
		return fmt.Errorf("subscribe channel %s: %w", channel, ErrUnknownAgent)
	}
	return b.subscribeChannelLocked(mb, channel)
}

func (b *Bus) subscribeChannelLocked(mb *mailbox, channel string) error {
	ch := b.createChannelLocked(channel, "", "public")

	sub, err := b.client.Subscribe(natsbus.TopicChannel(channel), b.mailboxHandler(mb))
	if err != nil {
		return fmt.Errorf("subscribe channel %s: %w", channel, err)
	}
	mb.subs = append(mb.subs, sub)
	ch.addSubscriber(mb.agentID)
	return nil
}

// SendToChannel publishes immediately to the channel subject; channel
// traffic fans out to subscribers without passing the priority queues.
func (b *Bus) SendToChannel(from, channel, msgType string, content json.RawMessage) error {
	b.mu.RLock()
	_, ok := b.channels[channel]
	b.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown channel %s", channel)
	}

	msg := &store.Message{
		ID:       uuid.New().String(),
		SwarmID:  b.swarmID,
		From:     from,
		Type:     msgType,
		Content:  content,
		Priority: PriorityNormal,
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode channel message: %w", err)
	}
	if err := b.client.Publish(natsbus.TopicChannel(channel), data); err != nil {
		return fmt.Errorf("publish to channel %s: %w", channel, err)
	}
	return b.client.Flush()
}
