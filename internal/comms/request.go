package comms

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hivegrid/hivegrid/internal/natsbus"
	"github.com/hivegrid/hivegrid/internal/store"
)

var ErrResponseTimeout = errors.New("response timeout")

// RequestResponse sends a query-typed message and blocks until the
// addressed agent responds or the timeout elapses. The one-shot listener
// is keyed by message id and removed on return.
func (b *Bus) RequestResponse(ctx context.Context, from, to string, query json.RawMessage, timeout time.Duration) (json.RawMessage, error) {
	msg := &store.Message{
		ID:               uuid.New().String(),
		From:             from,
		To:               to,
		Type:             "query",
		Content:          query,
		Priority:         PriorityHigh,
		RequiresResponse: true,
	}

	// Listen before sending so a fast responder cannot race the subscription.
	sub, err := b.client.SubscribeSync(natsbus.TopicResponse(msg.ID))
	if err != nil {
		return nil, fmt.Errorf("subscribe for response: %w", err)
	}
	defer sub.Unsubscribe()

	if err := b.Send(msg); err != nil {
		return nil, err
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := sub.NextMsgWithContext(waitCtx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("request %s to %s: %w", msg.ID, to, ErrResponseTimeout)
		}
		return nil, fmt.Errorf("await response: %w", err)
	}
	return resp.Data, nil
}

// Respond answers a requires-response message. The request is marked read
// so the audit trail shows it was handled.
func (b *Bus) Respond(req *store.Message, payload json.RawMessage) error {
	if err := b.st.MarkMessageRead(req.ID); err != nil {
		return fmt.Errorf("mark request read: %w", err)
	}
	if err := b.client.Publish(natsbus.TopicResponse(req.ID), payload); err != nil {
		return fmt.Errorf("publish response: %w", err)
	}
	return b.client.Flush()
}
