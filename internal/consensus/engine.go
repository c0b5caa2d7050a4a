package consensus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hivegrid/hivegrid/internal/comms"
	"github.com/hivegrid/hivegrid/internal/config"
	"github.com/hivegrid/hivegrid/internal/store"
)

var (
	ErrProposalNotFound = errors.New("proposal not found")
	ErrProposalClosed   = errors.New("proposal closed")
	ErrInvalidThreshold = errors.New("threshold must be in (0,1]")
)

// Proposal statuses.
const (
	StatusPending  = "pending"
	StatusAchieved = "achieved"
	StatusExpired  = "expired"
)

// Engine runs weighted quorum voting over persisted proposals. Achieved
// and expired are final; there is no rollback.
type Engine struct {
	cfg     config.ConsensusConfig
	swarmID string
	st      *store.Store
	bus     *comms.Bus

	// Serializes the vote check-then-set so two concurrent votes cannot
	// both observe a pre-threshold ratio.
	mu sync.Mutex
}

func New(cfg config.ConsensusConfig, swarmID string, st *store.Store, bus *comms.Bus) *Engine {
	return &Engine{
		cfg:     cfg,
		swarmID: swarmID,
		st:      st,
		bus:     bus,
	}
}

// Propose opens a new proposal. A zero threshold or deadline falls back to
// the configured defaults.
func (e *Engine) Propose(ctx context.Context, taskID string, payload json.RawMessage, threshold float64, deadline time.Time) (*store.Proposal, error) {
	if threshold == 0 {
		threshold = e.cfg.DefaultThreshold
	}
	if threshold <= 0 || threshold > 1 {
		return nil, fmt.Errorf("propose: %w (got %f)", ErrInvalidThreshold, threshold)
	}
	if deadline.IsZero() {
		deadline = time.Now().Add(e.cfg.DefaultDeadline)
	}

	p := &store.Proposal{
		ID:                uuid.New().String(),
		SwarmID:           e.swarmID,
		TaskID:            taskID,
		Proposal:          payload,
		RequiredThreshold: threshold,
		Votes:             make(map[string]store.Vote),
		Status:            StatusPending,
		DeadlineAt:        deadline,
	}
	if err := e.st.SaveProposal(p); err != nil {
		return nil, fmt.Errorf("save proposal: %w", err)
	}

	e.publishEvent("proposal_created", p.ID, map[string]any{
		"threshold": threshold,
		"deadline":  deadline.UTC().Format(time.RFC3339),
	})
	slog.Info("proposal created", "id", p.ID, "threshold", threshold)

	return p, nil
}

// Vote casts a vote with the default weight of 1.
func (e *Engine) Vote(ctx context.Context, proposalID, voterID string, approve bool, reason string) (*store.Proposal, error) {
	return e.VoteWeighted(ctx, proposalID, voterID, approve, reason, 1)
}

// VoteWeighted upserts the voter's choice: a second vote from the same
// voter replaces the first. After every vote the approval ratio is
// recomputed and the proposal transitions to achieved the moment
// approved weight / total voted weight meets the threshold.
func (e *Engine) VoteWeighted(ctx context.Context, proposalID, voterID string, approve bool, reason string, weight float64) (*store.Proposal, error) {
	if weight <= 0 {
		weight = 1
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	p, err := e.st.GetProposal(proposalID)
	if err != nil {
		return nil, fmt.Errorf("load proposal: %w", err)
	}
	if p == nil {
		return nil, fmt.Errorf("vote on %s: %w", proposalID, ErrProposalNotFound)
	}

	if p.Status != StatusPending {
		return nil, fmt.Errorf("vote on %s (%s): %w", proposalID, p.Status, ErrProposalClosed)
	}
	if time.Now().After(p.DeadlineAt) {
		p.Status = StatusExpired
		if err := e.st.SaveProposal(p); err != nil {
			slog.Error("expire proposal failed", "id", p.ID, "error", err)
		}
		e.publishEvent("proposal_expired", p.ID, nil)
		return nil, fmt.Errorf("vote on %s past deadline: %w", proposalID, ErrProposalClosed)
	}

	p.Votes[voterID] = store.Vote{
		Approve: approve,
		Reason:  reason,
		Weight:  weight,
		VotedAt: time.Now().UTC(),
	}

	approved, total := tally(p.Votes)
	if total > 0 && approved/total >= p.RequiredThreshold {
		p.Status = StatusAchieved
	}

	if err := e.st.SaveProposal(p); err != nil {
		return nil, fmt.Errorf("save vote: %w", err)
	}

	e.publishEvent("vote_cast", p.ID, map[string]any{
		"voter":   voterID,
		"approve": approve,
		"ratio":   approved / total,
	})
	if p.Status == StatusAchieved {
		slog.Info("consensus achieved", "proposal", p.ID, "ratio", approved/total)
		e.publishEvent("consensus_achieved", p.ID, map[string]any{"ratio": approved / total})
	}

	return p, nil
}

func tally(votes map[string]store.Vote) (approved, total float64) {
	for _, v := range votes {
		total += v.Weight
		if v.Approve {
			approved += v.Weight
		}
	}
	return approved, total
}

func (e *Engine) Get(proposalID string) (*store.Proposal, error) {
	p, err := e.st.GetProposal(proposalID)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, fmt.Errorf("get %s: %w", proposalID, ErrProposalNotFound)
	}
	return p, nil
}

func (e *Engine) ListPending() ([]store.Proposal, error) {
	return e.st.ListProposals(e.swarmID, StatusPending)
}

// RunSweep expires overdue pending proposals on a fixed interval until
// the context is cancelled.
func (e *Engine) RunSweep(ctx context.Context) {
	interval := e.cfg.SweepInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.SweepExpired(time.Now())
		}
	}
}

// SweepExpired marks every overdue pending proposal expired. Returns the
// number transitioned.
func (e *Engine) SweepExpired(now time.Time) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	overdue, err := e.st.ListOverduePending(now)
	if err != nil {
		slog.Error("overdue proposal scan failed", "error", err)
		return 0
	}

	for _, p := range overdue {
		if err := e.st.UpdateProposalStatus(p.ID, StatusExpired); err != nil {
			slog.Error("expire proposal failed", "id", p.ID, "error", err)
			continue
		}
		e.publishEvent("proposal_expired", p.ID, nil)
		slog.Info("proposal expired", "id", p.ID)
	}
	return len(overdue)
}

func (e *Engine) publishEvent(eventType, proposalID string, data map[string]any) {
	if e.bus == nil {
		return
	}
	payload, err := json.Marshal(map[string]any{
		"proposal_id": proposalID,
		"data":        data,
	})
	if err != nil {
		return
	}
	if err := e.bus.SendToChannel("consensus-engine", "consensus", eventType, payload); err != nil {
		slog.Warn("consensus event publish failed", "type", eventType, "error", err)
	}
}
