package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/hivegrid/hivegrid/internal/comms"
	"github.com/hivegrid/hivegrid/internal/config"
	"github.com/hivegrid/hivegrid/internal/consensus"
	"github.com/hivegrid/hivegrid/internal/memory"
	"github.com/hivegrid/hivegrid/internal/store"
)

// Agent statuses.
const (
	StatusIdle    = "idle"
	StatusBusy    = "busy"
	StatusOffline = "offline"
	StatusError   = "error"
)

// Agent roles. Spawning with anything outside this vocabulary is rejected.
var Roles = []string{"coordinator", "researcher", "coder", "analyst", "tester", "reviewer"}

func ValidRole(role string) bool {
	return slices.Contains(Roles, role)
}

var ErrAgentBusy = errors.New("agent already has an active task")

// An agent is unresponsive once its heartbeat is older than this.
const responsiveWindow = 60 * time.Second

// Agent owns at most one task at a time, drives it through the
// analysis/execution/validation pipeline, and runs heartbeat, mailbox and
// learning loops while started.
type Agent struct {
	ID   string
	Name string
	Role string

	cfg config.AgentConfig
	st  *store.Store
	mem *memory.Manager
	bus *comms.Bus
	eng *consensus.Engine

	analyzer PatternAnalyzer
	trainer  Trainer
	handlers map[string]ActionHandler

	mu            sync.Mutex
	status        string
	currentTask   *store.Task
	capabilities  []string
	lastHeartbeat time.Time

	inbox  <-chan *store.Message
	runCtx context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type Option func(*Agent)

func WithAnalyzer(p PatternAnalyzer) Option {
	return func(a *Agent) { a.analyzer = p }
}

func WithTrainer(t Trainer) Option {
	return func(a *Agent) { a.trainer = t }
}

func WithHandler(action string, h ActionHandler) Option {
	return func(a *Agent) { a.handlers[action] = h }
}

func New(cfg config.AgentConfig, rec *store.Agent, st *store.Store, mem *memory.Manager, bus *comms.Bus, eng *consensus.Engine, opts ...Option) *Agent {
	a := &Agent{
		ID:           rec.ID,
		Name:         rec.Name,
		Role:         rec.Type,
		cfg:          cfg,
		st:           st,
		mem:          mem,
		bus:          bus,
		eng:          eng,
		status:       StatusIdle,
		capabilities: slices.Clone(rec.Capabilities),
		handlers:     make(map[string]ActionHandler),
	}
	registerDefaultHandlers(a)
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Start registers the agent on the bus and launches its periodic loops.
func (a *Agent) Start(ctx context.Context) error {
	inbox, err := a.bus.RegisterAgent(a.ID, a.Role)
	if err != nil {
		return fmt.Errorf("register on bus: %w", err)
	}
	a.inbox = inbox

	a.runCtx, a.cancel = context.WithCancel(ctx)

	a.mu.Lock()
	a.status = StatusIdle
	a.lastHeartbeat = time.Now()
	a.mu.Unlock()
	if err := a.st.UpdateAgentStatus(a.ID, StatusIdle, ""); err != nil {
		return fmt.Errorf("persist idle status: %w", err)
	}

	a.wg.Add(3)
	go a.heartbeatLoop(a.runCtx)
	go a.mailboxLoop(a.runCtx)
	go a.learningLoop(a.runCtx)

	slog.Info("agent started", "agent", a.ID, "role", a.Role)
	return nil
}

// Stop cancels the loops, leaves the bus and persists offline status.
func (a *Agent) Stop() {
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
	a.bus.UnregisterAgent(a.ID)

	a.mu.Lock()
	a.status = StatusOffline
	a.currentTask = nil
	a.mu.Unlock()
	if err := a.st.UpdateAgentStatus(a.ID, StatusOffline, ""); err != nil {
		slog.Warn("persist offline status failed", "agent", a.ID, "error", err)
	}
	slog.Info("agent stopped", "agent", a.ID)
}

// AssignTask accepts the task if the agent is free. The busy check and
// the transition to busy happen under one lock so two concurrent assigns
// cannot both succeed.
func (a *Agent) AssignTask(task *store.Task) error {
	a.mu.Lock()
	if a.status == StatusBusy || a.currentTask != nil {
		a.mu.Unlock()
		return fmt.Errorf("assign %s to %s: %w", task.ID, a.ID, ErrAgentBusy)
	}
	a.status = StatusBusy
	a.currentTask = task
	a.mu.Unlock()

	if err := a.st.UpdateAgentStatus(a.ID, StatusBusy, task.ID); err != nil {
		a.mu.Lock()
		a.status = StatusIdle
		a.currentTask = nil
		a.mu.Unlock()
		return fmt.Errorf("persist busy status: %w", err)
	}

	ctx := a.runCtx
	if ctx == nil {
		ctx = context.Background()
	}
	a.wg.Add(1)
	go a.runPipeline(ctx, task)
	return nil
}

func (a *Agent) Status() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

func (a *Agent) CurrentTaskID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.currentTask == nil {
		return ""
	}
	return a.currentTask.ID
}

func (a *Agent) Capabilities() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return slices.Clone(a.capabilities)
}

// Responsive reports whether the last heartbeat is recent enough to
// consider the agent alive.
func (a *Agent) Responsive() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return time.Since(a.lastHeartbeat) < responsiveWindow
}

func (a *Agent) setIdle() {
	a.mu.Lock()
	a.status = StatusIdle
	a.currentTask = nil
	a.mu.Unlock()
	if err := a.st.UpdateAgentStatus(a.ID, StatusIdle, ""); err != nil {
		slog.Warn("persist idle status failed", "agent", a.ID, "error", err)
	}
}

func (a *Agent) heartbeatLoop(ctx context.Context) {
	defer a.wg.Done()

	interval := a.cfg.HeartbeatInterval
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
			a.mu.Lock()
			a.lastHeartbeat = time.Now()
			a.mu.Unlock()
			if err := a.st.TouchAgent(a.ID); err != nil {
				slog.Warn("heartbeat persist failed", "agent", a.ID, "error", err)
			}
		}
	}
}

// mailboxLoop processes buffered inbound messages in arrival order.
func (a *Agent) mailboxLoop(ctx context.Context) {
	defer a.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-a.inbox:
			if !ok {
				return
			}
			a.handleMessage(ctx, msg)
		}
	}
}

func (a *Agent) handleMessage(ctx context.Context, msg *store.Message) {
	switch msg.Type {
	case "query":
		if msg.RequiresResponse {
			a.answerQuery(msg)
		}
	case "consensus_request":
		a.handleConsensusRequest(ctx, msg)
	case "progress_update", "task_completed", "task_failed":
		// Swarm chatter; nothing for this agent to do.
	default:
		slog.Debug("unhandled message", "agent", a.ID, "type", msg.Type, "from", msg.From)
	}
}

// answerQuery responds with a snapshot of the agent's state.
func (a *Agent) answerQuery(msg *store.Message) {
	a.mu.Lock()
	snapshot := map[string]any{
		"agent":        a.ID,
		"role":         a.Role,
		"status":       a.status,
		"capabilities": a.capabilities,
	}
	if a.currentTask != nil {
		snapshot["current_task"] = a.currentTask.ID
	}
	a.mu.Unlock()

	payload, err := json.Marshal(snapshot)
	if err != nil {
		return
	}
	if err := a.bus.Respond(msg, payload); err != nil {
		slog.Warn("query response failed", "agent", a.ID, "message", msg.ID, "error", err)
	}
}

// handleConsensusRequest votes on the referenced proposal using the
// capability-overlap policy.
func (a *Agent) handleConsensusRequest(ctx context.Context, msg *store.Message) {
	if a.eng == nil {
		return
	}

	var req struct {
		ProposalID           string   `json:"proposal_id"`
		RequiredCapabilities []string `json:"required_capabilities"`
	}
	if err := json.Unmarshal(msg.Content, &req); err != nil || req.ProposalID == "" {
		slog.Warn("malformed consensus request", "agent", a.ID, "message", msg.ID)
		return
	}

	approve, reason := a.decideVote(req.RequiredCapabilities)
	if _, err := a.eng.Vote(ctx, req.ProposalID, a.ID, approve, reason); err != nil {
		if !errors.Is(err, consensus.ErrProposalClosed) {
			slog.Warn("vote failed", "agent", a.ID, "proposal", req.ProposalID, "error", err)
		}
	}
}

// learningLoop periodically re-analyzes the agent's recent work and
// appends collaborator-suggested capabilities.
func (a *Agent) learningLoop(ctx context.Context) {
	defer a.wg.Done()

	interval := a.cfg.LearningInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.learn(ctx)
		}
	}
}

func (a *Agent) learn(ctx context.Context) {
	if a.analyzer == nil {
		return
	}

	var analysis PatternAnalysis
	found, err := a.mem.Retrieve(ctx, "agent/"+a.ID, "task_analysis", &analysis)
	if err != nil || !found {
		return
	}

	updated, err := a.analyzer.AnalyzePattern(ctx, "recent work of "+a.Role+" agent "+a.ID)
	if err != nil {
		slog.Debug("learning analysis failed", "agent", a.ID, "error", err)
		return
	}

	var added []string
	a.mu.Lock()
	for _, cap := range updated.SuggestedCapabilities {
		if !slices.Contains(a.capabilities, cap) {
			a.capabilities = append(a.capabilities, cap)
			added = append(added, cap)
		}
	}
	caps := slices.Clone(a.capabilities)
	a.mu.Unlock()

	if len(added) == 0 {
		return
	}

	rec, err := a.st.GetAgent(a.ID)
	if err != nil || rec == nil {
		slog.Warn("capability persist skipped", "agent", a.ID, "error", err)
		return
	}
	rec.Capabilities = caps
	if err := a.st.SaveAgent(rec); err != nil {
		slog.Warn("capability persist failed", "agent", a.ID, "error", err)
		return
	}
	slog.Info("agent learned capabilities", "agent", a.ID, "added", added)
}
