package swarm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hivegrid/hivegrid/internal/agent"
	"github.com/hivegrid/hivegrid/internal/comms"
	"github.com/hivegrid/hivegrid/internal/config"
	"github.com/hivegrid/hivegrid/internal/consensus"
	"github.com/hivegrid/hivegrid/internal/memory"
	"github.com/hivegrid/hivegrid/internal/store"
)

var (
	ErrSwarmFull     = errors.New("swarm is at max agents")
	ErrInvalidRole   = errors.New("invalid agent role")
	ErrAgentNotFound = errors.New("agent not found")
	ErrTaskNotFound  = errors.New("task not found")
	ErrTaskTerminal  = errors.New("task is in a terminal state")
)

// TaskSpec is the caller-facing shape of a new unit of work.
type TaskSpec struct {
	Description  string   `json:"description"`
	Type         string   `json:"type"`
	Priority     string   `json:"priority"`
	Strategy     string   `json:"strategy"`
	Dependencies []string `json:"dependencies,omitempty"`
}

// Coordinator owns the agent registry and the task dispatch policy for
// one swarm. All check-then-set sequences across the agent and task
// tables run under its mutex.
type Coordinator struct {
	cfg      config.SwarmConfig
	agentCfg config.AgentConfig
	st       *store.Store
	mem      *memory.Manager
	bus      *comms.Bus
	eng      *consensus.Engine

	agentOpts []agent.Option

	mu     sync.Mutex
	swarm  *store.Swarm
	agents map[string]*agent.Agent
}

func New(cfg config.SwarmConfig, agentCfg config.AgentConfig, st *store.Store, mem *memory.Manager, bus *comms.Bus, eng *consensus.Engine, agentOpts ...agent.Option) *Coordinator {
	return &Coordinator{
		cfg:       cfg,
		agentCfg:  agentCfg,
		st:        st,
		mem:       mem,
		bus:       bus,
		eng:       eng,
		agentOpts: agentOpts,
		agents:    make(map[string]*agent.Agent),
	}
}

// CreateSwarm persists the swarm the coordinator will manage. Reusing an
// existing id adopts that swarm instead of failing.
func (c *Coordinator) CreateSwarm(id, name string, consensusThreshold float64) (*store.Swarm, error) {
	if id == "" {
		id = uuid.New().String()
	}
	if consensusThreshold <= 0 || consensusThreshold > 1 {
		consensusThreshold = 0.6
	}

	sw := &store.Swarm{
		ID:                 id,
		Name:               name,
		Topology:           "mesh",
		MaxAgents:          c.cfg.MaxAgents,
		ConsensusThreshold: consensusThreshold,
		IsActive:           true,
	}
	if err := c.st.SaveSwarm(sw); err != nil {
		return nil, fmt.Errorf("create swarm: %w", err)
	}

	c.mu.Lock()
	c.swarm = sw
	c.mu.Unlock()

	slog.Info("swarm created", "swarm", id, "name", name)
	return sw, nil
}

func (c *Coordinator) swarmID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.swarm == nil {
		return ""
	}
	return c.swarm.ID
}

// SpawnAgent creates, persists and starts a new agent, enforcing the
// swarm's max agent count.
func (c *Coordinator) SpawnAgent(ctx context.Context, role string, capabilities []string) (string, error) {
	if !agent.ValidRole(role) {
		return "", fmt.Errorf("spawn %q: %w", role, ErrInvalidRole)
	}

	c.mu.Lock()
	if c.swarm == nil {
		c.mu.Unlock()
		return "", errors.New("no swarm created")
	}
	if c.swarm.MaxAgents > 0 && len(c.agents) >= c.swarm.MaxAgents {
		c.mu.Unlock()
		return "", fmt.Errorf("spawn %s (%d running): %w", role, len(c.agents), ErrSwarmFull)
	}

	id := uuid.New().String()
	rec := &store.Agent{
		ID:           id,
		SwarmID:      c.swarm.ID,
		Name:         role + "-" + id[:8],
		Type:         role,
		Status:       agent.StatusIdle,
		Capabilities: capabilities,
	}
	// Reserve the slot before unlocking so concurrent spawns see the count.
	c.agents[id] = nil
	c.mu.Unlock()

	if err := c.st.SaveAgent(rec); err != nil {
		c.dropAgent(id)
		return "", fmt.Errorf("persist agent: %w", err)
	}

	a := agent.New(c.agentCfg, rec, c.st, c.mem, c.bus, c.eng, c.agentOpts...)
	if err := a.Start(ctx); err != nil {
		c.dropAgent(id)
		return "", fmt.Errorf("start agent: %w", err)
	}

	c.mu.Lock()
	c.agents[id] = a
	c.mu.Unlock()

	slog.Info("agent spawned", "agent", id, "role", role)
	return id, nil
}

func (c *Coordinator) dropAgent(id string) {
	c.mu.Lock()
	delete(c.agents, id)
	c.mu.Unlock()
}

// TerminateAgent stops the agent and removes its record.
func (c *Coordinator) TerminateAgent(id string) error {
	c.mu.Lock()
	a, ok := c.agents[id]
	delete(c.agents, id)
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("terminate %s: %w", id, ErrAgentNotFound)
	}

	if a != nil {
		a.Stop()
	}
	if err := c.st.DeleteAgent(id); err != nil {
		return fmt.Errorf("delete agent record: %w", err)
	}
	slog.Info("agent terminated", "agent", id)
	return nil
}

// SubmitTask persists a pending task and returns its id. Assignment is
// either explicit via AssignTask or picked up by the dispatch loop.
func (c *Coordinator) SubmitTask(spec TaskSpec) (string, error) {
	if spec.Description == "" {
		return "", errors.New("task needs a description")
	}
	if spec.Priority == "" {
		spec.Priority = "medium"
	}

	task := &store.Task{
		ID:           uuid.New().String(),
		SwarmID:      c.swarmID(),
		Description:  spec.Description,
		Type:         spec.Type,
		Priority:     spec.Priority,
		Strategy:     spec.Strategy,
		Status:       "pending",
		Dependencies: spec.Dependencies,
	}
	if err := c.st.SaveTask(task); err != nil {
		return "", fmt.Errorf("persist task: %w", err)
	}
	slog.Info("task submitted", "task", task.ID, "priority", task.Priority)
	return task.ID, nil
}

// AssignTask hands a pending task to a specific agent. The eligibility
// checks and the status flip happen under one lock.
func (c *Coordinator) AssignTask(agentID, taskID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.assignLocked(agentID, taskID)
}

func (c *Coordinator) assignLocked(agentID, taskID string) error {
	a, ok := c.agents[agentID]
	if !ok || a == nil {
		return fmt.Errorf("assign to %s: %w", agentID, ErrAgentNotFound)
	}

	task, err := c.st.GetTask(taskID)
	if err != nil {
		return fmt.Errorf("load task: %w", err)
	}
	if task == nil {
		return fmt.Errorf("assign %s: %w", taskID, ErrTaskNotFound)
	}
	if task.Status != "pending" {
		return fmt.Errorf("assign %s in status %s: %w", taskID, task.Status, ErrTaskTerminal)
	}

	ok, err = c.dependenciesSatisfied(task)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("assign %s: dependencies not satisfied", taskID)
	}

	task.Status = "assigned"
	task.AssignedAgents = append(task.AssignedAgents, agentID)
	if err := c.st.SaveTask(task); err != nil {
		return fmt.Errorf("mark task assigned: %w", err)
	}

	if err := a.AssignTask(task); err != nil {
		// Roll the task back so the dispatch loop can retry elsewhere.
		task.Status = "pending"
		task.AssignedAgents = task.AssignedAgents[:len(task.AssignedAgents)-1]
		if saveErr := c.st.SaveTask(task); saveErr != nil {
			slog.Error("task rollback failed", "task", taskID, "error", saveErr)
		}
		return err
	}
	return nil
}

func (c *Coordinator) dependenciesSatisfied(task *store.Task) (bool, error) {
	for _, dep := range task.Dependencies {
		depTask, err := c.st.GetTask(dep)
		if err != nil {
			return false, fmt.Errorf("load dependency %s: %w", dep, err)
		}
		if depTask == nil || depTask.Status != "completed" {
			return false, nil
		}
	}
	return true, nil
}

// CancelTask marks the task cancelled and announces it. An in-flight
// phase is not interrupted; the executing agent observes the status
// between phases.
func (c *Coordinator) CancelTask(taskID string) error {
	task, err := c.st.GetTask(taskID)
	if err != nil {
		return fmt.Errorf("load task: %w", err)
	}
	if task == nil {
		return fmt.Errorf("cancel %s: %w", taskID, ErrTaskNotFound)
	}
	if task.Status == "completed" || task.Status == "failed" || task.Status == "cancelled" {
		return fmt.Errorf("cancel %s in status %s: %w", taskID, task.Status, ErrTaskTerminal)
	}

	if err := c.st.UpdateTaskStatus(taskID, "cancelled"); err != nil {
		return fmt.Errorf("mark cancelled: %w", err)
	}

	content, _ := json.Marshal(map[string]string{"task": taskID})
	if err := c.bus.SendToChannel("coordinator", "coordination", "task_cancelled", content); err != nil {
		slog.Warn("cancel announcement failed", "task", taskID, "error", err)
	}
	return nil
}

// RetryTask creates a fresh pending task referencing a failed or
// cancelled original. The original row is never mutated.
func (c *Coordinator) RetryTask(taskID string) (string, error) {
	orig, err := c.st.GetTask(taskID)
	if err != nil {
		return "", fmt.Errorf("load task: %w", err)
	}
	if orig == nil {
		return "", fmt.Errorf("retry %s: %w", taskID, ErrTaskNotFound)
	}
	if orig.Status != "failed" && orig.Status != "cancelled" {
		return "", fmt.Errorf("retry %s in status %s: only failed or cancelled tasks can be retried", taskID, orig.Status)
	}

	retry := &store.Task{
		ID:           uuid.New().String(),
		SwarmID:      orig.SwarmID,
		Description:  orig.Description,
		Type:         orig.Type,
		Priority:     orig.Priority,
		Strategy:     orig.Strategy,
		Status:       "pending",
		Dependencies: orig.Dependencies,
		RetryOf:      orig.ID,
	}
	if err := c.st.SaveTask(retry); err != nil {
		return "", fmt.Errorf("persist retry: %w", err)
	}
	slog.Info("task retried", "original", orig.ID, "retry", retry.ID)
	return retry.ID, nil
}

// Run drives the dispatch loop until the context is cancelled.
func (c *Coordinator) Run(ctx context.Context) {
	interval := c.cfg.AssignInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.DispatchPending()
		}
	}
}

// DispatchPending assigns every ready pending task to an idle capable
// agent, highest task priority first.
func (c *Coordinator) DispatchPending() {
	pending, err := c.st.ListTasksByStatus(c.swarmID(), "pending")
	if err != nil {
		slog.Warn("pending task scan failed", "error", err)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for i := range pending {
		task := &pending[i]

		ready, err := c.dependenciesSatisfied(task)
		if err != nil || !ready {
			continue
		}

		agentID := c.pickAgentLocked(task)
		if agentID == "" {
			continue
		}
		if err := c.assignLocked(agentID, task.ID); err != nil {
			slog.Debug("dispatch attempt failed", "task", task.ID, "agent", agentID, "error", err)
		}
	}
}

// pickAgentLocked returns an idle, responsive agent whose capabilities
// cover the task type, or "" when none is free.
func (c *Coordinator) pickAgentLocked(task *store.Task) string {
	for id, a := range c.agents {
		if a == nil || a.Status() != agent.StatusIdle || !a.Responsive() {
			continue
		}
		if capableOf(a.Capabilities(), task.Type) {
			return id
		}
	}
	return ""
}

func capableOf(capabilities []string, taskType string) bool {
	if taskType == "" || len(capabilities) == 0 {
		return true
	}
	return slices.Contains(capabilities, taskType)
}

// AgentView is the status snapshot of one agent.
type AgentView struct {
	ID           string   `json:"id"`
	Role         string   `json:"role"`
	Status       string   `json:"status"`
	Responsive   bool     `json:"responsive"`
	CurrentTask  string   `json:"current_task,omitempty"`
	Capabilities []string `json:"capabilities"`
}

// StatusReport aggregates the swarm's moving parts for operators.
type StatusReport struct {
	Swarm   *store.Swarm        `json:"swarm"`
	Agents  []AgentView         `json:"agents"`
	Tasks   map[string]int      `json:"tasks"`
	Memory  memory.Stats        `json:"memory"`
	Health  memory.HealthReport `json:"memory_health"`
	Comms   comms.Stats         `json:"comms"`
	Durable bool                `json:"durable"`
}

func (c *Coordinator) GetStatus() (*StatusReport, error) {
	c.mu.Lock()
	sw := c.swarm
	views := make([]AgentView, 0, len(c.agents))
	for id, a := range c.agents {
		if a == nil {
			continue
		}
		views = append(views, AgentView{
			ID:           id,
			Role:         a.Role,
			Status:       a.Status(),
			Responsive:   a.Responsive(),
			CurrentTask:  a.CurrentTaskID(),
			Capabilities: a.Capabilities(),
		})
	}
	c.mu.Unlock()

	slices.SortFunc(views, func(x, y AgentView) int {
		if x.ID < y.ID {
			return -1
		}
		return 1
	})

	var swarmID string
	if sw != nil {
		swarmID = sw.ID
	}
	tasks, err := c.st.CountTasksByStatus(swarmID)
	if err != nil {
		return nil, fmt.Errorf("task counts: %w", err)
	}

	return &StatusReport{
		Swarm:   sw,
		Agents:  views,
		Tasks:   tasks,
		Memory:  c.mem.Stats(),
		Health:  c.mem.HealthCheck(),
		Comms:   c.bus.Stats(),
		Durable: c.st.Durable(),
	}, nil
}

// Shutdown stops every agent and deactivates the swarm row.
func (c *Coordinator) Shutdown() {
	c.mu.Lock()
	agents := make([]*agent.Agent, 0, len(c.agents))
	for _, a := range c.agents {
		if a != nil {
			agents = append(agents, a)
		}
	}
	c.agents = make(map[string]*agent.Agent)
	sw := c.swarm
	c.mu.Unlock()

	for _, a := range agents {
		a.Stop()
	}
	if sw != nil {
		if err := c.st.SetSwarmActive(sw.ID, false); err != nil {
			slog.Warn("swarm deactivate failed", "swarm", sw.ID, "error", err)
		}
	}
}
