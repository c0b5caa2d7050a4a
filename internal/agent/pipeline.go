package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/hivegrid/hivegrid/internal/comms"
	"github.com/hivegrid/hivegrid/internal/store"
)

// ActionHandler executes one action from the execution plan and returns
// its result payload.
type ActionHandler func(ctx context.Context, task *store.Task, analysis *PatternAnalysis) (json.RawMessage, error)

type pipelineState struct {
	task     *store.Task
	analysis *PatternAnalysis
	results  map[string]json.RawMessage
	started  time.Time
}

type phase struct {
	name string
	run  func(ctx context.Context, ps *pipelineState) error
}

// runPipeline drives the task through analysis, execution and validation.
// Progress is persisted and announced after each phase; cancellation is
// observed between phases, never mid-phase.
func (a *Agent) runPipeline(ctx context.Context, task *store.Task) {
	defer a.wg.Done()

	if err := a.st.UpdateTaskStatus(task.ID, "in_progress"); err != nil {
		slog.Warn("mark task in progress failed", "task", task.ID, "error", err)
	}

	ps := &pipelineState{
		task:    task,
		results: make(map[string]json.RawMessage),
		started: time.Now(),
	}
	phases := a.phasesFor(task)

	for i, ph := range phases {
		if a.taskCancelled(task.ID) {
			slog.Info("task cancelled, releasing agent", "agent", a.ID, "task", task.ID)
			a.setIdle()
			return
		}
		select {
		case <-ctx.Done():
			a.setIdle()
			return
		default:
		}

		if err := ph.run(ctx, ps); err != nil {
			a.failTask(task, fmt.Sprintf("%s phase: %v", ph.name, err))
			return
		}

		progress := float64(i+1) / float64(len(phases)) * 100
		if err := a.st.UpdateTaskProgress(task.ID, progress); err != nil {
			slog.Warn("progress persist failed", "task", task.ID, "error", err)
		}
		a.announce("progress_update", map[string]any{
			"task":     task.ID,
			"phase":    ph.name,
			"progress": progress,
		}, comms.PriorityNormal)
	}

	result, err := json.Marshal(ps.results)
	if err != nil {
		a.failTask(task, fmt.Sprintf("encode result: %v", err))
		return
	}
	if err := a.st.CompleteTask(task.ID, result); err != nil {
		slog.Warn("complete task persist failed", "task", task.ID, "error", err)
	}
	if err := a.st.IncrementAgentSuccess(a.ID); err != nil {
		slog.Warn("success counter update failed", "agent", a.ID, "error", err)
	}
	a.announce("task_completed", map[string]any{"task": task.ID}, comms.PriorityHigh)
	a.train(task, true, time.Since(ps.started))
	a.setIdle()
	slog.Info("task completed", "agent", a.ID, "task", task.ID)
}

// phasesFor selects the pipeline for the task's strategy. The direct
// strategy skips analysis for work that arrives pre-planned.
func (a *Agent) phasesFor(task *store.Task) []phase {
	all := []phase{
		{"analysis", a.phaseAnalysis},
		{"execution", a.phaseExecution},
		{"validation", a.phaseValidation},
	}
	if task.Strategy == "direct" {
		return all[1:]
	}
	return all
}

func (a *Agent) taskCancelled(taskID string) bool {
	cur, err := a.st.GetTask(taskID)
	if err != nil || cur == nil {
		return false
	}
	return cur.Status == "cancelled"
}

// failTask records the fault and returns the agent to idle. Retry is a
// coordinator decision, never the agent's.
func (a *Agent) failTask(task *store.Task, reason string) {
	slog.Warn("task failed", "agent", a.ID, "task", task.ID, "reason", reason)

	if err := a.st.FailTask(task.ID, reason); err != nil {
		slog.Warn("fail task persist failed", "task", task.ID, "error", err)
	}
	if err := a.st.IncrementAgentError(a.ID); err != nil {
		slog.Warn("error counter update failed", "agent", a.ID, "error", err)
	}
	a.announce("task_failed", map[string]any{"task": task.ID, "error": reason}, comms.PriorityHigh)
	a.train(task, false, 0)
	a.setIdle()
}

func (a *Agent) announce(msgType string, payload map[string]any, priority string) {
	content, err := json.Marshal(payload)
	if err != nil {
		return
	}
	if err := a.bus.Broadcast(a.ID, msgType, content, priority); err != nil {
		slog.Warn("broadcast failed", "agent", a.ID, "type", msgType, "error", err)
	}
}

// train hands the outcome to the learning collaborator fire-and-forget.
func (a *Agent) train(task *store.Task, success bool, duration time.Duration) {
	if a.trainer == nil {
		return
	}
	rec := TrainingRecord{
		AgentID:  a.ID,
		TaskID:   task.ID,
		TaskType: task.Type,
		Success:  success,
		Duration: duration,
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.trainer.TrainOnExecution(ctx, rec); err != nil {
			slog.Warn("training failed", "agent", a.ID, "task", task.ID, "error", err)
		}
	}()
}

// phaseAnalysis consults the capability-analysis collaborator and caches
// the result. Collaborator failure degrades to defaults.
func (a *Agent) phaseAnalysis(ctx context.Context, ps *pipelineState) error {
	analysis := defaultAnalysis()
	if a.analyzer != nil {
		got, err := a.analyzer.AnalyzePattern(ctx, ps.task.Description)
		if err != nil {
			slog.Warn("pattern analysis failed, using defaults", "task", ps.task.ID, "error", err)
		} else if got != nil {
			analysis = got
		}
	}
	ps.analysis = analysis

	if err := a.mem.Store(ctx, "agent/"+a.ID, "task_analysis", analysis, 0); err != nil {
		slog.Warn("cache analysis failed", "agent", a.ID, "error", err)
	}
	return nil
}

// phaseExecution dispatches each planned action to its handler.
func (a *Agent) phaseExecution(ctx context.Context, ps *pipelineState) error {
	for _, action := range a.executionPlan(ps) {
		handler, ok := a.handlers[action]
		if !ok {
			handler = a.handlers["execute"]
		}
		result, err := handler(ctx, ps.task, ps.analysis)
		if err != nil {
			return fmt.Errorf("action %s: %w", action, err)
		}
		ps.results[action] = result
	}
	return nil
}

// executionPlan derives the action list from the analysis requirements,
// falling back to the task type.
func (a *Agent) executionPlan(ps *pipelineState) []string {
	if ps.analysis != nil && len(ps.analysis.Requirements) > 0 {
		return ps.analysis.Requirements
	}
	if ps.task.Type != "" {
		return []string{ps.task.Type}
	}
	return []string{"execute"}
}

// phaseValidation runs the completeness, quality and performance checks.
// Any false check fails the task.
func (a *Agent) phaseValidation(ctx context.Context, ps *pipelineState) error {
	if len(ps.results) == 0 {
		return fmt.Errorf("completeness check: no action produced a result")
	}
	for action, result := range ps.results {
		if !json.Valid(result) {
			return fmt.Errorf("quality check: action %s produced invalid output", action)
		}
	}
	if ps.analysis != nil && ps.analysis.EstimatedTime > 0 {
		if elapsed := time.Since(ps.started); elapsed > 4*ps.analysis.EstimatedTime {
			return fmt.Errorf("performance check: took %v against estimate %v", elapsed, ps.analysis.EstimatedTime)
		}
	}
	return nil
}

// registerDefaultHandlers installs the built-in action set. "execute" is
// the fallback for actions without a dedicated handler.
func registerDefaultHandlers(a *Agent) {
	generic := func(action string) ActionHandler {
		return func(ctx context.Context, task *store.Task, analysis *PatternAnalysis) (json.RawMessage, error) {
			out, err := json.Marshal(map[string]any{
				"action": action,
				"task":   task.ID,
				"agent":  a.ID,
				"status": "done",
			})
			return out, err
		}
	}
	for _, action := range []string{"execute", "research", "code", "analyze", "test", "review"} {
		a.handlers[action] = generic(action)
	}
}
