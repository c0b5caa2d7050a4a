package agent

import (
	"context"
	"time"
)

// PatternAnalysis is the capability-analysis collaborator's view of a
// piece of work.
type PatternAnalysis struct {
	Complexity            string        `json:"complexity"` // low | moderate | high
	EstimatedTime         time.Duration `json:"estimated_time"`
	Requirements          []string      `json:"requirements"`
	SuggestedCapabilities []string      `json:"suggested_capabilities"`
}

// PatternAnalyzer is an external, best-effort collaborator. A failed call
// degrades to defaults and is never fatal to the pipeline.
type PatternAnalyzer interface {
	AnalyzePattern(ctx context.Context, description string) (*PatternAnalysis, error)
}

// TrainingRecord summarizes one finished execution for the learning
// collaborator.
type TrainingRecord struct {
	AgentID  string        `json:"agent_id"`
	TaskID   string        `json:"task_id"`
	TaskType string        `json:"task_type"`
	Success  bool          `json:"success"`
	Duration time.Duration `json:"duration"`
}

// Trainer receives execution outcomes fire-and-forget. Failures are
// logged only.
type Trainer interface {
	TrainOnExecution(ctx context.Context, rec TrainingRecord) error
}

func defaultAnalysis() *PatternAnalysis {
	return &PatternAnalysis{
		Complexity:    "moderate",
		EstimatedTime: 5 * time.Minute,
	}
}
