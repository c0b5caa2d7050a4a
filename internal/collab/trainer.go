package collab

import (
	"context"
	"fmt"

	"github.com/hivegrid/hivegrid/internal/agent"
	"github.com/hivegrid/hivegrid/internal/store"
)

// MetricsTrainer records training outcomes as metric rows so later runs
// can mine them. It stands in for a real model-training service.
type MetricsTrainer struct {
	st      *store.Store
	swarmID string
}

func NewMetricsTrainer(st *store.Store, swarmID string) *MetricsTrainer {
	return &MetricsTrainer{st: st, swarmID: swarmID}
}

func (t *MetricsTrainer) TrainOnExecution(ctx context.Context, rec agent.TrainingRecord) error {
	name := "training_failure"
	value := 0.0
	if rec.Success {
		name = "training_success"
		value = rec.Duration.Seconds()
	}
	if err := t.st.SaveMetric(t.swarmID, name, value); err != nil {
		return fmt.Errorf("record training outcome: %w", err)
	}
	return nil
}

// MetricsSink is the memory subsystem's analytics sink: every write is
// counted as a metric row keyed by namespace.
type MetricsSink struct {
	st      *store.Store
	swarmID string
}

func NewMetricsSink(st *store.Store, swarmID string) *MetricsSink {
	return &MetricsSink{st: st, swarmID: swarmID}
}

func (s *MetricsSink) RecordWrite(ctx context.Context, namespace, key string, size int) error {
	return s.st.SaveMetric(s.swarmID, "memory_write_bytes", float64(size))
}
