package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

type Task struct {
	ID             string          `json:"id"`
	SwarmID        string          `json:"swarm_id"`
	Description    string          `json:"description"`
	Type           string          `json:"type"`
	Priority       string          `json:"priority"`
	Strategy       string          `json:"strategy"`
	Status         string          `json:"status"`
	Dependencies   []string        `json:"dependencies"`
	AssignedAgents []string        `json:"assigned_agents"`
	Progress       float64         `json:"progress"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          string          `json:"error,omitempty"`
	RetryOf        string          `json:"retry_of,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
}

const taskColumns = `id, swarm_id, description, type, priority, strategy, status, dependencies, assigned_agents, progress, result, error, retry_of, created_at, completed_at`

func scanStoredTask(scanner interface {
	Scan(dest ...any) error
}) (*Task, error) {
	t := &Task{}
	var deps, assigned string
	var result, errText, retryOf sql.NullString
	err := scanner.Scan(&t.ID, &t.SwarmID, &t.Description, &t.Type, &t.Priority, &t.Strategy,
		&t.Status, &deps, &assigned, &t.Progress, &result, &errText, &retryOf, &t.CreatedAt, &t.CompletedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(deps), &t.Dependencies); err != nil {
		return nil, fmt.Errorf("decode dependencies: %w", err)
	}
	if err := json.Unmarshal([]byte(assigned), &t.AssignedAgents); err != nil {
		return nil, fmt.Errorf("decode assigned agents: %w", err)
	}
	if result.Valid {
		t.Result = json.RawMessage(result.String)
	}
	t.Error = errText.String
	t.RetryOf = retryOf.String
	return t, nil
}

func (s *Store) SaveTask(t *Task) error {
	deps, err := json.Marshal(t.Dependencies)
	if err != nil {
		return fmt.Errorf("encode dependencies: %w", err)
	}
	assigned, err := json.Marshal(t.AssignedAgents)
	if err != nil {
		return fmt.Errorf("encode assigned agents: %w", err)
	}

	var retryOf any
	if t.RetryOf != "" {
		retryOf = t.RetryOf
	}

	_, err = s.db.Exec(`
		INSERT INTO tasks (id, swarm_id, description, type, priority, strategy, status, dependencies, assigned_agents, progress, retry_of)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			description = excluded.description,
			priority = excluded.priority,
			strategy = excluded.strategy,
			status = excluded.status,
			dependencies = excluded.dependencies,
			assigned_agents = excluded.assigned_agents`,
		t.ID, t.SwarmID, t.Description, t.Type, t.Priority, t.Strategy, t.Status,
		string(deps), string(assigned), t.Progress, retryOf)
	if err != nil {
		return fmt.Errorf("save task: %w", err)
	}
	return nil
}

func (s *Store) GetTask(id string) (*Task, error) {
	row := s.db.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanStoredTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

func (s *Store) ListTasks(swarmID string) ([]Task, error) {
	rows, err := s.db.Query(`SELECT `+taskColumns+` FROM tasks WHERE swarm_id = ? ORDER BY created_at`, swarmID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

func (s *Store) ListTasksByStatus(swarmID, status string) ([]Task, error) {
	rows, err := s.db.Query(`
		SELECT `+taskColumns+` FROM tasks
		WHERE swarm_id = ? AND status = ?
		ORDER BY CASE priority
			WHEN 'critical' THEN 0
			WHEN 'high' THEN 1
			WHEN 'medium' THEN 2
			ELSE 3
		END, created_at`, swarmID, status)
	if err != nil {
		return nil, fmt.Errorf("list tasks by status: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

func collectTasks(rows *sql.Rows) ([]Task, error) {
	var tasks []Task
	for rows.Next() {
		t, err := scanStoredTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

func (s *Store) UpdateTaskStatus(id, status string) error {
	_, err := s.db.Exec(`
		UPDATE tasks
		SET status = ?,
		    completed_at = CASE WHEN ? IN ('completed', 'failed', 'cancelled') THEN CURRENT_TIMESTAMP ELSE completed_at END
		WHERE id = ?`, status, status, id)
	return err
}

// UpdateTaskProgress raises the progress percentage. MAX() keeps progress
// monotonically non-decreasing even if phase reports arrive out of order.
func (s *Store) UpdateTaskProgress(id string, progress float64) error {
	st, err := s.stmt("update_task_progress",
		`UPDATE tasks SET progress = MAX(progress, ?) WHERE id = ? AND status = 'in_progress'`)
	if err != nil {
		return err
	}
	_, err = st.Exec(progress, id)
	return err
}

func (s *Store) CompleteTask(id string, result json.RawMessage) error {
	_, err := s.db.Exec(`
		UPDATE tasks
		SET status = 'completed', progress = 100, result = ?, completed_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status NOT IN ('completed', 'failed')`, string(result), id)
	return err
}

func (s *Store) FailTask(id, errText string) error {
	_, err := s.db.Exec(`
		UPDATE tasks
		SET status = 'failed', error = ?, completed_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status NOT IN ('completed', 'failed')`, errText, id)
	return err
}

func (s *Store) CountTasksByStatus(swarmID string) (map[string]int, error) {
	rows, err := s.db.Query(`
		SELECT status, COUNT(*) FROM tasks WHERE swarm_id = ? GROUP BY status`, swarmID)
	if err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan task count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}
