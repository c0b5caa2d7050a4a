package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

type Agent struct {
	ID            string    `json:"id"`
	SwarmID       string    `json:"swarm_id"`
	Name          string    `json:"name"`
	Type          string    `json:"type"`
	Status        string    `json:"status"`
	Capabilities  []string  `json:"capabilities"`
	CurrentTaskID string    `json:"current_task_id,omitempty"`
	SuccessCount  int       `json:"success_count"`
	ErrorCount    int       `json:"error_count"`
	MessageCount  int       `json:"message_count"`
	CreatedAt     time.Time `json:"created_at"`
	LastActiveAt  time.Time `json:"last_active_at"`
}

const agentColumns = `id, swarm_id, name, type, status, capabilities, current_task_id, success_count, error_count, message_count, created_at, last_active_at`

func scanAgent(scanner interface {
	Scan(dest ...any) error
}) (*Agent, error) {
	a := &Agent{}
	var caps string
	var currentTask sql.NullString
	err := scanner.Scan(&a.ID, &a.SwarmID, &a.Name, &a.Type, &a.Status, &caps,
		&currentTask, &a.SuccessCount, &a.ErrorCount, &a.MessageCount, &a.CreatedAt, &a.LastActiveAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(caps), &a.Capabilities); err != nil {
		return nil, fmt.Errorf("decode capabilities: %w", err)
	}
	a.CurrentTaskID = currentTask.String
	return a, nil
}

func (s *Store) SaveAgent(a *Agent) error {
	caps, err := json.Marshal(a.Capabilities)
	if err != nil {
		return fmt.Errorf("encode capabilities: %w", err)
	}

	var currentTask any
	if a.CurrentTaskID != "" {
		currentTask = a.CurrentTaskID
	}

	_, err = s.db.Exec(`
		INSERT INTO agents (id, swarm_id, name, type, status, capabilities, current_task_id)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			status = excluded.status,
			capabilities = excluded.capabilities,
			current_task_id = excluded.current_task_id,
			last_active_at = CURRENT_TIMESTAMP`,
		a.ID, a.SwarmID, a.Name, a.Type, a.Status, string(caps), currentTask)
	if err != nil {
		return fmt.Errorf("save agent: %w", err)
	}
	return nil
}

func (s *Store) GetAgent(id string) (*Agent, error) {
	row := s.db.QueryRow(`SELECT `+agentColumns+` FROM agents WHERE id = ?`, id)
	a, err := scanAgent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get agent: %w", err)
	}
	return a, nil
}

func (s *Store) ListAgents(swarmID string) ([]Agent, error) {
	rows, err := s.db.Query(`SELECT `+agentColumns+` FROM agents WHERE swarm_id = ? ORDER BY created_at`, swarmID)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var agents []Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		agents = append(agents, *a)
	}
	return agents, rows.Err()
}

func (s *Store) UpdateAgentStatus(id, status, currentTaskID string) error {
	var currentTask any
	if currentTaskID != "" {
		currentTask = currentTaskID
	}
	_, err := s.db.Exec(`
		UPDATE agents SET status = ?, current_task_id = ?, last_active_at = CURRENT_TIMESTAMP
		WHERE id = ?`, status, currentTask, id)
	return err
}

// TouchAgent refreshes the liveness timestamp. Called from the heartbeat
// loop, so it goes through the statement cache.
func (s *Store) TouchAgent(id string) error {
	st, err := s.stmt("touch_agent",
		`UPDATE agents SET last_active_at = CURRENT_TIMESTAMP WHERE id = ?`)
	if err != nil {
		return err
	}
	_, err = st.Exec(id)
	return err
}

func (s *Store) IncrementAgentSuccess(id string) error {
	_, err := s.db.Exec(`UPDATE agents SET success_count = success_count + 1 WHERE id = ?`, id)
	return err
}

func (s *Store) IncrementAgentError(id string) error {
	_, err := s.db.Exec(`UPDATE agents SET error_count = error_count + 1 WHERE id = ?`, id)
	return err
}

func (s *Store) IncrementAgentMessages(id string) error {
	st, err := s.stmt("incr_agent_messages",
		`UPDATE agents SET message_count = message_count + 1 WHERE id = ?`)
	if err != nil {
		return err
	}
	_, err = st.Exec(id)
	return err
}

func (s *Store) DeleteAgent(id string) error {
	_, err := s.db.Exec(`DELETE FROM agents WHERE id = ?`, id)
	return err
}
