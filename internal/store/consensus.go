package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

type Vote struct {
	Approve bool      `json:"approve"`
	Reason  string    `json:"reason,omitempty"`
	Weight  float64   `json:"weight"`
	VotedAt time.Time `json:"voted_at"`
}

type Proposal struct {
	ID                string          `json:"id"`
	SwarmID           string          `json:"swarm_id"`
	TaskID            string          `json:"task_id,omitempty"`
	Proposal          json.RawMessage `json:"proposal"`
	RequiredThreshold float64         `json:"required_threshold"`
	Votes             map[string]Vote `json:"votes"`
	Status            string          `json:"status"`
	DeadlineAt        time.Time       `json:"deadline_at"`
	CreatedAt         time.Time       `json:"created_at"`
}

const proposalColumns = `id, swarm_id, task_id, proposal, required_threshold, votes, status, deadline_at, created_at`

func scanProposal(scanner interface {
	Scan(dest ...any) error
}) (*Proposal, error) {
	p := &Proposal{}
	var taskID sql.NullString
	var payload, votes string
	err := scanner.Scan(&p.ID, &p.SwarmID, &taskID, &payload, &p.RequiredThreshold,
		&votes, &p.Status, &p.DeadlineAt, &p.CreatedAt)
	if err != nil {
		return nil, err
	}
	p.TaskID = taskID.String
	p.Proposal = json.RawMessage(payload)
	if err := json.Unmarshal([]byte(votes), &p.Votes); err != nil {
		return nil, fmt.Errorf("decode votes: %w", err)
	}
	if p.Votes == nil {
		p.Votes = make(map[string]Vote)
	}
	return p, nil
}

func (s *Store) SaveProposal(p *Proposal) error {
	votes, err := json.Marshal(p.Votes)
	if err != nil {
		return fmt.Errorf("encode votes: %w", err)
	}

	var taskID any
	if p.TaskID != "" {
		taskID = p.TaskID
	}

	_, err = s.db.Exec(`
		INSERT INTO proposals (id, swarm_id, task_id, proposal, required_threshold, votes, status, deadline_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			votes = excluded.votes,
			status = excluded.status`,
		p.ID, p.SwarmID, taskID, string(p.Proposal), p.RequiredThreshold,
		string(votes), p.Status, p.DeadlineAt.UTC())
	if err != nil {
		return fmt.Errorf("save proposal: %w", err)
	}
	return nil
}

func (s *Store) GetProposal(id string) (*Proposal, error) {
	row := s.db.QueryRow(`SELECT `+proposalColumns+` FROM proposals WHERE id = ?`, id)
	p, err := scanProposal(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get proposal: %w", err)
	}
	return p, nil
}

func (s *Store) ListProposals(swarmID, status string) ([]Proposal, error) {
	rows, err := s.db.Query(`
		SELECT `+proposalColumns+` FROM proposals
		WHERE swarm_id = ? AND status = ?
		ORDER BY created_at`, swarmID, status)
	if err != nil {
		return nil, fmt.Errorf("list proposals: %w", err)
	}
	defer rows.Close()

	var proposals []Proposal
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, fmt.Errorf("scan proposal: %w", err)
		}
		proposals = append(proposals, *p)
	}
	return proposals, rows.Err()
}

// ListOverduePending returns pending proposals whose deadline passed. The
// deadline sweep marks them expired and publishes events for each.
func (s *Store) ListOverduePending(now time.Time) ([]Proposal, error) {
	rows, err := s.db.Query(`
		SELECT `+proposalColumns+` FROM proposals
		WHERE status = 'pending' AND deadline_at <= datetime(?)`,
		now.UTC().Format("2006-01-02 15:04:05"))
	if err != nil {
		return nil, fmt.Errorf("list overdue proposals: %w", err)
	}
	defer rows.Close()

	var proposals []Proposal
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, fmt.Errorf("scan overdue proposal: %w", err)
		}
		proposals = append(proposals, *p)
	}
	return proposals, rows.Err()
}

func (s *Store) UpdateProposalStatus(id, status string) error {
	_, err := s.db.Exec(`UPDATE proposals SET status = ? WHERE id = ?`, status, id)
	return err
}
