package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

type Message struct {
	ID               string          `json:"id"`
	SwarmID          string          `json:"swarm_id"`
	From             string          `json:"from"`
	To               string          `json:"to,omitempty"` // empty = broadcast
	Type             string          `json:"type"`
	Content          json.RawMessage `json:"content,omitempty"`
	Priority         string          `json:"priority"`
	RequiresResponse bool            `json:"requires_response"`
	DeliveredAt      *time.Time      `json:"delivered_at,omitempty"`
	ReadAt           *time.Time      `json:"read_at,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
}

const messageColumns = `id, swarm_id, from_agent, to_agent, type, content, priority, requires_response, delivered_at, read_at, created_at`

func scanMessage(scanner interface {
	Scan(dest ...any) error
}) (*Message, error) {
	m := &Message{}
	var to, content sql.NullString
	err := scanner.Scan(&m.ID, &m.SwarmID, &m.From, &to, &m.Type, &content,
		&m.Priority, &m.RequiresResponse, &m.DeliveredAt, &m.ReadAt, &m.CreatedAt)
	if err != nil {
		return nil, err
	}
	m.To = to.String
	if content.Valid {
		m.Content = json.RawMessage(content.String)
	}
	return m, nil
}

func (s *Store) SaveMessage(m *Message) error {
	st, err := s.stmt("save_message", `
		INSERT INTO messages (id, swarm_id, from_agent, to_agent, type, content, priority, requires_response)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}

	var to, content any
	if m.To != "" {
		to = m.To
	}
	if len(m.Content) > 0 {
		content = string(m.Content)
	}
	if _, err := st.Exec(m.ID, m.SwarmID, m.From, to, m.Type, content,
		m.Priority, m.RequiresResponse); err != nil {
		return fmt.Errorf("save message: %w", err)
	}
	return nil
}

func (s *Store) MarkMessageDelivered(id string) error {
	st, err := s.stmt("mark_delivered",
		`UPDATE messages SET delivered_at = CURRENT_TIMESTAMP WHERE id = ?`)
	if err != nil {
		return err
	}
	_, err = st.Exec(id)
	return err
}

func (s *Store) MarkMessageRead(id string) error {
	st, err := s.stmt("mark_read",
		`UPDATE messages SET read_at = CURRENT_TIMESTAMP WHERE id = ?`)
	if err != nil {
		return err
	}
	_, err = st.Exec(id)
	return err
}

func (s *Store) GetMessage(id string) (*Message, error) {
	row := s.db.QueryRow(`SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get message: %w", err)
	}
	return m, nil
}

func (s *Store) ListMessages(swarmID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT `+messageColumns+` FROM messages
		WHERE swarm_id = ?
		ORDER BY created_at DESC
		LIMIT ?`, swarmID, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, *m)
	}

	// Reverse to get chronological order
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}

	return messages, rows.Err()
}

func (s *Store) CountMessages(swarmID string) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM messages WHERE swarm_id = ?`, swarmID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}
