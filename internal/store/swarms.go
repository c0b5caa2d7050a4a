package store

import (
	"database/sql"
	"fmt"
	"time"
)

type Swarm struct {
	ID                 string        `json:"id"`
	Name               string        `json:"name"`
	Topology           string        `json:"topology"`
	QueenMode          bool          `json:"queen_mode"`
	MaxAgents          int           `json:"max_agents"`
	ConsensusThreshold float64       `json:"consensus_threshold"`
	MemoryTTL          time.Duration `json:"memory_ttl"`
	IsActive           bool          `json:"is_active"`
	CreatedAt          time.Time     `json:"created_at"`
}

const swarmColumns = `id, name, topology, queen_mode, max_agents, consensus_threshold, memory_ttl_secs, is_active, created_at`

func scanSwarm(scanner interface {
	Scan(dest ...any) error
}) (*Swarm, error) {
	sw := &Swarm{}
	var ttlSecs int64
	err := scanner.Scan(&sw.ID, &sw.Name, &sw.Topology, &sw.QueenMode, &sw.MaxAgents,
		&sw.ConsensusThreshold, &ttlSecs, &sw.IsActive, &sw.CreatedAt)
	if err != nil {
		return nil, err
	}
	sw.MemoryTTL = time.Duration(ttlSecs) * time.Second
	return sw, nil
}

func (s *Store) SaveSwarm(sw *Swarm) error {
	_, err := s.db.Exec(`
		INSERT INTO swarms (id, name, topology, queen_mode, max_agents, consensus_threshold, memory_ttl_secs, is_active)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			topology = excluded.topology,
			queen_mode = excluded.queen_mode,
			max_agents = excluded.max_agents,
			consensus_threshold = excluded.consensus_threshold,
			memory_ttl_secs = excluded.memory_ttl_secs,
			is_active = excluded.is_active`,
		sw.ID, sw.Name, sw.Topology, sw.QueenMode, sw.MaxAgents,
		sw.ConsensusThreshold, int64(sw.MemoryTTL/time.Second), sw.IsActive)
	if err != nil {
		return fmt.Errorf("save swarm: %w", err)
	}
	return nil
}

func (s *Store) GetSwarm(id string) (*Swarm, error) {
	row := s.db.QueryRow(`SELECT `+swarmColumns+` FROM swarms WHERE id = ?`, id)
	sw, err := scanSwarm(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get swarm: %w", err)
	}
	return sw, nil
}

func (s *Store) ListSwarms() ([]Swarm, error) {
	rows, err := s.db.Query(`SELECT ` + swarmColumns + ` FROM swarms ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list swarms: %w", err)
	}
	defer rows.Close()

	var swarms []Swarm
	for rows.Next() {
		sw, err := scanSwarm(rows)
		if err != nil {
			return nil, fmt.Errorf("scan swarm: %w", err)
		}
		swarms = append(swarms, *sw)
	}
	return swarms, rows.Err()
}

func (s *Store) SetSwarmActive(id string, active bool) error {
	_, err := s.db.Exec(`UPDATE swarms SET is_active = ? WHERE id = ?`, active, id)
	return err
}

func (s *Store) DeleteSwarm(id string) error {
	_, err := s.db.Exec(`DELETE FROM swarms WHERE id = ?`, id)
	return err
}
