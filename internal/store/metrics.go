package store

import (
	"fmt"
	"time"
)

type Metric struct {
	ID         int64     `json:"id"`
	SwarmID    string    `json:"swarm_id"`
	Name       string    `json:"name"`
	Value      float64   `json:"value"`
	RecordedAt time.Time `json:"recorded_at"`
}

func (s *Store) SaveMetric(swarmID, name string, value float64) error {
	st, err := s.stmt("save_metric",
		`INSERT INTO metrics (swarm_id, name, value) VALUES (?, ?, ?)`)
	if err != nil {
		return err
	}
	if _, err := st.Exec(swarmID, name, value); err != nil {
		return fmt.Errorf("save metric: %w", err)
	}
	return nil
}

func (s *Store) GetMetrics(swarmID, name string, limit int) ([]Metric, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`
		SELECT id, swarm_id, name, value, recorded_at
		FROM metrics
		WHERE swarm_id = ? AND name = ?
		ORDER BY recorded_at DESC
		LIMIT ?`, swarmID, name, limit)
	if err != nil {
		return nil, fmt.Errorf("get metrics: %w", err)
	}
	defer rows.Close()

	var metrics []Metric
	for rows.Next() {
		var m Metric
		if err := rows.Scan(&m.ID, &m.SwarmID, &m.Name, &m.Value, &m.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan metric: %w", err)
		}
		metrics = append(metrics, m)
	}
	return metrics, rows.Err()
}

// PruneMetrics drops samples older than the cutoff.
func (s *Store) PruneMetrics(cutoff time.Time) (int, error) {
	res, err := s.db.Exec(`DELETE FROM metrics WHERE recorded_at < datetime(?)`,
		cutoff.UTC().Format("2006-01-02 15:04:05"))
	if err != nil {
		return 0, fmt.Errorf("prune metrics: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
