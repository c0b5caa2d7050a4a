package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

type MemoryEntry struct {
	Namespace   string          `json:"namespace"`
	Key         string          `json:"key"`
	Value       []byte          `json:"value"`
	Compressed  bool            `json:"compressed"`
	TTL         time.Duration   `json:"ttl"`
	AccessCount int             `json:"access_count"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	AccessedAt  time.Time       `json:"accessed_at"`
}

// Expired reports whether the entry's TTL has elapsed. Entries with no TTL
// never expire.
func (e *MemoryEntry) Expired(now time.Time) bool {
	return e.TTL > 0 && now.Sub(e.CreatedAt) >= e.TTL
}

const memoryColumns = `namespace, key, value, compressed, ttl_secs, access_count, metadata, created_at, accessed_at`

func scanMemoryEntry(scanner interface {
	Scan(dest ...any) error
}) (*MemoryEntry, error) {
	e := &MemoryEntry{}
	var ttlSecs int64
	var metadata sql.NullString
	err := scanner.Scan(&e.Namespace, &e.Key, &e.Value, &e.Compressed, &ttlSecs,
		&e.AccessCount, &metadata, &e.CreatedAt, &e.AccessedAt)
	if err != nil {
		return nil, err
	}
	e.TTL = time.Duration(ttlSecs) * time.Second
	if metadata.Valid {
		e.Metadata = json.RawMessage(metadata.String)
	}
	return e, nil
}

func (s *Store) PutMemory(e *MemoryEntry) error {
	st, err := s.stmt("put_memory", `
		INSERT INTO memory_entries (namespace, key, value, compressed, ttl_secs, metadata, created_at, accessed_at)
		VALUES (?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		ON CONFLICT(namespace, key) DO UPDATE SET
			value = excluded.value,
			compressed = excluded.compressed,
			ttl_secs = excluded.ttl_secs,
			metadata = excluded.metadata,
			created_at = CURRENT_TIMESTAMP,
			accessed_at = CURRENT_TIMESTAMP`)
	if err != nil {
		return err
	}

	var metadata any
	if len(e.Metadata) > 0 {
		metadata = string(e.Metadata)
	}
	if _, err := st.Exec(e.Namespace, e.Key, e.Value, e.Compressed,
		int64(e.TTL/time.Second), metadata); err != nil {
		return fmt.Errorf("put memory: %w", err)
	}
	return nil
}

func (s *Store) GetMemory(namespace, key string) (*MemoryEntry, error) {
	st, err := s.stmt("get_memory",
		`SELECT `+memoryColumns+` FROM memory_entries WHERE namespace = ? AND key = ?`)
	if err != nil {
		return nil, err
	}

	row := st.QueryRow(namespace, key)
	e, err := scanMemoryEntry(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get memory: %w", err)
	}
	return e, nil
}

// TouchMemory bumps the access counter and last-accessed timestamp.
func (s *Store) TouchMemory(namespace, key string) error {
	st, err := s.stmt("touch_memory", `
		UPDATE memory_entries
		SET access_count = access_count + 1, accessed_at = CURRENT_TIMESTAMP
		WHERE namespace = ? AND key = ?`)
	if err != nil {
		return err
	}
	_, err = st.Exec(namespace, key)
	return err
}

// ReplaceMemoryValue swaps the stored bytes in place, used by the cleanup
// sweep when it compresses cold entries. TTL and counters are untouched.
func (s *Store) ReplaceMemoryValue(namespace, key string, value []byte, compressed bool) error {
	_, err := s.db.Exec(`
		UPDATE memory_entries SET value = ?, compressed = ? WHERE namespace = ? AND key = ?`,
		value, compressed, namespace, key)
	return err
}

func (s *Store) DeleteMemory(namespace, key string) error {
	_, err := s.db.Exec(`DELETE FROM memory_entries WHERE namespace = ? AND key = ?`, namespace, key)
	return err
}

func (s *Store) ListMemory(namespace string) ([]MemoryEntry, error) {
	rows, err := s.db.Query(`
		SELECT `+memoryColumns+` FROM memory_entries WHERE namespace = ? ORDER BY accessed_at DESC`, namespace)
	if err != nil {
		return nil, fmt.Errorf("list memory: %w", err)
	}
	defer rows.Close()

	var entries []MemoryEntry
	for rows.Next() {
		e, err := scanMemoryEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan memory entry: %w", err)
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

func (s *Store) CountMemory(namespace string) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM memory_entries WHERE namespace = ?`, namespace).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count memory: %w", err)
	}
	return n, nil
}

// DeleteExpiredMemory removes entries whose TTL elapsed before now and
// returns how many were pruned.
func (s *Store) DeleteExpiredMemory(now time.Time) (int, error) {
	res, err := s.db.Exec(`
		DELETE FROM memory_entries
		WHERE ttl_secs > 0 AND datetime(created_at, '+' || ttl_secs || ' seconds') <= datetime(?)`,
		now.UTC().Format("2006-01-02 15:04:05"))
	if err != nil {
		return 0, fmt.Errorf("delete expired memory: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// PruneNamespaceOlderThan enforces time-based retention: every entry in the
// namespace created before the cutoff is dropped regardless of its own TTL.
func (s *Store) PruneNamespaceOlderThan(namespace string, cutoff time.Time) (int, error) {
	res, err := s.db.Exec(`
		DELETE FROM memory_entries WHERE namespace = ? AND created_at <= datetime(?)`,
		namespace, cutoff.UTC().Format("2006-01-02 15:04:05"))
	if err != nil {
		return 0, fmt.Errorf("prune namespace by age: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// PruneNamespaceToSize deletes the oldest-accessed entries beyond max,
// enforcing size-based retention.
func (s *Store) PruneNamespaceToSize(namespace string, max int) (int, error) {
	res, err := s.db.Exec(`
		DELETE FROM memory_entries
		WHERE namespace = ? AND key NOT IN (
			SELECT key FROM memory_entries WHERE namespace = ?
			ORDER BY accessed_at DESC LIMIT ?
		)`, namespace, namespace, max)
	if err != nil {
		return 0, fmt.Errorf("prune namespace: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ListColdMemory returns uncompressed entries last accessed before the
// cutoff with at most maxAccess accesses and a value of at least minSize
// bytes. The cleanup sweep compresses these in place.
func (s *Store) ListColdMemory(cutoff time.Time, maxAccess, minSize int) ([]MemoryEntry, error) {
	rows, err := s.db.Query(`
		SELECT `+memoryColumns+` FROM memory_entries
		WHERE compressed = FALSE AND accessed_at <= datetime(?) AND access_count <= ? AND length(value) >= ?`,
		cutoff.UTC().Format("2006-01-02 15:04:05"), maxAccess, minSize)
	if err != nil {
		return nil, fmt.Errorf("list cold memory: %w", err)
	}
	defer rows.Close()

	var entries []MemoryEntry
	for rows.Next() {
		e, err := scanMemoryEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan cold entry: %w", err)
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}
