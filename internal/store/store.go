package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/hivegrid/hivegrid/internal/config"
	_ "modernc.org/sqlite"
)

// Store is the persistence layer shared by every component. It normally
// runs on a durable sqlite file; when that engine cannot be opened it
// degrades to an in-memory database with the same schema, valid for the
// process lifetime only.
type Store struct {
	db      *sql.DB
	durable bool

	stmtMu sync.RWMutex
	stmts  map[string]*sql.Stmt
}

func Open(cfg config.StoreConfig) (*Store, error) {
	db, durable, err := openEngine(cfg.Path)
	if err != nil {
		return nil, err
	}

	s := &Store{
		db:      db,
		durable: durable,
		stmts:   make(map[string]*sql.Stmt),
	}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func openEngine(path string) (*sql.DB, bool, error) {
	db, err := openDurable(path)
	if err == nil {
		return db, true, nil
	}

	slog.Warn("durable store unavailable, falling back to in-memory store; data will not survive a restart",
		"path", path, "error", err)

	mem, merr := sql.Open("sqlite", "file::memory:?cache=shared")
	if merr != nil {
		return nil, false, fmt.Errorf("open in-memory store: %w", merr)
	}
	// A shared-cache in-memory database is dropped when its last
	// connection closes; pin a single connection for the process.
	mem.SetMaxOpenConns(1)
	if merr := mem.Ping(); merr != nil {
		return nil, false, fmt.Errorf("ping in-memory store: %w", merr)
	}
	return mem, false, nil
}

func openDurable(path string) (*sql.DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	// WAL mode and the busy timeout ride on the DSN: pragmas issued via
	// Exec land on a single pooled connection, while DSN pragmas apply to
	// every connection the pool opens.
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	return db, nil
}

// Durable reports whether writes survive a process restart.
func (s *Store) Durable() bool {
	return s.durable
}

func (s *Store) Close() error {
	s.stmtMu.Lock()
	for _, st := range s.stmts {
		st.Close()
	}
	s.stmts = make(map[string]*sql.Stmt)
	s.stmtMu.Unlock()
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

// stmt returns a prepared statement cached by operation name so repeated
// hot-path queries are parsed once.
func (s *Store) stmt(name, query string) (*sql.Stmt, error) {
	s.stmtMu.RLock()
	st, ok := s.stmts[name]
	s.stmtMu.RUnlock()
	if ok {
		return st, nil
	}

	st, err := s.db.Prepare(query)
	if err != nil {
		return nil, fmt.Errorf("prepare %s: %w", name, err)
	}

	s.stmtMu.Lock()
	if existing, ok := s.stmts[name]; ok {
		s.stmtMu.Unlock()
		st.Close()
		return existing, nil
	}
	s.stmts[name] = st
	s.stmtMu.Unlock()
	return st, nil
}

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS swarms (
			id                  TEXT PRIMARY KEY,
			name                TEXT NOT NULL,
			topology            TEXT DEFAULT 'mesh',
			queen_mode          BOOLEAN DEFAULT FALSE,
			max_agents          INTEGER DEFAULT 16,
			consensus_threshold REAL DEFAULT 0.6,
			memory_ttl_secs     INTEGER DEFAULT 0,
			is_active           BOOLEAN DEFAULT TRUE,
			created_at          DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS agents (
			id              TEXT PRIMARY KEY,
			swarm_id        TEXT NOT NULL REFERENCES swarms(id),
			name            TEXT NOT NULL,
			type            TEXT NOT NULL,
			status          TEXT DEFAULT 'idle',
			capabilities    TEXT DEFAULT '[]',
			current_task_id TEXT,
			success_count   INTEGER DEFAULT 0,
			error_count     INTEGER DEFAULT 0,
			message_count   INTEGER DEFAULT 0,
			created_at      DATETIME DEFAULT CURRENT_TIMESTAMP,
			last_active_at  DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_agents_swarm ON agents(swarm_id, status)`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id              TEXT PRIMARY KEY,
			swarm_id        TEXT NOT NULL REFERENCES swarms(id),
			description     TEXT NOT NULL,
			type            TEXT DEFAULT 'generic',
			priority        TEXT DEFAULT 'medium',
			strategy        TEXT DEFAULT 'adaptive',
			status          TEXT DEFAULT 'pending',
			dependencies    TEXT DEFAULT '[]',
			assigned_agents TEXT DEFAULT '[]',
			progress        REAL DEFAULT 0,
			result          TEXT,
			error           TEXT,
			retry_of        TEXT,
			created_at      DATETIME DEFAULT CURRENT_TIMESTAMP,
			completed_at    DATETIME
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_swarm_status ON tasks(swarm_id, status)`,
		`CREATE TABLE IF NOT EXISTS memory_entries (
			namespace    TEXT NOT NULL,
			key          TEXT NOT NULL,
			value        BLOB NOT NULL,
			compressed   BOOLEAN DEFAULT FALSE,
			ttl_secs     INTEGER DEFAULT 0,
			access_count INTEGER DEFAULT 0,
			metadata     TEXT,
			created_at   DATETIME DEFAULT CURRENT_TIMESTAMP,
			accessed_at  DATETIME DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (namespace, key)
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id                TEXT PRIMARY KEY,
			swarm_id          TEXT NOT NULL,
			from_agent        TEXT NOT NULL,
			to_agent          TEXT,
			type              TEXT NOT NULL,
			content           TEXT,
			priority          TEXT DEFAULT 'normal',
			requires_response BOOLEAN DEFAULT FALSE,
			delivered_at      DATETIME,
			read_at           DATETIME,
			created_at        DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_swarm ON messages(swarm_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS proposals (
			id                 TEXT PRIMARY KEY,
			swarm_id           TEXT NOT NULL,
			task_id            TEXT,
			proposal           TEXT NOT NULL,
			required_threshold REAL NOT NULL,
			votes              TEXT DEFAULT '{}',
			status             TEXT DEFAULT 'pending',
			deadline_at        DATETIME NOT NULL,
			created_at         DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_proposals_status ON proposals(status, deadline_at)`,
		`CREATE TABLE IF NOT EXISTS secrets (
			name       TEXT PRIMARY KEY,
			value      BLOB NOT NULL,
			nonce      BLOB NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS metrics (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			swarm_id    TEXT NOT NULL,
			name        TEXT NOT NULL,
			value       REAL NOT NULL,
			recorded_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_metrics_name ON metrics(swarm_id, name, recorded_at)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}

	return nil
}
