package db

import "github.com/echelondev/echelon/internal/log"

// schema is the SQL schema for the Echelon database.
const schema = `
-- Solving sessions
CREATE TABLE IF NOT EXISTS sessions (
    id TEXT PRIMARY KEY,
    problem_description TEXT NOT NULL,
    initial_question TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'active',
    current_level INTEGER NOT NULL DEFAULT 1,
    current_iteration INTEGER NOT NULL DEFAULT 1,
    best_score REAL NOT NULL DEFAULT 0,
    best_solution TEXT NOT NULL DEFAULT '',
    cancel_requested INTEGER NOT NULL DEFAULT 0,
    failure_reason TEXT NOT NULL DEFAULT '',
    created_at DATETIME NOT NULL,
    completed_at DATETIME
);

-- Per-agent iteration trace (append-only; re-runs overwrite)
CREATE TABLE IF NOT EXISTS iteration_steps (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    level INTEGER NOT NULL,
    iteration_number INTEGER NOT NULL,
    agent_id TEXT NOT NULL,
    input_snapshot TEXT NOT NULL,
    output_solution TEXT NOT NULL,
    output_score REAL NOT NULL,
    created_at DATETIME NOT NULL,
    FOREIGN KEY (session_id) REFERENCES sessions(id),
    UNIQUE (session_id, level, iteration_number, agent_id)
);

-- Indexes for common queries
CREATE INDEX IF NOT EXISTS idx_steps_session ON iteration_steps(session_id);
CREATE INDEX IF NOT EXISTS idx_steps_session_level ON iteration_steps(session_id, level);
CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
`

// Migrate runs all database migrations to ensure the schema is up to date.
func (d *DB) Migrate() error {
	// Create tables if they don't exist
	if _, err := d.conn.Exec(schema); err != nil {
		return err
	}

	// Run incremental migrations for existing databases
	return d.runMigrations()
}

// runMigrations applies incremental schema changes for existing databases.
func (d *DB) runMigrations() error {
	// Migration: Add failure_reason column to sessions table
	if exists, err := d.columnExists("sessions", "failure_reason"); err != nil {
		return err
	} else if !exists {
		if _, err := d.conn.Exec(`
			ALTER TABLE sessions ADD COLUMN failure_reason TEXT NOT NULL DEFAULT '';
		`); err != nil {
			return err
		}
	}

	// Migration: Add cancel_requested column to sessions table
	if exists, err := d.columnExists("sessions", "cancel_requested"); err != nil {
		return err
	} else if !exists {
		if _, err := d.conn.Exec(`
			ALTER TABLE sessions ADD COLUMN cancel_requested INTEGER NOT NULL DEFAULT 0;
		`); err != nil {
			return err
		}
	}

	return nil
}

// columnExists checks if a column exists in the specified table.
func (d *DB) columnExists(table, column string) (bool, error) {
	rows, err := d.conn.Query("PRAGMA table_info(" + table + ")")
	if err != nil {
		return false, err
	}
	defer func() { log.CloseError("columnExists rows", rows.Close()) }()

	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dfltValue interface{}
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}
