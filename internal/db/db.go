// Package db provides database connectivity and operations for Echelon.
package db

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/echelondev/echelon/internal/log"
)

// ErrNotFound is returned when a requested record is not found.
var ErrNotFound = errors.New("record not found")

// DB holds the database connection and provides methods for data access.
// All writes go through Exec and are durable before the call returns.
type DB struct {
	conn *sql.DB
}

// New creates a new database connection.
// If the path is ":memory:", an in-memory database is created.
// Otherwise, the parent directory is created if it doesn't exist.
func New(path string) (*DB, error) {
	// Create parent directory if needed (not for in-memory DB)
	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	// Open database with foreign keys enabled
	conn, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Verify connection
	if err := conn.Ping(); err != nil {
		log.CloseError("database connection", conn.Close())
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db := &DB{conn: conn}

	// Run migrations automatically
	if err := db.Migrate(); err != nil {
		log.CloseError("database connection", conn.Close())
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return db, nil
}

// Close closes the database connection.
func (d *DB) Close() error {
	if d.conn != nil {
		return d.conn.Close()
	}
	return nil
}

// =============================================================================
// Session Methods
// =============================================================================

// CreateSession inserts a new session into the database.
func (d *DB) CreateSession(session *Session) error {
	session.CreatedAt = time.Now()
	if session.Status == "" {
		session.Status = SessionActive
	}
	if session.CurrentLevel == 0 {
		session.CurrentLevel = 1
	}
	if session.CurrentIteration == 0 {
		session.CurrentIteration = 1
	}

	_, err := d.conn.Exec(`
		INSERT INTO sessions (id, problem_description, initial_question, status, current_level,
			current_iteration, best_score, best_solution, cancel_requested, failure_reason,
			created_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		session.ID, session.ProblemDescription, session.InitialQuestion, session.Status,
		session.CurrentLevel, session.CurrentIteration, session.BestScore, session.BestSolution,
		session.CancelRequested, session.FailureReason, session.CreatedAt, session.CompletedAt,
	)
	return err
}

// GetSession retrieves a session by ID.
func (d *DB) GetSession(id string) (*Session, error) {
	session := &Session{}
	err := d.conn.QueryRow(`
		SELECT id, problem_description, initial_question, status, current_level,
			current_iteration, best_score, best_solution, cancel_requested, failure_reason,
			created_at, completed_at
		FROM sessions WHERE id = ?`, id,
	).Scan(
		&session.ID, &session.ProblemDescription, &session.InitialQuestion, &session.Status,
		&session.CurrentLevel, &session.CurrentIteration, &session.BestScore, &session.BestSolution,
		&session.CancelRequested, &session.FailureReason, &session.CreatedAt, &session.CompletedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return session, nil
}

// ListSessions returns all sessions ordered by created_at descending.
func (d *DB) ListSessions() ([]*Session, error) {
	rows, err := d.conn.Query(`
		SELECT id, problem_description, initial_question, status, current_level,
			current_iteration, best_score, best_solution, cancel_requested, failure_reason,
			created_at, completed_at
		FROM sessions ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer func() { log.CloseError("ListSessions rows", rows.Close()) }()

	var sessions []*Session
	for rows.Next() {
		s := &Session{}
		if err := rows.Scan(
			&s.ID, &s.ProblemDescription, &s.InitialQuestion, &s.Status,
			&s.CurrentLevel, &s.CurrentIteration, &s.BestScore, &s.BestSolution,
			&s.CancelRequested, &s.FailureReason, &s.CreatedAt, &s.CompletedAt,
		); err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// UpdateSession writes a session's mutable progress fields: level, iteration,
// best score/solution, status, failure reason and completion timestamp.
// Immutable fields (problem, question, created_at) are never touched.
func (d *DB) UpdateSession(session *Session) error {
	result, err := d.conn.Exec(`
		UPDATE sessions SET status = ?, current_level = ?, current_iteration = ?,
			best_score = ?, best_solution = ?, failure_reason = ?, completed_at = ?
		WHERE id = ?`,
		session.Status, session.CurrentLevel, session.CurrentIteration,
		session.BestScore, session.BestSolution, session.FailureReason, session.CompletedAt,
		session.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// RequestCancel marks an active session for cancellation. The engine checks
// the flag at the top of each iteration; terminal sessions are left alone.
func (d *DB) RequestCancel(id string) error {
	result, err := d.conn.Exec(`
		UPDATE sessions SET cancel_requested = 1 WHERE id = ? AND status = ?`,
		id, SessionActive,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// =============================================================================
// Iteration Step Methods
// =============================================================================

// AppendStep records one agent's candidate for one iteration. Re-running the
// same (session, level, iteration, agent) overwrites the existing row instead
// of duplicating it, so retried iterations stay idempotent.
func (d *DB) AppendStep(step *IterationStep) error {
	step.CreatedAt = time.Now()

	result, err := d.conn.Exec(`
		INSERT INTO iteration_steps (session_id, level, iteration_number, agent_id,
			input_snapshot, output_solution, output_score, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (session_id, level, iteration_number, agent_id) DO UPDATE SET
			input_snapshot = excluded.input_snapshot,
			output_solution = excluded.output_solution,
			output_score = excluded.output_score,
			created_at = excluded.created_at`,
		step.SessionID, step.Level, step.IterationNumber, step.AgentID,
		step.InputSnapshot, step.OutputSolution, step.OutputScore, step.CreatedAt,
	)
	if err != nil {
		return err
	}

	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	step.ID = id
	return nil
}

// ListSteps returns all steps for a session at a given level, ordered by
// output score descending.
func (d *DB) ListSteps(sessionID string, level int) ([]*IterationStep, error) {
	rows, err := d.conn.Query(`
		SELECT id, session_id, level, iteration_number, agent_id, input_snapshot,
			output_solution, output_score, created_at
		FROM iteration_steps WHERE session_id = ? AND level = ?
		ORDER BY output_score DESC, agent_id`, sessionID, level)
	if err != nil {
		return nil, err
	}
	return scanSteps(rows, "ListSteps")
}

// StepsForIteration returns the steps recorded for one (level, iteration)
// coordinate of a session, in agent id order.
func (d *DB) StepsForIteration(sessionID string, level, iteration int) ([]*IterationStep, error) {
	rows, err := d.conn.Query(`
		SELECT id, session_id, level, iteration_number, agent_id, input_snapshot,
			output_solution, output_score, created_at
		FROM iteration_steps WHERE session_id = ? AND level = ? AND iteration_number = ?
		ORDER BY agent_id`, sessionID, level, iteration)
	if err != nil {
		return nil, err
	}
	return scanSteps(rows, "StepsForIteration")
}

// ListAllSteps returns a session's full iteration trace in execution order.
func (d *DB) ListAllSteps(sessionID string) ([]*IterationStep, error) {
	rows, err := d.conn.Query(`
		SELECT id, session_id, level, iteration_number, agent_id, input_snapshot,
			output_solution, output_score, created_at
		FROM iteration_steps WHERE session_id = ?
		ORDER BY level, iteration_number, agent_id`, sessionID)
	if err != nil {
		return nil, err
	}
	return scanSteps(rows, "ListAllSteps")
}

// scanSteps drains a step query's rows.
func scanSteps(rows *sql.Rows, operation string) ([]*IterationStep, error) {
	defer func() { log.CloseError(operation+" rows", rows.Close()) }()

	var steps []*IterationStep
	for rows.Next() {
		s := &IterationStep{}
		if err := rows.Scan(
			&s.ID, &s.SessionID, &s.Level, &s.IterationNumber, &s.AgentID,
			&s.InputSnapshot, &s.OutputSolution, &s.OutputScore, &s.CreatedAt,
		); err != nil {
			return nil, err
		}
		steps = append(steps, s)
	}
	return steps, rows.Err()
}

// CountSteps returns the number of steps recorded for a session.
func (d *DB) CountSteps(sessionID string) (int, error) {
	var count int
	err := d.conn.QueryRow(`
		SELECT COUNT(*) FROM iteration_steps WHERE session_id = ?`, sessionID,
	).Scan(&count)
	if err != nil {
		return 0, err
	}
	return count, nil
}
