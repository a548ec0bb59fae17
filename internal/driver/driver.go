// Package driver exposes the iteration engine to callers: a batch API for
// running a set of problems to completion, a stepwise API for advancing a
// session one iteration at a time, and an HTTP server wrapping both.
package driver

import (
	"context"
	"errors"
	"fmt"

	"github.com/echelondev/echelon/internal/db"
	"github.com/echelondev/echelon/internal/engine"
	"github.com/echelondev/echelon/internal/log"
)

// Problem is one batch work item.
type Problem struct {
	Description string `json:"description"`
	Question    string `json:"question,omitempty"`
}

// ProblemResult is the outcome of one batch item. A failed item carries its
// error text; it never aborts the rest of the batch.
type ProblemResult struct {
	Problem      string  `json:"problem"`
	SessionID    string  `json:"session_id,omitempty"`
	Status       string  `json:"status"`
	BestSolution string  `json:"best_solution,omitempty"`
	BestScore    float64 `json:"best_score"`
	FinalLevel   int     `json:"final_level,omitempty"`
	Error        string  `json:"error,omitempty"`
}

// Driver coordinates sessions on behalf of external callers.
type Driver struct {
	engine *Engine
	db     *db.DB
}

// Engine is the subset of the iteration engine the driver needs. Narrowing
// it here lets tests substitute a scripted implementation.
type Engine struct {
	CreateSession   func(ctx context.Context, problem, question string) (*db.Session, error)
	RunIteration    func(ctx context.Context, session *db.Session) (*db.Session, []*db.IterationStep, error)
	RunToCompletion func(ctx context.Context, session *db.Session) (*db.Session, error)
}

// WrapEngine adapts a concrete engine into the driver's function set.
func WrapEngine(e *engine.Engine) *Engine {
	return &Engine{
		CreateSession:   e.CreateSession,
		RunIteration:    e.RunIteration,
		RunToCompletion: e.RunToCompletion,
	}
}

// New creates a driver over the given engine and store.
func New(eng *Engine, database *db.DB) *Driver {
	return &Driver{engine: eng, db: database}
}

// SolveBatch runs each problem to completion in order. Problems are
// independent: a failure is recorded in that problem's result and the batch
// continues. Results are returned in input order.
func (d *Driver) SolveBatch(ctx context.Context, problems []Problem) []ProblemResult {
	results := make([]ProblemResult, len(problems))
	for i, p := range problems {
		results[i] = d.solveOne(ctx, p)
	}
	return results
}

func (d *Driver) solveOne(ctx context.Context, p Problem) ProblemResult {
	session, err := d.engine.CreateSession(ctx, p.Description, p.Question)
	if err != nil {
		return ProblemResult{Problem: p.Description, Status: string(db.SessionFailed), Error: err.Error()}
	}

	final, err := d.engine.RunToCompletion(ctx, session)
	if err != nil {
		log.Warn("batch problem failed", "session", session.ID, "error", err)
		return ProblemResult{
			Problem:    p.Description,
			SessionID:  session.ID,
			Status:     string(db.SessionFailed),
			BestScore:  final.BestScore,
			FinalLevel: final.CurrentLevel,
			Error:      err.Error(),
		}
	}

	return ProblemResult{
		Problem:      p.Description,
		SessionID:    final.ID,
		Status:       string(final.Status),
		BestSolution: final.BestSolution,
		BestScore:    final.BestScore,
		FinalLevel:   final.CurrentLevel,
	}
}

// Start creates a new session without running any iterations.
func (d *Driver) Start(ctx context.Context, problem, question string) (*db.Session, error) {
	return d.engine.CreateSession(ctx, problem, question)
}

// Step advances the identified session by exactly one iteration.
func (d *Driver) Step(ctx context.Context, sessionID string) (*db.Session, []*db.IterationStep, error) {
	session, err := d.db.GetSession(sessionID)
	if err != nil {
		return nil, nil, err
	}
	return d.engine.RunIteration(ctx, session)
}

// Get returns the current state of a session.
func (d *Driver) Get(sessionID string) (*db.Session, error) {
	return d.db.GetSession(sessionID)
}

// Steps returns the recorded steps for a session, optionally filtered to one
// level (level 0 means all levels).
func (d *Driver) Steps(sessionID string, level int) ([]*db.IterationStep, error) {
	if _, err := d.db.GetSession(sessionID); err != nil {
		return nil, err
	}
	if level > 0 {
		return d.db.ListSteps(sessionID, level)
	}
	return d.db.ListAllSteps(sessionID)
}

// Cancel flags an active session for cancellation. The session fails with
// reason "cancelled" at its next iteration boundary; in-flight agent calls
// are not interrupted.
func (d *Driver) Cancel(sessionID string) error {
	err := d.db.RequestCancel(sessionID)
	if errors.Is(err, db.ErrNotFound) {
		// Distinguish missing sessions from already-terminal ones.
		if _, getErr := d.db.GetSession(sessionID); getErr == nil {
			return fmt.Errorf("session %s is not active", sessionID)
		}
		return err
	}
	return err
}
