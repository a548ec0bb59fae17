// Package engine implements the iteration session state machine for Echelon.
//
// The engine owns all session mutation: it creates sessions, drives each
// iteration's agent fan-out, applies the convergence policy, and persists
// checkpoints through the store. Sessions share no mutable state, so distinct
// sessions may run through the same engine concurrently.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/echelondev/echelon/internal/convergence"
	"github.com/echelondev/echelon/internal/db"
	"github.com/echelondev/echelon/internal/hierarchy"
	"github.com/echelondev/echelon/internal/log"
	"github.com/echelondev/echelon/internal/provider"
)

// eventChannelBufferSize is the buffer size for the engine event channel.
const eventChannelBufferSize = 1000

// DefaultMaxTotalIterations is the hard cap on iterations across all levels
// of one session. Hitting it forces completion with the current best, it is
// not a failure.
const DefaultMaxTotalIterations = 10

// CancelledReason is recorded when a session fails due to a cancel request.
const CancelledReason = "cancelled"

// Errors returned by the state machine.
var (
	// ErrSessionTerminal is returned when an iteration is requested on a
	// completed or failed session.
	ErrSessionTerminal = fmt.Errorf("session is in a terminal state")
	// ErrEmptyCatalog is returned when the level catalog has no usable
	// levels. It is a fatal configuration error, never retried.
	ErrEmptyCatalog = fmt.Errorf("level catalog is empty")
)

// Config holds engine tunables.
type Config struct {
	// MaxTotalIterations caps RunToCompletion across all levels.
	// Zero means DefaultMaxTotalIterations.
	MaxTotalIterations int
	// AgentCallTimeout bounds each agent invocation independently.
	// Zero means no engine-side timeout (the invoker may still apply one).
	AgentCallTimeout time.Duration
	// EventBufferSize overrides the event channel buffer (default 1000).
	EventBufferSize int
}

// Store is the persistence surface the engine writes checkpoints through.
// *db.DB implements it; tests substitute failing stores.
type Store interface {
	CreateSession(session *db.Session) error
	GetSession(id string) (*db.Session, error)
	UpdateSession(session *db.Session) error
	AppendStep(step *db.IterationStep) error
	StepsForIteration(sessionID string, level, iteration int) ([]*db.IterationStep, error)
}

// Deps holds the engine's collaborators.
type Deps struct {
	DB      Store
	Invoker provider.Invoker
	Catalog *hierarchy.Catalog
}

// Engine orchestrates iteration sessions.
type Engine struct {
	cfg  Config
	deps Deps

	events  chan Event
	mu      sync.RWMutex
	stopped bool
}

// New creates an engine, validating its configuration. An empty or
// agent-less catalog is a fatal configuration error.
func New(cfg Config, deps Deps) (*Engine, error) {
	if deps.DB == nil {
		return nil, fmt.Errorf("database is required")
	}
	if deps.Invoker == nil {
		return nil, fmt.Errorf("invoker is required")
	}
	if deps.Catalog == nil {
		return nil, fmt.Errorf("catalog is required")
	}

	levels := deps.Catalog.Levels()
	if len(levels) == 0 {
		return nil, ErrEmptyCatalog
	}
	for _, l := range levels {
		if len(l.AgentIDs) == 0 {
			return nil, fmt.Errorf("%w: level %d has no agents", ErrEmptyCatalog, l.Number)
		}
	}

	if cfg.MaxTotalIterations <= 0 {
		cfg.MaxTotalIterations = DefaultMaxTotalIterations
	}
	bufferSize := cfg.EventBufferSize
	if bufferSize <= 0 {
		bufferSize = eventChannelBufferSize
	}

	return &Engine{
		cfg:    cfg,
		deps:   deps,
		events: make(chan Event, bufferSize),
	}, nil
}

// Events returns a channel that emits engine events.
// The channel is closed when the engine stops.
func (e *Engine) Events() <-chan Event {
	return e.events
}

// Stop closes the event channel. No iterations may be started afterwards.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return
	}
	e.stopped = true
	close(e.events)
}

// emit sends an event without blocking; full channels drop with a warning.
func (e *Engine) emit(event Event) {
	e.mu.RLock()
	stopped := e.stopped
	e.mu.RUnlock()
	if stopped {
		return
	}

	select {
	case e.events <- event:
	default:
		log.Warn("engine event dropped: channel full",
			"event_type", event.Type,
			"session", event.SessionID)
	}
}

// CreateSession initializes and persists a new active session at level 1,
// iteration 1, best score 0. An empty question defaults to the problem text.
func (e *Engine) CreateSession(ctx context.Context, problem, question string) (*db.Session, error) {
	if problem == "" {
		return nil, fmt.Errorf("problem description is required")
	}
	if question == "" {
		question = problem
	}

	session := &db.Session{
		ID:                 uuid.New().String(),
		ProblemDescription: problem,
		InitialQuestion:    question,
		Status:             db.SessionActive,
		CurrentLevel:       1,
		CurrentIteration:   1,
		BestScore:          0,
	}

	if err := e.deps.DB.CreateSession(session); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	e.emit(Event{Type: EventSessionCreated, SessionID: session.ID, Level: 1, Iteration: 1})
	log.Info("session created", "session", session.ID)
	return session, nil
}

// InputSnapshot is the context handed to every agent in an iteration,
// persisted with each step for reproducibility.
type InputSnapshot struct {
	ProblemDescription   string  `json:"problem_description"`
	PreviousBestSolution string  `json:"previous_best_solution"`
	PreviousBestScore    float64 `json:"previous_best_score"`
}

// RunIteration executes exactly one iteration of the state machine:
// fan out to the current level's agents, persist their steps, decide, apply
// the verdict, and persist the updated session. The in-memory session is
// only replaced after the store write succeeds, so a persistence failure is
// safe to retry with the same session; the retry reuses the steps already
// recorded for the iteration instead of invoking the agents again.
func (e *Engine) RunIteration(ctx context.Context, session *db.Session) (*db.Session, []*db.IterationStep, error) {
	if session.Status.Terminal() {
		return nil, nil, ErrSessionTerminal
	}

	// Reload to pick up external mutations, cancel requests in particular.
	fresh, err := e.deps.DB.GetSession(session.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load session: %w", err)
	}
	if fresh.Status.Terminal() {
		return nil, nil, ErrSessionTerminal
	}

	if fresh.CancelRequested {
		return e.failSession(fresh, CancelledReason)
	}

	agents, err := e.deps.Catalog.AgentsFor(fresh.CurrentLevel)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to resolve level agents: %w", err)
	}

	e.emit(Event{
		Type:      EventIterationStarted,
		SessionID: fresh.ID,
		Level:     fresh.CurrentLevel,
		Iteration: fresh.CurrentIteration,
		BestScore: fresh.BestScore,
	})

	// Steps already recorded for this (level, iteration) mean a prior call
	// fanned out but failed before the session write landed. Retries reuse
	// those steps; the agents are never re-invoked for the same coordinate.
	existing, err := e.deps.DB.StepsForIteration(fresh.ID, fresh.CurrentLevel, fresh.CurrentIteration)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load recorded steps: %w", err)
	}

	var steps []*db.IterationStep
	var candidates []convergence.Candidate
	if len(existing) > 0 {
		log.Info("resuming iteration from recorded steps",
			"session", fresh.ID,
			"level", fresh.CurrentLevel,
			"iteration", fresh.CurrentIteration,
			"steps", len(existing))
		byAgent := make(map[string]*db.IterationStep, len(existing))
		for _, step := range existing {
			byAgent[step.AgentID] = step
		}
		// Catalog order, same as a fresh fan-out.
		for _, agentID := range agents {
			step, ok := byAgent[agentID]
			if !ok {
				continue
			}
			steps = append(steps, step)
			candidates = append(candidates, convergence.Candidate{
				AgentID:  agentID,
				Solution: step.OutputSolution,
				Score:    step.OutputScore,
			})
			e.emit(Event{
				Type:      EventStepRecorded,
				SessionID: fresh.ID,
				Level:     fresh.CurrentLevel,
				Iteration: fresh.CurrentIteration,
				AgentID:   agentID,
				Score:     step.OutputScore,
			})
		}
	} else {
		snapshot := InputSnapshot{
			ProblemDescription:   fresh.ProblemDescription,
			PreviousBestSolution: fresh.BestSolution,
			PreviousBestScore:    fresh.BestScore,
		}
		snapshotJSON, err := json.Marshal(snapshot)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to encode input snapshot: %w", err)
		}

		results := e.invokeAgents(ctx, fresh, agents, snapshot)

		// Persist one step per agent that returned a result, in catalog order.
		for i, agentID := range agents {
			res := results[i]
			if res == nil {
				continue
			}
			step := &db.IterationStep{
				SessionID:       fresh.ID,
				Level:           fresh.CurrentLevel,
				IterationNumber: fresh.CurrentIteration,
				AgentID:         agentID,
				InputSnapshot:   string(snapshotJSON),
				OutputSolution:  res.Solution,
				OutputScore:     res.Score,
			}
			if err := e.deps.DB.AppendStep(step); err != nil {
				return nil, steps, fmt.Errorf("failed to persist step for agent %s: %w", agentID, err)
			}
			steps = append(steps, step)
			candidates = append(candidates, convergence.Candidate{
				AgentID:  agentID,
				Solution: res.Solution,
				Score:    res.Score,
			})
			e.emit(Event{
				Type:      EventStepRecorded,
				SessionID: fresh.ID,
				Level:     fresh.CurrentLevel,
				Iteration: fresh.CurrentIteration,
				AgentID:   agentID,
				Score:     res.Score,
			})
		}
	}

	if len(candidates) == 0 {
		log.Warn("degraded iteration: all agent calls failed",
			"session", fresh.ID,
			"level", fresh.CurrentLevel,
			"iteration", fresh.CurrentIteration)
		e.emit(Event{
			Type:      EventDegraded,
			SessionID: fresh.ID,
			Level:     fresh.CurrentLevel,
			Iteration: fresh.CurrentIteration,
			Message:   "all agent calls failed",
		})
	}

	verdict := convergence.Decide(candidates, fresh.BestScore, fresh.CurrentIteration, fresh.CurrentLevel)

	// Apply the verdict to a copy; the caller's view only changes after the
	// session write succeeds.
	updated := *fresh
	applyVerdict(&updated, verdict)

	if err := e.deps.DB.UpdateSession(&updated); err != nil {
		return nil, steps, fmt.Errorf("failed to persist session: %w", err)
	}

	e.emitVerdict(&updated, verdict)
	return &updated, steps, nil
}

// invokeAgents fans out one invocation per agent, each bounded by its own
// timeout, and collects results by catalog index so completion order cannot
// affect the outcome. Failed calls leave a nil slot and count as anomalies.
func (e *Engine) invokeAgents(ctx context.Context, session *db.Session, agents []string, snapshot InputSnapshot) []*provider.Result {
	results := make([]*provider.Result, len(agents))
	levelName := e.deps.Catalog.LevelName(session.CurrentLevel)

	var wg sync.WaitGroup
	for i, agentID := range agents {
		wg.Add(1)
		go func(i int, agentID string) {
			defer wg.Done()

			callCtx := ctx
			if e.cfg.AgentCallTimeout > 0 {
				var cancel context.CancelFunc
				callCtx, cancel = context.WithTimeout(ctx, e.cfg.AgentCallTimeout)
				defer cancel()
			}

			prompt, err := hierarchy.BuildPrompt(hierarchy.PromptContext{
				AgentID:              agentID,
				LevelName:            levelName,
				Problem:              session.ProblemDescription,
				Question:             session.InitialQuestion,
				PreviousBestSolution: snapshot.PreviousBestSolution,
				PreviousBestScore:    snapshot.PreviousBestScore,
			})
			if err == nil {
				var res *provider.Result
				res, err = e.deps.Invoker.Invoke(callCtx, agentID, prompt)
				if err == nil {
					results[i] = res
					return
				}
			}

			log.Warn("agent call failed",
				"session", session.ID,
				"level", session.CurrentLevel,
				"iteration", session.CurrentIteration,
				"agent", agentID,
				"error", err)
			e.emit(Event{
				Type:      EventAnomaly,
				SessionID: session.ID,
				Level:     session.CurrentLevel,
				Iteration: session.CurrentIteration,
				AgentID:   agentID,
				Message:   err.Error(),
			})
		}(i, agentID)
	}
	wg.Wait()

	return results
}

// applyVerdict mutates the session per the convergence decision. The best
// score only moves when a candidate strictly exceeds it, which keeps it
// monotonically non-decreasing across the session's lifetime.
func applyVerdict(session *db.Session, verdict convergence.Verdict) {
	if verdict.Best != nil && verdict.Best.Score > session.BestScore {
		session.BestScore = verdict.Best.Score
		session.BestSolution = verdict.Best.Solution
	}

	switch verdict.Kind {
	case convergence.VerdictTerminate:
		now := time.Now()
		session.Status = db.SessionCompleted
		session.CompletedAt = &now
	case convergence.VerdictAdvance:
		session.CurrentLevel++
		session.CurrentIteration = 1
	case convergence.VerdictRepeat:
		session.CurrentIteration++
	}
}

// emitVerdict reports the verdict outcome as an event.
func (e *Engine) emitVerdict(session *db.Session, verdict convergence.Verdict) {
	event := Event{
		SessionID: session.ID,
		Level:     session.CurrentLevel,
		Iteration: session.CurrentIteration,
		BestScore: session.BestScore,
	}

	switch verdict.Kind {
	case convergence.VerdictTerminate:
		event.Type = EventCompleted
	case convergence.VerdictAdvance:
		event.Type = EventLevelAdvanced
	case convergence.VerdictRepeat:
		event.Type = EventRepeated
	}

	e.emit(event)
}

// failSession transitions a session to failed with the given reason.
func (e *Engine) failSession(session *db.Session, reason string) (*db.Session, []*db.IterationStep, error) {
	updated := *session
	now := time.Now()
	updated.Status = db.SessionFailed
	updated.FailureReason = reason
	updated.CompletedAt = &now

	if err := e.deps.DB.UpdateSession(&updated); err != nil {
		return nil, nil, fmt.Errorf("failed to persist session failure: %w", err)
	}

	log.Info("session failed", "session", updated.ID, "reason", reason)
	e.emit(Event{
		Type:      EventFailed,
		SessionID: updated.ID,
		Level:     updated.CurrentLevel,
		Iteration: updated.CurrentIteration,
		Message:   reason,
	})
	return &updated, nil, nil
}

// RunToCompletion repeatedly runs iterations until the session reaches a
// terminal status or the total-iteration cap, in which case the session is
// forced to completed with whatever best solution it holds (a graceful cap,
// not a failure).
func (e *Engine) RunToCompletion(ctx context.Context, session *db.Session) (*db.Session, error) {
	maxTotal := e.cfg.MaxTotalIterations

	for total := 0; !session.Status.Terminal(); total++ {
		select {
		case <-ctx.Done():
			return session, ctx.Err()
		default:
		}

		if total >= maxTotal {
			updated := *session
			now := time.Now()
			updated.Status = db.SessionCompleted
			updated.CompletedAt = &now
			if err := e.deps.DB.UpdateSession(&updated); err != nil {
				return session, fmt.Errorf("failed to persist capped session: %w", err)
			}
			log.Info("session capped",
				"session", updated.ID,
				"iterations", total,
				"best_score", updated.BestScore)
			e.emit(Event{
				Type:      EventCapped,
				SessionID: updated.ID,
				Level:     updated.CurrentLevel,
				Iteration: updated.CurrentIteration,
				BestScore: updated.BestScore,
				Message:   fmt.Sprintf("reached max total iterations (%d)", maxTotal),
			})
			return &updated, nil
		}

		updated, _, err := e.RunIteration(ctx, session)
		if err != nil {
			return session, err
		}
		session = updated
	}

	return session, nil
}
