package db

import "time"

// SessionStatus represents the status of a solving session.
type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
)

// Terminal reports whether the status is absorbing.
func (s SessionStatus) Terminal() bool {
	return s == SessionCompleted || s == SessionFailed
}

// Session represents one end-to-end attempt to solve a stated problem.
// BestScore is monotonically non-decreasing for the session's lifetime, and
// CompletedAt is set exactly when the status leaves active.
type Session struct {
	ID                 string
	ProblemDescription string
	InitialQuestion    string
	Status             SessionStatus
	CurrentLevel       int
	CurrentIteration   int
	BestScore          float64
	BestSolution       string
	CancelRequested    bool
	FailureReason      string
	CreatedAt          time.Time
	CompletedAt        *time.Time // nullable
}

// IterationStep is the persisted record of one agent's candidate within one
// iteration. Steps form an append-only trace: a re-run of the same
// (session, level, iteration, agent) overwrites rather than duplicates.
type IterationStep struct {
	ID              int64
	SessionID       string
	Level           int
	IterationNumber int
	AgentID         string
	InputSnapshot   string // JSON: previous best solution/score + problem
	OutputSolution  string
	OutputScore     float64
	CreatedAt       time.Time
}
