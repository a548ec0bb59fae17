package engine

// EventType represents the type of engine event.
type EventType string

const (
	// EventSessionCreated is emitted when a new session is persisted.
	EventSessionCreated EventType = "session_created"
	// EventIterationStarted is emitted at the top of each iteration.
	EventIterationStarted EventType = "iteration_started"
	// EventStepRecorded is emitted for each agent candidate written to the store.
	EventStepRecorded EventType = "step_recorded"
	// EventAnomaly is emitted when a single agent call fails or returns an
	// unscorable result. Anomalies never abort the iteration.
	EventAnomaly EventType = "anomaly"
	// EventDegraded is emitted when every agent in an iteration failed.
	EventDegraded EventType = "degraded"
	// EventLevelAdvanced is emitted when the session moves up a level.
	EventLevelAdvanced EventType = "level_advanced"
	// EventRepeated is emitted when the session stays at its level.
	EventRepeated EventType = "repeated"
	// EventCompleted is emitted when the session reaches completed status.
	EventCompleted EventType = "completed"
	// EventCapped is emitted when the total-iteration cap forces completion.
	EventCapped EventType = "capped"
	// EventFailed is emitted when the session transitions to failed.
	EventFailed EventType = "failed"
)

// Event represents an observable moment in a session's progress.
type Event struct {
	Type      EventType
	SessionID string
	Level     int
	Iteration int
	AgentID   string  // set for step_recorded and anomaly events
	Score     float64 // set for step_recorded events
	BestScore float64
	Message   string
}
