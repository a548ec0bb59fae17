// Package hierarchy defines the fixed four-level catalog of department agents
// that participate in iterative problem solving.
package hierarchy

import (
	"errors"
	"fmt"
)

// ErrLevelNotFound is returned when a level number is outside the catalog range.
var ErrLevelNotFound = errors.New("level not found")

// MaxLevel is the highest level in the hierarchy.
const MaxLevel = 4

// Level describes one stage of the hierarchy and the agents that produce
// candidates at that stage. Levels are static for the process lifetime.
type Level struct {
	Number   int
	Name     string
	AgentIDs []string
}

// levels is the fixed catalog, ordered from operational to executive.
// Agent order within a level is significant: it is the deterministic
// tie-break order for equal candidate scores.
var levels = []Level{
	{Number: 1, Name: "operational", AgentIDs: []string{"support", "operations", "logistics"}},
	{Number: 2, Name: "functional", AgentIDs: []string{"marketing", "sales", "engineering"}},
	{Number: 3, Name: "strategic", AgentIDs: []string{"product", "finance", "research"}},
	{Number: 4, Name: "executive", AgentIDs: []string{"ceo", "cto", "cfo"}},
}

// Catalog provides read-only access to the level hierarchy.
type Catalog struct{}

// NewCatalog returns the static level catalog.
func NewCatalog() *Catalog {
	return &Catalog{}
}

// Levels returns all levels in ascending order. The returned slice is a copy;
// callers may not mutate the catalog.
func (c *Catalog) Levels() []Level {
	out := make([]Level, len(levels))
	for i, l := range levels {
		agents := make([]string, len(l.AgentIDs))
		copy(agents, l.AgentIDs)
		out[i] = Level{Number: l.Number, Name: l.Name, AgentIDs: agents}
	}
	return out
}

// Level returns the level with the given number.
func (c *Catalog) Level(number int) (Level, error) {
	if number < 1 || number > MaxLevel {
		return Level{}, fmt.Errorf("%w: %d", ErrLevelNotFound, number)
	}
	l := levels[number-1]
	agents := make([]string, len(l.AgentIDs))
	copy(agents, l.AgentIDs)
	return Level{Number: l.Number, Name: l.Name, AgentIDs: agents}, nil
}

// AgentsFor returns the ordered agent ids participating at the given level.
func (c *Catalog) AgentsFor(number int) ([]string, error) {
	l, err := c.Level(number)
	if err != nil {
		return nil, err
	}
	return l.AgentIDs, nil
}

// LevelName returns the human-readable name for a level number, or "unknown"
// if the number is outside the catalog.
func (c *Catalog) LevelName(number int) string {
	l, err := c.Level(number)
	if err != nil {
		return "unknown"
	}
	return l.Name
}
