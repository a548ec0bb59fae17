// Package provider defines the agent invocation client consumed by the
// iteration engine: the interface a completion backend must satisfy, the
// typed decoding of its loosely structured output, and a reference invoker
// that shells out to a completion CLI.
package provider

import (
	"context"
	"encoding/json"
	"fmt"
)

// ErrKind classifies provider failures.
type ErrKind string

const (
	ErrKindTimeout   ErrKind = "timeout"
	ErrKindRateLimit ErrKind = "rate_limit"
	ErrKindMalformed ErrKind = "malformed"
	ErrKindExec      ErrKind = "exec"
)

// ProviderError is returned when an agent invocation fails. The engine treats
// any ProviderError as a recoverable anomaly, never a fatal error.
type ProviderError struct {
	AgentID string
	Kind    ErrKind
	Err     error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider: agent %s: %s: %v", e.AgentID, e.Kind, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// Result is one agent's structured candidate: the proposed solution text, a
// self-reported score already clamped to [0,100], and the raw provider output
// kept for audit.
type Result struct {
	Solution string
	Score    float64
	Raw      json.RawMessage
}

// Invoker sends a prompt to a completion backend on behalf of one agent and
// returns its structured candidate. Implementations own their timeouts'
// enforcement via ctx; thread safety across concurrent calls is the
// implementation's responsibility.
type Invoker interface {
	Invoke(ctx context.Context, agentID, prompt string) (*Result, error)
}
