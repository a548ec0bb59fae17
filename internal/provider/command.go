package provider

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"
	"time"
)

// ErrCommandNotFound is returned when the completion binary is not in PATH.
var ErrCommandNotFound = errors.New("completion command not found")

// CommandCreator is a function type for creating exec.Cmd instances.
// It allows mocking command execution in tests.
type CommandCreator func(ctx context.Context, name string, args ...string) *exec.Cmd

// defaultCommandCreator creates a standard exec.Cmd.
func defaultCommandCreator(ctx context.Context, name string, args ...string) *exec.Cmd {
	return exec.CommandContext(ctx, name, args...)
}

// CommandConfig holds configuration for the command invoker.
type CommandConfig struct {
	// Command is the completion binary to run; the prompt is passed on stdin.
	Command string
	// Args are passed before the prompt-bearing flags.
	Args []string
	// Model, when set, is appended as "--model <model>".
	Model string
	// CallTimeout bounds each invocation independently, so one slow agent
	// cannot stall a whole iteration.
	CallTimeout time.Duration
}

// CommandInvoker invokes agents by running a completion CLI once per call and
// decoding its stdout. It deliberately does not cache, deduplicate, or meter
// requests; those concerns belong to the backend it wraps.
type CommandInvoker struct {
	cfg            CommandConfig
	commandCreator CommandCreator
}

// NewCommandInvoker creates a command-backed invoker.
func NewCommandInvoker(cfg CommandConfig) *CommandInvoker {
	return &CommandInvoker{
		cfg:            cfg,
		commandCreator: defaultCommandCreator,
	}
}

// SetCommandCreator sets a custom command creator (for testing).
func (c *CommandInvoker) SetCommandCreator(creator CommandCreator) {
	c.commandCreator = creator
}

// Invoke runs the completion command with the agent's prompt on stdin and
// parses the structured candidate from stdout. Failures are reported as
// *ProviderError so the engine can absorb them as anomalies.
func (c *CommandInvoker) Invoke(ctx context.Context, agentID, prompt string) (*Result, error) {
	if c.cfg.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.CallTimeout)
		defer cancel()
	}

	args := append([]string(nil), c.cfg.Args...)
	if c.cfg.Model != "" {
		args = append(args, "--model", c.cfg.Model)
	}

	cmd := c.commandCreator(ctx, c.cfg.Command, args...)
	cmd.Stdin = strings.NewReader(prompt)

	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	err := cmd.Run()
	if err != nil {
		var execErr *exec.Error
		if errors.As(err, &execErr) && errors.Is(execErr.Err, exec.ErrNotFound) {
			return nil, &ProviderError{AgentID: agentID, Kind: ErrKindExec, Err: ErrCommandNotFound}
		}
		if ctx.Err() != nil {
			return nil, &ProviderError{AgentID: agentID, Kind: ErrKindTimeout, Err: ctx.Err()}
		}
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, &ProviderError{AgentID: agentID, Kind: ErrKindExec, Err: errors.New(msg)}
		}
		return nil, &ProviderError{AgentID: agentID, Kind: ErrKindExec, Err: err}
	}

	return ParseResult(agentID, stdout.Bytes()), nil
}
