package hierarchy

import (
	"bytes"
	"fmt"
	"text/template"
)

// DefaultAgentPrompt is the embedded prompt template every department agent
// receives. It uses Go text/template syntax for variable substitution.
const DefaultAgentPrompt = `You are the {{.AgentID}} department at the {{.LevelName}} level of the organization.

## Problem
{{.Problem}}

## Question
{{.Question}}
{{if .PreviousBestSolution}}
## Best Solution So Far (score {{printf "%.1f" .PreviousBestScore}}/100)
{{.PreviousBestSolution}}

Improve on this solution from your department's perspective. Keep what works,
fix what doesn't.
{{else}}
No prior solution exists. Propose an initial solution from your department's
perspective.
{{end}}
## Output Format

Return a single JSON object:

{
  "solution": "your full proposed solution",
  "score": 0-100 self-assessment of how completely this solves the problem
}
`

// PromptContext holds the data rendered into an agent prompt. It mirrors the
// input snapshot persisted with each iteration step.
type PromptContext struct {
	AgentID              string
	LevelName            string
	Problem              string
	Question             string
	PreviousBestSolution string
	PreviousBestScore    float64
}

// BuildPrompt renders the agent prompt template with the given context.
func BuildPrompt(ctx PromptContext) (string, error) {
	return executeTemplate(DefaultAgentPrompt, ctx)
}

// executeTemplate parses and executes a Go text/template with the given data.
func executeTemplate(tmpl string, data interface{}) (string, error) {
	t, err := template.New("prompt").Parse(tmpl)
	if err != nil {
		return "", fmt.Errorf("failed to parse template: %w", err)
	}

	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to execute template: %w", err)
	}

	return buf.String(), nil
}
