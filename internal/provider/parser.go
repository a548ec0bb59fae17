package provider

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/echelondev/echelon/internal/convergence"
	"github.com/echelondev/echelon/internal/log"
)

// rawResult is used for the first decoding pass. Score is kept as a raw
// message because providers have been seen returning it as a number, a
// quoted numeric string, or not at all.
type rawResult struct {
	Solution string          `json:"solution"`
	Score    json.RawMessage `json:"score"`
}

// ParseResult decodes a provider's output into a Result, applying the
// defaulting rules: a missing or non-numeric score coerces to 0 (the caller
// records the anomaly), and numeric scores are clamped to [0,100]. The JSON
// object may be surrounded by prose; the outermost braces are located first.
// ParseResult never fails: unparseable output degrades to a zero-score
// candidate whose solution is the raw text.
func ParseResult(agentID string, output []byte) *Result {
	text := string(output)

	payload, found := extractObject(text)
	if !found {
		log.Warn("no JSON object in provider output, treating as plain text",
			"agent", agentID)
		return &Result{
			Solution: strings.TrimSpace(text),
			Score:    0,
			Raw:      json.RawMessage(output),
		}
	}

	var raw rawResult
	if err := json.Unmarshal([]byte(payload), &raw); err != nil {
		log.Warn("malformed provider JSON, treating as plain text",
			"agent", agentID, "error", err)
		return &Result{
			Solution: strings.TrimSpace(text),
			Score:    0,
			Raw:      json.RawMessage(output),
		}
	}

	score, ok := coerceScore(raw.Score)
	if !ok {
		log.Warn("unscorable provider output, coercing score to 0", "agent", agentID)
	}

	return &Result{
		Solution: raw.Solution,
		Score:    convergence.Clamp(score),
		Raw:      json.RawMessage(output),
	}
}

// extractObject returns the outermost {...} span in text.
func extractObject(text string) (string, bool) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start == -1 || end == -1 || start >= end {
		return "", false
	}
	return text[start : end+1], true
}

// coerceScore interprets a raw score value as a float. It accepts JSON
// numbers and numeric strings; anything else coerces to 0 with ok=false.
func coerceScore(raw json.RawMessage) (float64, bool) {
	if len(raw) == 0 {
		return 0, false
	}

	var num float64
	if err := json.Unmarshal(raw, &num); err == nil {
		return num, true
	}

	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		if num, err := strconv.ParseFloat(strings.TrimSpace(str), 64); err == nil {
			return num, true
		}
	}

	return 0, false
}
