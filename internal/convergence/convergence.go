// Package convergence implements the scoring and convergence policy for the
// iteration engine: given one iteration's candidate scores and the previous
// best, it decides whether to terminate, advance a level, or repeat.
package convergence

import "github.com/echelondev/echelon/internal/hierarchy"

// Policy thresholds.
const (
	// ScoreGoodEnough terminates the session outright when any candidate
	// reaches it.
	ScoreGoodEnough = 90.0
	// MinImprovement is the score gain below which a level is considered
	// converged (once enough iterations have run).
	MinImprovement = 10.0
	// MinIterationsPerLevel is the number of iterations a level must run
	// before lack of improvement can advance it.
	MinIterationsPerLevel = 3

	// MinScore and MaxScore bound every candidate score. Out-of-range agent
	// output is clamped before comparison.
	MinScore = 0.0
	MaxScore = 100.0
)

// Candidate is one agent's proposed solution with its self-reported score.
type Candidate struct {
	AgentID  string
	Solution string
	Score    float64
}

// VerdictKind is the policy's decision for one iteration.
type VerdictKind string

const (
	// VerdictTerminate ends the session with the best candidate.
	VerdictTerminate VerdictKind = "terminate"
	// VerdictAdvance moves to the next level and resets the iteration counter.
	VerdictAdvance VerdictKind = "advance"
	// VerdictRepeat stays at the current level for another iteration.
	VerdictRepeat VerdictKind = "repeat"
)

// Verdict is the outcome of evaluating one iteration's candidates.
// Best is nil when the candidate set was empty (all agent calls failed).
type Verdict struct {
	Kind VerdictKind
	Best *Candidate
}

// Clamp bounds a score to [MinScore, MaxScore].
func Clamp(score float64) float64 {
	if score < MinScore {
		return MinScore
	}
	if score > MaxScore {
		return MaxScore
	}
	return score
}

// Decide evaluates the convergence rules in order, first match wins:
//
//  1. best score >= ScoreGoodEnough            -> terminate
//  2. improvement < MinImprovement after
//     MinIterationsPerLevel iterations         -> terminate at the top level,
//     advance otherwise
//  3. improvement >= MinImprovement below
//     the top level                            -> advance
//  4. otherwise                                -> repeat
//
// Candidates must be passed in catalog agent order; ties on score resolve to
// the first candidate seen, which makes the decision deterministic. An empty
// candidate set is treated as a best score of zero and must not panic: the
// iteration degrades to a repeat (or terminate via rule 2 at the top level).
func Decide(candidates []Candidate, previousBestScore float64, iterationsAtLevel, level int) Verdict {
	best := pickBest(candidates)

	bestScore := MinScore
	if best != nil {
		bestScore = best.Score
	}
	improvement := bestScore - Clamp(previousBestScore)

	if bestScore >= ScoreGoodEnough {
		return Verdict{Kind: VerdictTerminate, Best: best}
	}

	if improvement < MinImprovement && iterationsAtLevel >= MinIterationsPerLevel {
		if level >= hierarchy.MaxLevel {
			return Verdict{Kind: VerdictTerminate, Best: best}
		}
		return Verdict{Kind: VerdictAdvance, Best: best}
	}

	if improvement >= MinImprovement && level < hierarchy.MaxLevel {
		return Verdict{Kind: VerdictAdvance, Best: best}
	}

	return Verdict{Kind: VerdictRepeat, Best: best}
}

// pickBest returns the highest-scoring candidate, clamping scores first.
// Ties resolve to the earliest candidate in the slice.
func pickBest(candidates []Candidate) *Candidate {
	var best *Candidate
	for i := range candidates {
		c := candidates[i]
		c.Score = Clamp(c.Score)
		if best == nil || c.Score > best.Score {
			picked := c
			best = &picked
		}
	}
	return best
}
