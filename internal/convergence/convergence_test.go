package convergence

import (
	"testing"
)

func TestClamp(t *testing.T) {
	tests := []struct {
		name  string
		score float64
		want  float64
	}{
		{"in range", 47.5, 47.5},
		{"zero", 0, 0},
		{"max", 100, 100},
		{"above max", 230, 100},
		{"negative", -12, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Clamp(tt.score); got != tt.want {
				t.Errorf("Clamp(%v) = %v, want %v", tt.score, got, tt.want)
			}
		})
	}
}

func candidates(scores ...float64) []Candidate {
	out := make([]Candidate, len(scores))
	for i, s := range scores {
		out[i] = Candidate{AgentID: string(rune('a' + i)), Solution: "solution", Score: s}
	}
	return out
}

func TestDecide_GoodEnoughTerminates(t *testing.T) {
	// Reaching the threshold stops everything, at any level.
	for _, level := range []int{1, 2, 3, 4} {
		v := Decide(candidates(42, 95, 10), 0, 1, level)
		if v.Kind != VerdictTerminate {
			t.Errorf("level %d: kind = %v, want terminate", level, v.Kind)
		}
		if v.Best == nil || v.Best.Score != 95 {
			t.Errorf("level %d: best = %+v, want score 95", level, v.Best)
		}
	}
}

func TestDecide_StalledAdvancesBelowTopLevel(t *testing.T) {
	// Small improvement after enough iterations moves the problem up a level.
	v := Decide(candidates(55), 50, 3, 2)
	if v.Kind != VerdictAdvance {
		t.Errorf("kind = %v, want advance", v.Kind)
	}
}

func TestDecide_StalledTerminatesAtTopLevel(t *testing.T) {
	v := Decide(candidates(55), 50, 3, 4)
	if v.Kind != VerdictTerminate {
		t.Errorf("kind = %v, want terminate", v.Kind)
	}
	if v.Best == nil || v.Best.Score != 55 {
		t.Errorf("best = %+v, want score 55", v.Best)
	}
}

func TestDecide_StalledButEarlyRepeats(t *testing.T) {
	// Same stall, but before the minimum iteration count: keep going.
	v := Decide(candidates(55), 50, 2, 2)
	if v.Kind != VerdictRepeat {
		t.Errorf("kind = %v, want repeat", v.Kind)
	}
}

func TestDecide_BigImprovementAdvances(t *testing.T) {
	v := Decide(candidates(40, 70), 50, 1, 3)
	if v.Kind != VerdictAdvance {
		t.Errorf("kind = %v, want advance", v.Kind)
	}
	if v.Best == nil || v.Best.Score != 70 {
		t.Errorf("best = %+v, want score 70", v.Best)
	}
}

func TestDecide_BigImprovementAtTopLevelRepeats(t *testing.T) {
	// There is nowhere to advance to from the top, so improvement repeats.
	v := Decide(candidates(70), 50, 1, 4)
	if v.Kind != VerdictRepeat {
		t.Errorf("kind = %v, want repeat", v.Kind)
	}
}

func TestDecide_Rules(t *testing.T) {
	tests := []struct {
		name       string
		scores     []float64
		prevBest   float64
		iterations int
		level      int
		want       VerdictKind
	}{
		{"first iteration low scores", []float64{20, 30}, 0, 1, 1, VerdictAdvance},
		{"first iteration tiny gain", []float64{5}, 0, 1, 1, VerdictRepeat},
		{"threshold exactly met", []float64{90}, 0, 1, 1, VerdictTerminate},
		{"improvement exactly at minimum", []float64{60}, 50, 1, 2, VerdictAdvance},
		{"improvement just under minimum late", []float64{59.9}, 50, 5, 3, VerdictAdvance},
		{"improvement just under minimum late top", []float64{59.9}, 50, 5, 4, VerdictTerminate},
		{"regression counts as no improvement", []float64{30}, 50, 3, 4, VerdictTerminate},
		{"regression early repeats", []float64{30}, 50, 1, 2, VerdictRepeat},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := Decide(candidates(tt.scores...), tt.prevBest, tt.iterations, tt.level)
			if v.Kind != tt.want {
				t.Errorf("Decide() kind = %v, want %v", v.Kind, tt.want)
			}
		})
	}
}

func TestDecide_EmptyCandidates(t *testing.T) {
	// No candidates is scored as zero, never a crash.
	v := Decide(nil, 50, 1, 2)
	if v.Kind != VerdictRepeat {
		t.Errorf("kind = %v, want repeat", v.Kind)
	}
	if v.Best != nil {
		t.Errorf("best = %+v, want nil", v.Best)
	}

	// At the top level with enough iterations the zero score stalls out.
	v = Decide(nil, 50, 3, 4)
	if v.Kind != VerdictTerminate {
		t.Errorf("kind = %v, want terminate", v.Kind)
	}
}

func TestDecide_TieBreakKeepsFirstAgent(t *testing.T) {
	cands := []Candidate{
		{AgentID: "marketing", Solution: "m", Score: 80},
		{AgentID: "sales", Solution: "s", Score: 80},
		{AgentID: "engineering", Solution: "e", Score: 80},
	}

	// Ties resolve to the earliest agent in the input order, every time.
	for i := 0; i < 10; i++ {
		v := Decide(cands, 0, 1, 2)
		if v.Best == nil || v.Best.AgentID != "marketing" {
			t.Fatalf("best agent = %+v, want marketing", v.Best)
		}
	}
}

func TestDecide_ClampsOutOfRangeScores(t *testing.T) {
	// A runaway score still terminates, but reports at most 100.
	v := Decide(candidates(250), 0, 1, 1)
	if v.Kind != VerdictTerminate {
		t.Errorf("kind = %v, want terminate", v.Kind)
	}
	if v.Best == nil || v.Best.Score != 100 {
		t.Errorf("best = %+v, want score 100", v.Best)
	}

	// Negative scores clamp to zero rather than dragging improvement negative.
	v = Decide(candidates(-40), 0, 1, 1)
	if v.Best == nil || v.Best.Score != 0 {
		t.Errorf("best = %+v, want score 0", v.Best)
	}
}
