package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/echelondev/echelon/internal/db"
	"github.com/echelondev/echelon/internal/hierarchy"
	"github.com/echelondev/echelon/internal/provider"
)

// fakeInvoker returns scripted results keyed by agent id. Agents without a
// script fail with a provider error. An optional delay map staggers
// completion to exercise the fan-out's ordering guarantees.
type fakeInvoker struct {
	mu     sync.Mutex
	scores map[string][]float64 // consumed one per call, last value repeats
	delays map[string]time.Duration
	calls  map[string]int
}

func newFakeInvoker(scores map[string][]float64) *fakeInvoker {
	return &fakeInvoker{
		scores: scores,
		calls:  make(map[string]int),
	}
}

func (f *fakeInvoker) Invoke(ctx context.Context, agentID, prompt string) (*provider.Result, error) {
	f.mu.Lock()
	delay := f.delays[agentID]
	f.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, &provider.ProviderError{AgentID: agentID, Kind: provider.ErrKindTimeout, Err: ctx.Err()}
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	script, ok := f.scores[agentID]
	if !ok {
		return nil, &provider.ProviderError{
			AgentID: agentID,
			Kind:    provider.ErrKindExec,
			Err:     errors.New("scripted failure"),
		}
	}

	call := f.calls[agentID]
	f.calls[agentID]++
	idx := call
	if idx >= len(script) {
		idx = len(script) - 1
	}
	score := script[idx]

	return &provider.Result{
		Solution: fmt.Sprintf("%s solution %d", agentID, call),
		Score:    score,
	}, nil
}

func (f *fakeInvoker) totalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

// flakyStore wraps the real store and fails a number of session writes.
type flakyStore struct {
	*db.DB
	failUpdates int
}

func (f *flakyStore) UpdateSession(session *db.Session) error {
	if f.failUpdates > 0 {
		f.failUpdates--
		return errors.New("disk full")
	}
	return f.DB.UpdateSession(session)
}

func testEngine(t *testing.T, invoker provider.Invoker, cfg Config) (*Engine, *db.DB) {
	t.Helper()
	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("failed to create test database: %v", err)
	}
	t.Cleanup(func() { _ = database.Close() })

	eng, err := New(cfg, Deps{
		DB:      database,
		Invoker: invoker,
		Catalog: hierarchy.NewCatalog(),
	})
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	t.Cleanup(eng.Stop)

	// Drain events so a full buffer can never block anything.
	go func() {
		for range eng.Events() {
		}
	}()

	return eng, database
}

func TestNew_Validation(t *testing.T) {
	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("failed to create test database: %v", err)
	}
	defer database.Close()

	invoker := newFakeInvoker(nil)
	catalog := hierarchy.NewCatalog()

	tests := []struct {
		name string
		deps Deps
	}{
		{"missing db", Deps{Invoker: invoker, Catalog: catalog}},
		{"missing invoker", Deps{DB: database, Catalog: catalog}},
		{"missing catalog", Deps{DB: database, Invoker: invoker}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(Config{}, tt.deps); err == nil {
				t.Error("New() returned nil error")
			}
		})
	}
}

func TestCreateSession(t *testing.T) {
	eng, database := testEngine(t, newFakeInvoker(nil), Config{})

	session, err := eng.CreateSession(context.Background(), "reduce churn", "")
	if err != nil {
		t.Fatalf("CreateSession() returned error: %v", err)
	}

	if session.Status != db.SessionActive {
		t.Errorf("Status = %q, want active", session.Status)
	}
	if session.CurrentLevel != 1 || session.CurrentIteration != 1 {
		t.Errorf("position = L%d i%d, want L1 i1", session.CurrentLevel, session.CurrentIteration)
	}
	// An empty question falls back to the problem text.
	if session.InitialQuestion != "reduce churn" {
		t.Errorf("InitialQuestion = %q, want problem text", session.InitialQuestion)
	}

	if _, err := database.GetSession(session.ID); err != nil {
		t.Errorf("session not persisted: %v", err)
	}
}

func TestCreateSession_RequiresProblem(t *testing.T) {
	eng, _ := testEngine(t, newFakeInvoker(nil), Config{})

	if _, err := eng.CreateSession(context.Background(), "", "q"); err == nil {
		t.Error("CreateSession() returned nil error for empty problem")
	}
}

func TestRunIteration_RecordsStepsAndAdvances(t *testing.T) {
	invoker := newFakeInvoker(map[string][]float64{
		"support":    {40},
		"operations": {62},
		"logistics":  {55},
	})
	eng, database := testEngine(t, invoker, Config{})

	session, err := eng.CreateSession(context.Background(), "reduce churn", "")
	if err != nil {
		t.Fatalf("CreateSession() returned error: %v", err)
	}

	updated, steps, err := eng.RunIteration(context.Background(), session)
	if err != nil {
		t.Fatalf("RunIteration() returned error: %v", err)
	}

	if len(steps) != 3 {
		t.Fatalf("recorded %d steps, want 3", len(steps))
	}
	// Steps come back in catalog order regardless of completion order.
	wantAgents := []string{"support", "operations", "logistics"}
	for i, want := range wantAgents {
		if steps[i].AgentID != want {
			t.Errorf("steps[%d].AgentID = %q, want %q", i, steps[i].AgentID, want)
		}
	}

	// 62 over a previous best of 0 is a big improvement below the top level.
	if updated.CurrentLevel != 2 || updated.CurrentIteration != 1 {
		t.Errorf("position = L%d i%d, want L2 i1", updated.CurrentLevel, updated.CurrentIteration)
	}
	if updated.BestScore != 62 {
		t.Errorf("BestScore = %v, want 62", updated.BestScore)
	}
	if updated.BestSolution == "" {
		t.Error("BestSolution is empty")
	}

	persisted, err := database.GetSession(session.ID)
	if err != nil {
		t.Fatalf("GetSession() returned error: %v", err)
	}
	if persisted.CurrentLevel != 2 || persisted.BestScore != 62 {
		t.Errorf("persisted session L%d best %v, want L2 best 62",
			persisted.CurrentLevel, persisted.BestScore)
	}
}

func TestRunIteration_TerminatesOnGoodEnoughScore(t *testing.T) {
	invoker := newFakeInvoker(map[string][]float64{
		"support":    {95},
		"operations": {10},
		"logistics":  {10},
	})
	eng, _ := testEngine(t, invoker, Config{})

	session, _ := eng.CreateSession(context.Background(), "reduce churn", "")
	updated, _, err := eng.RunIteration(context.Background(), session)
	if err != nil {
		t.Fatalf("RunIteration() returned error: %v", err)
	}

	if updated.Status != db.SessionCompleted {
		t.Errorf("Status = %q, want completed", updated.Status)
	}
	if updated.CompletedAt == nil {
		t.Error("CompletedAt is nil")
	}
	if updated.BestScore != 95 {
		t.Errorf("BestScore = %v, want 95", updated.BestScore)
	}
}

func TestRunIteration_SmallGainRepeats(t *testing.T) {
	invoker := newFakeInvoker(map[string][]float64{
		"support":    {5},
		"operations": {3},
		"logistics":  {1},
	})
	eng, _ := testEngine(t, invoker, Config{})

	session, _ := eng.CreateSession(context.Background(), "reduce churn", "")
	updated, _, err := eng.RunIteration(context.Background(), session)
	if err != nil {
		t.Fatalf("RunIteration() returned error: %v", err)
	}

	if updated.CurrentLevel != 1 || updated.CurrentIteration != 2 {
		t.Errorf("position = L%d i%d, want L1 i2", updated.CurrentLevel, updated.CurrentIteration)
	}
	if updated.BestScore != 5 {
		t.Errorf("BestScore = %v, want 5", updated.BestScore)
	}
}

func TestRunIteration_BestScoreMonotonic(t *testing.T) {
	// Second iteration scores worse; the recorded best must not regress.
	invoker := newFakeInvoker(map[string][]float64{
		"support":    {50, 8},
		"operations": {1, 2},
		"logistics":  {1, 2},
	})
	eng, _ := testEngine(t, invoker, Config{MaxTotalIterations: 10})

	session, _ := eng.CreateSession(context.Background(), "reduce churn", "")

	first, _, err := eng.RunIteration(context.Background(), session)
	if err != nil {
		t.Fatalf("first RunIteration() returned error: %v", err)
	}
	if first.BestScore != 50 {
		t.Fatalf("BestScore after first iteration = %v, want 50", first.BestScore)
	}

	second, _, err := eng.RunIteration(context.Background(), first)
	if err != nil {
		t.Fatalf("second RunIteration() returned error: %v", err)
	}
	if second.BestScore != 50 {
		t.Errorf("BestScore regressed to %v, want 50", second.BestScore)
	}
	if second.BestSolution != first.BestSolution {
		t.Errorf("BestSolution changed on a worse iteration")
	}
}

func TestRunIteration_SessionWriteFailureIsRetryable(t *testing.T) {
	invoker := newFakeInvoker(map[string][]float64{
		"support":    {40},
		"operations": {62},
		"logistics":  {55},
	})
	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("failed to create test database: %v", err)
	}
	t.Cleanup(func() { _ = database.Close() })

	store := &flakyStore{DB: database, failUpdates: 1}
	eng, err := New(Config{}, Deps{
		DB:      store,
		Invoker: invoker,
		Catalog: hierarchy.NewCatalog(),
	})
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	t.Cleanup(eng.Stop)
	go func() {
		for range eng.Events() {
		}
	}()

	session, err := eng.CreateSession(context.Background(), "reduce churn", "")
	if err != nil {
		t.Fatalf("CreateSession() returned error: %v", err)
	}

	if _, _, err := eng.RunIteration(context.Background(), session); err == nil {
		t.Fatal("RunIteration() returned nil error on a failing session write")
	}

	// The caller's session is untouched by the failed write.
	if session.Status != db.SessionActive || session.CurrentLevel != 1 || session.CurrentIteration != 1 {
		t.Errorf("session mutated by failed write: status %q L%d i%d",
			session.Status, session.CurrentLevel, session.CurrentIteration)
	}

	// The steps landed before the session write failed.
	count, err := database.CountSteps(session.ID)
	if err != nil {
		t.Fatalf("CountSteps() returned error: %v", err)
	}
	if count != 3 {
		t.Fatalf("persisted %d steps, want 3", count)
	}
	callsBefore := invoker.totalCalls()

	// The retry reuses the recorded steps; no agent runs twice.
	updated, steps, err := eng.RunIteration(context.Background(), session)
	if err != nil {
		t.Fatalf("retried RunIteration() returned error: %v", err)
	}
	if got := invoker.totalCalls(); got != callsBefore {
		t.Errorf("retry invoked agents: %d calls, want %d", got, callsBefore)
	}

	if len(steps) != 3 {
		t.Fatalf("retry returned %d steps, want 3", len(steps))
	}
	wantAgents := []string{"support", "operations", "logistics"}
	for i, want := range wantAgents {
		if steps[i].AgentID != want {
			t.Errorf("steps[%d].AgentID = %q, want %q", i, steps[i].AgentID, want)
		}
	}
	// 62 over a previous best of 0 still advances.
	if updated.CurrentLevel != 2 || updated.BestScore != 62 {
		t.Errorf("retry produced L%d best %v, want L2 best 62",
			updated.CurrentLevel, updated.BestScore)
	}
}

func TestRunIteration_TerminalSession(t *testing.T) {
	eng, _ := testEngine(t, newFakeInvoker(nil), Config{})

	session, _ := eng.CreateSession(context.Background(), "reduce churn", "")
	session.Status = db.SessionCompleted

	if _, _, err := eng.RunIteration(context.Background(), session); !errors.Is(err, ErrSessionTerminal) {
		t.Errorf("RunIteration() error = %v, want ErrSessionTerminal", err)
	}
}

func TestRunIteration_CancelRequested(t *testing.T) {
	invoker := newFakeInvoker(map[string][]float64{"support": {50}})
	eng, database := testEngine(t, invoker, Config{})

	session, _ := eng.CreateSession(context.Background(), "reduce churn", "")
	if err := database.RequestCancel(session.ID); err != nil {
		t.Fatalf("RequestCancel() returned error: %v", err)
	}

	updated, steps, err := eng.RunIteration(context.Background(), session)
	if err != nil {
		t.Fatalf("RunIteration() returned error: %v", err)
	}

	if updated.Status != db.SessionFailed {
		t.Errorf("Status = %q, want failed", updated.Status)
	}
	if updated.FailureReason != CancelledReason {
		t.Errorf("FailureReason = %q, want %q", updated.FailureReason, CancelledReason)
	}
	if updated.CompletedAt == nil {
		t.Error("CompletedAt is nil")
	}
	if len(steps) != 0 {
		t.Errorf("recorded %d steps for a cancelled session, want 0", len(steps))
	}

	// No agent was ever invoked.
	invoker.mu.Lock()
	defer invoker.mu.Unlock()
	if len(invoker.calls) != 0 {
		t.Errorf("invoker was called %v times, want none", invoker.calls)
	}
}

func TestRunIteration_AllAgentsFailing(t *testing.T) {
	// Empty script: every agent call fails.
	eng, database := testEngine(t, newFakeInvoker(nil), Config{})

	session, _ := eng.CreateSession(context.Background(), "reduce churn", "")
	updated, steps, err := eng.RunIteration(context.Background(), session)
	if err != nil {
		t.Fatalf("RunIteration() returned error: %v", err)
	}

	if len(steps) != 0 {
		t.Errorf("recorded %d steps, want 0", len(steps))
	}
	// Zero candidates score zero; first iteration at level 1 repeats.
	if updated.Status != db.SessionActive {
		t.Errorf("Status = %q, want active", updated.Status)
	}
	if updated.CurrentIteration != 2 {
		t.Errorf("CurrentIteration = %d, want 2", updated.CurrentIteration)
	}

	count, err := database.CountSteps(session.ID)
	if err != nil {
		t.Fatalf("CountSteps() returned error: %v", err)
	}
	if count != 0 {
		t.Errorf("persisted %d steps, want 0", count)
	}
}

func TestRunIteration_PartialFailure(t *testing.T) {
	// Only one agent answers; the iteration proceeds with that candidate.
	invoker := newFakeInvoker(map[string][]float64{"operations": {30}})
	eng, _ := testEngine(t, invoker, Config{})

	session, _ := eng.CreateSession(context.Background(), "reduce churn", "")
	updated, steps, err := eng.RunIteration(context.Background(), session)
	if err != nil {
		t.Fatalf("RunIteration() returned error: %v", err)
	}

	if len(steps) != 1 || steps[0].AgentID != "operations" {
		t.Fatalf("steps = %+v, want one step from operations", steps)
	}
	if updated.BestScore != 30 {
		t.Errorf("BestScore = %v, want 30", updated.BestScore)
	}
}

func TestRunIteration_SlowAgentDoesNotChangeOrdering(t *testing.T) {
	invoker := newFakeInvoker(map[string][]float64{
		"support":    {80},
		"operations": {80},
		"logistics":  {80},
	})
	// The first agent finishes last; ties must still resolve to it.
	invoker.delays = map[string]time.Duration{"support": 50 * time.Millisecond}
	eng, _ := testEngine(t, invoker, Config{})

	session, _ := eng.CreateSession(context.Background(), "reduce churn", "")
	updated, steps, err := eng.RunIteration(context.Background(), session)
	if err != nil {
		t.Fatalf("RunIteration() returned error: %v", err)
	}

	if steps[0].AgentID != "support" {
		t.Errorf("steps[0].AgentID = %q, want support", steps[0].AgentID)
	}
	if updated.BestSolution != steps[0].OutputSolution {
		t.Errorf("tie broke to %q, want the first agent's solution", updated.BestSolution)
	}
}

func TestRunIteration_AgentTimeout(t *testing.T) {
	invoker := newFakeInvoker(map[string][]float64{
		"support":    {60},
		"operations": {20},
		"logistics":  {20},
	})
	invoker.delays = map[string]time.Duration{"support": 500 * time.Millisecond}
	eng, _ := testEngine(t, invoker, Config{AgentCallTimeout: 50 * time.Millisecond})

	session, _ := eng.CreateSession(context.Background(), "reduce churn", "")
	updated, steps, err := eng.RunIteration(context.Background(), session)
	if err != nil {
		t.Fatalf("RunIteration() returned error: %v", err)
	}

	// The slow agent's candidate is dropped, not waited for.
	if len(steps) != 2 {
		t.Fatalf("recorded %d steps, want 2", len(steps))
	}
	if updated.BestScore != 20 {
		t.Errorf("BestScore = %v, want 20", updated.BestScore)
	}
}

func TestRunToCompletion_Terminates(t *testing.T) {
	invoker := newFakeInvoker(map[string][]float64{
		"support":     {50},
		"operations":  {50},
		"logistics":   {50},
		"marketing":   {95},
		"sales":       {10},
		"engineering": {10},
	})
	eng, _ := testEngine(t, invoker, Config{})

	session, _ := eng.CreateSession(context.Background(), "reduce churn", "")
	final, err := eng.RunToCompletion(context.Background(), session)
	if err != nil {
		t.Fatalf("RunToCompletion() returned error: %v", err)
	}

	if final.Status != db.SessionCompleted {
		t.Errorf("Status = %q, want completed", final.Status)
	}
	if final.BestScore != 95 {
		t.Errorf("BestScore = %v, want 95", final.BestScore)
	}
	if final.CurrentLevel != 2 {
		t.Errorf("CurrentLevel = %d, want 2", final.CurrentLevel)
	}
}

func TestRunToCompletion_CapForcesCompletion(t *testing.T) {
	// Tiny scores keep the session repeating level 1 forever.
	invoker := newFakeInvoker(map[string][]float64{
		"support":    {1},
		"operations": {1},
		"logistics":  {1},
	})
	eng, _ := testEngine(t, invoker, Config{MaxTotalIterations: 3})

	session, _ := eng.CreateSession(context.Background(), "reduce churn", "")
	final, err := eng.RunToCompletion(context.Background(), session)
	if err != nil {
		t.Fatalf("RunToCompletion() returned error: %v", err)
	}

	if final.Status != db.SessionCompleted {
		t.Errorf("Status = %q, want completed (graceful cap)", final.Status)
	}
	if final.CompletedAt == nil {
		t.Error("CompletedAt is nil")
	}
	if final.BestScore != 1 {
		t.Errorf("BestScore = %v, want 1", final.BestScore)
	}
}

func TestRunToCompletion_ContextCancelled(t *testing.T) {
	eng, _ := testEngine(t, newFakeInvoker(nil), Config{})

	session, _ := eng.CreateSession(context.Background(), "reduce churn", "")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := eng.RunToCompletion(ctx, session)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("RunToCompletion() error = %v, want context.Canceled", err)
	}
}

func TestRunIteration_PersistsInputSnapshot(t *testing.T) {
	invoker := newFakeInvoker(map[string][]float64{
		"support":     {50},
		"operations":  {1},
		"logistics":   {1},
		"marketing":   {60},
		"sales":       {1},
		"engineering": {1},
	})
	eng, database := testEngine(t, invoker, Config{})

	session, _ := eng.CreateSession(context.Background(), "reduce churn", "")
	updated, _, err := eng.RunIteration(context.Background(), session)
	if err != nil {
		t.Fatalf("first RunIteration() returned error: %v", err)
	}
	if _, _, err := eng.RunIteration(context.Background(), updated); err != nil {
		t.Fatalf("second RunIteration() returned error: %v", err)
	}

	steps, err := database.ListAllSteps(session.ID)
	if err != nil {
		t.Fatalf("ListAllSteps() returned error: %v", err)
	}
	if len(steps) != 6 {
		t.Fatalf("persisted %d steps, want 6", len(steps))
	}

	// First-iteration snapshots carry no previous best; later ones do.
	for _, step := range steps {
		if step.Level == 1 && step.IterationNumber == 1 {
			if !strings.Contains(step.InputSnapshot, `"previous_best_score":0`) {
				t.Errorf("first snapshot = %q, want zero previous best", step.InputSnapshot)
			}
		}
		if step.Level == 2 {
			if !strings.Contains(step.InputSnapshot, `"previous_best_score":50`) {
				t.Errorf("level 2 snapshot = %q, want previous best 50", step.InputSnapshot)
			}
		}
	}
}
