// Package app provides the application orchestration for Echelon.
// It wires configuration, storage, provider, engine, and driver together and
// connects running sessions to the TUI.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/echelondev/echelon/internal/config"
	"github.com/echelondev/echelon/internal/db"
	"github.com/echelondev/echelon/internal/driver"
	"github.com/echelondev/echelon/internal/engine"
	"github.com/echelondev/echelon/internal/hierarchy"
	"github.com/echelondev/echelon/internal/log"
	"github.com/echelondev/echelon/internal/provider"
	"github.com/echelondev/echelon/internal/tui"
)

// App orchestrates sessions end to end.
type App struct {
	cfg     *config.Config
	db      *db.DB
	catalog *hierarchy.Catalog
	engine  *engine.Engine
	driver  *driver.Driver

	// For testing: allow injecting a mock provider.
	invokerOverride provider.Invoker
}

// Config holds configuration for creating a new App.
type Config struct {
	// ConfigPath overrides the standard config file location.
	ConfigPath string

	// MaxIterationsOverride overrides max_total_iterations from config.
	// If 0, uses the value from the config file.
	MaxIterationsOverride int
}

// New creates a new App. Configuration problems are fatal here; nothing is
// opened or started yet.
func New(cfg Config) (*App, error) {
	var appConfig *config.Config
	var err error
	if cfg.ConfigPath != "" {
		appConfig, err = config.LoadFromPath(cfg.ConfigPath)
	} else {
		appConfig, err = config.Load()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if cfg.MaxIterationsOverride > 0 {
		appConfig.MaxTotalIterations = cfg.MaxIterationsOverride
	}

	return &App{cfg: appConfig}, nil
}

// initDependencies opens the store and builds the engine and driver.
func (a *App) initDependencies() error {
	database, err := db.New(a.cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	a.db = database

	a.catalog = hierarchy.NewCatalog()

	var invoker provider.Invoker
	if a.invokerOverride != nil {
		invoker = a.invokerOverride
	} else {
		invoker = provider.NewCommandInvoker(provider.CommandConfig{
			Command:     a.cfg.Provider.Command,
			Args:        a.cfg.Provider.Args,
			Model:       a.cfg.Provider.Model,
			CallTimeout: time.Duration(a.cfg.Provider.CallTimeoutSeconds) * time.Second,
		})
	}

	eng, err := engine.New(engine.Config{
		MaxTotalIterations: a.cfg.MaxTotalIterations,
		AgentCallTimeout:   time.Duration(a.cfg.Provider.CallTimeoutSeconds) * time.Second,
	}, engine.Deps{
		DB:      a.db,
		Invoker: invoker,
		Catalog: a.catalog,
	})
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}
	a.engine = eng
	a.driver = driver.New(driver.WrapEngine(eng), a.db)

	return nil
}

// cleanup releases resources.
func (a *App) cleanup() {
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			log.Warn("failed to close database", "error", err)
		}
	}
}

// Solve runs one problem to completion under the TUI.
func (a *App) Solve(ctx context.Context, problem, question string) error {
	if err := a.initDependencies(); err != nil {
		return err
	}
	defer a.cleanup()

	session, err := a.engine.CreateSession(ctx, problem, question)
	if err != nil {
		return err
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	progress := tui.NewProgressModel(session, a.catalog.Levels(), a.engine.Events(), func() error {
		return a.driver.Cancel(session.ID)
	})
	p := tea.NewProgram(tui.NewApp(progress), tea.WithAltScreen())

	runDone := make(chan error, 1)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		final, runErr := a.engine.RunToCompletion(runCtx, session)
		p.Send(tui.SessionDoneMsg{Session: final, Err: runErr})
		a.engine.Stop()
		runDone <- runErr
	}()

	_, tuiErr := p.Run()

	// Stop the run when the TUI exits.
	cancelRun()
	wg.Wait()
	runErr := <-runDone

	if tuiErr != nil {
		return tuiErr
	}
	// Canceled context is expected when the user quits.
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	return nil
}

// Result holds the outcome of a headless run.
type Result struct {
	SessionID    string
	Status       db.SessionStatus
	BestScore    float64
	BestSolution string
	Error        error
}

// SolveHeadless runs one problem to completion without the TUI, useful for
// scripting.
func (a *App) SolveHeadless(ctx context.Context, problem, question string) (*Result, error) {
	if err := a.initDependencies(); err != nil {
		return nil, err
	}
	defer a.cleanup()

	// Drain events in background; Stop closes the channel.
	go func() {
		for range a.engine.Events() {
		}
	}()
	defer a.engine.Stop()

	session, err := a.engine.CreateSession(ctx, problem, question)
	if err != nil {
		return nil, err
	}

	final, runErr := a.engine.RunToCompletion(ctx, session)
	return &Result{
		SessionID:    final.ID,
		Status:       final.Status,
		BestScore:    final.BestScore,
		BestSolution: final.BestSolution,
		Error:        runErr,
	}, nil
}

// SolveBatch runs several problems to completion without the TUI, one
// session per problem, independently. A failing problem never aborts its
// siblings.
func (a *App) SolveBatch(ctx context.Context, problems []driver.Problem) ([]driver.ProblemResult, error) {
	if err := a.initDependencies(); err != nil {
		return nil, err
	}
	defer a.cleanup()

	go func() {
		for range a.engine.Events() {
		}
	}()
	defer a.engine.Stop()

	return a.driver.SolveBatch(ctx, problems), nil
}

// Step advances an existing session by one iteration.
func (a *App) Step(ctx context.Context, sessionID string) (*db.Session, []*db.IterationStep, error) {
	if err := a.initDependencies(); err != nil {
		return nil, nil, err
	}
	defer a.cleanup()
	defer a.engine.Stop()

	go func() {
		for range a.engine.Events() {
		}
	}()

	return a.driver.Step(ctx, sessionID)
}

// Show returns a session and its recorded steps.
func (a *App) Show(sessionID string) (*db.Session, []*db.IterationStep, error) {
	if err := a.initDependencies(); err != nil {
		return nil, nil, err
	}
	defer a.cleanup()

	session, err := a.db.GetSession(sessionID)
	if err != nil {
		return nil, nil, err
	}
	steps, err := a.db.ListAllSteps(sessionID)
	if err != nil {
		return nil, nil, err
	}
	return session, steps, nil
}

// Cancel flags a session for cancellation at its next iteration boundary.
func (a *App) Cancel(sessionID string) error {
	if err := a.initDependencies(); err != nil {
		return err
	}
	defer a.cleanup()

	return a.driver.Cancel(sessionID)
}

// Serve runs the HTTP driver until ctx is cancelled.
func (a *App) Serve(ctx context.Context, listenAddr string) error {
	if err := a.initDependencies(); err != nil {
		return err
	}
	defer a.cleanup()

	go func() {
		for range a.engine.Events() {
		}
	}()
	defer a.engine.Stop()

	if listenAddr == "" {
		listenAddr = a.cfg.Server.ListenAddr
	}

	server, err := driver.NewServer(a.driver, listenAddr)
	if err != nil {
		return err
	}

	serveDone := make(chan error, 1)
	go func() {
		serveDone <- server.Start()
	}()

	select {
	case <-ctx.Done():
		if err := server.Stop(); err != nil {
			log.Warn("failed to stop server", "error", err)
		}
		<-serveDone
		return nil
	case err := <-serveDone:
		return err
	}
}

// SetInvoker allows injecting a mock provider for testing.
func (a *App) SetInvoker(invoker provider.Invoker) {
	a.invokerOverride = invoker
}
