// Package main is the entry point for the Echelon CLI.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/echelondev/echelon/internal/app"
	"github.com/echelondev/echelon/internal/db"
	"github.com/echelondev/echelon/internal/driver"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath string
	var maxIterations int

	rootCmd := &cobra.Command{
		Use:   "echelon",
		Short: "Echelon drives problems through a multi-level agent hierarchy",
		Long: `Echelon takes a problem statement and iterates on it through four
levels of agent departments, from operational up to executive. Each iteration
fans the problem out to a level's agents, keeps the best-scoring candidate
solution, and either repeats the level, advances, or stops once the score
converges.`,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"Path to config file (default ~/.config/echelon/config.json)")
	rootCmd.PersistentFlags().IntVar(&maxIterations, "max-iterations", 0,
		"Override the total iteration cap")

	newApp := func() (*app.App, error) {
		return app.New(app.Config{
			ConfigPath:            configPath,
			MaxIterationsOverride: maxIterations,
		})
	}

	// solve: run one problem to completion.
	var problemFile, question string
	var headless bool
	solveCmd := &cobra.Command{
		Use:   "solve [problem...]",
		Short: "Run one or more problems through the hierarchy to completion",
		Long: `Run problems to completion. A single problem gets the interactive view;
multiple problems run as an independent batch and print one summary each.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			if len(args) > 1 {
				if problemFile != "" {
					return fmt.Errorf("--file cannot be combined with multiple problems")
				}
				problems := make([]driver.Problem, 0, len(args))
				for _, arg := range args {
					problems = append(problems, driver.Problem{Description: strings.TrimSpace(arg), Question: question})
				}
				results, err := a.SolveBatch(ctx, problems)
				if err != nil {
					return err
				}
				printBatch(results)
				return nil
			}

			problem, err := resolveProblem(args, problemFile)
			if err != nil {
				return err
			}
			if headless {
				result, err := a.SolveHeadless(ctx, problem, question)
				if err != nil {
					return err
				}
				printResult(result)
				return result.Error
			}
			return a.Solve(ctx, problem, question)
		},
	}
	solveCmd.Flags().StringVarP(&problemFile, "file", "f", "",
		"Read the problem statement from a file")
	solveCmd.Flags().StringVarP(&question, "question", "q", "",
		"Initial question (defaults to the problem statement)")
	solveCmd.Flags().BoolVar(&headless, "headless", false,
		"Run without the TUI and print the result")
	rootCmd.AddCommand(solveCmd)

	// step: advance a session by one iteration.
	stepCmd := &cobra.Command{
		Use:   "step <session-id>",
		Short: "Advance a session by exactly one iteration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}

			session, steps, err := a.Step(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			for _, step := range steps {
				fmt.Printf("  %-12s %6.1f\n", step.AgentID, step.OutputScore)
			}
			printSession(session)
			return nil
		},
	}
	rootCmd.AddCommand(stepCmd)

	// show: print a session and its steps.
	showCmd := &cobra.Command{
		Use:   "show <session-id>",
		Short: "Show a session's state and recorded steps",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}

			session, steps, err := a.Show(args[0])
			if err != nil {
				return err
			}

			printSession(session)
			if len(steps) > 0 {
				fmt.Println("\nSteps:")
				for _, step := range steps {
					fmt.Printf("  L%d i%d %-12s %6.1f\n",
						step.Level, step.IterationNumber, step.AgentID, step.OutputScore)
				}
			}
			return nil
		},
	}
	rootCmd.AddCommand(showCmd)

	// cancel: request cancellation of an active session.
	cancelCmd := &cobra.Command{
		Use:   "cancel <session-id>",
		Short: "Request cancellation of an active session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			if err := a.Cancel(args[0]); err != nil {
				return err
			}
			fmt.Println("cancel requested")
			return nil
		},
	}
	rootCmd.AddCommand(cancelCmd)

	// serve: run the HTTP driver.
	var listenAddr string
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the iteration API over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.Serve(ctx, listenAddr)
		},
	}
	serveCmd.Flags().StringVar(&listenAddr, "listen", "",
		"Listen address (default from config)")
	rootCmd.AddCommand(serveCmd)

	return rootCmd.Execute()
}

// resolveProblem picks the problem statement from the positional argument or
// the --file flag, requiring exactly one source.
func resolveProblem(args []string, problemFile string) (string, error) {
	if problemFile != "" {
		if len(args) > 0 {
			return "", fmt.Errorf("give the problem as an argument or with --file, not both")
		}
		content, err := os.ReadFile(problemFile)
		if err != nil {
			return "", fmt.Errorf("failed to read problem file: %w", err)
		}
		return strings.TrimSpace(string(content)), nil
	}
	if len(args) == 0 || strings.TrimSpace(args[0]) == "" {
		return "", fmt.Errorf("a problem statement is required (argument or --file)")
	}
	return strings.TrimSpace(args[0]), nil
}

func printSession(s *db.Session) {
	fmt.Printf("session %s\n", s.ID)
	fmt.Printf("  status:    %s", s.Status)
	if s.FailureReason != "" {
		fmt.Printf(" (%s)", s.FailureReason)
	}
	fmt.Println()
	fmt.Printf("  level:     %d\n", s.CurrentLevel)
	fmt.Printf("  iteration: %d\n", s.CurrentIteration)
	fmt.Printf("  best:      %.1f\n", s.BestScore)
	if s.BestSolution != "" {
		fmt.Printf("\n%s\n", s.BestSolution)
	}
}

func printBatch(results []driver.ProblemResult) {
	for i, r := range results {
		if i > 0 {
			fmt.Println()
		}
		fmt.Printf("problem: %s\n", r.Problem)
		fmt.Printf("  status: %s", r.Status)
		if r.Error != "" {
			fmt.Printf(" (%s)", r.Error)
		}
		fmt.Println()
		fmt.Printf("  best:   %.1f (level %d)\n", r.BestScore, r.FinalLevel)
		if r.BestSolution != "" {
			fmt.Printf("  %s\n", r.BestSolution)
		}
	}
}

func printResult(r *app.Result) {
	fmt.Printf("session %s\n", r.SessionID)
	fmt.Printf("  status: %s\n", r.Status)
	fmt.Printf("  best:   %.1f\n", r.BestScore)
	if r.BestSolution != "" {
		fmt.Printf("\n%s\n", r.BestSolution)
	}
}
