package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/aruna/floweval/internal/config"
	"github.com/aruna/floweval/internal/logger"
	"github.com/aruna/floweval/internal/store"
	"github.com/aruna/floweval/pkg/agent"
	"github.com/aruna/floweval/pkg/deps"
	"github.com/aruna/floweval/pkg/execution"
	"github.com/aruna/floweval/pkg/flow"
)

var (
	runSkipDeps bool
	runNoStore  bool
)

var runCmd = &cobra.Command{
	Use:   "run <plan.json>",
	Short: "Execute a flow plan against the agent service",
	Long: `Execute a flow plan against the agent service.
The plan is validated, its sidecar dependencies are started if needed,
and every step result is recorded to the results store.`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().BoolVar(&runSkipDeps, "skip-deps", false, "do not start or check sidecar services")
	runCmd.Flags().BoolVar(&runNoStore, "no-store", false, "do not persist results")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}

	lg, err := logger.New(logger.Config{
		Level:   cfg.Logging.Level,
		File:    cfg.Logging.File,
		Console: true,
		Pretty:  cfg.Logging.Pretty,
	})
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer lg.Close()

	raw, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("reading plan file: %w", err)
	}
	plan, err := flow.ParsePlanDocument(raw)
	if err != nil {
		return fmt.Errorf("invalid plan document: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if !runSkipDeps {
		manager, err := deps.NewManager(cfg.Deps, lg.GetZerolog())
		if err != nil {
			return err
		}
		if err := manager.EnsureDependencies(ctx); err != nil {
			return fmt.Errorf("starting sidecar services: %w", err)
		}
		defer manager.Cleanup()
	}

	client := agent.NewClient(agent.Config{
		BaseURL: cfg.Deps.Agent.BaseURL(),
		Timeout: cfg.Executor.StepTimeout,
	}, lg.GetZerolog())

	executor := execution.NewExecutor(client, cfg.Executor, lg.GetZerolog())

	if !runNoStore {
		writer, err := store.NewWriter(cfg.Store.Path, lg.GetZerolog())
		if err != nil {
			return fmt.Errorf("opening results store: %w", err)
		}
		defer writer.Close()
		executor = executor.WithSink(writer)
	}

	result, err := executor.ExecuteFlowPlan(ctx, plan)
	if err != nil {
		return fmt.Errorf("executing flow: %w", err)
	}

	printFlowResult(result)

	if !result.Success {
		return fmt.Errorf("flow %s failed: %s", result.FlowID, result.ErrorMessage)
	}
	return nil
}

func printFlowResult(result *flow.FlowResult) {
	status := "PASSED"
	if !result.Success {
		status = "FAILED"
	}
	fmt.Printf("Flow: %s\n", result.FlowID)
	fmt.Printf("Execution: %s\n", result.ExecutionID)
	fmt.Printf("Status: %s\n", status)
	fmt.Printf("Score: %.2f\n", result.Score)
	fmt.Printf("Steps: %d succeeded, %d failed (%d critical)\n",
		result.Metrics.SuccessfulSteps,
		result.Metrics.FailedSteps,
		result.Metrics.CriticalFailures)
	fmt.Printf("Duration: %s\n", result.Metrics.TotalDuration.Round(time.Millisecond))
	if result.ErrorMessage != "" {
		fmt.Printf("Error: %s\n", result.ErrorMessage)
	}
}
