package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/phase-golem/phase-golem/internal/config"
	"github.com/phase-golem/phase-golem/internal/dashboard"
	"github.com/phase-golem/phase-golem/internal/inbox"
	"github.com/phase-golem/phase-golem/internal/preflight"
	"github.com/phase-golem/phase-golem/internal/runloop"
)

// runFlags holds the flag values for the run subcommand.
var runFlags struct {
	Agent       string
	Targets     []string
	Filter      string
	AutoAdvance bool
	MaxWIP      int
	MaxConcurrent int
	MaxRetries  int
	PhaseCap    int
	TriagePhase string
	Dashboard   bool
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Drive the backlog through its configured pipelines",
	Long: `Run the main orchestration loop: triage new items, promote items
through pre-phases and main phases, spawn the configured agent for each
phase, and commit results, until every item is Done or Blocked, a phase
cap is hit, a circuit breaker trips, or a shutdown signal is received.`,
	Args: cobra.NoArgs,
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVar(&runFlags.Agent, "agent", "default", "Name of the [agents.<name>] entry to invoke for every phase")
	runCmd.Flags().StringSliceVar(&runFlags.Targets, "target", nil, "Restrict the run to these item IDs, in order")
	runCmd.Flags().StringVar(&runFlags.Filter, "filter", "", "Only schedule items matching this tag")
	runCmd.Flags().BoolVar(&runFlags.AutoAdvance, "auto-advance", false, "Skip past a Blocked target instead of halting")
	runCmd.Flags().IntVar(&runFlags.MaxWIP, "max-wip", 0, "Override execution.max_wip (0 = use config)")
	runCmd.Flags().IntVar(&runFlags.MaxConcurrent, "max-concurrent", 0, "Override execution.max_concurrent (0 = use config)")
	runCmd.Flags().IntVar(&runFlags.MaxRetries, "max-retries", 0, "Override execution.max_retries (0 = use config)")
	runCmd.Flags().IntVar(&runFlags.PhaseCap, "phase-cap", 0, "Override execution.default_phase_cap (0 = use config)")
	runCmd.Flags().StringVar(&runFlags.TriagePhase, "triage-phase", "scope", "Pre-phase name run for New items")
	runCmd.Flags().BoolVar(&runFlags.Dashboard, "dashboard", false, "Render a live Bubble Tea dashboard instead of printing at the end")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	resolved, meta, err := loadAndResolveConfig()
	if err != nil {
		return err
	}
	result := config.Validate(resolved.Config, meta)
	if result.HasErrors() {
		printValidationResult(cmd, result)
		return fmt.Errorf("configuration has %d error(s); run %q to see details", len(result.Errors()), "phase-golem config validate")
	}

	if err := os.MkdirAll(runtimeDirName, 0o755); err != nil {
		return fmt.Errorf("creating runtime directory: %w", err)
	}

	eng, err := buildEngine(resolved, runFlags.Agent)
	if err != nil {
		return err
	}

	items, err := eng.store.List()
	if err != nil {
		return fmt.Errorf("preflight: listing backlog: %w", err)
	}
	if pf := preflight.Run(items, eng.pipelines, "."); !pf.OK() {
		return pf.Error()
	}

	_, unlock, err := runloop.AcquireLock(eng.lockPath)
	if err != nil {
		return err
	}
	defer func() {
		if unlockErr := unlock(); unlockErr != nil {
			log.Warn("releasing run lock", "err", unlockErr)
		}
	}()

	runloop.CleanStaleResultFiles(eng.runtimeDir)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := eng.vcs.EnsureClean(ctx); err != nil {
		return err
	}

	go eng.coord.Run(ctx)
	defer eng.coord.Close()

	var events chan runloop.Event
	if runFlags.Dashboard {
		events = make(chan runloop.Event, 64)
	}

	inboxReader := inbox.New(eng.runtimeDir)

	params := runloop.Params{
		Targets:       runFlags.Targets,
		Filter:        runFlags.Filter,
		AutoAdvance:   runFlags.AutoAdvance,
		MaxWIP:        overrideOrDefault(runFlags.MaxWIP, resolved.Config.Execution.MaxWIP),
		MaxConcurrent: overrideOrDefault(runFlags.MaxConcurrent, resolved.Config.Execution.MaxConcurrent),
		MaxRetries:    overrideOrDefault(runFlags.MaxRetries, resolved.Config.Execution.MaxRetries),
		PhaseCap:      overrideOrDefault(runFlags.PhaseCap, resolved.Config.Execution.DefaultPhaseCap),
		TriagePhase:   runFlags.TriagePhase,
		LockPath:      eng.lockPath,
		InboxFn:       inboxReader.ReadAndClear,
		Events:        events,
	}

	loop := runloop.New(eng.coord, eng.executor, eng.pipelines, eng.runner, params)

	if runFlags.Dashboard {
		res, err := dashboard.Run(ctx, events, loop.Run)
		if err != nil {
			return fmt.Errorf("run: %w", err)
		}
		printRunResult(cmd, res)
		return exitErrorForResult(res)
	}

	resultCh := make(chan runloop.Result, 1)
	errCh := make(chan error, 1)
	go func() {
		res, err := loop.Run(ctx)
		if err != nil {
			errCh <- err
			return
		}
		resultCh <- res
	}()

	select {
	case <-ctx.Done():
		eng.runner.RequestShutdown()
		eng.runner.KillAllChildren()
		if err := runloop.Shutdown(context.Background(), func() {}, eng.coord.Done(), 10*time.Second); err != nil {
			log.Warn("shutdown did not complete cleanly", "err", err)
		}
		return nil
	case err := <-errCh:
		return fmt.Errorf("run: %w", err)
	case res := <-resultCh:
		printRunResult(cmd, res)
		return exitErrorForResult(res)
	}
}

// exitErrorForResult returns a non-nil error when a run halted with every
// target blocked and nothing completed, so Execute reports a non-zero exit
// code; a run with at least one completion, or no blocked targets, exits
// zero regardless of halt reason.
func exitErrorForResult(res runloop.Result) error {
	if len(res.ItemsBlocked) > 0 && len(res.ItemsCompleted) == 0 {
		return fmt.Errorf("run halted (%s) with all targets blocked and none completed", res.Halt)
	}
	return nil
}

func overrideOrDefault(override, fallback int) int {
	if override > 0 {
		return override
	}
	return fallback
}

func printRunResult(cmd *cobra.Command, res runloop.Result) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Halted: %s\n", res.Halt)
	fmt.Fprintf(out, "Phases executed: %d\n", res.PhasesExecuted)
	if len(res.ItemsCompleted) > 0 {
		fmt.Fprintf(out, "Completed: %v\n", res.ItemsCompleted)
	}
	if len(res.ItemsBlocked) > 0 {
		fmt.Fprintf(out, "Blocked: %v\n", res.ItemsBlocked)
	}
}
