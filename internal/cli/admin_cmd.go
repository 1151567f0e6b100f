package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/phase-golem/phase-golem/internal/coordinator"
	"github.com/phase-golem/phase-golem/internal/item"
	"github.com/phase-golem/phase-golem/internal/runloop"
)

// adminFlagTo, adminFlagContext, and adminFlagTriagePhase hold flag values
// shared by the advance, unblock, and triage subcommands.
var (
	adminFlagTo          string
	adminFlagContext     string
	adminFlagTriagePhase string
)

var triageCmd = &cobra.Command{
	Use:   "triage",
	Short: "Run the triage pre-phase for every New item",
	Long: `Drive only Triage actions: each New item has its pipeline's
triage pre-phase workflow run against it until it reaches Ready or
Blocked. No Promote or main-phase action is taken.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAdminEngine(func(eng *engine) error {
			loop := runloop.New(eng.coord, eng.executor, eng.pipelines, eng.runner, runloop.Params{
				TriageOnly:  true,
				TriagePhase: adminFlagTriagePhase,
				LockPath:    eng.lockPath,
			})
			res, err := loop.Run(context.Background())
			if err != nil {
				return fmt.Errorf("triage: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Halted: %s\n", res.Halt)
			fmt.Fprintf(out, "Phases executed: %d\n", res.PhasesExecuted)
			if len(res.ItemsBlocked) > 0 {
				fmt.Fprintf(out, "Blocked: %v\n", res.ItemsBlocked)
			}
			return nil
		})
	},
}

var advanceCmd = &cobra.Command{
	Use:   "advance <item-id>",
	Short: "Force an item's current phase",
	Long: `Manually set the phase an item is on, bypassing scheduler
selection. Useful for resuming a run after fixing up an item by hand.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if adminFlagTo == "" {
			return fmt.Errorf("--to is required")
		}
		return withAdminEngine(func(eng *engine) error {
			ctx := context.Background()
			return eng.coord.UpdateItem(ctx, args[0], coordinator.ItemUpdate{
				Kind:  coordinator.UpdateSetPhase,
				Phase: adminFlagTo,
			})
		})
	},
}

var unblockCmd = &cobra.Command{
	Use:   "unblock <item-id>",
	Short: "Clear an item's Blocked status",
	Long: `Record the human-supplied context that resolves an item's block
and return it to the status it was blocked from.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAdminEngine(func(eng *engine) error {
			ctx := context.Background()
			snapshot, err := eng.coord.GetSnapshot(ctx)
			if err != nil {
				return fmt.Errorf("unblock: %w", err)
			}
			var target *item.Item
			for _, it := range snapshot {
				if it.ID == args[0] {
					target = it
					break
				}
			}
			if target == nil {
				return fmt.Errorf("unblock: unknown item %s", args[0])
			}
			if target.Status != item.StatusBlocked {
				return fmt.Errorf("unblock: item %s is not Blocked (status %s)", args[0], target.Status)
			}

			if err := eng.coord.UpdateItem(ctx, args[0], coordinator.ItemUpdate{
				Kind:           coordinator.UpdateSetUnblockContext,
				UnblockContext: adminFlagContext,
			}); err != nil {
				return fmt.Errorf("unblock: setting context: %w", err)
			}

			restoreStatus := target.BlockedFromStatus
			if restoreStatus == "" {
				restoreStatus = item.StatusReady
			}
			return eng.coord.UpdateItem(ctx, args[0], coordinator.ItemUpdate{
				Kind:   coordinator.UpdateTransitionStatus,
				Status: restoreStatus,
			})
		})
	},
}

func init() {
	advanceCmd.Flags().StringVar(&adminFlagTo, "to", "", "Phase name to set the item to")
	unblockCmd.Flags().StringVar(&adminFlagContext, "context", "", "Context explaining how the block was resolved")
	triageCmd.Flags().StringVar(&adminFlagTriagePhase, "triage-phase", "scope", "Pre-phase name run for New items")
	rootCmd.AddCommand(advanceCmd)
	rootCmd.AddCommand(unblockCmd)
	rootCmd.AddCommand(triageCmd)
}

// withAdminEngine wires the engine needed for a one-shot administrative
// mutation (advance, unblock) or a triage-only run. It takes the same
// non-blocking run lock a full run does, failing fast if a run is already
// in progress, so manual edits never race the run loop over the backlog.
func withAdminEngine(fn func(eng *engine) error) error {
	resolved, _, err := loadAndResolveConfig()
	if err != nil {
		return err
	}

	agentName := runFlags.Agent
	if agentName == "" {
		agentName = "default"
	}
	if _, ok := resolved.Config.Agents[agentName]; !ok {
		for name := range resolved.Config.Agents {
			agentName = name
			break
		}
	}

	if err := os.MkdirAll(runtimeDirName, 0o755); err != nil {
		return fmt.Errorf("creating runtime directory: %w", err)
	}

	eng, err := buildEngine(resolved, agentName)
	if err != nil {
		return err
	}

	_, unlock, err := runloop.AcquireLock(eng.lockPath)
	if err != nil {
		return err
	}
	defer unlock()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go eng.coord.Run(ctx)
	defer eng.coord.Close()

	return fn(eng)
}
