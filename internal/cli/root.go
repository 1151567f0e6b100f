package cli

import (
	"fmt"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"github.com/spf13/cobra"

	"github.com/phase-golem/phase-golem/internal/logging"
)

// Global flag values accessible to all subcommands.
var (
	flagVerbose bool
	flagQuiet   bool
	flagConfig  string
	flagDir     string
	flagDryRun  bool
	flagNoColor bool
)

// rootCmd is the base command for phase-golem.
var rootCmd = &cobra.Command{
	Use:   "phase-golem",
	Short: "Autonomous pipeline orchestrator for AI-driven development",
	Long: `phase-golem drives a backlog of work items through configurable phases,
each executed by an external AI agent subprocess, with scheduling, retry,
and git-backed commit discipline handled by the core engine.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	// RunE shows full help when invoked with no subcommand. Without RunE,
	// Cobra only prints the Long description (omitting Usage and Flags).
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		applyRootEnvFallbacks(cmd)

		// Initialize logging.
		jsonFormat := os.Getenv("PHASE_GOLEM_LOG_FORMAT") == "json"
		logging.Setup(flagVerbose, flagQuiet, jsonFormat)

		// Handle --no-color: disable colored output.
		if flagNoColor {
			lipgloss.SetColorProfile(termenv.Ascii)
		}

		// Handle --dir (change working directory).
		if flagDir != "" {
			if err := os.Chdir(flagDir); err != nil {
				return fmt.Errorf("changing directory to %s: %w", flagDir, err)
			}
		}

		return nil
	},
}

// applyRootEnvFallbacks checks env vars for flags not explicitly set on the
// command line. Shared by rootCmd and any subcommand (like init) that
// overrides PersistentPreRunE to avoid requiring a config file up front.
func applyRootEnvFallbacks(cmd *cobra.Command) {
	if !cmd.Root().PersistentFlags().Changed("verbose") && os.Getenv("PHASE_GOLEM_VERBOSE") != "" {
		flagVerbose = true
	}
	if !cmd.Root().PersistentFlags().Changed("quiet") && os.Getenv("PHASE_GOLEM_QUIET") != "" {
		flagQuiet = true
	}
	if !cmd.Root().PersistentFlags().Changed("no-color") &&
		(os.Getenv("NO_COLOR") != "" || os.Getenv("PHASE_GOLEM_NO_COLOR") != "") {
		flagNoColor = true
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "Enable verbose (debug) output (env: PHASE_GOLEM_VERBOSE)")
	rootCmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "Suppress all output except errors (env: PHASE_GOLEM_QUIET)")
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "Path to phase-golem.toml config file")
	rootCmd.PersistentFlags().StringVar(&flagDir, "dir", "", "Override working directory")
	rootCmd.PersistentFlags().BoolVar(&flagDryRun, "dry-run", false, "Show planned actions without executing")
	rootCmd.PersistentFlags().BoolVar(&flagNoColor, "no-color", false, "Disable colored output (env: PHASE_GOLEM_NO_COLOR, NO_COLOR)")
}

// Execute runs the root command and returns the exit code.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}

// NewRootCmd returns a new instance of the root command for use in external
// tools such as the shell completion generator. It initialises a fresh cobra
// command tree so that it can be used independently of the global rootCmd.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           rootCmd.Use,
		Short:         rootCmd.Short,
		Long:          rootCmd.Long,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	// Attach all registered subcommands from the global tree.
	for _, child := range rootCmd.Commands() {
		cmd.AddCommand(child)
	}
	return cmd
}
