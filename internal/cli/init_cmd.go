package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"github.com/spf13/cobra"

	"github.com/phase-golem/phase-golem/internal/config"
	"github.com/phase-golem/phase-golem/internal/logging"
)

// initFlagPrefix and initFlagForce are the flag values for the init subcommand.
var (
	initFlagPrefix string
	initFlagForce  bool
)

// starterConfigTemplate is the phase-golem.toml written by "init". It is a
// plain literal rather than an embedded template engine: the config surface
// is small enough that one starter file plus inline comments covers it.
const starterConfigTemplate = `# phase-golem configuration.
# See: phase-golem config debug   (show resolved values and their source)
#      phase-golem config validate (check this file for errors)

[project]
prefix = %q     # item IDs are "<prefix>-<n>", e.g. "%s-1"
tasks_dir = "changes"

[guardrails]
# Items whose assessed size/complexity/risk exceed these ceilings are routed
# to Blocked for human review instead of being scheduled automatically.
max_size = "large"
max_complexity = "high"
max_risk = "high"

[execution]
phase_timeout_minutes = 30
max_retries = 2
default_phase_cap = 50
max_wip = 2
max_concurrent = 3

[pipelines.feature]
pre_phases = ["scope"]

[[pipelines.feature.phases]]
name = "implement"
workflows = ["implement.md"]

[[pipelines.feature.phases]]
name = "verify"
workflows = ["verify.md"]
is_destructive = true
staleness = "warn"

[agents.default]
command = "claude"
args = ["--print", "--output-format", "json", "{{prompt_file}}"]
`

// initCmd implements "phase-golem init".
// It writes a starter phase-golem.toml without requiring one to already
// exist -- making it safe to run in a fresh directory.
var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a starter phase-golem.toml in the current directory",
	Long: `Initialize a new phase-golem project by writing a starter
phase-golem.toml. Existing files are preserved unless --force is supplied.

Examples:
  phase-golem init                  # scaffold with prefix "X"
  phase-golem init --prefix ACME    # scaffold with a custom item-ID prefix
  phase-golem init --force          # overwrite an existing phase-golem.toml`,
	Args: cobra.NoArgs,

	// Override PersistentPreRunE so init never attempts to load a
	// phase-golem.toml that does not exist yet. We still replicate the
	// env-var checks, logging setup, color disable, and --dir handling from
	// the root PersistentPreRunE.
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		applyRootEnvFallbacks(cmd)

		jsonFormat := os.Getenv("PHASE_GOLEM_LOG_FORMAT") == "json"
		logging.Setup(flagVerbose, flagQuiet, jsonFormat)

		if flagNoColor {
			lipgloss.SetColorProfile(termenv.Ascii)
		}

		if flagDir != "" {
			if err := os.Chdir(flagDir); err != nil {
				return fmt.Errorf("changing directory to %s: %w", flagDir, err)
			}
		}

		return nil
	},

	RunE: runInit,
}

func init() {
	initCmd.Flags().StringVar(&initFlagPrefix, "prefix", "X", "Item-ID prefix to write into phase-golem.toml")
	initCmd.Flags().BoolVar(&initFlagForce, "force", false, "Overwrite an existing phase-golem.toml")
	rootCmd.AddCommand(initCmd)
}

// runInit is the RunE handler for the init command.
func runInit(cmd *cobra.Command, args []string) error {
	destDir, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("getting current directory: %w", err)
	}

	cfgPath := filepath.Join(destDir, config.ConfigFileName)
	if _, statErr := os.Stat(cfgPath); statErr == nil && !initFlagForce {
		return fmt.Errorf("%s already exists in %s; use --force to overwrite", config.ConfigFileName, destDir)
	}

	contents := fmt.Sprintf(starterConfigTemplate, initFlagPrefix, initFlagPrefix)
	if err := os.WriteFile(cfgPath, []byte(contents), 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", config.ConfigFileName, err)
	}

	stderr := cmd.ErrOrStderr()
	fmt.Fprintf(stderr, "Wrote %s (prefix %q)\n\n", cfgPath, initFlagPrefix)
	fmt.Fprintln(stderr, "Next steps:")
	fmt.Fprintf(stderr, "  1. Edit %s to configure pipelines and agents\n", cfgPath)
	fmt.Fprintln(stderr, "  2. Add workflow files referenced by your phases")
	fmt.Fprintln(stderr, "  3. Run: phase-golem run")

	return nil
}
