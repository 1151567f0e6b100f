package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// completionCmd generates shell completion scripts for phase-golem.
var completionCmd = &cobra.Command{
	Use:   "completion [bash|zsh|fish|powershell]",
	Short: "Generate shell completion scripts",
	Long: `Generate shell completion scripts for phase-golem.

To install completions:

  Bash (Linux):
    phase-golem completion bash | sudo tee /etc/bash_completion.d/phase-golem > /dev/null

  Bash (macOS with Homebrew):
    phase-golem completion bash > $(brew --prefix)/etc/bash_completion.d/phase-golem

  Zsh:
    phase-golem completion zsh > "${fpath[1]}/_phase-golem"
    # or
    phase-golem completion zsh > ~/.zsh/completions/_phase-golem

  Fish:
    phase-golem completion fish > ~/.config/fish/completions/phase-golem.fish

  PowerShell:
    phase-golem completion powershell > phase-golem.ps1
    # Then add ". phase-golem.ps1" to your PowerShell profile`,
	DisableFlagsInUseLine: true,
	ValidArgs:             []string{"bash", "zsh", "fish", "powershell"},
	Args:                  cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	RunE: func(cmd *cobra.Command, args []string) error {
		switch args[0] {
		case "bash":
			return rootCmd.GenBashCompletionV2(os.Stdout, true)
		case "zsh":
			return rootCmd.GenZshCompletion(os.Stdout)
		case "fish":
			return rootCmd.GenFishCompletion(os.Stdout, true)
		case "powershell":
			return rootCmd.GenPowerShellCompletionWithDesc(os.Stdout)
		default:
			return fmt.Errorf("unsupported shell: %s", args[0])
		}
	},
}

func init() {
	rootCmd.AddCommand(completionCmd)
}
