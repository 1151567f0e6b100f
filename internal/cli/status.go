package cli

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/phase-golem/phase-golem/internal/item"
	"github.com/phase-golem/phase-golem/internal/store"
)

// statusFlags holds the flag values for the status subcommand.
var statusFlags struct {
	JSON    bool
	Verbose bool
}

// statusPipelineOutput summarizes one pipeline's items by status.
type statusPipelineOutput struct {
	Pipeline string         `json:"pipeline"`
	Total    int            `json:"total"`
	ByStatus map[string]int `json:"by_status"`
}

// statusOutput is the full JSON shape for "phase-golem status --json".
type statusOutput struct {
	Prefix    string                 `json:"prefix"`
	Total     int                    `json:"total"`
	ByStatus  map[string]int         `json:"by_status"`
	Pipelines []statusPipelineOutput `json:"pipelines"`
	Items     []statusItemDetail     `json:"items,omitempty"`
}

// statusItemDetail is printed per-item only under --verbose.
type statusItemDetail struct {
	ID           string `json:"id"`
	Title        string `json:"title"`
	Status       string `json:"status"`
	PipelineType string `json:"pipeline_type,omitempty"`
	Phase        string `json:"phase,omitempty"`
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show backlog status",
	Long:  "Report the number of items in each status, grouped by pipeline.",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().BoolVar(&statusFlags.JSON, "json", false, "Output as JSON")
	statusCmd.Flags().BoolVarP(&statusFlags.Verbose, "verbose", "v", false, "List individual items")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	resolved, _, err := loadAndResolveConfig()
	if err != nil {
		return err
	}

	st, err := store.New(resolved.Config.Project.TasksDir, resolved.Config.Project.Prefix)
	if err != nil {
		return fmt.Errorf("opening backlog: %w", err)
	}

	items, err := st.List()
	if err != nil {
		return fmt.Errorf("listing items: %w", err)
	}

	out := buildStatusOutput(resolved.Config.Project.Prefix, items)

	if statusFlags.JSON {
		return renderStatusJSON(cmd, out)
	}
	renderStatusSummary(cmd, out)
	return nil
}

func buildStatusOutput(prefix string, items []*item.Item) statusOutput {
	out := statusOutput{
		Prefix:   prefix,
		Total:    len(items),
		ByStatus: map[string]int{},
	}

	byPipeline := map[string]*statusPipelineOutput{}
	var pipelineOrder []string

	for _, it := range items {
		out.ByStatus[string(it.Status)]++

		pType := it.PipelineType
		if pType == "" {
			pType = "(none)"
		}
		p, ok := byPipeline[pType]
		if !ok {
			p = &statusPipelineOutput{Pipeline: pType, ByStatus: map[string]int{}}
			byPipeline[pType] = p
			pipelineOrder = append(pipelineOrder, pType)
		}
		p.Total++
		p.ByStatus[string(it.Status)]++

		if statusFlags.Verbose {
			out.Items = append(out.Items, statusItemDetail{
				ID:           it.ID,
				Title:        it.Title,
				Status:       string(it.Status),
				PipelineType: it.PipelineType,
				Phase:        it.Phase,
			})
		}
	}

	sort.Strings(pipelineOrder)
	for _, name := range pipelineOrder {
		out.Pipelines = append(out.Pipelines, *byPipeline[name])
	}

	return out
}

func renderStatusJSON(cmd *cobra.Command, out statusOutput) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

var (
	statusHeaderStyle = lipgloss.NewStyle().Bold(true)
	statusLabelStyle  = lipgloss.NewStyle().Width(14)
)

// statusOrder is the display order for status counts, independent of
// map iteration order.
var statusOrder = []item.Status{
	item.StatusNew,
	item.StatusScoping,
	item.StatusReady,
	item.StatusInProgress,
	item.StatusBlocked,
	item.StatusDone,
}

func renderStatusSummary(cmd *cobra.Command, out statusOutput) {
	w := cmd.OutOrStdout()

	fmt.Fprintln(w, statusHeaderStyle.Render(fmt.Sprintf("%s Status", out.Prefix)))
	fmt.Fprintln(w)

	if out.Total == 0 {
		fmt.Fprintln(w, "No items in backlog.")
		return
	}

	fmt.Fprintf(w, "Total: %d item(s)\n\n", out.Total)

	for _, s := range statusOrder {
		count := out.ByStatus[string(s)]
		if count == 0 {
			continue
		}
		pct := float64(count) / float64(out.Total)
		bar := progress.New(
			progress.WithDefaultGradient(),
			progress.WithWidth(30),
			progress.WithoutPercentage(),
		).ViewAs(pct)
		fmt.Fprintf(w, "  %s %s %d\n", statusLabelStyle.Render(string(s)), bar, count)
	}
	fmt.Fprintln(w)

	for _, p := range out.Pipelines {
		fmt.Fprintf(w, "%s (%d)\n", p.Pipeline, p.Total)
		names := make([]string, 0, len(p.ByStatus))
		for name := range p.ByStatus {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(w, "    %-12s %d\n", name, p.ByStatus[name])
		}
	}

	if statusFlags.Verbose && len(out.Items) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, statusHeaderStyle.Render("Items"))
		for _, it := range out.Items {
			fmt.Fprintf(w, "  %-10s %-10s %-20s %s\n", it.ID, it.Status, it.Phase, it.Title)
		}
	}
}
