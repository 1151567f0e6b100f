// Package preflight runs the checks that must hold before the engine
// starts: item id uniqueness, a cycle-free and fully-resolved dependency
// graph, and every configured phase workflow file actually existing on
// disk. None of these are expressible as pure configuration validation
// (internal/config already covers unknown keys and the staleness/max_wip
// constraint) since they need the loaded backlog and the filesystem.
package preflight

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/phase-golem/phase-golem/internal/item"
	"github.com/phase-golem/phase-golem/internal/scheduler"
)

// IssueCode identifies the kind of preflight problem found.
type IssueCode string

const (
	// IssueDuplicateID is reported when two items in the backlog share an id.
	IssueDuplicateID IssueCode = "DUPLICATE_ID"
	// IssueUnresolvedDependency is reported when an item names a dependency
	// id that does not exist in the backlog.
	IssueUnresolvedDependency IssueCode = "UNRESOLVED_DEPENDENCY"
	// IssueDependencyCycle is reported when the dependency graph contains a
	// directed cycle.
	IssueDependencyCycle IssueCode = "DEPENDENCY_CYCLE"
	// IssueMissingWorkflowFile is reported when a phase names a workflow
	// file that does not exist under the workflows root.
	IssueMissingWorkflowFile IssueCode = "MISSING_WORKFLOW_FILE"
)

// Issue is a single preflight finding. All preflight issues are fatal: the
// engine must not start while any are present.
type Issue struct {
	Code    IssueCode
	ItemID  string // set for duplicate-id / dependency issues
	Field   string // set for workflow-file issues, e.g. "pipelines.feature.phases.build"
	Message string
}

// Result accumulates every issue found by Run.
type Result struct {
	Issues []Issue
}

// OK reports whether no issues were found.
func (r *Result) OK() bool {
	return len(r.Issues) == 0
}

// Error renders every issue as a single multi-line error, or nil if none
// were found.
func (r *Result) Error() error {
	if r.OK() {
		return nil
	}
	lines := make([]string, 0, len(r.Issues))
	for _, iss := range r.Issues {
		lines = append(lines, fmt.Sprintf("[%s] %s", iss.Code, iss.Message))
	}
	return fmt.Errorf("preflight failed with %d issue(s):\n%s", len(r.Issues), strings.Join(lines, "\n"))
}

func (r *Result) add(iss Issue) {
	r.Issues = append(r.Issues, iss)
}

// Run checks item id uniqueness, dependency resolution, dependency-graph
// acyclicity, and that every phase's workflow files exist under
// workflowsDir. It never mutates items or the filesystem.
func Run(items []*item.Item, pipelines scheduler.Pipelines, workflowsDir string) *Result {
	r := &Result{}
	checkDuplicateIDs(r, items)
	byID := checkDependencyReferences(r, items)
	checkDependencyCycles(r, items, byID)
	checkWorkflowFiles(r, pipelines, workflowsDir)
	return r
}

func checkDuplicateIDs(r *Result, items []*item.Item) {
	seen := make(map[string]bool, len(items))
	for _, it := range items {
		if seen[it.ID] {
			r.add(Issue{
				Code:    IssueDuplicateID,
				ItemID:  it.ID,
				Message: fmt.Sprintf("duplicate item id %q", it.ID),
			})
			continue
		}
		seen[it.ID] = true
	}
}

// checkDependencyReferences verifies every dependency id resolves to an
// item in the backlog, returning a lookup map for the cycle check.
func checkDependencyReferences(r *Result, items []*item.Item) map[string]*item.Item {
	byID := make(map[string]*item.Item, len(items))
	for _, it := range items {
		byID[it.ID] = it
	}
	for _, it := range items {
		for _, dep := range it.Dependencies {
			if _, ok := byID[dep]; !ok {
				r.add(Issue{
					Code:    IssueUnresolvedDependency,
					ItemID:  it.ID,
					Message: fmt.Sprintf("item %q depends on unknown item %q", it.ID, dep),
				})
			}
		}
	}
	return byID
}

// checkDependencyCycles walks the dependency graph with DFS three-color
// marking (white/gray/black); a back-edge into a gray node closes a cycle.
// Unresolved dependencies (absent from byID) are skipped here since
// checkDependencyReferences already reported them.
func checkDependencyCycles(r *Result, items []*item.Item, byID map[string]*item.Item) {
	const (
		colorWhite = 0
		colorGray  = 1
		colorBlack = 2
	)

	color := make(map[string]int, len(items))
	reported := make(map[string]bool)

	var dfs func(id string, path []string)
	dfs = func(id string, path []string) {
		color[id] = colorGray
		path = append(path, id)

		it := byID[id]
		for _, dep := range it.Dependencies {
			if _, ok := byID[dep]; !ok {
				continue
			}
			switch color[dep] {
			case colorGray:
				if reported[dep] {
					continue
				}
				reported[dep] = true
				cycleStart := -1
				for i, p := range path {
					if p == dep {
						cycleStart = i
						break
					}
				}
				var cycle []string
				if cycleStart >= 0 {
					cycle = append(cycle, path[cycleStart:]...)
				}
				cycle = append(cycle, dep)
				r.add(Issue{
					Code:    IssueDependencyCycle,
					ItemID:  dep,
					Message: fmt.Sprintf("dependency cycle: %s", strings.Join(cycle, " -> ")),
				})
			case colorWhite:
				dfs(dep, path)
			}
		}

		color[id] = colorBlack
	}

	ids := make([]string, 0, len(items))
	for id := range byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if color[id] == colorWhite {
			dfs(id, nil)
		}
	}
}

// checkWorkflowFiles verifies every phase's workflow files exist relative
// to workflowsDir. Pre-phases and main phases are both checked.
func checkWorkflowFiles(r *Result, pipelines scheduler.Pipelines, workflowsDir string) {
	names := make([]string, 0, len(pipelines))
	for name := range pipelines {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		p := pipelines[name]
		checkPhaseWorkflows(r, workflowsDir, fmt.Sprintf("pipelines.%s.pre_phases", name), p.PrePhases)
		checkPhaseWorkflows(r, workflowsDir, fmt.Sprintf("pipelines.%s.phases", name), p.Phases)
	}
}

func checkPhaseWorkflows(r *Result, workflowsDir, prefix string, phases []item.Phase) {
	for _, ph := range phases {
		for _, wf := range ph.Workflows {
			path := wf
			if !filepath.IsAbs(path) {
				path = filepath.Join(workflowsDir, wf)
			}
			if _, err := os.Stat(path); err != nil {
				r.add(Issue{
					Code:    IssueMissingWorkflowFile,
					Field:   fmt.Sprintf("%s.%s", prefix, ph.Name),
					Message: fmt.Sprintf("phase %q names workflow file %q, which does not exist", ph.Name, wf),
				})
			}
		}
	}
}
