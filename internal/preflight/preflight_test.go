package preflight

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phase-golem/phase-golem/internal/item"
	"github.com/phase-golem/phase-golem/internal/scheduler"
)

func newItem(id string, deps ...string) *item.Item {
	return &item.Item{ID: id, Title: id, Status: item.StatusNew, Dependencies: deps}
}

func TestRun_NoIssues_OnCleanBacklog(t *testing.T) {
	t.Parallel()

	items := []*item.Item{newItem("X-1"), newItem("X-2", "X-1")}
	res := Run(items, scheduler.Pipelines{}, t.TempDir())

	assert.True(t, res.OK())
	assert.NoError(t, res.Error())
}

func TestRun_DuplicateID_IsReported(t *testing.T) {
	t.Parallel()

	items := []*item.Item{newItem("X-1"), newItem("X-1")}
	res := Run(items, scheduler.Pipelines{}, t.TempDir())

	require.False(t, res.OK())
	assertHasIssue(t, res, IssueDuplicateID, "X-1")
}

func TestRun_UnresolvedDependency_IsReported(t *testing.T) {
	t.Parallel()

	items := []*item.Item{newItem("X-1", "X-99")}
	res := Run(items, scheduler.Pipelines{}, t.TempDir())

	require.False(t, res.OK())
	assertHasIssue(t, res, IssueUnresolvedDependency, "X-1")
}

func TestRun_DirectCycle_IsReported(t *testing.T) {
	t.Parallel()

	items := []*item.Item{
		newItem("X-1", "X-2"),
		newItem("X-2", "X-1"),
	}
	res := Run(items, scheduler.Pipelines{}, t.TempDir())

	require.False(t, res.OK())
	found := false
	for _, iss := range res.Issues {
		if iss.Code == IssueDependencyCycle {
			found = true
		}
	}
	assert.True(t, found, "expected a dependency cycle issue, got %+v", res.Issues)
}

func TestRun_TransitiveCycle_IsReported(t *testing.T) {
	t.Parallel()

	items := []*item.Item{
		newItem("A", "B"),
		newItem("B", "C"),
		newItem("C", "A"),
	}
	res := Run(items, scheduler.Pipelines{}, t.TempDir())

	require.False(t, res.OK())
	var cycles int
	for _, iss := range res.Issues {
		if iss.Code == IssueDependencyCycle {
			cycles++
		}
	}
	assert.Equal(t, 1, cycles, "cycle should be reported exactly once, got %+v", res.Issues)
}

func TestRun_SelfDependency_IsReported(t *testing.T) {
	t.Parallel()

	items := []*item.Item{newItem("X-1", "X-1")}
	res := Run(items, scheduler.Pipelines{}, t.TempDir())

	require.False(t, res.OK())
	assertHasIssue(t, res, IssueDependencyCycle, "X-1")
}

func TestRun_DiamondDependency_IsNotACycle(t *testing.T) {
	t.Parallel()

	items := []*item.Item{
		newItem("A"),
		newItem("B", "A"),
		newItem("C", "A"),
		newItem("D", "B", "C"),
	}
	res := Run(items, scheduler.Pipelines{}, t.TempDir())

	assert.True(t, res.OK())
}

func TestRun_MissingWorkflowFile_IsReported(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	pipelines := scheduler.Pipelines{
		"feature": {
			Name: "feature",
			Phases: []item.Phase{
				{Name: "build", Workflows: []string{"workflows/build.md"}},
			},
		},
	}
	res := Run(nil, pipelines, dir)

	require.False(t, res.OK())
	found := false
	for _, iss := range res.Issues {
		if iss.Code == IssueMissingWorkflowFile {
			found = true
			assert.Contains(t, iss.Message, "build.md")
		}
	}
	assert.True(t, found, "expected a missing-workflow-file issue, got %+v", res.Issues)
}

func TestRun_ExistingWorkflowFile_IsNotReported(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "build.md"), []byte("do the thing"), 0o644))

	pipelines := scheduler.Pipelines{
		"feature": {
			Name:      "feature",
			PrePhases: []item.Phase{{Name: "research", Workflows: []string{"build.md"}}},
		},
	}
	res := Run(nil, pipelines, dir)

	assert.True(t, res.OK())
}

func TestResult_Error_NilWhenOK(t *testing.T) {
	t.Parallel()

	r := &Result{}
	assert.NoError(t, r.Error())
}

func TestResult_Error_ListsEveryIssue(t *testing.T) {
	t.Parallel()

	r := &Result{Issues: []Issue{
		{Code: IssueDuplicateID, Message: "dup"},
		{Code: IssueDependencyCycle, Message: "cycle"},
	}}

	err := r.Error()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dup")
	assert.Contains(t, err.Error(), "cycle")
	assert.Contains(t, err.Error(), "2 issue")
}

func assertHasIssue(t *testing.T, res *Result, code IssueCode, itemID string) {
	t.Helper()
	for _, iss := range res.Issues {
		if iss.Code == code && iss.ItemID == itemID {
			return
		}
	}
	t.Fatalf("expected issue %s for item %s, got %+v", code, itemID, res.Issues)
}

