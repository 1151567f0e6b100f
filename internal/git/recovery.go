package git

import (
	"context"
	"fmt"
)

// EnsureClean verifies the working tree has no uncommitted changes before a
// run starts. The run loop and coordinator commit on the caller's behalf as
// phases complete; starting from a dirty tree would fold the caller's own
// uncommitted edits into the first phase commit.
func (g *GitClient) EnsureClean(ctx context.Context) error {
	clean, err := g.IsClean(ctx)
	if err != nil {
		return fmt.Errorf("git: ensure clean: %w", err)
	}
	if !clean {
		return fmt.Errorf("git: working tree has uncommitted changes; commit or stash them before running")
	}
	return nil
}
