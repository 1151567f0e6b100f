package git

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// Client is the interface for the git operations the coordinator and run
// loop need: staging and committing phase results, checking ancestry
// between commits, and inspecting working-tree cleanliness.
type Client interface {
	// Stage adds the given paths to the index. An empty paths list stages
	// everything ("git add -A").
	Stage(ctx context.Context, paths []string) error

	// Commit records the index with the given message and returns the new
	// commit's SHA.
	Commit(ctx context.Context, message string) (string, error)

	// IsAncestor reports whether ancestor is an ancestor of (or equal to)
	// descendant.
	IsAncestor(ctx context.Context, ancestor, descendant string) (bool, error)

	// HeadCommit returns the short SHA of the current HEAD commit.
	HeadCommit(ctx context.Context) (string, error)

	// HasUncommittedChanges reports whether the working tree has
	// uncommitted changes.
	HasUncommittedChanges(ctx context.Context) (bool, error)
}

// Compile-time check: *GitClient must satisfy Client.
var _ Client = (*GitClient)(nil)

// GitClient wraps git CLI operations. All methods use os/exec to call
// the git binary, following the same pattern as gh, lazygit, and k9s.
type GitClient struct {
	// WorkDir is the working directory for git commands.
	// If empty, commands run in the current directory.
	WorkDir string

	// GitBin is the path to the git binary. Defaults to "git".
	GitBin string
}

// NewGitClient creates a new GitClient for the given working directory.
// It verifies that git is installed and accessible.
func NewGitClient(workDir string) (*GitClient, error) {
	g := &GitClient{
		WorkDir: workDir,
		GitBin:  "git",
	}
	if err := g.checkPrerequisites(); err != nil {
		return nil, fmt.Errorf("git: prerequisites: %w", err)
	}
	return g, nil
}

// checkPrerequisites verifies that git is installed and the workDir is a git repo.
func (g *GitClient) checkPrerequisites() error {
	_, err := g.run(context.Background(), "rev-parse", "--git-dir")
	if err != nil {
		return fmt.Errorf("not a git repository or git not installed: %w", err)
	}
	return nil
}

// --- Status Operations ---

// HasUncommittedChanges reports whether the working tree has uncommitted changes.
func (g *GitClient) HasUncommittedChanges(ctx context.Context) (bool, error) {
	out, err := g.run(ctx, "status", "--porcelain")
	if err != nil {
		return false, fmt.Errorf("git: status: %w", err)
	}
	return strings.TrimSpace(out) != "", nil
}

// IsClean reports whether the working tree is clean (no uncommitted changes).
func (g *GitClient) IsClean(ctx context.Context) (bool, error) {
	dirty, err := g.HasUncommittedChanges(ctx)
	if err != nil {
		return false, err
	}
	return !dirty, nil
}

// --- Index / Commit Operations ---

// Stage adds the given paths to the index. An empty paths list stages the
// entire working tree.
func (g *GitClient) Stage(ctx context.Context, paths []string) error {
	args := []string{"add"}
	if len(paths) == 0 {
		args = append(args, "-A")
	} else {
		args = append(args, paths...)
	}
	if _, err := g.run(ctx, args...); err != nil {
		return fmt.Errorf("git: stage: %w", err)
	}
	return nil
}

// Commit records the staged index with the given message and returns the
// new commit's full SHA. Returns an error if the index has nothing staged.
func (g *GitClient) Commit(ctx context.Context, message string) (string, error) {
	if _, err := g.run(ctx, "commit", "-m", message); err != nil {
		return "", fmt.Errorf("git: commit: %w", err)
	}
	out, err := g.run(ctx, "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("git: commit: resolving new HEAD: %w", err)
	}
	return strings.TrimSpace(out), nil
}

// IsAncestor reports whether ancestor is an ancestor of (or equal to)
// descendant, using `git merge-base --is-ancestor`. A git exit code of 1
// means "not an ancestor" and is reported as (false, nil); any other
// failure (e.g. an unknown SHA) is returned as an error.
func (g *GitClient) IsAncestor(ctx context.Context, ancestor, descendant string) (bool, error) {
	exitCode, _, stderr, err := g.runSilent(ctx, "merge-base", "--is-ancestor", ancestor, descendant)
	if err == nil {
		return true, nil
	}
	if exitCode == 1 {
		return false, nil
	}
	return false, fmt.Errorf("git: is-ancestor %s %s: %s", ancestor, descendant, stderr)
}

// HeadCommit returns the short SHA of the current HEAD commit.
func (g *GitClient) HeadCommit(ctx context.Context) (string, error) {
	out, err := g.run(ctx, "rev-parse", "--short", "HEAD")
	if err != nil {
		return "", fmt.Errorf("git: head commit: %w", err)
	}
	return strings.TrimSpace(out), nil
}

// --- Internal helpers ---

// run executes a git command and returns stdout.
// stderr is included in the error message when the command fails.
func (g *GitClient) run(ctx context.Context, args ...string) (string, error) {
	_, stdout, stderr, err := g.runSilent(ctx, args...)
	if err != nil {
		return "", err
	}
	if stdout == "" && stderr != "" {
		// Some git commands (e.g., checkout) write to stderr on success.
		return stderr, nil
	}
	return stdout, nil
}

// runSilent executes a git command and returns the exit code, stdout, stderr,
// and an error. The error is non-nil for both exec failures (exitCode=-1, e.g.
// git binary not found) and non-zero git exits (exitCode>0). Callers that need
// to distinguish the two cases check whether exitCode == -1.
func (g *GitClient) runSilent(ctx context.Context, args ...string) (int, string, string, error) {
	bin := g.GitBin
	if bin == "" {
		bin = "git"
	}
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Dir = g.WorkDir

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	runErr := cmd.Run()

	exitCode := 0
	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			exitCode = exitErr.ExitCode()
			// Non-zero exit is not an exec error — return it as a wrapped error
			// so callers that need it can detect the exit code.
			stderr := strings.TrimSpace(stderrBuf.String())
			stdout := strings.TrimSpace(stdoutBuf.String())
			return exitCode, stdout, stderr, fmt.Errorf("exit status %d: %s", exitCode, stderr)
		}
		// The process could not be started at all.
		return -1, "", "", runErr
	}

	return exitCode, stdoutBuf.String(), stderrBuf.String(), nil
}
