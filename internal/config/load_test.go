package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validFullTOML = `
[project]
prefix = "ACME"
tasks_dir = "changes"

[guardrails]
max_size = "large"
max_complexity = "high"
max_risk = "medium"

[execution]
phase_timeout_minutes = 45
max_retries = 3
default_phase_cap = 25
max_wip = 2
max_concurrent = 4

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

[agents.claude]
command = "claude"
args = ["--prompt-file", "{{prompt_file}}"]
`

func writeTOML(t *testing.T, dir, name, contents string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoadFromFile_ValidFull(t *testing.T) {
	t.Parallel()
	path := writeTOML(t, t.TempDir(), "phase-golem.toml", validFullTOML)

	cfg, md, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, "ACME", cfg.Project.Prefix)
	assert.Equal(t, "changes", cfg.Project.TasksDir)
	assert.Equal(t, "large", string(cfg.Guardrails.MaxSize))
	assert.Equal(t, 45, cfg.Execution.PhaseTimeoutMinutes)
	assert.Equal(t, 2, cfg.Execution.MaxWIP)

	require.Contains(t, cfg.Pipelines, "feature")
	feature := cfg.Pipelines["feature"]
	assert.Equal(t, []string{"scope"}, feature.PrePhases)
	require.Len(t, feature.Phases, 2)
	assert.Equal(t, "verify", feature.Phases[1].Name)
	assert.True(t, feature.Phases[1].IsDestructive)

	require.Contains(t, cfg.Agents, "claude")
	assert.Equal(t, "claude", cfg.Agents["claude"].Command)

	assert.Empty(t, md.Undecoded())
}

func TestLoadFromFile_UnknownKeys(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := writeTOML(t, dir, "phase-golem.toml", validFullTOML+"\n[project]\nbogus_field = \"x\"\n")

	cfg, md, err := LoadFromFile(path)
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.NotEmpty(t, md.Undecoded())
}

func TestLoadFromFile_MissingFile(t *testing.T) {
	t.Parallel()
	_, _, err := LoadFromFile(filepath.Join(t.TempDir(), "does-not-exist.toml"))
	assert.Error(t, err)
}

func TestLoadFromFile_MalformedTOML(t *testing.T) {
	t.Parallel()
	path := writeTOML(t, t.TempDir(), "phase-golem.toml", "[project\nprefix = bad")
	_, _, err := LoadFromFile(path)
	assert.Error(t, err)
}

func TestFindConfigFile_FoundInCurrentDir(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeTOML(t, dir, ConfigFileName, validFullTOML)

	found, err := FindConfigFile(dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, ConfigFileName), found)
}

func TestFindConfigFile_FoundInParentDir(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	writeTOML(t, root, ConfigFileName, validFullTOML)
	child := filepath.Join(root, "a", "b", "c")
	require.NoError(t, os.MkdirAll(child, 0o755))

	found, err := FindConfigFile(child)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, ConfigFileName), found)
}

func TestFindConfigFile_NotFound(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	found, err := FindConfigFile(dir)
	require.NoError(t, err)
	assert.Empty(t, found)
}
