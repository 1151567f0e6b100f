package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phase-golem/phase-golem/internal/config"
)

// resetInitFlags resets init command flag state between tests.
func resetInitFlags(t *testing.T) {
	t.Helper()
	resetRootCmd(t)
	initFlagPrefix = "X"
	initFlagForce = false
	initCmd.Flags().VisitAll(func(f *pflag.Flag) {
		f.Changed = false
	})
}

// runInitInDir changes to dir, runs "phase-golem init [args...]", restores
// the original working directory, and returns the Execute exit code.
func runInitInDir(t *testing.T, dir string, args ...string) int {
	t.Helper()
	orig, err := os.Getwd()
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.Chdir(orig) })

	require.NoError(t, os.Chdir(dir))

	rootCmd.SetArgs(append([]string{"init"}, args...))
	return Execute()
}

// captureInitOutput runs "phase-golem init [args...]" in dir and captures
// stderr output, returning (stderr, exitCode). Stdout is not captured
// because the init command sends all user-facing output to stderr.
func captureInitOutput(t *testing.T, dir string, args ...string) (string, int) {
	t.Helper()

	oldStderr := os.Stderr
	r, w, pipeErr := os.Pipe()
	require.NoError(t, pipeErr)
	os.Stderr = w
	t.Cleanup(func() { os.Stderr = oldStderr })

	code := runInitInDir(t, dir, args...)

	w.Close()
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(r)
	os.Stderr = oldStderr

	return buf.String(), code
}

// ---- Registration and Metadata -----------------------------------------------

func TestInitCmd_Registered(t *testing.T) {
	found := false
	for _, cmd := range rootCmd.Commands() {
		if cmd.Use == "init" {
			found = true
			break
		}
	}
	assert.True(t, found, "init command must be registered in rootCmd")
}

func TestInitCmd_Metadata(t *testing.T) {
	assert.Equal(t, "init", initCmd.Use)
	assert.NotEmpty(t, initCmd.Short)
	assert.Contains(t, initCmd.Long, "phase-golem.toml")
}

func TestInitCmd_RejectsArgs(t *testing.T) {
	resetInitFlags(t)
	err := initCmd.Args(initCmd, []string{"unexpected"})
	assert.Error(t, err)
}

func TestInitCmd_Flags(t *testing.T) {
	prefixFlag := initCmd.Flags().Lookup("prefix")
	require.NotNil(t, prefixFlag)
	assert.Equal(t, "X", prefixFlag.DefValue)

	forceFlag := initCmd.Flags().Lookup("force")
	require.NotNil(t, forceFlag)
	assert.Equal(t, "false", forceFlag.DefValue)
}

// ---- Writing a fresh config ---------------------------------------------------

func TestRunInit_WritesDefaultConfig(t *testing.T) {
	resetInitFlags(t)
	dir := t.TempDir()

	code := runInitInDir(t, dir)
	assert.Equal(t, 0, code)

	cfgPath := filepath.Join(dir, config.ConfigFileName)
	data, err := os.ReadFile(cfgPath)
	require.NoError(t, err)

	contents := string(data)
	assert.Contains(t, contents, `prefix = "X"`)
	assert.Contains(t, contents, "[project]")
	assert.Contains(t, contents, "[guardrails]")
	assert.Contains(t, contents, "[execution]")
	assert.Contains(t, contents, "[pipelines.feature]")
	assert.Contains(t, contents, "[agents.default]")
	assert.Contains(t, contents, "{{prompt_file}}")
}

func TestRunInit_CustomPrefix(t *testing.T) {
	resetInitFlags(t)
	dir := t.TempDir()

	code := runInitInDir(t, dir, "--prefix", "ACME")
	assert.Equal(t, 0, code)

	data, err := os.ReadFile(filepath.Join(dir, config.ConfigFileName))
	require.NoError(t, err)

	contents := string(data)
	assert.Contains(t, contents, `prefix = "ACME"`)
	assert.Contains(t, contents, "ACME-1")
}

func TestRunInit_ConfigIsValidTOML(t *testing.T) {
	resetInitFlags(t)
	dir := t.TempDir()

	code := runInitInDir(t, dir)
	require.Equal(t, 0, code)

	cfg, _, err := config.LoadFromFile(filepath.Join(dir, config.ConfigFileName))
	require.NoError(t, err)
	assert.Equal(t, "X", cfg.Project.Prefix)
	assert.Contains(t, cfg.Pipelines, "feature")
	assert.Contains(t, cfg.Agents, "default")
}

func TestRunInit_PrintsNextSteps(t *testing.T) {
	resetInitFlags(t)
	dir := t.TempDir()

	out, code := captureInitOutput(t, dir)
	assert.Equal(t, 0, code)
	assert.Contains(t, out, "Wrote")
	assert.Contains(t, out, "Next steps")
	assert.Contains(t, out, "phase-golem run")
}

// ---- Overwrite guard -----------------------------------------------------------

func TestRunInit_RefusesToOverwriteWithoutForce(t *testing.T) {
	resetInitFlags(t)
	dir := t.TempDir()

	require.Equal(t, 0, runInitInDir(t, dir))

	resetInitFlags(t)
	code := runInitInDir(t, dir)
	assert.NotEqual(t, 0, code, "init should fail without --force when a config already exists")
}

func TestRunInit_PreservesExistingFileWithoutForce(t *testing.T) {
	resetInitFlags(t)
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, config.ConfigFileName)

	sentinel := "# hand-edited, do not clobber\n"
	require.NoError(t, os.WriteFile(cfgPath, []byte(sentinel), 0o644))

	resetInitFlags(t)
	_ = runInitInDir(t, dir)

	data, err := os.ReadFile(cfgPath)
	require.NoError(t, err)
	assert.Equal(t, sentinel, string(data))
}

func TestRunInit_ForceOverwritesExistingConfig(t *testing.T) {
	resetInitFlags(t)
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, config.ConfigFileName)

	require.NoError(t, os.WriteFile(cfgPath, []byte("# stale\n"), 0o644))

	resetInitFlags(t)
	code := runInitInDir(t, dir, "--force")
	assert.Equal(t, 0, code)

	data, err := os.ReadFile(cfgPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "[project]")
	assert.NotContains(t, string(data), "# stale")
}

// ---- --dir handling -------------------------------------------------------------

func TestRunInit_RespectsDirFlag(t *testing.T) {
	resetInitFlags(t)
	cwd := t.TempDir()
	target := t.TempDir()

	orig, err := os.Getwd()
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.Chdir(orig) })
	require.NoError(t, os.Chdir(cwd))

	rootCmd.SetArgs([]string{"init", "--dir", target})
	code := Execute()
	assert.Equal(t, 0, code)

	_, err = os.Stat(filepath.Join(target, config.ConfigFileName))
	assert.NoError(t, err, "config should be written into --dir, not cwd")

	_, err = os.Stat(filepath.Join(cwd, config.ConfigFileName))
	assert.True(t, os.IsNotExist(err), "config should not be written into the original cwd")
}
