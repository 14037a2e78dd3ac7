package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/scalpel-nav/internal/config"
)

// clearEnv unsets key for the duration of the test and restores it afterwards.
func clearEnv(t *testing.T, key string) {
	t.Helper()
	t.Setenv(key, "")
	require.NoError(t, os.Unsetenv(key))
}

func executeRoot(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestRootCmd_VersionFlag(t *testing.T) {
	out, err := executeRoot(t, "--version")
	require.NoError(t, err)
	assert.Equal(t, Version+"\n", out)
}

func TestVersionCmd_SkipsConfig(t *testing.T) {
	// No API key anywhere: version must not try to validate configuration.
	t.Chdir(t.TempDir())
	clearEnv(t, "SCALPEL_LLM_API_KEY")
	clearEnv(t, "GEMINI_API_KEY")

	out, err := executeRoot(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "scalpel-nav "+Version+"\n", out)
}

func TestRootCmd_NoArgsPrintsHelp(t *testing.T) {
	out, err := executeRoot(t)
	require.NoError(t, err)
	assert.Contains(t, out, "scalpel-nav drives a headless browser")
	assert.Contains(t, out, "serve")
	assert.Contains(t, out, "run")
}

func TestRunCmd_MissingAPIKey(t *testing.T) {
	t.Chdir(t.TempDir())
	clearEnv(t, "SCALPEL_LLM_API_KEY")
	clearEnv(t, "GEMINI_API_KEY")

	_, err := executeRoot(t, "run", "--goal", "anything")
	require.Error(t, err)
	assert.ErrorIs(t, err, config.ErrMissingAPIKey)
}

func TestRunCmd_RequiresGoal(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("SCALPEL_LLM_API_KEY", "test-key")

	_, err := executeRoot(t, "run")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `required flag(s) "goal" not set`)
}

func TestInitializeConfig_Layers(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	clearEnv(t, "SCALPEL_LLM_API_KEY")
	clearEnv(t, "GEMINI_API_KEY")
	clearEnv(t, "SCALPEL_AGENT_MAX_STEPS")
	// Already in the environment, so the dotenv value must not override it.
	t.Setenv("SCALPEL_SESSION_MAX_CONCURRENT", "9")

	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte(
		"SCALPEL_LLM_API_KEY=from-dotenv\nSCALPEL_AGENT_MAX_STEPS=7\nSCALPEL_SESSION_MAX_CONCURRENT=2\n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(
		"agent:\n  max_steps: 3\n  history_size: 2\nllm:\n  model: gemini-test\n"), 0o600))

	v := viper.New()
	config.SetDefaults(v)
	require.NoError(t, initializeConfig(v, "", ".env"))
	cfg, err := config.NewConfigFromViper(v)
	require.NoError(t, err)

	assert.Equal(t, "from-dotenv", cfg.LLM.APIKey)
	assert.Equal(t, 7, cfg.Agent.MaxSteps, "environment beats the config file")
	assert.Equal(t, 2, cfg.Agent.HistorySize, "config file beats defaults")
	assert.Equal(t, "gemini-test", cfg.LLM.Model)
	assert.Equal(t, 9, cfg.Session.MaxConcurrent)
}

func TestInitializeConfig_MissingFilesAreFine(t *testing.T) {
	t.Chdir(t.TempDir())
	v := viper.New()
	config.SetDefaults(v)
	assert.NoError(t, initializeConfig(v, "", "does-not-exist.env"))
	assert.Equal(t, 25, v.GetInt("agent.max_steps"))
}

func TestInitializeConfig_ExplicitFileMustExist(t *testing.T) {
	t.Chdir(t.TempDir())
	v := viper.New()
	err := initializeConfig(v, "missing.yaml", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "error reading config file")
}
