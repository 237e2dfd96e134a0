package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildRootCmdIncludesSubcommands(t *testing.T) {
	cmd := buildRootCmd()
	names := map[string]bool{}
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}

	for _, name := range []string{"context", "turn", "trend", "maintain"} {
		assert.True(t, names[name], "expected subcommand %q to be registered", name)
	}
}

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	cfg := map[string]interface{}{
		"vector_store": map[string]interface{}{
			"provider": "sqlite",
			"config": map[string]interface{}{
				"db_path":              filepath.Join(dir, "powerfuse.db"),
				"embedding_model_dims": 128,
			},
		},
		"embedder":      map[string]interface{}{"provider": "hash", "dimensions": 128},
		"observability": map[string]interface{}{"log": map[string]interface{}{"level": "error"}},
	}
	data, err := json.Marshal(cfg)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := buildRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestTurnThenContext(t *testing.T) {
	config := writeConfig(t)

	out, err := run(t, "turn", "-c", config, "-u", "u1", "-a", "mira", "--turn-id", "t1",
		"--message", "My cat Pepper sleeps on the piano", "--reply", "That sounds cozy")
	require.NoError(t, err)
	assert.Contains(t, out, `"TurnID": "t1"`)

	out, err = run(t, "context", "-c", config, "-u", "u1", "-a", "mira", "Does Pepper still sleep on the piano?")
	require.NoError(t, err)
	assert.Contains(t, out, "Pepper")

	out, err = run(t, "trend", "-c", config, "-u", "u1", "-a", "mira")
	require.NoError(t, err)
	assert.Contains(t, out, `"interaction_count": 1`)
}

func TestContextRequiresUser(t *testing.T) {
	_, err := run(t, "context", "-c", writeConfig(t), "-a", "mira", "hello")
	assert.Error(t, err)
}

func TestMaintainRunOnce(t *testing.T) {
	out, err := run(t, "maintain", "-c", writeConfig(t), "--run", "prewarm")
	require.NoError(t, err)
	assert.Contains(t, out, "prewarm: done")
}
