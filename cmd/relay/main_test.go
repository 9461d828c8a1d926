package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/germanamz/relay/pkg/engine"
	"github.com/germanamz/relay/pkg/schedule"
	"github.com/germanamz/relay/pkg/tools/builtin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "relay.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()

	root := buildRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append(args, "--env", ""))

	err := root.Execute()
	return out.String(), err
}

func TestRootCmd_Commands(t *testing.T) {
	root := buildRootCmd()

	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	assert.Subset(t, names, []string{"serve", "check", "mcp"})
}

func TestCheck(t *testing.T) {
	path := writeConfig(t, `
provider: {kind: openai, api_key: test}
tools:
  builtin: [get_local_time, fetch_url]
`)

	out, err := execute(t, "check", "--config", path)
	require.NoError(t, err)

	assert.Contains(t, out, "provider:  openai (gpt-4o-mini)")
	assert.Contains(t, out, "builtin:   get_local_time, fetch_url")
	assert.Contains(t, out, "confirm:   fetch_url")
	assert.Contains(t, out, "ok\n")
}

func TestCheck_Connect(t *testing.T) {
	path := writeConfig(t, `
provider: {kind: openai, api_key: test}
store: {kind: sqlite, path: `+filepath.Join(t.TempDir(), "relay.db")+`}
tools:
  builtin: [get_local_time, fetch_url]
`)

	out, err := execute(t, "check", "--connect", "--config", path)
	require.NoError(t, err)

	assert.Contains(t, out, "tool:      fetch_url (confirm)")
	assert.Contains(t, out, "tool:      get_local_time\n")
}

func TestCheck_InvalidConfig(t *testing.T) {
	path := writeConfig(t, "provider: {kind: bard}")

	_, err := execute(t, "check", "--config", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown provider kind "bard"`)
}

func TestCheck_MissingConfig(t *testing.T) {
	_, err := execute(t, "check", "--config", filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoadDotEnv(t *testing.T) {
	assert.NoError(t, loadDotEnv(filepath.Join(t.TempDir(), "missing.env")))
	assert.NoError(t, loadDotEnv(""))

	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("RELAY_DOTENV_TEST=loaded\n"), 0o600))
	t.Cleanup(func() { _ = os.Unsetenv("RELAY_DOTENV_TEST") })

	require.NoError(t, loadDotEnv(path))
	assert.Equal(t, "loaded", os.Getenv("RELAY_DOTENV_TEST"))
}

func TestMCPTools(t *testing.T) {
	cfg, err := engine.ParseConfig(nil)
	require.NoError(t, err)

	tb := mcpTools(cfg, schedule.New(nil, nil))

	assert.Len(t, tb.Tools(), len(builtin.Names))
	assert.True(t, tb.IsGated(builtin.GetWeatherInformation))
	assert.True(t, tb.IsGated(builtin.FetchURL))
	assert.False(t, tb.IsGated(builtin.GetLocalTime))
}
