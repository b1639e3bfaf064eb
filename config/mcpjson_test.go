package config_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unicitynetwork/unicity-orchestrator-sub000/config"
)

func writeMcpJSON(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mcp.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestFileBackendSourceParsesStdioAndHTTPServers(t *testing.T) {
	path := writeMcpJSON(t, `{
		"mcpServers": {
			"fs": {"command": "fs-server", "args": ["--root", "/tmp"]},
			"github": {"url": "https://example.test/mcp", "headers": {"Authorization": "token abc"}},
			"disabled-one": {"command": "nope", "disabled": true}
		}
	}`)

	src := &config.FileBackendSource{Path: path}
	decls, err := src.ListBackends(context.Background())
	require.NoError(t, err)
	require.Len(t, decls, 3)

	byName := map[string]int{}
	for i, d := range decls {
		byName[string(d.Name)] = i
	}

	fs := decls[byName["fs"]]
	require.NotNil(t, fs.Stdio)
	assert.Equal(t, "fs-server", fs.Stdio.Command)
	assert.Equal(t, []string{"--root", "/tmp"}, fs.Stdio.Args)
	assert.True(t, fs.Enabled)

	gh := decls[byName["github"]]
	require.NotNil(t, gh.HTTP)
	assert.Equal(t, "https://example.test/mcp", gh.HTTP.Endpoint)
	assert.True(t, gh.Enabled)

	dis := decls[byName["disabled-one"]]
	assert.False(t, dis.Enabled)
}

func TestFileBackendSourceExpandsEnvVars(t *testing.T) {
	t.Setenv("TEST_MCP_TOKEN", "s3cr3t")
	path := writeMcpJSON(t, `{
		"mcpServers": {
			"svc": {"command": "run", "args": ["--token", "${TEST_MCP_TOKEN}"], "env": {"TOKEN": "${TEST_MCP_TOKEN}"}}
		}
	}`)

	src := &config.FileBackendSource{Path: path}
	decls, err := src.ListBackends(context.Background())
	require.NoError(t, err)
	require.Len(t, decls, 1)
	require.NotNil(t, decls[0].Stdio)
	assert.Equal(t, []string{"--token", "s3cr3t"}, decls[0].Stdio.Args)
	assert.Contains(t, decls[0].Stdio.Env, "TOKEN=s3cr3t")
}

func TestFileBackendSourceLeavesUnsetVarReferencesUntouched(t *testing.T) {
	path := writeMcpJSON(t, `{"mcpServers": {"svc": {"command": "run", "args": ["${NOT_SET_XYZ}"]}}}`)

	src := &config.FileBackendSource{Path: path}
	decls, err := src.ListBackends(context.Background())
	require.NoError(t, err)
	require.Len(t, decls, 1)
	assert.Equal(t, []string{"${NOT_SET_XYZ}"}, decls[0].Stdio.Args)
}

func TestFileBackendSourceRejectsServerWithNeitherCommandNorURL(t *testing.T) {
	path := writeMcpJSON(t, `{"mcpServers": {"broken": {}}}`)

	src := &config.FileBackendSource{Path: path}
	_, err := src.ListBackends(context.Background())
	assert.Error(t, err)
}

func TestFileBackendSourceMissingFileIsAnError(t *testing.T) {
	src := &config.FileBackendSource{Path: "/nonexistent/mcp.json"}
	_, err := src.ListBackends(context.Background())
	assert.Error(t, err)
}
