package config

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"regexp"
	"sort"
	"time"

	"github.com/unicitynetwork/unicity-orchestrator-sub000/backend"
	"github.com/unicitynetwork/unicity-orchestrator-sub000/discovery"
	"github.com/unicitynetwork/unicity-orchestrator-sub000/ids"
)

// mcpServerConfig is one entry of mcp.json's "mcpServers" map, grounded on
// original_source/src/config.rs's McpServerConfig: a stdio server declares
// "command" (+ optional args/env), an HTTP server declares "url" (+ optional
// headers); either may set "disabled".
type mcpServerConfig struct {
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`

	URL     string            `json:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`

	Disabled bool `json:"disabled,omitempty"`
}

// mcpJSONConfig is the top-level mcp.json document.
type mcpJSONConfig struct {
	McpServers map[string]mcpServerConfig `json:"mcpServers"`
}

// FileBackendSource implements discovery.BackendSource by reading an
// mcp.json-style file from Path. It is the orchestrator's only production
// BackendSource; the externally-owned file format and its ${VAR} expansion
// are read here exactly once per Discover call, never cached across calls,
// so editing mcp.json and re-running discovery always picks up the change.
type FileBackendSource struct {
	Path string

	// HTTPClient is used for declared HTTP backends' HTTPOptions.Client
	// (a RoundTripper wraps it to inject Headers when present).
	// Defaults to a client with a 30-second timeout if nil.
	HTTPClient *http.Client

	InitTimeout time.Duration
}

var _ discovery.BackendSource = (*FileBackendSource)(nil)

// ListBackends reads and parses Path, expanding "${VAR}" references against
// the process environment (matching original_source/src/config.rs's
// expand_env_vars), and returns one BackendDecl per declared server.
func (f *FileBackendSource) ListBackends(_ context.Context) ([]discovery.BackendDecl, error) {
	raw, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, fmt.Errorf("config: read mcp config %q: %w", f.Path, err)
	}

	var doc mcpJSONConfig
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("config: parse mcp config %q: %w", f.Path, err)
	}

	names := make([]string, 0, len(doc.McpServers))
	for name := range doc.McpServers {
		names = append(names, name)
	}
	sort.Strings(names)

	decls := make([]discovery.BackendDecl, 0, len(names))
	for _, name := range names {
		srv := expandServer(doc.McpServers[name])
		decl, err := f.toBackendDecl(name, srv)
		if err != nil {
			return nil, err
		}
		decls = append(decls, decl)
	}
	return decls, nil
}

func (f *FileBackendSource) toBackendDecl(name string, srv mcpServerConfig) (discovery.BackendDecl, error) {
	decl := discovery.BackendDecl{
		Name:    ids.ServiceName(name),
		Enabled: !srv.Disabled,
	}

	switch {
	case srv.Command != "":
		decl.Stdio = &backend.StdioOptions{
			Command:     srv.Command,
			Args:        srv.Args,
			Env:         envToSlice(srv.Env),
			InitTimeout: f.InitTimeout,
		}
	case srv.URL != "":
		decl.HTTP = &backend.HTTPOptions{
			Endpoint:    srv.URL,
			Client:      f.clientFor(srv.Headers),
			InitTimeout: f.InitTimeout,
		}
	default:
		return discovery.BackendDecl{}, fmt.Errorf("config: mcp server %q declares neither command nor url", name)
	}
	return decl, nil
}

func (f *FileBackendSource) clientFor(headers map[string]string) *http.Client {
	base := f.HTTPClient
	if base == nil {
		base = &http.Client{Timeout: 30 * time.Second}
	}
	if len(headers) == 0 {
		return base
	}
	clone := *base
	clone.Transport = &headerTransport{headers: headers, base: base.Transport}
	return &clone
}

// headerTransport injects static headers (mcp.json's per-server "headers")
// on every request, since backend.HTTPOptions has no headers field of its
// own — this is the idiomatic net/http seam for that.
type headerTransport struct {
	headers map[string]string
	base    http.RoundTripper
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}
	cloned := req.Clone(req.Context())
	for k, v := range t.headers {
		cloned.Header.Set(k, v)
	}
	return base.RoundTrip(cloned)
}

func envToSlice(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]*)\}`)

// expandEnvVars replaces "${NAME}" with the named environment variable's
// value, leaving the reference untouched if the variable is unset —
// matching original_source/src/config.rs's expand_env_vars exactly.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(m string) string {
		name := envVarPattern.FindStringSubmatch(m)[1]
		if v, ok := os.LookupEnv(name); ok {
			return v
		}
		return m
	})
}

func expandServer(cfg mcpServerConfig) mcpServerConfig {
	cfg.Command = expandEnvVars(cfg.Command)
	cfg.URL = expandEnvVars(cfg.URL)
	for i, a := range cfg.Args {
		cfg.Args[i] = expandEnvVars(a)
	}
	for k, v := range cfg.Env {
		cfg.Env[k] = expandEnvVars(v)
	}
	for k, v := range cfg.Headers {
		cfg.Headers[k] = expandEnvVars(v)
	}
	return cfg
}
