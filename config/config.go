// Package config assembles the orchestrator's typed Config from the
// environment variables enumerated in spec §6, plus an optional YAML file
// of defaults (model name, page size, timeouts) that is distinct from the
// externally-owned mcp.json backend declarations (config/mcpjson.go).
//
// Grounded on the teacher's Options-struct convention
// (features/policy/basic.Options, runtime/mcp.StdioOptions/HTTPOptions):
// a plain struct with a constructor that applies defaults, rather than a
// framework-driven config loader.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/unicitynetwork/unicity-orchestrator-sub000/identity"
)

// Defaults default to the teacher's own conservative choices where the spec
// does not pin a number.
const (
	DefaultJWKSCacheTTL    = identity.DefaultCacheTTL
	DefaultPageSize        = 100
	DefaultDiscoveryTimeout = 30 * time.Second
	DefaultElicitTTL       = 5 * time.Minute
	DefaultAPIKeyHeader    = "X-API-Key"
)

// FileDefaults is the shape of the orchestrator's own YAML config file:
// tunables that are natural to version alongside the deployment rather than
// pass as individual environment variables.
type FileDefaults struct {
	EmbeddingModel     string        `yaml:"embedding_model"`
	PageSize           int           `yaml:"page_size"`
	DiscoveryTimeout   time.Duration `yaml:"discovery_timeout"`
	ElicitationTTL     time.Duration `yaml:"elicitation_ttl"`
	BatchRatePerSecond float64       `yaml:"embedding_batch_rate"`
	BatchBurst         int           `yaml:"embedding_batch_burst"`
}

// LoadFileDefaults reads a YAML defaults file. A missing file is not an
// error: callers get the zero FileDefaults{}, and Load fills in its own
// defaults afterward.
func LoadFileDefaults(path string) (FileDefaults, error) {
	var fd FileDefaults
	if path == "" {
		return fd, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fd, nil
		}
		return fd, fmt.Errorf("config: read defaults file: %w", err)
	}
	if err := yaml.Unmarshal(data, &fd); err != nil {
		return fd, fmt.Errorf("config: parse defaults file: %w", err)
	}
	return fd, nil
}

// Datastore is the connection configuration for the catalog backing store
// (spec §6: "datastore URL/namespace/database/credentials").
type Datastore struct {
	URL         string
	Namespace   string
	Database    string
	Username    string
	Password    string
}

// JWKS is the JWKS cache configuration (spec §6: "JWKS URL, JWKS cache TTL,
// allow-stale flag").
type JWKS struct {
	URL        string
	CacheTTL   time.Duration
	AllowStale bool
}

// Redis is the connection configuration for the optional shared-state Redis
// instance: the JWKS cache's cross-replica KeyCache (identity/jwksredis) and
// the URL-elicitation Broadcaster's cross-replica fanout (approval's
// PulseBroadcaster) both back onto it when URL is set. A single-replica
// deployment can leave this empty and fall back to in-process equivalents.
type Redis struct {
	URL      string
	Password string
}

// Config is the orchestrator's fully-resolved runtime configuration,
// assembled by Load from the environment plus an optional FileDefaults.
type Config struct {
	Datastore Datastore
	JWKS      JWKS
	Redis     Redis

	// McpConfigPath is the path to the externally-owned mcp.json (or
	// declared equivalent) backend declaration file. Its own parsing and
	// ${VAR} env expansion live in config/mcpjson.go, not here, per spec
	// §1 ("mcp.json parsing and env expansion stay external").
	McpConfigPath string

	AdminAddr       string
	CallbackBaseURL string

	AnonymousAllowed bool
	StaticAPIKey     string
	APIKeyHeader     string
	DBAPIKeysEnabled bool

	JWTIssuer   string
	JWTAudience string

	EmbeddingModel     string
	PageSize           int
	DiscoveryTimeout   time.Duration
	ElicitationTTL     time.Duration
	BatchRatePerSecond float64
	BatchBurst         int
}

// IdentityConfig projects the subset ExtractUser's precedence branches need
// (component J).
func (c Config) IdentityConfig() identity.Config {
	return identity.Config{
		AnonymousAllowed: c.AnonymousAllowed,
		StaticAPIKey:     c.StaticAPIKey,
		DBAPIKeysEnabled: c.DBAPIKeysEnabled,
		JWTIssuer:        c.JWTIssuer,
		JWTAudience:      c.JWTAudience,
	}
}

// Load assembles Config from environment variables, using fd for any value
// the environment does not override. Call LoadFileDefaults first (or pass
// FileDefaults{} to rely entirely on defaults/env).
func Load(fd FileDefaults) (Config, error) {
	c := Config{
		Datastore: Datastore{
			URL:       getenv("ORCHESTRATOR_DATASTORE_URL", ""),
			Namespace: getenv("ORCHESTRATOR_DATASTORE_NAMESPACE", ""),
			Database:  getenv("ORCHESTRATOR_DATASTORE_DATABASE", "orchestrator"),
			Username:  getenv("ORCHESTRATOR_DATASTORE_USERNAME", ""),
			Password:  getenv("ORCHESTRATOR_DATASTORE_PASSWORD", ""),
		},
		JWKS: JWKS{
			URL:        getenv("ORCHESTRATOR_JWKS_URL", ""),
			CacheTTL:   DefaultJWKSCacheTTL,
			AllowStale: getbool("ORCHESTRATOR_JWKS_ALLOW_STALE", false),
		},
		Redis: Redis{
			URL:      getenv("ORCHESTRATOR_REDIS_URL", ""),
			Password: getenv("ORCHESTRATOR_REDIS_PASSWORD", ""),
		},
		McpConfigPath:    getenv("MCP_CONFIG", "mcp.json"),
		AdminAddr:        getenv("ORCHESTRATOR_ADMIN_ADDR", ":8080"),
		CallbackBaseURL:  getenv("ORCHESTRATOR_CALLBACK_BASE_URL", "http://localhost:8080"),
		AnonymousAllowed: getbool("ORCHESTRATOR_ANONYMOUS_ALLOWED", true),
		StaticAPIKey:     getenv("ORCHESTRATOR_STATIC_API_KEY", ""),
		APIKeyHeader:     getenv("ORCHESTRATOR_API_KEY_HEADER", DefaultAPIKeyHeader),
		DBAPIKeysEnabled: getbool("ORCHESTRATOR_DB_API_KEYS_ENABLED", false),
		JWTIssuer:        getenv("ORCHESTRATOR_JWT_ISSUER", ""),
		JWTAudience:      getenv("ORCHESTRATOR_JWT_AUDIENCE", ""),

		EmbeddingModel:     fd.EmbeddingModel,
		PageSize:           fd.PageSize,
		DiscoveryTimeout:   fd.DiscoveryTimeout,
		ElicitationTTL:     fd.ElicitationTTL,
		BatchRatePerSecond: fd.BatchRatePerSecond,
		BatchBurst:         fd.BatchBurst,
	}

	if ttl := os.Getenv("ORCHESTRATOR_JWKS_CACHE_TTL"); ttl != "" {
		d, err := time.ParseDuration(ttl)
		if err != nil {
			return Config{}, fmt.Errorf("config: ORCHESTRATOR_JWKS_CACHE_TTL: %w", err)
		}
		c.JWKS.CacheTTL = d
	}

	if c.EmbeddingModel == "" {
		c.EmbeddingModel = "text-embedding-3-small"
	}
	if c.PageSize <= 0 {
		c.PageSize = DefaultPageSize
	}
	if c.DiscoveryTimeout <= 0 {
		c.DiscoveryTimeout = DefaultDiscoveryTimeout
	}
	if c.ElicitationTTL <= 0 {
		c.ElicitationTTL = DefaultElicitTTL
	}
	if c.BatchBurst <= 0 {
		c.BatchBurst = 1
	}

	return c, nil
}

func getenv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		return v
	}
	return def
}

func getbool(key string, def bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
