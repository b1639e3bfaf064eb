// Package identity resolves the caller of an MCP request to a catalog user
// (spec §4.J): JWT bearer tokens verified against a JWKS cache, database-
// and static-mode API keys, and an anonymous fallback. It also implements
// UserToolFilter, which applies a resolved user's preferences to a tool
// list or selection list.
package identity

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"time"
)

// DefaultCacheTTL and MaxStaleCacheAge mirror
// original_source/src/auth/jwks.rs's DEFAULT_CACHE_TTL_SECONDS (3600) and
// MAX_STALE_CACHE_SECONDS (86400).
const (
	DefaultCacheTTL  = 3600 * time.Second
	MaxStaleCacheAge = 86400 * time.Second
)

// jwk is a single JSON Web Key from a JWKS document.
type jwk struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Alg string `json:"alg"`
	Use string `json:"use"`
	N   string `json:"n"`
	E   string `json:"e"`
}

type jwksDocument struct {
	Keys []jwk `json:"keys"`
}

// KeyCache is the seam a JwksCache delegates cross-replica sharing to;
// identity/jwksredis implements it over github.com/redis/go-redis/v9.
// A nil KeyCache makes the JwksCache purely in-process.
type KeyCache interface {
	Get(ctx context.Context) (map[string]*rsa.PublicKey, bool)
	Set(ctx context.Context, keys map[string]*rsa.PublicKey, ttl time.Duration)
}

// JwksCache fetches and caches RSA signature keys from a JWKS endpoint,
// matching original_source/src/auth/jwks.rs's JwksCache: refresh on TTL
// expiry, serve stale on fetch failure within the stale window, emit only
// RSA signature keys, lookup by kid or first key if kid is absent.
type JwksCache struct {
	url        string
	ttl        time.Duration
	allowStale bool
	client     *http.Client
	shared     KeyCache

	mu        sync.RWMutex
	keys      map[string]*rsa.PublicKey
	fetchedAt time.Time
}

// NewJwksCache constructs a JwksCache. shared may be nil.
func NewJwksCache(url string, ttl time.Duration, allowStale bool, shared KeyCache) *JwksCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &JwksCache{
		url:        url,
		ttl:        ttl,
		allowStale: allowStale,
		client:     &http.Client{Timeout: 10 * time.Second},
		shared:     shared,
	}
}

// GetKey returns the RSA public key for kid, or the first cached key if kid
// is empty. Refreshes from the JWKS endpoint (or the shared cache) when the
// local cache is stale; falls back to a stale entry on fetch failure if
// allowStale and within MaxStaleCacheAge.
func (c *JwksCache) GetKey(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	if !c.stale() {
		if key, ok := c.lookup(kid); ok {
			return key, nil
		}
	}

	if err := c.refresh(ctx); err != nil {
		if c.allowStale && c.withinStaleWindow() {
			if key, ok := c.lookup(kid); ok {
				return key, nil
			}
		}
		return nil, fmt.Errorf("identity: jwks fetch: %w", err)
	}

	if key, ok := c.lookup(kid); ok {
		return key, nil
	}
	if kid != "" {
		return nil, fmt.Errorf("identity: jwks key %q not found", kid)
	}
	return nil, fmt.Errorf("identity: no jwks keys available")
}

func (c *JwksCache) stale() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.fetchedAt.IsZero() || time.Since(c.fetchedAt) > c.ttl
}

func (c *JwksCache) withinStaleWindow() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.fetchedAt.IsZero() && time.Since(c.fetchedAt) < MaxStaleCacheAge
}

func (c *JwksCache) lookup(kid string) (*rsa.PublicKey, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if kid != "" {
		key, ok := c.keys[kid]
		return key, ok
	}
	for _, key := range c.keys {
		return key, true
	}
	return nil, false
}

func (c *JwksCache) refresh(ctx context.Context) error {
	if c.shared != nil {
		if keys, ok := c.shared.Get(ctx); ok {
			c.mu.Lock()
			c.keys = keys
			c.fetchedAt = time.Now()
			c.mu.Unlock()
			return nil
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("http %d from jwks endpoint", resp.StatusCode)
	}

	var doc jwksDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return fmt.Errorf("parse jwks: %w", err)
	}

	keys := map[string]*rsa.PublicKey{}
	for _, k := range doc.Keys {
		if k.Kty != "RSA" || k.Use == "enc" {
			continue
		}
		key, err := jwkToRSAPublicKey(k)
		if err != nil {
			continue
		}
		kid := k.Kid
		if kid == "" {
			kid = "default"
		}
		keys[kid] = key
	}
	if len(keys) == 0 {
		return fmt.Errorf("no valid RSA signature keys in jwks document")
	}

	c.mu.Lock()
	c.keys = keys
	c.fetchedAt = time.Now()
	c.mu.Unlock()

	if c.shared != nil {
		c.shared.Set(ctx, keys, c.ttl)
	}
	return nil
}

func jwkToRSAPublicKey(k jwk) (*rsa.PublicKey, error) {
	if k.N == "" || k.E == "" {
		return nil, fmt.Errorf("missing n/e in RSA key")
	}
	nBytes, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, fmt.Errorf("decode n: %w", err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, fmt.Errorf("decode e: %w", err)
	}
	eBuf := make([]byte, 8)
	copy(eBuf[8-len(eBytes):], eBytes)
	e := int(binary.BigEndian.Uint64(eBuf))

	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(nBytes),
		E: e,
	}, nil
}
