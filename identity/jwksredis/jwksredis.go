// Package jwksredis implements identity.KeyCache over Redis, letting
// multiple orchestrator replicas share one verified JWKS cache instead of
// each hammering the JWKS endpoint independently. This is the SPEC_FULL
// addition resolving the "multi-tenant isolation" note in spec §4.J into a
// concrete multi-replica deployment concern; the original single-process
// jwks.rs has no equivalent.
package jwksredis

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"math/big"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache wraps a Redis client, storing the JWKS key set as a single JSON blob
// under key. Safe for concurrent use (the redis client already is).
type Cache struct {
	client *redis.Client
	key    string
}

// New constructs a Cache. key is the Redis key the key set is stored under,
// e.g. "orchestrator:jwks:keys".
func New(client *redis.Client, key string) *Cache {
	return &Cache{client: client, key: key}
}

type wireKey struct {
	Kid string `json:"kid"`
	N   string `json:"n"` // big.Int decimal string
	E   int    `json:"e"`
}

// Get returns the cached key set, or (nil, false) on a cache miss or error
// — callers fall back to fetching from the JWKS endpoint directly.
func (c *Cache) Get(ctx context.Context) (map[string]*rsa.PublicKey, bool) {
	data, err := c.client.Get(ctx, c.key).Bytes()
	if err != nil {
		return nil, false
	}
	var wire []wireKey
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, false
	}
	keys := make(map[string]*rsa.PublicKey, len(wire))
	for _, w := range wire {
		n, ok := new(big.Int).SetString(w.N, 10)
		if !ok {
			continue
		}
		keys[w.Kid] = &rsa.PublicKey{N: n, E: w.E}
	}
	if len(keys) == 0 {
		return nil, false
	}
	return keys, true
}

// Set stores the key set with the given TTL. Failures are swallowed: the
// distributed cache is a latency optimization, never a correctness
// requirement — every replica can still fetch JWKS directly.
func (c *Cache) Set(ctx context.Context, keys map[string]*rsa.PublicKey, ttl time.Duration) {
	wire := make([]wireKey, 0, len(keys))
	for kid, key := range keys {
		wire = append(wire, wireKey{Kid: kid, N: key.N.String(), E: key.E})
	}
	data, err := json.Marshal(wire)
	if err != nil {
		return
	}
	_ = c.client.Set(ctx, c.key, data, ttl).Err()
}
