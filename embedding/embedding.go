// Package embedding computes, caches, and stores content-hashed vector
// embeddings for tools, and resolves nearest-neighbor tool search (spec
// §4.D). The embedding model itself is an external collaborator — Model is
// the seam — grounded on original_source/src/knowledge_graph/embedding.rs's
// EmbeddingManager, whose embed_text/embed_tool/embed_batch/store_embedding/
// update_tool_embeddings/search_tools_by_embedding this package reproduces
// with a Go-native Model interface standing in for embed_anything.
package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"golang.org/x/time/rate"

	"github.com/unicitynetwork/unicity-orchestrator-sub000/catalog"
	"github.com/unicitynetwork/unicity-orchestrator-sub000/ids"
	"github.com/unicitynetwork/unicity-orchestrator-sub000/schema"
)

// Model is the external embedding-model collaborator the spec explicitly
// excludes from this package's scope: given text, produce a fixed-dimension
// vector.
type Model interface {
	EmbedText(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Index resolves nearest-neighbor search over stored embeddings. memstore
// deployments install embedding/cosineindex's linear scan; mongostore does
// not implement Index, and with no Index set the Manager calls the store's
// own FindToolsByEmbedding (an in-Go scored scan) directly.
type Index interface {
	Search(ctx context.Context, query []float32, topK int) ([]catalog.ScoredTool, error)
}

// Manager wraps a Model and catalog.Store, implementing content-hash
// caching, the fixed-concatenation embed_tool text builder, and tool
// embedding maintenance. Safe for concurrent use: EmbedBatch calls against
// the model are bounded by a semaphore sized from
// Config.MaxConcurrentBatches (serialized at the default of one) so
// duplicate concurrent model invocations for the same cache miss cannot
// race (mirrors the teacher's "exclusive lock during batch embedding"
// discipline); cache-hit reads proceed under a plain RWMutex.
type Manager struct {
	model     Model
	store     catalog.Store
	modelName string
	index     Index

	mu    sync.RWMutex
	cache map[string][]float32 // content-hash -> vector

	batchLimiter *rate.Limiter
	batchSem     chan struct{}
}

// SetIndex installs the nearest-neighbor Index SearchToolsByEmbedding
// delegates to. Left unset, SearchToolsByEmbedding calls store's own
// FindToolsByEmbedding directly (what mongostore wants); memstore
// deployments install cosineindex.New(store) so the search path runs
// through the same seam a future non-scan index would plug into.
func (m *Manager) SetIndex(idx Index) {
	m.index = idx
}

// Config configures a Manager's concurrency posture against the embedding
// model.
type Config struct {
	ModelName string
	// BatchRatePerSecond bounds how often EmbedBatch may call into Model;
	// zero disables rate limiting (suitable for in-process test doubles).
	BatchRatePerSecond float64
	BatchBurst         int
	// MaxConcurrentBatches bounds how many EmbedBatch calls may be
	// in-flight against Model at once. Defaults to 1 (serialized), matching
	// the teacher's batch-embedding exclusivity rule.
	MaxConcurrentBatches int
}

// NewManager constructs a Manager. model and store must be non-nil.
func NewManager(model Model, store catalog.Store, cfg Config) *Manager {
	if cfg.MaxConcurrentBatches <= 0 {
		cfg.MaxConcurrentBatches = 1
	}
	var limiter *rate.Limiter
	if cfg.BatchRatePerSecond > 0 {
		burst := cfg.BatchBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.BatchRatePerSecond), burst)
	}
	return &Manager{
		model:        model,
		store:        store,
		modelName:    cfg.ModelName,
		cache:        map[string][]float32{},
		batchLimiter: limiter,
		batchSem:     make(chan struct{}, cfg.MaxConcurrentBatches),
	}
}

// hashContent is the SHA-256 cache/dedup key, matching
// EmbeddingManager::hash_content.
func hashContent(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// EmbedText embeds a single string, consulting and populating the in-memory
// cache by content hash.
func (m *Manager) EmbedText(ctx context.Context, text string) ([]float32, error) {
	hash := hashContent(text)

	m.mu.RLock()
	if v, ok := m.cache[hash]; ok {
		m.mu.RUnlock()
		return v, nil
	}
	m.mu.RUnlock()

	if err := m.acquireBatchSlot(ctx); err != nil {
		return nil, err
	}
	defer m.releaseBatchSlot()

	m.mu.Lock()
	if v, ok := m.cache[hash]; ok {
		m.mu.Unlock()
		return v, nil
	}
	m.mu.Unlock()

	vec, err := m.model.EmbedText(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embedding: embed text: %w", err)
	}

	m.mu.Lock()
	m.cache[hash] = vec
	m.mu.Unlock()

	return vec, nil
}

// EmbedBatch deduplicates against the cache, calls the model once for the
// uncached remainder (rate-limited and concurrency-bounded against
// overloading it), merges with cached hits, and preserves input order.
// Mirrors EmbeddingManager::embed_batch.
func (m *Manager) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	results := make([][]float32, len(texts))
	var uncachedTexts []string
	var uncachedIndices []int

	m.mu.RLock()
	for i, text := range texts {
		hash := hashContent(text)
		if v, ok := m.cache[hash]; ok {
			results[i] = v
		} else {
			uncachedTexts = append(uncachedTexts, text)
			uncachedIndices = append(uncachedIndices, i)
		}
	}
	m.mu.RUnlock()

	if len(uncachedTexts) == 0 {
		return results, nil
	}

	if err := m.acquireBatchSlot(ctx); err != nil {
		return nil, err
	}
	defer m.releaseBatchSlot()

	batchResults, err := m.model.EmbedBatch(ctx, uncachedTexts)
	if err != nil {
		return nil, fmt.Errorf("embedding: embed batch: %w", err)
	}
	if len(batchResults) != len(uncachedTexts) {
		return nil, fmt.Errorf("embedding: model returned %d vectors for %d texts", len(batchResults), len(uncachedTexts))
	}

	m.mu.Lock()
	for j, vec := range batchResults {
		idx := uncachedIndices[j]
		results[idx] = vec
		m.cache[hashContent(texts[idx])] = vec
	}
	m.mu.Unlock()

	return results, nil
}

// acquireBatchSlot blocks until a model-call slot is available (bounding
// concurrent Model invocations) and, if a rate limiter is configured, until
// the limiter also admits the call.
func (m *Manager) acquireBatchSlot(ctx context.Context) error {
	select {
	case m.batchSem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	if m.batchLimiter != nil {
		if err := m.batchLimiter.Wait(ctx); err != nil {
			<-m.batchSem
			return err
		}
	}
	return nil
}

func (m *Manager) releaseBatchSlot() {
	<-m.batchSem
}

// StoreEmbedding dedups by (content_hash, model) against the catalog before
// inserting, matching EmbeddingManager::store_embedding.
func (m *Manager) StoreEmbedding(ctx context.Context, vector []float32, contentType, contentHash string) (*catalog.Embedding, error) {
	if existing, err := m.store.FindEmbeddingByHash(ctx, m.modelName, contentHash); err == nil {
		return existing, nil
	} else if err != catalog.ErrNotFound {
		return nil, fmt.Errorf("embedding: lookup existing embedding: %w", err)
	}
	return m.store.StoreEmbedding(ctx, catalog.Embedding{
		Vector:      vector,
		Model:       m.modelName,
		ContentType: contentType,
		ContentHash: contentHash,
	})
}

// EmbedToolText builds the fixed-concatenation text used to embed a tool:
// "Tool: <name>\n[Description: <desc>\n][Input: <schema-json>\n]
// [Input Type: <typed-summary>\n][Output Type: <typed-summary>]", matching
// EmbeddingManager::embed_tool's text_parts construction.
func EmbedToolText(name, description string, rawInputSchema map[string]any, inputType, outputType *schema.TypedSchema) (string, error) {
	var parts []string
	parts = append(parts, fmt.Sprintf("Tool: %s", name))

	if description != "" {
		parts = append(parts, fmt.Sprintf("Description: %s", description))
	}

	if rawInputSchema != nil {
		b, err := json.Marshal(rawInputSchema)
		if err != nil {
			return "", fmt.Errorf("embedding: marshal input schema: %w", err)
		}
		parts = append(parts, fmt.Sprintf("Input: %s", string(b)))
	}

	if inputType != nil {
		parts = append(parts, fmt.Sprintf("Input Type: %s", typedSchemaSummary(inputType)))
	}
	if outputType != nil {
		parts = append(parts, fmt.Sprintf("Output Type: %s", typedSchemaSummary(outputType)))
	}

	return strings.Join(parts, "\n"), nil
}

// typedSchemaSummary renders a TypedSchema as "<kind>, <prop>: <kind>, ...",
// matching EmbeddingManager::typed_schema_to_text's "kind, name: kind, ..."
// rendering for object schemas.
func typedSchemaSummary(t *schema.TypedSchema) string {
	parts := []string{kindName(t.Kind)}
	if t.Kind == schema.Object {
		names := make([]string, 0, len(t.Properties))
		for name := range t.Properties {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			parts = append(parts, fmt.Sprintf("%s: %s", name, kindName(t.Properties[name].Kind)))
		}
	}
	return strings.Join(parts, ", ")
}

func kindName(k schema.Kind) string {
	switch k {
	case schema.Null:
		return "null"
	case schema.String:
		return "string"
	case schema.Integer:
		return "integer"
	case schema.Number:
		return "number"
	case schema.Boolean:
		return "boolean"
	case schema.Array:
		return "array"
	case schema.Object:
		return "object"
	case schema.Union:
		return "union"
	case schema.Enum:
		return "enum"
	default:
		return "any"
	}
}

// EmbedTool builds the embed text for a tool and embeds it, matching
// EmbeddingManager::embed_tool.
func (m *Manager) EmbedTool(ctx context.Context, name, description string, rawInputSchema map[string]any, inputType, outputType *schema.TypedSchema) ([]float32, error) {
	text, err := EmbedToolText(name, description, rawInputSchema, inputType, outputType)
	if err != nil {
		return nil, err
	}
	return m.EmbedText(ctx, text)
}

// UpdateToolEmbeddings iterates tools lacking an embedding, generates and
// links one for each, and returns the count updated. Matches
// EmbeddingManager::update_tool_embeddings, including its content-hash
// scheme for the catalog dedup key: sha256("name:description:schema-json").
func (m *Manager) UpdateToolEmbeddings(ctx context.Context) (int, error) {
	tools, err := m.store.ListTools(ctx)
	if err != nil {
		return 0, fmt.Errorf("embedding: list tools: %w", err)
	}

	updated := 0
	for _, tool := range tools {
		if tool.EmbeddingID != nil {
			continue
		}

		vec, err := m.EmbedTool(ctx, string(tool.Name), tool.Description, tool.RawInputSchema, tool.InputType, tool.OutputType)
		if err != nil {
			return updated, err
		}

		schemaJSON, err := json.Marshal(tool.RawInputSchema)
		if err != nil {
			return updated, fmt.Errorf("embedding: marshal tool %q input schema: %w", tool.Name, err)
		}
		contentHash := hashContent(fmt.Sprintf("%s:%s:%s", tool.Name, tool.Description, string(schemaJSON)))

		emb, err := m.StoreEmbedding(ctx, vec, "tool", contentHash)
		if err != nil {
			return updated, fmt.Errorf("embedding: store embedding for tool %q: %w", tool.Name, err)
		}

		if err := m.store.SetToolEmbedding(ctx, tool.ID, emb.ID); err != nil {
			return updated, fmt.Errorf("embedding: link embedding to tool %q: %w", tool.Name, err)
		}
		updated++
	}

	return updated, nil
}

// SearchResult pairs a tool id with its similarity score to a query
// embedding, plus the resolved Tool when available, matching
// EmbeddingSearchResult.
type SearchResult struct {
	ToolID     ids.ToolId
	Similarity float64
	Tool       *catalog.Tool
}

// SearchToolsByEmbedding embeds the query text, finds the topK nearest tool
// embeddings with score >= threshold, and resolves each to its Tool.
// Matches EmbeddingManager::search_tools_by_embedding.
func (m *Manager) SearchToolsByEmbedding(ctx context.Context, query string, topK int, threshold float64) ([]SearchResult, error) {
	vec, err := m.EmbedText(ctx, query)
	if err != nil {
		return nil, err
	}

	var scored []catalog.ScoredTool
	if m.index != nil {
		scored, err = m.index.Search(ctx, vec, topK)
	} else {
		scored, err = m.store.FindToolsByEmbedding(ctx, vec, topK)
	}
	if err != nil {
		return nil, fmt.Errorf("embedding: find tools by embedding: %w", err)
	}

	results := make([]SearchResult, 0, len(scored))
	for _, s := range scored {
		if s.Score < threshold {
			continue
		}
		tool, err := m.store.FindToolByID(ctx, s.ToolID)
		var toolPtr *catalog.Tool
		if err == nil {
			toolPtr = tool
		}
		results = append(results, SearchResult{ToolID: s.ToolID, Similarity: s.Score, Tool: toolPtr})
	}

	return results, nil
}

// ClearCache drops every cached embedding, matching
// EmbeddingManager::clear_cache. Intended for tests and admin tooling, not
// the request path.
func (m *Manager) ClearCache() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache = map[string][]float32{}
}
