// Package memstore is the in-memory Store implementation, grounded on the
// teacher's registry/store/memory package: sync.RWMutex-guarded maps, a
// ctx.Done() check at the top of every method, and plain linear scans for
// the handful of query shapes the interface needs. Suitable for development,
// tests, and single-node deployments where persistence across restarts is
// not required.
package memstore

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/unicitynetwork/unicity-orchestrator-sub000/catalog"
	"github.com/unicitynetwork/unicity-orchestrator-sub000/ids"
	"github.com/unicitynetwork/unicity-orchestrator-sub000/rules"
	"github.com/unicitynetwork/unicity-orchestrator-sub000/schema"
)

// fallbackRuleID is the fixed identifier of the seed rule EnsureSchema
// creates if absent, so repeated calls never duplicate it (the Round-trip
// property in spec §8: "ensure_schema(); ensure_schema() ⇒ no errors, no
// duplicate seed rule").
const fallbackRuleID = "fallback-tool-exists"

// fallbackRule fires for every tool_exists(T) fact and proposes it as a
// low-confidence selection, so a query with no other matching rule still
// yields a symbolic tool_selected fact rather than relying solely on the
// selector's raw-embedding-hit fallback path. Grounded on
// original_source/src/knowledge_graph/symbolic.rs's unify_fact doc comment,
// which names exactly this shape as the motivating example:
// "tool_exists(T) => tool_selected(T, ...)".
func fallbackRule() rules.Rule {
	return rules.Rule{
		ID:          fallbackRuleID,
		Name:        "fallback_tool_exists",
		Description: "Propose any known tool as a low-confidence selection when no stronger rule fires.",
		Antecedents: []rules.Expr{rules.FactExpr(rules.NewFact("tool_exists", rules.VariableExpr("T")))},
		Consequents: []rules.Expr{rules.FactExpr(rules.NewFact(
			"tool_selected",
			rules.VariableExpr("T"),
			rules.LiteralExpr(rules.NumberValue(0.3)),
			rules.LiteralExpr(rules.StringValue("fallback: tool exists")),
		))},
		Confidence: 0.3,
		Priority:   0,
	}
}

// Store is an in-memory implementation of catalog.Store. Safe for concurrent
// use.
type Store struct {
	mu sync.RWMutex

	services map[ids.ServiceId]catalog.Service
	tools    map[ids.ToolId]catalog.Tool
	toolKey  map[string]ids.ToolId // NamespacedToolKey -> ToolId

	embeddings   map[ids.EmbeddingId]catalog.Embedding
	embeddingKey map[string]ids.EmbeddingId // model\x00hash -> EmbeddingId

	compatEdges []catalog.CompatibilityEdge
	seqEdges    map[string]*catalog.SequenceEdge // from\x00to\x00kind -> edge

	users     map[ids.UserId]catalog.User
	usersByExt map[string]ids.UserId // provider\x00external -> UserId
	prefs     map[ids.UserId]catalog.UserPreferences

	permissions map[ids.PermissionId]catalog.ToolPermission

	apiKeys map[ids.ApiKeyHash]catalog.ApiKey

	oauthStates map[string]catalog.OAuthState

	audit []catalog.AuditLog

	ruleRecords map[string]catalog.RuleRecord
}

// Compile-time check that Store implements catalog.Store.
var _ catalog.Store = (*Store)(nil)

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		services:     make(map[ids.ServiceId]catalog.Service),
		tools:        make(map[ids.ToolId]catalog.Tool),
		toolKey:      make(map[string]ids.ToolId),
		embeddings:   make(map[ids.EmbeddingId]catalog.Embedding),
		embeddingKey: make(map[string]ids.EmbeddingId),
		seqEdges:     make(map[string]*catalog.SequenceEdge),
		users:        make(map[ids.UserId]catalog.User),
		usersByExt:   make(map[string]ids.UserId),
		prefs:        make(map[ids.UserId]catalog.UserPreferences),
		permissions:  make(map[ids.PermissionId]catalog.ToolPermission),
		apiKeys:      make(map[ids.ApiKeyHash]catalog.ApiKey),
		oauthStates:  make(map[string]catalog.OAuthState),
		ruleRecords:  make(map[string]catalog.RuleRecord),
	}
}

func checkCtx(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

// EnsureSchema seeds the fallback rule if absent. There are no indexes to
// create for an in-memory backend, but the seed step must still run so the
// behavior of memstore and mongostore agrees.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if err := checkCtx(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.ruleRecords[fallbackRuleID]; exists {
		return nil
	}
	r := fallbackRule()
	ante, cons, err := rules.EncodeRule(r)
	if err != nil {
		return err
	}
	s.ruleRecords[fallbackRuleID] = catalog.RuleRecord{
		ID: r.ID, Name: r.Name, Description: r.Description,
		Antecedents: ante, Consequents: cons, Confidence: r.Confidence, Priority: r.Priority,
		IsActive: true, CreatedAt: time.Now().UTC(),
	}
	return nil
}

// --- Services ---

func (s *Store) UpsertService(ctx context.Context, svc catalog.ServiceCreate) (*catalog.Service, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	for id, existing := range s.services {
		if existing.DiscoveryOrigin == svc.DiscoveryOrigin {
			existing.Name = svc.Name
			existing.Title = svc.Title
			existing.Version = svc.Version
			existing.Website = svc.Website
			existing.RegistryRef = svc.RegistryRef
			existing.Icons = svc.Icons
			existing.UpdatedAt = now
			s.services[id] = existing
			out := existing
			return &out, nil
		}
	}
	rec := catalog.Service{
		ID:              ids.ServiceId(uuid.NewString()),
		Name:            svc.Name,
		Title:           svc.Title,
		Version:         svc.Version,
		Website:         svc.Website,
		DiscoveryOrigin: svc.DiscoveryOrigin,
		RegistryRef:     svc.RegistryRef,
		Icons:           svc.Icons,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	s.services[rec.ID] = rec
	out := rec
	return &out, nil
}

func (s *Store) FindServiceByID(ctx context.Context, id ids.ServiceId) (*catalog.Service, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.services[id]
	if !ok {
		return nil, catalog.ErrNotFound
	}
	return &rec, nil
}

func (s *Store) ListServices(ctx context.Context) ([]catalog.Service, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]catalog.Service, 0, len(s.services))
	for _, svc := range s.services {
		out = append(out, svc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) DeleteService(ctx context.Context, id ids.ServiceId) error {
	if err := checkCtx(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.services[id]; !ok {
		return catalog.ErrNotFound
	}
	delete(s.services, id)
	return nil
}

// --- Tools ---

func (s *Store) UpsertTool(ctx context.Context, tool catalog.ToolCreate) (*catalog.Tool, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	key := ids.NamespacedToolKey(tool.ServiceID, tool.Name)
	if existingID, ok := s.toolKey[key]; ok {
		existing := s.tools[existingID]
		existing.Description = tool.Description
		existing.RawInputSchema = tool.RawInputSchema
		existing.RawOutputSchema = tool.RawOutputSchema
		existing.UpdatedAt = now
		s.tools[existingID] = existing
		out := existing
		return &out, nil
	}
	rec := catalog.Tool{
		ID:              ids.ToolId(uuid.NewString()),
		ServiceID:       tool.ServiceID,
		Name:            tool.Name,
		Description:     tool.Description,
		RawInputSchema:  tool.RawInputSchema,
		RawOutputSchema: tool.RawOutputSchema,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	s.tools[rec.ID] = rec
	s.toolKey[key] = rec.ID
	out := rec
	return &out, nil
}

func (s *Store) SetToolTypes(ctx context.Context, id ids.ToolId, inputType, outputType *schema.TypedSchema) error {
	if err := checkCtx(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tool, ok := s.tools[id]
	if !ok {
		return catalog.ErrNotFound
	}
	tool.InputType = inputType
	tool.OutputType = outputType
	tool.UpdatedAt = time.Now().UTC()
	s.tools[id] = tool
	return nil
}

func (s *Store) FindToolByID(ctx context.Context, id ids.ToolId) (*catalog.Tool, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.tools[id]
	if !ok {
		return nil, catalog.ErrNotFound
	}
	return &rec, nil
}

func (s *Store) FindToolsByService(ctx context.Context, svc ids.ServiceId) ([]catalog.Tool, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]catalog.Tool, 0)
	for _, t := range s.tools {
		if t.ServiceID == svc {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) ListTools(ctx context.Context) ([]catalog.Tool, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]catalog.Tool, 0, len(s.tools))
	for _, t := range s.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) SetToolEmbedding(ctx context.Context, id ids.ToolId, embeddingID ids.EmbeddingId) error {
	if err := checkCtx(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tools[id]
	if !ok {
		return catalog.ErrNotFound
	}
	t.EmbeddingID = &embeddingID
	t.UpdatedAt = time.Now().UTC()
	s.tools[id] = t
	return nil
}

func (s *Store) IncrementToolUsage(ctx context.Context, id ids.ToolId) error {
	if err := checkCtx(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tools[id]
	if !ok {
		return catalog.ErrNotFound
	}
	t.UsageCount++
	now := time.Now().UTC()
	t.LastUsedAt = &now
	s.tools[id] = t
	return nil
}

func (s *Store) DeleteToolsByService(ctx context.Context, svc ids.ServiceId) error {
	if err := checkCtx(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, t := range s.tools {
		if t.ServiceID == svc {
			delete(s.tools, id)
			delete(s.toolKey, ids.NamespacedToolKey(t.ServiceID, t.Name))
		}
	}
	return nil
}

// --- Embeddings ---

func embeddingKey(model, hash string) string { return model + "\x00" + hash }

func (s *Store) StoreEmbedding(ctx context.Context, emb catalog.Embedding) (*catalog.Embedding, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := embeddingKey(emb.Model, emb.ContentHash)
	if existingID, ok := s.embeddingKey[key]; ok {
		existing := s.embeddings[existingID]
		return &existing, nil
	}
	if emb.ID == "" {
		emb.ID = ids.EmbeddingId(uuid.NewString())
	}
	if emb.CreatedAt.IsZero() {
		emb.CreatedAt = time.Now().UTC()
	}
	s.embeddings[emb.ID] = emb
	s.embeddingKey[key] = emb.ID
	out := emb
	return &out, nil
}

func (s *Store) FindEmbeddingByHash(ctx context.Context, model, contentHash string) (*catalog.Embedding, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.embeddingKey[embeddingKey(model, contentHash)]
	if !ok {
		return nil, catalog.ErrNotFound
	}
	rec := s.embeddings[id]
	return &rec, nil
}

func (s *Store) FindToolsByEmbedding(ctx context.Context, query []float32, topK int) ([]catalog.ScoredTool, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	scored := make([]catalog.ScoredTool, 0, len(s.tools))
	for _, t := range s.tools {
		if t.EmbeddingID == nil {
			continue
		}
		emb, ok := s.embeddings[*t.EmbeddingID]
		if !ok {
			continue
		}
		scored = append(scored, catalog.ScoredTool{ToolID: t.ID, Score: cosineSimilarity(query, emb.Vector)})
	}
	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].ToolID < scored[j].ToolID
	})
	if topK > 0 && len(scored) > topK {
		scored = scored[:topK]
	}
	return scored, nil
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, magA, magB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		magA += float64(a[i]) * float64(a[i])
		magB += float64(b[i]) * float64(b[i])
	}
	if magA == 0 || magB == 0 {
		return 0
	}
	return dot / (math.Sqrt(magA) * math.Sqrt(magB))
}

// --- Compatibility / sequence edges ---

func (s *Store) UpsertCompatibilityEdge(ctx context.Context, edge catalog.CompatibilityEdge) error {
	if err := checkCtx(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, e := range s.compatEdges {
		if e.FromTool == edge.FromTool && e.ToTool == edge.ToTool && e.Kind == edge.Kind {
			s.compatEdges[i] = edge
			return nil
		}
	}
	s.compatEdges = append(s.compatEdges, edge)
	return nil
}

func (s *Store) ListCompatibilityEdges(ctx context.Context) ([]catalog.CompatibilityEdge, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]catalog.CompatibilityEdge, len(s.compatEdges))
	copy(out, s.compatEdges)
	return out, nil
}

func seqKey(from, to ids.ToolId, kind catalog.EdgeKind) string {
	return fmt.Sprintf("%s\x00%s\x00%s", from, to, kind)
}

// RecordSequence updates the observed frequency and rolling success rate of
// an edge between two consecutively dispatched tools, creating it on first
// observation (SPEC_FULL "sequence edge frequency/success rate updates",
// grounded on original_source/src/db/graph_queries.rs).
func (s *Store) RecordSequence(ctx context.Context, from, to ids.ToolId, success bool) error {
	if err := checkCtx(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := seqKey(from, to, catalog.EdgeSequential)
	edge, ok := s.seqEdges[key]
	if !ok {
		edge = &catalog.SequenceEdge{FromTool: from, ToTool: to, Kind: catalog.EdgeSequential}
		s.seqEdges[key] = edge
	}
	successValue := 0.0
	if success {
		successValue = 1.0
	}
	// Incremental mean: newMean = oldMean + (x - oldMean) / n, n post-increment.
	edge.Frequency++
	edge.SuccessRate += (successValue - edge.SuccessRate) / float64(edge.Frequency)
	return nil
}

func (s *Store) ListSequenceEdges(ctx context.Context) ([]catalog.SequenceEdge, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]catalog.SequenceEdge, 0, len(s.seqEdges))
	for _, e := range s.seqEdges {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].FromTool != out[j].FromTool {
			return out[i].FromTool < out[j].FromTool
		}
		return out[i].ToTool < out[j].ToTool
	})
	return out, nil
}

// --- Users ---

func userExtKey(provider ids.IdentityProvider, externalID ids.ExternalUserId) string {
	return string(provider) + "\x00" + string(externalID)
}

func (s *Store) UpsertUser(ctx context.Context, u catalog.User) (*catalog.User, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := userExtKey(u.Provider, u.ExternalID)
	if existingID, ok := s.usersByExt[key]; ok {
		existing := s.users[existingID]
		existing.Email = u.Email
		existing.DisplayName = u.DisplayName
		existing.IsActive = u.IsActive
		existing.LastSeen = time.Now().UTC()
		s.users[existingID] = existing
		out := existing
		return &out, nil
	}
	if u.ID == "" {
		u.ID = ids.UserId(uuid.NewString())
	}
	u.LastSeen = time.Now().UTC()
	s.users[u.ID] = u
	s.usersByExt[key] = u.ID
	out := u
	return &out, nil
}

func (s *Store) FindUserByID(ctx context.Context, id ids.UserId) (*catalog.User, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.users[id]
	if !ok {
		return nil, catalog.ErrNotFound
	}
	return &rec, nil
}

func (s *Store) FindUserByExternalID(ctx context.Context, provider ids.IdentityProvider, externalID ids.ExternalUserId) (*catalog.User, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.usersByExt[userExtKey(provider, externalID)]
	if !ok {
		return nil, catalog.ErrNotFound
	}
	rec := s.users[id]
	return &rec, nil
}

func (s *Store) GetUserPreferences(ctx context.Context, id ids.UserId) (*catalog.UserPreferences, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.prefs[id]
	if !ok {
		return nil, catalog.ErrNotFound
	}
	return &p, nil
}

func (s *Store) SaveUserPreferences(ctx context.Context, p catalog.UserPreferences) error {
	if err := checkCtx(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prefs[p.UserID] = p
	return nil
}

// --- Tool permissions ---

func (s *Store) SavePermission(ctx context.Context, p catalog.ToolPermission) (*catalog.ToolPermission, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.ID == "" {
		p.ID = ids.PermissionId(uuid.NewString())
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	s.permissions[p.ID] = p
	out := p
	return &out, nil
}

func (s *Store) FindPermission(ctx context.Context, toolID ids.ToolId, userID ids.UserId) (*catalog.ToolPermission, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now().UTC()
	var best *catalog.ToolPermission
	for _, p := range s.permissions {
		if p.ToolID != toolID || p.UserID != userID {
			continue
		}
		if p.ExpiresAt != nil && p.ExpiresAt.Before(now) {
			continue
		}
		if best == nil || p.CreatedAt.After(best.CreatedAt) {
			cp := p
			best = &cp
		}
	}
	if best == nil {
		return nil, catalog.ErrNotFound
	}
	return best, nil
}

// ConsumePermission deletes an AllowOnce permission after it authorizes a
// single call.
func (s *Store) ConsumePermission(ctx context.Context, id ids.PermissionId) error {
	return s.DeletePermission(ctx, id)
}

func (s *Store) DeletePermission(ctx context.Context, id ids.PermissionId) error {
	if err := checkCtx(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.permissions[id]; !ok {
		return catalog.ErrNotFound
	}
	delete(s.permissions, id)
	return nil
}

func (s *Store) ListPermissions(ctx context.Context, userID ids.UserId) ([]catalog.ToolPermission, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]catalog.ToolPermission, 0)
	for _, p := range s.permissions {
		if p.UserID == userID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) CleanupExpiredPermissions(ctx context.Context) (int, error) {
	if err := checkCtx(ctx); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	n := 0
	for id, p := range s.permissions {
		if p.ExpiresAt != nil && p.ExpiresAt.Before(now) {
			delete(s.permissions, id)
			n++
		}
	}
	return n, nil
}

// --- API keys ---

func (s *Store) CreateApiKey(ctx context.Context, k catalog.ApiKey) (*catalog.ApiKey, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if k.ID == "" {
		k.ID = ids.PermissionId(uuid.NewString())
	}
	if k.CreatedAt.IsZero() {
		k.CreatedAt = time.Now().UTC()
	}
	s.apiKeys[k.KeyHash] = k
	out := k
	return &out, nil
}

func (s *Store) FindApiKeyByHash(ctx context.Context, hash ids.ApiKeyHash) (*catalog.ApiKey, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.apiKeys[hash]
	if !ok {
		return nil, catalog.ErrNotFound
	}
	return &k, nil
}

func (s *Store) TouchApiKeyLastUsed(ctx context.Context, hash ids.ApiKeyHash) error {
	if err := checkCtx(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.apiKeys[hash]
	if !ok {
		return catalog.ErrNotFound
	}
	now := time.Now().UTC()
	k.LastUsedAt = &now
	s.apiKeys[hash] = k
	return nil
}

func (s *Store) DeactivateApiKey(ctx context.Context, id ids.PermissionId) error {
	if err := checkCtx(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for hash, k := range s.apiKeys {
		if k.ID == id {
			k.IsActive = false
			s.apiKeys[hash] = k
			return nil
		}
	}
	return catalog.ErrNotFound
}

func (s *Store) ListApiKeys(ctx context.Context, userID ids.UserId) ([]catalog.ApiKey, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]catalog.ApiKey, 0)
	for _, k := range s.apiKeys {
		if k.UserID != nil && *k.UserID == userID {
			out = append(out, k)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// --- OAuth state ---

func (s *Store) StoreOAuthState(ctx context.Context, st catalog.OAuthState) error {
	if err := checkCtx(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.oauthStates[st.ElicitationID] = st
	return nil
}

func (s *Store) FindOAuthState(ctx context.Context, elicitationID string) (*catalog.OAuthState, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.oauthStates[elicitationID]
	if !ok {
		return nil, catalog.ErrNotFound
	}
	return &st, nil
}

// ConsumeOAuthState validates the state token and expiry, removes the state
// so it cannot be replayed, and returns the state that was consumed. Grounded
// on original_source/src/elicitation/url.rs's complete_oauth_flow.
func (s *Store) ConsumeOAuthState(ctx context.Context, elicitationID, stateToken string) (*catalog.OAuthState, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.oauthStates[elicitationID]
	if !ok {
		return nil, catalog.ErrNotFound
	}
	delete(s.oauthStates, elicitationID)
	if st.StateToken != stateToken {
		return nil, catalog.ErrNotFound
	}
	if time.Now().UTC().After(st.ExpiresAt) {
		return nil, catalog.ErrNotFound
	}
	return &st, nil
}

func (s *Store) CleanupExpiredOAuthStates(ctx context.Context) (int, error) {
	if err := checkCtx(ctx); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	n := 0
	for id, st := range s.oauthStates {
		if now.After(st.ExpiresAt) {
			delete(s.oauthStates, id)
			n++
		}
	}
	return n, nil
}

// --- Audit log ---

func (s *Store) AppendAudit(ctx context.Context, entry catalog.AuditLog) error {
	if err := checkCtx(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.audit = append(s.audit, entry)
	return nil
}

// ListAudit returns entries newest-first, paginated by a decimal-string
// cursor that encodes an offset into the append-order log (SPEC_FULL "audit
// log pagination", grounded on original_source/src/db/queries.rs).
func (s *Store) ListAudit(ctx context.Context, userID *ids.UserId, cursor string, limit int) (catalog.AuditPage, error) {
	if err := checkCtx(ctx); err != nil {
		return catalog.AuditPage{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	filtered := make([]catalog.AuditLog, 0, len(s.audit))
	for i := len(s.audit) - 1; i >= 0; i-- {
		entry := s.audit[i]
		if userID != nil && (entry.UserID == nil || *entry.UserID != *userID) {
			continue
		}
		filtered = append(filtered, entry)
	}

	offset := 0
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil || n < 0 {
			return catalog.AuditPage{}, fmt.Errorf("invalid audit cursor %q", cursor)
		}
		offset = n
	}
	if limit <= 0 {
		limit = 50
	}
	if offset >= len(filtered) {
		return catalog.AuditPage{Entries: nil, NextCursor: ""}, nil
	}
	end := offset + limit
	next := strconv.Itoa(end)
	if end >= len(filtered) {
		end = len(filtered)
		next = ""
	}
	return catalog.AuditPage{Entries: filtered[offset:end], NextCursor: next}, nil
}

// --- Symbolic rules ---

func (s *Store) SaveRule(ctx context.Context, r catalog.RuleRecord) (*catalog.RuleRecord, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	s.ruleRecords[r.ID] = r
	out := r
	return &out, nil
}

func (s *Store) ListActiveRules(ctx context.Context) ([]catalog.RuleRecord, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]catalog.RuleRecord, 0, len(s.ruleRecords))
	for _, r := range s.ruleRecords {
		if r.IsActive {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) DeleteRule(ctx context.Context, id string) error {
	if err := checkCtx(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ruleRecords[id]; !ok {
		return catalog.ErrNotFound
	}
	delete(s.ruleRecords, id)
	return nil
}
