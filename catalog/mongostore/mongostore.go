// Package mongostore is the MongoDB-backed catalog.Store implementation,
// grounded on the teacher's registry/store/mongo package: one collection per
// entity, bson documents that mirror the domain struct, ReplaceOne-with-
// upsert for idempotent writes, and mongo.ErrNoDocuments mapped to
// catalog.ErrNotFound at every read path. Ported to the mongo-driver/v2 API
// (the teacher's copy of the corpus predates v2; the rest of the retrieved
// pack, and this module's go.mod, standardize on it).
package mongostore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/unicitynetwork/unicity-orchestrator-sub000/catalog"
	"github.com/unicitynetwork/unicity-orchestrator-sub000/ids"
	"github.com/unicitynetwork/unicity-orchestrator-sub000/rules"
	"github.com/unicitynetwork/unicity-orchestrator-sub000/schema"
)

// fallbackRuleID is the fixed identifier of the seed rule EnsureSchema
// creates if absent, matching memstore's fallback rule byte for byte so the
// two backends behave identically.
const fallbackRuleID = "fallback-tool-exists"

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

// Store is a MongoDB implementation of catalog.Store. One collection per
// entity family, all drawn from a single database handle.
type Store struct {
	db *mongo.Database

	services     *mongo.Collection
	tools        *mongo.Collection
	embeddings   *mongo.Collection
	compatEdges  *mongo.Collection
	seqEdges     *mongo.Collection
	users        *mongo.Collection
	prefs        *mongo.Collection
	permissions  *mongo.Collection
	apiKeys      *mongo.Collection
	oauthStates  *mongo.Collection
	audit        *mongo.Collection
	symbolicRules *mongo.Collection
}

// Compile-time check that Store implements catalog.Store.
var _ catalog.Store = (*Store)(nil)

// New creates a MongoDB-backed store over the given database. Call
// EnsureSchema once at startup to create indexes.
func New(db *mongo.Database) *Store {
	return &Store{
		db:          db,
		services:    db.Collection("services"),
		tools:       db.Collection("tools"),
		embeddings:  db.Collection("embeddings"),
		compatEdges: db.Collection("compatibility_edges"),
		seqEdges:    db.Collection("sequence_edges"),
		users:       db.Collection("users"),
		prefs:       db.Collection("user_preferences"),
		permissions: db.Collection("tool_permissions"),
		apiKeys:     db.Collection("api_keys"),
		oauthStates: db.Collection("oauth_states"),
		audit:       db.Collection("audit_log"),
		symbolicRules: db.Collection("symbolic_rule"),
	}
}

// EnsureSchema creates the indexes every query path relies on and seeds the
// fallback rule if absent. Idempotent: CreateOne is a no-op for an index
// that already exists.
func (s *Store) EnsureSchema(ctx context.Context) error {
	indexes := []struct {
		coll  *mongo.Collection
		model mongo.IndexModel
	}{
		{s.services, mongo.IndexModel{Keys: bson.D{{Key: "discovery_origin", Value: 1}}, Options: options.Index().SetUnique(true)}},
		{s.tools, mongo.IndexModel{Keys: bson.D{{Key: "service_id", Value: 1}, {Key: "name", Value: 1}}, Options: options.Index().SetUnique(true)}},
		{s.embeddings, mongo.IndexModel{Keys: bson.D{{Key: "model", Value: 1}, {Key: "content_hash", Value: 1}}, Options: options.Index().SetUnique(true)}},
		{s.users, mongo.IndexModel{Keys: bson.D{{Key: "provider", Value: 1}, {Key: "external_id", Value: 1}}, Options: options.Index().SetUnique(true)}},
		{s.permissions, mongo.IndexModel{Keys: bson.D{{Key: "tool_id", Value: 1}, {Key: "user_id", Value: 1}}}},
		{s.apiKeys, mongo.IndexModel{Keys: bson.D{{Key: "key_hash", Value: 1}}, Options: options.Index().SetUnique(true)}},
		{s.oauthStates, mongo.IndexModel{Keys: bson.D{{Key: "elicitation_id", Value: 1}}, Options: options.Index().SetUnique(true)}},
		{s.audit, mongo.IndexModel{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "created_at", Value: -1}}}},
	}
	for _, ix := range indexes {
		if _, err := ix.coll.Indexes().CreateOne(ctx, ix.model); err != nil {
			return fmt.Errorf("mongostore: ensure schema on %s: %w", ix.coll.Name(), err)
		}
	}

	var existing ruleDoc
	err := s.symbolicRules.FindOne(ctx, bson.M{"_id": fallbackRuleID}).Decode(&existing)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, mongo.ErrNoDocuments):
		r := fallbackRule()
		ante, cons, err := rules.EncodeRule(r)
		if err != nil {
			return err
		}
		doc := ruleDoc{
			ID: r.ID, Name: r.Name, Description: r.Description,
			Antecedents: ante, Consequents: cons, Confidence: r.Confidence, Priority: r.Priority,
			IsActive: true, CreatedAt: time.Now().UTC(),
		}
		if _, err := s.symbolicRules.InsertOne(ctx, doc); err != nil {
			return fmt.Errorf("mongostore: seed fallback rule: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("mongostore: ensure schema rule lookup: %w", err)
	}
}

func notFound(err error, id string) error {
	if errors.Is(err, mongo.ErrNoDocuments) {
		return catalog.ErrNotFound
	}
	return fmt.Errorf("mongostore: %s: %w", id, err)
}

// --- Services ---

type serviceDoc struct {
	ID              string    `bson:"_id"`
	Name            string    `bson:"name"`
	Title           string    `bson:"title"`
	Version         string    `bson:"version"`
	Website         string    `bson:"website"`
	DiscoveryOrigin string    `bson:"discovery_origin"`
	RegistryRef     string    `bson:"registry_ref"`
	Icons           []string  `bson:"icons,omitempty"`
	CreatedAt       time.Time `bson:"created_at"`
	UpdatedAt       time.Time `bson:"updated_at"`
}

func toServiceDoc(svc catalog.Service) serviceDoc {
	return serviceDoc{
		ID: string(svc.ID), Name: string(svc.Name), Title: svc.Title, Version: svc.Version,
		Website: svc.Website, DiscoveryOrigin: svc.DiscoveryOrigin, RegistryRef: svc.RegistryRef,
		Icons: svc.Icons, CreatedAt: svc.CreatedAt, UpdatedAt: svc.UpdatedAt,
	}
}

func fromServiceDoc(d serviceDoc) catalog.Service {
	return catalog.Service{
		ID: ids.ServiceId(d.ID), Name: ids.ServiceName(d.Name), Title: d.Title, Version: d.Version,
		Website: d.Website, DiscoveryOrigin: d.DiscoveryOrigin, RegistryRef: d.RegistryRef,
		Icons: d.Icons, CreatedAt: d.CreatedAt, UpdatedAt: d.UpdatedAt,
	}
}

func (s *Store) UpsertService(ctx context.Context, svc catalog.ServiceCreate) (*catalog.Service, error) {
	now := time.Now().UTC()
	var existing serviceDoc
	err := s.services.FindOne(ctx, bson.M{"discovery_origin": svc.DiscoveryOrigin}).Decode(&existing)
	switch {
	case err == nil:
		existing.Name, existing.Title, existing.Version = string(svc.Name), svc.Title, svc.Version
		existing.Website, existing.RegistryRef, existing.Icons = svc.Website, svc.RegistryRef, svc.Icons
		existing.UpdatedAt = now
		if _, err := s.services.ReplaceOne(ctx, bson.M{"_id": existing.ID}, existing); err != nil {
			return nil, fmt.Errorf("mongostore: upsert service: %w", err)
		}
		out := fromServiceDoc(existing)
		return &out, nil
	case errors.Is(err, mongo.ErrNoDocuments):
		doc := serviceDoc{
			ID: bson.NewObjectID().Hex(), Name: string(svc.Name), Title: svc.Title, Version: svc.Version,
			Website: svc.Website, DiscoveryOrigin: svc.DiscoveryOrigin, RegistryRef: svc.RegistryRef,
			Icons: svc.Icons, CreatedAt: now, UpdatedAt: now,
		}
		if _, err := s.services.InsertOne(ctx, doc); err != nil {
			return nil, fmt.Errorf("mongostore: insert service: %w", err)
		}
		out := fromServiceDoc(doc)
		return &out, nil
	default:
		return nil, fmt.Errorf("mongostore: upsert service lookup: %w", err)
	}
}

func (s *Store) FindServiceByID(ctx context.Context, id ids.ServiceId) (*catalog.Service, error) {
	var d serviceDoc
	if err := s.services.FindOne(ctx, bson.M{"_id": string(id)}).Decode(&d); err != nil {
		return nil, notFound(err, string(id))
	}
	out := fromServiceDoc(d)
	return &out, nil
}

func (s *Store) ListServices(ctx context.Context) ([]catalog.Service, error) {
	cur, err := s.services.Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("mongostore: list services: %w", err)
	}
	defer func() { _ = cur.Close(ctx) }()
	var docs []serviceDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongostore: list services decode: %w", err)
	}
	out := make([]catalog.Service, len(docs))
	for i, d := range docs {
		out[i] = fromServiceDoc(d)
	}
	return out, nil
}

func (s *Store) DeleteService(ctx context.Context, id ids.ServiceId) error {
	res, err := s.services.DeleteOne(ctx, bson.M{"_id": string(id)})
	if err != nil {
		return fmt.Errorf("mongostore: delete service: %w", err)
	}
	if res.DeletedCount == 0 {
		return catalog.ErrNotFound
	}
	return nil
}

// --- Tools ---

type toolDoc struct {
	ID              string     `bson:"_id"`
	ServiceID       string     `bson:"service_id"`
	Name            string     `bson:"name"`
	Description     string     `bson:"description"`
	RawInputSchema  bson.M     `bson:"input_schema,omitempty"`
	RawOutputSchema bson.M     `bson:"output_schema,omitempty"`
	InputType       []byte     `bson:"input_type,omitempty"`
	OutputType      []byte     `bson:"output_type,omitempty"`
	EmbeddingID     *string    `bson:"embedding_id,omitempty"`
	UsageCount      uint64     `bson:"usage_count"`
	LastUsedAt      *time.Time `bson:"last_used_at,omitempty"`
	CreatedAt       time.Time  `bson:"created_at"`
	UpdatedAt       time.Time  `bson:"updated_at"`
}

func toToolDoc(t catalog.Tool) toolDoc {
	var emb *string
	if t.EmbeddingID != nil {
		v := string(*t.EmbeddingID)
		emb = &v
	}
	inputType, _ := json.Marshal(t.InputType)
	outputType, _ := json.Marshal(t.OutputType)
	return toolDoc{
		ID: string(t.ID), ServiceID: string(t.ServiceID), Name: string(t.Name), Description: t.Description,
		RawInputSchema: bson.M(t.RawInputSchema), RawOutputSchema: bson.M(t.RawOutputSchema),
		InputType: inputType, OutputType: outputType,
		EmbeddingID: emb, UsageCount: t.UsageCount, LastUsedAt: t.LastUsedAt,
		CreatedAt: t.CreatedAt, UpdatedAt: t.UpdatedAt,
	}
}

func fromToolDoc(d toolDoc) catalog.Tool {
	var emb *ids.EmbeddingId
	if d.EmbeddingID != nil {
		v := ids.EmbeddingId(*d.EmbeddingID)
		emb = &v
	}
	var inputType, outputType *schema.TypedSchema
	if len(d.InputType) > 0 {
		_ = json.Unmarshal(d.InputType, &inputType)
	}
	if len(d.OutputType) > 0 {
		_ = json.Unmarshal(d.OutputType, &outputType)
	}
	return catalog.Tool{
		ID: ids.ToolId(d.ID), ServiceID: ids.ServiceId(d.ServiceID), Name: ids.ToolName(d.Name),
		Description: d.Description, RawInputSchema: map[string]any(d.RawInputSchema),
		RawOutputSchema: map[string]any(d.RawOutputSchema), InputType: inputType, OutputType: outputType,
		EmbeddingID: emb,
		UsageCount:  d.UsageCount, LastUsedAt: d.LastUsedAt, CreatedAt: d.CreatedAt, UpdatedAt: d.UpdatedAt,
	}
}

func (s *Store) SetToolTypes(ctx context.Context, id ids.ToolId, inputType, outputType *schema.TypedSchema) error {
	inputJSON, err := json.Marshal(inputType)
	if err != nil {
		return fmt.Errorf("mongostore: marshal input type: %w", err)
	}
	outputJSON, err := json.Marshal(outputType)
	if err != nil {
		return fmt.Errorf("mongostore: marshal output type: %w", err)
	}
	res, err := s.tools.UpdateOne(ctx, bson.M{"_id": string(id)},
		bson.M{"$set": bson.M{"input_type": inputJSON, "output_type": outputJSON, "updated_at": time.Now().UTC()}})
	if err != nil {
		return fmt.Errorf("mongostore: set tool types: %w", err)
	}
	if res.MatchedCount == 0 {
		return catalog.ErrNotFound
	}
	return nil
}

func (s *Store) UpsertTool(ctx context.Context, tool catalog.ToolCreate) (*catalog.Tool, error) {
	now := time.Now().UTC()
	filter := bson.M{"service_id": string(tool.ServiceID), "name": string(tool.Name)}
	var existing toolDoc
	err := s.tools.FindOne(ctx, filter).Decode(&existing)
	switch {
	case err == nil:
		existing.Description = tool.Description
		existing.RawInputSchema = bson.M(tool.RawInputSchema)
		existing.RawOutputSchema = bson.M(tool.RawOutputSchema)
		existing.UpdatedAt = now
		if _, err := s.tools.ReplaceOne(ctx, bson.M{"_id": existing.ID}, existing); err != nil {
			return nil, fmt.Errorf("mongostore: upsert tool: %w", err)
		}
		out := fromToolDoc(existing)
		return &out, nil
	case errors.Is(err, mongo.ErrNoDocuments):
		doc := toolDoc{
			ID: bson.NewObjectID().Hex(), ServiceID: string(tool.ServiceID), Name: string(tool.Name),
			Description: tool.Description, RawInputSchema: bson.M(tool.RawInputSchema),
			RawOutputSchema: bson.M(tool.RawOutputSchema), CreatedAt: now, UpdatedAt: now,
		}
		if _, err := s.tools.InsertOne(ctx, doc); err != nil {
			return nil, fmt.Errorf("mongostore: insert tool: %w", err)
		}
		out := fromToolDoc(doc)
		return &out, nil
	default:
		return nil, fmt.Errorf("mongostore: upsert tool lookup: %w", err)
	}
}

func (s *Store) FindToolByID(ctx context.Context, id ids.ToolId) (*catalog.Tool, error) {
	var d toolDoc
	if err := s.tools.FindOne(ctx, bson.M{"_id": string(id)}).Decode(&d); err != nil {
		return nil, notFound(err, string(id))
	}
	out := fromToolDoc(d)
	return &out, nil
}

func (s *Store) FindToolsByService(ctx context.Context, svc ids.ServiceId) ([]catalog.Tool, error) {
	cur, err := s.tools.Find(ctx, bson.M{"service_id": string(svc)}, options.Find().SetSort(bson.D{{Key: "name", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("mongostore: find tools by service: %w", err)
	}
	defer func() { _ = cur.Close(ctx) }()
	var docs []toolDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongostore: find tools by service decode: %w", err)
	}
	out := make([]catalog.Tool, len(docs))
	for i, d := range docs {
		out[i] = fromToolDoc(d)
	}
	return out, nil
}

func (s *Store) ListTools(ctx context.Context) ([]catalog.Tool, error) {
	cur, err := s.tools.Find(ctx, bson.M{})
	if err != nil {
		return nil, fmt.Errorf("mongostore: list tools: %w", err)
	}
	defer func() { _ = cur.Close(ctx) }()
	var docs []toolDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongostore: list tools decode: %w", err)
	}
	out := make([]catalog.Tool, len(docs))
	for i, d := range docs {
		out[i] = fromToolDoc(d)
	}
	return out, nil
}

func (s *Store) SetToolEmbedding(ctx context.Context, id ids.ToolId, embeddingID ids.EmbeddingId) error {
	res, err := s.tools.UpdateOne(ctx, bson.M{"_id": string(id)},
		bson.M{"$set": bson.M{"embedding_id": string(embeddingID), "updated_at": time.Now().UTC()}})
	if err != nil {
		return fmt.Errorf("mongostore: set tool embedding: %w", err)
	}
	if res.MatchedCount == 0 {
		return catalog.ErrNotFound
	}
	return nil
}

func (s *Store) IncrementToolUsage(ctx context.Context, id ids.ToolId) error {
	now := time.Now().UTC()
	res, err := s.tools.UpdateOne(ctx, bson.M{"_id": string(id)},
		bson.M{"$inc": bson.M{"usage_count": 1}, "$set": bson.M{"last_used_at": now}})
	if err != nil {
		return fmt.Errorf("mongostore: increment tool usage: %w", err)
	}
	if res.MatchedCount == 0 {
		return catalog.ErrNotFound
	}
	return nil
}

func (s *Store) DeleteToolsByService(ctx context.Context, svc ids.ServiceId) error {
	if _, err := s.tools.DeleteMany(ctx, bson.M{"service_id": string(svc)}); err != nil {
		return fmt.Errorf("mongostore: delete tools by service: %w", err)
	}
	return nil
}

// --- Embeddings ---

type embeddingDoc struct {
	ID          string    `bson:"_id"`
	Vector      []float32 `bson:"vector"`
	Model       string    `bson:"model"`
	ContentType string    `bson:"content_type"`
	ContentHash string    `bson:"content_hash"`
	CreatedAt   time.Time `bson:"created_at"`
}

func (s *Store) StoreEmbedding(ctx context.Context, emb catalog.Embedding) (*catalog.Embedding, error) {
	var existing embeddingDoc
	err := s.embeddings.FindOne(ctx, bson.M{"model": emb.Model, "content_hash": emb.ContentHash}).Decode(&existing)
	if err == nil {
		return &catalog.Embedding{
			ID: ids.EmbeddingId(existing.ID), Vector: existing.Vector, Model: existing.Model,
			ContentType: existing.ContentType, ContentHash: existing.ContentHash, CreatedAt: existing.CreatedAt,
		}, nil
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("mongostore: store embedding lookup: %w", err)
	}
	if emb.ID == "" {
		emb.ID = ids.EmbeddingId(bson.NewObjectID().Hex())
	}
	if emb.CreatedAt.IsZero() {
		emb.CreatedAt = time.Now().UTC()
	}
	doc := embeddingDoc{
		ID: string(emb.ID), Vector: emb.Vector, Model: emb.Model,
		ContentType: emb.ContentType, ContentHash: emb.ContentHash, CreatedAt: emb.CreatedAt,
	}
	if _, err := s.embeddings.InsertOne(ctx, doc); err != nil {
		return nil, fmt.Errorf("mongostore: insert embedding: %w", err)
	}
	out := emb
	return &out, nil
}

func (s *Store) FindEmbeddingByHash(ctx context.Context, model, contentHash string) (*catalog.Embedding, error) {
	var d embeddingDoc
	if err := s.embeddings.FindOne(ctx, bson.M{"model": model, "content_hash": contentHash}).Decode(&d); err != nil {
		return nil, notFound(err, contentHash)
	}
	return &catalog.Embedding{
		ID: ids.EmbeddingId(d.ID), Vector: d.Vector, Model: d.Model,
		ContentType: d.ContentType, ContentHash: d.ContentHash, CreatedAt: d.CreatedAt,
	}, nil
}

// FindToolsByEmbedding performs client-side cosine scoring over every tool
// that has an embedding. Mongo's native vector search (Atlas $vectorSearch)
// is deliberately not assumed here, since the corpus gives no grounding for
// wiring an Atlas-specific index; see DESIGN.md.
func (s *Store) FindToolsByEmbedding(ctx context.Context, query []float32, topK int) ([]catalog.ScoredTool, error) {
	cur, err := s.tools.Find(ctx, bson.M{"embedding_id": bson.M{"$exists": true, "$ne": nil}})
	if err != nil {
		return nil, fmt.Errorf("mongostore: find tools by embedding: %w", err)
	}
	defer func() { _ = cur.Close(ctx) }()
	var toolDocs []toolDoc
	if err := cur.All(ctx, &toolDocs); err != nil {
		return nil, fmt.Errorf("mongostore: find tools by embedding decode: %w", err)
	}

	embIDs := make([]string, 0, len(toolDocs))
	for _, t := range toolDocs {
		if t.EmbeddingID != nil {
			embIDs = append(embIDs, *t.EmbeddingID)
		}
	}
	embCur, err := s.embeddings.Find(ctx, bson.M{"_id": bson.M{"$in": embIDs}})
	if err != nil {
		return nil, fmt.Errorf("mongostore: find embeddings: %w", err)
	}
	defer func() { _ = embCur.Close(ctx) }()
	var embDocs []embeddingDoc
	if err := embCur.All(ctx, &embDocs); err != nil {
		return nil, fmt.Errorf("mongostore: find embeddings decode: %w", err)
	}
	vectors := make(map[string][]float32, len(embDocs))
	for _, e := range embDocs {
		vectors[e.ID] = e.Vector
	}

	scored := make([]catalog.ScoredTool, 0, len(toolDocs))
	for _, t := range toolDocs {
		if t.EmbeddingID == nil {
			continue
		}
		vec, ok := vectors[*t.EmbeddingID]
		if !ok {
			continue
		}
		scored = append(scored, catalog.ScoredTool{ToolID: ids.ToolId(t.ID), Score: cosineSimilarity(query, vec)})
	}
	sortScored(scored)
	if topK > 0 && len(scored) > topK {
		scored = scored[:topK]
	}
	return scored, nil
}

// --- Compatibility / sequence edges ---

type compatEdgeDoc struct {
	FromTool   string  `bson:"from_tool"`
	ToTool     string  `bson:"to_tool"`
	Kind       string  `bson:"kind"`
	Confidence float64 `bson:"confidence"`
	Reasoning  string  `bson:"reasoning"`
}

func (s *Store) UpsertCompatibilityEdge(ctx context.Context, edge catalog.CompatibilityEdge) error {
	filter := bson.M{"from_tool": string(edge.FromTool), "to_tool": string(edge.ToTool), "kind": string(edge.Kind)}
	doc := compatEdgeDoc{
		FromTool: string(edge.FromTool), ToTool: string(edge.ToTool), Kind: string(edge.Kind),
		Confidence: edge.Confidence, Reasoning: edge.Reasoning,
	}
	_, err := s.compatEdges.ReplaceOne(ctx, filter, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("mongostore: upsert compatibility edge: %w", err)
	}
	return nil
}

func (s *Store) ListCompatibilityEdges(ctx context.Context) ([]catalog.CompatibilityEdge, error) {
	cur, err := s.compatEdges.Find(ctx, bson.M{})
	if err != nil {
		return nil, fmt.Errorf("mongostore: list compatibility edges: %w", err)
	}
	defer func() { _ = cur.Close(ctx) }()
	var docs []compatEdgeDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongostore: list compatibility edges decode: %w", err)
	}
	out := make([]catalog.CompatibilityEdge, len(docs))
	for i, d := range docs {
		out[i] = catalog.CompatibilityEdge{
			FromTool: ids.ToolId(d.FromTool), ToTool: ids.ToolId(d.ToTool), Kind: catalog.EdgeKind(d.Kind),
			Confidence: d.Confidence, Reasoning: d.Reasoning,
		}
	}
	return out, nil
}

type seqEdgeDoc struct {
	FromTool    string  `bson:"from_tool"`
	ToTool      string  `bson:"to_tool"`
	Kind        string  `bson:"kind"`
	Frequency   uint64  `bson:"frequency"`
	SuccessRate float64 `bson:"success_rate"`
}

// RecordSequence mirrors memstore's incremental-mean update, applied as a
// single pipeline update with upsert so concurrent dispatchers never race a
// read-modify-write on the document.
func (s *Store) RecordSequence(ctx context.Context, from, to ids.ToolId, success bool) error {
	filter := bson.M{"from_tool": string(from), "to_tool": string(to), "kind": string(catalog.EdgeSequential)}
	successValue := 0.0
	if success {
		successValue = 1.0
	}
	prevRate := bson.M{"$ifNull": bson.A{"$success_rate", 0.0}}
	update := mongo.Pipeline{
		{{Key: "$set", Value: bson.M{"frequency": bson.M{"$add": bson.A{bson.M{"$ifNull": bson.A{"$frequency", 0}}, 1}}}}},
		{{Key: "$set", Value: bson.M{"success_rate": bson.M{"$add": bson.A{prevRate,
			bson.M{"$divide": bson.A{bson.M{"$subtract": bson.A{successValue, prevRate}}, "$frequency"}}}}}}},
	}
	_, err := s.seqEdges.UpdateOne(ctx, filter, update, options.UpdateOne().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("mongostore: record sequence: %w", err)
	}
	return nil
}

func (s *Store) ListSequenceEdges(ctx context.Context) ([]catalog.SequenceEdge, error) {
	cur, err := s.seqEdges.Find(ctx, bson.M{})
	if err != nil {
		return nil, fmt.Errorf("mongostore: list sequence edges: %w", err)
	}
	defer func() { _ = cur.Close(ctx) }()
	var docs []seqEdgeDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongostore: list sequence edges decode: %w", err)
	}
	out := make([]catalog.SequenceEdge, len(docs))
	for i, d := range docs {
		out[i] = catalog.SequenceEdge{
			FromTool: ids.ToolId(d.FromTool), ToTool: ids.ToolId(d.ToTool), Kind: catalog.EdgeKind(d.Kind),
			Frequency: d.Frequency, SuccessRate: d.SuccessRate,
		}
	}
	return out, nil
}

// --- Users ---

type userDoc struct {
	ID          string    `bson:"_id"`
	ExternalID  string    `bson:"external_id"`
	Provider    string    `bson:"provider"`
	Email       string    `bson:"email"`
	DisplayName string    `bson:"display_name"`
	IsActive    bool      `bson:"is_active"`
	LastSeen    time.Time `bson:"last_seen"`
}

func (s *Store) UpsertUser(ctx context.Context, u catalog.User) (*catalog.User, error) {
	now := time.Now().UTC()
	filter := bson.M{"provider": string(u.Provider), "external_id": string(u.ExternalID)}
	var existing userDoc
	err := s.users.FindOne(ctx, filter).Decode(&existing)
	switch {
	case err == nil:
		existing.Email, existing.DisplayName, existing.IsActive, existing.LastSeen = u.Email, u.DisplayName, u.IsActive, now
		if _, err := s.users.ReplaceOne(ctx, bson.M{"_id": existing.ID}, existing); err != nil {
			return nil, fmt.Errorf("mongostore: upsert user: %w", err)
		}
		return fromUserDoc(existing), nil
	case errors.Is(err, mongo.ErrNoDocuments):
		if u.ID == "" {
			u.ID = ids.UserId(bson.NewObjectID().Hex())
		}
		doc := userDoc{
			ID: string(u.ID), ExternalID: string(u.ExternalID), Provider: string(u.Provider),
			Email: u.Email, DisplayName: u.DisplayName, IsActive: u.IsActive, LastSeen: now,
		}
		if _, err := s.users.InsertOne(ctx, doc); err != nil {
			return nil, fmt.Errorf("mongostore: insert user: %w", err)
		}
		return fromUserDoc(doc), nil
	default:
		return nil, fmt.Errorf("mongostore: upsert user lookup: %w", err)
	}
}

func fromUserDoc(d userDoc) *catalog.User {
	return &catalog.User{
		ID: ids.UserId(d.ID), ExternalID: ids.ExternalUserId(d.ExternalID), Provider: ids.IdentityProvider(d.Provider),
		Email: d.Email, DisplayName: d.DisplayName, IsActive: d.IsActive, LastSeen: d.LastSeen,
	}
}

func (s *Store) FindUserByID(ctx context.Context, id ids.UserId) (*catalog.User, error) {
	var d userDoc
	if err := s.users.FindOne(ctx, bson.M{"_id": string(id)}).Decode(&d); err != nil {
		return nil, notFound(err, string(id))
	}
	return fromUserDoc(d), nil
}

func (s *Store) FindUserByExternalID(ctx context.Context, provider ids.IdentityProvider, externalID ids.ExternalUserId) (*catalog.User, error) {
	var d userDoc
	err := s.users.FindOne(ctx, bson.M{"provider": string(provider), "external_id": string(externalID)}).Decode(&d)
	if err != nil {
		return nil, notFound(err, string(externalID))
	}
	return fromUserDoc(d), nil
}

type prefsDoc struct {
	UserID              string   `bson:"_id"`
	DefaultApprovalMode string   `bson:"default_approval_mode"`
	TrustedServices     []string `bson:"trusted_services,omitempty"`
	BlockedServices     []string `bson:"blocked_services,omitempty"`
	ElicitationTimeoutS int      `bson:"elicitation_timeout_s"`
	RememberDecisions   bool     `bson:"remember_decisions"`
	NotifyOnGrant       bool     `bson:"notify_on_grant"`
	NotifyOnDeny        bool     `bson:"notify_on_deny"`
}

func (s *Store) GetUserPreferences(ctx context.Context, id ids.UserId) (*catalog.UserPreferences, error) {
	var d prefsDoc
	if err := s.prefs.FindOne(ctx, bson.M{"_id": string(id)}).Decode(&d); err != nil {
		return nil, notFound(err, string(id))
	}
	trusted := map[ids.ServiceId]struct{}{}
	for _, v := range d.TrustedServices {
		trusted[ids.ServiceId(v)] = struct{}{}
	}
	blocked := map[ids.ServiceId]struct{}{}
	for _, v := range d.BlockedServices {
		blocked[ids.ServiceId(v)] = struct{}{}
	}
	return &catalog.UserPreferences{
		UserID: ids.UserId(d.UserID), DefaultApprovalMode: catalog.ApprovalMode(d.DefaultApprovalMode),
		TrustedServices: trusted, BlockedServices: blocked, ElicitationTimeoutS: d.ElicitationTimeoutS,
		RememberDecisions: d.RememberDecisions, NotifyOnGrant: d.NotifyOnGrant, NotifyOnDeny: d.NotifyOnDeny,
	}, nil
}

func (s *Store) SaveUserPreferences(ctx context.Context, p catalog.UserPreferences) error {
	trusted := make([]string, 0, len(p.TrustedServices))
	for svc := range p.TrustedServices {
		trusted = append(trusted, string(svc))
	}
	blocked := make([]string, 0, len(p.BlockedServices))
	for svc := range p.BlockedServices {
		blocked = append(blocked, string(svc))
	}
	doc := prefsDoc{
		UserID: string(p.UserID), DefaultApprovalMode: string(p.DefaultApprovalMode),
		TrustedServices: trusted, BlockedServices: blocked, ElicitationTimeoutS: p.ElicitationTimeoutS,
		RememberDecisions: p.RememberDecisions, NotifyOnGrant: p.NotifyOnGrant, NotifyOnDeny: p.NotifyOnDeny,
	}
	_, err := s.prefs.ReplaceOne(ctx, bson.M{"_id": doc.UserID}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("mongostore: save user preferences: %w", err)
	}
	return nil
}

// --- Tool permissions ---

type permissionDoc struct {
	ID        string     `bson:"_id"`
	ToolID    string     `bson:"tool_id"`
	ServiceID string     `bson:"service_id"`
	UserID    string     `bson:"user_id"`
	Action    string     `bson:"action"`
	CreatedAt time.Time  `bson:"created_at"`
	ExpiresAt *time.Time `bson:"expires_at,omitempty"`
}

func toPermissionDoc(p catalog.ToolPermission) permissionDoc {
	return permissionDoc{
		ID: string(p.ID), ToolID: string(p.ToolID), ServiceID: string(p.ServiceID), UserID: string(p.UserID),
		Action: string(p.Action), CreatedAt: p.CreatedAt, ExpiresAt: p.ExpiresAt,
	}
}

func fromPermissionDoc(d permissionDoc) catalog.ToolPermission {
	return catalog.ToolPermission{
		ID: ids.PermissionId(d.ID), ToolID: ids.ToolId(d.ToolID), ServiceID: ids.ServiceId(d.ServiceID),
		UserID: ids.UserId(d.UserID), Action: catalog.PermissionAction(d.Action),
		CreatedAt: d.CreatedAt, ExpiresAt: d.ExpiresAt,
	}
}

func (s *Store) SavePermission(ctx context.Context, p catalog.ToolPermission) (*catalog.ToolPermission, error) {
	if p.ID == "" {
		p.ID = ids.PermissionId(bson.NewObjectID().Hex())
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	doc := toPermissionDoc(p)
	if _, err := s.permissions.InsertOne(ctx, doc); err != nil {
		return nil, fmt.Errorf("mongostore: save permission: %w", err)
	}
	out := p
	return &out, nil
}

func (s *Store) FindPermission(ctx context.Context, toolID ids.ToolId, userID ids.UserId) (*catalog.ToolPermission, error) {
	filter := bson.M{
		"tool_id": string(toolID), "user_id": string(userID),
		"$or": bson.A{
			bson.M{"expires_at": nil},
			bson.M{"expires_at": bson.M{"$gt": time.Now().UTC()}},
		},
	}
	opts := options.FindOne().SetSort(bson.D{{Key: "created_at", Value: -1}})
	var d permissionDoc
	if err := s.permissions.FindOne(ctx, filter, opts).Decode(&d); err != nil {
		return nil, notFound(err, string(toolID))
	}
	out := fromPermissionDoc(d)
	return &out, nil
}

func (s *Store) ConsumePermission(ctx context.Context, id ids.PermissionId) error {
	return s.DeletePermission(ctx, id)
}

func (s *Store) DeletePermission(ctx context.Context, id ids.PermissionId) error {
	res, err := s.permissions.DeleteOne(ctx, bson.M{"_id": string(id)})
	if err != nil {
		return fmt.Errorf("mongostore: delete permission: %w", err)
	}
	if res.DeletedCount == 0 {
		return catalog.ErrNotFound
	}
	return nil
}

func (s *Store) ListPermissions(ctx context.Context, userID ids.UserId) ([]catalog.ToolPermission, error) {
	cur, err := s.permissions.Find(ctx, bson.M{"user_id": string(userID)}, options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("mongostore: list permissions: %w", err)
	}
	defer func() { _ = cur.Close(ctx) }()
	var docs []permissionDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongostore: list permissions decode: %w", err)
	}
	out := make([]catalog.ToolPermission, len(docs))
	for i, d := range docs {
		out[i] = fromPermissionDoc(d)
	}
	return out, nil
}

func (s *Store) CleanupExpiredPermissions(ctx context.Context) (int, error) {
	res, err := s.permissions.DeleteMany(ctx, bson.M{"expires_at": bson.M{"$lt": time.Now().UTC()}})
	if err != nil {
		return 0, fmt.Errorf("mongostore: cleanup expired permissions: %w", err)
	}
	return int(res.DeletedCount), nil
}

// --- API keys ---

type apiKeyDoc struct {
	ID         string     `bson:"_id"`
	KeyHash    string     `bson:"key_hash"`
	KeyPrefix  string     `bson:"key_prefix"`
	UserID     *string    `bson:"user_id,omitempty"`
	Name       string     `bson:"name"`
	IsActive   bool       `bson:"is_active"`
	ExpiresAt  *time.Time `bson:"expires_at,omitempty"`
	Scopes     []string   `bson:"scopes,omitempty"`
	LastUsedAt *time.Time `bson:"last_used_at,omitempty"`
	CreatedAt  time.Time  `bson:"created_at"`
}

func toApiKeyDoc(k catalog.ApiKey) apiKeyDoc {
	var userID *string
	if k.UserID != nil {
		v := string(*k.UserID)
		userID = &v
	}
	return apiKeyDoc{
		ID: string(k.ID), KeyHash: string(k.KeyHash), KeyPrefix: string(k.KeyPrefix), UserID: userID,
		Name: k.Name, IsActive: k.IsActive, ExpiresAt: k.ExpiresAt, Scopes: k.Scopes,
		LastUsedAt: k.LastUsedAt, CreatedAt: k.CreatedAt,
	}
}

func fromApiKeyDoc(d apiKeyDoc) catalog.ApiKey {
	var userID *ids.UserId
	if d.UserID != nil {
		v := ids.UserId(*d.UserID)
		userID = &v
	}
	return catalog.ApiKey{
		ID: ids.PermissionId(d.ID), KeyHash: ids.ApiKeyHash(d.KeyHash), KeyPrefix: ids.ApiKeyPrefix(d.KeyPrefix),
		UserID: userID, Name: d.Name, IsActive: d.IsActive, ExpiresAt: d.ExpiresAt, Scopes: d.Scopes,
		LastUsedAt: d.LastUsedAt, CreatedAt: d.CreatedAt,
	}
}

func (s *Store) CreateApiKey(ctx context.Context, k catalog.ApiKey) (*catalog.ApiKey, error) {
	if k.ID == "" {
		k.ID = ids.PermissionId(bson.NewObjectID().Hex())
	}
	if k.CreatedAt.IsZero() {
		k.CreatedAt = time.Now().UTC()
	}
	doc := toApiKeyDoc(k)
	if _, err := s.apiKeys.InsertOne(ctx, doc); err != nil {
		return nil, fmt.Errorf("mongostore: create api key: %w", err)
	}
	out := k
	return &out, nil
}

func (s *Store) FindApiKeyByHash(ctx context.Context, hash ids.ApiKeyHash) (*catalog.ApiKey, error) {
	var d apiKeyDoc
	if err := s.apiKeys.FindOne(ctx, bson.M{"key_hash": string(hash)}).Decode(&d); err != nil {
		return nil, notFound(err, string(hash))
	}
	out := fromApiKeyDoc(d)
	return &out, nil
}

func (s *Store) TouchApiKeyLastUsed(ctx context.Context, hash ids.ApiKeyHash) error {
	res, err := s.apiKeys.UpdateOne(ctx, bson.M{"key_hash": string(hash)},
		bson.M{"$set": bson.M{"last_used_at": time.Now().UTC()}})
	if err != nil {
		return fmt.Errorf("mongostore: touch api key: %w", err)
	}
	if res.MatchedCount == 0 {
		return catalog.ErrNotFound
	}
	return nil
}

func (s *Store) DeactivateApiKey(ctx context.Context, id ids.PermissionId) error {
	res, err := s.apiKeys.UpdateOne(ctx, bson.M{"_id": string(id)}, bson.M{"$set": bson.M{"is_active": false}})
	if err != nil {
		return fmt.Errorf("mongostore: deactivate api key: %w", err)
	}
	if res.MatchedCount == 0 {
		return catalog.ErrNotFound
	}
	return nil
}

func (s *Store) ListApiKeys(ctx context.Context, userID ids.UserId) ([]catalog.ApiKey, error) {
	cur, err := s.apiKeys.Find(ctx, bson.M{"user_id": string(userID)}, options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("mongostore: list api keys: %w", err)
	}
	defer func() { _ = cur.Close(ctx) }()
	var docs []apiKeyDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongostore: list api keys decode: %w", err)
	}
	out := make([]catalog.ApiKey, len(docs))
	for i, d := range docs {
		out[i] = fromApiKeyDoc(d)
	}
	return out, nil
}

// --- OAuth state ---

type oauthStateDoc struct {
	ElicitationID string    `bson:"_id"`
	UserID        string    `bson:"user_id"`
	Provider      string    `bson:"provider"`
	StateToken    string    `bson:"state_token"`
	RedirectURI   string    `bson:"redirect_uri"`
	ExpiresAt     time.Time `bson:"expires_at"`
}

func (s *Store) StoreOAuthState(ctx context.Context, st catalog.OAuthState) error {
	doc := oauthStateDoc{
		ElicitationID: st.ElicitationID, UserID: string(st.UserID), Provider: string(st.Provider),
		StateToken: st.StateToken, RedirectURI: string(st.RedirectURI), ExpiresAt: st.ExpiresAt,
	}
	_, err := s.oauthStates.ReplaceOne(ctx, bson.M{"_id": doc.ElicitationID}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("mongostore: store oauth state: %w", err)
	}
	return nil
}

func fromOAuthStateDoc(d oauthStateDoc) *catalog.OAuthState {
	return &catalog.OAuthState{
		ElicitationID: d.ElicitationID, UserID: ids.UserId(d.UserID), Provider: ids.IdentityProvider(d.Provider),
		StateToken: d.StateToken, RedirectURI: ids.RedirectUri(d.RedirectURI), ExpiresAt: d.ExpiresAt,
	}
}

func (s *Store) FindOAuthState(ctx context.Context, elicitationID string) (*catalog.OAuthState, error) {
	var d oauthStateDoc
	if err := s.oauthStates.FindOne(ctx, bson.M{"_id": elicitationID}).Decode(&d); err != nil {
		return nil, notFound(err, elicitationID)
	}
	return fromOAuthStateDoc(d), nil
}

// ConsumeOAuthState deletes the state document first so a second concurrent
// caller with the correct token cannot also observe it, then validates the
// token and expiry against the copy it deleted.
func (s *Store) ConsumeOAuthState(ctx context.Context, elicitationID, stateToken string) (*catalog.OAuthState, error) {
	var d oauthStateDoc
	if err := s.oauthStates.FindOneAndDelete(ctx, bson.M{"_id": elicitationID}).Decode(&d); err != nil {
		return nil, notFound(err, elicitationID)
	}
	if d.StateToken != stateToken {
		return nil, catalog.ErrNotFound
	}
	if time.Now().UTC().After(d.ExpiresAt) {
		return nil, catalog.ErrNotFound
	}
	return fromOAuthStateDoc(d), nil
}

func (s *Store) CleanupExpiredOAuthStates(ctx context.Context) (int, error) {
	res, err := s.oauthStates.DeleteMany(ctx, bson.M{"expires_at": bson.M{"$lt": time.Now().UTC()}})
	if err != nil {
		return 0, fmt.Errorf("mongostore: cleanup expired oauth states: %w", err)
	}
	return int(res.DeletedCount), nil
}

// --- Audit log ---

type auditDoc struct {
	UserID       *string        `bson:"user_id,omitempty"`
	Action       string         `bson:"action"`
	ResourceType string         `bson:"resource_type"`
	ResourceID   *string        `bson:"resource_id,omitempty"`
	Details      bson.M         `bson:"details,omitempty"`
	IP           string         `bson:"ip"`
	UserAgent    string         `bson:"user_agent"`
	CreatedAt    time.Time      `bson:"created_at"`
}

func (s *Store) AppendAudit(ctx context.Context, entry catalog.AuditLog) error {
	var userID *string
	if entry.UserID != nil {
		v := string(*entry.UserID)
		userID = &v
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	doc := auditDoc{
		UserID: userID, Action: entry.Action, ResourceType: entry.ResourceType, ResourceID: entry.ResourceID,
		Details: bson.M(entry.Details), IP: entry.IP, UserAgent: entry.UserAgent, CreatedAt: entry.CreatedAt,
	}
	if _, err := s.audit.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("mongostore: append audit: %w", err)
	}
	return nil
}

// ListAudit paginates with a decimal-string cursor encoding a skip count,
// same contract as memstore so callers are backend-agnostic. A production
// deployment large enough to make skip-based pagination expensive would
// switch to a _id range cursor; not needed at this scale.
func (s *Store) ListAudit(ctx context.Context, userID *ids.UserId, cursor string, limit int) (catalog.AuditPage, error) {
	filter := bson.M{}
	if userID != nil {
		filter["user_id"] = string(*userID)
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
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}}).SetSkip(int64(offset)).SetLimit(int64(limit + 1))
	cur, err := s.audit.Find(ctx, filter, opts)
	if err != nil {
		return catalog.AuditPage{}, fmt.Errorf("mongostore: list audit: %w", err)
	}
	defer func() { _ = cur.Close(ctx) }()
	var docs []auditDoc
	if err := cur.All(ctx, &docs); err != nil {
		return catalog.AuditPage{}, fmt.Errorf("mongostore: list audit decode: %w", err)
	}
	next := ""
	if len(docs) > limit {
		docs = docs[:limit]
		next = strconv.Itoa(offset + limit)
	}
	entries := make([]catalog.AuditLog, len(docs))
	for i, d := range docs {
		var uid *ids.UserId
		if d.UserID != nil {
			v := ids.UserId(*d.UserID)
			uid = &v
		}
		entries[i] = catalog.AuditLog{
			UserID: uid, Action: d.Action, ResourceType: d.ResourceType, ResourceID: d.ResourceID,
			Details: map[string]any(d.Details), IP: d.IP, UserAgent: d.UserAgent, CreatedAt: d.CreatedAt,
		}
	}
	return catalog.AuditPage{Entries: entries, NextCursor: next}, nil
}

// --- Symbolic rules ---

type ruleDoc struct {
	ID          string    `bson:"_id"`
	Name        string    `bson:"name"`
	Description string    `bson:"description"`
	Antecedents []byte    `bson:"antecedents"`
	Consequents []byte    `bson:"consequents"`
	Confidence  float64   `bson:"confidence"`
	Priority    int       `bson:"priority"`
	IsActive    bool      `bson:"is_active"`
	CreatedAt   time.Time `bson:"created_at"`
}

func (s *Store) SaveRule(ctx context.Context, r catalog.RuleRecord) (*catalog.RuleRecord, error) {
	if r.ID == "" {
		r.ID = bson.NewObjectID().Hex()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	doc := ruleDoc{
		ID: r.ID, Name: r.Name, Description: r.Description,
		Antecedents: r.Antecedents, Consequents: r.Consequents,
		Confidence: r.Confidence, Priority: r.Priority, IsActive: r.IsActive, CreatedAt: r.CreatedAt,
	}
	_, err := s.symbolicRules.ReplaceOne(ctx, bson.M{"_id": doc.ID}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return nil, fmt.Errorf("mongostore: save rule: %w", err)
	}
	out := r
	return &out, nil
}

// ListActiveRules returns rules ordered by priority descending, matching
// load_rules's "SELECT * FROM symbolic_rule WHERE is_active=true ORDER BY
// priority DESC".
func (s *Store) ListActiveRules(ctx context.Context) ([]catalog.RuleRecord, error) {
	opts := options.Find().SetSort(bson.D{{Key: "priority", Value: -1}, {Key: "_id", Value: 1}})
	cur, err := s.symbolicRules.Find(ctx, bson.M{"is_active": true}, opts)
	if err != nil {
		return nil, fmt.Errorf("mongostore: list active rules: %w", err)
	}
	defer func() { _ = cur.Close(ctx) }()
	var docs []ruleDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongostore: list active rules decode: %w", err)
	}
	out := make([]catalog.RuleRecord, len(docs))
	for i, d := range docs {
		out[i] = catalog.RuleRecord{
			ID: d.ID, Name: d.Name, Description: d.Description,
			Antecedents: d.Antecedents, Consequents: d.Consequents,
			Confidence: d.Confidence, Priority: d.Priority, IsActive: d.IsActive, CreatedAt: d.CreatedAt,
		}
	}
	return out, nil
}

func (s *Store) DeleteRule(ctx context.Context, id string) error {
	res, err := s.symbolicRules.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("mongostore: delete rule: %w", err)
	}
	if res.DeletedCount == 0 {
		return catalog.ErrNotFound
	}
	return nil
}
