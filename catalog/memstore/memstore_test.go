package memstore_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unicitynetwork/unicity-orchestrator-sub000/catalog"
	"github.com/unicitynetwork/unicity-orchestrator-sub000/catalog/memstore"
	"github.com/unicitynetwork/unicity-orchestrator-sub000/ids"
	"github.com/unicitynetwork/unicity-orchestrator-sub000/schema"
)

func TestEnsureSchemaIdempotent(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()

	require.NoError(t, s.EnsureSchema(ctx))
	require.NoError(t, s.EnsureSchema(ctx))

	rules, err := s.ListActiveRules(ctx)
	require.NoError(t, err)
	assert.Len(t, rules, 1, "ensure_schema called twice must not duplicate the seed rule")
}

func TestUpsertToolIsKeyedByServiceAndName(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()

	svc, err := s.UpsertService(ctx, catalog.ServiceCreate{Name: "fs", DiscoveryOrigin: "stdio:fs"})
	require.NoError(t, err)

	t1, err := s.UpsertTool(ctx, catalog.ToolCreate{ServiceID: svc.ID, Name: "read_file", Description: "reads a file"})
	require.NoError(t, err)

	t2, err := s.UpsertTool(ctx, catalog.ToolCreate{ServiceID: svc.ID, Name: "read_file", Description: "reads a file (updated)"})
	require.NoError(t, err)

	assert.Equal(t, t1.ID, t2.ID, "same (service, name) must upsert the same tool row")
	assert.Equal(t, "reads a file (updated)", t2.Description)

	tools, err := s.ListTools(ctx)
	require.NoError(t, err)
	assert.Len(t, tools, 1)
}

func TestSetToolTypesPersistsTypedSchema(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()

	svc, err := s.UpsertService(ctx, catalog.ServiceCreate{Name: "fs"})
	require.NoError(t, err)
	tool, err := s.UpsertTool(ctx, catalog.ToolCreate{ServiceID: svc.ID, Name: "read_file"})
	require.NoError(t, err)

	inType := &schema.TypedSchema{Kind: schema.String}
	require.NoError(t, s.SetToolTypes(ctx, tool.ID, inType, nil))

	reloaded, err := s.FindToolByID(ctx, tool.ID)
	require.NoError(t, err)
	require.NotNil(t, reloaded.InputType)
	assert.Equal(t, schema.String, reloaded.InputType.Kind)
	assert.Nil(t, reloaded.OutputType)
}

func TestSetToolTypesUnknownToolIsNotFound(t *testing.T) {
	s := memstore.New()
	err := s.SetToolTypes(context.Background(), ids.ToolId("missing"), nil, nil)
	assert.ErrorIs(t, err, catalog.ErrNotFound)
}

func TestFindToolsByEmbeddingRanksByCosineSimilarityDescending(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()

	svc, err := s.UpsertService(ctx, catalog.ServiceCreate{Name: "fs", DiscoveryOrigin: "stdio:fs"})
	require.NoError(t, err)

	near, err := s.UpsertTool(ctx, catalog.ToolCreate{ServiceID: svc.ID, Name: "near"})
	require.NoError(t, err)
	far, err := s.UpsertTool(ctx, catalog.ToolCreate{ServiceID: svc.ID, Name: "far"})
	require.NoError(t, err)

	nearEmb, err := s.StoreEmbedding(ctx, catalog.Embedding{Vector: []float32{1, 0}, Model: "m", ContentHash: "h1"})
	require.NoError(t, err)
	farEmb, err := s.StoreEmbedding(ctx, catalog.Embedding{Vector: []float32{0, 1}, Model: "m", ContentHash: "h2"})
	require.NoError(t, err)

	require.NoError(t, s.SetToolEmbedding(ctx, near.ID, nearEmb.ID))
	require.NoError(t, s.SetToolEmbedding(ctx, far.ID, farEmb.ID))

	scored, err := s.FindToolsByEmbedding(ctx, []float32{1, 0}, 10)
	require.NoError(t, err)
	require.Len(t, scored, 2)
	assert.Equal(t, near.ID, scored[0].ToolID)
	assert.Equal(t, far.ID, scored[1].ToolID)
	assert.InDelta(t, 1.0, scored[0].Score, 1e-9)
	assert.InDelta(t, 0.0, scored[1].Score, 1e-9)
}

func TestConsumeOAuthStateIsSingleUse(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()

	st := catalog.OAuthState{
		ElicitationID: "elicitation-1", UserID: ids.UserId("u1"), Provider: "github",
		StateToken: "state-1", ExpiresAt: time.Now().UTC().Add(time.Hour),
	}
	require.NoError(t, s.StoreOAuthState(ctx, st))

	consumed, err := s.ConsumeOAuthState(ctx, "elicitation-1", "state-1")
	require.NoError(t, err)
	assert.Equal(t, st.UserID, consumed.UserID)

	_, err = s.ConsumeOAuthState(ctx, "elicitation-1", "state-1")
	assert.ErrorIs(t, err, catalog.ErrNotFound, "a second consume of the same state must fail")
}

func TestRecordSequenceTracksIncrementalSuccessRate(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()

	from, to := ids.ToolId("a"), ids.ToolId("b")
	require.NoError(t, s.RecordSequence(ctx, from, to, true))
	require.NoError(t, s.RecordSequence(ctx, from, to, false))

	edges, err := s.ListSequenceEdges(ctx)
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, uint64(2), edges[0].Frequency)
	assert.InDelta(t, 0.5, edges[0].SuccessRate, 1e-9)
}

func TestListAuditPaginates(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()

	for i := 0; i < 5; i++ {
		require.NoError(t, s.AppendAudit(ctx, catalog.AuditLog{Action: "select_tool"}))
	}

	page1, err := s.ListAudit(ctx, nil, "", 2)
	require.NoError(t, err)
	assert.Len(t, page1.Entries, 2)
	assert.NotEmpty(t, page1.NextCursor)

	page2, err := s.ListAudit(ctx, nil, page1.NextCursor, 2)
	require.NoError(t, err)
	assert.Len(t, page2.Entries, 2)

	page3, err := s.ListAudit(ctx, nil, page2.NextCursor, 2)
	require.NoError(t, err)
	assert.Len(t, page3.Entries, 1)
	assert.Empty(t, page3.NextCursor)
}
