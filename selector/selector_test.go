package selector_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unicitynetwork/unicity-orchestrator-sub000/catalog"
	"github.com/unicitynetwork/unicity-orchestrator-sub000/catalog/memstore"
	"github.com/unicitynetwork/unicity-orchestrator-sub000/embedding"
	"github.com/unicitynetwork/unicity-orchestrator-sub000/ids"
	"github.com/unicitynetwork/unicity-orchestrator-sub000/rules"
	"github.com/unicitynetwork/unicity-orchestrator-sub000/selector"
)

type fixedModel struct{ vec []float32 }

func (f fixedModel) EmbedText(context.Context, string) ([]float32, error) { return f.vec, nil }
func (f fixedModel) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = f.vec
	}
	return out, nil
}

type staticRules struct{ rules []rules.Rule }

func (s staticRules) ActiveRules(context.Context) ([]rules.Rule, error) { return s.rules, nil }

func setup(t *testing.T) (*selector.Selector, catalog.Store, context.Context) {
	t.Helper()
	ctx := context.Background()
	store := memstore.New()
	require.NoError(t, store.EnsureSchema(ctx))

	svc, err := store.UpsertService(ctx, catalog.ServiceCreate{Name: "fs", DiscoveryOrigin: "cfg:fs"})
	require.NoError(t, err)
	tool, err := store.UpsertTool(ctx, catalog.ToolCreate{ServiceID: svc.ID, Name: "read_file", Description: "reads a file"})
	require.NoError(t, err)

	emb := embedding.NewManager(fixedModel{vec: []float32{1, 0, 0}}, store, embedding.Config{ModelName: "test"})
	_, err = emb.StoreEmbedding(ctx, []float32{1, 0, 0}, "tool", "hash-read-file")
	require.NoError(t, err)
	stored, err := store.FindEmbeddingByHash(ctx, "test", "hash-read-file")
	require.NoError(t, err)
	require.NoError(t, store.SetToolEmbedding(ctx, tool.ID, stored.ID))

	return &selector.Selector{Store: store, Embedder: emb}, store, ctx
}

func TestSelectFallsBackToEmbeddingHitsWhenNoRuleFires(t *testing.T) {
	sel, _, ctx := setup(t)
	sel.Rules = staticRules{}

	selections, err := sel.Select(ctx, "read a file", nil, nil)
	require.NoError(t, err)
	require.Len(t, selections, 1)
	assert.Equal(t, ids.ToolName("read_file"), selections[0].ToolName)
	assert.Contains(t, selections[0].Reasoning, "cosine similarity")
}

func TestSelectUsesForwardChainedToolSelectedFact(t *testing.T) {
	sel, _, ctx := setup(t)
	rule := rules.Rule{
		Name: "always-select-read-file",
		Antecedents: []rules.Expr{
			rules.FactExpr(rules.NewConcreteFact("tool_exists", rules.StringValue("read_file"))),
		},
		Consequents: []rules.Expr{
			rules.FactExpr(rules.NewConcreteFact("tool_selected",
				rules.StringValue("read_file"), rules.NumberValue(0.95), rules.StringValue("matched by rule"))),
		},
	}
	sel.Rules = staticRules{rules: []rules.Rule{rule}}

	selections, err := sel.Select(ctx, "read a file", map[string]any{"locale": "en"}, nil)
	require.NoError(t, err)
	require.Len(t, selections, 1)
	assert.Equal(t, 0.95, selections[0].Confidence)
	assert.Equal(t, "matched by rule", selections[0].Reasoning)
}

type allowAllFilter struct{ trusted map[ids.ServiceId]struct{} }

func (f allowAllFilter) FilterTools(tools []catalog.Tool) []catalog.Tool { return tools }
func (f allowAllFilter) FilterSelections(s []selector.ToolSelection) []selector.ToolSelection {
	return s
}
func (f allowAllFilter) ApplyTrustBoost(s []selector.ToolSelection, epsilon float64) []selector.ToolSelection {
	out := make([]selector.ToolSelection, len(s))
	for i, sel := range s {
		if _, ok := f.trusted[sel.ServiceID]; ok {
			sel.Confidence += epsilon
			if sel.Confidence > 1 {
				sel.Confidence = 1
			}
		}
		out[i] = sel
	}
	return out
}

func TestSelectAppliesTrustBoostFromUserFilter(t *testing.T) {
	sel, store, ctx := setup(t)
	sel.Rules = staticRules{}

	services, err := store.ListServices(ctx)
	require.NoError(t, err)
	require.Len(t, services, 1)

	filter := allowAllFilter{trusted: map[ids.ServiceId]struct{}{services[0].ID: {}}}
	selections, err := sel.Select(ctx, "read a file", nil, filter)
	require.NoError(t, err)
	require.Len(t, selections, 1)
	assert.InDelta(t, 1.0, selections[0].Confidence, 1e-9)
}

func TestPlanReturnsNilWhenNoStepsProduced(t *testing.T) {
	sel, _, ctx := setup(t)
	sel.Rules = staticRules{}

	plan, err := sel.Plan(ctx, "unreachable_goal", nil, nil, rules.Constraints{})
	require.NoError(t, err)
	assert.Nil(t, plan)
}
