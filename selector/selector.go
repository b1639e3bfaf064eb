// Package selector implements tool selection and planning over the
// catalog, embeddings, and symbolic rule engine (spec §4.I): narrow
// candidates by embedding similarity, seed the rule engine's working
// memory with the tool/context fact vocabulary, forward-chain to rank
// selections, and fall back to backward-chain planning for multi-step
// goals.
package selector

import (
	"context"
	"fmt"
	"sort"

	"github.com/unicitynetwork/unicity-orchestrator-sub000/catalog"
	"github.com/unicitynetwork/unicity-orchestrator-sub000/embedding"
	"github.com/unicitynetwork/unicity-orchestrator-sub000/ids"
	"github.com/unicitynetwork/unicity-orchestrator-sub000/rules"
	"github.com/unicitynetwork/unicity-orchestrator-sub000/schema"
)

// candidateTopK and candidateThreshold are the embedding-narrowing
// parameters named explicitly in spec §4.I step 1.
const (
	candidateTopK       = 32
	candidateThreshold  = 0.25
)

// UserFilter narrows and re-scores candidates by a user's preferences.
// Satisfied by identity.UserToolFilter; kept as an interface here so
// selector has no import-time dependency on identity.
type UserFilter interface {
	FilterTools(tools []catalog.Tool) []catalog.Tool
	FilterSelections(selections []ToolSelection) []ToolSelection
	ApplyTrustBoost(selections []ToolSelection, epsilon float64) []ToolSelection
}

// ToolSelection is one ranked candidate for a query, matching spec §4.I
// step 5.
type ToolSelection struct {
	ToolID         ids.ToolId
	ToolName       ids.ToolName
	ServiceID      ids.ServiceId
	Confidence     float64
	Reasoning      string
	Dependencies   []ids.ToolId
	EstimatedCost  float64
}

// Selector wires the catalog, embedding manager, and rule engine together.
type Selector struct {
	Store     catalog.Store
	Embedder  *embedding.Manager
	Rules     RuleSource
}

// RuleSource supplies the active rule set for a selection/planning pass.
// Satisfied by a thin catalog-backed loader; kept as an interface so tests
// can inject a fixed rule set without a store.
type RuleSource interface {
	ActiveRules(ctx context.Context) ([]rules.Rule, error)
}

// Select implements spec §4.I's select(query, context, user?).
func (s *Selector) Select(ctx context.Context, query string, queryContext map[string]any, filter UserFilter) ([]ToolSelection, error) {
	candidates, hits, err := s.narrowCandidates(ctx, query)
	if err != nil {
		return nil, err
	}
	if filter != nil {
		candidates = filter.FilterTools(candidates)
	}

	activeRules, err := s.Rules.ActiveRules(ctx)
	if err != nil {
		return nil, fmt.Errorf("selector: load active rules: %w", err)
	}
	rules.SortByPriorityDesc(activeRules)

	memory := rules.NewWorkingMemory()
	seedQueryFacts(memory, query, queryContext)
	seedToolFacts(memory, candidates)

	if _, err := rules.ForwardChain(activeRules, memory); err != nil {
		return nil, fmt.Errorf("selector: forward chain: %w", err)
	}

	selections := extractSelections(memory, candidates)
	if len(selections) == 0 {
		selections = fallbackFromEmbeddingHits(hits, candidates)
	}

	sort.SliceStable(selections, func(i, j int) bool {
		return selections[i].Confidence > selections[j].Confidence
	})

	if filter != nil {
		selections = filter.FilterSelections(selections)
		selections = filter.ApplyTrustBoost(selections, trustBoostEpsilon)
	}

	return selections, nil
}

// trustBoostEpsilon is the confidence bump applied to selections whose
// service is in the user's trusted set (spec §4.I step 7).
const trustBoostEpsilon = 0.1

// narrowCandidates implements steps 1-2: embedding search, falling back to
// every cataloged tool when the search returns nothing above threshold.
func (s *Selector) narrowCandidates(ctx context.Context, query string) ([]catalog.Tool, []embedding.SearchResult, error) {
	hits, err := s.Embedder.SearchToolsByEmbedding(ctx, query, candidateTopK, candidateThreshold)
	if err != nil {
		return nil, nil, fmt.Errorf("selector: embedding search: %w", err)
	}
	if len(hits) > 0 {
		tools := make([]catalog.Tool, 0, len(hits))
		for _, h := range hits {
			if h.Tool != nil {
				tools = append(tools, *h.Tool)
			}
		}
		return tools, hits, nil
	}

	all, err := s.Store.ListTools(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("selector: list tools fallback: %w", err)
	}
	return all, nil, nil
}

// seedQueryFacts asserts user_query_text, user_query, and user_context
// facts (spec §4.I step 4).
func seedQueryFacts(memory *rules.WorkingMemory, query string, queryContext map[string]any) {
	memory.Assert(rules.NewConcreteFact("user_query_text", rules.StringValue(query)))
	memory.Assert(rules.NewConcreteFact("user_query", rules.StringValue(query)))

	for k, v := range queryContext {
		lit, ok := toLiteral(v)
		if !ok {
			continue
		}
		memory.Assert(rules.NewConcreteFact("user_context", rules.StringValue(k), lit))
	}
}

// toLiteral converts a context value to a rules.LiteralValue, restricted to
// strings/numbers/booleans per spec §4.I step 4.
func toLiteral(v any) (rules.LiteralValue, bool) {
	switch t := v.(type) {
	case string:
		return rules.StringValue(t), true
	case bool:
		return rules.BoolValue(t), true
	case float64:
		return rules.NumberValue(t), true
	case int:
		return rules.NumberValue(float64(t)), true
	case int64:
		return rules.NumberValue(float64(t)), true
	default:
		return rules.LiteralValue{}, false
	}
}

// seedToolFacts asserts tool_exists/tool_input_type/tool_output_type/
// tool_service/tool_usage for every candidate (spec §4.I step 4).
func seedToolFacts(memory *rules.WorkingMemory, candidates []catalog.Tool) {
	for _, tool := range candidates {
		name := string(tool.Name)
		memory.Assert(rules.NewConcreteFact("tool_exists", rules.StringValue(name)))
		if tool.InputType != nil {
			memory.Assert(rules.NewConcreteFact("tool_input_type", rules.StringValue(name), rules.StringValue(typeSummary(tool.InputType))))
		}
		if tool.OutputType != nil {
			memory.Assert(rules.NewConcreteFact("tool_output_type", rules.StringValue(name), rules.StringValue(typeSummary(tool.OutputType))))
		}
		memory.Assert(rules.NewConcreteFact("tool_service", rules.StringValue(name), rules.StringValue(string(tool.ServiceID))))
		memory.Assert(rules.NewConcreteFact("tool_usage", rules.StringValue(name), rules.NumberValue(float64(tool.UsageCount))))
	}
}

// typeSummary renders a TypedSchema's kind as a fact-vocabulary string.
func typeSummary(t *schema.TypedSchema) string {
	switch t.Kind {
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

// extractSelections reads tool_selected(name, confidence, reasoning) facts
// derived by forward-chaining and maps each to a ToolSelection against the
// candidate list (spec §4.I step 5).
func extractSelections(memory *rules.WorkingMemory, candidates []catalog.Tool) []ToolSelection {
	byName := make(map[string]catalog.Tool, len(candidates))
	for _, t := range candidates {
		byName[string(t.Name)] = t
	}

	var out []ToolSelection
	for _, f := range memory.Query("tool_selected") {
		if len(f.Arguments) != 3 {
			continue
		}
		nameArg, confArg, reasonArg := f.Arguments[0], f.Arguments[1], f.Arguments[2]
		if nameArg.Kind != rules.KindLiteral || nameArg.Literal.String == nil {
			continue
		}
		tool, ok := byName[*nameArg.Literal.String]
		if !ok {
			continue
		}
		confidence := 0.0
		if confArg.Kind == rules.KindLiteral && confArg.Literal.Number != nil {
			confidence = *confArg.Literal.Number
		}
		reasoning := ""
		if reasonArg.Kind == rules.KindLiteral && reasonArg.Literal.String != nil {
			reasoning = *reasonArg.Literal.String
		}
		out = append(out, ToolSelection{
			ToolID:     tool.ID,
			ToolName:   tool.Name,
			ServiceID:  tool.ServiceID,
			Confidence: confidence,
			Reasoning:  reasoning,
		})
	}
	return out
}

// fallbackFromEmbeddingHits returns raw embedding hits as ToolSelections
// when no tool_selected facts fired, matching spec §4.I step 6.
func fallbackFromEmbeddingHits(hits []embedding.SearchResult, candidates []catalog.Tool) []ToolSelection {
	byID := make(map[ids.ToolId]catalog.Tool, len(candidates))
	for _, t := range candidates {
		byID[t.ID] = t
	}

	var out []ToolSelection
	for _, h := range hits {
		tool, ok := byID[h.ToolID]
		if !ok {
			continue
		}
		out = append(out, ToolSelection{
			ToolID:     tool.ID,
			ToolName:   tool.Name,
			ServiceID:  tool.ServiceID,
			Confidence: h.Similarity,
			Reasoning:  fmt.Sprintf("Selected by cosine similarity %g to query embedding", h.Similarity),
		})
	}
	return out
}

// Plan implements spec §4.I's plan(goal, context, user?): narrow candidates
// the same way Select does, then hand them to the backward-chain planner.
// Returns (nil, nil) if the plan has zero steps.
func (s *Selector) Plan(ctx context.Context, goal string, queryContext map[string]any, filter UserFilter, constraints rules.Constraints) (*rules.ToolPlan, error) {
	candidates, _, err := s.narrowCandidates(ctx, goal)
	if err != nil {
		return nil, err
	}
	if filter != nil {
		candidates = filter.FilterTools(candidates)
	}

	activeRules, err := s.Rules.ActiveRules(ctx)
	if err != nil {
		return nil, fmt.Errorf("selector: load active rules: %w", err)
	}
	rules.SortByPriorityDesc(activeRules)

	available := make([]rules.AvailableTool, 0, len(candidates))
	for _, t := range candidates {
		available = append(available, rules.AvailableTool{ID: string(t.ID), Name: string(t.Name)})
	}

	plan, err := rules.BackwardChain(rules.PlanningProblem{
		Goal:           goal,
		Constraints:    constraints,
		AvailableTools: available,
	}, activeRules)
	if err != nil {
		return nil, fmt.Errorf("selector: backward chain: %w", err)
	}
	if len(plan.Steps) == 0 {
		return nil, nil
	}
	return &plan, nil
}
