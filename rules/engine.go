package rules

import (
	"fmt"
	"sort"
	"strings"

	"github.com/unicitynetwork/unicity-orchestrator-sub000/orcherr"
)

// maxForwardChainIterations bounds the outer fixed-point loop. A
// non-terminating rule set (e.g. two rules that keep re-deriving facts under
// slightly different confidence values) hits this instead of looping
// forever.
const maxForwardChainIterations = 10_000

// ForwardChain runs the fixed-point forward-chaining loop described in spec
// §4.H: single-fact-antecedent rules get unification treatment; every other
// rule is evaluated with boolean evaluate_antecedents semantics. Returns the
// facts newly inserted into memory, in derivation order. Rules are applied
// in the order given on every pass; callers wanting priority-first
// application should sort rules by Priority descending before calling (the
// order load_rules uses: "ORDER BY priority DESC").
func ForwardChain(rules []Rule, memory *WorkingMemory) ([]Fact, error) {
	var derived []Fact
	changed := true
	iterations := 0

	for changed {
		changed = false
		iterations++
		if iterations > maxForwardChainIterations {
			return derived, orcherr.ErrRuleEngineCap
		}

		for _, rule := range rules {
			if pattern, ok := rule.singleFactAntecedent(); ok {
				concreteFacts := append([]Fact(nil), memory.Facts[pattern.Predicate]...)
				for _, concrete := range concreteFacts {
					bindings, ok := unifyFact(pattern, concrete)
					if !ok {
						continue
					}
					for _, consequent := range rule.Consequents {
						if consequent.Kind != KindFact {
							continue
						}
						instantiated := substituteFact(*consequent.Fact, bindings)
						if memory.Assert(instantiated) {
							derived = append(derived, instantiated)
							changed = true
						}
					}
				}
				continue
			}

			holds, err := evaluateAntecedents(rule.Antecedents, memory)
			if err != nil {
				return derived, err
			}
			if !holds {
				continue
			}
			for _, consequent := range rule.Consequents {
				if consequent.Kind != KindFact {
					continue
				}
				if memory.Assert(*consequent.Fact) {
					derived = append(derived, *consequent.Fact)
					changed = true
				}
			}
		}
	}

	return derived, nil
}

func evaluateAntecedents(antecedents []Expr, memory *WorkingMemory) (bool, error) {
	for _, a := range antecedents {
		ok, err := evaluateExpression(a, memory)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// evaluateExpression gives boolean semantics to an antecedent expression
// without variable binding: a Fact holds iff some stored fact matches it by
// facts_match; And/Or/Not compose; every other expression kind (Implies,
// Quantified, Comparison, Variable, Literal) defaults to true, matching
// symbolic.rs's evaluate_expression fallthrough.
func evaluateExpression(e Expr, memory *WorkingMemory) (bool, error) {
	switch e.Kind {
	case KindFact:
		for _, f := range memory.Facts[e.Fact.Predicate] {
			if factsMatch(*e.Fact, f) {
				return true, nil
			}
		}
		return false, nil
	case KindAnd:
		for _, sub := range e.And {
			ok, err := evaluateExpression(sub, memory)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	case KindOr:
		for _, sub := range e.Or {
			ok, err := evaluateExpression(sub, memory)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	case KindNot:
		ok, err := evaluateExpression(*e.Not, memory)
		if err != nil {
			return false, err
		}
		return !ok, nil
	default:
		return true, nil
	}
}

// --- Backward-chain planner ---

// Constraints bound a planning problem: an optional allow/deny list of
// tools, and a hard step cap so an unsatisfiable goal terminates.
type Constraints struct {
	AllowedTools   map[string]struct{}
	ForbiddenTools map[string]struct{}
	MaxSteps       int
}

// AvailableTool is the minimal tool-identity information the planner needs
// to resolve a rule's use_tool(name) fact to a concrete tool id.
type AvailableTool struct {
	ID   string
	Name string
}

// PlanningProblem is the input to BackwardChain.
type PlanningProblem struct {
	Goal           string
	Constraints    Constraints
	AvailableTools []AvailableTool
}

// PlanStep is one step of a derived ToolPlan.
type PlanStep struct {
	StepNumber      int
	ToolID          string
	Inputs          map[string]LiteralValue
	ExpectedOutputs []string
	Parallel        bool
	Dependencies    []int
}

// ToolPlan is the output of BackwardChain.
type ToolPlan struct {
	Goal           string
	Steps          []PlanStep
	EstimatedCost  float64
	EstimatedTime  float64
	Confidence     float64
}

// BackwardChain runs the goal-stack planner of spec §4.H: pop a goal, find a
// rule whose consequent relates to it, derive the rule's tool via a
// use_tool("name") fact, apply allow/forbid filters, emit a PlanStep, and
// push any require_* antecedent predicates as new subgoals. Mirrors
// symbolic.rs's backward_chain/extract_tool_name_from_rule/can_achieve_goal.
func BackwardChain(problem PlanningProblem, rules []Rule) (ToolPlan, error) {
	maxSteps := problem.Constraints.MaxSteps
	if maxSteps <= 0 {
		maxSteps = 50
	}

	goalStack := []string{problem.Goal}
	var steps []PlanStep
	stepNumber := 0

	for len(goalStack) > 0 && stepNumber < maxSteps {
		goal := goalStack[len(goalStack)-1]
		goalStack = goalStack[:len(goalStack)-1]

		for _, rule := range rules {
			if !canAchieveGoal(rule, goal) {
				continue
			}
			toolName, ok := extractToolName(rule)
			if ok {
				if len(problem.Constraints.AllowedTools) > 0 {
					if _, allowed := problem.Constraints.AllowedTools[toolName]; !allowed {
						continue
					}
				}
				if _, forbidden := problem.Constraints.ForbiddenTools[toolName]; forbidden {
					continue
				}
			}

			step, err := createPlanStep(rule, stepNumber+1, goal, problem.AvailableTools)
			if err != nil {
				continue
			}
			stepNumber++
			steps = append(steps, step)

			for _, ante := range rule.Antecedents {
				if ante.Kind == KindFact && strings.HasPrefix(ante.Fact.Predicate, "require_") {
					goalStack = append(goalStack, ante.Fact.Predicate)
				}
			}
			break
		}
	}

	return ToolPlan{
		Goal:          problem.Goal,
		Steps:         steps,
		EstimatedCost: 0,
		EstimatedTime: 0,
		Confidence:    0.8,
	}, nil
}

// canAchieveGoal answers only "does this rule conceptually relate to the
// goal" via substring containment in either direction, leaving stricter
// filtering (allow/forbid lists) to the caller. Mirrors can_achieve_goal.
func canAchieveGoal(rule Rule, goal string) bool {
	for _, c := range rule.Consequents {
		if c.Kind != KindFact {
			continue
		}
		if strings.Contains(c.Fact.Predicate, goal) || strings.Contains(goal, c.Fact.Predicate) {
			return true
		}
	}
	return false
}

// extractToolName looks for a use_tool("name") fact among a rule's
// consequents then antecedents, matching extract_tool_name_from_rule's
// search order.
func extractToolName(rule Rule) (string, bool) {
	for _, e := range append(append([]Expr{}, rule.Consequents...), rule.Antecedents...) {
		if e.Kind != KindFact || e.Fact.Predicate != "use_tool" {
			continue
		}
		if len(e.Fact.Arguments) == 0 {
			continue
		}
		arg := e.Fact.Arguments[0]
		if arg.Kind == KindLiteral && arg.Literal.String != nil {
			return *arg.Literal.String, true
		}
	}
	return "", false
}

func createPlanStep(rule Rule, stepNumber int, goal string, tools []AvailableTool) (PlanStep, error) {
	toolName, ok := extractToolName(rule)
	if !ok {
		return PlanStep{}, fmt.Errorf("rules: rule %q has no use_tool(...) fact to derive a tool for planning", rule.Name)
	}
	for _, t := range tools {
		if t.Name == toolName {
			return PlanStep{
				StepNumber:      stepNumber,
				ToolID:          t.ID,
				Inputs:          map[string]LiteralValue{},
				ExpectedOutputs: []string{goal},
				Parallel:        false,
			}, nil
		}
	}
	return PlanStep{}, fmt.Errorf("rules: no tool found with name %q for planning", toolName)
}

// SortByPriorityDesc sorts rules by Priority descending, the load order
// load_rules uses ("ORDER BY priority DESC"). Stable so rules of equal
// priority keep catalog load order.
func SortByPriorityDesc(rules []Rule) {
	sort.SliceStable(rules, func(i, j int) bool { return rules[i].Priority > rules[j].Priority })
}

// DecodeRule reconstructs a Rule from the catalog's persisted byte form
// (catalog.RuleRecord's JSON-encoded Antecedents/Consequents), keeping the
// rules package free of a dependency on catalog.
func DecodeRule(id, name, description string, antecedentsJSON, consequentsJSON []byte, confidence float64, priority int) (Rule, error) {
	ante, err := UnmarshalExprs(antecedentsJSON)
	if err != nil {
		return Rule{}, fmt.Errorf("rules: decode antecedents of %q: %w", name, err)
	}
	cons, err := UnmarshalExprs(consequentsJSON)
	if err != nil {
		return Rule{}, fmt.Errorf("rules: decode consequents of %q: %w", name, err)
	}
	return Rule{
		ID: id, Name: name, Description: description,
		Antecedents: ante, Consequents: cons, Confidence: confidence, Priority: priority,
	}, nil
}

// EncodeRule is DecodeRule's inverse, used when persisting a Rule via
// catalog.SaveRule.
func EncodeRule(r Rule) (antecedentsJSON, consequentsJSON []byte, err error) {
	antecedentsJSON, err = MarshalExprs(r.Antecedents)
	if err != nil {
		return nil, nil, fmt.Errorf("rules: encode antecedents of %q: %w", r.Name, err)
	}
	consequentsJSON, err = MarshalExprs(r.Consequents)
	if err != nil {
		return nil, nil, fmt.Errorf("rules: encode consequents of %q: %w", r.Name, err)
	}
	return antecedentsJSON, consequentsJSON, nil
}
