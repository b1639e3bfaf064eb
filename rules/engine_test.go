package rules_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unicitynetwork/unicity-orchestrator-sub000/rules"
)

func TestForwardChainUnifiesSingleFactAntecedent(t *testing.T) {
	mem := rules.NewWorkingMemory()
	mem.Assert(rules.NewConcreteFact("tool_exists", rules.StringValue("read_file")))
	mem.Assert(rules.NewConcreteFact("tool_exists", rules.StringValue("write_file")))

	rule := rules.Rule{
		Name:        "propose_existing_tools",
		Antecedents: []rules.Expr{rules.FactExpr(rules.NewFact("tool_exists", rules.VariableExpr("T")))},
		Consequents: []rules.Expr{rules.FactExpr(rules.NewFact(
			"tool_selected", rules.VariableExpr("T"), rules.LiteralExpr(rules.NumberValue(0.5)),
		))},
	}

	derived, err := rules.ForwardChain([]rules.Rule{rule}, mem)
	require.NoError(t, err)
	assert.Len(t, derived, 2)

	selected := mem.Query("tool_selected")
	assert.Len(t, selected, 2)
	names := map[string]bool{}
	for _, f := range selected {
		names[*f.Arguments[0].Literal.String] = true
	}
	assert.True(t, names["read_file"])
	assert.True(t, names["write_file"])
}

func TestForwardChainDontCareOnArrayAndVariableArguments(t *testing.T) {
	mem := rules.NewWorkingMemory()
	mem.Assert(rules.NewConcreteFact("tagged", rules.StringValue("x"), rules.StringValue("anything"),
		rules.LiteralValue{Array: []rules.LiteralValue{rules.StringValue("a")}}))

	// Pattern's second argument is a Variable and its third an Array literal
	// whose content differs from the concrete fact's; neither may block the
	// match.
	rule := rules.Rule{
		Antecedents: []rules.Expr{rules.FactExpr(rules.NewFact(
			"tagged", rules.LiteralExpr(rules.StringValue("x")), rules.VariableExpr("Tag"),
			rules.LiteralExpr(rules.LiteralValue{Array: []rules.LiteralValue{rules.StringValue("b")}}),
		))},
		Consequents: []rules.Expr{rules.FactExpr(rules.NewConcreteFact("matched", rules.BoolValue(true)))},
	}

	derived, err := rules.ForwardChain([]rules.Rule{rule}, mem)
	require.NoError(t, err)
	assert.Len(t, derived, 1)
}

func TestForwardChainBooleanPathForMultiAntecedentRules(t *testing.T) {
	mem := rules.NewWorkingMemory()
	mem.Assert(rules.NewConcreteFact("user_authenticated"))
	mem.Assert(rules.NewConcreteFact("service_trusted", rules.StringValue("fs")))

	rule := rules.Rule{
		Antecedents: []rules.Expr{
			rules.FactExpr(rules.NewConcreteFact("user_authenticated")),
			rules.FactExpr(rules.NewConcreteFact("service_trusted", rules.StringValue("fs"))),
		},
		Consequents: []rules.Expr{rules.FactExpr(rules.NewConcreteFact("allow_fs_tools", rules.BoolValue(true)))},
	}

	derived, err := rules.ForwardChain([]rules.Rule{rule}, mem)
	require.NoError(t, err)
	assert.Len(t, derived, 1)
	assert.Equal(t, "allow_fs_tools", derived[0].Predicate)
}

func TestForwardChainIsIdempotentOnSecondCall(t *testing.T) {
	mem := rules.NewWorkingMemory()
	mem.Assert(rules.NewConcreteFact("tool_exists", rules.StringValue("read_file")))
	rule := rules.Rule{
		Antecedents: []rules.Expr{rules.FactExpr(rules.NewFact("tool_exists", rules.VariableExpr("T")))},
		Consequents: []rules.Expr{rules.FactExpr(rules.NewFact("tool_selected", rules.VariableExpr("T")))},
	}

	_, err := rules.ForwardChain([]rules.Rule{rule}, mem)
	require.NoError(t, err)
	secondPass, err := rules.ForwardChain([]rules.Rule{rule}, mem)
	require.NoError(t, err)
	assert.Empty(t, secondPass, "re-running forward chain over unchanged memory must derive nothing new")
}

func TestBackwardChainDerivesPlanAndSubgoals(t *testing.T) {
	rule := rules.Rule{
		Name: "achieve_file_read",
		Antecedents: []rules.Expr{
			rules.FactExpr(rules.NewConcreteFact("require_file_open")),
		},
		Consequents: []rules.Expr{
			rules.FactExpr(rules.NewConcreteFact("use_tool", rules.StringValue("read_file"))),
			rules.FactExpr(rules.NewConcreteFact("read_file_result")),
		},
	}

	problem := rules.PlanningProblem{
		Goal:           "read_file_result",
		AvailableTools: []rules.AvailableTool{{ID: "tool-1", Name: "read_file"}},
		Constraints:    rules.Constraints{MaxSteps: 10},
	}

	plan, err := rules.BackwardChain(problem, []rules.Rule{rule})
	require.NoError(t, err)
	require.Len(t, plan.Steps, 1)
	assert.Equal(t, "tool-1", plan.Steps[0].ToolID)
}

func TestBackwardChainRespectsForbiddenTools(t *testing.T) {
	rule := rules.Rule{
		Consequents: []rules.Expr{
			rules.FactExpr(rules.NewConcreteFact("use_tool", rules.StringValue("delete_file"))),
			rules.FactExpr(rules.NewConcreteFact("delete_result")),
		},
	}
	problem := rules.PlanningProblem{
		Goal:           "delete_result",
		AvailableTools: []rules.AvailableTool{{ID: "tool-1", Name: "delete_file"}},
		Constraints: rules.Constraints{
			MaxSteps:       10,
			ForbiddenTools: map[string]struct{}{"delete_file": {}},
		},
	}

	plan, err := rules.BackwardChain(problem, []rules.Rule{rule})
	require.NoError(t, err)
	assert.Empty(t, plan.Steps, "a forbidden tool must never produce a plan step")
}

func TestForwardChainTerminatesOnEmptyRuleSet(t *testing.T) {
	mem := rules.NewWorkingMemory()
	mem.Assert(rules.NewConcreteFact("seed", rules.NumberValue(0)))

	derived, err := rules.ForwardChain(nil, mem)
	require.NoError(t, err)
	assert.Empty(t, derived)
}
