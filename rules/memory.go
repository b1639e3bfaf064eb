package rules

// ToolStatus enumerates a tool's lifecycle state within working memory.
type ToolStatus string

const (
	ToolAvailable ToolStatus = "available"
	ToolExecuting ToolStatus = "executing"
	ToolCompleted ToolStatus = "completed"
	ToolFailed    ToolStatus = "failed"
	ToolBlocked   ToolStatus = "blocked"
)

// ToolState tracks a tool's observed behavior across a reasoning session,
// mirroring symbolic.rs's ToolState.
type ToolState struct {
	ToolID           string
	Status           ToolStatus
	LastOutput       *LiteralValue
	InputRequirements []string
	ExecutionCount   int
	SuccessRate      float64
}

// WorkingMemory is the rule engine's mutable fact store: facts indexed by
// predicate, a variable-binding scratch space, and per-tool state.
type WorkingMemory struct {
	Facts     map[string][]Fact
	Variables map[string]LiteralValue
	ToolStates map[string]ToolState
}

// NewWorkingMemory returns an empty WorkingMemory ready for fact assertion.
func NewWorkingMemory() *WorkingMemory {
	return &WorkingMemory{
		Facts:      map[string][]Fact{},
		Variables:  map[string]LiteralValue{},
		ToolStates: map[string]ToolState{},
	}
}

// Assert adds a fact if an equal fact (by facts_match semantics) is not
// already present, returning whether it was newly inserted.
func (wm *WorkingMemory) Assert(f Fact) bool {
	existing := wm.Facts[f.Predicate]
	for _, e := range existing {
		if factsMatch(e, f) {
			return false
		}
	}
	wm.Facts[f.Predicate] = append(existing, f)
	return true
}

// Query returns every fact stored under a predicate.
func (wm *WorkingMemory) Query(predicate string) []Fact {
	return wm.Facts[predicate]
}

// factsMatch: predicate and argument count must match; an argument pair only
// blocks the match when BOTH sides are Literal of the same comparable kind
// (String/Number/Boolean) and unequal. Any other pairing — a Variable on
// either side, Array/Object literals, or a kind mismatch — is "don't care"
// and never blocks the match. This is the exact behavior of symbolic.rs's
// facts_match.
func factsMatch(pattern, concrete Fact) bool {
	if pattern.Predicate != concrete.Predicate || len(pattern.Arguments) != len(concrete.Arguments) {
		return false
	}
	for i := range pattern.Arguments {
		if literalsConflict(pattern.Arguments[i], concrete.Arguments[i]) {
			return false
		}
	}
	return true
}

// literalsConflict reports whether two Expr arguments are both Literal of
// the same comparable kind and unequal.
func literalsConflict(a, b Expr) bool {
	if a.Kind != KindLiteral || b.Kind != KindLiteral {
		return false
	}
	la, lb := a.Literal, b.Literal
	switch {
	case la.String != nil && lb.String != nil:
		return *la.String != *lb.String
	case la.Number != nil && lb.Number != nil:
		return *la.Number != *lb.Number
	case la.Boolean != nil && lb.Boolean != nil:
		return *la.Boolean != *lb.Boolean
	default:
		return false
	}
}

// unifyFact attempts to unify a pattern fact (whose arguments may be
// Variable or Literal) against a concrete fact (whose arguments are all
// Literal), producing the variable bindings on success. A Variable
// re-occurring across arguments must bind consistently; Literal/Literal
// pairs of the same comparable kind must be equal; every other pairing is
// don't-care. Mirrors symbolic.rs's unify_fact.
func unifyFact(pattern, concrete Fact) (map[string]LiteralValue, bool) {
	if pattern.Predicate != concrete.Predicate || len(pattern.Arguments) != len(concrete.Arguments) {
		return nil, false
	}
	bindings := map[string]LiteralValue{}
	for i, pa := range pattern.Arguments {
		ca := concrete.Arguments[i]
		switch {
		case pa.Kind == KindVariable && ca.Kind == KindLiteral:
			if existing, ok := bindings[pa.Variable]; ok {
				if !existing.StrictEqual(ca.Literal) {
					return nil, false
				}
			} else {
				bindings[pa.Variable] = ca.Literal
			}
		default:
			if literalsConflict(pa, ca) {
				return nil, false
			}
		}
	}
	return bindings, true
}

// substituteFact instantiates a pattern fact by replacing bound Variable
// arguments with their Literal binding; unbound variables and non-variable
// arguments pass through unchanged. Mirrors symbolic.rs's substitute_fact.
func substituteFact(f Fact, bindings map[string]LiteralValue) Fact {
	args := make([]Expr, len(f.Arguments))
	for i, a := range f.Arguments {
		if a.Kind == KindVariable {
			if v, ok := bindings[a.Variable]; ok {
				args[i] = LiteralExpr(v)
				continue
			}
		}
		args[i] = a
	}
	return Fact{Predicate: f.Predicate, Arguments: args, Confidence: f.Confidence}
}
