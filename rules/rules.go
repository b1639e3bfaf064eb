// Package rules implements the orchestrator's symbolic rule engine: facts,
// rules, and the boolean expression language used to write their
// antecedents/consequents (spec §4.H). Forward-chain unification and
// don't-care matching semantics are ported in spirit from
// original_source/src/knowledge_graph/symbolic.rs's RuleEngine, which
// resolves the ambiguity the distilled spec leaves about exactly how
// "don't-care" unification behaves.
package rules

import (
	"encoding/json"
	"fmt"
)

// LiteralValue is the JSON-like value carried by a Fact argument or a
// Literal expression node.
type LiteralValue struct {
	String  *string        `json:"string,omitempty"`
	Number  *float64       `json:"number,omitempty"`
	Boolean *bool          `json:"boolean,omitempty"`
	Array   []LiteralValue `json:"array,omitempty"`
	Object  map[string]LiteralValue `json:"object,omitempty"`
}

// StringValue constructs a String LiteralValue.
func StringValue(s string) LiteralValue { return LiteralValue{String: &s} }

// NumberValue constructs a Number LiteralValue.
func NumberValue(n float64) LiteralValue { return LiteralValue{Number: &n} }

// BoolValue constructs a Boolean LiteralValue.
func BoolValue(b bool) LiteralValue { return LiteralValue{Boolean: &b} }

// Equal reports literal equality, restricted to the String/Number/Boolean
// kinds; Array/Object/mismatched-kind pairs are "don't care" and always
// compare equal, matching facts_match's behavior of only ever comparing
// scalar literals.
func (v LiteralValue) Equal(other LiteralValue) bool {
	switch {
	case v.String != nil && other.String != nil:
		return *v.String == *other.String
	case v.Number != nil && other.Number != nil:
		return *v.Number == *other.Number
	case v.Boolean != nil && other.Boolean != nil:
		return *v.Boolean == *other.Boolean
	default:
		return true
	}
}

// StrictEqual is full structural equality across all LiteralValue variants,
// matching Rust's derived PartialEq on the enum (distinct variants are
// always unequal). Used for variable-binding consistency checks, where a
// rebound variable must match its first binding exactly regardless of kind —
// unlike the "don't care" semantics of Equal, used for facts_match.
func (v LiteralValue) StrictEqual(other LiteralValue) bool {
	switch {
	case v.String != nil:
		return other.String != nil && *v.String == *other.String
	case v.Number != nil:
		return other.Number != nil && *v.Number == *other.Number
	case v.Boolean != nil:
		return other.Boolean != nil && *v.Boolean == *other.Boolean
	case v.Array != nil:
		if other.Array == nil || len(v.Array) != len(other.Array) {
			return false
		}
		for i := range v.Array {
			if !v.Array[i].StrictEqual(other.Array[i]) {
				return false
			}
		}
		return true
	case v.Object != nil:
		if other.Object == nil || len(v.Object) != len(other.Object) {
			return false
		}
		for k, vv := range v.Object {
			ov, ok := other.Object[k]
			if !ok || !vv.StrictEqual(ov) {
				return false
			}
		}
		return true
	default:
		return other.String == nil && other.Number == nil && other.Boolean == nil && other.Array == nil && other.Object == nil
	}
}

// AsString renders a scalar LiteralValue for logging and debug surfaces;
// Array/Object values render empty.
func (v LiteralValue) AsString() string {
	switch {
	case v.String != nil:
		return *v.String
	case v.Number != nil:
		return fmt.Sprintf("%g", *v.Number)
	case v.Boolean != nil:
		return fmt.Sprintf("%t", *v.Boolean)
	default:
		return ""
	}
}

// Fact is a single predicate application with positional arguments, e.g.
// tool_available(read_file, fs). Arguments are themselves Expr nodes —
// almost always Variable or Literal — so that a Fact can serve as either a
// concrete assertion (all-Literal arguments) or a pattern to unify against
// one (Variable arguments bind to whatever Literal occupies that position in
// a concrete fact of the same predicate).
type Fact struct {
	Predicate  string  `json:"predicate"`
	Arguments  []Expr  `json:"arguments"`
	Confidence float64 `json:"confidence"`
}

// Quantifier distinguishes ForAll/Exists in a Quantified expression.
type Quantifier string

const (
	ForAll Quantifier = "for_all"
	Exists Quantifier = "exists"
)

// ComparisonOp enumerates the relational operators usable in a Comparison
// expression.
type ComparisonOp string

const (
	Equals      ComparisonOp = "equals"
	NotEquals   ComparisonOp = "not_equals"
	GreaterThan ComparisonOp = "greater_than"
	LessThan    ComparisonOp = "less_than"
	GreaterEqual ComparisonOp = "greater_equal"
	LessEqual   ComparisonOp = "less_equal"
	Contains    ComparisonOp = "contains"
	StartsWith  ComparisonOp = "starts_with"
	EndsWith    ComparisonOp = "ends_with"
)

// ExprKind discriminates the Expr union.
type ExprKind string

const (
	KindFact       ExprKind = "fact"
	KindAnd        ExprKind = "and"
	KindOr         ExprKind = "or"
	KindNot        ExprKind = "not"
	KindImplies    ExprKind = "implies"
	KindQuantified ExprKind = "quantified"
	KindComparison ExprKind = "comparison"
	KindVariable   ExprKind = "variable"
	KindLiteral    ExprKind = "literal"
)

// Expr is the boolean/pattern expression language used in rule antecedents
// and consequents. Exactly one field matching Kind is populated; this
// mirrors the Rust source's enum via a discriminated-union struct, the
// idiomatic Go encoding for a closed sum type that must also round-trip
// through JSON for catalog persistence.
type Expr struct {
	Kind ExprKind `json:"kind"`

	Fact *Fact `json:"fact,omitempty"`

	And []Expr `json:"and,omitempty"`
	Or  []Expr `json:"or,omitempty"`
	Not *Expr  `json:"not,omitempty"`

	ImpliesIf   *Expr `json:"implies_if,omitempty"`
	ImpliesThen *Expr `json:"implies_then,omitempty"`

	Quantifier Quantifier `json:"quantifier,omitempty"`
	QuantifiedVar  string `json:"quantified_var,omitempty"`
	QuantifiedBody *Expr  `json:"quantified_body,omitempty"`

	ComparisonOp  ComparisonOp `json:"comparison_op,omitempty"`
	ComparisonLHS *Expr        `json:"comparison_lhs,omitempty"`
	ComparisonRHS *Expr        `json:"comparison_rhs,omitempty"`

	Variable string       `json:"variable,omitempty"`
	Literal  LiteralValue `json:"literal,omitempty"`
}

// FactExpr builds a Fact-kind Expr.
func FactExpr(f Fact) Expr { return Expr{Kind: KindFact, Fact: &f} }

// AndExpr builds an And-kind Expr.
func AndExpr(exprs ...Expr) Expr { return Expr{Kind: KindAnd, And: exprs} }

// OrExpr builds an Or-kind Expr.
func OrExpr(exprs ...Expr) Expr { return Expr{Kind: KindOr, Or: exprs} }

// NotExpr builds a Not-kind Expr.
func NotExpr(e Expr) Expr { return Expr{Kind: KindNot, Not: &e} }

// VariableExpr builds a Variable-kind Expr.
func VariableExpr(name string) Expr { return Expr{Kind: KindVariable, Variable: name} }

// LiteralExpr builds a Literal-kind Expr.
func LiteralExpr(v LiteralValue) Expr { return Expr{Kind: KindLiteral, Literal: v} }

// MarshalExprs is the JSON encoding used to persist antecedents/consequents
// via catalog.RuleRecord.
func MarshalExprs(exprs []Expr) ([]byte, error) { return json.Marshal(exprs) }

// UnmarshalExprs decodes the JSON produced by MarshalExprs.
func UnmarshalExprs(data []byte) ([]Expr, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var out []Expr
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("rules: unmarshal exprs: %w", err)
	}
	return out, nil
}

// Rule is a single production: if Antecedents hold, Consequents may be
// derived. Priority breaks ties in load order (higher first); Confidence is
// stored with the rule, but ForwardChain neither gates firing on it nor
// copies it onto derived facts (they keep their consequent's Confidence).
type Rule struct {
	ID          string
	Name        string
	Description string
	Antecedents []Expr
	Consequents []Expr
	Confidence  float64
	Priority    int
}

// singleFactAntecedent reports whether a rule has exactly one top-level Fact
// antecedent, the case forward_chain gives unification treatment to.
func (r Rule) singleFactAntecedent() (Fact, bool) {
	if len(r.Antecedents) != 1 || r.Antecedents[0].Kind != KindFact {
		return Fact{}, false
	}
	return *r.Antecedents[0].Fact, true
}

// NewFact builds a Fact from already-constructed Expr arguments (typically
// VariableExpr or LiteralExpr).
func NewFact(predicate string, args ...Expr) Fact {
	return Fact{Predicate: predicate, Arguments: args}
}

// NewConcreteFact builds a Fact whose arguments are all Literal, the shape
// every fact actually asserted into WorkingMemory must have.
func NewConcreteFact(predicate string, args ...LiteralValue) Fact {
	exprs := make([]Expr, len(args))
	for i, a := range args {
		exprs[i] = LiteralExpr(a)
	}
	return Fact{Predicate: predicate, Arguments: exprs}
}
