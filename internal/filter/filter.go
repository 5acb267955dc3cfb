package filter

import (
	"encoding/json"
	"fmt"
)

// Operator is the closed set of comparison operators usable in a criterion.
type Operator string

const (
	OpEq         Operator = "="
	OpNe         Operator = "!="
	OpGt         Operator = ">"
	OpGte        Operator = ">="
	OpLt         Operator = "<"
	OpLte        Operator = "<="
	OpIn         Operator = "in"
	OpNotIn      Operator = "not in"
	OpLike       Operator = "like"
	OpNotLike    Operator = "not like"
	OpStartsWith Operator = "startswith"
	OpEndsWith   Operator = "endswith"
	OpContains   Operator = "contains"
	OpBetween    Operator = "between"
)

var operators = map[Operator]bool{
	OpEq: true, OpNe: true, OpGt: true, OpGte: true, OpLt: true, OpLte: true,
	OpIn: true, OpNotIn: true, OpLike: true, OpNotLike: true,
	OpStartsWith: true, OpEndsWith: true, OpContains: true, OpBetween: true,
}

// IsValidOperator reports whether op is a member of the operator set.
func IsValidOperator(op Operator) bool {
	return operators[op]
}

// Joiner is the logical connective between adjacent operands in a group.
type Joiner string

const (
	JoinAnd Joiner = "and"
	JoinOr  Joiner = "or"
)

// Kind discriminates the three node shapes of the filter grammar.
type Kind int

const (
	KindCriterion Kind = iota + 1
	KindJoiner
	KindGroup
)

// Criterion is a single [field, operator, value] comparison.
type Criterion struct {
	Field    string
	Operator Operator
	Value    any
}

// Node is one element of an Expression: a criterion, a joiner token, or a
// nested group. Exactly one of the payload fields is set, per Kind.
type Node struct {
	Kind      Kind
	Criterion *Criterion
	Joiner    Joiner
	Group     Expression
}

// Expression is the recursive filter grammar: criteria and nested groups
// alternating with "and"/"or" joiner tokens. An empty expression means
// no constraint. Nesting is explicit parenthesization; there is no
// operator precedence beyond what the nesting expresses.
type Expression []Node

// Where builds a criterion node.
func Where(field string, op Operator, value any) Node {
	return Node{Kind: KindCriterion, Criterion: &Criterion{Field: field, Operator: op, Value: value}}
}

// And is the "and" joiner token.
func And() Node { return Node{Kind: KindJoiner, Joiner: JoinAnd} }

// Or is the "or" joiner token.
func Or() Node { return Node{Kind: KindJoiner, Joiner: JoinOr} }

// Group wraps nodes into a nested (parenthesized) sub-expression.
func Group(nodes ...Node) Node {
	return Node{Kind: KindGroup, Group: Expression(nodes)}
}

// MarshalJSON emits the wire form: criteria as 3-element arrays, joiners as
// the literal strings "and"/"or", groups as nested arrays.
func (n Node) MarshalJSON() ([]byte, error) {
	switch n.Kind {
	case KindCriterion:
		return json.Marshal([]any{n.Criterion.Field, string(n.Criterion.Operator), n.Criterion.Value})
	case KindJoiner:
		return json.Marshal(string(n.Joiner))
	case KindGroup:
		return json.Marshal(n.Group)
	}
	return nil, fmt.Errorf("filter: cannot marshal node of kind %d", n.Kind)
}

// UnmarshalJSON discriminates on JSON shape: a string is a joiner, an array
// whose second element is a known operator is a criterion, any other array
// is a nested group.
func (n *Node) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		j := Joiner(s)
		if j != JoinAnd && j != JoinOr {
			return &InvalidFilterError{Reason: fmt.Sprintf("unknown joiner %q", s)}
		}
		*n = Node{Kind: KindJoiner, Joiner: j}
		return nil
	}

	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return &InvalidFilterError{Reason: "filter node must be a string or an array"}
	}

	if c, ok := tryCriterion(raw); ok {
		*n = Node{Kind: KindCriterion, Criterion: c}
		return nil
	}

	var group Expression
	if err := json.Unmarshal(data, &group); err != nil {
		return err
	}
	*n = Node{Kind: KindGroup, Group: group}
	return nil
}

// tryCriterion attempts to read raw as [field, operator, value].
func tryCriterion(raw []json.RawMessage) (*Criterion, bool) {
	if len(raw) != 3 {
		return nil, false
	}
	var field, op string
	if err := json.Unmarshal(raw[0], &field); err != nil {
		return nil, false
	}
	if err := json.Unmarshal(raw[1], &op); err != nil {
		return nil, false
	}
	if !IsValidOperator(Operator(op)) {
		return nil, false
	}
	var value any
	if err := json.Unmarshal(raw[2], &value); err != nil {
		return nil, false
	}
	return &Criterion{Field: field, Operator: Operator(op), Value: value}, true
}
