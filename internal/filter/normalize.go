package filter

import (
	"fmt"
	"reflect"
)

// InvalidFilterError reports a malformed criterion or a malformed logical
// structure (consecutive joiners, leading/trailing joiner, empty group).
type InvalidFilterError struct {
	Field    string
	Operator Operator
	Reason   string
}

func (e *InvalidFilterError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("invalid filter on %q (%s): %s", e.Field, e.Operator, e.Reason)
	}
	return "invalid filter: " + e.Reason
}

// Normalize validates an expression and returns its canonical form. It is a
// pure function and idempotent: Normalize(Normalize(x)) == Normalize(x).
//
// Validation per criterion: the operator must belong to the operator set and
// the value shape must match its arity ("in"/"not in" need a list, "between"
// needs exactly [low, high], string operators need a non-collection value).
// An empty list for "in" is legal and compiles to a match-nothing condition,
// mirroring SQL IN () semantics. Field types are unknown here; strict value
// typing is the driver's job.
//
// Validation per group: operands and joiners must alternate, the group must
// not start or end with a joiner, and nested groups must be non-empty. The
// top-level expression may be empty, meaning "no constraint".
func Normalize(expr Expression) (Expression, error) {
	return normalize(expr, true)
}

func normalize(expr Expression, topLevel bool) (Expression, error) {
	if len(expr) == 0 {
		if topLevel {
			return Expression{}, nil
		}
		return nil, &InvalidFilterError{Reason: "empty group"}
	}

	out := make(Expression, 0, len(expr))
	for i, n := range expr {
		expectOperand := i%2 == 0
		switch n.Kind {
		case KindJoiner:
			if expectOperand {
				return nil, &InvalidFilterError{Reason: fmt.Sprintf("unexpected joiner %q at position %d", n.Joiner, i)}
			}
			out = append(out, n)

		case KindCriterion:
			if !expectOperand {
				return nil, &InvalidFilterError{Reason: fmt.Sprintf("missing joiner before criterion at position %d", i)}
			}
			c, err := normalizeCriterion(n.Criterion)
			if err != nil {
				return nil, err
			}
			out = append(out, Node{Kind: KindCriterion, Criterion: c})

		case KindGroup:
			if !expectOperand {
				return nil, &InvalidFilterError{Reason: fmt.Sprintf("missing joiner before group at position %d", i)}
			}
			g, err := normalize(n.Group, false)
			if err != nil {
				return nil, err
			}
			// A single-operand group carries no grouping information.
			if len(g) == 1 {
				out = append(out, g[0])
			} else {
				out = append(out, Node{Kind: KindGroup, Group: g})
			}

		default:
			return nil, &InvalidFilterError{Reason: fmt.Sprintf("malformed node at position %d", i)}
		}
	}

	if out[len(out)-1].Kind == KindJoiner {
		return nil, &InvalidFilterError{Reason: "expression ends with a joiner"}
	}
	return out, nil
}

func normalizeCriterion(c *Criterion) (*Criterion, error) {
	if c == nil {
		return nil, &InvalidFilterError{Reason: "nil criterion"}
	}
	if c.Field == "" {
		return nil, &InvalidFilterError{Operator: c.Operator, Reason: "empty field name"}
	}
	if !IsValidOperator(c.Operator) {
		return nil, &InvalidFilterError{Field: c.Field, Operator: c.Operator, Reason: "unknown operator"}
	}

	switch c.Operator {
	case OpIn, OpNotIn:
		list, ok := toList(c.Value)
		if !ok {
			return nil, &InvalidFilterError{Field: c.Field, Operator: c.Operator, Reason: "value must be a list"}
		}
		return &Criterion{Field: c.Field, Operator: c.Operator, Value: list}, nil

	case OpBetween:
		list, ok := toList(c.Value)
		if !ok || len(list) != 2 {
			return nil, &InvalidFilterError{Field: c.Field, Operator: c.Operator, Reason: "value must be a 2-element [low, high] list"}
		}
		return &Criterion{Field: c.Field, Operator: c.Operator, Value: list}, nil

	case OpLike, OpNotLike:
		if _, ok := c.Value.(string); !ok {
			return nil, &InvalidFilterError{Field: c.Field, Operator: c.Operator, Reason: "value must be a string pattern"}
		}

	case OpStartsWith, OpEndsWith, OpContains:
		if isCollection(c.Value) {
			return nil, &InvalidFilterError{Field: c.Field, Operator: c.Operator, Reason: "value must be a scalar"}
		}

	default:
		if isCollection(c.Value) {
			return nil, &InvalidFilterError{Field: c.Field, Operator: c.Operator, Reason: "value must be a scalar"}
		}
	}

	cp := *c
	return &cp, nil
}

// toList canonicalizes slice-shaped values into []any.
func toList(v any) ([]any, bool) {
	if l, ok := v.([]any); ok {
		return l, true
	}
	rv := reflect.ValueOf(v)
	if !rv.IsValid() || rv.Kind() != reflect.Slice {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := 0; i < rv.Len(); i++ {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

func isCollection(v any) bool {
	if v == nil {
		return false
	}
	switch reflect.ValueOf(v).Kind() {
	case reflect.Slice, reflect.Map, reflect.Array:
		return true
	}
	return false
}
