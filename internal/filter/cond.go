package filter

// Cond is the compiled, driver-facing condition tree. Branch nodes carry
// Logic + Children; leaf nodes carry Field/Operator/Value. Constant leaves
// (Match "none"/"all") come from degenerate criteria such as `in` with an
// empty list. The whole tree is JSON-serializable so it can cross any
// driver boundary as plain data.
type Cond struct {
	Logic    string   `json:"logic,omitempty"`
	Children []*Cond  `json:"children,omitempty"`
	Field    string   `json:"field,omitempty"`
	Operator Operator `json:"operator,omitempty"`
	Value    any      `json:"value,omitempty"`
	Match    string   `json:"match,omitempty"`
}

const (
	MatchNone = "none"
	MatchAll  = "all"
)

// IsLeaf reports whether the node is a comparison or constant leaf.
func (c *Cond) IsLeaf() bool { return len(c.Children) == 0 }

// ToCond lowers a normalized expression into a condition tree. Joiners fold
// left-to-right exactly as written; sibling nodes with the same logic are
// flattened into one branch. Returns nil for an empty expression.
func ToCond(expr Expression) (*Cond, error) {
	norm, err := Normalize(expr)
	if err != nil {
		return nil, err
	}
	if len(norm) == 0 {
		return nil, nil
	}
	return foldCond(norm)
}

func foldCond(expr Expression) (*Cond, error) {
	acc, err := nodeCond(expr[0])
	if err != nil {
		return nil, err
	}
	for i := 1; i+1 < len(expr); i += 2 {
		logic := string(expr[i].Joiner)
		next, err := nodeCond(expr[i+1])
		if err != nil {
			return nil, err
		}
		if acc.Logic == logic {
			acc.Children = append(acc.Children, next)
		} else {
			acc = &Cond{Logic: logic, Children: []*Cond{acc, next}}
		}
	}
	return acc, nil
}

func nodeCond(n Node) (*Cond, error) {
	switch n.Kind {
	case KindCriterion:
		return criterionCond(n.Criterion), nil
	case KindGroup:
		return foldCond(n.Group)
	}
	return nil, &InvalidFilterError{Reason: "joiner in operand position"}
}

func criterionCond(c *Criterion) *Cond {
	if c.Operator == OpIn || c.Operator == OpNotIn {
		if list, ok := c.Value.([]any); ok && len(list) == 0 {
			// IN () can match nothing; NOT IN () excludes nothing.
			if c.Operator == OpIn {
				return &Cond{Match: MatchNone}
			}
			return &Cond{Match: MatchAll}
		}
	}
	return &Cond{Field: c.Field, Operator: c.Operator, Value: c.Value}
}

// AndCond joins two condition trees with an implicit "and". Either side may
// be nil (no constraint).
func AndCond(a, b *Cond) *Cond {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	if a.Logic == "and" {
		out := &Cond{Logic: "and", Children: append(append([]*Cond{}, a.Children...), b)}
		return out
	}
	return &Cond{Logic: "and", Children: []*Cond{a, b}}
}
