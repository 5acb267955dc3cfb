package formula

import "sort"

// ExtractFields returns the record field names an expression reads: the
// root identifiers of bare references and dot paths, excluding system
// variables and builtin namespaces. Used at object registration to enforce
// that formula fields never reference other formula fields.
func ExtractFields(expression string) ([]string, error) {
	root, err := parse(expression)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	collectFields(root, seen)
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

func collectFields(n node, seen map[string]bool) {
	switch t := n.(type) {
	case *identNode:
		if t.name != "Math" && !deniedGlobals[t.name] {
			seen[t.name] = true
		}
	case *memberNode:
		collectFields(t.target, seen)
	case *indexNode:
		collectFields(t.target, seen)
		collectFields(t.index, seen)
	case *callNode:
		if id, ok := t.target.(*identNode); !ok || id.name != "Math" {
			collectFields(t.target, seen)
		}
		for _, arg := range t.args {
			collectFields(arg, seen)
		}
	case *unaryNode:
		collectFields(t.operand, seen)
	case *binaryNode:
		collectFields(t.left, seen)
		collectFields(t.right, seen)
	case *ternaryNode:
		collectFields(t.cond, seen)
		collectFields(t.then, seen)
		collectFields(t.els, seen)
	case *arrayNode:
		for _, item := range t.items {
			collectFields(item, seen)
		}
	case *templateNode:
		for _, part := range t.parts {
			collectFields(part, seen)
		}
	}
}
