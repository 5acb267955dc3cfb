package formula

import (
	"context"
	"math"
	"reflect"
	"time"
)

// Identifiers that must never resolve, even if a record happens to carry a
// field by the same name. Referencing one is a security violation.
var deniedGlobals = map[string]bool{
	"eval": true, "Function": true, "require": true, "import": true,
	"process": true, "global": true, "globalThis": true, "window": true,
	"document": true, "fetch": true, "XMLHttpRequest": true,
	"constructor": true, "prototype": true, "__proto__": true,
	"this": true, "module": true, "exports": true, "Reflect": true,
	"Proxy": true, "setTimeout": true, "setInterval": true,
}

// namespaceVal marks a builtin namespace (currently only Math). It is only
// meaningful as a member/call receiver.
type namespaceVal string

type evalState struct {
	ctx      context.Context
	fctx     *Context
	cfg      FieldConfig
	deadline time.Time
}

func (s *evalState) eval(n node) (any, *Error) {
	if time.Now().After(s.deadline) {
		return nil, errf(ErrTimeout, n.pos(), "evaluation exceeded time budget")
	}
	if s.ctx != nil {
		select {
		case <-s.ctx.Done():
			return nil, errf(ErrTimeout, n.pos(), "evaluation canceled")
		default:
		}
	}

	switch t := n.(type) {
	case *literalNode:
		return t.val, nil
	case *identNode:
		return s.ident(t)
	case *sysVarNode:
		return s.sysVar(t)
	case *memberNode:
		return s.member(t)
	case *indexNode:
		return s.index(t)
	case *callNode:
		return s.call(t)
	case *unaryNode:
		return s.unary(t)
	case *binaryNode:
		return s.binary(t)
	case *ternaryNode:
		cond, err := s.eval(t.cond)
		if err != nil {
			return nil, err
		}
		if truthy(cond) {
			return s.eval(t.then)
		}
		return s.eval(t.els)
	case *arrayNode:
		items := make([]any, len(t.items))
		for i, item := range t.items {
			v, err := s.eval(item)
			if err != nil {
				return nil, err
			}
			items[i] = v
		}
		return items, nil
	case *templateNode:
		return s.template(t)
	}
	return nil, errf(ErrRuntime, n.pos(), "unknown node type %T", n)
}

func (s *evalState) ident(n *identNode) (any, *Error) {
	if deniedGlobals[n.name] {
		return nil, errf(ErrSecurity, n.at, "access to %q is not allowed", n.name)
	}
	if n.name == "Math" {
		return namespaceVal("Math"), nil
	}
	if s.fctx == nil || s.fctx.Record == nil {
		return nil, errf(ErrFieldNotFound, n.at, "field %q not found", n.name)
	}
	v, ok := s.fctx.Record[n.name]
	if !ok {
		return nil, errf(ErrFieldNotFound, n.at, "field %q not found", n.name)
	}
	return v, nil
}

func (s *evalState) sysVar(n *sysVarNode) (any, *Error) {
	sys := s.fctx.System
	switch n.name {
	case "today":
		return sys.Today, nil
	case "now":
		return sys.Now, nil
	case "year":
		return float64(sys.Now.Year()), nil
	case "month":
		return float64(int(sys.Now.Month())), nil
	case "day":
		return float64(sys.Now.Day()), nil
	case "hour":
		return float64(sys.Now.Hour()), nil
	case "is_new":
		return s.fctx.IsNew, nil
	case "current_user":
		if s.fctx.User == nil {
			return nil, nil
		}
		return map[string]any{
			"id":    s.fctx.User.ID,
			"name":  s.fctx.User.Name,
			"email": s.fctx.User.Email,
			"role":  s.fctx.User.Role,
		}, nil
	}
	return nil, errf(ErrFieldNotFound, n.at, "unknown system variable $%s", n.name)
}

func (s *evalState) member(n *memberNode) (any, *Error) {
	if deniedGlobals[n.name] {
		return nil, errf(ErrSecurity, n.at, "access to property %q is not allowed", n.name)
	}
	target, err := s.eval(n.target)
	if err != nil {
		return nil, err
	}
	if target == nil {
		if n.optional {
			return nil, nil
		}
		return nil, errf(ErrNullReference, n.at, "cannot read %q of null", n.name)
	}
	switch v := target.(type) {
	case map[string]any:
		return v[n.name], nil
	case string:
		if n.name == "length" {
			return float64(len(v)), nil
		}
	case []any:
		if n.name == "length" {
			return float64(len(v)), nil
		}
	case namespaceVal:
		if c, ok := mathConstants[n.name]; ok {
			return c, nil
		}
		return nil, errf(ErrSecurity, n.at, "Math.%s is not whitelisted", n.name)
	}
	return nil, errf(ErrType, n.at, "value of type %s has no property %q", typeName(target), n.name)
}

func (s *evalState) index(n *indexNode) (any, *Error) {
	target, err := s.eval(n.target)
	if err != nil {
		return nil, err
	}
	idx, err := s.eval(n.index)
	if err != nil {
		return nil, err
	}
	if target == nil {
		return nil, errf(ErrNullReference, n.at, "cannot index null")
	}
	switch v := target.(type) {
	case []any:
		i, ok := asNumber(idx)
		if !ok {
			return nil, errf(ErrType, n.at, "array index must be a number")
		}
		j := int(i)
		if j < 0 || j >= len(v) {
			return nil, nil
		}
		return v[j], nil
	case map[string]any:
		key, ok := idx.(string)
		if !ok {
			return nil, errf(ErrType, n.at, "object key must be a string")
		}
		return v[key], nil
	case string:
		i, ok := asNumber(idx)
		if !ok {
			return nil, errf(ErrType, n.at, "string index must be a number")
		}
		j := int(i)
		if j < 0 || j >= len(v) {
			return nil, nil
		}
		return string(v[j]), nil
	}
	return nil, errf(ErrType, n.at, "value of type %s is not indexable", typeName(target))
}

func (s *evalState) unary(n *unaryNode) (any, *Error) {
	v, err := s.eval(n.operand)
	if err != nil {
		return nil, err
	}
	switch n.op {
	case "!":
		return !truthy(v), nil
	case "-":
		f, err := s.numericOperand(v, n.at)
		if err != nil {
			return nil, err
		}
		return -f, nil
	case "+":
		f, err := s.numericOperand(v, n.at)
		if err != nil {
			return nil, err
		}
		return f, nil
	}
	return nil, errf(ErrRuntime, n.at, "unknown unary operator %q", n.op)
}

func (s *evalState) binary(n *binaryNode) (any, *Error) {
	// Short-circuit forms evaluate the right side lazily.
	switch n.op {
	case "&&":
		left, err := s.eval(n.left)
		if err != nil {
			return nil, err
		}
		if !truthy(left) {
			return left, nil
		}
		return s.eval(n.right)
	case "||":
		left, err := s.eval(n.left)
		if err != nil {
			return nil, err
		}
		if truthy(left) {
			return left, nil
		}
		return s.eval(n.right)
	case "??":
		left, err := s.eval(n.left)
		if err != nil {
			return nil, err
		}
		if left != nil {
			return left, nil
		}
		return s.eval(n.right)
	}

	left, err := s.eval(n.left)
	if err != nil {
		return nil, err
	}
	right, err := s.eval(n.right)
	if err != nil {
		return nil, err
	}

	switch n.op {
	case "==":
		return looseEq(left, right), nil
	case "!=":
		return !looseEq(left, right), nil
	case "===":
		return strictEq(left, right), nil
	case "!==":
		return !strictEq(left, right), nil
	case "<", "<=", ">", ">=":
		return s.relational(n.op, left, right, n.at)
	case "+":
		return s.add(left, right, n.at)
	case "-", "*", "/", "%":
		return s.arith(n.op, left, right, n.at)
	}
	return nil, errf(ErrRuntime, n.at, "unknown operator %q", n.op)
}

func (s *evalState) add(left, right any, at int) (any, *Error) {
	// Date arithmetic: date + n shifts by n days.
	if t, ok := left.(time.Time); ok {
		if f, ok := asNumber(right); ok {
			return addDays(t, f), nil
		}
	}
	if ls, ok := left.(string); ok {
		rs, err := s.concatOperand(right, at)
		if err != nil {
			return nil, err
		}
		return ls + rs, nil
	}
	if rs, ok := right.(string); ok {
		ls, err := s.concatOperand(left, at)
		if err != nil {
			return nil, err
		}
		return ls + rs, nil
	}
	lf, err := s.numericOperand(left, at)
	if err != nil {
		return nil, err
	}
	rf, err := s.numericOperand(right, at)
	if err != nil {
		return nil, err
	}
	return lf + rf, nil
}

func (s *evalState) arith(op string, left, right any, at int) (any, *Error) {
	// Date arithmetic: date - date yields days; date - n shifts by n days.
	if lt, ok := left.(time.Time); ok {
		if rt, ok := right.(time.Time); ok && op == "-" {
			return lt.Sub(rt).Hours() / 24, nil
		}
		if f, ok := asNumber(right); ok && op == "-" {
			return addDays(lt, -f), nil
		}
	}

	lf, err := s.numericOperand(left, at)
	if err != nil {
		return nil, err
	}
	rf, err := s.numericOperand(right, at)
	if err != nil {
		return nil, err
	}
	switch op {
	case "-":
		return lf - rf, nil
	case "*":
		return lf * rf, nil
	case "/":
		if rf == 0 {
			return nil, errf(ErrDivisionByZero, at, "division by zero")
		}
		return lf / rf, nil
	case "%":
		if rf == 0 {
			return nil, errf(ErrDivisionByZero, at, "modulo by zero")
		}
		return math.Mod(lf, rf), nil
	}
	return nil, errf(ErrRuntime, at, "unknown arithmetic operator %q", op)
}

func (s *evalState) relational(op string, left, right any, at int) (any, *Error) {
	var cmp int
	if lt, lok := left.(time.Time); lok {
		rt, rok := right.(time.Time)
		if !rok {
			return nil, errf(ErrType, at, "cannot compare date with %s", typeName(right))
		}
		switch {
		case lt.Before(rt):
			cmp = -1
		case lt.After(rt):
			cmp = 1
		}
	} else if ls, lok := left.(string); lok {
		rs, rok := right.(string)
		if !rok {
			return nil, errf(ErrType, at, "cannot compare string with %s", typeName(right))
		}
		switch {
		case ls < rs:
			cmp = -1
		case ls > rs:
			cmp = 1
		}
	} else {
		lf, err := s.numericOperand(left, at)
		if err != nil {
			return nil, err
		}
		rf, err := s.numericOperand(right, at)
		if err != nil {
			return nil, err
		}
		switch {
		case lf < rf:
			cmp = -1
		case lf > rf:
			cmp = 1
		}
	}
	switch op {
	case "<":
		return cmp < 0, nil
	case "<=":
		return cmp <= 0, nil
	case ">":
		return cmp > 0, nil
	case ">=":
		return cmp >= 0, nil
	}
	return nil, errf(ErrRuntime, at, "unknown comparison %q", op)
}

// numericOperand applies the blank policy and converts to float64. A null
// in arithmetic is a hard NULL_REFERENCE unless blank_as_zero or
// treat_blank_as opts out; optional chaining plus ?? is the expression-level
// escape hatch.
func (s *evalState) numericOperand(v any, at int) (float64, *Error) {
	if v == nil {
		if s.cfg.BlankAsZero {
			return 0, nil
		}
		if s.cfg.TreatBlankAs != nil {
			if f, ok := asNumber(s.cfg.TreatBlankAs); ok {
				return f, nil
			}
		}
		return 0, errf(ErrNullReference, at, "null value in arithmetic")
	}
	if f, ok := asNumber(v); ok {
		return f, nil
	}
	if b, ok := v.(bool); ok {
		if b {
			return 1, nil
		}
		return 0, nil
	}
	return 0, errf(ErrType, at, "%s is not a number", typeName(v))
}

func (s *evalState) concatOperand(v any, at int) (string, *Error) {
	if v == nil {
		if s.cfg.BlankAsZero {
			return "0", nil
		}
		if ta, ok := s.cfg.TreatBlankAs.(string); ok {
			return ta, nil
		}
		return "", errf(ErrNullReference, at, "null value in string concatenation")
	}
	return display(v), nil
}

func (s *evalState) template(n *templateNode) (any, *Error) {
	out := ""
	for _, part := range n.parts {
		v, err := s.eval(part)
		if err != nil {
			return nil, err
		}
		if v == nil {
			continue
		}
		out += display(v)
	}
	return out, nil
}

func addDays(t time.Time, days float64) time.Time {
	whole := int(days)
	frac := days - float64(whole)
	return t.AddDate(0, 0, whole).Add(time.Duration(frac * 24 * float64(time.Hour)))
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case float64:
		return t != 0
	case string:
		return t != ""
	case []any:
		return true
	case map[string]any:
		return true
	case time.Time:
		return true
	}
	if f, ok := asNumber(v); ok {
		return f != 0
	}
	return true
}

func looseEq(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	fa, aok := asNumber(a)
	fb, bok := asNumber(b)
	if aok && bok {
		return fa == fb
	}
	if at, ok := a.(time.Time); ok {
		if bt, ok := b.(time.Time); ok {
			return at.Equal(bt)
		}
	}
	if sa, ok := a.(string); ok {
		if sb, ok := b.(string); ok {
			return sa == sb
		}
	}
	return reflect.DeepEqual(a, b)
}

func strictEq(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	fa, aok := asNumber(a)
	fb, bok := asNumber(b)
	if aok || bok {
		return aok && bok && fa == fb
	}
	if typeName(a) != typeName(b) {
		return false
	}
	return looseEq(a, b)
}

func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint:
		return float64(n), true
	}
	return 0, false
}

func typeName(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case string:
		return "string"
	case float64, float32, int, int64, int32, uint:
		return "number"
	case time.Time:
		return "date"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	case namespaceVal:
		return "namespace"
	}
	return reflect.TypeOf(v).String()
}
