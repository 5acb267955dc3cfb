package formula

import (
	"math"
	"strconv"
	"strings"
	"time"
)

// The builtin surface is a closed whitelist: Math functions plus a fixed
// set of methods per value type. Calling anything else is a security
// violation, not a lookup failure.

var mathConstants = map[string]float64{
	"PI": math.Pi,
	"E":  math.E,
}

func (s *evalState) call(n *callNode) (any, *Error) {
	if id, ok := n.target.(*identNode); ok && id.name == "Math" {
		return s.mathCall(n)
	}

	target, err := s.eval(n.target)
	if err != nil {
		return nil, err
	}
	if target == nil {
		if n.optional {
			return nil, nil
		}
		return nil, errf(ErrNullReference, n.at, "cannot call %q on null", n.name)
	}

	args := make([]any, len(n.args))
	for i, arg := range n.args {
		v, err := s.eval(arg)
		if err != nil {
			return nil, err
		}
		args[i] = v
	}

	switch v := target.(type) {
	case string:
		return s.stringMethod(v, n, args)
	case float64:
		return s.numberMethod(v, n, args)
	case []any:
		return s.arrayMethod(v, n, args)
	case time.Time:
		return s.dateMethod(v, n, args)
	case namespaceVal:
		return nil, errf(ErrSecurity, n.at, "namespace %s has no callable %q", string(v), n.name)
	}
	return nil, errf(ErrSecurity, n.at, "method %q is not whitelisted for %s", n.name, typeName(target))
}

func (s *evalState) mathCall(n *callNode) (any, *Error) {
	args := make([]float64, len(n.args))
	for i, arg := range n.args {
		v, err := s.eval(arg)
		if err != nil {
			return nil, err
		}
		f, err2 := s.numericOperand(v, n.at)
		if err2 != nil {
			return nil, err2
		}
		args[i] = f
	}
	need := func(count int) *Error {
		if len(args) != count {
			return errf(ErrType, n.at, "Math.%s expects %d argument(s), got %d", n.name, count, len(args))
		}
		return nil
	}
	switch n.name {
	case "round":
		if err := need(1); err != nil {
			return nil, err
		}
		return math.Round(args[0]), nil
	case "floor":
		if err := need(1); err != nil {
			return nil, err
		}
		return math.Floor(args[0]), nil
	case "ceil":
		if err := need(1); err != nil {
			return nil, err
		}
		return math.Ceil(args[0]), nil
	case "trunc":
		if err := need(1); err != nil {
			return nil, err
		}
		return math.Trunc(args[0]), nil
	case "abs":
		if err := need(1); err != nil {
			return nil, err
		}
		return math.Abs(args[0]), nil
	case "sqrt":
		if err := need(1); err != nil {
			return nil, err
		}
		if args[0] < 0 {
			return nil, errf(ErrRuntime, n.at, "Math.sqrt of negative number")
		}
		return math.Sqrt(args[0]), nil
	case "pow":
		if err := need(2); err != nil {
			return nil, err
		}
		return math.Pow(args[0], args[1]), nil
	case "min":
		if len(args) == 0 {
			return nil, errf(ErrType, n.at, "Math.min expects at least 1 argument")
		}
		out := args[0]
		for _, f := range args[1:] {
			out = math.Min(out, f)
		}
		return out, nil
	case "max":
		if len(args) == 0 {
			return nil, errf(ErrType, n.at, "Math.max expects at least 1 argument")
		}
		out := args[0]
		for _, f := range args[1:] {
			out = math.Max(out, f)
		}
		return out, nil
	}
	return nil, errf(ErrSecurity, n.at, "Math.%s is not whitelisted", n.name)
}

func (s *evalState) stringMethod(v string, n *callNode, args []any) (any, *Error) {
	str := func(i int) (string, *Error) {
		if i >= len(args) {
			return "", errf(ErrType, n.at, "%s: missing argument %d", n.name, i+1)
		}
		sv, ok := args[i].(string)
		if !ok {
			return "", errf(ErrType, n.at, "%s: argument %d must be a string", n.name, i+1)
		}
		return sv, nil
	}
	num := func(i int) (int, *Error) {
		if i >= len(args) {
			return 0, errf(ErrType, n.at, "%s: missing argument %d", n.name, i+1)
		}
		f, ok := asNumber(args[i])
		if !ok {
			return 0, errf(ErrType, n.at, "%s: argument %d must be a number", n.name, i+1)
		}
		return int(f), nil
	}

	switch n.name {
	case "toUpperCase":
		return strings.ToUpper(v), nil
	case "toLowerCase":
		return strings.ToLower(v), nil
	case "trim":
		return strings.TrimSpace(v), nil
	case "toString":
		return v, nil
	case "includes":
		sub, err := str(0)
		if err != nil {
			return nil, err
		}
		return strings.Contains(v, sub), nil
	case "startsWith":
		sub, err := str(0)
		if err != nil {
			return nil, err
		}
		return strings.HasPrefix(v, sub), nil
	case "endsWith":
		sub, err := str(0)
		if err != nil {
			return nil, err
		}
		return strings.HasSuffix(v, sub), nil
	case "indexOf":
		sub, err := str(0)
		if err != nil {
			return nil, err
		}
		return float64(strings.Index(v, sub)), nil
	case "charAt":
		i, err := num(0)
		if err != nil {
			return nil, err
		}
		if i < 0 || i >= len(v) {
			return "", nil
		}
		return string(v[i]), nil
	case "substring", "slice":
		from, err := num(0)
		if err != nil {
			return nil, err
		}
		to := len(v)
		if len(args) > 1 {
			to, err = num(1)
			if err != nil {
				return nil, err
			}
		}
		return sliceString(v, from, to, n.name == "slice"), nil
	case "replace":
		old, err := str(0)
		if err != nil {
			return nil, err
		}
		repl, err := str(1)
		if err != nil {
			return nil, err
		}
		return strings.Replace(v, old, repl, 1), nil
	case "replaceAll":
		old, err := str(0)
		if err != nil {
			return nil, err
		}
		repl, err := str(1)
		if err != nil {
			return nil, err
		}
		return strings.ReplaceAll(v, old, repl), nil
	case "split":
		sep, err := str(0)
		if err != nil {
			return nil, err
		}
		parts := strings.Split(v, sep)
		out := make([]any, len(parts))
		for i, p := range parts {
			out[i] = p
		}
		return out, nil
	case "concat":
		out := v
		for _, a := range args {
			if a == nil {
				continue
			}
			out += display(a)
		}
		return out, nil
	case "repeat":
		count, err := num(0)
		if err != nil {
			return nil, err
		}
		if count < 0 {
			return nil, errf(ErrRuntime, n.at, "repeat count must be non-negative")
		}
		return strings.Repeat(v, count), nil
	case "padStart":
		width, err := num(0)
		if err != nil {
			return nil, err
		}
		pad := " "
		if len(args) > 1 {
			pad, err = str(1)
			if err != nil {
				return nil, err
			}
		}
		return padString(v, width, pad, true), nil
	case "padEnd":
		width, err := num(0)
		if err != nil {
			return nil, err
		}
		pad := " "
		if len(args) > 1 {
			pad, err = str(1)
			if err != nil {
				return nil, err
			}
		}
		return padString(v, width, pad, false), nil
	}
	return nil, errf(ErrSecurity, n.at, "string method %q is not whitelisted", n.name)
}

func (s *evalState) numberMethod(v float64, n *callNode, args []any) (any, *Error) {
	switch n.name {
	case "toFixed":
		digits := 0
		if len(args) > 0 {
			f, ok := asNumber(args[0])
			if !ok {
				return nil, errf(ErrType, n.at, "toFixed: argument must be a number")
			}
			digits = int(f)
		}
		return strconv.FormatFloat(v, 'f', digits, 64), nil
	case "toString":
		return display(v), nil
	}
	return nil, errf(ErrSecurity, n.at, "number method %q is not whitelisted", n.name)
}

func (s *evalState) arrayMethod(v []any, n *callNode, args []any) (any, *Error) {
	switch n.name {
	case "includes":
		if len(args) != 1 {
			return nil, errf(ErrType, n.at, "includes expects 1 argument")
		}
		for _, item := range v {
			if looseEq(item, args[0]) {
				return true, nil
			}
		}
		return false, nil
	case "indexOf":
		if len(args) != 1 {
			return nil, errf(ErrType, n.at, "indexOf expects 1 argument")
		}
		for i, item := range v {
			if looseEq(item, args[0]) {
				return float64(i), nil
			}
		}
		return float64(-1), nil
	case "join":
		sep := ","
		if len(args) > 0 {
			sv, ok := args[0].(string)
			if !ok {
				return nil, errf(ErrType, n.at, "join: separator must be a string")
			}
			sep = sv
		}
		parts := make([]string, len(v))
		for i, item := range v {
			if item != nil {
				parts[i] = display(item)
			}
		}
		return strings.Join(parts, sep), nil
	case "concat":
		out := append([]any{}, v...)
		for _, a := range args {
			if more, ok := a.([]any); ok {
				out = append(out, more...)
			} else {
				out = append(out, a)
			}
		}
		return out, nil
	case "slice":
		from := 0
		to := len(v)
		if len(args) > 0 {
			f, ok := asNumber(args[0])
			if !ok {
				return nil, errf(ErrType, n.at, "slice: argument must be a number")
			}
			from = clampIndex(int(f), len(v))
		}
		if len(args) > 1 {
			f, ok := asNumber(args[1])
			if !ok {
				return nil, errf(ErrType, n.at, "slice: argument must be a number")
			}
			to = clampIndex(int(f), len(v))
		}
		if from > to {
			return []any{}, nil
		}
		return append([]any{}, v[from:to]...), nil
	}
	return nil, errf(ErrSecurity, n.at, "array method %q is not whitelisted", n.name)
}

func (s *evalState) dateMethod(v time.Time, n *callNode, args []any) (any, *Error) {
	switch n.name {
	case "getFullYear":
		return float64(v.Year()), nil
	case "getMonth":
		// zero-based, matching the source expression language
		return float64(int(v.Month()) - 1), nil
	case "getDate":
		return float64(v.Day()), nil
	case "getDay":
		return float64(int(v.Weekday())), nil
	case "getHours":
		return float64(v.Hour()), nil
	case "getMinutes":
		return float64(v.Minute()), nil
	case "getSeconds":
		return float64(v.Second()), nil
	case "toISOString":
		return v.UTC().Format("2006-01-02T15:04:05.000Z"), nil
	}
	return nil, errf(ErrSecurity, n.at, "date method %q is not whitelisted", n.name)
}

func sliceString(v string, from, to int, negOK bool) string {
	if negOK {
		if from < 0 {
			from += len(v)
		}
		if to < 0 {
			to += len(v)
		}
	}
	from = clampIndex(from, len(v))
	to = clampIndex(to, len(v))
	if from > to {
		if negOK {
			return ""
		}
		from, to = to, from
	}
	return v[from:to]
}

func padString(v string, width int, pad string, start bool) string {
	if pad == "" || len(v) >= width {
		return v
	}
	fill := strings.Builder{}
	for fill.Len() < width-len(v) {
		fill.WriteString(pad)
	}
	padding := fill.String()[:width-len(v)]
	if start {
		return padding + v
	}
	return v + padding
}

func clampIndex(i, length int) int {
	if i < 0 {
		return 0
	}
	if i > length {
		return length
	}
	return i
}

// display renders a value the way it appears in string contexts.
func display(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		if t {
			return "true"
		}
		return "false"
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case time.Time:
		return t.Format(time.RFC3339)
	case []any:
		parts := make([]string, len(t))
		for i, item := range t {
			parts[i] = display(item)
		}
		return strings.Join(parts, ",")
	}
	if f, ok := asNumber(v); ok {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	return ""
}
