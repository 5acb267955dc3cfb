package formula

import "strings"

// Recursive descent parser over the token stream. Precedence, tightest
// first: postfix (member/call/index), unary, * / %, + -, relational,
// equality, &&, ||, ??, ternary.

type parser struct {
	toks []token
	i    int
}

// Parse compiles an expression string to an AST. Used directly for
// registration-time syntax validation.
func Parse(src string) (node, error) {
	n, err := parse(src)
	if err != nil {
		return nil, err
	}
	return n, nil
}

func parse(src string) (node, *Error) {
	if strings.TrimSpace(src) == "" {
		return nil, errf(ErrSyntax, 0, "empty expression")
	}
	toks, err := lex(src)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	n, err := p.ternary()
	if err != nil {
		return nil, err
	}
	if p.peek().kind != tEOF {
		return nil, errf(ErrSyntax, p.peek().pos, "unexpected token %q", p.peek().text)
	}
	return n, nil
}

func (p *parser) peek() token { return p.toks[p.i] }

func (p *parser) take() token {
	t := p.toks[p.i]
	if t.kind != tEOF {
		p.i++
	}
	return t
}

func (p *parser) acceptOp(text string) bool {
	if p.peek().kind == tOp && p.peek().text == text {
		p.i++
		return true
	}
	return false
}

func (p *parser) expectOp(text string) *Error {
	if !p.acceptOp(text) {
		return errf(ErrSyntax, p.peek().pos, "expected %q, got %q", text, p.peek().text)
	}
	return nil
}

func (p *parser) ternary() (node, *Error) {
	cond, err := p.nullish()
	if err != nil {
		return nil, err
	}
	if !p.acceptOp("?") {
		return cond, nil
	}
	at := cond.pos()
	then, err := p.ternary()
	if err != nil {
		return nil, err
	}
	if err := p.expectOp(":"); err != nil {
		return nil, err
	}
	els, err := p.ternary()
	if err != nil {
		return nil, err
	}
	return &ternaryNode{at: at, cond: cond, then: then, els: els}, nil
}

func (p *parser) nullish() (node, *Error)  { return p.binaryLevel([]string{"??"}, p.orExpr) }
func (p *parser) orExpr() (node, *Error)   { return p.binaryLevel([]string{"||"}, p.andExpr) }
func (p *parser) andExpr() (node, *Error)  { return p.binaryLevel([]string{"&&"}, p.equality) }
func (p *parser) equality() (node, *Error) {
	return p.binaryLevel([]string{"===", "!==", "==", "!="}, p.relational)
}
func (p *parser) relational() (node, *Error) {
	return p.binaryLevel([]string{"<=", ">=", "<", ">"}, p.additive)
}
func (p *parser) additive() (node, *Error) { return p.binaryLevel([]string{"+", "-"}, p.multiplicative) }
func (p *parser) multiplicative() (node, *Error) {
	return p.binaryLevel([]string{"*", "/", "%"}, p.unary)
}

func (p *parser) binaryLevel(ops []string, next func() (node, *Error)) (node, *Error) {
	left, err := next()
	if err != nil {
		return nil, err
	}
	for {
		matched := ""
		for _, op := range ops {
			if p.peek().kind == tOp && p.peek().text == op {
				matched = op
				break
			}
		}
		if matched == "" {
			return left, nil
		}
		p.take()
		right, err := next()
		if err != nil {
			return nil, err
		}
		left = &binaryNode{at: left.pos(), op: matched, left: left, right: right}
	}
}

func (p *parser) unary() (node, *Error) {
	t := p.peek()
	if t.kind == tOp && (t.text == "!" || t.text == "-" || t.text == "+") {
		p.take()
		operand, err := p.unary()
		if err != nil {
			return nil, err
		}
		return &unaryNode{at: t.pos, op: t.text, operand: operand}, nil
	}
	return p.postfix()
}

func (p *parser) postfix() (node, *Error) {
	n, err := p.primary()
	if err != nil {
		return nil, err
	}
	for {
		t := p.peek()
		if t.kind != tOp {
			return n, nil
		}
		switch t.text {
		case ".", "?.":
			p.take()
			name := p.take()
			if name.kind != tIdent {
				return nil, errf(ErrSyntax, name.pos, "expected property name after %q", t.text)
			}
			if p.peek().kind == tOp && p.peek().text == "(" {
				args, err := p.callArgs()
				if err != nil {
					return nil, err
				}
				n = &callNode{at: t.pos, target: n, name: name.text, optional: t.text == "?.", args: args}
			} else {
				n = &memberNode{at: t.pos, target: n, name: name.text, optional: t.text == "?."}
			}
		case "[":
			p.take()
			idx, err := p.ternary()
			if err != nil {
				return nil, err
			}
			if err := p.expectOp("]"); err != nil {
				return nil, err
			}
			n = &indexNode{at: t.pos, target: n, index: idx}
		default:
			return n, nil
		}
	}
}

func (p *parser) callArgs() ([]node, *Error) {
	if err := p.expectOp("("); err != nil {
		return nil, err
	}
	var args []node
	if p.acceptOp(")") {
		return args, nil
	}
	for {
		arg, err := p.ternary()
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
		if p.acceptOp(",") {
			continue
		}
		if err := p.expectOp(")"); err != nil {
			return nil, err
		}
		return args, nil
	}
}

func (p *parser) primary() (node, *Error) {
	t := p.peek()
	switch t.kind {
	case tNumber:
		p.take()
		return &literalNode{at: t.pos, val: t.num}, nil
	case tString:
		p.take()
		return &literalNode{at: t.pos, val: t.text}, nil
	case tTemplate:
		p.take()
		return p.parseTemplate(t)
	case tSysVar:
		p.take()
		return &sysVarNode{at: t.pos, name: t.text}, nil
	case tIdent:
		p.take()
		switch t.text {
		case "true":
			return &literalNode{at: t.pos, val: true}, nil
		case "false":
			return &literalNode{at: t.pos, val: false}, nil
		case "null", "undefined":
			return &literalNode{at: t.pos, val: nil}, nil
		}
		return &identNode{at: t.pos, name: t.text}, nil
	case tOp:
		if t.text == "(" {
			p.take()
			n, err := p.ternary()
			if err != nil {
				return nil, err
			}
			if err := p.expectOp(")"); err != nil {
				return nil, err
			}
			return n, nil
		}
		if t.text == "[" {
			return p.arrayLiteral()
		}
	}
	return nil, errf(ErrSyntax, t.pos, "unexpected token %q", t.text)
}

func (p *parser) arrayLiteral() (node, *Error) {
	t := p.take() // [
	arr := &arrayNode{at: t.pos}
	if p.acceptOp("]") {
		return arr, nil
	}
	for {
		item, err := p.ternary()
		if err != nil {
			return nil, err
		}
		arr.items = append(arr.items, item)
		if p.acceptOp(",") {
			continue
		}
		if err := p.expectOp("]"); err != nil {
			return nil, err
		}
		return arr, nil
	}
}

// parseTemplate splits a raw template body into literal chunks and
// interpolated ${...} sub-expressions, each parsed independently.
func (p *parser) parseTemplate(t token) (node, *Error) {
	body := t.text
	tmpl := &templateNode{at: t.pos}
	var chunk strings.Builder
	i := 0
	for i < len(body) {
		if body[i] == '\\' && i+1 < len(body) {
			chunk.WriteByte(unescape(body[i+1]))
			i += 2
			continue
		}
		if body[i] == '$' && i+1 < len(body) && body[i+1] == '{' {
			if chunk.Len() > 0 {
				tmpl.parts = append(tmpl.parts, &literalNode{at: t.pos + i, val: chunk.String()})
				chunk.Reset()
			}
			end, ok := matchBrace(body, i+2)
			if !ok {
				return nil, errf(ErrSyntax, t.pos+i, "unterminated ${...} in template")
			}
			sub, err := parse(body[i+2 : end])
			if err != nil {
				return nil, err
			}
			tmpl.parts = append(tmpl.parts, sub)
			i = end + 1
			continue
		}
		chunk.WriteByte(body[i])
		i++
	}
	if chunk.Len() > 0 {
		tmpl.parts = append(tmpl.parts, &literalNode{at: t.pos, val: chunk.String()})
	}
	return tmpl, nil
}

// matchBrace finds the index of the } closing the brace opened just before
// start, honoring nesting.
func matchBrace(s string, start int) (int, bool) {
	depth := 0
	for i := start; i < len(s); i++ {
		switch s[i] {
		case '{':
			depth++
		case '}':
			if depth == 0 {
				return i, true
			}
			depth--
		}
	}
	return 0, false
}
