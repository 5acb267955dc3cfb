package formula

import (
	"strconv"
	"strings"
)

type tokenKind int

const (
	tNumber tokenKind = iota + 1
	tString
	tTemplate
	tIdent
	tSysVar
	tOp
	tEOF
)

type token struct {
	kind tokenKind
	text string
	num  float64
	pos  int
}

// multi-character operators, longest first
var multiOps = []string{"===", "!==", "==", "!=", "<=", ">=", "&&", "||", "??", "?."}

const singleOps = "+-*/%<>!?:.,()[]"

type lexer struct {
	src string
	pos int
}

func lex(src string) ([]token, *Error) {
	lx := &lexer{src: src}
	var toks []token
	for {
		tok, err := lx.next()
		if err != nil {
			return nil, err
		}
		toks = append(toks, tok)
		if tok.kind == tEOF {
			return toks, nil
		}
	}
}

func (lx *lexer) next() (token, *Error) {
	for lx.pos < len(lx.src) && isSpace(lx.src[lx.pos]) {
		lx.pos++
	}
	if lx.pos >= len(lx.src) {
		return token{kind: tEOF, pos: lx.pos}, nil
	}

	start := lx.pos
	c := lx.src[lx.pos]

	if isDigit(c) || (c == '.' && lx.pos+1 < len(lx.src) && isDigit(lx.src[lx.pos+1])) {
		return lx.number(start)
	}
	if c == '\'' || c == '"' {
		return lx.stringLit(start, c)
	}
	if c == '`' {
		return lx.template(start)
	}
	if c == '$' {
		lx.pos++
		for lx.pos < len(lx.src) && isIdentChar(lx.src[lx.pos]) {
			lx.pos++
		}
		if lx.pos == start+1 {
			return token{}, errf(ErrSyntax, start, "bare $ is not a valid system variable")
		}
		return token{kind: tSysVar, text: lx.src[start+1 : lx.pos], pos: start}, nil
	}
	if isIdentStart(c) {
		for lx.pos < len(lx.src) && isIdentChar(lx.src[lx.pos]) {
			lx.pos++
		}
		return token{kind: tIdent, text: lx.src[start:lx.pos], pos: start}, nil
	}

	for _, op := range multiOps {
		if strings.HasPrefix(lx.src[lx.pos:], op) {
			lx.pos += len(op)
			return token{kind: tOp, text: op, pos: start}, nil
		}
	}
	if strings.IndexByte(singleOps, c) >= 0 {
		lx.pos++
		return token{kind: tOp, text: string(c), pos: start}, nil
	}

	return token{}, errf(ErrSyntax, start, "unexpected character %q", string(c))
}

func (lx *lexer) number(start int) (token, *Error) {
	seenDot := false
	for lx.pos < len(lx.src) {
		c := lx.src[lx.pos]
		if isDigit(c) {
			lx.pos++
			continue
		}
		if c == '.' && !seenDot && lx.pos+1 < len(lx.src) && isDigit(lx.src[lx.pos+1]) {
			seenDot = true
			lx.pos++
			continue
		}
		break
	}
	text := lx.src[start:lx.pos]
	n, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return token{}, errf(ErrSyntax, start, "bad number literal %q", text)
	}
	return token{kind: tNumber, text: text, num: n, pos: start}, nil
}

func (lx *lexer) stringLit(start int, quote byte) (token, *Error) {
	lx.pos++
	var sb strings.Builder
	for lx.pos < len(lx.src) {
		c := lx.src[lx.pos]
		if c == '\\' && lx.pos+1 < len(lx.src) {
			sb.WriteByte(unescape(lx.src[lx.pos+1]))
			lx.pos += 2
			continue
		}
		if c == quote {
			lx.pos++
			return token{kind: tString, text: sb.String(), pos: start}, nil
		}
		sb.WriteByte(c)
		lx.pos++
	}
	return token{}, errf(ErrSyntax, start, "unterminated string literal")
}

// template captures the raw backtick body; interpolation segments are split
// out by the parser.
func (lx *lexer) template(start int) (token, *Error) {
	lx.pos++
	depth := 0
	for lx.pos < len(lx.src) {
		c := lx.src[lx.pos]
		if c == '\\' && lx.pos+1 < len(lx.src) {
			lx.pos += 2
			continue
		}
		if c == '$' && lx.pos+1 < len(lx.src) && lx.src[lx.pos+1] == '{' {
			depth++
			lx.pos += 2
			continue
		}
		if c == '}' && depth > 0 {
			depth--
		}
		if c == '`' && depth == 0 {
			body := lx.src[start+1 : lx.pos]
			lx.pos++
			return token{kind: tTemplate, text: body, pos: start}, nil
		}
		lx.pos++
	}
	return token{}, errf(ErrSyntax, start, "unterminated template literal")
}

func unescape(c byte) byte {
	switch c {
	case 'n':
		return '\n'
	case 't':
		return '\t'
	case 'r':
		return '\r'
	}
	return c
}

func isSpace(c byte) bool { return c == ' ' || c == '\t' || c == '\n' || c == '\r' }
func isDigit(c byte) bool { return c >= '0' && c <= '9' }
func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}
func isIdentChar(c byte) bool { return isIdentStart(c) || isDigit(c) }
