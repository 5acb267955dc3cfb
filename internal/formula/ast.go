package formula

// AST node types produced by the parser and walked by the evaluator.

type node interface {
	pos() int
}

type literalNode struct {
	at  int
	val any // float64, string, bool, or nil
}

type identNode struct {
	at   int
	name string
}

type sysVarNode struct {
	at   int
	name string // without the $ prefix
}

type memberNode struct {
	at       int
	target   node
	name     string
	optional bool // ?. access
}

type indexNode struct {
	at     int
	target node
	index  node
}

type callNode struct {
	at       int
	target   node // receiver; nil for namespace calls resolved via name path
	name     string
	optional bool
	args     []node
}

type unaryNode struct {
	at      int
	op      string
	operand node
}

type binaryNode struct {
	at    int
	op    string
	left  node
	right node
}

type ternaryNode struct {
	at   int
	cond node
	then node
	els  node
}

type arrayNode struct {
	at    int
	items []node
}

// templateNode concatenates literal chunks and interpolated expressions.
type templateNode struct {
	at    int
	parts []node
}

func (n *literalNode) pos() int  { return n.at }
func (n *identNode) pos() int    { return n.at }
func (n *sysVarNode) pos() int   { return n.at }
func (n *memberNode) pos() int   { return n.at }
func (n *indexNode) pos() int    { return n.at }
func (n *callNode) pos() int     { return n.at }
func (n *unaryNode) pos() int    { return n.at }
func (n *binaryNode) pos() int   { return n.at }
func (n *ternaryNode) pos() int  { return n.at }
func (n *arrayNode) pos() int    { return n.at }
func (n *templateNode) pos() int { return n.at }
