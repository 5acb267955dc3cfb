package metadata

// Validation rule types.
const (
	RuleField      = "field"
	RuleExpression = "expression"
	RuleComputed   = "computed"
)

// ValidationRule is a declarative write-time rule. Field rules check a
// single field against a threshold operator (min, max, min_length,
// max_length, pattern). Expression rules flag a violation when their
// boolean expression evaluates true. Computed rules assign the expression
// result to Field before the write.
type ValidationRule struct {
	Name       string `json:"name,omitempty"`
	Type       string `json:"type"`
	Field      string `json:"field,omitempty"`
	Operator   string `json:"operator,omitempty"`
	Value      any    `json:"value,omitempty"`
	Expression string `json:"expression,omitempty"`
	Message    string `json:"message,omitempty"`
	StopOnFail bool   `json:"stop_on_fail,omitempty"`

	// Compiled caches the expr program after first evaluation.
	Compiled any `json:"-"`
}
