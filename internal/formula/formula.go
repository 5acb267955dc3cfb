// Package formula implements the sandboxed expression language used by
// formula fields and formula-type record rules. Expressions are parsed by a
// recursive descent parser into a small AST and executed by a tree-walking
// evaluator with a fixed builtin whitelist and a wall-clock budget. There is
// no dynamic code loading and no access to anything outside the evaluation
// context.
package formula

import (
	"context"
	"sync"
	"time"
)

// Data types a formula field can declare.
const (
	TypeNumber   = "number"
	TypeText     = "text"
	TypeDate     = "date"
	TypeDatetime = "datetime"
	TypeBoolean  = "boolean"
	TypeCurrency = "currency"
	TypePercent  = "percent"
)

var dataTypes = map[string]bool{
	TypeNumber: true, TypeText: true, TypeDate: true, TypeDatetime: true,
	TypeBoolean: true, TypeCurrency: true, TypePercent: true,
}

// IsValidDataType reports whether t is a declared formula data type.
func IsValidDataType(t string) bool { return dataTypes[t] }

// FieldConfig declares a formula field. Formula fields are computed at read
// time and never persisted.
type FieldConfig struct {
	Expression   string `json:"expression"`
	DataType     string `json:"data_type"`
	Precision    *int   `json:"precision,omitempty"`
	BlankAsZero  bool   `json:"blank_as_zero,omitempty"`
	TreatBlankAs any    `json:"treat_blank_as,omitempty"`
	Format       string `json:"format,omitempty"`
}

// UserVars is the $current_user view exposed to expressions.
type UserVars struct {
	ID    string
	Name  string
	Email string
	Role  string
}

// SystemVars pins the time-derived system variables for one evaluation so
// that repeated evaluation against the same context is deterministic.
type SystemVars struct {
	Today time.Time
	Now   time.Time
}

// SystemVarsAt derives both variables from a single instant.
func SystemVarsAt(now time.Time) SystemVars {
	y, m, d := now.Date()
	return SystemVars{
		Today: time.Date(y, m, d, 0, 0, 0, 0, now.Location()),
		Now:   now,
	}
}

// Context is the read-only evaluation environment: one record's field
// values plus system and user variables. Built fresh per record, discarded
// after.
type Context struct {
	Record map[string]any
	System SystemVars
	User   *UserVars
	IsNew  bool
}

// Result is the outcome of one evaluation. Success with a nil Value is
// legal (an expression may deliberately yield null). Errors are carried
// here, never thrown past the evaluator boundary.
type Result struct {
	Value         any
	Type          string
	Success       bool
	Error         *Error
	ExecutionTime time.Duration
}

// DefaultTimeout bounds a single field evaluation on one record.
const DefaultTimeout = time.Second

// Evaluator parses and runs formula expressions. Parsed ASTs are cached by
// expression string. Safe for concurrent use.
type Evaluator struct {
	timeout time.Duration

	mu    sync.RWMutex
	cache map[string]node
}

// NewEvaluator creates an evaluator with the given per-evaluation budget.
// A non-positive timeout selects DefaultTimeout.
func NewEvaluator(timeout time.Duration) *Evaluator {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Evaluator{timeout: timeout, cache: make(map[string]node)}
}

// Evaluate runs cfg.Expression against fctx and coerces the raw result to
// cfg.DataType. It never returns an error: failures land in Result.Error.
func (e *Evaluator) Evaluate(ctx context.Context, cfg FieldConfig, fctx *Context) Result {
	start := time.Now()
	fail := func(err *Error) Result {
		return Result{Success: false, Error: err, ExecutionTime: time.Since(start)}
	}

	if !IsValidDataType(cfg.DataType) {
		return fail(errf(ErrType, 0, "unknown data type %q", cfg.DataType))
	}

	root, err := e.compiled(cfg.Expression)
	if err != nil {
		return fail(err)
	}

	st := &evalState{
		ctx:      ctx,
		fctx:     fctx,
		cfg:      cfg,
		deadline: start.Add(e.timeout),
	}
	raw, err := st.eval(root)
	if err != nil {
		return fail(err)
	}

	value, err := coerce(raw, cfg)
	if err != nil {
		return fail(err)
	}
	return Result{
		Value:         value,
		Type:          cfg.DataType,
		Success:       true,
		ExecutionTime: time.Since(start),
	}
}

func (e *Evaluator) compiled(expr string) (node, *Error) {
	e.mu.RLock()
	root, ok := e.cache[expr]
	e.mu.RUnlock()
	if ok {
		return root, nil
	}
	root, err := parse(expr)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.cache[expr] = root
	e.mu.Unlock()
	return root, nil
}
