package formula

import "fmt"

// ErrorType classifies formula evaluation failures.
type ErrorType string

const (
	ErrSyntax         ErrorType = "SYNTAX_ERROR"
	ErrFieldNotFound  ErrorType = "FIELD_NOT_FOUND"
	ErrType           ErrorType = "TYPE_ERROR"
	ErrDivisionByZero ErrorType = "DIVISION_BY_ZERO"
	ErrNullReference  ErrorType = "NULL_REFERENCE"
	ErrTimeout        ErrorType = "TIMEOUT"
	ErrSecurity       ErrorType = "SECURITY_VIOLATION"
	ErrRuntime        ErrorType = "RUNTIME_ERROR"
)

// Error is the structured failure value produced by the evaluator. It never
// escapes as a panic; callers receive it inside Result.
type Error struct {
	Type    ErrorType
	Message string
	Pos     int
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func errf(t ErrorType, pos int, format string, args ...any) *Error {
	return &Error{Type: t, Message: fmt.Sprintf(format, args...), Pos: pos}
}
