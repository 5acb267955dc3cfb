package engine

import (
	"errors"
	"fmt"

	"objectql/internal/driver"
	"objectql/internal/filter"
	"objectql/internal/query"
	"objectql/internal/rules"
)

// API error codes surfaced across the HTTP/RPC boundary.
const (
	CodeValidation   = "VALIDATION_ERROR"
	CodeUnauthorized = "UNAUTHORIZED"
	CodeForbidden    = "FORBIDDEN"
	CodeNotFound     = "NOT_FOUND"
	CodeConflict     = "CONFLICT"
	CodeDatabase     = "DATABASE_ERROR"
	CodeRateLimit    = "RATE_LIMIT_EXCEEDED"
	CodeInternal     = "INTERNAL_ERROR"
)

// Error is the engine's public error shape. Status carries the HTTP
// status the gateway should answer with.
type Error struct {
	Code    string `json:"code"`
	Status  int    `json:"-"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func (e *Error) Error() string { return e.Message }

type ErrorResponse struct {
	Error *Error `json:"error"`
}

func NewError(code string, status int, msg string) *Error {
	return &Error{Code: code, Status: status, Message: msg}
}

// UnauthorizedError is the 401 constructor used by the auth layer.
func UnauthorizedError(msg string) *Error {
	return &Error{Code: CodeUnauthorized, Status: 401, Message: msg}
}

// ForbiddenError is the exported 403 constructor.
func ForbiddenError(msg string) *Error { return forbiddenError(msg) }

func forbiddenError(msg string) *Error {
	if msg == "" {
		msg = "operation not permitted"
	}
	return &Error{Code: CodeForbidden, Status: 403, Message: msg}
}

func notFoundError(object string, id any) *Error {
	return &Error{Code: CodeNotFound, Status: 404, Message: fmt.Sprintf("%s with id %v not found", object, id)}
}

func unknownObjectError(name string) *Error {
	return &Error{Code: CodeNotFound, Status: 404, Message: "unknown object: " + name}
}

// forbiddenOpError is the object-level denial: it names the missing
// permission and the caller's roles, nothing more.
func forbiddenOpError(op string, roles []string, reason string) *Error {
	e := forbiddenError(reason)
	e.Details = map[string]any{
		"required_permission": op,
		"user_roles":          roles,
	}
	return e
}

// validationError reports all violations at once, with a field→message
// map for form-style rendering.
func validationError(violations []rules.Violation) *Error {
	fields := make(map[string]string, len(violations))
	for _, v := range violations {
		if _, ok := fields[v.Field]; !ok {
			fields[v.Field] = v.Message
		}
	}
	return &Error{
		Code:    CodeValidation,
		Status:  422,
		Message: "validation failed",
		Details: map[string]any{"fields": fields, "violations": violations},
	}
}

// wrapErr folds lower-layer errors into the public taxonomy. Filter and
// aggregation errors are caller mistakes; driver errors map to conflict,
// not-found, or a generic database error.
func wrapErr(object string, err error) error {
	if err == nil {
		return nil
	}
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr
	}
	var filterErr *filter.InvalidFilterError
	if errors.As(err, &filterErr) {
		return &Error{Code: CodeValidation, Status: 422, Message: filterErr.Error()}
	}
	var aggErr *query.InvalidAggregationError
	if errors.As(err, &aggErr) {
		return &Error{Code: CodeValidation, Status: 422, Message: aggErr.Error()}
	}
	if errors.Is(err, driver.ErrNotFound) {
		return &Error{Code: CodeNotFound, Status: 404, Message: object + ": record not found"}
	}
	if errors.Is(err, driver.ErrUniqueViolation) {
		return &Error{Code: CodeConflict, Status: 409, Message: err.Error()}
	}
	return &Error{Code: CodeDatabase, Status: 500, Message: err.Error()}
}
