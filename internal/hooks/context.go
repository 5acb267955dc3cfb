package hooks

import (
	"context"
	"reflect"

	"objectql/internal/driver"
	"objectql/internal/metadata"
	"objectql/internal/query"
)

// State is the mutable bag shared between the before/after handlers of one
// logical operation. It is created fresh per invocation and never crosses
// concurrent operations; key names are an out-of-band convention between
// cooperating handlers.
type State map[string]any

// API is the restricted CRUD handle handed to hook handlers. It is scoped
// to the same user context and transaction as the triggering operation, so
// a hook doing a cross-object check sees the caller's permissions and
// uncommitted writes — never a raw driver.
type API interface {
	Find(ctx context.Context, object string, q *query.UnifiedQuery) ([]driver.Record, error)
	FindOne(ctx context.Context, object string, id any) (driver.Record, error)
	Count(ctx context.Context, object string, q *query.UnifiedQuery) (int64, error)
	Create(ctx context.Context, object string, data driver.Record) (driver.Record, error)
	Update(ctx context.Context, object string, id any, data driver.Record) (driver.Record, error)
	Delete(ctx context.Context, object string, id any) error
}

// BaseContext carries what every hook sees regardless of operation.
type BaseContext struct {
	Ctx       context.Context
	Object    string
	Operation string
	User      *metadata.UserContext
	IsSystem  bool
	State     State
	API       API
}

// RetrievalContext is passed to find/count hooks. Before-handlers may
// mutate Query; after-handlers see Result (find) or Count (count).
type RetrievalContext struct {
	BaseContext
	Query  *query.UnifiedQuery
	Result []driver.Record
	Count  int64
}

// MutationContext is passed to create/delete hooks. For create,
// before-handlers may mutate Data and after-handlers read Result. For
// delete, PreviousData holds the record about to be (or just) removed.
type MutationContext struct {
	BaseContext
	ID           any
	Data         driver.Record
	PreviousData driver.Record
	Result       driver.Record
}

// UpdateContext adds change detection over MutationContext: Data is the
// partial update payload and PreviousData the stored record.
type UpdateContext struct {
	MutationContext
	modified map[string]bool
}

// IsModified reports whether field appears in the update payload with a
// value that differs from the stored one. Comparison is deep equality, so
// re-sending an identical object/array value does not count as a change.
// Lookups are memoized for the lifetime of the context.
func (c *UpdateContext) IsModified(field string) bool {
	if c.modified == nil {
		c.modified = make(map[string]bool)
	}
	if v, ok := c.modified[field]; ok {
		return v
	}
	next, present := c.Data[field]
	mod := present && !deepEqual(next, c.PreviousData[field])
	c.modified[field] = mod
	return mod
}

// deepEqual compares values structurally, treating all numeric types as
// equivalent so a JSON-decoded float64 matches a driver-returned int64.
func deepEqual(a, b any) bool {
	if af, ok := asFloat(a); ok {
		bf, ok := asFloat(b)
		return ok && af == bf
	}
	switch av := a.(type) {
	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			bvv, ok := bv[k]
			if !ok || !deepEqual(v, bvv) {
				return false
			}
		}
		return true
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !deepEqual(av[i], bv[i]) {
				return false
			}
		}
		return true
	}
	return reflect.DeepEqual(a, b)
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
