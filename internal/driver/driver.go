// Package driver defines the storage contract the engine programs against.
// The core never assumes SQL: everything a driver receives is plain
// JSON-serializable data (CompiledQuery, condition trees, records).
package driver

import (
	"context"
	"errors"

	"objectql/internal/query"
)

// Record is one row/document as loosely-typed field values.
type Record = map[string]any

var (
	ErrNotFound        = errors.New("record not found")
	ErrUniqueViolation = errors.New("unique constraint violation")
)

// Session is the operation surface shared by a root driver connection and
// an open transaction.
type Session interface {
	Find(ctx context.Context, q *query.CompiledQuery) ([]Record, error)
	Count(ctx context.Context, q *query.CompiledQuery) (int64, error)
	Aggregate(ctx context.Context, q *query.CompiledQuery) ([]Record, error)
	Distinct(ctx context.Context, q *query.CompiledQuery, field string) ([]any, error)

	Get(ctx context.Context, object string, id any) (Record, error)
	Create(ctx context.Context, object string, data Record) (Record, error)
	Update(ctx context.Context, object string, id any, data Record) (Record, error)
	Delete(ctx context.Context, object string, id any) error
}

// Tx is a transaction-bound session. All operations issued through it share
// one atomic unit.
type Tx interface {
	Session
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Driver is a storage backend. Begin opens a transaction; every other
// operation runs in auto-commit mode.
type Driver interface {
	Session
	Begin(ctx context.Context) (Tx, error)
}

// SchemaIntrospector is optionally implemented by drivers that can report
// their physical schema.
type SchemaIntrospector interface {
	IntrospectSchema(ctx context.Context) (*Schema, error)
}

type Schema struct {
	Tables map[string]TableSchema `json:"tables"`
}

type TableSchema struct {
	Columns     map[string]string `json:"columns"`
	PrimaryKeys []string          `json:"primaryKeys"`
	ForeignKeys map[string]string `json:"foreignKeys"`
}
