package sqldriver

import (
	"context"
	"database/sql"
	"fmt"
)

// Dialect abstracts the SQL differences between postgres and sqlite:
// placeholder style, DDL column types, IN expansion, introspection.
type Dialect interface {
	Name() string
	// DriverName is the database/sql driver to open ("pgx" or "sqlite").
	DriverName() string
	NewParamBuilder() ParamBuilder
	NowExpr() string

	// ColumnType maps an object field type to the DDL column type.
	ColumnType(fieldType string) string

	TableExists(ctx context.Context, db *sql.DB, table string) (bool, error)
	GetColumns(ctx context.Context, db *sql.DB, table string) (map[string]string, error)

	// InExpr builds the IN fragment. Postgres binds one array parameter
	// with = ANY; sqlite expands the slice into placeholders. An empty
	// list compiles to a constant-false expression.
	InExpr(field string, pb ParamBuilder, values []any) string
	NotInExpr(field string, pb ParamBuilder, values []any) string

	// NeedsBoolFix reports whether boolean columns come back as integers.
	NeedsBoolFix() bool

	MapError(err error) error
}

// ParamBuilder accumulates bind values and hands out dialect placeholders.
type ParamBuilder interface {
	Add(v any) string
	Params() []any
	Count() int
}

func NewDialect(name string) Dialect {
	switch name {
	case "sqlite":
		return &SQLiteDialect{}
	default:
		return &PostgresDialect{}
	}
}

type pgParamBuilder struct {
	params []any
	n      int
}

func (p *pgParamBuilder) Add(v any) string {
	p.n++
	p.params = append(p.params, v)
	return fmt.Sprintf("$%d", p.n)
}

func (p *pgParamBuilder) Params() []any { return p.params }
func (p *pgParamBuilder) Count() int    { return p.n }

type sqliteParamBuilder struct {
	params []any
	n      int
}

func (p *sqliteParamBuilder) Add(v any) string {
	p.n++
	p.params = append(p.params, v)
	return fmt.Sprintf("?%d", p.n)
}

func (p *sqliteParamBuilder) Params() []any { return p.params }
func (p *sqliteParamBuilder) Count() int    { return p.n }
