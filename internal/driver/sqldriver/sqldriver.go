// Package sqldriver executes compiled queries against postgres or sqlite
// through database/sql, with dialect-specific SQL generation.
package sqldriver

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib" // register pgx for database/sql
	_ "modernc.org/sqlite"             // register sqlite for database/sql

	"objectql/internal/driver"
	"objectql/internal/metadata"
	"objectql/internal/query"
)

// ErrUniqueViolation is what dialect MapError wraps duplicate-key failures
// into, so callers can errors.Is against the driver-neutral sentinel.
var ErrUniqueViolation = driver.ErrUniqueViolation

// Querier is satisfied by both *sql.DB and *sql.Tx.
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Driver executes against one database. Object-to-table mapping comes from
// the metadata registry.
type Driver struct {
	DB      *sql.DB
	Dialect Dialect
	reg     *metadata.Registry

	session
}

// Open connects and pings. name is "postgres" or "sqlite"; sqlite gets WAL
// mode and a single writer, matching its locking model.
func Open(ctx context.Context, name, dsn string, reg *metadata.Registry) (*Driver, error) {
	dialect := NewDialect(name)
	db, err := sql.Open(dialect.DriverName(), dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if dialect.Name() == "sqlite" {
		db.SetMaxOpenConns(1)
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable WAL: %w", err)
		}
		if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys=ON"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable foreign keys: %w", err)
		}
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	d := &Driver{DB: db, Dialect: dialect, reg: reg}
	d.session = session{q: db, d: d}
	return d, nil
}

func (d *Driver) Close() error { return d.DB.Close() }

func (d *Driver) Begin(ctx context.Context) (driver.Tx, error) {
	sqlTx, err := d.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	return &tx{session: session{q: sqlTx, d: d}, tx: sqlTx}, nil
}

type tx struct {
	session
	tx *sql.Tx
}

func (t *tx) Commit(ctx context.Context) error   { return t.tx.Commit() }
func (t *tx) Rollback(ctx context.Context) error { return t.tx.Rollback() }

// session implements the operation surface over either the root connection
// or an open transaction.
type session struct {
	q Querier
	d *Driver
}

func (s session) object(name string) (*metadata.ObjectConfig, error) {
	obj := s.d.reg.GetObject(name)
	if obj == nil {
		return nil, fmt.Errorf("object %s is not registered", name)
	}
	if !safeIdent(obj.Table) {
		return nil, fmt.Errorf("unsafe table name %q", obj.Table)
	}
	return obj, nil
}

func (s session) Find(ctx context.Context, q *query.CompiledQuery) ([]driver.Record, error) {
	obj, err := s.object(q.Object)
	if err != nil {
		return nil, err
	}

	pb := s.d.Dialect.NewParamBuilder()
	sqlStr, err := selectSQL(obj.Table, q, s.d.Dialect, pb)
	if err != nil {
		return nil, err
	}
	rows, err := s.queryRows(ctx, sqlStr, pb.Params()...)
	if err != nil {
		return nil, err
	}
	s.fixBools(obj, rows)

	if len(q.Expand) > 0 {
		if err := s.expand(ctx, q, rows); err != nil {
			return nil, err
		}
	}
	return rows, nil
}

func (s session) Count(ctx context.Context, q *query.CompiledQuery) (int64, error) {
	obj, err := s.object(q.Object)
	if err != nil {
		return 0, err
	}
	pb := s.d.Dialect.NewParamBuilder()
	where, err := whereSQL(q.Where, s.d.Dialect, pb)
	if err != nil {
		return 0, err
	}
	sqlStr := "SELECT COUNT(*) FROM " + obj.Table
	if where != "" {
		sqlStr += " WHERE " + where
	}
	var n int64
	if err := s.q.QueryRowContext(ctx, sqlStr, pb.Params()...).Scan(&n); err != nil {
		return 0, s.d.Dialect.MapError(err)
	}
	return n, nil
}

func (s session) Aggregate(ctx context.Context, q *query.CompiledQuery) ([]driver.Record, error) {
	obj, err := s.object(q.Object)
	if err != nil {
		return nil, err
	}
	pb := s.d.Dialect.NewParamBuilder()
	sqlStr, err := aggregateSQL(obj.Table, q, s.d.Dialect, pb)
	if err != nil {
		return nil, err
	}
	return s.queryRows(ctx, sqlStr, pb.Params()...)
}

func (s session) Distinct(ctx context.Context, q *query.CompiledQuery, field string) ([]any, error) {
	obj, err := s.object(q.Object)
	if err != nil {
		return nil, err
	}
	if !safeIdent(field) {
		return nil, fmt.Errorf("unsafe field name %q", field)
	}
	pb := s.d.Dialect.NewParamBuilder()
	where, err := whereSQL(q.Where, s.d.Dialect, pb)
	if err != nil {
		return nil, err
	}
	sqlStr := fmt.Sprintf("SELECT DISTINCT %s FROM %s", field, obj.Table)
	if where != "" {
		sqlStr += " WHERE " + where
	}
	rows, err := s.queryRows(ctx, sqlStr, pb.Params()...)
	if err != nil {
		return nil, err
	}
	out := make([]any, 0, len(rows))
	for _, r := range rows {
		out = append(out, r[field])
	}
	return out, nil
}

func (s session) Get(ctx context.Context, object string, id any) (driver.Record, error) {
	obj, err := s.object(object)
	if err != nil {
		return nil, err
	}
	pb := s.d.Dialect.NewParamBuilder()
	sqlStr := fmt.Sprintf("SELECT * FROM %s WHERE %s = %s", obj.Table, obj.PrimaryKey, pb.Add(id))
	rows, err := s.queryRows(ctx, sqlStr, pb.Params()...)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, driver.ErrNotFound
	}
	s.fixBools(obj, rows[:1])
	return rows[0], nil
}

func (s session) Create(ctx context.Context, object string, data driver.Record) (driver.Record, error) {
	obj, err := s.object(object)
	if err != nil {
		return nil, err
	}
	rec := make(driver.Record, len(data)+1)
	for k, v := range data {
		rec[k] = v
	}
	if rec[obj.PrimaryKey] == nil || rec[obj.PrimaryKey] == "" {
		rec[obj.PrimaryKey] = uuid.New().String()
	}

	pb := s.d.Dialect.NewParamBuilder()
	var cols, phs []string
	for _, f := range obj.StoredFieldNames() {
		v, ok := rec[f]
		if !ok {
			continue
		}
		cols = append(cols, f)
		phs = append(phs, pb.Add(v))
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("create %s: no stored fields in payload", object)
	}
	sqlStr := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		obj.Table, strings.Join(cols, ", "), strings.Join(phs, ", "))
	if _, err := s.q.ExecContext(ctx, sqlStr, pb.Params()...); err != nil {
		return nil, s.d.Dialect.MapError(err)
	}
	return s.Get(ctx, object, rec[obj.PrimaryKey])
}

func (s session) Update(ctx context.Context, object string, id any, data driver.Record) (driver.Record, error) {
	obj, err := s.object(object)
	if err != nil {
		return nil, err
	}
	pb := s.d.Dialect.NewParamBuilder()
	var sets []string
	for _, f := range obj.StoredFieldNames() {
		if f == obj.PrimaryKey {
			continue
		}
		v, ok := data[f]
		if !ok {
			continue
		}
		sets = append(sets, fmt.Sprintf("%s = %s", f, pb.Add(v)))
	}
	if len(sets) == 0 {
		return s.Get(ctx, object, id)
	}
	sqlStr := fmt.Sprintf("UPDATE %s SET %s WHERE %s = %s",
		obj.Table, strings.Join(sets, ", "), obj.PrimaryKey, pb.Add(id))
	res, err := s.q.ExecContext(ctx, sqlStr, pb.Params()...)
	if err != nil {
		return nil, s.d.Dialect.MapError(err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return nil, driver.ErrNotFound
	}
	return s.Get(ctx, object, id)
}

func (s session) Delete(ctx context.Context, object string, id any) error {
	obj, err := s.object(object)
	if err != nil {
		return err
	}
	pb := s.d.Dialect.NewParamBuilder()
	sqlStr := fmt.Sprintf("DELETE FROM %s WHERE %s = %s", obj.Table, obj.PrimaryKey, pb.Add(id))
	res, err := s.q.ExecContext(ctx, sqlStr, pb.Params()...)
	if err != nil {
		return s.d.Dialect.MapError(err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return driver.ErrNotFound
	}
	return nil
}

// expand batch-loads each relation: one query per plan with the collected
// foreign keys folded into the plan's own permission-scoped where tree.
func (s session) expand(ctx context.Context, q *query.CompiledQuery, rows []driver.Record) error {
	for key, plan := range q.Expand {
		var fks []any
		seen := make(map[string]bool)
		for _, rec := range rows {
			fk := rec[plan.ForeignKey]
			if fk == nil {
				continue
			}
			ks := fmt.Sprintf("%v", fk)
			if !seen[ks] {
				seen[ks] = true
				fks = append(fks, fk)
			}
		}
		for _, rec := range rows {
			if _, ok := rec[plan.ForeignKey]; ok {
				rec[key] = nil
			}
		}
		if len(fks) == 0 {
			continue
		}

		sub := *plan.Query
		sub.Limit = 0
		sub.Offset = 0
		sub.Where = andCond(plan.Query.Where, plan.TargetKey, fks)
		targets, err := s.Find(ctx, &sub)
		if err != nil {
			return err
		}
		byID := make(map[string]driver.Record, len(targets))
		for _, t := range targets {
			byID[fmt.Sprintf("%v", t[plan.TargetKey])] = t
		}
		for _, rec := range rows {
			fk := rec[plan.ForeignKey]
			if fk == nil {
				continue
			}
			if t, ok := byID[fmt.Sprintf("%v", fk)]; ok {
				rec[key] = t
			}
		}
	}
	return nil
}

func (s session) queryRows(ctx context.Context, sqlStr string, args ...any) ([]driver.Record, error) {
	rows, err := s.q.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, s.d.Dialect.MapError(err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("get columns: %w", err)
	}
	var results []driver.Record
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		row := make(driver.Record, len(columns))
		for i, col := range columns {
			row[col] = normalizeValue(values[i])
		}
		results = append(results, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", err)
	}
	return results, nil
}

// fixBools rewrites 0/1 integers to bool for boolean fields on dialects
// that store booleans as integers.
func (s session) fixBools(obj *metadata.ObjectConfig, rows []driver.Record) {
	if !s.d.Dialect.NeedsBoolFix() {
		return
	}
	for _, f := range obj.Fields {
		if f.Type != metadata.FieldBoolean {
			continue
		}
		for _, row := range rows {
			switch v := row[f.Name].(type) {
			case int64:
				row[f.Name] = v != 0
			case float64:
				row[f.Name] = v != 0
			}
		}
	}
}

// normalizeValue converts driver-specific scan results to plain Go types.
// database/sql frequently hands back []byte for TEXT columns; sqlite
// stores timestamps as text.
func normalizeValue(v any) any {
	switch val := v.(type) {
	case []byte:
		s := string(val)
		if t, err := time.Parse("2006-01-02 15:04:05", s); err == nil {
			return t
		}
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t
		}
		return s
	default:
		return v
	}
}
