package sqldriver

import (
	"strings"
	"testing"

	"objectql/internal/filter"
	"objectql/internal/query"
)

func cond(t *testing.T, expr filter.Expression) *filter.Cond {
	t.Helper()
	c, err := filter.ToCond(expr)
	if err != nil {
		t.Fatalf("cond: %v", err)
	}
	return c
}

func TestWhereSQLPostgres(t *testing.T) {
	d := &PostgresDialect{}
	pb := d.NewParamBuilder()
	c := cond(t, filter.Expression{
		filter.Where("status", filter.OpEq, "paid"),
		filter.And(),
		filter.Where("amount", filter.OpGt, 100),
	})
	sql, err := whereSQL(c, d, pb)
	if err != nil {
		t.Fatalf("where: %v", err)
	}
	if sql != "(status = $1 AND amount > $2)" {
		t.Fatalf("unexpected sql: %s", sql)
	}
	params := pb.Params()
	if len(params) != 2 || params[0] != "paid" || params[1] != 100 {
		t.Fatalf("unexpected params: %v", params)
	}
}

func TestWhereSQLSqlitePlaceholders(t *testing.T) {
	d := &SQLiteDialect{}
	pb := d.NewParamBuilder()
	c := cond(t, filter.Expression{
		filter.Where("status", filter.OpIn, []any{"paid", "shipped"}),
	})
	sql, err := whereSQL(c, d, pb)
	if err != nil {
		t.Fatalf("where: %v", err)
	}
	if sql != "status IN (?1, ?2)" {
		t.Fatalf("unexpected sql: %s", sql)
	}
}

func TestWhereSQLPostgresInUsesAny(t *testing.T) {
	d := &PostgresDialect{}
	pb := d.NewParamBuilder()
	c := cond(t, filter.Expression{filter.Where("status", filter.OpIn, []any{"a", "b"})})
	sql, _ := whereSQL(c, d, pb)
	if sql != "status = ANY($1)" {
		t.Fatalf("unexpected sql: %s", sql)
	}
	if pb.Count() != 1 {
		t.Fatal("postgres IN should bind one array parameter")
	}
}

func TestWhereSQLEmptyInIsConstantFalse(t *testing.T) {
	for _, d := range []Dialect{&PostgresDialect{}, &SQLiteDialect{}} {
		pb := d.NewParamBuilder()
		c := cond(t, filter.Expression{filter.Where("status", filter.OpIn, []any{})})
		sql, err := whereSQL(c, d, pb)
		if err != nil {
			t.Fatalf("%s: %v", d.Name(), err)
		}
		if sql != "1=0" {
			t.Fatalf("%s: empty in should compile to 1=0, got %s", d.Name(), sql)
		}
	}
}

func TestWhereSQLNullSemantics(t *testing.T) {
	d := &SQLiteDialect{}
	pb := d.NewParamBuilder()
	sql, _ := whereSQL(&filter.Cond{Field: "status", Operator: filter.OpEq, Value: nil}, d, pb)
	if sql != "status IS NULL" {
		t.Fatalf("nil eq: %s", sql)
	}
	pb = d.NewParamBuilder()
	sql, _ = whereSQL(&filter.Cond{Field: "status", Operator: filter.OpNe, Value: "x"}, d, pb)
	if !strings.Contains(sql, "IS NULL") {
		t.Fatalf("!= must include NULL rows: %s", sql)
	}
}

func TestWhereSQLPatternEscaping(t *testing.T) {
	d := &SQLiteDialect{}
	pb := d.NewParamBuilder()
	c := cond(t, filter.Expression{filter.Where("name", filter.OpContains, "50%")})
	sql, err := whereSQL(c, d, pb)
	if err != nil {
		t.Fatalf("where: %v", err)
	}
	if !strings.Contains(sql, "LIKE") || !strings.Contains(sql, "ESCAPE") {
		t.Fatalf("expected escaped LIKE, got %s", sql)
	}
	if pb.Params()[0] != `%50\%%` {
		t.Fatalf("metacharacter not escaped: %v", pb.Params()[0])
	}
}

func TestWhereSQLRejectsUnsafeIdent(t *testing.T) {
	d := &SQLiteDialect{}
	pb := d.NewParamBuilder()
	_, err := whereSQL(&filter.Cond{Field: "id; DROP TABLE x", Operator: filter.OpEq, Value: 1}, d, pb)
	if err == nil {
		t.Fatal("expected unsafe identifier error")
	}
}

func TestSelectSQL(t *testing.T) {
	d := &PostgresDialect{}
	pb := d.NewParamBuilder()
	q := &query.CompiledQuery{
		Object: "orders",
		Fields: []string{"id", "amount"},
		Where:  cond(t, filter.Expression{filter.Where("status", filter.OpEq, "paid")}),
		Sort:   []query.SortEntry{{Field: "amount", Dir: "desc"}},
		Limit:  11,
		Offset: 5,
	}
	sql, err := selectSQL("orders", q, d, pb)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	want := "SELECT id, amount FROM orders WHERE status = $1 ORDER BY amount DESC LIMIT 11 OFFSET 5"
	if sql != want {
		t.Fatalf("got  %s\nwant %s", sql, want)
	}
}

func TestSelectSQLAddsForeignKeyForExpand(t *testing.T) {
	d := &SQLiteDialect{}
	pb := d.NewParamBuilder()
	q := &query.CompiledQuery{
		Object: "orders",
		Fields: []string{"id"},
		Expand: map[string]*query.ExpandPlan{
			"account": {Target: "accounts", ForeignKey: "account_id", TargetKey: "id"},
		},
	}
	sql, err := selectSQL("orders", q, d, pb)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if !strings.Contains(sql, "account_id") {
		t.Fatalf("foreign key must be selected for expand: %s", sql)
	}
}

func TestAggregateSQL(t *testing.T) {
	d := &PostgresDialect{}
	pb := d.NewParamBuilder()
	q := &query.CompiledQuery{
		Object:  "orders",
		GroupBy: []string{"status"},
		Aggregate: []query.AggregateEntry{
			{Function: query.AggSum, Field: "amount", Alias: "total"},
			{Function: query.AggCount},
		},
	}
	sql, err := aggregateSQL("orders", q, d, pb)
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	want := "SELECT status, SUM(amount) AS total, COUNT(*) AS count FROM orders GROUP BY status"
	if sql != want {
		t.Fatalf("got  %s\nwant %s", sql, want)
	}
}

func TestColumnTypes(t *testing.T) {
	pg := &PostgresDialect{}
	lite := &SQLiteDialect{}
	if pg.ColumnType("number") != "DOUBLE PRECISION" || lite.ColumnType("number") != "REAL" {
		t.Fatal("number column type")
	}
	if pg.ColumnType("boolean") != "BOOLEAN" || lite.ColumnType("boolean") != "INTEGER" {
		t.Fatal("boolean column type")
	}
	if pg.ColumnType("json") != "JSONB" || lite.ColumnType("json") != "TEXT" {
		t.Fatal("json column type")
	}
}
