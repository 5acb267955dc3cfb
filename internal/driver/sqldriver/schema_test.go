package sqldriver

import (
	"context"
	"database/sql"
	"testing"

	"objectql/internal/metadata"
)

// stubDialect answers introspection from canned data so schema reporting
// can be tested without a live database.
type stubDialect struct {
	SQLiteDialect
	tables map[string]map[string]string
}

func (s *stubDialect) TableExists(ctx context.Context, db *sql.DB, table string) (bool, error) {
	_, ok := s.tables[table]
	return ok, nil
}

func (s *stubDialect) GetColumns(ctx context.Context, db *sql.DB, table string) (map[string]string, error) {
	return s.tables[table], nil
}

func TestIntrospectSchema(t *testing.T) {
	reg := metadata.NewRegistry()
	objects := []*metadata.ObjectConfig{
		{
			Name: "orders",
			Fields: []metadata.FieldConfig{
				{Name: "id", Type: metadata.FieldText},
				{Name: "amount", Type: metadata.FieldNumber},
				{Name: "account_id", Type: metadata.FieldLookup, Reference: "accounts"},
			},
		},
		{
			Name:   "accounts",
			Fields: []metadata.FieldConfig{{Name: "id", Type: metadata.FieldText}},
		},
	}
	for _, obj := range objects {
		if err := reg.RegisterObject(obj); err != nil {
			t.Fatalf("register %s: %v", obj.Name, err)
		}
	}

	d := &Driver{
		Dialect: &stubDialect{tables: map[string]map[string]string{
			"orders": {"id": "TEXT", "amount": "REAL", "account_id": "TEXT"},
		}},
		reg: reg,
	}

	schema, err := d.IntrospectSchema(context.Background())
	if err != nil {
		t.Fatalf("introspect: %v", err)
	}
	ts, ok := schema.Tables["orders"]
	if !ok {
		t.Fatalf("orders table missing: %v", schema.Tables)
	}
	if ts.Columns["amount"] != "REAL" {
		t.Fatalf("column types must come from the database: %v", ts.Columns)
	}
	if len(ts.PrimaryKeys) != 1 || ts.PrimaryKeys[0] != "id" {
		t.Fatalf("primary key: %v", ts.PrimaryKeys)
	}
	if ts.ForeignKeys["account_id"] != "accounts" {
		t.Fatalf("lookup fields must surface as foreign keys: %v", ts.ForeignKeys)
	}
	// Tables the database does not have yet are omitted, not fabricated.
	if _, ok := schema.Tables["accounts"]; ok {
		t.Fatalf("unexpected accounts table: %v", schema.Tables)
	}
}
