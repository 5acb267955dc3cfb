package sqldriver

import (
	"context"
	"fmt"
	"strings"

	"objectql/internal/driver"
	"objectql/internal/metadata"
)

var _ driver.SchemaIntrospector = (*Driver)(nil)

// SyncSchema reconciles the database with the registered objects: missing
// tables are created, missing columns added. Columns are never dropped or
// retyped; destructive changes stay a human decision.
func (d *Driver) SyncSchema(ctx context.Context) error {
	for _, obj := range d.reg.AllObjects() {
		if err := d.syncObject(ctx, obj); err != nil {
			return err
		}
	}
	return nil
}

// IntrospectSchema reports the live database schema for every registered
// object. Column types come from the database, not the object config, so
// drift between the two is visible. Tables not yet created are omitted.
func (d *Driver) IntrospectSchema(ctx context.Context) (*driver.Schema, error) {
	out := &driver.Schema{Tables: make(map[string]driver.TableSchema)}
	for _, obj := range d.reg.AllObjects() {
		exists, err := d.Dialect.TableExists(ctx, d.DB, obj.Table)
		if err != nil {
			return nil, fmt.Errorf("check table %s: %w", obj.Table, err)
		}
		if !exists {
			continue
		}
		cols, err := d.Dialect.GetColumns(ctx, d.DB, obj.Table)
		if err != nil {
			return nil, fmt.Errorf("get columns for %s: %w", obj.Table, err)
		}
		ts := driver.TableSchema{
			Columns:     cols,
			PrimaryKeys: []string{obj.PrimaryKey},
			ForeignKeys: make(map[string]string),
		}
		for _, f := range obj.Fields {
			if f.Type != metadata.FieldLookup {
				continue
			}
			if ref := d.reg.GetObject(f.Reference); ref != nil {
				ts.ForeignKeys[f.Name] = ref.Table
			}
		}
		out.Tables[obj.Table] = ts
	}
	return out, nil
}

func (d *Driver) syncObject(ctx context.Context, obj *metadata.ObjectConfig) error {
	if !safeIdent(obj.Table) {
		return fmt.Errorf("unsafe table name %q", obj.Table)
	}
	exists, err := d.Dialect.TableExists(ctx, d.DB, obj.Table)
	if err != nil {
		return fmt.Errorf("check table %s: %w", obj.Table, err)
	}
	if !exists {
		return d.createTable(ctx, obj)
	}
	return d.alterTable(ctx, obj)
}

func (d *Driver) createTable(ctx context.Context, obj *metadata.ObjectConfig) error {
	var cols []string
	for _, f := range obj.Fields {
		if !f.IsStored() {
			continue
		}
		if !safeIdent(f.Name) {
			return fmt.Errorf("unsafe column name %q on %s", f.Name, obj.Name)
		}
		def := f.Name + " " + d.Dialect.ColumnType(f.Type)
		if f.Name == obj.PrimaryKey {
			def += " PRIMARY KEY"
		}
		cols = append(cols, def)
	}
	if obj.EnableSpace && obj.GetField("space_id") == nil {
		cols = append(cols, "space_id TEXT")
	}
	sqlStr := fmt.Sprintf("CREATE TABLE %s (\n  %s\n)", obj.Table, strings.Join(cols, ",\n  "))
	if _, err := d.DB.ExecContext(ctx, sqlStr); err != nil {
		return fmt.Errorf("create table %s: %w", obj.Table, err)
	}
	if obj.EnableSpace {
		idx := fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_space ON %s (space_id)", obj.Table, obj.Table)
		if _, err := d.DB.ExecContext(ctx, idx); err != nil {
			return fmt.Errorf("create space index on %s: %w", obj.Table, err)
		}
	}
	return nil
}

func (d *Driver) alterTable(ctx context.Context, obj *metadata.ObjectConfig) error {
	existing, err := d.Dialect.GetColumns(ctx, d.DB, obj.Table)
	if err != nil {
		return fmt.Errorf("get columns for %s: %w", obj.Table, err)
	}
	for _, f := range obj.Fields {
		if !f.IsStored() {
			continue
		}
		if _, ok := existing[f.Name]; ok {
			continue
		}
		if !safeIdent(f.Name) {
			return fmt.Errorf("unsafe column name %q on %s", f.Name, obj.Name)
		}
		sqlStr := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s",
			obj.Table, f.Name, d.Dialect.ColumnType(f.Type))
		if _, err := d.DB.ExecContext(ctx, sqlStr); err != nil {
			return fmt.Errorf("add column %s.%s: %w", obj.Table, f.Name, err)
		}
	}
	if obj.EnableSpace {
		if _, ok := existing["space_id"]; !ok && obj.GetField("space_id") == nil {
			sqlStr := fmt.Sprintf("ALTER TABLE %s ADD COLUMN space_id TEXT", obj.Table)
			if _, err := d.DB.ExecContext(ctx, sqlStr); err != nil {
				return fmt.Errorf("add space_id to %s: %w", obj.Table, err)
			}
		}
	}
	return nil
}
