package metadata

import (
	"objectql/internal/formula"
)

// Field types understood by the core and the drivers.
const (
	FieldText     = "text"
	FieldNumber   = "number"
	FieldCurrency = "currency"
	FieldPercent  = "percent"
	FieldBoolean  = "boolean"
	FieldDate     = "date"
	FieldDatetime = "datetime"
	FieldJSON     = "json"
	FieldLookup   = "lookup"
	FieldFormula  = "formula"
)

var fieldTypes = map[string]bool{
	FieldText: true, FieldNumber: true, FieldCurrency: true, FieldPercent: true,
	FieldBoolean: true, FieldDate: true, FieldDatetime: true, FieldJSON: true,
	FieldLookup: true, FieldFormula: true,
}

// IsValidFieldType reports whether t is a known field type.
func IsValidFieldType(t string) bool { return fieldTypes[t] }

type FieldConfig struct {
	Name      string   `json:"name"`
	Type      string   `json:"type"`
	Label     string   `json:"label,omitempty"`
	Required  bool     `json:"required,omitempty"`
	Unique    bool     `json:"unique,omitempty"`
	Default   any      `json:"default,omitempty"`
	Nullable  bool     `json:"nullable,omitempty"`
	Enum      []string `json:"enum,omitempty"`
	Precision int      `json:"precision,omitempty"`

	// Lookup fields reference another object's primary key.
	Reference string `json:"reference,omitempty"`

	// Formula fields carry the expression config; they are read-only and
	// never persisted.
	Formula *formula.FieldConfig `json:"formula,omitempty"`
}

// IsStored reports whether the field is persisted by drivers.
func (f FieldConfig) IsStored() bool { return f.Type != FieldFormula }
