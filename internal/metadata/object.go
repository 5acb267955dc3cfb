package metadata

// ObjectConfig is the parsed declarative schema for one object. The YAML/
// JSON loader is an external collaborator; by the time a config reaches the
// registry its name and field list are already resolved.
type ObjectConfig struct {
	Name        string            `json:"name"`
	Label       string            `json:"label,omitempty"`
	Table       string            `json:"table,omitempty"`
	Package     string            `json:"package,omitempty"`
	PrimaryKey  string            `json:"primary_key,omitempty"`
	EnableSpace bool              `json:"enable_space,omitempty"`
	Fields      []FieldConfig     `json:"fields"`
	Permissions *PermissionConfig `json:"permissions,omitempty"`
	Rules       []ValidationRule  `json:"rules,omitempty"`
}

// GetField returns a pointer to the field with the given name, or nil.
func (o *ObjectConfig) GetField(name string) *FieldConfig {
	for i := range o.Fields {
		if o.Fields[i].Name == name {
			return &o.Fields[i]
		}
	}
	return nil
}

// HasField returns true if the object has a field with the given name.
func (o *ObjectConfig) HasField(name string) bool {
	return o.GetField(name) != nil
}

// FieldNames returns all field names, formula fields included.
func (o *ObjectConfig) FieldNames() []string {
	names := make([]string, len(o.Fields))
	for i, f := range o.Fields {
		names[i] = f.Name
	}
	return names
}

// StoredFieldNames returns the names of persisted fields. Formula fields
// are computed at read time and never stored.
func (o *ObjectConfig) StoredFieldNames() []string {
	var names []string
	for _, f := range o.Fields {
		if f.Type != FieldFormula {
			names = append(names, f.Name)
		}
	}
	return names
}

// FormulaFields returns the formula-typed fields of the object.
func (o *ObjectConfig) FormulaFields() []FieldConfig {
	var out []FieldConfig
	for _, f := range o.Fields {
		if f.Type == FieldFormula {
			out = append(out, f)
		}
	}
	return out
}

// formulaFieldSet returns formula field names for the recursion check.
func (o *ObjectConfig) formulaFieldSet() map[string]bool {
	set := make(map[string]bool)
	for _, f := range o.Fields {
		if f.Type == FieldFormula {
			set[f.Name] = true
		}
	}
	return set
}
