package auth

import (
	"objectql/internal/formula"
	"objectql/internal/metadata"
)

// SystemObjects returns the object definitions the auth layer depends on.
// They are registered alongside application objects at startup and stored
// by whatever driver the process runs on. Both are admin-only; the auth
// service itself reads them through a system context.
func SystemObjects() []*metadata.ObjectConfig {
	adminOnly := &metadata.PermissionConfig{
		Read:   []string{"admin"},
		Create: []string{"admin"},
		Update: []string{"admin"},
		Delete: []string{"admin"},
	}
	return []*metadata.ObjectConfig{
		{
			Name: "users",
			Fields: []metadata.FieldConfig{
				{Name: "id", Type: metadata.FieldText},
				{Name: "name", Type: metadata.FieldText},
				{Name: "email", Type: metadata.FieldText, Required: true, Unique: true},
				{Name: "password_hash", Type: metadata.FieldText},
				{Name: "roles", Type: metadata.FieldJSON},
				{Name: "active", Type: metadata.FieldBoolean, Default: true},
				{Name: "display_name", Type: metadata.FieldFormula, Formula: &formula.FieldConfig{
					Expression: "name ?? email",
					DataType:   formula.TypeText,
				}},
			},
			Permissions: adminOnly,
		},
		{
			Name: "refresh_tokens",
			Fields: []metadata.FieldConfig{
				{Name: "id", Type: metadata.FieldText},
				{Name: "user_id", Type: metadata.FieldLookup, Reference: "users"},
				{Name: "token", Type: metadata.FieldText, Required: true, Unique: true},
				{Name: "expires_at", Type: metadata.FieldDatetime},
			},
			Permissions: adminOnly,
		},
	}
}
