// Package secrets resolves a tenant's declared configuration schema and
// stored secret values into a single validated configuration object.
package secrets

// FieldType enumerates the value types a declared secret field may carry.
type FieldType string

const (
	FieldTypeString  FieldType = "string"
	FieldTypeBoolean FieldType = "boolean"
	FieldTypeNumber  FieldType = "number"
	FieldTypeInteger FieldType = "integer"
)

// Field is one declared schema entry. Field names are unique within a
// schema; Enum only applies to string-typed fields.
type Field struct {
	Name        string    `json:"name"`
	Type        FieldType `json:"type"`
	Default     any       `json:"default,omitempty"`
	Enum        []string  `json:"enum,omitempty"`
	Description string    `json:"description,omitempty"`
}

// Schema is the declared secret schema for a package, as served by the
// registry: two field lists, one required and one optional.
type Schema struct {
	Required []Field `json:"required_secrets"`
	Optional []Field `json:"optional_secrets"`
}

// Empty reports whether the schema declares no fields at all.
func (s Schema) Empty() bool {
	return len(s.Required) == 0 && len(s.Optional) == 0
}

// ResolvedConfig maps declared field names to type-validated values. It is a
// one-way product of the merge; it carries no reference back to the schema.
type ResolvedConfig map[string]any
