package ir

import (
	"fmt"
	"regexp"
)

// FieldType enumerates the value types a record field may hold.
type FieldType string

const (
	FieldString  FieldType = "string"
	FieldNumber  FieldType = "number"
	FieldBoolean FieldType = "boolean"
	FieldList    FieldType = "list"
	FieldMap     FieldType = "map"
	FieldAny     FieldType = "any"
)

// ForeignKey references another record's field; the referenced field must be
// that record's primary key.
type ForeignKey struct {
	Record string
	Field  string
}

// FieldDef is the raw, declaration-time shape of a field. It is compiled into
// a FieldSpec by NewRecordSchema, which is where structurally invalid
// constraints (like a pattern on a numeric field) are rejected.
type FieldDef struct {
	Name       string
	Type       FieldType
	Required   bool
	AtLeast    *float64
	AtMost     *float64
	MinLength  *int
	MaxLength  *int
	Enum       []any
	Pattern    string
	References *ForeignKey
}

// FieldSpec is a compiled field constraint set.
type FieldSpec struct {
	Name       string
	Type       FieldType
	Required   bool
	AtLeast    *float64
	AtMost     *float64
	MinLength  *int
	MaxLength  *int
	Enum       []any
	Pattern    *regexp.Regexp
	References *ForeignKey
}

// RecordSchema is a declared record: named fields with constraints plus a
// primary-key designation. Schemas are read-only during execution.
type RecordSchema struct {
	Name       string
	PrimaryKey string
	Fields     []*FieldSpec

	byName map[string]*FieldSpec
}

// NewRecordSchema compiles field definitions into a RecordSchema. Constraint
// shape errors are caught here, at declaration time, not when a row is
// validated: an unparseable regex, a pattern on a non-string field, or a
// primary key that names no declared field all fail construction.
func NewRecordSchema(name, primaryKey string, defs []FieldDef) (*RecordSchema, error) {
	if name == "" {
		return nil, NewError(ErrCodeValidation, "record schema needs a name")
	}

	rs := &RecordSchema{
		Name:       name,
		PrimaryKey: primaryKey,
		byName:     make(map[string]*FieldSpec, len(defs)),
	}

	for _, def := range defs {
		if def.Name == "" {
			return nil, NewErrorf(ErrCodeValidation, "record %q has a field without a name", name)
		}
		if _, dup := rs.byName[def.Name]; dup {
			return nil, NewErrorf(ErrCodeValidation, "record %q declares field %q twice", name, def.Name)
		}

		ft := def.Type
		if ft == "" {
			ft = FieldAny
		}

		spec := &FieldSpec{
			Name:       def.Name,
			Type:       ft,
			Required:   def.Required,
			AtLeast:    def.AtLeast,
			AtMost:     def.AtMost,
			MinLength:  def.MinLength,
			MaxLength:  def.MaxLength,
			Enum:       def.Enum,
			References: def.References,
		}

		if def.Pattern != "" {
			if ft != FieldString {
				return nil, NewErrorf(ErrCodeValidation,
					"record %q: pattern constraint on field %q requires a string type, field is %s",
					name, def.Name, ft)
			}
			re, err := regexp.Compile(def.Pattern)
			if err != nil {
				return nil, NewErrorf(ErrCodeValidation,
					"record %q: invalid pattern for field %q: %s", name, def.Name, err.Error()).WithCause(err)
			}
			spec.Pattern = re
		}

		rs.Fields = append(rs.Fields, spec)
		rs.byName[def.Name] = spec
	}

	if primaryKey != "" {
		if _, ok := rs.byName[primaryKey]; !ok {
			return nil, NewErrorf(ErrCodeValidation,
				"record %q: primary key %q is not a declared field", name, primaryKey)
		}
	}

	return rs, nil
}

// Field returns the spec for a field name.
func (rs *RecordSchema) Field(name string) (*FieldSpec, bool) {
	f, ok := rs.byName[name]
	return f, ok
}

// MustRecordSchema is NewRecordSchema for declarations known to be valid,
// such as test fixtures.
func MustRecordSchema(name, primaryKey string, defs []FieldDef) *RecordSchema {
	rs, err := NewRecordSchema(name, primaryKey, defs)
	if err != nil {
		panic(fmt.Sprintf("invalid record schema %s: %v", name, err))
	}
	return rs
}
