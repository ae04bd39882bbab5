package records

import (
	"context"

	"github.com/loomlang/loom/pkg/ir"
)

// ValidateCreate checks a complete proposed row against the schema. Every
// declared field is checked in declaration order; the first violated rule
// aborts with an error naming the field and the rule.
func ValidateCreate(ctx context.Context, schema *ir.RecordSchema, row Row, frames FrameStore) error {
	for _, spec := range schema.Fields {
		value, present := row[spec.Name]
		if err := validateField(ctx, schema, spec, value, present, frames); err != nil {
			return err
		}
	}
	return nil
}

// ValidateUpdate checks only the fields present in the update payload.
// Unspecified fields are not re-validated.
func ValidateUpdate(ctx context.Context, schema *ir.RecordSchema, fields Row, frames FrameStore) error {
	for _, spec := range schema.Fields {
		value, present := fields[spec.Name]
		if !present {
			continue
		}
		if err := validateField(ctx, schema, spec, value, present, frames); err != nil {
			return err
		}
	}
	return nil
}

// validateField applies a field's constraints in a fixed order: required,
// type, numeric bounds, length bounds, enum, pattern, foreign key. A nil or
// absent value on a non-required field passes without further checks.
func validateField(ctx context.Context, schema *ir.RecordSchema, spec *ir.FieldSpec, value any, present bool, frames FrameStore) error {
	if !present || value == nil {
		if spec.Required {
			return violation(schema, spec, "required", "field %q is required", spec.Name)
		}
		return nil
	}

	if err := checkType(schema, spec, value); err != nil {
		return err
	}

	if num, ok := toFloat(value); ok {
		if spec.AtLeast != nil && num < *spec.AtLeast {
			return violation(schema, spec, "at_least",
				"field %q must be at least %v, got %v", spec.Name, *spec.AtLeast, value)
		}
		if spec.AtMost != nil && num > *spec.AtMost {
			return violation(schema, spec, "at_most",
				"field %q must be at most %v, got %v", spec.Name, *spec.AtMost, value)
		}
	}

	if length, ok := lengthOf(value); ok {
		if spec.MinLength != nil && length < *spec.MinLength {
			return violation(schema, spec, "min_length",
				"field %q must have length at least %d, got %d", spec.Name, *spec.MinLength, length)
		}
		if spec.MaxLength != nil && length > *spec.MaxLength {
			return violation(schema, spec, "max_length",
				"field %q must have length at most %d, got %d", spec.Name, *spec.MaxLength, length)
		}
	}

	if len(spec.Enum) > 0 {
		found := false
		for _, allowed := range spec.Enum {
			if keysEqual(allowed, value) {
				found = true
				break
			}
		}
		if !found {
			return violation(schema, spec, "enum",
				"field %q must be one of %v, got %v", spec.Name, spec.Enum, value)
		}
	}

	if spec.Pattern != nil {
		// Schema construction guarantees pattern fields are string-typed.
		str, _ := value.(string)
		if !spec.Pattern.MatchString(str) {
			return violation(schema, spec, "pattern",
				"field %q must match pattern %q, got %q", spec.Name, spec.Pattern.String(), str)
		}
	}

	if spec.References != nil {
		_, found, err := frames.Lookup(ctx, spec.References.Record, value)
		if err != nil {
			return err
		}
		if !found {
			return violation(schema, spec, "foreign_key",
				"field %q references %s.%s, and no %s row has %s = %v",
				spec.Name, spec.References.Record, spec.References.Field,
				spec.References.Record, spec.References.Field, value)
		}
	}

	return nil
}

func checkType(schema *ir.RecordSchema, spec *ir.FieldSpec, value any) error {
	ok := true
	switch spec.Type {
	case ir.FieldString:
		_, ok = value.(string)
	case ir.FieldNumber:
		_, ok = toFloat(value)
	case ir.FieldBoolean:
		_, ok = value.(bool)
	case ir.FieldList:
		_, ok = value.([]any)
	case ir.FieldMap:
		_, ok = value.(map[string]any)
	case ir.FieldAny:
		// accepts everything
	}
	if !ok {
		return violation(schema, spec, "type",
			"field %q must be a %s, got %T", spec.Name, spec.Type, value)
	}
	return nil
}

func lengthOf(value any) (int, bool) {
	switch v := value.(type) {
	case string:
		return len([]rune(v)), true
	case []any:
		return len(v), true
	default:
		return 0, false
	}
}

func violation(schema *ir.RecordSchema, spec *ir.FieldSpec, rule, format string, args ...any) error {
	return ir.NewErrorf(ir.ErrCodeValidation, format, args...).
		WithDetails(map[string]any{
			"record": schema.Name,
			"field":  spec.Name,
			"rule":   rule,
		})
}
