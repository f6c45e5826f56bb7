package record

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// ValidationError reports raw edited input that cannot be coerced into the
// field's target type. It is raised before any change request is created.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// targetType resolves the type raw input is coerced to: the declared schema
// type when present, else the prior value's tag. The fallback is a bounded
// heuristic for tables whose schema could not be fetched.
func targetType(schema *FieldSchema, prior Value) string {
	if schema != nil && schema.DeclaredType != "" && schema.DeclaredType != TypeUnknown {
		return schema.DeclaredType
	}
	switch prior.Kind {
	case KindNumber:
		return TypeNumber
	case KindBoolean:
		return TypeBoolean
	case KindStructured:
		return TypeStructured
	default:
		return TypeText
	}
}

// Coerce converts raw edited text back into a typed value.
//
// number: empty input becomes Null, anything else must parse as a float.
// boolean: case-insensitive "true", anything else is false.
// structured: re-parsed as JSON; a parse failure keeps the raw text rather
// than failing the whole edit.
// text: kept verbatim.
func Coerce(schema *FieldSchema, prior Value, raw string) (Value, error) {
	name := ""
	if schema != nil {
		name = schema.Name
	}
	switch targetType(schema, prior) {
	case TypeNumber:
		trimmed := strings.TrimSpace(raw)
		if trimmed == "" {
			return Null(), nil
		}
		n, err := strconv.ParseFloat(trimmed, 64)
		if err != nil {
			return Value{}, &ValidationError{Field: name, Message: fmt.Sprintf("%q is not a number", raw)}
		}
		return Number(n), nil
	case TypeBoolean:
		return Bool(strings.EqualFold(strings.TrimSpace(raw), "true")), nil
	case TypeStructured:
		trimmed := strings.TrimSpace(raw)
		if trimmed == "" {
			return Null(), nil
		}
		if json.Valid([]byte(trimmed)) {
			return Structured(json.RawMessage(trimmed)), nil
		}
		return String(raw), nil
	default:
		return String(raw), nil
	}
}

// CoerceBool takes a checkbox-style control's state directly.
func CoerceBool(checked bool) Value { return Bool(checked) }

// CoerceRecord coerces a full set of raw field edits against a schema and the
// previously persisted record. Unknown fields fall back to the prior value's
// tag; the first invalid field aborts the edit.
func CoerceRecord(schemas []FieldSchema, prior Record, raw map[string]string) (Record, error) {
	byName := make(map[string]*FieldSchema, len(schemas))
	for i := range schemas {
		byName[schemas[i].Name] = &schemas[i]
	}

	out := prior.Clone()
	for field, text := range raw {
		priorValue, _ := prior.Get(field)
		coerced, err := Coerce(byName[field], priorValue, text)
		if err != nil {
			return Record{}, err
		}
		if _, ok := out.Values[field]; !ok {
			out.Fields = append(out.Fields, field)
		}
		out.Values[field] = coerced
	}
	return out, nil
}
