// Package record models typed table rows and the pure operations the
// review workflow needs: edit coercion, minimal deltas, and field diffs.
package record

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"
)

// Kind tags a field value. Values are a closed variant rather than bare
// interface{} so callers never inspect runtime types ad hoc.
type Kind int

const (
	KindNull Kind = iota
	KindText
	KindNumber
	KindBoolean
	KindStructured
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindText:
		return "text"
	case KindNumber:
		return "number"
	case KindBoolean:
		return "boolean"
	case KindStructured:
		return "structured"
	}
	return "unknown"
}

// Value is one field value of a row.
type Value struct {
	Kind       Kind
	Text       string
	Number     float64
	Boolean    bool
	Structured json.RawMessage
}

func Null() Value                       { return Value{Kind: KindNull} }
func String(s string) Value             { return Value{Kind: KindText, Text: s} }
func Number(n float64) Value            { return Value{Kind: KindNumber, Number: n} }
func Bool(b bool) Value                 { return Value{Kind: KindBoolean, Boolean: b} }
func Structured(raw json.RawMessage) Value {
	return Value{Kind: KindStructured, Structured: raw}
}

// IsNull reports whether the value carries no data.
func (v Value) IsNull() bool { return v.Kind == KindNull }

// Equal compares by value. Structured values compare as compacted JSON so
// formatting differences do not register as edits.
func (v Value) Equal(other Value) bool {
	if v.Kind != other.Kind {
		return false
	}
	switch v.Kind {
	case KindNull:
		return true
	case KindText:
		return v.Text == other.Text
	case KindNumber:
		return v.Number == other.Number
	case KindBoolean:
		return v.Boolean == other.Boolean
	case KindStructured:
		return bytes.Equal(compactJSON(v.Structured), compactJSON(other.Structured))
	}
	return false
}

// Any converts the value into a database driver argument.
func (v Value) Any() any {
	switch v.Kind {
	case KindText:
		return v.Text
	case KindNumber:
		return v.Number
	case KindBoolean:
		return v.Boolean
	case KindStructured:
		return []byte(v.Structured)
	default:
		return nil
	}
}

// Display renders the value as the text a form field would show.
func (v Value) Display() string {
	switch v.Kind {
	case KindNull:
		return ""
	case KindText:
		return v.Text
	case KindNumber:
		return strconv.FormatFloat(v.Number, 'f', -1, 64)
	case KindBoolean:
		return strconv.FormatBool(v.Boolean)
	case KindStructured:
		return string(v.Structured)
	}
	return ""
}

func (v Value) MarshalJSON() ([]byte, error) {
	switch v.Kind {
	case KindNull:
		return []byte("null"), nil
	case KindText:
		return json.Marshal(v.Text)
	case KindNumber:
		return json.Marshal(v.Number)
	case KindBoolean:
		return json.Marshal(v.Boolean)
	case KindStructured:
		if len(v.Structured) == 0 {
			return []byte("null"), nil
		}
		return v.Structured, nil
	}
	return nil, fmt.Errorf("marshal value: unknown kind %d", v.Kind)
}

func (v *Value) UnmarshalJSON(data []byte) error {
	*v = valueFromJSON(data)
	return nil
}

func valueFromJSON(data []byte) Value {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return Null()
	}
	switch trimmed[0] {
	case '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err == nil {
			return String(s)
		}
	case 't', 'f':
		var b bool
		if err := json.Unmarshal(trimmed, &b); err == nil {
			return Bool(b)
		}
	case '{', '[':
		return Structured(append(json.RawMessage(nil), trimmed...))
	default:
		var n float64
		if err := json.Unmarshal(trimmed, &n); err == nil {
			return Number(n)
		}
	}
	// Unrecognised JSON keeps its raw form.
	return Structured(append(json.RawMessage(nil), trimmed...))
}

// FromJSON converts raw JSON into a Value, tagging by the JSON shape.
func FromJSON(raw []byte) Value { return valueFromJSON(raw) }

// FromAny converts a database driver value into a Value.
func FromAny(v any) Value {
	switch val := v.(type) {
	case nil:
		return Null()
	case time.Time:
		return String(val.Format(time.RFC3339))
	case string:
		return String(val)
	case []byte:
		return String(string(val))
	case bool:
		return Bool(val)
	case float64:
		return Number(val)
	case float32:
		return Number(float64(val))
	case int64:
		return Number(float64(val))
	case int32:
		return Number(float64(val))
	case int:
		return Number(float64(val))
	case json.RawMessage:
		return valueFromJSON(val)
	case map[string]any, []any:
		raw, err := json.Marshal(val)
		if err != nil {
			return String(fmt.Sprintf("%v", val))
		}
		return Structured(raw)
	default:
		return String(fmt.Sprintf("%v", val))
	}
}

func compactJSON(raw json.RawMessage) []byte {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return raw
	}
	return buf.Bytes()
}

// FieldSchema describes one column of a table, as reported by the schema
// endpoint and used to coerce raw edited text back into a typed value.
type FieldSchema struct {
	Name         string `json:"name"`
	DeclaredType string `json:"type"`
	Nullable     bool   `json:"nullable"`
	IsIdentifier bool   `json:"primary_key"`
}

// Declared schema types.
const (
	TypeText       = "text"
	TypeNumber     = "number"
	TypeBoolean    = "boolean"
	TypeStructured = "structured"
	TypeUnknown    = "unknown"
)

// Record is an ordered mapping from field name to value. Fields preserves
// the column order the table reported; Values holds the data.
type Record struct {
	Fields []string
	Values map[string]Value
}

// NewRecord builds a Record from an ordered field list and a value map.
// Fields missing from values are filled with Null.
func NewRecord(fields []string, values map[string]Value) Record {
	out := Record{Fields: append([]string(nil), fields...), Values: make(map[string]Value, len(fields))}
	for _, f := range fields {
		if v, ok := values[f]; ok {
			out.Values[f] = v
		} else {
			out.Values[f] = Null()
		}
	}
	return out
}

// FromMap builds a Record with a deterministic (sorted) field order, for
// inputs that arrive as bare JSON objects.
func FromMap(values map[string]Value) Record {
	fields := make([]string, 0, len(values))
	for f := range values {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	return NewRecord(fields, values)
}

// Get returns the value for a field and whether the field exists.
func (r Record) Get(field string) (Value, bool) {
	v, ok := r.Values[field]
	return v, ok
}

// Len reports the number of fields.
func (r Record) Len() int { return len(r.Fields) }

// Clone returns a deep-enough copy; Values are immutable by convention.
func (r Record) Clone() Record {
	return NewRecord(r.Fields, r.Values)
}

// Apply overlays the given values onto a copy of the record, preserving
// field order and appending any fields the record did not already have.
func (r Record) Apply(values map[string]Value) Record {
	out := r.Clone()
	extra := make([]string, 0)
	for f, v := range values {
		if _, ok := out.Values[f]; !ok {
			extra = append(extra, f)
		}
		out.Values[f] = v
	}
	sort.Strings(extra)
	out.Fields = append(out.Fields, extra...)
	return out
}
