package record

// DiffKind classifies a row-level comparison.
type DiffKind string

const (
	DiffAdded     DiffKind = "added"
	DiffDeleted   DiffKind = "deleted"
	DiffModified  DiffKind = "modified"
	DiffUnchanged DiffKind = "unchanged"
	DiffNone      DiffKind = "none"
)

// FieldDiff is one field's comparison result. Original is nil for fields that
// have no persisted counterpart (new records or newly introduced fields).
type FieldDiff struct {
	Original *Value `json:"original,omitempty"`
	Pending  *Value `json:"pending,omitempty"`
	Changed  bool   `json:"changed"`
}

// DiffResult is a full renderable comparison between a persisted row and a
// proposed row. FieldOrder preserves the display order of Fields.
type DiffResult struct {
	Kind       DiffKind             `json:"kind"`
	Fields     map[string]FieldDiff `json:"fields"`
	FieldOrder []string             `json:"field_order"`
	HasChanges bool                 `json:"has_changes"`
}

// Diff compares the persisted row with the proposed row. A nil original means
// a proposed creation; a nil or empty pending against a persisted row means a
// deletion. The result is pure and deterministic given its inputs.
func Diff(original, pending *Record) DiffResult {
	result := DiffResult{Fields: make(map[string]FieldDiff)}

	switch {
	case original == nil && (pending == nil || pending.Len() == 0):
		result.Kind = DiffNone
		return result

	case original == nil:
		result.Kind = DiffAdded
		result.HasChanges = true
		for _, field := range pending.Fields {
			v := pending.Values[field]
			result.Fields[field] = FieldDiff{Pending: &v, Changed: true}
			result.FieldOrder = append(result.FieldOrder, field)
		}
		return result

	case pending == nil || pending.Len() == 0:
		result.Kind = DiffDeleted
		result.HasChanges = true
		for _, field := range original.Fields {
			v := original.Values[field]
			result.Fields[field] = FieldDiff{Original: &v, Changed: true}
			result.FieldOrder = append(result.FieldOrder, field)
		}
		return result
	}

	// The pending row is the authoritative field list for display.
	for _, field := range pending.Fields {
		after := pending.Values[field]
		diff := FieldDiff{Pending: &after}
		if before, ok := original.Get(field); ok {
			b := before
			diff.Original = &b
			diff.Changed = !before.Equal(after)
		} else {
			diff.Changed = true
		}
		if diff.Changed {
			result.HasChanges = true
		}
		result.Fields[field] = diff
		result.FieldOrder = append(result.FieldOrder, field)
	}

	if result.HasChanges {
		result.Kind = DiffModified
	} else {
		result.Kind = DiffUnchanged
	}
	return result
}
