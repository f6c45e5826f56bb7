package record

// ComputeDelta derives the minimal field changes between the persisted record
// and its edited copy. Only fields whose values differ appear, with the same
// key set on both sides. The identifier field is never included. An empty
// result means the edit is a no-op and no change request should be created.
func ComputeDelta(original, edited Record, idField string) (oldDelta, newDelta map[string]Value) {
	oldDelta = make(map[string]Value)
	newDelta = make(map[string]Value)

	for _, field := range edited.Fields {
		if field == idField {
			continue
		}
		after, ok := edited.Get(field)
		if !ok {
			continue
		}
		before, had := original.Get(field)
		if had && before.Equal(after) {
			continue
		}
		if !had {
			before = Null()
		}
		oldDelta[field] = before
		newDelta[field] = after
	}
	return oldDelta, newDelta
}
