package record

import "testing"

func TestComputeDeltaMinimal(t *testing.T) {
	original := NewRecord([]string{"id", "name", "price", "active"}, map[string]Value{
		"id":     Number(1),
		"name":   String("Widget"),
		"price":  Number(10),
		"active": Bool(true),
	})
	edited := NewRecord([]string{"id", "name", "price", "active"}, map[string]Value{
		"id":     Number(1),
		"name":   String("Widget"),
		"price":  Number(12),
		"active": Bool(false),
	})

	oldDelta, newDelta := ComputeDelta(original, edited, "id")

	if len(oldDelta) != 2 || len(newDelta) != 2 {
		t.Fatalf("expected two changed fields, got old=%v new=%v", oldDelta, newDelta)
	}
	for field := range newDelta {
		if _, ok := oldDelta[field]; !ok {
			t.Fatalf("key sets differ: %q missing from old delta", field)
		}
	}
	if _, ok := newDelta["id"]; ok {
		t.Fatal("identifier must be excluded")
	}
	if !newDelta["price"].Equal(Number(12)) || !oldDelta["price"].Equal(Number(10)) {
		t.Fatalf("price delta wrong: old=%v new=%v", oldDelta["price"], newDelta["price"])
	}
}

func TestComputeDeltaNoChanges(t *testing.T) {
	original := NewRecord([]string{"id", "name"}, map[string]Value{
		"id":   Number(1),
		"name": String("Widget"),
	})

	oldDelta, newDelta := ComputeDelta(original, original.Clone(), "id")
	if len(oldDelta) != 0 || len(newDelta) != 0 {
		t.Fatalf("expected empty deltas, got old=%v new=%v", oldDelta, newDelta)
	}
}

func TestComputeDeltaNewField(t *testing.T) {
	original := NewRecord([]string{"id"}, map[string]Value{"id": Number(1)})
	edited := NewRecord([]string{"id", "note"}, map[string]Value{
		"id":   Number(1),
		"note": String("added later"),
	})

	oldDelta, newDelta := ComputeDelta(original, edited, "id")
	if !oldDelta["note"].IsNull() {
		t.Fatalf("old side of a new field must be null, got %v", oldDelta["note"])
	}
	if !newDelta["note"].Equal(String("added later")) {
		t.Fatalf("unexpected new value %v", newDelta["note"])
	}
}

func TestComputeDeltaStructuredFormatting(t *testing.T) {
	original := NewRecord([]string{"id", "meta"}, map[string]Value{
		"id":   Number(1),
		"meta": Structured([]byte(`{"a": 1, "b": 2}`)),
	})
	edited := NewRecord([]string{"id", "meta"}, map[string]Value{
		"id":   Number(1),
		"meta": Structured([]byte(`{"a":1,"b":2}`)),
	})

	oldDelta, newDelta := ComputeDelta(original, edited, "id")
	if len(oldDelta) != 0 || len(newDelta) != 0 {
		t.Fatal("whitespace-only JSON difference must not register as a change")
	}
}
