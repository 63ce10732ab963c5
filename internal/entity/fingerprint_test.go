package entity

import "testing"

func TestFingerprint_StableAndSensitive(t *testing.T) {
	a := &Employee{ID: "1001", FirstName: "Jane", LastName: "Doe", Email: "jane.doe@x.com"}
	b := &Employee{ID: "1001", FirstName: "Jane", LastName: "Doe", Email: "jane.doe@x.com"}

	if Fingerprint(a) != Fingerprint(b) {
		t.Error("identical records produced different fingerprints")
	}

	b.Email = "j.doe@x.com"
	if Fingerprint(a) == Fingerprint(b) {
		t.Error("field change did not alter fingerprint")
	}

	c := &Vehicle{ID: "1001", Name: "Jane"}
	if Fingerprint(a) == Fingerprint(c) {
		t.Error("different entity types with same id collided")
	}
}

func TestChangedFields_SortedAndComplete(t *testing.T) {
	before := &Employee{ID: "1", FirstName: "Jane", LastName: "Doe", Email: "old@x.com", Site: "s1"}
	after := &Employee{ID: "1", FirstName: "Jane", LastName: "Doe", Email: "new@x.com", Site: "s2", Phone: "555"}

	changes := ChangedFields(before, after)
	want := []FieldChange{
		{Field: "email", Before: "old@x.com", After: "new@x.com"},
		{Field: "phone", Before: "", After: "555"},
		{Field: "site", Before: "s1", After: "s2"},
	}
	if len(changes) != len(want) {
		t.Fatalf("got %d changes %v, want %d", len(changes), changes, len(want))
	}
	for i := range want {
		if changes[i] != want[i] {
			t.Errorf("change[%d] = %+v, want %+v", i, changes[i], want[i])
		}
	}
}

func TestChangedFields_NilSides(t *testing.T) {
	rec := &Site{ID: "s1", Name: "Depot"}
	if got := ChangedFields(nil, rec); len(got) != 1 || got[0].Field != "name" {
		t.Errorf("nil before: got %v", got)
	}
	if got := ChangedFields(rec, rec); got != nil {
		t.Errorf("identical records: got %v, want nil", got)
	}
}
