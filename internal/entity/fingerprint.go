package entity

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// Fingerprint is a stable hash over the normalized fields of a record.
// Two records with equal type, id, and fields always hash identically;
// the upsert path treats a matching fingerprint as "unchanged".
func Fingerprint(r Record) string {
	fields := r.Fields()
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(string(r.EntityType()))
	b.WriteByte(0)
	b.WriteString(r.EntityID())
	for _, k := range keys {
		b.WriteByte(0)
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(fields[k])
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:16])
}

// FieldChange describes one differing field between two records.
type FieldChange struct {
	Field  string `json:"field"`
	Before string `json:"before"`
	After  string `json:"after"`
}

// ChangedFields compares two records field by field, sorted by name.
// A nil record is treated as empty on that side.
func ChangedFields(before, after Record) []FieldChange {
	var bf, af map[string]string
	if before != nil {
		bf = before.Fields()
	}
	if after != nil {
		af = after.Fields()
	}

	seen := map[string]bool{}
	var names []string
	for k := range bf {
		if !seen[k] {
			seen[k] = true
			names = append(names, k)
		}
	}
	for k := range af {
		if !seen[k] {
			seen[k] = true
			names = append(names, k)
		}
	}
	sort.Strings(names)

	var changes []FieldChange
	for _, k := range names {
		if bf[k] != af[k] {
			changes = append(changes, FieldChange{Field: k, Before: bf[k], After: af[k]})
		}
	}
	return changes
}
