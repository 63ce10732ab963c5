package adapters

import (
	"encoding/base64"
	"strings"
)

// Cursor encodes a position in a paginated listing as base64("<last-id>").
// Ordering by primary id makes pages restartable: re-fetching from a
// cursor never skips or duplicates records even if the listing restarts.
type Cursor struct {
	LastID string
}

// EncodeCursor returns the wire form, empty for the zero cursor.
func EncodeCursor(c Cursor) string {
	if c.LastID == "" {
		return ""
	}
	return base64.RawURLEncoding.EncodeToString([]byte(c.LastID))
}

// DecodeCursor parses a wire cursor; ok is false for empty or garbage.
func DecodeCursor(s string) (Cursor, bool) {
	if s == "" {
		return Cursor{}, false
	}
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil || len(b) == 0 {
		return Cursor{}, false
	}
	id := string(b)
	if strings.ContainsRune(id, '\n') {
		return Cursor{}, false
	}
	return Cursor{LastID: id}, true
}
