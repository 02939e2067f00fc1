// Package pagination implements keyset cursors for list endpoints.
//
// A cursor names the (createdAt, id) key of the last row a client has
// seen. Stores fetch limit+1 rows past that key so they can tell whether
// another page remains. Cursor strings are opaque to clients.
package pagination

import (
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidCursor is returned when a cursor string cannot be decoded.
var ErrInvalidCursor = errors.New("invalid cursor")

// Cursor is a decoded list position.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// Encode packs a row key into an opaque cursor string.
func Encode(createdAt time.Time, id string) string {
	raw := strconv.FormatInt(createdAt.UnixNano(), 10) + "|" + id
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// Decode unpacks a cursor produced by Encode. Empty input decodes to a
// nil cursor, meaning the first page.
func Decode(s string) (*Cursor, error) {
	if s == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	ts, id, ok := strings.Cut(string(raw), "|")
	if !ok {
		return nil, ErrInvalidCursor
	}
	nanos, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	return &Cursor{CreatedAt: time.Unix(0, nanos).UTC(), ID: id}, nil
}

// ComputePage trims a limit+1 fetch down to one page. It returns the
// page, the cursor naming its final row, and whether more rows remain.
// key extracts the (createdAt, id) pair from a row.
func ComputePage[T any](rows []T, limit int, key func(T) (time.Time, string)) ([]T, string, bool) {
	if len(rows) <= limit {
		return rows, "", false
	}
	page := rows[:limit]
	createdAt, id := key(page[len(page)-1])
	return page, Encode(createdAt, id), true
}
