// Package pagination implements opaque keyset cursors for newest-first
// listings ordered by (timestamp DESC, id DESC).
package pagination

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	svcErr "github.com/oggyb/muzz-live/internal/errors"
)

// Cursor points just past the last row of a page.
type Cursor struct {
	ID       string `json:"id"`
	SortUnix int64  `json:"sort_unix,omitempty"`
}

// IsZero reports whether the cursor points at the first page.
func (c Cursor) IsZero() bool {
	return c.ID == "" && c.SortUnix == 0
}

// SortTime is the cursor timestamp in UTC.
func (c Cursor) SortTime() time.Time {
	return time.UnixMilli(c.SortUnix).UTC()
}

// Encode converts a Cursor into a URL-safe token.
func Encode(c Cursor) (string, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("failed to marshal cursor: %w", err)
	}
	return base64.URLEncoding.EncodeToString(b), nil
}

// Decode parses a token. Empty token → first page; anything unreadable is a
// validation error.
func Decode(token string) (Cursor, error) {
	if token == "" {
		return Cursor{}, nil
	}

	b, err := base64.URLEncoding.DecodeString(token)
	if err != nil {
		return Cursor{}, svcErr.Validation("invalid pagination token")
	}

	var c Cursor
	if err := json.Unmarshal(b, &c); err != nil || c.ID == "" {
		return Cursor{}, svcErr.Validation("invalid pagination token")
	}
	return c, nil
}

// Page trims rows fetched with limit+1 down to limit and returns the token of
// the next page, or nil when rows was the last page.
//
// Example:
//
//	rows, next := pagination.Page(found, 20, func(a db.MatchAttempt) pagination.Cursor { ... })
func Page[T any](rows []T, limit int, cursorOf func(T) Cursor) ([]T, *string) {
	if limit <= 0 || len(rows) <= limit {
		return rows, nil
	}
	token, err := Encode(cursorOf(rows[limit-1]))
	if err != nil {
		return rows[:limit], nil
	}
	return rows[:limit], &token
}
