// ABOUTME: Keyset-pagination cursor helpers shared by the record list handlers.
// ABOUTME: A cursor is base64("RFC3339Nano|uuid") over the last row of a page.
package api

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// encodeTimeCursor encodes a (time, uuid) pair as a base64 cursor string.
func encodeTimeCursor(t time.Time, id uuid.UUID) string {
	raw := t.UTC().Format(time.RFC3339Nano) + "|" + id.String()
	return base64.StdEncoding.EncodeToString([]byte(raw))
}

// decodeTimeCursor decodes a base64 cursor into a (time, uuid) pair.
func decodeTimeCursor(s string) (time.Time, uuid.UUID, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return time.Time{}, uuid.Nil, fmt.Errorf("decode cursor: %w", err)
	}
	parts := strings.SplitN(string(raw), "|", 2)
	if len(parts) != 2 {
		return time.Time{}, uuid.Nil, fmt.Errorf("invalid cursor format")
	}
	t, err := time.Parse(time.RFC3339Nano, parts[0])
	if err != nil {
		return time.Time{}, uuid.Nil, fmt.Errorf("cursor time: %w", err)
	}
	id, err := uuid.Parse(parts[1])
	if err != nil {
		return time.Time{}, uuid.Nil, fmt.Errorf("cursor id: %w", err)
	}
	return t, id, nil
}

// timeCursorFromQuery reads the "after" query parameter. A malformed cursor is
// ignored, returning the first page rather than an error.
func timeCursorFromQuery(q url.Values) (*time.Time, *uuid.UUID) {
	c := q.Get("after")
	if c == "" {
		return nil, nil
	}
	t, id, err := decodeTimeCursor(c)
	if err != nil {
		return nil, nil
	}
	return &t, &id
}
