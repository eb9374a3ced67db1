package store

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"
)

// PageCursor positions a descending list on (createdAt, id).
type PageCursor struct {
	CreatedAt time.Time `json:"createdAt"`
	ID        string    `json:"id"`
}

// SeqCursor positions an ascending event list after a sequence number.
type SeqCursor struct {
	Seq int64 `json:"seq"`
}

// EncodeCursor serializes a cursor payload as unpadded base64url JSON.
func EncodeCursor(v any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return base64.RawURLEncoding.EncodeToString(raw)
}

// DecodePageCursor parses an opaque cursor for descending lists. An empty
// cursor returns nil; a malformed one returns an error the handler maps to
// 400.
func DecodePageCursor(s string) (*PageCursor, error) {
	if s == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid cursor: %w", err)
	}
	var c PageCursor
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("invalid cursor: %w", err)
	}
	if c.CreatedAt.IsZero() || c.ID == "" {
		return nil, fmt.Errorf("invalid cursor: missing fields")
	}
	return &c, nil
}

// DecodeSeqCursor parses an opaque cursor for ascending event lists.
func DecodeSeqCursor(s string) (*SeqCursor, error) {
	if s == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid cursor: %w", err)
	}
	var c SeqCursor
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("invalid cursor: %w", err)
	}
	if c.Seq < 0 {
		return nil, fmt.Errorf("invalid cursor: negative seq")
	}
	return &c, nil
}
