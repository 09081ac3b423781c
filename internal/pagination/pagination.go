// Package pagination implements the opaque cursor tokens and limit
// validation shared by every list operation.
package pagination

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// MaxLimit is the hard cap on any page size.
const MaxLimit = 50

var (
	// ErrCursor is wrapped when a cursor token cannot be decoded. Distinct
	// from limit faults so callers can report the offending parameter.
	ErrCursor = errors.New("invalid cursor")

	// ErrLimit is wrapped when a limit is out of range.
	ErrLimit = errors.New("invalid limit")
)

// EncodeCursor serialises payload as canonical JSON (object keys sorted,
// which encoding/json does for maps) and encodes it as unpadded base64url.
// Tokens are opaque to clients; the encoding may change without notice.
func EncodeCursor(payload map[string]any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode cursor: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

// DecodeCursor decodes a token back into its payload map. Any base64, JSON,
// or shape failure wraps ErrCursor.
func DecodeCursor(token string) (map[string]any, error) {
	data, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		// Tolerate padded tokens from older clients.
		data, err = base64.URLEncoding.DecodeString(token)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCursor, err)
		}
	}
	var payload map[string]any
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCursor, err)
	}
	if payload == nil {
		return nil, fmt.Errorf("%w: payload is not an object", ErrCursor)
	}
	return payload, nil
}

// Skip extracts the integer "skip" field from a cursor payload, defaulting
// to zero when absent. Negative or non-numeric values wrap ErrCursor.
func Skip(payload map[string]any) (int, error) {
	raw, ok := payload["skip"]
	if !ok {
		return 0, nil
	}
	f, ok := raw.(float64)
	if !ok {
		return 0, fmt.Errorf("%w: skip is not a number", ErrCursor)
	}
	skip := int(f)
	if skip < 0 {
		return 0, fmt.Errorf("%w: negative skip", ErrCursor)
	}
	return skip, nil
}

// ValidateLimit substitutes def when limit is nil and enforces
// [1, MaxLimit]. Violations wrap ErrLimit and are surfaced to the client
// rather than silently corrected.
func ValidateLimit(limit *int, def int) (int, error) {
	if limit == nil {
		return def, nil
	}
	if *limit < 1 || *limit > MaxLimit {
		return 0, fmt.Errorf("%w: must be between 1 and %d, got %d", ErrLimit, MaxLimit, *limit)
	}
	return *limit, nil
}
