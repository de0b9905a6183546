package cache

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

// validateQuery rejects raw queries the engine will not process: empty
// input, oversized input, invalid UTF-8, and control characters. Rejection
// happens before normalization so malformed input never reaches the cache
// or the compute backend.
func validateQuery(query string, maxLength int) error {
	if strings.TrimSpace(query) == "" {
		return ErrEmptyQuery
	}
	if utf8.RuneCountInString(query) > maxLength {
		return fmt.Errorf("%w: %d runes, limit %d", ErrQueryTooLong, utf8.RuneCountInString(query), maxLength)
	}
	if !utf8.ValidString(query) {
		return fmt.Errorf("%w: invalid utf-8", ErrInvalidCharacters)
	}
	for _, r := range query {
		if unicode.IsControl(r) && r != '\n' && r != '\t' && r != '\r' {
			return fmt.Errorf("%w: control character %q", ErrInvalidCharacters, r)
		}
	}
	return nil
}
