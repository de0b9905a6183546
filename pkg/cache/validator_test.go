package cache

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateQuery(t *testing.T) {
	tests := []struct {
		name    string
		query   string
		wantErr error
	}{
		{"valid", "precio del extintor", nil},
		{"valid with accents", "¿cuánto cuesta el envío?", nil},
		{"valid with newline", "línea uno\nlínea dos", nil},
		{"empty", "", ErrEmptyQuery},
		{"whitespace only", "   \t  ", ErrEmptyQuery},
		{"too long", strings.Repeat("a", 1001), ErrQueryTooLong},
		{"invalid utf8", "precio \xff\xfe", ErrInvalidCharacters},
		{"control characters", "precio\x00extintor", ErrInvalidCharacters},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateQuery(tt.query, 1000)
			if tt.wantErr == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestValidateQuery_LengthIsInRunes(t *testing.T) {
	// 100 multibyte runes fit a 100-rune limit even though the byte count
	// is larger
	query := strings.Repeat("ñ", 100)
	assert.NoError(t, validateQuery(query, 100))
	assert.ErrorIs(t, validateQuery(query+"ñ", 100), ErrQueryTooLong)
}
