package serial

import (
	"fmt"
	"strings"
)

// NormalizeColor validates a hex color and returns its canonical form.
//
// Accepted input is a 6-digit hex string in any casing, optionally wrapped
// in single or double quotes and optionally prefixed with "0x". The
// canonical form is uppercase RRGGBB with no prefix.
//
// Normalisation is idempotent: feeding the output back in yields the same
// value.
//
// Returns:
//   - string: Canonical uppercase RRGGBB
//   - error: ErrInvalidColor if the input is not a valid color
func NormalizeColor(color string) (string, error) {
	s := strings.TrimSpace(color)
	if len(s) >= 2 && (s[0] == '\'' || s[0] == '"') && s[len(s)-1] == s[0] {
		s = s[1 : len(s)-1]
	}
	s = strings.TrimSpace(s)
	if strings.HasPrefix(strings.ToLower(s), "0x") {
		s = s[2:]
	}
	if len(s) != 6 {
		return "", fmt.Errorf("%w: %q, expected RRGGBB (e.g. FF8800)", ErrInvalidColor, color)
	}
	for _, r := range s {
		if !isHexDigit(r) {
			return "", fmt.Errorf("%w: %q, expected RRGGBB (e.g. FF8800)", ErrInvalidColor, color)
		}
	}
	return strings.ToUpper(s), nil
}

func isHexDigit(r rune) bool {
	switch {
	case r >= '0' && r <= '9':
		return true
	case r >= 'a' && r <= 'f':
		return true
	case r >= 'A' && r <= 'F':
		return true
	}
	return false
}
