package util

import (
	"strings"
	"unicode"
)

// NormalizePrincipal trims surrounding whitespace and drops control
// characters so that "999999" and " 999999\n" name the same principal.
func NormalizePrincipal(principal string) string {
	var sb strings.Builder
	for _, r := range strings.TrimSpace(principal) {
		if unicode.IsControl(r) {
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

// MaskPrincipal keeps the first and last two characters for log lines.
func MaskPrincipal(principal string) string {
	r := []rune(principal)
	if len(r) <= 4 {
		return strings.Repeat("*", len(r))
	}
	return string(r[:2]) + strings.Repeat("*", len(r)-4) + string(r[len(r)-2:])
}
