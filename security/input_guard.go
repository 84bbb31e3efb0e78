package security

import (
	"errors"
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	ErrInputTooLong     = errors.New("input exceeds maximum length")
	ErrSuspiciousInput  = errors.New("input contains query syntax")
	sqlKeywordPattern   = regexp.MustCompile(`(?i)\b(union|select|drop|insert|delete|update)\b`)
	sqlFragmentPatterns = []string{";", "--", "/*", "*/", "xp_"}
)

// InputGuard rejects oversized input and principals carrying SQL syntax.
type InputGuard struct {
	maxLen int
}

func NewInputGuard(maxLen int) *InputGuard {
	if maxLen <= 0 {
		maxLen = 3000
	}
	return &InputGuard{maxLen: maxLen}
}

// CheckLength applies to any field, secrets included.
func (g *InputGuard) CheckLength(s string) error {
	if utf8.RuneCountInString(s) > g.maxLen {
		return ErrInputTooLong
	}
	return nil
}

// CheckPrincipal applies the length cap and the query-syntax filter.
func (g *InputGuard) CheckPrincipal(s string) error {
	if err := g.CheckLength(s); err != nil {
		return err
	}
	lower := strings.ToLower(s)
	for _, frag := range sqlFragmentPatterns {
		if strings.Contains(lower, frag) {
			return ErrSuspiciousInput
		}
	}
	if sqlKeywordPattern.MatchString(s) {
		return ErrSuspiciousInput
	}
	return nil
}
