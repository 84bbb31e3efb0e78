package security

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInputGuard(t *testing.T) {
	g := NewInputGuard(10)

	tests := []struct {
		in   string
		want error
	}{
		{"alice", nil},
		{"o'brien", nil},
		{"selection", nil},
		{"updated", nil},
		{"çğışöü", nil},
		{strings.Repeat("a", 10), nil},
		{strings.Repeat("a", 11), ErrInputTooLong},
		{"a;b", ErrSuspiciousInput},
		{"a--", ErrSuspiciousInput},
		{"/*x*/", ErrSuspiciousInput},
		{"xp_cmd", ErrSuspiciousInput},
		{"x UNION y", ErrSuspiciousInput},
		{"drop t", ErrSuspiciousInput},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			err := g.CheckPrincipal(tt.in)
			if tt.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestInputGuard_SecretsOnlyChecksLength(t *testing.T) {
	g := NewInputGuard(3000)
	assert.NoError(t, g.CheckLength("p@ss; DROP --"))
	assert.ErrorIs(t, g.CheckLength(strings.Repeat("x", 3001)), ErrInputTooLong)
	assert.NoError(t, g.CheckLength(strings.Repeat("ş", 3000)))
}
