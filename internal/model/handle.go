package model

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// NormalizeHandle returns the comparison form of a platform handle:
// leading '@' stripped, NFC normalized, case folded.
func NormalizeHandle(h string) string {
	h = strings.TrimPrefix(strings.TrimSpace(h), "@")
	return cases.Fold().String(norm.NFC.String(h))
}

// SameHandle reports whether two handles name the same platform user.
func SameHandle(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	return NormalizeHandle(a) == NormalizeHandle(b)
}
