// Package strcase converts hyphenated path segments into the camel-cased
// method names used for RPC dispatch ("get-status" -> "getStatus").
package strcase

import "strings"

// Camel lowercases nothing and invents nothing: it only removes hyphens and
// uppercases the letter that follows each one. Segments without hyphens are
// returned unchanged, so "getStatus" stays "getStatus".
func Camel(s string) string {
	if !strings.ContainsRune(s, '-') {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	upperNext := false
	for _, r := range s {
		if r == '-' {
			upperNext = true
			continue
		}
		if upperNext {
			b.WriteString(strings.ToUpper(string(r)))
			upperNext = false
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
