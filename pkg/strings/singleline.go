// Package strings holds text helpers for values that arrive from outside the
// process, such as the error parameters of an OAuth redirect.
package strings

import (
	"strings"
)

// DefaultMaxLen bounds redirect parameters before they reach logs, error
// messages and the result page.
const DefaultMaxLen = 256

// MinTruncateLen is the smallest maxLen that leaves room for one character
// plus "...".
const MinTruncateLen = 4

// SingleLine collapses every whitespace run, newlines included, into a single
// space and cuts the result to maxLen runes, ending it with "..." when cut.
func SingleLine(s string, maxLen int) string {
	if maxLen < MinTruncateLen {
		maxLen = MinTruncateLen
	}

	s = strings.Join(strings.Fields(s), " ")

	runes := []rune(s)
	if len(runes) > maxLen {
		return string(runes[:maxLen-3]) + "..."
	}
	return s
}
