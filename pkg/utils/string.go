package utils

import "strings"

// Truncate shortens s to at most maxLen runes, marking the cut with "...".
func Truncate(s string, maxLen int) string {
	if maxLen < 0 {
		maxLen = 0
	}
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "..."
}

// OneLine collapses runs of whitespace, newlines included, into single
// spaces.
func OneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
