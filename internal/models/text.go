package models

import "strings"

// NormalizeKeyword lowercases and trims a word for affinity/keyword
// matching. Shared by Agent.KeywordSet and the agent pool's Jaccard
// fallback so both sides of the comparison normalize identically.
func NormalizeKeyword(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func normalizeKeyword(s string) string { return NormalizeKeyword(s) }
