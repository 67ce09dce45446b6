package util

import "strings"

// SafeTruncate truncates s to maxLen bytes without panicking.
// A negative maxLen returns an empty string.
//
// Example:
//
//	SafeTruncate("very-long-token-abc123", 8) // Returns: "very-lon"
//	SafeTruncate("short", 10)                  // Returns: "short"
func SafeTruncate(s string, maxLen int) string {
	if maxLen < 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// UniqueFields splits s on whitespace and drops repeated values,
// keeping the first occurrence order.
func UniqueFields(s string) []string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(fields))
	out := fields[:0]
	for _, f := range fields {
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	return out
}

// Contains reports whether list holds value.
func Contains(list []string, value string) bool {
	for _, v := range list {
		if v == value {
			return true
		}
	}
	return false
}

// IsSubset reports whether every element of subset is in set.
func IsSubset(subset, set []string) bool {
	for _, s := range subset {
		if !Contains(set, s) {
			return false
		}
	}
	return true
}
