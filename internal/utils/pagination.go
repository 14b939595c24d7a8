// Package utils provides tiny helpers shared across layers, free of any
// domain knowledge.
package utils

import "strconv"

// AtoiDefault parses s as an int, returning def for empty or unparseable
// input. Query-string pagination goes through this so a garbage value
// degrades to the default rather than an error.
func AtoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}
