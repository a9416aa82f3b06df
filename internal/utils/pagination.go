// Package utils provides small, generic helper functions used across
// different layers of the application. These utilities are independent
// of domain or business logic.
package utils

import "strconv"

// AtoiDefault converts a string to an int, falling back to def when the
// string is empty or not a valid integer. Query parameters arrive as
// strings, so list handlers lean on this for page and page_size parsing.
func AtoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return def
}

// ClampPage normalizes a 1-based page number: anything below 1 becomes 1.
func ClampPage(page int) int {
	if page < 1 {
		return 1
	}
	return page
}

// ClampPageSize bounds a page size to [1, max]. Values below 1 become 1 and
// values above max are capped, so a client can never request an unbounded
// result set.
func ClampPageSize(size, max int) int {
	if size < 1 {
		return 1
	}
	if size > max {
		return max
	}
	return size
}
