// Package urlcheck decides whether a spreadsheet cell holds a fetchable URL.
package urlcheck

import (
	"net/url"
	"strings"
)

// IsValid reports whether s has both a scheme and a host.
// Malformed input yields false.
func IsValid(s string) bool {
	s = strings.TrimSpace(s)
	if s == "" {
		return false
	}
	u, err := url.Parse(s)
	if err != nil {
		return false
	}
	return u.Scheme != "" && u.Host != ""
}
