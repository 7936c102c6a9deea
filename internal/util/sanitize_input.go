package util

import (
	"html"
	"strings"
)

// SanitizeInput trims and escapes HTML/script-like characters. Metadata
// values substituted into email bodies pass through here.
func SanitizeInput(s string) string {
	s = strings.TrimSpace(s)
	return html.EscapeString(s)
}

// ContainsSuspicious flags values that look like markup or injection
// attempts in caller-supplied template metadata.
func ContainsSuspicious(s string) bool {
	badChars := []string{"<", ">", "$", "{", "}", "script", "onerror", "onload"}
	lower := strings.ToLower(s)
	for _, c := range badChars {
		if strings.Contains(lower, c) {
			return true
		}
	}
	return false
}
