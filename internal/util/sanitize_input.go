package util

import (
	"html"
	"regexp"
	"strings"
)

var (
	phonePattern = regexp.MustCompile(`^1\d{10}$`)
	codePattern  = regexp.MustCompile(`^\d{6}$`)
)

// SanitizeInput trims and escapes HTML/script-like characters.
func SanitizeInput(s string) string {
	return html.EscapeString(strings.TrimSpace(s))
}

// ContainsSuspicious reports markup or template fragments in user input.
func ContainsSuspicious(s string) bool {
	lower := strings.ToLower(s)
	for _, c := range []string{"<", ">", "$", "{", "}", "script", "onerror", "onload"} {
		if strings.Contains(lower, c) {
			return true
		}
	}
	return false
}

// ValidPhone accepts 11-digit mobile numbers starting with 1.
func ValidPhone(phone string) bool {
	return phonePattern.MatchString(phone)
}

// ValidCode accepts exactly six decimal digits.
func ValidCode(code string) bool {
	return codePattern.MatchString(code)
}

// MaskPhone keeps the first three and last four characters.
func MaskPhone(phone string) string {
	if len(phone) < 8 {
		return strings.Repeat("*", len(phone))
	}
	return phone[:3] + strings.Repeat("*", len(phone)-7) + phone[len(phone)-4:]
}
