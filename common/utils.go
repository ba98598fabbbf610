package common

import "strings"

// MaskSecret masks sensitive strings for safe logging
// Shows first 4 and last 4 characters for strings longer than 8 chars
// Returns "***" for short strings and "<not set>" for empty strings
func MaskSecret(secret string) string {
	if secret == "" {
		return "<not set>"
	}
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:4] + "..." + secret[len(secret)-4:]
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T {
	return &v
}

// NormalizeKey lowercases and trims a table key. Asset symbols and network
// names are matched case-insensitively because viper lowercases map keys.
func NormalizeKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}
