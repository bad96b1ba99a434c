package objectstore

import "strings"

// sanitizeTokens maps characters outside the portable object-key set to
// word tokens. The mapping is deterministic and injective over the
// forbidden set, and is applied by both producers and consumers so a
// logical key round-trips.
var sanitizeTokens = []struct {
	raw   string
	token string
}{
	{"%", "_PERCENT_"}, // must come first: tokens below never contain %
	{"+", "_PLUS_"},
	{"=", "_EQUALS_"},
	{":", "_COLON_"},
	{"?", "_QUESTION_"},
	{"&", "_AMPERSAND_"},
	{"#", "_HASH_"},
	{";", "_SEMICOLON_"},
	{"@", "_AT_"},
	{" ", "_SPACE_"},
}

// SanitizeKey rewrites forbidden characters in a logical key to their word
// tokens, producing the physical object key.
func SanitizeKey(key string) string {
	for _, t := range sanitizeTokens {
		key = strings.ReplaceAll(key, t.raw, t.token)
	}
	return key
}

// DesanitizeKey reverses SanitizeKey.
func DesanitizeKey(key string) string {
	for i := len(sanitizeTokens) - 1; i >= 0; i-- {
		t := sanitizeTokens[i]
		key = strings.ReplaceAll(key, t.token, t.raw)
	}
	return key
}
