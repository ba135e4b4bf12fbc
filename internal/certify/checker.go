package certify

import "strings"

// IsCorrect reports whether expected occurs in output, ignoring case. There
// is no other normalization: punctuation and whitespace must match exactly.
func IsCorrect(output, expected string) bool {
	return strings.Contains(strings.ToLower(output), strings.ToLower(expected))
}
