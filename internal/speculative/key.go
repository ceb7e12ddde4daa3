package speculative

import "strings"

// KeyFunc maps transcript text to a cache key. Partials and finals always go
// through the same function, so a final hits only the entry written for the
// identical (or identically normalized) partial.
type KeyFunc func(text string) string

// ExactKey uses the text byte for byte.
func ExactKey(text string) string { return text }

// NormalizedKey trims, collapses runs of whitespace and lowercases text.
// "The  X100 price " and "the x100 price" share a key; "the X100" does not.
func NormalizedKey(text string) string {
	return strings.ToLower(strings.Join(strings.Fields(text), " "))
}

func wordCount(text string) int { return len(strings.Fields(text)) }
