package ingest

import (
	"strings"
	"unicode"
)

// Normalize collapses runs of whitespace into single spaces and trims the
// ends. Chunk offsets are rune positions into this normalized form, so
// normalization must be deterministic for chunk IDs to be stable.
func Normalize(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	inSpace := false
	for _, r := range text {
		if unicode.IsSpace(r) {
			inSpace = true
			continue
		}
		if inSpace && b.Len() > 0 {
			b.WriteByte(' ')
		}
		inSpace = false
		b.WriteRune(r)
	}
	return b.String()
}
