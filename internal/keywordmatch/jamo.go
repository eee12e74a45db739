package keywordmatch

import "strings"

// Hangul syllable block layout (Unicode 3.12).
const (
	syllableBase  = 0xAC00
	syllableLast  = 0xD7A3
	leadBase      = 0x1100
	vowelBase     = 0x1161
	tailBase      = 0x11A7
	vowelCount    = 21
	tailCount     = 28
	syllablesPerL = vowelCount * tailCount
)

// Jamo decomposes precomposed Hangul syllables into conjoining jamo so that
// similarity can be measured on phonemes instead of whole syllables.
// Non-Hangul runes pass through unchanged.
func Jamo(s string) string {
	var b strings.Builder
	b.Grow(len(s) * 2)
	for _, r := range s {
		if r < syllableBase || r > syllableLast {
			b.WriteRune(r)
			continue
		}
		off := int(r - syllableBase)
		b.WriteRune(rune(leadBase + off/syllablesPerL))
		b.WriteRune(rune(vowelBase + (off%syllablesPerL)/tailCount))
		if t := off % tailCount; t != 0 {
			b.WriteRune(rune(tailBase + t))
		}
	}
	return b.String()
}
