package voicecmd

import (
	"regexp"
	"strconv"
)

// ordinal is one Korean number word and the 0-based index it selects.
type ordinal struct {
	word  string
	index int
	// suffixed words are determiners ("두", "세") that only count when
	// followed by 번째, 째 or 번.
	suffixed bool
}

var ordinals = []ordinal{
	{"첫", 0, true},
	{"하나", 0, false},
	{"둘", 1, false},
	{"두", 1, true},
	{"셋", 2, false},
	{"세", 2, true},
	{"넷", 3, false},
	{"네", 3, true},
	{"다섯", 4, false},
	{"여섯", 5, false},
	{"일곱", 6, false},
	{"여덟", 7, false},
	{"아홉", 8, false},
	{"열", 9, false},
}

var (
	ordinalIndex = func() map[string]ordinal {
		m := make(map[string]ordinal, len(ordinals))
		for _, o := range ordinals {
			m[o.word] = o
		}
		return m
	}()

	// ordinalRe finds a number word at a token start, with an optional
	// counter suffix.
	ordinalRe = func() *regexp.Regexp {
		alt := ""
		for i, o := range ordinals {
			if i > 0 {
				alt += "|"
			}
			alt += regexp.QuoteMeta(o.word)
		}
		return regexp.MustCompile(`(?:^|\s)(` + alt + `)(\s?(?:번째|째|번))?`)
	}()

	countedRe = regexp.MustCompile(`(\d+)\s?번(?:째)?`)
	bareRe    = regexp.MustCompile(`(?:^|\D)(\d{1,2})(?:\D|$)`)
)

// ExtractIndex finds a 0-based item index in normalized text. It tries, in
// order: a Korean ordinal or cardinal word ("세 번째", "둘째", "다섯"), a
// digit run followed by 번 or 번째 ("3번째" → 2), and a bare one or two digit
// number ("2" → 1). It reports false when no cue is present or the number is
// zero.
func ExtractIndex(text string) (int, bool) {
	if i, ok := wordIndex(text); ok {
		return i, true
	}
	if m := countedRe.FindStringSubmatch(text); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil && n >= 1 {
			return n - 1, true
		}
	}
	if m := bareRe.FindStringSubmatch(text); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil && n >= 1 {
			return n - 1, true
		}
	}
	return 0, false
}

func wordIndex(text string) (int, bool) {
	for _, loc := range ordinalRe.FindAllStringSubmatchIndex(text, -1) {
		o := ordinalIndex[text[loc[2]:loc[3]]]
		if loc[4] >= 0 {
			return o.index, true
		}
		if o.suffixed {
			continue
		}
		// A bare word must end its token: "열" counts, "열어" does not.
		if end := loc[1]; end == len(text) || text[end] == ' ' {
			return o.index, true
		}
	}
	return 0, false
}

func hasNumericCue(text string) bool {
	_, ok := ExtractIndex(text)
	return ok
}
