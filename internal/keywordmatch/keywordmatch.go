// Package keywordmatch maps a spoken utterance to the queue keyword it most
// likely names, so that "경제 자세히" selects the "경제" entry of the playback
// queue.
//
// The algorithm proceeds in two stages:
//
//  1. Candidate filtering: the utterance is split into content tokens
//     (command words such as 자세히 and trailing particles such as 를 are
//     removed). A keyword becomes a phonetic candidate when a token contains
//     it, when their Double Metaphone codes overlap (Latin-script keywords),
//     or when their Hangul jamo spellings are close.
//
//  2. Jaro-Winkler ranking: among phonetic candidates the keyword with the
//     highest Jaro-Winkler similarity wins, provided it reaches the phonetic
//     threshold. Without any phonetic candidate, pure Jaro-Winkler similarity
//     is tested against a higher fuzzy threshold.
package keywordmatch

import (
	"strings"
	"unicode/utf8"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold = 0.70
	defaultFuzzyThreshold    = 0.85

	// jamoThreshold is the jamo-level similarity at which two Hangul tokens
	// are considered to sound alike.
	jamoThreshold = 0.85
)

// stopwords are command words that never name a keyword.
var stopwords = map[string]struct{}{
	"자세히": {}, "자세하게": {}, "상세히": {}, "더": {}, "알려줘": {}, "알려": {},
	"알려주세요": {}, "설명해": {}, "설명해줘": {}, "보여줘": {}, "읽어줘": {},
	"거": {}, "것": {}, "단어": {}, "키워드": {}, "좀": {}, "번": {}, "번째": {},
}

// particles are trailing postpositions stripped from tokens, longest first.
var particles = []string{"으로", "에서", "이요", "은", "는", "이", "가", "을", "를", "에", "의", "도", "로", "요"}

// Option is a functional option for configuring a [Matcher].
type Option func(*Matcher)

// WithPhoneticThreshold sets the minimum Jaro-Winkler score required for a
// phonetically-matched keyword to be accepted. Default: 0.70.
func WithPhoneticThreshold(threshold float64) Option {
	return func(m *Matcher) {
		m.phoneticThreshold = threshold
	}
}

// WithFuzzyThreshold sets the minimum Jaro-Winkler score required when no
// phonetic match is found. Default: 0.85.
func WithFuzzyThreshold(threshold float64) Option {
	return func(m *Matcher) {
		m.fuzzyThreshold = threshold
	}
}

// Matcher ranks keywords against utterances. It is read-only after
// construction and safe for concurrent use.
type Matcher struct {
	phoneticThreshold float64
	fuzzyThreshold    float64
}

// New returns a [Matcher] configured with the supplied options.
func New(opts ...Option) *Matcher {
	m := &Matcher{
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Best returns the index of the keyword that utterance most likely names,
// with its similarity score. Ties go to the longer, then the earlier keyword. ok is false
// when the utterance has no content tokens or nothing clears the thresholds.
func (m *Matcher) Best(utterance string, keywords []string) (index int, score float64, ok bool) {
	rawTokens := strings.Fields(strings.ToLower(utterance))
	tokens := contentTokens(rawTokens)
	if len(tokens) == 0 || len(keywords) == 0 {
		return 0, 0, false
	}
	inputCodes := codesForTokens(tokens)

	type candidate struct {
		index    int
		score    float64
		length   int
		phonetic bool
	}
	best := candidate{index: -1}

	for i, kw := range keywords {
		kwLower := strings.ToLower(strings.TrimSpace(kw))
		if kwLower == "" {
			continue
		}
		kwTokens := strings.Fields(kwLower)

		sim := bestJWScore(tokens, kwTokens, strings.Join(tokens, " "), kwLower)
		contained := containsKeyword(rawTokens, tokens, kwLower)
		if contained {
			sim = 1
		}
		phonetic := contained ||
			codesOverlap(inputCodes, codesForTokens(kwTokens)) ||
			jamoSimilar(tokens, kwLower)

		length := utf8.RuneCountInString(kwLower)
		switch {
		case phonetic && sim >= m.phoneticThreshold:
			// Equal scores prefer the longer keyword: "경제정책" over "경제".
			if !best.phonetic || sim > best.score || (sim == best.score && length > best.length) {
				best = candidate{index: i, score: sim, length: length, phonetic: true}
			}
		case !phonetic && !best.phonetic && sim >= m.fuzzyThreshold && sim > best.score:
			best = candidate{index: i, score: sim}
		}
	}

	if best.index < 0 {
		return 0, 0, false
	}
	return best.index, best.score, true
}

// QueueMatcher binds a [Matcher] to a live keyword list. It satisfies the
// voice resolver's index fallback.
type QueueMatcher struct {
	matcher  *Matcher
	keywords func() []string
}

// For returns a QueueMatcher that reads the current keywords from source on
// every call.
func (m *Matcher) For(source func() []string) *QueueMatcher {
	return &QueueMatcher{matcher: m, keywords: source}
}

// MatchIndex returns the queue index the utterance names.
func (q *QueueMatcher) MatchIndex(text string) (int, bool) {
	i, _, ok := q.matcher.Best(text, q.keywords())
	return i, ok
}

// contentTokens drops command words and strips trailing particles.
func contentTokens(raw []string) []string {
	var out []string
	for _, tok := range raw {
		if _, stop := stopwords[tok]; stop {
			continue
		}
		tok = stripParticle(tok)
		if _, stop := stopwords[tok]; stop || tok == "" {
			continue
		}
		out = append(out, tok)
	}
	return out
}

func stripParticle(tok string) string {
	for _, p := range particles {
		// Keep at least one syllable.
		if strings.HasSuffix(tok, p) && utf8.RuneCountInString(tok) > utf8.RuneCountInString(p) {
			return strings.TrimSuffix(tok, p)
		}
	}
	return tok
}

// containsKeyword reports whether a spoken token contains kw, or the content
// tokens spell a multi-word kw.
func containsKeyword(raw, tokens []string, kw string) bool {
	compact := strings.ReplaceAll(kw, " ", "")
	for _, t := range raw {
		if _, stop := stopwords[t]; !stop && strings.Contains(t, compact) {
			return true
		}
	}
	return strings.Contains(strings.Join(tokens, ""), compact)
}

// jamoSimilar reports whether any token spells close to kw at the jamo level.
func jamoSimilar(tokens []string, kw string) bool {
	k := Jamo(strings.ReplaceAll(kw, " ", ""))
	if k == "" {
		return false
	}
	for _, t := range tokens {
		if matchr.JaroWinkler(Jamo(t), k, false) >= jamoThreshold {
			return true
		}
	}
	return false
}

// codesForTokens returns the union of all Double Metaphone codes for the
// given tokens. Empty codes (Hangul tokens, or words without consonants) are
// excluded.
func codesForTokens(tokens []string) map[string]struct{} {
	codes := make(map[string]struct{}, len(tokens)*2)
	for _, t := range tokens {
		if !isLatin(t) {
			continue
		}
		p, s := matchr.DoubleMetaphone(t)
		if p != "" {
			codes[p] = struct{}{}
		}
		if s != "" {
			codes[s] = struct{}{}
		}
	}
	return codes
}

// codesOverlap returns true if the two code sets share at least one code.
func codesOverlap(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for code := range a {
		if _, ok := b[code]; ok {
			return true
		}
	}
	return false
}

// bestJWScore computes the highest Jaro-Winkler similarity between the input
// and the keyword: full strings, space-stripped strings, and the best
// pairwise token score, each on both syllables and jamo.
func bestJWScore(inputTokens, kwTokens []string, inputFull, kwFull string) float64 {
	score := jw(inputFull, kwFull)

	if len(inputTokens) > 1 || len(kwTokens) > 1 {
		if s := jw(strings.Join(inputTokens, ""), strings.Join(kwTokens, "")); s > score {
			score = s
		}
	}

	for _, it := range inputTokens {
		for _, kt := range kwTokens {
			if s := jw(it, kt); s > score {
				score = s
			}
		}
	}
	return score
}

// jw is the better of the syllable-level and jamo-level Jaro-Winkler scores.
func jw(a, b string) float64 {
	s := matchr.JaroWinkler(a, b, false)
	if ja, jb := Jamo(a), Jamo(b); ja != a || jb != b {
		if t := matchr.JaroWinkler(ja, jb, false); t > s {
			s = t
		}
	}
	return s
}

func isLatin(s string) bool {
	for _, r := range s {
		if r >= 'a' && r <= 'z' {
			return true
		}
	}
	return false
}
