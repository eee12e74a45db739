// Package voicecmd classifies Korean voice transcripts into a closed set of
// intents and dispatches them to caller-registered handlers.
//
// Classification walks an ordered rule table and stops at the first match.
// The order is the disambiguation policy: stop and pause come first, then
// navigation, page routing, Braille control, playback, speech control, input
// control, detail selection and help. A transcript that matches nothing is
// reported as [Generic].
package voicecmd

import (
	"regexp"
	"strings"
)

// Intent is a voice command tag.
type Intent string

// Intent tags, in rule-table priority order.
const (
	Pause             Intent = "pause"
	Stop              Intent = "stop"
	Home              Intent = "home"
	Back              Intent = "back"
	Menu              Intent = "menu"
	Learn             Intent = "learn"
	Quiz              Intent = "quiz"
	Review            Intent = "review"
	FreeConvert       Intent = "freeConvert"
	Explore           Intent = "explore"
	News              Intent = "news"
	Weather           Intent = "weather"
	BrailleDisconnect Intent = "brailleDisconnect"
	BrailleConnect    Intent = "brailleConnect"
	BrailleOff        Intent = "brailleOff"
	BrailleOn         Intent = "brailleOn"
	Next              Intent = "next"
	Prev              Intent = "prev"
	Repeat            Intent = "repeat"
	Start             Intent = "start"
	Unmute            Intent = "unmute"
	Mute              Intent = "mute"
	Clear             Intent = "clear"
	Submit            Intent = "submit"
	Detail            Intent = "detail"
	Help              Intent = "help"
	Generic           Intent = "generic"
)

// rule pairs a compiled pattern with the intent it yields.
type rule struct {
	intent Intent
	re     *regexp.Regexp
	// ordinal makes the rule also fire when the text carries an ordinal or
	// numeric cue.
	ordinal bool
}

// rules is the canonical table. Transcripts are normalized before matching,
// so patterns only deal with lower-case text and single spaces.
var rules = []rule{
	// Stop group.
	{intent: Pause, re: regexp.MustCompile(`일시\s?정지|잠깐\s?멈|잠시\s?멈`)},
	{intent: Stop, re: regexp.MustCompile(`멈춰|멈추|정지|스탑|stop|그만|중지`)},

	// Navigation.
	{intent: Home, re: regexp.MustCompile(`홈|메인|처음으로|home`)},
	{intent: Back, re: regexp.MustCompile(`뒤로|돌아가|back`)},
	{intent: Menu, re: regexp.MustCompile(`메뉴|목록|menu`)},

	// Page routing.
	{intent: Learn, re: regexp.MustCompile(`학습|공부|배우|배울`)},
	{intent: Quiz, re: regexp.MustCompile(`퀴즈|테스트|시험|문제\s?(풀|내|줘)|quiz`)},
	{intent: Review, re: regexp.MustCompile(`복습|리뷰|다시\s?보기|오답`)},
	{intent: FreeConvert, re: regexp.MustCompile(`자유\s?변환|변환|번역`)},
	{intent: Explore, re: regexp.MustCompile(`정보\s?탐색|탐색|검색|정보`)},
	{intent: News, re: regexp.MustCompile(`뉴스|소식|헤드라인`)},
	{intent: Weather, re: regexp.MustCompile(`날씨|기온|일기\s?예보`)},

	// Braille control. Disconnect precedes connect because it contains it.
	{intent: BrailleDisconnect, re: regexp.MustCompile(`(점자|디스플레이|블루투스|기기).*(연결\s?(해제|끊|끄)|끊어)`)},
	{intent: BrailleConnect, re: regexp.MustCompile(`(점자|디스플레이|블루투스|기기).*연결`)},
	{intent: BrailleOff, re: regexp.MustCompile(`점자\s?(출력\s?)?(꺼|끄|끔|비활성)`)},
	{intent: BrailleOn, re: regexp.MustCompile(`점자\s?(출력\s?)?(켜|시작|활성|보여)`)},

	// Playback.
	{intent: Next, re: regexp.MustCompile(`다음|넘겨|넘어가|건너뛰|next`)},
	{intent: Prev, re: regexp.MustCompile(`이전|앞\s?단어|전\s?단어|prev`)},
	{intent: Repeat, re: regexp.MustCompile(`반복|다시|재생|repeat`)},
	{intent: Start, re: regexp.MustCompile(`시작|재개|계속|start`)},

	// Speech control. Unmute precedes mute because "음소거 해제" contains "음소거".
	{intent: Unmute, re: regexp.MustCompile(`음소거\s?해제|(음성|소리|목소리)\s?(켜|들려)`)},
	{intent: Mute, re: regexp.MustCompile(`음소거|(음성|소리|목소리)\s?(꺼|끄|끔)|조용히`)},

	// Input control.
	{intent: Clear, re: regexp.MustCompile(`지워|지우|삭제|초기화`)},
	{intent: Submit, re: regexp.MustCompile(`전송|제출|확인|보내`)},

	// Detail selection.
	{intent: Detail, re: regexp.MustCompile(`자세히|자세하게|상세히|더\s?알려|설명해`), ordinal: true},

	// Help.
	{intent: Help, re: regexp.MustCompile(`도움말|도움|헬프|사용법|명령어|help`)},
}

// Match is the classification of one transcript.
type Match struct {
	// Intent is the winning tag, or [Generic] when no rule matched.
	Intent Intent

	// Text is the normalized transcript the rules were evaluated against.
	Text string

	// Index is the 0-based item index extracted for [Detail]. Only meaningful
	// when HasIndex is true.
	Index    int
	HasIndex bool
}

// Classify normalizes raw and evaluates the rule table. The first matching
// rule wins; when none match the result is [Generic]. An empty transcript
// also yields [Generic] with an empty Text.
func Classify(raw string) Match {
	text := Normalize(raw)
	m := Match{Intent: Generic, Text: text}
	if text == "" {
		return m
	}
	for _, r := range rules {
		if r.re.MatchString(text) || (r.ordinal && hasNumericCue(text)) {
			m.Intent = r.intent
			break
		}
	}
	if m.Intent == Detail {
		m.Index, m.HasIndex = ExtractIndex(text)
	}
	return m
}

// Intents returns every tag the rule table can produce, in priority order,
// followed by [Generic].
func Intents() []Intent {
	out := make([]Intent, 0, len(rules)+1)
	for _, r := range rules {
		out = append(out, r.intent)
	}
	return append(out, Generic)
}

// symbolReplacer maps punctuation and symbols to spaces.
var symbolReplacer = func() *strings.Replacer {
	const symbols = "~!@#$%^&*()_+=[]{};:\"/\\|<>?.,'`-“”‘’，､、。．·ㆍ…"
	pairs := make([]string, 0, 2*len(symbols))
	for _, r := range symbols {
		pairs = append(pairs, string(r), " ")
	}
	return strings.NewReplacer(pairs...)
}()

// Normalize lower-cases raw, replaces punctuation with spaces, collapses
// whitespace runs and trims the result. It never fails.
func Normalize(raw string) string {
	s := symbolReplacer.Replace(strings.ToLower(raw))
	return strings.Join(strings.Fields(s), " ")
}
