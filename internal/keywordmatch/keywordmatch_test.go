package keywordmatch

import "testing"

func TestBest(t *testing.T) {
	t.Parallel()

	news := []string{"정치", "경제", "기술", "스포츠"}

	tests := []struct {
		name      string
		utterance string
		keywords  []string
		want      int
		wantOK    bool
	}{
		{"exact token", "경제 자세히", news, 1, true},
		{"token with particle", "기술을 자세히 알려줘", news, 2, true},
		{"keyword inside token", "스포츠뉴스 더 알려줘", news, 3, true},
		{"misheard vowel", "겅제 자세히", news, 1, true},
		{"latin phonetic", "ekonomy detail", []string{"Sports", "Economy"}, 1, true},
		{"longer keyword wins tie", "경제정책 자세히", []string{"경제", "경제정책"}, 1, true},
		{"only command words", "자세히 알려줘", news, 0, false},
		{"unrelated", "날씨", news, 0, false},
		{"empty keywords", "경제", nil, 0, false},
		{"blank keywords skipped", "경제", []string{" ", "경제"}, 1, true},
		{"empty utterance", "", news, 0, false},
	}

	m := New()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, score, ok := m.Best(tt.utterance, tt.keywords)
			if ok != tt.wantOK {
				t.Fatalf("Best(%q) ok = %v, want %v (index %d, score %.3f)", tt.utterance, ok, tt.wantOK, got, score)
			}
			if ok && got != tt.want {
				t.Errorf("Best(%q) = %d (score %.3f), want %d", tt.utterance, got, score, tt.want)
			}
			if ok && (score <= 0 || score > 1) {
				t.Errorf("score %.3f out of range", score)
			}
		})
	}
}

func TestBest_Thresholds(t *testing.T) {
	t.Parallel()

	strict := New(WithPhoneticThreshold(0.95), WithFuzzyThreshold(0.99))
	if _, _, ok := strict.Best("겅제", []string{"경제"}); ok {
		t.Error("strict matcher accepted a misheard keyword")
	}
	if i, _, ok := strict.Best("경제", []string{"경제"}); !ok || i != 0 {
		t.Error("strict matcher rejected an exact keyword")
	}
}

func TestQueueMatcher_ReadsLiveKeywords(t *testing.T) {
	t.Parallel()

	queue := []string{"사과", "바나나"}
	q := New().For(func() []string { return queue })

	if i, ok := q.MatchIndex("바나나 자세히"); !ok || i != 1 {
		t.Errorf("MatchIndex = (%d, %v), want (1, true)", i, ok)
	}

	queue = []string{"바나나", "포도"}
	if i, ok := q.MatchIndex("포도 자세히"); !ok || i != 1 {
		t.Errorf("after queue change MatchIndex = (%d, %v), want (1, true)", i, ok)
	}
}

func TestStripParticle(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"경제를":  "경제",
		"기술은":  "기술",
		"서울로":  "서울",
		"학교에서": "학교",
		"가":    "가",
		"스포츠":  "스포츠",
	}
	for in, want := range tests {
		if got := stripParticle(in); got != want {
			t.Errorf("stripParticle(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestJamo(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in, want string
	}{
		{"가", "\u1100\u1161"},
		{"한", "\u1112\u1161\u11ab"},
		{"a한b", "a\u1112\u1161\u11abb"},
		{"ㄱ", "ㄱ"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := Jamo(tt.in); got != tt.want {
			t.Errorf("Jamo(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
