package backend

import (
	"context"
	"fmt"

	"github.com/jeomgeuri/jeomgeuri/internal/observe"
	"github.com/jeomgeuri/jeomgeuri/internal/resilience"
	"github.com/jeomgeuri/jeomgeuri/pkg/braille"
)

// LessonSource provides lesson content.
type LessonSource interface {
	Lessons(ctx context.Context, mode Mode) ([]Lesson, error)
}

// ReviewSink accepts review items.
type ReviewSink interface {
	EnqueueReview(ctx context.Context, req ReviewRequest) error
}

// Builtin serves a small fixed lesson set used when the backend is down.
type Builtin struct{}

var _ LessonSource = Builtin{}

// Lessons implements [LessonSource].
func (Builtin) Lessons(ctx context.Context, mode Mode) ([]Lesson, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	items, ok := builtinLessons[mode]
	if !ok {
		return nil, fmt.Errorf("backend: builtin lessons: unknown mode %q", mode)
	}
	out := make([]Lesson, len(items))
	copy(out, items)
	return out, nil
}

func cells(masks ...byte) []braille.Cell {
	out := make([]braille.Cell, len(masks))
	for i, m := range masks {
		out[i] = braille.FromMask(m)
	}
	return out
}

var builtinLessons = map[Mode][]Lesson{
	ModeChar: {
		{Char: "ㄱ", Name: "기역", TTS: StringList{"자음 기역입니다"}, Examples: []string{"가", "거", "고"}, Cells: cells(0x08)},
		{Char: "ㄴ", Name: "니은", TTS: StringList{"자음 니은입니다"}, Examples: []string{"나", "너", "노"}, Cells: cells(0x09)},
		{Char: "ㄷ", Name: "디귿", TTS: StringList{"자음 디귿입니다"}, Examples: []string{"다", "더", "도"}, Cells: cells(0x0a)},
	},
	ModeWord: {
		{Word: "학교", TTS: StringList{"학교 입니다"}, Examples: []string{"학교에 갑니다"}},
		{Word: "가방", TTS: StringList{"가방 입니다"}, Examples: []string{"가방을 메다"}},
	},
	ModeSentence: {
		{Sentence: "안녕하세요", TTS: StringList{"안녕하세요, 인사말입니다"}},
		{Sentence: "감사합니다", TTS: StringList{"감사합니다, 감사 표현입니다"}},
	},
}

// LessonChain serves lessons from the backend, falling back to [Builtin].
type LessonChain struct {
	group   *resilience.FallbackGroup[LessonSource]
	metrics *observe.Metrics
}

// NewLessonChain returns a chain trying primary first, then the built-in set.
// metrics may be nil.
func NewLessonChain(primary LessonSource, metrics *observe.Metrics) *LessonChain {
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	lc := &LessonChain{metrics: metrics}
	lc.group = resilience.NewFallbackGroup[LessonSource]("backend", primary, resilience.FallbackConfig{})
	lc.group.AddFallback("builtin", Builtin{})
	return lc
}

// Lessons implements [LessonSource].
func (lc *LessonChain) Lessons(ctx context.Context, mode Mode) ([]Lesson, error) {
	fellBack := false
	items, err := resilience.ExecuteWithResult(lc.group, func(src LessonSource) ([]Lesson, error) {
		_, fellBack = src.(Builtin)
		return src.Lessons(ctx, mode)
	})
	if err != nil {
		return nil, fmt.Errorf("backend: lessons: %w", err)
	}
	if fellBack {
		lc.metrics.RecordFallback(ctx, "lessons")
	}
	return items, nil
}
