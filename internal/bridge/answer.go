package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/jeomgeuri/jeomgeuri/internal/backend"
)

// maxAnswerKeywords is how many answer keywords are queued for playback.
const maxAnswerKeywords = 3

var (
	keywordLine   = regexp.MustCompile(`(?m)^[ \t*#>\-]*(?:핵심[ \t]*)?키워드[ \t]*[:：][ \t]*(.+)$`)
	listMarker    = regexp.MustCompile(`(?m)^[ \t]*(?:#{1,6}|[-*+>]|\d+[.)])[ \t]+`)
	emphasis      = strings.NewReplacer("**", "", "__", "", "`", "", "~~", "")
	blankLines    = regexp.MustCompile(`\n{3,}`)
	keywordTrim   = " \t\"'*#`.·"
)

func detailPrompt(topic string) string {
	return fmt.Sprintf("방금 설명한 %q에 대해 더 자세하고 구체적으로 설명해주세요. "+
		"기본 개념과 정의, 주요 특징, 실제 활용 예시를 포함하고, "+
		"마지막 줄에 \"키워드: 키워드1, 키워드2, 키워드3\" 형식으로 핵심 키워드 3개를 적어주세요.", topic)
}

// ask runs one AI request. A newer ask from the same session supersedes it.
func (s *session) ask(ctx context.Context, id string, req backend.AskRequest, stream bool) {
	ctx, done := s.latest.Begin(ctx, "ask")
	defer done()

	resp, err := s.fetchAnswer(ctx, id, req, stream)
	switch {
	case errors.Is(err, backend.ErrSuperseded), s.ctx.Err() != nil:
		slog.Debug("bridge: answer dropped", "session", s.id, "q", req.Q, "err", err)
		return
	case err != nil:
		slog.Warn("bridge: ask failed", "session", s.id, "mode", req.Mode, "err", err)
		s.sendError(id, "ask_failed", msgAskFailed, err.Error())
		s.say(s.ctx, msgAskFailed)
		return
	}
	s.deliverAnswer(s.ctx, id, req.Q, resp)
}

func (s *session) fetchAnswer(ctx context.Context, id string, req backend.AskRequest, stream bool) (backend.ChatResponse, error) {
	if !stream {
		return s.srv.backend.Ask(ctx, req)
	}
	var sb strings.Builder
	err := s.srv.backend.AskStream(ctx, req, func(delta string) {
		sb.WriteString(delta)
		s.send(TypeAnswerDelta, id, AnswerDeltaPayload{Delta: delta})
	})
	if err != nil {
		return backend.ChatResponse{}, err
	}
	return backend.ChatResponse{
		Answer:       sb.String(),
		Keywords:     []string{},
		BrailleWords: []string{},
		Mode:         "qa",
		Actions:      map[string]any{},
		Meta:         map[string]any{},
	}, nil
}

// deliverAnswer sends the answer, speaks it and queues its keywords.
func (s *session) deliverAnswer(ctx context.Context, id, q string, resp backend.ChatResponse) {
	resp.Keywords = answerKeywords(resp)
	s.send(TypeAnswer, id, AnswerPayload{Q: q, ChatResponse: resp})

	if text := speakable(resp.Answer); text != "" {
		s.say(ctx, text)
	}
	if len(resp.Keywords) == 0 {
		return
	}
	queue := resp.Keywords[:min(len(resp.Keywords), maxAnswerKeywords)]

	s.mu.Lock()
	s.lastKeywords = queue
	s.mu.Unlock()

	if _, err := s.srv.store.AddKeywords(ctx, resp.Keywords...); err != nil {
		slog.Warn("bridge: store answer keywords", "session", s.id, "err", err)
	}
	s.machine.Enqueue(queue)
}

// answerKeywords returns the backend's keywords, or the ones listed on a
// trailing "키워드:" line of the answer.
func answerKeywords(resp backend.ChatResponse) []string {
	if kws := cleanKeywords(resp.Keywords); len(kws) > 0 {
		return kws
	}
	m := keywordLine.FindAllStringSubmatch(resp.Answer, -1)
	if len(m) == 0 {
		return []string{}
	}
	line := m[len(m)-1][1]
	return cleanKeywords(strings.FieldsFunc(line, func(r rune) bool {
		return r == ',' || r == '、' || r == '，' || r == '/'
	}))
}

func cleanKeywords(in []string) []string {
	out := make([]string, 0, len(in))
	for _, k := range in {
		if k = strings.Trim(k, keywordTrim); k != "" {
			out = append(out, k)
		}
	}
	return out
}

// speakable strips markdown and the keyword line from an answer.
func speakable(answer string) string {
	text := keywordLine.ReplaceAllString(answer, "")
	text = listMarker.ReplaceAllString(text, "")
	text = emphasis.Replace(text)
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = blankLines.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}
