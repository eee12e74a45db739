package bridge

import (
	"context"
	"log/slog"

	"github.com/jeomgeuri/jeomgeuri/internal/backend"
	"github.com/jeomgeuri/jeomgeuri/internal/voicecmd"
)

// User-facing messages.
const (
	msgInvalid        = "요청 형식이 올바르지 않습니다."
	msgInternal       = "내부 오류가 발생했습니다."
	msgAskFailed      = "죄송합니다. 응답을 생성하는 중 오류가 발생했습니다."
	msgConvertFailed  = "점자 변환에 실패했습니다."
	msgLessonsFailed  = "학습 자료를 불러오지 못했습니다."
	msgReviewFailed   = "복습 항목을 처리하지 못했습니다."
	msgHistoryFailed  = "키워드 기록을 불러오지 못했습니다."
	msgOutOfRange     = "해당 번호의 항목이 없습니다."
	msgNoDetail       = "자세히 들을 항목이 없습니다."
	msgBrailleOn      = "점자 출력을 켭니다."
	msgBrailleOff     = "점자 출력을 끕니다."
	msgUnmuted        = "음성이 활성화되었습니다."
	msgNoDisplay      = "점자 디스플레이를 사용할 수 없습니다."
	msgDisplayBusy    = "다른 사용자가 점자 디스플레이를 사용 중입니다."
	msgNoDevices      = "점자 디스플레이를 찾지 못했습니다."
	msgScanFailed     = "점자 디스플레이 검색에 실패했습니다."
	msgConnectFailed  = "점자 디스플레이 연결에 실패했습니다."
	msgConnected      = "점자 디스플레이가 연결되었습니다."
	msgDisconnected   = "점자 디스플레이 연결을 해제했습니다."
	msgDisconnectFail = "점자 디스플레이 연결 해제에 실패했습니다."

	msgHelp = "사용 가능한 음성 명령어: 홈, 뒤로, 점자켜, 점자꺼, 점자연결, 점자해제, 다음, 반복, 시작, 정지, 자세히, 뉴스, 날씨, 도움말"
)

// routes maps navigation intents to client pages.
var routes = map[voicecmd.Intent]string{
	voicecmd.Home:        "/",
	voicecmd.Menu:        "/learn",
	voicecmd.Learn:       "/learn",
	voicecmd.Quiz:        "/quiz",
	voicecmd.Review:      "/review",
	voicecmd.FreeConvert: "/learn/free",
	voicecmd.Explore:     "/explore",
}

// registerIntents binds every voice command to this session.
func (s *session) registerIntents() {
	r := s.resolver
	for intent, route := range routes {
		r.Handle(intent, s.navigate(route))
	}
	r.Handle(voicecmd.Back, func(context.Context, voicecmd.Match) error {
		return s.send(TypeNavigate, "", NavigatePayload{Back: true})
	})

	r.Handle(voicecmd.Pause, func(ctx context.Context, _ voicecmd.Match) error {
		s.machine.Pause()
		return s.speech.Pause(ctx)
	})
	r.Handle(voicecmd.Stop, func(ctx context.Context, _ voicecmd.Match) error {
		s.machine.Pause()
		return s.speech.Stop(ctx)
	})
	r.Handle(voicecmd.Start, func(context.Context, voicecmd.Match) error {
		s.start()
		return nil
	})
	r.Handle(voicecmd.Next, func(context.Context, voicecmd.Match) error {
		s.machine.Next()
		return nil
	})
	r.Handle(voicecmd.Prev, func(context.Context, voicecmd.Match) error {
		s.machine.Prev()
		return nil
	})
	r.Handle(voicecmd.Repeat, func(context.Context, voicecmd.Match) error {
		s.machine.Repeat()
		return nil
	})

	r.Handle(voicecmd.BrailleOn, func(ctx context.Context, _ voicecmd.Match) error {
		s.machine.SetEnabled(true)
		s.say(ctx, msgBrailleOn)
		return nil
	})
	r.Handle(voicecmd.BrailleOff, func(ctx context.Context, _ voicecmd.Match) error {
		s.machine.SetEnabled(false)
		s.say(ctx, msgBrailleOff)
		return nil
	})
	r.Handle(voicecmd.BrailleConnect, func(context.Context, voicecmd.Match) error {
		s.goTask(Inbound{Type: TypeBLE}, func(ctx context.Context) { s.connectDisplay(ctx, "", "") })
		return nil
	})
	r.Handle(voicecmd.BrailleDisconnect, func(context.Context, voicecmd.Match) error {
		s.goTask(Inbound{Type: TypeBLE}, func(ctx context.Context) { s.disconnectDisplay(ctx, "") })
		return nil
	})

	r.Handle(voicecmd.Mute, func(ctx context.Context, _ voicecmd.Match) error {
		err := s.speech.SetMuted(ctx, true)
		s.refreshState()
		return err
	})
	r.Handle(voicecmd.Unmute, func(ctx context.Context, _ voicecmd.Match) error {
		if err := s.speech.SetMuted(ctx, false); err != nil {
			return err
		}
		s.say(ctx, msgUnmuted)
		return nil
	})

	r.Handle(voicecmd.Detail, func(ctx context.Context, m voicecmd.Match) error {
		topic, ok := s.detailTopic(m)
		if !ok {
			s.say(ctx, msgNoDetail)
			return nil
		}
		req := backend.AskRequest{Q: detailPrompt(topic), Topic: topic, Mode: "detail"}
		s.goTask(Inbound{Type: TypeAsk}, func(ctx context.Context) { s.ask(ctx, "", req, false) })
		return nil
	})
	r.Handle(voicecmd.News, s.briefing("news", "오늘 뉴스"))
	r.Handle(voicecmd.Weather, s.briefing("weather", "오늘 날씨"))

	r.Handle(voicecmd.Help, func(ctx context.Context, _ voicecmd.Match) error {
		s.say(ctx, msgHelp)
		return nil
	})

	// The client owns its form state; the intent message is all it needs.
	r.Handle(voicecmd.Clear, func(context.Context, voicecmd.Match) error { return nil })
	r.Handle(voicecmd.Submit, func(context.Context, voicecmd.Match) error { return nil })
}

func (s *session) navigate(route string) voicecmd.Handler {
	return func(context.Context, voicecmd.Match) error {
		return s.send(TypeNavigate, "", NavigatePayload{Route: route})
	}
}

// briefing asks the backend for a news or weather summary and moves the
// client to the explore page where answers are shown.
func (s *session) briefing(mode, q string) voicecmd.Handler {
	return func(context.Context, voicecmd.Match) error {
		if err := s.send(TypeNavigate, "", NavigatePayload{Route: routes[voicecmd.Explore]}); err != nil {
			return err
		}
		req := backend.AskRequest{Q: q, Mode: mode}
		s.goTask(Inbound{Type: TypeAsk}, func(ctx context.Context) { s.ask(ctx, "", req, false) })
		return nil
	}
}

// detailTopic picks the keyword to expand on: the indexed queue entry when the
// transcript named one, otherwise the first keyword of the last answer.
func (s *session) detailTopic(m voicecmd.Match) (string, bool) {
	if m.HasIndex {
		queue := s.machine.Keywords()
		if m.Index < 0 || m.Index >= len(queue) {
			return "", false
		}
		s.machine.SetIndex(m.Index)
		return queue[m.Index], true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.lastKeywords) == 0 {
		return "", false
	}
	return s.lastKeywords[0], true
}

// start enables playback if needed and starts it.
func (s *session) start() {
	if !s.machine.Snapshot().Enabled {
		s.machine.SetEnabled(true)
		return
	}
	s.machine.Start()
}

func (s *session) handleCommand(in Inbound) {
	ctx := s.ctx
	var err error
	switch in.Name {
	case "enable":
		s.machine.SetEnabled(*in.Enabled)
	case "enqueue":
		s.machine.Enqueue(in.Keywords)
	case "start":
		s.start()
	case "pause":
		s.machine.Pause()
	case "next":
		s.machine.Next()
	case "prev":
		s.machine.Prev()
	case "repeat":
		s.machine.Repeat()
	case "index":
		if !s.machine.SetIndex(*in.Index) {
			s.sendError(in.ID, "out_of_range", msgOutOfRange, "")
		}
	case "reset":
		s.machine.Reset()
	case "speak":
		s.say(ctx, in.Text)
	case "speech_stop":
		err = s.speech.Stop(ctx)
	case "speech_pause":
		err = s.speech.Pause(ctx)
	case "speech_resume":
		err = s.speech.Resume(ctx)
	case "mute":
		err = s.speech.SetMuted(ctx, true)
	case "unmute":
		err = s.speech.SetMuted(ctx, false)
	case "history":
		s.goTask(in, func(ctx context.Context) { s.history(ctx, in.ID) })
		return
	case "state":
	}
	if err != nil {
		slog.Warn("bridge: command failed", "session", s.id, "command", in.Name, "err", err)
	}
	s.refreshState()
}

func (s *session) history(ctx context.Context, id string) {
	kws, err := s.srv.store.Keywords(ctx)
	if err != nil {
		slog.Warn("bridge: load keyword history", "session", s.id, "err", err)
		s.sendError(id, "history_failed", msgHistoryFailed, err.Error())
		return
	}
	s.send(TypeKeywords, id, KeywordsPayload{Keywords: kws})
}
