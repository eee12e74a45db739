package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/jeomgeuri/jeomgeuri/internal/speech"
)

const (
	ackSlack   = 10 * time.Second
	ackPerRune = 250 * time.Millisecond
)

// speechSink forwards utterances to the client's speech engine and waits for
// the client to report that each one finished.
type speechSink struct {
	s *session
}

var _ speech.Sink = speechSink{}

func (k speechSink) Speak(ctx context.Context, u speech.Utterance) error {
	s := k.s
	id := uuid.NewString()
	ack := make(chan error, 1)
	s.mu.Lock()
	s.acks[id] = ack
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.acks, id)
		s.mu.Unlock()
	}()

	if err := s.send(TypeSpeak, "", SpeakPayload{ID: id, Utterance: u}); err != nil {
		return err
	}
	s.refreshState()

	timer := time.NewTimer(utteranceTimeout(u))
	defer timer.Stop()
	select {
	case err := <-ack:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return context.Cause(s.ctx)
	case <-timer.C:
		return fmt.Errorf("bridge: utterance %s not acknowledged", id)
	}
}

func (k speechSink) Control(ctx context.Context, a speech.Action) error {
	return k.s.send(TypeSpeechControl, "", SpeechControlPayload{Action: a})
}

// utteranceTimeout is how long the client gets to finish speaking u.
func utteranceTimeout(u speech.Utterance) time.Duration {
	rate := u.Rate
	if rate <= 0 {
		rate = 1
	}
	n := utf8.RuneCountInString(u.Text)
	return ackSlack + time.Duration(float64(n)*float64(ackPerRune)/rate)
}

func (s *session) handleSpeechAck(in Inbound) {
	s.mu.Lock()
	ack, ok := s.acks[in.Utterance]
	s.mu.Unlock()
	if !ok {
		slog.Debug("bridge: stale speech acknowledgement", "session", s.id, "utterance", in.Utterance)
		return
	}
	var err error
	if in.Status == "error" {
		err = fmt.Errorf("bridge: client speech failed: %s", in.Error)
	}
	select {
	case ack <- err:
	default:
	}
}
