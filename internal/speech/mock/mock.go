// Package mock provides a test double for the speech.Sink interface.
//
// Example:
//
//	s := &mock.Sink{Errs: map[string]error{"bad": errors.New("boom")}}
//	q := speech.NewQueue(s)
//	_ = q.Speak(ctx, []string{"안녕", "bad", "끝"}, speech.Options{})
package mock

import (
	"context"
	"slices"
	"sync"

	"github.com/jeomgeuri/jeomgeuri/internal/speech"
)

// Sink is a mock implementation of speech.Sink.
type Sink struct {
	mu sync.Mutex

	// Errs maps utterance text to the error Speak returns for it.
	Errs map[string]error

	// ControlErr, if non-nil, is returned by Control.
	ControlErr error

	// Gate, if non-nil, makes Speak wait for a receive from Gate (or ctx
	// cancellation) after recording the call.
	Gate chan struct{}

	spoken   []speech.Utterance
	controls []speech.Action
}

// Speak records u and returns the configured error for its text.
func (s *Sink) Speak(ctx context.Context, u speech.Utterance) error {
	s.mu.Lock()
	s.spoken = append(s.spoken, u)
	gate := s.Gate
	err := s.Errs[u.Text]
	s.mu.Unlock()

	if gate != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-gate:
		}
	}
	return err
}

// Control records a.
func (s *Sink) Control(_ context.Context, a speech.Action) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.controls = append(s.controls, a)
	return s.ControlErr
}

// Spoken returns the texts passed to Speak, in order.
func (s *Sink) Spoken() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.spoken))
	for i, u := range s.spoken {
		out[i] = u.Text
	}
	return out
}

// Utterances returns a copy of every utterance passed to Speak.
func (s *Sink) Utterances() []speech.Utterance {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.spoken)
}

// Controls returns the actions passed to Control, in order.
func (s *Sink) Controls() []speech.Action {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.controls)
}

// Reset clears all recorded calls.
func (s *Sink) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.spoken = nil
	s.controls = nil
}

var _ speech.Sink = (*Sink)(nil)
