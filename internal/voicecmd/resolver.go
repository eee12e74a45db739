package voicecmd

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jeomgeuri/jeomgeuri/internal/observe"
)

// Apology is spoken when a transcript matches no rule.
const Apology = "죄송합니다. 인식하지 못했습니다. 다시 말씀해 주세요."

// Outcome describes what Resolve did with a transcript.
type Outcome int

const (
	// OutcomeHandled means a rule matched and its handler ran (successfully
	// or not; see [Result.Err]).
	OutcomeHandled Outcome = iota

	// OutcomeUnhandled means a rule matched but no handler is registered for
	// the intent.
	OutcomeUnhandled

	// OutcomeNoMatch means no rule matched; the intent is [Generic].
	OutcomeNoMatch

	// OutcomeEmpty means the transcript was empty after normalization.
	OutcomeEmpty
)

// String returns the metric label for o.
func (o Outcome) String() string {
	switch o {
	case OutcomeHandled:
		return "handled"
	case OutcomeUnhandled:
		return "unhandled"
	case OutcomeNoMatch:
		return "no_match"
	case OutcomeEmpty:
		return "empty"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Result is the discriminated result of [Resolver.Resolve].
type Result struct {
	Match   Match
	Outcome Outcome

	// Err is the error returned (or panic recovered) from the handler.
	Err error
}

// Handler reacts to a classified transcript.
type Handler func(ctx context.Context, m Match) error

// IndexFallback maps an utterance to a queue position when it carries no
// numeric cue, e.g. "경제 자세히" → index of "경제".
type IndexFallback interface {
	MatchIndex(text string) (int, bool)
}

// Option configures a [Resolver].
type Option func(*Resolver)

// WithApology sets the callback invoked with [Apology] when a transcript
// matches no rule and no [Generic] handler is registered.
func WithApology(fn func(ctx context.Context, msg string)) Option {
	return func(r *Resolver) { r.apology = fn }
}

// WithIndexFallback sets the resolver used for [Detail] transcripts without
// an ordinal or number.
func WithIndexFallback(f IndexFallback) Option {
	return func(r *Resolver) { r.fallback = f }
}

// WithMetrics overrides the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(r *Resolver) { r.metrics = m }
}

// Resolver dispatches classified transcripts to registered handlers.
//
// All methods are safe for concurrent use.
type Resolver struct {
	mu       sync.RWMutex
	handlers map[Intent]Handler

	apology  func(ctx context.Context, msg string)
	fallback IndexFallback
	metrics  *observe.Metrics
}

// New creates a Resolver with no handlers registered.
func New(opts ...Option) *Resolver {
	r := &Resolver{handlers: make(map[Intent]Handler)}
	for _, o := range opts {
		o(r)
	}
	if r.metrics == nil {
		r.metrics = observe.DefaultMetrics()
	}
	return r
}

// Handle registers h for intent, replacing any previous handler. A nil h
// removes the registration.
func (r *Resolver) Handle(intent Intent, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h == nil {
		delete(r.handlers, intent)
		return
	}
	r.handlers[intent] = h
}

// Handles reports whether a handler is registered for intent.
func (r *Resolver) Handles(intent Intent) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[intent]
	return ok
}

// Resolve classifies transcript and invokes at most one handler.
//
// [Stop] falls back to the [Pause] handler when no stop handler is
// registered, and vice versa. Unmatched transcripts go to the [Generic]
// handler when one is registered, otherwise to the apology callback. Resolve
// never returns an error of its own; handler failures are reported in
// [Result.Err].
func (r *Resolver) Resolve(ctx context.Context, transcript string) Result {
	m := Classify(transcript)
	res := Result{Match: m}

	switch {
	case m.Text == "":
		res.Outcome = OutcomeEmpty
		r.metrics.RecordIntent(ctx, string(m.Intent), res.Outcome.String())
		return res
	case m.Intent == Detail && !m.HasIndex && r.fallback != nil:
		if i, ok := r.fallback.MatchIndex(m.Text); ok {
			res.Match.Index, res.Match.HasIndex = i, true
		}
	}

	h := r.lookup(m.Intent)
	switch {
	case m.Intent == Generic:
		res.Outcome = OutcomeNoMatch
		if h != nil {
			res.Err = call(ctx, h, res.Match)
		} else if r.apology != nil {
			r.apology(ctx, Apology)
		}
		slog.Info("voicecmd: unrecognised transcript", "text", m.Text)
	case h == nil:
		res.Outcome = OutcomeUnhandled
		slog.Debug("voicecmd: no handler registered", "intent", m.Intent, "text", m.Text)
	default:
		res.Outcome = OutcomeHandled
		res.Err = call(ctx, h, res.Match)
		if res.Err != nil {
			slog.Warn("voicecmd: handler failed",
				"intent", m.Intent,
				"text", m.Text,
				"error", res.Err,
			)
		} else {
			slog.Info("voicecmd: intent handled",
				"intent", m.Intent,
				"text", m.Text,
				"index", indexAttr(res.Match),
			)
		}
	}

	r.metrics.RecordIntent(ctx, string(m.Intent), res.Outcome.String())
	return res
}

func (r *Resolver) lookup(intent Intent) Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if h, ok := r.handlers[intent]; ok {
		return h
	}
	switch intent {
	case Stop:
		return r.handlers[Pause]
	case Pause:
		return r.handlers[Stop]
	}
	return nil
}

// call runs h, converting a panic into an error.
func call(ctx context.Context, h Handler, m Match) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("voicecmd: %s handler panicked: %v", m.Intent, p)
		}
	}()
	if err := h(ctx, m); err != nil {
		return fmt.Errorf("voicecmd: %s: %w", m.Intent, err)
	}
	return nil
}

func indexAttr(m Match) any {
	if !m.HasIndex {
		return nil
	}
	return m.Index
}
