package speech

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/jeomgeuri/jeomgeuri/internal/observe"
)

// ErrClosed is returned by [Queue.Speak] after [Queue.Close].
var ErrClosed = errors.New("speech: queue closed")

// State is the observable state of a [Queue].
type State string

const (
	StateIdle     State = "idle"
	StateLoading  State = "loading"
	StateSpeaking State = "speaking"
	StatePaused   State = "paused"
	StateError    State = "error"
)

// Option configures a [Queue].
type Option func(*Queue)

// WithMetrics overrides the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(q *Queue) { q.metrics = m }
}

// Queue speaks batches of texts through a [Sink], one utterance at a time.
// A new batch replaces whatever is pending. A failing utterance is logged and
// the rest of the batch continues.
type Queue struct {
	sink    Sink
	metrics *observe.Metrics

	mu       sync.Mutex
	pending  []Utterance
	loading  bool
	speaking bool
	paused   bool
	muted    bool
	closed   bool
	lastErr  error
	cancel   context.CancelFunc
	resume   chan struct{} // non-nil while paused
	done     chan struct{} // closed when the current worker exits
}

// NewQueue returns an idle Queue writing to sink.
func NewQueue(sink Sink, opts ...Option) *Queue {
	q := &Queue{sink: sink}
	for _, o := range opts {
		o(q)
	}
	if q.metrics == nil {
		q.metrics = observe.DefaultMetrics()
	}
	return q
}

// Speak replaces the pending queue with texts. Blank texts are dropped; a
// batch with nothing left is a no-op. Speak returns once the batch is queued.
// While muted the batch is discarded.
func (q *Queue) Speak(ctx context.Context, texts []string, opts Options) error {
	utts := Utterances(texts, opts)
	if len(utts) == 0 {
		return nil
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	if q.muted {
		q.mu.Unlock()
		for range utts {
			q.metrics.RecordUtterance(ctx, "muted")
		}
		return nil
	}
	active := q.activeLocked()
	q.haltLocked()
	prev := q.done
	q.pending = utts
	q.loading = true
	q.lastErr = nil
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	q.cancel = cancel
	done := make(chan struct{})
	q.done = done
	q.mu.Unlock()

	if active {
		q.control(ctx, ActionStop)
	}
	go q.run(runCtx, prev, done)
	return nil
}

func (q *Queue) run(ctx context.Context, prev <-chan struct{}, done chan struct{}) {
	defer close(done)
	if prev != nil {
		<-prev
	}

	for {
		q.mu.Lock()
		for q.paused && ctx.Err() == nil {
			wait := q.resume
			q.mu.Unlock()
			select {
			case <-ctx.Done():
			case <-wait:
			}
			q.mu.Lock()
		}
		if ctx.Err() != nil {
			q.mu.Unlock()
			return
		}
		if len(q.pending) == 0 {
			q.speaking, q.loading = false, false
			q.mu.Unlock()
			return
		}
		u := q.pending[0]
		q.pending = q.pending[1:]
		q.speaking, q.loading = true, false
		q.mu.Unlock()

		err := q.sink.Speak(ctx, u)
		switch {
		case err == nil:
			q.metrics.RecordUtterance(ctx, "ok")
		case ctx.Err() != nil:
			q.metrics.RecordUtterance(context.WithoutCancel(ctx), "stopped")
			return
		default:
			q.metrics.RecordUtterance(ctx, "error")
			slog.Warn("speech: utterance failed", "text", u.Text, "err", err)
			q.mu.Lock()
			if ctx.Err() == nil {
				q.lastErr = err
			}
			q.mu.Unlock()
		}
	}
}

// Stop discards pending utterances and tells the sink to stop.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	active := q.activeLocked()
	q.haltLocked()
	q.mu.Unlock()
	if !active {
		return nil
	}
	return q.control(ctx, ActionStop)
}

// Pause holds the queue after the current utterance and tells the sink to
// pause. It is a no-op unless speaking.
func (q *Queue) Pause(ctx context.Context) error {
	q.mu.Lock()
	if !q.speaking || q.paused {
		q.mu.Unlock()
		return nil
	}
	q.paused = true
	q.resume = make(chan struct{})
	q.mu.Unlock()
	return q.control(ctx, ActionPause)
}

// Resume continues a paused queue.
func (q *Queue) Resume(ctx context.Context) error {
	q.mu.Lock()
	if !q.paused {
		q.mu.Unlock()
		return nil
	}
	q.paused = false
	close(q.resume)
	q.resume = nil
	q.mu.Unlock()
	return q.control(ctx, ActionResume)
}

// SetMuted mutes or unmutes output. Muting stops current speech.
func (q *Queue) SetMuted(ctx context.Context, muted bool) error {
	q.mu.Lock()
	q.muted = muted
	active := muted && q.activeLocked()
	if muted {
		q.haltLocked()
	}
	q.mu.Unlock()
	if active {
		return q.control(ctx, ActionStop)
	}
	return nil
}

// Muted reports whether output is muted.
func (q *Queue) Muted() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.muted
}

// State returns the current state. StateError is reported after a batch in
// which an utterance failed, until the next Speak.
func (q *Queue) State() State {
	q.mu.Lock()
	defer q.mu.Unlock()
	switch {
	case q.paused:
		return StatePaused
	case q.loading:
		return StateLoading
	case q.speaking:
		return StateSpeaking
	case q.lastErr != nil:
		return StateError
	default:
		return StateIdle
	}
}

// Err returns the last utterance error of the current batch.
func (q *Queue) Err() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lastErr
}

// Close stops the queue and waits for its worker to exit.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.haltLocked()
	done := q.done
	q.mu.Unlock()
	if done != nil {
		<-done
	}
}

func (q *Queue) activeLocked() bool {
	return q.loading || q.speaking || q.paused
}

func (q *Queue) haltLocked() {
	if q.cancel != nil {
		q.cancel()
		q.cancel = nil
	}
	q.pending = nil
	q.loading, q.speaking = false, false
	if q.paused {
		q.paused = false
		close(q.resume)
		q.resume = nil
	}
}

func (q *Queue) control(ctx context.Context, a Action) error {
	if err := q.sink.Control(ctx, a); err != nil {
		slog.Warn("speech: control failed", "action", a, "err", err)
		return err
	}
	return nil
}
