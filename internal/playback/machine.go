// Package playback implements the keyword playback state machine: an ordered
// queue of keywords walked one at a time at a fixed pace, either previewed
// locally (demo mode) or written to a connected Braille display.
//
// A [Machine] runs at most one playback loop at a time. Every operation that
// moves the cursor first cancels the running loop and then, when the machine
// is enabled, starts a replacement that does not begin until the old loop has
// returned. Cancellation is cooperative: it is observed before each item,
// after each play step and during the inter-item delay, but a device write
// that is already in flight always completes.
package playback

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/jeomgeuri/jeomgeuri/internal/observe"
	"github.com/jeomgeuri/jeomgeuri/pkg/braille"
)

const (
	defaultDelay        = 1500 * time.Millisecond
	defaultWriteTimeout = 5 * time.Second
)

// Status is the derived playback state.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusPlaying Status = "playing"
	StatusPaused  Status = "paused"
)

// Output is a physical Braille output path.
type Output interface {
	// Connected reports whether writes can currently reach the device.
	Connected() bool

	// Write encodes keyword and sends it to the device. The context is not
	// cancelled by playback control operations, only by the write timeout.
	Write(ctx context.Context, keyword string) error
}

// Snapshot is an immutable view of the machine.
type Snapshot struct {
	// Seq increases with every published snapshot; consumers receiving
	// snapshots from several goroutines keep the highest.
	Seq     uint64         `json:"seq"`
	Status  Status         `json:"status"`
	Demo    bool           `json:"demo"`
	Enabled bool           `json:"enabled"`
	Index   int            `json:"index"`
	Queue   []string       `json:"queue"`
	Current string         `json:"current,omitempty"`
	Cells   []braille.Cell `json:"cells"`
}

// Label renders the status the way it is announced to the user, e.g.
// "재생 중 (데모)".
func (s Snapshot) Label() string {
	var label string
	switch s.Status {
	case StatusPlaying:
		label = "재생 중"
	case StatusPaused:
		label = "일시 정지"
	default:
		label = "대기"
	}
	if s.Demo {
		label += " (데모)"
	}
	return label
}

// Callbacks are invoked from the playback goroutine. They must not call back
// into the Machine synchronously.
type Callbacks struct {
	OnBeforePlay func(index int, keyword string)
	OnAfterPlay  func(index int, keyword string)
	OnEnd        func()
}

// Option configures a [Machine].
type Option func(*Machine)

// WithOutput sets the device output. Without one the machine runs in demo
// mode.
func WithOutput(o Output) Option {
	return func(m *Machine) { m.out = o }
}

// WithPreviewer sets the converter used for the local cell preview.
func WithPreviewer(c braille.Converter) Option {
	return func(m *Machine) { m.previewer = c }
}

// WithDelay sets the pause between items. Default: 1.5s.
func WithDelay(d time.Duration) Option {
	return func(m *Machine) { m.delay = d }
}

// WithWriteTimeout bounds a single device write. Default: 5s.
func WithWriteTimeout(d time.Duration) Option {
	return func(m *Machine) { m.writeTimeout = d }
}

// WithDemo controls whether playback may run without a connected device.
// Default: true. When false, Start is a no-op until the output connects.
func WithDemo(allowed bool) Option {
	return func(m *Machine) { m.allowDemo = allowed }
}

// WithCallbacks sets the playback callbacks.
func WithCallbacks(cb Callbacks) Option {
	return func(m *Machine) { m.cb = cb }
}

// WithMetrics overrides the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(mt *observe.Metrics) Option {
	return func(m *Machine) { m.metrics = mt }
}

// Machine is the keyword playback state machine. The queue and cursor are
// only mutated through its methods. All methods are safe for concurrent use
// and never block on playback.
type Machine struct {
	mu sync.Mutex

	enabled bool
	queue   []string
	index   int
	playing bool
	ended   bool
	cells   []braille.Cell
	seq     uint64

	// cancel stops the current run; done is closed when it has returned.
	cancel context.CancelFunc
	done   chan struct{}
	closed bool

	out          Output
	previewer    braille.Converter
	delay        time.Duration
	writeTimeout time.Duration
	allowDemo    bool
	cb           Callbacks
	metrics      *observe.Metrics

	subs   map[int]func(Snapshot)
	nextID int
}

// New creates a disabled Machine with an empty queue.
func New(opts ...Option) *Machine {
	m := &Machine{
		delay:        defaultDelay,
		writeTimeout: defaultWriteTimeout,
		allowDemo:    true,
		subs:         make(map[int]func(Snapshot)),
	}
	for _, o := range opts {
		o(m)
	}
	if m.metrics == nil {
		m.metrics = observe.DefaultMetrics()
	}
	return m
}

// SetEnabled switches the subsystem on or off. Turning it on with a
// non-empty queue starts playback from the cursor; turning it off halts the
// current item immediately but keeps the queue and cursor.
func (m *Machine) SetEnabled(on bool) {
	m.mu.Lock()
	if m.enabled == on {
		m.mu.Unlock()
		return
	}
	m.enabled = on
	if on {
		m.ended = false
		m.startLocked()
	} else {
		m.haltLocked()
	}
	m.publishUnlock()
}

// Enqueue replaces the queue with the non-blank entries of keywords and
// resets the cursor to 0, restarting playback from the top when enabled. If
// no entry survives filtering the call is a no-op.
func (m *Machine) Enqueue(keywords []string) {
	filtered := make([]string, 0, len(keywords))
	for _, k := range keywords {
		if k = strings.TrimSpace(k); k != "" {
			filtered = append(filtered, k)
		}
	}
	if len(filtered) == 0 {
		return
	}

	m.mu.Lock()
	m.haltLocked()
	m.queue = filtered
	m.index = 0
	m.cells = nil
	m.ended = false
	m.startLocked()
	m.publishUnlock()
}

// Start begins or resumes playback from the cursor. It reports whether a
// loop was started; it is a no-op while already playing, when disabled, when
// the queue is empty, or when demo mode is disallowed and no device is
// connected.
func (m *Machine) Start() bool {
	m.mu.Lock()
	if m.playing {
		m.mu.Unlock()
		return false
	}
	m.ended = false
	started := m.startLocked()
	m.publishUnlock()
	return started
}

// Pause halts playback and keeps the cursor.
func (m *Machine) Pause() {
	m.mu.Lock()
	m.haltLocked()
	m.publishUnlock()
}

// Next moves the cursor forward by one and restarts playback when enabled.
// At the last index the cursor stays put, playback goes idle and OnEnd fires.
func (m *Machine) Next() {
	m.mu.Lock()
	m.haltLocked()
	if len(m.queue) == 0 {
		m.publishUnlock()
		return
	}
	if m.index >= len(m.queue)-1 {
		fire := m.enabled
		m.ended = true
		m.publishUnlock()
		if fire && m.cb.OnEnd != nil {
			m.cb.OnEnd()
		}
		return
	}
	m.index++
	m.ended = false
	m.startLocked()
	m.publishUnlock()
}

// Prev moves the cursor back by one (clamped at 0) and restarts playback
// when enabled.
func (m *Machine) Prev() {
	m.mu.Lock()
	m.haltLocked()
	if m.index > 0 {
		m.index--
	}
	m.ended = false
	m.startLocked()
	m.publishUnlock()
}

// Repeat replays the item at the cursor when enabled.
func (m *Machine) Repeat() {
	m.mu.Lock()
	m.haltLocked()
	m.ended = false
	m.startLocked()
	m.publishUnlock()
}

// SetIndex moves the cursor to n and restarts playback when enabled. It
// reports false, changing nothing, when n is out of range.
func (m *Machine) SetIndex(n int) bool {
	m.mu.Lock()
	if n < 0 || n >= len(m.queue) {
		m.mu.Unlock()
		return false
	}
	m.haltLocked()
	m.index = n
	m.ended = false
	m.startLocked()
	m.publishUnlock()
	return true
}

// Reset halts playback and clears the queue, cursor and preview.
func (m *Machine) Reset() {
	m.mu.Lock()
	m.haltLocked()
	m.queue = nil
	m.index = 0
	m.cells = nil
	m.ended = false
	m.publishUnlock()
}

// SetDelay changes the pause between items. It applies from the next item.
func (m *Machine) SetDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
}

// SetOutput swaps the device output; nil selects demo mode. A running loop
// picks up the change at its next item.
func (m *Machine) SetOutput(o Output) {
	m.mu.Lock()
	m.out = o
	m.publishUnlock()
}

// Keywords returns a copy of the queue.
func (m *Machine) Keywords() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.queue)
}

// Snapshot returns the current state.
func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// Subscribe registers fn to receive every published snapshot. fn runs on the
// goroutine that caused the change and must not block. The returned function
// removes the subscription.
func (m *Machine) Subscribe(fn func(Snapshot)) (unsubscribe func()) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = fn
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}

// Close halts playback and waits for the loop to return. Further operations
// keep their queue semantics but never start a loop.
func (m *Machine) Close() {
	m.mu.Lock()
	m.closed = true
	m.haltLocked()
	done := m.done
	m.mu.Unlock()
	if done != nil {
		<-done
	}
}

// ─── internals ──────────────────────────────────────────────────────────────

func (m *Machine) demoLocked() bool {
	return m.out == nil || !m.out.Connected()
}

func (m *Machine) statusLocked() Status {
	switch {
	case !m.enabled:
		return StatusIdle
	case m.playing:
		return StatusPlaying
	case len(m.queue) > 0 && !m.ended:
		return StatusPaused
	default:
		return StatusIdle
	}
}

func (m *Machine) snapshotLocked() Snapshot {
	s := Snapshot{
		Seq:     m.seq,
		Status:  m.statusLocked(),
		Demo:    m.demoLocked(),
		Enabled: m.enabled,
		Index:   m.index,
		Queue:   slices.Clone(m.queue),
		Cells:   slices.Clone(m.cells),
	}
	if m.index < len(m.queue) {
		s.Current = m.queue[m.index]
	}
	return s
}

// publishUnlock takes a snapshot, releases m.mu and delivers the snapshot
// to subscribers.
func (m *Machine) publishUnlock() {
	m.seq++
	s := m.snapshotLocked()
	subs := make([]func(Snapshot), 0, len(m.subs))
	for _, fn := range m.subs {
		subs = append(subs, fn)
	}
	m.mu.Unlock()
	for _, fn := range subs {
		fn(s)
	}
}

// haltLocked cancels the running loop, if any.
func (m *Machine) haltLocked() {
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.playing = false
}

// startLocked launches a playback loop when the preconditions hold. The new
// loop waits for its predecessor to return before touching the output.
func (m *Machine) startLocked() bool {
	if m.closed || !m.enabled || len(m.queue) == 0 || m.playing {
		return false
	}
	if !m.allowDemo && m.demoLocked() {
		slog.Debug("playback: start deferred, no device connected")
		return false
	}
	ctx, cancel := context.WithCancel(context.Background())
	prev := m.done
	done := make(chan struct{})
	m.cancel = cancel
	m.done = done
	m.playing = true
	go m.run(ctx, prev, done)
	return true
}

// run is the playback loop.
func (m *Machine) run(ctx context.Context, prev <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	if prev != nil {
		<-prev
	}

	for {
		m.mu.Lock()
		if ctx.Err() != nil || !m.enabled || len(m.queue) == 0 {
			m.mu.Unlock()
			return
		}
		i, kw := m.index, m.queue[m.index]
		m.mu.Unlock()

		// 1. Preview.
		cells := m.preview(ctx, kw)
		m.mu.Lock()
		if ctx.Err() != nil {
			m.mu.Unlock()
			return
		}
		m.cells = cells
		m.publishUnlock()

		// 2. Play.
		if m.cb.OnBeforePlay != nil {
			m.cb.OnBeforePlay(i, kw)
		}
		m.play(ctx, kw)
		if m.cb.OnAfterPlay != nil {
			m.cb.OnAfterPlay(i, kw)
		}

		// 3. Advance.
		m.mu.Lock()
		if ctx.Err() != nil {
			m.mu.Unlock()
			return
		}
		if i >= len(m.queue)-1 {
			m.playing = false
			m.ended = true
			m.cancel = nil
			m.publishUnlock()
			if m.cb.OnEnd != nil {
				m.cb.OnEnd()
			}
			return
		}
		m.index = i + 1
		m.cells = nil
		m.publishUnlock()
	}
}

// preview converts kw to cells, returning an empty preview on failure.
func (m *Machine) preview(ctx context.Context, kw string) []braille.Cell {
	if m.previewer == nil {
		return []braille.Cell{}
	}
	cells, err := m.previewer.Convert(ctx, kw)
	if err != nil {
		if ctx.Err() == nil {
			slog.Debug("playback: preview failed", "keyword", kw, "err", err)
		}
		return []braille.Cell{}
	}
	return braille.Normalize(cells)
}

// play writes kw to the device when one is connected, then waits the delay.
// The write runs on a context detached from ctx so that halting playback
// does not interrupt it.
func (m *Machine) play(ctx context.Context, kw string) {
	m.mu.Lock()
	out, delay, writeTimeout := m.out, m.delay, m.writeTimeout
	m.mu.Unlock()

	mode := "demo"
	if out != nil && out.Connected() {
		mode = "device"
		wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
		if err := out.Write(wctx, kw); err != nil {
			slog.Warn("playback: device write failed", "keyword", kw, "err", err)
		}
		cancel()
	}
	m.metrics.RecordPlaybackItem(ctx, mode)

	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
