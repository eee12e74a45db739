// Package bridge connects Jeomgeuri clients to the service over WebSocket.
//
// Each connection is a session with its own keyword playback machine, speech
// queue and voice command resolver. The client streams speech transcripts and
// UI commands in; the session pushes playback state, speech directives, AI
// answers and Braille cells out. Inbound messages are validated against an
// embedded JSON Schema before they are dispatched.
//
// The physical Braille display is shared: one session at a time holds its
// lease and writes to it, the others play keywords in demo mode. When the
// holder disconnects the lease is offered to the remaining sessions.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/jeomgeuri/jeomgeuri/internal/backend"
	"github.com/jeomgeuri/jeomgeuri/internal/ble"
	"github.com/jeomgeuri/jeomgeuri/internal/observe"
	"github.com/jeomgeuri/jeomgeuri/internal/playback"
	"github.com/jeomgeuri/jeomgeuri/internal/resilience"
	"github.com/jeomgeuri/jeomgeuri/internal/speech"
	"github.com/jeomgeuri/jeomgeuri/internal/store"
	"github.com/jeomgeuri/jeomgeuri/pkg/braille"
)

// Backend is the subset of the backend client a session uses.
type Backend interface {
	braille.Converter
	backend.ReviewSink
	ConvertBraille(ctx context.Context, text string, mode backend.Mode) ([]braille.Cell, error)
	Ask(ctx context.Context, req backend.AskRequest) (backend.ChatResponse, error)
	AskStream(ctx context.Context, req backend.AskRequest, onDelta func(string)) error
}

// Display is the shared Braille display. [*ble.Display] implements it.
type Display interface {
	playback.Output
	Scan(ctx context.Context, f ble.Filter) ([]ble.Device, error)
	Connect(ctx context.Context, address string) error
	Disconnect(ctx context.Context) error
	Status() ble.Status
	Acquire(owner string) (release func(), err error)
	OnChange(fn func(ble.Status)) (remove func())
}

var _ Display = (*ble.Display)(nil)

// Config holds session defaults.
type Config struct {
	// AllowedOrigins are host patterns accepted for cross-origin WebSocket
	// requests. Empty allows same-origin requests only.
	AllowedOrigins []string

	// PlaybackDelay is the dwell time per keyword.
	PlaybackDelay time.Duration

	// WriteTimeout bounds one display write.
	WriteTimeout time.Duration

	// DisableDemo keeps playback from running without a connected display.
	DisableDemo bool

	// Speech holds the default speech options.
	Speech speech.Options

	// ScanFilter narrows display scans.
	ScanFilter ble.Filter

	// DisplayAddress is connected by the braille-connect voice command when
	// set; otherwise the first scan result is used.
	DisplayAddress string
}

// Option configures a [Server].
type Option func(*Server)

// WithDisplay sets the shared Braille display. Without one every session
// runs in demo mode.
func WithDisplay(d Display) Option {
	return func(s *Server) { s.display = d }
}

// WithMetrics overrides the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// Server accepts client WebSocket connections. It is safe for concurrent
// use.
type Server struct {
	backend Backend
	lessons backend.LessonSource
	store   store.Store
	display Display
	metrics *observe.Metrics
	decoder *Decoder
	reviews *resilience.FallbackGroup[backend.ReviewSink]

	mu       sync.Mutex
	cfg      Config
	sessions map[string]*session
	closed   bool
	wg       sync.WaitGroup
}

// NewServer creates a Server. lessons is usually a [backend.LessonChain].
func NewServer(b Backend, lessons backend.LessonSource, st store.Store, cfg Config, opts ...Option) (*Server, error) {
	if b == nil || lessons == nil || st == nil {
		return nil, errors.New("bridge: backend, lessons and store are required")
	}
	dec, err := NewDecoder()
	if err != nil {
		return nil, err
	}
	s := &Server{
		backend:  b,
		lessons:  lessons,
		store:    st,
		decoder:  dec,
		cfg:      cfg,
		sessions: make(map[string]*session),
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	s.reviews = resilience.NewFallbackGroup[backend.ReviewSink]("backend", b, resilience.FallbackConfig{
		OnFallback: func(name string) {
			slog.Info("bridge: review stored locally", "source", name)
		},
	})
	s.reviews.AddFallback("pending", pendingSink{st})
	return s, nil
}

// ServeHTTP upgrades the request to a WebSocket and runs a session until the
// client disconnects or the server closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	patterns := s.cfg.AllowedOrigins
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: patterns})
	if err != nil {
		slog.Warn("bridge: websocket accept failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	conn.SetReadLimit(maxMessageSize)

	sess := newSession(s, uuid.NewString(), conn)
	s.mu.Lock()
	closed := s.closed
	if !closed {
		s.sessions[sess.id] = sess
	}
	s.mu.Unlock()
	if closed {
		conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	s.metrics.ActiveSessions.Add(r.Context(), 1)
	slog.Info("bridge: session started", "session", sess.id, "remote", r.RemoteAddr)

	err = sess.run(r.Context())

	s.mu.Lock()
	delete(s.sessions, sess.id)
	s.mu.Unlock()
	s.metrics.ActiveSessions.Add(context.WithoutCancel(r.Context()), -1)
	slog.Info("bridge: session ended", "session", sess.id, "err", err)

	s.offerLease()
}

// Sessions returns the number of connected sessions.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// SetPlaybackDelay changes the keyword dwell time for new and connected
// sessions.
func (s *Server) SetPlaybackDelay(d time.Duration) {
	s.mu.Lock()
	s.cfg.PlaybackDelay = d
	sessions := s.snapshotLocked()
	s.mu.Unlock()
	for _, sess := range sessions {
		sess.machine.SetDelay(d)
	}
}

// SetSpeechOptions changes the default speech options. They apply from the
// next spoken batch.
func (s *Server) SetSpeechOptions(o speech.Options) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.Speech = o
}

func (s *Server) speechOptions() speech.Options {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Speech
}

func (s *Server) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

func (s *Server) snapshotLocked() []*session {
	out := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	return out
}

// offerLease lets sessions without the display try to take it over.
func (s *Server) offerLease() {
	if s.display == nil {
		return
	}
	s.mu.Lock()
	sessions := s.snapshotLocked()
	s.mu.Unlock()
	for _, sess := range sessions {
		if sess.tryLease() {
			return
		}
	}
}

// Close ends every session and waits for them to finish, or for ctx.
func (s *Server) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	sessions := s.snapshotLocked()
	s.mu.Unlock()

	for _, sess := range sessions {
		sess.close(websocket.StatusGoingAway, "server shutting down")
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("bridge: close: %w", ctx.Err())
	}
}

// pendingSink stores review requests in the local pending queue.
type pendingSink struct {
	q store.PendingQueue
}

func (p pendingSink) EnqueueReview(ctx context.Context, req backend.ReviewRequest) error {
	payload, err := json.Marshal(req.Payload)
	if err != nil {
		return err
	}
	return p.q.AppendPending(ctx, store.PendingReview{
		Kind:    req.Kind,
		Payload: payload,
		Source:  req.Source,
	})
}

// flushPending resends locally queued reviews to the backend. Items that
// still fail are queued again.
func (s *Server) flushPending(ctx context.Context) {
	items, err := s.store.DrainPending(ctx)
	if err != nil {
		slog.Warn("bridge: drain pending reviews", "err", err)
		return
	}
	if len(items) == 0 {
		return
	}
	sent := 0
	for i, p := range items {
		var payload backend.ReviewPayload
		if err := json.Unmarshal(p.Payload, &payload); err != nil {
			slog.Warn("bridge: dropping malformed pending review", "kind", p.Kind, "err", err)
			continue
		}
		err := s.backend.EnqueueReview(ctx, backend.ReviewRequest{Kind: p.Kind, Payload: payload, Source: p.Source})
		if err != nil {
			slog.Warn("bridge: pending review resend failed", "remaining", len(items)-i, "err", err)
			for _, rest := range items[i:] {
				if err := s.store.AppendPending(ctx, rest); err != nil {
					slog.Error("bridge: requeue pending review", "err", err)
				}
			}
			break
		}
		sent++
	}
	if sent > 0 {
		slog.Info("bridge: pending reviews sent", "count", sent)
	}
}
