package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/jeomgeuri/jeomgeuri/internal/backend"
	"github.com/jeomgeuri/jeomgeuri/internal/ble"
	"github.com/jeomgeuri/jeomgeuri/internal/keywordmatch"
	"github.com/jeomgeuri/jeomgeuri/internal/playback"
	"github.com/jeomgeuri/jeomgeuri/internal/speech"
	"github.com/jeomgeuri/jeomgeuri/internal/voicecmd"
)

const (
	maxMessageSize = 64 << 10
	outboxSize     = 64
	writeTimeout   = 10 * time.Second
)

var errSessionClosed = errors.New("bridge: session closed")

// session is one connected client.
type session struct {
	id   string
	srv  *Server
	conn *websocket.Conn

	ctx    context.Context
	cancel context.CancelCauseFunc
	outbox chan []byte

	machine  *playback.Machine
	speech   *speech.Queue
	resolver *voicecmd.Resolver
	latest   backend.Latest
	tasks    sync.WaitGroup

	leaseMu sync.Mutex // serialises Acquire calls

	mu           sync.Mutex
	release      func()
	acks         map[string]chan error
	lastKeywords []string

	closeOnce sync.Once
}

func newSession(srv *Server, id string, conn *websocket.Conn) *session {
	cfg := srv.config()
	ctx, cancel := context.WithCancelCause(context.Background())
	s := &session{
		id:     id,
		srv:    srv,
		conn:   conn,
		ctx:    ctx,
		cancel: cancel,
		outbox: make(chan []byte, outboxSize),
		acks:   make(map[string]chan error),
	}

	opts := []playback.Option{
		playback.WithPreviewer(srv.backend),
		playback.WithDemo(!cfg.DisableDemo),
		playback.WithMetrics(srv.metrics),
		playback.WithCallbacks(playback.Callbacks{OnEnd: s.onPlaybackEnd}),
	}
	if cfg.PlaybackDelay > 0 {
		opts = append(opts, playback.WithDelay(cfg.PlaybackDelay))
	}
	if cfg.WriteTimeout > 0 {
		opts = append(opts, playback.WithWriteTimeout(cfg.WriteTimeout))
	}
	s.machine = playback.New(opts...)
	s.speech = speech.NewQueue(speechSink{s}, speech.WithMetrics(srv.metrics))
	s.resolver = voicecmd.New(
		voicecmd.WithApology(func(ctx context.Context, msg string) { s.say(ctx, msg) }),
		voicecmd.WithIndexFallback(keywordmatch.New().For(s.machine.Keywords)),
		voicecmd.WithMetrics(srv.metrics),
	)
	s.registerIntents()
	return s
}

// run serves the connection until the client leaves, the request context is
// cancelled or the session is closed.
func (s *session) run(reqCtx context.Context) error {
	stop := context.AfterFunc(reqCtx, func() { s.cancel(context.Cause(reqCtx)) })
	defer stop()

	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		s.writeLoop()
	}()

	unsubscribe := s.machine.Subscribe(s.pushState)
	removeListener := func() {}
	if d := s.srv.display; d != nil {
		removeListener = d.OnChange(s.onDisplayChange)
		s.tryLease()
	}
	s.pushState(s.machine.Snapshot())

	err := s.readLoop()
	s.cancel(errSessionClosed)

	removeListener()
	unsubscribe()
	s.latest.CancelAll()
	s.speech.Close()
	s.machine.Close()
	s.releaseLease()
	s.tasks.Wait()
	<-writeDone
	s.conn.Close(websocket.StatusNormalClosure, "")
	return err
}

func (s *session) readLoop() error {
	for {
		typ, data, err := s.conn.Read(s.ctx)
		if err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				return nil
			}
			if s.ctx.Err() != nil {
				if cause := context.Cause(s.ctx); !errors.Is(cause, errSessionClosed) {
					return cause
				}
				return nil
			}
			return fmt.Errorf("bridge: read: %w", err)
		}
		if typ != websocket.MessageText {
			s.sendError("", "bad_message", msgInvalid, "binary messages are not supported")
			continue
		}
		in, err := s.srv.decoder.Decode(data)
		if err != nil {
			s.srv.metrics.RecordBridgeMessage(s.ctx, "invalid", "in")
			slog.Debug("bridge: rejected message", "session", s.id, "err", err)
			s.sendError(peekID(data), "bad_message", msgInvalid, err.Error())
			continue
		}
		s.srv.metrics.RecordBridgeMessage(s.ctx, in.Type, "in")
		s.dispatch(in)
	}
}

func (s *session) writeLoop() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case b := <-s.outbox:
			ctx, cancel := context.WithTimeout(s.ctx, writeTimeout)
			err := s.conn.Write(ctx, websocket.MessageText, b)
			cancel()
			if err != nil {
				s.cancel(fmt.Errorf("bridge: write: %w", err))
				return
			}
		}
	}
}

// send queues a message for the client. It blocks while the outbox is full
// and fails once the session is done.
func (s *session) send(typ, id string, data any) error {
	b, err := json.Marshal(Outbound{Type: typ, ID: id, Data: data})
	if err != nil {
		slog.Error("bridge: encode message", "session", s.id, "type", typ, "err", err)
		return err
	}
	select {
	case s.outbox <- b:
		s.srv.metrics.RecordBridgeMessage(s.ctx, typ, "out")
		return nil
	case <-s.ctx.Done():
		return context.Cause(s.ctx)
	}
}

func (s *session) sendError(id, code, msg, detail string) {
	s.send(TypeError, id, ErrorPayload{Code: code, Message: msg, Detail: detail})
}

// close ends the session from the server side.
func (s *session) close(code websocket.StatusCode, reason string) {
	s.closeOnce.Do(func() {
		s.conn.Close(code, reason)
		s.cancel(errSessionClosed)
	})
}

// pushState sends the current state. It is also the playback subscriber, so
// it must not block on the machine.
func (s *session) pushState(snap playback.Snapshot) {
	p := StatePayload{
		Playback: snap,
		Label:    snap.Label(),
		Speech:   s.speech.State(),
		Muted:    s.speech.Muted(),
	}
	if d := s.srv.display; d != nil {
		p.Display = &DisplayState{Status: d.Status(), Leased: s.leased()}
	}
	s.send(TypeState, "", p)
}

func (s *session) refreshState() {
	s.pushState(s.machine.Snapshot())
}

// say speaks texts with the server's speech options.
func (s *session) say(ctx context.Context, texts ...string) {
	err := s.speech.Speak(ctx, texts, s.srv.speechOptions())
	if err != nil && !errors.Is(err, speech.ErrClosed) {
		slog.Warn("bridge: speak", "session", s.id, "err", err)
	}
	s.refreshState()
}

func (s *session) onPlaybackEnd() {
	slog.Debug("bridge: playback reached the end of the queue", "session", s.id)
}

// dispatch routes a validated message. Quick operations run inline on the
// read goroutine; anything that waits on the network runs as a task.
func (s *session) dispatch(in Inbound) {
	defer s.recoverPanic(in.Type, in.ID)
	switch in.Type {
	case TypeTranscript:
		s.handleTranscript(in)
	case TypeCommand:
		s.handleCommand(in)
	case TypeSpeech:
		s.handleSpeechAck(in)
	case TypeSTTError:
		s.handleSTTError(in)
	case TypeAsk:
		s.goTask(in, func(ctx context.Context) {
			s.ask(ctx, in.ID, backend.AskRequest{Q: in.Q, Mode: in.Mode, Topic: in.Topic}, in.Stream)
		})
	case TypeConvert:
		s.goTask(in, func(ctx context.Context) { s.convert(ctx, in) })
	case TypeLessons:
		s.goTask(in, func(ctx context.Context) { s.lessons(ctx, in) })
	case TypeReview:
		s.goTask(in, func(ctx context.Context) { s.review(ctx, in) })
	case TypeBLE:
		s.goTask(in, func(ctx context.Context) { s.handleBLE(ctx, in) })
	}
}

func (s *session) goTask(in Inbound, fn func(ctx context.Context)) {
	s.tasks.Add(1)
	go func() {
		defer s.tasks.Done()
		defer s.recoverPanic(in.Type, in.ID)
		fn(s.ctx)
	}()
}

func (s *session) recoverPanic(what, id string) {
	p := recover()
	if p == nil {
		return
	}
	err := fmt.Errorf("bridge: %s handler panicked: %v", what, p)
	recordError(err)
	slog.Error("bridge: recovered panic", "session", s.id, "message", what, "err", err, "stack", string(debug.Stack()))
	s.sendError(id, "internal", msgInternal, "")
}

func (s *session) handleTranscript(in Inbound) {
	if !in.IsFinal() {
		return
	}
	res := s.resolver.Resolve(s.ctx, in.Text)
	if res.Outcome == voicecmd.OutcomeEmpty {
		return
	}
	p := IntentPayload{
		Intent:  string(res.Match.Intent),
		Text:    res.Match.Text,
		Outcome: res.Outcome.String(),
	}
	if res.Match.HasIndex {
		i := res.Match.Index
		p.Index = &i
	}
	if res.Err != nil {
		recordError(res.Err)
		p.Error = res.Err.Error()
	}
	s.send(TypeIntent, in.ID, p)
}

func (s *session) handleSTTError(in Inbound) {
	msg := speech.ErrorMessage(in.Code)
	s.sendError(in.ID, "stt_"+in.Code, msg, "")
	s.say(s.ctx, msg)
}

// ─── display lease ─────────────────────────────────────────────────────────

// tryLease acquires the display for this session. It reports whether the
// session holds the lease afterwards.
func (s *session) tryLease() bool {
	d := s.srv.display
	if d == nil || s.ctx.Err() != nil {
		return false
	}
	s.leaseMu.Lock()
	defer s.leaseMu.Unlock()
	if s.leased() {
		return true
	}
	release, err := d.Acquire(s.id)
	if err != nil {
		slog.Debug("bridge: display lease unavailable", "session", s.id, "err", err)
		return false
	}
	s.mu.Lock()
	s.release = release
	s.mu.Unlock()
	s.machine.SetOutput(d)
	slog.Info("bridge: display lease acquired", "session", s.id)
	return true
}

func (s *session) releaseLease() {
	s.leaseMu.Lock()
	defer s.leaseMu.Unlock()
	s.mu.Lock()
	release := s.release
	s.release = nil
	s.mu.Unlock()
	if release == nil {
		return
	}
	s.machine.SetOutput(nil)
	release()
	slog.Info("bridge: display lease released", "session", s.id)
}

func (s *session) leased() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.release != nil
}

func (s *session) onDisplayChange(st ble.Status) {
	if s.ctx.Err() != nil {
		return
	}
	if st.Connected && s.leased() && s.srv.config().DisableDemo {
		s.machine.Start()
	}
	s.refreshState()
}

// peekID extracts the correlation id of a message that failed validation so
// the error can still be matched to its request.
func peekID(data []byte) string {
	var v struct {
		ID string `json:"id"`
	}
	if json.Unmarshal(data, &v) != nil || len(v.ID) > 128 {
		return ""
	}
	return v.ID
}
