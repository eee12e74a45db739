package backend

import (
	"context"
	"errors"
	"sync"
)

// ErrSuperseded is returned by a request that was cancelled because a newer
// request of the same kind started.
var ErrSuperseded = errors.New("backend: superseded by a newer request")

// Latest tracks the in-flight request of each kind so that starting a new
// one cancels its predecessor. The zero value is ready to use and safe for
// concurrent use.
type Latest struct {
	mu       sync.Mutex
	seq      uint64
	inflight map[string]flight
}

type flight struct {
	id     uint64
	cancel context.CancelCauseFunc
}

// Begin supersedes any in-flight request of kind and returns the context for
// the new one. done must be called when the request finishes.
func (l *Latest) Begin(ctx context.Context, kind string) (_ context.Context, done func()) {
	ctx, cancel := context.WithCancelCause(ctx)

	l.mu.Lock()
	if l.inflight == nil {
		l.inflight = make(map[string]flight)
	}
	if prev, ok := l.inflight[kind]; ok {
		prev.cancel(ErrSuperseded)
	}
	l.seq++
	id := l.seq
	l.inflight[kind] = flight{id: id, cancel: cancel}
	l.mu.Unlock()

	return ctx, func() {
		l.mu.Lock()
		if f, ok := l.inflight[kind]; ok && f.id == id {
			delete(l.inflight, kind)
		}
		l.mu.Unlock()
		cancel(nil)
	}
}

// CancelAll supersedes every in-flight request.
func (l *Latest) CancelAll() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for kind, f := range l.inflight {
		f.cancel(ErrSuperseded)
		delete(l.inflight, kind)
	}
}
