package ble

import (
	"context"
	"testing"
	"time"
)

func TestReconnector_Defaults(t *testing.T) {
	t.Parallel()

	d, _ := newTestDisplay(t, 0)
	r := NewReconnector(d, ReconnectorConfig{})
	if r.maxRetries != defaultMaxRetries {
		t.Errorf("maxRetries = %d, want %d", r.maxRetries, defaultMaxRetries)
	}
	if r.backoff != defaultBackoff {
		t.Errorf("backoff = %v, want %v", r.backoff, defaultBackoff)
	}
	if r.maxBackoff != defaultMaxBackoff {
		t.Errorf("maxBackoff = %v, want %v", r.maxBackoff, defaultMaxBackoff)
	}
}

func TestReconnector_ReconnectsAfterDrop(t *testing.T) {
	t.Parallel()

	d, tr := newTestDisplay(t, 0)
	reconnected := make(chan string, 1)
	r := NewReconnector(d, ReconnectorConfig{
		Backoff:     time.Millisecond,
		MaxBackoff:  4 * time.Millisecond,
		OnReconnect: func(addr string) { reconnected <- addr },
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = d.Run(ctx) }()
	go func() { _ = r.Run(ctx) }()

	if err := d.Connect(ctx, "AA:BB:CC:DD:EE:FF"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	tr.mu.Lock()
	tr.failConns = 2
	tr.mu.Unlock()
	tr.events <- Event{Address: "AA:BB:CC:DD:EE:FF"}

	select {
	case addr := <-reconnected:
		if addr != "AA:BB:CC:DD:EE:FF" {
			t.Errorf("reconnected %q", addr)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("display was not reconnected")
	}
	if !d.Connected() {
		t.Error("display not connected after reconnect")
	}
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if len(tr.connects) != 2 {
		t.Errorf("successful connects = %v, want initial + reconnect", tr.connects)
	}
}

func TestReconnector_IgnoresExplicitDisconnect(t *testing.T) {
	t.Parallel()

	d, _ := newTestDisplay(t, 0)
	if err := d.Connect(context.Background(), "AA:BB:CC:DD:EE:FF"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := d.Disconnect(context.Background()); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	select {
	case addr := <-d.Drops():
		t.Fatalf("explicit disconnect reported as drop of %s", addr)
	default:
	}
}

func TestReconnector_GivesUp(t *testing.T) {
	t.Parallel()

	d, tr := newTestDisplay(t, 0)
	tr.failConns = 100
	r := NewReconnector(d, ReconnectorConfig{MaxRetries: 3, Backoff: time.Millisecond, MaxBackoff: time.Millisecond})

	done := make(chan bool, 1)
	go func() { done <- r.reconnect(context.Background(), "AA:BB:CC:DD:EE:FF") }()
	select {
	case ok := <-done:
		if ok {
			t.Error("reconnect reported success")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("reconnect did not give up")
	}
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if tr.failConns != 97 {
		t.Errorf("attempts = %d, want 3", 100-tr.failConns)
	}
}

func TestReconnector_StopsOnCancel(t *testing.T) {
	t.Parallel()

	d, _ := newTestDisplay(t, 0)
	r := NewReconnector(d, ReconnectorConfig{Backoff: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan bool, 1)
	go func() { done <- r.reconnect(ctx, "AA:BB:CC:DD:EE:FF") }()
	cancel()
	select {
	case ok := <-done:
		if ok {
			t.Error("reconnect reported success after cancel")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("reconnect ignored cancellation")
	}
}
