package ble

import (
	"context"
	"log/slog"
	"time"
)

// Default reconnection parameters.
const (
	defaultMaxRetries = 10
	defaultBackoff    = 1 * time.Second
	defaultMaxBackoff = 30 * time.Second
)

// ReconnectorConfig configures a [Reconnector].
type ReconnectorConfig struct {
	// MaxRetries is the number of attempts per drop before giving up.
	// Defaults to 10 if zero.
	MaxRetries int

	// Backoff is the wait before the first attempt. It doubles each attempt
	// up to MaxBackoff. Defaults to 1s if zero.
	Backoff time.Duration

	// MaxBackoff defaults to 30s if zero.
	MaxBackoff time.Duration

	// OnReconnect is called with the address after a successful
	// reconnection. May be nil.
	OnReconnect func(address string)
}

// Reconnector reconnects a [Display] whose link dropped unexpectedly. An
// explicit [Display.Disconnect] is not a drop and is left alone.
type Reconnector struct {
	display     *Display
	maxRetries  int
	backoff     time.Duration
	maxBackoff  time.Duration
	onReconnect func(string)
}

// NewReconnector creates a Reconnector for d.
func NewReconnector(d *Display, cfg ReconnectorConfig) *Reconnector {
	r := &Reconnector{
		display:     d,
		maxRetries:  cfg.MaxRetries,
		backoff:     cfg.Backoff,
		maxBackoff:  cfg.MaxBackoff,
		onReconnect: cfg.OnReconnect,
	}
	if r.maxRetries <= 0 {
		r.maxRetries = defaultMaxRetries
	}
	if r.backoff <= 0 {
		r.backoff = defaultBackoff
	}
	if r.maxBackoff <= 0 {
		r.maxBackoff = defaultMaxBackoff
	}
	return r
}

// Run handles drops until ctx is done. It always returns nil.
func (r *Reconnector) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case address := <-r.display.Drops():
			r.reconnect(ctx, address)
		}
	}
}

// reconnect retries address with exponential backoff. It stops early once
// any display is connected again.
func (r *Reconnector) reconnect(ctx context.Context, address string) bool {
	wait := r.backoff
	for attempt := 1; attempt <= r.maxRetries; attempt++ {
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return false
		case <-t.C:
		}
		if r.display.Connected() {
			return true
		}

		slog.Info("ble: reconnecting display",
			"address", address,
			"attempt", attempt,
			"max_retries", r.maxRetries,
		)
		err := r.display.Connect(ctx, address)
		if err == nil {
			if r.onReconnect != nil {
				r.onReconnect(address)
			}
			return true
		}
		slog.Warn("ble: reconnect attempt failed", "address", address, "attempt", attempt, "err", err)

		wait = min(wait*2, r.maxBackoff)
	}
	slog.Error("ble: reconnection failed after max retries", "address", address, "max_retries", r.maxRetries)
	return false
}
