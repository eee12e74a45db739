// Package mock provides test doubles for the bridge.Backend and
// bridge.Display interfaces.
//
// Example:
//
//	b := &mock.Backend{AskResult: backend.ChatResponse{Answer: "점자는..."}}
//	d := mock.NewDisplay()
//	srv, _ := bridge.NewServer(b, backend.Builtin{}, store.NewMemory(), bridge.Config{}, bridge.WithDisplay(d))
package mock

import (
	"context"
	"slices"
	"sync"

	"github.com/jeomgeuri/jeomgeuri/internal/backend"
	"github.com/jeomgeuri/jeomgeuri/internal/ble"
	"github.com/jeomgeuri/jeomgeuri/pkg/braille"
)

// Backend is a mock implementation of bridge.Backend.
type Backend struct {
	mu sync.Mutex

	// Cells is returned by Convert and ConvertBraille.
	Cells []braille.Cell

	// ConvertErr, if non-nil, is returned by Convert and ConvertBraille.
	ConvertErr error

	// AskResult is returned by Ask.
	AskResult backend.ChatResponse

	// AskErr, if non-nil, is returned by Ask and AskStream.
	AskErr error

	// Deltas are delivered in order by AskStream.
	Deltas []string

	// ReviewErr, if non-nil, is returned by EnqueueReview.
	ReviewErr error

	asks    []backend.AskRequest
	reviews []backend.ReviewRequest
}

// Convert returns the configured cells.
func (b *Backend) Convert(ctx context.Context, text string) ([]braille.Cell, error) {
	return b.ConvertBraille(ctx, text, backend.ModeWord)
}

// ConvertBraille returns the configured cells.
func (b *Backend) ConvertBraille(_ context.Context, _ string, _ backend.Mode) ([]braille.Cell, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ConvertErr != nil {
		return nil, b.ConvertErr
	}
	return slices.Clone(b.Cells), nil
}

// Ask records req and returns the configured answer.
func (b *Backend) Ask(_ context.Context, req backend.AskRequest) (backend.ChatResponse, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.asks = append(b.asks, req)
	if b.AskErr != nil {
		return backend.ChatResponse{}, b.AskErr
	}
	return b.AskResult, nil
}

// AskStream records req and delivers the configured deltas.
func (b *Backend) AskStream(_ context.Context, req backend.AskRequest, onDelta func(string)) error {
	b.mu.Lock()
	b.asks = append(b.asks, req)
	deltas, err := slices.Clone(b.Deltas), b.AskErr
	b.mu.Unlock()
	if err != nil {
		return err
	}
	for _, d := range deltas {
		onDelta(d)
	}
	return nil
}

// EnqueueReview records req.
func (b *Backend) EnqueueReview(_ context.Context, req backend.ReviewRequest) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ReviewErr != nil {
		return b.ReviewErr
	}
	b.reviews = append(b.reviews, req)
	return nil
}

// SetReviewErr changes ReviewErr while the mock is in use.
func (b *Backend) SetReviewErr(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ReviewErr = err
}

// Asks returns the recorded ask requests.
func (b *Backend) Asks() []backend.AskRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.asks)
}

// Reviews returns the accepted review requests.
func (b *Backend) Reviews() []backend.ReviewRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.reviews)
}

// Display is a mock implementation of bridge.Display.
type Display struct {
	mu sync.Mutex

	// Devices is returned by Scan.
	Devices []ble.Device

	// ConnectErr, if non-nil, is returned by Connect.
	ConnectErr error

	connected bool
	address   string
	owner     string
	writes    []string
	listeners map[int]func(ble.Status)
	nextID    int
}

// NewDisplay returns a disconnected Display.
func NewDisplay() *Display {
	return &Display{listeners: make(map[int]func(ble.Status))}
}

// Connected reports whether Connect succeeded more recently than Disconnect.
func (d *Display) Connected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected
}

// Write records keyword.
func (d *Display) Write(_ context.Context, keyword string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.writes = append(d.writes, keyword)
	return nil
}

// Scan returns the configured devices.
func (d *Display) Scan(context.Context, ble.Filter) ([]ble.Device, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.Devices), nil
}

// Connect marks the display connected to address.
func (d *Display) Connect(_ context.Context, address string) error {
	d.mu.Lock()
	if d.ConnectErr != nil {
		d.mu.Unlock()
		return d.ConnectErr
	}
	d.connected = true
	d.address = address
	d.mu.Unlock()
	d.notify()
	return nil
}

// Disconnect marks the display disconnected.
func (d *Display) Disconnect(context.Context) error {
	d.mu.Lock()
	d.connected = false
	d.address = ""
	d.mu.Unlock()
	d.notify()
	return nil
}

// Status returns the current status.
func (d *Display) Status() ble.Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	return ble.Status{Connected: d.connected, Address: d.address, Owner: d.owner}
}

// Acquire grants owner the display unless someone else holds it.
func (d *Display) Acquire(owner string) (func(), error) {
	d.mu.Lock()
	if d.owner != "" && d.owner != owner {
		d.mu.Unlock()
		return nil, ble.ErrLeaseHeld
	}
	d.owner = owner
	d.mu.Unlock()
	d.notify()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			if d.owner == owner {
				d.owner = ""
			}
			d.mu.Unlock()
			d.notify()
		})
	}, nil
}

// OnChange registers fn for status changes.
func (d *Display) OnChange(fn func(ble.Status)) func() {
	d.mu.Lock()
	id := d.nextID
	d.nextID++
	d.listeners[id] = fn
	d.mu.Unlock()
	return func() {
		d.mu.Lock()
		delete(d.listeners, id)
		d.mu.Unlock()
	}
}

// Owner returns the current lease holder.
func (d *Display) Owner() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.owner
}

// Writes returns the recorded keywords.
func (d *Display) Writes() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.writes)
}

func (d *Display) notify() {
	d.mu.Lock()
	st := ble.Status{Connected: d.connected, Address: d.address, Owner: d.owner}
	fns := make([]func(ble.Status), 0, len(d.listeners))
	for _, fn := range d.listeners {
		fns = append(fns, fn)
	}
	d.mu.Unlock()
	for _, fn := range fns {
		fn(st)
	}
}
