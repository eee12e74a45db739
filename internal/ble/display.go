// Package ble drives a refreshable Braille display over Bluetooth Low Energy.
//
// A [Display] owns one GATT characteristic on one device. Keywords written to
// it are converted to Braille cells, packed one byte per cell (bit i = dot
// i+1) and sent in MTU-sized chunks. On Linux the [Transport] is [BlueZ];
// tests and hosts without Bluetooth use other implementations.
//
// Display satisfies the playback output contract, so a connected display
// switches keyword playback out of demo mode.
package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jeomgeuri/jeomgeuri/internal/observe"
	"github.com/jeomgeuri/jeomgeuri/pkg/braille"
)

const (
	defaultMTU            = 20
	defaultConnectTimeout = 20 * time.Second
	defaultScanDuration   = 5 * time.Second
)

var (
	// ErrNotConnected is returned by writes while no display is connected.
	ErrNotConnected = errors.New("ble: display not connected")

	// ErrLeaseHeld is returned by [Display.Acquire] while another owner
	// holds the display.
	ErrLeaseHeld = errors.New("ble: display in use by another session")
)

// Device is a Bluetooth device known to the adapter.
type Device struct {
	Address   string   `json:"address"`
	Name      string   `json:"name"`
	Path      string   `json:"-"`
	RSSI      int16    `json:"rssi,omitempty"`
	UUIDs     []string `json:"uuids,omitempty"`
	Connected bool     `json:"connected"`
	Paired    bool     `json:"paired"`
}

// Event reports a device connection change.
type Event struct {
	Address   string
	Connected bool
}

// Transport is the Bluetooth stack a [Display] talks to.
type Transport interface {
	// Devices lists known devices, optionally discovering for the given
	// duration first.
	Devices(ctx context.Context, discover time.Duration) ([]Device, error)

	// Connect connects to address and returns a handle for the GATT
	// characteristic identified by the service and characteristic UUIDs.
	Connect(ctx context.Context, address, service, characteristic string) (handle string, err error)

	// WriteValue writes data to the characteristic handle.
	WriteValue(ctx context.Context, handle string, data []byte) error

	// Disconnect disconnects address.
	Disconnect(ctx context.Context, address string) error

	// Events delivers connection changes. It is closed by Close.
	Events() <-chan Event

	Close() error
}

// Filter narrows [Display.Scan] results. Empty fields match everything.
type Filter struct {
	NamePrefix  string
	ServiceUUID string
	Discover    time.Duration
}

func (f Filter) match(d Device) bool {
	if f.NamePrefix != "" && !strings.HasPrefix(strings.ToLower(d.Name), strings.ToLower(f.NamePrefix)) {
		return false
	}
	if f.ServiceUUID != "" {
		for _, u := range d.UUIDs {
			if strings.EqualFold(u, f.ServiceUUID) {
				return true
			}
		}
		return false
	}
	return true
}

// Config configures a [Display].
type Config struct {
	ServiceUUID        string
	CharacteristicUUID string

	// MTU is the maximum payload of one write. Default: 20.
	MTU int

	ConnectTimeout time.Duration
}

// Status is a snapshot of the display connection.
type Status struct {
	Connected bool   `json:"connected"`
	Address   string `json:"address,omitempty"`
	Owner     string `json:"owner,omitempty"`
}

// Option configures a [Display].
type Option func(*Display)

// WithMetrics overrides the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(d *Display) { d.metrics = m }
}

// Display is a Braille display reached through a [Transport]. It is safe for
// concurrent use; writes are serialized.
type Display struct {
	transport Transport
	conv      braille.Converter
	cfg       Config
	metrics   *observe.Metrics

	writeMu sync.Mutex

	mu        sync.Mutex
	address   string
	handle    string
	connected bool
	owner     string
	listeners map[int]func(Status)
	nextID    int

	drops chan string
}

// New creates a disconnected Display. conv converts keywords to cells.
func New(t Transport, conv braille.Converter, cfg Config, opts ...Option) (*Display, error) {
	if t == nil {
		return nil, errors.New("ble: transport must not be nil")
	}
	if conv == nil {
		return nil, errors.New("ble: converter must not be nil")
	}
	if cfg.ServiceUUID == "" || cfg.CharacteristicUUID == "" {
		return nil, errors.New("ble: service and characteristic UUIDs are required")
	}
	if cfg.MTU <= 0 {
		cfg.MTU = defaultMTU
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	d := &Display{
		transport: t,
		conv:      conv,
		cfg:       cfg,
		listeners: make(map[int]func(Status)),
		drops:     make(chan string, 1),
	}
	for _, o := range opts {
		o(d)
	}
	if d.metrics == nil {
		d.metrics = observe.DefaultMetrics()
	}
	return d, nil
}

// Run consumes transport events until ctx is done or the transport closes.
// A disconnect of the current device marks the display disconnected.
func (d *Display) Run(ctx context.Context) error {
	events := d.transport.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if !ev.Connected && d.markDisconnected(ev.Address) {
				select {
				case d.drops <- ev.Address:
				default:
				}
			}
		}
	}
}

// Drops delivers the address of a display whose link dropped without a
// call to [Display.Disconnect].
func (d *Display) Drops() <-chan string { return d.drops }

// Scan lists devices matching f. A zero Discover uses a 5s discovery window;
// a negative one skips discovery.
func (d *Display) Scan(ctx context.Context, f Filter) ([]Device, error) {
	discover := f.Discover
	if discover == 0 {
		discover = defaultScanDuration
	}
	devs, err := d.transport.Devices(ctx, max(discover, 0))
	if err != nil {
		return nil, err
	}
	if f.ServiceUUID == "" && f.NamePrefix == "" {
		return devs, nil
	}
	out := devs[:0:0]
	for _, dev := range devs {
		if f.match(dev) {
			out = append(out, dev)
		}
	}
	return out, nil
}

// Connect connects to the display at address, replacing any current
// connection.
func (d *Display) Connect(ctx context.Context, address string) error {
	address = strings.ToUpper(strings.TrimSpace(address))
	if address == "" {
		return errors.New("ble: connect: address is required")
	}

	d.mu.Lock()
	prev, wasConnected := d.address, d.connected
	d.mu.Unlock()
	if wasConnected && prev != address {
		if err := d.Disconnect(ctx); err != nil {
			slog.Warn("ble: disconnect previous display", "address", prev, "err", err)
		}
	}

	cctx, cancel := context.WithTimeout(ctx, d.cfg.ConnectTimeout)
	defer cancel()
	handle, err := d.transport.Connect(cctx, address, d.cfg.ServiceUUID, d.cfg.CharacteristicUUID)
	if err != nil {
		return err
	}

	d.mu.Lock()
	already := d.connected && d.address == address
	d.address, d.handle, d.connected = address, handle, true
	d.mu.Unlock()

	if !already {
		d.metrics.DisplaysConnected.Add(ctx, 1)
	}
	slog.Info("ble: display connected", "address", address)
	d.notify()
	return nil
}

// Disconnect disconnects the current display. It is a no-op when none is
// connected.
func (d *Display) Disconnect(ctx context.Context) error {
	d.mu.Lock()
	address, connected := d.address, d.connected
	d.mu.Unlock()
	if !connected {
		return nil
	}
	err := d.transport.Disconnect(ctx, address)
	d.markDisconnected(address)
	return err
}

func (d *Display) markDisconnected(address string) bool {
	d.mu.Lock()
	if !d.connected || !strings.EqualFold(d.address, address) {
		d.mu.Unlock()
		return false
	}
	d.connected = false
	d.handle = ""
	d.mu.Unlock()

	d.metrics.DisplaysConnected.Add(context.Background(), -1)
	slog.Info("ble: display disconnected", "address", address)
	d.notify()
	return true
}

// Connected reports whether a display is connected.
func (d *Display) Connected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected
}

// Status returns the connection state.
func (d *Display) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.statusLocked()
}

func (d *Display) statusLocked() Status {
	return Status{Connected: d.connected, Address: d.address, Owner: d.owner}
}

// Write converts keyword to Braille and sends it to the display.
func (d *Display) Write(ctx context.Context, keyword string) error {
	cells, err := d.conv.Convert(ctx, keyword)
	if err != nil {
		return fmt.Errorf("ble: write %q: convert: %w", keyword, err)
	}
	return d.WriteCells(ctx, cells)
}

// WriteCells sends cells to the display, one byte per cell.
func (d *Display) WriteCells(ctx context.Context, cells []braille.Cell) error {
	d.mu.Lock()
	handle, connected := d.handle, d.connected
	d.mu.Unlock()
	if !connected {
		return ErrNotConnected
	}

	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	start := time.Now()
	var err error
	for _, part := range chunk(braille.Pack(cells), d.cfg.MTU) {
		if err = d.transport.WriteValue(ctx, handle, part); err != nil {
			break
		}
	}

	status := "ok"
	if err != nil {
		status = "error"
	}
	d.metrics.RecordDisplayWrite(ctx, status, time.Since(start))
	return err
}

// OnChange registers fn to be called after every connection change. The
// returned function removes it.
func (d *Display) OnChange(fn func(Status)) (remove func()) {
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

func (d *Display) notify() {
	d.mu.Lock()
	s := d.statusLocked()
	fns := make([]func(Status), 0, len(d.listeners))
	for _, fn := range d.listeners {
		fns = append(fns, fn)
	}
	d.mu.Unlock()
	for _, fn := range fns {
		fn(s)
	}
}

// Acquire gives owner exclusive use of the display. Acquiring again as the
// current owner succeeds. release is idempotent.
func (d *Display) Acquire(owner string) (release func(), err error) {
	d.mu.Lock()
	if d.owner != "" && d.owner != owner {
		held := d.owner
		d.mu.Unlock()
		return nil, fmt.Errorf("%w (%s)", ErrLeaseHeld, held)
	}
	d.owner = owner
	d.mu.Unlock()
	d.notify()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			if d.owner != owner {
				d.mu.Unlock()
				return
			}
			d.owner = ""
			d.mu.Unlock()
			d.notify()
		})
	}, nil
}

// Close disconnects and closes the transport.
func (d *Display) Close(ctx context.Context) error {
	return errors.Join(d.Disconnect(ctx), d.transport.Close())
}

// chunk splits data into pieces of at most size bytes.
func chunk(data []byte, size int) [][]byte {
	if len(data) == 0 {
		return nil
	}
	out := make([][]byte, 0, (len(data)+size-1)/size)
	for len(data) > size {
		out = append(out, data[:size])
		data = data[size:]
	}
	return append(out, data)
}
