package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
)

const (
	busName          = "org.bluez"
	bluezRoot        = "/org/bluez"
	adapterIface     = "org.bluez.Adapter1"
	deviceIface      = "org.bluez.Device1"
	gattServiceIface = "org.bluez.GattService1"
	gattCharIface    = "org.bluez.GattCharacteristic1"
	propsIface       = "org.freedesktop.DBus.Properties"
	objManagerIface  = "org.freedesktop.DBus.ObjectManager"
	propsChanged     = "PropertiesChanged"

	resolvePoll = 100 * time.Millisecond
)

// ErrUnavailable is returned when BlueZ cannot be reached: no system bus,
// bluetoothd not running, or no adapter.
var ErrUnavailable = errors.New("ble: bluetooth unavailable")

// managedObjects is the reply of ObjectManager.GetManagedObjects.
type managedObjects = map[dbus.ObjectPath]map[string]map[string]dbus.Variant

// BlueZ is the [Transport] backed by bluetoothd on the system D-Bus.
type BlueZ struct {
	conn    *dbus.Conn
	adapter dbus.ObjectPath

	signals chan *dbus.Signal
	events  chan Event
	once    sync.Once
}

var _ Transport = (*BlueZ)(nil)

// NewBlueZ connects to BlueZ on the system bus using the named adapter
// (e.g. "hci0"). The returned error wraps [ErrUnavailable] when Bluetooth
// cannot be used on this host.
func NewBlueZ(adapter string) (*BlueZ, error) {
	if adapter == "" {
		adapter = "hci0"
	}
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("%w: connect to system bus: %w", ErrUnavailable, err)
	}

	var names []string
	if err := conn.BusObject().Call("org.freedesktop.DBus.ListNames", 0).Store(&names); err != nil {
		return nil, fmt.Errorf("%w: list bus names: %w", ErrUnavailable, err)
	}
	if !slices.Contains(names, busName) {
		return nil, fmt.Errorf("%w: %s not on the system bus, is bluetooth.service running?", ErrUnavailable, busName)
	}

	b := &BlueZ{
		conn:    conn,
		adapter: dbus.ObjectPath(bluezRoot + "/" + adapter),
		signals: make(chan *dbus.Signal, 16),
		events:  make(chan Event, 16),
	}
	if _, err := b.conn.Object(busName, b.adapter).GetProperty(adapterIface + ".Powered"); err != nil {
		return nil, fmt.Errorf("%w: adapter %s: %w", ErrUnavailable, adapter, err)
	}

	if err := conn.AddMatchSignal(
		dbus.WithMatchInterface(propsIface),
		dbus.WithMatchMember(propsChanged),
		dbus.WithMatchPathNamespace(bluezRoot),
	); err != nil {
		return nil, fmt.Errorf("ble: subscribe to property changes: %w", err)
	}
	conn.Signal(b.signals)
	go b.translate()
	return b, nil
}

// translate turns PropertiesChanged signals into connection events.
func (b *BlueZ) translate() {
	defer close(b.events)
	for sig := range b.signals {
		ev, ok := parsePropertiesChanged(sig)
		if !ok {
			continue
		}
		select {
		case b.events <- ev:
		default:
			slog.Warn("ble: event dropped, consumer too slow", "address", ev.Address)
		}
	}
}

// Events implements [Transport].
func (b *BlueZ) Events() <-chan Event { return b.events }

// Devices implements [Transport]. When discover is positive, the adapter
// scans for that long before the device list is read.
func (b *BlueZ) Devices(ctx context.Context, discover time.Duration) ([]Device, error) {
	if discover > 0 {
		adapter := b.conn.Object(busName, b.adapter)
		if err := adapter.CallWithContext(ctx, adapterIface+".StartDiscovery", 0).Err; err != nil {
			return nil, fmt.Errorf("ble: start discovery: %w", err)
		}
		t := time.NewTimer(discover)
		select {
		case <-ctx.Done():
		case <-t.C:
		}
		t.Stop()
		// StopDiscovery must run even when ctx is done.
		if err := adapter.Call(adapterIface+".StopDiscovery", 0).Err; err != nil {
			slog.Debug("ble: stop discovery", "err", err)
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}

	objs, err := b.managedObjects(ctx)
	if err != nil {
		return nil, err
	}
	return parseDevices(objs, b.adapter), nil
}

// Connect implements [Transport]. It waits for GATT service resolution and
// returns the object path of the characteristic.
func (b *BlueZ) Connect(ctx context.Context, address, service, characteristic string) (string, error) {
	path := devicePath(b.adapter, address)
	dev := b.conn.Object(busName, path)
	if err := dev.CallWithContext(ctx, deviceIface+".Connect", 0).Err; err != nil {
		return "", fmt.Errorf("ble: connect %s: %w", address, err)
	}

	tick := time.NewTicker(resolvePoll)
	defer tick.Stop()
	for {
		v, err := dev.GetProperty(deviceIface + ".ServicesResolved")
		if err == nil {
			if resolved, _ := v.Value().(bool); resolved {
				break
			}
		}
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("ble: connect %s: waiting for services: %w", address, ctx.Err())
		case <-tick.C:
		}
	}

	objs, err := b.managedObjects(ctx)
	if err != nil {
		return "", err
	}
	char, ok := findCharacteristic(objs, path, service, characteristic)
	if !ok {
		return "", fmt.Errorf("ble: connect %s: characteristic %s of service %s not found", address, characteristic, service)
	}
	return string(char), nil
}

// WriteValue implements [Transport].
func (b *BlueZ) WriteValue(ctx context.Context, handle string, data []byte) error {
	obj := b.conn.Object(busName, dbus.ObjectPath(handle))
	opts := map[string]dbus.Variant{"type": dbus.MakeVariant("request")}
	if err := obj.CallWithContext(ctx, gattCharIface+".WriteValue", 0, data, opts).Err; err != nil {
		return fmt.Errorf("ble: write value: %w", err)
	}
	return nil
}

// Disconnect implements [Transport].
func (b *BlueZ) Disconnect(ctx context.Context, address string) error {
	dev := b.conn.Object(busName, devicePath(b.adapter, address))
	if err := dev.CallWithContext(ctx, deviceIface+".Disconnect", 0).Err; err != nil {
		return fmt.Errorf("ble: disconnect %s: %w", address, err)
	}
	return nil
}

// Close stops signal delivery. The shared system bus connection stays open.
func (b *BlueZ) Close() error {
	b.once.Do(func() {
		b.conn.RemoveSignal(b.signals)
		close(b.signals)
	})
	return nil
}

func (b *BlueZ) managedObjects(ctx context.Context) (managedObjects, error) {
	var objs managedObjects
	root := b.conn.Object(busName, "/")
	if err := root.CallWithContext(ctx, objManagerIface+".GetManagedObjects", 0).Store(&objs); err != nil {
		return nil, fmt.Errorf("ble: get managed objects: %w", err)
	}
	return objs, nil
}

// ─── pure helpers ───────────────────────────────────────────────────────────

// devicePath converts "AA:BB:CC:DD:EE:FF" to
// "/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF".
func devicePath(adapter dbus.ObjectPath, address string) dbus.ObjectPath {
	return dbus.ObjectPath(string(adapter) + "/dev_" + strings.ReplaceAll(strings.ToUpper(address), ":", "_"))
}

// addressFromPath extracts the MAC address from a device object path.
func addressFromPath(path dbus.ObjectPath) string {
	s := string(path)
	i := strings.LastIndex(s, "/dev_")
	if i < 0 {
		return ""
	}
	rest := s[i+len("/dev_"):]
	if strings.Contains(rest, "/") {
		return ""
	}
	return strings.ReplaceAll(rest, "_", ":")
}

func parseDevices(objs managedObjects, adapter dbus.ObjectPath) []Device {
	var out []Device
	for path, ifaces := range objs {
		props, ok := ifaces[deviceIface]
		if !ok {
			continue
		}
		if adapterPath, _ := props["Adapter"].Value().(dbus.ObjectPath); adapterPath != "" && adapterPath != adapter {
			continue
		}
		d := Device{Path: string(path)}
		d.Address, _ = props["Address"].Value().(string)
		if d.Address == "" {
			d.Address = addressFromPath(path)
		}
		d.Name, _ = props["Name"].Value().(string)
		if d.Name == "" {
			d.Name, _ = props["Alias"].Value().(string)
		}
		d.RSSI, _ = props["RSSI"].Value().(int16)
		d.Connected, _ = props["Connected"].Value().(bool)
		d.Paired, _ = props["Paired"].Value().(bool)
		if uuids, ok := props["UUIDs"].Value().([]string); ok {
			d.UUIDs = uuids
		}
		out = append(out, d)
	}
	slices.SortFunc(out, func(a, b Device) int { return strings.Compare(a.Address, b.Address) })
	return out
}

// findCharacteristic locates the characteristic with UUID char inside the
// service with UUID service on device dev.
func findCharacteristic(objs managedObjects, dev dbus.ObjectPath, service, char string) (dbus.ObjectPath, bool) {
	var servicePath dbus.ObjectPath
	for path, ifaces := range objs {
		props, ok := ifaces[gattServiceIface]
		if !ok || !strings.HasPrefix(string(path), string(dev)+"/") {
			continue
		}
		if uuid, _ := props["UUID"].Value().(string); strings.EqualFold(uuid, service) {
			servicePath = path
			break
		}
	}
	if servicePath == "" {
		return "", false
	}
	for path, ifaces := range objs {
		props, ok := ifaces[gattCharIface]
		if !ok {
			continue
		}
		if svc, _ := props["Service"].Value().(dbus.ObjectPath); svc != servicePath {
			continue
		}
		if uuid, _ := props["UUID"].Value().(string); strings.EqualFold(uuid, char) {
			return path, true
		}
	}
	return "", false
}

// parsePropertiesChanged extracts a connection change from a
// PropertiesChanged signal on a Device1 object.
func parsePropertiesChanged(sig *dbus.Signal) (Event, bool) {
	if sig == nil || sig.Name != propsIface+"."+propsChanged || len(sig.Body) < 2 {
		return Event{}, false
	}
	iface, ok := sig.Body[0].(string)
	if !ok || iface != deviceIface {
		return Event{}, false
	}
	changed, ok := sig.Body[1].(map[string]dbus.Variant)
	if !ok {
		return Event{}, false
	}
	v, ok := changed["Connected"]
	if !ok {
		return Event{}, false
	}
	connected, ok := v.Value().(bool)
	if !ok {
		return Event{}, false
	}
	addr := addressFromPath(sig.Path)
	if addr == "" {
		return Event{}, false
	}
	return Event{Address: addr, Connected: connected}, true
}
