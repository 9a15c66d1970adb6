package transport

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	"go.uber.org/zap"
)

const (
	bluezBus          = "org.bluez"
	bluezAdapter1     = "org.bluez.Adapter1"
	bluezDevice1      = "org.bluez.Device1"
	bluezGattChar1    = "org.bluez.GattCharacteristic1"
	dbusProperties    = "org.freedesktop.DBus.Properties"
	dbusObjectManager = "org.freedesktop.DBus.ObjectManager"
	propsChanged      = dbusProperties + ".PropertiesChanged"
	dbusAccessDenied  = "org.freedesktop.DBus.Error.AccessDenied"

	bluezPollInterval     = 500 * time.Millisecond
	bluezResolveInterval  = 200 * time.Millisecond
	bluezDefaultChunkSize = 20
)

// BlueZConfig names the adapter and the hub's UART service.
type BlueZConfig struct {
	Adapter     string // e.g. "hci0"
	ServiceUUID string
	RxUUID      string // hub -> controller, notify
	TxUUID      string // controller -> hub, write
	ChunkSize   int    // bytes per GATT write
}

// BlueZRadio drives the local Bluetooth adapter through BlueZ on the system
// D-Bus.
type BlueZRadio struct {
	cfg BlueZConfig
	log *zap.Logger

	mu   sync.Mutex
	conn *dbus.Conn
}

// NewBlueZRadio returns a radio for cfg. The bus is connected lazily by
// RequestPermission.
func NewBlueZRadio(cfg BlueZConfig, log *zap.Logger) *BlueZRadio {
	if cfg.Adapter == "" {
		cfg.Adapter = "hci0"
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = bluezDefaultChunkSize
	}
	return &BlueZRadio{cfg: cfg, log: log}
}

func (b *BlueZRadio) adapterPath() dbus.ObjectPath {
	return dbus.ObjectPath("/org/bluez/" + b.cfg.Adapter)
}

// RequestPermission connects to the system bus and checks BlueZ is present.
func (b *BlueZRadio) RequestPermission(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn != nil {
		return nil
	}

	conn, err := dbus.SystemBus()
	if err != nil {
		if isAccessDenied(err) {
			return fmt.Errorf("%w: %w", ErrPermissionDenied, err)
		}
		return fmt.Errorf("%w: system bus: %w", ErrAdapterUnavailable, err)
	}
	var names []string
	if err := conn.BusObject().CallWithContext(ctx, "org.freedesktop.DBus.ListNames", 0).Store(&names); err != nil {
		if isAccessDenied(err) {
			return fmt.Errorf("%w: %w", ErrPermissionDenied, err)
		}
		return fmt.Errorf("%w: list bus names: %w", ErrAdapterUnavailable, err)
	}
	for _, n := range names {
		if n == bluezBus {
			b.conn = conn
			return nil
		}
	}
	return fmt.Errorf("%w: org.bluez not found on system bus", ErrAdapterUnavailable)
}

// WatchAdapter emits the adapter's Powered state now and on every change.
func (b *BlueZRadio) WatchAdapter(ctx context.Context) (<-chan AdapterState, error) {
	conn, err := b.bus()
	if err != nil {
		return nil, err
	}

	rule := fmt.Sprintf("type='signal',interface='%s',member='PropertiesChanged',path='%s'",
		dbusProperties, b.adapterPath())
	if err := conn.BusObject().Call("org.freedesktop.DBus.AddMatch", 0, rule).Err; err != nil {
		return nil, fmt.Errorf("transport: watch adapter: %w", err)
	}
	sigs := make(chan *dbus.Signal, 16)
	conn.Signal(sigs)

	out := make(chan AdapterState, 4)
	out <- b.adapterState(conn)

	go func() {
		defer close(out)
		defer conn.RemoveSignal(sigs)
		defer conn.BusObject().Call("org.freedesktop.DBus.RemoveMatch", 0, rule)
		for {
			select {
			case <-ctx.Done():
				return
			case sig, ok := <-sigs:
				if !ok {
					return
				}
				if sig.Path != b.adapterPath() || sig.Name != propsChanged || len(sig.Body) < 2 {
					continue
				}
				if iface, _ := sig.Body[0].(string); iface != bluezAdapter1 {
					continue
				}
				changed, _ := sig.Body[1].(map[string]dbus.Variant)
				v, ok := changed["Powered"]
				if !ok {
					continue
				}
				state := AdapterPoweredOff
				if on, _ := v.Value().(bool); on {
					state = AdapterPoweredOn
				}
				select {
				case out <- state:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Scan runs LE discovery filtered to the hub service and polls BlueZ's
// object tree until match accepts a device.
func (b *BlueZRadio) Scan(ctx context.Context, match Matcher) (Device, error) {
	conn, err := b.bus()
	if err != nil {
		return Device{}, err
	}
	adapter := conn.Object(bluezBus, b.adapterPath())

	filter := map[string]dbus.Variant{"Transport": dbus.MakeVariant("le")}
	if b.cfg.ServiceUUID != "" {
		filter["UUIDs"] = dbus.MakeVariant([]string{b.cfg.ServiceUUID})
	}
	if err := adapter.CallWithContext(ctx, bluezAdapter1+".SetDiscoveryFilter", 0, filter).Err; err != nil {
		return Device{}, fmt.Errorf("transport: set discovery filter: %w", err)
	}
	if err := adapter.CallWithContext(ctx, bluezAdapter1+".StartDiscovery", 0).Err; err != nil {
		return Device{}, fmt.Errorf("transport: start discovery: %w", err)
	}
	defer adapter.Call(bluezAdapter1+".StopDiscovery", 0)

	ticker := time.NewTicker(bluezPollInterval)
	defer ticker.Stop()
	for {
		devices, err := b.devices(conn)
		if err != nil {
			return Device{}, err
		}
		for _, d := range devices {
			if match(d) {
				b.log.Info("bluez: found hub", zap.String("name", d.Name), zap.String("address", d.Address))
				return d, nil
			}
		}
		select {
		case <-ctx.Done():
			return Device{}, fmt.Errorf("%w: %w", ErrNotFound, ctx.Err())
		case <-ticker.C:
		}
	}
}

// Connect asks BlueZ to connect dev.
func (b *BlueZRadio) Connect(ctx context.Context, dev Device) (Link, error) {
	conn, err := b.bus()
	if err != nil {
		return nil, err
	}
	path := dbus.ObjectPath(dev.ID)
	if err := conn.Object(bluezBus, path).CallWithContext(ctx, bluezDevice1+".Connect", 0).Err; err != nil {
		return nil, fmt.Errorf("transport: connect %s: %w", dev.Address, err)
	}
	return &bluezLink{
		conn:      conn,
		cfg:       b.cfg,
		log:       b.log,
		dev:       dev,
		path:      path,
		stop:      make(chan struct{}),
		chunkSize: b.cfg.ChunkSize,
	}, nil
}

// ── internal ──────────────────────────────────────────────────────────────

func (b *BlueZRadio) bus() (*dbus.Conn, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == nil {
		return nil, fmt.Errorf("%w: system bus not connected", ErrAdapterUnavailable)
	}
	return b.conn, nil
}

func (b *BlueZRadio) adapterState(conn *dbus.Conn) AdapterState {
	powered, err := getProperty[bool](conn, b.adapterPath(), bluezAdapter1, "Powered")
	if err != nil {
		if isAccessDenied(err) {
			return AdapterUnauthorized
		}
		return AdapterUnknown
	}
	if powered {
		return AdapterPoweredOn
	}
	return AdapterPoweredOff
}

func (b *BlueZRadio) devices(conn *dbus.Conn) ([]Device, error) {
	objects, err := managedObjects(conn)
	if err != nil {
		return nil, err
	}
	prefix := string(b.adapterPath()) + "/"

	var out []Device
	for path, ifaces := range objects {
		props, ok := ifaces[bluezDevice1]
		if !ok || !strings.HasPrefix(string(path), prefix) {
			continue
		}
		d := Device{ID: string(path)}
		if v, ok := props["Name"]; ok {
			d.Name, _ = v.Value().(string)
		}
		if v, ok := props["Address"]; ok {
			d.Address, _ = v.Value().(string)
		}
		if v, ok := props["UUIDs"]; ok {
			d.Services, _ = v.Value().([]string)
		}
		out = append(out, d)
	}
	return out, nil
}

// bluezLink is a connected hub exposing a UART-style service: one
// characteristic notifies inbound bytes, the other accepts writes.
type bluezLink struct {
	conn      *dbus.Conn
	cfg       BlueZConfig
	log       *zap.Logger
	dev       Device
	path      dbus.ObjectPath
	chunkSize int

	mu       sync.Mutex
	rxPath   dbus.ObjectPath
	txPath   dbus.ObjectPath
	closed   bool
	stop     chan struct{}
	stopOnce sync.Once
	writeMu  sync.Mutex
}

func (l *bluezLink) ID() string { return l.dev.ID }

// DiscoverServices waits for ServicesResolved and locates the UART
// characteristics under the device.
func (l *bluezLink) DiscoverServices(ctx context.Context) error {
	ticker := time.NewTicker(bluezResolveInterval)
	defer ticker.Stop()
	for {
		resolved, err := getProperty[bool](l.conn, l.path, bluezDevice1, "ServicesResolved")
		if err == nil && resolved {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("transport: services not resolved: %w", ctx.Err())
		case <-ticker.C:
		}
	}

	objects, err := managedObjects(l.conn)
	if err != nil {
		return err
	}
	prefix := string(l.path) + "/"
	var rx, tx dbus.ObjectPath
	for path, ifaces := range objects {
		props, ok := ifaces[bluezGattChar1]
		if !ok || !strings.HasPrefix(string(path), prefix) {
			continue
		}
		v, ok := props["UUID"]
		if !ok {
			continue
		}
		uuid, _ := v.Value().(string)
		switch {
		case strings.EqualFold(uuid, l.cfg.RxUUID):
			rx = path
		case strings.EqualFold(uuid, l.cfg.TxUUID):
			tx = path
		}
	}
	if rx == "" || tx == "" {
		return fmt.Errorf("transport: uart characteristics not found on %s", l.dev.Address)
	}

	l.mu.Lock()
	l.rxPath, l.txPath = rx, tx
	l.mu.Unlock()
	l.log.Debug("bluez: characteristics resolved", zap.String("rx", string(rx)), zap.String("tx", string(tx)))
	return nil
}

// Monitor subscribes to rx notifications and to the device's Connected
// property.
func (l *bluezLink) Monitor(onData func([]byte), onDisconnect func(error)) error {
	l.mu.Lock()
	rx := l.rxPath
	l.mu.Unlock()
	if rx == "" {
		return fmt.Errorf("transport: monitor before service discovery")
	}

	rule := fmt.Sprintf("type='signal',interface='%s',member='PropertiesChanged',path_namespace='%s'",
		dbusProperties, l.path)
	if err := l.conn.BusObject().Call("org.freedesktop.DBus.AddMatch", 0, rule).Err; err != nil {
		return fmt.Errorf("transport: add match: %w", err)
	}
	sigs := make(chan *dbus.Signal, 64)
	l.conn.Signal(sigs)

	if err := l.conn.Object(bluezBus, rx).Call(bluezGattChar1+".StartNotify", 0).Err; err != nil {
		l.conn.RemoveSignal(sigs)
		return fmt.Errorf("transport: start notify: %w", err)
	}

	go func() {
		defer l.conn.RemoveSignal(sigs)
		defer l.conn.BusObject().Call("org.freedesktop.DBus.RemoveMatch", 0, rule)
		for {
			select {
			case <-l.stop:
				return
			case sig, ok := <-sigs:
				if !ok {
					return
				}
				if sig.Name != propsChanged || len(sig.Body) < 2 {
					continue
				}
				changed, _ := sig.Body[1].(map[string]dbus.Variant)
				switch sig.Path {
				case rx:
					if v, ok := changed["Value"]; ok {
						if data, ok := v.Value().([]byte); ok && len(data) > 0 {
							onData(data)
						}
					}
				case l.path:
					v, ok := changed["Connected"]
					if !ok {
						continue
					}
					if up, _ := v.Value().(bool); up {
						continue
					}
					if l.markClosed() && onDisconnect != nil {
						onDisconnect(fmt.Errorf("%w: %s", ErrDeviceDisconnected, l.dev.Address))
					}
					return
				}
			}
		}
	}()
	return nil
}

// Write sends p in ChunkSize pieces as write-without-response commands.
func (l *bluezLink) Write(p []byte) error {
	l.mu.Lock()
	tx, closed := l.txPath, l.closed
	l.mu.Unlock()
	if closed {
		return ErrNotConnected
	}
	if tx == "" {
		return fmt.Errorf("transport: write before service discovery")
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	obj := l.conn.Object(bluezBus, tx)
	opts := map[string]dbus.Variant{"type": dbus.MakeVariant("command")}
	for len(p) > 0 {
		n := min(len(p), l.chunkSize)
		if err := obj.Call(bluezGattChar1+".WriteValue", 0, p[:n], opts).Err; err != nil {
			return fmt.Errorf("transport: write value: %w", err)
		}
		p = p[n:]
	}
	return nil
}

func (l *bluezLink) Disconnect() error {
	l.markClosed()
	l.mu.Lock()
	rx := l.rxPath
	l.mu.Unlock()
	if rx != "" {
		l.conn.Object(bluezBus, rx).Call(bluezGattChar1+".StopNotify", 0)
	}
	if err := l.conn.Object(bluezBus, l.path).Call(bluezDevice1+".Disconnect", 0).Err; err != nil {
		return fmt.Errorf("transport: disconnect %s: %w", l.dev.Address, err)
	}
	return nil
}

// markClosed reports whether this call performed the transition.
func (l *bluezLink) markClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false
	}
	l.closed = true
	l.stopOnce.Do(func() { close(l.stop) })
	return true
}

func managedObjects(conn *dbus.Conn) (map[dbus.ObjectPath]map[string]map[string]dbus.Variant, error) {
	var objects map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	if err := conn.Object(bluezBus, "/").Call(dbusObjectManager+".GetManagedObjects", 0).Store(&objects); err != nil {
		return nil, fmt.Errorf("transport: managed objects: %w", err)
	}
	return objects, nil
}

func getProperty[T any](conn *dbus.Conn, path dbus.ObjectPath, iface, prop string) (T, error) {
	var zero T
	v, err := conn.Object(bluezBus, path).GetProperty(iface + "." + prop)
	if err != nil {
		return zero, err
	}
	val, ok := v.Value().(T)
	if !ok {
		return zero, fmt.Errorf("property %s.%s has type %T", iface, prop, v.Value())
	}
	return val, nil
}

func isAccessDenied(err error) bool {
	var de dbus.Error
	if e, ok := err.(dbus.Error); ok {
		de = e
	} else if e, ok := err.(*dbus.Error); ok {
		de = *e
	} else {
		return strings.Contains(err.Error(), "AccessDenied")
	}
	return de.Name == dbusAccessDenied
}
