package ble

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"tinygo.org/x/bluetooth"

	"github.com/chaz8081/bletrigger/internal/ble/protocol"
)

// maxAttributeValue is the largest value a single read can return.
const maxAttributeValue = 512

// TinyGoAdapter implements Transport on top of tinygo-org/bluetooth. The
// library's calls block, so each request runs on its own goroutine and its
// result is delivered as an Event. On macOS addresses are CoreBluetooth
// UUIDs rather than MAC addresses.
type TinyGoAdapter struct {
	adapter *bluetooth.Adapter

	// mu protects links.
	mu    sync.Mutex
	links map[string]*tinyGoLink
}

// NewTinyGoAdapter creates a transport using the default system adapter.
func NewTinyGoAdapter() *TinyGoAdapter {
	return &TinyGoAdapter{
		adapter: bluetooth.DefaultAdapter,
		links:   make(map[string]*tinyGoLink),
	}
}

// Compile-time check that TinyGoAdapter implements Transport.
var _ Transport = (*TinyGoAdapter)(nil)

func (a *TinyGoAdapter) Enable() error {
	if err := a.adapter.Enable(); err != nil {
		return fmt.Errorf("%w: %v", ErrRadioUnavailable, err)
	}

	// The adapter-level handler is the only place tinygo reports a
	// peripheral-initiated disconnect.
	a.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			return
		}
		addr := device.Address.String()
		a.mu.Lock()
		link, ok := a.links[addr]
		a.mu.Unlock()
		if ok {
			link.emit(LinkStateChanged{Connected: false, Status: StatusRemoteTerminated})
		}
	})
	return nil
}

func (a *TinyGoAdapter) Scan(ctx context.Context, filter ScanFilter) ([]Device, error) {
	var mu sync.Mutex
	var devices []Device
	seen := make(map[string]bool)

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			a.adapter.StopScan()
		case <-done:
		}
	}()

	var svc bluetooth.UUID
	if filter.Service != uuid.Nil {
		parsed, err := toTinyGoUUID(filter.Service)
		if err != nil {
			return nil, err
		}
		svc = parsed
	}

	err := a.adapter.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
		if filter.Service != uuid.Nil && !result.HasServiceUUID(svc) {
			return
		}
		d := Device{
			Name:    result.LocalName(),
			Address: result.Address.String(),
			RSSI:    int(result.RSSI),
		}
		if filter.Service != uuid.Nil {
			d.Services = []uuid.UUID{filter.Service}
		}
		if !filter.Accepts(d) {
			return
		}

		mu.Lock()
		defer mu.Unlock()
		if seen[d.Address] {
			return
		}
		seen[d.Address] = true
		devices = append(devices, d)
		if filter.StopAfterFirst {
			adapter.StopScan()
		}
	})
	close(done)

	if err != nil && ctx.Err() == nil {
		return nil, fmt.Errorf("ble: scan: %w", err)
	}
	mu.Lock()
	defer mu.Unlock()
	return devices, nil
}

func (a *TinyGoAdapter) Open(address string, events func(Event)) (Link, error) {
	var addr bluetooth.Address
	addr.Set(address)

	link := &tinyGoLink{
		adapter: a,
		address: address,
		events:  events,
		chars:   make(map[Attribute]*bluetooth.DeviceCharacteristic),
	}
	a.mu.Lock()
	a.links[address] = link
	a.mu.Unlock()

	go func() {
		device, err := a.adapter.Connect(addr, bluetooth.ConnectionParams{})
		if err != nil {
			slog.Warn("[BLE] connect failed", "address", address, "error", err)
			link.emit(LinkStateChanged{Connected: false, Status: StatusError})
			return
		}
		if !link.setDevice(&device) {
			// Closed while connecting.
			_ = device.Disconnect()
			return
		}
		link.emit(LinkStateChanged{Connected: true, Status: StatusSuccess})
	}()
	return link, nil
}

func (a *TinyGoAdapter) forget(address string, link *tinyGoLink) {
	a.mu.Lock()
	if a.links[address] == link {
		delete(a.links, address)
	}
	a.mu.Unlock()
}

type tinyGoLink struct {
	adapter *TinyGoAdapter
	address string
	events  func(Event)

	mu     sync.Mutex
	device *bluetooth.Device
	// chars holds pointers: BlueZ keeps notification state on the
	// characteristic value, so enable and disable must share it.
	chars  map[Attribute]*bluetooth.DeviceCharacteristic
	closed bool
}

var _ Link = (*tinyGoLink)(nil)

func (l *tinyGoLink) setDevice(d *bluetooth.Device) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false
	}
	l.device = d
	return true
}

func (l *tinyGoLink) emit(ev Event) {
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if !closed {
		l.events(ev)
	}
}

func (l *tinyGoLink) connected() (*bluetooth.Device, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed || l.device == nil {
		return nil, ErrNotConnected
	}
	return l.device, nil
}

func (l *tinyGoLink) characteristic(attr Attribute) (*bluetooth.DeviceCharacteristic, error) {
	key := Attribute{Service: attr.Service, Characteristic: attr.Characteristic}
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.chars[key]
	if !ok {
		return nil, fmt.Errorf("ble: characteristic %s not discovered", key)
	}
	return c, nil
}

func (l *tinyGoLink) DiscoverServices() error {
	device, err := l.connected()
	if err != nil {
		return err
	}
	go func() {
		sig, chars, err := discoverAll(device)
		if err == nil {
			l.mu.Lock()
			l.chars = chars
			l.mu.Unlock()
		}
		l.emit(ServicesDiscovered{Signature: sig, Err: err})
	}()
	return nil
}

func discoverAll(device *bluetooth.Device) (protocol.Signature, map[Attribute]*bluetooth.DeviceCharacteristic, error) {
	svcs, err := device.DiscoverServices(nil)
	if err != nil {
		return nil, nil, fmt.Errorf("ble: discover services: %w", err)
	}
	sig := make(protocol.Signature)
	chars := make(map[Attribute]*bluetooth.DeviceCharacteristic)
	for _, svc := range svcs {
		svcUUID, err := fromTinyGoUUID(svc.UUID())
		if err != nil {
			return nil, nil, err
		}
		found, err := svc.DiscoverCharacteristics(nil)
		if err != nil {
			return nil, nil, fmt.Errorf("ble: discover characteristics of %s: %w", svcUUID, err)
		}
		for i := range found {
			c := &found[i]
			charUUID, err := fromTinyGoUUID(c.UUID())
			if err != nil {
				return nil, nil, err
			}
			sig[svcUUID] = append(sig[svcUUID], charUUID)
			chars[Attribute{Service: svcUUID, Characteristic: charUUID}] = c
		}
	}
	return sig, chars, nil
}

func (l *tinyGoLink) ReadCharacteristic(attr Attribute) error {
	c, err := l.characteristic(attr)
	if err != nil {
		return err
	}
	go func() {
		buf := make([]byte, maxAttributeValue)
		n, err := c.Read(buf)
		if err != nil {
			l.emit(CharacteristicRead{Attr: attr, Err: err})
			return
		}
		l.emit(CharacteristicRead{Attr: attr, Value: buf[:n]})
	}()
	return nil
}

func (l *tinyGoLink) WriteCharacteristic(attr Attribute, value []byte, withResponse bool) error {
	c, err := l.characteristic(attr)
	if err != nil {
		return err
	}
	if !withResponse {
		_, err := c.WriteWithoutResponse(value)
		return err
	}
	data := append([]byte(nil), value...)
	go func() {
		err := writeWithResponse(c, data)
		l.emit(CharacteristicWritten{Attr: attr, Err: err})
	}()
	return nil
}

// WriteDescriptor supports only the client configuration descriptor, which
// tinygo exposes as EnableNotifications.
func (l *tinyGoLink) WriteDescriptor(attr Attribute, value []byte) error {
	if attr.Descriptor != protocol.ClientConfig || len(value) == 0 {
		return fmt.Errorf("%w: descriptor %s", ErrUnsupported, attr)
	}
	c, err := l.characteristic(attr)
	if err != nil {
		return err
	}
	key := Attribute{Service: attr.Service, Characteristic: attr.Characteristic}
	enable := value[0]&0x01 != 0
	go func() {
		var cb func([]byte)
		if enable {
			cb = func(buf []byte) {
				l.emit(CharacteristicChanged{Attr: key, Value: append([]byte(nil), buf...)})
			}
		}
		err := c.EnableNotifications(cb)
		l.emit(DescriptorWritten{Attr: attr, Err: err})
	}()
	return nil
}

func (l *tinyGoLink) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	device := l.device
	l.mu.Unlock()

	l.adapter.forget(l.address, l)
	if device == nil {
		return nil
	}
	return device.Disconnect()
}

func toTinyGoUUID(u uuid.UUID) (bluetooth.UUID, error) {
	parsed, err := bluetooth.ParseUUID(u.String())
	if err != nil {
		return bluetooth.UUID{}, fmt.Errorf("ble: parse UUID %s: %w", u, err)
	}
	return parsed, nil
}

func fromTinyGoUUID(u bluetooth.UUID) (uuid.UUID, error) {
	parsed, err := uuid.Parse(u.String())
	if err != nil {
		return uuid.Nil, fmt.Errorf("ble: parse UUID %s: %w", u.String(), err)
	}
	return parsed, nil
}
