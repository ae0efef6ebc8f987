// Package bletest provides an in-memory trigger peripheral and transport for
// tests. Events are delivered asynchronously and in order, the way platform
// BLE stacks call back.
package bletest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/chaz8081/bletrigger/internal/ble"
	"github.com/chaz8081/bletrigger/internal/ble/protocol"
	"github.com/chaz8081/bletrigger/internal/fsm"
)

// ErrUnknownAttribute is reported for requests on attributes the peripheral
// does not expose.
var ErrUnknownAttribute = errors.New("bletest: unknown attribute")

// Write is a recorded characteristic write.
type Write struct {
	Attr         ble.Attribute
	Value        []byte
	WithResponse bool
}

// Peripheral simulates a trigger peripheral's GATT server.
type Peripheral struct {
	Address string
	Name    string

	mu        sync.Mutex
	signature protocol.Signature
	values    map[ble.Attribute][]byte
	notifying map[ble.Attribute]bool
	writes    []Write
	link      *link
	opens     int
	closes    int

	unresponsive bool
	discoverErr  error
	muted        map[ble.Attribute]bool
	onWrite      func(w Write)
}

// NewPeripheral returns a peripheral exposing the required signature with
// plausible initial values.
func NewPeripheral(address string) *Peripheral {
	p := &Peripheral{
		Address:   address,
		Name:      "Trigger",
		signature: protocol.RequiredSignature(),
		values:    make(map[ble.Attribute][]byte),
		notifying: make(map[ble.Attribute]bool),
		muted:     make(map[ble.Attribute]bool),
	}
	p.values[attr(protocol.DeviceInfoService, protocol.HardwareRevision)] = []byte("HW-1.0")
	p.values[attr(protocol.DeviceInfoService, protocol.SoftwareRevision)] = []byte("SW-2.3")
	p.values[attr(protocol.TimeSyncService, protocol.NeedsSync)] = protocol.EncodeBool(false)
	p.values[attr(protocol.LinkService, protocol.ConnectionOptions)] = protocol.EncodeUint32(0)
	return p
}

func attr(service, characteristic uuid.UUID) ble.Attribute {
	return ble.Attribute{Service: service, Characteristic: characteristic}
}

// SetSignature replaces the exposed attribute layout.
func (p *Peripheral) SetSignature(sig protocol.Signature) {
	p.mu.Lock()
	p.signature = sig
	p.mu.Unlock()
}

// SetUnresponsive makes future connects never reach link-up.
func (p *Peripheral) SetUnresponsive(v bool) {
	p.mu.Lock()
	p.unresponsive = v
	p.mu.Unlock()
}

// SetDiscoverError makes service discovery fail with err.
func (p *Peripheral) SetDiscoverError(err error) {
	p.mu.Lock()
	p.discoverErr = err
	p.mu.Unlock()
}

// Mute stops the peripheral from answering requests on a characteristic.
func (p *Peripheral) Mute(service, characteristic uuid.UUID) {
	p.mu.Lock()
	p.muted[attr(service, characteristic)] = true
	p.mu.Unlock()
}

// OnWrite registers a hook called after every characteristic write. The
// hook may call Notify.
func (p *Peripheral) OnWrite(fn func(w Write)) {
	p.mu.Lock()
	p.onWrite = fn
	p.mu.Unlock()
}

// SetValue sets a characteristic value without notifying.
func (p *Peripheral) SetValue(service, characteristic uuid.UUID, value []byte) {
	p.mu.Lock()
	p.values[attr(service, characteristic)] = append([]byte(nil), value...)
	p.mu.Unlock()
}

// Notify sets a characteristic value and sends a notification when the
// central enabled them.
func (p *Peripheral) Notify(service, characteristic uuid.UUID, value []byte) {
	a := attr(service, characteristic)
	p.mu.Lock()
	p.values[a] = append([]byte(nil), value...)
	l := p.link
	enabled := p.notifying[a]
	p.mu.Unlock()
	if l != nil && enabled {
		l.emit(ble.CharacteristicChanged{Attr: a, Value: append([]byte(nil), value...)})
	}
}

// Notifying reports whether notifications are enabled on a characteristic.
func (p *Peripheral) Notifying(service, characteristic uuid.UUID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.notifying[attr(service, characteristic)]
}

// DropLink simulates a link loss reported with status.
func (p *Peripheral) DropLink(status int) {
	p.mu.Lock()
	l := p.link
	p.link = nil
	if l != nil {
		l.up = false
	}
	p.notifying = make(map[ble.Attribute]bool)
	p.mu.Unlock()
	if l != nil {
		l.emit(ble.LinkStateChanged{Connected: false, Status: status})
	}
}

// Writes returns the recorded writes to a characteristic.
func (p *Peripheral) Writes(service, characteristic uuid.UUID) []Write {
	a := attr(service, characteristic)
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Write
	for _, w := range p.writes {
		if w.Attr == a {
			out = append(out, w)
		}
	}
	return out
}

// Opens returns how many links were opened to the peripheral.
func (p *Peripheral) Opens() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.opens
}

// Closes returns how many links were closed by the central.
func (p *Peripheral) Closes() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closes
}

// Connected reports whether a link is currently up.
func (p *Peripheral) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.link != nil && p.link.up
}

func (p *Peripheral) device() ble.Device {
	p.mu.Lock()
	defer p.mu.Unlock()
	d := ble.Device{Name: p.Name, Address: p.Address, RSSI: -50}
	for svc := range p.signature {
		d.Services = append(d.Services, svc)
	}
	return d
}

// Transport is an in-memory ble.Transport over a set of peripherals.
type Transport struct {
	mu          sync.Mutex
	peripherals map[string]*Peripheral
	enableErr   error
	scans       int
}

var _ ble.Transport = (*Transport)(nil)

// NewTransport returns a transport that can reach the given peripherals.
func NewTransport(peripherals ...*Peripheral) *Transport {
	t := &Transport{peripherals: make(map[string]*Peripheral)}
	for _, p := range peripherals {
		t.peripherals[p.Address] = p
	}
	return t
}

// Add makes another peripheral reachable.
func (t *Transport) Add(p *Peripheral) {
	t.mu.Lock()
	t.peripherals[p.Address] = p
	t.mu.Unlock()
}

// SetEnableError makes Enable fail.
func (t *Transport) SetEnableError(err error) {
	t.mu.Lock()
	t.enableErr = err
	t.mu.Unlock()
}

// Scans returns the number of Scan calls.
func (t *Transport) Scans() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.scans
}

func (t *Transport) Enable() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enableErr
}

func (t *Transport) Scan(ctx context.Context, filter ble.ScanFilter) ([]ble.Device, error) {
	t.mu.Lock()
	t.scans++
	ps := make([]*Peripheral, 0, len(t.peripherals))
	for _, p := range t.peripherals {
		ps = append(ps, p)
	}
	t.mu.Unlock()

	var out []ble.Device
	for _, p := range ps {
		if ctx.Err() != nil {
			break
		}
		d := p.device()
		if !filter.Accepts(d) {
			continue
		}
		out = append(out, d)
		if filter.StopAfterFirst {
			break
		}
	}
	return out, nil
}

func (t *Transport) Open(address string, events func(ble.Event)) (ble.Link, error) {
	t.mu.Lock()
	p := t.peripherals[address]
	t.mu.Unlock()

	l := newLink(p, events)
	if p == nil {
		l.emit(ble.LinkStateChanged{Connected: false, Status: ble.StatusError})
		return l, nil
	}

	p.mu.Lock()
	p.opens++
	unresponsive := p.unresponsive
	if !unresponsive {
		p.link = l
		l.up = true
	}
	p.mu.Unlock()

	if !unresponsive {
		l.emit(ble.LinkStateChanged{Connected: true, Status: ble.StatusSuccess})
	}
	return l, nil
}

type link struct {
	p      *Peripheral
	events func(ble.Event)
	queue  *fsm.Mailbox[ble.Event]
	stop   chan struct{}
	once   sync.Once

	// guarded by p.mu
	up     bool
	closed bool
}

func newLink(p *Peripheral, events func(ble.Event)) *link {
	l := &link{p: p, events: events, queue: fsm.NewMailbox[ble.Event](), stop: make(chan struct{})}
	go l.pump()
	return l
}

func (l *link) pump() {
	for {
		select {
		case <-l.stop:
			return
		case <-l.queue.Ready():
			for _, ev := range l.queue.Drain() {
				select {
				case <-l.stop:
					return
				default:
				}
				l.events(ev)
			}
		}
	}
}

func (l *link) emit(ev ble.Event) {
	l.queue.Post(ev)
}

func (l *link) check(a ble.Attribute) (muted bool, err error) {
	p := l.p
	if p == nil {
		return false, ble.ErrNotConnected
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if l.closed || !l.up {
		return false, ble.ErrNotConnected
	}
	key := attr(a.Service, a.Characteristic)
	if !p.signature.Has(a.Service, a.Characteristic) {
		return false, fmt.Errorf("%w: %s", ErrUnknownAttribute, key)
	}
	return p.muted[key], nil
}

func (l *link) DiscoverServices() error {
	p := l.p
	if p == nil {
		return ble.ErrNotConnected
	}
	p.mu.Lock()
	sig := make(protocol.Signature, len(p.signature))
	for k, v := range p.signature {
		sig[k] = append([]uuid.UUID(nil), v...)
	}
	err := p.discoverErr
	p.mu.Unlock()

	if err != nil {
		l.emit(ble.ServicesDiscovered{Err: err})
		return nil
	}
	l.emit(ble.ServicesDiscovered{Signature: sig})
	return nil
}

func (l *link) ReadCharacteristic(a ble.Attribute) error {
	muted, err := l.check(a)
	if err != nil {
		return err
	}
	if muted {
		return nil
	}
	l.p.mu.Lock()
	v := append([]byte(nil), l.p.values[a]...)
	l.p.mu.Unlock()
	l.emit(ble.CharacteristicRead{Attr: a, Value: v})
	return nil
}

func (l *link) WriteCharacteristic(a ble.Attribute, value []byte, withResponse bool) error {
	muted, err := l.check(a)
	if err != nil {
		return err
	}
	w := Write{Attr: a, Value: append([]byte(nil), value...), WithResponse: withResponse}
	l.p.mu.Lock()
	l.p.writes = append(l.p.writes, w)
	l.p.values[a] = w.Value
	hook := l.p.onWrite
	l.p.mu.Unlock()

	if withResponse && !muted {
		l.emit(ble.CharacteristicWritten{Attr: a})
	}
	if hook != nil {
		go hook(w)
	}
	return nil
}

func (l *link) WriteDescriptor(a ble.Attribute, value []byte) error {
	muted, err := l.check(a)
	if err != nil {
		return err
	}
	if a.Descriptor != protocol.ClientConfig || len(value) == 0 {
		return fmt.Errorf("%w: descriptor %s", ble.ErrUnsupported, a)
	}
	if muted {
		return nil
	}
	l.p.mu.Lock()
	l.p.notifying[attr(a.Service, a.Characteristic)] = value[0]&0x01 != 0
	l.p.mu.Unlock()
	l.emit(ble.DescriptorWritten{Attr: a})
	return nil
}

func (l *link) Close() error {
	if p := l.p; p != nil {
		p.mu.Lock()
		if !l.closed {
			l.closed = true
			p.closes++
			if p.link == l {
				p.link = nil
				p.notifying = make(map[ble.Attribute]bool)
			}
		}
		p.mu.Unlock()
	}
	l.once.Do(func() { close(l.stop) })
	return nil
}
