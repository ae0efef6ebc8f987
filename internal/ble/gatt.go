package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chaz8081/bletrigger/internal/ble/protocol"
)

// OperationTimeout bounds one attribute operation, including the wait for
// the single in-flight slot.
const OperationTimeout = 3 * time.Second

var (
	ErrNotConnected      = errors.New("ble: not connected")
	ErrOperationTimeout  = errors.New("ble: attribute operation timed out")
	ErrAttributeMismatch = errors.New("ble: response does not match request")
)

type opKind int

const (
	opRead opKind = iota
	opWrite
	opWriteDescriptor
)

func (k opKind) String() string {
	switch k {
	case opRead:
		return "read"
	case opWrite:
		return "write"
	case opWriteDescriptor:
		return "write descriptor"
	default:
		return "unknown"
	}
}

type response struct {
	kind  opKind
	attr  Attribute
	value []byte
	err   error
}

// GATT serializes attribute operations against one link. The transport
// cannot pipeline requests, so at most one operation is in flight; every
// response is matched against the request that is waiting for it.
type GATT struct {
	timeout time.Duration
	gate    chan struct{}
	closed  chan struct{}

	mu      sync.Mutex
	link    Link
	pending chan response
	subs    map[Attribute]map[*Subscription]struct{}
	done    bool
}

func newGATT() *GATT {
	return &GATT{
		timeout: OperationTimeout,
		gate:    make(chan struct{}, 1),
		closed:  make(chan struct{}),
		subs:    make(map[Attribute]map[*Subscription]struct{}),
	}
}

func (g *GATT) attach(link Link) {
	g.mu.Lock()
	g.link = link
	g.mu.Unlock()
}

// Read reads a characteristic value.
func (g *GATT) Read(ctx context.Context, service, characteristic uuid.UUID) ([]byte, error) {
	attr := Attribute{Service: service, Characteristic: characteristic}
	return g.do(ctx, opRead, attr, true, func(l Link) error {
		return l.ReadCharacteristic(attr)
	})
}

// Write writes a characteristic value. With wantAck false the write is sent
// without response and Write returns as soon as the transport accepted it.
func (g *GATT) Write(ctx context.Context, service, characteristic uuid.UUID, value []byte, wantAck bool) error {
	attr := Attribute{Service: service, Characteristic: characteristic}
	_, err := g.do(ctx, opWrite, attr, wantAck, func(l Link) error {
		return l.WriteCharacteristic(attr, value, wantAck)
	})
	return err
}

// WriteDescriptor writes a descriptor value.
func (g *GATT) WriteDescriptor(ctx context.Context, service, characteristic, descriptor uuid.UUID, value []byte) error {
	attr := Attribute{Service: service, Characteristic: characteristic, Descriptor: descriptor}
	_, err := g.do(ctx, opWriteDescriptor, attr, true, func(l Link) error {
		return l.WriteDescriptor(attr, value)
	})
	return err
}

func (g *GATT) do(ctx context.Context, kind opKind, attr Attribute, await bool, issue func(Link) error) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	select {
	case g.gate <- struct{}{}:
	case <-g.closed:
		return nil, ErrNotConnected
	case <-ctx.Done():
		return nil, g.ctxErr(ctx, kind, attr)
	}
	defer func() { <-g.gate }()

	ch := make(chan response, 1)
	g.mu.Lock()
	if g.done || g.link == nil {
		g.mu.Unlock()
		return nil, ErrNotConnected
	}
	link := g.link
	g.pending = ch
	g.mu.Unlock()
	defer func() {
		g.mu.Lock()
		g.pending = nil
		g.mu.Unlock()
	}()

	if err := issue(link); err != nil {
		return nil, fmt.Errorf("ble: %s %s: %w", kind, attr, err)
	}
	if !await {
		return nil, nil
	}

	select {
	case r := <-ch:
		if r.kind != kind || r.attr != attr {
			return nil, fmt.Errorf("%w: %s %s answered by %s %s", ErrAttributeMismatch, kind, attr, r.kind, r.attr)
		}
		if r.err != nil {
			return nil, fmt.Errorf("ble: %s %s: %w", kind, attr, r.err)
		}
		return r.value, nil
	case <-g.closed:
		return nil, ErrNotConnected
	case <-ctx.Done():
		return nil, g.ctxErr(ctx, kind, attr)
	}
}

func (g *GATT) ctxErr(ctx context.Context, kind opKind, attr Attribute) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s %s", ErrOperationTimeout, kind, attr)
	}
	return ctx.Err()
}

// deliver routes a transport event to the waiting operation or, for
// notifications, to the subscriptions of the characteristic.
func (g *GATT) deliver(ev Event) {
	var r response
	switch e := ev.(type) {
	case CharacteristicChanged:
		g.dispatch(e)
		return
	case CharacteristicRead:
		r = response{kind: opRead, attr: e.Attr, value: e.Value, err: e.Err}
	case CharacteristicWritten:
		r = response{kind: opWrite, attr: e.Attr, err: e.Err}
	case DescriptorWritten:
		r = response{kind: opWriteDescriptor, attr: e.Attr, err: e.Err}
	default:
		return
	}

	g.mu.Lock()
	ch := g.pending
	g.mu.Unlock()
	if ch == nil {
		slog.Debug("[BLE] dropping unsolicited response", "op", r.kind, "attr", r.attr)
		return
	}
	select {
	case ch <- r:
	default:
		slog.Debug("[BLE] dropping duplicate response", "op", r.kind, "attr", r.attr)
	}
}

func (g *GATT) dispatch(e CharacteristicChanged) {
	key := Attribute{Service: e.Attr.Service, Characteristic: e.Attr.Characteristic}
	g.mu.Lock()
	var fns []func([]byte)
	for sub := range g.subs[key] {
		fns = append(fns, sub.onChange)
	}
	g.mu.Unlock()

	for _, fn := range fns {
		fn(e.Value)
	}
}

// Subscription is a notification registration. The holder cancels it; the
// executor cancels every live subscription when the link goes away.
type Subscription struct {
	gatt      *GATT
	attr      Attribute
	onChange  func([]byte)
	done      chan struct{}
	cancelled bool
}

// Cancel unsubscribes. Safe to call more than once.
func (s *Subscription) Cancel() {
	s.gatt.Unsubscribe(s)
}

// Done is closed once the subscription is cancelled, explicitly or by
// disconnect.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Subscribe enables notifications on a characteristic and registers
// onChange for its values. onChange runs on the transport's callback
// goroutine and must not block.
func (g *GATT) Subscribe(ctx context.Context, service, characteristic uuid.UUID, onChange func([]byte)) (*Subscription, error) {
	if err := g.WriteDescriptor(ctx, service, characteristic, protocol.ClientConfig, protocol.EnableNotification); err != nil {
		return nil, fmt.Errorf("ble: enable notifications: %w", err)
	}

	key := Attribute{Service: service, Characteristic: characteristic}
	sub := &Subscription{gatt: g, attr: key, onChange: onChange, done: make(chan struct{})}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.done {
		return nil, ErrNotConnected
	}
	set, ok := g.subs[key]
	if !ok {
		set = make(map[*Subscription]struct{})
		g.subs[key] = set
	}
	set[sub] = struct{}{}
	return sub, nil
}

// Unsubscribe removes a subscription. When it was the last one for its
// characteristic, notifications are disabled on the peripheral; failure to
// do so is logged, not returned. A second call is a no-op.
func (g *GATT) Unsubscribe(sub *Subscription) {
	g.mu.Lock()
	if sub.cancelled {
		g.mu.Unlock()
		return
	}
	sub.cancelled = true
	close(sub.done)
	set := g.subs[sub.attr]
	delete(set, sub)
	last := len(set) == 0
	if last {
		delete(g.subs, sub.attr)
	}
	linkGone := g.done
	g.mu.Unlock()

	if !last || linkGone {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), g.timeout)
	defer cancel()
	err := g.WriteDescriptor(ctx, sub.attr.Service, sub.attr.Characteristic, protocol.ClientConfig, protocol.DisableNotification)
	if err != nil {
		slog.Warn("[BLE] failed to disable notifications", "attr", sub.attr, "error", err)
	}
}

// Subscriptions returns the number of live subscriptions.
func (g *GATT) Subscriptions() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, set := range g.subs {
		n += len(set)
	}
	return n
}

// close cancels every subscription and fails pending and future operations.
func (g *GATT) close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.done {
		return
	}
	g.done = true
	close(g.closed)
	for key, set := range g.subs {
		for sub := range set {
			sub.cancelled = true
			close(sub.done)
		}
		delete(g.subs, key)
	}
}
