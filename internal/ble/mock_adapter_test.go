package ble

import (
	"context"
	"sync"
	"testing"

	"github.com/chaz8081/bletrigger/internal/ble/protocol"
)

// request is one call recorded by mockLink.
type request struct {
	op    string
	attr  Attribute
	value []byte
}

// mockLink records requests and answers them through events. reply decides
// the answer; returning nil leaves the request unanswered.
type mockLink struct {
	mu       sync.Mutex
	events   func(Event)
	requests []request
	values   map[Attribute][]byte
	closes   int
	reply    func(req request) Event

	discoverErr error
}

func newMockLink(events func(Event)) *mockLink {
	return &mockLink{events: events, values: make(map[Attribute][]byte)}
}

func (l *mockLink) record(req request) {
	l.mu.Lock()
	l.requests = append(l.requests, req)
	reply := l.reply
	l.mu.Unlock()

	var ev Event
	if reply != nil {
		ev = reply(req)
	} else {
		ev = l.defaultReply(req)
	}
	if ev != nil {
		go l.events(ev)
	}
}

func (l *mockLink) defaultReply(req request) Event {
	switch req.op {
	case "read":
		l.mu.Lock()
		v := l.values[req.attr]
		l.mu.Unlock()
		return CharacteristicRead{Attr: req.attr, Value: v}
	case "write":
		return CharacteristicWritten{Attr: req.attr}
	case "descriptor":
		return DescriptorWritten{Attr: req.attr}
	}
	return nil
}

func (l *mockLink) DiscoverServices() error {
	l.mu.Lock()
	l.requests = append(l.requests, request{op: "discover"})
	err := l.discoverErr
	l.mu.Unlock()
	go l.events(ServicesDiscovered{Signature: protocol.RequiredSignature(), Err: err})
	return nil
}

func (l *mockLink) ReadCharacteristic(attr Attribute) error {
	l.record(request{op: "read", attr: attr})
	return nil
}

func (l *mockLink) WriteCharacteristic(attr Attribute, value []byte, withResponse bool) error {
	if !withResponse {
		l.mu.Lock()
		l.requests = append(l.requests, request{op: "write-no-response", attr: attr, value: value})
		l.mu.Unlock()
		return nil
	}
	l.record(request{op: "write", attr: attr, value: value})
	return nil
}

func (l *mockLink) WriteDescriptor(attr Attribute, value []byte) error {
	l.record(request{op: "descriptor", attr: attr, value: value})
	return nil
}

func (l *mockLink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closes++
	return nil
}

func (l *mockLink) closeCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closes
}

func (l *mockLink) recorded(op string) []request {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []request
	for _, r := range l.requests {
		if r.op == op {
			out = append(out, r)
		}
	}
	return out
}

// linkState simulates the platform reporting a state change.
func (l *mockLink) linkState(connected bool, status int) {
	l.events(LinkStateChanged{Connected: connected, Status: status})
}

// mockTransport hands out mockLinks. With silent set, links never come up.
type mockTransport struct {
	mu          sync.Mutex
	links       []*mockLink
	silent      bool
	discoverErr error
	openErr     error
}

func (t *mockTransport) Enable() error { return nil }

func (t *mockTransport) Scan(_ context.Context, _ ScanFilter) ([]Device, error) {
	return nil, nil
}

func (t *mockTransport) Open(_ string, events func(Event)) (Link, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.openErr != nil {
		return nil, t.openErr
	}
	l := newMockLink(events)
	l.discoverErr = t.discoverErr
	t.links = append(t.links, l)
	if !t.silent {
		go l.linkState(true, StatusSuccess)
	}
	return l, nil
}

func (t *mockTransport) opened() []*mockLink {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*mockLink(nil), t.links...)
}

func TestMockTransportImplementsInterface(t *testing.T) {
	var _ Transport = (*mockTransport)(nil)
}

func TestMockLinkImplementsInterface(t *testing.T) {
	var _ Link = (*mockLink)(nil)
}
