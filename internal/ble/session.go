package ble

import (
	"log/slog"
	"sync"

	"github.com/chaz8081/bletrigger/internal/ble/protocol"
)

// Session is a link bound to one peripheral address. It is owned by the
// Machine that opened it and closed exactly once, on any transition out of
// Connecting or Connected.
type Session struct {
	address string
	gen     uint64
	link    Link
	gatt    *GATT

	mu        sync.Mutex
	signature protocol.Signature

	closeOnce sync.Once
}

func newSession(address string, gen uint64, gatt *GATT, link Link) *Session {
	return &Session{address: address, gen: gen, gatt: gatt, link: link}
}

// Address returns the peripheral address.
func (s *Session) Address() string { return s.address }

// GATT returns the attribute operation executor bound to this session.
func (s *Session) GATT() *GATT { return s.gatt }

// Signature returns the attributes discovered on the peripheral, or nil
// before discovery completed.
func (s *Session) Signature() protocol.Signature {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.signature
}

func (s *Session) setSignature(sig protocol.Signature) {
	s.mu.Lock()
	s.signature = sig
	s.mu.Unlock()
}

func (s *Session) close() {
	s.closeOnce.Do(func() {
		s.gatt.close()
		if err := s.link.Close(); err != nil {
			slog.Warn("[BLE] closing link", "address", s.address, "error", err)
		}
	})
}
