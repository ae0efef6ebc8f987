package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/chaz8081/bletrigger/internal/ble"
	"github.com/chaz8081/bletrigger/internal/ble/protocol"
)

// Interactor is the user-interaction capability. Choose presents candidates
// and returns the one the user picked, or ErrUserCancelled.
type Interactor interface {
	Choose(ctx context.Context, candidates []ble.Device) (ble.Device, error)
}

// PairingPort persists associations between this host and peripherals and
// finds candidates for new ones.
type PairingPort interface {
	// Associations lists previously accepted addresses, most recent first.
	Associations() ([]string, error)
	// RequestAssociation looks for candidates accepted by match. It
	// returns ErrNoDevice when none turn up before ctx ends.
	RequestAssociation(ctx context.Context, match func(ble.Device) bool) ([]ble.Device, error)
	// Accept persists an association with d.
	Accept(d ble.Device) error
	// Remove forgets the association with address.
	Remove(address string) error
}

// Pairing is the desktop PairingPort: candidates come from a radio scan for
// the output service and associations live in a Store.
type Pairing struct {
	transport   ble.Transport
	store       *Store
	scanTimeout time.Duration
}

// NewPairing returns a PairingPort scanning for at most scanTimeout.
func NewPairing(transport ble.Transport, store *Store, scanTimeout time.Duration) *Pairing {
	return &Pairing{transport: transport, store: store, scanTimeout: scanTimeout}
}

var _ PairingPort = (*Pairing)(nil)

func (p *Pairing) Associations() ([]string, error) {
	list, err := p.store.List()
	if err != nil {
		return nil, err
	}
	addrs := make([]string, 0, len(list))
	for _, a := range list {
		addrs = append(addrs, a.Address)
	}
	return addrs, nil
}

func (p *Pairing) RequestAssociation(ctx context.Context, match func(ble.Device) bool) ([]ble.Device, error) {
	ctx, cancel := context.WithTimeout(ctx, p.scanTimeout)
	defer cancel()

	slog.Info("[DISCOVERY] scanning for new devices", "timeout", p.scanTimeout)
	devices, err := p.transport.Scan(ctx, ble.ScanFilter{Service: protocol.OutputService, Match: match})
	if err != nil {
		return nil, fmt.Errorf("discovery: scan: %w", err)
	}
	if len(devices) == 0 {
		return nil, ErrNoDevice
	}
	return devices, nil
}

func (p *Pairing) Accept(d ble.Device) error {
	return p.store.Put(Association{Address: d.Address, Name: d.Name})
}

func (p *Pairing) Remove(address string) error {
	return p.store.Remove(address)
}
