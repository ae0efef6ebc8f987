package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/chaz8081/bletrigger/internal/ble"
	"github.com/chaz8081/bletrigger/internal/ble/protocol"
)

// Scanner discovers a peripheral with a time-boxed radio scan. Candidates
// are probed strongest signal first; with an Interactor and more than one
// candidate, the user picks instead.
type Scanner struct {
	flow
	transport ble.Transport
}

// NewScanner returns an idle Scanner.
func NewScanner(transport ble.Transport, machine *ble.Machine, opts Options) *Scanner {
	return &Scanner{flow: newFlow(machine, opts), transport: transport}
}

var _ Discoverer = (*Scanner)(nil)

func (s *Scanner) Discover(ctx context.Context, ui Interactor) (sess *ble.Session, err error) {
	finish, err := s.begin()
	if err != nil {
		return nil, err
	}
	defer func() { finish(sess, err) }()

	candidates, err := s.scan(ctx)
	if err != nil {
		return nil, err
	}

	if ui != nil && len(candidates) > 1 {
		s.set(AssociationPending{Candidates: len(candidates)})
		d, err := ui.Choose(ctx, candidates)
		if err != nil {
			return nil, err
		}
		candidates = []ble.Device{d}
	}

	var last error
	for _, d := range candidates {
		sess, err := s.probe(ctx, d.Address)
		if err == nil {
			return sess, nil
		}
		if fatal(ctx, err) {
			return nil, err
		}
		slog.Warn("[DISCOVERY] candidate rejected", "address", d.Address, "error", err)
		last = err
	}
	return nil, fmt.Errorf("%w: %w", ErrNoDevice, last)
}

// Scan lists eligible advertisers without connecting, strongest first.
func (s *Scanner) Scan(ctx context.Context) (devices []ble.Device, err error) {
	finish, err := s.begin()
	if err != nil {
		return nil, err
	}
	defer func() { finish(nil, err) }()
	return s.scan(ctx)
}

func (s *Scanner) scan(ctx context.Context) ([]ble.Device, error) {
	s.set(Scanning{})
	sctx, cancel := context.WithTimeout(ctx, s.opts.ScanTimeout)
	defer cancel()

	devices, err := s.transport.Scan(sctx, ble.ScanFilter{
		Service:        protocol.OutputService,
		Match:          func(d ble.Device) bool { return s.eligible(d.Address) },
		StopAfterFirst: s.opts.StopAfterFirst,
	})
	if err != nil {
		return nil, fmt.Errorf("discovery: scan: %w", err)
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if len(devices) == 0 {
		return nil, ErrNoDevice
	}
	sort.SliceStable(devices, func(i, j int) bool { return devices[i].RSSI > devices[j].RSSI })
	slog.Info("[DISCOVERY] scan complete", "candidates", len(devices))
	return devices, nil
}
